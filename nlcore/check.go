// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"math"

	"github.com/curioloop/optinterface/autodiff"
	"github.com/curioloop/optinterface/numdiff"
)

// DerivativeReport compares dispatched derivatives with central finite differences.
// Errors are relative: |a - b| / max(1, |b|).
type DerivativeReport struct {
	GradientError float64
	GradientCol   int // -1 when no gradient entry exists
	JacobianError float64
	JacobianRow   int // -1 when no Jacobian entry exists
	JacobianCol   int
}

// OK reports whether both errors are within tol.
func (r *DerivativeReport) OK(tol float64) bool {
	return r.GradientError <= tol && r.JacobianError <= tol
}

// CheckDerivatives estimates the objective gradient and the constraint Jacobian at x by
// sparse finite differences over the analyzed pattern and compares them with the kernels.
func CheckDerivatives(d *Dispatcher, x []float64) (*DerivativeReport, error) {
	const op = "CheckDerivatives"
	if err := d.check(op, x); err != nil {
		return nil, err
	}
	s := d.s
	n := s.NumVariables
	x0 := append([]float64(nil), x...)
	rep := &DerivativeReport{GradientCol: -1, JacobianRow: -1, JacobianCol: -1}

	var evalErr error
	keep := func(err error) {
		if evalErr == nil {
			evalErr = err
		}
	}

	if len(s.GradCols) > 0 {
		grad := make([]float64, len(s.GradCols))
		if err := d.EvalObjectiveGradient(x0, grad); err != nil {
			return nil, err
		}
		pat := autodiff.Pattern{Rows: make([]int, len(s.GradCols)), Cols: s.GradCols}
		approx := make([]float64, len(s.GradCols))
		a := numdiff.Approximator{N: n, M: 1, Method: numdiff.Central, Sparsity: &pat,
			Object: func(x, y []float64) {
				f, err := d.EvalObjective(x)
				keep(err)
				y[0] = f
			}}
		if err := a.Diff(x0, approx); err != nil {
			return nil, precondition(op, "%v", err)
		}
		for k := range grad {
			if e := relErr(grad[k], approx[k]); e > rep.GradientError || rep.GradientCol < 0 {
				rep.GradientError, rep.GradientCol = e, s.GradCols[k]
			}
		}
	}

	if m := s.NumConstraints(); m > 0 && len(s.JacRows) > 0 {
		rows, cols, index := s.UniqueJacobian()
		jac := make([]float64, len(s.JacRows))
		if err := d.EvalJacobian(x0, nil, nil, jac); err != nil {
			return nil, err
		}
		exact := make([]float64, len(rows))
		Accumulate(index, jac, exact)

		pat := autodiff.Pattern{Rows: rows, Cols: cols}
		approx := make([]float64, len(rows))
		a := numdiff.Approximator{N: n, M: m, Method: numdiff.Central, Sparsity: &pat,
			Object: func(x, y []float64) { keep(d.EvalConstraint(x, y)) }}
		if err := a.Diff(x0, approx); err != nil {
			return nil, precondition(op, "%v", err)
		}
		for k := range exact {
			if e := relErr(exact[k], approx[k]); e > rep.JacobianError || rep.JacobianRow < 0 {
				rep.JacobianError, rep.JacobianRow, rep.JacobianCol = e, rows[k], cols[k]
			}
		}
	}
	if evalErr != nil {
		return nil, evalErr
	}
	return rep, nil
}

func relErr(a, b float64) float64 {
	return math.Abs(a-b) / math.Max(1, math.Abs(b))
}
