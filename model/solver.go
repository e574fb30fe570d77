// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"context"
	"math"

	"github.com/curioloop/optinterface/nlcore"
	"github.com/curioloop/optinterface/slsqp"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Config holds the back-end settings exposed through SetRawParameter.
type Config struct {
	MaxIterations  int
	NNLSIterations int
	Accuracy       float64
	// LineSearch is "armijo" or "exact".
	LineSearch string
	Maximize   bool
}

func defaultConfig() Config {
	return Config{MaxIterations: 100, Accuracy: 1e-8, LineSearch: "armijo"}
}

// Solver drives a frozen problem through the dispatcher callbacks.
type Solver interface {
	Name() string
	Solve(ctx context.Context, d *nlcore.Dispatcher, cfg Config) (*Solution, error)
}

// SLSQP solves with sequential least squares quadratic programming.
// It uses first derivatives only; the Hessian is approximated by BFGS updates.
type SLSQP struct{}

func (SLSQP) Name() string { return "slsqp" }

// rowMap routes a structure row into the back-end constraint vector 𝒄(𝐱) with
// equalities first: 𝒄 = sign·(g - offset).
type rowMap struct {
	row    int
	sign   float64
	offset float64
}

func splitRows(s *nlcore.Structure) (eq, neq []rowMap) {
	for r := range s.NumConstraints() {
		lb, ub := s.ConLB[r], s.ConUB[r]
		switch {
		case lb == ub:
			eq = append(eq, rowMap{row: r, sign: 1, offset: lb})
		default:
			if !math.IsInf(lb, -1) {
				neq = append(neq, rowMap{row: r, sign: 1, offset: lb})
			}
			if !math.IsInf(ub, 1) {
				neq = append(neq, rowMap{row: r, sign: -1, offset: ub})
			}
		}
	}
	return
}

func (SLSQP) Solve(ctx context.Context, d *nlcore.Dispatcher, cfg Config) (*Solution, error) {
	s, p := d.Structure(), d.Problem()
	n := s.NumVariables

	eq, neq := splitRows(s)
	maps := append(eq, neq...)
	m, meq := len(maps), len(eq)
	// back-end rows fed by each structure row
	byRow := make([][]int, s.NumConstraints())
	for k, rm := range maps {
		byRow[rm.row] = append(byRow[rm.row], k)
	}
	// one normal per (Jacobian entry, back-end row) pair, in entry order
	var nz slsqp.Normals
	for e, r := range s.JacRows {
		for _, k := range byRow[r] {
			nz.Rows = append(nz.Rows, k)
			nz.Cols = append(nz.Cols, s.JacCols[e])
		}
	}

	bounds := make([]slsqp.Bound, n)
	x0 := p.StartPoint()
	for v := range n {
		if !p.IsActive(nlcore.VariableIndex(v)) {
			bounds[v] = slsqp.Bound{}
			x0[v] = 0
			continue
		}
		lb, ub := p.VariableBounds(nlcore.VariableIndex(v))
		bounds[v] = slsqp.Bound{Lower: lb, Upper: ub}
		x0[v] = min(max(x0[v], lb), ub)
	}

	sign := 1.0
	if cfg.Maximize {
		sign = -1
	}
	// the first failure aborts the back-end through its panic recovery
	var failure error
	fail := func(err error) {
		if failure == nil {
			failure = err
		}
		panic(err)
	}

	rows := make([]float64, s.NumConstraints())
	jac := make([]float64, len(s.JacRows))
	objective := func(x, g []float64) float64 {
		if err := ctx.Err(); err != nil {
			fail(err)
		}
		f, err := d.EvalObjective(x)
		if err != nil {
			fail(err)
		}
		if g != nil {
			if err = d.EvalObjectiveGradientDense(x, g); err != nil {
				fail(err)
			}
			floats.Scale(sign, g)
		}
		return sign * f
	}
	cons := func(x, c, a []float64) {
		if err := d.EvalConstraint(x, rows); err != nil {
			fail(err)
		}
		for k, rm := range maps {
			c[k] = rm.sign * (rows[rm.row] - rm.offset)
		}
		if a == nil {
			return
		}
		if err := d.EvalJacobian(x, nil, nil, jac); err != nil {
			fail(err)
		}
		i := 0
		for e, v := range jac {
			for _, k := range byRow[s.JacRows[e]] {
				a[i] = maps[k].sign * v
				i++
			}
		}
	}

	prob := slsqp.Problem{
		N:       n,
		Object:  objective,
		M:       m,
		MEq:     meq,
		Normals: nz,
		Bounds:  bounds,
		Line:    slsqp.LineSearch{Exact: cfg.LineSearch == "exact"},
		Stop: slsqp.Termination{
			Accuracy:       cfg.Accuracy,
			MaxIterations:  cfg.MaxIterations,
			NNLSIterations: cfg.NNLSIterations,
			FEvalTolerance: math.NaN(),
			FDiffTolerance: math.NaN(),
			XDiffTolerance: math.NaN(),
		},
	}
	if m > 0 {
		prob.Cons = cons
	}
	opt, err := prob.New()
	if err != nil {
		return nil, &nlcore.Error{Kind: nlcore.Precondition, Op: "SLSQP", Err: errors.WithStack(err)}
	}
	res := opt.Fit(x0, opt.Init())

	sol := &Solution{
		Status:     slsqpStatus(res),
		X:          res.X,
		Iterations: res.NumIter,
		Solver:     "slsqp",
	}
	switch {
	case ctx.Err() != nil:
		sol.Status = Interrupted
		return sol, nil
	case failure != nil:
		return nil, failure
	}

	if sol.Objective, err = d.EvalObjective(sol.X); err != nil {
		return nil, err
	}
	sol.Rows = make([]float64, s.NumConstraints())
	if err = d.EvalConstraint(sol.X, sol.Rows); err != nil {
		return nil, err
	}
	sol.Duals = make([]float64, s.NumConstraints())
	for k, rm := range maps {
		sol.Duals[rm.row] += rm.sign * res.Lambda[k]
	}
	sol.Violation = violation(s, sol.Rows)
	return sol, nil
}

func slsqpStatus(r *slsqp.Result) TerminationStatus {
	switch r.Status {
	case slsqp.OK:
		return LocallySolved
	case slsqp.SQPExceedMaxIter:
		return IterationLimit
	case slsqp.ConsIncompatible:
		return LocallyInfeasible
	case slsqp.SearchNotDescent:
		return SearchFailed
	case slsqp.BadArgument:
		return EvaluationError
	}
	return NumericalError
}

// violation is ‖max(lb - g, g - ub, 0)‖∞ over all rows.
func violation(s *nlcore.Structure, rows []float64) float64 {
	if len(rows) == 0 {
		return 0
	}
	v := make([]float64, len(rows))
	for r, g := range rows {
		v[r] = max(s.ConLB[r]-g, g-s.ConUB[r], 0)
	}
	return floats.Norm(v, math.Inf(1))
}
