// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package numdiff estimates Jacobians by finite differences, either densely one column at a
// time or over a known sparsity pattern where structurally orthogonal columns are perturbed
// together.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - Curtis, Powell & Reid (1974). On the estimation of sparse Jacobian matrices.
package numdiff

import (
	"math"

	"github.com/curioloop/optinterface/autodiff"
	"github.com/pkg/errors"
)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use central difference in interior points and the second order accuracy
	// forward or backward difference near the boundary.
	Central
)

type Bound [2]float64

// Approximator estimates the m×n Jacobian of Object at a point.
type Approximator struct {
	N, M int
	// Function of which to estimate the derivatives.
	// The argument x passed to this function is an n-vector.
	// The result is store in an m-vector y.
	Object func(x, y []float64)
	// Finite difference method to use.
	Method Method
	// Lower and upper bounds on independent variables.
	// Use it to limit the range of function evaluation. NaN means unbounded.
	Bounds []Bound
	// Relative step size used to compute absolute step size.
	// The default absolute step size is computed as h = RelStep * sign(x0) * max(1, abs(x0)) with RelStep being selected automatically.
	// Otherwise, absolute step size is computed as h = RelStep * sign(x0) * abs(x0) when RelStep is provided.
	RelStep float64
	// Absolute step size to use, possibly adjusted to fit into the bounds.
	// The RelStep is used when AbsStep is not provide.
	// For Central method the sign of AbsStep is ignored.
	AbsStep float64
	// Don't check if x0 is out of bounds.
	NotChkBnd bool
	// Store the dense result column-major (diff[i*M+j] = ∂yⱼ/∂xᵢ) instead of row-major.
	TransJac bool
	// Sparsity restricts the estimate to the listed (row, col) entries.
	// The result then holds one value per entry in pattern order.
	Sparsity *autodiff.Pattern
	workspace
}

type entry struct {
	row, col, slot int
}

type planKey struct {
	n, m  int
	trans bool
	sp    *autodiff.Pattern
}

type workspace struct {
	f0, f1, f2 []float64
	absStep    []float64
	oneSide    []bool
	saved      []float64
	bounds     []Bound
	key        planKey
	groups     [][]int
	plan       [][]entry
}

// Check the parameters and prepare the workspace.
func (a *Approximator) Check(x0, diff []float64) error {
	size := a.N * a.M
	if a.Sparsity != nil {
		size = a.Sparsity.Len()
	}
	switch {
	case a.N <= 0 || a.M <= 0:
		return errors.New("numdiff: non-positive dimensions")
	case a.Method != Forward && a.Method != Central:
		return errors.New("numdiff: unknown method")
	case a.Object == nil:
		return errors.New("numdiff: object function is required")
	case a.N != len(x0):
		return errors.New("numdiff: invalid x0 dimensions")
	case size != len(diff):
		return errors.New("numdiff: invalid diff dimensions")
	}

	a.bounds = a.bounds[:0]
	if a.Bounds != nil {
		if len(a.Bounds) != len(x0) {
			return errors.New("numdiff: invalid bound dimension")
		}
		for i, b := range a.Bounds {
			if math.IsNaN(b[0]) {
				b[0] = math.Inf(-1)
			}
			if math.IsNaN(b[1]) {
				b[1] = math.Inf(1)
			}
			if b[0] > b[1] {
				return errors.Errorf("numdiff: invalid bound range of x[%d]", i)
			}
			if !a.NotChkBnd && (x0[i] < b[0] || x0[i] > b[1]) {
				return errors.Errorf("numdiff: x0[%d] violates bound constraints", i)
			}
			a.bounds = append(a.bounds, b)
		}
	}

	if len(a.f0) != a.M {
		a.f0 = make([]float64, a.M)
		a.f1 = make([]float64, a.M)
		a.f2 = make([]float64, a.M)
	}
	if len(a.absStep) != a.N {
		a.absStep = make([]float64, a.N)
		a.saved = make([]float64, a.N)
	}
	if len(a.oneSide) != a.N*int(a.Method) {
		a.oneSide = make([]bool, a.N*int(a.Method))
	}
	return a.prepare()
}

// prepare groups the columns and maps every estimated entry to its output slot.
func (a *Approximator) prepare() error {
	key := planKey{n: a.N, m: a.M, trans: a.TransJac, sp: a.Sparsity}
	if a.groups != nil && a.key == key {
		return nil
	}
	n, m := a.N, a.M
	if a.Sparsity == nil {
		a.groups = make([][]int, n)
		a.plan = make([][]entry, n)
		for i := range n {
			a.groups[i] = []int{i}
			es := make([]entry, m)
			for j := range es {
				slot := i + j*n
				if a.TransJac {
					slot = i*m + j
				}
				es[j] = entry{row: j, col: i, slot: slot}
			}
			a.plan[i] = es
		}
	} else {
		sp := *a.Sparsity
		for k, r := range sp.Rows {
			if c := sp.Cols[k]; r < 0 || r >= m || c < 0 || c >= n {
				return errors.Errorf("numdiff: sparsity entry %d (%d,%d) out of range", k, r, c)
			}
		}
		k, colors := autodiff.ColorColumns(n, sp)
		a.groups = autodiff.ColorGroups(k, colors)
		a.plan = make([][]entry, k)
		for s, r := range sp.Rows {
			c := sp.Cols[s]
			a.plan[colors[c]] = append(a.plan[colors[c]], entry{row: r, col: c, slot: s})
		}
	}
	a.key = key
	return nil
}

// Evaluations returns the number of Object calls made by one Diff.
func (a *Approximator) Evaluations() int {
	return 1 + len(a.groups)*(int(a.Method)+1)
}

// Diff calculate approximation of derivatives by finite differences.
func (a *Approximator) Diff(x0, diff []float64) error {

	if err := a.Check(x0, diff); err != nil {
		return err
	}

	bnd := false
	for _, b := range a.bounds {
		if bnd = !(math.IsInf(b[0], 0) && math.IsInf(b[1], 0)); bnd {
			break
		}
	}

	a.absoluteStep(x0)
	a.adjustToBounds(x0, bnd)

	a.Object(x0, a.f0)
	for g, cols := range a.groups {
		if len(cols) == 0 {
			continue
		}
		if a.Method == Central {
			a.central(x0, cols, a.plan[g], diff)
		} else {
			a.forward(x0, cols, a.plan[g], diff)
		}
	}
	return nil
}

func (a *Approximator) forward(x0 []float64, cols []int, plan []entry, df []float64) {
	h, f0, f1 := a.absStep, a.f0, a.f1
	saved := a.saved[:len(cols)]
	for k, i := range cols {
		saved[k] = x0[i]
		x0[i] += h[i]
	}
	a.Object(x0, f1)
	for k, i := range cols {
		x0[i] = saved[k]
	}
	for _, e := range plan {
		df[e.slot] = (f1[e.row] - f0[e.row]) * (1.0 / h[e.col])
	}
}

func (a *Approximator) central(x0 []float64, cols []int, plan []entry, df []float64) {
	h, o, f0, f1, f2 := a.absStep, a.oneSide, a.f0, a.f1, a.f2
	if len(h) != len(o) {
		panic("bound check error")
	}
	saved := a.saved[:len(cols)]
	for k, i := range cols {
		saved[k] = x0[i]
		if o[i] {
			x0[i] = saved[k] + h[i]
		} else {
			x0[i] = saved[k] - h[i]
		}
	}
	a.Object(x0, f1)
	for k, i := range cols {
		if o[i] {
			x0[i] = saved[k] + 2*h[i]
		} else {
			x0[i] = saved[k] + h[i]
		}
	}
	a.Object(x0, f2)
	for k, i := range cols {
		x0[i] = saved[k]
	}
	for _, e := range plan {
		d := 1.0 / (2 * h[e.col])
		if o[e.col] {
			df[e.slot] = (4*f1[e.row] - 3*f0[e.row] - f2[e.row]) * d
		} else {
			df[e.slot] = (f2[e.row] - f1[e.row]) * d
		}
	}
}
