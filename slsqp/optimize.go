// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slsqp

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Bound represents the bounds for an optimization variable.
type Bound struct {
	Lower, Upper float64
}

// Evaluation evaluates the objective 𝒇(𝐱) : ℝⁿ → ℝ.
// When g is non-nil it also receives the partials 𝒇′(𝐱) : ℝⁿ → ℝⁿ.
type Evaluation func(x []float64, g []float64) (f float64)

// Normals lists the structural nonzeros of the constraint normals 𝒄′(𝐱) as (row, col) pairs.
// An empty pattern stands for the dense m × n matrix in column-major order.
type Normals struct {
	Rows, Cols []int
}

// Len returns the number of entries.
func (nz Normals) Len() int { return len(nz.Rows) }

func denseNormals(m, n int) Normals {
	nz := Normals{Rows: make([]int, 0, m*n), Cols: make([]int, 0, m*n)}
	for j := range n {
		for i := range m {
			nz.Rows = append(nz.Rows, i)
			nz.Cols = append(nz.Cols, j)
		}
	}
	return nz
}

// Constraints evaluates all general constraints 𝒄(𝐱) : ℝⁿ → ℝᵐ into c, equality rows first.
// A nil jac is a value query. Otherwise jac receives ∂𝒄ᵢ/∂𝐱ⱼ for every (i, j) entry of
// Problem.Normals in pattern order, repeated entries being summed.
// jac is zeroed before every derivative query.
type Constraints func(x, c, jac []float64)

// Termination specifies the stopping criteria for the optimization algorithm.
type Termination struct {
	// The norm accuracy that determines the final solution.
	Accuracy float64
	// The iteration stop when the number of iteration exceeds limit.
	MaxIterations int
	// The maximum number of iterations in the NNLS problem.
	NNLSIterations int
	// The iteration will stop when |𝒇ₖ| < 𝚏𝚝𝚘𝚕
	FEvalTolerance float64
	// The iteration will stop when |𝒇ₖ₊₁ - 𝒇ₖ| < 𝚍𝚏𝚝𝚘𝚕
	FDiffTolerance float64
	// The iteration will stop when |𝐱ₖ₊₁ - 𝐱ₖ| < 𝚍𝚡𝚝𝚘𝚕
	XDiffTolerance float64
}

// LineSearch specifies the options for the line-search.
type LineSearch struct {
	// if Exact is true then an exact line-search is performed,
	// otherwise an armijo-type line-search is used
	Exact bool
	// The step range for line-search: 0 < Alpha[Lower] < Alpha[Upper] ≤ 1
	Alpha *Bound
}

// Problem specifies the problem for SLSQP optimizer.
type Problem struct {
	N       int         // The problem dimension
	Stop    Termination // Stop condition
	Line    LineSearch  // LineSearch option
	Object  Evaluation  // Objective function 𝒇(𝐱) and gradients 𝒇′(𝐱)
	M       int         // Number of general constraints
	MEq     int         // Leading rows of 𝒄 that are equalities 𝒄ⱼ(𝐱) = 0, the rest are 𝒄ⱼ(𝐱) ≥ 0
	Cons    Constraints // Constraints 𝒄(𝐱) and normals 𝒄′(𝐱), required when M > 0
	Normals Normals     // Sparsity of 𝒄′(𝐱), dense when empty
	Bounds  []Bound     // Optional bounds
	// Infinity for bounds:
	//  - lower bounds are considered not exist when 𝒍ᵢ ≤ - BndInf
	//  - upper bounds are considered not exist when 𝒖ᵢ ≥ BndInf
	BndInf float64
}

// New creates a new SLSQP optimizer for given problem.
func (p *Problem) New() (optimizer *Optimizer, err error) {

	obj, cons, stop, line := p.Object, p.Cons, p.Stop, p.Line
	n, m, meq := p.N, p.M, p.MEq

	inf := math.Abs(p.BndInf)
	bnd := p.Bounds

	if bnd == nil {
		bnd = make([]Bound, n)
		for i := range bnd {
			bnd[i].Upper = math.Inf(1)
			bnd[i].Lower = math.Inf(-1)
		}
	}

	if p.BndInf == zero {
		inf = math.MaxFloat64
	}

	const alfmin = 0.1
	if line.Alpha == nil {
		line.Alpha = &Bound{alfmin, one}
	} else {
		alpha := *line.Alpha
		if math.IsNaN(alpha.Lower) {
			alpha.Lower = alfmin
		}
		if math.IsNaN(alpha.Upper) {
			alpha.Upper = one
		}
		line.Alpha = &alpha
	}

	switch {
	case n <= 0:
		err = errors.New("problem dimension must greater than 0")
	case m < 0 || meq < 0 || meq > m:
		err = errors.New("constraint counts must satisfy 0 ≤ meq ≤ m")
	case meq > n:
		err = errors.New("equality constrains number must not greater than n")
	case m > 0 && cons == nil:
		err = errors.New("constraint function is required")
	case obj == nil:
		err = errors.New("objective function is required")
	case stop.MaxIterations <= 0:
		err = errors.New("max iteration must greater than 1")
	case stop.NNLSIterations < 0:
		err = errors.New("nnls iteration must not less than 0")
	case stop.Accuracy <= zero:
		err = errors.New("solution accuracy must not less than 0")
	case !math.IsNaN(stop.FEvalTolerance) && stop.FDiffTolerance < zero:
		err = errors.New("function eval tolerance must not less than 0")
	case !math.IsNaN(stop.FDiffTolerance) && stop.FDiffTolerance < zero:
		err = errors.New("function diff tolerance must not less than 0")
	case !math.IsNaN(stop.XDiffTolerance) && stop.XDiffTolerance < zero:
		err = errors.New("location diff tolerance must not less than 0")
	case line.Alpha.Lower < zero || line.Alpha.Upper > one || line.Alpha.Upper < line.Alpha.Lower:
		err = errors.New("line search alpha error")
	case len(bnd) != n:
		err = errors.New("bound size must equal to n")
	}

	nz := p.Normals
	if err == nil && m > 0 {
		if nz.Len() == 0 {
			nz = denseNormals(m, n)
		} else if len(nz.Rows) != len(nz.Cols) {
			err = errors.New("normal rows and cols must have the same length")
		} else {
			for k, i := range nz.Rows {
				if j := nz.Cols[k]; i < 0 || i >= m || j < 0 || j >= n {
					err = fmt.Errorf("normal entry %d (%d,%d) out of range", k, i, j)
					break
				}
			}
		}
	}

	bnd = slices.Repeat(bnd, 1)
	for k, b := range bnd {
		if math.IsInf(b.Lower, 0) {
			b.Lower = math.NaN()
		}
		if math.IsInf(b.Upper, 0) {
			b.Upper = math.NaN()
		}
		l, u := !math.IsNaN(b.Lower), !math.IsNaN(b.Upper)
		if l && u && b.Lower > b.Upper {
			err = fmt.Errorf("bound error at %d", k)
			break
		}
	}

	if err != nil {
		return
	}

	optimizer = &Optimizer{
		sqpSpec{
			n: n, m: m, meq: meq,
			Problem: Problem{
				N:       n,
				Stop:    stop,
				Line:    line,
				Object:  obj,
				M:       m,
				MEq:     meq,
				Cons:    cons,
				Normals: nz,
				Bounds:  slices.Repeat(bnd, 1),
				BndInf:  inf,
			},
		},
	}

	return
}

// Optimizer implemented using the SLSQP algorithm.
type Optimizer struct {
	sqpSpec
}

// Workspace contains the state and context of the optimization process.
// Given problem dimension n and corrections number m,
// total work space is approximately float64[2×mn + 11×m² + 5×n + 8×m].
type Workspace struct {
	n, m, meq int
	sqpCtx
}

// Result contains the final result of the optimization process.
type Result struct {
	OK      bool      // Whether the optimization was converged.
	F       float64   // Final function value.
	X, G    []float64 // Final solution and gradient.
	Lambda  []float64 // Multipliers of the general constraints from the last sub-problem.
	Summary           // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status  sqpMode // Final task status after optimization.
	NumIter int     // Number of iterations performed.
}

// Init allocate the workspace for SLSQP optimizer.
// To avoid race conditions, separate workspaces need to be created for each goroutine.
// But multiple workspaces could share one optimizer.
func (o *Optimizer) Init() *Workspace {
	w := new(Workspace)
	w.n, w.m, w.meq = o.n, o.m, o.meq

	n, m, meq, n1 := w.n, w.m, w.meq, w.n+1
	mineq := (m - meq) + 2*n1
	totwk := /*LSQ*/ n1*(n1+1) + meq*(n1+1) + mineq*(n1+1) +
		/*LSI*/ (n1-meq+1)*(mineq+2) + 2*mineq +
		/*LSEI*/ (n1+mineq)*(n1-meq) + 2*meq + n1 +
		/*SLSQP*/ n1*n/2 + 2*m + 3*n + 3*n1 + 1
	wrk := make([]float64, totwk)

	la := max(1, m)
	ll := (n + 1) * (n + 2) / 2
	lr := n + n + m + 2

	im := 0
	il := im + la
	ix := il + n1*n/2 + 1
	ir := ix + n
	is := ir + n + n + la

	w.sqpCtx = sqpCtx{
		r:  wrk[ir : ir+lr], // r overlaps s  : (m + 2) - max(1, m)
		l:  wrk[il : il+ll], // l overlaps x0 : n
		x0: wrk[ix : ix+n],
		mu: wrk[im : im+la],
		s:  wrk[is : is+n1*1],
		u:  wrk[is+n1*1 : is+n1*2],
		v:  wrk[is+n1*2 : is+n1*3],
		w:  wrk[is+n1*3:],
		jw: make([]int, max(mineq, n1-mineq)),
	}

	return w
}

// Fit runs the optimization process using the initial guess x and workspace w.
func (o *Optimizer) Fit(x []float64, w *Workspace) *Result {

	if len(x) != o.n {
		panic("initial x dimension not match spec")
	}

	if w.n != o.n || w.m != o.m || w.meq != o.meq {
		panic("workspace dimension not match spec")
	}

	la := max(1, o.m)
	loc := sqpLoc{
		x:   slices.Repeat(x, 1),
		g:   make([]float64, o.n+1),
		c:   make([]float64, la),
		a:   make([]float64, la*(o.n+1)),
		jac: make([]float64, o.Normals.Len()),
	}

	solver := sqpSolver{
		optimizer: o,
		workspace: w,
		location:  &loc,
	}

	res := solver.mainLoop()
	return &Result{
		OK: res == OK,
		X:  loc.x, F: loc.f, G: loc.g[:o.n],
		Lambda: slices.Clone(w.r[:o.m]),
		Summary: Summary{
			Status:  res,
			NumIter: w.iter,
		},
	}
}
