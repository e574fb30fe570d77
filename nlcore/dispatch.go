// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"github.com/curioloop/optinterface/jit"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Dispatcher evaluates a frozen problem for solver callbacks.
//
// Every Eval method follows the two-phase callback convention: non-nil rows/cols receive the
// structure, non-nil values receive the values at x. Output buffers are supplied by the caller
// and sized after the Structure; all scratch memory is allocated by NewDispatcher.
//
// Building a dispatcher freezes the problem until Close. A dispatcher is meant for one caller;
// it parallelises the per-instance Jacobian and Hessian loops internally.
type Dispatcher struct {
	p      *Problem
	s      *Structure
	opts   Options
	params []float64

	cons []task // constraint instances in row order
	objs []task // objective instances
	hess []task // instances with Hessian entries, aliased ones excluded
	alia []task // instances binding one variable twice across an off-diagonal entry

	workers int
	hessBuf [][]float64 // per-worker Hessian accumulators
	sigma   [][]float64 // per-worker objective weight
	y       []float64
	local   []float64
	ident   []int
	grad    []float64
	closed  bool
}

type task struct {
	k      *jit.Kernels
	xi, pi []int
	row    int // first constraint row, -1 for objective instances
	ny     int
	jac    int // first Jacobian slot
	jnnz   int
	gi, hi []int
	scale  []float64
}

// NewDispatcher checks that the problem was analyzed after its last mutation and that every
// group has kernels, then freezes the problem.
func NewDispatcher(p *Problem) (*Dispatcher, error) {
	const op = "NewDispatcher"
	s := p.analysis
	switch {
	case s == nil:
		return nil, precondition(op, "problem was never analyzed")
	case s.version != p.version:
		return nil, precondition(op, "problem changed after the last analysis")
	}
	d := &Dispatcher{p: p, s: s, opts: p.opts, params: p.params, workers: max(p.opts.Workers, 1)}

	maxHess := 0
	for _, g := range p.groups {
		t := p.templates[g.Func]
		if t.kernels == nil {
			return nil, precondition(op, "function %d (%s) has no kernels", g.Func, t.Name)
		}
		for k := range g.Instances {
			in := p.instance(g, k)
			tk := task{
				k:    t.kernels,
				xi:   toInts(in.XS),
				pi:   toInts(in.PS),
				row:  -1,
				ny:   t.NY,
				jnnz: t.JacNNZ(),
				hi:   g.HessianIndices[k],
			}
			if g.Role == RoleConstraint {
				tk.row, tk.jac = in.YStart, g.JacobianOffset[k]
			} else {
				tk.gi = g.GradientIndices[k]
			}
			if t.HessNNZ() > 0 {
				if scale, aliased := aliasScale(t, in.XS); aliased {
					tk.scale = scale
					d.alia = append(d.alia, tk)
					maxHess = max(maxHess, t.HessNNZ())
				} else {
					d.hess = append(d.hess, tk)
				}
			}
			if g.Role == RoleConstraint {
				d.cons = append(d.cons, tk)
			} else {
				d.objs = append(d.objs, tk)
			}
		}
	}

	d.y = make([]float64, 1)
	d.local = make([]float64, maxHess)
	d.ident = make([]int, maxHess)
	for i := range d.ident {
		d.ident[i] = i
	}
	d.grad = make([]float64, len(s.GradCols))
	d.sigma = make([][]float64, d.workers)
	for w := range d.sigma {
		d.sigma[w] = make([]float64, 1)
	}
	if d.parallel(len(d.hess)) {
		d.hessBuf = make([][]float64, d.workers)
		for w := range d.hessBuf {
			d.hessBuf[w] = make([]float64, len(s.HessRows))
		}
	}
	p.Freeze()
	d.opts.Logger.Debug("nlcore dispatcher ready",
		"constraints", len(d.cons), "objectives", len(d.objs),
		"hessian_instances", len(d.hess), "aliased", len(d.alia), "workers", d.workers)
	return d, nil
}

// aliasScale doubles the local off-diagonal entries that land on a global diagonal,
// where both symmetric halves collapse into one slot.
func aliasScale(t *Template, xs []VariableIndex) ([]float64, bool) {
	var scale []float64
	for e, r := range t.HessRows {
		c := t.HessCols[e]
		if r != c && xs[r] == xs[c] {
			if scale == nil {
				scale = make([]float64, len(t.HessRows))
				for i := range scale {
					scale[i] = 1
				}
			}
			scale[e] = 2
		}
	}
	return scale, scale != nil
}

func toInts[T ~int](s []T) []int {
	r := make([]int, len(s))
	for i, v := range s {
		r[i] = int(v)
	}
	return r
}

// Close thaws the problem. The dispatcher must not be used afterwards.
func (d *Dispatcher) Close() {
	if !d.closed {
		d.closed = true
		d.p.Thaw()
	}
}

func (d *Dispatcher) Structure() *Structure { return d.s }
func (d *Dispatcher) Problem() *Problem     { return d.p }

func (d *Dispatcher) check(op string, x []float64) error {
	switch {
	case d.closed:
		return precondition(op, "dispatcher is closed")
	case x != nil && len(x) != d.s.NumVariables:
		return precondition(op, "x has %d entries, problem has %d variables", len(x), d.s.NumVariables)
	}
	return nil
}

func (d *Dispatcher) parallel(n int) bool {
	return d.workers > 1 && n >= d.opts.ParallelThreshold && n > 1
}

// parallelFor splits [0,n) into contiguous chunks, one per worker.
func (d *Dispatcher) parallelFor(n int, fn func(worker, lo, hi int)) error {
	if !d.parallel(n) {
		return guard(func() { fn(0, 0, n) })
	}
	w := min(d.workers, n)
	chunk := (n + w - 1) / w
	var eg errgroup.Group
	for k := range w {
		lo, hi := k*chunk, min((k+1)*chunk, n)
		if lo >= hi {
			break
		}
		eg.Go(func() error { return guard(func() { fn(k, lo, hi) }) })
	}
	return eg.Wait()
}

// guard turns a kernel panic into a backend error.
func guard(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backend("evaluate", errors.Errorf("kernel panic: %v", r))
		}
	}()
	f()
	return nil
}

// EvalObjective returns the objective value at x.
func (d *Dispatcher) EvalObjective(x []float64) (float64, error) {
	if err := d.check("EvalObjective", x); err != nil {
		return 0, err
	}
	d.opts.Metrics.evaluated("objective")
	f := d.p.objective.Value(x)
	err := guard(func() {
		y := d.y
		for i := range d.objs {
			t := &d.objs[i]
			t.k.Eval(x, d.params, y, t.xi, t.pi)
			f += y[0]
		}
	})
	return f, err
}

// EvalObjectiveGradient writes the sparse gradient, one value per Structure.GradCols entry.
func (d *Dispatcher) EvalObjectiveGradient(x, grad []float64) error {
	const op = "EvalObjectiveGradient"
	if err := d.check(op, x); err != nil {
		return err
	}
	if len(grad) != len(d.s.GradCols) {
		return precondition(op, "gradient has %d entries, structure has %d", len(grad), len(d.s.GradCols))
	}
	d.opts.Metrics.evaluated("gradient")
	clear(grad)
	for _, t := range d.s.gradAna {
		if t.v < 0 {
			grad[t.slot] += t.coef
		} else {
			grad[t.slot] += t.coef * x[t.v]
		}
	}
	return guard(func() {
		for i := range d.objs {
			t := &d.objs[i]
			if t.jnnz > 0 {
				t.k.EvalAdditiveGrad(x, d.params, grad, t.xi, t.pi, t.gi)
			}
		}
	})
}

// EvalObjectiveGradientDense writes the gradient as a dense vector over all variables.
func (d *Dispatcher) EvalObjectiveGradientDense(x, g []float64) error {
	const op = "EvalObjectiveGradientDense"
	if len(g) != d.s.NumVariables {
		return precondition(op, "gradient has %d entries, problem has %d variables", len(g), d.s.NumVariables)
	}
	if err := d.EvalObjectiveGradient(x, d.grad); err != nil {
		return err
	}
	clear(g)
	for k, c := range d.s.GradCols {
		g[c] += d.grad[k]
	}
	return nil
}

// EvalConstraint writes every constraint row at x.
func (d *Dispatcher) EvalConstraint(x, g []float64) error {
	const op = "EvalConstraint"
	if err := d.check(op, x); err != nil {
		return err
	}
	if len(g) != d.s.NumConstraints() {
		return precondition(op, "constraint vector has %d entries, structure has %d rows", len(g), d.s.NumConstraints())
	}
	d.opts.Metrics.evaluated("constraint")
	row := 0
	for i := range d.p.linear {
		g[row] = d.p.linear[i].expr.Value(x)
		row++
	}
	for i := range d.p.quadratic {
		g[row] = d.p.quadratic[i].expr.Value(x)
		row++
	}
	return guard(func() {
		for i := range d.cons {
			t := &d.cons[i]
			t.k.Eval(x, d.params, g[t.row:t.row+t.ny], t.xi, t.pi)
		}
	})
}

// EvalJacobian reports the Jacobian structure into rows/cols and its values at x into values.
// Analytic slots are written positionally, each nonlinear instance overwrites its own slice.
func (d *Dispatcher) EvalJacobian(x []float64, rows, cols []int, values []float64) error {
	const op = "EvalJacobian"
	s := d.s
	if rows != nil || cols != nil {
		if len(rows) != len(s.JacRows) || len(cols) != len(s.JacCols) {
			return precondition(op, "structure buffers must hold %d entries", len(s.JacRows))
		}
		copy(rows, s.JacRows)
		copy(cols, s.JacCols)
	}
	if values == nil {
		return nil
	}
	if err := d.check(op, x); err != nil {
		return err
	}
	if len(values) != len(s.JacRows) {
		return precondition(op, "values has %d entries, structure has %d", len(values), len(s.JacRows))
	}
	d.opts.Metrics.evaluated("jacobian")
	copy(values[:s.anaJac], s.jacConst)
	for _, t := range s.jacLin {
		values[t.slot] += t.coef * x[t.v]
	}
	return d.parallelFor(len(d.cons), func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			t := &d.cons[i]
			if t.jnnz > 0 {
				t.k.EvalJacobian(x, d.params, values[t.jac:t.jac+t.jnnz], t.xi, t.pi)
			}
		}
	})
}

// EvalHessian reports the triangular Hessian structure into rows/cols and the values of
// ∇²(σ·f + ∑ᵢλᵢ·gᵢ) at x into values. Contributions sharing a slot are summed.
func (d *Dispatcher) EvalHessian(x []float64, sigma float64, lambda []float64, rows, cols []int, values []float64) error {
	const op = "EvalHessian"
	s := d.s
	if rows != nil || cols != nil {
		if len(rows) != len(s.HessRows) || len(cols) != len(s.HessCols) {
			return precondition(op, "structure buffers must hold %d entries", len(s.HessRows))
		}
		copy(rows, s.HessRows)
		copy(cols, s.HessCols)
	}
	if values == nil {
		return nil
	}
	if err := d.check(op, x); err != nil {
		return err
	}
	switch {
	case len(values) != len(s.HessRows):
		return precondition(op, "values has %d entries, structure has %d", len(values), len(s.HessRows))
	case len(lambda) != s.NumConstraints():
		return precondition(op, "lambda has %d entries, structure has %d rows", len(lambda), s.NumConstraints())
	}
	d.opts.Metrics.evaluated("hessian")

	clear(values)
	for _, t := range s.hessAna {
		w := sigma
		if t.row >= 0 {
			w = lambda[t.row]
		}
		values[t.slot] += w * t.coef
	}

	weights := func(worker int, t *task) []float64 {
		if t.row < 0 {
			d.sigma[worker][0] = sigma
			return d.sigma[worker]
		}
		return lambda[t.row : t.row+t.ny]
	}

	var err error
	if d.parallel(len(d.hess)) {
		for _, buf := range d.hessBuf {
			clear(buf)
		}
		err = d.parallelFor(len(d.hess), func(worker, lo, hi int) {
			buf := d.hessBuf[worker]
			for i := lo; i < hi; i++ {
				t := &d.hess[i]
				t.k.EvalHessian(x, d.params, weights(worker, t), buf, t.xi, t.pi, t.hi)
			}
		})
		for _, buf := range d.hessBuf {
			for k, v := range buf {
				values[k] += v
			}
		}
	} else {
		err = guard(func() {
			for i := range d.hess {
				t := &d.hess[i]
				t.k.EvalHessian(x, d.params, weights(0, t), values, t.xi, t.pi, t.hi)
			}
		})
	}
	if err != nil {
		return err
	}

	return guard(func() {
		for i := range d.alia {
			t := &d.alia[i]
			n := len(t.hi)
			local := d.local[:n]
			clear(local)
			t.k.EvalHessian(x, d.params, weights(0, t), local, t.xi, t.pi, d.ident[:n])
			for e, v := range local {
				values[t.hi[e]] += t.scale[e] * v
			}
		}
	})
}
