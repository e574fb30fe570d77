// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slsqp

import (
	"math"
)

// sqpSolver minimises 𝒇(𝐱) subject to 𝒄ⱼ(𝐱) = 0 (j < mₑ), 𝒄ⱼ(𝐱) ≥ 0 (mₑ ≤ j < m)
// and 𝒍 ≤ 𝐱 ≤ 𝒖 by sequential quadratic programming.
//
// # Direction
//
// Every iteration solves the quadratic model of the Lagrangian ℒ(𝐱,𝛌) = 𝒇(𝐱) - ∑𝛌ⱼ𝒄ⱼ(𝐱)
//
//	minimize ½𝐝ᵀ𝐁𝐝 + 𝜵𝒇ᵀ𝐝  s.t.  𝜵𝒄ⱼ𝐝 + 𝒄ⱼ = 0 (j < mₑ),  𝜵𝒄ⱼ𝐝 + 𝒄ⱼ ≥ 0 (j ≥ mₑ)
//
// as the least squares problem LSQ over the factors 𝐁 = 𝐋𝐃𝐋ᵀ. When the linearised
// constraints are inconsistent, a slack 𝛅 ∈ [0,1] scales the violated rows and is
// penalised by ½𝛒𝛅². 𝛒 starts at 10² and grows tenfold on each retry.
//
// # Step
//
// The step 𝛂 decreases the merit 𝞿(𝐱) = 𝒇(𝐱) + ∑𝛒ⱼ‖𝒄ⱼ(𝐱)‖₁, where ‖𝒄ⱼ‖₁ is |𝒄ⱼ| for an
// equality and max(0,-𝒄ⱼ) otherwise, with weights 𝛒ⱼ ← max(|𝛌ⱼ|, ½(𝛒ⱼ+|𝛌ⱼ|)).
// It is found by Armijo backtracking on a quadratic fit, or by Brent's method when the
// line search is exact.
//
// # Hessian
//
// 𝐁 follows Powell's damped BFGS update 𝐁 + 𝐪𝐪ᵀ/𝐬ᵀ𝐪 - 𝐁𝐬𝐬ᵀ𝐁/𝐬ᵀ𝐁𝐬 with
// 𝐪 = 𝛉𝛈 + (1-𝛉)𝐁𝐬, where 𝛈 is the change of 𝜵ℒ along 𝐬 and 𝛉 < 1 only when
// 𝐬ᵀ𝛈 < ⅕𝐬ᵀ𝐁𝐬. It is applied as two rank-one updates of the factors.
//
// # Convergence
//
// After the sub-problem: |𝜵𝒇ᵀ𝐝| + ∑|𝛌ⱼ|·|𝒄ⱼ| and ∑‖𝒄ⱼ‖₁ both below the accuracy.
// After the step: ∑‖𝒄ⱼ‖₁ below the tolerance with either |Δ𝒇| or ‖𝐝‖₂ below it too,
// or one of the optional Termination criteria.
//
// # Reference
//
// Dieter Kraft: "A software package for sequential quadratic programming".
// DFVLR-FB 88-28, 1988
type sqpSolver struct {
	optimizer *Optimizer
	workspace *Workspace
	location  *sqpLoc
}

// l1 returns ∑wⱼ‖𝒄ⱼ‖₁, or the unweighted sum when w is nil.
func l1(c []float64, meq int, w []float64) float64 {
	sum := zero
	for j, v := range c {
		r := math.Max(-v, zero)
		if j < meq {
			r = math.Abs(v)
		}
		if w != nil {
			r *= w[j]
		}
		sum += r
	}
	return sum
}

// ldlMul sets v = 𝐋𝐃𝐋ᵀs for the packed column-wise factors in l.
func ldlMul(n int, l, s, v []float64) {
	// 𝐋ᵀ𝐬 then 𝐃𝐋ᵀ𝐬
	for i, k := 0, 0; i < n; i++ {
		v[i] = s[i] + ddot(n-1-i, l[k+1:], 1, s[i+1:], 1)
		v[i] *= l[k]
		k += n - i
	}
	// 𝐋𝐃𝐋ᵀ𝐬, bottom up so the rows above are still 𝐃𝐋ᵀ𝐬
	for i := n - 1; i > 0; i-- {
		sm, k := zero, i
		for j, vj := range v[:i] {
			sm += l[k] * vj
			k += n - 1 - j
		}
		v[i] += sm
	}
}

// gradLag sets u = 𝜵𝒇 - 𝐀ᵀ𝛌 - sub.
func gradLag(n, m int, g, a, lambda, sub, u []float64) {
	la := max(m, 1)
	for i, gi := range g[:n] {
		u[i] = gi - ddot(m, a[i*la:(i+1)*la], 1, lambda, 1)
		if sub != nil {
			u[i] -= sub[i]
		}
	}
}

func (ss *sqpSolver) evalLoc(mode sqpMode) sqpMode {
	o, loc := ss.optimizer, ss.location
	func() {
		defer func() {
			if r := recover(); r != nil {
				mode = BadArgument
			}
		}()
		switch mode {
		case evalFunc:
			loc.f = o.Object(loc.x, nil)
			if o.m > 0 {
				o.Cons(loc.x, loc.c[:o.m], nil)
			}
		case evalGrad:
			if o.m > 0 {
				clear(loc.jac)
				o.Cons(loc.x, loc.c[:o.m], loc.jac)
				loc.scatter(o.Normals, max(o.m, 1), o.n)
			}
			o.Object(loc.x, loc.g[:o.n])
		default:
			mode = BadArgument
			return
		}
		mode = OK
	}()
	return mode
}

func (ss *sqpSolver) start() (mode sqpMode) {
	if mode = ss.evalLoc(evalFunc); mode != OK {
		return
	}
	if mode = ss.evalLoc(evalGrad); mode != OK {
		return
	}
	s, c := &ss.optimizer.sqpSpec, &ss.workspace.sqpCtx
	c.acc = s.Stop.Accuracy
	c.tol = ten * c.acc
	c.iter, c.reset = 0, 0
	clear(c.s)
	clear(c.mu)
	return ss.resetBFGS()
}

// resetBFGS restarts 𝐁 from the identity. After five resets it gives up unless the
// relaxed convergence test passes.
func (ss *sqpSolver) resetBFGS() (mode sqpMode) {
	spec, ctx := &ss.optimizer.sqpSpec, &ss.workspace.sqpCtx
	if ctx.reset++; ctx.reset > 5 {
		_, mode = ss.checkConv(ctx.tol, SearchNotDescent)
		return
	}
	n := spec.n
	clear(ctx.l[:(n+1)*n/2])
	for i, d := 0, 0; i < n; i++ {
		ctx.l[d] = one
		d += n - i
	}
	return
}

func (ss *sqpSolver) checkConv(tol float64, notConv sqpMode) (vio float64, mode sqpMode) {
	vio = l1(ss.location.c[:ss.optimizer.m], ss.optimizer.meq, nil)
	if !ss.checkStop(vio, tol) {
		mode = notConv
	}
	return
}

func (ss *sqpSolver) checkStop(vio, tol float64) bool {
	spec, ctx, loc := &ss.optimizer.sqpSpec, &ss.workspace.sqpCtx, ss.location
	if vio >= tol || ctx.bad || math.IsNaN(loc.f) {
		return false
	}
	stop := spec.Stop
	switch {
	case math.Abs(loc.f-ctx.f0) < tol:
		return true
	case dnrm2(spec.n, ctx.s, 1) < tol:
		return true
	case stop.FEvalTolerance >= zero && math.Abs(loc.f) < stop.FEvalTolerance:
		return true
	case stop.FDiffTolerance >= zero && math.Abs(loc.f-ctx.f0) < stop.FDiffTolerance:
		return true
	case stop.XDiffTolerance >= zero:
		n, u := spec.n, ctx.u
		dcopy(n, loc.x, 1, u, 1)
		daxpy(n, -one, ctx.x0, 1, u, 1)
		return dnrm2(n, u, 1) < stop.XDiffTolerance
	}
	return false
}

// updateBFGS evaluates the derivatives at the new iterate and applies the damped update
// for the step ctx.s. ctx.v holds 𝜵ℒ at the previous iterate on entry.
func (ss *sqpSolver) updateBFGS() (mode sqpMode) {
	if mode = ss.evalLoc(evalGrad); mode != OK {
		return
	}

	spec, ctx, loc := &ss.optimizer.sqpSpec, &ss.workspace.sqpCtx, ss.location
	m, n := spec.m, spec.n
	u, v, l, s := ctx.u, ctx.v, ctx.l, ctx.s
	if n < 0 || n > len(v) || n > len(u) {
		panic("bound check error")
	}

	gradLag(n, m, loc.g, loc.a, ctx.r, v, u) // 𝛈
	ldlMul(n, l, s, v)                        // 𝐁𝐬

	sy := ddot(n, s, 1, u, 1)  // 𝐬ᵀ𝛈
	sBs := ddot(n, s, 1, v, 1) // 𝐬ᵀ𝐁𝐬
	if floor := 0.2 * sBs; sy < floor {
		theta := (sBs - floor) / (sBs - sy)
		sy = floor
		dscal(n, theta, u, 1)
		daxpy(n, one-theta, v, 1, u, 1) // 𝐪
	}

	if sy == zero || sBs == zero {
		return ss.resetBFGS()
	}
	ldlUpdate(n, l, u, one/sy, nil)
	ldlUpdate(n, l, v, -one/sBs, u)
	return
}

// direction solves the sub-problem into ctx.s and ctx.r, relaxing it when it is
// inconsistent. It returns 1 - 𝛅, the share of the violation the step removes.
func (ss *sqpSolver) direction() (float64, sqpMode) {
	spec, ctx, loc := &ss.optimizer.sqpSpec, &ss.workspace.sqpCtx, ss.location
	m, meq, n, la := spec.m, spec.meq, spec.n, max(spec.m, 1)
	n1, n2 := n+1, n*(n+1)/2
	u, v, l, s := ctx.u, ctx.v, ctx.l, ctx.s
	lsq := func(nv int) sqpMode {
		_, mode := LSQ(m, meq, nv, n2+1, l, loc.g, loc.a, loc.c, u, v,
			s, ctx.r, ctx.w, ctx.jw, spec.Stop.NNLSIterations, spec.BndInf)
		return mode
	}

	// 𝒍 - 𝐱 ≤ 𝐝 ≤ 𝒖 - 𝐱
	for i, b := range spec.Bounds {
		u[i] = b.Lower - loc.x[i]
		v[i] = b.Upper - loc.x[i]
	}
	mode := lsq(n)
	if mode == LSEISingularC && n == meq {
		mode = ConsIncompatible
	}
	// an inconsistent model blocks convergence on this iteration even when the relaxed one solves
	if ctx.bad = mode == ConsIncompatible; !ctx.bad {
		return one, mode
	}

	a := loc.a[n*la : n1*la]
	for j, c := range loc.c[:m] {
		if j < meq {
			a[j] = -c
		} else {
			a[j] = math.Max(-c, zero)
		}
	}
	loc.g[n] = zero
	l[n2] = hun
	clear(s[:n])
	s[n] = one
	u[n], v[n] = zero, one

	keep := one
	for range 6 {
		mode = lsq(n1)
		keep = one - s[n]
		if mode != ConsIncompatible {
			break
		}
		l[n2] *= ten
	}
	return keep, mode
}

// SLSQP (Sequential Least Squares Programming) to solve general nonlinear optimization problems.
func (ss *sqpSolver) mainLoop() (mode sqpMode) {
	loc := ss.location
	ctx := &ss.workspace.sqpCtx
	spec := &ss.optimizer.sqpSpec
	m, meq, n := spec.m, spec.meq, spec.n

	for mode = ss.start(); mode == OK; {
		if ctx.iter++; ctx.iter > spec.Stop.MaxIterations {
			ctx.iter--
			return SQPExceedMaxIter
		}

		keep, qp := ss.direction()
		if qp != HasSolution {
			return qp
		}

		// 𝜵ℒ at 𝐱ᵏ for the next BFGS update
		gradLag(n, m, loc.g, loc.a, ctx.r, nil, ctx.v)
		ctx.f0 = loc.f
		copy(ctx.x0, loc.x)

		gd := ddot(n, loc.g, 1, ctx.s, 1) // 𝜵𝒇ᵀ𝐝
		opt := math.Abs(gd)
		vio := l1(loc.c[:m], meq, nil)
		for j, c := range loc.c[:m] {
			lj := math.Abs(ctx.r[j])
			opt += lj * math.Abs(c)
			ctx.mu[j] = math.Max(lj, (ctx.mu[j]+lj)/2)
		}
		if opt < ctx.acc && vio < ctx.acc && !ctx.bad && !math.IsNaN(loc.f) {
			return OK
		}

		pen := l1(loc.c[:m], meq, ctx.mu)
		ctx.t0 = loc.f + pen // 𝞿(𝐱ᵏ)

		// directional derivative of the merit along 𝐝
		slope := gd - pen*keep
		if slope >= zero {
			if mode = ss.resetBFGS(); ctx.reset > 5 {
				return
			}
			continue
		}

		if spec.Line.Exact {
			ctx.line = int(findNoop)
			ss.exactSearch(math.NaN())
		} else {
			ctx.line = 0
			ctx.alpha = spec.Line.Alpha.Upper
			ss.inexactSearch()
			slope *= ctx.alpha
		}
		for mode = evalFunc; mode == evalFunc; {
			mode = ss.lineSearch(&slope)
		}
		if mode == OK {
			return
		}
		if mode == evalGrad {
			mode = ss.updateBFGS()
		}
	}
	return
}

// inexactSearch moves to 𝐱ᵏ + 𝛂𝐝 clipped to the bounds, scaling ctx.s by 𝛂.
func (ss *sqpSolver) inexactSearch() {
	s, c, x := &ss.optimizer.sqpSpec, &ss.workspace.sqpCtx, ss.location.x
	c.line++
	dscal(s.n, c.alpha, c.s, 1)
	dcopy(s.n, c.x0, 1, x, 1)
	daxpy(s.n, one, c.s, 1, x, 1)
	b, inf := s.Bounds, s.BndInf
	for i, v := range x {
		l, u := b[i].Lower, b[i].Upper
		if !math.IsNaN(l) && l > -inf && v < l {
			x[i] = l
		} else if !math.IsNaN(u) && u < inf && v > u {
			x[i] = u
		}
	}
}

// exactSearch advances Brent's method with the merit t at the last abscissa.
func (ss *sqpSolver) exactSearch(t float64) (mode findMode) {
	s, c, x := &ss.optimizer.sqpSpec, &ss.workspace.sqpCtx, ss.location.x
	if mode = findMode(c.line); mode == findConv {
		dscal(s.n, c.alpha, c.s, 1)
		return
	}
	c.alpha, mode = c.ls.step(mode, t, c.tol, *s.Line.Alpha)
	c.line = int(mode)
	dcopy(s.n, c.x0, 1, x, 1)
	daxpy(s.n, c.alpha, c.s, 1, x, 1)
	return
}

// lineSearch evaluates the trial point and decides whether to accept it.
// It returns evalFunc for another trial and evalGrad once the step is taken.
func (ss *sqpSolver) lineSearch(slope *float64) (mode sqpMode) {
	if mode = ss.evalLoc(evalFunc); mode != OK {
		return
	}
	spec, ctx, loc := &ss.optimizer.sqpSpec, &ss.workspace.sqpCtx, ss.location
	t := loc.f + l1(loc.c[:spec.m], spec.meq, ctx.mu)

	li := spec.Line
	if li.Exact {
		if ss.exactSearch(t) == findConv {
			*slope, mode = ss.checkConv(ctx.acc, evalGrad)
		} else {
			mode = evalFunc
		}
		return
	}

	if dt := t - ctx.t0; dt <= *slope/10 || ctx.line > 10 {
		*slope, mode = ss.checkConv(ctx.acc, evalGrad)
	} else {
		// minimiser of the quadratic through 𝞿(0), 𝞿′(0) and 𝞿(𝛂)
		ctx.alpha = math.Min(math.Max(*slope/(2*(*slope-dt)), li.Alpha.Lower), li.Alpha.Upper)
		ss.inexactSearch()
		*slope *= ctx.alpha
		mode = evalFunc
	}
	return
}
