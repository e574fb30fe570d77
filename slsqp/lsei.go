// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slsqp

import (
	"math"
)

// LSEI (Least-Squares with linear Equality & Inequality) solves
//
//	𝚖𝚒𝚗‖ 𝐄𝐱 - 𝐟 ‖₂  s.t.  𝐂𝐱 = 𝐝,  𝐆𝐱 ≥ 𝐡
//
// where 𝐂 is mc × n with full row rank mc ≤ n, 𝐄 is me × n and 𝐆 is mg × n, all column-major
// with leading dimensions lc, le and lg.
//
// Householder reflections 𝐊 bring 𝐂 to lower triangular form, splitting 𝐱 = 𝐊[𝐲₁ 𝐲₂]ᵀ:
//
//	⎡ 𝐂 ⎤     ⎡ 𝐂߬₁  ೦  ⎤
//	⎥ 𝐄 ⎥ 𝐊 = ⎥ 𝐄߬₁  𝐄߬₂ ⎥
//	⎣ 𝐆 ⎦     ⎣ 𝐆߬₁  𝐆߬₂ ⎦
//
// 𝐲₁ solves the triangular system 𝐂߬₁𝐲₁ = 𝐝. 𝐲₂ solves the LSI problem
// 𝚖𝚒𝚗‖ 𝐄߬₂𝐲₂ - (𝐟 - 𝐄߬₁𝐲₁) ‖₂ s.t. 𝐆߬₂𝐲₂ ≥ 𝐡 - 𝐆߬₁𝐲₁, or a plain least squares problem
// through HFTI when mg = 0.
//
// On return w[:mc] holds the equality multipliers 𝛍 = (𝐂ᵀ)⁻¹[𝐄ᵀ(𝐄𝐱 - 𝐟) - 𝐆ᵀ𝛌] and
// w[mc:mc+mg] the inequality multipliers 𝛌 from LDP. c, e, f, g and h are overwritten.
//
// w needs 2mc + me + (me+mg)(n-mc) + (n-mc+1)(mg+2) + 2mg elements and jw max(mg, min(me, n-mc)).
//
// # References
//
//	C.L. Lawson, R.J. Hanson, 'Solving least squares problems' Prentice Hall, 1974. (revised 1995 edition)
//	Chapters 20, Algorithm 20.24.
//	Chapters 23, Section 6.
func LSEI(c, d, e, f, g, h []float64, lc, mc, le, me, lg, mg, n int,
	x, w []float64, jw []int, maxIter int) (norm float64, mode sqpMode) {

	if n < 1 || mc > n {
		return math.NaN(), BadArgument
	}
	if n > len(x) || mc < 0 || mc > len(c) || mc > len(d) ||
		me < 0 || me > len(e) || me > len(f) ||
		mg < 0 || mg > len(g) || mg > len(h) {
		panic("bound check error")
	}

	l := n - mc
	nws := (l+1)*(mg+2) + 2*mg
	ws, rest := w[mc:mc+nws], w[mc+nws:]
	wp, rest := rest[:mc], rest[mc:]     // pivots of 𝐊
	we, rest := rest[:me*l], rest[me*l:] // 𝐄߬₂
	wf, wg := rest[:me], rest[me:me+mg*l]

	for i := range mc {
		ci := c[i:]
		wp[i] = h1(i, i+1, n, ci, lc)
		h2(i, i+1, n, ci, lc, wp[i], c[min(i+1, lc-1):], lc, 1, mc-i-1)
		h2(i, i+1, n, ci, lc, wp[i], e, le, 1, me)
		h2(i, i+1, n, ci, lc, wp[i], g, lg, 1, mg)
	}

	for i := range mc {
		diag := c[i+lc*i]
		if math.Abs(diag) < eps {
			return math.NaN(), LSEISingularC
		}
		x[i] = (d[i] - ddot(i, c[i:], lc, x, 1)) / diag
	}

	lambda := ws[:mg]
	clear(lambda)

	if l > 0 {
		for i := range me {
			wf[i] = f[i] - ddot(mc, e[i:], le, x, 1)
			dcopy(l, e[i+le*mc:], le, we[i:], me)
		}
		for i := range mg {
			dcopy(l, g[i+lg*mc:], lg, wg[i:], mg)
			h[i] -= ddot(mc, g[i:], lg, x, 1)
		}

		if mg > 0 {
			norm, mode = LSI(we, wf, wg, h, me, me, mg, mg, l, x[mc:n], ws, jw, maxIter)
			if mc == 0 {
				return
			}
			if mode != HasSolution {
				return math.NaN(), mode
			}
			t := dnrm2(mc, x, 1)
			norm = math.Sqrt(norm*norm + t*t)
		} else {
			var nrm [1]float64
			rank := HFTI(we, me, me, l, wf, max(le, n), 1, sqrtEps, nrm[:])
			norm = nrm[0]
			dcopy(l, wf, 1, x[mc:n], 1)
			if rank != l {
				return norm, HFTIRankDefect
			}
		}
	}

	// f becomes the residual 𝐄𝐱 - 𝐟 and d the right side of (𝐂ᵀ)𝛍, both in the rotated frame
	for i := range me {
		f[i] = ddot(n, e[i:], le, x, 1) - f[i]
	}
	for i := range mc {
		d[i] = ddot(me, e[i*le:], 1, f, 1) - ddot(mg, g[i*lg:], 1, lambda, 1)
	}
	for i := mc - 1; i >= 0; i-- {
		h2(i, i+1, n, c[i:], lc, wp[i], x, 1, 1, 1)
	}
	for i := mc - 1; i >= 0; i-- {
		j := min(i+1, lc-1)
		w[i] = (d[i] - ddot(mc-i-1, c[j+lc*i:], 1, w[j:], 1)) / c[i+lc*i]
	}
	return norm, HasSolution
}

// LSI (Least-Squares with linear Inequality) solves 𝚖𝚒𝚗‖ 𝐄𝐱 - 𝐟 ‖₂ subject to 𝐆𝐱 ≥ 𝐡,
// where 𝐄 is me × n with 𝚛𝚊𝚗𝚔(𝐄) = n and 𝐆 is mg × n.
//
// A QR factorization 𝐐𝐄 = [𝐑 : ೦]ᵀ with 𝐐𝐟 = [𝐟߫₁ : 𝐟߫₂]ᵀ turns the objective into
// ‖ 𝐑𝐱 - 𝐟߫₁ ‖₂ plus the constant ‖ 𝐟߫₂ ‖₂. Substituting 𝐳 = 𝐑𝐱 - 𝐟߫₁ leaves the LDP problem
//
//	𝚖𝚒𝚗‖ 𝐳 ‖₂  s.t.  𝐆𝐑⁻¹𝐳 ≥ 𝐡 - 𝐆𝐑⁻¹𝐟߫₁
//
// after which 𝐱 = 𝐑⁻¹(𝐳 + 𝐟߫₁) and the residual norm is (‖ 𝐳 ‖₂² + ‖ 𝐟߫₂ ‖₂²)¹ᐟ².
// w needs (n+1)(mg+2) + 2mg elements and returns the multipliers in w[:mg].
//
// # References
//
//	C.L. Lawson, R.J. Hanson, 'Solving least squares problems' Prentice Hall, 1974. (revised 1995 edition)
//	Chapters 23, Section 5.
func LSI(e, f, g, h []float64, le, me, lg, mg, n int,
	x, w []float64, jw []int, maxIter int) (xnorm float64, mode sqpMode) {

	if n < 1 {
		return 0, BadArgument
	}

	for i := range n {
		ei := e[i*le:]
		up := h1(i, i+1, me, ei, 1)
		h2(i, i+1, me, ei, 1, up, e[min(i+1, n-1)*le:], 1, le, n-i-1)
		h2(i, i+1, me, ei, 1, up, f, 1, 1, 1)
	}

	for i := range mg {
		for j := range n {
			diag := e[j+le*j]
			if math.Abs(diag) < eps || math.IsNaN(diag) {
				return math.NaN(), LSISingularE
			}
			g[i+lg*j] = (g[i+lg*j] - ddot(j, g[i:], lg, e[j*le:], 1)) / diag
		}
		h[i] -= ddot(n, g[i:], lg, f, 1)
	}

	if xnorm, mode = LDP(mg, n, g, lg, h, x, w, jw, maxIter); mode != HasSolution {
		return
	}

	daxpy(n, one, f, 1, x, 1)
	for i := n - 1; i >= 0; i-- {
		j := min(i+1, n-1)
		x[i] = (x[i] - ddot(n-i-1, e[i+le*j:], le, x[j:], 1)) / e[i+le*i]
	}
	if me > n {
		t := dnrm2(me-n, f[n:], 1)
		xnorm = math.Sqrt(xnorm*xnorm + t*t)
	}
	return xnorm, mode
}
