// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slsqp

import (
	"math"
)

// LDP (Least Distance Programming) solves 𝚖𝚒𝚗‖ 𝐱 ‖₂ subject to 𝐆𝐱 ≥ 𝐡, where 𝐆 is an
// m × n column-major matrix of any rank with leading dimension mdg.
//
// The dual is the NNLS problem 𝚖𝚒𝚗‖ 𝐀𝐮 - 𝐛 ‖₂, 𝐮 ≥ 0, with 𝐀 = [𝐆 : 𝐡]ᵀ and 𝐛 = 𝐞ₙ₊₁.
// Its residual 𝐫 = 𝐀𝐮 - 𝐛 satisfies ‖ 𝐫 ‖₂² = -𝐫ₙ₊₁ = 1 - 𝐡ᵀ𝐮, so a positive residual yields
//
//	𝐱 = 𝐆ᵀ𝐮 / (1 - 𝐡ᵀ𝐮),  𝛌 = 𝐮 / (1 - 𝐡ᵀ𝐮)
//
// and a vanishing one means 𝐆𝐱 ≥ 𝐡 is inconsistent. The multipliers 𝛌 are returned in w[:m].
//
// w needs (n+1)(m+2)+2m elements and jw m.
//
// # References
//
//	C.L. Lawson, R.J. Hanson, 'Solving least squares problems' Prentice Hall, 1974. (revised 1995 edition)
//	Chapters 23, Algorithm 23.27.
func LDP(m, n int, g []float64, mdg int, h, x, w []float64, jw []int, maxIter int) (xnorm float64, mode sqpMode) {
	if n <= 0 {
		return math.NaN(), BadArgument
	}
	if m <= 0 {
		return 0, OK
	}
	k := n + 1
	if m > mdg || mdg*n > len(g) || m > len(h) || n > len(x) || k*(m+2)+2*m > len(w) || m > len(jw) {
		panic("bound check error")
	}

	a, rest := w[:m*k], w[m*k:]
	b, rest := rest[:k], rest[k:]
	z, rest := rest[:k], rest[k:]
	u, dv := rest[:m], rest[m:2*m]

	for j := range m {
		col := a[j*k : (j+1)*k]
		dcopy(n, g[j:], mdg, col, 1)
		col[n] = h[j]
	}
	clear(b[:n])
	b[n] = one

	var rnorm float64
	if rnorm, mode = NNLS(k, m, a, k, b, u, dv, z, jw, maxIter); mode != HasSolution {
		return math.NaN(), mode
	}
	scale := one - ddot(m, h, 1, u, 1)
	if rnorm <= zero || math.IsNaN(scale) || scale < eps {
		return math.NaN(), ConsIncompatible
	}

	inv := one / scale
	for j := range n {
		x[j] = ddot(m, g[mdg*j:], 1, u, 1) * inv
	}
	for j := range m {
		w[j] = u[j] * inv
	}
	return dnrm2(n, x, 1), mode
}
