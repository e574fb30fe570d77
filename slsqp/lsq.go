// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slsqp

import "math"

// LSQ solves the quadratic sub-problem of an SQP iteration in least squares form
//
//	minimize ‖ 𝐃¹ᐟ²𝐋ᵀ𝐱 + 𝐃⁻¹ᐟ²𝐋⁻¹𝐠 ‖₂  s.t.  𝐀ⱼ𝐱 + 𝐛ⱼ = 0 (j < mₑ),  𝐀ⱼ𝐱 + 𝐛ⱼ ≥ 0 (j ≥ mₑ),  𝒍 ≤ 𝐱 ≤ 𝒖
//
// by handing LSEI the system
//
//	𝐄 = 𝐃¹ᐟ²𝐋ᵀ, 𝐟 = -𝐃⁻¹ᐟ²𝐋⁻¹𝐠, 𝐂 = 𝐀[:mₑ], 𝐝 = -𝐛[:mₑ], 𝐆 = [𝐀[mₑ:]; 𝐈; -𝐈], 𝐡 = [-𝐛[mₑ:]; 𝒍; -𝒖]
//
// where bound rows are only emitted for finite bounds.
//
// l packs 𝐋 column-wise with 𝐃 on its diagonal. When nl ≠ n(n+1)/2 + 1 the problem is the
// relaxed one: 𝐱 carries the slack as its last element, l holds the factors of the leading
// n-1 variables and l[nl-1] the slack penalty.
//
// a is m × n column-major with leading dimension max(1,m). On success y[:m] receives the
// multipliers of the general constraints and y[m:m+2n] the bound multipliers, reported as NaN.
func LSQ(m, meq, n, nl int,
	l, g, a, b, xl, xu []float64,
	x, y []float64,
	w []float64, jw []int,
	maxIter int, infBnd float64) (float64, sqpMode) {

	mineq := m - meq
	lg := mineq + n + n // rows reserved for 𝐆
	la := max(m, 1)

	slack := 0
	if (n+1)*n/2+1 != nl {
		slack = 1
	}
	nf := n - slack // variables factored in l

	e, w := w[:n*n], w[n*n:]
	f, w := w[:n], w[n:]
	c, w := w[:meq*n], w[meq*n:]
	d, w := w[:meq], w[meq:]
	gm, w := w[:lg*n], w[lg*n:]
	h, w := w[:lg], w[lg:]

	// 𝐄 = 𝐃¹ᐟ²𝐋ᵀ row by row, 𝐟 = 𝐃⁻¹ᐟ²𝐋⁻¹𝐠 by forward substitution
	for j, k := 0, 0; j < nf; j++ {
		span := n - j
		dj := math.Sqrt(l[k])
		row := e[j*n+j:]
		clear(row[:span])
		dcopy(span-slack, l[k:], 1, row, n)
		dscal(span-slack, dj, row, n)
		row[0] = dj
		f[j] = (g[j] - ddot(j, e[j*n:], 1, f, 1)) / dj
		k += span - slack
	}
	if slack == 1 {
		e[nf*n+nf] = l[nl-1]
		clear(e[nf*n : nf*n+nf])
		f[nf] = zero
	}
	dscal(n, -one, f, 1)

	for i := range meq {
		dcopy(n, a[i:], la, c[i:], meq)
		d[i] = -b[i]
	}
	for i := range mineq {
		dcopy(n, a[meq+i:], la, gm[i:], lg)
		h[i] = -b[meq+i]
	}

	// finite bounds become the rows ±𝐞ᵢ𝐱 ≥ ±bound
	rows := mineq
	bound := func(i int, sign, v float64) {
		for col := range n {
			gm[rows+lg*col] = zero
		}
		gm[rows+lg*i] = sign
		h[rows] = sign * v
		rows++
	}
	xl, xu = xl[:n], xu[:n]
	for i, v := range xl {
		if !math.IsNaN(v) && v > -infBnd {
			bound(i, one, v)
		}
	}
	for i, v := range xu {
		if !math.IsNaN(v) && v < infBnd {
			bound(i, -one, v)
		}
	}

	norm, mode := LSEI(c, d, e, f, gm, h, max(1, meq), meq, n, n, lg, rows, n, x, w, jw, maxIter)
	if mode != HasSolution {
		return norm, mode
	}

	copy(y[:m], w[:m])
	for i := range 2 * nf {
		y[m+i] = math.NaN()
	}
	for i := range n {
		if v := xl[i]; !math.IsNaN(v) && v > -infBnd && x[i] < v {
			x[i] = v
		}
		if v := xu[i]; !math.IsNaN(v) && v < infBnd && x[i] > v {
			x[i] = v
		}
	}
	return norm, mode
}
