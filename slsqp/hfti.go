// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slsqp

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/lapack/gonum"
)

var lp gonum.Implementation

// HFTI returns the minimum length solution of the least squares problem 𝐀𝐗 ≅ 𝐁
// together with the pseudo-rank k of 𝐀.
//
// 𝐀 is factored as 𝐀𝐏 = 𝐐𝐑 with column pivoting. The pseudo-rank counts the leading
// diagonal elements of 𝐑 whose magnitude exceeds the absolute tolerance 𝛕. When k < n
// the leading k rows [𝐑₁₁:𝐑₁₂] are further factored as 𝐋𝐊 so that
//
//	𝐱 = 𝐏𝐊ᵀ[𝐋⁻¹𝐜₁ : 𝟎]ᵀ   where 𝐜 = 𝐐ᵀ𝐛
//
// and the norm of the residual of column j is ‖𝐜[k:m]‖₂.
//
// 𝐀 is m × n column-major with leading dimension mda and is left untouched.
// 𝐁 is m × nb column-major with leading dimension mdb ≥ max(m,n); on return its
// first n rows hold 𝐗.
//
// # References
//
//	C.L. Lawson, R.J. Hanson, 'Solving least squares problems' Prentice Hall, 1974. (revised 1995 edition)
//	Chapters 14, Algorithm 14.9.
func HFTI(a []float64, mda, m, n int, b []float64, mdb, nb int, tau float64, norm []float64) int {
	diag := min(m, n)
	if diag <= 0 {
		return 0
	}
	if nb > len(norm) {
		panic("bound check error")
	}

	// gonum works on row-major storage; the right sides need room for the n-row solution
	rows := max(m, n)
	ldc := max(1, nb)
	ar := make([]float64, m*n)
	for j := range n {
		for i, v := range a[mda*j : mda*j+m] {
			ar[i*n+j] = v
		}
	}
	cr := make([]float64, rows*ldc)
	for jb := range nb {
		for i, v := range b[mdb*jb : mdb*jb+m] {
			cr[i*ldc+jb] = v
		}
	}

	jpvt := make([]int, n)
	for j := range jpvt {
		jpvt[j] = -1
	}
	tq := make([]float64, diag)
	work := workspace(func(w []float64, l int) { lp.Dgeqp3(m, n, ar, n, jpvt, tq, w, l) }, nil)
	lp.Dgeqp3(m, n, ar, n, jpvt, tq, work, len(work))

	k := diag
	for j := range diag {
		if math.Abs(ar[j*n+j]) <= tau {
			k = j
			break
		}
	}

	if nb > 0 {
		// 𝐂 = 𝐐ᵀ𝐁
		work = workspace(func(w []float64, l int) {
			lp.Dormqr(blas.Left, blas.Trans, m, nb, diag, ar, n, tq, cr, ldc, w, l)
		}, work)
		lp.Dormqr(blas.Left, blas.Trans, m, nb, diag, ar, n, tq, cr, ldc, work, len(work))
	}
	for jb := range nb {
		sm := 0.0
		for i := k; i < m; i++ {
			v := cr[i*ldc+jb]
			sm += v * v
		}
		norm[jb] = math.Sqrt(sm)
	}

	if nb == 0 {
		return k
	}
	if k == 0 {
		for jb := range nb {
			clear(b[mdb*jb : mdb*jb+n])
		}
		return 0
	}

	if k < n {
		// [𝐑₁₁:𝐑₁₂] = 𝐋𝐊, solve 𝐋𝐲₁ = 𝐜₁ then 𝐊ᵀ[𝐲₁:𝟎]
		tl := make([]float64, k)
		for i := 1; i < k; i++ {
			clear(ar[i*n : i*n+i]) // drop the reflectors of 𝐐
		}
		work = workspace(func(w []float64, l int) { lp.Dgelqf(k, n, ar, n, tl, w, l) }, work)
		lp.Dgelqf(k, n, ar, n, tl, work, len(work))
		lp.Dtrtrs(blas.Lower, blas.NoTrans, blas.NonUnit, k, nb, ar, n, cr, ldc)
		clear(cr[k*ldc : n*ldc])
		work = workspace(func(w []float64, l int) {
			lp.Dormlq(blas.Left, blas.Trans, n, nb, k, ar, n, tl, cr, ldc, w, l)
		}, work)
		lp.Dormlq(blas.Left, blas.Trans, n, nb, k, ar, n, tl, cr, ldc, work, len(work))
	} else {
		lp.Dtrtrs(blas.Upper, blas.NoTrans, blas.NonUnit, k, nb, ar, n, cr, ldc)
	}

	// undo the column interchanges
	for jb := range nb {
		for j, p := range jpvt {
			b[p+mdb*jb] = cr[j*ldc+jb]
		}
	}
	return k
}

// workspace sizes work with a lapack workspace query, reusing buf when it is large enough.
func workspace(query func(work []float64, lwork int), buf []float64) []float64 {
	var opt [1]float64
	query(opt[:], -1)
	if n := max(1, int(opt[0])); len(buf) < n {
		return make([]float64, n)
	}
	return buf
}
