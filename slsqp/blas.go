// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slsqp

import "gonum.org/v1/gonum/blas/blas64"

// Level 1 routines run on the native gonum BLAS. The wrappers keep the reference
// convention where gonum panics: non-positive sizes are no-ops.
var bl = blas64.Implementation()

// daxpy computes dy += da·dx.
func daxpy(n int, da float64, dx []float64, incx int, dy []float64, incy int) {
	if n <= 0 || da == 0 {
		return
	}
	bl.Daxpy(n, da, dx, incx, dy, incy)
}

// ddot returns dxᵀdy.
func ddot(n int, dx []float64, incx int, dy []float64, incy int) float64 {
	if n <= 0 {
		return 0
	}
	return bl.Ddot(n, dx, incx, dy, incy)
}

// dcopy copies dx into dy.
func dcopy(n int, dx []float64, incx int, dy []float64, incy int) {
	if n <= 0 {
		return
	}
	bl.Dcopy(n, dx, incx, dy, incy)
}

// dscal scales dx by da.
func dscal(n int, da float64, dx []float64, incx int) {
	if n <= 0 || incx <= 0 {
		return
	}
	bl.Dscal(n, da, dx, incx)
}

// dnrm2 returns ‖x‖₂.
func dnrm2(n int, x []float64, incx int) float64 {
	if n < 1 || incx < 1 {
		return 0
	}
	return bl.Dnrm2(n, x, incx)
}
