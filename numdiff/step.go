// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package numdiff

import "math"

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

// absoluteStep picks h per variable:
//
//	h = ε·sign(x)·max(1,|x|)        by default
//	h = AbsStep                      when given
//	h = RelStep·sign(x)·|x|          otherwise
//
// falling back to the default when the step vanishes in floating point.
func (a *Approximator) absoluteStep(x0 []float64) {
	h := a.absStep
	if len(h) != len(x0) {
		panic("bound check error")
	}

	var eps float64
	switch a.Method {
	case Forward:
		eps = sqrtEps
	case Central:
		eps = cubeEps
	default:
		panic("unknown method")
	}

	if a.AbsStep == 0 && a.RelStep == 0 {
		for i, v := range x0 {
			h[i] = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
		}
		return
	}
	for i, v := range x0 {
		s := a.AbsStep
		if s == 0 {
			s = math.Copysign(a.RelStep, v) * math.Abs(v)
		}
		if (v+s)-v == 0 {
			s = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
		}
		h[i] = s
	}
}

// adjustToBounds keeps every evaluation point inside the bounds.
// Forward steps flip direction or shrink to the wider side; central steps
// become one-sided (oneSide[i]) when the interval cannot hold x±h.
func (a *Approximator) adjustToBounds(x0 []float64, bnd bool) {
	h, o := a.absStep, a.oneSide
	if a.Method == Central {
		for i, v := range h {
			h[i] = math.Abs(v)
		}
		clear(o)
	}

	if !bnd {
		return
	}

	b := a.bounds
	if len(x0) != len(b) || len(x0) != len(h) {
		panic("bound check error")
	}

	if a.Method == Forward {
		for i, x := range x0 {
			ld, ud := x-b[i][0], b[i][1]-x
			step := x + h[i]
			violated := step < b[i][0] || step > b[i][1]
			fitting := math.Abs(h[i]) < math.Max(ld, ud)
			switch {
			case violated && fitting:
				h[i] = -h[i]
			case !fitting && ud >= ld:
				h[i] = ud
			case !fitting:
				h[i] = -ld
			}
		}
		return
	}

	if len(x0) != len(o) {
		panic("bound check error")
	}
	for i, x := range x0 {
		ld, ud := x-b[i][0], b[i][1]-x
		central := ld >= h[i] && ud >= h[i]
		if !central {
			if ud >= ld {
				h[i] = math.Min(h[i], 0.5*ud)
			} else {
				h[i] = -math.Min(h[i], 0.5*ld)
			}
			o[i] = true
		}
		if minDist := math.Min(ud, ld); !central && math.Abs(h[i]) <= minDist {
			h[i] = minDist
			o[i] = false
		}
	}
}
