// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slsqp

import (
	"math"
)

var sqrtEps = math.Sqrt(eps)              // square root of machine precision
var invPhi2 = one / (math.Phi * math.Phi) //  golden section ratio

// h1 constructs the Householder transformation 𝐐 = 𝐈 - b⁻¹𝐮𝐮ᵀ (b = s·uₚ) that maps the
// vector v onto s·𝐞ₚ while zeroing the elements l ≤ i < m. Elements of v are ive apart.
//
// On return v[p] holds s, v[l:m] hold the tail of 𝐮 and the pivot uₚ is returned.
// The transformation is the identity unless 0 ≤ p < l < m.
//
// C.L. Lawson, R.J. Hanson, 'Solving least squares problems' Prentice Hall, 1974. (revised 1995 edition)
// Chapters 10.
func h1(p, l, m int, v []float64, ive int) (up float64) {
	if p < 0 || p >= l || l >= m {
		return
	}

	vp := v[p*ive]
	scale := math.Abs(vp)
	for i := l; i < m; i++ {
		scale = math.Max(scale, math.Abs(v[i*ive]))
	}
	if scale <= 0 {
		return
	}

	// s = -sgn(vₚ)·‖v‖₂ with the norm taken on the scaled vector
	sum := (vp / scale) * (vp / scale)
	for i := l; i < m; i++ {
		r := v[i*ive] / scale
		sum += r * r
	}
	s := scale * math.Sqrt(sum)
	if vp > 0 {
		s = -s
	}
	v[p*ive] = s
	return vp - s
}

// h2 applies the transformation built by h1 to ncv vectors of c, c ← c + b⁻¹(𝐮ᵀc)·𝐮.
// Elements of a vector are ice apart and consecutive vectors start icv apart.
func h2(p, l, m int, u []float64, iue int, up float64, c []float64, ice, icv, ncv int) {
	if p < 0 || p >= l || l >= m || ncv <= 0 {
		return
	}
	b := u[p*iue] * up
	if b >= 0 {
		return
	}
	b = 1 / b

	for k := range ncv {
		col := c[k*icv:]
		sm := col[p*ice] * up
		for i := l; i < m; i++ {
			sm += col[i*ice] * u[i*iue]
		}
		if sm == 0 {
			continue
		}
		sm *= b
		col[p*ice] += sm * up
		for i := l; i < m; i++ {
			col[i*ice] += sm * u[i*iue]
		}
	}
}

// g1 returns the Givens rotation that maps (a, b) onto (σ, 0) with σ = (a² + b²)¹ᐟ²:
//
//	⎡ c s⎤⎡a⎤ = ⎡σ⎤
//	⎣-s c⎦⎣b⎦   ⎣0⎦
//
// A zero vector yields c = 0, s = 1.
//
// C.L. Lawson, R.J. Hanson, 'Solving least squares problems' Prentice Hall, 1974. (revised 1995 edition)
// Chapters 3.
func g1(a, b float64) (c, s, sig float64) {
	sig = math.Hypot(a, b)
	if sig == 0 {
		return 0, 1, 0
	}
	return a / sig, b / sig, sig
}

// g2 rotates (x, y) with the rotation returned by g1.
func g2(c, s float64, x, y float64) (xr, yr float64) {
	return c*x + s*y, c*y - s*x
}

// ldlUpdate overwrites the packed column-wise factors 𝐋𝐃𝐋ᵀ of a positive definite
// n × n matrix with those of 𝐋𝐃𝐋ᵀ + σ𝐳𝐳ᵀ. z is destroyed.
// A negative σ needs n elements of w as scratch; the result is kept positive definite.
//
// Dieter Kraft, 'A Software Package for Sequential Quadratic Programming', 1988.
// Chapters 2.32.
func ldlUpdate(n int, a, z []float64, sigma float64, w []float64) {
	if sigma == 0 {
		return
	}
	if n <= 0 || n > len(z) {
		panic("bound check error")
	}

	t := 1 / sigma
	if sigma < 0 {
		// w ← 𝐭ᵢ where 𝐭ᵢ₊₁ = 𝐭ᵢ + 𝐯ᵢ²/dᵢ and 𝐋𝐯 = 𝐳
		copy(w[:n], z[:n])
		d := 0
		for i := range n {
			v := w[i]
			t += v * v / a[d]
			for j := i + 1; j < n; j++ {
				w[j] -= v * a[d+j-i]
			}
			d += n - i
		}
		if t >= 0 {
			t = eps / sigma
		}
		for i := n - 1; i >= 0; i-- {
			d -= n - i
			v := w[i]
			w[i] = t
			t -= v * v / a[d]
		}
	}

	d := 0
	for i := range n {
		v := z[i]
		delta := v / a[d]
		tp := t + delta*v
		if sigma < 0 {
			tp = w[i]
		}
		alpha := tp / t
		a[d] *= alpha
		if i == n-1 {
			break
		}

		beta := delta / tp
		col := a[d+1 : d+n-i]
		if alpha > four {
			gamma := t / tp
			for k, l := range col {
				j := i + 1 + k
				col[k] = gamma*l + beta*z[j]
				z[j] -= v * l
			}
		} else {
			for k := range col {
				j := i + 1 + k
				z[j] -= v * col[k]
				col[k] += beta * z[j]
			}
		}
		d += n - i
		t = tp
	}
}

type findMode int

const (
	findNoop findMode = iota
	findInit
	findNext
	findConv
)

// brent minimises the merit function along the search direction on [α₁, α₂] without
// derivatives, mixing golden section and successive parabolic interpolation.
// It runs by reverse communication: every call receives the function value at the
// abscissa returned by the previous call.
type brent struct {
	a, b       float64 // interval of uncertainty
	d, e       float64 // last and second to last step
	u          float64 // abscissa waiting for its value
	v, w, x    float64 // third best, second best and best abscissa
	fv, fw, fx float64
}

func (s *brent) step(m findMode, f, tol float64, alpha Bound) (float64, findMode) {
	c := invPhi2

	switch m {
	case findInit:
		s.fx, s.fv, s.fw = f, f, f
	case findNext:
		fu, u, x := f, s.u, s.x
		if fu > s.fx {
			if u < x {
				s.a = u
			} else {
				s.b = u
			}
			if fu <= s.fw || s.w == x {
				s.v, s.fv = s.w, s.fw
				s.w, s.fw = u, fu
			} else if fu <= s.fv || s.v == x || s.v == s.w {
				s.v, s.fv = u, fu
			}
		} else {
			if u >= x {
				s.a = x
			} else {
				s.b = x
			}
			s.v, s.fv = s.w, s.fw
			s.w, s.fw = s.x, s.fx
			s.x, s.fx = u, fu
		}
	default:
		s.a, s.b = alpha.Lower, alpha.Upper
		s.d, s.e = 0, 0
		s.x = s.a + c*(s.b-s.a)
		s.v, s.w = s.x, s.x
		return s.x, findInit
	}

	a, b, x := s.a, s.b, s.x
	mid := 0.5 * (a + b)
	tol1 := sqrtEps*math.Abs(x) + tol
	tol2 := 2 * tol1
	if math.Abs(x-mid) <= tol2-0.5*(b-a) {
		return x, findConv
	}

	var p, q, r float64
	d, e := s.d, s.e
	if math.Abs(e) > tol1 {
		// parabola through (x,fx), (w,fw), (v,fv)
		r = (x - s.w) * (s.fx - s.fv)
		q = (x - s.v) * (s.fx - s.fw)
		p = (x-s.v)*q - (x-s.w)*r
		q = 2 * (q - r)
		if q > 0 {
			p = -p
		}
		q = math.Abs(q)
		r, e = e, d
	}

	if math.Abs(p) >= 0.5*math.Abs(q*r) || p <= q*(a-x) || p >= q*(b-x) {
		if x >= mid {
			e = a - x
		} else {
			e = b - x
		}
		d = c * e
	} else {
		d = p / q
		// keep away from the interval ends
		if u := x + d; u-a < tol2 || b-u < tol2 {
			d = math.Copysign(tol1, mid-x)
		}
	}
	if math.Abs(d) < tol1 {
		d = math.Copysign(tol1, d)
	}

	s.d, s.e = d, e
	s.u = x + d
	return s.u, findNext
}
