// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slsqp

import (
	"math"
)

// NNLS (Non-Negative Least-Squares) solves 𝚖𝚒𝚗‖ 𝐀𝐱 - 𝐛 ‖₂ subject to 𝐱 ≥ 0 with the
// Lawson-Hanson active set method and returns the residual norm.
//
// Indices are split into the passive set ℙ, whose variables are free, and the active set ℤ,
// whose variables are held at zero. Starting from 𝐱 = 0 and ℙ = ∅, the index with the largest
// dual 𝐰ⱼ = [𝐀ᵀ(𝐛 - 𝐀𝐱)]ⱼ enters ℙ and the least squares problem over the columns in ℙ is
// re-solved. When that solution 𝐳 has a non-positive component, 𝐱 moves towards 𝐳 until the
// first variable hits zero and leaves ℙ. The method stops when 𝐰ⱼ ≤ 0 for all j ∈ ℤ, which
// are the Kuhn-Tucker conditions of the problem.
//
// The columns in ℙ are kept triangular by Householder reflections on entry and Givens
// rotations on exit, applied in place: on return a and b hold 𝐐𝐀 and 𝐐𝐛.
//
//   - a: m × n column-major with leading dimension mda, of any rank
//   - x: the n-vector solution
//   - w: the n-vector dual
//   - z: m-vector working space
//   - index: n-vector working space
//
// # References
//
//	C.L. Lawson, R.J. Hanson, 'Solving least squares problems' Prentice Hall, 1974. (revised 1995 edition)
//	Chapters 23, Algorithm 23.10.
func NNLS(m, n int, a []float64, mda int, b, x, w, z []float64, index []int, maxIter int) (float64, sqpMode) {
	if m <= 0 || n <= 0 || mda < m ||
		len(a) < mda*n || len(b) < m || len(x) < n || len(w) < n || len(z) < m || len(index) < n {
		return math.NaN(), BadArgument
	}
	if maxIter <= 0 {
		maxIter = 3 * n
	}

	s := activeSet{m: m, n: n, mda: mda, a: a, b: b[:m], x: x[:n], w: w[:n], z: z[:m], set: index[:n]}
	for i := range s.set {
		s.set[i] = i
	}
	clear(s.x)

	iter := 0
	for s.np < n && s.np < m {
		if !s.enter() {
			break
		}
		for {
			s.solve()
			if iter++; iter > maxIter {
				return s.residual(), NNLSExceedMaxIter
			}
			if s.step() {
				break
			}
			copy(s.z, s.b)
		}
	}
	return s.residual(), HasSolution
}

// activeSet is the NNLS state. set[:np] lists ℙ in triangular order, set[np:] lists ℤ.
type activeSet struct {
	m, n, mda int
	a         []float64
	b, x, w   []float64
	z         []float64
	set       []int
	np        int
}

func (s *activeSet) col(j int) []float64 { return s.a[j*s.mda : j*s.mda+s.m : j*s.mda+s.m] }

// enter moves the ℤ index with the largest positive dual into ℙ and leaves the
// transformed right side in z. It reports false when no index qualifies.
func (s *activeSet) enter() bool {
	const factor = 0.01
	np, m := s.np, s.m

	// 𝐰 = 𝐀ᵀ(𝐛 - 𝐀𝐱) reduces to the tail of 𝐐𝐛 for columns still in ℤ
	for _, j := range s.set[np:] {
		s.w[j] = ddot(m-np, s.a[np+s.mda*j:], 1, s.b[np:], 1)
	}

	for {
		best, pos := zero, -1
		for i, j := range s.set[np:] {
			if s.w[j] > best {
				best, pos = s.w[j], np+i
			}
		}
		if pos < 0 {
			return false
		}

		j := s.set[pos]
		aj := s.col(j)
		pivot := aj[np]
		up := h1(np, np+1, m, aj, 1)

		// the new diagonal must stand clear of the columns already in ℙ and give 𝐳ⱼ > 0
		if math.Abs(aj[np])*factor >= dnrm2(np, aj, 1)*eps {
			copy(s.z, s.b)
			h2(np, np+1, m, aj, 1, up, s.z, 1, 1, 1)
			if s.z[np]/aj[np] > zero {
				copy(s.b, s.z)
				s.set[pos], s.set[np] = s.set[np], j
				s.np++
				for _, k := range s.set[s.np:] {
					h2(np, np+1, m, aj, 1, up, s.a[k*s.mda:], 1, s.mda, 1)
				}
				clear(aj[s.np:])
				s.w[j] = zero
				return true
			}
		}
		aj[np] = pivot
		s.w[j] = zero
	}
}

// solve back-substitutes the triangular columns of ℙ into z.
func (s *activeSet) solve() {
	z := s.z
	for ip := s.np - 1; ip >= 0; ip-- {
		if ip < s.np-1 {
			prev := s.set[ip+1]
			daxpy(ip+1, -z[ip+1], s.a[prev*s.mda:], 1, z, 1)
		}
		z[ip] /= s.a[ip+s.set[ip]*s.mda]
	}
}

// step accepts z when it is positive on ℙ. Otherwise it moves 𝐱 towards z as far as
// feasibility allows, drops the variables that reach zero and reports false.
func (s *activeSet) step() bool {
	alpha, hit := two, -1
	for ip, l := range s.set[:s.np] {
		if s.z[ip] <= zero {
			if t := -s.x[l] / (s.z[ip] - s.x[l]); t < alpha {
				alpha, hit = t, ip
			}
		}
	}
	if hit < 0 {
		for ip, l := range s.set[:s.np] {
			s.x[l] = s.z[ip]
		}
		return true
	}

	for ip, l := range s.set[:s.np] {
		s.x[l] += alpha * (s.z[ip] - s.x[l])
	}
	// round-off may leave further non-positive variables behind the one that hit zero
	for hit >= 0 {
		s.leave(hit)
		hit = -1
		for ip, l := range s.set[:s.np] {
			if s.x[l] <= zero {
				hit = ip
				break
			}
		}
	}
	return false
}

// leave moves the ℙ entry at position k to ℤ and restores the triangular form.
func (s *activeSet) leave(k int) {
	i := s.set[k]
	s.x[i] = zero
	for j := k + 1; j < s.np; j++ {
		ii := s.set[j]
		s.set[j-1] = ii
		ci := s.a[ii*s.mda:]
		c, sn, sig := g1(ci[j-1], ci[j])
		ci[j-1], ci[j] = sig, zero
		for l := range s.n {
			if l != ii {
				cl := s.a[l*s.mda:]
				cl[j-1], cl[j] = g2(c, sn, cl[j-1], cl[j])
			}
		}
		s.b[j-1], s.b[j] = g2(c, sn, s.b[j-1], s.b[j])
	}
	s.np--
	s.set[s.np] = i
}

// residual returns ‖𝐛 - 𝐀𝐱‖₂ from the untransformed tail of 𝐐𝐛.
func (s *activeSet) residual() float64 {
	if s.np < s.m {
		return dnrm2(s.m-s.np, s.b[s.np:], 1)
	}
	clear(s.w)
	return zero
}
