// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autodiff

import (
	"slices"
	"sort"
)

// Pattern is a sparse coordinate pattern.
type Pattern struct {
	Rows, Cols []int
}

// Len returns the number of nonzeros.
func (p Pattern) Len() int { return len(p.Rows) }

// depSets computes, for every node, the sorted set of variables it depends on.
func (g *Graph) depSets() [][]int {
	deps := make([][]int, len(g.nodes))
	for i, v := range g.nodes {
		switch {
		case v.op == OpVar:
			deps[i] = []int{v.idx}
		case v.op.binary():
			deps[i] = union(deps[v.a], deps[v.b])
		case v.op.unary():
			deps[i] = deps[v.a]
		}
	}
	return deps
}

func union(a, b []int) []int {
	switch {
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	}
	r := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			r = append(r, a[i])
			i++
		case a[i] > b[j]:
			r = append(r, b[j])
			j++
		default:
			r = append(r, a[i])
			i++
			j++
		}
	}
	r = append(r, a[i:]...)
	return append(r, b[j:]...)
}

// JacobianSparsity propagates the identity seed forward through the graph.
// Entries are ordered by row then column.
func (g *Graph) JacobianSparsity() Pattern {
	deps := g.depSets()
	var p Pattern
	for k, o := range g.outputs {
		for _, c := range deps[o] {
			p.Rows = append(p.Rows, k)
			p.Cols = append(p.Cols, c)
		}
	}
	return p
}

type pairSet map[[2]int]struct{}

func (s pairSet) cross(a, b []int) {
	for _, i := range a {
		for _, j := range b {
			if i >= j {
				s[[2]int{i, j}] = struct{}{}
			} else {
				s[[2]int{j, i}] = struct{}{}
			}
		}
	}
}

// HessianSparsity computes the lower triangular (row ≥ col) pattern of the Hessian of ∑ₖ𝒚ₖ,
// that is the union of the second order interactions of all range components.
// Entries are ordered by row then column.
func (g *Graph) HessianSparsity() Pattern {
	deps := g.depSets()
	live := make([]bool, len(g.nodes))
	for _, o := range g.outputs {
		live[o] = true
	}
	for i := len(g.nodes) - 1; i >= 0; i-- {
		if v := g.nodes[i]; live[i] {
			if v.a >= 0 {
				live[v.a] = true
			}
			if v.b >= 0 {
				live[v.b] = true
			}
		}
	}
	// Interactions are introduced by a node and inherited by every node using it,
	// so the union over live nodes equals the union over outputs.
	set := make(pairSet)
	for i, v := range g.nodes {
		if !live[i] {
			continue
		}
		switch v.op {
		case OpMul:
			set.cross(deps[v.a], deps[v.b])
		case OpDiv:
			set.cross(deps[v.a], deps[v.b])
			set.cross(deps[v.b], deps[v.b])
		case OpPow, OpSin, OpCos, OpExp, OpLog, OpSqrt:
			set.cross(deps[v.a], deps[v.a])
		}
	}
	pairs := make([][2]int, 0, len(set))
	for k := range set {
		pairs = append(pairs, k)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	p := Pattern{Rows: make([]int, len(pairs)), Cols: make([]int, len(pairs))}
	for k, rc := range pairs {
		p.Rows[k], p.Cols[k] = rc[0], rc[1]
	}
	return p
}

// Dependencies returns the sorted variables the k-th output depends on.
func (g *Graph) Dependencies(k int) []int {
	return slices.Clone(g.depSets()[g.outputs[k]])
}
