// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autodiff

import "github.com/pkg/errors"

// differ builds ∂n/∂𝐱ᵢ symbolically inside its graph, memoizing per variable.
type differ struct {
	g    *Graph
	memo []map[Node]Node
}

func newDiffer(g *Graph) *differ {
	return &differ{g: g, memo: make([]map[Node]Node, g.nx)}
}

func (d *differ) diff(n Node, i int) Node {
	m := d.memo[i]
	if m == nil {
		m = make(map[Node]Node)
		d.memo[i] = m
	}
	if r, ok := m[n]; ok {
		return r
	}
	g := d.g
	v := g.nodes[n]
	var r Node
	switch v.op {
	case OpConst, OpParam:
		r = g.Const(0)
	case OpVar:
		if v.idx == i {
			r = g.Const(1)
		} else {
			r = g.Const(0)
		}
	case OpAdd:
		r = g.Add(d.diff(v.a, i), d.diff(v.b, i))
	case OpSub:
		r = g.Sub(d.diff(v.a, i), d.diff(v.b, i))
	case OpMul:
		// (ab)′ = a′b + ab′
		r = g.Add(g.Mul(d.diff(v.a, i), v.b), g.Mul(v.a, d.diff(v.b, i)))
	case OpDiv:
		// (a/b)′ = a′/b - a·b′/b²
		da, db := d.diff(v.a, i), d.diff(v.b, i)
		r = g.Sub(g.Div(da, v.b), g.Div(g.Mul(v.a, db), g.Square(v.b)))
	case OpNeg:
		r = g.Neg(d.diff(v.a, i))
	case OpPow:
		// (aᵏ)′ = k·aᵏ⁻¹·a′
		r = g.Mul(g.Mul(g.Const(v.val), g.Pow(v.a, v.val-1)), d.diff(v.a, i))
	case OpSin:
		r = g.Mul(g.Cos(v.a), d.diff(v.a, i))
	case OpCos:
		r = g.Neg(g.Mul(g.Sin(v.a), d.diff(v.a, i)))
	case OpExp:
		r = g.Mul(n, d.diff(v.a, i))
	case OpLog:
		r = g.Div(d.diff(v.a, i), v.a)
	case OpSqrt:
		r = g.Div(d.diff(v.a, i), g.Mul(g.Const(2), n))
	default:
		panic(errors.Errorf("autodiff: cannot differentiate %s", v.op))
	}
	m[n] = r
	return r
}

// JacobianGraph returns a graph with the same domain and parameters whose outputs are
// the nonzeros of the Jacobian in the order of pattern (normally JacobianSparsity).
func (g *Graph) JacobianGraph(pattern Pattern) *Graph {
	c := g.Clone(0)
	d := newDiffer(c)
	outs := make([]Node, pattern.Len())
	for k := range outs {
		outs[k] = d.diff(g.outputs[pattern.Rows[k]], pattern.Cols[k])
	}
	c.outputs = outs
	return c.Compact()
}

// HessianGraph returns a graph computing the nonzeros of ∇²(∑ₖ𝐰ₖ𝒚ₖ) in the order of pattern
// (normally HessianSparsity). The ny weights 𝐰 are appended after the original parameters.
func (g *Graph) HessianGraph(pattern Pattern) *Graph {
	ny := len(g.outputs)
	c := g.Clone(ny)
	terms := make([]Node, ny)
	for k, o := range g.outputs {
		terms[k] = c.Mul(c.P(g.np+k), o)
	}
	lagr := c.Sum(terms...)
	d := newDiffer(c)
	grad := make(map[int]Node)
	outs := make([]Node, pattern.Len())
	for k := range outs {
		r, col := pattern.Rows[k], pattern.Cols[k]
		gr, ok := grad[r]
		if !ok {
			gr = d.diff(lagr, r)
			grad[r] = gr
		}
		outs[k] = d.diff(gr, col)
	}
	c.outputs = outs
	return c.Compact()
}
