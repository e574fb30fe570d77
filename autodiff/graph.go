// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package autodiff implements the computation graphs used to describe nonlinear vector functions
//
//	𝒚 = 𝒇(𝐱; 𝐩) : ℝⁿ → ℝᵐ
//
// together with the analysis passes a modelling layer needs from an AD engine:
//   - forward evaluation on a reusable tape
//   - Jacobian sparsity (forward dependency propagation seeded by identity)
//   - Hessian sparsity of ∑ₖ𝒚ₖ (nonlinear interaction propagation)
//   - symbolic construction of the sparse Jacobian graph and the weighted Hessian graph
//   - simplification, compaction and a structure hash
//   - a portable serialized form
//
// Graphs are built through hash-consing constructors, so structurally identical
// sub-expressions are stored once and trivial identities are folded on the fly.
package autodiff

import (
	"math"

	"github.com/pkg/errors"
)

// Node is a handle to a vertex of a Graph.
type Node int32

// Op is the operation computed by a node.
type Op uint8

const (
	OpConst Op = iota
	OpVar
	OpParam
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpPow // a ^ k with constant exponent k
	OpSin
	OpCos
	OpExp
	OpLog
	OpSqrt
	numOps
)

var opNames = [numOps]string{
	"const", "var", "param",
	"add", "sub", "mul", "div", "neg", "pow",
	"sin", "cos", "exp", "log", "sqrt",
}

func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return "unknown"
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, bool) {
	for i, n := range opNames {
		if n == s {
			return Op(i), true
		}
	}
	return 0, false
}

func (o Op) binary() bool { return o >= OpAdd && o <= OpDiv }
func (o Op) unary() bool  { return o >= OpNeg }

type vertex struct {
	op   Op
	a, b Node
	idx  int
	val  float64
}

// Graph is a computation graph over nx variables and np parameters.
// The graph is append-only, nodes are topologically ordered by construction.
type Graph struct {
	nx, np  int
	nodes   []vertex
	outputs []Node
	dedup   map[vertex]Node
}

// NewGraph creates an empty graph with domain size nx and np parameters.
func NewGraph(nx, np int) *Graph {
	if nx < 0 || np < 0 {
		panic("negative graph dimension")
	}
	return &Graph{nx: nx, np: np, dedup: make(map[vertex]Node)}
}

func (g *Graph) NX() int  { return g.nx }
func (g *Graph) NP() int  { return g.np }
func (g *Graph) NY() int  { return len(g.outputs) }
func (g *Graph) Len() int { return len(g.nodes) }

// Outputs returns the output nodes; the slice must not be modified.
func (g *Graph) Outputs() []Node { return g.outputs }

// Vertex decodes node n. Absent operands are -1.
func (g *Graph) Vertex(n Node) (op Op, a, b Node, idx int, val float64) {
	g.check(n)
	v := g.nodes[n]
	return v.op, v.a, v.b, v.idx, v.val
}

// SetOutputs fixes the range of the function.
func (g *Graph) SetOutputs(outs ...Node) {
	for _, o := range outs {
		g.check(o)
	}
	g.outputs = append(g.outputs[:0], outs...)
}

func (g *Graph) check(n Node) {
	if n < 0 || int(n) >= len(g.nodes) {
		panic(errors.Errorf("autodiff: node %d out of range [0,%d)", n, len(g.nodes)))
	}
}

func (g *Graph) intern(v vertex) Node {
	if n, ok := g.dedup[v]; ok {
		return n
	}
	n := Node(len(g.nodes))
	g.nodes = append(g.nodes, v)
	g.dedup[v] = n
	return n
}

func (g *Graph) isConst(n Node) (float64, bool) {
	v := g.nodes[n]
	return v.val, v.op == OpConst
}

// Const returns a constant node.
func (g *Graph) Const(v float64) Node {
	return g.intern(vertex{op: OpConst, a: -1, b: -1, val: v})
}

// X returns the node of the i-th variable.
func (g *Graph) X(i int) Node {
	if i < 0 || i >= g.nx {
		panic(errors.Errorf("autodiff: variable %d out of range [0,%d)", i, g.nx))
	}
	return g.intern(vertex{op: OpVar, a: -1, b: -1, idx: i})
}

// P returns the node of the i-th parameter.
func (g *Graph) P(i int) Node {
	if i < 0 || i >= g.np {
		panic(errors.Errorf("autodiff: parameter %d out of range [0,%d)", i, g.np))
	}
	return g.intern(vertex{op: OpParam, a: -1, b: -1, idx: i})
}

func (g *Graph) Add(a, b Node) Node {
	g.check(a)
	g.check(b)
	ca, okA := g.isConst(a)
	cb, okB := g.isConst(b)
	switch {
	case okA && okB:
		return g.Const(ca + cb)
	case okA && ca == 0:
		return b
	case okB && cb == 0:
		return a
	}
	if a > b { // commutative
		a, b = b, a
	}
	return g.intern(vertex{op: OpAdd, a: a, b: b})
}

func (g *Graph) Sub(a, b Node) Node {
	g.check(a)
	g.check(b)
	ca, okA := g.isConst(a)
	cb, okB := g.isConst(b)
	switch {
	case okA && okB:
		return g.Const(ca - cb)
	case okB && cb == 0:
		return a
	case okA && ca == 0:
		return g.Neg(b)
	case a == b:
		return g.Const(0)
	}
	return g.intern(vertex{op: OpSub, a: a, b: b})
}

func (g *Graph) Mul(a, b Node) Node {
	g.check(a)
	g.check(b)
	ca, okA := g.isConst(a)
	cb, okB := g.isConst(b)
	switch {
	case okA && okB:
		return g.Const(ca * cb)
	case okA && ca == 0, okB && cb == 0:
		return g.Const(0)
	case okA && ca == 1:
		return b
	case okB && cb == 1:
		return a
	case okA && ca == -1:
		return g.Neg(b)
	case okB && cb == -1:
		return g.Neg(a)
	}
	if a > b {
		a, b = b, a
	}
	return g.intern(vertex{op: OpMul, a: a, b: b})
}

func (g *Graph) Div(a, b Node) Node {
	g.check(a)
	g.check(b)
	ca, okA := g.isConst(a)
	cb, okB := g.isConst(b)
	switch {
	case okA && okB:
		return g.Const(ca / cb)
	case okA && ca == 0:
		return g.Const(0)
	case okB && cb == 1:
		return a
	}
	return g.intern(vertex{op: OpDiv, a: a, b: b})
}

func (g *Graph) Neg(a Node) Node {
	g.check(a)
	if c, ok := g.isConst(a); ok {
		return g.Const(-c)
	}
	if v := g.nodes[a]; v.op == OpNeg {
		return v.a
	}
	return g.intern(vertex{op: OpNeg, a: a, b: -1})
}

// Pow returns a ^ k.
func (g *Graph) Pow(a Node, k float64) Node {
	g.check(a)
	if c, ok := g.isConst(a); ok {
		return g.Const(math.Pow(c, k))
	}
	switch k {
	case 0:
		return g.Const(1)
	case 1:
		return a
	}
	return g.intern(vertex{op: OpPow, a: a, b: -1, val: k})
}

// Square returns a².
func (g *Graph) Square(a Node) Node { return g.Pow(a, 2) }

func (g *Graph) unary(op Op, a Node, fold func(float64) float64) Node {
	g.check(a)
	if c, ok := g.isConst(a); ok {
		return g.Const(fold(c))
	}
	return g.intern(vertex{op: op, a: a, b: -1})
}

func (g *Graph) Sin(a Node) Node  { return g.unary(OpSin, a, math.Sin) }
func (g *Graph) Cos(a Node) Node  { return g.unary(OpCos, a, math.Cos) }
func (g *Graph) Exp(a Node) Node  { return g.unary(OpExp, a, math.Exp) }
func (g *Graph) Log(a Node) Node  { return g.unary(OpLog, a, math.Log) }
func (g *Graph) Sqrt(a Node) Node { return g.unary(OpSqrt, a, math.Sqrt) }

// Sum returns the sum of all nodes, or a zero constant for an empty list.
func (g *Graph) Sum(nodes ...Node) Node {
	if len(nodes) == 0 {
		return g.Const(0)
	}
	s := nodes[0]
	for _, n := range nodes[1:] {
		s = g.Add(s, n)
	}
	return s
}

// Validate reports whether the graph describes a well-formed vector function.
func (g *Graph) Validate() error {
	switch {
	case g.nx <= 0:
		return errors.New("autodiff: graph domain must not be empty")
	case len(g.outputs) == 0:
		return errors.New("autodiff: graph range must not be empty")
	}
	for i, v := range g.nodes {
		if v.op >= numOps {
			return errors.Errorf("autodiff: node %d has unknown op %d", i, v.op)
		}
		if v.op.binary() && (v.a < 0 || v.b < 0 || int(v.a) >= i || int(v.b) >= i) {
			return errors.Errorf("autodiff: node %d (%s) references undefined operands", i, v.op)
		}
		if v.op.unary() && (v.a < 0 || int(v.a) >= i) {
			return errors.Errorf("autodiff: node %d (%s) references undefined operand", i, v.op)
		}
		if v.op == OpVar && v.idx >= g.nx || v.op == OpParam && v.idx >= g.np {
			return errors.Errorf("autodiff: node %d (%s) index %d out of domain", i, v.op, v.idx)
		}
	}
	return nil
}

// Compact returns a copy of the graph holding only the nodes reachable from the outputs.
func (g *Graph) Compact() *Graph {
	live := make([]bool, len(g.nodes))
	for _, o := range g.outputs {
		live[o] = true
	}
	for i := len(g.nodes) - 1; i >= 0; i-- {
		if !live[i] {
			continue
		}
		v := g.nodes[i]
		if v.a >= 0 {
			live[v.a] = true
		}
		if v.b >= 0 {
			live[v.b] = true
		}
	}
	c := NewGraph(g.nx, g.np)
	remap := make([]Node, len(g.nodes))
	for i, v := range g.nodes {
		if !live[i] {
			continue
		}
		if v.a >= 0 {
			v.a = remap[v.a]
		}
		if v.b >= 0 {
			v.b = remap[v.b]
		}
		remap[i] = c.intern(v)
	}
	c.outputs = make([]Node, len(g.outputs))
	for k, o := range g.outputs {
		c.outputs[k] = remap[o]
	}
	return c
}

// Clone returns a deep copy whose parameter count is extended by extra.
func (g *Graph) Clone(extra int) *Graph {
	c := NewGraph(g.nx, g.np+extra)
	c.nodes = append(c.nodes, g.nodes...)
	for k, v := range g.dedup {
		c.dedup[k] = v
	}
	c.outputs = append(c.outputs, g.outputs...)
	return c
}
