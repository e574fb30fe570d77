// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package autodiff

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// y = x₀² + x₁
func squarePlus() *Graph {
	g := NewGraph(2, 0)
	g.SetOutputs(g.Add(g.Square(g.X(0)), g.X(1)))
	return g
}

// y₀ = x₀·sin(x₁) + p₀, y₁ = exp(x₂)/x₀
func vectorFunc() *Graph {
	g := NewGraph(3, 1)
	x0, x1, x2 := g.X(0), g.X(1), g.X(2)
	g.SetOutputs(
		g.Add(g.Mul(x0, g.Sin(x1)), g.P(0)),
		g.Div(g.Exp(x2), x0),
	)
	return g
}

func TestConstructorsFold(t *testing.T) {
	g := NewGraph(2, 0)
	x := g.X(0)

	assert.Equal(t, x, g.Add(x, g.Const(0)))
	assert.Equal(t, x, g.Mul(g.Const(1), x))
	assert.Equal(t, x, g.Neg(g.Neg(x)))
	assert.Equal(t, x, g.Pow(x, 1))

	c, ok := g.isConst(g.Mul(g.Const(2), g.Const(3)))
	require.True(t, ok)
	assert.Equal(t, 6.0, c)

	c, ok = g.isConst(g.Mul(x, g.Const(0)))
	require.True(t, ok)
	assert.Zero(t, c)

	// hash-consing and commutative canonical order
	y := g.X(1)
	assert.Equal(t, g.Add(x, y), g.Add(y, x))
	assert.Equal(t, g.Mul(x, y), g.Mul(y, x))
	assert.NotEqual(t, g.Sub(x, y), g.Sub(y, x))
}

func TestTapeForward(t *testing.T) {
	g := vectorFunc()
	y := make([]float64, 2)
	g.NewTape().Eval([]float64{2, 0.5, 1}, []float64{3}, y)

	assert.InDelta(t, 2*math.Sin(0.5)+3, y[0], 1e-15)
	assert.InDelta(t, math.E/2, y[1], 1e-15)

	// indirect addressing
	tp := g.NewTape()
	x := []float64{9, 1, 9, 2, 0.5}
	tp.Forward(x, []int{3, 4, 1}, []float64{0, 3}, []int{1}, nil)
	assert.InDelta(t, 2*math.Sin(0.5)+3, tp.Output(0), 1e-15)
	assert.InDelta(t, math.E/2, tp.Output(1), 1e-15)
}

func TestSparsity(t *testing.T) {
	g := squarePlus()

	jac := g.JacobianSparsity()
	assert.Equal(t, []int{0, 0}, jac.Rows)
	assert.Equal(t, []int{0, 1}, jac.Cols)

	hess := g.HessianSparsity()
	assert.Equal(t, []int{0}, hess.Rows)
	assert.Equal(t, []int{0}, hess.Cols)

	g = vectorFunc()
	jac = g.JacobianSparsity()
	assert.Equal(t, []int{0, 0, 1, 1}, jac.Rows)
	assert.Equal(t, []int{0, 1, 0, 2}, jac.Cols)

	// x₀·sin(x₁) → (1,0),(1,1) ; exp(x₂)/x₀ → (0,0),(2,0),(2,2)
	hess = g.HessianSparsity()
	assert.Equal(t, []int{0, 1, 1, 2, 2}, hess.Rows)
	assert.Equal(t, []int{0, 0, 1, 0, 2}, hess.Cols)
	for k := range hess.Rows {
		assert.GreaterOrEqual(t, hess.Rows[k], hess.Cols[k])
	}
}

func TestJacobianGraph(t *testing.T) {
	g := vectorFunc()
	pat := g.JacobianSparsity()
	jg := g.JacobianGraph(pat)
	require.Equal(t, pat.Len(), jg.NY())

	x, p := []float64{2, 0.5, 1}, []float64{3}
	got := make([]float64, jg.NY())
	jg.NewTape().Eval(x, p, got)

	want := []float64{
		math.Sin(x[1]), x[0] * math.Cos(x[1]),
		-math.Exp(x[2]) / (x[0] * x[0]), math.Exp(x[2]) / x[0],
	}
	assert.InDeltaSlice(t, want, got, 1e-12)
}

func TestHessianGraph(t *testing.T) {
	g := vectorFunc()
	pat := g.HessianSparsity()
	hg := g.HessianGraph(pat)
	require.Equal(t, g.NP()+g.NY(), hg.NP())

	x, w := []float64{2, 0.5, 1}, []float64{1.5, -2}
	got := make([]float64, hg.NY())
	tp := hg.NewTape()
	tp.Forward(x, nil, []float64{3}, nil, w)
	for k := range got {
		got[k] = tp.Output(k)
	}

	e := math.Exp(x[2])
	want := []float64{
		w[1] * 2 * e / (x[0] * x[0] * x[0]), // (0,0)
		w[0] * math.Cos(x[1]),               // (1,0)
		-w[0] * x[0] * math.Sin(x[1]),       // (1,1)
		-w[1] * e / (x[0] * x[0]),           // (2,0)
		w[1] * e / x[0],                     // (2,2)
	}
	assert.InDeltaSlice(t, want, got, 1e-12)
}

func TestHash(t *testing.T) {
	assert.Equal(t, squarePlus().Hash(), squarePlus().Hash())
	assert.NotEqual(t, squarePlus().Hash(), vectorFunc().Hash())

	// dead nodes only disappear after compaction
	g := squarePlus()
	h := g.Compact().Hash()
	g.Exp(g.X(0))
	assert.NotEqual(t, h, g.Hash())
	assert.Equal(t, h, g.Compact().Hash())

	// the constant is part of the shape
	k := NewGraph(2, 0)
	k.SetOutputs(k.Add(k.Pow(k.X(0), 3), k.X(1)))
	assert.NotEqual(t, squarePlus().Hash(), k.Hash())
}

func TestPortableRoundTrip(t *testing.T) {
	g := vectorFunc()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, g))

	back, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, g.Hash(), back.Hash())

	_, err = Portable{NX: 1, Nodes: []PortableNode{{Op: "add", Args: []int{0, 1}}}, Outputs: []int{0}}.Graph()
	assert.Error(t, err)
	_, err = Portable{NX: 1, Nodes: []PortableNode{{Op: "tanh"}}, Outputs: []int{0}}.Graph()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	g := NewGraph(2, 0)
	g.X(0)
	assert.Error(t, g.Validate(), "no outputs")
	assert.Error(t, NewGraph(0, 0).Validate(), "empty domain")
	assert.NoError(t, squarePlus().Validate())
	assert.Panics(t, func() { g.X(2) })
	assert.Panics(t, func() { g.SetOutputs(Node(42)) })
}

func TestColorColumns(t *testing.T) {
	// banded pattern: row i touches columns i and i+1
	n := 6
	var p Pattern
	for i := 0; i < n-1; i++ {
		p.Rows = append(p.Rows, i, i)
		p.Cols = append(p.Cols, i, i+1)
	}
	k, colors := ColorColumns(n, p)
	assert.Less(t, k, n)
	for i := 0; i < n-1; i++ {
		assert.NotEqual(t, colors[i], colors[i+1])
	}
	groups := ColorGroups(k, colors)
	total := 0
	for _, gr := range groups {
		total += len(gr)
	}
	assert.Equal(t, n, total)
}

func TestColorColumnsDense(t *testing.T) {
	// one row touching every column needs one color per column
	p := Pattern{Rows: []int{0, 0, 0, 1}, Cols: []int{0, 1, 2, 3}}
	k, colors := ColorColumns(4, p)
	assert.Equal(t, 4, k)
	assert.Equal(t, []int{0, 1, 2, 3}, colors)

	k, colors = ColorColumns(3, Pattern{})
	assert.Equal(t, 1, k)
	assert.Equal(t, []int{0, 0, 0}, colors)
}
