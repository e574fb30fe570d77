// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"context"
	"testing"

	"github.com/curioloop/optinterface/autodiff"
	"github.com/curioloop/optinterface/jit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// y = x₀² + x₁
func squarePlus() *autodiff.Graph {
	g := autodiff.NewGraph(2, 0)
	g.SetOutputs(g.Add(g.Square(g.X(0)), g.X(1)))
	return g
}

// y = c·x₀·x₁
func bilinear(c float64) *autodiff.Graph {
	g := autodiff.NewGraph(2, 0)
	g.SetOutputs(g.Mul(g.Const(c), g.Mul(g.X(0), g.X(1))))
	return g
}

// y = p₀·x₀·x₁
func scaled() *autodiff.Graph {
	g := autodiff.NewGraph(2, 1)
	g.SetOutputs(g.Mul(g.Mul(g.P(0), g.X(0)), g.X(1)))
	return g
}

// y₀ = x₀·x₁, y₁ = sin(x₀) + x₁
func twoRows() *autodiff.Graph {
	g := autodiff.NewGraph(2, 0)
	x0, x1 := g.X(0), g.X(1)
	g.SetOutputs(g.Mul(x0, x1), g.Add(g.Sin(x0), x1))
	return g
}

func addVars(t *testing.T, p *Problem, n int) []VariableIndex {
	t.Helper()
	vs := make([]VariableIndex, n)
	for i := range vs {
		v, err := p.AddVariable(-10, 10, 0)
		require.NoError(t, err)
		vs[i] = v
	}
	return vs
}

func register(t *testing.T, p *Problem, g *autodiff.Graph, name string) FunctionIndex {
	t.Helper()
	fi, err := p.RegisterFunction(g, name)
	require.NoError(t, err)
	return fi
}

func compile(t *testing.T, p *Problem) {
	t.Helper()
	require.NoError(t, p.Compile(context.Background(), jit.Interpreter{}))
}

func TestRegisterFunction(t *testing.T) {
	p := NewProblem()
	fi := register(t, p, twoRows(), "two rows")
	tp, err := p.Template(fi)
	require.NoError(t, err)

	assert.Equal(t, 2, tp.NX)
	assert.Equal(t, 2, tp.NY)
	assert.False(t, tp.HasParameter)
	assert.Equal(t, []int{0, 0, 1, 1}, tp.JacRows)
	assert.Equal(t, []int{0, 1, 0, 1}, tp.JacCols)
	assert.Equal(t, []int{0, 1}, tp.HessRows)
	assert.Equal(t, []int{0, 0}, tp.HessCols)
	assert.NotNil(t, tp.JacobianGraph)
	assert.NotNil(t, tp.HessianGraph)
	assert.Equal(t, "two_rows_0", tp.Unit().Name)
	assert.False(t, tp.Unit().Gradient)

	// linear function: no Hessian graph
	g := autodiff.NewGraph(2, 0)
	g.SetOutputs(g.Sub(g.X(0), g.X(1)))
	lin, err := p.Template(register(t, p, g, ""))
	require.NoError(t, err)
	assert.Zero(t, lin.HessNNZ())
	assert.Nil(t, lin.HessianGraph)
	assert.Equal(t, "f_1", lin.Unit().Name)

	_, err = p.RegisterFunction(autodiff.NewGraph(1, 0), "empty")
	assert.True(t, IsKind(err, Precondition))
	_, err = p.RegisterFunction(nil, "nil")
	assert.True(t, IsKind(err, Precondition))
}

func TestKernelsAssignment(t *testing.T) {
	p := NewProblem()
	fi := register(t, p, scaled(), "scaled")
	compile(t, p)
	tp, _ := p.Template(fi)
	require.NotNil(t, tp.Kernels())
	assert.True(t, tp.Kernels().HasParameter)

	// compiled templates are skipped, assignment happens once
	compile(t, p)
	assert.True(t, IsKind(p.SetKernels(fi, tp.Kernels()), Precondition))

	q := NewProblem()
	fq := register(t, q, squarePlus(), "sq")
	assert.Error(t, q.SetKernels(fq, &jit.Kernels{HasParameter: true}))
	assert.Error(t, q.SetKernels(fq, &jit.Kernels{F: func(x, y []float64, xi []int) {}}), "missing Jacobian")
}

func TestInstancePreconditions(t *testing.T) {
	p := NewProblem()
	vs := addVars(t, p, 3)
	pi, err := p.AddParameter(2)
	require.NoError(t, err)
	fs := register(t, p, scaled(), "scaled")
	fv := register(t, p, twoRows(), "vec")

	_, err = p.AddNLConstraint(fs, vs[:1], []ParameterIndex{pi}, nil, nil)
	assert.True(t, IsKind(err, Precondition), "variable arity")
	_, err = p.AddNLConstraint(fs, vs[:2], nil, nil, nil)
	assert.True(t, IsKind(err, Precondition), "parameter arity")
	_, err = p.AddNLConstraint(fs, vs[:2], []ParameterIndex{7}, nil, nil)
	assert.True(t, IsKind(err, Precondition), "unknown parameter")
	_, err = p.AddNLConstraint(fv, vs[:2], nil, []float64{0}, nil)
	assert.True(t, IsKind(err, Precondition), "bound arity")
	_, err = p.AddNLConstraint(fv, vs[:2], nil, []float64{1, 1}, []float64{0, 2})
	assert.True(t, IsKind(err, Precondition), "crossed bounds")
	assert.True(t, IsKind(p.AddNLObjective(fv, vs[:2], nil), Precondition), "vector objective")
	_, err = p.AddNLConstraint(FunctionIndex(9), vs[:2], nil, nil, nil)
	assert.True(t, IsKind(err, Precondition), "unknown function")

	require.NoError(t, p.DeleteVariable(vs[2]))
	_, err = p.AddNLConstraint(fv, []VariableIndex{vs[0], vs[2]}, nil, nil, nil)
	assert.True(t, IsKind(err, Precondition), "deleted variable")

	h, err := p.AddNLConstraint(fv, vs[:2], nil, []float64{0, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, NLConstraintIndex{Index: 0, Row: 0, Dim: 2}, h)
	lb, ub, err := p.NLConstraintBounds(h)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, lb)
	assert.True(t, ub[0] > 1e300 && ub[1] > 1e300)
}

func TestExprNormalize(t *testing.T) {
	e := QuadraticExpr{
		Quad: []QuadraticTerm{{Var1: 2, Var2: 1, Coef: 1}, {Var1: 1, Var2: 2, Coef: 2}, {Var1: 0, Var2: 0, Coef: 0}},
		Affine: AffineExpr{
			Terms:    []LinearTerm{{Var: 3, Coef: 1}, {Var: 1, Coef: 2}, {Var: 3, Coef: -1}},
			Constant: 4,
		},
	}.normalize()
	assert.Equal(t, []QuadraticTerm{{Var1: 1, Var2: 2, Coef: 3}}, e.Quad)
	assert.Equal(t, []LinearTerm{{Var: 1, Coef: 2}}, e.Affine.Terms)
	assert.Equal(t, 4+2*2+3*2*3.0, e.Value([]float64{0, 2, 3, 5}))

	cols := QuadraticExpr{Quad: []QuadraticTerm{{Var1: 0, Var2: 0, Coef: 1.5}, {Var1: 0, Var2: 1, Coef: 2}},
		Affine: Linear(0, LinearTerm{Var: 1, Coef: 4})}.gradient()
	require.Len(t, cols, 2)
	assert.Equal(t, []LinearTerm{{Var: 0, Coef: 3}, {Var: 1, Coef: 2}}, cols[0].terms)
	assert.Equal(t, 4.0, cols[1].constant)
	assert.Equal(t, []LinearTerm{{Var: 0, Coef: 2}}, cols[1].terms)
}

func TestFreeze(t *testing.T) {
	p := NewProblem()
	vs := addVars(t, p, 2)
	fi := register(t, p, squarePlus(), "sq")
	require.NoError(t, p.AddNLObjective(fi, vs, nil))
	compile(t, p)

	_, err := NewDispatcher(p)
	assert.True(t, IsKind(err, Precondition), "never analyzed")

	_, err = p.Analyze()
	require.NoError(t, err)
	d, err := NewDispatcher(p)
	require.NoError(t, err)
	assert.True(t, p.Frozen())

	_, err = p.AddVariable(0, 1, 0)
	assert.True(t, IsKind(err, Precondition))
	assert.True(t, IsKind(p.AddNLObjective(fi, vs, nil), Precondition))
	_, err = p.RegisterFunction(squarePlus(), "again")
	assert.True(t, IsKind(err, Precondition))

	d.Close()
	d.Close()
	assert.False(t, p.Frozen())
	_, err = d.EvalObjective([]float64{0, 0})
	assert.True(t, IsKind(err, Precondition), "closed")

	_, err = p.AddVariable(0, 1, 0)
	require.NoError(t, err)
	_, err = NewDispatcher(p)
	assert.True(t, IsKind(err, Precondition), "stale structure")
}

func TestMissingKernels(t *testing.T) {
	p := NewProblem()
	vs := addVars(t, p, 2)
	fi := register(t, p, squarePlus(), "sq")
	require.NoError(t, p.AddNLObjective(fi, vs, nil))
	_, err := p.Analyze()
	require.NoError(t, err)
	_, err = NewDispatcher(p)
	assert.True(t, IsKind(err, Precondition))
}
