// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateGroups(t *testing.T) {
	p := NewProblem()
	vs := addVars(t, p, 4)
	fa := register(t, p, squarePlus(), "a")
	fb := register(t, p, squarePlus(), "b")
	fc := register(t, p, bilinear(1), "c")

	ta, _ := p.Template(fa)
	tb, _ := p.Template(fb)
	tc, _ := p.Template(fc)
	assert.Equal(t, ta.ShapeHash(), tb.ShapeHash())
	assert.NotEqual(t, ta.ShapeHash(), tc.ShapeHash())

	_, err := p.AddNLConstraint(fa, vs[0:2], nil, nil, nil)
	require.NoError(t, err)
	_, err = p.AddNLConstraint(fb, vs[2:4], nil, nil, nil)
	require.NoError(t, err)
	_, err = p.AddNLConstraint(fc, []VariableIndex{vs[0], vs[2]}, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.AddNLObjective(fa, vs[1:3], nil))

	require.Equal(t, 3, p.AggregateGroups())
	groups := p.Groups()

	assert.Equal(t, RoleConstraint, groups[0].Role)
	assert.Equal(t, fa, groups[0].Func)
	assert.Equal(t, []int{0, 1}, groups[0].Instances)
	assert.Equal(t, 0, groups[0].Representative)

	assert.Equal(t, fc, groups[1].Func)
	assert.Equal(t, []int{2}, groups[1].Instances)

	assert.Equal(t, RoleObjective, groups[2].Role)
	assert.Equal(t, []int{0}, groups[2].Instances)
	assert.NotEqual(t, groups[0].Key, groups[2].Key)

	in, err := p.NLConstraint(NLConstraintIndex{Index: 1})
	require.NoError(t, err)
	g, order := in.Group()
	assert.Equal(t, 0, g)
	assert.Equal(t, 1, order)

	// only new instances are visited
	assert.Equal(t, 3, p.AggregateGroups())
	_, err = p.AddNLConstraint(fb, vs[1:3], nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, p.AggregateGroups())
	assert.Equal(t, []int{0, 1, 3}, groups[0].Instances)
}

// rowProblem has 2 linear rows, 1 quadratic row and five nonlinear constraints over two
// templates registered in interleaved order.
func rowProblem(t *testing.T) (*Problem, []VariableIndex, []NLConstraintIndex, FunctionIndex) {
	t.Helper()
	p := NewProblem()
	vs := addVars(t, p, 6)
	_, err := p.AddLinearConstraint(Linear(0, LinearTerm{Var: vs[0], Coef: 1}, LinearTerm{Var: vs[1], Coef: 1}), 0, 1)
	require.NoError(t, err)
	_, err = p.AddLinearConstraint(Linear(0, LinearTerm{Var: vs[2], Coef: 2}), -1, -1)
	require.NoError(t, err)
	_, err = p.AddQuadraticConstraint(QuadraticExpr{
		Quad:   []QuadraticTerm{{Var1: vs[0], Var2: vs[1], Coef: 1}},
		Affine: Linear(0, LinearTerm{Var: vs[3], Coef: 1}),
	}, 0, 5)
	require.NoError(t, err)

	fa := register(t, p, twoRows(), "a")
	fb := register(t, p, squarePlus(), "b")
	bind := []struct {
		f  FunctionIndex
		xs []VariableIndex
	}{
		{fa, []VariableIndex{vs[0], vs[1]}},
		{fb, []VariableIndex{vs[2], vs[3]}},
		{fa, []VariableIndex{vs[4], vs[5]}},
		{fb, []VariableIndex{vs[1], vs[2]}},
		{fa, []VariableIndex{vs[3], vs[0]}},
	}
	hs := make([]NLConstraintIndex, len(bind))
	for k, b := range bind {
		hs[k], err = p.AddNLConstraint(b.f, b.xs, nil, nil, []float64{float64(k), float64(k)}[:p.templates[b.f].NY])
		require.NoError(t, err)
	}
	return p, vs, hs, fb
}

func TestRowMapping(t *testing.T) {
	p, vs, hs, fb := rowProblem(t)

	assert.Equal(t, []int{0, 2, 3, 5, 6}, []int{hs[0].Row, hs[1].Row, hs[2].Row, hs[3].Row, hs[4].Row})
	assert.Equal(t, []int{2, 1, 2, 1, 2}, []int{hs[0].Dim, hs[1].Dim, hs[2].Dim, hs[3].Dim, hs[4].Dim})

	s, err := p.Analyze()
	require.NoError(t, err)

	// L + Q + group base + order·ny
	assert.Equal(t, []int{3, 9, 5, 10, 7}, s.NLRows)
	assert.Equal(t, 2, s.NumLinear)
	assert.Equal(t, 1, s.NumQuadratic)
	assert.Equal(t, 8, s.NumNonlinear)
	assert.Equal(t, 11, s.NumConstraints())
	assert.Len(t, s.ConLB, 11)
	assert.Len(t, s.ConUB, 11)
	for k, h := range hs {
		assert.Equal(t, s.NLRows[k], s.NLRow(h))
		in, _ := p.NLConstraint(h)
		assert.Equal(t, s.NLRows[k], in.YStart)
		assert.Equal(t, float64(k), s.ConUB[in.YStart])
	}
	assert.Equal(t, []float64{-1, -1}, []float64{s.ConLB[1], s.ConUB[1]})

	assert.Equal(t, []int{0, 0, 1, 2, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10}, s.JacRows)
	assert.Equal(t, []int{0, 1, 2, 0, 1, 3, 0, 1, 0, 1, 4, 5, 4, 5, 3, 0, 3, 0, 2, 3, 1, 2}, s.JacCols)
	assert.Equal(t, []int{6, 10, 14}, p.Groups()[0].JacobianOffset)
	assert.Equal(t, []int{18, 20}, p.Groups()[1].JacobianOffset)

	// the quadratic row owns the first Hessian slot
	assert.Equal(t, 1, s.HessRows[0])
	assert.Equal(t, 0, s.HessCols[0])

	// late instances join the existing group and rows are recomputed
	h5, err := p.AddNLConstraint(fb, vs[4:6], nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, h5.Row)
	s, err = p.Analyze()
	require.NoError(t, err)
	assert.Equal(t, 2, len(p.Groups()))
	assert.Equal(t, []int{3, 9, 5, 10, 7, 11}, s.NLRows)
	assert.Equal(t, 12, s.NumConstraints())
}

func TestAnalyzeIdempotent(t *testing.T) {
	p, _, _, _ := rowProblem(t)
	s1, err := p.Analyze()
	require.NoError(t, err)
	s2, err := p.Analyze()
	require.NoError(t, err)

	assert.Equal(t, s1.JacRows, s2.JacRows)
	assert.Equal(t, s1.JacCols, s2.JacCols)
	assert.Equal(t, s1.HessRows, s2.HessRows)
	assert.Equal(t, s1.HessCols, s2.HessCols)
	assert.Equal(t, s1.GradCols, s2.GradCols)
	assert.Equal(t, s1.NLRows, s2.NLRows)
	assert.Equal(t, s1.ConLB, s2.ConLB)
	assert.Equal(t, s1.ConUB, s2.ConUB)
	assert.Len(t, p.Groups()[0].HessianIndices, 3)
}

func TestLinearQuadraticJacobian(t *testing.T) {
	p := NewProblem()
	vs := addVars(t, p, 3)
	_, err := p.AddLinearConstraint(Linear(1, LinearTerm{Var: vs[0], Coef: 1}, LinearTerm{Var: vs[2], Coef: 3}), 0, 0)
	require.NoError(t, err)
	_, err = p.AddQuadraticConstraint(QuadraticExpr{
		Quad:   []QuadraticTerm{{Var1: vs[0], Var2: vs[0], Coef: 1}, {Var1: vs[0], Var2: vs[2], Coef: 2}},
		Affine: Linear(0, LinearTerm{Var: vs[0], Coef: 5}, LinearTerm{Var: vs[1], Coef: -1}),
	}, 0, 4)
	require.NoError(t, err)
	s, err := p.Analyze()
	require.NoError(t, err)

	// no (row, col) pair is shared when nothing binds a variable twice
	rows, _, _ := s.UniqueJacobian()
	assert.Len(t, rows, len(s.JacRows))
	assert.Equal(t, []int{0, 0, 1, 1, 1}, s.JacRows)
	assert.Equal(t, []int{0, 2, 0, 1, 2}, s.JacCols)

	compile(t, p)
	d, err := NewDispatcher(p)
	require.NoError(t, err)
	defer d.Close()

	x := []float64{2, 7, -1}
	values := make([]float64, 5)
	require.NoError(t, d.EvalJacobian(x, nil, nil, values))
	// ∂/∂x₀ = 2x₀ + 2x₂ + 5, ∂/∂x₂ = 2x₀
	assert.InDeltaSlice(t, []float64{1, 3, 7, -1, 4}, values, 1e-12)

	g := make([]float64, 2)
	require.NoError(t, d.EvalConstraint(x, g))
	assert.InDeltaSlice(t, []float64{0, 4 - 4 + 10 - 7}, g, 1e-12)

	lambda := []float64{3, 2}
	hv := make([]float64, len(s.HessRows))
	require.NoError(t, d.EvalHessian(x, 1, lambda, nil, nil, hv))
	h := s.DenseHessian(hv)
	assert.InDelta(t, 4, h.At(0, 0), 1e-12)
	assert.InDelta(t, 4, h.At(2, 0), 1e-12)
	assert.InDelta(t, 4, h.At(0, 2), 1e-12)
	assert.Zero(t, h.At(1, 1))
}

func TestHessianDeduplication(t *testing.T) {
	p := NewProblem()
	vs := addVars(t, p, 2)
	require.NoError(t, p.SetObjective(QuadraticExpr{Quad: []QuadraticTerm{{Var1: vs[0], Var2: vs[1], Coef: 3}}}))
	fi := register(t, p, bilinear(2), "bilinear")
	_, err := p.AddNLConstraint(fi, vs, nil, nil, nil)
	require.NoError(t, err)
	compile(t, p)

	s, err := p.Analyze()
	require.NoError(t, err)
	require.Equal(t, []int{1}, s.HessRows)
	require.Equal(t, []int{0}, s.HessCols)
	assert.Equal(t, [][]int{{0}}, p.Groups()[0].HessianIndices)

	d, err := NewDispatcher(p)
	require.NoError(t, err)
	defer d.Close()
	values := make([]float64, 1)
	require.NoError(t, d.EvalHessian([]float64{0.3, -2}, 1, []float64{1}, nil, nil, values))
	assert.InDelta(t, 5, values[0], 1e-12)
}

func TestUpperTriangle(t *testing.T) {
	p := NewProblem(WithHessianTriangle(Upper))
	vs := addVars(t, p, 2)
	require.NoError(t, p.SetObjective(QuadraticExpr{Quad: []QuadraticTerm{{Var1: vs[1], Var2: vs[0], Coef: 1}}}))
	fi := register(t, p, bilinear(1), "bilinear")
	require.NoError(t, p.AddNLObjective(fi, []VariableIndex{vs[1], vs[0]}, nil))
	compile(t, p)

	s, err := p.Analyze()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, s.HessRows)
	assert.Equal(t, []int{1}, s.HessCols)

	d, err := NewDispatcher(p)
	require.NoError(t, err)
	defer d.Close()
	values := make([]float64, 1)
	require.NoError(t, d.EvalHessian([]float64{1, 1}, 2, nil, nil, nil, values))
	assert.InDelta(t, 4, values[0], 1e-12)
}

func TestSharedTemplateScenario(t *testing.T) {
	p := NewProblem()
	vs := addVars(t, p, 4)
	fi := register(t, p, squarePlus(), "square_plus")
	_, err := p.AddNLConstraint(fi, vs[0:2], nil, nil, nil)
	require.NoError(t, err)
	_, err = p.AddNLConstraint(fi, vs[2:4], nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.SetObjective(QuadraticExpr{Quad: []QuadraticTerm{{Var1: vs[1], Var2: vs[1], Coef: 1}}}))
	compile(t, p)

	s, err := p.Analyze()
	require.NoError(t, err)
	require.Len(t, p.Groups(), 1)
	assert.Len(t, p.Groups()[0].Instances, 2)
	assert.Equal(t, []int{1, 0, 2}, s.HessRows)
	assert.Equal(t, []int{1, 0, 2}, s.HessCols)

	d, err := NewDispatcher(p)
	require.NoError(t, err)
	defer d.Close()

	x := []float64{1, 2, 3, 4}
	g := make([]float64, 2)
	require.NoError(t, d.EvalConstraint(x, g))
	assert.Equal(t, []float64{3, 13}, g)

	rows, cols := make([]int, 4), make([]int, 4)
	jac := make([]float64, 4)
	require.NoError(t, d.EvalJacobian(x, rows, cols, jac))
	assert.Equal(t, []int{0, 0, 1, 1}, rows)
	assert.Equal(t, []int{0, 1, 2, 3}, cols)
	assert.InDeltaSlice(t, []float64{2, 1, 6, 1}, jac, 1e-12)

	hv := make([]float64, 3)
	require.NoError(t, d.EvalHessian(x, 1, []float64{1, 1}, nil, nil, hv))
	assert.InDeltaSlice(t, []float64{2, 2, 2}, hv, 1e-12)

	f, err := d.EvalObjective(x)
	require.NoError(t, err)
	assert.Equal(t, 4.0, f)
}

func TestAnalyzeDeletedVariable(t *testing.T) {
	p := NewProblem()
	vs := addVars(t, p, 2)
	fi := register(t, p, squarePlus(), "sq")
	_, err := p.AddNLConstraint(fi, vs, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.DeleteVariable(vs[1]))
	_, err = p.Analyze()
	assert.True(t, IsKind(err, Precondition))
}

func TestCoalesce(t *testing.T) {
	rows := []int{2, 0, 2, 1, 0}
	cols := []int{1, 3, 1, 0, 3}
	ur, uc, index := Coalesce(rows, cols)
	assert.Equal(t, []int{0, 1, 2}, ur)
	assert.Equal(t, []int{3, 0, 1}, uc)
	assert.Equal(t, []int{2, 0, 2, 1, 0}, index)

	out := make([]float64, 3)
	Accumulate(index, []float64{1, 2, 3, 4, 5}, out)
	assert.Equal(t, []float64{7, 4, 4}, out)
}

// Readers of a frozen structure share one coalesced index.
func TestUniqueJacobianConcurrent(t *testing.T) {
	s := &Structure{JacRows: []int{1, 0, 1, 0}, JacCols: []int{2, 0, 2, 1}}

	const readers = 8
	var wg sync.WaitGroup
	got := make([][3][]int, readers)
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, c, idx := s.UniqueJacobian()
			got[i] = [3][]int{r, c, idx}
		}()
	}
	wg.Wait()

	for _, g := range got {
		assert.Equal(t, []int{0, 0, 1}, g[0])
		assert.Equal(t, []int{0, 1, 2}, g[1])
		assert.Equal(t, []int{2, 0, 2, 1}, g[2])
		assert.Same(t, &got[0][2][0], &g[2][0])
	}
}
