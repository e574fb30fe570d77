// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mixedProblem:
//
//	min  x₀² + 2x₁ + 1 + p·x₂·x₃ + p·x₀·x₂
//	s.t. 0 ≤ x₀ + x₃ ≤ 10
//	     x₁·x₂, sin(x₁) + x₂ free
func mixedProblem(t *testing.T, opts ...Option) (*Problem, ParameterIndex) {
	t.Helper()
	p := NewProblem(opts...)
	vs := addVars(t, p, 4)
	pi, err := p.AddParameter(4)
	require.NoError(t, err)
	require.NoError(t, p.SetObjective(QuadraticExpr{
		Quad:   []QuadraticTerm{{Var1: vs[0], Var2: vs[0], Coef: 1}},
		Affine: Linear(1, LinearTerm{Var: vs[1], Coef: 2}),
	}))
	fs := register(t, p, scaled(), "scaled")
	require.NoError(t, p.AddNLObjective(fs, []VariableIndex{vs[2], vs[3]}, []ParameterIndex{pi}))
	require.NoError(t, p.AddNLObjective(fs, []VariableIndex{vs[0], vs[2]}, []ParameterIndex{pi}))
	_, err = p.AddLinearConstraint(Linear(0, LinearTerm{Var: vs[0], Coef: 1}, LinearTerm{Var: vs[3], Coef: 1}), 0, 10)
	require.NoError(t, err)
	fv := register(t, p, twoRows(), "two_rows")
	_, err = p.AddNLConstraint(fv, []VariableIndex{vs[1], vs[2]}, nil, nil, nil)
	require.NoError(t, err)
	compile(t, p)
	_, err = p.Analyze()
	require.NoError(t, err)
	return p, pi
}

var mixedX = []float64{1, 2, 3, 0.5}

func TestDispatcherValues(t *testing.T) {
	p, pi := mixedProblem(t)
	d, err := NewDispatcher(p)
	require.NoError(t, err)
	defer d.Close()
	s := d.Structure()
	x := mixedX

	f, err := d.EvalObjective(x)
	require.NoError(t, err)
	assert.InDelta(t, 24, f, 1e-12)

	assert.Equal(t, []int{0, 1, 2, 3}, s.GradCols)
	grad := make([]float64, 4)
	require.NoError(t, d.EvalObjectiveGradient(x, grad))
	assert.InDeltaSlice(t, []float64{14, 2, 6, 12}, grad, 1e-12)
	dense := make([]float64, 4)
	require.NoError(t, d.EvalObjectiveGradientDense(x, dense))
	assert.InDeltaSlice(t, []float64{14, 2, 6, 12}, dense, 1e-12)

	g := make([]float64, 3)
	require.NoError(t, d.EvalConstraint(x, g))
	assert.InDeltaSlice(t, []float64{1.5, 6, math.Sin(2) + 3}, g, 1e-12)

	rows, cols := make([]int, 6), make([]int, 6)
	require.NoError(t, d.EvalJacobian(nil, rows, cols, nil))
	assert.Equal(t, []int{0, 0, 1, 1, 2, 2}, rows)
	assert.Equal(t, []int{0, 3, 1, 2, 1, 2}, cols)
	jac := make([]float64, 6)
	require.NoError(t, d.EvalJacobian(x, nil, nil, jac))
	assert.InDeltaSlice(t, []float64{1, 1, 3, 2, math.Cos(2), 1}, jac, 1e-12)

	assert.Equal(t, []int{0, 1, 2, 3, 2}, s.HessRows)
	assert.Equal(t, []int{0, 1, 1, 2, 0}, s.HessCols)
	hess := make([]float64, 5)
	require.NoError(t, d.EvalHessian(x, 2, []float64{5, 7, 11}, nil, nil, hess))
	assert.InDeltaSlice(t, []float64{4, -11 * math.Sin(2), 7, 8, 8}, hess, 1e-12)

	h := s.DenseHessian(hess)
	assert.InDelta(t, 8, h.At(0, 2), 1e-12)
	assert.InDelta(t, 7, h.At(1, 2), 1e-12)
	j := s.DenseJacobian(jac)
	assert.InDelta(t, math.Cos(2), j.At(2, 1), 1e-12)
	assert.Zero(t, j.At(0, 1))

	// parameters stay writable while frozen
	require.NoError(t, p.SetParameter(pi, 1))
	f, err = d.EvalObjective(x)
	require.NoError(t, err)
	assert.InDelta(t, 10.5, f, 1e-12)
}

func TestDispatcherParallel(t *testing.T) {
	serial, _ := mixedProblem(t, WithWorkers(1))
	parallel, _ := mixedProblem(t, WithWorkers(3), WithParallelThreshold(1))

	ds, err := NewDispatcher(serial)
	require.NoError(t, err)
	defer ds.Close()
	dp, err := NewDispatcher(parallel)
	require.NoError(t, err)
	defer dp.Close()
	require.NotNil(t, dp.hessBuf)
	require.Nil(t, ds.hessBuf)

	lambda := []float64{-1, 0.25, 3}
	for _, x := range [][]float64{mixedX, {-2, 0.1, 4, 1}, {0, 0, 0, 0}} {
		hs, hp := make([]float64, 5), make([]float64, 5)
		require.NoError(t, ds.EvalHessian(x, 0.5, lambda, nil, nil, hs))
		require.NoError(t, dp.EvalHessian(x, 0.5, lambda, nil, nil, hp))
		assert.InDeltaSlice(t, hs, hp, 1e-12)

		js, jp := make([]float64, 6), make([]float64, 6)
		require.NoError(t, ds.EvalJacobian(x, nil, nil, js))
		require.NoError(t, dp.EvalJacobian(x, nil, nil, jp))
		assert.Equal(t, js, jp)
	}
}

func TestDispatcherManyInstances(t *testing.T) {
	const n = 64
	build := func(opts ...Option) *Dispatcher {
		p := NewProblem(opts...)
		vs := addVars(t, p, n)
		fi := register(t, p, twoRows(), "two_rows")
		for i := range n {
			_, err := p.AddNLConstraint(fi, []VariableIndex{vs[i], vs[(i*7+3)%n]}, nil, nil, nil)
			require.NoError(t, err)
		}
		compile(t, p)
		_, err := p.Analyze()
		require.NoError(t, err)
		d, err := NewDispatcher(p)
		require.NoError(t, err)
		return d
	}
	ds := build(WithWorkers(1))
	dp := build(WithWorkers(4), WithParallelThreshold(8))
	defer ds.Close()
	defer dp.Close()

	x := make([]float64, n)
	lambda := make([]float64, 2*n)
	for i := range x {
		x[i] = math.Sin(float64(i))
	}
	for i := range lambda {
		lambda[i] = float64(i%5) - 2
	}
	s := ds.Structure()
	hs, hp := make([]float64, len(s.HessRows)), make([]float64, len(s.HessRows))
	require.NoError(t, ds.EvalHessian(x, 1, lambda, nil, nil, hs))
	require.NoError(t, dp.EvalHessian(x, 1, lambda, nil, nil, hp))
	assert.InDeltaSlice(t, hs, hp, 1e-12)

	js, jp := make([]float64, len(s.JacRows)), make([]float64, len(s.JacRows))
	require.NoError(t, ds.EvalJacobian(x, nil, nil, js))
	require.NoError(t, dp.EvalJacobian(x, nil, nil, jp))
	assert.Equal(t, js, jp)
}

func TestAliasedBinding(t *testing.T) {
	p := NewProblem()
	vs := addVars(t, p, 1)
	fi := register(t, p, bilinear(1), "bilinear")
	require.NoError(t, p.AddNLObjective(fi, []VariableIndex{vs[0], vs[0]}, nil))
	_, err := p.AddNLConstraint(fi, []VariableIndex{vs[0], vs[0]}, nil, nil, nil)
	require.NoError(t, err)
	compile(t, p)
	s, err := p.Analyze()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, s.HessRows)
	assert.Equal(t, []int{0, 0}, s.JacCols)

	d, err := NewDispatcher(p)
	require.NoError(t, err)
	defer d.Close()
	assert.Len(t, d.alia, 2)

	x := []float64{3}
	f, err := d.EvalObjective(x)
	require.NoError(t, err)
	assert.InDelta(t, 9, f, 1e-12)

	grad := make([]float64, 1)
	require.NoError(t, d.EvalObjectiveGradient(x, grad))
	assert.InDelta(t, 6, grad[0], 1e-12)

	jac := make([]float64, 2)
	require.NoError(t, d.EvalJacobian(x, nil, nil, jac))
	rows, cols, index := s.UniqueJacobian()
	assert.Equal(t, []int{0}, rows)
	assert.Equal(t, []int{0}, cols)
	merged := make([]float64, 1)
	Accumulate(index, jac, merged)
	assert.InDelta(t, 6, merged[0], 1e-12)

	// d²(v²)/dv² = 2 for both the objective and the constraint
	hess := make([]float64, 1)
	require.NoError(t, d.EvalHessian(x, 1.5, []float64{0.5}, nil, nil, hess))
	assert.InDelta(t, 2*1.5+2*0.5, hess[0], 1e-12)
}

func TestEvalPreconditions(t *testing.T) {
	p, _ := mixedProblem(t)
	d, err := NewDispatcher(p)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.EvalObjective([]float64{1})
	assert.True(t, IsKind(err, Precondition))
	assert.True(t, IsKind(d.EvalObjectiveGradient(mixedX, make([]float64, 3)), Precondition))
	assert.True(t, IsKind(d.EvalConstraint(mixedX, make([]float64, 2)), Precondition))
	assert.True(t, IsKind(d.EvalJacobian(mixedX, make([]int, 1), make([]int, 1), nil), Precondition))
	assert.True(t, IsKind(d.EvalHessian(mixedX, 1, []float64{1}, nil, nil, make([]float64, 5)), Precondition))
}

func TestCheckDerivatives(t *testing.T) {
	p, _ := mixedProblem(t)
	d, err := NewDispatcher(p)
	require.NoError(t, err)
	defer d.Close()

	rep, err := CheckDerivatives(d, mixedX)
	require.NoError(t, err)
	assert.True(t, rep.OK(1e-6), "%+v", rep)
	assert.GreaterOrEqual(t, rep.GradientCol, 0)
	assert.GreaterOrEqual(t, rep.JacobianRow, 0)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p, _ := mixedProblem(t, WithMetrics(m))
	d, err := NewDispatcher(p)
	require.NoError(t, err)
	defer d.Close()

	hess := make([]float64, 5)
	require.NoError(t, d.EvalHessian(mixedX, 1, []float64{1, 1, 1}, nil, nil, hess))
	require.NoError(t, d.EvalHessian(mixedX, 1, []float64{1, 1, 1}, nil, nil, hess))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.evaluations.WithLabelValues("hessian")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.groups))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.nonzeros.WithLabelValues("hessian")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.nonzeros.WithLabelValues("jacobian")))
}
