// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nlcore aggregates nonlinear model contributions and dispatches derivative evaluation.
//
// A Problem owns variables, parameters, linear and quadratic constraints, an objective and
// instances of registered nonlinear templates:
//
//	min   𝒇₀(𝐱) + ∑ᵢ 𝒐ᵢ(𝐱[xsᵢ]; 𝐩[psᵢ])
//	s.t.  𝒍 ≤ 𝐀𝐱 ≤ 𝒖                          linear rows
//	      𝒍 ≤ 𝐱ᵀ𝐐ₖ𝐱 + 𝐚ₖᵀ𝐱 ≤ 𝒖                quadratic rows
//	      𝒍 ≤ 𝒈ⱼ(𝐱[xsⱼ]; 𝐩[psⱼ]) ≤ 𝒖            nonlinear rows
//
// Instances sharing a template shape are grouped so each group evaluates through one set of
// compiled kernels. Analyze freezes the global sparse layout, a Dispatcher then serves the
// callbacks of a sparse NLP solver against it.
package nlcore

import (
	"math"
	"slices"
)

type (
	VariableIndex  int
	ParameterIndex int
	FunctionIndex  int
)

// ConstraintType distinguishes the analytic constraint kinds.
type ConstraintType int

const (
	LinearConstraint ConstraintType = iota
	QuadraticConstraint
)

// ConstraintIndex is the handle of a linear or quadratic constraint.
type ConstraintIndex struct {
	Type  ConstraintType
	Index int
}

// NLConstraintIndex is the handle of a nonlinear constraint instance.
// Row is provisional, counted among nonlinear rows in registration order;
// the final global row is known after Analyze (see Structure.NLRow).
type NLConstraintIndex struct {
	Index int
	Row   int
	Dim   int
}

type variable struct {
	lb, ub, start float64
	active        bool
}

// Problem is the nonlinear model under construction.
// It is not safe for concurrent mutation.
type Problem struct {
	opts Options

	vars   []variable
	params []float64

	linear    []linearRow
	quadratic []quadraticRow
	objective QuadraticExpr

	templates []*Template
	registry
	aggregator

	version  uint64 // bumped by every structural mutation
	frozen   int
	analysis *Structure
}

// NewProblem creates an empty problem.
func NewProblem(opts ...Option) *Problem {
	p := &Problem{opts: newOptions(opts)}
	p.aggregator.groupOf = make(map[uint64]int)
	return p
}

// Options returns the effective options.
func (p *Problem) Options() Options { return p.opts }

func (p *Problem) mutate(op string) error {
	if p.frozen > 0 {
		return precondition(op, "problem is frozen by an active dispatcher")
	}
	p.version++
	return nil
}

// Freeze forbids structural mutation until the matching Thaw.
func (p *Problem) Freeze() { p.frozen++ }

// Thaw releases one Freeze.
func (p *Problem) Thaw() {
	if p.frozen > 0 {
		p.frozen--
	}
}

// Frozen reports whether a dispatcher currently holds the problem.
func (p *Problem) Frozen() bool { return p.frozen > 0 }

// AddVariable appends a variable with bounds and a start value.
// NaN bounds mean unbounded.
func (p *Problem) AddVariable(lb, ub, start float64) (VariableIndex, error) {
	if err := p.mutate("AddVariable"); err != nil {
		return -1, err
	}
	lb, ub = normBounds(lb, ub)
	if lb > ub {
		return -1, precondition("AddVariable", "lower bound %g exceeds upper bound %g", lb, ub)
	}
	p.vars = append(p.vars, variable{lb: lb, ub: ub, start: start, active: true})
	return VariableIndex(len(p.vars) - 1), nil
}

// DeleteVariable marks the variable inactive; its slot is never reused.
func (p *Problem) DeleteVariable(v VariableIndex) error {
	if err := p.checkVar("DeleteVariable", v); err != nil {
		return err
	}
	if err := p.mutate("DeleteVariable"); err != nil {
		return err
	}
	p.vars[v].active = false
	return nil
}

func (p *Problem) checkVar(op string, v VariableIndex) error {
	switch {
	case v < 0 || int(v) >= len(p.vars):
		return precondition(op, "variable %d does not exist", v)
	case !p.vars[v].active:
		return precondition(op, "variable %d is deleted", v)
	}
	return nil
}

// IsActive reports whether v exists and was not deleted.
func (p *Problem) IsActive(v VariableIndex) bool {
	return v >= 0 && int(v) < len(p.vars) && p.vars[v].active
}

// NumVariables counts every issued variable slot, deleted ones included.
func (p *Problem) NumVariables() int { return len(p.vars) }

func (p *Problem) SetVariableBounds(v VariableIndex, lb, ub float64) error {
	if err := p.checkVar("SetVariableBounds", v); err != nil {
		return err
	}
	lb, ub = normBounds(lb, ub)
	if lb > ub {
		return precondition("SetVariableBounds", "lower bound %g exceeds upper bound %g", lb, ub)
	}
	p.vars[v].lb, p.vars[v].ub = lb, ub
	return nil
}

func (p *Problem) VariableBounds(v VariableIndex) (lb, ub float64) {
	return p.vars[v].lb, p.vars[v].ub
}

func (p *Problem) SetVariableStart(v VariableIndex, x float64) error {
	if err := p.checkVar("SetVariableStart", v); err != nil {
		return err
	}
	p.vars[v].start = x
	return nil
}

// StartPoint returns the start values of every variable slot, zero for deleted ones.
func (p *Problem) StartPoint() []float64 {
	x := make([]float64, len(p.vars))
	for i, v := range p.vars {
		if v.active {
			x[i] = v.start
		}
	}
	return x
}

// AddParameter appends a parameter read by parameterised kernels at evaluation time.
func (p *Problem) AddParameter(value float64) (ParameterIndex, error) {
	if err := p.mutate("AddParameter"); err != nil {
		return -1, err
	}
	p.params = append(p.params, value)
	return ParameterIndex(len(p.params) - 1), nil
}

// SetParameter changes a parameter value. It is allowed on a frozen problem
// since the structure does not depend on parameter values.
func (p *Problem) SetParameter(pi ParameterIndex, value float64) error {
	if pi < 0 || int(pi) >= len(p.params) {
		return precondition("SetParameter", "parameter %d does not exist", pi)
	}
	p.params[pi] = value
	return nil
}

func (p *Problem) Parameter(pi ParameterIndex) float64 { return p.params[pi] }

func (p *Problem) NumParameters() int { return len(p.params) }

// AddLinearConstraint adds lb ≤ expr ≤ ub.
func (p *Problem) AddLinearConstraint(expr AffineExpr, lb, ub float64) (ConstraintIndex, error) {
	const op = "AddLinearConstraint"
	if err := p.checkTerms(op, expr.Terms, nil); err != nil {
		return ConstraintIndex{}, err
	}
	lb, ub = normBounds(lb, ub)
	if lb > ub {
		return ConstraintIndex{}, precondition(op, "lower bound %g exceeds upper bound %g", lb, ub)
	}
	if err := p.mutate(op); err != nil {
		return ConstraintIndex{}, err
	}
	p.linear = append(p.linear, linearRow{expr: expr.normalize(), lb: lb, ub: ub})
	return ConstraintIndex{Type: LinearConstraint, Index: len(p.linear) - 1}, nil
}

// AddQuadraticConstraint adds lb ≤ expr ≤ ub.
func (p *Problem) AddQuadraticConstraint(expr QuadraticExpr, lb, ub float64) (ConstraintIndex, error) {
	const op = "AddQuadraticConstraint"
	if err := p.checkTerms(op, expr.Affine.Terms, expr.Quad); err != nil {
		return ConstraintIndex{}, err
	}
	lb, ub = normBounds(lb, ub)
	if lb > ub {
		return ConstraintIndex{}, precondition(op, "lower bound %g exceeds upper bound %g", lb, ub)
	}
	if err := p.mutate(op); err != nil {
		return ConstraintIndex{}, err
	}
	p.quadratic = append(p.quadratic, quadraticRow{expr: expr.normalize(), lb: lb, ub: ub})
	return ConstraintIndex{Type: QuadraticConstraint, Index: len(p.quadratic) - 1}, nil
}

// ConstraintRow returns the global row of a linear or quadratic constraint.
// Analytic rows precede nonlinear rows and never move.
func (p *Problem) ConstraintRow(ci ConstraintIndex) int {
	if ci.Type == QuadraticConstraint {
		return len(p.linear) + ci.Index
	}
	return ci.Index
}

// SetObjective replaces the analytic (linear and quadratic) part of the objective.
// Nonlinear objective instances are kept.
func (p *Problem) SetObjective(expr QuadraticExpr) error {
	const op = "SetObjective"
	if err := p.checkTerms(op, expr.Affine.Terms, expr.Quad); err != nil {
		return err
	}
	if err := p.mutate(op); err != nil {
		return err
	}
	p.objective = expr.normalize()
	return nil
}

func (p *Problem) Objective() QuadraticExpr { return p.objective }

func (p *Problem) NumLinearConstraints() int    { return len(p.linear) }
func (p *Problem) NumQuadraticConstraints() int { return len(p.quadratic) }

func (p *Problem) checkTerms(op string, lin []LinearTerm, quad []QuadraticTerm) error {
	for _, t := range lin {
		if err := p.checkVar(op, t.Var); err != nil {
			return err
		}
	}
	for _, t := range quad {
		if err := p.checkVar(op, t.Var1); err != nil {
			return err
		}
		if err := p.checkVar(op, t.Var2); err != nil {
			return err
		}
	}
	return nil
}

func normBounds(lb, ub float64) (float64, float64) {
	if math.IsNaN(lb) {
		lb = math.Inf(-1)
	}
	if math.IsNaN(ub) {
		ub = math.Inf(1)
	}
	return lb, ub
}

// deletedIn returns the first deleted or unknown variable of the list.
func (p *Problem) deletedIn(vars []VariableIndex) (VariableIndex, bool) {
	i := slices.IndexFunc(vars, func(v VariableIndex) bool { return !p.IsActive(v) })
	if i < 0 {
		return -1, false
	}
	return vars[i], true
}
