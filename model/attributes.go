// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"math"

	"github.com/curioloop/optinterface/nlcore"
	"github.com/pkg/errors"
)

// Raw parameter names accepted by SetRawParameter.
const (
	ParamMaxIterations  = "max_iterations"  // int
	ParamNNLSIterations = "nnls_iterations" // int
	ParamAccuracy       = "accuracy"        // float
	ParamLineSearch     = "line_search"     // string: armijo or exact
)

// Model attribute names accepted by GetModelAttribute.
const (
	AttrNumVariables   = "num_variables"
	AttrNumConstraints = "num_constraints"
	AttrNumNLFunctions = "num_nl_functions"
	AttrNumGroups      = "num_groups"
	AttrJacobianNNZ    = "jacobian_nnz"
	AttrHessianNNZ     = "hessian_nnz"
	AttrStatus         = "termination_status"
	AttrObjectiveValue = "objective_value"
	AttrViolation      = "max_violation"
	AttrIterations     = "iterations"
	AttrSolveTime      = "solve_time"
	AttrSolverName     = "solver_name"
	AttrRunID          = "run_id"
)

func unknown(op, kind, name string) error {
	return &nlcore.Error{Kind: nlcore.Precondition, Op: op, Err: errors.Errorf("unknown %s %q", kind, name)}
}

func badValue(op, name string, value any) error {
	return &nlcore.Error{Kind: nlcore.Precondition, Op: op, Err: errors.Errorf("invalid value %v (%T) for %q", value, value, name)}
}

// SetRawParameter sets a back-end parameter by name.
// Integer parameters accept int, float parameters accept float64 or int.
func (m *Model) SetRawParameter(name string, value any) error {
	const op = "SetRawParameter"
	switch name {
	case ParamMaxIterations, ParamNNLSIterations:
		v, ok := value.(int)
		if !ok || v < 0 || name == ParamMaxIterations && v == 0 {
			return badValue(op, name, value)
		}
		if name == ParamMaxIterations {
			m.cfg.MaxIterations = v
		} else {
			m.cfg.NNLSIterations = v
		}
	case ParamAccuracy:
		var v float64
		switch x := value.(type) {
		case float64:
			v = x
		case int:
			v = float64(x)
		default:
			return badValue(op, name, value)
		}
		if !(v > 0) || math.IsInf(v, 0) {
			return badValue(op, name, value)
		}
		m.cfg.Accuracy = v
	case ParamLineSearch:
		v, ok := value.(string)
		if !ok || v != "armijo" && v != "exact" {
			return badValue(op, name, value)
		}
		m.cfg.LineSearch = v
	default:
		return unknown(op, "parameter", name)
	}
	return nil
}

// GetRawParameter returns a back-end parameter by name.
func (m *Model) GetRawParameter(name string) (any, error) {
	switch name {
	case ParamMaxIterations:
		return m.cfg.MaxIterations, nil
	case ParamNNLSIterations:
		return m.cfg.NNLSIterations, nil
	case ParamAccuracy:
		return m.cfg.Accuracy, nil
	case ParamLineSearch:
		return m.cfg.LineSearch, nil
	}
	return nil, unknown("GetRawParameter", "parameter", name)
}

// GetModelAttribute returns a model or solve attribute by name.
// Structure attributes require a previous Optimize or nlcore analysis.
func (m *Model) GetModelAttribute(name string) (any, error) {
	const op = "GetModelAttribute"
	p := m.p
	switch name {
	case AttrNumVariables:
		return p.NumVariables(), nil
	case AttrNumConstraints:
		return p.NumLinearConstraints() + p.NumQuadraticConstraints() + p.NumNLConstraints(), nil
	case AttrNumNLFunctions:
		return p.NumFunctions(), nil
	case AttrNumGroups:
		return len(p.Groups()), nil
	case AttrSolverName:
		return m.solver.Name(), nil
	case AttrStatus:
		return m.Status().String(), nil
	}

	switch name {
	case AttrJacobianNNZ, AttrHessianNNZ:
		s := p.Structure()
		if s == nil {
			return nil, &nlcore.Error{Kind: nlcore.Precondition, Op: op, Err: errors.New("problem was never analyzed")}
		}
		if name == AttrJacobianNNZ {
			return len(s.JacRows), nil
		}
		return len(s.HessRows), nil
	case AttrObjectiveValue, AttrViolation, AttrIterations, AttrSolveTime, AttrRunID:
		sol := m.last
		if sol == nil {
			return nil, &nlcore.Error{Kind: nlcore.Precondition, Op: op, Err: errors.New("optimize was never called")}
		}
		switch name {
		case AttrObjectiveValue:
			return sol.Objective, nil
		case AttrViolation:
			return sol.Violation, nil
		case AttrIterations:
			return sol.Iterations, nil
		case AttrSolveTime:
			return m.elapsed.Seconds(), nil
		default:
			return sol.RunID, nil
		}
	}
	return nil, unknown(op, "attribute", name)
}
