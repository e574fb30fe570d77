// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"unicode"

	"github.com/curioloop/optinterface/autodiff"
	"github.com/pkg/errors"
)

// Unit is the compilation request of one template.
//
// F is the function itself. Jacobian and Hessian are the derivative graphs produced by
// autodiff.JacobianGraph and autodiff.HessianGraph, either may be nil when the derivative
// is not requested. Gradient asks for the AdditiveGrad kernel, which accumulates the
// Jacobian outputs of a scalar function into indexed slots.
type Unit struct {
	Name         string
	HasParameter bool
	NP           int // template parameters, Hessian weights are numbered after them

	F        *autodiff.Graph
	Jacobian *autodiff.Graph
	Hessian  *autodiff.Graph
	Gradient bool
}

// NewUnit differentiates f and prepares a compilation request for all kernels.
// The additive gradient is only requested for scalar functions.
func NewUnit(name string, f *autodiff.Graph, hasParameter bool) *Unit {
	u := &Unit{
		Name:         name,
		HasParameter: hasParameter,
		NP:           f.NP(),
		F:            f,
	}
	u.Jacobian = f.JacobianGraph(f.JacobianSparsity())
	u.Hessian = f.HessianGraph(f.HessianSparsity())
	u.Gradient = f.NY() == 1
	return u
}

// Kinds lists the kernels the unit declares.
func (u *Unit) Kinds() []Kind {
	kinds := []Kind{KindF}
	if u.Jacobian != nil {
		kinds = append(kinds, KindJacobian)
		if u.Gradient {
			kinds = append(kinds, KindAdditiveGrad)
		}
	}
	if u.Hessian != nil {
		kinds = append(kinds, KindHessian)
	}
	return kinds
}

func (u *Unit) graph(kind Kind) *autodiff.Graph {
	switch kind {
	case KindF:
		return u.F
	case KindJacobian, KindAdditiveGrad:
		return u.Jacobian
	case KindHessian:
		return u.Hessian
	}
	return nil
}

func (u *Unit) validate() error {
	switch {
	case !isIdent(u.Name):
		return errors.Errorf("jit: unit name %q is not an identifier", u.Name)
	case u.F == nil:
		return errors.Errorf("jit: unit %s has no function graph", u.Name)
	case u.Gradient && u.F.NY() != 1:
		return errors.Errorf("jit: unit %s requests an additive gradient of a vector function", u.Name)
	case !u.HasParameter && u.NP != 0:
		return errors.Errorf("jit: unit %s declares %d parameters without the parameterised convention", u.Name, u.NP)
	}
	return u.F.Validate()
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r != '_' && !unicode.IsLetter(r) && (i == 0 || !unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

func validateUnits(units []*Unit) error {
	seen := make(map[string]bool, len(units))
	for _, u := range units {
		if err := u.validate(); err != nil {
			return err
		}
		if seen[u.Name] {
			return errors.Errorf("jit: duplicate unit name %s", u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}
