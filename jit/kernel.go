// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package jit bridges nonlinear function templates to compiled evaluation kernels.
//
// Four kernels are produced per template, each in a plain and a parameterised calling convention:
//
//	F            (x, [p], y, xi, [pi])            y[k] = 𝒇ₖ
//	Jacobian     (x, [p], jac, xi, [pi])          jac[k] = ∂𝒇ᵣ/∂𝐱꜀ for the k-th nonzero
//	AdditiveGrad (x, [p], grad, xi, [pi], gi)     grad[gi[k]] += ∂𝒇₀/∂𝐱꜀
//	Hessian      (x, [p], w, hess, xi, [pi], hi)  hess[hi[k]] += ∂²(∑𝐰ₖ𝒇ₖ)/∂𝐱ᵣ∂𝐱꜀
//
// Local variable i is read from x[xi[i]] and local parameter j from p[pi[j]].
// Additive kernels must accumulate because several contributions may share a slot.
//
// Kernels come from a Library obtained by compiling Units: the PluginCompiler builds generated
// Go source into a plugin and resolves symbols from it, the Interpreter evaluates graphs in process.
package jit

import (
	"github.com/pkg/errors"
)

type (
	FFunc             = func(x, y []float64, xi []int)
	FFuncP            = func(x, p, y []float64, xi, pi []int)
	JacobianFunc      = func(x, jac []float64, xi []int)
	JacobianFuncP     = func(x, p, jac []float64, xi, pi []int)
	AdditiveGradFunc  = func(x, grad []float64, xi, gi []int)
	AdditiveGradFuncP = func(x, p, grad []float64, xi, pi, gi []int)
	HessianFunc       = func(x, w, hess []float64, xi, hi []int)
	HessianFuncP      = func(x, p, w, hess []float64, xi, pi, hi []int)
)

// Kind identifies one of the four kernels.
type Kind int

const (
	KindF Kind = iota
	KindJacobian
	KindAdditiveGrad
	KindHessian
)

var kindNames = [...]string{"F", "Jacobian", "AdditiveGrad", "Hessian"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

// Symbol returns the exported symbol name of a kernel.
// Parameterised variants carry a P suffix on the kind.
func Symbol(kind Kind, name string, param bool) string {
	s := kind.String()
	if param {
		s += "P"
	}
	return s + "_" + name
}

// Kernels holds the evaluators of one template.
// HasParameter selects which variant of each slot is populated;
// the other variant stays nil and callers dispatch through the Eval methods.
type Kernels struct {
	HasParameter bool

	F             FFunc
	FP            FFuncP
	Jacobian      JacobianFunc
	JacobianP     JacobianFuncP
	AdditiveGrad  AdditiveGradFunc
	AdditiveGradP AdditiveGradFuncP
	Hessian       HessianFunc
	HessianP      HessianFuncP
}

// Has reports whether the kernel of the given kind is available.
func (k *Kernels) Has(kind Kind) bool {
	if k == nil {
		return false
	}
	switch kind {
	case KindF:
		return k.F != nil || k.FP != nil
	case KindJacobian:
		return k.Jacobian != nil || k.JacobianP != nil
	case KindAdditiveGrad:
		return k.AdditiveGrad != nil || k.AdditiveGradP != nil
	case KindHessian:
		return k.Hessian != nil || k.HessianP != nil
	}
	return false
}

func (k *Kernels) Eval(x, p, y []float64, xi, pi []int) {
	if k.HasParameter {
		k.FP(x, p, y, xi, pi)
	} else {
		k.F(x, y, xi)
	}
}

func (k *Kernels) EvalJacobian(x, p, jac []float64, xi, pi []int) {
	if k.HasParameter {
		k.JacobianP(x, p, jac, xi, pi)
	} else {
		k.Jacobian(x, jac, xi)
	}
}

func (k *Kernels) EvalAdditiveGrad(x, p, grad []float64, xi, pi, gi []int) {
	if k.HasParameter {
		k.AdditiveGradP(x, p, grad, xi, pi, gi)
	} else {
		k.AdditiveGrad(x, grad, xi, gi)
	}
}

func (k *Kernels) EvalHessian(x, p, w, hess []float64, xi, pi, hi []int) {
	if k.HasParameter {
		k.HessianP(x, p, w, hess, xi, pi, hi)
	} else {
		k.Hessian(x, w, hess, xi, hi)
	}
}

// Library resolves compiled kernels by symbol name.
type Library interface {
	Lookup(symbol string) (any, error)
}

// ErrSymbolNotFound is returned by libraries for unknown symbols.
var ErrSymbolNotFound = errors.New("jit: symbol not found")

type symbolTable map[string]any

func (t symbolTable) Lookup(symbol string) (any, error) {
	if s, ok := t[symbol]; ok {
		return s, nil
	}
	return nil, errors.Wrap(ErrSymbolNotFound, symbol)
}

// Load resolves every kernel declared by the unit and checks its calling convention.
func Load(lib Library, u *Unit) (*Kernels, error) {
	k := &Kernels{HasParameter: u.HasParameter}
	for _, kind := range u.Kinds() {
		sym := Symbol(kind, u.Name, u.HasParameter)
		v, err := lib.Lookup(sym)
		if err != nil {
			return nil, err
		}
		var ok bool
		switch {
		case kind == KindF && u.HasParameter:
			k.FP, ok = v.(FFuncP)
		case kind == KindF:
			k.F, ok = v.(FFunc)
		case kind == KindJacobian && u.HasParameter:
			k.JacobianP, ok = v.(JacobianFuncP)
		case kind == KindJacobian:
			k.Jacobian, ok = v.(JacobianFunc)
		case kind == KindAdditiveGrad && u.HasParameter:
			k.AdditiveGradP, ok = v.(AdditiveGradFuncP)
		case kind == KindAdditiveGrad:
			k.AdditiveGrad, ok = v.(AdditiveGradFunc)
		case kind == KindHessian && u.HasParameter:
			k.HessianP, ok = v.(HessianFuncP)
		case kind == KindHessian:
			k.Hessian, ok = v.(HessianFunc)
		}
		if !ok {
			return nil, errors.Errorf("jit: symbol %s has type %T, not the %s calling convention", sym, v, kind)
		}
	}
	return k, nil
}
