// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Role is the output role an instance is used for.
type Role uint8

const (
	RoleConstraint Role = iota
	RoleObjective
)

func (r Role) String() string {
	if r == RoleObjective {
		return "objective"
	}
	return "constraint"
}

// Instance is one application of a template to concrete bindings.
type Instance struct {
	Func FunctionIndex
	XS   []VariableIndex
	PS   []ParameterIndex
	// YStart is the first global row of a constraint instance, set by Analyze.
	YStart int

	lb, ub []float64
	group  int // -1 until aggregated
	order  int // position within the group
}

// Group returns the group of an aggregated instance and its position inside it.
func (in *Instance) Group() (group, order int) { return in.group, in.order }

// registry stores instances and their structural hashes, tagged by sequence number.
type registry struct {
	cons, objs     []Instance
	conKey, objKey []uint64
	nlRows         int // provisional nonlinear rows
}

// structuralKey combines the template shape hash with the output role.
func structuralKey(shape uint64, role Role) uint64 {
	var buf [9]byte
	binary.LittleEndian.PutUint64(buf[:8], shape)
	buf[8] = byte(role)
	return xxhash.Sum64(buf[:])
}

func (p *Problem) newInstance(op string, fi FunctionIndex, xs []VariableIndex, ps []ParameterIndex) (Instance, *Template, error) {
	t, err := p.Template(fi)
	if err != nil {
		return Instance{}, nil, err
	}
	switch {
	case len(xs) != t.NX:
		return Instance{}, nil, precondition(op, "function %d takes %d variables, got %d", fi, t.NX, len(xs))
	case len(ps) != t.NP:
		return Instance{}, nil, precondition(op, "function %d takes %d parameters, got %d", fi, t.NP, len(ps))
	}
	for _, v := range xs {
		if err = p.checkVar(op, v); err != nil {
			return Instance{}, nil, err
		}
	}
	for _, pi := range ps {
		if pi < 0 || int(pi) >= len(p.params) {
			return Instance{}, nil, precondition(op, "parameter %d does not exist", pi)
		}
	}
	in := Instance{
		Func:   fi,
		XS:     append([]VariableIndex(nil), xs...),
		PS:     append([]ParameterIndex(nil), ps...),
		YStart: -1,
		group:  -1,
	}
	return in, t, nil
}

// AddNLConstraint binds a template to variables and parameters and constrains
// lb ≤ 𝒇(𝐱[xs]; 𝐩[ps]) ≤ ub componentwise. A nil bound slice leaves that side open.
func (p *Problem) AddNLConstraint(fi FunctionIndex, xs []VariableIndex, ps []ParameterIndex, lb, ub []float64) (NLConstraintIndex, error) {
	const op = "AddNLConstraint"
	in, t, err := p.newInstance(op, fi, xs, ps)
	if err != nil {
		return NLConstraintIndex{}, err
	}
	if in.lb, in.ub, err = vectorBounds(op, t.NY, lb, ub); err != nil {
		return NLConstraintIndex{}, err
	}
	if err = p.mutate(op); err != nil {
		return NLConstraintIndex{}, err
	}
	h := NLConstraintIndex{Index: len(p.cons), Row: p.nlRows, Dim: t.NY}
	p.cons = append(p.cons, in)
	p.conKey = append(p.conKey, structuralKey(t.hash, RoleConstraint))
	p.nlRows += t.NY
	return h, nil
}

// AddNLObjective adds 𝒇(𝐱[xs]; 𝐩[ps]) to the objective. The template must be scalar.
func (p *Problem) AddNLObjective(fi FunctionIndex, xs []VariableIndex, ps []ParameterIndex) error {
	const op = "AddNLObjective"
	in, t, err := p.newInstance(op, fi, xs, ps)
	if err != nil {
		return err
	}
	if t.NY != 1 {
		return precondition(op, "objective function %d must be scalar, has %d outputs", fi, t.NY)
	}
	if err = p.mutate(op); err != nil {
		return err
	}
	p.objs = append(p.objs, in)
	p.objKey = append(p.objKey, structuralKey(t.hash, RoleObjective))
	return nil
}

// NLConstraint returns the instance behind a handle.
func (p *Problem) NLConstraint(h NLConstraintIndex) (*Instance, error) {
	if h.Index < 0 || h.Index >= len(p.cons) {
		return nil, precondition("NLConstraint", "nonlinear constraint %d does not exist", h.Index)
	}
	return &p.cons[h.Index], nil
}

// NLConstraintBounds returns the row bounds of a nonlinear constraint.
func (p *Problem) NLConstraintBounds(h NLConstraintIndex) (lb, ub []float64, err error) {
	in, err := p.NLConstraint(h)
	if err != nil {
		return nil, nil, err
	}
	return in.lb, in.ub, nil
}

func (p *Problem) NumNLConstraints() int { return len(p.cons) }
func (p *Problem) NumNLObjectives() int  { return len(p.objs) }

func vectorBounds(op string, ny int, lb, ub []float64) ([]float64, []float64, error) {
	switch {
	case lb != nil && len(lb) != ny:
		return nil, nil, precondition(op, "lower bound has %d entries, function has %d outputs", len(lb), ny)
	case ub != nil && len(ub) != ny:
		return nil, nil, precondition(op, "upper bound has %d entries, function has %d outputs", len(ub), ny)
	}
	l, u := make([]float64, ny), make([]float64, ny)
	for k := range ny {
		l[k], u[k] = math.Inf(-1), math.Inf(1)
		if lb != nil {
			l[k] = lb[k]
		}
		if ub != nil {
			u[k] = ub[k]
		}
		l[k], u[k] = normBounds(l[k], u[k])
		if l[k] > u[k] {
			return nil, nil, precondition(op, "output %d lower bound %g exceeds upper bound %g", k, l[k], u[k])
		}
	}
	return l, u, nil
}
