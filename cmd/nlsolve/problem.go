// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"io"
	"math"
	"os"

	"github.com/curioloop/optinterface/autodiff"
	"github.com/curioloop/optinterface/model"
	"github.com/curioloop/optinterface/nlcore"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ProblemFile is the YAML description of a model. Variables, parameters and functions
// are referenced by name everywhere else in the file.
type ProblemFile struct {
	Variables    []VariableSpec  `yaml:"variables"`
	Parameters   []ParameterSpec `yaml:"parameters,omitempty"`
	Functions    []FunctionSpec  `yaml:"functions,omitempty"`
	Linear       []RowSpec       `yaml:"linear,omitempty"`
	Quadratic    []RowSpec       `yaml:"quadratic,omitempty"`
	Nonlinear    []NLRowSpec     `yaml:"nonlinear,omitempty"`
	NLObjectives []InstanceSpec  `yaml:"nl_objectives,omitempty"`
	Objective    *ObjectiveSpec  `yaml:"objective,omitempty"`
	Options      OptionsSpec     `yaml:"options,omitempty"`
	Solver       map[string]any  `yaml:"solver,omitempty"`
	Delete       []string        `yaml:"delete,omitempty"`
}

// VariableSpec bounds default to the whole real line when omitted.
type VariableSpec struct {
	Name  string   `yaml:"name"`
	LB    *float64 `yaml:"lb,omitempty"`
	UB    *float64 `yaml:"ub,omitempty"`
	Start float64  `yaml:"start,omitempty"`
}

type ParameterSpec struct {
	Name  string  `yaml:"name"`
	Value float64 `yaml:"value"`
}

// FunctionSpec embeds a portable autodiff graph.
type FunctionSpec struct {
	Name  string            `yaml:"name"`
	Graph autodiff.Portable `yaml:"graph"`
}

type TermSpec struct {
	Var  string  `yaml:"var"`
	Coef float64 `yaml:"coef"`
}

type QuadTermSpec struct {
	Vars [2]string `yaml:"vars,flow"`
	Coef float64   `yaml:"coef"`
}

// ExprSpec is ∑ quad + ∑ terms + constant.
type ExprSpec struct {
	Quad     []QuadTermSpec `yaml:"quad,omitempty"`
	Terms    []TermSpec     `yaml:"terms,omitempty"`
	Constant float64        `yaml:"constant,omitempty"`
}

// RowSpec is "expr sense rhs" with sense one of <=, >=, ==.
type RowSpec struct {
	ExprSpec `yaml:",inline"`
	Sense    string  `yaml:"sense"`
	RHS      float64 `yaml:"rhs"`
}

type InstanceSpec struct {
	Function string   `yaml:"function"`
	Vars     []string `yaml:"vars,flow"`
	Params   []string `yaml:"params,omitempty,flow"`
}

// NLRowSpec bounds every output of an instance, either by sense and rhs or by lb and ub.
type NLRowSpec struct {
	InstanceSpec `yaml:",inline"`
	Sense        string    `yaml:"sense,omitempty"`
	RHS          []float64 `yaml:"rhs,omitempty,flow"`
	LB           []float64 `yaml:"lb,omitempty,flow"`
	UB           []float64 `yaml:"ub,omitempty,flow"`
}

type ObjectiveSpec struct {
	ExprSpec `yaml:",inline"`
	Sense    string `yaml:"sense,omitempty"` // min or max
}

// OptionsSpec maps onto nlcore options.
type OptionsSpec struct {
	Triangle          string `yaml:"triangle,omitempty"`
	Workers           int    `yaml:"workers,omitempty"`
	ParallelThreshold int    `yaml:"parallel_threshold,omitempty"`
}

func (o OptionsSpec) core() ([]nlcore.Option, error) {
	var opts []nlcore.Option
	switch o.Triangle {
	case "", "lower":
	case "upper":
		opts = append(opts, nlcore.WithHessianTriangle(nlcore.Upper))
	default:
		return nil, errors.Errorf("unknown hessian triangle %q", o.Triangle)
	}
	if o.Workers > 0 {
		opts = append(opts, nlcore.WithWorkers(o.Workers))
	}
	if o.ParallelThreshold > 0 {
		opts = append(opts, nlcore.WithParallelThreshold(o.ParallelThreshold))
	}
	return opts, nil
}

// ReadProblem decodes a problem file; unknown keys are rejected.
func ReadProblem(r io.Reader) (*ProblemFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var pf ProblemFile
	if err := dec.Decode(&pf); err != nil {
		return nil, errors.Wrap(err, "decode problem")
	}
	return &pf, nil
}

func loadProblem(path string) (*ProblemFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	pf, err := ReadProblem(f)
	return pf, errors.Wrap(err, path)
}

func parseSense(s string) (model.Sense, error) {
	switch s {
	case "<=", "le":
		return model.LessThan, nil
	case ">=", "ge":
		return model.GreaterThan, nil
	case "==", "=", "eq":
		return model.EqualTo, nil
	}
	return 0, errors.Errorf("unknown sense %q", s)
}

// Built is a model together with the name tables used to report results.
type Built struct {
	Model     *model.Model
	Vars      map[string]nlcore.VariableIndex
	VarNames  []string
	Functions []nlcore.FunctionIndex
}

type builder struct {
	pf     *ProblemFile
	m      *model.Model
	vars   map[string]nlcore.VariableIndex
	params map[string]nlcore.ParameterIndex
	funcs  map[string]nlcore.FunctionIndex
}

// Build creates the model described by the file.
func (pf *ProblemFile) Build(opts ...model.Option) (*Built, error) {
	core, err := pf.Options.core()
	if err != nil {
		return nil, err
	}
	opts = append(opts, model.WithCoreOptions(core...))
	b := builder{
		pf:     pf,
		m:      model.New(opts...),
		vars:   make(map[string]nlcore.VariableIndex),
		params: make(map[string]nlcore.ParameterIndex),
		funcs:  make(map[string]nlcore.FunctionIndex),
	}
	out := &Built{Model: b.m, Vars: b.vars}

	for _, v := range pf.Variables {
		if _, dup := b.vars[v.Name]; dup || v.Name == "" {
			return nil, errors.Errorf("variable %q is empty or repeated", v.Name)
		}
		lb, ub := math.Inf(-1), math.Inf(1)
		if v.LB != nil {
			lb = *v.LB
		}
		if v.UB != nil {
			ub = *v.UB
		}
		vi, err := b.m.AddVariable(lb, ub, v.Start)
		if err != nil {
			return nil, err
		}
		b.vars[v.Name] = vi
		out.VarNames = append(out.VarNames, v.Name)
	}
	for _, p := range pf.Parameters {
		if _, dup := b.params[p.Name]; dup || p.Name == "" {
			return nil, errors.Errorf("parameter %q is empty or repeated", p.Name)
		}
		pi, err := b.m.AddParameter(p.Value)
		if err != nil {
			return nil, err
		}
		b.params[p.Name] = pi
	}
	for _, f := range pf.Functions {
		if _, dup := b.funcs[f.Name]; dup {
			return nil, errors.Errorf("function %q is repeated", f.Name)
		}
		g, err := f.Graph.Graph()
		if err != nil {
			return nil, errors.Wrapf(err, "function %q", f.Name)
		}
		fi, err := b.m.RegisterFunction(g, f.Name)
		if err != nil {
			return nil, err
		}
		b.funcs[f.Name] = fi
		out.Functions = append(out.Functions, fi)
	}
	if err := b.rows(); err != nil {
		return nil, err
	}
	if err := b.objective(); err != nil {
		return nil, err
	}
	for _, name := range pf.Delete {
		v, ok := b.vars[name]
		if !ok {
			return nil, errors.Errorf("unknown variable %q", name)
		}
		if err := b.m.DeleteVariable(v); err != nil {
			return nil, err
		}
	}
	for name, value := range pf.Solver {
		if i, ok := value.(float64); ok && name != model.ParamAccuracy && i == math.Trunc(i) {
			value = int(i)
		}
		if err := b.m.SetRawParameter(name, value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *builder) rows() error {
	for i, r := range b.pf.Linear {
		if len(r.Quad) > 0 {
			return errors.Errorf("linear row %d has quadratic terms", i)
		}
		sense, err := parseSense(r.Sense)
		if err != nil {
			return errors.Wrapf(err, "linear row %d", i)
		}
		e, err := b.expr(r.ExprSpec)
		if err != nil {
			return errors.Wrapf(err, "linear row %d", i)
		}
		if _, err = b.m.AddLinearConstraint(e.Affine, sense, r.RHS); err != nil {
			return err
		}
	}
	for i, r := range b.pf.Quadratic {
		sense, err := parseSense(r.Sense)
		if err != nil {
			return errors.Wrapf(err, "quadratic row %d", i)
		}
		e, err := b.expr(r.ExprSpec)
		if err != nil {
			return errors.Wrapf(err, "quadratic row %d", i)
		}
		if _, err = b.m.AddQuadraticConstraint(e, sense, r.RHS); err != nil {
			return err
		}
	}
	for i, r := range b.pf.Nonlinear {
		fi, xs, ps, err := b.instance(r.InstanceSpec)
		if err != nil {
			return errors.Wrapf(err, "nonlinear row %d", i)
		}
		if r.Sense != "" {
			sense, err := parseSense(r.Sense)
			if err != nil {
				return errors.Wrapf(err, "nonlinear row %d", i)
			}
			_, err = b.m.AddNLConstraint(fi, xs, ps, sense, r.RHS)
			if err != nil {
				return err
			}
			continue
		}
		if _, err = b.m.AddNLConstraintBounds(fi, xs, ps, r.LB, r.UB); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) objective() error {
	for i, o := range b.pf.NLObjectives {
		fi, xs, ps, err := b.instance(o)
		if err != nil {
			return errors.Wrapf(err, "nonlinear objective %d", i)
		}
		if err = b.m.AddNLObjective(fi, xs, ps); err != nil {
			return err
		}
	}
	o := b.pf.Objective
	if o == nil {
		return nil
	}
	var sense model.ObjectiveSense
	switch o.Sense {
	case "", "min":
	case "max":
		sense = model.Maximize
	default:
		return errors.Errorf("unknown objective sense %q", o.Sense)
	}
	e, err := b.expr(o.ExprSpec)
	if err != nil {
		return errors.Wrap(err, "objective")
	}
	return b.m.SetObjective(e, sense)
}

func (b *builder) variable(name string) (nlcore.VariableIndex, error) {
	v, ok := b.vars[name]
	if !ok {
		return 0, errors.Errorf("unknown variable %q", name)
	}
	return v, nil
}

func (b *builder) expr(s ExprSpec) (nlcore.QuadraticExpr, error) {
	e := nlcore.QuadraticExpr{Affine: nlcore.AffineExpr{Constant: s.Constant}}
	for _, t := range s.Terms {
		v, err := b.variable(t.Var)
		if err != nil {
			return e, err
		}
		e.Affine.Terms = append(e.Affine.Terms, nlcore.LinearTerm{Var: v, Coef: t.Coef})
	}
	for _, t := range s.Quad {
		v1, err := b.variable(t.Vars[0])
		if err != nil {
			return e, err
		}
		v2, err := b.variable(t.Vars[1])
		if err != nil {
			return e, err
		}
		e.Quad = append(e.Quad, nlcore.QuadraticTerm{Var1: v1, Var2: v2, Coef: t.Coef})
	}
	return e, nil
}

func (b *builder) instance(s InstanceSpec) (nlcore.FunctionIndex, []nlcore.VariableIndex, []nlcore.ParameterIndex, error) {
	fi, ok := b.funcs[s.Function]
	if !ok {
		return 0, nil, nil, errors.Errorf("unknown function %q", s.Function)
	}
	xs := make([]nlcore.VariableIndex, len(s.Vars))
	for k, name := range s.Vars {
		v, err := b.variable(name)
		if err != nil {
			return 0, nil, nil, err
		}
		xs[k] = v
	}
	var ps []nlcore.ParameterIndex
	for _, name := range s.Params {
		p, ok := b.params[name]
		if !ok {
			return 0, nil, nil, errors.Errorf("unknown parameter %q", name)
		}
		ps = append(ps, p)
	}
	return fi, xs, ps, nil
}
