// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"github.com/curioloop/optinterface/autodiff"
	"github.com/curioloop/optinterface/jit"
	"github.com/pkg/errors"
)

// Template is a registered nonlinear vector function 𝒚 = 𝒇(𝐱; 𝐩) : ℝⁿˣ → ℝⁿʸ with nᵖ parameters.
//
// Its sparsity is computed once at registration: the Jacobian pattern (JacRows, JacCols)
// and the lower triangular Hessian pattern of ∑ₖ𝒚ₖ (HessRows ≥ HessCols), both in local
// indices. The derivative graphs are built only for non-empty patterns and handed to a
// jit.Compiler; the resulting kernels are assigned once and never replaced.
type Template struct {
	Name         string
	NX, NP, NY   int
	HasParameter bool

	Graph         *autodiff.Graph
	JacRows       []int
	JacCols       []int
	HessRows      []int
	HessCols      []int
	JacobianGraph *autodiff.Graph
	HessianGraph  *autodiff.Graph

	hash    uint64
	unit    string
	kernels *jit.Kernels
}

func (t *Template) JacNNZ() int  { return len(t.JacRows) }
func (t *Template) HessNNZ() int { return len(t.HessRows) }

// ShapeHash digests the compacted graph.
func (t *Template) ShapeHash() uint64 { return t.hash }

// Kernels returns the assigned evaluators, nil before assignment.
func (t *Template) Kernels() *jit.Kernels { return t.kernels }

// Unit describes the kernels the template needs compiled.
func (t *Template) Unit() *jit.Unit {
	return &jit.Unit{
		Name:         t.unit,
		HasParameter: t.HasParameter,
		NP:           t.NP,
		F:            t.Graph,
		Jacobian:     t.JacobianGraph,
		Hessian:      t.HessianGraph,
		Gradient:     t.NY == 1 && t.JacobianGraph != nil,
	}
}

// required lists the evaluator kinds a dispatcher may call.
func (t *Template) required() []jit.Kind {
	return t.Unit().Kinds()
}

// RegisterFunction validates the graph and derives its sparsity and derivative graphs.
func (p *Problem) RegisterFunction(g *autodiff.Graph, name string) (FunctionIndex, error) {
	const op = "RegisterFunction"
	if g == nil {
		return -1, precondition(op, "nil graph")
	}
	if err := g.Validate(); err != nil {
		return -1, &Error{Kind: Precondition, Op: op, Err: err}
	}
	if err := p.mutate(op); err != nil {
		return -1, err
	}
	g = g.Compact()
	t := &Template{
		Name:         name,
		NX:           g.NX(),
		NP:           g.NP(),
		NY:           g.NY(),
		HasParameter: g.NP() > 0,
		Graph:        g,
		hash:         g.Hash(),
		unit:         unitName(name, len(p.templates)),
	}
	jac := g.JacobianSparsity()
	t.JacRows, t.JacCols = jac.Rows, jac.Cols
	if jac.Len() > 0 {
		t.JacobianGraph = g.JacobianGraph(jac)
	}
	hess := g.HessianSparsity()
	t.HessRows, t.HessCols = hess.Rows, hess.Cols
	if hess.Len() > 0 {
		t.HessianGraph = g.HessianGraph(hess)
	}
	p.templates = append(p.templates, t)
	fi := FunctionIndex(len(p.templates) - 1)
	p.opts.Logger.Debug("nlcore function registered", "index", fi, "name", name,
		"nx", t.NX, "np", t.NP, "ny", t.NY, "jac_nnz", t.JacNNZ(), "hess_nnz", t.HessNNZ())
	return fi, nil
}

func unitName(name string, index int) string {
	var b strings.Builder
	for _, r := range name {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" || unicode.IsDigit([]rune(s)[0]) {
		s = "f" + s
	}
	return s + "_" + strconv.Itoa(index)
}

// Template returns a registered template.
func (p *Problem) Template(fi FunctionIndex) (*Template, error) {
	if fi < 0 || int(fi) >= len(p.templates) {
		return nil, precondition("Template", "function %d does not exist", fi)
	}
	return p.templates[fi], nil
}

func (p *Problem) NumFunctions() int { return len(p.templates) }

// SetKernels assigns externally compiled evaluators to a template.
func (p *Problem) SetKernels(fi FunctionIndex, k *jit.Kernels) error {
	const op = "SetKernels"
	t, err := p.Template(fi)
	if err != nil {
		return err
	}
	switch {
	case k == nil:
		return precondition(op, "nil kernels for function %d", fi)
	case t.kernels != nil:
		return precondition(op, "function %d already has kernels", fi)
	case k.HasParameter != t.HasParameter:
		return precondition(op, "function %d calling convention mismatch", fi)
	}
	for _, kind := range t.required() {
		if !k.Has(kind) {
			return precondition(op, "function %d misses the %s kernel", fi, kind)
		}
	}
	t.kernels = k
	return nil
}

// Compile builds kernels for every template that has none yet and assigns them.
func (p *Problem) Compile(ctx context.Context, c jit.Compiler) error {
	const op = "Compile"
	var pending []FunctionIndex
	var units []*jit.Unit
	for i, t := range p.templates {
		if t.kernels == nil {
			pending = append(pending, FunctionIndex(i))
			units = append(units, t.Unit())
		}
	}
	if len(units) == 0 {
		return nil
	}
	lib, err := c.Compile(ctx, units...)
	if err != nil {
		return backend(op, err)
	}
	for k, fi := range pending {
		kern, err := jit.Load(lib, units[k])
		if err != nil {
			return backend(op, errors.Wrapf(err, "function %d", fi))
		}
		if err = p.SetKernels(fi, kern); err != nil {
			return err
		}
	}
	p.opts.Logger.Debug("nlcore kernels compiled", "functions", len(pending))
	return nil
}
