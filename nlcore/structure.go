// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"context"
	"time"

	"github.com/curioloop/optinterface/autodiff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"
)

var tracer = otel.Tracer("github.com/curioloop/optinterface/nlcore")

// Structure is the frozen global layout of a problem.
//
// Rows are ordered linear, quadratic, then nonlinear constraint groups in creation order with
// every instance of a group occupying NY consecutive rows in group order.
// Jacobian slots follow the same order and are never shared: each slot belongs to exactly one
// contribution, so a (row, col) pair may appear twice only when one instance binds a variable
// twice. Hessian slots are deduplicated across all contributions on the configured triangle.
// The objective gradient is sparse with one slot per distinct column.
type Structure struct {
	Triangle     Triangle
	NumVariables int
	NumLinear    int
	NumQuadratic int
	NumNonlinear int

	JacRows, JacCols   []int
	HessRows, HessCols []int
	GradCols           []int
	ConLB, ConUB       []float64
	// NLRows maps a nonlinear constraint handle index to its first global row.
	NLRows []int

	version uint64

	// analytic Jacobian slots [0, anaJac) start from jacConst, quadratic ones add jacLin
	anaJac   int
	jacConst []float64
	jacLin   []slotTerm
	hessAna  []hessTerm
	gradAna  []slotTerm // var < 0 marks a constant contribution
	objConst float64

	unique uniqueIndex
}

type slotTerm struct {
	slot int
	v    int
	coef float64
}

// hessTerm adds w·coef where w is σ for row < 0 and λ[row] otherwise.
type hessTerm struct {
	slot int
	row  int
	coef float64
}

func (s *Structure) NumConstraints() int { return s.NumLinear + s.NumQuadratic + s.NumNonlinear }

// NLRow returns the first global row of a nonlinear constraint.
func (s *Structure) NLRow(h NLConstraintIndex) int { return s.NLRows[h.Index] }

func (s *Structure) JacobianPattern() autodiff.Pattern {
	return autodiff.Pattern{Rows: s.JacRows, Cols: s.JacCols}
}

func (s *Structure) HessianPattern() autodiff.Pattern {
	return autodiff.Pattern{Rows: s.HessRows, Cols: s.HessCols}
}

// DenseJacobian expands Jacobian values into an m×n matrix, summing shared pairs.
func (s *Structure) DenseJacobian(values []float64) *mat.Dense {
	m := mat.NewDense(max(s.NumConstraints(), 1), max(s.NumVariables, 1), nil)
	for k, r := range s.JacRows {
		c := s.JacCols[k]
		m.Set(r, c, m.At(r, c)+values[k])
	}
	return m
}

// DenseHessian expands triangular Hessian values into the full symmetric matrix.
func (s *Structure) DenseHessian(values []float64) *mat.SymDense {
	h := mat.NewSymDense(max(s.NumVariables, 1), nil)
	for k, r := range s.HessRows {
		c := s.HessCols[k]
		h.SetSym(r, c, h.At(r, c)+values[k])
	}
	return h
}

// Structure returns the last analysis, nil before the first one. It may be stale
// when the problem changed afterwards.
func (p *Problem) Structure() *Structure { return p.analysis }

// Analyze aggregates pending instances and rebuilds the global layout from scratch.
func (p *Problem) Analyze() (*Structure, error) {
	return p.AnalyzeContext(context.Background())
}

func (p *Problem) AnalyzeContext(ctx context.Context) (*Structure, error) {
	_, span := tracer.Start(ctx, "nlcore.Analyze", trace.WithAttributes(
		attribute.Int("variables", len(p.vars)),
		attribute.Int("nl_constraints", len(p.cons)),
		attribute.Int("nl_objectives", len(p.objs)),
	))
	defer span.End()

	start := time.Now()
	groups := p.AggregateGroups()
	if err := p.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid model")
		return nil, err
	}

	b := structureBuilder{
		p:    p,
		s:    &Structure{Triangle: p.opts.Triangle, NumVariables: len(p.vars), version: p.version},
		hess: make(map[[2]int]int),
		grad: make(map[int]int),
	}
	b.linear()
	b.quadratic()
	b.nonlinear()
	b.rowMap()
	s := b.s

	p.analysis = s
	span.SetAttributes(
		attribute.Int("groups", groups),
		attribute.Int("jac_nnz", len(s.JacRows)),
		attribute.Int("hess_nnz", len(s.HessRows)),
	)
	p.opts.Metrics.analyzed(start, s)
	p.opts.Logger.Debug("nlcore structure analyzed",
		"rows", s.NumConstraints(), "groups", groups,
		"jac_nnz", len(s.JacRows), "hess_nnz", len(s.HessRows), "grad_nnz", len(s.GradCols),
		"elapsed", time.Since(start))
	return s, nil
}

// validate rejects references to deleted variables.
func (p *Problem) validate() error {
	const op = "Analyze"
	for i, r := range p.linear {
		for _, t := range r.expr.Terms {
			if !p.IsActive(t.Var) {
				return precondition(op, "linear constraint %d references deleted variable %d", i, t.Var)
			}
		}
	}
	for i, r := range p.quadratic {
		if v, bad := p.deletedIn(r.expr.vars()); bad {
			return precondition(op, "quadratic constraint %d references deleted variable %d", i, v)
		}
	}
	if v, bad := p.deletedIn(p.objective.vars()); bad {
		return precondition(op, "objective references deleted variable %d", v)
	}
	for i := range p.cons {
		if v, bad := p.deletedIn(p.cons[i].XS); bad {
			return precondition(op, "nonlinear constraint %d is bound to deleted variable %d", i, v)
		}
	}
	for i := range p.objs {
		if v, bad := p.deletedIn(p.objs[i].XS); bad {
			return precondition(op, "nonlinear objective %d is bound to deleted variable %d", i, v)
		}
	}
	return nil
}

type structureBuilder struct {
	p    *Problem
	s    *Structure
	hess map[[2]int]int
	grad map[int]int
	rows int
}

func (b *structureBuilder) jac(r, c int) int {
	s := b.s
	s.JacRows = append(s.JacRows, r)
	s.JacCols = append(s.JacCols, c)
	return len(s.JacRows) - 1
}

// hessSlot returns the deduplicated slot of (r,c) on the configured triangle.
func (b *structureBuilder) hessSlot(r, c int) int {
	r, c = b.s.Triangle.orient(r, c)
	key := [2]int{r, c}
	if k, ok := b.hess[key]; ok {
		return k
	}
	k := len(b.s.HessRows)
	b.s.HessRows = append(b.s.HessRows, r)
	b.s.HessCols = append(b.s.HessCols, c)
	b.hess[key] = k
	return k
}

func (b *structureBuilder) gradSlot(c int) int {
	if k, ok := b.grad[c]; ok {
		return k
	}
	k := len(b.s.GradCols)
	b.s.GradCols = append(b.s.GradCols, c)
	b.grad[c] = k
	return k
}

// quadHessian adds the Hessian terms of ∑ coef·xᵢ·xⱼ weighted by row.
func (b *structureBuilder) quadHessian(quad []QuadraticTerm, row int) {
	for _, t := range quad {
		coef := t.Coef
		if t.Var1 == t.Var2 {
			coef *= 2
		}
		slot := b.hessSlot(int(t.Var1), int(t.Var2))
		b.s.hessAna = append(b.s.hessAna, hessTerm{slot: slot, row: row, coef: coef})
	}
}

func (b *structureBuilder) linear() {
	p, s := b.p, b.s
	for _, r := range p.linear {
		for _, t := range r.expr.Terms {
			b.jac(b.rows, int(t.Var))
			s.jacConst = append(s.jacConst, t.Coef)
		}
		s.ConLB = append(s.ConLB, r.lb)
		s.ConUB = append(s.ConUB, r.ub)
		b.rows++
	}
	s.NumLinear = len(p.linear)
}

func (b *structureBuilder) quadratic() {
	p, s := b.p, b.s
	for _, r := range p.quadratic {
		for _, col := range r.expr.gradient() {
			slot := b.jac(b.rows, int(col.col))
			s.jacConst = append(s.jacConst, col.constant)
			for _, t := range col.terms {
				s.jacLin = append(s.jacLin, slotTerm{slot: slot, v: int(t.Var), coef: t.Coef})
			}
		}
		b.quadHessian(r.expr.Quad, b.rows)
		s.ConLB = append(s.ConLB, r.lb)
		s.ConUB = append(s.ConUB, r.ub)
		b.rows++
	}
	s.NumQuadratic = len(p.quadratic)
	s.anaJac = len(s.JacRows)

	obj := p.objective
	s.objConst = obj.Affine.Constant
	for _, col := range obj.gradient() {
		slot := b.gradSlot(int(col.col))
		if col.constant != 0 {
			s.gradAna = append(s.gradAna, slotTerm{slot: slot, v: -1, coef: col.constant})
		}
		for _, t := range col.terms {
			s.gradAna = append(s.gradAna, slotTerm{slot: slot, v: int(t.Var), coef: t.Coef})
		}
	}
	b.quadHessian(obj.Quad, -1)
}

func (b *structureBuilder) nonlinear() {
	p, s := b.p, b.s
	for _, g := range p.groups {
		t := p.templates[g.Func]
		n := len(g.Instances)
		g.JacobianOffset = g.JacobianOffset[:0]
		g.GradientIndices = make([][]int, n)
		g.HessianIndices = make([][]int, n)
		for k := range n {
			in := p.instance(g, k)
			if g.Role == RoleConstraint {
				in.YStart = b.rows
				g.JacobianOffset = append(g.JacobianOffset, len(s.JacRows))
				for e, r := range t.JacRows {
					b.jac(b.rows+r, int(in.XS[t.JacCols[e]]))
				}
				for y := range t.NY {
					s.ConLB = append(s.ConLB, in.lb[y])
					s.ConUB = append(s.ConUB, in.ub[y])
				}
				b.rows += t.NY
			} else {
				gi := make([]int, t.JacNNZ())
				for e, c := range t.JacCols {
					gi[e] = b.gradSlot(int(in.XS[c]))
				}
				g.GradientIndices[k] = gi
			}
			hi := make([]int, t.HessNNZ())
			for e, r := range t.HessRows {
				hi[e] = b.hessSlot(int(in.XS[r]), int(in.XS[t.HessCols[e]]))
			}
			g.HessianIndices[k] = hi
		}
	}
	s.NumNonlinear = b.rows - s.NumLinear - s.NumQuadratic
}

// rowMap rebuilds the handle → row map by prefix sums over constraint groups.
func (b *structureBuilder) rowMap() {
	p, s := b.p, b.s
	offset := make([]int, len(p.groups))
	next := s.NumLinear + s.NumQuadratic
	for gi, g := range p.groups {
		if g.Role != RoleConstraint {
			continue
		}
		offset[gi] = next
		next += len(g.Instances) * p.templates[g.Func].NY
	}
	s.NLRows = make([]int, len(p.cons))
	for h := range p.cons {
		in := &p.cons[h]
		g := p.groups[in.group]
		s.NLRows[h] = offset[in.group] + in.order*p.templates[g.Func].NY
		if s.NLRows[h] != in.YStart {
			panic("row map not match layout")
		}
	}
}
