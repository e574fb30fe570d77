// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"cmp"
	"slices"
)

type LinearTerm struct {
	Var  VariableIndex
	Coef float64
}

// QuadraticTerm is Coef·x[Var1]·x[Var2].
type QuadraticTerm struct {
	Var1, Var2 VariableIndex
	Coef       float64
}

// AffineExpr is ∑ Coef·x[Var] + Constant.
type AffineExpr struct {
	Terms    []LinearTerm
	Constant float64
}

// QuadraticExpr is ∑ Coef·x[Var1]·x[Var2] + Affine.
type QuadraticExpr struct {
	Quad   []QuadraticTerm
	Affine AffineExpr
}

// Linear builds an affine expression.
func Linear(constant float64, terms ...LinearTerm) AffineExpr {
	return AffineExpr{Terms: terms, Constant: constant}
}

// normalize merges repeated variables, drops zero coefficients and sorts by variable.
func (e AffineExpr) normalize() AffineExpr {
	terms := slices.Clone(e.Terms)
	slices.SortStableFunc(terms, func(a, b LinearTerm) int { return cmp.Compare(a.Var, b.Var) })
	out := terms[:0]
	for _, t := range terms {
		if n := len(out); n > 0 && out[n-1].Var == t.Var {
			out[n-1].Coef += t.Coef
			continue
		}
		out = append(out, t)
	}
	out = slices.DeleteFunc(out, func(t LinearTerm) bool { return t.Coef == 0 })
	return AffineExpr{Terms: out, Constant: e.Constant}
}

// normalize orders each pair as Var1 ≤ Var2, merges repeated pairs and drops zeros.
func (e QuadraticExpr) normalize() QuadraticExpr {
	quad := slices.Clone(e.Quad)
	for i, t := range quad {
		if t.Var1 > t.Var2 {
			quad[i].Var1, quad[i].Var2 = t.Var2, t.Var1
		}
	}
	slices.SortStableFunc(quad, func(a, b QuadraticTerm) int {
		if c := cmp.Compare(a.Var1, b.Var1); c != 0 {
			return c
		}
		return cmp.Compare(a.Var2, b.Var2)
	})
	out := quad[:0]
	for _, t := range quad {
		if n := len(out); n > 0 && out[n-1].Var1 == t.Var1 && out[n-1].Var2 == t.Var2 {
			out[n-1].Coef += t.Coef
			continue
		}
		out = append(out, t)
	}
	out = slices.DeleteFunc(out, func(t QuadraticTerm) bool { return t.Coef == 0 })
	return QuadraticExpr{Quad: out, Affine: e.Affine.normalize()}
}

func (e AffineExpr) Value(x []float64) float64 {
	v := e.Constant
	for _, t := range e.Terms {
		v += t.Coef * x[t.Var]
	}
	return v
}

func (e QuadraticExpr) Value(x []float64) float64 {
	v := e.Affine.Value(x)
	for _, t := range e.Quad {
		v += t.Coef * x[t.Var1] * x[t.Var2]
	}
	return v
}

// vars lists every variable referenced by the expression.
func (e QuadraticExpr) vars() []VariableIndex {
	vs := make([]VariableIndex, 0, len(e.Affine.Terms)+2*len(e.Quad))
	for _, t := range e.Affine.Terms {
		vs = append(vs, t.Var)
	}
	for _, t := range e.Quad {
		vs = append(vs, t.Var1, t.Var2)
	}
	return vs
}

type linearRow struct {
	expr   AffineExpr
	lb, ub float64
}

type quadraticRow struct {
	expr   QuadraticExpr
	lb, ub float64
}

// gradient returns, per column, the constant part and the linear-in-one-variable parts of ∇expr,
// merged by column and ordered by column. Diagonal terms contribute 2·Coef.
func (e QuadraticExpr) gradient() []gradColumn {
	cols := make(map[VariableIndex]*gradColumn)
	at := func(v VariableIndex) *gradColumn {
		c, ok := cols[v]
		if !ok {
			c = &gradColumn{col: v}
			cols[v] = c
		}
		return c
	}
	for _, t := range e.Affine.Terms {
		at(t.Var).constant += t.Coef
	}
	for _, t := range e.Quad {
		if t.Var1 == t.Var2 {
			c := at(t.Var1)
			c.terms = append(c.terms, LinearTerm{Var: t.Var1, Coef: 2 * t.Coef})
			continue
		}
		c := at(t.Var1)
		c.terms = append(c.terms, LinearTerm{Var: t.Var2, Coef: t.Coef})
		c = at(t.Var2)
		c.terms = append(c.terms, LinearTerm{Var: t.Var1, Coef: t.Coef})
	}
	out := make([]gradColumn, 0, len(cols))
	for _, c := range cols {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b gradColumn) int { return cmp.Compare(a.col, b.col) })
	return out
}

type gradColumn struct {
	col      VariableIndex
	constant float64
	terms    []LinearTerm
}
