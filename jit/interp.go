// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"context"
	"sync"

	"github.com/curioloop/optinterface/autodiff"
	"golang.org/x/sync/errgroup"
)

// Interpreter is a Compiler evaluating graphs on pooled tapes instead of native code.
// Kernels it produces are safe for concurrent use.
type Interpreter struct {
	// Concurrency bounds the number of units prepared at once, zero means unbounded.
	Concurrency int
}

func (c Interpreter) Compile(ctx context.Context, units ...*Unit) (Library, error) {
	if err := validateUnits(units); err != nil {
		return nil, err
	}
	tables := make([]symbolTable, len(units))
	eg, ctx := errgroup.WithContext(ctx)
	if c.Concurrency > 0 {
		eg.SetLimit(c.Concurrency)
	}
	for i, u := range units {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tables[i] = interpret(u)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	lib := make(symbolTable)
	for _, t := range tables {
		for k, v := range t {
			lib[k] = v
		}
	}
	return lib, nil
}

type tapePool struct {
	sync.Pool
}

func newTapePool(g *autodiff.Graph) *tapePool {
	g = g.Compact()
	return &tapePool{sync.Pool{New: func() any { return g.NewTape() }}}
}

func (p *tapePool) get() *autodiff.Tape { return p.Get().(*autodiff.Tape) }

func interpret(u *Unit) symbolTable {
	t := make(symbolTable)
	sym := func(kind Kind) string { return Symbol(kind, u.Name, u.HasParameter) }
	for _, kind := range u.Kinds() {
		pool := newTapePool(u.graph(kind))
		switch kind {
		case KindF, KindJacobian:
			// both write outputs positionally
			fp := func(x, p, y []float64, xi, pi []int) {
				tp := pool.get()
				tp.Forward(x, xi, p, pi, nil)
				for k := range tp.Graph().Outputs() {
					y[k] = tp.Output(k)
				}
				pool.Put(tp)
			}
			if u.HasParameter {
				t[sym(kind)] = fp
			} else {
				t[sym(kind)] = func(x, y []float64, xi []int) { fp(x, nil, y, xi, nil) }
			}
		case KindAdditiveGrad:
			gp := func(x, p, grad []float64, xi, pi, gi []int) {
				tp := pool.get()
				tp.Forward(x, xi, p, pi, nil)
				for k := range tp.Graph().Outputs() {
					grad[gi[k]] += tp.Output(k)
				}
				pool.Put(tp)
			}
			if u.HasParameter {
				t[sym(kind)] = gp
			} else {
				t[sym(kind)] = func(x, grad []float64, xi, gi []int) { gp(x, nil, grad, xi, nil, gi) }
			}
		case KindHessian:
			hp := func(x, p, w, hess []float64, xi, pi, hi []int) {
				tp := pool.get()
				tp.Forward(x, xi, p, pi, w)
				for k := range tp.Graph().Outputs() {
					hess[hi[k]] += tp.Output(k)
				}
				pool.Put(tp)
			}
			if u.HasParameter {
				t[sym(kind)] = hp
			} else {
				t[sym(kind)] = func(x, w, hess []float64, xi, hi []int) { hp(x, nil, w, hess, xi, nil, hi) }
			}
		}
	}
	return t
}
