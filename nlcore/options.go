// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"log/slog"
	"runtime"
)

// Triangle selects which half of the symmetric Hessian is reported.
type Triangle int

const (
	Lower Triangle = iota // row ≥ col
	Upper                 // row ≤ col
)

func (t Triangle) String() string {
	if t == Upper {
		return "upper"
	}
	return "lower"
}

// orient swaps (r,c) onto the configured triangle.
func (t Triangle) orient(r, c int) (int, int) {
	if (t == Lower && r < c) || (t == Upper && r > c) {
		return c, r
	}
	return r, c
}

// Options configures a Problem and the dispatchers built from it.
type Options struct {
	// Hessian triangle, fixed for the lifetime of the problem.
	Triangle Triangle
	// Minimum number of nonlinear instances before Jacobian and Hessian
	// evaluation is split across workers.
	ParallelThreshold int
	// Number of workers of the parallel-for, defaults to GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
	Metrics *Metrics
}

type Option func(*Options)

func WithHessianTriangle(t Triangle) Option {
	return func(o *Options) { o.Triangle = t }
}

func WithParallelThreshold(n int) Option {
	return func(o *Options) { o.ParallelThreshold = n }
}

func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

const defaultParallelThreshold = 256

func newOptions(opts []Option) Options {
	o := Options{
		Triangle:          Lower,
		ParallelThreshold: defaultParallelThreshold,
	}
	for _, f := range opts {
		f(&o)
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}
