// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package model is a solver-facing façade over nlcore.
//
// A Model collects variables, affine and quadratic rows, nonlinear templates with their
// instances and an objective, then Optimize compiles the templates, analyzes the global
// structure and hands a dispatcher to the configured Solver:
//
//	m := model.New()
//	x, _ := m.AddVariable(math.Inf(-1), math.Inf(1), 0)
//	y, _ := m.AddVariable(math.Inf(-1), math.Inf(1), 0)
//	m.AddLinearConstraint(nlcore.Linear(0, nlcore.LinearTerm{Var: x, Coef: 1}, nlcore.LinearTerm{Var: y, Coef: 1}), model.EqualTo, 2)
//	m.SetObjective(objective, model.Minimize)
//	sol, err := m.Optimize(ctx)
package model

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/curioloop/optinterface/autodiff"
	"github.com/curioloop/optinterface/jit"
	"github.com/curioloop/optinterface/nlcore"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/curioloop/optinterface/model")

// Sense is the relation of a constraint row to its right-hand side.
type Sense int

const (
	LessThan Sense = iota
	GreaterThan
	EqualTo
)

func (s Sense) String() string {
	switch s {
	case LessThan:
		return "<="
	case GreaterThan:
		return ">="
	case EqualTo:
		return "=="
	}
	return "?"
}

// bounds converts "row sense rhs" into lb ≤ row ≤ ub.
func (s Sense) bounds(rhs float64) (lb, ub float64) {
	switch s {
	case LessThan:
		return math.Inf(-1), rhs
	case GreaterThan:
		return rhs, math.Inf(1)
	default:
		return rhs, rhs
	}
}

// ObjectiveSense selects minimisation or maximisation.
type ObjectiveSense int

const (
	Minimize ObjectiveSense = iota
	Maximize
)

func (s ObjectiveSense) String() string {
	if s == Maximize {
		return "max"
	}
	return "min"
}

// Option configures a Model.
type Option func(*config)

type config struct {
	core     []nlcore.Option
	logger   *slog.Logger
	compiler jit.Compiler
	solver   Solver
}

// WithCoreOptions forwards options to the underlying nlcore.Problem.
func WithCoreOptions(opts ...nlcore.Option) Option {
	return func(c *config) { c.core = append(c.core, opts...) }
}

// WithLogger sets the logger of the model and its problem.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics registers evaluation and analysis metrics.
func WithMetrics(m *nlcore.Metrics) Option {
	return func(c *config) { c.core = append(c.core, nlcore.WithMetrics(m)) }
}

// WithCompiler replaces the default in-process interpreter.
func WithCompiler(comp jit.Compiler) Option {
	return func(c *config) { c.compiler = comp }
}

// WithSolver replaces the default SLSQP back-end.
func WithSolver(s Solver) Option {
	return func(c *config) { c.solver = s }
}

// Model is not safe for concurrent use.
type Model struct {
	p        *nlcore.Problem
	logger   *slog.Logger
	compiler jit.Compiler
	solver   Solver
	cfg      Config
	sense    ObjectiveSense

	last    *Solution
	elapsed time.Duration
}

// New creates an empty model.
func New(opts ...Option) *Model {
	c := config{logger: slog.New(slog.DiscardHandler), compiler: jit.Interpreter{}, solver: SLSQP{}}
	for _, opt := range opts {
		opt(&c)
	}
	core := append([]nlcore.Option{nlcore.WithLogger(c.logger)}, c.core...)
	return &Model{
		p:        nlcore.NewProblem(core...),
		logger:   c.logger,
		compiler: c.compiler,
		solver:   c.solver,
		cfg:      defaultConfig(),
	}
}

// Problem exposes the underlying problem.
func (m *Model) Problem() *nlcore.Problem { return m.p }

func (m *Model) AddVariable(lb, ub, start float64) (nlcore.VariableIndex, error) {
	return m.p.AddVariable(lb, ub, start)
}

// AddVariables adds n free variables starting at 0.
func (m *Model) AddVariables(n int) ([]nlcore.VariableIndex, error) {
	vs := make([]nlcore.VariableIndex, n)
	for i := range vs {
		v, err := m.p.AddVariable(math.Inf(-1), math.Inf(1), 0)
		if err != nil {
			return nil, err
		}
		vs[i] = v
	}
	return vs, nil
}

func (m *Model) DeleteVariable(v nlcore.VariableIndex) error { return m.p.DeleteVariable(v) }

func (m *Model) AddParameter(value float64) (nlcore.ParameterIndex, error) {
	return m.p.AddParameter(value)
}

func (m *Model) SetParameter(pi nlcore.ParameterIndex, value float64) error {
	return m.p.SetParameter(pi, value)
}

func (m *Model) AddLinearConstraint(expr nlcore.AffineExpr, sense Sense, rhs float64) (nlcore.ConstraintIndex, error) {
	lb, ub := sense.bounds(rhs)
	return m.p.AddLinearConstraint(expr, lb, ub)
}

func (m *Model) AddQuadraticConstraint(expr nlcore.QuadraticExpr, sense Sense, rhs float64) (nlcore.ConstraintIndex, error) {
	lb, ub := sense.bounds(rhs)
	return m.p.AddQuadraticConstraint(expr, lb, ub)
}

// RegisterFunction registers a nonlinear template.
func (m *Model) RegisterFunction(g *autodiff.Graph, name string) (nlcore.FunctionIndex, error) {
	return m.p.RegisterFunction(g, name)
}

// AddNLConstraint constrains every output of the template against rhs with one sense.
func (m *Model) AddNLConstraint(fi nlcore.FunctionIndex, xs []nlcore.VariableIndex, ps []nlcore.ParameterIndex, sense Sense, rhs []float64) (nlcore.NLConstraintIndex, error) {
	lb, ub := make([]float64, len(rhs)), make([]float64, len(rhs))
	for k, r := range rhs {
		lb[k], ub[k] = sense.bounds(r)
	}
	return m.p.AddNLConstraint(fi, xs, ps, lb, ub)
}

// AddNLConstraintBounds constrains lb ≤ f ≤ ub componentwise; a nil side is open.
func (m *Model) AddNLConstraintBounds(fi nlcore.FunctionIndex, xs []nlcore.VariableIndex, ps []nlcore.ParameterIndex, lb, ub []float64) (nlcore.NLConstraintIndex, error) {
	return m.p.AddNLConstraint(fi, xs, ps, lb, ub)
}

func (m *Model) AddNLObjective(fi nlcore.FunctionIndex, xs []nlcore.VariableIndex, ps []nlcore.ParameterIndex) error {
	return m.p.AddNLObjective(fi, xs, ps)
}

// SetObjective replaces the analytic objective part and the objective sense.
func (m *Model) SetObjective(expr nlcore.QuadraticExpr, sense ObjectiveSense) error {
	if err := m.p.SetObjective(expr); err != nil {
		return err
	}
	m.sense = sense
	return nil
}

func (m *Model) SetObjectiveSense(sense ObjectiveSense) { m.sense = sense }

// Optimize compiles pending templates, analyzes the structure and runs the solver.
// Solver outcomes are reported by Solution.Status; errors are reserved for invalid
// models and back-end failures.
func (m *Model) Optimize(ctx context.Context) (*Solution, error) {
	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "model.Optimize", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("solver", m.solver.Name()),
	))
	defer span.End()
	log := m.logger.With("run_id", runID)
	start := time.Now()

	sol, err := m.optimize(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "optimize failed")
		log.Error("nlcore solve failed", "error", err)
		return nil, err
	}
	sol.RunID = runID
	m.last, m.elapsed = sol, time.Since(start)
	span.SetAttributes(
		attribute.String("status", sol.Status.String()),
		attribute.Int("iterations", sol.Iterations),
	)
	log.Info("nlcore solve finished",
		"solver", sol.Solver, "status", sol.Status, "objective", sol.Objective,
		"violation", sol.Violation, "iterations", sol.Iterations, "elapsed", m.elapsed)
	return sol, nil
}

func (m *Model) optimize(ctx context.Context) (*Solution, error) {
	if err := m.p.Compile(ctx, m.compiler); err != nil {
		return nil, err
	}
	if _, err := m.p.AnalyzeContext(ctx); err != nil {
		return nil, err
	}
	d, err := nlcore.NewDispatcher(m.p)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	cfg := m.cfg
	cfg.Maximize = m.sense == Maximize
	return m.solver.Solve(ctx, d, cfg)
}

// Solution returns the result of the last Optimize call, nil before it.
func (m *Model) Solution() *Solution { return m.last }

// Status returns the termination status of the last solve.
func (m *Model) Status() TerminationStatus {
	if m.last == nil {
		return OptimizeNotCalled
	}
	return m.last.Status
}
