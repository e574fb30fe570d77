// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"github.com/curioloop/optinterface/nlcore"
)

// TerminationStatus is the outcome of Optimize.
type TerminationStatus int

const (
	// OptimizeNotCalled is the status before the first solve.
	OptimizeNotCalled TerminationStatus = iota
	// LocallySolved indicates convergence to a local optimum.
	LocallySolved
	// LocallyInfeasible indicates the linearised constraints became inconsistent.
	LocallyInfeasible
	// IterationLimit indicates the iteration limit was reached.
	IterationLimit
	// SearchFailed indicates the line search could not find a descent step.
	SearchFailed
	// NumericalError indicates a singular or ill-conditioned sub-problem.
	NumericalError
	// EvaluationError indicates the back-end rejected its evaluation results.
	// Kernel failures are returned from Optimize as Backend errors instead.
	EvaluationError
	// Interrupted indicates the context was cancelled during the solve.
	Interrupted
)

var statusNames = [...]string{
	"OptimizeNotCalled", "LocallySolved", "LocallyInfeasible", "IterationLimit",
	"SearchFailed", "NumericalError", "EvaluationError", "Interrupted",
}

func (s TerminationStatus) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Unknown"
}

// HasSolution reports whether the primal values are usable.
func (s TerminationStatus) HasSolution() bool {
	return s == LocallySolved || s == IterationLimit || s == SearchFailed
}

// Solution is the result of a solve.
type Solution struct {
	Status TerminationStatus
	// RunID identifies the solve in logs and traces.
	RunID string
	// X is indexed by variable; deleted variables report 0.
	X []float64
	// Objective is reported in the model's own sense.
	Objective float64
	// Rows holds every constraint row in structure order: linear, quadratic, nonlinear.
	Rows []float64
	// Duals are the back-end multipliers mapped back to rows.
	Duals []float64
	// Violation is the largest bound violation over all rows.
	Violation  float64
	Iterations int
	Solver     string
}

// Value returns the value of a variable, or 0 when out of range.
func (s *Solution) Value(v nlcore.VariableIndex) float64 {
	if v < 0 || int(v) >= len(s.X) {
		return 0
	}
	return s.X[v]
}

// RowValue returns the value of a row, or 0 when out of range.
func (s *Solution) RowValue(row int) float64 {
	if row < 0 || row >= len(s.Rows) {
		return 0
	}
	return s.Rows[row]
}
