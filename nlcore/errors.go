// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcore

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures surfaced by the core.
// Solve outcomes such as infeasibility are not errors.
type ErrorKind int

const (
	// Precondition marks a modelling bug: arity mismatch, reference to a deleted entity,
	// mutation of a frozen problem, evaluation against a stale structure.
	Precondition ErrorKind = iota
	// Backend marks a failure reported by an external collaborator (compiler, solver),
	// the original message is kept in Err.
	Backend
)

func (k ErrorKind) String() string {
	switch k {
	case Precondition:
		return "precondition"
	case Backend:
		return "backend"
	}
	return "unknown"
}

// Error is the single error type returned by the core.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("nlcore: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Cause() error  { return e.Err }
func (e *Error) Unwrap() error { return e.Err }

func precondition(op, format string, args ...any) error {
	return &Error{Kind: Precondition, Op: op, Err: errors.Errorf(format, args...)}
}

func backend(op string, err error) error {
	return &Error{Kind: Backend, Op: op, Err: err}
}

// IsKind reports whether err is an *Error of the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
