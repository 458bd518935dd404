// Package errors defines the error-kind taxonomy shared by every
// component in this module. Components never return bare sentinel
// errors for anything that crosses a component boundary; they wrap with
// a Kind so callers (the orchestrator, GetTaskStatus, tests) can branch
// on *why* without string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind standardizes failure semantics across the pipeline. Values are
// stable strings: they are persisted on Task records and surfaced to
// adapters verbatim.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNoPerson     Kind = "no_person"
	KindEngineError  Kind = "engine_error"
	KindTimeout      Kind = "timeout"
	KindCanceled     Kind = "canceled"
	KindOverloaded   Kind = "overloaded"
	KindStorageError Kind = "storage_error"
	KindInternal     Kind = "internal"
)

// Error is the canonical wrapper used across this module.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Kind)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Kind)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// E builds a new Error with explicit kind, operation, and message.
func E(kind Kind, op, message string, cause error) error {
	return &Error{Kind: kind, Op: strings.TrimSpace(op), Message: strings.TrimSpace(message), Cause: cause}
}

// Wrap annotates an existing error with a Kind, preserving the original
// as Cause. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return E(kind, op, err.Error(), err)
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error. Returns "" if no Kind is present.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}
