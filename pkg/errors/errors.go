// Package errors re-exports github.com/cockroachdb/errors for the staging
// engine and adds a few helpers for inspecting multi-errors and cancellation.
//
// Usage:
//
//	if err := step.Start(ordering); err != nil {
//	    return errors.Wrapf(err, "start step %q", step.Name())
//	}
//
//	if errors.Is(err, staging.ErrLifecycleViolation) {
//	    // programming error, never retried
//	}
package errors

import (
	"context"
	"reflect"

	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Join         = crdb.Join
)

// Hints and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	FlattenHints  = crdb.FlattenHints
	GetAllDetails = crdb.GetAllDetails
)

// Inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Mark      = crdb.Mark
)

// IsNil reports whether i is nil or a typed nil pointer.
func IsNil(i interface{}) bool {
	if i == nil || (reflect.ValueOf(i).Kind() == reflect.Ptr && reflect.ValueOf(i).IsNil()) {
		return true
	}
	return false
}

// GetErrors flattens one level of a joined error. A nil error yields an
// empty slice and a plain error yields itself.
func GetErrors(err error) []error {
	if IsNil(err) {
		return []error{}
	}

	e, ok := err.(interface{ Unwrap() []error })
	if ok {
		return e.Unwrap()
	}

	return []error{err}
}

// IsCancellation reports whether err stems from a cancelled or expired
// context.
func IsCancellation(err error) bool {
	return Is(err, context.DeadlineExceeded) || Is(err, context.Canceled)
}
