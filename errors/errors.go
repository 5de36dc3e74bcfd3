// Package errors provides error handling for target-helper.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Marks for classifying failures across wrapping layers
//
// Usage:
//
//	// Wrap with context
//	if err := store.Put(ctx, path, body); err != nil {
//	    return errors.Wrap(err, "failed to write vdoc")
//	}
//
//	// Classify a failure so callers can test it with errors.Is
//	return errors.Mark(err, errors.ErrLinkWrite)
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails

	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// Common sentinel errors.
// Use these with errors.Is() for type-safe error checking.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates a write lost an optimistic-concurrency race
	ErrConflict = New("resource conflict")
)

// Job failure taxonomy. Failures are marked with one of these so that
// metrics, the ledger and tests can classify them regardless of wrapping.
var (
	ErrSubscription         = New("subscription failure")
	ErrMalformedUpdate      = New("malformed update")
	ErrEngineReported       = New("engine reported error")
	ErrTimeoutUpdate        = New("TimeoutError")
	ErrDocumentFetch        = New("document fetch failure")
	ErrSignatureApplication = New("signature application failure")
	ErrLinkWrite            = New("link write failure")
	ErrUnknownDocumentType  = New("unknown document type")
	ErrMalformedLookup      = New("malformed lookup metadata")
	ErrLookupResolution     = New("lookup resolution failure")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// Kind returns the first taxonomy sentinel err is marked with, or nil.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range taxonomy {
		if Is(err, k) {
			return k
		}
	}
	return nil
}

var taxonomy = []error{
	ErrTimeoutUpdate,
	ErrEngineReported,
	ErrMalformedUpdate,
	ErrSubscription,
	ErrDocumentFetch,
	ErrSignatureApplication,
	ErrLinkWrite,
	ErrUnknownDocumentType,
	ErrMalformedLookup,
	ErrLookupResolution,
}
