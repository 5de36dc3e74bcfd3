package async

import (
	"context"
	"strings"

	"github.com/trellisfw/target-helper/errors"
)

// ErrorCode represents the classification of a job failure
type ErrorCode string

const (
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeEngineError     ErrorCode = "engine_error"
	ErrorCodeMalformedUpdate ErrorCode = "malformed_update"
	ErrorCodeSubscription    ErrorCode = "subscription"
	ErrorCodeDocumentFetch   ErrorCode = "document_fetch"
	ErrorCodeSignature       ErrorCode = "signature"
	ErrorCodeLinkWrite       ErrorCode = "link_write"
	ErrorCodeUnknownDocType  ErrorCode = "unknown_document_type"
	ErrorCodeMalformedLookup ErrorCode = "malformed_lookup"
	ErrorCodeLookup          ErrorCode = "lookup"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeCancelled       ErrorCode = "cancelled"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Would re-running the whole job plausibly succeed?
}

var codeByKind = map[error]ErrorCode{
	errors.ErrTimeoutUpdate:        ErrorCodeTimeout,
	errors.ErrEngineReported:       ErrorCodeEngineError,
	errors.ErrMalformedUpdate:      ErrorCodeMalformedUpdate,
	errors.ErrSubscription:         ErrorCodeSubscription,
	errors.ErrDocumentFetch:        ErrorCodeDocumentFetch,
	errors.ErrSignatureApplication: ErrorCodeSignature,
	errors.ErrLinkWrite:            ErrorCodeLinkWrite,
	errors.ErrUnknownDocumentType:  ErrorCodeUnknownDocType,
	errors.ErrMalformedLookup:      ErrorCodeMalformedLookup,
	errors.ErrLookupResolution:     ErrorCodeLookup,
}

// ClassifyError categorizes a job failure. Marked failures map directly to
// their code; anything else falls back to message patterns.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{Stage: stage, Message: err.Error()}

	if kind := errors.Kind(err); kind != nil {
		ctx.Code = codeByKind[kind]
		switch kind {
		case errors.ErrTimeoutUpdate, errors.ErrSubscription, errors.ErrDocumentFetch,
			errors.ErrLinkWrite, errors.ErrLookupResolution, errors.ErrSignatureApplication:
			ctx.Retryable = true
		}
		return ctx
	}

	if errors.Is(err, context.Canceled) {
		ctx.Code = ErrorCodeCancelled
		ctx.Retryable = true
		return ctx
	}
	if errors.IsInvalidRequestError(err) {
		ctx.Code = ErrorCodeValidationError
		return ctx
	}

	errLower := strings.ToLower(ctx.Message)
	switch {
	case errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	case strings.Contains(errLower, "network") || strings.Contains(errLower, "connection") ||
		strings.Contains(errLower, "websocket"):
		ctx.Code = ErrorCodeNetworkError
		ctx.Retryable = true

	case strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid"):
		ctx.Code = ErrorCodeValidationError

	default:
		ctx.Code = ErrorCodeUnknown
		ctx.Retryable = true
	}

	return ctx
}
