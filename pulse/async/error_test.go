package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trellisfw/target-helper/errors"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"engine error", errors.Mark(errors.New("bad scan"), errors.ErrEngineReported), ErrorCodeEngineError, false},
		{"timeout update", errors.Mark(errors.New("no result"), errors.ErrTimeoutUpdate), ErrorCodeTimeout, true},
		{"wrapped link write", errors.Wrap(errors.Mark(errors.New("412"), errors.ErrLinkWrite), "publish"), ErrorCodeLinkWrite, true},
		{"malformed lookup", errors.Mark(errors.New("not a ref"), errors.ErrMalformedLookup), ErrorCodeMalformedLookup, false},
		{"unknown doc type", errors.Mark(errors.New("x"), errors.ErrUnknownDocumentType), ErrorCodeUnknownDocType, false},
		{"cancelled", errors.Wrap(context.Canceled, "watch"), ErrorCodeCancelled, true},
		{"invalid request", errors.NewInvalidRequestError("job has no type"), ErrorCodeValidationError, false},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "get"), ErrorCodeTimeout, true},
		{"network", errors.New("connection refused"), ErrorCodeNetworkError, true},
		{"unknown", errors.New("something odd"), ErrorCodeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := ClassifyError("pipeline", tt.err)
			assert.Equal(t, tt.code, ec.Code)
			assert.Equal(t, tt.retryable, ec.Retryable)
			assert.Equal(t, "pipeline", ec.Stage)
			assert.Equal(t, tt.err.Error(), ec.Message)
		})
	}

	assert.Equal(t, ErrorCodeUnknown, ClassifyError("x", nil).Code)
}
