package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("error"), "job: resources/JOB1")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "job: resources/JOB1", details[0])
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.Nil(t, Kind(nil))
}

func TestMarkSurvivesWrapping(t *testing.T) {
	err := Mark(New("put /resources/PDF1/_meta: 500"), ErrLinkWrite)
	err = Wrap(err, "cross-link")
	err = WithDetail(err, "job: resources/JOB1")

	assert.True(t, Is(err, ErrLinkWrite))
	assert.False(t, Is(err, ErrSignatureApplication))
	assert.Equal(t, ErrLinkWrite, Kind(err))
}

func TestKindUnclassified(t *testing.T) {
	assert.Nil(t, Kind(New("plain")))
}

func TestNotFoundHelpers(t *testing.T) {
	err := NewNotFoundError("resource %s", "resources/DOC1")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "resources/DOC1")
	assert.False(t, IsNotFoundError(New("other")))

	bad := NewInvalidRequestError("status %d", 42)
	assert.True(t, IsInvalidRequestError(bad))
}

func ExampleWrap() {
	baseErr := New("connection refused")
	err := Wrap(baseErr, "failed to watch job")
	fmt.Println(err)
	// Output: failed to watch job: connection refused
}
