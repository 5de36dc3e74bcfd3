// Package store defines the resource store capability consumed by the
// rest of target-helper: path-addressed CRUD plus watches over a
// hierarchical JSON namespace with link resolution.
package store

import (
	"context"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/tree"
)

// ErrNotFound is returned when a path does not resolve
var ErrNotFound = errors.ErrNotFound

// ChangeType is the kind of a change event
type ChangeType string

const (
	ChangeMerge  ChangeType = "merge"
	ChangeDelete ChangeType = "delete"
)

// Change is one event delivered by a watch. Path is relative to the
// watched root ("" for the root itself) and Body is the partial resource
// written at Path.
type Change struct {
	Path string                 `json:"path"`
	Type ChangeType             `json:"type"`
	Body map[string]interface{} `json:"body,omitempty"`
}

// Subscription is a live watch. Close is idempotent and safe to call
// concurrently; Events is closed once the subscription ends.
type Subscription interface {
	Events() <-chan Change
	Close() error
}

// Client is the store capability
type Client interface {
	// Get returns the decoded JSON at path. A terminal link is resolved
	// to the linked resource.
	Get(ctx context.Context, path string) (interface{}, error)
	// Put deep-merges data at path and returns the location written
	Put(ctx context.Context, path string, data interface{}, opts ...WriteOption) (string, error)
	// Post creates a new child under path and returns its location.
	// Posting to /resources creates a standalone resource.
	Post(ctx context.Context, path string, data interface{}, opts ...WriteOption) (string, error)
	Delete(ctx context.Context, path string) error
	// Ensure creates path from data if it does not exist and returns its content
	Ensure(ctx context.Context, path string, data interface{}, shape tree.Tree) (interface{}, error)
	// Watch subscribes to changes at and below path until ctx ends or the
	// subscription is closed
	Watch(ctx context.Context, path string) (Subscription, error)
}

// WriteOptions carries optional Put/Post parameters
type WriteOptions struct {
	ContentType string
	Tree        tree.Tree
}

// WriteOption configures a write
type WriteOption func(*WriteOptions)

// WithContentType sets the content type of the written resource
func WithContentType(ct string) WriteOption {
	return func(o *WriteOptions) { o.ContentType = ct }
}

// WithTree creates intermediate resources following shape
func WithTree(shape tree.Tree) WriteOption {
	return func(o *WriteOptions) { o.Tree = shape }
}

// ApplyOptions folds opts into a WriteOptions value
func ApplyOptions(opts []WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// GetObject fetches path and requires a JSON object
func GetObject(ctx context.Context, c Client, path string) (map[string]interface{}, error) {
	v, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.NewInvalidRequestError("%s is not an object (%T)", path, v)
	}
	return obj, nil
}

// Exists reports whether path resolves
func Exists(ctx context.Context, c Client, path string) (bool, error) {
	_, err := c.Get(ctx, path)
	if err == nil {
		return true, nil
	}
	if errors.IsNotFoundError(err) {
		return false, nil
	}
	return false, err
}
