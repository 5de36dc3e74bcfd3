package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/trellisfw/target-helper/errors"
)

// JobHandler runs one job type.
//
// Execute returns the job result on success. Handlers must return when ctx
// is cancelled; the worker leaves the job in the pending queue in that case.
type JobHandler interface {
	Execute(ctx context.Context, job *Job) (map[string]interface{}, error)

	// Name is the job type this handler serves ("transcription", "asn")
	Name() string
}

// HandlerFunc adapts a function to JobHandler
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, job *Job) (map[string]interface{}, error)
}

// Execute implements JobHandler
func (h HandlerFunc) Execute(ctx context.Context, job *Job) (map[string]interface{}, error) {
	return h.Fn(ctx, job)
}

// Name implements JobHandler
func (h HandlerFunc) Name() string {
	return h.Type
}

// HandlerRegistry maps job types to handlers.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler under its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a job type, or nil.
func (r *HandlerRegistry) Get(name string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has checks if a handler is registered for a job type.
func (r *HandlerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Names returns the registered job types, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches job to the handler registered for its type
func (r *HandlerRegistry) Execute(ctx context.Context, job *Job) (map[string]interface{}, error) {
	if job.Type == "" {
		return nil, errors.NewInvalidRequestError("job %s has no type", job.ID)
	}
	handler := r.Get(job.Type)
	if handler == nil {
		return nil, errors.NewInvalidRequestError("no handler registered for job type: %s", job.Type)
	}
	return handler.Execute(ctx, job)
}
