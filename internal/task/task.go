// Package task defines the closed catalog of job kinds the queue can run.
//
// Instead of serializing arbitrary callables, submitters name a registered
// kind and pass JSON-encoded args/kwargs; workers look the kind up in their
// own Registry and execute the handler. A kind missing from a worker's
// registry is simply never claimed as runnable work by that code path — but a
// kind whose underlying external command is missing from the host is a
// deployment error, which the worker package treats as a cluster-health
// signal rather than an ordinary job failure.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one work item. Args and kwargs arrive exactly as the
// submitter serialized them. The returned value is JSON-encoded into the
// result envelope; a returned error is captured and stored, never propagated
// out of the worker loop.
type Handler func(ctx context.Context, args, kwargs json.RawMessage) (any, error)

// Registry maps kind names to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates h with kind. Registering the same kind twice is a
// programmer error and panics, matching the net/http.Handle convention.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[kind]; dup {
		panic(fmt.Sprintf("task: kind %q registered twice", kind))
	}
	r.handlers[kind] = h
}

// Lookup returns the handler for kind and whether it exists.
func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	_, ok := r.Lookup(kind)
	return ok
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
