// Package actions maps command action names to handlers executed on the
// edge. Lookup is case-insensitive and ignores surrounding whitespace.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnsupported is wrapped by Registry.Execute for unknown actions.
var ErrUnsupported = errors.New("unsupported action")

// Args are the free-form command arguments.
type Args map[string]any

// String returns args[key] as trimmed text. Missing and nil values are "".
func (a Args) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Require returns the named string args, failing with one message naming
// all of them when any is blank.
func (a Args) Require(keys ...string) ([]string, error) {
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = a.String(k)
		if vals[i] == "" {
			return nil, fmt.Errorf("%s %s required", strings.Join(keys, " and "), verb(len(keys)))
		}
	}
	return vals, nil
}

func verb(n int) string {
	if n == 1 {
		return "is"
	}
	return "are"
}

// Handler executes one action.
type Handler func(ctx context.Context, args Args) (any, error)

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register binds name to h, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[normalize(name)] = h
}

// Lookup finds the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalize(name)]
	return h, ok
}

// Names lists registered actions, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute looks up and runs action.
func (r *Registry) Execute(ctx context.Context, action string, args Args) (any, error) {
	h, ok := r.Lookup(action)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, action)
	}
	if args == nil {
		args = Args{}
	}
	return h(ctx, args)
}
