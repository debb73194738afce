// Package trigger dispatches "child created" events for store paths to
// handlers registered against path patterns.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Event describes a path that did not exist before a write
type Event struct {
	Path     string
	Priority int64

	// Params holds the values captured by the pattern's {param} segments
	Params map[string]string
}

// Handler reacts to a created child
type Handler func(ctx context.Context, ev Event) error

type route struct {
	name     string
	segments []string
	handler  Handler
}

// Router matches created paths against patterns such as
// pool/{pool}/algo/{algo}/profitability/{range}/{timestamp}
type Router struct {
	mu     sync.RWMutex
	routes []route
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{}
}

// Handle registers a handler for a pattern. Segments wrapped in braces
// match any single path segment and are captured by name.
func (r *Router) Handle(pattern string, name string, h Handler) error {
	segments := strings.Split(pattern, "/")
	seen := make(map[string]bool)
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("pattern %q: empty segment", pattern)
		}
		if p, ok := param(seg); ok {
			if seen[p] {
				return fmt.Errorf("pattern %q: duplicate param %q", pattern, p)
			}
			seen[p] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{name: name, segments: segments, handler: h})
	return nil
}

// Dispatch runs every handler whose pattern matches ev.Path, in
// registration order. Handler errors are joined; one failing handler does
// not stop the others.
func (r *Router) Dispatch(ctx context.Context, ev Event) error {
	r.mu.RLock()
	routes := r.routes
	r.mu.RUnlock()

	parts := strings.Split(ev.Path, "/")
	var errs []error
	for _, rt := range routes {
		params, ok := match(rt.segments, parts)
		if !ok {
			continue
		}
		matched := ev
		matched.Params = params
		if err := rt.handler(ctx, matched); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt.name, err))
		}
	}
	return errors.Join(errs...)
}

// Matches reports whether any registered pattern matches path
func (r *Router) Matches(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	parts := strings.Split(path, "/")
	for _, rt := range r.routes {
		if _, ok := match(rt.segments, parts); ok {
			return true
		}
	}
	return false
}

func match(segments, parts []string) (map[string]string, bool) {
	if len(segments) != len(parts) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range segments {
		if p, ok := param(seg); ok {
			if parts[i] == "" {
				return nil, false
			}
			params[p] = parts[i]
			continue
		}
		if seg != parts[i] {
			return nil, false
		}
	}
	return params, true
}

func param(seg string) (string, bool) {
	if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}
