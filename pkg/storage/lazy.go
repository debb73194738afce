package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Opener opens a backend
type Opener func(ctx context.Context) (Store, error)

// OpenTimeout bounds one attempt to open the wrapped backend
const OpenTimeout = 10 * time.Second

// Lazy opens the wrapped backend on first use. Only a successful open is
// kept; after a failure the next caller tries again.
type Lazy struct {
	open Opener

	mu     sync.Mutex
	store  Store
	closed bool
}

// NewLazy wraps an opener
func NewLazy(open Opener) *Lazy {
	return &Lazy{open: open}
}

func (l *Lazy) get(ctx context.Context) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrUnavailable
	}
	if l.store != nil {
		return l.store, nil
	}

	// the open outlives a cancelled caller
	openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), OpenTimeout)
	defer cancel()

	s, err := l.open(openCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	l.store = s
	return s, nil
}

// Backend returns the opened store, opening it if needed
func (l *Lazy) Backend(ctx context.Context) (Store, error) {
	return l.get(ctx)
}

func (l *Lazy) Get(ctx context.Context, path string) ([]byte, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, path)
}

func (l *Lazy) Set(ctx context.Context, path string, value []byte) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.Set(ctx, path, value)
}

func (l *Lazy) SetWithPriority(ctx context.Context, path string, value []byte, priority int64) (bool, error) {
	s, err := l.get(ctx)
	if err != nil {
		return false, err
	}
	return s.SetWithPriority(ctx, path, value, priority)
}

func (l *Lazy) Update(ctx context.Context, path string, priority int64, fn UpdateFunc) (bool, error) {
	s, err := l.get(ctx)
	if err != nil {
		return false, err
	}
	return s.Update(ctx, path, priority, fn)
}

func (l *Lazy) Delete(ctx context.Context, path string) error {
	s, err := l.get(ctx)
	if err != nil {
		return err
	}
	return s.Delete(ctx, path)
}

func (l *Lazy) List(ctx context.Context, parent string, limit int, endAt int64) ([]Entry, error) {
	s, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return s.List(ctx, parent, limit, endAt)
}

// Close closes the backend if it was ever opened
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.store != nil {
		return l.store.Close()
	}
	return nil
}
