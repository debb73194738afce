package trigger

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/nicktill/minerstats/pkg/storage"
)

// Store decorates a storage.Store so that writes creating a new path fire
// the router's handlers. Handlers run synchronously after the write has
// committed; their failures are logged and counted but never returned to
// the writer.
type Store struct {
	storage.Store

	router   *Router
	logger   zerolog.Logger
	failures atomic.Int64
}

// Wrap decorates store with router
func Wrap(store storage.Store, router *Router, logger zerolog.Logger) *Store {
	return &Store{
		Store:  store,
		router: router,
		logger: logger.With().Str("component", "trigger").Logger(),
	}
}

func (s *Store) SetWithPriority(ctx context.Context, path string, value []byte, priority int64) (bool, error) {
	created, err := s.Store.SetWithPriority(ctx, path, value, priority)
	if err == nil && created {
		s.fire(ctx, path, priority)
	}
	return created, err
}

func (s *Store) Update(ctx context.Context, path string, priority int64, fn storage.UpdateFunc) (bool, error) {
	created, err := s.Store.Update(ctx, path, priority, fn)
	if err == nil && created {
		s.fire(ctx, path, priority)
	}
	return created, err
}

// Set overwrites without a priority. It goes through SetWithPriority so
// that the decorator sees creations on every write path.
func (s *Store) Set(ctx context.Context, path string, value []byte) error {
	_, err := s.SetWithPriority(ctx, path, value, 0)
	return err
}

// Failures counts handler errors since start
func (s *Store) Failures() int64 {
	return s.failures.Load()
}

// Unwrap returns the decorated store
func (s *Store) Unwrap() storage.Store {
	return s.Store
}

func (s *Store) fire(ctx context.Context, path string, priority int64) {
	if err := s.router.Dispatch(ctx, Event{Path: path, Priority: priority}); err != nil {
		s.failures.Add(1)
		s.logger.Error().Err(err).Str("path", path).Msg("trigger handler failed")
	}
}
