// Package retention prunes bucket records that have aged out of their
// series' horizon. Sweeps run when a new bucket record is created, never
// on a clock, so a series that stops receiving readings keeps its
// records indefinitely.
package retention

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/minerstats/pkg/monitor"
	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/timeseries"
	"github.com/nicktill/minerstats/pkg/trigger"
)

const (
	// ScanLimit caps how many stale records one sweep removes
	ScanLimit = 1000

	defaultDeleteConcurrency = 32
)

// ErrBadEvent is returned when a trigger event lacks a usable range or timestamp
var ErrBadEvent = errors.New("bad retention event")

// Sweeper deletes stale children of a bucket series
type Sweeper struct {
	store       storage.Store
	logger      zerolog.Logger
	monitor     *monitor.SweepMonitor
	scanLimit   int
	concurrency int
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithMonitor records sweep outcomes in m
func WithMonitor(m *monitor.SweepMonitor) Option {
	return func(s *Sweeper) { s.monitor = m }
}

// WithScanLimit overrides ScanLimit
func WithScanLimit(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.scanLimit = n
		}
	}
}

// WithConcurrency bounds parallel deletes
func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a sweeper over store
func New(store storage.Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:       store,
		logger:      zerolog.Nop(),
		monitor:     &monitor.SweepMonitor{},
		scanLimit:   ScanLimit,
		concurrency: defaultDeleteConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "retention").Logger()
	return s
}

// Monitor returns the sweep monitor
func (s *Sweeper) Monitor() *monitor.SweepMonitor {
	return s.monitor
}

// Sweep deletes up to the scan limit of parent's children whose priority
// is at most t-horizon, oldest first. Finding nothing to delete is normal.
func (s *Sweeper) Sweep(ctx context.Context, parent string, t, horizon int64) (int, error) {
	deleted, err := s.sweep(ctx, parent, t-horizon)
	if err != nil {
		s.monitor.RecordFailure(err)
		return deleted, err
	}
	s.monitor.RecordSuccess(deleted)
	return deleted, nil
}

func (s *Sweeper) sweep(ctx context.Context, parent string, cutoff int64) (int, error) {
	stale, err := s.store.List(ctx, parent, s.scanLimit, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", parent, err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	s.logger.Debug().
		Str("parent", parent).
		Int64("cutoff", cutoff).
		Int("count", len(stale)).
		Msg("cleaning stale data")

	var deleted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, e := range stale {
		g.Go(func() error {
			if err := s.store.Delete(gctx, e.Path); err != nil {
				return fmt.Errorf("delete %s: %w", e.Path, err)
			}
			deleted.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(deleted.Load()), err
}

// Register installs the sweep handlers for both series layouts
func (s *Sweeper) Register(router *trigger.Router) error {
	for _, pattern := range []string{schema.AlgoBucketPattern, schema.CoinBucketPattern} {
		if err := router.Handle(pattern, "retention", s.handle); err != nil {
			return err
		}
	}
	return nil
}

// handle sweeps the bucket series a freshly created record belongs to,
// using the record's bucket start as "now".
func (s *Sweeper) handle(ctx context.Context, ev trigger.Event) error {
	g, err := timeseries.ParseRange(ev.Params["range"])
	if err != nil {
		// unknown ranges are not ours to prune
		return nil
	}
	horizon, bounded := timeseries.Retention(g)
	if !bounded {
		return nil
	}

	t, err := strconv.ParseInt(ev.Params["timestamp"], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q in %s", ErrBadEvent, ev.Params["timestamp"], ev.Path)
	}

	deleted, err := s.Sweep(ctx, schema.Parent(ev.Path), t, horizon)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.logger.Info().
			Str("series", schema.Parent(ev.Path)).
			Int("deleted", deleted).
			Msg("swept stale records")
	}
	return nil
}
