// Package pipeline turns profitability readings into latest values,
// minute records and hour/day rollups.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/minerstats/pkg/model"
	"github.com/nicktill/minerstats/pkg/rollup"
	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/timeseries"
)

const defaultConcurrency = 16

// LatestSink receives every latest value the pipeline writes
type LatestSink interface {
	PublishLatest(v schema.LatestValue)
}

// Pipeline writes readings into a store. It holds no state of its own
// besides counters, so one Pipeline can serve any number of concurrent
// batches.
type Pipeline struct {
	store       storage.Store
	registry    *model.Registry
	logger      zerolog.Logger
	tracer      trace.Tracer
	sink        LatestSink
	concurrency int

	ingested atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithRegistry replaces the default pool/algorithm/currency registry
func WithRegistry(r *model.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithTracer records spans around ingestion
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithLatestSink forwards latest values, e.g. to websocket clients
func WithLatestSink(s LatestSink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithConcurrency bounds how many messages of a batch are processed at once
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// New creates a pipeline over store
func New(store storage.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		registry:    model.DefaultRegistry(),
		logger:      zerolog.Nop(),
		tracer:      noop.NewTracerProvider().Tracer("pipeline"),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "pipeline").Logger()
	return p
}

// Stats counts readings since start
type Stats struct {
	Ingested int64 `json:"ingested"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
}

// Stats returns the counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Ingested: p.ingested.Load(),
		Skipped:  p.skipped.Load(),
		Failed:   p.failed.Load(),
	}
}

// ProcessBatch decodes and processes every message. Messages run
// concurrently and one failure never stops the others. The returned error
// joins every failure; a nil error means the whole batch may be
// acknowledged. Readings that succeeded are not rolled back when a
// sibling fails, so redelivering a failed batch re-applies them.
func (p *Pipeline) ProcessBatch(ctx context.Context, messages [][]byte) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.process-batch",
		trace.WithAttributes(attribute.Int("batch.size", len(messages))))
	defer span.End()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, msg := range messages {
		g.Go(func() error {
			if err := p.processMessage(ctx, msg); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("message %d: %w", i, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		p.logger.Error().Err(err).Int("failed", len(errs)).Int("size", len(messages)).Msg("failed to process batch")
		return err
	}
	return nil
}

func (p *Pipeline) processMessage(ctx context.Context, msg []byte) error {
	u, err := model.Decode(msg)
	if err != nil {
		p.failed.Add(1)
		return err
	}
	return p.Process(ctx, u)
}

// Process routes one update. Balances and unknown update types are logged
// and skipped.
func (p *Pipeline) Process(ctx context.Context, u model.Update) error {
	switch v := u.(type) {
	case model.AlgoProfitability, model.CoinProfitability:
		reading, _ := model.AsReading(v)
		return p.Ingest(ctx, reading)
	case model.Balance:
		p.skipped.Add(1)
		p.logger.Warn().Str("type", v.Type()).Str("pool", v.Pool).Msg("not implemented yet")
		return nil
	case model.Unhandled:
		p.skipped.Add(1)
		p.logger.Warn().Str("type", v.Type()).Msg("not implemented yet")
		return nil
	default:
		p.skipped.Add(1)
		p.logger.Warn().Str("type", fmt.Sprintf("%T", u)).Msg("unexpected update")
		return nil
	}
}

// Ingest writes one reading: the pool's latest value, the minute record
// and both rollups. Readings for unknown series are dropped with a
// warning. A currency mismatch aborts the reading after the writes that
// preceded it.
func (p *Pipeline) Ingest(ctx context.Context, r model.Reading) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.ingest", trace.WithAttributes(
		attribute.String("pool", r.Pool),
		attribute.String("algorithm", r.Algorithm),
		attribute.String("coin", r.Coin),
		attribute.Int64("timestamp", r.Timestamp),
	))
	defer span.End()

	log := p.logger.With().
		Str("pool", r.Pool).
		Str("algo", r.Algorithm).
		Str("coin", r.Coin).
		Int64("timestamp", r.Timestamp).
		Logger()

	key := schema.KeyFor(r)
	if err := p.registry.Validate(r); err != nil {
		p.skipped.Add(1)
		log.Warn().Err(err).Msg("dropping reading for unknown series")
		return nil
	}
	if err := key.Validate(); err != nil {
		p.skipped.Add(1)
		log.Warn().Err(err).Msg("dropping reading with unusable path")
		return nil
	}

	if err := p.ingest(ctx, key, r); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("amount", r.Amount.String()).Msg("failed to ingest reading")
		return err
	}
	p.ingested.Add(1)
	log.Debug().Msg("ingested reading")
	return nil
}

func (p *Pipeline) ingest(ctx context.Context, key schema.SeriesKey, r model.Reading) error {
	latest := schema.LatestFromReading(r)
	if err := p.writeJSON(ctx, schema.LatestPath(r.Pool), latest); err != nil {
		return fmt.Errorf("write latest: %w", err)
	}
	if p.sink != nil {
		p.sink.PublishLatest(latest)
	}

	minute := timeseries.Floor(r.Timestamp, timeseries.Minute)
	record, err := json.Marshal(schema.MinuteRecord{Amount: r.Amount, Timestamp: minute})
	if err != nil {
		return err
	}
	if _, err := p.store.SetWithPriority(ctx, key.Record(timeseries.Minute, minute), record, minute); err != nil {
		return fmt.Errorf("write minute record: %w", err)
	}

	for _, g := range timeseries.Rollups {
		if err := p.mergeRollup(ctx, key, g, r.Amount, r.Timestamp); err != nil {
			return fmt.Errorf("merge %s rollup: %w", g, err)
		}
	}
	return nil
}

func (p *Pipeline) mergeRollup(ctx context.Context, key schema.SeriesKey, g timeseries.Granularity, amount model.Amount, ts int64) error {
	bucket := timeseries.Floor(ts, g)
	_, err := p.store.Update(ctx, key.Record(g, bucket), bucket, func(current []byte) ([]byte, error) {
		var existing *schema.RollupRecord
		if current != nil {
			existing = &schema.RollupRecord{}
			if err := json.Unmarshal(current, existing); err != nil {
				return nil, fmt.Errorf("decode rollup: %w", err)
			}
		}
		next, err := rollup.Merge(existing, amount, bucket)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
	return err
}

func (p *Pipeline) writeJSON(ctx context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, path, data)
}
