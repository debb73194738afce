package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/minerstats/pkg/model"
	"github.com/nicktill/minerstats/pkg/retention"
	"github.com/nicktill/minerstats/pkg/rollup"
	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/storage/memory"
	"github.com/nicktill/minerstats/pkg/timeseries"
	"github.com/nicktill/minerstats/pkg/trigger"
)

var poolA = schema.SeriesKey{Pool: "poolA", Algorithm: "sha256"}

type fixture struct {
	base     *memory.Storage
	store    *trigger.Store
	sweeper  *retention.Sweeper
	pipeline *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	base := memory.New()
	router := trigger.NewRouter()
	sweeper := retention.New(base)
	require.NoError(t, sweeper.Register(router))
	store := trigger.Wrap(base, router, zerolog.Nop())

	registry := model.DefaultRegistry()
	registry.AddPool("poolA", model.AlgoFocused)

	opts = append([]Option{WithRegistry(registry)}, opts...)
	return &fixture{
		base:     base,
		store:    store,
		sweeper:  sweeper,
		pipeline: New(store, opts...),
	}
}

func btc(v float64) model.Amount { return model.Amount{Currency: "BTC", Value: v} }

func reading(ts int64, amount model.Amount) model.Reading {
	return model.Reading{Pool: poolA.Pool, Algorithm: poolA.Algorithm, Timestamp: ts, Amount: amount}
}

func readJSON[T any](t *testing.T, store storage.Store, path string) T {
	t.Helper()
	raw, err := store.Get(context.Background(), path)
	require.NoError(t, err, path)
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestIngest_MinuteLastWriteWinsAndHourRollup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Ingest(ctx, reading(0, btc(1.0))))
	require.NoError(t, f.pipeline.Ingest(ctx, reading(30, btc(3.0))))

	minute := readJSON[schema.MinuteRecord](t, f.base, poolA.Record(timeseries.Minute, 0))
	require.Equal(t, schema.MinuteRecord{Amount: btc(3.0), Timestamp: 0}, minute)

	hour := readJSON[schema.RollupRecord](t, f.base, poolA.Record(timeseries.Hour, 0))
	require.Equal(t, schema.RollupRecord{
		Min: btc(1), Max: btc(3), Sum: btc(4), Count: 2, Timestamp: 0,
	}, hour)

	day := readJSON[schema.RollupRecord](t, f.base, poolA.Record(timeseries.Day, 0))
	require.Equal(t, hour, day)

	latest := readJSON[schema.LatestValue](t, f.base, schema.LatestPath("poolA"))
	require.Equal(t, schema.LatestValue{Algo: "sha256", Amount: btc(3.0), Pool: "poolA", Timestamp: 30}, latest)
}

func TestIngest_MinuteRecordPriority(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pipeline.Ingest(context.Background(), reading(150, btc(1))))

	entries, err := f.base.List(context.Background(), poolA.Bucket(timeseries.Minute), 0, 1<<40)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(120), entries[0].Priority)
	require.Equal(t, "120", entries[0].Key)
}

func TestIngest_NewHourSweepsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Ingest(ctx, reading(0, btc(1))))
	require.NoError(t, f.pipeline.Ingest(ctx, reading(3700, btc(2))))

	hours, err := f.base.List(ctx, poolA.Bucket(timeseries.Hour), 0, 1<<40)
	require.NoError(t, err)
	require.Len(t, hours, 2)
	require.Equal(t, int64(0), hours[0].Priority)
	require.Equal(t, int64(3600), hours[1].Priority)

	minutes, err := f.base.List(ctx, poolA.Bucket(timeseries.Minute), 0, 1<<40)
	require.NoError(t, err)
	require.Len(t, minutes, 2)

	status := f.sweeper.Monitor().Status()
	require.Zero(t, status.Deleted)
	require.True(t, status.Healthy)
	require.Zero(t, f.store.Failures())
}

func TestIngest_CurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Ingest(ctx, reading(0, btc(1))))
	before := readJSON[schema.RollupRecord](t, f.base, poolA.Record(timeseries.Hour, 0))

	err := f.pipeline.Ingest(ctx, reading(10, model.Amount{Currency: "ETH", Value: 5}))
	require.ErrorIs(t, err, rollup.ErrCurrencyMismatch)

	after := readJSON[schema.RollupRecord](t, f.base, poolA.Record(timeseries.Hour, 0))
	require.Equal(t, before, after)
	day := readJSON[schema.RollupRecord](t, f.base, poolA.Record(timeseries.Day, 0))
	require.Equal(t, int64(1), day.Count)
	require.Equal(t, int64(1), f.pipeline.Stats().Failed)
}

func TestIngest_UnknownSeriesDropped(t *testing.T) {
	f := newFixture(t)

	err := f.pipeline.Ingest(context.Background(), model.Reading{
		Pool: "poolB", Algorithm: "sha256", Timestamp: 0, Amount: btc(1),
	})
	require.NoError(t, err)
	require.Zero(t, f.base.Len())
	require.Equal(t, int64(1), f.pipeline.Stats().Skipped)
}

func TestIngest_CoinSeries(t *testing.T) {
	f := newFixture(t)
	eth := model.Amount{Currency: "ETH", Value: 0.2}
	r := model.Reading{Pool: "nanopool", Algorithm: "ethash", Coin: "ETH", Timestamp: 7200, Amount: eth}
	require.NoError(t, f.pipeline.Ingest(context.Background(), r))

	key := schema.KeyFor(r)
	hour := readJSON[schema.RollupRecord](t, f.base, key.Record(timeseries.Hour, 7200))
	require.Equal(t, int64(1), hour.Count)

	latest := readJSON[schema.LatestValue](t, f.base, schema.LatestPath("nanopool"))
	require.Equal(t, "ETH", latest.Coin)
}

func TestIngest_MinuteRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	horizon, _ := timeseries.Retention(timeseries.Minute)
	require.NoError(t, f.pipeline.Ingest(ctx, reading(0, btc(1))))
	require.NoError(t, f.pipeline.Ingest(ctx, reading(60, btc(1))))
	require.NoError(t, f.pipeline.Ingest(ctx, reading(horizon+60, btc(1))))

	minutes, err := f.base.List(ctx, poolA.Bucket(timeseries.Minute), 0, 1<<40)
	require.NoError(t, err)
	require.Len(t, minutes, 1)
	require.Equal(t, horizon+60, minutes[0].Priority)

	// rollups are untouched by the minute sweep
	hours, err := f.base.List(ctx, poolA.Bucket(timeseries.Hour), 0, 1<<40)
	require.NoError(t, err)
	require.Len(t, hours, 2)
}

func TestIngest_ConcurrentSameBucket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- f.pipeline.Ingest(ctx, reading(int64(i), btc(float64(i+1))))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	hour := readJSON[schema.RollupRecord](t, f.base, poolA.Record(timeseries.Hour, 0))
	require.Equal(t, int64(n), hour.Count)
	require.Equal(t, btc(1), hour.Min)
	require.Equal(t, btc(n), hour.Max)
	require.Equal(t, btc(n*(n+1)/2), hour.Sum)
}

func TestProcess_SkipsBalanceAndUnhandled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Process(ctx, model.Balance{Pool: "poolA", Balance: btc(1)}))
	require.NoError(t, f.pipeline.Process(ctx, model.Unhandled{Tag: "mining-pool-hashrate"}))
	require.Zero(t, f.base.Len())
	require.Equal(t, int64(2), f.pipeline.Stats().Skipped)
}

func TestProcess_RoutesProfitability(t *testing.T) {
	f := newFixture(t)
	err := f.pipeline.Process(context.Background(), model.AlgoProfitability{
		Timestamp: 60, Pool: "poolA", Algorithm: "sha256", Amount: btc(2),
	})
	require.NoError(t, err)
	_, err = f.base.Get(context.Background(), poolA.Record(timeseries.Minute, 60))
	require.NoError(t, err)
}

func encode(t *testing.T, u model.Update) []byte {
	t.Helper()
	data, err := model.Encode(u)
	require.NoError(t, err)
	return data
}

func TestProcessBatch_AllSucceed(t *testing.T) {
	f := newFixture(t, WithConcurrency(4))

	var batch [][]byte
	for i := 0; i < 20; i++ {
		batch = append(batch, encode(t, model.AlgoProfitability{
			Timestamp: int64(i * 60), Pool: "poolA", Algorithm: "sha256", Amount: btc(1),
		}))
	}
	batch = append(batch, encode(t, model.Balance{Pool: "poolA", Balance: btc(1)}))

	require.NoError(t, f.pipeline.ProcessBatch(context.Background(), batch))

	hour := readJSON[schema.RollupRecord](t, f.base, poolA.Record(timeseries.Hour, 0))
	require.Equal(t, int64(20), hour.Count)
	require.Equal(t, Stats{Ingested: 20, Skipped: 1}, f.pipeline.Stats())
}

func TestProcessBatch_FailureDoesNotBlockSiblings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.pipeline.Ingest(ctx, reading(0, btc(1))))

	batch := [][]byte{
		encode(t, model.AlgoProfitability{Timestamp: 10, Pool: "poolA", Algorithm: "sha256",
			Amount: model.Amount{Currency: "ETH", Value: 1}}),
		[]byte(`{not json`),
		encode(t, model.AlgoProfitability{Timestamp: 7200, Pool: "poolA", Algorithm: "sha256", Amount: btc(4)}),
	}

	err := f.pipeline.ProcessBatch(ctx, batch)
	require.Error(t, err)
	require.ErrorIs(t, err, rollup.ErrCurrencyMismatch)
	require.ErrorIs(t, err, model.ErrMalformedUpdate)

	hour := readJSON[schema.RollupRecord](t, f.base, poolA.Record(timeseries.Hour, 7200))
	require.Equal(t, btc(4), hour.Sum)
}

type recordingSink struct {
	mu     sync.Mutex
	values []schema.LatestValue
}

func (s *recordingSink) PublishLatest(v schema.LatestValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, v)
}

func TestIngest_PublishesLatest(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, WithLatestSink(sink))

	require.NoError(t, f.pipeline.Ingest(context.Background(), reading(5, btc(1))))
	require.NoError(t, f.pipeline.Ingest(context.Background(), model.Reading{Pool: "poolB", Algorithm: "sha256", Amount: btc(1)}))

	require.Len(t, sink.values, 1)
	require.Equal(t, "poolA", sink.values[0].Pool)
}

func TestIngest_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.base.Close())

	err := f.pipeline.Ingest(context.Background(), reading(0, btc(1)))
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func ExamplePipeline_Ingest() {
	store := memory.New()
	registry := model.DefaultRegistry()
	registry.AddPool("poolA", model.AlgoFocused)
	p := New(store, WithRegistry(registry))

	ctx := context.Background()
	_ = p.Ingest(ctx, reading(0, btc(1)))
	_ = p.Ingest(ctx, reading(30, btc(3)))

	raw, _ := store.Get(ctx, poolA.Record(timeseries.Hour, 0))
	fmt.Println(string(raw))
	// Output: {"min":{"currency":"BTC","amount":1},"max":{"currency":"BTC","amount":3},"sum":{"currency":"BTC","amount":4},"count":2,"timestamp":0}
}
