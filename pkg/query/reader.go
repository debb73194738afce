// Package query reads the time-series layout back out of the store.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/nicktill/minerstats/pkg/rollup"
	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/timeseries"
)

// ErrBadQuery is returned for queries that can never match a series
var ErrBadQuery = errors.New("bad query")

// Reader executes read queries against the store
type Reader struct {
	store storage.Store
}

// NewReader creates a new reader
func NewReader(store storage.Store) *Reader {
	return &Reader{store: store}
}

// SeriesQuery selects buckets of one series. From and Until are inclusive
// bucket starts in unix seconds; Until 0 means no upper bound. Limit keeps
// the newest buckets.
type SeriesQuery struct {
	Key         schema.SeriesKey
	Granularity timeseries.Granularity
	From        int64
	Until       int64
	Limit       int
}

// SeriesResult holds the selected buckets, oldest first. Minute series
// fill Minutes; hour and day series fill Rollups. Summary folds every
// returned bucket into one rollup. It is nil when nothing matched or when
// the buckets mix currencies.
type SeriesResult struct {
	Series  string                `json:"series"`
	Range   string                `json:"range"`
	Minutes []schema.MinuteRecord `json:"minutes,omitempty"`
	Rollups []schema.RollupRecord `json:"rollups,omitempty"`
	Summary *schema.RollupRecord  `json:"summary,omitempty"`
}

// Latest returns the latest value written for pool
func (r *Reader) Latest(ctx context.Context, pool string) (schema.LatestValue, error) {
	var v schema.LatestValue
	if err := schema.CheckSegment(pool); err != nil {
		return v, fmt.Errorf("%w: pool: %w", ErrBadQuery, err)
	}
	raw, err := r.store.Get(ctx, schema.LatestPath(pool))
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode latest value: %w", err)
	}
	return v, nil
}

// Series returns the buckets selected by q
func (r *Reader) Series(ctx context.Context, q SeriesQuery) (*SeriesResult, error) {
	if err := q.Key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadQuery, err)
	}
	if q.Until != 0 && q.From > q.Until {
		return nil, fmt.Errorf("%w: from must not be after until", ErrBadQuery)
	}

	until := q.Until
	if until == 0 {
		until = math.MaxInt64
	}
	// Retention bounds minute and hour series; day series grow by one
	// entry a day, so the whole bucket is listed and trimmed here.
	entries, err := r.store.List(ctx, q.Key.Bucket(q.Granularity), 0, until)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Key.Bucket(q.Granularity), err)
	}
	entries = window(entries, q.From, q.Limit)

	res := &SeriesResult{Series: q.Key.String(), Range: q.Granularity.PathName()}
	if q.Granularity == timeseries.Minute {
		err = r.decodeMinutes(res, entries)
	} else {
		err = r.decodeRollups(res, entries)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Reader) decodeMinutes(res *SeriesResult, entries []storage.Entry) error {
	var (
		summary *schema.RollupRecord
		mixed   bool
	)
	for _, e := range entries {
		var m schema.MinuteRecord
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return fmt.Errorf("decode %s: %w", e.Path, err)
		}
		res.Minutes = append(res.Minutes, m)
		if mixed {
			continue
		}

		// minute records are last-write-wins, so nothing stops a currency change
		next, err := rollup.Merge(summary, m.Amount, firstTimestamp(res.Minutes))
		switch {
		case errors.Is(err, rollup.ErrCurrencyMismatch):
			mixed, summary = true, nil
		case err != nil:
			return fmt.Errorf("summarize %s: %w", e.Path, err)
		default:
			summary = &next
		}
	}
	res.Summary = summary
	return nil
}

func (r *Reader) decodeRollups(res *SeriesResult, entries []storage.Entry) error {
	for _, e := range entries {
		var rec schema.RollupRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", e.Path, err)
		}
		res.Rollups = append(res.Rollups, rec)
	}
	if len(res.Rollups) == 0 {
		return nil
	}
	summary, err := rollup.Summarize(res.Rollups)
	if errors.Is(err, rollup.ErrCurrencyMismatch) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("summarize %s: %w", res.Series, err)
	}
	res.Summary = &summary
	return nil
}

// window drops entries before from and keeps the newest limit of the rest.
func window(entries []storage.Entry, from int64, limit int) []storage.Entry {
	start := 0
	for start < len(entries) && entries[start].Priority < from {
		start++
	}
	entries = entries[start:]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

func firstTimestamp(minutes []schema.MinuteRecord) int64 {
	return minutes[0].Timestamp
}
