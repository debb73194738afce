package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/timeseries"
)

// Importer restores JSON exports into a store
type Importer struct {
	store storage.Store
}

// NewImporter creates a new importer
func NewImporter(store storage.Store) *Importer {
	return &Importer{store: store}
}

// ImportResult contains stats about the import
type ImportResult struct {
	RecordsImported int      `json:"records_imported"`
	Series          string   `json:"series"`
	Range           string   `json:"range"`
	Errors          []string `json:"errors,omitempty"`
}

// ImportFromJSON reads a Document and writes its records. Existing
// buckets are overwritten.
func (i *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	if doc.Metadata.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported export version %q", doc.Metadata.Version)
	}

	key := schema.SeriesKey{Pool: doc.Metadata.Pool, Algorithm: doc.Metadata.Algorithm, Coin: doc.Metadata.Coin}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid series in metadata: %w", err)
	}
	g, err := timeseries.ParseRange(doc.Metadata.Range)
	if err != nil {
		return nil, err
	}
	if g == timeseries.Minute && len(doc.Rollups) > 0 {
		return nil, fmt.Errorf("per-minute export carries rollups")
	}
	if g != timeseries.Minute && len(doc.Minutes) > 0 {
		return nil, fmt.Errorf("%s export carries minute records", g.PathName())
	}

	result := &ImportResult{Series: key.String(), Range: g.PathName()}

	for idx, m := range doc.Minutes {
		if err := validateMinute(m); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("minutes[%d]: %v", idx, err))
			continue
		}
		if err := i.write(ctx, key, g, m.Timestamp, m); err != nil {
			return result, err
		}
		result.RecordsImported++
	}

	for idx, rec := range doc.Rollups {
		if err := validateRollup(rec, g); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("rollups[%d]: %v", idx, err))
			continue
		}
		if err := i.write(ctx, key, g, rec.Timestamp, rec); err != nil {
			return result, err
		}
		result.RecordsImported++
	}

	return result, nil
}

func (i *Importer) write(ctx context.Context, key schema.SeriesKey, g timeseries.Granularity, ts int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	path := key.Record(g, ts)
	if _, err := i.store.SetWithPriority(ctx, path, data, ts); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func validateMinute(m schema.MinuteRecord) error {
	if m.Timestamp != timeseries.Floor(m.Timestamp, timeseries.Minute) {
		return fmt.Errorf("timestamp %d is not a minute bucket start", m.Timestamp)
	}
	if m.Amount.Currency == "" {
		return fmt.Errorf("amount has no currency")
	}
	return nil
}

func validateRollup(r schema.RollupRecord, g timeseries.Granularity) error {
	if r.Timestamp != timeseries.Floor(r.Timestamp, g) {
		return fmt.Errorf("timestamp %d is not a %s bucket start", r.Timestamp, g)
	}
	if r.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", r.Count)
	}
	if r.Sum.Currency == "" || !r.Sum.SameCurrency(r.Min) || !r.Sum.SameCurrency(r.Max) {
		return fmt.Errorf("inconsistent currencies")
	}
	if r.Min.Value > r.Max.Value {
		return fmt.Errorf("min %v above max %v", r.Min.Value, r.Max.Value)
	}
	return nil
}
