package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/minerstats/pkg/query"
	"github.com/nicktill/minerstats/pkg/schema"
	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/timeseries"
)

// FormatVersion is written into every JSON export
const FormatVersion = "1"

// Exporter writes series to JSON or CSV
type Exporter struct {
	reader *query.Reader
}

// NewExporter creates a new exporter
func NewExporter(store storage.Store) *Exporter {
	return &Exporter{reader: query.NewReader(store)}
}

// ExportOptions selects what to export
type ExportOptions struct {
	Key         schema.SeriesKey
	Granularity timeseries.Granularity
	Format      string
}

// Metadata describes a JSON export
type Metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	Pool        string    `json:"pool"`
	Algorithm   string    `json:"algorithm"`
	Coin        string    `json:"coin,omitempty"`
	Range       string    `json:"range"`
	RecordCount int       `json:"record_count"`
	Version     string    `json:"version"`
}

// Document is the JSON export format. Exactly one of Minutes and Rollups
// is filled, depending on the range.
type Document struct {
	Metadata Metadata              `json:"metadata"`
	Minutes  []schema.MinuteRecord `json:"minutes,omitempty"`
	Rollups  []schema.RollupRecord `json:"rollups,omitempty"`
}

// ExportResult contains stats about the export
type ExportResult struct {
	RecordsExported int       `json:"records_exported"`
	Series          string    `json:"series"`
	Range           string    `json:"range"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

func (e *Exporter) load(ctx context.Context, opts ExportOptions) (*query.SeriesResult, error) {
	res, err := e.reader.Series(ctx, query.SeriesQuery{Key: opts.Key, Granularity: opts.Granularity})
	if err != nil {
		return nil, fmt.Errorf("failed to read series: %w", err)
	}
	return res, nil
}

// ExportToJSON writes the whole series as a Document
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	res, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc := Document{
		Metadata: Metadata{
			ExportedAt:  now,
			Pool:        opts.Key.Pool,
			Algorithm:   opts.Key.Algorithm,
			Coin:        opts.Key.Coin,
			Range:       res.Range,
			RecordCount: len(res.Minutes) + len(res.Rollups),
			Version:     FormatVersion,
		},
		Minutes: res.Minutes,
		Rollups: res.Rollups,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		RecordsExported: doc.Metadata.RecordCount,
		Series:          res.Series,
		Range:           res.Range,
		Format:          "json",
		ExportedAt:      now,
	}, nil
}

// ExportToCSV writes one row per bucket. Minute series have the columns
// bucket_ts,time,currency,amount; rollup series
// bucket_ts,time,currency,min,max,sum,count,average.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	res, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)

	var rows int
	if opts.Granularity == timeseries.Minute {
		if err := writer.Write([]string{"bucket_ts", "time", "currency", "amount"}); err != nil {
			return nil, err
		}
		for _, m := range res.Minutes {
			if err := writer.Write([]string{
				strconv.FormatInt(m.Timestamp, 10),
				formatTime(m.Timestamp),
				m.Amount.Currency,
				formatFloat(m.Amount.Value),
			}); err != nil {
				return nil, err
			}
			rows++
		}
	} else {
		header := []string{"bucket_ts", "time", "currency", "min", "max", "sum", "count", "average"}
		if err := writer.Write(header); err != nil {
			return nil, err
		}
		for _, r := range res.Rollups {
			if err := writer.Write([]string{
				strconv.FormatInt(r.Timestamp, 10),
				formatTime(r.Timestamp),
				r.Sum.Currency,
				formatFloat(r.Min.Value),
				formatFloat(r.Max.Value),
				formatFloat(r.Sum.Value),
				strconv.FormatInt(r.Count, 10),
				formatFloat(r.Average().Value),
			}); err != nil {
				return nil, err
			}
			rows++
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to write CSV: %w", err)
	}

	return &ExportResult{
		RecordsExported: rows,
		Series:          res.Series,
		Range:           res.Range,
		Format:          "csv",
		ExportedAt:      time.Now().UTC(),
	}, nil
}

func formatTime(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
