// Package rollup folds profitability readings into hour and day summaries.
package rollup

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nicktill/minerstats/pkg/model"
	"github.com/nicktill/minerstats/pkg/schema"
)

// ErrCurrencyMismatch is returned when a reading is denominated in a
// different currency than the rollup it would be merged into.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// Merge folds a reading into a bucket's rollup. A nil existing record
// starts a new rollup. The existing record is never modified.
//
// Min and max keep the existing extreme on ties, so the currency tag of
// the stored extreme survives. The sum goes through decimal arithmetic
// to keep long-running day buckets free of binary drift.
func Merge(existing *schema.RollupRecord, reading model.Amount, bucketStart int64) (schema.RollupRecord, error) {
	if existing == nil {
		return schema.RollupRecord{
			Min:       reading,
			Max:       reading,
			Sum:       reading,
			Count:     1,
			Timestamp: bucketStart,
		}, nil
	}

	if !existing.Sum.SameCurrency(reading) {
		return schema.RollupRecord{}, fmt.Errorf("%w: rollup in %s, reading in %s",
			ErrCurrencyMismatch, existing.Sum.Currency, reading.Currency)
	}

	min := existing.Min
	if reading.Value < min.Value {
		min = reading
	}
	max := existing.Max
	if reading.Value > max.Value {
		max = reading
	}

	return schema.RollupRecord{
		Min:       min,
		Max:       max,
		Sum:       model.Amount{Currency: existing.Sum.Currency, Value: add(existing.Sum.Value, reading.Value)},
		Count:     existing.Count + 1,
		Timestamp: bucketStart,
	}, nil
}

// MergeRollups combines two rollups of the same bucket. The result carries
// a's timestamp.
func MergeRollups(a, b schema.RollupRecord) (schema.RollupRecord, error) {
	if a.Count == 0 {
		b.Timestamp = a.Timestamp
		return b, nil
	}
	if b.Count == 0 {
		return a, nil
	}
	if !a.Sum.SameCurrency(b.Sum) {
		return schema.RollupRecord{}, fmt.Errorf("%w: %s and %s",
			ErrCurrencyMismatch, a.Sum.Currency, b.Sum.Currency)
	}

	min := a.Min
	if b.Min.Value < min.Value {
		min = b.Min
	}
	max := a.Max
	if b.Max.Value > max.Value {
		max = b.Max
	}

	return schema.RollupRecord{
		Min:       min,
		Max:       max,
		Sum:       model.Amount{Currency: a.Sum.Currency, Value: add(a.Sum.Value, b.Sum.Value)},
		Count:     a.Count + b.Count,
		Timestamp: a.Timestamp,
	}, nil
}

// Summarize folds a run of rollups (for example every hour of a day) into
// one record stamped with the first rollup's timestamp.
func Summarize(records []schema.RollupRecord) (schema.RollupRecord, error) {
	var out schema.RollupRecord
	for i, r := range records {
		if i == 0 {
			out = r
			continue
		}
		var err error
		if out, err = MergeRollups(out, r); err != nil {
			return schema.RollupRecord{}, err
		}
	}
	return out, nil
}

// Average is the mean reading of a rollup.
func Average(r schema.RollupRecord) model.Amount {
	return r.Average()
}

func add(a, b float64) float64 {
	sum, _ := decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Float64()
	return sum
}
