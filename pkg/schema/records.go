package schema

import "github.com/nicktill/minerstats/pkg/model"

// LatestValue is the most recent reading for a pool, overwritten on every reading
type LatestValue struct {
	Algo      string       `json:"algo"`
	Amount    model.Amount `json:"amount"`
	Coin      string       `json:"coin,omitempty"`
	Pool      string       `json:"pool"`
	Timestamp int64        `json:"timestamp"`
}

// MinuteRecord holds the last reading that floored into a minute bucket
type MinuteRecord struct {
	Amount    model.Amount `json:"amount"`
	Timestamp int64        `json:"timestamp"`
}

// RollupRecord summarises every reading that floored into an hour or day bucket.
// Timestamp is the bucket start, never a reading's own timestamp.
type RollupRecord struct {
	Min       model.Amount `json:"min"`
	Max       model.Amount `json:"max"`
	Sum       model.Amount `json:"sum"`
	Count     int64        `json:"count"`
	Timestamp int64        `json:"timestamp"`
}

// Average returns the mean reading in the bucket
func (r RollupRecord) Average() model.Amount {
	if r.Count == 0 {
		return model.Amount{Currency: r.Sum.Currency}
	}
	return model.Amount{Currency: r.Sum.Currency, Value: r.Sum.Value / float64(r.Count)}
}

// LatestFromReading builds the latest-value record for a reading.
func LatestFromReading(r model.Reading) LatestValue {
	return LatestValue{
		Algo:      r.Algorithm,
		Amount:    r.Amount,
		Coin:      r.Coin,
		Pool:      r.Pool,
		Timestamp: r.Timestamp,
	}
}
