package model

// Reading is the normalized view of a profitability update that the
// aggregation pipeline consumes.
type Reading struct {
	Pool      string
	Algorithm string
	Coin      string // empty for algorithm-focused pools
	Timestamp int64
	Amount    Amount
}

// CoinScoped reports whether the reading belongs to a per-coin series.
func (r Reading) CoinScoped() bool {
	return r.Coin != ""
}

// AsReading extracts a Reading from a profitability update.
// It returns false for balances and unhandled updates.
func AsReading(u Update) (Reading, bool) {
	switch v := u.(type) {
	case AlgoProfitability:
		return Reading{
			Pool:      v.Pool,
			Algorithm: v.Algorithm,
			Timestamp: v.Timestamp,
			Amount:    v.Amount,
		}, true
	case CoinProfitability:
		return Reading{
			Pool:      v.Pool,
			Algorithm: v.Algorithm,
			Coin:      v.Coin,
			Timestamp: v.Timestamp,
			Amount:    v.Amount,
		}, true
	default:
		return Reading{}, false
	}
}
