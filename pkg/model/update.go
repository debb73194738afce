package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Update type tags as they appear on the wire
const (
	TypeAlgoProfitability = "mining-pool-algo-profitability"
	TypeCoinProfitability = "mining-pool-coin-profitability"
	TypeBalance           = "mining-pool-balance"
)

// Short aliases accepted on input
var typeAliases = map[string]string{
	"algo-profitability": TypeAlgoProfitability,
	"coin-profitability": TypeCoinProfitability,
	"balance":            TypeBalance,
}

// ErrMalformedUpdate is returned when an update cannot be decoded at all
var ErrMalformedUpdate = errors.New("malformed update")

// Update is one normalized data update event. The set of variants is closed:
// AlgoProfitability, CoinProfitability, Balance and Unhandled.
type Update interface {
	// Type returns the wire tag of the update
	Type() string
	isUpdate()
}

// AlgoProfitability is reported by pools that pay per algorithm
type AlgoProfitability struct {
	Timestamp int64  `json:"timestamp"`
	Pool      string `json:"pool"`
	Algorithm string `json:"algorithm"`
	Amount    Amount `json:"currencyAmount"`

	// WorkerShare is the pool's worker proportion on this algorithm, when the scraper knows it
	WorkerShare *float64 `json:"poolWorkerProportion,omitempty"`
}

// CoinProfitability is reported by pools that pay per coin
type CoinProfitability struct {
	Timestamp int64  `json:"timestamp"`
	Pool      string `json:"pool"`
	Coin      string `json:"coin"`
	Algorithm string `json:"algorithm"`
	Amount    Amount `json:"currencyAmount"`
}

// Balance is a pool account balance reading
type Balance struct {
	Timestamp int64  `json:"timestamp"`
	Pool      string `json:"pool"`
	Balance   Amount `json:"balance"`
}

// Unhandled carries an update whose type tag is not known to this build
type Unhandled struct {
	Tag string
	Raw json.RawMessage
}

func (AlgoProfitability) Type() string { return TypeAlgoProfitability }
func (CoinProfitability) Type() string { return TypeCoinProfitability }
func (Balance) Type() string           { return TypeBalance }
func (u Unhandled) Type() string       { return u.Tag }

func (AlgoProfitability) isUpdate() {}
func (CoinProfitability) isUpdate() {}
func (Balance) isUpdate()           {}
func (Unhandled) isUpdate()         {}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses a tagged update. Unknown tags decode to Unhandled rather
// than failing, so newer producers do not break older consumers.
func Decode(data []byte) (Update, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	tag := env.Type
	if canonical, ok := typeAliases[tag]; ok {
		tag = canonical
	}

	switch tag {
	case TypeAlgoProfitability:
		var u AlgoProfitability
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedUpdate, tag, err)
		}
		return u, nil
	case TypeCoinProfitability:
		var u CoinProfitability
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedUpdate, tag, err)
		}
		return u, nil
	case TypeBalance:
		var u Balance
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedUpdate, tag, err)
		}
		return u, nil
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unhandled{Tag: env.Type, Raw: raw}, nil
	}
}

// Encode serializes an update with its type tag.
func Encode(u Update) ([]byte, error) {
	switch v := u.(type) {
	case AlgoProfitability:
		return json.Marshal(struct {
			Type string `json:"type"`
			AlgoProfitability
		}{v.Type(), v})
	case CoinProfitability:
		return json.Marshal(struct {
			Type string `json:"type"`
			CoinProfitability
		}{v.Type(), v})
	case Balance:
		return json.Marshal(struct {
			Type string `json:"type"`
			Balance
		}{v.Type(), v})
	case Unhandled:
		return v.Raw, nil
	default:
		return nil, fmt.Errorf("cannot encode update of type %T", u)
	}
}
