package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownSeries is returned for readings whose pool, algorithm or coin
// does not map onto a known series.
var ErrUnknownSeries = errors.New("unknown series")

// Focus says whether a pool reports profitability per algorithm or per coin
type Focus int

const (
	AlgoFocused Focus = iota + 1
	CoinFocused
)

// ParseFocus accepts "algo" or "coin".
func ParseFocus(s string) (Focus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "algo", "algorithm":
		return AlgoFocused, nil
	case "coin":
		return CoinFocused, nil
	}
	return 0, fmt.Errorf("unknown pool focus %q", s)
}

var defaultPools = map[string]Focus{
	"ahashpool":     AlgoFocused,
	"miningpoolhub": AlgoFocused,
	"nicehash":      AlgoFocused,
	"nanopool":      CoinFocused,
}

var defaultAlgorithms = []string{
	"axiom", "bastion", "bitcore", "blake", "blake256r14", "blake256r8",
	"blake256r8vnl", "blake2s", "blakecoin", "bmw", "c11", "cryptonight",
	"daggerhashimoto", "decred", "deep", "equihash", "ethash", "fresh",
	"fugue256", "groestl", "hmq1725", "hodl", "hsr", "jackpot", "jha",
	"keccak", "lbry", "luffa", "lyra2", "lyra2re", "lyra2re2", "lyra2rev2",
	"lyra2v2", "lyra2z", "m7m", "myr-gr", "myriad", "neoscrypt", "nist5",
	"pascal", "penta", "phi", "polytimos", "quark", "qubit", "s3", "scrypt",
	"scryptjanenf16", "scryptnf", "sha256", "sha256d", "sha256t", "sia",
	"sib", "skein", "skein2", "skunk", "timetravel", "tribus", "vanilla",
	"veltor", "whirlpool", "whirlpoolx", "x11", "x11evo", "x11ghost", "x13",
	"x14", "x15", "x17", "xevan", "yescrypt", "zr5",
}

var defaultCurrencies = []string{
	"ADX", "BCH", "BTC", "BQX", "CJ", "ETH", "GNO", "KMD", "ICX", "LTC",
	"NEO", "STEEM", "TNT", "XRP", "ZEC",
}

// Registry knows which pools, algorithms and coins form valid series
type Registry struct {
	pools      map[string]Focus
	algorithms map[string]struct{}
	currencies map[string]struct{}
}

// DefaultRegistry returns the pools, algorithms and currencies the scrapers report.
func DefaultRegistry() *Registry {
	r := &Registry{
		pools:      make(map[string]Focus, len(defaultPools)),
		algorithms: make(map[string]struct{}, len(defaultAlgorithms)),
		currencies: make(map[string]struct{}, len(defaultCurrencies)),
	}
	for name, focus := range defaultPools {
		r.pools[name] = focus
	}
	r.AddAlgorithms(defaultAlgorithms...)
	r.AddCurrencies(defaultCurrencies...)
	return r
}

// AddPool registers (or re-registers) a pool.
func (r *Registry) AddPool(name string, focus Focus) {
	r.pools[name] = focus
}

// AddAlgorithms registers additional algorithms.
func (r *Registry) AddAlgorithms(names ...string) {
	for _, name := range names {
		r.algorithms[name] = struct{}{}
	}
}

// AddCurrencies registers additional currency codes.
func (r *Registry) AddCurrencies(codes ...string) {
	for _, code := range codes {
		r.currencies[code] = struct{}{}
	}
}

// PoolFocus returns the focus of a known pool.
func (r *Registry) PoolFocus(pool string) (Focus, bool) {
	f, ok := r.pools[pool]
	return f, ok
}

// IsAlgorithm reports whether name is a known hashing algorithm.
func (r *Registry) IsAlgorithm(name string) bool {
	_, ok := r.algorithms[name]
	return ok
}

// IsCurrency reports whether code is a known digital currency.
func (r *Registry) IsCurrency(code string) bool {
	_, ok := r.currencies[code]
	return ok
}

// Pools returns the known pool names, sorted.
func (r *Registry) Pools() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that a reading maps onto a known series
func (r *Registry) Validate(reading Reading) error {
	focus, ok := r.pools[reading.Pool]
	if !ok {
		return fmt.Errorf("%w: pool %q", ErrUnknownSeries, reading.Pool)
	}
	if !r.IsAlgorithm(reading.Algorithm) {
		return fmt.Errorf("%w: algorithm %q on pool %q", ErrUnknownSeries, reading.Algorithm, reading.Pool)
	}

	switch focus {
	case AlgoFocused:
		if reading.CoinScoped() {
			return fmt.Errorf("%w: pool %q does not report per coin", ErrUnknownSeries, reading.Pool)
		}
	case CoinFocused:
		if !reading.CoinScoped() {
			return fmt.Errorf("%w: pool %q reports per coin but reading has none", ErrUnknownSeries, reading.Pool)
		}
		if !r.IsCurrency(reading.Coin) {
			return fmt.Errorf("%w: coin %q on pool %q", ErrUnknownSeries, reading.Coin, reading.Pool)
		}
	}

	return nil
}
