package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nicktill/minerstats/pkg/model"
	"github.com/nicktill/minerstats/pkg/timeseries"
)

// Trigger patterns matching a newly created bucket record in either series layout
const (
	AlgoBucketPattern = "pool/{pool}/algo/{algo}/profitability/{range}/{timestamp}"
	CoinBucketPattern = "pool/{pool}/coin/{coin}/{algo}/profitability/{range}/{timestamp}"
)

// ErrInvalidSegment is returned when a path segment would break the layout
var ErrInvalidSegment = errors.New("invalid path segment")

// SeriesKey identifies one independent time series: a pool plus an
// algorithm, or a pool plus a coin and algorithm.
type SeriesKey struct {
	Pool      string
	Algorithm string
	Coin      string
}

// KeyFor returns the series key a reading belongs to.
func KeyFor(r model.Reading) SeriesKey {
	return SeriesKey{Pool: r.Pool, Algorithm: r.Algorithm, Coin: r.Coin}
}

// Validate rejects empty segments and segments containing the path separator.
func (k SeriesKey) Validate() error {
	segments := []string{k.Pool, k.Algorithm}
	if k.Coin != "" {
		segments = append(segments, k.Coin)
	}
	for _, s := range segments {
		if err := CheckSegment(s); err != nil {
			return err
		}
	}
	return nil
}

// Path is the root of the series, e.g. pool/nicehash/algo/sha256
func (k SeriesKey) Path() string {
	if k.Coin != "" {
		return "pool/" + k.Pool + "/coin/" + k.Coin + "/" + k.Algorithm
	}
	return "pool/" + k.Pool + "/algo/" + k.Algorithm
}

// Bucket is the parent path of all records of one granularity
func (k SeriesKey) Bucket(g timeseries.Granularity) string {
	return k.Path() + "/profitability/" + g.PathName()
}

// Record is the path of one bucket record
func (k SeriesKey) Record(g timeseries.Granularity, bucketStart int64) string {
	return k.Bucket(g) + "/" + strconv.FormatInt(bucketStart, 10)
}

func (k SeriesKey) String() string {
	return k.Path()
}

// LatestPath is where the latest reading of a pool lives
func LatestPath(pool string) string {
	return "pool/" + pool + "/latest"
}

// Parent returns the path without its final segment.
func Parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

// Base returns the final segment of a path.
func Base(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}

// Join joins path segments with the separator.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// CheckSegment reports whether s can be used as a single path segment.
func CheckSegment(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSegment)
	}
	if strings.ContainsAny(s, "/{}") {
		return fmt.Errorf("%w: %q", ErrInvalidSegment, s)
	}
	return nil
}
