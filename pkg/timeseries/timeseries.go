package timeseries

import (
	"errors"
	"fmt"
	"time"
)

// Granularity is the width of a time bucket in seconds
type Granularity int64

const (
	Minute Granularity = 60
	Hour   Granularity = Minute * 60
	Day    Granularity = Hour * 24
)

// Rollups lists the granularities that keep min/max/sum/count aggregates.
// Minute buckets hold a single reading and are not rolled up.
var Rollups = []Granularity{Hour, Day}

// ErrUnknownRange is returned when a bucket range name is not recognised
var ErrUnknownRange = errors.New("unknown bucket range")

const (
	minuteRetention = 300 * int64(Minute)
	hourRetention   = 72 * int64(Hour)
)

// Floor returns the start of the bucket containing ts.
// The result is always an exact multiple of g, so flooring twice is a no-op.
func Floor(ts int64, g Granularity) int64 {
	return ts - ts%int64(g)
}

// FloorTime is Floor for time.Time values, in UTC.
func FloorTime(t time.Time, g Granularity) time.Time {
	return time.Unix(Floor(t.Unix(), g), 0).UTC()
}

// Seconds returns the width of the bucket.
func (g Granularity) Seconds() int64 {
	return int64(g)
}

// Duration returns the width of the bucket as a time.Duration.
func (g Granularity) Duration() time.Duration {
	return time.Duration(g) * time.Second
}

// PathName is the name of the bucket series in the store layout
func (g Granularity) PathName() string {
	switch g {
	case Minute:
		return "per-minute"
	case Hour:
		return "per-hour"
	case Day:
		return "per-day"
	default:
		return fmt.Sprintf("per-%ds", int64(g))
	}
}

func (g Granularity) String() string {
	switch g {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	default:
		return fmt.Sprintf("%ds", int64(g))
	}
}

// ParseRange maps a bucket series name (per-minute, per-hour, per-day) back
// to its granularity.
func ParseRange(name string) (Granularity, error) {
	switch name {
	case "per-minute":
		return Minute, nil
	case "per-hour":
		return Hour, nil
	case "per-day":
		return Day, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRange, name)
}

// Retention returns how many seconds of history a bucket series keeps,
// measured back from the newest bucket. Day buckets are kept forever and
// report bounded=false.
func Retention(g Granularity) (horizon int64, bounded bool) {
	switch g {
	case Minute:
		return minuteRetention, true
	case Hour:
		return hourRetention, true
	default:
		return 0, false
	}
}
