package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFloor(t *testing.T) {
	tests := []struct {
		name string
		ts   int64
		g    Granularity
		want int64
	}{
		{"zero", 0, Minute, 0},
		{"inside minute", 30, Minute, 0},
		{"minute boundary", 60, Minute, 60},
		{"next hour", 3700, Hour, 3600},
		{"day", 1_700_000_123, Day, 1_699_920_000},
		{"last second of day", 86399, Day, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Floor(tt.ts, tt.g))
		})
	}
}

func TestFloor_Properties(t *testing.T) {
	for _, g := range []Granularity{Minute, Hour, Day} {
		for ts := int64(0); ts < 3*int64(Day); ts += 997 {
			floored := Floor(ts, g)
			require.Equal(t, floored, Floor(floored, g), "floor must be idempotent")
			require.LessOrEqual(t, floored, ts)
			require.Less(t, ts, floored+int64(g))
			require.Zero(t, floored%int64(g))
		}
	}
}

func TestFloorTime(t *testing.T) {
	in := time.Date(2024, 1, 1, 12, 34, 56, 0, time.UTC)
	require.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), FloorTime(in, Hour))
	require.Equal(t, time.Date(2024, 1, 1, 12, 34, 0, 0, time.UTC), FloorTime(in, Minute))
}

func TestParseRange(t *testing.T) {
	for _, g := range []Granularity{Minute, Hour, Day} {
		parsed, err := ParseRange(g.PathName())
		require.NoError(t, err)
		require.Equal(t, g, parsed)
	}

	_, err := ParseRange("per-week")
	require.ErrorIs(t, err, ErrUnknownRange)
}

func TestRetention(t *testing.T) {
	h, bounded := Retention(Minute)
	require.True(t, bounded)
	require.Equal(t, int64(18000), h)

	h, bounded = Retention(Hour)
	require.True(t, bounded)
	require.Equal(t, int64(259200), h)

	_, bounded = Retention(Day)
	require.False(t, bounded)
}
