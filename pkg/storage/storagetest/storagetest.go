// Package storagetest holds the behaviour every storage.Store must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/minerstats/pkg/storage"
)

// Run exercises a backend. open must return an empty store; Run closes it.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"GetMissing", testGetMissing},
		{"SetOverwrites", testSetOverwrites},
		{"SetWithPriorityReportsCreated", testSetWithPriorityCreated},
		{"UpdateCreatesAndModifies", testUpdate},
		{"UpdateErrorLeavesValue", testUpdateError},
		{"UpdateConcurrent", testUpdateConcurrent},
		{"ListOrderedByPriority", testListOrdered},
		{"ListOnlyDirectChildren", testListDirectChildren},
		{"DeleteIdempotent", testDelete},
		{"CancelledContext", testCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testGetMissing(t *testing.T, s storage.Store) {
	_, err := s.Get(context.Background(), "pool/x/latest")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testSetOverwrites(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "pool/x/latest", []byte(`1`)))
	require.NoError(t, s.Set(ctx, "pool/x/latest", []byte(`2`)))

	got, err := s.Get(ctx, "pool/x/latest")
	require.NoError(t, err)
	require.Equal(t, []byte(`2`), got)
}

func testSetWithPriorityCreated(t *testing.T, s storage.Store) {
	ctx := context.Background()
	created, err := s.SetWithPriority(ctx, "series/60", []byte(`a`), 60)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.SetWithPriority(ctx, "series/60", []byte(`b`), 60)
	require.NoError(t, err)
	require.False(t, created)

	got, err := s.Get(ctx, "series/60")
	require.NoError(t, err)
	require.Equal(t, []byte(`b`), got)
}

func testUpdate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	var seen [][]byte
	fn := func(current []byte) ([]byte, error) {
		seen = append(seen, current)
		return append(append([]byte{}, current...), 'x'), nil
	}

	created, err := s.Update(ctx, "series/0", 0, fn)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.Update(ctx, "series/0", 0, fn)
	require.NoError(t, err)
	require.False(t, created)

	require.Nil(t, seen[0])
	got, err := s.Get(ctx, "series/0")
	require.NoError(t, err)
	require.Equal(t, []byte(`xx`), got)
}

func testUpdateError(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "series/0", []byte(`keep`)))

	boom := errors.New("boom")
	_, err := s.Update(ctx, "series/0", 0, func([]byte) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "series/0")
	require.NoError(t, err)
	require.Equal(t, []byte(`keep`), got)

	_, err = s.Update(ctx, "series/new", 0, func([]byte) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, "series/new")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testUpdateConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const workers = 16

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "counter/0", 0, func(current []byte) ([]byte, error) {
				n := 0
				if current != nil {
					var err error
					if n, err = strconv.Atoi(string(current)); err != nil {
						return nil, err
					}
				}
				return []byte(strconv.Itoa(n + 1)), nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, "counter/0")
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(workers), string(got))
}

func testListOrdered(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, p := range []int64{180, 0, 120, 60, 240} {
		_, err := s.SetWithPriority(ctx, fmt.Sprintf("series/%d", p), []byte(strconv.FormatInt(p, 10)), p)
		require.NoError(t, err)
	}

	entries, err := s.List(ctx, "series", 0, 120)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, want := range []int64{0, 60, 120} {
		require.Equal(t, want, entries[i].Priority)
		require.Equal(t, strconv.FormatInt(want, 10), entries[i].Key)
		require.Equal(t, "series/"+entries[i].Key, entries[i].Path)
		require.Equal(t, []byte(entries[i].Key), entries[i].Value)
	}

	limited, err := s.List(ctx, "series", 2, 1000)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, int64(60), limited[1].Priority)

	none, err := s.List(ctx, "series", 0, -1)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testListDirectChildren(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.SetWithPriority(ctx, "a/b/1", []byte(`1`), 1)
	require.NoError(t, err)
	_, err = s.SetWithPriority(ctx, "a/b/c/2", []byte(`2`), 2)
	require.NoError(t, err)
	_, err = s.SetWithPriority(ctx, "a/bb/3", []byte(`3`), 3)
	require.NoError(t, err)

	entries, err := s.List(ctx, "a/b", 0, 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a/b/1", entries[0].Path)
}

func testDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.SetWithPriority(ctx, "series/60", []byte(`x`), 60)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "series/60"))
	require.NoError(t, s.Delete(ctx, "series/60"))

	_, err = s.Get(ctx, "series/60")
	require.ErrorIs(t, err, storage.ErrNotFound)

	entries, err := s.List(ctx, "series", 0, 1000)
	require.NoError(t, err)
	require.Empty(t, entries)

	created, err := s.SetWithPriority(ctx, "series/60", []byte(`y`), 60)
	require.NoError(t, err)
	require.True(t, created)
}

func testCancelled(t *testing.T, s storage.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "series/0")
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.SetWithPriority(ctx, "series/0", []byte(`x`), 0)
	require.ErrorIs(t, err, context.Canceled)
}
