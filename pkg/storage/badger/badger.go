package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/minerstats/pkg/storage"
)

const (
	valuePrefix = 'v'
	indexPrefix = 'p'

	// maxConflictRetries bounds Update retries when concurrent transactions touch the same path
	maxConflictRetries = 64
)

// Storage implements storage.Store using BadgerDB (LSM tree)
//
// Key layout:
//
//	v | path                                      -> priority (8 bytes) | value
//	p | xxhash(parent) | priority (8 bytes) | key  -> path
//
// Priorities are stored sign-flipped big-endian so the index iterates in
// ascending priority order.
type Storage struct {
	db *badger.DB

	// life is held shared by every operation in flight, including reads
	// abandoned by their caller; Close takes it exclusively.
	life   sync.RWMutex
	closed atomic.Bool
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults to 64 MB memtables x 5; keep it to ~48 MB unless told otherwise
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024). // records are small JSON documents, keep them in the LSM
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger: %w", storage.ErrUnavailable, err)
	}

	return &Storage{db: db}, nil
}

var _ storage.Store = (*Storage)(nil)

// Get returns the value stored at path
func (s *Storage) Get(ctx context.Context, path string) ([]byte, error) {
	return runView(ctx, s, "get", func() ([]byte, error) {
		var out []byte
		err := s.db.View(func(txn *badger.Txn) error {
			_, value, found, err := readNode(txn, path)
			if err != nil {
				return err
			}
			if !found {
				return storage.ErrNotFound
			}
			out = value
			return nil
		})
		return out, err
	})
}

func (s *Storage) Set(ctx context.Context, path string, value []byte) error {
	_, err := s.SetWithPriority(ctx, path, value, 0)
	return err
}

func (s *Storage) SetWithPriority(ctx context.Context, path string, value []byte, priority int64) (bool, error) {
	return s.Update(ctx, path, priority, func([]byte) ([]byte, error) {
		return value, nil
	})
}

// Update runs fn inside a read-write transaction. Badger detects
// conflicting writers at commit time; the loser is retried with a fresh read.
// Once a transaction is running the caller waits for its outcome, so a
// commit is always reported with its created flag.
func (s *Storage) Update(ctx context.Context, path string, priority int64, fn storage.UpdateFunc) (bool, error) {
	return runWrite(ctx, s, func() (bool, error) {
		for attempt := 0; ; attempt++ {
			var created bool
			err := s.db.Update(func(txn *badger.Txn) error {
				var err error
				created, err = writeNode(txn, path, priority, fn)
				return err
			})
			if !errors.Is(err, badger.ErrConflict) {
				return created, err
			}
			if attempt >= maxConflictRetries {
				return false, fmt.Errorf("update %s: %w", path, err)
			}
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}
	})
}

func (s *Storage) Delete(ctx context.Context, path string) error {
	_, err := runWrite(ctx, s, func() (struct{}, error) {
		for attempt := 0; ; attempt++ {
			err := s.db.Update(func(txn *badger.Txn) error {
				priority, _, found, err := readNode(txn, path)
				if err != nil || !found {
					return err
				}
				if err := txn.Delete(valueKey(path)); err != nil {
					return err
				}
				return txn.Delete(indexKey(path, priority))
			})
			if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
				return struct{}{}, err
			}
		}
	})
	return err
}

// List walks the parent's index prefix in priority order and stops at
// the first child past endAt.
func (s *Storage) List(ctx context.Context, parent string, limit int, endAt int64) ([]storage.Entry, error) {
	return runView(ctx, s, "list", func() ([]storage.Entry, error) {
		var results []storage.Entry
		err := s.db.View(func(txn *badger.Txn) error {
			prefix := indexPrefixFor(parent)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				key := it.Item().Key()
				priority := decodePriority(key[len(prefix) : len(prefix)+8])
				if priority > endAt {
					break
				}

				path, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				childParent, childKey := storage.Split(string(path))
				if childParent != parent {
					// xxhash collision with another parent
					continue
				}

				_, value, found, err := readNode(txn, string(path))
				if err != nil {
					return err
				}
				if !found {
					continue
				}

				results = append(results, storage.Entry{
					Path:     string(path),
					Key:      childKey,
					Priority: priority,
					Value:    value,
				})
				if limit > 0 && len(results) >= limit {
					break
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return results, nil
	})
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	s.life.Lock()
	defer s.life.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// Returns badger.ErrNoRewrite when there was nothing worth collecting.
func (s *Storage) RunGC(discardRatio float64) error {
	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed.Load() {
		return storage.ErrUnavailable
	}
	return s.db.RunValueLogGC(discardRatio)
}

// Size reports the LSM and value log sizes in bytes
func (s *Storage) Size() (lsm, vlog int64) {
	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed.Load() {
		return 0, 0
	}
	return s.db.Size()
}

// viewResult carries a read's outcome back from its goroutine
type viewResult[T any] struct {
	value T
	err   error
}

// runView executes a read in its own goroutine so a cancelled context
// returns promptly even while badger is blocked. The outcome only travels
// over the channel; an abandoned read finishes on its own.
func runView[T any](ctx context.Context, s *Storage, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	s.life.RLock()
	if s.closed.Load() {
		s.life.RUnlock()
		return zero, storage.ErrUnavailable
	}

	done := make(chan viewResult[T], 1)
	go func() {
		defer s.life.RUnlock()
		v, err := fn()
		done <- viewResult[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, closedErr(res.err)
	case <-ctx.Done():
		return zero, fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// runWrite executes a write on the caller's goroutine. Writes check ctx
// before starting and between conflict retries, never mid-commit.
func runWrite[T any](ctx context.Context, s *Storage, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed.Load() {
		return zero, storage.ErrUnavailable
	}
	v, err := fn()
	return v, closedErr(err)
}

func closedErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}

func readNode(txn *badger.Txn, path string) (priority int64, value []byte, found bool, err error) {
	item, err := txn.Get(valueKey(path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, nil, false, err
	}
	if len(raw) < 8 {
		return 0, nil, false, fmt.Errorf("corrupt record at %s", path)
	}
	return decodePriority(raw[:8]), raw[8:], true, nil
}

func writeNode(txn *badger.Txn, path string, priority int64, fn storage.UpdateFunc) (bool, error) {
	oldPriority, current, found, err := readNode(txn, path)
	if err != nil {
		return false, err
	}

	next, err := fn(current)
	if err != nil {
		return false, err
	}

	record := make([]byte, 8+len(next))
	copy(record, encodePriority(priority))
	copy(record[8:], next)
	if err := txn.Set(valueKey(path), record); err != nil {
		return false, err
	}

	if found && oldPriority != priority {
		if err := txn.Delete(indexKey(path, oldPriority)); err != nil {
			return false, err
		}
	}
	if !found || oldPriority != priority {
		if err := txn.Set(indexKey(path, priority), []byte(path)); err != nil {
			return false, err
		}
	}
	return !found, nil
}

func valueKey(path string) []byte {
	key := make([]byte, 0, 1+len(path))
	key = append(key, valuePrefix)
	return append(key, path...)
}

// indexPrefixFor creates the per-parent prefix: 'p' + xxhash(parent)
func indexPrefixFor(parent string) []byte {
	prefix := make([]byte, 9)
	prefix[0] = indexPrefix
	binary.BigEndian.PutUint64(prefix[1:], xxhash.Sum64String(parent))
	return prefix
}

func indexKey(path string, priority int64) []byte {
	parent, key := storage.Split(path)
	var buf bytes.Buffer
	buf.Grow(17 + len(key))
	buf.Write(indexPrefixFor(parent))
	buf.Write(encodePriority(priority))
	buf.WriteString(key)
	return buf.Bytes()
}

func encodePriority(p int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(p)^(1<<63))
	return b
}

func decodePriority(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}
