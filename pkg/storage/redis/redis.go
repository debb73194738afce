// Package redis stores the tree in Redis: one string key per path and one
// sorted set per parent holding child keys scored by priority.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/nicktill/minerstats/pkg/storage"
)

// maxTxRetries bounds optimistic transaction retries under contention
const maxTxRetries = 64

// Config holds the connection settings
type Config struct {
	// URL is either host:port or a redis:// / rediss:// URL
	URL      string
	Password string
	DB       int

	// Prefix namespaces every key, e.g. "minerstats:"
	Prefix string
}

var (
	newRedisClient = func(opts *redis.Options) *redis.Client {
		return redis.NewClient(opts)
	}
	pingRedis = func(ctx context.Context, client *redis.Client) error {
		return client.Ping(ctx).Err()
	}
	parseRedisURL = redis.ParseURL
)

// setScript writes a value and indexes it in one round trip, returning 1
// when the path did not exist.
var setScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
if existed == 1 then return 0 end
return 1
`)

// Storage implements storage.Store on Redis
type Storage struct {
	cli    *redis.Client
	prefix string
}

// New connects and pings the server
func New(ctx context.Context, cfg Config) (*Storage, error) {
	addr := cfg.URL
	if addr == "" {
		addr = "localhost:6379"
	}

	opts := &redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := parseRedisURL(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		if cfg.Password != "" {
			parsed.Password = cfg.Password
		}
		opts = parsed
	}

	cli := newRedisClient(opts)
	if err := pingRedis(ctx, cli); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis: %w", storage.ErrUnavailable, err)
	}

	return NewWithClient(cli, cfg.Prefix), nil
}

// NewWithClient wraps an existing client
func NewWithClient(cli *redis.Client, prefix string) *Storage {
	return &Storage{cli: cli, prefix: prefix}
}

var _ storage.Store = (*Storage)(nil)

func (s *Storage) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, err := s.cli.Get(ctx, s.valueKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	return value, nil
}

func (s *Storage) Set(ctx context.Context, path string, value []byte) error {
	_, err := s.SetWithPriority(ctx, path, value, 0)
	return err
}

func (s *Storage) SetWithPriority(ctx context.Context, path string, value []byte, priority int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	parent, key := storage.Split(path)
	res, err := setScript.Run(ctx, s.cli,
		[]string{s.valueKey(path), s.childrenKey(parent)},
		value, priority, key).Int64()
	if err != nil {
		return false, wrap(err)
	}
	return res == 1, nil
}

// Update watches the value key and commits the write in MULTI/EXEC.
// A concurrent writer aborts the transaction with TxFailedErr and we retry.
func (s *Storage) Update(ctx context.Context, path string, priority int64, fn storage.UpdateFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	parent, key := storage.Split(path)
	valueKey := s.valueKey(path)

	var created bool
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, valueKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			current = nil
			created = true
		case err != nil:
			return err
		default:
			created = false
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, valueKey, next, 0)
			pipe.ZAdd(ctx, s.childrenKey(parent), redis.Z{Score: float64(priority), Member: key})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.cli.Watch(ctx, txf, valueKey)
		if errors.Is(err, redis.TxFailedErr) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, wrap(err)
		}
		return created, nil
	}
	return false, fmt.Errorf("update %s: %w", path, redis.TxFailedErr)
}

func (s *Storage) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parent, key := storage.Split(path)
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.valueKey(path))
		pipe.ZRem(ctx, s.childrenKey(parent), key)
		return nil
	})
	return wrap(err)
}

// List reads the parent's sorted set up to endAt and fetches the values with MGET
func (s *Storage) List(ctx context.Context, parent string, limit int, endAt int64) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members, err := s.cli.ZRangeByScoreWithScores(ctx, s.childrenKey(parent), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(endAt, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, wrap(err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.valueKey(joinPath(parent, memberString(m.Member)))
	}
	values, err := s.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap(err)
	}

	results := make([]storage.Entry, 0, len(members))
	for i, m := range members {
		raw, ok := values[i].(string)
		if !ok {
			// index entry without a value, left behind by an interrupted delete
			continue
		}
		key := memberString(m.Member)
		results = append(results, storage.Entry{
			Path:     joinPath(parent, key),
			Key:      key,
			Priority: int64(m.Score),
			Value:    []byte(raw),
		})
	}
	return results, nil
}

func (s *Storage) Close() error {
	return s.cli.Close()
}

func (s *Storage) valueKey(path string) string {
	return s.prefix + "v:" + path
}

func (s *Storage) childrenKey(parent string) string {
	return s.prefix + "c:" + parent
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "/" + key
}

func memberString(m interface{}) string {
	switch v := m.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}
