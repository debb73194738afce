package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/minerstats/pkg/storage"
	"github.com/nicktill/minerstats/pkg/storage/storagetest"
)

func stubClient(t *testing.T, ping error) *string {
	t.Helper()
	origNewClient := newRedisClient
	origPing := pingRedis
	t.Cleanup(func() {
		newRedisClient = origNewClient
		pingRedis = origPing
	})

	var capturedAddr string
	newRedisClient = func(opts *redis.Options) *redis.Client {
		capturedAddr = opts.Addr
		return redis.NewClient(opts)
	}
	pingRedis = func(ctx context.Context, client *redis.Client) error {
		return ping
	}
	return &capturedAddr
}

func TestNew_DefaultAddr(t *testing.T) {
	addr := stubClient(t, nil)

	s, err := New(context.Background(), Config{})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, "localhost:6379", *addr)
}

func TestNew_ParsesURL(t *testing.T) {
	addr := stubClient(t, nil)

	s, err := New(context.Background(), Config{URL: "redis://cache:6380/2"})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, "cache:6380", *addr)
}

func TestNew_PingFailure(t *testing.T) {
	stubClient(t, errors.New("dial tcp: connection refused"))

	_, err := New(context.Background(), Config{URL: "redis:9999"})
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestKeys(t *testing.T) {
	s := NewWithClient(redis.NewClient(&redis.Options{}), "ms:")
	defer s.Close()

	require.Equal(t, "ms:v:pool/a/latest", s.valueKey("pool/a/latest"))
	require.Equal(t, "ms:c:pool/a", s.childrenKey("pool/a"))
	require.Equal(t, "a/b", joinPath("a", "b"))
	require.Equal(t, "b", joinPath("", "b"))
}

// Runs against a real server when MINERSTATS_TEST_REDIS_URL is set
func TestRedisStorage_Contract(t *testing.T) {
	url := os.Getenv("MINERSTATS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MINERSTATS_TEST_REDIS_URL not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s, err := New(ctx, Config{URL: url, Prefix: fmt.Sprintf("test:%s:%d:", t.Name(), time.Now().UnixNano())})
		require.NoError(t, err)
		return s
	})
}
