/*
Package storage provides the pluggable hierarchical store behind minerstats.

# Store Interface

Readings land in a tree of slash-separated paths:

	pool/{pool}/latest
	pool/{pool}/algo/{algo}/profitability/{per-minute|per-hour|per-day}/{bucket}
	pool/{pool}/coin/{coin}/{algo}/profitability/{per-minute|per-hour|per-day}/{bucket}

Each child under a parent carries an integer priority. Bucket records use
their bucket start as priority, so List on a bucket series returns the
oldest buckets first. The retention sweep relies on that ordering.

# Backends

  - memory: mutex-guarded maps, for tests and ephemeral runs
  - badger: BadgerDB on local disk (LSM tree + Snappy compression)
  - redis: string keys plus one sorted set per parent
  - postgres: a single kv_nodes table indexed by (parent, priority)

# Read-Modify-Write

Rollup records are updated with Update, which every backend makes atomic
per path:

	created, err := store.Update(ctx, path, bucketStart, func(current []byte) ([]byte, error) {
	    // current == nil when the bucket is new
	    return next, nil
	})

memory holds a lock, badger retries the transaction on conflict, redis
retries a WATCH/MULTI transaction and postgres takes a transaction-scoped
advisory lock.

# Lazy Connections

Lazy defers opening a backend until the first call, so commands that never
touch storage never dial it:

	store := storage.NewLazy(func(ctx context.Context) (storage.Store, error) {
	    return redisstore.New(ctx, cfg)
	})
*/
package storage
