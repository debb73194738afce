package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/minerstats/pkg/config"
	"github.com/nicktill/minerstats/pkg/logging"
	"github.com/nicktill/minerstats/pkg/model"
)

// Sender delivers one batch of updates
type Sender interface {
	Publish(ctx context.Context, updates ...model.Update) error
}

// BatcherConfig holds configuration for the batcher
type BatcherConfig struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	SendTimeout  time.Duration

	// MaxPending bounds the queue while the server is not acknowledging;
	// the oldest updates are dropped beyond it
	MaxPending int
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.MaxBatchSize <= 0 || c.MaxBatchSize > config.DeliveryMaxUpdates {
		c.MaxBatchSize = config.DeliveryMaxUpdates
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = config.DeliveryTimeout
	}
	if c.MaxPending < c.MaxBatchSize {
		c.MaxPending = 10 * c.MaxBatchSize
	}
	return c
}

// Batcher coalesces updates into batches and sends them from a single
// goroutine, in order. Batches that are not acknowledged go back to the
// front of the queue and are retried on the next flush.
type Batcher struct {
	cfg    BatcherConfig
	sender Sender
	logger zerolog.Logger

	mu      sync.Mutex
	pending []model.Update
	dropped int64

	full chan struct{}
	done chan struct{}
}

// NewBatcher creates a batcher; call Run to start sending
func NewBatcher(sender Sender, cfg BatcherConfig, logger zerolog.Logger) *Batcher {
	cfg = cfg.withDefaults()
	return &Batcher{
		cfg:    cfg,
		sender: sender,
		logger: logging.Component(logger, "batcher"),
		full:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Add queues an update. It never blocks on the network.
func (b *Batcher) Add(u model.Update) {
	b.mu.Lock()
	b.pending = append(b.pending, u)
	if over := len(b.pending) - b.cfg.MaxPending; over > 0 {
		b.pending = b.pending[over:]
		b.dropped += int64(over)
	}
	full := len(b.pending) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of queued updates
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dropped returns how many updates were discarded because the queue was full
func (b *Batcher) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Run sends batches every FlushEvery, or sooner when a batch fills, until
// ctx is cancelled. It then makes one last attempt to drain the queue.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
			if err := b.Flush(drainCtx); err != nil {
				b.logger.Warn().Err(err).Int("pending", b.Pending()).Msg("updates left unsent at shutdown")
			}
			cancel()
			return
		case <-ticker.C:
		case <-b.full:
		}
		if err := b.Flush(ctx); err != nil {
			b.logger.Warn().Err(err).Int("pending", b.Pending()).Msg("batch not acknowledged, will retry")
		}
	}
}

// Done is closed when Run has returned
func (b *Batcher) Done() <-chan struct{} {
	return b.done
}

// Flush sends everything queued, one batch at a time, stopping at the
// first failure.
func (b *Batcher) Flush(ctx context.Context) error {
	for {
		batch := b.take()
		if len(batch) == 0 {
			return nil
		}

		sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
		err := b.sender.Publish(sendCtx, batch...)
		cancel()
		if err != nil {
			b.requeue(batch)
			return err
		}
		b.logger.Debug().Int("count", len(batch)).Msg("batch acknowledged")
	}
}

func (b *Batcher) take() []model.Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := min(len(b.pending), b.cfg.MaxBatchSize)
	batch := make([]model.Update, n)
	copy(batch, b.pending[:n])
	b.pending = b.pending[n:]
	return batch
}

func (b *Batcher) requeue(batch []model.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(batch, b.pending...)
	if over := len(b.pending) - b.cfg.MaxPending; over > 0 {
		b.pending = b.pending[over:]
		b.dropped += int64(over)
	}
}
