package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/minerstats/pkg/config"
	badgerstore "github.com/nicktill/minerstats/pkg/storage/badger"
)

// RunBadgerGC runs BadgerDB value log garbage collection every interval
// until ctx is cancelled. Retention deletes only free disk space once the
// value log is rewritten.
func RunBadgerGC(ctx context.Context, store *badgerstore.Storage, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", interval).Msg("badger gc scheduler started")

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// RunGC errors when nothing was rewritten
			if err := store.RunGC(config.BadgerGCDiscardRatio); err != nil {
				logger.Debug().Err(err).Dur("took", time.Since(start)).Msg("gc found nothing to rewrite")
				continue
			}
			lsm, vlog := store.Size()
			logger.Info().
				Dur("took", time.Since(start)).
				Int64("lsm_bytes", lsm).
				Int64("vlog_bytes", vlog).
				Msg("gc reclaimed disk space")
		case <-ctx.Done():
			logger.Info().Msg("stopping badger gc scheduler")
			return
		}
	}
}
