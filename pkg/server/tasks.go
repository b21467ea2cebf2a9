package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// gcDiscardRatio rewrites a value log file once half of it is garbage
const gcDiscardRatio = 0.5

// GarbageCollector is a badger-backed store (sink or checkpoint store)
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// RunBadgerGC collects value log garbage every interval until ctx is done.
// Long backfills rewrite the same keys repeatedly, and badger does not
// reclaim the old versions on its own.
func RunBadgerGC(ctx context.Context, name string, gc GarbageCollector, interval time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("store", name))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Debug("badger GC scheduler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := gc.RunGC(gcDiscardRatio); err != nil {
				logger.Warn("badger GC failed", zap.Error(err))
				continue
			}
			logger.Debug("badger GC completed", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
		case <-ctx.Done():
			logger.Debug("stopping badger GC scheduler")
			return
		}
	}
}
