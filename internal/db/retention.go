package db

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// WindowRetention is the age after which rate limit windows are pruned.
const WindowRetention = 5 * time.Minute

// WindowPruner deletes rate limit windows that started before cutoff.
// Both the database Store and the in-memory limiter store implement it.
type WindowPruner interface {
	PruneWindows(ctx context.Context, cutoff time.Time) (int64, error)
}

// runRetentionOnce performs a single pass of retention cleanup,
// deleting rate limit windows that started before now-WindowRetention.
func runRetentionOnce(ctx context.Context, p WindowPruner, now time.Time, log logrus.FieldLogger) error {
	n, err := p.PruneWindows(ctx, now.Add(-WindowRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		log.WithField("rows", n).Debug("pruned rate limit windows")
	}
	return nil
}

// StartRetentionWorker launches a background goroutine that prunes stale rate
// limit windows once at startup and then every interval until ctx is done.
func StartRetentionWorker(ctx context.Context, p WindowPruner, interval time.Duration, log logrus.FieldLogger) {
	go func() {
		if err := runRetentionOnce(ctx, p, time.Now(), log); err != nil {
			log.WithError(err).Warn("retention cleanup error (startup)")
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				if err := runRetentionOnce(ctx, p, t, log); err != nil {
					log.WithError(err).Warn("retention cleanup error")
				}
			}
		}
	}()
}
