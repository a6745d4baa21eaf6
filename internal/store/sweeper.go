package store

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is implemented by backends that expire sessions lazily and need a
// periodic pass to reclaim space. Redis expires keys itself.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

func RunSweeper(ctx context.Context, sw Sweeper, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sw.SweepExpired(ctx)
			if err != nil {
				slog.Error("session sweep failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				slog.Info("expired sessions removed", slog.Int("count", removed))
			}
		}
	}
}
