package store

import (
	"context"
	"log/slog"
	"time"
)

// Store is a signal store with maintenance hooks
type Store interface {
	Get(ctx context.Context, key, kind string) ([]float64, bool, error)
	Put(ctx context.Context, key, kind string, values []float64) error
	Purge(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open returns a SQLite store for a non-empty path, else a MemoryStore
func Open(path string, ttl time.Duration) (Store, error) {
	if path == "" {
		return NewMemoryStore(ttl), nil
	}
	return OpenSQLite(path, ttl)
}

// RunPurge removes expired entries every interval until ctx is done
func RunPurge(ctx context.Context, s Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Purge(ctx)
			if err != nil {
				logger.Warn("signal store purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("signal store purged", "removed", n)
			}
		}
	}
}
