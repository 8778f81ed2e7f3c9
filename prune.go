package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/fabfab/datasearch/conversation"
)

// pruneIdle evicts idle in-memory conversations until ctx ends. It checks
// at a tenth of ttl, but at most once a minute.
func pruneIdle(ctx context.Context, store *conversation.MemoryStore, ttl time.Duration, logger *slog.Logger) {
	interval := min(ttl/10, time.Minute)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Prune(ttl); n > 0 {
				logger.Info("pruned idle conversations", "removed", n, "idle_ttl", ttl)
			}
		}
	}
}
