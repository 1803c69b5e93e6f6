// Package ratelimit tracks per-agent request rates in the KV store.
//
// Counters are advisory: a request over its window count is annotated and
// logged, never rejected. Cross-instance accuracy comes from the shared
// rate:{agent}:{window} keys; a KV failure fails open with a zero count.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/switchboardhq/switchboard/internal/kv"
)

// windowTTL keeps a minute counter alive past its window for late readers.
const windowTTL = 2 * time.Minute

// Tracker counts requests per agent per minute window.
type Tracker struct {
	store  *kv.Store
	logger *slog.Logger
	limit  int64
}

// NewTracker creates a tracker. limit <= 0 disables the over-limit flag; the
// counter is still maintained.
func NewTracker(store *kv.Store, logger *slog.Logger, limit int64) *Tracker {
	return &Tracker{store: store, logger: logger, limit: limit}
}

// Window returns the current minute bucket label.
func Window(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04")
}

// Observe bumps the agent's counter for the current window and reports the
// count and whether it exceeds the configured limit.
func (t *Tracker) Observe(ctx context.Context, agentID string) (count int64, overLimit bool) {
	if agentID == "" {
		return 0, false
	}
	n, err := t.store.IncrBy(ctx, kv.RateKey(agentID, Window(time.Now())), 1, windowTTL)
	if err != nil {
		t.logger.Warn("ratelimit: counter failed, skipping", "agent_id", agentID, "error", err)
		return 0, false
	}
	return n, t.limit > 0 && n > t.limit
}

// Count reads an agent's counter for a window without incrementing it.
func (t *Tracker) Count(ctx context.Context, agentID, window string) (int64, error) {
	return t.store.GetInt(ctx, kv.RateKey(agentID, window))
}
