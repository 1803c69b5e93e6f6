// Package anomaly flags statistical outliers in agent token usage.
//
// Every scan interval the detector computes a 24h per-agent baseline (mean
// and population stddev of total tokens) and z-scores each trace from the
// last five minutes against it. Outliers past 3.0 become anomaly rows and
// fan-out events; the detector is idempotent per trace, remembering flagged
// ids for twice the outlier window so a trace never fires twice while scans
// can still see it.
package anomaly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchboardhq/switchboard/internal/events"
	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/storage"
)

const (
	// baselineWindow is how far back the per-agent statistics reach.
	baselineWindow = 24 * time.Hour

	// outlierWindow is how far back individual traces are z-scored.
	outlierWindow = 5 * time.Minute

	// minTraces is the baseline sample floor; agents below it are skipped.
	minTraces = 10

	zHigh     = 3.0
	zCritical = 5.0
)

// store is the slice of the storage layer the detector reads and writes.
type store interface {
	TokenStatsByAgent(ctx context.Context, since time.Time, minTraces int) ([]storage.AgentTokenStats, error)
	RecentTracesForAgent(ctx context.Context, orgID uuid.UUID, agentID string, since time.Time) ([]model.Trace, error)
	CreateAnomaly(ctx context.Context, a model.Anomaly) (model.Anomaly, error)
}

// Detector runs the periodic scan.
type Detector struct {
	db       store
	fanout   *events.Fanout
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	seen map[uuid.UUID]time.Time // flagged trace ids and when they were flagged
}

// New creates a detector. interval defaults to 60s when non-positive.
func New(db store, fanout *events.Fanout, logger *slog.Logger, interval time.Duration) *Detector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Detector{
		db:       db,
		fanout:   fanout,
		logger:   logger,
		interval: interval,
		seen:     make(map[uuid.UUID]time.Time),
	}
}

// Start runs scans until ctx is cancelled.
func (d *Detector) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.Scan(ctx); err != nil {
				d.logger.Warn("anomaly: scan failed", "error", err)
			} else if n > 0 {
				d.logger.Info("anomaly: scan flagged traces", "count", n)
			}
		}
	}
}

// Scan performs one detection pass and returns the number of new anomalies.
func (d *Detector) Scan(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	d.evictSeen(now)
	stats, err := d.db.TokenStatsByAgent(ctx, now.Add(-baselineWindow), minTraces)
	if err != nil {
		return 0, err
	}

	var flagged int
	for _, s := range stats {
		if s.StdDev == 0 {
			continue
		}
		traces, err := d.db.RecentTracesForAgent(ctx, s.OrgID, s.AgentID, now.Add(-outlierWindow))
		if err != nil {
			d.logger.Warn("anomaly: recent traces failed", "agent_id", s.AgentID, "error", err)
			continue
		}
		for _, t := range traces {
			z := (float64(t.TotalTokens()) - s.Mean) / s.StdDev
			if z <= zHigh {
				continue
			}
			if !d.markSeen(t.TraceID, now) {
				continue
			}
			if d.flag(ctx, s, t, z) {
				flagged++
			}
		}
	}
	return flagged, nil
}

// markSeen records a trace id, returning false when it was already flagged.
func (d *Detector) markSeen(traceID uuid.UUID, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[traceID]; ok {
		return false
	}
	d.seen[traceID] = now
	return true
}

// evictSeen drops ids older than twice the outlier window. Scans never score
// traces past that age, so the dedupe set stays bounded without risking a
// repeat flag.
func (d *Detector) evictSeen(now time.Time) {
	cutoff := now.Add(-2 * outlierWindow)
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, id)
		}
	}
}

func (d *Detector) flag(ctx context.Context, s storage.AgentTokenStats, t model.Trace, z float64) bool {
	severity := "high"
	if z > zCritical {
		severity = "critical"
	}

	anomaly, err := d.db.CreateAnomaly(ctx, model.Anomaly{
		OrgID:    s.OrgID,
		AgentID:  s.AgentID,
		Type:     "token_usage_spike",
		Severity: severity,
		Details: map[string]any{
			"trace_id":     t.TraceID,
			"z_score":      z,
			"total_tokens": t.TotalTokens(),
			"mean":         s.Mean,
			"stddev":       s.StdDev,
		},
		DetectedAt: time.Now().UTC(),
		Status:     model.AnomalyActive,
	})
	if err != nil {
		d.logger.Warn("anomaly: persist failed", "trace_id", t.TraceID, "error", err)
		// Leave the trace marked; a persist retry next scan would duplicate
		// the fan-out event anyway.
		return false
	}

	d.fanout.Emit(s.OrgID, model.EventAnomalyDetected, map[string]any{
		"anomalyId": anomaly.ID,
		"agentId":   s.AgentID,
		"severity":  severity,
		"traceId":   t.TraceID,
		"zScore":    z,
	})
	return true
}
