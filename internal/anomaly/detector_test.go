package anomaly

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/internal/events"
	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/storage"
)

type stubStore struct {
	mu      sync.Mutex
	stats   []storage.AgentTokenStats
	traces  map[string][]model.Trace
	created []model.Anomaly
}

func (s *stubStore) TokenStatsByAgent(context.Context, time.Time, int) ([]storage.AgentTokenStats, error) {
	return s.stats, nil
}

func (s *stubStore) RecentTracesForAgent(_ context.Context, _ uuid.UUID, agentID string, _ time.Time) ([]model.Trace, error) {
	return s.traces[agentID], nil
}

func (s *stubStore) CreateAnomaly(_ context.Context, a model.Anomaly) (model.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = uuid.New()
	s.created = append(s.created, a)
	return a, nil
}

func (s *stubStore) anomalies() []model.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Anomaly(nil), s.created...)
}

func traceWithTokens(in, out int) model.Trace {
	return model.Trace{
		TraceID:      uuid.New(),
		InputTokens:  &in,
		OutputTokens: &out,
	}
}

func newDetector(db *stubStore) (*Detector, *events.Fanout) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	fanout := events.NewFanout(logger)
	return New(db, fanout, logger, time.Minute), fanout
}

func TestScanFlagsOutliers(t *testing.T) {
	orgID := uuid.New()
	db := &stubStore{
		stats: []storage.AgentTokenStats{
			{OrgID: orgID, AgentID: "agent-1", Count: 50, Mean: 100, StdDev: 10},
		},
		traces: map[string][]model.Trace{
			"agent-1": {
				traceWithTokens(90, 15),  // z = 0.5
				traceWithTokens(100, 40), // z = 4.0 -> high
				traceWithTokens(150, 20), // z = 7.0 -> critical
			},
		},
	}
	d, fanout := newDetector(db)
	sub := fanout.Subscribe(&orgID, []model.EventType{model.EventAnomalyDetected})
	defer fanout.Unsubscribe(sub)

	n, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	created := db.anomalies()
	require.Len(t, created, 2)
	require.Equal(t, "high", created[0].Severity)
	require.Equal(t, "critical", created[1].Severity)
	require.Equal(t, "token_usage_spike", created[0].Type)
	require.Equal(t, model.AnomalyActive, created[0].Status)

	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.C():
			require.Equal(t, model.EventAnomalyDetected, e.Type)
		case <-time.After(time.Second):
			t.Fatal("expected anomaly events")
		}
	}
}

func TestScanIsIdempotentPerTrace(t *testing.T) {
	orgID := uuid.New()
	db := &stubStore{
		stats: []storage.AgentTokenStats{
			{OrgID: orgID, AgentID: "agent-1", Count: 20, Mean: 100, StdDev: 10},
		},
		traces: map[string][]model.Trace{
			"agent-1": {traceWithTokens(200, 0)}, // z = 10
		},
	}
	d, _ := newDetector(db)

	n, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Same traces on the next pass: nothing new.
	n, err = d.Scan(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, db.anomalies(), 1)
}

func TestZeroStdDevSkipped(t *testing.T) {
	orgID := uuid.New()
	db := &stubStore{
		stats: []storage.AgentTokenStats{
			{OrgID: orgID, AgentID: "agent-1", Count: 20, Mean: 100, StdDev: 0},
		},
		traces: map[string][]model.Trace{
			"agent-1": {traceWithTokens(10000, 0)},
		},
	}
	d, _ := newDetector(db)

	n, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSeenSetEvictsOldEntries(t *testing.T) {
	orgID := uuid.New()
	db := &stubStore{
		stats: []storage.AgentTokenStats{
			{OrgID: orgID, AgentID: "agent-1", Count: 20, Mean: 100, StdDev: 10},
		},
		traces: map[string][]model.Trace{
			"agent-1": {traceWithTokens(200, 0)}, // z = 10
		},
	}
	d, _ := newDetector(db)

	n, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Backdate a stale id past twice the outlier window alongside the fresh
	// one; the next scan evicts only the stale entry.
	staleID := uuid.New()
	d.mu.Lock()
	d.seen[staleID] = time.Now().UTC().Add(-3 * outlierWindow)
	require.Len(t, d.seen, 2)
	d.mu.Unlock()

	n, err = d.Scan(context.Background())
	require.NoError(t, err)
	require.Zero(t, n, "the fresh id still dedupes")

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.seen, 1)
	require.NotContains(t, d.seen, staleID)
}

func TestBoundaryZScoreNotFlagged(t *testing.T) {
	orgID := uuid.New()
	db := &stubStore{
		stats: []storage.AgentTokenStats{
			{OrgID: orgID, AgentID: "agent-1", Count: 20, Mean: 100, StdDev: 10},
		},
		traces: map[string][]model.Trace{
			"agent-1": {traceWithTokens(130, 0)}, // z = 3.0 exactly
		},
	}
	d, _ := newDetector(db)

	n, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Zero(t, n, "the threshold is strictly greater than 3.0")
}
