package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/internal/events"
	"github.com/switchboardhq/switchboard/internal/firewall"
	"github.com/switchboardhq/switchboard/internal/kv"
	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/policy"
	"github.com/switchboardhq/switchboard/internal/storage"
	"github.com/switchboardhq/switchboard/internal/traffic"
)

type stubControlStore struct {
	agents       []model.Agent
	statusCalls  map[string]model.AgentStatus
	bulkStatus   *model.AgentStatus
	revoked      []string
	lastFilter   storage.TraceFilter
	policies     []model.Policy
	resolved     []uuid.UUID
	shadowCount  int
	shadowCost   float64
	cacheStats   model.CacheStats
	notFoundMode bool
}

func (s *stubControlStore) ListAgents(context.Context, uuid.UUID) ([]model.Agent, error) {
	return s.agents, nil
}

func (s *stubControlStore) SetAgentStatus(_ context.Context, _ uuid.UUID, agentID string, status model.AgentStatus) error {
	if s.notFoundMode {
		return storage.ErrNotFound
	}
	if s.statusCalls == nil {
		s.statusCalls = make(map[string]model.AgentStatus)
	}
	s.statusCalls[agentID] = status
	return nil
}

func (s *stubControlStore) SetAllAgentStatuses(_ context.Context, _ uuid.UUID, status model.AgentStatus) (int64, error) {
	s.bulkStatus = &status
	return int64(len(s.agents)), nil
}

func (s *stubControlStore) RevokeOrganizationToken(_ context.Context, token string) error {
	if s.notFoundMode {
		return storage.ErrNotFound
	}
	s.revoked = append(s.revoked, token)
	return nil
}

func (s *stubControlStore) ListTraces(_ context.Context, _ uuid.UUID, f storage.TraceFilter) ([]model.Trace, error) {
	s.lastFilter = f
	return nil, nil
}

func (s *stubControlStore) ShadowSavings(context.Context, uuid.UUID, time.Time) (int, float64, error) {
	return s.shadowCount, s.shadowCost, nil
}

func (s *stubControlStore) CacheStats(context.Context, uuid.UUID) (model.CacheStats, error) {
	return s.cacheStats, nil
}

func (s *stubControlStore) UpsertPolicy(_ context.Context, _ uuid.UUID, p model.Policy) error {
	s.policies = append(s.policies, p)
	return nil
}

func (s *stubControlStore) ResolveAnomaly(_ context.Context, id uuid.UUID, _ string) error {
	if s.notFoundMode {
		return storage.ErrNotFound
	}
	s.resolved = append(s.resolved, id)
	return nil
}

func (s *stubControlStore) ListActiveAnomalies(context.Context, uuid.UUID) ([]model.Anomaly, error) {
	return nil, nil
}

type testServer struct {
	srv    *Server
	db     *stubControlStore
	store  *kv.Store
	ctrl   *traffic.Controller
	fanout *events.Fanout
	loader *policy.Loader
	waf    *firewall.RuleSet
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mr := miniredis.RunT(t)
	store := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	db := &stubControlStore{}
	loader := policy.NewLoader(store, logger, "")
	waf, err := firewall.NewRuleSet(firewall.DefaultRules())
	require.NoError(t, err)
	ctrl := traffic.NewController(store, logger, 30*time.Second, 5, false)
	fanout := events.NewFanout(logger)

	handlers := NewHandlers(HandlersDeps{
		DB:      db,
		KV:      store,
		Loader:  loader,
		WAF:     waf,
		Traffic: ctrl,
		Fanout:  fanout,
		Logger:  logger,
	})

	srv := New(ServerConfig{
		Handlers: handlers,
		Proxy:    http.NotFoundHandler(),
		Events:   http.NotFoundHandler(),
		Logger:   logger,
		Port:     0,
	})

	return &testServer{srv: srv, db: db, store: store, ctrl: ctrl, fanout: fanout, loader: loader, waf: waf}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestBurnRateReport(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	orgID := uuid.New()

	now := time.Now().UTC()
	current := now.Format("2006-01-02T15:04")
	previous := now.Add(-time.Minute).Format("2006-01-02T15:04")

	_, err := ts.store.IncrByFloat(ctx, kv.CostKey(orgID.String(), current), 0.05, time.Hour)
	require.NoError(t, err)
	_, err = ts.store.IncrBy(ctx, kv.CostRequestsKey(orgID.String(), current), 3, time.Hour)
	require.NoError(t, err)
	_, err = ts.store.IncrByFloat(ctx, kv.CostKey(orgID.String(), previous), 0.02, time.Hour)
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/burn-rate/"+orgID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report model.BurnRateReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.InDelta(t, 0.05, report.CurrentRate, 1e-9)
	require.InDelta(t, 3.0, report.HourlyProjection, 1e-9)
	require.Len(t, report.History, 2)
	require.Equal(t, previous, report.History[0].Minute)
	require.Equal(t, int64(3), report.History[1].Requests)
}

func TestBurnRateBadOrg(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/burn-rate/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTraceViewsMapToFilters(t *testing.T) {
	ts := newTestServer(t)
	orgID := uuid.New().String()

	w := ts.do(t, http.MethodGet, "/api/traces/"+orgID+"?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 5, ts.db.lastFilter.Limit)
	require.False(t, ts.db.lastFilter.OnlyBlocked)

	w = ts.do(t, http.MethodGet, "/api/traces/"+orgID+"/blocked", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, ts.db.lastFilter.OnlyBlocked)

	w = ts.do(t, http.MethodGet, "/api/traces/"+orgID+"/shadow?hours=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, ts.db.lastFilter.OnlyShadow)
	require.WithinDuration(t, time.Now().UTC().Add(-2*time.Hour), ts.db.lastFilter.Since, time.Minute)

	w = ts.do(t, http.MethodGet, "/api/traces/"+orgID+"/bogus", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestShadowSavings(t *testing.T) {
	ts := newTestServer(t)
	ts.db.shadowCount = 4
	ts.db.shadowCost = 1.25

	w := ts.do(t, http.MethodGet, "/api/shadow-savings/"+uuid.New().String()+"?hours=12", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report model.ShadowSavingsReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.Equal(t, 4, report.ShadowBlockedCount)
	require.InDelta(t, 1.25, report.TotalMitigatedCost, 1e-9)
	require.Equal(t, 12, report.PeriodHours)
}

func TestPolicyPartialUpdate(t *testing.T) {
	ts := newTestServer(t)
	sub := ts.fanout.Subscribe(nil, []model.EventType{model.EventPolicyUpdated})
	defer ts.fanout.Unsubscribe(sub)

	before := ts.loader.Active().Version
	w := ts.do(t, http.MethodPut, "/api/policies", map[string]any{"shadow_mode": true})
	require.Equal(t, http.StatusOK, w.Code)

	after := ts.loader.Active()
	require.True(t, after.ShadowMode)
	require.Equal(t, before+1, after.Version)
	require.True(t, after.Rules.BlockPII, "unpatched fields keep their values")
	require.Len(t, ts.db.policies, 1)

	select {
	case e := <-sub.C():
		require.Equal(t, model.EventPolicyUpdated, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a policy_updated event")
	}
}

func TestWAFRuleToggle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPut, "/api/waf/rules/waf-prompt-injection", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)

	var disabled bool
	for _, rule := range ts.waf.Rules() {
		if rule.ID == "waf-prompt-injection" {
			disabled = !rule.Enabled
		}
	}
	require.True(t, disabled)

	w = ts.do(t, http.MethodPut, "/api/waf/rules/no-such-rule", map[string]any{"enabled": true})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPauseAndResumeAgent(t *testing.T) {
	ts := newTestServer(t)
	orgID := uuid.New()

	w := ts.do(t, http.MethodPost, "/api/control/pause-agent",
		map[string]string{"orgId": orgID.String(), "agentId": "agent-1"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, model.AgentPaused, ts.db.statusCalls["agent-1"])

	w = ts.do(t, http.MethodPost, "/api/control/resume-agent",
		map[string]string{"orgId": orgID.String(), "agentId": "agent-1"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, model.AgentActive, ts.db.statusCalls["agent-1"])
}

func TestPauseUnknownAgent(t *testing.T) {
	ts := newTestServer(t)
	ts.db.notFoundMode = true

	w := ts.do(t, http.MethodPost, "/api/control/pause-agent",
		map[string]string{"orgId": uuid.New().String(), "agentId": "ghost"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPauseAllEmitsGlobalPause(t *testing.T) {
	ts := newTestServer(t)
	ts.db.agents = []model.Agent{{AgentID: "a"}, {AgentID: "b"}}
	orgID := uuid.New()

	sub := ts.fanout.Subscribe(&orgID, []model.EventType{model.EventGlobalPauseStatus})
	defer ts.fanout.Unsubscribe(sub)

	w := ts.do(t, http.MethodPost, "/api/control/pause-all", map[string]string{"orgId": orgID.String()})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, ts.db.bulkStatus)
	require.Equal(t, model.AgentPaused, *ts.db.bulkStatus)

	select {
	case e := <-sub.C():
		require.Equal(t, model.EventGlobalPauseStatus, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a global_pause_status event")
	}
}

func TestRevokeToken(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/control/revoke-token", map[string]string{"token": "tok-1"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"tok-1"}, ts.db.revoked)
}

func TestEmergencyStopEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/control/emergency-stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, ts.ctrl.IsStopped())

	w = ts.do(t, http.MethodGet, "/api/control/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, true, status["emergencyStop"])

	w = ts.do(t, http.MethodPost, "/api/control/emergency-reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, ts.ctrl.IsStopped())
}

func TestResolveAnomaly(t *testing.T) {
	ts := newTestServer(t)
	id := uuid.New()

	w := ts.do(t, http.MethodPost, "/api/anomalies/"+id.String()+"/resolve",
		map[string]string{"resolvedBy": "oncall"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []uuid.UUID{id}, ts.db.resolved)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"ok"`)
}
