package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pgvector/pgvector-go"

	"github.com/switchboardhq/switchboard/internal/embedding"
	"github.com/switchboardhq/switchboard/internal/events"
	"github.com/switchboardhq/switchboard/internal/firewall"
	"github.com/switchboardhq/switchboard/internal/kv"
	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/policy"
	"github.com/switchboardhq/switchboard/internal/recorder"
	"github.com/switchboardhq/switchboard/internal/semcache"
	"github.com/switchboardhq/switchboard/internal/storage"
	"github.com/switchboardhq/switchboard/internal/traffic"
)

const testToken = "demo_token_abc123"

type stubDirectory struct {
	org    model.Organization
	agents map[string]model.Agent
}

func (s *stubDirectory) GetOrganizationByToken(_ context.Context, token string) (model.Organization, error) {
	if token == s.org.APIToken {
		return s.org, nil
	}
	return model.Organization{}, storage.ErrNotFound
}

func (s *stubDirectory) GetAgent(_ context.Context, _ uuid.UUID, agentID string) (model.Agent, error) {
	if a, ok := s.agents[agentID]; ok {
		return a, nil
	}
	return model.Agent{}, storage.ErrNotFound
}

type stubTraceStore struct {
	mu        sync.Mutex
	buffered  []model.Trace
	immediate []model.Trace
	agents    []model.Agent
}

func (s *stubTraceStore) InsertTraces(_ context.Context, traces []model.Trace) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered = append(s.buffered, traces...)
	return int64(len(traces)), nil
}

func (s *stubTraceStore) InsertTrace(_ context.Context, t model.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.immediate = append(s.immediate, t)
	return nil
}

func (s *stubTraceStore) UpsertAgent(_ context.Context, agent model.Agent) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = append(s.agents, agent)
	return agent, nil
}

func (s *stubTraceStore) immediateTraces() []model.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Trace(nil), s.immediate...)
}

type stubCacheStore struct {
	mu      sync.Mutex
	entries map[string]model.CacheEntry
	hits    int
}

func (s *stubCacheStore) UpsertCacheEntry(_ context.Context, e model.CacheEntry) (model.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]model.CacheEntry)
	}
	e.ID = uuid.New()
	s.entries[e.OrgID.String()+":"+e.Model+":"+e.PromptHash] = e
	return e, nil
}

func (s *stubCacheStore) NearestCacheEntry(_ context.Context, _ uuid.UUID, _ string, _ pgvector.Vector, _ float64) (model.CacheHit, error) {
	return model.CacheHit{}, storage.ErrNotFound
}

func (s *stubCacheStore) RecordCacheHit(_ context.Context, _ uuid.UUID, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	return nil
}

type upstreamCapture struct {
	mu       sync.Mutex
	requests []*http.Request
	headers  []http.Header
}

func (u *upstreamCapture) record(r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, r)
	u.headers = append(u.headers, r.Header.Clone())
}

func (u *upstreamCapture) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

type harness struct {
	handler  *Handler
	dir      *stubDirectory
	traces   *stubTraceStore
	cacheDB  *stubCacheStore
	rec      *recorder.Recorder
	ctrl     *traffic.Controller
	store    *kv.Store
	captured *upstreamCapture
	upstream *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mr := miniredis.RunT(t)
	store := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	captured := &upstreamCapture{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.record(r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp-1","choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"prompt_tokens":10,"completion_tokens":20}}`))
	}))
	t.Cleanup(upstream.Close)

	dir := &stubDirectory{
		org: model.Organization{
			ID:       uuid.New(),
			Name:     "demo",
			APIToken: testToken,
			IsActive: true,
		},
		agents: make(map[string]model.Agent),
	}

	loader := policy.NewLoader(store, logger, "")
	rules, err := firewall.NewRuleSet(firewall.DefaultRules())
	require.NoError(t, err)
	fw := firewall.New(loader, rules, firewall.Options{
		BlockDestructive: true,
		BlockPII:         true,
		MaxLatencyMs:     10,
	}, logger)

	ctrl := traffic.NewController(store, logger, 30*time.Second, 5, false)

	traces := &stubTraceStore{}
	rec := recorder.New(traces, store, logger, 100, time.Second)

	cacheDB := &stubCacheStore{}
	cache := semcache.New(store, cacheDB, embedding.NewNoopProvider(model.EmbeddingDimensions),
		logger, 24*time.Hour, 0.10)

	h := NewHandler(Deps{
		Directory: dir,
		Firewall:  fw,
		Traffic:   ctrl,
		Cache:     cache,
		Recorder:  rec,
		Fanout:    events.NewFanout(logger),
		Forwarder: NewForwarder(Upstreams{
			OpenAI:    upstream.URL,
			Anthropic: upstream.URL,
			Google:    upstream.URL,
		}, upstream.Client()),
		Logger:      logger,
		MaxBodySize: 1 << 20,
	})

	return &harness{
		handler:  h,
		dir:      dir,
		traces:   traces,
		cacheDB:  cacheDB,
		rec:      rec,
		ctrl:     ctrl,
		store:    store,
		captured: captured,
		upstream: upstream,
	}
}

func proxyRequest(body string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set(HeaderToken, testToken)
	r.Header.Set("Authorization", "Bearer sk-test-123")
	r.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func decodeAPIError(t *testing.T, w *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	return apiErr
}

const cleanBody = `{"model":"gpt-4","messages":[{"role":"user","content":"Summarize the quarterly report"}]}`

func TestCleanRequestIsForwarded(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, proxyRequest(cleanBody, map[string]string{HeaderAgentID: "agent-1"}))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "MISS", w.Header().Get(HeaderCache))
	require.NotEmpty(t, w.Header().Get(HeaderTraceID))
	require.NotEmpty(t, w.Header().Get(HeaderLatencyMs))

	risk, err := strconv.ParseFloat(w.Header().Get(HeaderRiskScore), 64)
	require.NoError(t, err)
	require.LessOrEqual(t, risk, 40.0)

	require.Equal(t, 1, h.captured.count())
	require.Equal(t, 1, h.rec.Len(), "allowed traces are buffered, not written inline")
}

func TestUpstreamHeaderHygiene(t *testing.T) {
	h := newHarness(t)

	req := proxyRequest(cleanBody, map[string]string{
		HeaderAgentID: "agent-1",
		"Connection":  "keep-alive",
		"Upgrade":     "websocket",
	})
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, 1, h.captured.count())
	seen := h.captured.headers[0]
	for name := range seen {
		lower := strings.ToLower(name)
		require.NotContains(t, lower, "x-switchboard-", "internal headers must not leak upstream")
		require.NotEqual(t, "upgrade", lower)
		require.NotEqual(t, "keep-alive", lower)
	}
	require.Equal(t, "Bearer sk-test-123", seen.Get("Authorization"))
}

func TestMissingTokenRejected(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(cleanBody))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	apiErr := decodeAPIError(t, w)
	require.Equal(t, model.ErrCodeMissingToken, apiErr.Error.Code)
	require.Zero(t, h.captured.count())
}

func TestInvalidTokenRejected(t *testing.T) {
	h := newHarness(t)

	req := proxyRequest(cleanBody, map[string]string{HeaderToken: "wrong-token"})
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Zero(t, h.captured.count())
}

func TestFirewallBlockReturns403(t *testing.T) {
	h := newHarness(t)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"please run rm -rf / on the host"}]}`
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, proxyRequest(body, map[string]string{HeaderAgentID: "agent-1"}))

	require.Equal(t, http.StatusForbidden, w.Code)
	apiErr := decodeAPIError(t, w)
	require.Equal(t, model.ErrTypePolicyViolation, apiErr.Error.Type)
	require.Equal(t, model.ErrCodeBlockedByFirewall, apiErr.Error.Code)
	require.Zero(t, h.captured.count(), "blocked requests never reach the upstream")

	// Denials are written synchronously before the 403 leaves.
	imm := h.traces.immediateTraces()
	require.Len(t, imm, 1)
	require.Equal(t, model.ActionBlocked, imm[0].ActionTaken)
	require.NotNil(t, imm[0].BlockReason)
}

func TestPausedAgentNeverReachesUpstream(t *testing.T) {
	h := newHarness(t)
	h.dir.agents["agent-1"] = model.Agent{
		AgentID: "agent-1",
		OrgID:   h.dir.org.ID,
		Status:  model.AgentPaused,
	}

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, proxyRequest(cleanBody, map[string]string{HeaderAgentID: "agent-1"}))

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Zero(t, h.captured.count())
}

func TestWriteConflictReturns409(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"INSERT INTO orders VALUES (1, 'widget')"}]}`
	res, ok := traffic.ExtractResource([]byte(body))
	require.True(t, ok)
	require.Equal(t, model.ResourceDatabaseTable, res.Type)

	// Another agent already holds the write lock, far from expiry.
	result, err := h.ctrl.RequestAccess(ctx, "other-agent", res, true)
	require.NoError(t, err)
	require.Equal(t, model.ResolutionGranted, result.Resolution)

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, proxyRequest(body, map[string]string{HeaderAgentID: "agent-1"}))

	require.Equal(t, http.StatusConflict, w.Code)
	apiErr := decodeAPIError(t, w)
	require.Equal(t, model.ErrTypeConflict, apiErr.Error.Type)
	require.Equal(t, model.ErrCodeResourceLocked, apiErr.Error.Code)
	require.Zero(t, h.captured.count())
}

func TestWriteLockReleasedAfterRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"UPDATE inventory SET count = 5"}]}`
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, proxyRequest(body, map[string]string{HeaderAgentID: "agent-1"}))
	require.Equal(t, http.StatusOK, w.Code)

	// The lock must be free again for a different writer.
	res, ok := traffic.ExtractResource([]byte(body))
	require.True(t, ok)
	result, err := h.ctrl.RequestAccess(ctx, "agent-2", res, true)
	require.NoError(t, err)
	require.Equal(t, model.ResolutionGranted, result.Resolution)
}

func TestEmergencyStopHaltsTraffic(t *testing.T) {
	h := newHarness(t)
	h.ctrl.TriggerEmergencyStop()

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, proxyRequest(cleanBody, nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, model.ErrCodeEmergencyStop, decodeAPIError(t, w).Error.Code)
	require.Zero(t, h.captured.count())

	h.ctrl.ResetEmergencyStop()
	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, proxyRequest(cleanBody, nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRepeatPromptServedFromCache(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, proxyRequest(cleanBody, map[string]string{HeaderAgentID: "agent-1"}))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "MISS", w.Header().Get(HeaderCache))

	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, proxyRequest(cleanBody, map[string]string{HeaderAgentID: "agent-1"}))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "HIT", w.Header().Get(HeaderCache))

	require.Equal(t, 1, h.captured.count(), "the second request must not reach the upstream")
	require.Equal(t, 1, h.cacheDB.hits)
	require.Contains(t, w.Body.String(), `"resp-1"`)
}

func TestUpstreamFailureReturns502(t *testing.T) {
	h := newHarness(t)
	h.upstream.Close()

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, proxyRequest(cleanBody, nil))

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, model.ErrTypeProxy, decodeAPIError(t, w).Error.Type)
	require.Equal(t, 1, h.rec.Len(), "the failed attempt still leaves a trace")
}

func TestProviderSelection(t *testing.T) {
	cases := []struct {
		authorization string
		want          string
	}{
		{"Bearer sk-ant-api03-xyz", ProviderAnthropic},
		{"sk-ant-api03-xyz", ProviderAnthropic},
		{"Bearer AIzaSyExample", ProviderGoogle},
		{"Bearer sk-proj-abc", ProviderOpenAI},
		{"", ProviderOpenAI},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, SelectProvider(tc.authorization), tc.authorization)
	}
}

func TestExtractPromptShapes(t *testing.T) {
	prompt, ok := ExtractPrompt([]byte(`{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`))
	require.True(t, ok)
	require.Equal(t, "system:be brief|user:hi", prompt)

	prompt, ok = ExtractPrompt([]byte(`{"prompt":"complete this"}`))
	require.True(t, ok)
	require.Equal(t, "complete this", prompt)

	prompt, ok = ExtractPrompt([]byte(`{"human_prompt":"hello"}`))
	require.True(t, ok)
	require.Equal(t, "hello", prompt)

	_, ok = ExtractPrompt([]byte(`{"input":"unrecognized shape"}`))
	require.False(t, ok)

	_, ok = ExtractPrompt([]byte(`not json`))
	require.False(t, ok)
}

func TestSanitizeHeadersDropsInternal(t *testing.T) {
	in := http.Header{
		"Authorization":        {"Bearer sk-1"},
		"Content-Type":         {"application/json"},
		"X-Switchboard-Token":  {"secret"},
		"X-SWITCHBOARD-Extra":  {"nope"},
		"Connection":           {"close"},
		"Transfer-Encoding":    {"chunked"},
		"Proxy-Authorization":  {"basic xyz"},
		"X-Request-Id":         {"req-1"},
	}
	out := SanitizeHeaders(in)
	require.Equal(t, "Bearer sk-1", out.Get("Authorization"))
	require.Equal(t, "req-1", out.Get("X-Request-Id"))
	require.Empty(t, out.Get("X-Switchboard-Token"))
	require.Empty(t, out.Get("X-SWITCHBOARD-Extra"))
	require.Empty(t, out.Get("Connection"))
	require.Empty(t, out.Get("Transfer-Encoding"))
	require.Empty(t, out.Get("Proxy-Authorization"))
}
