// Package proxy is the request orchestrator: every call under /v1/* passes
// through the emergency stop, the firewall, the traffic controller, the
// semantic cache, and the sandbox before (possibly) reaching an upstream
// provider, and leaves a trace behind regardless of outcome.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/switchboardhq/switchboard/internal/events"
	"github.com/switchboardhq/switchboard/internal/firewall"
	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/ratelimit"
	"github.com/switchboardhq/switchboard/internal/recorder"
	"github.com/switchboardhq/switchboard/internal/sandbox"
	"github.com/switchboardhq/switchboard/internal/semcache"
	"github.com/switchboardhq/switchboard/internal/storage"
	"github.com/switchboardhq/switchboard/internal/traffic"
)

// Identification and result headers on the proxy surface.
const (
	HeaderToken     = "X-Switchboard-Token"
	HeaderAgentID   = "X-Agent-Id"
	HeaderAgentName = "X-Agent-Name"
	HeaderFramework = "X-Agent-Framework"

	HeaderTraceID   = "X-Switchboard-Trace-Id"
	HeaderLatencyMs = "X-Switchboard-Latency-Ms"
	HeaderRiskScore = "X-Switchboard-Risk-Score"
	HeaderCache     = "X-Switchboard-Cache"
)

// anonymousAgentID identifies callers that send no X-Agent-Id.
const anonymousAgentID = "anonymous"

// maxQueuedWait bounds how long a queued write request sleeps before
// retrying the lock.
const maxQueuedWait = 5 * time.Second

// directory resolves tokens and agent lifecycle state.
type directory interface {
	GetOrganizationByToken(ctx context.Context, token string) (model.Organization, error)
	GetAgent(ctx context.Context, orgID uuid.UUID, agentID string) (model.Agent, error)
}

// Handler serves the /v1/* proxy surface.
type Handler struct {
	db        directory
	firewall  *firewall.Firewall
	traffic   *traffic.Controller
	cache     *semcache.Cache
	recorder  *recorder.Recorder
	sandbox   *sandbox.Runner
	fanout    *events.Fanout
	forwarder *Forwarder
	rate      *ratelimit.Tracker
	logger    *slog.Logger
	maxBody   int64
}

// Deps wires the handler's collaborators. Sandbox may be nil when no worker
// runtime is configured.
type Deps struct {
	Directory   directory
	Firewall    *firewall.Firewall
	Traffic     *traffic.Controller
	Cache       *semcache.Cache
	Recorder    *recorder.Recorder
	Sandbox     *sandbox.Runner
	Fanout      *events.Fanout
	Forwarder   *Forwarder
	Rate        *ratelimit.Tracker
	Logger      *slog.Logger
	MaxBodySize int64
}

// NewHandler builds the proxy orchestrator.
func NewHandler(deps Deps) *Handler {
	if deps.MaxBodySize <= 0 {
		deps.MaxBodySize = 4 * 1024 * 1024
	}
	return &Handler{
		db:        deps.Directory,
		firewall:  deps.Firewall,
		traffic:   deps.Traffic,
		cache:     deps.Cache,
		recorder:  deps.Recorder,
		sandbox:   deps.Sandbox,
		fanout:    deps.Fanout,
		forwarder: deps.Forwarder,
		rate:      deps.Rate,
		logger:    deps.Logger,
		maxBody:   deps.MaxBodySize,
	}
}

// ServeHTTP runs the full pipeline for one proxied request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.traffic.IsStopped() {
		writeAPIError(w, http.StatusServiceUnavailable,
			"emergency stop engaged", model.ErrTypeProxy, model.ErrCodeEmergencyStop)
		return
	}

	token := r.Header.Get(HeaderToken)
	if token == "" {
		writeAPIError(w, http.StatusUnauthorized,
			"missing "+HeaderToken+" header", model.ErrTypeValidation, model.ErrCodeMissingToken)
		return
	}
	org, err := h.db.GetOrganizationByToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeAPIError(w, http.StatusUnauthorized,
				"invalid token", model.ErrTypeValidation, "")
			return
		}
		h.logger.Error("proxy: token lookup failed", "error", err)
		writeAPIError(w, http.StatusBadGateway,
			"token lookup failed", model.ErrTypeProxy, "")
		return
	}

	agentID := r.Header.Get(HeaderAgentID)
	if agentID == "" {
		agentID = anonymousAgentID
	}

	// A paused or revoked agent must never reach an upstream.
	if agent, err := h.db.GetAgent(ctx, org.ID, agentID); err == nil {
		switch agent.Status {
		case model.AgentPaused:
			writeAPIError(w, http.StatusForbidden,
				"agent is paused", model.ErrTypePolicyViolation, "")
			return
		case model.AgentRevoked:
			writeAPIError(w, http.StatusForbidden,
				"agent is revoked", model.ErrTypePolicyViolation, "")
			return
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		h.logger.Warn("proxy: agent lookup failed", "agent_id", agentID, "error", err)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest,
			"read request body: "+err.Error(), model.ErrTypeValidation, "")
		return
	}

	reqCtx := recorder.NewContext(nil)
	trace := h.newTrace(r, org.ID, agentID, body)

	// Rate counters are advisory: over-limit traffic is annotated, not shed.
	if h.rate != nil {
		count, over := h.rate.Observe(ctx, agentID)
		addMeta(&trace, "rate_window_count", count)
		if over {
			addMeta(&trace, "rate_limit_exceeded", true)
			h.logger.Warn("proxy: agent over rate limit", "agent_id", agentID, "count", count)
		}
	}

	env := map[string]string{"org_id": org.ID.String(), "agent_id": agentID}
	if h.sandbox != nil {
		rewritten, shortCircuit := h.sandbox.RunPre(ctx, body, env)
		if shortCircuit != nil {
			trace.ResponseBody = shortCircuit
			trace.ActionTaken = model.ActionModified
			addMeta(&trace, "worker_short_circuit", true)
			h.record(ctx, reqCtx, trace)
			h.writeProxied(w, reqCtx, trace, http.StatusOK, nil, shortCircuit, "MISS")
			return
		}
		body = rewritten
		trace.RequestBody = body
	}

	decision := h.firewall.Evaluate(firewall.Request{
		OrgID:   org.ID,
		AgentID: agentID,
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    body,
	})
	trace.RiskScore = decision.RiskScore
	trace.IntentCategory = decision.IntentCategory
	trace.PolicyApplied = decision.PolicyID
	trace.ActionTaken = decision.Action
	trace.BlockReason = decision.Reason
	trace.IsShadowEvent = decision.IsShadowEvent

	if !decision.Allowed {
		h.record(ctx, reqCtx, trace)
		h.fanout.Emit(org.ID, model.EventAgentBlocked, map[string]any{
			"agent_id":   agentID,
			"trace_id":   reqCtx.TraceID,
			"reason":     derefStr(decision.Reason),
			"risk_score": decision.RiskScore,
		})
		setResultHeaders(w, reqCtx, trace.RiskScore, "MISS")
		writeAPIError(w, http.StatusForbidden,
			derefStr(decision.Reason), model.ErrTypePolicyViolation, model.ErrCodeBlockedByFirewall)
		return
	}
	if decision.RewrittenBody != nil {
		body = decision.RewrittenBody
		trace.RequestBody = body
	}

	// Resource arbitration. Only a granted write holds a lock worth releasing.
	release := func() {}
	if res, ok := traffic.ExtractResource(body); ok {
		isWrite := traffic.IsWriteOperation(body, r.Method)
		result, err := h.traffic.RequestAccess(ctx, agentID, res, isWrite)
		if err != nil {
			h.logger.Warn("proxy: lock request failed, proceeding", "error", err)
		} else {
			if result.Resolution == model.ResolutionQueued {
				if !h.waitQueued(ctx, result.WaitMs) {
					return // caller went away
				}
				result, err = h.traffic.RequestAccess(ctx, agentID, res, isWrite)
				if err != nil {
					h.logger.Warn("proxy: lock retry failed, proceeding", "error", err)
					result = model.ConflictResult{Resolution: model.ResolutionGranted}
				}
			}
			if result.Resolution == model.ResolutionRejected {
				trace.ActionTaken = model.ActionBlocked
				trace.BlockReason = &result.Reason
				h.record(ctx, reqCtx, trace)
				setResultHeaders(w, reqCtx, trace.RiskScore, "MISS")
				writeAPIError(w, http.StatusConflict,
					result.Reason, model.ErrTypeConflict, model.ErrCodeResourceLocked)
				return
			}
			if isWrite && result.Lock != nil {
				resource := res
				release = func() {
					// Release must survive a caller disconnect.
					relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if _, err := h.traffic.ReleaseAccess(relCtx, agentID, resource); err != nil {
						h.logger.Warn("proxy: lock release failed", "resource", resource.ID, "error", err)
					}
				}
			}
		}
	}
	defer release()

	modelName := ExtractModel(body)
	if modelName != "" {
		trace.ModelName = &modelName
	}
	provider := SelectProvider(r.Header.Get("Authorization"))
	trace.ModelProvider = &provider

	prompt, cacheable := ExtractPrompt(body)
	if cacheable && modelName != "" {
		if hit, ok := h.cache.Lookup(ctx, org.ID, modelName, prompt); ok {
			h.serveCacheHit(w, r, reqCtx, trace, org.ID, hit, body, env)
			return
		}
	}

	resp, err := h.forwarder.Forward(ctx, r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		h.logger.Warn("proxy: upstream call failed", "error", err, "agent_id", agentID)
		addMeta(&trace, "upstream_error", err.Error())
		h.record(ctx, reqCtx, trace)
		setResultHeaders(w, reqCtx, trace.RiskScore, "MISS")
		writeAPIError(w, http.StatusBadGateway,
			"upstream request failed", model.ErrTypeProxy, "")
		return
	}

	respBody := resp.Body
	if h.sandbox != nil {
		respBody = h.sandbox.RunPost(ctx, body, respBody, env)
	}

	if cacheable && modelName != "" && resp.StatusCode == http.StatusOK {
		var respTokens *int
		if _, out, ok := ExtractUsage(respBody); ok {
			respTokens = &out
		}
		if err := h.cache.Store(ctx, org.ID, modelName, prompt, string(respBody), respTokens); err != nil {
			h.logger.Warn("proxy: cache store failed", "error", err)
		}
	}

	trace.ResponseBody = respBody
	h.record(ctx, reqCtx, trace)
	h.writeProxied(w, reqCtx, trace, resp.StatusCode, resp.Header, respBody, "MISS")
}

// serveCacheHit answers from the cache without touching the upstream.
func (h *Handler) serveCacheHit(w http.ResponseWriter, r *http.Request, reqCtx recorder.RequestContext,
	trace model.Trace, orgID uuid.UUID, hit model.CacheHit, body []byte, env map[string]string) {
	ctx := r.Context()
	respBody := []byte(hit.ResponseText)
	if h.sandbox != nil {
		respBody = h.sandbox.RunPost(ctx, body, respBody, env)
	}

	// The saved cost is what the stored upstream call originally cost.
	var saved float64
	if in, out, ok := ExtractUsage([]byte(hit.ResponseText)); ok && trace.ModelName != nil {
		saved = recorder.DeriveCost(*trace.ModelName, in, out)
	}
	h.cache.RecordHit(ctx, hit.CacheID, saved)

	zero := 0.0
	trace.ResponseBody = respBody
	trace.CostUSD = &zero
	addMeta(&trace, "cache_hit", true)
	addMeta(&trace, "similarity", hit.Similarity)
	addMeta(&trace, "cost_saved", saved)
	h.record(ctx, reqCtx, trace)
	h.writeProxied(w, reqCtx, trace, http.StatusOK, nil, respBody, "HIT")
}

// waitQueued sleeps for the controller-advised interval, bounded by
// maxQueuedWait and the caller's context.
func (h *Handler) waitQueued(ctx context.Context, waitMs int64) bool {
	wait := time.Duration(waitMs) * time.Millisecond
	if wait > maxQueuedWait {
		wait = maxQueuedWait
	}
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Handler) newTrace(r *http.Request, orgID uuid.UUID, agentID string, body []byte) model.Trace {
	t := model.Trace{
		OrgID:       orgID,
		AgentID:     agentID,
		RequestType: "llm_call",
		RequestBody: body,
		ActionTaken: model.ActionAllowed,
		ClientIP:    r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	}
	if name := r.Header.Get(HeaderAgentName); name != "" {
		t.AgentName = &name
	}
	if fw := r.Header.Get(HeaderFramework); fw != "" {
		t.AgentFramework = &fw
	}
	return t
}

// record persists the trace and streams a summary to live subscribers.
func (h *Handler) record(ctx context.Context, reqCtx recorder.RequestContext, trace model.Trace) {
	if err := h.recorder.Record(ctx, reqCtx, trace); err != nil {
		h.logger.Error("proxy: trace record failed", "trace_id", reqCtx.TraceID, "error", err)
	}
	h.fanout.Emit(trace.OrgID, model.EventTrace, map[string]any{
		"trace_id":   reqCtx.TraceID,
		"agent_id":   trace.AgentID,
		"action":     trace.ActionTaken,
		"risk_score": trace.RiskScore,
	})
}

// writeProxied sends the upstream (or cached) response back to the caller
// with the switchboard result headers attached.
func (h *Handler) writeProxied(w http.ResponseWriter, reqCtx recorder.RequestContext, trace model.Trace,
	status int, upstream http.Header, body []byte, cacheState string) {
	for name, values := range SanitizeHeaders(upstream) {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	setResultHeaders(w, reqCtx, trace.RiskScore, cacheState)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func setResultHeaders(w http.ResponseWriter, reqCtx recorder.RequestContext, risk float64, cacheState string) {
	h := w.Header()
	h.Set(HeaderTraceID, reqCtx.TraceID.String())
	h.Set(HeaderLatencyMs, formatFloat(float64(time.Since(reqCtx.StartTime).Microseconds())/1000))
	h.Set(HeaderRiskScore, formatFloat(risk))
	h.Set(HeaderCache, cacheState)
}

func writeAPIError(w http.ResponseWriter, status int, msg, errType, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Message: msg, Type: errType, Code: code},
	})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func addMeta(t *model.Trace, key string, value any) {
	if t.CustomMetadata == nil {
		t.CustomMetadata = make(map[string]any)
	}
	t.CustomMetadata[key] = value
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
