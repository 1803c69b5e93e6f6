package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/switchboardhq/switchboard/internal/events"
	"github.com/switchboardhq/switchboard/internal/firewall"
	"github.com/switchboardhq/switchboard/internal/kv"
	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/policy"
	"github.com/switchboardhq/switchboard/internal/recorder"
	"github.com/switchboardhq/switchboard/internal/storage"
	"github.com/switchboardhq/switchboard/internal/traffic"
)

// burnHistoryMinutes is the burn-rate history window returned by the API.
const burnHistoryMinutes = 60

// ControlStore is the slice of the storage layer the control plane reads and
// mutates.
type ControlStore interface {
	ListAgents(ctx context.Context, orgID uuid.UUID) ([]model.Agent, error)
	SetAgentStatus(ctx context.Context, orgID uuid.UUID, agentID string, status model.AgentStatus) error
	SetAllAgentStatuses(ctx context.Context, orgID uuid.UUID, status model.AgentStatus) (int64, error)
	RevokeOrganizationToken(ctx context.Context, token string) error
	ListTraces(ctx context.Context, orgID uuid.UUID, f storage.TraceFilter) ([]model.Trace, error)
	ShadowSavings(ctx context.Context, orgID uuid.UUID, since time.Time) (int, float64, error)
	CacheStats(ctx context.Context, orgID uuid.UUID) (model.CacheStats, error)
	UpsertPolicy(ctx context.Context, orgID uuid.UUID, p model.Policy) error
	ResolveAnomaly(ctx context.Context, id uuid.UUID, resolvedBy string) error
	ListActiveAnomalies(ctx context.Context, orgID uuid.UUID) ([]model.Anomaly, error)
}

// Handlers bundles the control-plane endpoints and their collaborators.
type Handlers struct {
	db      ControlStore
	store   *kv.Store
	loader  *policy.Loader
	waf     *firewall.RuleSet
	traffic *traffic.Controller
	fanout  *events.Fanout
	rec     *recorder.Recorder
	logger  *slog.Logger
}

// HandlersDeps wires the control plane. Recorder may be nil; /control/status
// then omits buffer statistics.
type HandlersDeps struct {
	DB       ControlStore
	KV       *kv.Store
	Loader   *policy.Loader
	WAF      *firewall.RuleSet
	Traffic  *traffic.Controller
	Fanout   *events.Fanout
	Recorder *recorder.Recorder
	Logger   *slog.Logger
}

// NewHandlers creates the control-plane handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:      deps.DB,
		store:   deps.KV,
		loader:  deps.Loader,
		waf:     deps.WAF,
		traffic: deps.Traffic,
		fanout:  deps.Fanout,
		rec:     deps.Recorder,
		logger:  deps.Logger,
	}
}

func orgFromPath(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("org"))
	return id, err == nil
}

// HandleBurnRate answers GET /api/burn-rate/{org} from the per-minute KV
// burn counters.
func (h *Handlers) HandleBurnRate(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad org id")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	report := model.BurnRateReport{History: []model.BurnRateBucket{}}

	for i := burnHistoryMinutes - 1; i >= 0; i-- {
		bucket := now.Add(-time.Duration(i) * time.Minute).Format("2006-01-02T15:04")
		cost, err := h.store.GetFloat(ctx, kv.CostKey(orgID.String(), bucket))
		if err != nil {
			h.logger.Warn("control: burn counter read failed", "bucket", bucket, "error", err)
			continue
		}
		requests, err := h.store.GetInt(ctx, kv.CostRequestsKey(orgID.String(), bucket))
		if err != nil {
			h.logger.Warn("control: request counter read failed", "bucket", bucket, "error", err)
		}
		if i == 0 {
			report.CurrentRate = cost
		}
		if cost == 0 && requests == 0 {
			continue
		}
		report.History = append(report.History, model.BurnRateBucket{
			Minute:   bucket,
			Cost:     cost,
			Requests: requests,
		})
	}
	report.HourlyProjection = report.CurrentRate * 60

	writeJSON(w, http.StatusOK, report)
}

// HandleListAgents answers GET /api/agents/{org}.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad org id")
		return
	}
	agents, err := h.db.ListAgents(r.Context(), orgID)
	if err != nil {
		h.logger.Error("control: list agents failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrTypeProxy, "", "list agents failed")
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// HandleListTraces answers GET /api/traces/{org} and its /blocked and
// /shadow variants.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad org id")
		return
	}

	filter := storage.TraceFilter{Limit: queryInt(r, "limit", 100)}
	switch r.PathValue("view") {
	case "":
	case "blocked":
		filter.OnlyBlocked = true
	case "shadow":
		filter.OnlyShadow = true
		filter.Since = time.Now().UTC().Add(-time.Duration(queryInt(r, "hours", 24)) * time.Hour)
	default:
		writeError(w, http.StatusNotFound, model.ErrTypeValidation, "", "unknown trace view")
		return
	}

	traces, err := h.db.ListTraces(r.Context(), orgID, filter)
	if err != nil {
		h.logger.Error("control: list traces failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrTypeProxy, "", "list traces failed")
		return
	}
	if traces == nil {
		traces = []model.Trace{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

// HandleShadowSavings answers GET /api/shadow-savings/{org}?hours=H.
func (h *Handlers) HandleShadowSavings(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad org id")
		return
	}
	hours := queryInt(r, "hours", 24)
	count, cost, err := h.db.ShadowSavings(r.Context(), orgID, time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		h.logger.Error("control: shadow savings failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrTypeProxy, "", "shadow savings failed")
		return
	}
	writeJSON(w, http.StatusOK, model.ShadowSavingsReport{
		ShadowBlockedCount: count,
		TotalMitigatedCost: cost,
		PeriodHours:        hours,
	})
}

// HandleCacheStats answers GET /api/cache-stats/{org}.
func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad org id")
		return
	}
	stats, err := h.db.CacheStats(r.Context(), orgID)
	if err != nil {
		h.logger.Error("control: cache stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrTypeProxy, "", "cache stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleListAnomalies answers GET /api/anomalies/{org}.
func (h *Handlers) HandleListAnomalies(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad org id")
		return
	}
	anomalies, err := h.db.ListActiveAnomalies(r.Context(), orgID)
	if err != nil {
		h.logger.Error("control: list anomalies failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrTypeProxy, "", "list anomalies failed")
		return
	}
	if anomalies == nil {
		anomalies = []model.Anomaly{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

// HandleGetPolicy answers GET /api/policies/current with the default policy
// snapshot.
func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.loader.Active())
}

// HandleListWAFRules answers GET /api/waf/rules.
func (h *Handlers) HandleListWAFRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": h.waf.Rules()})
}

// HandleControlStatus answers GET /api/control/status.
func (h *Handlers) HandleControlStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"emergencyStop": h.traffic.IsStopped(),
		"subscribers":   h.fanout.SubscriberCount(),
	}
	if h.rec != nil {
		status["traceBufferDepth"] = h.rec.Len()
		status["tracesDropped"] = h.rec.Dropped()
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleHealth answers GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	kvStatus := "ok"
	if err := h.store.Ping(r.Context()); err != nil {
		kvStatus = "down"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"kv":            kvStatus,
		"emergencyStop": h.traffic.IsStopped(),
	})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
