package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/policy"
)

// Control-plane mutations always apply their state change and then emit a
// fan-out event, so dashboards converge without polling.

type orgRequest struct {
	OrgID string `json:"orgId"`
}

type agentRequest struct {
	OrgID   string `json:"orgId"`
	AgentID string `json:"agentId"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type resolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
}

type wafToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleUpdatePolicy applies a partial policy update (PUT /api/policies).
// Last writer wins: the patch is merged onto the current snapshot, swapped
// in, persisted, and mirrored to other instances.
func (h *Handlers) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var patch policy.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad policy patch: "+err.Error())
		return
	}

	next := patch.Apply(*h.loader.Active())
	h.loader.SetDefault(next)

	if err := h.db.UpsertPolicy(r.Context(), uuid.Nil, next); err != nil {
		h.logger.Warn("control: policy persist failed, snapshot still applied", "error", err)
	}
	h.loader.Publish(r.Context(), "default", next)

	h.fanout.EmitGlobal(model.EventPolicyUpdated, map[string]any{
		"policyId": next.PolicyID,
		"version":  next.Version,
	})
	writeJSON(w, http.StatusOK, next)
}

// HandleToggleWAFRule enables or disables one rule (PUT /api/waf/rules/{id}).
func (h *Handlers) HandleToggleWAFRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req wafToggleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad rule toggle: "+err.Error())
		return
	}
	if !h.waf.SetEnabled(id, req.Enabled) {
		writeError(w, http.StatusNotFound, model.ErrTypeValidation, "", "unknown rule: "+id)
		return
	}
	h.fanout.EmitGlobal(model.EventWAFRuleUpdated, map[string]any{
		"ruleId":  id,
		"enabled": req.Enabled,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ruleId": id, "enabled": req.Enabled})
}

// HandlePauseAll pauses every non-revoked agent in an org.
func (h *Handlers) HandlePauseAll(w http.ResponseWriter, r *http.Request) {
	h.setAllAgents(w, r, model.AgentPaused, true)
}

// HandleResumeAll resumes every non-revoked agent in an org.
func (h *Handlers) HandleResumeAll(w http.ResponseWriter, r *http.Request) {
	h.setAllAgents(w, r, model.AgentActive, false)
}

func (h *Handlers) setAllAgents(w http.ResponseWriter, r *http.Request, status model.AgentStatus, paused bool) {
	var req orgRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad request body")
		return
	}
	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad org id")
		return
	}

	affected, err := h.db.SetAllAgentStatuses(r.Context(), orgID, status)
	if err != nil {
		h.logger.Error("control: bulk agent status failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrTypeProxy, "", "bulk status update failed")
		return
	}

	h.fanout.Emit(orgID, model.EventGlobalPauseStatus, map[string]any{
		"paused":   paused,
		"affected": affected,
	})
	writeJSON(w, http.StatusOK, map[string]any{"affected": affected, "status": status})
}

// HandlePauseAgent pauses one agent.
func (h *Handlers) HandlePauseAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgent(w, r, model.AgentPaused)
}

// HandleResumeAgent resumes one agent.
func (h *Handlers) HandleResumeAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgent(w, r, model.AgentActive)
}

func (h *Handlers) setAgent(w http.ResponseWriter, r *http.Request, status model.AgentStatus) {
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad request body")
		return
	}
	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad org id")
		return
	}

	if err := h.db.SetAgentStatus(r.Context(), orgID, req.AgentID, status); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, model.ErrTypeValidation, "", "unknown agent: "+req.AgentID)
			return
		}
		h.logger.Error("control: agent status failed", "agent_id", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrTypeProxy, "", "status update failed")
		return
	}

	h.fanout.Emit(orgID, model.EventAgentStatus, map[string]any{
		"agentId": req.AgentID,
		"status":  status,
	})
	writeJSON(w, http.StatusOK, map[string]any{"agentId": req.AgentID, "status": status})
}

// HandleRevokeToken deactivates the organization holding a token. Requests
// carrying the token fail authentication afterwards.
func (h *Handlers) HandleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad request body")
		return
	}

	if err := h.db.RevokeOrganizationToken(r.Context(), req.Token); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, model.ErrTypeValidation, "", "unknown token")
			return
		}
		h.logger.Error("control: token revoke failed", "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrTypeProxy, "", "revoke failed")
		return
	}

	h.fanout.EmitGlobal(model.EventAgentStatus, map[string]any{"action": "token_revoked"})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// HandleEmergencyStop halts all proxied traffic (POST /api/control/emergency-stop).
func (h *Handlers) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	h.traffic.TriggerEmergencyStop()
	h.fanout.EmitGlobal(model.EventEmergencyStop, map[string]any{"engaged": true})
	writeJSON(w, http.StatusOK, map[string]any{"emergencyStop": true})
}

// HandleEmergencyReset resumes proxied traffic (POST /api/control/emergency-reset).
func (h *Handlers) HandleEmergencyReset(w http.ResponseWriter, r *http.Request) {
	h.traffic.ResetEmergencyStop()
	h.fanout.EmitGlobal(model.EventEmergencyStop, map[string]any{"engaged": false})
	writeJSON(w, http.StatusOK, map[string]any{"emergencyStop": false})
}

// HandleResolveAnomaly acknowledges an anomaly (POST /api/anomalies/{id}/resolve).
func (h *Handlers) HandleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrTypeValidation, "", "bad anomaly id")
		return
	}
	var req resolveRequest
	_ = decodeJSON(r, &req)
	if req.ResolvedBy == "" {
		req.ResolvedBy = "operator"
	}

	if err := h.db.ResolveAnomaly(r.Context(), id, req.ResolvedBy); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, model.ErrTypeValidation, "", "unknown anomaly")
			return
		}
		h.logger.Error("control: anomaly resolve failed", "anomaly_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, model.ErrTypeProxy, "", "resolve failed")
		return
	}

	h.fanout.EmitGlobal(model.EventAnomalyDetected, map[string]any{
		"anomalyId": id,
		"status":    model.AnomalyResolved,
	})
	writeJSON(w, http.StatusOK, map[string]any{"anomalyId": id, "status": model.AnomalyResolved})
}
