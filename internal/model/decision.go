package model

// Decision is the firewall's verdict for one request. Under shadow mode a
// would-be block keeps its reason and risk score but is returned as allowed
// with action shadow_blocked, so accounting can still distinguish it.
type Decision struct {
	Allowed        bool            `json:"allowed"`
	Action         ActionTaken     `json:"action"`
	Reason         *string         `json:"reason,omitempty"`
	RiskScore      float64         `json:"risk_score"`
	IntentCategory *IntentCategory `json:"intent_category,omitempty"`
	LatencyMs      float64         `json:"latency_ms"`
	IsShadowEvent  bool            `json:"is_shadow_event"`
	PolicyID       string          `json:"policy_id"`

	// RewrittenBody is non-nil when a redact rule mutated the request body;
	// the orchestrator forwards it in place of the original.
	RewrittenBody []byte `json:"-"`
}

// Shadowed converts a blocking decision into its shadow-mode form. Reason,
// risk score, and intent category are preserved.
func (d Decision) Shadowed() Decision {
	d.Allowed = true
	d.Action = ActionShadowBlocked
	d.IsShadowEvent = true
	return d
}
