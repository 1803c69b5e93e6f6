package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionTaken is the terminal disposition of a proxied request.
type ActionTaken string

const (
	ActionAllowed       ActionTaken = "allowed"
	ActionAudited       ActionTaken = "audited"
	ActionModified      ActionTaken = "modified"
	ActionBlocked       ActionTaken = "blocked"
	ActionShadowBlocked ActionTaken = "shadow_blocked"
)

// Trace is one captured request/response pair. Traces are append-only;
// request and response bodies are stored opaque and only interpreted through
// the narrow accessors in the proxy package.
type Trace struct {
	TraceID        uuid.UUID       `json:"trace_id"`
	SpanID         uuid.UUID       `json:"span_id"`
	ParentSpanID   *uuid.UUID      `json:"parent_span_id,omitempty"`
	Timestamp      time.Time       `json:"ts"`
	DurationMs     int64           `json:"duration_ms"`
	OrgID          uuid.UUID       `json:"org_id"`
	AgentID        string          `json:"agent_id"`
	AgentName      *string         `json:"agent_name,omitempty"`
	AgentFramework *string         `json:"agent_framework,omitempty"`
	RequestType    string          `json:"request_type"`
	IntentCategory *IntentCategory `json:"intent_category,omitempty"`
	RiskScore      float64         `json:"risk_score"`
	ModelProvider  *string         `json:"model_provider,omitempty"`
	ModelName      *string         `json:"model_name,omitempty"`
	InputTokens    *int            `json:"input_tokens,omitempty"`
	OutputTokens   *int            `json:"output_tokens,omitempty"`
	CostUSD        *float64        `json:"cost_usd,omitempty"`
	RequestBody    json.RawMessage `json:"request_body,omitempty"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	ReasoningSteps []string        `json:"reasoning_steps,omitempty"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	PolicyApplied  string          `json:"policy_applied"`
	ActionTaken    ActionTaken     `json:"action_taken"`
	BlockReason    *string         `json:"block_reason,omitempty"`
	IsShadowEvent  bool            `json:"is_shadow_event"`
	ClientIP       string          `json:"client_ip"`
	UserAgent      string          `json:"user_agent"`
	CustomMetadata map[string]any  `json:"custom_metadata,omitempty"`
}

// ToolCall mirrors the OpenAI tool_calls shape closely enough to surface
// which tools an agent invoked without interpreting the arguments.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// TotalTokens returns input+output tokens, treating missing counts as zero.
func (t *Trace) TotalTokens() int {
	var n int
	if t.InputTokens != nil {
		n += *t.InputTokens
	}
	if t.OutputTokens != nil {
		n += *t.OutputTokens
	}
	return n
}
