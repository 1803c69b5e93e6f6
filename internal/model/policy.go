package model

// IntentCategory is a coarse classification of a request's apparent purpose.
type IntentCategory string

const (
	IntentDestructive      IntentCategory = "destructive"
	IntentDataAccess       IntentCategory = "data_access"
	IntentDataModification IntentCategory = "data_modification"
	IntentExternalCall     IntentCategory = "external_call"
	IntentCodeExecution    IntentCategory = "code_execution"
	IntentFileOperation    IntentCategory = "file_operation"
	IntentUnknown          IntentCategory = "unknown"
)

// PolicyRules are the per-org toggles evaluated by the firewall.
type PolicyRules struct {
	BlockPII           bool     `json:"block_pii"`
	BlockDestructive   bool     `json:"block_destructive"`
	BlockExternalCalls bool     `json:"block_external_calls"`
	AllowedModels      []string `json:"allowed_models,omitempty"`
	MaxTokensPerReq    int      `json:"max_tokens_per_request,omitempty"`
}

// Policy is the active policy document for an organization. Exactly one is
// active per org at any time; the loader swaps it atomically on file change
// or remote update.
type Policy struct {
	PolicyID          string           `json:"policy_id"`
	Version           int              `json:"version"`
	MaxBurnRatePerHr  float64          `json:"max_burn_rate_per_hour"`
	BlockedIntents    []IntentCategory `json:"blocked_intents"`
	PIIMaskingEnabled bool             `json:"pii_masking_enabled"`
	ShadowMode        bool             `json:"shadow_mode"`
	Rules             PolicyRules      `json:"rules"`
}

// BlocksIntent reports whether the policy blocks the given category.
func (p *Policy) BlocksIntent(cat IntentCategory) bool {
	for _, blocked := range p.BlockedIntents {
		if blocked == cat {
			return true
		}
	}
	return false
}

// DefaultPolicy returns the policy applied when no document has been loaded.
// It blocks nothing but keeps PII and destructive checks armed, matching the
// firewall's environment defaults.
func DefaultPolicy() Policy {
	return Policy{
		PolicyID: "default",
		Version:  1,
		Rules: PolicyRules{
			BlockPII:         true,
			BlockDestructive: true,
		},
	}
}
