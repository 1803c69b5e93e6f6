package policy

import "github.com/switchboardhq/switchboard/internal/model"

// Patch is a partial policy update as accepted by PUT /policies. Nil fields
// leave the current value untouched.
type Patch struct {
	MaxBurnRatePerHr  *float64                `json:"max_burn_rate_per_hour,omitempty"`
	BlockedIntents    *[]model.IntentCategory `json:"blocked_intents,omitempty"`
	PIIMaskingEnabled *bool                   `json:"pii_masking_enabled,omitempty"`
	ShadowMode        *bool                   `json:"shadow_mode,omitempty"`
	Rules             *model.PolicyRules      `json:"rules,omitempty"`
}

// Apply merges the patch onto a copy of base and bumps the version.
func (p Patch) Apply(base model.Policy) model.Policy {
	next := base
	if p.MaxBurnRatePerHr != nil {
		next.MaxBurnRatePerHr = *p.MaxBurnRatePerHr
	}
	if p.BlockedIntents != nil {
		next.BlockedIntents = append([]model.IntentCategory(nil), (*p.BlockedIntents)...)
	}
	if p.PIIMaskingEnabled != nil {
		next.PIIMaskingEnabled = *p.PIIMaskingEnabled
	}
	if p.ShadowMode != nil {
		next.ShadowMode = *p.ShadowMode
	}
	if p.Rules != nil {
		next.Rules = *p.Rules
	}
	next.Version = base.Version + 1
	return next
}
