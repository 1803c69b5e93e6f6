package model

// Error codes surfaced to proxy callers. The shapes are upstream-compatible:
// {"error": {"message": ..., "type": ..., "code": ...}}.
const (
	ErrTypePolicyViolation = "policy_violation"
	ErrTypeConflict        = "conflict_error"
	ErrTypeProxy           = "proxy_error"
	ErrTypeValidation      = "validation_error"

	ErrCodeBlockedByFirewall = "BLOCKED_BY_FIREWALL"
	ErrCodeResourceLocked    = "RESOURCE_LOCKED"
	ErrCodeEmergencyStop     = "EMERGENCY_STOP"
	ErrCodeMissingToken      = "MISSING_TOKEN"
)

// APIError is the user-visible failure body for the proxy surface.
type APIError struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the stable error triple.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// BurnRateReport answers GET /api/burn-rate/:org.
type BurnRateReport struct {
	CurrentRate      float64          `json:"currentRate"`
	HourlyProjection float64          `json:"hourlyProjection"`
	History          []BurnRateBucket `json:"history"`
}

// BurnRateBucket is one minute of spend.
type BurnRateBucket struct {
	Minute   string  `json:"minute"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
}

// ShadowSavingsReport answers GET /api/shadow-savings/:org.
type ShadowSavingsReport struct {
	ShadowBlockedCount int     `json:"shadowBlockedCount"`
	TotalMitigatedCost float64 `json:"totalMitigatedCost"`
	PeriodHours        int     `json:"periodHours"`
}
