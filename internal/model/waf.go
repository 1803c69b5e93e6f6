package model

// WAFCategory groups WAF rules by the attack class they target.
type WAFCategory string

const (
	WAFPromptInjection WAFCategory = "prompt_injection"
	WAFToolHijacking   WAFCategory = "tool_hijacking"
	WAFPIIExfiltration WAFCategory = "pii_exfiltration"
	WAFDataPoisoning   WAFCategory = "data_poisoning"
)

// WAFSeverity ranks a rule's impact. The firewall maps severity to a risk
// score contribution: low 20, medium 40, high 70, critical 100.
type WAFSeverity string

const (
	SeverityLow      WAFSeverity = "low"
	SeverityMedium   WAFSeverity = "medium"
	SeverityHigh     WAFSeverity = "high"
	SeverityCritical WAFSeverity = "critical"
)

// WAFAction is what a matching rule does to the request.
type WAFAction string

const (
	WAFBlock  WAFAction = "block"
	WAFLog    WAFAction = "log"
	WAFRedact WAFAction = "redact"
)

// WAFRule is a named set of ordered patterns with an action. Patterns are
// precompiled when the rule set loads; Enabled is toggleable at runtime.
type WAFRule struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Category WAFCategory `json:"category"`
	Severity WAFSeverity `json:"severity"`
	Enabled  bool        `json:"enabled"`
	Patterns []string    `json:"patterns"`
	Action   WAFAction   `json:"action"`
}

// SeverityScore returns the risk score contribution for a severity.
func SeverityScore(s WAFSeverity) float64 {
	switch s {
	case SeverityLow:
		return 20
	case SeverityMedium:
		return 40
	case SeverityHigh:
		return 70
	case SeverityCritical:
		return 100
	default:
		return 40
	}
}
