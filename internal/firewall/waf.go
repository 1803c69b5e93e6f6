package firewall

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/switchboardhq/switchboard/internal/model"
)

// redactedPlaceholder replaces every match of a redact rule in the body.
const redactedPlaceholder = "[REDACTED]"

type compiledRule struct {
	rule model.WAFRule
	res  []*regexp.Regexp
}

// RuleSet holds precompiled WAF rules. Rules can be toggled and replaced at
// runtime through the control plane; evaluation takes a read lock only.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*compiledRule
}

// NewRuleSet compiles the given rules. A rule with an invalid pattern fails
// the whole load; rules are validated before they reach the hot path.
func NewRuleSet(rules []model.WAFRule) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

func compileRule(r model.WAFRule) (*compiledRule, error) {
	cr := &compiledRule{rule: r}
	for _, p := range r.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("waf: rule %s: compile %q: %w", r.ID, p, err)
		}
		cr.res = append(cr.res, re)
	}
	return cr, nil
}

// WAFResult is the outcome of evaluating all enabled rules against a body.
type WAFResult struct {
	// Blocked is set by the first matching block rule; BlockedBy names it.
	Blocked   bool
	BlockedBy *model.WAFRule

	// Redacted is the rewritten body when at least one redact rule matched.
	Redacted []byte

	// Logged lists the names of matched log-only rules.
	Logged []string
}

// Evaluate runs every enabled rule against the body. Rules fire at most once
// each; a block rule short-circuits the scan.
func (rs *RuleSet) Evaluate(body []byte) WAFResult {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var result WAFResult
	current := body
	mutated := false

	for _, cr := range rs.rules {
		if !cr.rule.Enabled {
			continue
		}
		matched := false
		for _, re := range cr.res {
			if re.Match(current) {
				matched = true
				if cr.rule.Action == model.WAFRedact {
					current = re.ReplaceAll(current, []byte(redactedPlaceholder))
					mutated = true
				}
				break
			}
		}
		if !matched {
			continue
		}
		switch cr.rule.Action {
		case model.WAFBlock:
			rule := cr.rule
			result.Blocked = true
			result.BlockedBy = &rule
			return result
		case model.WAFLog:
			result.Logged = append(result.Logged, cr.rule.Name)
		}
	}

	if mutated {
		result.Redacted = current
	}
	return result
}

// Rules returns a snapshot of the current rules.
func (rs *RuleSet) Rules() []model.WAFRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]model.WAFRule, 0, len(rs.rules))
	for _, cr := range rs.rules {
		out = append(out, cr.rule)
	}
	return out
}

// SetEnabled toggles a rule in place. Returns false when no rule has the id.
func (rs *RuleSet) SetEnabled(id string, enabled bool) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, cr := range rs.rules {
		if cr.rule.ID == id {
			cr.rule.Enabled = enabled
			return true
		}
	}
	return false
}

// Update replaces a rule's definition, recompiling its patterns. The rule id
// in the path wins over any id in the body.
func (rs *RuleSet) Update(id string, r model.WAFRule) (model.WAFRule, error) {
	r.ID = id
	cr, err := compileRule(r)
	if err != nil {
		return model.WAFRule{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i, existing := range rs.rules {
		if existing.rule.ID == id {
			rs.rules[i] = cr
			return r, nil
		}
	}
	return model.WAFRule{}, fmt.Errorf("waf: rule %s: %w", id, ErrRuleNotFound)
}

// DefaultRules is the built-in rule set covering the four attack classes.
func DefaultRules() []model.WAFRule {
	return []model.WAFRule{
		{
			ID:       "waf-prompt-injection",
			Name:     "prompt injection",
			Category: model.WAFPromptInjection,
			Severity: model.SeverityHigh,
			Enabled:  true,
			Action:   model.WAFBlock,
			Patterns: []string{
				`(?i)ignore\s+(all\s+)?previous\s+instructions`,
				`(?i)disregard\s+(the\s+|your\s+)?system\s+prompt`,
				`(?i)you\s+are\s+now\s+(dan|in\s+developer\s+mode)`,
				`(?i)\bjailbreak\b`,
			},
		},
		{
			ID:       "waf-tool-hijacking",
			Name:     "tool hijacking",
			Category: model.WAFToolHijacking,
			Severity: model.SeverityCritical,
			Enabled:  true,
			Action:   model.WAFBlock,
			Patterns: []string{
				`(?i)override\s+tool\s+(choice|selection|call)`,
				`(?i)instead\s+of\s+the\s+requested\s+tool,?\s+call`,
				`(?i)silently\s+(call|invoke)\s+\w+\s+tool`,
			},
		},
		{
			ID:       "waf-pii-exfiltration",
			Name:     "pii exfiltration",
			Category: model.WAFPIIExfiltration,
			Severity: model.SeverityHigh,
			Enabled:  true,
			Action:   model.WAFRedact,
			Patterns: []string{
				`\bsk-(ant-)?[a-zA-Z0-9_-]{20,}`,
				`\bAKIA[0-9A-Z]{16}\b`,
				`\bghp_[a-zA-Z0-9]{36}\b`,
			},
		},
		{
			ID:       "waf-data-poisoning",
			Name:     "data poisoning",
			Category: model.WAFDataPoisoning,
			Severity: model.SeverityMedium,
			Enabled:  true,
			Action:   model.WAFLog,
			Patterns: []string{
				`(?i)(training\s+data|fine.?tun\w+)[^.]{0,60}(inject|poison|corrupt)`,
				`(?i)(inject|poison)[^.]{0,60}(training\s+data|dataset)`,
			},
		},
	}
}
