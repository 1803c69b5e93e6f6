// Package firewall implements the semantic firewall: a staged inspection
// pipeline that every proxied request passes through before it reaches an
// upstream provider.
//
// Stages are ordered cheapest-first: a Bloom pre-filter gates the PII
// regexes, dangerous-pattern and WAF scans run next, and intent
// classification plus the risk score come last. Any internal failure fails
// open; the firewall degrades to auditing rather than dropping traffic.
package firewall

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/switchboardhq/switchboard/internal/model"
	"github.com/switchboardhq/switchboard/internal/policy"
)

// ErrRuleNotFound is returned when a WAF rule id does not exist.
var ErrRuleNotFound = errors.New("rule not found")

// Request is the slice of an inbound proxy request the firewall inspects.
type Request struct {
	OrgID   uuid.UUID
	AgentID string
	Method  string
	Path    string
	Body    []byte
}

// Options are the environment-level firewall toggles. Policy rules can
// further restrict but never re-enable a check disabled here.
type Options struct {
	BlockDestructive bool
	BlockPII         bool
	ShadowMode       bool
	MaxLatencyMs     int
}

// Firewall evaluates requests against PII patterns, dangerous patterns, WAF
// rules, and the active policy.
type Firewall struct {
	loader *policy.Loader
	waf    *RuleSet
	pii    *bloom.BloomFilter
	opts   Options
	logger *slog.Logger
}

// New builds a firewall around the policy loader and WAF rule set.
func New(loader *policy.Loader, waf *RuleSet, opts Options, logger *slog.Logger) *Firewall {
	return &Firewall{
		loader: loader,
		waf:    waf,
		pii:    newPIIFilter(),
		opts:   opts,
		logger: logger,
	}
}

// WAF exposes the rule set for the control plane.
func (f *Firewall) WAF() *RuleSet { return f.waf }

// Evaluate runs the full pipeline and always returns a usable decision. A
// panic anywhere in the stages fails open: the request proceeds as audited
// with a fixed mid-range risk score.
func (f *Firewall) Evaluate(req Request) (decision model.Decision) {
	start := time.Now()
	pol := f.loader.ActiveFor(req.OrgID)

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("firewall: evaluation panic, failing open", "panic", r, "agent_id", req.AgentID)
			decision = model.Decision{
				Allowed:   true,
				Action:    model.ActionAudited,
				Reason:    strPtr("evaluation error"),
				RiskScore: 50,
				PolicyID:  pol.PolicyID,
			}
		}
		decision.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		if f.opts.MaxLatencyMs > 0 && decision.LatencyMs > float64(f.opts.MaxLatencyMs) {
			f.logger.Warn("firewall: latency budget exceeded",
				"latency_ms", decision.LatencyMs, "budget_ms", f.opts.MaxLatencyMs)
		}
	}()

	decision = f.evaluate(req, pol)
	return decision
}

func (f *Firewall) evaluate(req Request, pol *model.Policy) model.Decision {
	shadow := f.opts.ShadowMode || pol.ShadowMode
	body := string(req.Body)

	// Stages 1-2: Bloom pre-filter, then PII confirmation. A negative
	// pre-filter skips the regexes entirely.
	if f.opts.BlockPII && pol.Rules.BlockPII && mayContainPII(f.pii, body) {
		if name, ok := matchFirst(piiPatterns, body); ok {
			return f.finish(deny("PII detected: "+name, 85, pol), shadow)
		}
	}

	// Stage 3: dangerous patterns.
	if f.opts.BlockDestructive && pol.Rules.BlockDestructive {
		if name, ok := matchFirst(dangerousPatterns, body); ok {
			return f.finish(deny("dangerous pattern: "+name, 95, pol), shadow)
		}
	}

	// Stage 4: WAF rules. A redact rule rewrites the body that later stages
	// and the upstream see.
	waf := f.waf.Evaluate(req.Body)
	if waf.Blocked {
		d := deny("WAF rule: "+waf.BlockedBy.Name, model.SeverityScore(waf.BlockedBy.Severity), pol)
		return f.finish(d, shadow)
	}
	for _, name := range waf.Logged {
		f.logger.Info("firewall: waf rule matched", "rule", name, "agent_id", req.AgentID)
	}
	if waf.Redacted != nil {
		body = string(waf.Redacted)
	}

	// Stage 5: intent classification on the (possibly redacted) body.
	intent, confidence := classifyIntent(body)

	// Stage 6: policy check.
	if blocked, reason := f.policyBlocks(pol, intent, req.Body); blocked {
		d := deny(reason, riskScore(intent, confidence, req), pol)
		d.IntentCategory = &intent
		return f.finish(d, shadow)
	}

	// Stage 7: risk score and final action.
	risk := riskScore(intent, confidence, req)
	d := model.Decision{
		Allowed:        true,
		Action:         model.ActionAllowed,
		RiskScore:      risk,
		IntentCategory: &intent,
		PolicyID:       pol.PolicyID,
		RewrittenBody:  waf.Redacted,
	}
	switch {
	case risk > 70:
		d.Action = model.ActionAudited
		d.Reason = strPtr("high risk score")
	case waf.Redacted != nil:
		d.Action = model.ActionModified
		d.Reason = strPtr("sensitive content redacted")
	}
	return d
}

// policyBlocks applies the blocked-intent list and the structural policy
// rules (allowed models, token ceiling, external calls).
func (f *Firewall) policyBlocks(pol *model.Policy, intent model.IntentCategory, body []byte) (bool, string) {
	if pol.BlocksIntent(intent) {
		return true, "intent " + string(intent) + " blocked by policy"
	}
	if pol.Rules.BlockExternalCalls && intent == model.IntentExternalCall {
		return true, "intent external_call blocked by policy"
	}

	if len(pol.Rules.AllowedModels) == 0 && pol.Rules.MaxTokensPerReq == 0 {
		return false, ""
	}
	var payload struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, ""
	}
	if len(pol.Rules.AllowedModels) > 0 && payload.Model != "" {
		allowed := false
		for _, m := range pol.Rules.AllowedModels {
			if m == payload.Model {
				allowed = true
				break
			}
		}
		if !allowed {
			return true, "model not allowed: " + payload.Model
		}
	}
	if pol.Rules.MaxTokensPerReq > 0 && payload.MaxTokens > pol.Rules.MaxTokensPerReq {
		return true, "max_tokens exceeds policy limit"
	}
	return false, ""
}

// finish applies shadow mode to a blocking decision.
func (f *Firewall) finish(d model.Decision, shadow bool) model.Decision {
	if shadow && !d.Allowed {
		return d.Shadowed()
	}
	return d
}

// riskScore computes base 20 plus the intent weight, plus 20 for DELETE and
// 10 for admin paths, scaled by classification confidence and clamped to
// [0, 100].
func riskScore(intent model.IntentCategory, confidence float64, req Request) float64 {
	score := 20 + intentWeight(intent)
	if req.Method == "DELETE" {
		score += 20
	}
	if strings.Contains(strings.ToLower(req.Path), "admin") {
		score += 10
	}
	score *= confidence
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func intentWeight(cat model.IntentCategory) float64 {
	for _, class := range intentClasses {
		if class.category == cat {
			return class.weight
		}
	}
	return 0
}

func deny(reason string, risk float64, pol *model.Policy) model.Decision {
	return model.Decision{
		Allowed:   false,
		Action:    model.ActionBlocked,
		Reason:    strPtr(reason),
		RiskScore: risk,
		PolicyID:  pol.PolicyID,
	}
}

func strPtr(s string) *string { return &s }
