package proxy

import (
	"encoding/json"
	"strings"
)

// The proxy treats request and response bodies as opaque except through
// these accessors. Every accessor tolerates malformed or foreign schemas by
// returning zero values.

// message is the common chat message shape across providers.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExtractModel returns the model field of a request body, or "".
func ExtractModel(body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Model
}

// ExtractPrompt derives the stable cache key text from a request body:
// a messages array becomes "role:content" entries joined by "|"; a legacy
// prompt or Anthropic human_prompt string is used as-is. Bodies matching
// none of these shapes do not participate in caching.
func ExtractPrompt(body []byte) (string, bool) {
	var req struct {
		Messages    []message `json:"messages"`
		Prompt      string    `json:"prompt"`
		HumanPrompt string    `json:"human_prompt"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", false
	}
	if len(req.Messages) > 0 {
		parts := make([]string, len(req.Messages))
		for i, m := range req.Messages {
			parts[i] = m.Role + ":" + m.Content
		}
		return strings.Join(parts, "|"), true
	}
	if req.Prompt != "" {
		return req.Prompt, true
	}
	if req.HumanPrompt != "" {
		return req.HumanPrompt, true
	}
	return "", false
}

// ExtractUsage returns prompt and completion token counts from a response
// body, when the upstream reported them.
func ExtractUsage(body []byte) (inputTokens, outputTokens int, ok bool) {
	var resp struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return 0, 0, false
	}
	return resp.Usage.PromptTokens, resp.Usage.CompletionTokens, true
}
