package firewall

import (
	"strings"
	"unicode"

	"github.com/switchboardhq/switchboard/internal/model"
)

// intentClass is one scored category with its keyword list and weight.
// Categories are evaluated in declaration order so ties resolve
// deterministically toward the more dangerous class.
type intentClass struct {
	category model.IntentCategory
	weight   float64
	keywords []string
}

var intentClasses = []intentClass{
	{model.IntentDestructive, 1.5, []string{
		"delete", "remove", "drop", "truncate", "destroy", "kill", "terminate",
	}},
	{model.IntentCodeExecution, 1.4, []string{
		"exec", "eval", "run", "execute", "shell", "command", "script",
	}},
	{model.IntentExternalCall, 1.2, []string{
		"http", "api", "webhook", "curl", "fetch", "request", "post",
	}},
	{model.IntentFileOperation, 1.1, []string{
		"file", "write", "save", "upload", "download", "path", "directory",
	}},
	{model.IntentDataModification, 1.0, []string{
		"update", "insert", "upsert", "modify", "change", "set",
	}},
	{model.IntentDataAccess, 0.5, []string{
		"select", "query", "fetch", "read", "get", "list", "search",
	}},
}

// classifyIntent scores the body against the fixed keyword table. Each
// keyword occurrence adds the category weight; the winning category's score
// drives confidence, capped at 0.95. A body with no keyword hits classifies
// as unknown with zero confidence.
func classifyIntent(body string) (model.IntentCategory, float64) {
	counts := tokenCounts(body)
	if len(counts) == 0 {
		return model.IntentUnknown, 0
	}

	best := model.IntentUnknown
	bestScore := 0.0
	for _, class := range intentClasses {
		score := 0.0
		for _, kw := range class.keywords {
			score += float64(counts[kw]) * class.weight
		}
		if score > bestScore {
			best = class.category
			bestScore = score
		}
	}
	if bestScore == 0 {
		return model.IntentUnknown, 0
	}

	confidence := bestScore / 5
	if confidence > 0.95 {
		confidence = 0.95
	}
	return best, confidence
}

func tokenCounts(body string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range strings.FieldsFunc(strings.ToLower(body), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		counts[tok]++
	}
	return counts
}
