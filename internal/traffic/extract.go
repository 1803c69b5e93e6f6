package traffic

import (
	"regexp"
	"strings"

	"github.com/switchboardhq/switchboard/internal/model"
)

// Resource is one logical resource referenced by a request body.
type Resource struct {
	Type model.ResourceType
	ID   string
}

// Extraction order is fixed. A body naming a table and a file yields both,
// table first.
var (
	tableRe = regexp.MustCompile(`(?i)\b(?:from|into|update|join|truncate\s+table|drop\s+table)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	fileRe  = regexp.MustCompile(`(/[\w.-]+(?:/[\w.-]+)+)`)
	urlRe   = regexp.MustCompile(`https?://[^\s"'<>\\]+`)
)

// sqlKeywords are matched by tableRe's capture group when SQL fragments butt
// against each other; they are never table names.
var sqlKeywords = map[string]struct{}{
	"select": {}, "where": {}, "table": {}, "values": {}, "set": {},
}

// ExtractResource scans a request body for the logical resource it touches.
// First match wins, in fixed order: database table, filesystem path, API
// endpoint. Returns false when the body references none.
func ExtractResource(body []byte) (Resource, bool) {
	text := string(body)
	// Mask URLs so their path component does not register as a file.
	masked := urlRe.ReplaceAllString(text, " ")

	for _, m := range tableRe.FindAllStringSubmatch(masked, -1) {
		name := strings.ToLower(m[1])
		if _, kw := sqlKeywords[name]; kw {
			continue
		}
		return Resource{Type: model.ResourceDatabaseTable, ID: name}, true
	}
	if m := fileRe.FindString(masked); m != "" {
		return Resource{Type: model.ResourceFile, ID: m}, true
	}
	if m := urlRe.FindString(text); m != "" {
		return Resource{Type: model.ResourceAPIEndpoint, ID: strings.TrimRight(m, ".,;)")}, true
	}
	return Resource{}, false
}

var writeVerbRe = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|truncate|alter|create|write|append|upload|save|modify)\b`)

// IsWriteOperation reports whether a request mutates the resources it
// touches. A mutating HTTP method is conclusive; otherwise write verbs in
// the body decide.
func IsWriteOperation(body []byte, method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return writeVerbRe.Match(body)
}
