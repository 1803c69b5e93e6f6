package firewall

import (
	"strings"
	"unicode"

	"github.com/bits-and-blooms/bloom/v3"
)

// piiMarkers is the small fixed marker set loaded into the Bloom pre-filter.
// The tokenizer canonicalizes structural signals (an "@", a long digit run)
// into fixed markers so card numbers and arbitrary email domains still hit.
var piiMarkers = []string{
	"@",        // any email-shaped token
	"#digits#", // any token carrying a 9+ digit run (SSN, card, phone)
	"ssn:",
	"ssn=",
	"bearer",
	"sk-",
	"sk-ant",
	"akia",
	"aiza",
	"ghp_",
	"xoxb",
	"aws_secret",
	"password:",
	"password=",
	"secret:",
	"secret=",
	"gmail.com",
	"yahoo.com",
	"hotmail.com",
	"outlook.com",
	"icloud.com",
	"protonmail.com",
}

// newPIIFilter builds the pre-filter. The set is tiny, so a generous false
// positive rate keeps the filter a few hundred bytes; a false positive only
// costs one pass of the confirmation regexes.
func newPIIFilter() *bloom.BloomFilter {
	f := bloom.NewWithEstimates(uint(len(piiMarkers))*4, 0.001)
	for _, m := range piiMarkers {
		f.AddString(m)
	}
	return f
}

// mayContainPII tests body tokens against the marker set. A negative result
// skips the PII confirmation stage entirely; a positive result only means
// the regexes get to decide.
func mayContainPII(f *bloom.BloomFilter, body string) bool {
	lower := strings.ToLower(body)
	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == ',' || r == '\''
	}) {
		for _, cand := range candidates(tok) {
			if f.TestString(cand) {
				return true
			}
		}
	}
	return false
}

// candidates canonicalizes one token into the fixed markers it could match.
func candidates(tok string) []string {
	out := make([]string, 0, 4)
	out = append(out, tok)
	if i := strings.IndexByte(tok, '@'); i >= 0 {
		out = append(out, "@", tok[i+1:])
	}
	if i := strings.IndexByte(tok, ':'); i > 0 {
		out = append(out, tok[:i+1])
	}
	if i := strings.IndexByte(tok, '='); i > 0 {
		out = append(out, tok[:i+1])
	}
	if len(tok) >= 3 {
		out = append(out, tok[:3])
	}
	if len(tok) >= 4 {
		out = append(out, tok[:4])
	}
	if len(tok) >= 6 {
		out = append(out, tok[:6])
	}
	if digitRun(tok) >= 9 {
		out = append(out, "#digits#")
	}
	return out
}

// digitRun returns the longest run of digits in tok, treating separators
// commonly used inside card and phone numbers as part of the run.
func digitRun(tok string) int {
	longest, current := 0, 0
	for _, r := range tok {
		switch {
		case r >= '0' && r <= '9':
			current++
		case r == '-' || r == ' ' || r == '.' || r == '(' || r == ')':
			// Separator inside a number; does not break the run.
		default:
			current = 0
		}
		if current > longest {
			longest = current
		}
	}
	return longest
}
