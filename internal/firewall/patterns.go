package firewall

import "regexp"

// pattern is one compiled detection with a short name used as the denial
// reason ("PII detected: ssn", "dangerous pattern: destructive_sql").
type pattern struct {
	name string
	re   *regexp.Regexp
}

// piiPatterns confirm what the Bloom pre-filter only hinted at. Each match
// is definitive; the firewall denies (or shadow-denies) on the first hit.
var piiPatterns = []pattern{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit_card", regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)},
	{"phone", regexp.MustCompile(`\b\+?\d{1,2}[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)},
	{"openai_key", regexp.MustCompile(`\bsk-[a-zA-Z0-9_-]{20,}`)},
	{"anthropic_key", regexp.MustCompile(`\bsk-ant-[a-zA-Z0-9_-]{20,}`)},
	{"google_key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"github_token", regexp.MustCompile(`\bghp_[a-zA-Z0-9]{36}\b`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[a-zA-Z0-9._-]{20,}`)},
}

// dangerousPatterns cover destructive commands an agent should never be
// relaying: irreversible SQL, shell bombs, exfiltration one-liners, and
// hardcoded credential assignments.
var dangerousPatterns = []pattern{
	{"destructive_sql", regexp.MustCompile(`(?i)\b(drop\s+(table|database|schema)|truncate\s+table)\b`)},
	{"unbounded_delete", regexp.MustCompile(`(?i)\bdelete\s+from\s+\w+\s*(;|$)`)},
	{"where_true_delete", regexp.MustCompile(`(?i)\bdelete\s+from\s+\w+\s+where\s+(1\s*=\s*1|true)\b`)},
	{"recursive_rm", regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|~|\.)`)},
	{"fork_bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:`)},
	{"disk_wipe", regexp.MustCompile(`\b(mkfs\.\w+|dd\s+if=\S+\s+of=/dev/)`)},
	{"pipe_to_shell", regexp.MustCompile(`\b(curl|wget)\b[^|;]{0,200}\|\s*(ba|z|da)?sh\b`)},
	{"remote_copy_out", regexp.MustCompile(`\bscp\s+\S+\s+\S+@\S+:`)},
	{"credential_assignment", regexp.MustCompile(`(?i)\b(password|passwd|api[_-]?key|secret[_-]?key|access[_-]?token)\s*[:=]\s*['"][^'"]{6,}['"]`)},
}

func matchFirst(patterns []pattern, body string) (string, bool) {
	for _, p := range patterns {
		if p.re.MatchString(body) {
			return p.name, true
		}
	}
	return "", false
}
