package mcperr

import (
	"regexp"
	"strings"
)

// Filtered replaces every value judged sensitive.
const Filtered = "[FILTERED]"

// Keys matching any of these substrings (case-insensitive) never reach
// the wire. private_key and ssh_key are covered by "key".
var sensitiveKeySubstrings = []string{
	"password", "passwd", "pwd", "secret", "token",
	"key", "auth", "credential", "passphrase",
}

// messagePattern catches `key=value` and `key: value` fragments whose
// key contains a sensitive substring.
var messagePattern = regexp.MustCompile(
	`(?i)([\w.-]*(?:password|passwd|pwd|secret|token|key|auth|credential|passphrase)[\w.-]*)\s*[=:]\s*[^\s,;]+`)

// IsSensitiveKey reports whether a data key must be filtered.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeySubstrings {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactMessage scrubs credential-looking fragments from free text.
func RedactMessage(msg string) string {
	return messagePattern.ReplaceAllString(msg, "${1}="+Filtered)
}

// RedactMap returns a deep copy of m with sensitive values filtered.
// The input map is never mutated.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Filtered
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	case string:
		return RedactMessage(t)
	default:
		return v
	}
}
