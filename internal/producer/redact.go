package producer

import (
	"encoding/json"
	"regexp"
)

// Redaction rewrites known-sensitive substrings before serialization. The
// pipeline is not a secret store; this is a best-effort scrub of the
// patterns agents most often leak into state and tool output.

const redactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	// Provider API keys (sk-..., anthropic/openai style).
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	// Bearer tokens in header-ish strings.
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	// JWTs: three base64url segments.
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`),
	// key=value style secrets.
	regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|token)\s*[=:]\s*[^\s",}{]{6,}`),
}

// RedactString scrubs sensitive substrings from s.
func RedactString(s string) string {
	for _, re := range sensitivePatterns {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// RedactAttributes scrubs every string leaf of a decoded JSON tree in
// place and returns it. Keys are left alone; only values are rewritten.
func RedactAttributes(v any) any {
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case map[string]any:
		for k, elem := range val {
			val[k] = RedactAttributes(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = RedactAttributes(elem)
		}
		return val
	default:
		return v
	}
}

// RedactRawJSON scrubs a raw JSON document. Returns the input unchanged if
// it does not parse; the caller already validates shape elsewhere.
func RedactRawJSON(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(RedactAttributes(v))
	if err != nil {
		return raw
	}
	return out
}
