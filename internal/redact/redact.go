// Package redact scrubs credentials out of text that crosses into logs or
// the journal: child error messages and child environment entries.
package redact

import (
	"regexp"
	"strings"
)

// Placeholder replaces every scrubbed value.
const Placeholder = "[REDACTED]"

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|license[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	envKeyPattern     = regexp.MustCompile(`(?i)passw(?:or)?d|secret|api[_-]?key|license[_-]?key|token|private[_-]?key|credential`)
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern   = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	urlUserPattern    = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://)[^\s/@]+@`)
)

// Text replaces secret-looking values in free text such as an error a child
// reported. Text without secrets comes back unchanged.
func Text(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"`+Placeholder+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return Placeholder
		}
		return match[:idx+1] + Placeholder
	})
	out = bearerPattern.ReplaceAllString(out, "Bearer "+Placeholder)
	out = urlUserPattern.ReplaceAllString(out, "${1}"+Placeholder+"@")
	return out
}

// Env returns a copy of KEY=VALUE entries with the values of secret-looking
// keys replaced.
func Env(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, kv := range entries {
		key, _, ok := strings.Cut(kv, "=")
		if ok && envKeyPattern.MatchString(key) {
			out = append(out, key+"="+Placeholder)
			continue
		}
		out = append(out, kv)
	}
	return out
}
