// Package sanitize redacts likely-sensitive substrings from log content
// before it reaches the LLM. The policy prefers over-redaction: version
// numbers that look like IPv4 addresses will be redacted.
package sanitize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Pattern is one redaction rule. Rules run in order; replacements are chosen
// so they never match any enabled pattern, making sanitization idempotent.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Enabled     bool
}

// DefaultPatterns returns the standard ordered rule set.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "private_key_block",
			Regex:       regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
			Replacement: "[PRIVATE_KEY_REDACTED]",
			Enabled:     true,
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)authorization:\s*bearer\s+[A-Za-z0-9\-._~+/]+=*`),
			Replacement: "[TOKEN_REDACTED]",
			Enabled:     true,
		},
		{
			Name:        "aws_access_key",
			Regex:       regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			Replacement: "[AWS_KEY_REDACTED]",
			Enabled:     true,
		},
		{
			Name:        "aws_secret_key",
			Regex:       regexp.MustCompile(`(?i)\b(?:aws_?secret_?(?:access_?)?key|secret[_-]?access[_-]?key)\s*[=:]\s*["']?[A-Za-z0-9/+=]{40}["']?`),
			Replacement: "[AWS_SECRET_REDACTED]",
			Enabled:     true,
		},
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(?:\b(?:api[_-]?key|apikey|x-api-key|access[_-]?token)\s*[=:]\s*["']?[A-Za-z0-9_\-./+]{12,}["']?|\bsk-[A-Za-z0-9_\-]{16,}\b)`),
			Replacement: "[API_KEY_REDACTED]",
			Enabled:     true,
		},
		{
			Name:        "url_password",
			Regex:       regexp.MustCompile(`\b([a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+):([^@/\s]+)@`),
			Replacement: "$1:[PASSWORD_REDACTED]@",
			Enabled:     true,
		},
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			Replacement: "[EMAIL_REDACTED]",
			Enabled:     true,
		},
		{
			Name:        "ipv4",
			Regex:       regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			Replacement: "[IP_REDACTED]",
			Enabled:     true,
		},
		{
			// Requires at least four hex groups so times like 12:34:56 survive.
			Name:        "ipv6",
			Regex:       regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){4,7}[0-9a-fA-F]{1,4}\b|\b(?:[0-9a-fA-F]{1,4}:){1,6}:(?:[0-9a-fA-F]{1,4}:){0,5}[0-9a-fA-F]{1,4}\b`),
			Replacement: "[IP_REDACTED]",
			Enabled:     true,
		},
		{
			Name:        "credit_card",
			Regex:       regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{1,7}\b`),
			Replacement: "[CC_REDACTED]",
			Enabled:     true,
		},
		{
			Name:        "ssn",
			Regex:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[SSN_REDACTED]",
			Enabled:     true,
		},
		{
			Name:        "us_phone",
			Regex:       regexp.MustCompile(`(?:\(\d{3}\)\s?|\b\d{3}[-. ])\d{3}[-. ]\d{4}\b`),
			Replacement: "[PHONE_REDACTED]",
			Enabled:     true,
		},
	}
}

// Result holds a sanitization outcome.
type Result struct {
	SanitizedText string         `json:"sanitized_text"`
	Counts        map[string]int `json:"counts"` // pattern name → replacements
	Total         int            `json:"total"`
}

// Sanitizer applies an ordered pattern set to strings, events, and maps.
// Stateless after construction; safe for concurrent use.
type Sanitizer struct {
	patterns []Pattern
	enabled  bool
}

// New creates a sanitizer with the default patterns plus any custom ones.
// When enabled is false, all operations are identity functions.
func New(enabled bool, custom ...Pattern) *Sanitizer {
	return &Sanitizer{
		patterns: append(DefaultPatterns(), custom...),
		enabled:  enabled,
	}
}

// Enabled reports whether redaction is active.
func (s *Sanitizer) Enabled() bool { return s.enabled }

// Sanitize redacts sensitive substrings from text.
func (s *Sanitizer) Sanitize(text string) Result {
	if !s.enabled || text == "" {
		return Result{SanitizedText: text, Counts: map[string]int{}}
	}

	counts := make(map[string]int)
	total := 0
	for _, p := range s.patterns {
		if !p.Enabled {
			continue
		}
		n := len(p.Regex.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		text = p.Regex.ReplaceAllString(text, p.Replacement)
		counts[p.Name] += n
		total += n
	}

	return Result{SanitizedText: text, Counts: counts, Total: total}
}

// SanitizeEvents redacts the "message" field of each event record, returning
// new event maps and the merged counts. Other fields (timestamps, levels,
// stream names) are preserved byte-for-byte.
func (s *Sanitizer) SanitizeEvents(events []map[string]interface{}) ([]map[string]interface{}, map[string]int) {
	counts := make(map[string]int)
	if !s.enabled {
		return events, counts
	}

	out := make([]map[string]interface{}, len(events))
	for i, ev := range events {
		clone := make(map[string]interface{}, len(ev))
		for k, v := range ev {
			clone[k] = v
		}
		if msg, ok := clone["message"].(string); ok {
			res := s.Sanitize(msg)
			clone["message"] = res.SanitizedText
			mergeCounts(counts, res.Counts)
		}
		out[i] = clone
	}
	return out, counts
}

// SanitizeMap redacts string values of obj. When keys is non-empty, only
// those keys are touched.
func (s *Sanitizer) SanitizeMap(obj map[string]interface{}, keys []string) (map[string]interface{}, map[string]int) {
	counts := make(map[string]int)
	if !s.enabled {
		return obj, counts
	}

	allow := map[string]bool{}
	for _, k := range keys {
		allow[k] = true
	}

	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		str, isStr := v.(string)
		if !isStr || (len(allow) > 0 && !allow[k]) {
			out[k] = v
			continue
		}
		res := s.Sanitize(str)
		out[k] = res.SanitizedText
		mergeCounts(counts, res.Counts)
	}
	return out, counts
}

// FormatSummary renders redaction counts for display, e.g.
// "3 Email, 2 Ipv4, 1 Aws Access Key", or a no-op notice when nothing matched.
func FormatSummary(counts map[string]int) string {
	if len(counts) == 0 {
		return "No sensitive data redacted"
	}

	names := make([]string, 0, len(counts))
	for name, n := range counts {
		if n > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "No sensitive data redacted"
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%d %s", counts[name], humanize(name)))
	}
	return strings.Join(parts, ", ")
}

func humanize(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func mergeCounts(dst, src map[string]int) {
	for k, v := range src {
		dst[k] += v
	}
}
