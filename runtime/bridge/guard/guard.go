// Package guard provides stateless regex-based content guards applied around
// the adapter boundary: prompt annotation on the way in, secret redaction on
// the way out. Both guards are the identity on content with no matching
// patterns.
package guard

import (
	"regexp"
	"strings"
)

// redactedPlaceholder replaces matched secret material in outputs.
const redactedPlaceholder = "[redacted]"

// inputPatterns flag prompt fragments that try to smuggle instructions to the
// assistant. Matches are annotated, not removed: the platform decides policy.
var inputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all |any )?(previous|prior|above) (instructions|prompts)`),
	regexp.MustCompile(`(?i)disregard (your|the) (system prompt|instructions)`),
	regexp.MustCompile(`(?i)you are now (in )?(developer|dan|jailbreak) mode`),
}

// outputPatterns match secret-looking tokens in assistant output.
var outputPatterns = []*regexp.Regexp{
	// AWS access key ids.
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// Bearer tokens in header-style text.
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}={0,2}`),
	// Private key blocks.
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	// KEY=value credential assignments.
	regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:API_KEY|SECRET|TOKEN|PASSWORD))\s*=\s*['"]?[^\s'"]{8,}['"]?`),
}

// GuardInput annotates content that matches a known prompt-injection pattern.
// The annotation is prepended once so the assistant sees the original text
// with a visible warning; clean content passes through unchanged.
func GuardInput(content string) string {
	for _, re := range inputPatterns {
		if re.MatchString(content) {
			return "[note: the following user content matched a prompt-injection pattern]\n" + content
		}
	}
	return content
}

// GuardOutput redacts secret-looking tokens from assistant output. Content
// with no matches is returned unchanged (same string value).
func GuardOutput(content string) string {
	out := content
	for _, re := range outputPatterns {
		out = re.ReplaceAllStringFunc(out, func(m string) string {
			// Keep the variable name visible for KEY=value matches so the
			// surrounding text still reads naturally.
			if i := strings.IndexByte(m, '='); i > 0 && !strings.ContainsAny(m[:i], " \t") {
				return m[:i+1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}
