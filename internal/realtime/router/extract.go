package router

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Code is one extracted billing or diagnosis code.
type Code struct {
	Code        string `json:"code"`
	System      string `json:"system,omitempty"`
	Description string `json:"description,omitempty"`
}

// CodePayload is one embedded structured block parsed out of note text.
type CodePayload struct {
	Codes []Code `json:"codes"`
}

// extractionPattern locates one shape of embedded structured payload and
// parses it. Patterns are applied in table order, most specific first; a
// span consumed by an earlier pattern is replaced with a summary and can no
// longer match a later pattern.
type extractionPattern struct {
	name  string
	re    *regexp.Regexp
	parse func(match []string) (*CodePayload, bool)
}

var extractionPatterns = []extractionPattern{
	{
		// A fenced block with an explicit type tag:
		//   ```codes
		//   {"codes":[{"code":"99213","system":"CPT"}]}
		//   ```
		name:  "fenced-tagged-block",
		re:    regexp.MustCompile("(?s)```codes[ \\t]*\\n(.*?)\\n?```"),
		parse: parseJSONCodes,
	},
	{
		// A delimiter-tagged block: [CODES]{...}[/CODES]
		name:  "tagged-block",
		re:    regexp.MustCompile(`(?s)\[CODES\](.*?)\[/CODES\]`),
		parse: parseJSONCodes,
	},
	{
		// A loosely-delimited inline list:
		//   CPT codes: 99213, 99214
		//   ICD-10 codes: J06.9
		name:  "inline-list",
		re:    regexp.MustCompile(`(?mi)^[ \t]*(billing|cpt|icd[- ]?10)[ \t]+codes?[ \t]*:[ \t]*([A-Za-z0-9][A-Za-z0-9 .,\t-]*?)[ \t]*$`),
		parse: parseInlineCodes,
	},
}

// Extract scans note text for embedded structured code payloads. It is a
// pure function: the cleaned text (every successfully parsed span replaced
// with a short human-readable summary) and the parsed payloads are both
// returned, and the input is never mutated. A span that looks like a
// structured block but fails to parse is left in place.
func Extract(text string) (string, []CodePayload) {
	var payloads []CodePayload

	for _, pattern := range extractionPatterns {
		text = pattern.re.ReplaceAllStringFunc(text, func(span string) string {
			match := pattern.re.FindStringSubmatch(span)
			payload, ok := pattern.parse(match)
			if !ok {
				return span
			}
			payloads = append(payloads, *payload)
			return summarize(payload)
		})
	}

	return text, payloads
}

// summarize produces the replacement text for an extracted span. It must
// contain none of the structured delimiters the patterns match on.
func summarize(p *CodePayload) string {
	if len(p.Codes) == 1 {
		return fmt.Sprintf("(1 billing code extracted: %s)", p.Codes[0].Code)
	}
	return fmt.Sprintf("(%d billing codes extracted)", len(p.Codes))
}

// parseJSONCodes accepts either {"codes":[...]} or a bare [...] array.
func parseJSONCodes(match []string) (*CodePayload, bool) {
	if len(match) < 2 {
		return nil, false
	}
	body := strings.TrimSpace(match[1])

	var payload CodePayload
	if err := json.Unmarshal([]byte(body), &payload); err == nil && len(payload.Codes) > 0 {
		return &payload, true
	}

	var codes []Code
	if err := json.Unmarshal([]byte(body), &codes); err == nil && len(codes) > 0 {
		return &CodePayload{Codes: codes}, true
	}

	return nil, false
}

// parseInlineCodes turns "CPT codes: 99213, 99214" into a payload with the
// coding system inferred from the label.
func parseInlineCodes(match []string) (*CodePayload, bool) {
	if len(match) < 3 {
		return nil, false
	}

	system := strings.ToUpper(strings.ReplaceAll(match[1], " ", "-"))
	if system == "BILLING" {
		system = ""
	}

	var codes []Code
	for _, raw := range strings.Split(match[2], ",") {
		code := strings.TrimSpace(raw)
		if code == "" {
			continue
		}
		codes = append(codes, Code{Code: code, System: system})
	}
	if len(codes) == 0 {
		return nil, false
	}
	return &CodePayload{Codes: codes}, true
}
