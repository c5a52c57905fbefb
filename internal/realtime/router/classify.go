package router

import (
	"strings"

	"github.com/clinscribe/relay/internal/realtime/consumer"
)

// classificationRule pairs a content predicate with the consumer kind it
// selects. Rules are evaluated strictly in table order so precedence is
// auditable: explicit metadata always wins (handled before the table),
// strong evidence beats weak evidence, and untyped content falls through to
// the default rule rather than being dropped.
type classificationRule struct {
	name  string
	kind  consumer.Kind
	match func(text string) bool
}

// strongNoteMarkers are exact-phrase and bolded-phrase variants of canonical
// clinical note section headings. Any one of them is strong evidence the
// text is a structured note.
var strongNoteMarkers = []string{
	"SUBJECTIVE:",
	"OBJECTIVE:",
	"ASSESSMENT:",
	"PLAN:",
	"CHIEF COMPLAINT:",
	"HISTORY OF PRESENT ILLNESS:",
	"REVIEW OF SYSTEMS:",
	"PHYSICAL EXAM:",
	"**Subjective:**",
	"**Objective:**",
	"**Assessment:**",
	"**Plan:**",
	"**Chief Complaint:**",
}

// weakNoteHeadings are the four canonical SOAP headings. Weak evidence
// requires at least two of them to co-occur, case-insensitively, so that a
// sentence merely mentioning "plan" does not get classified as a note.
var weakNoteHeadings = []string{"subjective", "objective", "assessment", "plan"}

const weakHeadingQuorum = 2

var classificationRules = []classificationRule{
	{name: "strong-note-markers", kind: consumer.KindNote, match: hasStrongNoteMarker},
	{name: "weak-note-headings", kind: consumer.KindNote, match: hasWeakNoteHeadings},
	{name: "default-suggestion", kind: consumer.KindSuggestion, match: func(string) bool { return true }},
}

func hasStrongNoteMarker(text string) bool {
	for _, marker := range strongNoteMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func hasWeakNoteHeadings(text string) bool {
	lower := strings.ToLower(text)
	found := 0
	for _, h := range weakNoteHeadings {
		if strings.Contains(lower, h+":") || strings.Contains(lower, h+"\n") {
			found++
			if found >= weakHeadingQuorum {
				return true
			}
		}
	}
	return false
}

// classify resolves the consumer kind for an event. declaredKind is the
// optional metadata tag from the envelope; when it names a known consumer
// it is returned directly and no content heuristic runs. The returned rule
// name identifies which path decided, for logging.
func classify(declaredKind, text string) (consumer.Kind, string) {
	if declaredKind != "" {
		if kind, ok := consumer.ParseKind(declaredKind); ok {
			return kind, "declared-metadata"
		}
	}
	for _, rule := range classificationRules {
		if rule.match(text) {
			return rule.kind, rule.name
		}
	}
	// Unreachable: the last rule always matches.
	return consumer.KindSuggestion, "default-suggestion"
}
