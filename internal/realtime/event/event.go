// Package event defines the inbound frame envelope shared by the session
// proxy and the classification router. Upstream frames are JSON objects with
// an optional event_id, an optional type tag, and free-form nested content;
// this package parses the envelope and resolves the best-effort text content
// used for classification and dedup without committing to any one vendor's
// message grammar.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PayloadKind distinguishes partial, finalized, and control frames.
type PayloadKind string

const (
	// KindDelta is a partial fragment of a streamed artifact.
	KindDelta PayloadKind = "delta"
	// KindDone is the finalized form of a streamed artifact.
	KindDone PayloadKind = "done"
	// KindControl is a connection or lifecycle frame with no artifact content.
	KindControl PayloadKind = "control"
)

// Metadata is the optional structured tag naming the intended consumer.
type Metadata struct {
	Kind string `json:"kind,omitempty"`
}

// Usage carries token accounting attached by the upstream service.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// InboundEvent is one parsed frame received from upstream. Ephemeral:
// processed by the router and discarded, never persisted.
type InboundEvent struct {
	EventID  string
	Type     string
	Kind     PayloadKind
	Metadata Metadata
	Usage    *Usage
	Text     string
	Raw      json.RawMessage
}

// MalformedFrameError reports a frame whose body could not be parsed.
// Malformed frames are dropped and logged, never fatal.
type MalformedFrameError struct {
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// envelope mirrors the places realtime frames carry identity, metadata,
// text, and accounting data. Fields not present simply stay zero.
type envelope struct {
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	Metadata *Metadata `json:"metadata"`

	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	Delta      string `json:"delta"`

	Item *struct {
		Metadata *Metadata     `json:"metadata"`
		Content  []contentPart `json:"content"`
	} `json:"item"`

	Response *struct {
		Metadata *Metadata `json:"metadata"`
		Usage    *Usage    `json:"usage"`
		Output   []struct {
			Content []contentPart `json:"content"`
		} `json:"output"`
	} `json:"response"`
}

type contentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

// Parse decodes one raw frame into an InboundEvent. The returned event keeps
// the raw body so the proxy can relay it verbatim.
func Parse(data []byte) (*InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &MalformedFrameError{Reason: "invalid JSON", Err: err}
	}

	ev := &InboundEvent{
		EventID: env.EventID,
		Type:    env.Type,
		Kind:    payloadKind(env.Type),
		Text:    resolveText(&env),
		Raw:     json.RawMessage(data),
	}

	if md := resolveMetadata(&env); md != nil {
		ev.Metadata = *md
	}
	if env.Response != nil && env.Response.Usage != nil {
		ev.Usage = env.Response.Usage
	}

	return ev, nil
}

// payloadKind infers delta/done/control from the frame's type suffix.
// Untagged frames are treated as control frames.
func payloadKind(frameType string) PayloadKind {
	switch {
	case strings.HasSuffix(frameType, ".delta"):
		return KindDelta
	case strings.HasSuffix(frameType, ".done"),
		strings.HasSuffix(frameType, ".completed"):
		return KindDone
	default:
		return KindControl
	}
}

// resolveMetadata finds the declared consumer tag, checking the envelope
// top level first, then the conversation item, then the response object.
func resolveMetadata(env *envelope) *Metadata {
	if env.Metadata != nil && env.Metadata.Kind != "" {
		return env.Metadata
	}
	if env.Item != nil && env.Item.Metadata != nil && env.Item.Metadata.Kind != "" {
		return env.Item.Metadata
	}
	if env.Response != nil && env.Response.Metadata != nil && env.Response.Metadata.Kind != "" {
		return env.Response.Metadata
	}
	return nil
}

// resolveText picks the best-effort text content for classification and
// dedup. Direct string fields win over nested content parts; for nested
// parts all text fragments are concatenated in order.
func resolveText(env *envelope) string {
	if env.Text != "" {
		return env.Text
	}
	if env.Transcript != "" {
		return env.Transcript
	}
	if env.Delta != "" {
		return env.Delta
	}

	var b strings.Builder
	if env.Item != nil {
		appendParts(&b, env.Item.Content)
	}
	if env.Response != nil {
		for _, out := range env.Response.Output {
			appendParts(&b, out.Content)
		}
	}
	return b.String()
}

func appendParts(b *strings.Builder, parts []contentPart) {
	for _, p := range parts {
		if p.Text != "" {
			b.WriteString(p.Text)
		} else if p.Transcript != "" {
			b.WriteString(p.Transcript)
		}
	}
}
