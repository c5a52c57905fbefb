// Package consumer defines the invocation contract between the
// classification router and the specialized downstream modules
// (note composition, suggestions, order extraction, code extraction,
// function calls, transcription). The modules themselves live outside
// this service; the router only needs their entry points.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind identifies which downstream module receives a dispatch.
type Kind string

const (
	KindNote          Kind = "note"
	KindSuggestion    Kind = "suggestion"
	KindOrders        Kind = "orders"
	KindCodes         Kind = "codes"
	KindFunctionCall  Kind = "function_call"
	KindTranscription Kind = "transcription"
)

var validKinds = map[Kind]bool{
	KindNote:          true,
	KindSuggestion:    true,
	KindOrders:        true,
	KindCodes:         true,
	KindFunctionCall:  true,
	KindTranscription: true,
}

// Valid reports whether k names a known consumer kind.
func (k Kind) Valid() bool { return validKinds[k] }

// ParseKind maps a declared metadata tag to a consumer Kind. Returns false
// when the tag does not name a known consumer, in which case the router
// falls back to content heuristics.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, validKinds[k]
}

// Payload is the normalized event shape a consumer receives.
type Payload struct {
	SessionID string          `json:"session_id"`
	OwnerID   string          `json:"owner_id"`
	EventID   string          `json:"event_id,omitempty"`
	EventType string          `json:"event_type"`
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Derived is an optional event a consumer hands back for the outbound sink.
type Derived struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Consumer is the single entry point of one downstream module. Handle may
// block on network or storage I/O and may fail; the router bounds it with a
// timeout and absorbs errors per event.
type Consumer interface {
	Handle(ctx context.Context, p Payload) (*Derived, error)
}

// Func adapts a plain function to the Consumer interface.
type Func func(ctx context.Context, p Payload) (*Derived, error)

func (f Func) Handle(ctx context.Context, p Payload) (*Derived, error) {
	return f(ctx, p)
}

// Registry holds the process-wide consumer instances. Registration happens
// at startup; lookups run concurrently from every session.
type Registry struct {
	mu        sync.RWMutex
	consumers map[Kind]Consumer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{consumers: make(map[Kind]Consumer)}
}

// Register binds a consumer to a kind. Rebinding an already-registered kind
// is an error: consumers are process-wide singletons.
func (r *Registry) Register(kind Kind, c Consumer) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown consumer kind: %s", kind)
	}
	if c == nil {
		return fmt.Errorf("nil consumer for kind %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.consumers[kind]; exists {
		return fmt.Errorf("consumer kind %s already registered", kind)
	}
	r.consumers[kind] = c
	return nil
}

// Lookup returns the consumer bound to kind, or false when none is bound.
func (r *Registry) Lookup(kind Kind) (Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[kind]
	return c, ok
}
