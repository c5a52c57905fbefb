// Package router turns the inbound upstream event stream of one realtime
// session into at-most-once, correctly-typed dispatches to the registered
// downstream consumers. Upstream delivers at-least-once; the router's dedup
// cache converts that to at-most-once per session. Classification runs a
// fixed precedence: declared metadata, frame-type mapping, strong note
// markers, weak note markers, then the suggestion fallback. Untyped content
// is never dropped, because silently losing content is worse than
// mis-routing it.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinscribe/relay/internal/platform/usage"
	"github.com/clinscribe/relay/internal/realtime/consumer"
	"github.com/clinscribe/relay/internal/realtime/event"
)

// Sink is the single outbound channel visible to the client. Consumer
// results are forwarded onto it; the session proxy owns the actual writer.
type Sink interface {
	Send(msgType string, payload any) error
}

// Status is the structured result of processing one inbound frame. Dedup
// suppression is a normal expected outcome, kept distinguishable from
// genuine drops for observability.
type Status string

const (
	StatusDispatched     Status = "dispatched"
	StatusSuppressed     Status = "suppressed"
	StatusNoise          Status = "noise"
	StatusMalformed      Status = "malformed"
	StatusConsumerFailed Status = "consumer_failed"
	StatusClosed         Status = "closed"
)

// Outcome describes what the router did with one frame.
type Outcome struct {
	Status     Status
	Kind       consumer.Kind
	Rule       string
	EventType  string
	EventID    string
	Dispatches int
	Err        error
}

// ConsumerFailure wraps an error from a consumer invocation with enough
// context to reproduce: event type, event ID, and consumer kind. It is
// absorbed per event and never terminates the stream.
type ConsumerFailure struct {
	Kind      consumer.Kind
	EventType string
	EventID   string
	Err       error
}

func (e *ConsumerFailure) Error() string {
	return fmt.Sprintf("consumer %s failed for event %s (id=%q): %v",
		e.Kind, e.EventType, e.EventID, e.Err)
}

func (e *ConsumerFailure) Unwrap() error { return e.Err }

// noiseFrameTypes carry no actionable content and are dropped before dedup
// so high-frequency progress markers never pollute the cache or the logs.
var noiseFrameTypes = map[string]bool{
	"session.created":                   true,
	"session.updated":                   true,
	"response.created":                  true,
	"response.in_progress":              true,
	"response.output_item.added":        true,
	"response.content_part.added":       true,
	"response.content_part.done":        true,
	"response.output_item.done":         true,
	"rate_limits.updated":               true,
	"input_audio_buffer.committed":      true,
	"input_audio_buffer.speech_started": true,
	"input_audio_buffer.speech_stopped": true,
	"output_audio_buffer.started":       true,
	"output_audio_buffer.stopped":       true,
}

// typeKindPrefixes route frames whose type alone identifies the consumer,
// checked after declared metadata and before content heuristics.
var typeKindPrefixes = []struct {
	prefix string
	kind   consumer.Kind
}{
	{"response.function_call_arguments.", consumer.KindFunctionCall},
	{"conversation.item.input_audio_transcription.", consumer.KindTranscription},
}

// Config assembles one session's router.
type Config struct {
	SessionID       string
	OwnerID         string
	Registry        *consumer.Registry
	Usage           usage.Repository
	Sink            Sink
	Logger          zerolog.Logger
	ConsumerTimeout time.Duration
	DedupCacheSize  int
	DedupMinTextLen int
}

// Router processes one session's inbound events strictly in arrival order.
// It is owned by its session and fed from a single goroutine; the mutex
// exists because session teardown runs on whichever goroutine notices the
// disconnect first, which may be a different one than the event loop.
// Sessions run independently and share only the process-wide consumer
// registry.
type Router struct {
	sessionID       string
	ownerID         string
	registry        *consumer.Registry
	usage           usage.Repository
	sink            Sink
	logger          zerolog.Logger
	consumerTimeout time.Duration

	mu     sync.Mutex
	dedup  *dedupCache
	closed bool
}

// New creates a router for one session.
func New(cfg Config) *Router {
	if cfg.ConsumerTimeout <= 0 {
		cfg.ConsumerTimeout = 30 * time.Second
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 512
	}
	if cfg.DedupMinTextLen <= 0 {
		cfg.DedupMinTextLen = 20
	}
	return &Router{
		sessionID:       cfg.SessionID,
		ownerID:         cfg.OwnerID,
		registry:        cfg.Registry,
		usage:           cfg.Usage,
		sink:            cfg.Sink,
		logger:          cfg.Logger,
		consumerTimeout: cfg.ConsumerTimeout,
		dedup:           newDedupCache(cfg.DedupCacheSize, cfg.DedupMinTextLen),
	}
}

// Process ingests one raw frame and returns the structured outcome. The
// caller (the session's inbound loop) logs outcomes and feeds telemetry;
// per-event failures never propagate as errors from Process.
func (r *Router) Process(ctx context.Context, raw []byte) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Outcome{Status: StatusClosed}
	}

	ev, err := event.Parse(raw)
	if err != nil {
		return Outcome{Status: StatusMalformed, Err: err}
	}

	out := Outcome{EventType: ev.Type, EventID: ev.EventID}

	if r.isNoise(ev) {
		out.Status = StatusNoise
		return out
	}

	if r.dedup.seen(ev) {
		out.Status = StatusSuppressed
		return out
	}

	kind, rule := r.resolveKind(ev)
	out.Kind = kind
	out.Rule = rule

	// Mark processed before invoking the consumer: a duplicate arriving
	// while a slow invocation is in flight must already be suppressed.
	r.dedup.mark(ev)

	r.recordUsage(ctx, ev, kind)

	dispatched, errs := r.dispatch(ctx, ev, kind)
	out.Dispatches = dispatched
	if len(errs) > 0 {
		out.Status = StatusConsumerFailed
		out.Err = errors.Join(errs...)
		return out
	}

	out.Status = StatusDispatched
	return out
}

// Close releases the dedup cache and stops further processing. Idempotent.
// May be called from any goroutine; an event already in flight finishes
// first (the session cancels its context before closing the router, so a
// blocked consumer unwinds promptly).
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.dedup.clear()
}

// isNoise reports whether the frame carries nothing the router can act on.
func (r *Router) isNoise(ev *event.InboundEvent) bool {
	if noiseFrameTypes[ev.Type] {
		return true
	}
	if ev.Text != "" || ev.Metadata.Kind != "" || ev.Usage != nil {
		return false
	}
	for _, tk := range typeKindPrefixes {
		if strings.HasPrefix(ev.Type, tk.prefix) {
			return false
		}
	}
	return true
}

// resolveKind applies the routing precedence: declared metadata first, then
// the frame-type table, then the content-heuristic rule table.
func (r *Router) resolveKind(ev *event.InboundEvent) (consumer.Kind, string) {
	if ev.Metadata.Kind != "" {
		if kind, ok := consumer.ParseKind(ev.Metadata.Kind); ok {
			return kind, "declared-metadata"
		}
	}
	for _, tk := range typeKindPrefixes {
		if strings.HasPrefix(ev.Type, tk.prefix) {
			return tk.kind, "frame-type"
		}
	}
	return classify("", ev.Text)
}

// dispatch invokes the resolved consumer, plus the codes consumer for every
// structured payload extracted from note text. The note-with-embedded-codes
// path is the one documented case where a single inbound event yields two
// dispatches; every other path yields exactly one.
func (r *Router) dispatch(ctx context.Context, ev *event.InboundEvent, kind consumer.Kind) (int, []error) {
	primary := consumer.Payload{
		SessionID: r.sessionID,
		OwnerID:   r.ownerID,
		EventID:   ev.EventID,
		EventType: ev.Type,
		Text:      ev.Text,
		Data:      ev.Raw,
	}

	var extracted []CodePayload
	if kind == consumer.KindNote {
		primary.Text, extracted = Extract(ev.Text)
	}

	var errs []error
	dispatched := 0

	if err := r.invoke(ctx, kind, primary); err != nil {
		errs = append(errs, err)
	} else {
		dispatched++
	}

	for _, payload := range extracted {
		data, err := json.Marshal(payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal extracted codes: %w", err))
			continue
		}
		secondary := consumer.Payload{
			SessionID: r.sessionID,
			OwnerID:   r.ownerID,
			EventID:   ev.EventID,
			EventType: ev.Type,
			Data:      data,
		}
		if err := r.invoke(ctx, consumer.KindCodes, secondary); err != nil {
			errs = append(errs, err)
		} else {
			dispatched++
		}
	}

	return dispatched, errs
}

// invoke runs one consumer call bounded by the configured timeout, recovers
// panics, and forwards any derived event to the outbound sink.
func (r *Router) invoke(ctx context.Context, kind consumer.Kind, p consumer.Payload) error {
	c, ok := r.registry.Lookup(kind)
	if !ok {
		return &ConsumerFailure{Kind: kind, EventType: p.EventType, EventID: p.EventID,
			Err: fmt.Errorf("no consumer registered")}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.consumerTimeout)
	defer cancel()

	derived, err := safeHandle(callCtx, c, p)
	if err != nil {
		return &ConsumerFailure{Kind: kind, EventType: p.EventType, EventID: p.EventID, Err: err}
	}

	if derived != nil && r.sink != nil {
		if err := r.sink.Send(derived.Type, derived.Payload); err != nil {
			return &ConsumerFailure{Kind: kind, EventType: p.EventType, EventID: p.EventID,
				Err: fmt.Errorf("forward derived event: %w", err)}
		}
	}
	return nil
}

// safeHandle calls the consumer and converts a panic into an error so one
// bad event cannot terminate the session.
func safeHandle(ctx context.Context, c consumer.Consumer, p consumer.Payload) (d *consumer.Derived, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return c.Handle(ctx, p)
}

// recordUsage emits the accounting side effect for events carrying usage
// data. Failures are logged and swallowed: accounting must not block or
// fail the event pipeline, and a downstream consumer failure must not lose
// the record (it is written before dispatch).
func (r *Router) recordUsage(ctx context.Context, ev *event.InboundEvent, kind consumer.Kind) {
	if ev.Usage == nil || r.usage == nil {
		return
	}
	rec := &usage.Record{
		SessionID:    r.sessionID,
		OwnerID:      r.ownerID,
		ConsumerKind: string(kind),
		InputTokens:  ev.Usage.InputTokens,
		OutputTokens: ev.Usage.OutputTokens,
		TotalTokens:  ev.Usage.TotalTokens,
	}
	if err := r.usage.Create(ctx, rec); err != nil {
		r.logger.Error().Err(err).
			Str("session_id", r.sessionID).
			Str("consumer_kind", string(kind)).
			Msg("failed to record usage")
	}
}
