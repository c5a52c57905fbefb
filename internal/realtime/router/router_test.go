package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinscribe/relay/internal/platform/usage"
	"github.com/clinscribe/relay/internal/realtime/consumer"
)

// -- Mocks --

type recordedCall struct {
	kind    consumer.Kind
	payload consumer.Payload
}

type mockConsumer struct {
	kind    consumer.Kind
	calls   *[]recordedCall
	mu      *sync.Mutex
	failErr error
	panics  bool
	derived *consumer.Derived
}

func (m *mockConsumer) Handle(_ context.Context, p consumer.Payload) (*consumer.Derived, error) {
	m.mu.Lock()
	*m.calls = append(*m.calls, recordedCall{kind: m.kind, payload: p})
	m.mu.Unlock()
	if m.panics {
		panic("consumer exploded")
	}
	if m.failErr != nil {
		return nil, m.failErr
	}
	return m.derived, nil
}

type mockSink struct {
	mu    sync.Mutex
	sends []struct {
		msgType string
		payload any
	}
}

func (s *mockSink) Send(msgType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, struct {
		msgType string
		payload any
	}{msgType, payload})
	return nil
}

type mockUsageRepo struct {
	mu      sync.Mutex
	records []*usage.Record
}

func (m *mockUsageRepo) Create(_ context.Context, r *usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

func (m *mockUsageRepo) ListBySession(_ context.Context, _ string, _, _ int) ([]*usage.Record, int, error) {
	return nil, 0, nil
}

func (m *mockUsageRepo) ListByOwner(_ context.Context, _ string, _, _ int) ([]*usage.Record, int, error) {
	return nil, 0, nil
}

type routerFixture struct {
	router *Router
	calls  []recordedCall
	mu     sync.Mutex
	sink   *mockSink
	usage  *mockUsageRepo
}

func newFixture(t *testing.T, tweak func(map[consumer.Kind]*mockConsumer)) *routerFixture {
	t.Helper()
	f := &routerFixture{sink: &mockSink{}, usage: &mockUsageRepo{}}

	registry := consumer.NewRegistry()
	mocks := make(map[consumer.Kind]*mockConsumer)
	for _, kind := range []consumer.Kind{
		consumer.KindNote, consumer.KindSuggestion, consumer.KindOrders,
		consumer.KindCodes, consumer.KindFunctionCall, consumer.KindTranscription,
	} {
		mocks[kind] = &mockConsumer{kind: kind, calls: &f.calls, mu: &f.mu}
	}
	if tweak != nil {
		tweak(mocks)
	}
	for kind, m := range mocks {
		if err := registry.Register(kind, m); err != nil {
			t.Fatalf("register %s: %v", kind, err)
		}
	}

	f.router = New(Config{
		SessionID:       "sess_test",
		OwnerID:         "owner_1",
		Registry:        registry,
		Usage:           f.usage,
		Sink:            f.sink,
		Logger:          zerolog.Nop(),
		ConsumerTimeout: time.Second,
		DedupCacheSize:  64,
		DedupMinTextLen: 20,
	})
	return f
}

func (f *routerFixture) callsTo(kind consumer.Kind) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func frame(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

// -- Scenario A: declared metadata, short text --

func TestDeclaredMetadataRoutesDirectly(t *testing.T) {
	f := newFixture(t, nil)

	out := f.router.Process(context.Background(), frame(t, map[string]any{
		"type":     "response.text.done",
		"event_id": "evt_a",
		"text":     "hi",
		"metadata": map[string]string{"kind": "note"},
	}))

	if out.Status != StatusDispatched {
		t.Fatalf("status = %s, want dispatched", out.Status)
	}
	if out.Kind != consumer.KindNote || out.Rule != "declared-metadata" {
		t.Errorf("kind=%s rule=%s, want note via declared-metadata", out.Kind, out.Rule)
	}
	if got := len(f.callsTo(consumer.KindNote)); got != 1 {
		t.Errorf("note consumer calls = %d, want 1", got)
	}
	if got := len(f.calls); got != 1 {
		t.Errorf("total consumer calls = %d, want exactly 1", got)
	}
}

// -- Scenario B: weak heuristic path --

func TestWeakHeuristicClassifiesNote(t *testing.T) {
	f := newFixture(t, nil)

	out := f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.text.done",
		"text": "subjective: patient doing well overall\nplan: recheck in six months",
	}))

	if out.Status != StatusDispatched || out.Kind != consumer.KindNote {
		t.Fatalf("outcome = %+v, want note dispatch", out)
	}
	if out.Rule != "weak-note-headings" {
		t.Errorf("rule = %s, want weak-note-headings", out.Rule)
	}
	if got := len(f.callsTo(consumer.KindNote)); got != 1 {
		t.Errorf("note consumer calls = %d, want 1", got)
	}
}

// -- Scenario C: default fallback --

func TestUntypedContentFallsBackToSuggestion(t *testing.T) {
	f := newFixture(t, nil)

	out := f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.text.done",
		"text": "how are you feeling today?",
	}))

	if out.Status != StatusDispatched || out.Kind != consumer.KindSuggestion {
		t.Fatalf("outcome = %+v, want suggestion dispatch", out)
	}
	if got := len(f.callsTo(consumer.KindSuggestion)); got != 1 {
		t.Errorf("suggestion consumer calls = %d, want 1", got)
	}
}

// -- Scenario D: duplicate event ID --

func TestDuplicateEventIDSuppressed(t *testing.T) {
	f := newFixture(t, nil)
	raw := frame(t, map[string]any{
		"type":     "response.text.done",
		"event_id": "evt_dup",
		"text":     "how are you feeling today?",
	})

	first := f.router.Process(context.Background(), raw)
	time.Sleep(50 * time.Millisecond)
	second := f.router.Process(context.Background(), raw)

	if first.Status != StatusDispatched {
		t.Fatalf("first outcome = %s, want dispatched", first.Status)
	}
	if second.Status != StatusSuppressed {
		t.Fatalf("second outcome = %s, want suppressed", second.Status)
	}
	if got := len(f.calls); got != 1 {
		t.Errorf("total consumer calls = %d, want 1", got)
	}
}

func TestSameContentDifferentEventIDSuppressed(t *testing.T) {
	f := newFixture(t, nil)
	text := "SUBJECTIVE: recurring headaches\nPLAN: imaging if symptoms persist"

	f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.text.done", "event_id": "evt_1", "text": text,
	}))
	out := f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.text.done", "event_id": "evt_2", "text": text,
	}))

	if out.Status != StatusSuppressed {
		t.Fatalf("re-emitted content outcome = %s, want suppressed", out.Status)
	}
	if got := len(f.calls); got != 1 {
		t.Errorf("total consumer calls = %d, want 1", got)
	}
}

func TestShortTextNeverSuppressedBySignature(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		out := f.router.Process(context.Background(), frame(t, map[string]any{
			"type": "response.text.done",
			"text": "ok",
		}))
		if out.Status != StatusDispatched {
			t.Fatalf("short-text event %d outcome = %s, want dispatched", i, out.Status)
		}
	}
	if got := len(f.calls); got != 3 {
		t.Errorf("total consumer calls = %d, want 3", got)
	}
}

// -- Scenario E: embedded structured payload --

func TestNoteWithEmbeddedCodesYieldsTwoDispatches(t *testing.T) {
	f := newFixture(t, nil)
	text := "ASSESSMENT: acute sinusitis\n```codes\n{\"codes\":[{\"code\":\"99213\",\"system\":\"CPT\"}]}\n```\nPLAN: amoxicillin"

	out := f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.text.done",
		"text": text,
	}))

	if out.Status != StatusDispatched {
		t.Fatalf("status = %s, want dispatched", out.Status)
	}
	if out.Dispatches != 2 {
		t.Errorf("dispatches = %d, want 2 (cleaned note + extracted codes)", out.Dispatches)
	}

	noteCalls := f.callsTo(consumer.KindNote)
	if len(noteCalls) != 1 {
		t.Fatalf("note consumer calls = %d, want 1", len(noteCalls))
	}
	if cleaned := noteCalls[0].payload.Text; cleaned == text {
		t.Error("note consumer received uncleaned text")
	}

	codeCalls := f.callsTo(consumer.KindCodes)
	if len(codeCalls) != 1 {
		t.Fatalf("codes consumer calls = %d, want 1", len(codeCalls))
	}
	var payload CodePayload
	if err := json.Unmarshal(codeCalls[0].payload.Data, &payload); err != nil {
		t.Fatalf("unmarshal codes payload: %v", err)
	}
	if len(payload.Codes) != 1 || payload.Codes[0].Code != "99213" {
		t.Errorf("codes payload = %+v", payload)
	}
}

// -- Scenario F: consumer failure does not stop the stream --

func TestConsumerFailureAbsorbed(t *testing.T) {
	f := newFixture(t, func(mocks map[consumer.Kind]*mockConsumer) {
		mocks[consumer.KindSuggestion].failErr = errors.New("model backend down")
	})

	out := f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.text.done", "event_id": "evt_f1", "text": "hello there",
	}))
	if out.Status != StatusConsumerFailed {
		t.Fatalf("status = %s, want consumer_failed", out.Status)
	}
	var cf *ConsumerFailure
	if !errors.As(out.Err, &cf) {
		t.Fatalf("err type = %T, want *ConsumerFailure", out.Err)
	}
	if cf.Kind != consumer.KindSuggestion || cf.EventID != "evt_f1" {
		t.Errorf("failure context = %+v", cf)
	}

	// The next event in the same session is processed normally.
	next := f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.text.done", "event_id": "evt_f2",
		"text": "SUBJECTIVE: mild fever\nPLAN: fluids",
	}))
	if next.Status != StatusDispatched {
		t.Errorf("next outcome = %s, want dispatched", next.Status)
	}
}

func TestConsumerPanicAbsorbed(t *testing.T) {
	f := newFixture(t, func(mocks map[consumer.Kind]*mockConsumer) {
		mocks[consumer.KindSuggestion].panics = true
	})

	out := f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.text.done", "text": "hello",
	}))
	if out.Status != StatusConsumerFailed {
		t.Fatalf("status = %s, want consumer_failed after panic", out.Status)
	}
}

// -- Noise, malformed, and type-mapped frames --

func TestNoiseFramesDropped(t *testing.T) {
	f := newFixture(t, nil)

	for _, frameType := range []string{
		"session.created", "response.created", "rate_limits.updated",
		"input_audio_buffer.speech_started",
	} {
		out := f.router.Process(context.Background(), frame(t, map[string]any{"type": frameType}))
		if out.Status != StatusNoise {
			t.Errorf("%s outcome = %s, want noise", frameType, out.Status)
		}
	}
	if len(f.calls) != 0 {
		t.Errorf("noise frames reached consumers: %d calls", len(f.calls))
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	f := newFixture(t, nil)

	out := f.router.Process(context.Background(), []byte("{broken"))
	if out.Status != StatusMalformed {
		t.Fatalf("status = %s, want malformed", out.Status)
	}
	if out.Err == nil {
		t.Error("malformed outcome carries no error")
	}
}

func TestFrameTypeRouting(t *testing.T) {
	f := newFixture(t, nil)

	out := f.router.Process(context.Background(), frame(t, map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"event_id":   "evt_tr",
		"transcript": "patient describes symptoms",
	}))
	if out.Kind != consumer.KindTranscription || out.Rule != "frame-type" {
		t.Errorf("kind=%s rule=%s, want transcription via frame-type", out.Kind, out.Rule)
	}

	out = f.router.Process(context.Background(), frame(t, map[string]any{
		"type":     "response.function_call_arguments.done",
		"event_id": "evt_fc",
	}))
	if out.Kind != consumer.KindFunctionCall {
		t.Errorf("kind = %s, want function_call", out.Kind)
	}
}

// -- Usage accounting --

func TestUsageRecordedOnDispatch(t *testing.T) {
	f := newFixture(t, nil)

	f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.done",
		"text": "hello",
		"response": map[string]any{
			"usage": map[string]int{"input_tokens": 5, "output_tokens": 7, "total_tokens": 12},
		},
	}))

	if len(f.usage.records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(f.usage.records))
	}
	rec := f.usage.records[0]
	if rec.TotalTokens != 12 || rec.SessionID != "sess_test" || rec.OwnerID != "owner_1" {
		t.Errorf("usage record = %+v", rec)
	}
}

func TestUsageRecordedDespiteConsumerFailure(t *testing.T) {
	f := newFixture(t, func(mocks map[consumer.Kind]*mockConsumer) {
		mocks[consumer.KindSuggestion].failErr = errors.New("down")
	})

	out := f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.done",
		"text": "hello",
		"response": map[string]any{
			"usage": map[string]int{"input_tokens": 1, "output_tokens": 2, "total_tokens": 3},
		},
	}))

	if out.Status != StatusConsumerFailed {
		t.Fatalf("status = %s, want consumer_failed", out.Status)
	}
	if len(f.usage.records) != 1 {
		t.Errorf("usage records = %d, want 1 despite consumer failure", len(f.usage.records))
	}
}

// -- Derived events and sink --

func TestDerivedEventForwardedToSink(t *testing.T) {
	f := newFixture(t, func(mocks map[consumer.Kind]*mockConsumer) {
		mocks[consumer.KindSuggestion].derived = &consumer.Derived{
			Type:    "suggestion.created",
			Payload: json.RawMessage(`{"text":"try asking about sleep"}`),
		}
	})

	f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.text.done", "text": "hello",
	}))

	if len(f.sink.sends) != 1 {
		t.Fatalf("sink sends = %d, want 1", len(f.sink.sends))
	}
	if f.sink.sends[0].msgType != "suggestion.created" {
		t.Errorf("sink message type = %s", f.sink.sends[0].msgType)
	}
}

// -- Lifecycle --

func TestClosedRouterDropsEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.router.Close()
	f.router.Close() // idempotent

	out := f.router.Process(context.Background(), frame(t, map[string]any{
		"type": "response.text.done", "text": "hello",
	}))
	if out.Status != StatusClosed {
		t.Errorf("status = %s, want closed", out.Status)
	}
	if len(f.calls) != 0 {
		t.Errorf("closed router dispatched %d calls", len(f.calls))
	}
}

func TestCloseWhileEventsInFlight(t *testing.T) {
	f := newFixture(t, nil)

	frames := make([][]byte, 200)
	for i := range frames {
		frames[i] = frame(t, map[string]any{
			"type":     "response.text.done",
			"event_id": fmt.Sprintf("evt_race_%d", i),
			"text":     fmt.Sprintf("SUBJECTIVE: streaming event number %d\nPLAN: keep streaming", i),
		})
	}

	// Teardown runs on whichever goroutine notices the disconnect, so Close
	// must be safe against an event loop still feeding Process.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, raw := range frames {
			f.router.Process(context.Background(), raw)
		}
	}()

	time.Sleep(time.Millisecond)
	f.router.Close()
	<-done

	out := f.router.Process(context.Background(), frames[0])
	if out.Status != StatusClosed {
		t.Errorf("status after close = %s, want closed", out.Status)
	}
}

func TestManyEventsStayAtMostOnce(t *testing.T) {
	f := newFixture(t, nil)

	// Every event is emitted twice under different IDs; each logical event
	// must dispatch at most once.
	for i := 0; i < 20; i++ {
		text := fmt.Sprintf("SUBJECTIVE: visit number %d summary\nPLAN: continue current care", i)
		f.router.Process(context.Background(), frame(t, map[string]any{
			"type": "response.text.done", "event_id": fmt.Sprintf("evt_%d_a", i), "text": text,
		}))
		f.router.Process(context.Background(), frame(t, map[string]any{
			"type": "response.text.done", "event_id": fmt.Sprintf("evt_%d_b", i), "text": text,
		}))
	}

	if got := len(f.calls); got != 20 {
		t.Errorf("total consumer calls = %d, want 20", got)
	}
}
