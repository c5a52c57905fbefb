// Package telemetry exposes relay metrics (session, frame, and dispatch
// counters) in Prometheus text exposition format without importing a
// metrics SDK.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Counter and gauge stores
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, 1)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := int64(1)
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider holds the relay's metrics. Safe for concurrent use from every
// session.
type Provider struct {
	activeSessions int64
	sessionsTotal  int64

	framesRelayed *counterStore // keyed by direction
	dispatches    *counterStore // keyed by consumer kind
	suppressions  int64
	noiseDropped  int64
	malformed     int64
	consumerFails *counterStore // keyed by consumer kind
}

// NewProvider creates an empty metrics provider.
func NewProvider() *Provider {
	return &Provider{
		framesRelayed: newCounterStore(),
		dispatches:    newCounterStore(),
		consumerFails: newCounterStore(),
	}
}

// SessionOpened records a new live session.
func (p *Provider) SessionOpened() {
	atomic.AddInt64(&p.activeSessions, 1)
	atomic.AddInt64(&p.sessionsTotal, 1)
}

// SessionClosed records a session teardown.
func (p *Provider) SessionClosed() {
	atomic.AddInt64(&p.activeSessions, -1)
}

// FrameRelayed counts one relayed frame; direction is "client_to_upstream"
// or "upstream_to_client".
func (p *Provider) FrameRelayed(direction string) {
	p.framesRelayed.inc(direction)
}

// DispatchRecorded counts one consumer dispatch.
func (p *Provider) DispatchRecorded(consumerKind string) {
	p.dispatches.inc(consumerKind)
}

// SuppressionRecorded counts one dedup suppression.
func (p *Provider) SuppressionRecorded() {
	atomic.AddInt64(&p.suppressions, 1)
}

// NoiseDropped counts one noise frame drop.
func (p *Provider) NoiseDropped() {
	atomic.AddInt64(&p.noiseDropped, 1)
}

// MalformedRecorded counts one unparseable frame.
func (p *Provider) MalformedRecorded() {
	atomic.AddInt64(&p.malformed, 1)
}

// ConsumerFailureRecorded counts one absorbed consumer failure.
func (p *Provider) ConsumerFailureRecorded(consumerKind string) {
	p.consumerFails.inc(consumerKind)
}

// ActiveSessions returns the current live session count.
func (p *Provider) ActiveSessions() int64 {
	return atomic.LoadInt64(&p.activeSessions)
}

// Dispatches returns the dispatch count for one consumer kind.
func (p *Provider) Dispatches(consumerKind string) int64 {
	return p.dispatches.get(consumerKind)
}

// Suppressions returns the total dedup suppression count.
func (p *Provider) Suppressions() int64 {
	return atomic.LoadInt64(&p.suppressions)
}

// ConsumerFailures returns the failure count for one consumer kind.
func (p *Provider) ConsumerFailures(consumerKind string) int64 {
	return p.consumerFails.get(consumerKind)
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// PrometheusHandler serves the metrics in Prometheus text format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeGauge(&b, "relay_active_sessions",
			"Number of live realtime sessions.", atomic.LoadInt64(&p.activeSessions))
		writeGauge(&b, "relay_sessions_total",
			"Total realtime sessions opened.", atomic.LoadInt64(&p.sessionsTotal))

		writeLabeledCounter(&b, "relay_frames_relayed_total",
			"Total frames relayed, by direction.", "direction", p.framesRelayed.snapshot())
		writeLabeledCounter(&b, "relay_dispatches_total",
			"Total consumer dispatches, by consumer kind.", "consumer_kind", p.dispatches.snapshot())
		writeLabeledCounter(&b, "relay_consumer_failures_total",
			"Total absorbed consumer failures, by consumer kind.", "consumer_kind", p.consumerFails.snapshot())

		writeGauge(&b, "relay_dedup_suppressions_total",
			"Total events suppressed as duplicates.", atomic.LoadInt64(&p.suppressions))
		writeGauge(&b, "relay_noise_frames_total",
			"Total no-content frames dropped before routing.", atomic.LoadInt64(&p.noiseDropped))
		writeGauge(&b, "relay_malformed_frames_total",
			"Total unparseable frames dropped.", atomic.LoadInt64(&p.malformed))

		return c.String(http.StatusOK, b.String())
	}
}

func writeGauge(b *strings.Builder, name, help string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %d\n\n", name, val)
}

func writeLabeledCounter(b *strings.Builder, name, help, label string, vals map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, vals[k])
	}
	b.WriteByte('\n')
}
