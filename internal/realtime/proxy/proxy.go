// Package proxy brokers one upstream realtime connection per authenticated
// client session. The server-held upstream credential is injected on dial
// and never reaches the client; upstream connect failures are surfaced to
// the client only as a generic upstream_unavailable error.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinscribe/relay/internal/platform/telemetry"
	"github.com/clinscribe/relay/internal/realtime/router"
)

// ErrUpstreamUnavailable is the only upstream connect failure the client
// ever sees. The underlying cause is logged server-side.
var ErrUpstreamUnavailable = errors.New("upstream_unavailable")

// Config holds the proxy's upstream and liveness parameters.
type Config struct {
	UpstreamURL       string
	UpstreamKey       string
	ConnectRetries    int
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	OutboundBuffer    int
}

func (c *Config) applyDefaults() {
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 30 * time.Second
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 256
	}
}

// RouterFactory builds the per-session classification router, with the
// session's outbound multiplexer as its sink.
type RouterFactory func(sessionID, ownerID string, sink router.Sink) *router.Router

// Proxy opens sessions. One Proxy serves the whole process; sessions run
// concurrently and independently.
type Proxy struct {
	cfg       Config
	dialer    Dialer
	newRouter RouterFactory
	logger    zerolog.Logger
	metrics   *telemetry.Provider
}

// New creates a Proxy. metrics may be nil.
func New(cfg Config, dialer Dialer, newRouter RouterFactory, logger zerolog.Logger, metrics *telemetry.Provider) *Proxy {
	cfg.applyDefaults()
	return &Proxy{
		cfg:       cfg,
		dialer:    dialer,
		newRouter: newRouter,
		logger:    logger,
		metrics:   metrics,
	}
}

// OpenSession dials upstream with the server-held credential and returns a
// live Session bound to the already-authenticated client connection. The
// caller must have verified the client before calling; no upstream
// connection is ever attempted for an unauthenticated caller.
func (p *Proxy) OpenSession(ctx context.Context, ownerID string, client Conn, clientCfg ClientConfig) (*Session, error) {
	upstream, err := p.dialUpstream(ctx)
	if err != nil {
		return nil, err
	}
	return newSession(ctx, p, ownerID, client, upstream, clientCfg), nil
}

// dialUpstream connects with a small retry budget. Repeated handshake
// failures beyond the budget fail the session rather than retrying
// indefinitely.
func (p *Proxy) dialUpstream(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if p.cfg.UpstreamKey != "" {
		header.Set("Authorization", "Bearer "+p.cfg.UpstreamKey)
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}

		conn, err := p.dialer.Dial(ctx, p.cfg.UpstreamURL, header)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("upstream dial failed")
	}

	// The raw cause stays in the logs; the caller only sees the generic
	// sentinel.
	p.logger.Error().Err(lastErr).Msg("upstream unavailable after retry budget")
	return nil, ErrUpstreamUnavailable
}
