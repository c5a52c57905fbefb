package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/clinscribe/relay/internal/realtime/router"
)

// State is the session lifecycle phase.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

const closeGraceTimeout = 5 * time.Second

// Session is one logical realtime conversation: one client connection, one
// upstream connection, one router, one outbound writer. Not persisted;
// exists only for the connection lifetime.
type Session struct {
	ID      string
	OwnerID string

	cfg      ClientConfig
	client   Conn
	upstream Conn
	router   *router.Router
	logger   zerolog.Logger
	proxy    *Proxy

	// outbound is the single multiplexing point for everything the client
	// sees: relayed upstream frames and router-originated messages both go
	// through it, and the writer goroutine is the only writer on the
	// client connection.
	outbound chan []byte

	// upstreamWriteMu serializes the client relay loop and the one-time
	// configuration frame, the only two writers on the upstream leg.
	upstreamWriteMu sync.Mutex

	mu         sync.Mutex
	state      State
	configured bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(parent context.Context, p *Proxy, ownerID string, client, upstream Conn, cfg ClientConfig) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.New().String()

	s := &Session{
		ID:       id,
		OwnerID:  ownerID,
		cfg:      cfg,
		client:   client,
		upstream: upstream,
		logger:   p.logger.With().Str("session_id", id).Str("owner_id", ownerID).Logger(),
		proxy:    p,
		outbound: make(chan []byte, p.cfg.OutboundBuffer),
		state:    StateConnecting,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.router = p.newRouter(id, ownerID, s)
	return s
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session until either side disconnects. It blocks the
// calling goroutine; per-session loops run underneath it.
func (s *Session) Run() {
	if s.proxy.metrics != nil {
		s.proxy.metrics.SessionOpened()
	}
	s.logger.Info().Msg("session started")

	go s.writeLoop()
	go s.clientLoop()
	go s.heartbeatLoop()
	go s.upstreamLoop()

	<-s.done
	s.logger.Info().Msg("session closed")
}

// ---------------------------------------------------------------------------
// Outbound sink
// ---------------------------------------------------------------------------

type sinkEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Send implements router.Sink: router-originated messages join the same
// outbound channel as relayed frames.
func (s *Session) Send(msgType string, payload any) error {
	data, err := json.Marshal(sinkEnvelope{Type: msgType, Payload: payload})
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	case s.outbound <- data:
		return nil
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.outbound:
			if err := s.client.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug().Err(err).Msg("client write failed")
				s.Close(websocket.CloseAbnormalClosure, "client write failed")
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Upstream leg
// ---------------------------------------------------------------------------

// controlFrame is the minimal peek used to detect connection-control frames
// without inspecting payloads.
type controlFrame struct {
	Type string `json:"type"`
}

func (s *Session) upstreamLoop() {
	for {
		_, raw, err := s.upstream.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("upstream read ended")
			s.Close(translateCloseCode(err), "upstream closed")
			return
		}
		if s.proxy.metrics != nil {
			s.proxy.metrics.FrameRelayed("upstream_to_client")
		}

		var ctrl controlFrame
		_ = json.Unmarshal(raw, &ctrl)

		switch ctrl.Type {
		case "session.created":
			// First upstream acknowledgment: send exactly one
			// configuration-update frame, then open the session.
			s.mu.Lock()
			needsConfig := !s.configured
			s.configured = true
			s.mu.Unlock()
			if needsConfig {
				if err := s.sendSessionUpdate(); err != nil {
					s.logger.Error().Err(err).Msg("session configuration failed")
					s.Close(websocket.CloseInternalServerErr, "configuration failed")
					return
				}
				s.setState(StateOpen)
			}
			if err := s.enqueue(raw); err != nil {
				return
			}
		case "error":
			// Upstream error bodies can carry implementation details;
			// the client gets a generic frame, the log gets the body.
			s.logger.Warn().RawJSON("frame", raw).Msg("upstream error frame")
			if err := s.Send("error", map[string]string{"code": "upstream_error"}); err != nil {
				return
			}
		default:
			if err := s.enqueue(raw); err != nil {
				return
			}
		}

		// Routing runs after the relay, in this goroutine: events within a
		// session are processed strictly in arrival order, and a slow
		// consumer blocks only this session.
		outcome := s.router.Process(s.ctx, raw)
		s.observe(outcome)
	}
}

func (s *Session) sendSessionUpdate() error {
	frame, err := json.Marshal(sessionUpdateFrame{Type: "session.update", Session: s.cfg})
	if err != nil {
		return err
	}
	return s.writeUpstream(frame)
}

func (s *Session) writeUpstream(data []byte) error {
	s.upstreamWriteMu.Lock()
	defer s.upstreamWriteMu.Unlock()
	return s.upstream.WriteMessage(websocket.TextMessage, data)
}

// ---------------------------------------------------------------------------
// Client leg
// ---------------------------------------------------------------------------

func (s *Session) clientLoop() {
	pongWait := s.proxy.cfg.PongTimeout
	_ = s.client.SetReadDeadline(time.Now().Add(pongWait))
	s.client.SetPongHandler(func(string) error {
		return s.client.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.client.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("client read ended")
			s.Close(websocket.CloseNormalClosure, "client closed")
			return
		}
		_ = s.client.SetReadDeadline(time.Now().Add(pongWait))

		if s.proxy.metrics != nil {
			s.proxy.metrics.FrameRelayed("client_to_upstream")
		}
		if err := s.writeUpstream(raw); err != nil {
			s.logger.Debug().Err(err).Msg("upstream write failed")
			s.Close(websocket.CloseAbnormalClosure, "upstream write failed")
			return
		}
	}
}

// heartbeatLoop probes client liveness. A client that stops answering pings
// trips the read deadline in clientLoop, which tears down both sides, so
// abandoned clients cannot leak upstream connections.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.proxy.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(closeGraceTimeout)
			if err := s.client.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug().Err(err).Msg("client ping failed")
				s.Close(websocket.CloseAbnormalClosure, "client unresponsive")
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Close tears down both sides of the session with a translated close code.
// Idempotent: closing an already-closed session is a no-op. Cancels any
// in-flight consumer invocation and releases the router's dedup state.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.cancel()

		deadline := time.Now().Add(closeGraceTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.client.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.upstream.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), deadline)

		_ = s.client.Close()
		_ = s.upstream.Close()
		s.router.Close()

		s.setState(StateClosed)
		if s.proxy.metrics != nil {
			s.proxy.metrics.SessionClosed()
		}
		close(s.done)
	})
}

// translateCloseCode maps an upstream disconnect to the close code the
// client receives. Standard codes pass through; anything else becomes an
// internal error so upstream-specific codes never leak.
func translateCloseCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return ce.Code
		}
	}
	return websocket.CloseInternalServerErr
}

// observe logs one router outcome and feeds the metrics counters. Dedup
// suppressions log at debug, distinct from genuine drops.
func (s *Session) observe(out router.Outcome) {
	m := s.proxy.metrics
	switch out.Status {
	case router.StatusDispatched:
		if m != nil {
			m.DispatchRecorded(string(out.Kind))
		}
		s.logger.Debug().
			Str("event_type", out.EventType).
			Str("consumer_kind", string(out.Kind)).
			Str("rule", out.Rule).
			Int("dispatches", out.Dispatches).
			Msg("event dispatched")
	case router.StatusSuppressed:
		if m != nil {
			m.SuppressionRecorded()
		}
		s.logger.Debug().
			Str("event_type", out.EventType).
			Str("event_id", out.EventID).
			Msg("duplicate event suppressed")
	case router.StatusNoise:
		if m != nil {
			m.NoiseDropped()
		}
	case router.StatusMalformed:
		if m != nil {
			m.MalformedRecorded()
		}
		s.logger.Warn().Err(out.Err).Msg("malformed frame dropped")
	case router.StatusConsumerFailed:
		if m != nil {
			m.ConsumerFailureRecorded(string(out.Kind))
		}
		s.logger.Error().Err(out.Err).
			Str("event_type", out.EventType).
			Str("event_id", out.EventID).
			Str("consumer_kind", string(out.Kind)).
			Msg("consumer invocation failed")
	}
}
