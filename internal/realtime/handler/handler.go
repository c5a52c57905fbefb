// Package handler exposes the realtime session endpoint: it authenticates
// the caller against the session store, upgrades the connection, and hands
// it to the session proxy. Authentication happens before the upgrade and
// before any upstream dial.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinscribe/relay/internal/platform/auth"
	"github.com/clinscribe/relay/internal/realtime/proxy"
)

const sessionCookieName = "session"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin policy is enforced by the CORS layer in front.
	},
}

// Handler serves the realtime WebSocket endpoint.
type Handler struct {
	proxy    *proxy.Proxy
	verifier auth.Verifier
	logger   zerolog.Logger
}

// New creates the realtime endpoint handler.
func New(p *proxy.Proxy, verifier auth.Verifier, logger zerolog.Logger) *Handler {
	return &Handler{proxy: p, verifier: verifier, logger: logger}
}

// RegisterRoutes registers the realtime endpoint on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/realtime", h.HandleSession)
}

// HandleSession authenticates, upgrades, opens the upstream session, and
// runs the relay until either side closes.
func (h *Handler) HandleSession(c echo.Context) error {
	ownerID, err := h.verifier.Verify(c.Request().Context(), credentialFrom(c))
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			return echo.NewHTTPError(http.StatusUnauthorized, authErr.Reason)
		}
		h.logger.Error().Err(err).Msg("session verification failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
	}

	clientCfg := configFrom(c)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := proxy.WrapConn(ws)

	sess, err := h.proxy.OpenSession(c.Request().Context(), ownerID, client, clientCfg)
	if err != nil {
		// The client sees only the generic error; the cause is already
		// logged by the proxy.
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, proxy.ErrUpstreamUnavailable.Error())
		_ = ws.WriteMessage(websocket.CloseMessage, msg)
		_ = ws.Close()
		return nil
	}

	sess.Run()
	return nil
}

// credentialFrom extracts the caller credential: session cookie first, then
// bearer token, then the access_token query parameter (browser WebSocket
// clients cannot set headers).
func credentialFrom(c echo.Context) string {
	if cookie, err := c.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.QueryParam("access_token")
}

// configFrom builds the client's requested session configuration from query
// parameters. The values pass through to upstream uninterpreted.
func configFrom(c echo.Context) proxy.ClientConfig {
	cfg := proxy.ClientConfig{
		Voice:             c.QueryParam("voice"),
		Instructions:      c.QueryParam("instructions"),
		InputAudioFormat:  c.QueryParam("input_audio_format"),
		OutputAudioFormat: c.QueryParam("output_audio_format"),
	}
	if m := c.QueryParam("modalities"); m != "" {
		cfg.Modalities = strings.Split(m, ",")
	}
	if t := c.QueryParam("turn_detection_threshold"); t != "" {
		if threshold, err := strconv.ParseFloat(t, 64); err == nil {
			cfg.TurnDetection = &proxy.TurnDetection{Type: "server_vad", Threshold: threshold}
		}
	}
	return cfg
}
