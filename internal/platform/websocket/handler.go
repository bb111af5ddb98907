package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/internal/platform/auth"
	"github.com/teleconsult/realtime/pkg/realtime"
)

// Handler upgrades HTTP requests to WebSocket sessions on a Gateway.
type Handler struct {
	gateway  *Gateway
	verifier auth.Verifier
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a handler that authenticates sockets with verifier.
// allowedOrigins restricts the Origin header; an empty list or "*" allows
// any origin.
func NewHandler(gateway *Gateway, verifier auth.Verifier, allowedOrigins []string, logger zerolog.Logger) *Handler {
	return &Handler{
		gateway:  gateway,
		verifier: verifier,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the request, authenticates the socket and serves it.
// The token comes from the Authorization header, the access_token query
// parameter or, failing both, a connect event that must arrive within the
// bind timeout.
func (h *Handler) HandleConnect(c echo.Context) error {
	token, err := auth.BearerToken(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	if token == "" {
		token = c.QueryParam("access_token")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		return nil
	}
	ws.SetReadLimit(h.gateway.cfg.MaxMessageSize)

	if token == "" {
		token, err = h.awaitConnect(ws)
		if err != nil {
			h.reject(ws, CodeUnauthorized, err.Error())
			return nil
		}
	}

	identity, err := h.authenticate(c.Request().Context(), token)
	if err != nil {
		h.logger.Info().Err(err).Str("remote", c.RealIP()).Msg("websocket authentication failed")
		h.reject(ws, CodeUnauthorized, "authentication failed")
		return nil
	}

	s, err := h.gateway.Bind(ws, identity)
	if err != nil {
		h.reject(ws, CodeUnauthorized, "authentication failed")
		return nil
	}

	go h.gateway.Serve(s)
	return nil
}

func (h *Handler) authenticate(ctx context.Context, token string) (realtime.Identity, error) {
	p, err := h.verifier.Verify(ctx, token)
	if err != nil {
		return realtime.Identity{}, err
	}
	return p.Identity()
}

// awaitConnect reads the first frame, which must be a connect event carrying
// a token.
func (h *Handler) awaitConnect(ws *gorillawebsocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.gateway.cfg.BindTimeout))
	defer ws.SetReadDeadline(time.Time{})

	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("no connect event: %w", err)
	}
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", errors.New("malformed connect event")
	}
	if env.Event != realtime.EventConnect {
		return "", fmt.Errorf("expected %s event, got %q", realtime.EventConnect, env.Event)
	}
	var p realtime.ConnectPayload
	if err := env.Decode(&p); err != nil || p.Token == "" {
		return "", errors.New("connect event has no token")
	}
	return p.Token, nil
}

// reject writes an error event and a policy-violation close frame, then
// closes the socket. It is used before a session exists.
func (h *Handler) reject(ws *gorillawebsocket.Conn, code, msg string) {
	deadline := time.Now().Add(h.gateway.cfg.WriteTimeout)
	_ = ws.SetWriteDeadline(deadline)
	if data, err := json.Marshal(realtime.MustEnvelope(realtime.EventError, realtime.ErrorPayload{Code: code, Message: msg})); err == nil {
		_ = ws.WriteMessage(gorillawebsocket.TextMessage, data)
	}
	_ = ws.WriteControl(gorillawebsocket.CloseMessage,
		gorillawebsocket.FormatCloseMessage(gorillawebsocket.ClosePolicyViolation, code), deadline)
	ws.Close()
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func isClientClose(err error) bool {
	return gorillawebsocket.IsCloseError(err,
		gorillawebsocket.CloseNormalClosure,
		gorillawebsocket.CloseGoingAway,
		gorillawebsocket.CloseNoStatusReceived)
}
