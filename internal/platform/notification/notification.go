// Package notification fans notifications out to live connections addressed
// by identity, role or consultation room. Delivery is fire-and-forget: an
// offline recipient is a miss, not an error, and nothing is stored.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/internal/platform/presence"
	"github.com/teleconsult/realtime/internal/platform/rooms"
	"github.com/teleconsult/realtime/pkg/realtime"
)

// ---------------------------------------------------------------------------
// Scope
// ---------------------------------------------------------------------------

// Scope selects how a notification is addressed.
type Scope string

const (
	ScopeIdentity Scope = "identity"
	ScopeRole     Scope = "role"
	ScopeRoom     Scope = "room"
)

// ErrInvalidScope is returned for an unknown scope kind or an empty value.
var ErrInvalidScope = errors.New("invalid notification scope")

// ParseScope validates a scope kind.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeIdentity, ScopeRole, ScopeRoom:
		return Scope(s), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidScope, s)
}

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

// Message is a notification to deliver. It is never stored.
type Message struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

// Presence resolves live handles.
type Presence interface {
	HandleFor(identityID string) (presence.Handle, bool)
	OnlineByRole(role realtime.Role) []presence.Handle
}

// RoomBroadcaster delivers an envelope to room members.
type RoomBroadcaster interface {
	Broadcast(roomID string, env realtime.Envelope, exclude ...string) int
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher routes notifications to live handles.
type Dispatcher struct {
	presence Presence
	rooms    RoomBroadcaster
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	stats map[Scope]*ScopeStats
}

// ScopeStats counts dispatches for one scope kind.
type ScopeStats struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Missed    int `json:"missed"`
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(p Presence, r RoomBroadcaster, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		presence: p,
		rooms:    r,
		logger:   logger,
		now:      time.Now,
		stats: map[Scope]*ScopeStats{
			ScopeIdentity: {},
			ScopeRole:     {},
			ScopeRoom:     {},
		},
	}
}

// Send delivers msg to every live handle addressed by (scope, value) and
// returns how many accepted it. Zero deliveries with a nil error means no
// recipient was online.
func (d *Dispatcher) Send(ctx context.Context, scope Scope, value string, msg Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if value == "" {
		return 0, fmt.Errorf("%w: empty %s value", ErrInvalidScope, scope)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.now().UTC()
	}

	env, err := realtime.NewEnvelope(realtime.EventNotification, realtime.NotificationPayload{
		Type:      msg.Type,
		Title:     msg.Title,
		Message:   msg.Body,
		Data:      msg.Data,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return 0, err
	}

	var delivered int
	switch scope {
	case ScopeIdentity:
		if h, ok := d.presence.HandleFor(value); ok {
			delivered = deliver(env, h)
		}
	case ScopeRole:
		role, err := realtime.ParseRole(value)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidScope, err)
		}
		delivered = deliver(env, d.presence.OnlineByRole(role)...)
	case ScopeRoom:
		delivered = d.rooms.Broadcast(value, env)
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidScope, scope)
	}

	d.record(scope, delivered)
	ev := d.logger.Debug()
	if delivered == 0 {
		ev = d.logger.Info()
	}
	ev.Str("scope", string(scope)).
		Str("target", value).
		Str("type", msg.Type).
		Int("delivered", delivered).
		Msg("notification dispatched")
	return delivered, nil
}

// SendToIdentity is Send with ScopeIdentity.
func (d *Dispatcher) SendToIdentity(ctx context.Context, identityID string, msg Message) (int, error) {
	return d.Send(ctx, ScopeIdentity, identityID, msg)
}

// SendToRole is Send with ScopeRole.
func (d *Dispatcher) SendToRole(ctx context.Context, role realtime.Role, msg Message) (int, error) {
	return d.Send(ctx, ScopeRole, string(role), msg)
}

// SendToRoom is Send with ScopeRoom.
func (d *Dispatcher) SendToRoom(ctx context.Context, roomID string, msg Message) (int, error) {
	return d.Send(ctx, ScopeRoom, roomID, msg)
}

// Stats returns per-scope counters since start.
func (d *Dispatcher) Stats() map[Scope]ScopeStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[Scope]ScopeStats, len(d.stats))
	for k, v := range d.stats {
		out[k] = *v
	}
	return out
}

func (d *Dispatcher) record(scope Scope, delivered int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats[scope]
	s.Sent++
	s.Delivered += delivered
	if delivered == 0 {
		s.Missed++
	}
}

func deliver(env realtime.Envelope, handles ...presence.Handle) int {
	n := 0
	for _, h := range handles {
		if err := h.Send(env); err == nil {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// NotificationHandler: Echo HTTP handlers
// ---------------------------------------------------------------------------

// PresenceReader looks up presence records.
type PresenceReader interface {
	Lookup(identityID string) (presence.Record, bool)
}

// RoomReader looks up rooms.
type RoomReader interface {
	Room(roomID string) (rooms.Room, bool)
}

// NotificationHandler exposes the dispatcher and read-only presence and room
// views to back-office services.
type NotificationHandler struct {
	dispatcher *Dispatcher
	presence   PresenceReader
	rooms      RoomReader
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(d *Dispatcher, p PresenceReader, r RoomReader) *NotificationHandler {
	return &NotificationHandler{dispatcher: d, presence: p, rooms: r}
}

// RegisterRoutes registers all notification routes on the given Echo group.
func (h *NotificationHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/notifications", h.HandleSend)
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/presence/:id", h.HandlePresence)
	g.GET("/rooms/:id", h.HandleRoom)
}

// sendRequest is the JSON body for POST /notifications.
type sendRequest struct {
	Scope   string         `json:"scope"`
	Target  string         `json:"target"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// HandleSend handles POST /notifications.
func (h *NotificationHandler) HandleSend(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Type == "" || req.Title == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "type and title are required"})
	}
	scope, err := ParseScope(req.Scope)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	delivered, err := h.dispatcher.Send(c.Request().Context(), scope, req.Target, Message{
		Type:  req.Type,
		Title: req.Title,
		Body:  req.Message,
		Data:  req.Data,
	})
	if errors.Is(err, ErrInvalidScope) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]int{"delivered": delivered})
}

// HandleStats handles GET /notifications/stats.
func (h *NotificationHandler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}

type presenceResponse struct {
	IdentityID string        `json:"identityId"`
	Online     bool          `json:"online"`
	Role       realtime.Role `json:"role,omitempty"`
	LastSeen   *time.Time    `json:"lastSeen,omitempty"`
}

// HandlePresence handles GET /presence/:id.
func (h *NotificationHandler) HandlePresence(c echo.Context) error {
	id := c.Param("id")
	resp := presenceResponse{IdentityID: id}
	if rec, ok := h.presence.Lookup(id); ok {
		resp.Online = true
		resp.Role = rec.Identity.Role
		resp.LastSeen = &rec.LastSeen
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleRoom handles GET /rooms/:id.
func (h *NotificationHandler) HandleRoom(c echo.Context) error {
	room, ok := h.rooms.Room(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "room not found"})
	}
	return c.JSON(http.StatusOK, room)
}
