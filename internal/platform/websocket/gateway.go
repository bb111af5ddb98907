// Package websocket is the connection gateway for live consultations. It
// binds authenticated sockets to identities, routes room events between
// participants and tears connections down on disconnect or heartbeat
// eviction.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/internal/platform/heartbeat"
	"github.com/teleconsult/realtime/internal/platform/presence"
	"github.com/teleconsult/realtime/internal/platform/rooms"
	"github.com/teleconsult/realtime/pkg/realtime"
)

var (
	// ErrAuthentication is returned by Bind when the identity is unusable.
	ErrAuthentication = errors.New("authentication failed")
	// ErrMembershipMismatch is returned when a session acts on a room it has
	// not joined. The event is dropped.
	ErrMembershipMismatch = errors.New("not a member of room")
	// ErrInvalidRoom is returned for an empty room id.
	ErrInvalidRoom = errors.New("invalid room id")
	// ErrStaleSession is returned when a session that was torn down or
	// superseded tries to change room membership.
	ErrStaleSession = errors.New("session is no longer current")
)

// Error codes carried by the error event.
const (
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeNotMember    = "not_member"
	CodeRateLimited  = "rate_limited"
)

// Config holds per-session limits.
type Config struct {
	Heartbeat     heartbeat.Config
	SendQueueSize int
	// EventRate is the sustained inbound events per second; zero disables
	// limiting.
	EventRate    float64
	EventBurst   int
	BindTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxMessageSize bounds a single inbound frame, in bytes.
	MaxMessageSize int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Heartbeat:      heartbeat.DefaultConfig(),
		SendQueueSize:  256,
		EventRate:      20,
		EventBurst:     40,
		BindTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 << 10,
	}
}

// Gateway owns every live Session.
type Gateway struct {
	cfg      Config
	registry *presence.Registry
	rooms    *rooms.Manager
	monitor  *heartbeat.Monitor
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	// Membership changes and teardown for one identity run under its lock so
	// a late event or a reconnect cannot interleave with room cleanup.
	lmu   sync.Mutex
	locks map[string]*identityLock

	cmu         sync.Mutex
	events      map[string]int64
	closes      map[string]int64
	rateLimited int64
}

// Stats is a snapshot of gateway counters.
type Stats struct {
	Sessions int `json:"sessions"`
	Online   int `json:"online"`
	Rooms    int `json:"rooms"`
}

// Counters are cumulative totals since the gateway started.
type Counters struct {
	Events      map[string]int64 `json:"events"`
	Closes      map[string]int64 `json:"closes"`
	RateLimited int64            `json:"rateLimited"`
}

// NewGateway wires a gateway to its registry and room manager and starts a
// heartbeat monitor for its sessions.
func NewGateway(registry *presence.Registry, rm *rooms.Manager, cfg Config, logger zerolog.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BindTimeout <= 0 {
		cfg.BindTimeout = def.BindTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	g := &Gateway{
		cfg:      cfg,
		registry: registry,
		rooms:    rm,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*identityLock),
		events:   make(map[string]int64),
		closes:   make(map[string]int64),
	}
	g.monitor = heartbeat.NewMonitor(cfg.Heartbeat, heartbeat.Callbacks{
		OnSuspect: g.onSuspect,
		OnEvict:   g.onEvict,
	})
	return g
}

// Config returns the effective gateway configuration.
func (g *Gateway) Config() Config {
	return g.cfg
}

// Bind attaches identity to conn. Any previous connection of the same
// identity is closed with reason superseded; its room memberships carry over
// to the new session.
func (g *Gateway) Bind(conn Conn, identity realtime.Identity) (*Session, error) {
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	s := newSession(uuid.New().String(), identity, conn, g.cfg, g.logger)

	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	unlock := g.lockIdentity(identity.ID)
	g.registry.Register(identity, s)
	unlock()
	g.monitor.Track(s.id)

	s.Send(realtime.MustEnvelope(realtime.EventConnected, realtime.ConnectedPayload{
		Identity:   identity,
		ServerTime: g.now().UTC(),
	}))
	s.logger.Info().Msg("connection bound")
	return s, nil
}

// Serve runs the session's pumps until the connection ends, then tears the
// session down. It blocks.
func (g *Gateway) Serve(s *Session) {
	go s.writePump(g.cfg.WriteTimeout)

	reason := g.readPump(s)
	g.teardown(s, reason)
}

func (g *Gateway) readPump(s *Session) string {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if r := s.CloseReason(); r != "" {
				return r
			}
			if isClientClose(err) {
				return presence.ReasonClientClosed
			}
			s.logger.Debug().Err(err).Msg("read failed")
			return presence.ReasonTransportError
		}

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			g.sendError(s, CodeBadRequest, "malformed envelope")
			continue
		}
		g.HandleEnvelope(s, env)
	}
}

// HandleEnvelope dispatches one inbound envelope by event name.
func (g *Gateway) HandleEnvelope(s *Session, env realtime.Envelope) {
	if !s.allow() {
		g.cmu.Lock()
		g.rateLimited++
		g.cmu.Unlock()
		s.logger.Warn().Str("event", env.Event).Msg("inbound rate limit exceeded, dropping event")
		g.sendError(s, CodeRateLimited, "too many events")
		return
	}

	g.countEvent(env.Event)
	g.touch(s)

	var err error
	switch env.Event {
	case realtime.EventJoinConsultation:
		var p realtime.RoomPayload
		if err = env.Decode(&p); err == nil {
			err = g.Join(s, p.RoomID)
		}
	case realtime.EventLeaveConsultation:
		var p realtime.RoomPayload
		if err = env.Decode(&p); err == nil {
			err = g.Leave(s, p.RoomID)
		}
	case realtime.EventConsultationMessage:
		var p realtime.MessagePayload
		if err = env.Decode(&p); err == nil {
			_, err = g.Relay(s, p.RoomID, p.Message)
		}
	case realtime.EventTypingStart, realtime.EventTypingStop:
		var p realtime.RoomPayload
		if err = env.Decode(&p); err == nil {
			_, err = g.typing(s, p.RoomID, env.Event)
		}
	case realtime.EventHeartbeat:
		g.beat(s)
	case realtime.EventConnect:
		s.logger.Debug().Msg("connect received on bound session, ignoring")
	default:
		s.logger.Debug().Str("event", env.Event).Msg("unknown event")
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrMembershipMismatch), errors.Is(err, ErrStaleSession):
		s.logger.Debug().Err(err).Str("event", env.Event).Msg("event dropped")
	default:
		s.logger.Debug().Err(err).Str("event", env.Event).Msg("invalid event")
		g.sendError(s, CodeBadRequest, err.Error())
	}
}

// Join adds the session's identity to roomID. Pre-existing members receive
// participant-joined; the joiner receives consultation-joined. Re-joining a
// room is acknowledged but not broadcast. A session that is no longer its
// identity's current connection gets ErrStaleSession.
func (g *Gateway) Join(s *Session, roomID string) error {
	if roomID == "" {
		return ErrInvalidRoom
	}
	unlock := g.lockIdentity(s.identity.ID)
	if !g.registry.IsCurrent(s.identity.ID, s.id) {
		unlock()
		return ErrStaleSession
	}
	res := g.rooms.Join(roomID, s.identity.ID)
	unlock()

	s.Send(realtime.MustEnvelope(realtime.EventConsultationJoined, realtime.ConsultationJoinedPayload{
		RoomID:       roomID,
		Participants: res.Existing,
		StartedAt:    res.StartedAt,
	}))
	if !res.Joined {
		return nil
	}

	s.logger.Info().Str("room_id", roomID).Msg("joined room")
	g.sendTo(res.Existing, realtime.MustEnvelope(realtime.EventParticipantJoined, realtime.ParticipantPayload{
		RoomID:     roomID,
		IdentityID: s.identity.ID,
		Role:       s.identity.Role,
	}))
	return nil
}

// Leave removes the session's identity from roomID and notifies the
// remaining members. Leaving a room not joined is a no-op.
func (g *Gateway) Leave(s *Session, roomID string) error {
	if roomID == "" {
		return ErrInvalidRoom
	}
	unlock := g.lockIdentity(s.identity.ID)
	if !g.registry.IsCurrent(s.identity.ID, s.id) {
		unlock()
		return ErrStaleSession
	}
	res := g.rooms.Leave(roomID, s.identity.ID)
	unlock()
	if !res.Left {
		return nil
	}
	s.logger.Info().Str("room_id", roomID).Msg("left room")
	g.announceLeft(s.identity, res)
	return nil
}

// Relay forwards message to every other member of roomID and returns how
// many received it. A sender outside the room gets ErrMembershipMismatch.
// A stale session gets ErrStaleSession.
func (g *Gateway) Relay(s *Session, roomID string, message json.RawMessage) (int, error) {
	if err := g.requireMember(s, roomID); err != nil {
		return 0, err
	}
	env := realtime.MustEnvelope(realtime.EventConsultationMessage, realtime.RelayedMessage{
		RoomID:     roomID,
		SenderID:   s.identity.ID,
		SenderRole: s.identity.Role,
		Message:    message,
		Timestamp:  g.now().UTC(),
	})
	return g.rooms.Broadcast(roomID, env, s.identity.ID), nil
}

// TypingStart tells the other members of roomID that the sender is typing.
func (g *Gateway) TypingStart(s *Session, roomID string) (int, error) {
	return g.typing(s, roomID, realtime.EventTypingStart)
}

// TypingStop clears the typing indicator.
func (g *Gateway) TypingStop(s *Session, roomID string) (int, error) {
	return g.typing(s, roomID, realtime.EventTypingStop)
}

func (g *Gateway) typing(s *Session, roomID, event string) (int, error) {
	if err := g.requireMember(s, roomID); err != nil {
		return 0, err
	}
	env := realtime.MustEnvelope(event, realtime.TypingPayload{RoomID: roomID, IdentityID: s.identity.ID})
	return g.rooms.Broadcast(roomID, env, s.identity.ID), nil
}

// Heartbeat records liveness for s and acknowledges it.
func (g *Gateway) Heartbeat(s *Session) {
	g.touch(s)
	g.beat(s)
}

// touch refreshes lastSeen while s is its identity's current connection.
func (g *Gateway) touch(s *Session) {
	if g.registry.IsCurrent(s.identity.ID, s.id) {
		g.registry.Touch(s.identity.ID)
	}
}

func (g *Gateway) beat(s *Session) {
	g.monitor.Beat(s.id)
	s.Send(realtime.MustEnvelope(realtime.EventHeartbeatAck, realtime.HeartbeatAckPayload{Timestamp: g.now().UTC()}))
}

// Disconnect tears s down as if its socket had closed.
func (g *Gateway) Disconnect(s *Session, reason string) {
	g.teardown(s, reason)
}

// Session returns the live session with connection id connID.
func (g *Gateway) Session(connID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[connID]
	return s, ok
}

// Stats returns current counters.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	n := len(g.sessions)
	g.mu.RUnlock()
	return Stats{Sessions: n, Online: g.registry.Count(), Rooms: g.rooms.Count()}
}

// Counters returns a copy of the cumulative counters.
func (g *Gateway) Counters() Counters {
	g.cmu.Lock()
	defer g.cmu.Unlock()
	out := Counters{
		Events:      make(map[string]int64, len(g.events)),
		Closes:      make(map[string]int64, len(g.closes)),
		RateLimited: g.rateLimited,
	}
	for k, v := range g.events {
		out.Events[k] = v
	}
	for k, v := range g.closes {
		out.Closes[k] = v
	}
	return out
}

// countEvent buckets unrecognised names under "unknown" so clients cannot
// grow the map.
func (g *Gateway) countEvent(event string) {
	switch event {
	case realtime.EventJoinConsultation, realtime.EventLeaveConsultation,
		realtime.EventConsultationMessage, realtime.EventTypingStart,
		realtime.EventTypingStop, realtime.EventHeartbeat, realtime.EventConnect:
	default:
		event = "unknown"
	}
	g.cmu.Lock()
	g.events[event]++
	g.cmu.Unlock()
}

// Shutdown closes every session with reason server_shutdown and stops the
// heartbeat monitor.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	all := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		all = append(all, s)
	}
	g.mu.RUnlock()

	for _, s := range all {
		g.teardown(s, presence.ReasonServerShutdown)
	}
	g.monitor.Close()
}

// teardown runs at most once per session. Presence and room cleanup only
// happen if s is still its identity's current connection, so a superseded
// session never removes its replacement.
func (g *Gateway) teardown(s *Session, reason string) {
	s.teardownOnce.Do(func() {
		g.monitor.Stop(s.id)

		g.mu.Lock()
		delete(g.sessions, s.id)
		g.mu.Unlock()

		unlock := g.lockIdentity(s.identity.ID)
		var left []rooms.LeaveResult
		if g.registry.UnregisterHandle(s.identity.ID, s.id) {
			left = g.rooms.LeaveAll(s.identity.ID)
		}
		unlock()
		for _, res := range left {
			g.announceLeft(s.identity, res)
		}
		s.Close(reason)
		g.cmu.Lock()
		g.closes[reason]++
		g.cmu.Unlock()
		s.logger.Info().Str("reason", reason).Msg("connection closed")
	})
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// lockIdentity locks identityID and returns the unlock func. Entries are
// dropped once no caller holds or waits on them.
func (g *Gateway) lockIdentity(identityID string) func() {
	g.lmu.Lock()
	l, ok := g.locks[identityID]
	if !ok {
		l = &identityLock{}
		g.locks[identityID] = l
	}
	l.refs++
	g.lmu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.lmu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, identityID)
		}
		g.lmu.Unlock()
	}
}

func (g *Gateway) announceLeft(identity realtime.Identity, res rooms.LeaveResult) {
	if !res.Left || len(res.Remaining) == 0 {
		return
	}
	g.sendTo(res.Remaining, realtime.MustEnvelope(realtime.EventParticipantLeft, realtime.ParticipantPayload{
		RoomID:     res.RoomID,
		IdentityID: identity.ID,
		Role:       identity.Role,
	}))
}

func (g *Gateway) onSuspect(connID string) {
	s, ok := g.Session(connID)
	if !ok {
		return
	}
	s.logger.Debug().Msg("heartbeat overdue, probing")
	s.Send(realtime.Envelope{Event: realtime.EventHeartbeat})
}

func (g *Gateway) onEvict(connID string) {
	s, ok := g.Session(connID)
	if !ok {
		return
	}
	s.logger.Warn().Msg("heartbeat timeout, evicting")
	g.teardown(s, presence.ReasonHeartbeatTimeout)
}

func (g *Gateway) requireMember(s *Session, roomID string) error {
	if roomID == "" {
		return ErrInvalidRoom
	}
	if !g.registry.IsCurrent(s.identity.ID, s.id) {
		return ErrStaleSession
	}
	if !g.rooms.IsMember(roomID, s.identity.ID) {
		return fmt.Errorf("%w: %s", ErrMembershipMismatch, roomID)
	}
	return nil
}

func (g *Gateway) sendTo(identityIDs []string, env realtime.Envelope) int {
	delivered := 0
	for _, id := range identityIDs {
		h, ok := g.registry.HandleFor(id)
		if !ok {
			continue
		}
		if err := h.Send(env); err == nil {
			delivered++
		}
	}
	return delivered
}

func (g *Gateway) sendError(s *Session, code, msg string) {
	s.Send(realtime.MustEnvelope(realtime.EventError, realtime.ErrorPayload{Code: code, Message: msg}))
}
