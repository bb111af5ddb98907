// Package rtclient is a client for the realtime server that keeps a
// connection alive across transport failures. After an unexpected close it
// reconnects with exponential backoff and re-joins every consultation room
// the client had joined.
package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/pkg/realtime"
)

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is the controller's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrUnableToReconnect is passed to OnFailed once every attempt failed.
	ErrUnableToReconnect = errors.New("rtclient: unable to reconnect")
	// ErrNotConnected is returned by sends while no transport is up.
	ErrNotConnected = errors.New("rtclient: not connected")
	// ErrBusy is returned by Connect unless the controller is Idle or Failed.
	ErrBusy = errors.New("rtclient: connection already in progress")
	// ErrDisconnected is returned by Connect when Disconnect ran during the dial.
	ErrDisconnected = errors.New("rtclient: disconnected while connecting")
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config tunes a Controller.
type Config struct {
	Backoff Backoff
	// HeartbeatInterval is how often a heartbeat is sent; zero disables it.
	HeartbeatInterval time.Duration
	// DialTimeout bounds each reconnect dial. Zero means 10s.
	DialTimeout time.Duration
	Logger      zerolog.Logger
}

// DefaultConfig matches the server's default heartbeat cadence.
func DefaultConfig() Config {
	return Config{
		Backoff:           DefaultBackoff(),
		HeartbeatInterval: 30 * time.Second,
		DialTimeout:       10 * time.Second,
		Logger:            zerolog.Nop(),
	}
}

type stopper interface {
	Stop() bool
}

// ---------------------------------------------------------------------------
// Controller
// ---------------------------------------------------------------------------

// Controller owns one logical connection to the realtime server.
type Controller struct {
	dialer Dialer
	cfg    Config
	logger zerolog.Logger

	afterFunc func(time.Duration, func()) stopper

	mu       sync.Mutex
	state    State
	conn     Conn
	connGen  uint64
	attempt  int
	timer    stopper
	timerGen uint64
	hbStop   chan struct{}
	rooms    map[string]struct{}

	onState  []func(from, to State)
	onEvent  []func(realtime.Envelope)
	onFailed []func(error)
}

// New creates an idle Controller.
func New(dialer Dialer, cfg Config) *Controller {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = DefaultBackoff().Base
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = DefaultBackoff().MaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Controller{
		dialer: dialer,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "rtclient").Logger(),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		rooms: make(map[string]struct{}),
	}
}

// OnStateChange registers a listener for state transitions.
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnEvent registers a listener for every inbound envelope.
func (c *Controller) OnEvent(fn func(realtime.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = append(c.onEvent, fn)
}

// OnFailed registers a listener called once reconnection is abandoned.
func (c *Controller) OnFailed(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailed = append(c.onFailed, fn)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the current reconnect attempt, or 0 when not reconnecting.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Rooms returns the client-held room set, sorted.
func (c *Controller) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomList()
}

// Connect dials the server. It is valid from Idle or Failed; on error the
// controller returns to Idle.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFailed {
		c.mu.Unlock()
		return ErrBusy
	}
	c.attempt = 0
	token := c.timerGen
	notify := c.setState(StateConnecting)
	c.mu.Unlock()
	notify()

	conn, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if token != c.timerGen || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrDisconnected
	}
	if err != nil {
		notify = c.setState(StateIdle)
		c.mu.Unlock()
		notify()
		return err
	}
	after := c.attach(conn)
	c.mu.Unlock()
	after()
	return nil
}

// Disconnect closes the connection on the user's behalf, cancels any
// pending reconnect and returns to Idle. The client-held room set is
// cleared.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.cancelTimer()
	c.stopHeartbeat()
	conn := c.conn
	c.conn = nil
	c.connGen++
	c.attempt = 0
	c.rooms = make(map[string]struct{})
	notify := c.setState(StateIdle)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	notify()
}

// Join records roomID and, when connected, sends join-consultation.
func (c *Controller) Join(roomID string) error {
	if roomID == "" {
		return errors.New("rtclient: empty room id")
	}
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	conn := c.currentConn()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return send(conn, realtime.EventJoinConsultation, realtime.RoomPayload{RoomID: roomID})
}

// Leave forgets roomID and, when connected, sends leave-consultation.
func (c *Controller) Leave(roomID string) error {
	c.mu.Lock()
	delete(c.rooms, roomID)
	conn := c.currentConn()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return send(conn, realtime.EventLeaveConsultation, realtime.RoomPayload{RoomID: roomID})
}

// SendMessage relays message, any JSON-encodable value, to the room.
func (c *Controller) SendMessage(roomID string, message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("rtclient: encode message: %w", err)
	}
	return c.sendConnected(realtime.EventConsultationMessage, realtime.MessagePayload{
		RoomID:    roomID,
		Message:   raw,
		Timestamp: time.Now().UTC(),
	})
}

// TypingStart announces typing in the room.
func (c *Controller) TypingStart(roomID string) error {
	return c.sendConnected(realtime.EventTypingStart, realtime.RoomPayload{RoomID: roomID})
}

// TypingStop announces that typing stopped.
func (c *Controller) TypingStop(roomID string) error {
	return c.sendConnected(realtime.EventTypingStop, realtime.RoomPayload{RoomID: roomID})
}

func (c *Controller) sendConnected(event string, payload any) error {
	c.mu.Lock()
	conn := c.currentConn()
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return send(conn, event, payload)
}

// ---------------------------------------------------------------------------
// Internals. Helpers that take effect under c.mu return a func to run after
// unlocking, so listeners and I/O never run with the lock held.
// ---------------------------------------------------------------------------

func (c *Controller) currentConn() Conn {
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

// setState must be called with c.mu held.
func (c *Controller) setState(to State) func() {
	from := c.state
	if from == to {
		return func() {}
	}
	c.state = to
	listeners := append([]func(from, to State){}, c.onState...)
	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state change")
	return func() {
		for _, fn := range listeners {
			fn(from, to)
		}
	}
}

// attach must be called with c.mu held. It installs conn, starts the read
// and heartbeat loops and replays room joins after unlock.
func (c *Controller) attach(conn Conn) func() {
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.attempt = 0
	c.cancelTimer()
	notify := c.setState(StateConnected)
	rooms := c.roomList()

	c.stopHeartbeat()
	var hbStop chan struct{}
	if c.cfg.HeartbeatInterval > 0 {
		hbStop = make(chan struct{})
		c.hbStop = hbStop
	}

	return func() {
		notify()
		go c.readLoop(conn, gen)
		if hbStop != nil {
			go c.heartbeatLoop(conn, hbStop)
		}
		for _, roomID := range rooms {
			if err := send(conn, realtime.EventJoinConsultation, realtime.RoomPayload{RoomID: roomID}); err != nil {
				c.logger.Warn().Err(err).Str("room_id", roomID).Msg("room rejoin failed")
				return
			}
		}
		if len(rooms) > 0 {
			c.logger.Info().Int("rooms", len(rooms)).Msg("rooms rejoined")
		}
	}
}

func (c *Controller) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.transportClosed(gen, err)
			return
		}
		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug().Err(err).Msg("malformed envelope")
			continue
		}
		if env.Event == realtime.EventHeartbeat {
			_ = send(conn, realtime.EventHeartbeat, struct{}{})
		}

		c.mu.Lock()
		listeners := append([]func(realtime.Envelope){}, c.onEvent...)
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(env)
		}
	}
}

func (c *Controller) heartbeatLoop(conn Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := send(conn, realtime.EventHeartbeat, struct{}{}); err != nil {
				return
			}
		}
	}
}

// transportClosed handles a read failure on generation gen. Closes caused by
// Disconnect or by a newer connection are ignored.
func (c *Controller) transportClosed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.connGen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.logger.Warn().Err(err).Msg("connection lost")
	c.stopHeartbeat()
	conn := c.conn
	c.conn = nil
	c.attempt = 1
	notify := c.setState(StateReconnecting)
	c.schedule()
	c.mu.Unlock()

	conn.Close()
	notify()
}

// schedule must be called with c.mu held.
func (c *Controller) schedule() {
	c.cancelTimer()
	token := c.timerGen
	delay := c.cfg.Backoff.Delay(c.attempt)
	c.logger.Info().Int("attempt", c.attempt).Dur("delay", delay).Msg("reconnect scheduled")
	c.timer = c.afterFunc(delay, func() { c.reconnect(token) })
}

// cancelTimer must be called with c.mu held. It also invalidates a timer
// that has already fired but not yet taken the lock.
func (c *Controller) cancelTimer() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) stopHeartbeat() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func (c *Controller) reconnect(token uint64) {
	c.mu.Lock()
	if token != c.timerGen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	attempt := c.attempt
	notify := c.setState(StateConnecting)
	c.mu.Unlock()
	notify()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, err := c.dialer.Dial(ctx)
	cancel()

	c.mu.Lock()
	if token != c.timerGen || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err == nil {
		after := c.attach(conn)
		c.mu.Unlock()
		c.logger.Info().Int("attempt", attempt).Msg("reconnected")
		after()
		return
	}

	c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	if attempt >= c.cfg.Backoff.MaxAttempts {
		c.attempt = 0
		notify = c.setState(StateFailed)
		failed := append([]func(error){}, c.onFailed...)
		c.mu.Unlock()
		notify()
		for _, fn := range failed {
			fn(ErrUnableToReconnect)
		}
		return
	}

	c.attempt = attempt + 1
	notify = c.setState(StateReconnecting)
	c.schedule()
	c.mu.Unlock()
	notify()
}

func (c *Controller) roomList() []string {
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func send(conn Conn, event string, payload any) error {
	env, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}
