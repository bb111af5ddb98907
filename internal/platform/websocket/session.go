package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/teleconsult/realtime/internal/platform/presence"
	"github.com/teleconsult/realtime/pkg/realtime"
)

var (
	// ErrSendQueueFull is returned by Session.Send when the outbound queue
	// is saturated; the envelope is dropped.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrSessionClosed is returned by Session.Send after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one bound connection. It implements presence.Handle.
type Session struct {
	id       string
	identity realtime.Identity
	conn     Conn
	send     chan []byte
	limiter  *rate.Limiter
	logger   zerolog.Logger

	closeOnce    sync.Once
	done         chan struct{}
	mu           sync.Mutex
	closeReason  string
	teardownOnce sync.Once
}

func newSession(id string, identity realtime.Identity, conn Conn, cfg Config, logger zerolog.Logger) *Session {
	limit, burst := rate.Inf, cfg.EventBurst
	if cfg.EventRate > 0 {
		limit = rate.Limit(cfg.EventRate)
	}
	if burst < 1 {
		burst = 1
	}
	return &Session{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, cfg.SendQueueSize),
		limiter:  rate.NewLimiter(limit, burst),
		logger: logger.With().
			Str("conn_id", id).
			Str("identity_id", identity.ID).
			Str("role", string(identity.Role)).
			Logger(),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Identity() realtime.Identity { return s.identity }

// Send enqueues env for the write pump. It never blocks: a full queue drops
// the envelope and returns ErrSendQueueFull.
func (s *Session) Send(env realtime.Envelope) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}

	select {
	case s.send <- data:
		return nil
	default:
		s.logger.Warn().Str("event", env.Event).Msg("send queue full, dropping event")
		return ErrSendQueueFull
	}
}

// Close asks the write pump to close the socket after flushing what is
// already queued. Only the first reason is kept; later calls are no-ops.
func (s *Session) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// CloseReason returns the reason passed to the first Close, if any.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Done is closed once the session has been asked to close.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) allow() bool {
	return s.limiter.Allow()
}

// writePump serialises every write to the socket. It exits when the session
// is closed or a write fails. Envelopes queued before Close are flushed ahead
// of the close frame.
func (s *Session) writePump(writeTimeout time.Duration) {
	defer s.conn.Close()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(gorillawebsocket.TextMessage, msg, writeTimeout); err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				s.Close(presence.ReasonTransportError)
				return
			}
		case <-s.done:
			if err := s.drain(writeTimeout); err != nil {
				s.logger.Debug().Err(err).Msg("write failed while draining")
				return
			}
			code := gorillawebsocket.CloseNormalClosure
			if s.CloseReason() == presence.ReasonServerShutdown {
				code = gorillawebsocket.CloseGoingAway
			}
			_ = s.write(gorillawebsocket.CloseMessage, gorillawebsocket.FormatCloseMessage(code, s.CloseReason()), writeTimeout)
			return
		}
	}
}

// drain writes whatever is already queued without waiting for more.
func (s *Session) drain(writeTimeout time.Duration) error {
	for {
		select {
		case msg := <-s.send:
			if err := s.write(gorillawebsocket.TextMessage, msg, writeTimeout); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

func (s *Session) write(messageType int, data []byte, timeout time.Duration) error {
	if dw, ok := s.conn.(deadlineWriter); ok && timeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(timeout))
	}
	return s.conn.WriteMessage(messageType, data)
}
