// Package notifybus carries notifications from business services to every
// realtime node over NATS. Each node subscribes to the whole subject tree
// without a queue group, since any node may hold the recipient's connection.
//
// Subjects have the form <prefix>.<scope>.<value>, for example
// "notifications.role.doctor". The message body is a JSON notification.
package notifybus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/internal/platform/notification"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "notifications"

// ErrInvalidSubject is returned for subjects outside the notification tree.
var ErrInvalidSubject = errors.New("invalid notification subject")

// ---------------------------------------------------------------------------
// Subjects
// ---------------------------------------------------------------------------

// Subject builds the subject for a scope and value. Values may not contain
// NATS token separators or wildcards.
func Subject(prefix string, scope notification.Scope, value string) (string, error) {
	if _, err := notification.ParseScope(string(scope)); err != nil {
		return "", err
	}
	if value == "" || strings.ContainsAny(value, ".*> \t\r\n") {
		return "", fmt.Errorf("%w: value %q", ErrInvalidSubject, value)
	}
	return prefix + "." + string(scope) + "." + value, nil
}

// ParseSubject splits a subject into scope and value.
func ParseSubject(prefix, subject string) (notification.Scope, string, error) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	kind, value, ok := strings.Cut(rest, ".")
	if !ok || value == "" || strings.Contains(value, ".") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	scope, err := notification.ParseScope(kind)
	if err != nil {
		return "", "", err
	}
	return scope, value, nil
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// Connect dials NATS with unlimited reconnects and logs connection changes.
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Conn is the subset of *nats.Conn used by the bus.
type Conn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
}

// ---------------------------------------------------------------------------
// Publisher
// ---------------------------------------------------------------------------

// Publisher sends notifications onto the bus.
type Publisher struct {
	conn   Conn
	prefix string
}

// NewPublisher creates a Publisher. An empty prefix means DefaultPrefix.
func NewPublisher(conn Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// Publish sends msg to every node. Delivery counts are not reported.
func (p *Publisher) Publish(ctx context.Context, scope notification.Scope, value string, msg notification.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, err := Subject(p.prefix, scope, value)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Subscriber
// ---------------------------------------------------------------------------

// Sender delivers a notification locally.
type Sender interface {
	Send(ctx context.Context, scope notification.Scope, value string, msg notification.Message) (int, error)
}

// Subscriber feeds notifications from the bus into a local Sender.
type Subscriber struct {
	conn   Conn
	prefix string
	sender Sender
	logger zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewSubscriber creates a Subscriber. An empty prefix means DefaultPrefix.
func NewSubscriber(conn Conn, prefix string, sender Sender, logger zerolog.Logger) *Subscriber {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Subscriber{
		conn:   conn,
		prefix: prefix,
		sender: sender,
		logger: logger.With().Str("component", "notifybus").Logger(),
	}
}

// Start subscribes to <prefix>.>.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	sub, err := s.conn.Subscribe(s.prefix+".>", s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", s.prefix, err)
	}
	s.sub = sub
	s.logger.Info().Str("subject", s.prefix+".>").Msg("notification bus subscribed")
	return nil
}

// Stop drains the subscription.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	return err
}

type reply struct {
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

func (s *Subscriber) handle(msg *nats.Msg) {
	delivered, err := s.deliver(msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("notification dropped")
	}
	if msg.Reply == "" {
		return
	}
	r := reply{Delivered: delivered}
	if err != nil {
		r.Error = err.Error()
	}
	data, _ := json.Marshal(r)
	if perr := s.conn.Publish(msg.Reply, data); perr != nil {
		s.logger.Warn().Err(perr).Str("reply", msg.Reply).Msg("notification reply failed")
	}
}

func (s *Subscriber) deliver(msg *nats.Msg) (int, error) {
	scope, value, err := ParseSubject(s.prefix, msg.Subject)
	if err != nil {
		return 0, err
	}
	var n notification.Message
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		return 0, fmt.Errorf("decode notification: %w", err)
	}
	if n.Type == "" || n.Title == "" {
		return 0, errors.New("notification requires type and title")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.sender.Send(ctx, scope, value, n)
}
