// Package presence is the single source of truth for which identities hold a
// live connection. It enforces at most one connection per identity: a second
// registration supersedes, and closes, the first.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/pkg/realtime"
)

// Close reasons passed to Handle.Close.
const (
	ReasonSuperseded       = "superseded"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonClientClosed     = "client_closed"
	ReasonServerShutdown   = "server_shutdown"
	ReasonTransportError   = "transport_error"
)

// Handle is an opaque transport handle for one bound connection.
type Handle interface {
	ID() string
	Identity() realtime.Identity
	// Send enqueues env for delivery without blocking on the network.
	Send(env realtime.Envelope) error
	Close(reason string) error
}

// Record is a point-in-time view of one online identity.
type Record struct {
	Identity    realtime.Identity `json:"identity"`
	HandleID    string            `json:"handleId"`
	ConnectedAt time.Time         `json:"connectedAt"`
	LastSeen    time.Time         `json:"lastSeen"`
}

type connection struct {
	handle      Handle
	connectedAt time.Time
	lastSeen    time.Time
}

// Registry maps identity id to its active connection. All mutations are
// serialised by mu; the lock is never held while calling into a Handle.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*connection
	mirror *mirrorQueue
	logger zerolog.Logger

	mirrorTarget Mirror
	mirrorSize   int

	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMirror publishes presence changes to m asynchronously.
func WithMirror(m Mirror, queueSize int) Option {
	return func(r *Registry) {
		r.mirrorTarget = m
		r.mirrorSize = queueSize
	}
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byID:   make(map[string]*connection),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mirrorTarget != nil {
		r.mirror = newMirrorQueue(r.mirrorTarget, r.mirrorSize, r.logger)
	}
	return r
}

// Register installs h as the connection for identity. If another handle was
// registered for the same identity it is removed and closed with
// ReasonSuperseded, and returned.
func (r *Registry) Register(identity realtime.Identity, h Handle) Handle {
	now := r.now()

	r.mu.Lock()
	var prior Handle
	if existing, ok := r.byID[identity.ID]; ok && existing.handle.ID() != h.ID() {
		prior = existing.handle
	}
	r.byID[identity.ID] = &connection{handle: h, connectedAt: now, lastSeen: now}
	r.mu.Unlock()

	if prior != nil {
		r.logger.Info().
			Str("identity_id", identity.ID).
			Str("superseded_conn", prior.ID()).
			Str("conn_id", h.ID()).
			Msg("connection superseded")
		if err := prior.Close(ReasonSuperseded); err != nil {
			r.logger.Debug().Err(err).Str("conn_id", prior.ID()).Msg("close superseded connection")
		}
	}
	r.mirror.online(identity)
	return prior
}

// Unregister removes whatever connection identityID holds. It reports
// whether a connection was removed.
func (r *Registry) Unregister(identityID string) bool {
	r.mu.Lock()
	conn, ok := r.byID[identityID]
	if ok {
		delete(r.byID, identityID)
	}
	r.mu.Unlock()

	if ok {
		r.mirror.offline(conn.handle.Identity())
	}
	return ok
}

// UnregisterHandle removes identityID only if handleID is still its current
// connection, so a superseded connection tearing down cannot remove its
// replacement.
func (r *Registry) UnregisterHandle(identityID, handleID string) bool {
	r.mu.Lock()
	conn, ok := r.byID[identityID]
	if !ok || conn.handle.ID() != handleID {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, identityID)
	r.mu.Unlock()

	r.mirror.offline(conn.handle.Identity())
	return true
}

// Touch updates lastSeen for identityID.
func (r *Registry) Touch(identityID string) {
	r.mu.Lock()
	conn, ok := r.byID[identityID]
	if ok {
		conn.lastSeen = r.now()
	}
	r.mu.Unlock()

	if ok {
		r.mirror.touch(conn.handle.Identity())
	}
}

// IsOnline reports whether identityID has a live connection.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[identityID]
	return ok
}

// HandleFor returns the live handle for identityID.
func (r *Registry) HandleFor(identityID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[identityID]
	if !ok {
		return nil, false
	}
	return conn.handle, true
}

// IsCurrent reports whether handleID is the live handle for identityID.
func (r *Registry) IsCurrent(identityID, handleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[identityID]
	return ok && conn.handle.ID() == handleID
}

// Lookup returns the presence record for identityID.
func (r *Registry) Lookup(identityID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[identityID]
	if !ok {
		return Record{}, false
	}
	return conn.record(), true
}

// OnlineByRole returns a snapshot of handles whose identity has role.
func (r *Registry) OnlineByRole(role realtime.Role) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handle
	for _, conn := range r.byID {
		if conn.handle.Identity().Role == role {
			out = append(out, conn.handle)
		}
	}
	return out
}

// Snapshot returns every online identity ordered by id.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.byID))
	for _, conn := range r.byID {
		out = append(out, conn.record())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.ID < out[j].Identity.ID
	})
	return out
}

// Count returns the number of online identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Close stops the mirror worker, if any.
func (r *Registry) Close() {
	r.mirror.close()
}

func (c *connection) record() Record {
	return Record{
		Identity:    c.handle.Identity(),
		HandleID:    c.handle.ID(),
		ConnectedAt: c.connectedAt,
		LastSeen:    c.lastSeen,
	}
}
