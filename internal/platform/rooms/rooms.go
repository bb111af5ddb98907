// Package rooms tracks transient consultation rooms. A room exists exactly
// while it has at least one member; it is created on first join and removed
// on last leave.
package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/internal/platform/presence"
	"github.com/teleconsult/realtime/pkg/realtime"
)

// Room is a point-in-time view of a consultation room.
type Room struct {
	ID        string    `json:"roomId"`
	Members   []string  `json:"members"`
	StartedAt time.Time `json:"startedAt"`
}

// JoinResult describes the outcome of a Join.
type JoinResult struct {
	RoomID string
	// Joined is false when the identity was already a member.
	Joined bool
	// Created is true when this join opened the room.
	Created bool
	// Existing lists the members present before the join, sorted.
	Existing  []string
	StartedAt time.Time
}

// LeaveResult describes the outcome of a Leave.
type LeaveResult struct {
	RoomID string
	// Left is false when the identity was not a member.
	Left bool
	// Closed is true when this leave emptied, and therefore removed, the room.
	Closed bool
	// Remaining lists the members still present, sorted.
	Remaining []string
	StartedAt time.Time
}

// Resolver returns the live handle of an identity.
type Resolver interface {
	HandleFor(identityID string) (presence.Handle, bool)
}

// Lifecycle observes room creation and removal. Callbacks run outside the
// manager lock, on the goroutine that caused the change.
type Lifecycle interface {
	RoomOpened(roomID string, at time.Time)
	RoomClosed(roomID string, openedAt, closedAt time.Time)
}

type room struct {
	members   map[string]struct{}
	startedAt time.Time
}

// Manager owns room membership with a forward (room -> members) and a
// reverse (identity -> rooms) index kept consistent under one mutex.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	byIdent map[string]map[string]struct{}

	resolver  Resolver
	lifecycle Lifecycle
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLifecycle registers a room lifecycle observer.
func WithLifecycle(l Lifecycle) Option {
	return func(m *Manager) { m.lifecycle = l }
}

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager that delivers broadcasts through resolver.
func NewManager(resolver Resolver, opts ...Option) *Manager {
	m := &Manager{
		rooms:    make(map[string]*room),
		byIdent:  make(map[string]map[string]struct{}),
		resolver: resolver,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join adds identityID to roomID, creating the room if needed. Joining a
// room twice is a no-op reported with Joined=false.
func (m *Manager) Join(roomID, identityID string) JoinResult {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	created := false
	if !ok {
		r = &room{members: make(map[string]struct{}), startedAt: m.now()}
		m.rooms[roomID] = r
		created = true
	}
	if _, member := r.members[identityID]; member {
		res := JoinResult{
			RoomID:    roomID,
			Existing:  sortedMembers(r.members, identityID),
			StartedAt: r.startedAt,
		}
		m.mu.Unlock()
		return res
	}

	existing := sortedMembers(r.members, "")
	r.members[identityID] = struct{}{}
	rs, ok := m.byIdent[identityID]
	if !ok {
		rs = make(map[string]struct{})
		m.byIdent[identityID] = rs
	}
	rs[roomID] = struct{}{}
	res := JoinResult{
		RoomID:    roomID,
		Joined:    true,
		Created:   created,
		Existing:  existing,
		StartedAt: r.startedAt,
	}
	m.mu.Unlock()

	if created {
		m.logger.Info().Str("room_id", roomID).Msg("room opened")
		if m.lifecycle != nil {
			m.lifecycle.RoomOpened(roomID, res.StartedAt)
		}
	}
	return res
}

// Leave removes identityID from roomID. The room is removed when its last
// member leaves.
func (m *Manager) Leave(roomID, identityID string) LeaveResult {
	m.mu.Lock()
	res := m.leaveLocked(roomID, identityID)
	m.mu.Unlock()

	m.notifyClosed(res)
	return res
}

// LeaveAll removes identityID from every room it belongs to and returns one
// result per room left, ordered by room id.
func (m *Manager) LeaveAll(identityID string) []LeaveResult {
	m.mu.Lock()
	roomIDs := make([]string, 0, len(m.byIdent[identityID]))
	for id := range m.byIdent[identityID] {
		roomIDs = append(roomIDs, id)
	}
	sort.Strings(roomIDs)

	results := make([]LeaveResult, 0, len(roomIDs))
	for _, id := range roomIDs {
		results = append(results, m.leaveLocked(id, identityID))
	}
	m.mu.Unlock()

	for _, res := range results {
		m.notifyClosed(res)
	}
	return results
}

func (m *Manager) leaveLocked(roomID, identityID string) LeaveResult {
	res := LeaveResult{RoomID: roomID}
	r, ok := m.rooms[roomID]
	if !ok {
		return res
	}
	if _, member := r.members[identityID]; !member {
		res.Remaining = sortedMembers(r.members, "")
		res.StartedAt = r.startedAt
		return res
	}

	delete(r.members, identityID)
	if rs, ok := m.byIdent[identityID]; ok {
		delete(rs, roomID)
		if len(rs) == 0 {
			delete(m.byIdent, identityID)
		}
	}

	res.Left = true
	res.StartedAt = r.startedAt
	res.Remaining = sortedMembers(r.members, "")
	if len(r.members) == 0 {
		delete(m.rooms, roomID)
		res.Closed = true
	}
	return res
}

func (m *Manager) notifyClosed(res LeaveResult) {
	if !res.Closed {
		return
	}
	closedAt := m.now()
	m.logger.Info().
		Str("room_id", res.RoomID).
		Dur("duration", closedAt.Sub(res.StartedAt)).
		Msg("room closed")
	if m.lifecycle != nil {
		m.lifecycle.RoomClosed(res.RoomID, res.StartedAt, closedAt)
	}
}

// MembersOf returns the sorted members of roomID. Unknown rooms yield an
// empty slice and are not created.
func (m *Manager) MembersOf(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return []string{}
	}
	return sortedMembers(r.members, "")
}

// IsMember reports whether identityID is in roomID.
func (m *Manager) IsMember(roomID, identityID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	_, member := r.members[identityID]
	return member
}

// RoomsOf returns the sorted rooms identityID belongs to.
func (m *Manager) RoomsOf(identityID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byIdent[identityID]))
	for id := range m.byIdent[identityID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Room returns a view of roomID.
func (m *Manager) Room(roomID string) (Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return Room{ID: roomID, Members: sortedMembers(r.members, ""), StartedAt: r.startedAt}, true
}

// Count returns the number of open rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Broadcast sends env to every member of roomID except the identities in
// exclude, and returns how many handles accepted it. Members without a live
// handle, or whose send fails, are skipped.
func (m *Manager) Broadcast(roomID string, env realtime.Envelope, exclude ...string) int {
	members := m.MembersOf(roomID)
	if len(members) == 0 {
		return 0
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	delivered := 0
	for _, id := range members {
		if _, ok := skip[id]; ok {
			continue
		}
		h, ok := m.resolver.HandleFor(id)
		if !ok {
			continue
		}
		if err := h.Send(env); err != nil {
			m.logger.Debug().Err(err).
				Str("room_id", roomID).
				Str("identity_id", id).
				Str("event", env.Event).
				Msg("broadcast send failed")
			continue
		}
		delivered++
	}
	return delivered
}

func sortedMembers(set map[string]struct{}, without string) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		if id != without {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
