// Package sessionlog records consultation room lifetimes in PostgreSQL.
// Writes are queued and applied by a single worker so room lifecycle
// callbacks never block on the database.
package sessionlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/pkg/pagination"
)

// ---------------------------------------------------------------------------
// pgRows / pgConn abstractions (allow unit testing without a real DB)
// ---------------------------------------------------------------------------

type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Query(ctx context.Context, sql string, args ...any) (pgRows, error)
}

type poolConn struct {
	pool *pgxpool.Pool
}

func (p *poolConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

func (p *poolConn) Query(ctx context.Context, sql string, args ...any) (pgRows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("session ledger closed")

// Session is one consultation room lifetime.
type Session struct {
	RoomID     string     `json:"roomId"`
	NodeID     string     `json:"nodeId"`
	OpenedAt   time.Time  `json:"openedAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	DurationMs *int64     `json:"durationMs,omitempty"`
}

type entryKind int

const (
	entryOpened entryKind = iota
	entryClosed
	entryFlush
)

type entry struct {
	kind     entryKind
	roomID   string
	openedAt time.Time
	closedAt time.Time
	done     chan struct{}
}

const (
	defaultQueueSize = 512
	writeTimeout     = 5 * time.Second
)

// Ledger implements rooms.Lifecycle on top of PostgreSQL.
type Ledger struct {
	db     pgConn
	nodeID string
	logger zerolog.Logger

	queue     chan entry
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	stopped   chan struct{}
}

// NewLedger creates a Ledger writing through pool. nodeID tags each row with
// the process that hosted the room.
func NewLedger(pool *pgxpool.Pool, nodeID string, logger zerolog.Logger) *Ledger {
	return newLedger(&poolConn{pool: pool}, nodeID, defaultQueueSize, logger)
}

func newLedger(db pgConn, nodeID string, size int, logger zerolog.Logger) *Ledger {
	if size <= 0 {
		size = defaultQueueSize
	}
	l := &Ledger{
		db:      db,
		nodeID:  nodeID,
		logger:  logger.With().Str("component", "sessionlog").Logger(),
		queue:   make(chan entry, size),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// RoomOpened queues an insert for a new room lifetime.
func (l *Ledger) RoomOpened(roomID string, at time.Time) {
	l.enqueue(entry{kind: entryOpened, roomID: roomID, openedAt: at})
}

// RoomClosed queues the close of the lifetime started at openedAt.
func (l *Ledger) RoomClosed(roomID string, openedAt, closedAt time.Time) {
	l.enqueue(entry{kind: entryClosed, roomID: roomID, openedAt: openedAt, closedAt: closedAt})
}

func (l *Ledger) enqueue(e entry) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	select {
	case l.queue <- e:
		return true
	default:
		l.logger.Warn().Str("room_id", e.roomID).Msg("session ledger queue full, dropping entry")
		return false
	}
}

// Flush blocks until every entry queued before the call has been written.
func (l *Ledger) Flush(ctx context.Context) error {
	done := make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	select {
	case l.queue <- entry{kind: entryFlush, done: done}:
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	l.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries, drains the queue and waits for the worker.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.stopped
	})
}

func (l *Ledger) run() {
	defer close(l.stopped)
	for e := range l.queue {
		if e.kind == entryFlush {
			close(e.done)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := l.write(ctx, e); err != nil {
			l.logger.Error().Err(err).Str("room_id", e.roomID).Msg("session ledger write failed")
		}
		cancel()
	}
}

func (l *Ledger) write(ctx context.Context, e entry) error {
	switch e.kind {
	case entryOpened:
		const query = `INSERT INTO consultation_sessions (room_id, node_id, opened_at)
VALUES ($1, $2, $3)
ON CONFLICT (room_id, opened_at) DO NOTHING`
		if err := l.db.Exec(ctx, query, e.roomID, l.nodeID, e.openedAt); err != nil {
			return fmt.Errorf("record room opened: %w", err)
		}
	case entryClosed:
		const query = `UPDATE consultation_sessions
SET closed_at = $3, duration_ms = $4
WHERE room_id = $1 AND opened_at = $2 AND closed_at IS NULL`
		duration := e.closedAt.Sub(e.openedAt).Milliseconds()
		if err := l.db.Exec(ctx, query, e.roomID, e.openedAt, e.closedAt, duration); err != nil {
			return fmt.Errorf("record room closed: %w", err)
		}
	}
	return nil
}

// Recent returns one page of sessions, newest first. It fetches
// page.Probe() rows so callers can detect a following page. A non-empty
// roomID restricts the result to that room.
func (l *Ledger) Recent(ctx context.Context, roomID string, page pagination.Params) ([]Session, error) {
	page = page.Normalize()

	query := `SELECT room_id, node_id, opened_at, closed_at, duration_ms
FROM consultation_sessions`
	args := []any{page.Probe(), page.Offset}
	if roomID != "" {
		query += ` WHERE room_id = $3`
		args = append(args, roomID)
	}
	query += ` ORDER BY opened_at DESC LIMIT $1 OFFSET $2`

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.RoomID, &s.NodeID, &s.OpenedAt, &s.ClosedAt, &s.DurationMs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
