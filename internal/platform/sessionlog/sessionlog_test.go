package sessionlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type execCall struct {
	sql  string
	args []any
}

type mockConn struct {
	mu      sync.Mutex
	execs   []execCall
	execErr error

	rows     [][]any
	queryErr error
	lastSQL  string
	lastArgs []any
}

func (m *mockConn) Exec(_ context.Context, sql string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return m.execErr
}

func (m *mockConn) Query(_ context.Context, sql string, args ...any) (pgRows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSQL, m.lastArgs = sql, args
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return &mockRows{data: m.rows, pos: -1}, nil
}

func (m *mockConn) calls() []execCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]execCall(nil), m.execs...)
}

type mockRows struct {
	data [][]any
	pos  int
}

func (r *mockRows) Next() bool { r.pos++; return r.pos < len(r.data) }
func (r *mockRows) Err() error { return nil }
func (r *mockRows) Close()     {}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.pos]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *time.Time:
			*p = row[i].(time.Time)
		case **time.Time:
			if v, ok := row[i].(time.Time); ok {
				*p = &v
			}
		case **int64:
			if v, ok := row[i].(int64); ok {
				*p = &v
			}
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

func flush(t *testing.T, l *Ledger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func TestLedger_RecordsOpenAndClose(t *testing.T) {
	db := &mockConn{}
	l := newLedger(db, "node-a", 8, zerolog.Nop())
	defer l.Close()

	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	closed := opened.Add(90 * time.Second)
	l.RoomOpened("room-1", opened)
	l.RoomClosed("room-1", opened, closed)
	flush(t, l)

	calls := db.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(calls))
	}
	if !strings.Contains(calls[0].sql, "INSERT INTO consultation_sessions") {
		t.Errorf("first write should insert, got %q", calls[0].sql)
	}
	if calls[0].args[0] != "room-1" || calls[0].args[1] != "node-a" || calls[0].args[2] != opened {
		t.Errorf("unexpected insert args: %v", calls[0].args)
	}
	if !strings.Contains(calls[1].sql, "UPDATE consultation_sessions") {
		t.Errorf("second write should update, got %q", calls[1].sql)
	}
	if got := calls[1].args[3]; got != int64(90000) {
		t.Errorf("duration_ms = %v, want 90000", got)
	}
}

func TestLedger_WriteErrorDoesNotStopWorker(t *testing.T) {
	db := &mockConn{execErr: errors.New("connection refused")}
	l := newLedger(db, "node-a", 8, zerolog.Nop())
	defer l.Close()

	now := time.Now()
	l.RoomOpened("room-1", now)
	l.RoomOpened("room-2", now)
	flush(t, l)

	if n := len(db.calls()); n != 2 {
		t.Fatalf("expected both writes attempted, got %d", n)
	}
}

func TestLedger_DropsWhenQueueFull(t *testing.T) {
	db := &mockConn{}
	l := &Ledger{db: db, logger: zerolog.Nop(), queue: make(chan entry, 1), stopped: make(chan struct{})}

	if !l.enqueue(entry{kind: entryOpened, roomID: "a"}) {
		t.Fatal("first entry should be queued")
	}
	if l.enqueue(entry{kind: entryOpened, roomID: "b"}) {
		t.Fatal("second entry should be dropped when the queue is full")
	}
}

func TestLedger_CloseDrainsAndRejects(t *testing.T) {
	db := &mockConn{}
	l := newLedger(db, "node-a", 8, zerolog.Nop())

	l.RoomOpened("room-1", time.Now())
	l.Close()
	l.Close()

	if n := len(db.calls()); n != 1 {
		t.Fatalf("queued entry should be written before Close returns, got %d writes", n)
	}
	l.RoomOpened("room-2", time.Now())
	if err := l.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Flush after Close = %v, want ErrClosed", err)
	}
}

func TestLedger_Recent(t *testing.T) {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	closed := opened.Add(time.Minute)
	db := &mockConn{rows: [][]any{
		{"room-2", "node-a", opened.Add(time.Hour), nil, nil},
		{"room-1", "node-b", opened, closed, int64(60000)},
	}}
	l := newLedger(db, "node-a", 8, zerolog.Nop())
	defer l.Close()

	sessions, err := l.Recent(context.Background(), "", pagination.Params{})
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ClosedAt != nil {
		t.Error("open session should have nil ClosedAt")
	}
	if sessions[1].DurationMs == nil || *sessions[1].DurationMs != 60000 {
		t.Errorf("unexpected duration: %v", sessions[1].DurationMs)
	}
	if db.lastArgs[0] != pagination.DefaultLimit+1 || db.lastArgs[1] != 0 {
		t.Errorf("default page args = %v, want probe %d offset 0", db.lastArgs, pagination.DefaultLimit+1)
	}

	if _, err := l.Recent(context.Background(), "room-1", pagination.Params{Limit: 10, Offset: 20}); err != nil {
		t.Fatalf("Recent(room) error: %v", err)
	}
	if db.lastArgs[0] != 11 || db.lastArgs[1] != 20 {
		t.Errorf("page args = %v", db.lastArgs)
	}
	if !strings.Contains(db.lastSQL, "WHERE room_id = $3") || db.lastArgs[2] != "room-1" {
		t.Errorf("room filter not applied: %q %v", db.lastSQL, db.lastArgs)
	}
}

func TestLedger_RecentQueryError(t *testing.T) {
	db := &mockConn{queryErr: errors.New("boom")}
	l := newLedger(db, "node-a", 8, zerolog.Nop())
	defer l.Close()

	if _, err := l.Recent(context.Background(), "", pagination.Params{Limit: 10}); err == nil {
		t.Fatal("expected query error")
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func TestHandler_List(t *testing.T) {
	now := time.Now().UTC()
	db := &mockConn{rows: [][]any{
		{"room-1", "node-a", now, nil, nil},
		{"room-1", "node-a", now.Add(-time.Hour), nil, nil},
		{"room-1", "node-b", now.Add(-2 * time.Hour), nil, nil},
	}}
	l := newLedger(db, "node-a", 8, zerolog.Nop())
	defer l.Close()
	h := NewHandler(l)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/sessions?limit=2&roomId=room-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.HandleList(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data       []Session `json:"data"`
		Limit      int       `json:"limit"`
		HasMore    bool      `json:"hasMore"`
		NextOffset *int      `json:"nextOffset"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 2 || body.Data[0].RoomID != "room-1" {
		t.Fatalf("unexpected sessions: %+v", body.Data)
	}
	if !body.HasMore || body.NextOffset == nil || *body.NextOffset != 2 {
		t.Fatalf("expected a next page at offset 2: %+v", body)
	}
}

func TestHandler_ListBadLimit(t *testing.T) {
	h := NewHandler(newLedger(&mockConn{}, "node-a", 8, zerolog.Nop()))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/sessions?limit=abc", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h.HandleList(c)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ListQueryFailure(t *testing.T) {
	h := NewHandler(newLedger(&mockConn{queryErr: errors.New("down")}, "node-a", 8, zerolog.Nop()))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h.HandleList(c)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
