package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/pkg/realtime"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	writes   []realtime.Envelope
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection reset")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.writes = append(c.writes, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, w.Event)
	}
	return out
}

func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(realtime.MustEnvelope(event, payload))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.in <- data
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

func (d *fakeDialer) queue(r ...dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, r...)
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(d time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) last(t *testing.T) *fakeTimer {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		t.Fatal("no timer scheduled")
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func newTestController(d Dialer) (*Controller, *fakeClock) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.Logger = zerolog.Nop()
	ctrl := New(d, cfg)
	clock := &fakeClock{}
	ctrl.afterFunc = clock.afterFunc
	return ctrl, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func connected(t *testing.T) (*Controller, *fakeClock, *fakeDialer, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(dialResult{conn: conn})
	ctrl, clock := newTestController(dialer)
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	return ctrl, clock, dialer, conn
}

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
	if b.Delay(0) != time.Second {
		t.Error("Delay(0) should be treated as the first attempt")
	}
	if b.Delay(100) <= 0 {
		t.Error("large attempt numbers must not overflow")
	}
}

// ---------------------------------------------------------------------------
// Controller
// ---------------------------------------------------------------------------

func TestController_ConnectAndState(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(dialResult{conn: conn})
	ctrl, _ := newTestController(dialer)

	var mu sync.Mutex
	var transitions []string
	ctrl.OnStateChange(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	if ctrl.State() != StateIdle {
		t.Fatalf("initial state = %s", ctrl.State())
	}
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if ctrl.State() != StateConnected {
		t.Fatalf("state = %s, want connected", ctrl.State())
	}
	if err := ctrl.Connect(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Connect() = %v, want ErrBusy", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != "idle->connecting" || transitions[1] != "connecting->connected" {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestController_ConnectFailureReturnsToIdle(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.queue(dialResult{err: errors.New("401 unauthorized")})
	ctrl, clock := newTestController(dialer)

	if err := ctrl.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("state = %s, want idle", ctrl.State())
	}
	if clock.count() != 0 {
		t.Fatal("an initial connect failure must not schedule reconnects")
	}
}

func TestController_BackoffScheduleUntilFailed(t *testing.T) {
	ctrl, clock, dialer, conn := connected(t)

	var failed error
	var failedCalls int
	ctrl.OnFailed(func(err error) {
		failed = err
		failedCalls++
	})

	conn.Close()
	waitFor(t, "reconnecting", func() bool { return ctrl.State() == StateReconnecting })

	var cumulative time.Duration
	var schedule []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		timer := clock.last(t)
		cumulative += timer.delay
		schedule = append(schedule, cumulative)
		if got := ctrl.Attempt(); got != attempt {
			t.Fatalf("Attempt() = %d, want %d", got, attempt)
		}
		timer.fn()
	}

	want := []time.Duration{1 * time.Second, 3 * time.Second, 7 * time.Second, 15 * time.Second, 31 * time.Second}
	for i := range want {
		if schedule[i] != want[i] {
			t.Fatalf("cumulative schedule = %v, want %v", schedule, want)
		}
	}
	if ctrl.State() != StateFailed {
		t.Fatalf("state = %s, want failed", ctrl.State())
	}
	if !errors.Is(failed, ErrUnableToReconnect) || failedCalls != 1 {
		t.Fatalf("OnFailed got %v (%d calls)", failed, failedCalls)
	}
	if dialer.dialCount() != 6 {
		t.Fatalf("dials = %d, want 1 connect + 5 reconnects", dialer.dialCount())
	}
	if clock.count() != 5 {
		t.Fatalf("no timer should be scheduled after Failed, got %d", clock.count())
	}
}

func TestController_ReconnectReplaysRooms(t *testing.T) {
	ctrl, clock, dialer, conn := connected(t)

	if err := ctrl.Join("room-b"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	ctrl.Join("room-a")
	ctrl.Join("room-c")
	ctrl.Leave("room-c")

	second := newFakeConn()
	dialer.queue(dialResult{err: errors.New("refused")}, dialResult{conn: second})

	conn.Close()
	waitFor(t, "reconnecting", func() bool { return ctrl.State() == StateReconnecting })
	clock.last(t).fn()
	if ctrl.State() != StateReconnecting || ctrl.Attempt() != 2 {
		t.Fatalf("after one failure: state %s attempt %d", ctrl.State(), ctrl.Attempt())
	}
	clock.last(t).fn()

	if ctrl.State() != StateConnected {
		t.Fatalf("state = %s, want connected", ctrl.State())
	}
	if ctrl.Attempt() != 0 {
		t.Fatalf("attempt counter should reset, got %d", ctrl.Attempt())
	}

	waitFor(t, "room replay", func() bool { return len(second.events()) == 2 })
	second.mu.Lock()
	defer second.mu.Unlock()
	for i, roomID := range []string{"room-a", "room-b"} {
		w := second.writes[i]
		var p realtime.RoomPayload
		w.Decode(&p)
		if w.Event != realtime.EventJoinConsultation || p.RoomID != roomID {
			t.Fatalf("replay[%d] = %s %s, want join %s", i, w.Event, p.RoomID, roomID)
		}
	}
}

func TestController_DisconnectCancelsPendingReconnect(t *testing.T) {
	ctrl, clock, dialer, conn := connected(t)
	ctrl.Join("room-1")

	conn.Close()
	waitFor(t, "reconnecting", func() bool { return ctrl.State() == StateReconnecting })
	timer := clock.last(t)

	ctrl.Disconnect()
	if ctrl.State() != StateIdle {
		t.Fatalf("state = %s, want idle", ctrl.State())
	}
	if !timer.stopped {
		t.Fatal("pending reconnect timer should be stopped")
	}

	// A timer that already fired must still be a no-op.
	timer.fn()
	if ctrl.State() != StateIdle {
		t.Fatalf("stale timer changed state to %s", ctrl.State())
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("stale timer dialed, dials = %d", dialer.dialCount())
	}
	if len(ctrl.Rooms()) != 0 {
		t.Fatal("Disconnect should clear the client-held room set")
	}
}

func TestController_DisconnectWhileConnectedDoesNotReconnect(t *testing.T) {
	ctrl, clock, _, conn := connected(t)

	ctrl.Disconnect()
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("transport should be closed")
	}
	time.Sleep(20 * time.Millisecond)
	if ctrl.State() != StateIdle {
		t.Fatalf("state = %s, want idle", ctrl.State())
	}
	if clock.count() != 0 {
		t.Fatal("user disconnect must not schedule a reconnect")
	}
}

func TestController_ConnectFromFailed(t *testing.T) {
	ctrl, clock, dialer, conn := connected(t)
	conn.Close()
	waitFor(t, "reconnecting", func() bool { return ctrl.State() == StateReconnecting })
	for i := 0; i < 5; i++ {
		clock.last(t).fn()
	}
	if ctrl.State() != StateFailed {
		t.Fatalf("state = %s, want failed", ctrl.State())
	}

	dialer.queue(dialResult{conn: newFakeConn()})
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() from failed: %v", err)
	}
	if ctrl.State() != StateConnected {
		t.Fatalf("state = %s, want connected", ctrl.State())
	}
}

func TestController_SendsRequireConnection(t *testing.T) {
	ctrl, _ := newTestController(&fakeDialer{})

	if err := ctrl.SendMessage("room-1", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendMessage() = %v, want ErrNotConnected", err)
	}
	if err := ctrl.TypingStart("room-1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("TypingStart() = %v, want ErrNotConnected", err)
	}
	if err := ctrl.Join("room-1"); err != nil {
		t.Fatalf("Join() while idle should only record the room: %v", err)
	}
	if rooms := ctrl.Rooms(); len(rooms) != 1 || rooms[0] != "room-1" {
		t.Fatalf("Rooms() = %v", rooms)
	}
}

func TestController_SendsWireEvents(t *testing.T) {
	ctrl, _, _, conn := connected(t)

	ctrl.Join("room-1")
	ctrl.SendMessage("room-1", map[string]string{"text": "hello"})
	ctrl.TypingStart("room-1")
	ctrl.TypingStop("room-1")
	ctrl.Leave("room-1")

	want := []string{
		realtime.EventJoinConsultation,
		realtime.EventConsultationMessage,
		realtime.EventTypingStart,
		realtime.EventTypingStop,
		realtime.EventLeaveConsultation,
	}
	got := conn.events()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	conn.mu.Lock()
	var p realtime.MessagePayload
	conn.writes[1].Decode(&p)
	conn.mu.Unlock()
	if string(p.Message) != `{"text":"hello"}` || p.Timestamp.IsZero() {
		t.Fatalf("unexpected message payload: %+v", p)
	}
}

func TestController_EventsAndHeartbeatProbe(t *testing.T) {
	ctrl, _, _, conn := connected(t)

	received := make(chan realtime.Envelope, 4)
	ctrl.OnEvent(func(env realtime.Envelope) { received <- env })

	conn.push(t, realtime.EventNotification, realtime.NotificationPayload{Type: "alert", Title: "Lab ready"})
	select {
	case env := <-received:
		if env.Event != realtime.EventNotification {
			t.Fatalf("event = %s", env.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	conn.in <- []byte(`{"event":"heartbeat"}`)
	waitFor(t, "heartbeat reply", func() bool {
		for _, e := range conn.events() {
			if e == realtime.EventHeartbeat {
				return true
			}
		}
		return false
	})
}

func TestController_HeartbeatLoop(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(dialResult{conn: conn})
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	ctrl := New(dialer, cfg)

	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer ctrl.Disconnect()

	waitFor(t, "two heartbeats", func() bool {
		n := 0
		for _, e := range conn.events() {
			if e == realtime.EventHeartbeat {
				n++
			}
		}
		return n >= 2
	})
}

func TestState_String(t *testing.T) {
	if StateReconnecting.String() != "reconnecting" || State(42).String() != "state(42)" {
		t.Fatal("unexpected State.String output")
	}
}
