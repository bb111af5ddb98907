// Package heartbeat tracks per-connection liveness. Each tracked connection
// moves through Alive -> Suspect -> Evicted on its own timer; a beat returns
// it to Alive.
package heartbeat

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the liveness state of a tracked connection.
type State int

const (
	StateUnknown State = iota
	StateAlive
	StateSuspect
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

// Config holds the heartbeat timing parameters.
type Config struct {
	// Interval is how often a client is expected to beat. A connection with
	// no beat for Interval becomes Suspect.
	Interval time.Duration
	// Timeout is the silence after which a connection is Evicted.
	Timeout time.Duration
}

// DefaultConfig tolerates one missed beat at a 30s cadence.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  65 * time.Second,
	}
}

// Validate checks Timeout >= 2*Interval.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.Timeout < 2*c.Interval {
		return fmt.Errorf("heartbeat timeout %s must be at least twice the interval %s", c.Timeout, c.Interval)
	}
	return nil
}

// Callbacks are invoked on their own goroutine, never under the monitor lock.
type Callbacks struct {
	OnSuspect func(id string)
	OnEvict   func(id string)
}

type tracked struct {
	state    State
	lastBeat time.Time
	gen      uint64
	suspect  *time.Timer
	evict    *time.Timer
}

// Monitor owns one pair of timers per tracked connection.
type Monitor struct {
	cfg Config
	cb  Callbacks

	mu     sync.Mutex
	conns  map[string]*tracked
	closed bool
}

// NewMonitor creates a Monitor. Invalid configs fall back to DefaultConfig.
func NewMonitor(cfg Config, cb Callbacks) *Monitor {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:   cfg,
		cb:    cb,
		conns: make(map[string]*tracked),
	}
}

// Config returns the effective timing parameters.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Track starts liveness tracking for id. Tracking an id that is already
// tracked restarts its timers.
func (m *Monitor) Track(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.conns[id]; ok {
		m.stopLocked(t)
	}
	t := &tracked{}
	m.conns[id] = t
	m.armLocked(id, t)
}

// Beat records liveness for id. It reports false if id is not tracked.
func (m *Monitor) Beat(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.conns[id]
	if !ok || t.state == StateEvicted {
		return false
	}
	m.stopLocked(t)
	m.armLocked(id, t)
	return true
}

// Stop cancels tracking for id without evicting it.
func (m *Monitor) Stop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.conns[id]; ok {
		m.stopLocked(t)
		delete(m.conns, id)
	}
}

// State returns the current state for id.
func (m *Monitor) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.conns[id]; ok {
		return t.state
	}
	return StateUnknown
}

// Len returns the number of tracked connections.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close stops every timer. Callbacks already running are not waited for.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.conns {
		m.stopLocked(t)
		delete(m.conns, id)
	}
	m.closed = true
}

func (m *Monitor) armLocked(id string, t *tracked) {
	t.gen++
	gen := t.gen
	t.state = StateAlive
	t.lastBeat = time.Now()
	t.suspect = time.AfterFunc(m.cfg.Interval, func() { m.fire(id, gen, StateSuspect) })
	t.evict = time.AfterFunc(m.cfg.Timeout, func() { m.fire(id, gen, StateEvicted) })
}

func (m *Monitor) stopLocked(t *tracked) {
	if t.suspect != nil {
		t.suspect.Stop()
	}
	if t.evict != nil {
		t.evict.Stop()
	}
}

// fire transitions id to next if the timer generation is still current; a
// beat that raced with the timer bumps the generation and wins.
func (m *Monitor) fire(id string, gen uint64, next State) {
	m.mu.Lock()
	t, ok := m.conns[id]
	if !ok || t.gen != gen || t.state >= next {
		m.mu.Unlock()
		return
	}
	t.state = next
	if next == StateEvicted {
		m.stopLocked(t)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	switch next {
	case StateSuspect:
		if m.cb.OnSuspect != nil {
			m.cb.OnSuspect(id)
		}
	case StateEvicted:
		if m.cb.OnEvict != nil {
			m.cb.OnEvict(id)
		}
	}
}
