package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teleconsult/realtime/pkg/realtime"
)

// Mirror observes presence changes, e.g. to publish them to a store shared
// with other processes. Calls happen on a background worker, never on the
// connection path.
type Mirror interface {
	Online(ctx context.Context, identity realtime.Identity) error
	Offline(ctx context.Context, identity realtime.Identity) error
	Touch(ctx context.Context, identity realtime.Identity) error
}

type mirrorOpKind int

const (
	opOnline mirrorOpKind = iota
	opOffline
	opTouch
)

type mirrorOp struct {
	kind     mirrorOpKind
	identity realtime.Identity
}

const (
	defaultMirrorQueueSize = 1024
	mirrorCallTimeout      = 2 * time.Second
)

// mirrorQueue is a bounded, drop-on-full queue in front of a Mirror. A nil
// *mirrorQueue is a valid no-op.
type mirrorQueue struct {
	target Mirror
	ops    chan mirrorOp
	logger zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newMirrorQueue(target Mirror, size int, logger zerolog.Logger) *mirrorQueue {
	if size <= 0 {
		size = defaultMirrorQueueSize
	}
	q := &mirrorQueue{
		target: target,
		ops:    make(chan mirrorOp, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *mirrorQueue) online(id realtime.Identity)  { q.push(mirrorOp{kind: opOnline, identity: id}) }
func (q *mirrorQueue) offline(id realtime.Identity) { q.push(mirrorOp{kind: opOffline, identity: id}) }
func (q *mirrorQueue) touch(id realtime.Identity)   { q.push(mirrorOp{kind: opTouch, identity: id}) }

func (q *mirrorQueue) push(op mirrorOp) {
	if q == nil {
		return
	}
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.ops <- op:
	default:
		q.logger.Warn().Str("identity_id", op.identity.ID).Msg("presence mirror queue full, dropping update")
	}
}

func (q *mirrorQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case op := <-q.ops:
			q.apply(op)
		}
	}
}

func (q *mirrorQueue) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorCallTimeout)
	defer cancel()

	var err error
	switch op.kind {
	case opOnline:
		err = q.target.Online(ctx, op.identity)
	case opOffline:
		err = q.target.Offline(ctx, op.identity)
	case opTouch:
		err = q.target.Touch(ctx, op.identity)
	}
	if err != nil {
		q.logger.Warn().Err(err).Str("identity_id", op.identity.ID).Msg("presence mirror update failed")
	}
}

func (q *mirrorQueue) close() {
	if q == nil {
		return
	}
	q.closeOnce.Do(func() { close(q.done) })
}
