package session

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/wlkit/reseat/internal/logger"
	"github.com/wlkit/reseat/internal/loop"
	"github.com/wlkit/reseat/internal/pipeline"
	"github.com/wlkit/reseat/internal/wire"
)

// DefaultMaxSessions caps concurrent remote connections.
const DefaultMaxSessions = 8

// DefaultSeatPrefix prefixes generated seat names.
const DefaultSeatPrefix = "remote-"

// ErrTooManySessions is returned by Accept when the session cap is
// reached. Existing sessions are unaffected.
var ErrTooManySessions = errors.New("session: connection limit reached")

// Options tune the registry's resource bounds.
type Options struct {
	// MaxSessions caps concurrent sessions; 0 selects the default.
	MaxSessions int
	// MaxFrameSize and MaxBuffered bound per-session protocol
	// buffering; 0 selects the wire package defaults.
	MaxFrameSize int
	MaxBuffered  int
	// SeatPrefix prefixes generated seat names; "" selects the
	// default.
	SeatPrefix string
}

// Registry is the process-wide table of live sessions. The sessions
// map is mutated only on the loop goroutine; Accept may be called
// from any goroutine and funnels creation through the loop.
type Registry struct {
	loop  *loop.Loop
	sink  pipeline.Sink
	seats pipeline.SeatManager
	opts  Options

	sessions map[uint64]*Session

	nextID atomic.Uint64
	active atomic.Int32
}

// NewRegistry creates an empty registry dispatching on lp and
// injecting into sink and seats.
func NewRegistry(lp *loop.Loop, sink pipeline.Sink, seats pipeline.SeatManager, opts Options) *Registry {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.SeatPrefix == "" {
		opts.SeatPrefix = DefaultSeatPrefix
	}
	return &Registry{
		loop:     lp,
		sink:     sink,
		seats:    seats,
		opts:     opts,
		sessions: make(map[uint64]*Session),
	}
}

// Accept takes ownership of a freshly accepted channel and begins a
// session for it. The refusal is synchronous; all protocol activity
// is asynchronous. On refusal the channel is closed.
func (r *Registry) Accept(conn net.Conn) error {
	for {
		current := r.active.Load()
		if int(current) >= r.opts.MaxSessions {
			_ = conn.Close()
			logger.Warnf("Rejecting connection: limit of %d sessions reached", r.opts.MaxSessions)
			return ErrTooManySessions
		}
		if r.active.CompareAndSwap(current, current+1) {
			break
		}
	}

	id := r.nextID.Add(1)
	r.loop.Post(func() { r.create(id, conn) })
	return nil
}

// SessionCount returns the number of live sessions. Safe from any
// goroutine.
func (r *Registry) SessionCount() int { return int(r.active.Load()) }

// Shutdown tears down every session. Safe from any goroutine;
// teardown itself runs on the loop.
func (r *Registry) Shutdown() {
	r.loop.Post(func() {
		for _, s := range r.sessions {
			r.destroy(s)
		}
	})
}

// create runs on the loop goroutine.
func (r *Registry) create(id uint64, conn net.Conn) {
	s := &Session{
		id:       id,
		phase:    PhaseConnecting,
		conn:     conn,
		dec:      wire.NewDecoder(r.opts.MaxFrameSize, r.opts.MaxBuffered),
		seatName: fmt.Sprintf("%s%d", r.opts.SeatPrefix, id),
	}
	r.sessions[id] = s
	s.watch = r.loop.Watch(conn,
		func(p []byte) { r.handleData(s, p) },
		func(err error) { r.handleClosed(s, err) },
	)
	logger.Infof("Session %d accepted (%d active)", id, r.active.Load())
}

// handleData feeds freshly read bytes through the codec and
// dispatches every complete message in arrival order.
func (r *Registry) handleData(s *Session, p []byte) {
	if s.phase == PhaseClosed {
		return
	}
	if err := s.dec.Feed(p); err != nil {
		r.violation(s, err)
		return
	}
	for {
		msg, err := s.dec.Next()
		if err != nil {
			r.violation(s, err)
			return
		}
		if msg == nil {
			return
		}
		if err := r.dispatch(s, msg); err != nil {
			r.violation(s, err)
			return
		}
		if s.phase == PhaseClosed {
			return
		}
	}
}

func (r *Registry) dispatch(s *Session, msg wire.Message) error {
	if s.phase != PhaseReady {
		return r.handshake(s, msg)
	}
	return r.translate(s, msg)
}

// handleClosed handles endpoint EOF or error: a channel fault,
// treated identically to a protocol violation.
func (r *Registry) handleClosed(s *Session, err error) {
	if s.phase == PhaseClosed {
		return
	}
	logger.Debugf("Session %d channel closed: %v", s.id, err)
	r.destroy(s)
}

// violation tears a session down after a fatal protocol error.
// Protocol errors are never retried and never affect other sessions.
func (r *Registry) violation(s *Session, err error) {
	logger.Warnf("Session %d protocol violation in phase %s: %v", s.id, s.phase, err)
	r.destroy(s)
}

// destroy runs on the loop goroutine and is idempotent. It releases
// every held key and button, removes the seat from the compositor,
// closes the descriptor exactly once, and drops the session.
func (r *Registry) destroy(s *Session) {
	if s.phase == PhaseClosed {
		return
	}
	s.phase = PhaseClosed

	if s.seat != nil {
		now := time.Now().UnixMilli()
		for _, code := range s.seat.HeldKeys() {
			s.seat.ReleaseKey(code)
			r.sink.InjectKey(pipeline.KeyEvent{Seat: s.seat.Name(), Code: code, Pressed: false, TimestampMs: now})
		}
		for _, code := range s.seat.HeldButtons() {
			s.seat.ReleaseButton(code)
			r.sink.InjectButton(pipeline.ButtonEvent{Seat: s.seat.Name(), Code: code, Pressed: false, TimestampMs: now})
		}
		r.seats.RemoveSeat(s.seat.Name())
	}

	s.watch.Cancel()
	s.closeConn()
	delete(r.sessions, s.id)
	r.active.Add(-1)
	logger.Infof("Session %d closed (%d active)", s.id, r.active.Load())
}
