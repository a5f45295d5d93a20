// Package loop provides the serialized event loop the receiver runs
// on. One goroutine owns all session and seat-set mutation; channel
// endpoints get a read pump that ferries bytes to the loop, so every
// callback fires on the loop goroutine in read order. This is the
// single-writer rendition of a readiness-driven compositor loop: an
// endpoint whose pump has nothing to deliver simply never schedules
// a callback.
package loop

import (
	"context"
	"net"
)

// readChunkSize is the size of a single pump read.
const readChunkSize = 4096

// Loop is a serialized task queue owned by one goroutine.
type Loop struct {
	tasks chan func()
	done  chan struct{}
}

// New creates a loop. Run must be called for callbacks to fire.
func New() *Loop {
	return &Loop{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
}

// Run processes tasks until ctx is cancelled. It must be called
// exactly once; the calling goroutine becomes the loop goroutine.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			// Drain tasks queued before cancellation so posted
			// teardown work still runs.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post hands fn to the loop goroutine. Safe from any goroutine; after
// the loop stops the task is dropped.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
	case l.tasks <- fn:
	}
}

// Watch registers an endpoint for readiness-driven dispatch. onData
// and onClosed fire on the loop goroutine, in read order; onClosed
// fires at most once, when the endpoint reaches EOF or errors.
func (l *Loop) Watch(conn net.Conn, onData func([]byte), onClosed func(error)) *Watch {
	w := &Watch{loop: l}
	go w.pump(conn, onData, onClosed)
	return w
}

// Watch is a registration handle for one endpoint.
type Watch struct {
	loop *Loop

	// cancelled is read and written only on the loop goroutine.
	cancelled bool
}

// Cancel deregisters the endpoint: no further callbacks fire. Must be
// called on the loop goroutine.
func (w *Watch) Cancel() { w.cancelled = true }

func (w *Watch) pump(conn net.Conn, onData func([]byte), onClosed func(error)) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			w.loop.Post(func() {
				if !w.cancelled {
					onData(chunk)
				}
			})
		}
		if err != nil {
			w.loop.Post(func() {
				if !w.cancelled {
					w.cancelled = true
					onClosed(err)
				}
			})
			return
		}
	}
}
