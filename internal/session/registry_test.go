package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wlkit/reseat/internal/loop"
	"github.com/wlkit/reseat/internal/pipeline"
	"github.com/wlkit/reseat/internal/wire"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// recorder captures injected events and seat operations in one
// ordered log, standing in for the compositor's input pipeline and
// seat set.
type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, entry)
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.entries() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (r *recorder) InjectKey(ev pipeline.KeyEvent) {
	r.add(fmt.Sprintf("key %d pressed=%v seat=%s", ev.Code, ev.Pressed, ev.Seat))
}

func (r *recorder) InjectMotion(ev pipeline.MotionEvent) {
	r.add(fmt.Sprintf("motion %v,%v seat=%s", ev.DX, ev.DY, ev.Seat))
}

func (r *recorder) InjectMotionAbsolute(ev pipeline.MotionAbsoluteEvent) {
	r.add(fmt.Sprintf("motion-abs %v,%v seat=%s", ev.X, ev.Y, ev.Seat))
}

func (r *recorder) InjectButton(ev pipeline.ButtonEvent) {
	r.add(fmt.Sprintf("button %d pressed=%v seat=%s", ev.Code, ev.Pressed, ev.Seat))
}

func (r *recorder) InjectScroll(ev pipeline.ScrollEvent) {
	r.add(fmt.Sprintf("scroll %v,%v seat=%s", ev.DX, ev.DY, ev.Seat))
}

func (r *recorder) InjectScrollDiscrete(ev pipeline.ScrollDiscreteEvent) {
	r.add(fmt.Sprintf("scroll-discrete %d,%d seat=%s", ev.StepsX, ev.StepsY, ev.Seat))
}

func (r *recorder) AddSeat(name string, keyboard, pointer bool) error {
	r.add(fmt.Sprintf("add-seat %s kb=%v ptr=%v", name, keyboard, pointer))
	return nil
}

func (r *recorder) RemoveSeat(name string) {
	r.add(fmt.Sprintf("remove-seat %s", name))
}

type rig struct {
	registry *Registry
	rec      *recorder
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	lp := loop.New()
	go lp.Run(ctx)

	rec := &recorder{}
	return &rig{
		registry: NewRegistry(lp, rec, rec, opts),
		rec:      rec,
	}
}

// socketPair returns two connected stream sockets. Kernel buffering
// keeps handshake replies from blocking the loop goroutine.
func socketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	conns := make([]net.Conn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "socketpair")
		conns[i], err = net.FileConn(f)
		f.Close()
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		conns[0].Close()
		conns[1].Close()
	})
	return conns[0], conns[1]
}

// peer drives the remote side of a channel from the test.
type peer struct {
	conn net.Conn
	dec  *wire.Decoder
}

func (r *rig) accept(t *testing.T) *peer {
	t.Helper()
	server, client := socketPair(t)
	require.NoError(t, r.registry.Accept(server))
	return &peer{conn: client, dec: wire.NewDecoder(0, 0)}
}

func (p *peer) send(t *testing.T, msg wire.Message) {
	t.Helper()
	frame, err := wire.Encode(msg)
	require.NoError(t, err)
	_, err = p.conn.Write(frame)
	require.NoError(t, err)
}

func (p *peer) recv(t *testing.T) wire.Message {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))

	buf := make([]byte, 512)
	for {
		if msg, err := p.dec.Next(); err != nil {
			t.Fatalf("decode reply: %v", err)
		} else if msg != nil {
			return msg
		}
		n, err := p.conn.Read(buf)
		require.NoError(t, err, "reading handshake reply")
		require.NoError(t, p.dec.Feed(buf[:n]))
	}
}

// expectClosed waits for the receiver to drop the channel.
func (p *peer) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))

	buf := make([]byte, 512)
	for {
		_, err := p.conn.Read(buf)
		if err != nil {
			require.ErrorIs(t, err, io.EOF, "expected clean close")
			return
		}
	}
}

// handshake completes the full negotiation and returns the assigned
// seat name and device identifiers.
func (p *peer) handshake(t *testing.T) (seatName string, keyboard, pointer uint64) {
	t.Helper()

	p.send(t, &wire.Hello{Name: "test-peer", Version: ProtocolVersion})
	welcome, ok := p.recv(t).(*wire.Welcome)
	require.True(t, ok, "first reply must be the greeting response")
	require.Equal(t, uint32(ProtocolVersion), welcome.Version)
	require.NotEmpty(t, welcome.Seat)

	p.send(t, &wire.Bind{Capabilities: wire.CapKeyboard | wire.CapPointer})
	for i := 0; i < 2; i++ {
		added, ok := p.recv(t).(*wire.DeviceAdded)
		require.True(t, ok, "expected device announcement")
		switch added.Kind {
		case wire.DeviceKeyboard:
			keyboard = added.Device
		case wire.DevicePointer:
			pointer = added.Device
		default:
			t.Fatalf("unknown device kind %d", added.Kind)
		}
	}
	require.NotZero(t, keyboard, "keyboard device not announced")
	require.NotZero(t, pointer, "pointer device not announced")
	require.NotEqual(t, keyboard, pointer, "device identifiers must be distinct")

	p.send(t, &wire.Done{})
	return welcome.Seat, keyboard, pointer
}

func (r *rig) waitLog(t *testing.T, entry string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range r.rec.entries() {
			if e == entry {
				return true
			}
		}
		return false
	}, waitFor, tick, "log entry %q never appeared; log: %v", entry, r.rec.entries())
}

func (r *rig) waitSessions(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.registry.SessionCount() == want
	}, waitFor, tick, "session count never reached %d", want)
}

func TestHandshakeReachesReady(t *testing.T) {
	rig := newRig(t, Options{})
	p := rig.accept(t)

	seatName, keyboard, _ := p.handshake(t)
	rig.waitLog(t, fmt.Sprintf("add-seat %s kb=true ptr=true", seatName))

	// The session is Ready exactly when input is accepted.
	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 30, Pressed: true})
	rig.waitLog(t, fmt.Sprintf("key 30 pressed=true seat=%s", seatName))
}

func TestKeyboardOnlyBindAnnouncesOneDevice(t *testing.T) {
	rig := newRig(t, Options{})
	p := rig.accept(t)

	p.send(t, &wire.Hello{Name: "kb-only", Version: 1})
	_, ok := p.recv(t).(*wire.Welcome)
	require.True(t, ok)

	p.send(t, &wire.Bind{Capabilities: wire.CapKeyboard})
	added, ok := p.recv(t).(*wire.DeviceAdded)
	require.True(t, ok)
	require.Equal(t, wire.DeviceKeyboard, added.Kind)

	p.send(t, &wire.Done{})
	p.send(t, &wire.KeyboardKey{Device: added.Device, Code: 30, Pressed: true})
	rig.waitLog(t, "key 30 pressed=true seat=remote-1")
}

func TestVersionNegotiationPicksLower(t *testing.T) {
	rig := newRig(t, Options{})
	p := rig.accept(t)

	p.send(t, &wire.Hello{Name: "future-peer", Version: 99})
	welcome, ok := p.recv(t).(*wire.Welcome)
	require.True(t, ok)
	require.Equal(t, uint32(ProtocolVersion), welcome.Version)
}

func TestHandshakeViolations(t *testing.T) {
	tests := []struct {
		name  string
		drive func(t *testing.T, p *peer)
	}{
		{
			name: "input before greeting",
			drive: func(t *testing.T, p *peer) {
				p.send(t, &wire.PointerMotionAbsolute{Device: 1, X: 100, Y: 200})
			},
		},
		{
			name: "bind before greeting",
			drive: func(t *testing.T, p *peer) {
				p.send(t, &wire.Bind{Capabilities: wire.CapKeyboard})
			},
		},
		{
			name: "done before bind",
			drive: func(t *testing.T, p *peer) {
				p.send(t, &wire.Hello{Name: "x", Version: 1})
				p.recv(t)
				p.send(t, &wire.Done{})
			},
		},
		{
			name: "empty greeting name",
			drive: func(t *testing.T, p *peer) {
				p.send(t, &wire.Hello{Name: "", Version: 1})
			},
		},
		{
			name: "zero greeting version",
			drive: func(t *testing.T, p *peer) {
				p.send(t, &wire.Hello{Name: "x", Version: 0})
			},
		},
		{
			name: "bind with no known capability",
			drive: func(t *testing.T, p *peer) {
				p.send(t, &wire.Hello{Name: "x", Version: 1})
				p.recv(t)
				p.send(t, &wire.Bind{Capabilities: 0})
			},
		},
		{
			name: "second greeting",
			drive: func(t *testing.T, p *peer) {
				p.send(t, &wire.Hello{Name: "x", Version: 1})
				p.recv(t)
				p.send(t, &wire.Hello{Name: "x", Version: 1})
			},
		},
		{
			name: "input while advertising devices",
			drive: func(t *testing.T, p *peer) {
				p.send(t, &wire.Hello{Name: "x", Version: 1})
				p.recv(t)
				p.send(t, &wire.Bind{Capabilities: wire.CapKeyboard | wire.CapPointer})
				p.recv(t)
				p.recv(t)
				// Devices announced but no Done yet: input is still a
				// violation.
				p.send(t, &wire.PointerMotionAbsolute{Device: 2, X: 100, Y: 200})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newRig(t, Options{})
			p := rig.accept(t)
			rig.waitSessions(t, 1)

			tt.drive(t, p)
			p.expectClosed(t)
			rig.waitSessions(t, 0)

			// A violated session must not have injected anything.
			require.Zero(t, rig.rec.count("key"), "log: %v", rig.rec.entries())
			require.Zero(t, rig.rec.count("motion"), "log: %v", rig.rec.entries())
		})
	}
}

func TestDuplicateKeyPressSuppressed(t *testing.T) {
	rig := newRig(t, Options{})
	p := rig.accept(t)
	seatName, keyboard, _ := p.handshake(t)

	press := fmt.Sprintf("key 30 pressed=true seat=%s", seatName)
	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 30, Pressed: true})
	rig.waitLog(t, press)

	// Second press of a held key is a no-op, not an error: the
	// session stays alive and no second event appears.
	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 30, Pressed: true})
	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 31, Pressed: true})
	rig.waitLog(t, fmt.Sprintf("key 31 pressed=true seat=%s", seatName))
	require.Equal(t, 1, rig.rec.count(press), "log: %v", rig.rec.entries())

	release := fmt.Sprintf("key 30 pressed=false seat=%s", seatName)
	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 30, Pressed: false})
	rig.waitLog(t, release)
	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 30, Pressed: false})
	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 31, Pressed: false})
	rig.waitLog(t, fmt.Sprintf("key 31 pressed=false seat=%s", seatName))
	require.Equal(t, 1, rig.rec.count(release), "log: %v", rig.rec.entries())
}

func TestDuplicateButtonPressSuppressed(t *testing.T) {
	rig := newRig(t, Options{})
	p := rig.accept(t)
	seatName, _, pointer := p.handshake(t)

	press := fmt.Sprintf("button 272 pressed=true seat=%s", seatName)
	p.send(t, &wire.Button{Device: pointer, Code: 0x110, Pressed: true})
	p.send(t, &wire.Button{Device: pointer, Code: 0x110, Pressed: true})
	p.send(t, &wire.ScrollDiscrete{Device: pointer, StepsY: 1})
	rig.waitLog(t, fmt.Sprintf("scroll-discrete 0,1 seat=%s", seatName))
	require.Equal(t, 1, rig.rec.count(press), "log: %v", rig.rec.entries())
}

func TestPointerEventsTranslate(t *testing.T) {
	rig := newRig(t, Options{})
	p := rig.accept(t)
	seatName, _, pointer := p.handshake(t)

	p.send(t, &wire.PointerMotion{Device: pointer, DX: -3.5, DY: 2})
	rig.waitLog(t, fmt.Sprintf("motion -3.5,2 seat=%s", seatName))

	p.send(t, &wire.PointerMotionAbsolute{Device: pointer, X: 100, Y: 200})
	rig.waitLog(t, fmt.Sprintf("motion-abs 100,200 seat=%s", seatName))

	p.send(t, &wire.ScrollDelta{Device: pointer, DX: 0, DY: 15})
	rig.waitLog(t, fmt.Sprintf("scroll 0,15 seat=%s", seatName))

	// Frame markers are accepted silently.
	p.send(t, &wire.Frame{Device: pointer})
	p.send(t, &wire.ScrollDiscrete{Device: pointer, StepsX: -1, StepsY: 0})
	rig.waitLog(t, fmt.Sprintf("scroll-discrete -1,0 seat=%s", seatName))
}

func TestInputViolationsAfterReady(t *testing.T) {
	tests := []struct {
		name  string
		drive func(p *peer, t *testing.T, keyboard, pointer uint64)
	}{
		{
			name: "unannounced device",
			drive: func(p *peer, t *testing.T, keyboard, pointer uint64) {
				p.send(t, &wire.KeyboardKey{Device: 99, Code: 30, Pressed: true})
			},
		},
		{
			name: "key event on pointer device",
			drive: func(p *peer, t *testing.T, keyboard, pointer uint64) {
				p.send(t, &wire.KeyboardKey{Device: pointer, Code: 30, Pressed: true})
			},
		},
		{
			name: "keycode out of range",
			drive: func(p *peer, t *testing.T, keyboard, pointer uint64) {
				p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 0x300, Pressed: true})
			},
		},
		{
			name: "non-finite motion delta",
			drive: func(p *peer, t *testing.T, keyboard, pointer uint64) {
				p.send(t, &wire.PointerMotion{Device: pointer, DX: nan(), DY: 0})
			},
		},
		{
			name: "greeting after ready",
			drive: func(p *peer, t *testing.T, keyboard, pointer uint64) {
				p.send(t, &wire.Hello{Name: "again", Version: 1})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newRig(t, Options{})
			p := rig.accept(t)
			seatName, keyboard, pointer := p.handshake(t)
			rig.waitLog(t, fmt.Sprintf("add-seat %s kb=true ptr=true", seatName))

			before := len(rig.rec.entries())
			tt.drive(p, t, keyboard, pointer)
			p.expectClosed(t)
			rig.waitSessions(t, 0)

			// Teardown removes the seat; the offending message itself
			// injected nothing.
			entries := rig.rec.entries()[before:]
			require.Equal(t, []string{fmt.Sprintf("remove-seat %s", seatName)}, entries)
		})
	}
}

func TestTeardownReleasesHeldState(t *testing.T) {
	rig := newRig(t, Options{})
	p := rig.accept(t)
	seatName, keyboard, pointer := p.handshake(t)

	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 30, Pressed: true})
	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 42, Pressed: true})
	p.send(t, &wire.Button{Device: pointer, Code: 0x110, Pressed: true})
	rig.waitLog(t, fmt.Sprintf("button 272 pressed=true seat=%s", seatName))

	p.conn.Close()
	rig.waitSessions(t, 0)

	// Exactly one release per held code, all before seat removal.
	want := []string{
		fmt.Sprintf("key 30 pressed=false seat=%s", seatName),
		fmt.Sprintf("key 42 pressed=false seat=%s", seatName),
		fmt.Sprintf("button 272 pressed=false seat=%s", seatName),
		fmt.Sprintf("remove-seat %s", seatName),
	}
	entries := rig.rec.entries()
	require.GreaterOrEqual(t, len(entries), len(want))
	require.Equal(t, want, entries[len(entries)-len(want):])
}

func TestTeardownWithNothingHeld(t *testing.T) {
	rig := newRig(t, Options{})
	p := rig.accept(t)
	seatName, keyboard, _ := p.handshake(t)

	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 30, Pressed: true})
	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 30, Pressed: false})
	rig.waitLog(t, fmt.Sprintf("key 30 pressed=false seat=%s", seatName))

	p.conn.Close()
	rig.waitSessions(t, 0)

	entries := rig.rec.entries()
	require.Equal(t, fmt.Sprintf("remove-seat %s", seatName), entries[len(entries)-1])
	// One press, one release, nothing synthesized on top.
	require.Equal(t, 2, rig.rec.count("key "), "log: %v", entries)
}

func TestSessionsAreIsolated(t *testing.T) {
	rig := newRig(t, Options{})

	a := rig.accept(t)
	seatA, keyboardA, _ := a.handshake(t)
	b := rig.accept(t)
	seatB, keyboardB, _ := b.handshake(t)
	require.NotEqual(t, seatA, seatB)
	rig.waitSessions(t, 2)

	// Both hold the same keycode; the state tables must not bleed.
	a.send(t, &wire.KeyboardKey{Device: keyboardA, Code: 30, Pressed: true})
	rig.waitLog(t, fmt.Sprintf("key 30 pressed=true seat=%s", seatA))
	b.send(t, &wire.KeyboardKey{Device: keyboardB, Code: 30, Pressed: true})
	rig.waitLog(t, fmt.Sprintf("key 30 pressed=true seat=%s", seatB))

	// Tearing down A releases A's key only and leaves B Ready.
	a.conn.Close()
	rig.waitSessions(t, 1)
	rig.waitLog(t, fmt.Sprintf("key 30 pressed=false seat=%s", seatA))
	require.Zero(t, rig.rec.count(fmt.Sprintf("key 30 pressed=false seat=%s", seatB)))
	require.Zero(t, rig.rec.count(fmt.Sprintf("remove-seat %s", seatB)))

	// B still translates input, with its held state intact: a second
	// press of 30 stays suppressed.
	b.send(t, &wire.KeyboardKey{Device: keyboardB, Code: 30, Pressed: true})
	b.send(t, &wire.KeyboardKey{Device: keyboardB, Code: 31, Pressed: true})
	rig.waitLog(t, fmt.Sprintf("key 31 pressed=true seat=%s", seatB))
	require.Equal(t, 1, rig.rec.count(fmt.Sprintf("key 30 pressed=true seat=%s", seatB)))
}

func TestOversizedFrameClosesSession(t *testing.T) {
	rig := newRig(t, Options{MaxFrameSize: 64})
	p := rig.accept(t)
	p.handshake(t)
	rig.waitSessions(t, 1)

	// Header declaring a payload beyond the limit; the violation
	// fires before any body arrives.
	_, err := p.conn.Write([]byte{0x00, 0x01, 0x00, 0x00})
	require.NoError(t, err)

	p.expectClosed(t)
	rig.waitSessions(t, 0)
}

func TestBufferLimitClosesSession(t *testing.T) {
	rig := newRig(t, Options{MaxFrameSize: 16, MaxBuffered: 16})
	p := rig.accept(t)

	// A flood of bytes that never completes a frame.
	_, err := p.conn.Write(make([]byte, 64))
	if err == nil {
		p.expectClosed(t)
	}
	rig.waitSessions(t, 0)
}

func TestSessionCapRefusesNewcomers(t *testing.T) {
	rig := newRig(t, Options{MaxSessions: 1})

	p := rig.accept(t)
	seatName, keyboard, _ := p.handshake(t)
	rig.waitSessions(t, 1)

	server, client := socketPair(t)
	require.ErrorIs(t, rig.registry.Accept(server), ErrTooManySessions)

	// The refused channel is closed without touching the registry.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := client.Read(make([]byte, 1))
	require.Error(t, err)

	// The existing session is unaffected.
	p.send(t, &wire.KeyboardKey{Device: keyboard, Code: 30, Pressed: true})
	rig.waitLog(t, fmt.Sprintf("key 30 pressed=true seat=%s", seatName))

	// Once it goes away the slot opens up again.
	p.conn.Close()
	rig.waitSessions(t, 0)
	p2 := rig.accept(t)
	p2.handshake(t)
	rig.waitSessions(t, 1)
}

func TestShutdownTearsDownEverySession(t *testing.T) {
	rig := newRig(t, Options{})

	a := rig.accept(t)
	seatA, keyboardA, _ := a.handshake(t)
	b := rig.accept(t)
	seatB, _, _ := b.handshake(t)

	a.send(t, &wire.KeyboardKey{Device: keyboardA, Code: 30, Pressed: true})
	rig.waitLog(t, fmt.Sprintf("key 30 pressed=true seat=%s", seatA))

	rig.registry.Shutdown()
	rig.waitSessions(t, 0)
	rig.waitLog(t, fmt.Sprintf("key 30 pressed=false seat=%s", seatA))
	rig.waitLog(t, fmt.Sprintf("remove-seat %s", seatA))
	rig.waitLog(t, fmt.Sprintf("remove-seat %s", seatB))
}

func nan() float64 {
	var zero float64
	return zero / zero
}
