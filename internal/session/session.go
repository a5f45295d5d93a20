// Package session implements the lifecycle of one accepted remote
// input channel: the handshake that negotiates a virtual seat, the
// translation of input messages into compositor events, and the
// process-wide registry that owns every live session. All mutation
// happens on the event loop goroutine.
package session

import (
	"net"
	"sync"

	"github.com/wlkit/reseat/internal/loop"
	"github.com/wlkit/reseat/internal/seat"
	"github.com/wlkit/reseat/internal/wire"
)

// ProtocolVersion is the highest protocol version this receiver
// speaks. Negotiation picks the lower of client and server.
const ProtocolVersion = 1

// maxClientNameLen truncates client-supplied names before they reach
// logs.
const maxClientNameLen = 128

// Phase is a session's lifecycle phase.
type Phase uint8

const (
	// PhaseConnecting: channel accepted, no greeting yet.
	PhaseConnecting Phase = iota
	// PhaseNegotiating: greeting exchanged, waiting for a bind.
	PhaseNegotiating
	// PhaseAdvertisingDevices: seat and devices created and
	// announced, waiting for the client's done marker.
	PhaseAdvertisingDevices
	// PhaseReady: handshake complete, input messages accepted.
	PhaseReady
	// PhaseClosed: terminal; reached from any phase on disconnect,
	// protocol violation, or teardown.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseAdvertisingDevices:
		return "advertising-devices"
	case PhaseReady:
		return "ready"
	case PhaseClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Session is one remote connection's worth of state. Owned
// exclusively by the Registry; fields are touched only on the loop
// goroutine (closeOnce excepted, which makes the descriptor release
// safe against racing teardown paths).
type Session struct {
	id       uint64
	phase    Phase
	conn     net.Conn
	watch    *loop.Watch
	dec      *wire.Decoder
	seatName string
	seat     *seat.Seat

	clientName string
	version    uint32

	// Monotonic counter assigning protocol object identifiers.
	nextObject uint64

	closeOnce sync.Once
}

// ID returns the registry-assigned session identifier.
func (s *Session) ID() uint64 { return s.id }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase { return s.phase }

// Seat returns the session's virtual seat, nil before the bind.
func (s *Session) Seat() *seat.Seat { return s.seat }

// ClientName returns the name the client announced, if any.
func (s *Session) ClientName() string { return s.clientName }

func (s *Session) nextObjectID() uint64 {
	s.nextObject++
	return s.nextObject
}

// send serializes a handshake reply and writes it to the channel.
func (s *Session) send(msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(frame)
	return err
}

// closeConn releases the channel descriptor exactly once.
func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func truncateName(name string) string {
	if len(name) > maxClientNameLen {
		return name[:maxClientNameLen]
	}
	return name
}
