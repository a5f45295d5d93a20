package session

import (
	"errors"
	"fmt"

	"github.com/wlkit/reseat/internal/logger"
	"github.com/wlkit/reseat/internal/seat"
	"github.com/wlkit/reseat/internal/wire"
)

// Handshake errors. Each one is fatal to its session.
var (
	ErrUnexpectedMessage = errors.New("session: unexpected message for phase")
	ErrBadGreeting       = errors.New("session: malformed greeting")
	ErrNoCapabilities    = errors.New("session: bind requests no known capability")
)

// handshake advances the state machine for one pre-Ready message.
// Transitions are driven exclusively by this session's own traffic.
func (r *Registry) handshake(s *Session, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.Hello:
		if s.phase != PhaseConnecting {
			return fmt.Errorf("%w: greeting in phase %s", ErrUnexpectedMessage, s.phase)
		}
		if m.Name == "" || m.Version == 0 {
			return fmt.Errorf("%w: name=%q version=%d", ErrBadGreeting, truncateName(m.Name), m.Version)
		}
		s.clientName = truncateName(m.Name)
		s.version = min(m.Version, ProtocolVersion)
		if err := s.send(&wire.Welcome{Version: s.version, Seat: s.seatName}); err != nil {
			return fmt.Errorf("failed to send greeting reply: %w", err)
		}
		s.phase = PhaseNegotiating
		logger.Debugf("Session %d greeted by %q, negotiated version %d", s.id, s.clientName, s.version)
		return nil

	case *wire.Bind:
		if s.phase != PhaseNegotiating {
			return fmt.Errorf("%w: bind in phase %s", ErrUnexpectedMessage, s.phase)
		}
		keyboard := m.Capabilities&wire.CapKeyboard != 0
		pointer := m.Capabilities&wire.CapPointer != 0
		if !keyboard && !pointer {
			return fmt.Errorf("%w: mask 0x%x", ErrNoCapabilities, m.Capabilities)
		}
		return r.advertiseDevices(s, keyboard, pointer)

	case *wire.Done:
		if s.phase != PhaseAdvertisingDevices {
			return fmt.Errorf("%w: done in phase %s", ErrUnexpectedMessage, s.phase)
		}
		s.phase = PhaseReady
		logger.Infof("Session %d ready: seat %s with %d devices", s.id, s.seat.Name(), s.seat.DeviceCount())
		return nil

	default:
		// Input-phase traffic (or a server-only message) before the
		// handshake completed.
		return fmt.Errorf("%w: %s (0x%02x) in phase %s",
			ErrUnexpectedMessage, describe(msg), uint8(msg.WireType()), s.phase)
	}
}

// advertiseDevices creates the virtual seat and its devices, adds the
// seat to the compositor's seat set, and announces each device to the
// client before the session can advance to Ready.
func (r *Registry) advertiseDevices(s *Session, keyboard, pointer bool) error {
	if err := r.seats.AddSeat(s.seatName, keyboard, pointer); err != nil {
		return fmt.Errorf("failed to add seat %s: %w", s.seatName, err)
	}
	s.seat = seat.New(s.seatName)
	s.phase = PhaseAdvertisingDevices

	if keyboard {
		if err := r.announceDevice(s, seat.DeviceKeyboard); err != nil {
			return err
		}
	}
	if pointer {
		if err := r.announceDevice(s, seat.DevicePointer); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) announceDevice(s *Session, kind seat.DeviceKind) error {
	id := s.nextObjectID()
	s.seat.AddDevice(id, kind)

	wireKind := wire.DeviceKeyboard
	if kind == seat.DevicePointer {
		wireKind = wire.DevicePointer
	}
	if err := s.send(&wire.DeviceAdded{Device: id, Kind: wireKind}); err != nil {
		return fmt.Errorf("failed to announce %s device: %w", kind, err)
	}
	logger.Debugf("Session %d announced %s device %d", s.id, kind, id)
	return nil
}

// describe names a message for diagnostics.
func describe(msg wire.Message) string {
	switch msg.(type) {
	case *wire.Hello:
		return "greeting"
	case *wire.Bind:
		return "bind"
	case *wire.Done:
		return "done"
	case *wire.Welcome:
		return "welcome"
	case *wire.DeviceAdded:
		return "device-added"
	case *wire.KeyboardKey:
		return "keyboard-key"
	case *wire.PointerMotion:
		return "pointer-motion"
	case *wire.PointerMotionAbsolute:
		return "pointer-motion-absolute"
	case *wire.Button:
		return "button"
	case *wire.ScrollDelta:
		return "scroll-delta"
	case *wire.ScrollDiscrete:
		return "scroll-discrete"
	case *wire.Frame:
		return "frame"
	default:
		return "unknown"
	}
}
