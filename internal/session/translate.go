package session

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wlkit/reseat/internal/logger"
	"github.com/wlkit/reseat/internal/pipeline"
	"github.com/wlkit/reseat/internal/seat"
	"github.com/wlkit/reseat/internal/wire"
)

// Translation errors. Like all protocol errors, fatal to the session.
var (
	ErrUnknownDevice  = errors.New("session: message references unannounced device")
	ErrWrongDevice    = errors.New("session: message kind does not match device kind")
	ErrCodeOutOfRange = errors.New("session: key or button code out of range")
	ErrNonFinite      = errors.New("session: non-finite coordinate")
)

// translate maps one input-phase message into a compositor event,
// tagged with this session's seat and the current timestamp. Only
// Ready sessions get here.
func (r *Registry) translate(s *Session, msg wire.Message) error {
	now := time.Now().UnixMilli()

	switch m := msg.(type) {
	case *wire.KeyboardKey:
		if err := s.requireDevice(m.Device, seat.DeviceKeyboard); err != nil {
			return err
		}
		if m.Code > seat.MaxEvdevCode {
			return fmt.Errorf("%w: keycode %d", ErrCodeOutOfRange, m.Code)
		}
		var changed bool
		if m.Pressed {
			changed = s.seat.PressKey(m.Code)
		} else {
			changed = s.seat.ReleaseKey(m.Code)
		}
		if !changed {
			// Duplicate press/press or release/release: no-op, not
			// an error.
			logger.Debugf("Session %d redundant key transition for code %d", s.id, m.Code)
			return nil
		}
		r.sink.InjectKey(pipeline.KeyEvent{Seat: s.seat.Name(), Code: m.Code, Pressed: m.Pressed, TimestampMs: now})
		return nil

	case *wire.PointerMotion:
		if err := s.requireDevice(m.Device, seat.DevicePointer); err != nil {
			return err
		}
		if !isFinite(m.DX, m.DY) {
			return fmt.Errorf("%w: motion delta (%v, %v)", ErrNonFinite, m.DX, m.DY)
		}
		r.sink.InjectMotion(pipeline.MotionEvent{Seat: s.seat.Name(), DX: m.DX, DY: m.DY, TimestampMs: now})
		return nil

	case *wire.PointerMotionAbsolute:
		if err := s.requireDevice(m.Device, seat.DevicePointer); err != nil {
			return err
		}
		if !isFinite(m.X, m.Y) {
			return fmt.Errorf("%w: absolute position (%v, %v)", ErrNonFinite, m.X, m.Y)
		}
		// Identity mapping into output space; a differing remote
		// extent is a handshake configuration concern, not ours.
		r.sink.InjectMotionAbsolute(pipeline.MotionAbsoluteEvent{Seat: s.seat.Name(), X: m.X, Y: m.Y, TimestampMs: now})
		return nil

	case *wire.Button:
		if err := s.requireDevice(m.Device, seat.DevicePointer); err != nil {
			return err
		}
		if m.Code > seat.MaxEvdevCode {
			return fmt.Errorf("%w: button code %d", ErrCodeOutOfRange, m.Code)
		}
		var changed bool
		if m.Pressed {
			changed = s.seat.PressButton(m.Code)
		} else {
			changed = s.seat.ReleaseButton(m.Code)
		}
		if !changed {
			logger.Debugf("Session %d redundant button transition for code %d", s.id, m.Code)
			return nil
		}
		r.sink.InjectButton(pipeline.ButtonEvent{Seat: s.seat.Name(), Code: m.Code, Pressed: m.Pressed, TimestampMs: now})
		return nil

	case *wire.ScrollDelta:
		if err := s.requireDevice(m.Device, seat.DevicePointer); err != nil {
			return err
		}
		if !isFinite(m.DX, m.DY) {
			return fmt.Errorf("%w: scroll delta (%v, %v)", ErrNonFinite, m.DX, m.DY)
		}
		r.sink.InjectScroll(pipeline.ScrollEvent{Seat: s.seat.Name(), DX: m.DX, DY: m.DY, TimestampMs: now})
		return nil

	case *wire.ScrollDiscrete:
		if err := s.requireDevice(m.Device, seat.DevicePointer); err != nil {
			return err
		}
		r.sink.InjectScrollDiscrete(pipeline.ScrollDiscreteEvent{Seat: s.seat.Name(), StepsX: m.StepsX, StepsY: m.StepsY, TimestampMs: now})
		return nil

	case *wire.Frame:
		// Batch boundary. Events already injected individually;
		// grouping is advisory.
		if _, ok := s.seat.Device(m.Device); !ok {
			return fmt.Errorf("%w: device %d", ErrUnknownDevice, m.Device)
		}
		return nil

	default:
		return fmt.Errorf("%w: %s (0x%02x) after handshake",
			ErrUnexpectedMessage, describe(msg), uint8(msg.WireType()))
	}
}

// requireDevice checks that an input message references a device this
// session announced, of the right kind.
func (s *Session) requireDevice(id uint64, want seat.DeviceKind) error {
	kind, ok := s.seat.Device(id)
	if !ok {
		return fmt.Errorf("%w: device %d", ErrUnknownDevice, id)
	}
	if kind != want {
		return fmt.Errorf("%w: device %d is a %s, need %s", ErrWrongDevice, id, kind, want)
	}
	return nil
}

func isFinite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
