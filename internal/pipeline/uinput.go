package pipeline

import (
	"fmt"
	"sync"

	"github.com/ThomasT75/uinput"

	"github.com/wlkit/reseat/internal/logger"
)

// evdev button codes from linux/input-event-codes.h.
const (
	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112
)

// UinputSink injects remote input into the local session through
// /dev/uinput virtual devices. It is the reference Sink used by the
// standalone daemon; a compositor embedding the receiver supplies its
// own Sink instead.
type UinputSink struct {
	mu       sync.Mutex
	mouse    uinput.Mouse
	keyboard uinput.Keyboard
	closed   bool

	// Tracked cursor position for mapping absolute motion onto the
	// relative-only uinput mouse.
	curX, curY float64
}

// NewUinputSink creates the virtual mouse and keyboard devices.
func NewUinputSink() (*UinputSink, error) {
	mouse, err := uinput.CreateMouse("/dev/uinput", []byte("reseat virtual pointer"))
	if err != nil {
		return nil, fmt.Errorf("failed to create virtual mouse: %w", err)
	}

	keyboard, err := uinput.CreateKeyboard("/dev/uinput", []byte("reseat virtual keyboard"))
	if err != nil {
		if cerr := mouse.Close(); cerr != nil {
			logger.Errorf("Failed to close virtual mouse: %v", cerr)
		}
		return nil, fmt.Errorf("failed to create virtual keyboard: %w", err)
	}

	return &UinputSink{mouse: mouse, keyboard: keyboard}, nil
}

// Close destroys the virtual devices.
func (u *UinputSink) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closed = true

	err := u.mouse.Close()
	if kerr := u.keyboard.Close(); kerr != nil && err == nil {
		err = kerr
	}
	return err
}

// InjectKey forwards a key event to the virtual keyboard.
func (u *UinputSink) InjectKey(ev KeyEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}

	var err error
	if ev.Pressed {
		err = u.keyboard.KeyDown(int(ev.Code))
	} else {
		err = u.keyboard.KeyUp(int(ev.Code))
	}
	if err != nil {
		logger.Errorf("uinput key injection failed (code %d): %v", ev.Code, err)
	}
}

// InjectMotion forwards relative pointer movement.
func (u *UinputSink) InjectMotion(ev MotionEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}

	u.curX += ev.DX
	u.curY += ev.DY
	if err := u.mouse.Move(int32(ev.DX), int32(ev.DY)); err != nil {
		logger.Errorf("uinput motion injection failed: %v", err)
	}
}

// InjectMotionAbsolute moves the tracked cursor to an absolute
// position by issuing the equivalent relative movement.
func (u *UinputSink) InjectMotionAbsolute(ev MotionAbsoluteEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}

	dx := int32(ev.X - u.curX)
	dy := int32(ev.Y - u.curY)
	u.curX = ev.X
	u.curY = ev.Y
	if dx == 0 && dy == 0 {
		return
	}
	if err := u.mouse.Move(dx, dy); err != nil {
		logger.Errorf("uinput absolute motion injection failed: %v", err)
	}
}

// InjectButton forwards a pointer button event. Codes the uinput
// library has no call for are dropped with a debug log.
func (u *UinputSink) InjectButton(ev ButtonEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}

	var err error
	switch ev.Code {
	case btnLeft:
		if ev.Pressed {
			err = u.mouse.LeftPress()
		} else {
			err = u.mouse.LeftRelease()
		}
	case btnRight:
		if ev.Pressed {
			err = u.mouse.RightPress()
		} else {
			err = u.mouse.RightRelease()
		}
	case btnMiddle:
		if ev.Pressed {
			err = u.mouse.MiddlePress()
		} else {
			err = u.mouse.MiddleRelease()
		}
	default:
		logger.Debugf("Dropping unsupported button code 0x%x", ev.Code)
		return
	}
	if err != nil {
		logger.Errorf("uinput button injection failed (code 0x%x): %v", ev.Code, err)
	}
}

// InjectScroll converts smooth scroll deltas to wheel movement.
func (u *UinputSink) InjectScroll(ev ScrollEvent) {
	u.scroll(int32(ev.StepsFromDX()), int32(ev.StepsFromDY()))
}

// InjectScrollDiscrete forwards wheel notches directly.
func (u *UinputSink) InjectScrollDiscrete(ev ScrollDiscreteEvent) {
	u.scroll(ev.StepsX, ev.StepsY)
}

func (u *UinputSink) scroll(stepsX, stepsY int32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}

	if stepsY != 0 {
		// Wire protocol uses positive = scroll down; uinput wheel
		// uses positive = scroll up.
		if err := u.mouse.Wheel(false, -stepsY); err != nil {
			logger.Errorf("uinput vertical scroll failed: %v", err)
		}
	}
	if stepsX != 0 {
		if err := u.mouse.Wheel(true, stepsX); err != nil {
			logger.Errorf("uinput horizontal scroll failed: %v", err)
		}
	}
}
