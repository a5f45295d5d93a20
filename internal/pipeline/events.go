// Package pipeline defines the events this subsystem injects into the
// compositor's input pipeline and the interfaces the compositor
// provides for injection and seat management. Every event carries the
// seat it originated from so downstream consumers keep per-seat
// focus and modifier state, exactly as they do for hardware seats.
package pipeline

// KeyEvent is a keyboard key press or release.
type KeyEvent struct {
	Seat        string
	Code        uint32
	Pressed     bool
	TimestampMs int64
}

// MotionEvent is relative pointer movement.
type MotionEvent struct {
	Seat        string
	DX, DY      float64
	TimestampMs int64
}

// MotionAbsoluteEvent is an absolute pointer position in compositor
// output space.
type MotionAbsoluteEvent struct {
	Seat        string
	X, Y        float64
	TimestampMs int64
}

// ButtonEvent is a pointer button press or release.
type ButtonEvent struct {
	Seat        string
	Code        uint32
	Pressed     bool
	TimestampMs int64
}

// ScrollEvent is smooth scrolling; deltas are unit-preserving.
type ScrollEvent struct {
	Seat        string
	DX, DY      float64
	TimestampMs int64
}

// scrollUnitsPerNotch is the smooth-scroll distance of one wheel
// notch, per the common 15-unit axis convention.
const scrollUnitsPerNotch = 15.0

// StepsFromDX converts the horizontal delta to whole wheel notches.
func (e ScrollEvent) StepsFromDX() int { return int(e.DX / scrollUnitsPerNotch) }

// StepsFromDY converts the vertical delta to whole wheel notches.
func (e ScrollEvent) StepsFromDY() int { return int(e.DY / scrollUnitsPerNotch) }

// ScrollDiscreteEvent is wheel-notch scrolling; sign is direction.
type ScrollDiscreteEvent struct {
	Seat           string
	StepsX, StepsY int32
	TimestampMs    int64
}
