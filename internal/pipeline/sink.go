package pipeline

// Sink is the compositor's input pipeline as seen by the receiver.
// Implementations must not block: injection is a direct hand-off on
// the event loop goroutine.
type Sink interface {
	InjectKey(KeyEvent)
	InjectMotion(MotionEvent)
	InjectMotionAbsolute(MotionAbsoluteEvent)
	InjectButton(ButtonEvent)
	InjectScroll(ScrollEvent)
	InjectScrollDiscrete(ScrollDiscreteEvent)
}

// SeatManager is the compositor's seat set. AddSeat makes a virtual
// seat visible to the rest of the compositor as a distinct input
// source; RemoveSeat takes it out again on teardown.
type SeatManager interface {
	AddSeat(name string, keyboard, pointer bool) error
	RemoveSeat(name string)
}
