package pipeline

import "github.com/wlkit/reseat/internal/logger"

// LogSink injects nothing and logs every event at debug level. It is
// the daemon's fallback when /dev/uinput is unavailable, and useful
// for dry runs.
type LogSink struct{}

func (LogSink) InjectKey(ev KeyEvent) {
	logger.Debugf("[%s] key %d pressed=%v", ev.Seat, ev.Code, ev.Pressed)
}

func (LogSink) InjectMotion(ev MotionEvent) {
	logger.Debugf("[%s] motion (%.2f, %.2f)", ev.Seat, ev.DX, ev.DY)
}

func (LogSink) InjectMotionAbsolute(ev MotionAbsoluteEvent) {
	logger.Debugf("[%s] motion absolute (%.2f, %.2f)", ev.Seat, ev.X, ev.Y)
}

func (LogSink) InjectButton(ev ButtonEvent) {
	logger.Debugf("[%s] button 0x%x pressed=%v", ev.Seat, ev.Code, ev.Pressed)
}

func (LogSink) InjectScroll(ev ScrollEvent) {
	logger.Debugf("[%s] scroll (%.2f, %.2f)", ev.Seat, ev.DX, ev.DY)
}

func (LogSink) InjectScrollDiscrete(ev ScrollDiscreteEvent) {
	logger.Debugf("[%s] scroll discrete (%d, %d)", ev.Seat, ev.StepsX, ev.StepsY)
}

// LogSeatManager tracks seat additions in logs only. A compositor
// embedding the receiver supplies its real seat set instead.
type LogSeatManager struct{}

func (LogSeatManager) AddSeat(name string, keyboard, pointer bool) error {
	logger.Infof("Seat %s added (keyboard=%v pointer=%v)", name, keyboard, pointer)
	return nil
}

func (LogSeatManager) RemoveSeat(name string) {
	logger.Infof("Seat %s removed", name)
}
