// Package seat models one remote session's virtual seat: its device
// set and the keys and buttons currently held on it. A virtual seat
// enters the compositor's seat set through the same interface as a
// hardware seat, so nothing downstream can tell them apart.
package seat

import "sort"

// MaxEvdevCode is the highest valid evdev key/button code (KEY_MAX
// from linux/input-event-codes.h). Codes above it are rejected.
const MaxEvdevCode = 0x2FF

// DeviceKind distinguishes the virtual devices a seat can carry.
type DeviceKind uint8

const (
	DeviceKeyboard DeviceKind = iota + 1
	DevicePointer
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKeyboard:
		return "keyboard"
	case DevicePointer:
		return "pointer"
	default:
		return "unknown"
	}
}

// Seat is the compositor-side representation of one remote input
// source. Not safe for concurrent use; a seat is owned by its session
// and touched only on the event loop goroutine.
type Seat struct {
	name        string
	devices     map[uint64]DeviceKind
	heldKeys    map[uint32]struct{}
	heldButtons map[uint32]struct{}
}

// New creates an empty seat with the given name.
func New(name string) *Seat {
	return &Seat{
		name:        name,
		devices:     make(map[uint64]DeviceKind),
		heldKeys:    make(map[uint32]struct{}),
		heldButtons: make(map[uint32]struct{}),
	}
}

// Name returns the seat name.
func (s *Seat) Name() string { return s.name }

// HasKeyboard reports whether a keyboard device was announced.
func (s *Seat) HasKeyboard() bool { return s.hasKind(DeviceKeyboard) }

// HasPointer reports whether a pointer device was announced.
func (s *Seat) HasPointer() bool { return s.hasKind(DevicePointer) }

func (s *Seat) hasKind(kind DeviceKind) bool {
	for _, k := range s.devices {
		if k == kind {
			return true
		}
	}
	return false
}

// AddDevice records a protocol-assigned device identifier.
func (s *Seat) AddDevice(id uint64, kind DeviceKind) {
	s.devices[id] = kind
}

// Device returns the kind of an announced device identifier.
func (s *Seat) Device(id uint64) (DeviceKind, bool) {
	kind, ok := s.devices[id]
	return kind, ok
}

// DeviceCount returns how many devices were announced for this seat.
func (s *Seat) DeviceCount() int { return len(s.devices) }

// PressKey records a key going down. Returns false when the key is
// already held, in which case the caller must not inject an event.
func (s *Seat) PressKey(code uint32) bool { return press(s.heldKeys, code) }

// ReleaseKey records a key going up. Returns false when the key is
// not held.
func (s *Seat) ReleaseKey(code uint32) bool { return release(s.heldKeys, code) }

// PressButton records a button going down; same discipline as PressKey.
func (s *Seat) PressButton(code uint32) bool { return press(s.heldButtons, code) }

// ReleaseButton records a button going up; same discipline as ReleaseKey.
func (s *Seat) ReleaseButton(code uint32) bool { return release(s.heldButtons, code) }

// HeldKeys returns the currently held key codes in ascending order.
// The order makes forced release on teardown deterministic.
func (s *Seat) HeldKeys() []uint32 { return sortedCodes(s.heldKeys) }

// HeldButtons returns the currently held button codes in ascending order.
func (s *Seat) HeldButtons() []uint32 { return sortedCodes(s.heldButtons) }

func press(held map[uint32]struct{}, code uint32) bool {
	if _, down := held[code]; down {
		return false
	}
	held[code] = struct{}{}
	return true
}

func release(held map[uint32]struct{}, code uint32) bool {
	if _, down := held[code]; !down {
		return false
	}
	delete(held, code)
	return true
}

func sortedCodes(held map[uint32]struct{}) []uint32 {
	codes := make([]uint32, 0, len(held))
	for code := range held {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
