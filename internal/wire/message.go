// Package wire implements the framed message protocol spoken over an
// accepted remote-input channel. Each frame is a 4-byte big-endian
// payload length, a 1-byte message type, and a CBOR-encoded body.
package wire

// Type identifies a protocol message on the wire.
type Type uint8

// Handshake messages (client to server).
const (
	TypeHello Type = 0x01
	TypeBind  Type = 0x02
	TypeDone  Type = 0x03
)

// Input messages (client to server, valid only after the handshake).
const (
	TypeKeyboardKey           Type = 0x10
	TypePointerMotion         Type = 0x11
	TypePointerMotionAbsolute Type = 0x12
	TypeButton                Type = 0x13
	TypeScrollDelta           Type = 0x14
	TypeScrollDiscrete        Type = 0x15
	TypeFrame                 Type = 0x16
)

// Handshake replies (server to client).
const (
	TypeWelcome     Type = 0x81
	TypeDeviceAdded Type = 0x82
)

// Capability bits advertised in a Bind request.
const (
	CapKeyboard uint64 = 1 << 0
	CapPointer  uint64 = 1 << 1
)

// Message is a decoded protocol message. Exactly one concrete message
// type corresponds to each wire type tag.
type Message interface {
	WireType() Type
}

// Hello opens the handshake: the client introduces itself and states
// the highest protocol version it speaks.
type Hello struct {
	Name    string `cbor:"name"`
	Version uint32 `cbor:"version"`
}

// Bind requests devices for a set of capabilities.
type Bind struct {
	Capabilities uint64 `cbor:"caps"`
}

// Done ends the handshake; the session is ready for input afterwards.
type Done struct{}

// Welcome is the server's reply to Hello: the negotiated version and
// the name of the seat this session was assigned.
type Welcome struct {
	Version uint32 `cbor:"version"`
	Seat    string `cbor:"seat"`
}

// DeviceAdded announces one virtual device created for the session.
type DeviceAdded struct {
	Device uint64 `cbor:"device"`
	Kind   uint8  `cbor:"kind"`
}

// Device kinds carried by DeviceAdded.
const (
	DeviceKeyboard uint8 = 1
	DevicePointer  uint8 = 2
)

// KeyboardKey reports a key press or release on a keyboard device.
type KeyboardKey struct {
	Device  uint64 `cbor:"device"`
	Code    uint32 `cbor:"code"`
	Pressed bool   `cbor:"pressed"`
}

// PointerMotion reports relative pointer movement.
type PointerMotion struct {
	Device uint64  `cbor:"device"`
	DX     float64 `cbor:"dx"`
	DY     float64 `cbor:"dy"`
}

// PointerMotionAbsolute reports an absolute pointer position.
type PointerMotionAbsolute struct {
	Device uint64  `cbor:"device"`
	X      float64 `cbor:"x"`
	Y      float64 `cbor:"y"`
}

// Button reports a pointer button press or release.
type Button struct {
	Device  uint64 `cbor:"device"`
	Code    uint32 `cbor:"code"`
	Pressed bool   `cbor:"pressed"`
}

// ScrollDelta reports smooth scrolling in unit-preserving deltas.
type ScrollDelta struct {
	Device uint64  `cbor:"device"`
	DX     float64 `cbor:"dx"`
	DY     float64 `cbor:"dy"`
}

// ScrollDiscrete reports scroll wheel notches; sign is direction.
type ScrollDiscrete struct {
	Device uint64 `cbor:"device"`
	StepsX int32  `cbor:"sx"`
	StepsY int32  `cbor:"sy"`
}

// Frame marks the end of an atomic batch of input events.
type Frame struct {
	Device uint64 `cbor:"device"`
}

func (Hello) WireType() Type                 { return TypeHello }
func (Bind) WireType() Type                  { return TypeBind }
func (Done) WireType() Type                  { return TypeDone }
func (Welcome) WireType() Type               { return TypeWelcome }
func (DeviceAdded) WireType() Type           { return TypeDeviceAdded }
func (KeyboardKey) WireType() Type           { return TypeKeyboardKey }
func (PointerMotion) WireType() Type         { return TypePointerMotion }
func (PointerMotionAbsolute) WireType() Type { return TypePointerMotionAbsolute }
func (Button) WireType() Type                { return TypeButton }
func (ScrollDelta) WireType() Type           { return TypeScrollDelta }
func (ScrollDiscrete) WireType() Type        { return TypeScrollDiscrete }
func (Frame) WireType() Type                 { return TypeFrame }
