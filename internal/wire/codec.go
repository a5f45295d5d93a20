package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Default protocol limits. Frames larger than the frame limit and
// sessions that buffer more undecoded bytes than the buffer limit are
// protocol violations.
const (
	DefaultMaxFrameSize = 4096
	DefaultMaxBuffered  = 64 * 1024

	headerSize = 4
)

// Codec errors. All of them are fatal to the session that produced
// the bytes.
var (
	ErrFrameTooLarge  = errors.New("wire: frame exceeds maximum size")
	ErrBufferOverflow = errors.New("wire: undecoded input exceeds buffer limit")
	ErrUnknownType    = errors.New("wire: unknown message type")
	ErrEmptyFrame     = errors.New("wire: frame has no type byte")
)

// encMode uses Core Deterministic Encoding so handshake replies are
// byte-stable: the same logical message always serializes to the same
// bytes, which is what the remote peer validates against.
var encMode cbor.EncMode

// decMode accepts standard CBOR and rejects trailing bytes inside a
// frame body.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a message into a complete frame.
func Encode(msg Message) ([]byte, error) {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode %T body: %w", msg, err)
	}

	payload := 1 + len(body)
	frame := make([]byte, headerSize+payload)
	binary.BigEndian.PutUint32(frame, uint32(payload))
	frame[headerSize] = byte(msg.WireType())
	copy(frame[headerSize+1:], body)
	return frame, nil
}

// Decoder incrementally parses frames from a byte stream. A read may
// deliver a partial frame; the decoder buffers it and emits a message
// only once the frame is complete, keeping trailing bytes for the
// next read.
type Decoder struct {
	buf          []byte
	maxFrameSize int
	maxBuffered  int
}

// NewDecoder returns a decoder with the given limits. Zero or
// negative limits select the defaults.
func NewDecoder(maxFrameSize, maxBuffered int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Decoder{maxFrameSize: maxFrameSize, maxBuffered: maxBuffered}
}

// Feed appends bytes read off the channel to the decode buffer.
func (d *Decoder) Feed(p []byte) error {
	if len(d.buf)+len(p) > d.maxBuffered {
		return ErrBufferOverflow
	}
	d.buf = append(d.buf, p...)
	return nil
}

// Buffered reports how many undecoded bytes the decoder is holding.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete message, or (nil, nil) when the
// buffered bytes do not yet form a complete frame. Any error is a
// protocol violation and leaves the decoder unusable.
func (d *Decoder) Next() (Message, error) {
	if len(d.buf) < headerSize {
		return nil, nil
	}
	payload := int(binary.BigEndian.Uint32(d.buf))
	if payload > d.maxFrameSize {
		return nil, fmt.Errorf("%w: declared %d, limit %d", ErrFrameTooLarge, payload, d.maxFrameSize)
	}
	if payload < 1 {
		return nil, ErrEmptyFrame
	}
	if len(d.buf) < headerSize+payload {
		return nil, nil
	}

	typ := Type(d.buf[headerSize])
	body := d.buf[headerSize+1 : headerSize+payload]
	msg, err := decodeBody(typ, body)
	if err != nil {
		return nil, err
	}

	// Shift out the consumed frame, retaining any partial successor.
	d.buf = append(d.buf[:0], d.buf[headerSize+payload:]...)
	return msg, nil
}

func decodeBody(typ Type, body []byte) (Message, error) {
	var msg Message
	switch typ {
	case TypeHello:
		msg = &Hello{}
	case TypeBind:
		msg = &Bind{}
	case TypeDone:
		msg = &Done{}
	case TypeWelcome:
		msg = &Welcome{}
	case TypeDeviceAdded:
		msg = &DeviceAdded{}
	case TypeKeyboardKey:
		msg = &KeyboardKey{}
	case TypePointerMotion:
		msg = &PointerMotion{}
	case TypePointerMotionAbsolute:
		msg = &PointerMotionAbsolute{}
	case TypeButton:
		msg = &Button{}
	case TypeScrollDelta:
		msg = &ScrollDelta{}
	case TypeScrollDiscrete:
		msg = &ScrollDiscrete{}
	case TypeFrame:
		msg = &Frame{}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(typ))
	}

	if err := decMode.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("wire: failed to decode %T body: %w", msg, err)
	}
	return msg, nil
}
