package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of a frame header.
const HeaderSize = 12

// MaxBodySize bounds the body a reader accepts.
const MaxBodySize = 16 << 20

// Magic opens every frame header.
var Magic = [4]byte{'G', 'I', 'O', 'P'}

// Protocol version carried in every header.
const (
	VersionMajor = 1
	VersionMinor = 2
)

// flagLittleEndian marks a little-endian size field.
const flagLittleEndian = 0x01

var (
	// ErrBadMagic is returned for a header that does not start with Magic.
	ErrBadMagic = errors.New("wire: bad magic")

	// ErrTooLarge is returned for a body larger than MaxBodySize.
	ErrTooLarge = errors.New("wire: frame too large")

	// ErrShortBody is returned for a Request or Reply body without a
	// request id.
	ErrShortBody = errors.New("wire: body shorter than request id")
)

// MsgType is the message type of a frame.
type MsgType byte

const (
	Request         MsgType = 0
	Reply           MsgType = 1
	CancelRequest   MsgType = 2
	CloseConnection MsgType = 5
	MessageError    MsgType = 6
	// Event carries a pushed event on the event port.
	Event MsgType = 8
	// Subscribe and Unsubscribe are sent by clients on the event port and
	// answered with a Reply.
	Subscribe   MsgType = 9
	Unsubscribe MsgType = 10
)

var msgTypeNames = map[MsgType]string{
	Request:         "Request",
	Reply:           "Reply",
	CancelRequest:   "CancelRequest",
	CloseConnection: "CloseConnection",
	MessageError:    "MessageError",
	Event:           "Event",
	Subscribe:       "Subscribe",
	Unsubscribe:     "Unsubscribe",
}

func (t MsgType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

// Frame is one message. ID is the request id of request and reply
// frames and is not encoded for CloseConnection, MessageError or Event.
type Frame struct {
	Type MsgType
	ID   uint32
	Body []byte
}

func (t MsgType) hasID() bool {
	switch t {
	case Request, Reply, CancelRequest, Subscribe, Unsubscribe:
		return true
	}
	return false
}

// Header encodes the 12 byte header of a frame with a body of size bytes.
func Header(t MsgType, size uint32) []byte {
	h := make([]byte, HeaderSize)
	copy(h, Magic[:])
	h[4] = VersionMajor
	h[5] = VersionMinor
	h[6] = flagLittleEndian
	h[7] = byte(t)
	binary.LittleEndian.PutUint32(h[8:], size)
	return h
}

// CloseConnectionFrame is the complete frame a peer sends before hanging
// up. A server answers it by closing the connection without a reply.
var CloseConnectionFrame = Header(CloseConnection, 0)

// Encode renders f as header plus body.
func Encode(f Frame) []byte {
	body := f.Body
	if f.Type.hasID() {
		body = make([]byte, 4+len(f.Body))
		binary.LittleEndian.PutUint32(body, f.ID)
		copy(body[4:], f.Body)
	}
	var b bytes.Buffer
	b.Grow(HeaderSize + len(body))
	b.Write(Header(f.Type, uint32(len(body)))) //nolint:gosec // bounded by MaxBodySize on read
	b.Write(body)
	return b.Bytes()
}

// WriteFrame writes f to w in one call.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Body) > MaxBodySize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(f.Body))
	}
	_, err := w.Write(Encode(f))
	return err
}

// ParseHeader decodes a header.
func ParseHeader(h []byte) (MsgType, uint32, error) {
	if len(h) < HeaderSize {
		return 0, 0, fmt.Errorf("wire: short header (%d bytes)", len(h))
	}
	if !bytes.Equal(h[:4], Magic[:]) {
		return 0, 0, fmt.Errorf("%w: % x", ErrBadMagic, h[:4])
	}
	var order binary.ByteOrder = binary.BigEndian
	if h[6]&flagLittleEndian != 0 {
		order = binary.LittleEndian
	}
	return MsgType(h[7]), order.Uint32(h[8:12]), nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	h := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, h); err != nil {
		return Frame{}, err
	}
	t, size, err := ParseHeader(h)
	if err != nil {
		return Frame{}, err
	}
	if size > MaxBodySize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("reading %s body: %w", t, err)
	}
	f := Frame{Type: t, Body: body}
	if t.hasID() {
		if len(body) < 4 {
			return Frame{}, ErrShortBody
		}
		order := binary.ByteOrder(binary.LittleEndian)
		if h[6]&flagLittleEndian == 0 {
			order = binary.BigEndian
		}
		f.ID = order.Uint32(body)
		f.Body = body[4:]
	}
	return f, nil
}
