package endpoint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DeviceTypeID is the type id servers put in the IOR of their devices.
const DeviceTypeID = "IDL:Tango/Device_5:1.0"

// ErrBadIOR is returned for a reference that does not decode.
var ErrBadIOR = errors.New("endpoint: malformed IOR")

// IOR is a decoded object reference.
type IOR struct {
	LittleEndian bool
	TypeID       string
	Profiles     uint32
	Tag          uint32
	// ProfileLength is the declared size of the profile, body included.
	ProfileLength uint32
	Major         byte
	Minor         byte
	Flags         uint16
	Host          string
	Port          int
	// Body is whatever follows the port, usually the object key.
	Body []byte
}

// iorReader walks a reference with 4 byte aligned fields measured from
// the start of the record.
type iorReader struct {
	buf   []byte
	off   int
	order binary.ByteOrder
}

func (r *iorReader) align(n int) {
	if rem := r.off % n; rem != 0 {
		r.off += n - rem
	}
}

func (r *iorReader) need(n int, what string) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("%w: %s at offset %d overruns %d bytes", ErrBadIOR, what, r.off, len(r.buf))
	}
	return nil
}

func (r *iorReader) u32(what string) (uint32, error) {
	r.align(4)
	if err := r.need(4, what); err != nil {
		return 0, err
	}
	v := r.order.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *iorReader) u16(what string) (uint16, error) {
	r.align(2)
	if err := r.need(2, what); err != nil {
		return 0, err
	}
	v := r.order.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *iorReader) u8(what string) (byte, error) {
	if err := r.need(1, what); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// str reads n bytes and drops one trailing NUL.
func (r *iorReader) str(n uint32, what string) (string, error) {
	if err := r.need(int(n), what); err != nil {
		return "", err
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return strings.TrimSuffix(string(b), "\x00"), nil
}

// ParseIOR decodes "IOR:<hex>". The byte order follows the flag in the
// first byte of the record, and a body of any length may follow the port.
func ParseIOR(s string) (IOR, error) {
	rest, ok := strings.CutPrefix(s, "IOR:")
	if !ok {
		return IOR{}, fmt.Errorf("%w: missing IOR: prefix", ErrBadIOR)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(rest))
	if err != nil {
		return IOR{}, fmt.Errorf("%w: %w", ErrBadIOR, err)
	}
	if len(raw) < 4 {
		return IOR{}, fmt.Errorf("%w: %d bytes", ErrBadIOR, len(raw))
	}

	var ior IOR
	r := &iorReader{buf: raw, order: binary.BigEndian}
	if raw[0] == 1 {
		ior.LittleEndian = true
		r.order = binary.LittleEndian
	}
	r.off = 4

	typeLen, err := r.u32("type id length")
	if err != nil {
		return IOR{}, err
	}
	if ior.TypeID, err = r.str(typeLen, "type id"); err != nil {
		return IOR{}, err
	}
	if ior.Profiles, err = r.u32("profile count"); err != nil {
		return IOR{}, err
	}
	if ior.Tag, err = r.u32("profile tag"); err != nil {
		return IOR{}, err
	}
	if ior.ProfileLength, err = r.u32("profile length"); err != nil {
		return IOR{}, err
	}
	if ior.Major, err = r.u8("version major"); err != nil {
		return IOR{}, err
	}
	if ior.Minor, err = r.u8("version minor"); err != nil {
		return IOR{}, err
	}
	if ior.Flags, err = r.u16("flags"); err != nil {
		return IOR{}, err
	}
	hostLen, err := r.u32("host length")
	if err != nil {
		return IOR{}, err
	}
	if ior.Host, err = r.str(hostLen, "host"); err != nil {
		return IOR{}, err
	}
	port, err := r.u16("port")
	if err != nil {
		return IOR{}, err
	}
	ior.Port = int(port)
	r.align(4)
	if r.off < len(raw) {
		ior.Body = raw[r.off:]
	}
	return ior, nil
}

// iorWriter is the little-endian counterpart of iorReader.
type iorWriter struct {
	buf []byte
}

func (w *iorWriter) align(n int) {
	for len(w.buf)%n != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *iorWriter) u32(v uint32) {
	w.align(4)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *iorWriter) u16(v uint16) {
	w.align(2)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *iorWriter) str(s string) {
	w.u32(uint32(len(s) + 1)) //nolint:gosec // names are short
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// EncodeIOR builds a little-endian reference to host:port with one
// internet profile.
func EncodeIOR(typeID, host string, port int, body []byte) string {
	w := &iorWriter{}
	w.u32(1)
	w.str(typeID)
	w.u32(1)
	w.u32(0)

	lengthAt := len(w.buf)
	w.u32(0)
	start := len(w.buf)
	w.buf = append(w.buf, 1, 2)
	w.u16(0)
	w.str(host)
	w.u16(uint16(port)) //nolint:gosec // ports fit in 16 bits
	w.align(4)
	w.buf = append(w.buf, body...)
	binary.LittleEndian.PutUint32(w.buf[lengthAt:], uint32(len(w.buf)-start)) //nolint:gosec // bounded by the record

	return "IOR:" + hex.EncodeToString(w.buf)
}

// HostPort returns the endpoint a reference points at.
func (i IOR) HostPort() (string, int) {
	return i.Host, i.Port
}
