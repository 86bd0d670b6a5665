package wire

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Encoder appends payload fields in wire order.
type Encoder struct {
	buf []byte
}

// PutU8 appends a single byte.
func (e *Encoder) PutU8(v uint8) {
	e.buf = append(e.buf, v)
}

// PutU32 appends a little-endian u32.
func (e *Encoder) PutU32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// PutString appends a u32 byte length followed by the UTF-8 bytes of s.
func (e *Encoder) PutString(s string) {
	e.PutU32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutFrame appends a nested frame (header and payload).
func (e *Encoder) PutFrame(f Frame) {
	e.buf = append(e.buf, f.Bytes()...)
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads payload fields in wire order. The first failure sticks: later
// reads return zero values and Err reports the original problem.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a decoder over payload.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

func (d *Decoder) take(n int, field string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncated, field, n, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

// U8 reads one byte.
func (d *Decoder) U8() uint8 {
	b := d.take(1, "u8")
	if b == nil {
		return 0
	}
	return b[0]
}

// U32 reads a little-endian u32.
func (d *Decoder) U32() uint32 {
	b := d.take(4, "u32")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// String reads a length-prefixed UTF-8 string.
func (d *Decoder) String() string {
	n := d.U32()
	if d.err != nil {
		return ""
	}
	if int64(n) > int64(len(d.buf)-d.off) {
		d.err = fmt.Errorf("%w: string declares %d bytes, %d left", ErrTruncated, n, len(d.buf)-d.off)
		return ""
	}
	b := d.take(int(n), "string")
	if !utf8.Valid(b) {
		d.err = fmt.Errorf("%w: string is not valid UTF-8", ErrMalformed)
		return ""
	}
	return string(b)
}

// Frame reads a nested frame.
func (d *Decoder) Frame() Frame {
	hb := d.take(HeaderSize, "nested header")
	if hb == nil {
		return Frame{}
	}
	h, _ := DecodeHeader(hb)
	if int64(h.Length) > int64(len(d.buf)-d.off) {
		d.err = fmt.Errorf("%w: nested %s declares %d bytes, %d left", ErrTruncated, h.Opcode, h.Length, len(d.buf)-d.off)
		return Frame{}
	}
	payload := d.take(int(h.Length), "nested payload")
	return Frame{Opcode: h.Opcode, Payload: payload}
}

// Err returns the first decoding failure.
func (d *Decoder) Err() error {
	return d.err
}

// Finish returns the first decoding failure, or ErrMalformed when bytes remain
// unread.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if rest := len(d.buf) - d.off; rest != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, rest)
	}
	return nil
}
