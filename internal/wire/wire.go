// Package wire implements the fixed-header binary framing shared by the ctxt
// server and its clients.
//
// Every frame is laid out as:
//
//	opcode  u8
//	length  u32 little-endian
//	payload [length]byte
//
// Reading is two-phase: the 5-byte header first, then exactly length payload
// bytes. Payload layouts are owned by the protocol package; this package only
// supplies the primitives (integers and length-prefixed UTF-8 strings).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the frame header in bytes.
const HeaderSize = 5

// DefaultMaxPayload bounds the payload a reader accepts before discarding it.
const DefaultMaxPayload = 16 << 20

// Opcode identifies the payload layout of a frame.
type Opcode uint8

const (
	// Generic responses (0x00-0x01)
	OpAck   Opcode = 0x00
	OpError Opcode = 0x01

	// Document-level responses, server originated (0x0C-0x0F)
	OpCommit Opcode = 0x0C
	OpRemove Opcode = 0x0D
	OpInsert Opcode = 0x0E
	OpText   Opcode = 0x0F

	// Session lifecycle (0x21-0x22)
	OpJoin  Opcode = 0x21
	OpLeave Opcode = 0x22

	// Client edit requests (0xE0-0xE4)
	OpRequestText   Opcode = 0xE0
	OpRequestInsert Opcode = 0xE1
	OpRequestRemove Opcode = 0xE2
	OpSetCursor     Opcode = 0xE3
	OpRequestCommit Opcode = 0xE4

	// OpShutdown is an internal sentinel. It never appears on the wire.
	OpShutdown Opcode = 0xFF
)

var opcodeNames = map[Opcode]string{
	OpAck:           "ack",
	OpError:         "error",
	OpCommit:        "commit",
	OpRemove:        "remove",
	OpInsert:        "insert",
	OpText:          "text",
	OpJoin:          "join",
	OpLeave:         "leave",
	OpRequestText:   "request-text",
	OpRequestInsert: "request-insert",
	OpRequestRemove: "request-remove",
	OpSetCursor:     "set-cursor",
	OpRequestCommit: "request-commit",
	OpShutdown:      "shutdown",
}

// String returns a readable name for the opcode.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(0x%02X)", uint8(o))
}

// Known reports whether o may appear on the wire.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok && o != OpShutdown
}

// Errors returned by the codec.
var (
	ErrTruncated       = errors.New("wire: truncated frame")
	ErrUnknownOpcode   = errors.New("wire: unknown opcode")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrMalformed       = errors.New("wire: malformed payload")
)

// Header is the fixed 5-byte frame header.
type Header struct {
	Opcode Opcode
	Length uint32
}

// EncodeHeader returns the wire form of a frame header.
func EncodeHeader(op Opcode, length uint32) [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = byte(op)
	binary.LittleEndian.PutUint32(buf[1:], length)
	return buf
}

// DecodeHeader parses a header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header has %d of %d bytes", ErrTruncated, len(b), HeaderSize)
	}
	return Header{
		Opcode: Opcode(b[0]),
		Length: binary.LittleEndian.Uint32(b[1:HeaderSize]),
	}, nil
}

// Write writes the header to w.
func (h Header) Write(w io.Writer) error {
	buf := EncodeHeader(h.Opcode, h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads one header from r.
//
// A clean io.EOF (or any error) before the first byte is returned unchanged so
// callers can tell a closed or idle connection from a torn frame. A header
// that stops part way through fails with ErrTruncated.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if n == 0 {
			return Header{}, err
		}
		return Header{}, fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	return DecodeHeader(buf[:])
}

// ReadPayload reads exactly length bytes from r. Fewer bytes fail with
// ErrTruncated; the partial payload is dropped.
func ReadPayload(r io.Reader, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: payload has %d of %d bytes: %w", ErrTruncated, n, length, err)
	}
	return buf, nil
}

// Discard skips length bytes of an oversized payload so the stream stays
// aligned on the next header.
func Discard(r io.Reader, length uint32) error {
	_, err := io.CopyN(io.Discard, r, int64(length))
	return err
}

// Frame is one opcode with its raw payload.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// Header returns the frame's header.
func (f Frame) Header() Header {
	return Header{Opcode: f.Opcode, Length: uint32(len(f.Payload))}
}

// Bytes returns the frame in wire form.
func (f Frame) Bytes() []byte {
	hdr := EncodeHeader(f.Opcode, uint32(len(f.Payload)))
	out := make([]byte, 0, HeaderSize+len(f.Payload))
	out = append(out, hdr[:]...)
	return append(out, f.Payload...)
}

// Write writes the frame to w in a single call.
func (f Frame) Write(w io.Writer) error {
	_, err := w.Write(f.Bytes())
	return err
}

// Reader reads whole frames from a stream.
type Reader struct {
	r          io.Reader
	maxPayload uint32
}

// NewReader returns a Reader that rejects payloads above maxPayload.
// A zero maxPayload selects DefaultMaxPayload.
func NewReader(r io.Reader, maxPayload uint32) *Reader {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{r: r, maxPayload: maxPayload}
}

// ReadFrame reads the next frame.
//
// ErrPayloadTooLarge is returned after the payload has been discarded, so the
// stream remains usable. ErrTruncated means the frame was dropped.
func (fr *Reader) ReadFrame() (Frame, error) {
	h, err := ReadHeader(fr.r)
	if err != nil {
		return Frame{}, err
	}
	if h.Length > fr.maxPayload {
		if err := Discard(fr.r, h.Length); err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrTruncated, err)
		}
		return Frame{}, fmt.Errorf("%w: %s declared %d bytes", ErrPayloadTooLarge, h.Opcode, h.Length)
	}
	payload, err := ReadPayload(fr.r, h.Length)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Opcode: h.Opcode, Payload: payload}, nil
}
