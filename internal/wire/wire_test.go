package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Header
// =============================================================================

func TestEncodeHeader_LittleEndian(t *testing.T) {
	hdr := EncodeHeader(OpRequestInsert, 0x01020304)
	assert.Equal(t, [HeaderSize]byte{0xE1, 0x04, 0x03, 0x02, 0x01}, hdr)
}

func TestDecodeHeader(t *testing.T) {
	h, err := DecodeHeader([]byte{0x21, 0x10, 0x00, 0x00, 0x00, 0xAA})
	require.NoError(t, err)
	assert.Equal(t, OpJoin, h.Opcode)
	assert.Equal(t, uint32(16), h.Length)
}

func TestDecodeHeader_Truncated(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		_, err := DecodeHeader(make([]byte, n))
		assert.ErrorIs(t, err, ErrTruncated, "len=%d", n)
	}
}

func TestReadHeader_CleanEOF(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestReadHeader_PartialHeader(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte{0x21, 0x01}))
	assert.ErrorIs(t, err, ErrTruncated)
}

// =============================================================================
// Frames
// =============================================================================

func TestFrame_RoundTrip(t *testing.T) {
	in := Frame{Opcode: OpRequestText}
	var buf bytes.Buffer
	require.NoError(t, in.Write(&buf))
	require.NoError(t, Frame{Opcode: OpAck, Payload: []byte{byte(OpRequestText)}}.Write(&buf))

	r := NewReader(&buf, 0)
	got, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, OpRequestText, got.Opcode)
	assert.Empty(t, got.Payload)

	got, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, OpAck, got.Opcode)
	assert.Equal(t, []byte{0xE0}, got.Payload)

	_, err = r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestReadFrame_ShortPayload(t *testing.T) {
	hdr := EncodeHeader(OpRequestInsert, 10)
	stream := append(hdr[:], 1, 2, 3)

	_, err := NewReader(bytes.NewReader(stream), 0).ReadFrame()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadFrame_OversizedPayloadIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Frame{Opcode: OpRequestInsert, Payload: bytes.Repeat([]byte{'x'}, 64)}.Write(&buf))
	require.NoError(t, Frame{Opcode: OpLeave}.Write(&buf))

	r := NewReader(&buf, 32)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	next, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, OpLeave, next.Opcode)
}

func TestOpcode_Known(t *testing.T) {
	assert.True(t, OpJoin.Known())
	assert.True(t, OpRequestCommit.Known())
	assert.False(t, OpShutdown.Known())
	assert.False(t, Opcode(0x42).Known())
	assert.Equal(t, "opcode(0x42)", Opcode(0x42).String())
}

// =============================================================================
// Payload fields
// =============================================================================

func TestPayload_Fields(t *testing.T) {
	var e Encoder
	e.PutU8(7)
	e.PutU32(4096)
	e.PutString("héllo")
	e.PutFrame(Frame{Opcode: OpLeave})

	d := NewDecoder(e.Bytes())
	assert.Equal(t, uint8(7), d.U8())
	assert.Equal(t, uint32(4096), d.U32())
	assert.Equal(t, "héllo", d.String())
	nested := d.Frame()
	assert.Equal(t, OpLeave, nested.Opcode)
	assert.NoError(t, d.Finish())
}

func TestDecoder_StringLongerThanPayload(t *testing.T) {
	var e Encoder
	e.PutU32(100)
	e.PutU8('a')

	d := NewDecoder(e.Bytes())
	assert.Equal(t, "", d.String())
	assert.True(t, errors.Is(d.Err(), ErrTruncated))

	// The first failure sticks.
	assert.Equal(t, uint32(0), d.U32())
	assert.ErrorIs(t, d.Finish(), ErrTruncated)
}

func TestDecoder_InvalidUTF8(t *testing.T) {
	var e Encoder
	e.PutU32(2)
	e.PutU8(0xff)
	e.PutU8(0xfe)

	d := NewDecoder(e.Bytes())
	_ = d.String()
	assert.ErrorIs(t, d.Err(), ErrMalformed)
}

func TestDecoder_TrailingBytes(t *testing.T) {
	d := NewDecoder([]byte{1, 2})
	d.U8()
	assert.ErrorIs(t, d.Finish(), ErrMalformed)
}
