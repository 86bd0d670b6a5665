package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxt/internal/wire"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		dir  Direction
		op   Operation
		code wire.Opcode
	}{
		{"join", ToServer, Join{Nickname: "alice", Docname: "notes"}, wire.OpJoin},
		{"leave", ToServer, Leave{}, wire.OpLeave},
		{"request text", ToServer, RequestText{}, wire.OpRequestText},
		{"insert request", ToServer, Insert{Version: 3, Cursor: 7, Text: "héllo\n"}, wire.OpRequestInsert},
		{"remove request", ToServer, Remove{Version: 4, Cursor: 1, Length: 9}, wire.OpRequestRemove},
		{"set cursor", ToServer, SetCursor{Version: 2, Cursor: 11}, wire.OpSetCursor},
		{"commit request", ToServer, Commit{Version: 5, Sequence: []Operation{
			Insert{Version: 5, Cursor: 0, Text: "ab"},
			Remove{Version: 5, Cursor: 1, Length: 1},
		}}, wire.OpRequestCommit},
		{"ack", ToClient, Ack{Acked: wire.OpRequestInsert}, wire.OpAck},
		{"error", ToClient, Error{Code: CodeInvalidDocname}, wire.OpError},
		{"text", ToClient, Text{Version: 9, Cursor: 2, Text: "whole\ndocument"}, wire.OpText},
		{"insert response", ToClient, Insert{Version: 2, Cursor: 0, Text: "bar", Author: "bob"}, wire.OpInsert},
		{"remove response", ToClient, Remove{Version: 6, Cursor: 3, Length: 2, Author: "bob"}, wire.OpRemove},
		{"commit response", ToClient, Commit{Version: 8, Author: "carol", Sequence: []Operation{
			Insert{Version: 7, Cursor: 1, Text: "x", Author: "carol"},
			Remove{Version: 8, Cursor: 0, Length: 1, Author: "carol"},
		}}, wire.OpCommit},
		{"empty commit", ToClient, Commit{Version: 1, Author: "dan"}, wire.OpCommit},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Encode(tc.op, tc.dir)
			require.NoError(t, err)
			assert.Equal(t, tc.code, f.Opcode)

			// Go through the byte form so the header is exercised too.
			got, err := wire.NewReader(strings.NewReader(string(f.Bytes())), 0).ReadFrame()
			require.NoError(t, err)

			op, err := Decode(got, tc.dir)
			require.NoError(t, err)
			assert.Equal(t, tc.op, op)
		})
	}
}

func TestEncode_InsertLayout(t *testing.T) {
	f, err := Encode(Insert{Version: 1, Cursor: 2, Text: "ab"}, ToServer)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		1, 0, 0, 0,
		2, 0, 0, 0,
		2, 0, 0, 0, 'a', 'b',
	}, f.Payload)
}

func TestEncode_WrongDirection(t *testing.T) {
	_, err := Encode(Join{Docname: "x"}, ToClient)
	assert.ErrorIs(t, err, ErrNotEncodable)

	_, err = Encode(Ack{}, ToServer)
	assert.ErrorIs(t, err, ErrNotEncodable)
}

func TestEncode_ShutdownNeverOnWire(t *testing.T) {
	for _, dir := range []Direction{ToServer, ToClient} {
		_, err := Encode(Shutdown{}, dir)
		assert.ErrorIs(t, err, ErrNotEncodable)
	}
}

func TestEncode_CommitRejectsNonEdits(t *testing.T) {
	_, err := Encode(Commit{Sequence: []Operation{Leave{}}}, ToServer)
	assert.ErrorIs(t, err, ErrNotEncodable)
}

func TestDecode_UnknownOpcode(t *testing.T) {
	_, err := Decode(wire.Frame{Opcode: 0x42}, ToServer)
	assert.ErrorIs(t, err, wire.ErrUnknownOpcode)

	// A server response opcode is unknown to the server.
	_, err = Decode(wire.Frame{Opcode: wire.OpInsert}, ToServer)
	assert.ErrorIs(t, err, wire.ErrUnknownOpcode)

	_, err = Decode(wire.Frame{Opcode: wire.OpShutdown}, ToServer)
	assert.ErrorIs(t, err, wire.ErrUnknownOpcode)
}

func TestDecode_TruncatedPayload(t *testing.T) {
	f, err := Encode(Insert{Version: 1, Cursor: 0, Text: "hello"}, ToServer)
	require.NoError(t, err)

	f.Payload = f.Payload[:len(f.Payload)-2]
	_, err = Decode(f, ToServer)
	assert.ErrorIs(t, err, wire.ErrTruncated)
}

func TestDecode_NestedCommitRejected(t *testing.T) {
	inner, err := Encode(Commit{Version: 1}, ToServer)
	require.NoError(t, err)

	var e wire.Encoder
	e.PutU32(1)
	e.PutU32(1)
	e.PutFrame(inner)

	_, err = Decode(wire.Frame{Opcode: wire.OpRequestCommit, Payload: e.Bytes()}, ToServer)
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestValidateJoin(t *testing.T) {
	tests := []struct {
		name     string
		join     Join
		code     ErrorCode
		nickname string
	}{
		{"ok", Join{Nickname: "alice", Docname: "test"}, 0, "alice"},
		{"default nickname", Join{Docname: "test"}, 0, DefaultNickname},
		{"empty docname", Join{Nickname: "alice"}, CodeInvalidDocname, "alice"},
		{"longest docname", Join{Nickname: "a", Docname: strings.Repeat("d", 128)}, 0, "a"},
		{"docname too long", Join{Nickname: "a", Docname: strings.Repeat("d", 129)}, CodeInvalidDocname, "a"},
		{"multibyte docname counts runes", Join{Nickname: "a", Docname: strings.Repeat("ü", 128)}, 0, "a"},
		{"nickname too long", Join{Nickname: strings.Repeat("n", 65), Docname: "x"}, CodeInvalidNickname, strings.Repeat("n", 65)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, code := ValidateJoin(tc.join)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.nickname, got.Nickname)
		})
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, "request-insert", Name(Insert{}))
	assert.Equal(t, "ack", Name(Ack{}))
	assert.Equal(t, "shutdown", Name(Shutdown{}))
}
