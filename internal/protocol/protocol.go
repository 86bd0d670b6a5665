// Package protocol defines the operations exchanged between editor clients and
// the server, and their payload layouts inside wire frames.
//
// Several operations travel in both directions under different opcodes: an
// Insert sent by a client uses OpRequestInsert, the same Insert broadcast by
// the server uses OpInsert and also names its author. Encode and Decode
// therefore take the Direction the frame is travelling in.
package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"ctxt/internal/wire"
)

// Direction is the way a frame travels.
type Direction uint8

const (
	// ToServer frames are written by clients.
	ToServer Direction = iota
	// ToClient frames are written by the server.
	ToClient
)

func (d Direction) String() string {
	if d == ToServer {
		return "to-server"
	}
	return "to-client"
}

// Limits applied when a session joins a document.
const (
	MaxDocnameLength  = 128
	MaxNicknameLength = 64
	DefaultNickname   = "Anon"
)

// ErrorCode is the numeric payload of an Error response.
type ErrorCode uint32

const (
	CodeInvalidDocname  ErrorCode = 1
	CodeNotJoined       ErrorCode = 2
	CodeAlreadyJoined   ErrorCode = 3
	CodeInvalidNickname ErrorCode = 4
	CodeInvalidCommit   ErrorCode = 5
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidDocname:
		return "invalid document name"
	case CodeNotJoined:
		return "not joined"
	case CodeAlreadyJoined:
		return "already joined"
	case CodeInvalidNickname:
		return "invalid nickname"
	case CodeInvalidCommit:
		return "invalid commit"
	default:
		return fmt.Sprintf("error %d", uint32(c))
	}
}

// ErrNotEncodable is returned when an operation has no opcode in the
// requested direction. The shutdown sentinel is never encodable.
var ErrNotEncodable = errors.New("protocol: operation cannot be encoded in this direction")

// Operation is one request or response. The set of implementations is closed.
type Operation interface {
	// Opcode returns the opcode used in direction dir. ok is false when the
	// operation never travels that way.
	Opcode(dir Direction) (op wire.Opcode, ok bool)

	encode(e *wire.Encoder, dir Direction)
}

// Author identifies the session an operation came from.
type Author struct {
	Nickname string
	ConnID   uint64
}

func (a Author) String() string {
	return fmt.Sprintf("%s#%d", a.Nickname, a.ConnID)
}

// Message is an operation stamped by the session that decoded it.
type Message struct {
	Author  Author
	Docname string
	Op      Operation
}

// Join asks to edit a named document.
type Join struct {
	Nickname string
	Docname  string
}

// Leave detaches the session from its document.
type Leave struct{}

// RequestText asks for the whole current text of the joined document.
type RequestText struct{}

// Insert places Text before the rune at Cursor.
type Insert struct {
	Version uint32
	Cursor  uint32
	Text    string
	// Author is the nickname of the writer; only sent to clients.
	Author string
}

// Remove deletes Length runes starting at Cursor.
type Remove struct {
	Version uint32
	Cursor  uint32
	Length  uint32
	// Author is the nickname of the writer; only sent to clients.
	Author string
}

// SetCursor reports the sender's cursor position.
type SetCursor struct {
	Version uint32
	Cursor  uint32
}

// Ack acknowledges a request by echoing its opcode.
type Ack struct {
	Acked wire.Opcode
}

// Error reports a rejected request.
type Error struct {
	Code ErrorCode
}

// Text carries a whole document.
type Text struct {
	Version uint32
	Cursor  uint32
	Text    string
}

// Commit is a batch of Insert and Remove operations applied as one unit.
type Commit struct {
	Version  uint32
	Sequence []Operation
	// Author is the nickname of the writer; only sent to clients.
	Author string
}

// Shutdown tells a session to stop. It only travels through in-process queues.
type Shutdown struct{}

func (Join) Opcode(d Direction) (wire.Opcode, bool)        { return wire.OpJoin, d == ToServer }
func (Leave) Opcode(d Direction) (wire.Opcode, bool)       { return wire.OpLeave, d == ToServer }
func (RequestText) Opcode(d Direction) (wire.Opcode, bool) { return wire.OpRequestText, d == ToServer }
func (SetCursor) Opcode(d Direction) (wire.Opcode, bool)   { return wire.OpSetCursor, d == ToServer }
func (Ack) Opcode(d Direction) (wire.Opcode, bool)         { return wire.OpAck, d == ToClient }
func (Error) Opcode(d Direction) (wire.Opcode, bool)       { return wire.OpError, d == ToClient }
func (Text) Opcode(d Direction) (wire.Opcode, bool)        { return wire.OpText, d == ToClient }
func (Shutdown) Opcode(Direction) (wire.Opcode, bool)      { return wire.OpShutdown, false }

func (Insert) Opcode(d Direction) (wire.Opcode, bool) {
	if d == ToServer {
		return wire.OpRequestInsert, true
	}
	return wire.OpInsert, true
}

func (Remove) Opcode(d Direction) (wire.Opcode, bool) {
	if d == ToServer {
		return wire.OpRequestRemove, true
	}
	return wire.OpRemove, true
}

func (Commit) Opcode(d Direction) (wire.Opcode, bool) {
	if d == ToServer {
		return wire.OpRequestCommit, true
	}
	return wire.OpCommit, true
}

func (j Join) encode(e *wire.Encoder, _ Direction) {
	e.PutString(j.Nickname)
	e.PutString(j.Docname)
}

func (Leave) encode(*wire.Encoder, Direction)       {}
func (RequestText) encode(*wire.Encoder, Direction) {}
func (Shutdown) encode(*wire.Encoder, Direction)    {}

func (i Insert) encode(e *wire.Encoder, d Direction) {
	e.PutU32(i.Version)
	e.PutU32(i.Cursor)
	e.PutString(i.Text)
	if d == ToClient {
		e.PutString(i.Author)
	}
}

func (r Remove) encode(e *wire.Encoder, d Direction) {
	e.PutU32(r.Version)
	e.PutU32(r.Cursor)
	e.PutU32(r.Length)
	if d == ToClient {
		e.PutString(r.Author)
	}
}

func (s SetCursor) encode(e *wire.Encoder, _ Direction) {
	e.PutU32(s.Version)
	e.PutU32(s.Cursor)
}

func (a Ack) encode(e *wire.Encoder, _ Direction) {
	e.PutU8(uint8(a.Acked))
}

func (er Error) encode(e *wire.Encoder, _ Direction) {
	e.PutU32(uint32(er.Code))
}

func (t Text) encode(e *wire.Encoder, _ Direction) {
	e.PutU32(t.Version)
	e.PutU32(t.Cursor)
	e.PutString(t.Text)
}

func (c Commit) encode(e *wire.Encoder, d Direction) {
	e.PutU32(c.Version)
	if d == ToClient {
		e.PutString(c.Author)
	}
	e.PutU32(uint32(len(c.Sequence)))
	for _, op := range c.Sequence {
		// Encode validated the sequence before calling encode.
		f, _ := Encode(op, d)
		e.PutFrame(f)
	}
}

// Encode returns op as a frame travelling in direction dir.
func Encode(op Operation, dir Direction) (wire.Frame, error) {
	code, ok := op.Opcode(dir)
	if !ok {
		return wire.Frame{}, fmt.Errorf("%w: %T %s", ErrNotEncodable, op, dir)
	}
	if c, isCommit := op.(Commit); isCommit {
		for _, inner := range c.Sequence {
			if !IsEdit(inner) {
				return wire.Frame{}, fmt.Errorf("%w: commit holds %T", ErrNotEncodable, inner)
			}
		}
	}
	var e wire.Encoder
	op.encode(&e, dir)
	return wire.Frame{Opcode: code, Payload: e.Bytes()}, nil
}

// Decode parses a frame travelling in direction dir. Opcodes that do not
// travel that way fail with wire.ErrUnknownOpcode.
func Decode(f wire.Frame, dir Direction) (Operation, error) {
	return decode(f, dir, true)
}

func decode(f wire.Frame, dir Direction, allowCommit bool) (Operation, error) {
	d := wire.NewDecoder(f.Payload)
	var op Operation

	switch {
	case dir == ToServer && f.Opcode == wire.OpJoin:
		op = Join{Nickname: d.String(), Docname: d.String()}
	case dir == ToServer && f.Opcode == wire.OpLeave:
		op = Leave{}
	case dir == ToServer && f.Opcode == wire.OpRequestText:
		op = RequestText{}
	case dir == ToServer && f.Opcode == wire.OpRequestInsert:
		op = Insert{Version: d.U32(), Cursor: d.U32(), Text: d.String()}
	case dir == ToServer && f.Opcode == wire.OpRequestRemove:
		op = Remove{Version: d.U32(), Cursor: d.U32(), Length: d.U32()}
	case dir == ToServer && f.Opcode == wire.OpSetCursor:
		op = SetCursor{Version: d.U32(), Cursor: d.U32()}
	case dir == ToClient && f.Opcode == wire.OpAck:
		op = Ack{Acked: wire.Opcode(d.U8())}
	case dir == ToClient && f.Opcode == wire.OpError:
		op = Error{Code: ErrorCode(d.U32())}
	case dir == ToClient && f.Opcode == wire.OpText:
		op = Text{Version: d.U32(), Cursor: d.U32(), Text: d.String()}
	case dir == ToClient && f.Opcode == wire.OpInsert:
		op = Insert{Version: d.U32(), Cursor: d.U32(), Text: d.String(), Author: d.String()}
	case dir == ToClient && f.Opcode == wire.OpRemove:
		op = Remove{Version: d.U32(), Cursor: d.U32(), Length: d.U32(), Author: d.String()}
	case (dir == ToServer && f.Opcode == wire.OpRequestCommit) || (dir == ToClient && f.Opcode == wire.OpCommit):
		if !allowCommit {
			return nil, fmt.Errorf("%w: nested commit", wire.ErrMalformed)
		}
		c, err := decodeCommit(d, dir)
		if err != nil {
			return nil, err
		}
		op = c
	default:
		return nil, fmt.Errorf("%w: %s %s", wire.ErrUnknownOpcode, f.Opcode, dir)
	}

	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Opcode, err)
	}
	return op, nil
}

func decodeCommit(d *wire.Decoder, dir Direction) (Commit, error) {
	c := Commit{Version: d.U32()}
	if dir == ToClient {
		c.Author = d.String()
	}
	n := d.U32()
	if d.Err() != nil {
		return Commit{}, fmt.Errorf("decode commit: %w", d.Err())
	}
	for i := uint32(0); i < n; i++ {
		f := d.Frame()
		if d.Err() != nil {
			return Commit{}, fmt.Errorf("decode commit entry %d: %w", i, d.Err())
		}
		inner, err := decode(f, dir, false)
		if err != nil {
			return Commit{}, fmt.Errorf("decode commit entry %d: %w", i, err)
		}
		c.Sequence = append(c.Sequence, inner)
	}
	return c, nil
}

// IsEdit reports whether op mutates document text.
func IsEdit(op Operation) bool {
	switch op.(type) {
	case Insert, Remove:
		return true
	}
	return false
}

// ValidateJoin normalizes a join request. It returns a non-zero code when the
// request must be refused.
func ValidateJoin(j Join) (Join, ErrorCode) {
	n := utf8.RuneCountInString(j.Docname)
	if n < 1 || n > MaxDocnameLength {
		return j, CodeInvalidDocname
	}
	if utf8.RuneCountInString(j.Nickname) > MaxNicknameLength {
		return j, CodeInvalidNickname
	}
	if j.Nickname == "" {
		j.Nickname = DefaultNickname
	}
	return j, 0
}

// Name returns a short label for logs.
func Name(op Operation) string {
	if op == nil {
		return "nil"
	}
	code, ok := op.Opcode(ToServer)
	if !ok {
		code, _ = op.Opcode(ToClient)
	}
	return code.String()
}
