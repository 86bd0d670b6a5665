// Package client is the editor-side half of the protocol. It keeps a local
// copy of one document, applies the user's edits to it immediately and
// reconciles them with edits arriving from other writers.
//
// The server applies every edit at the positions it was sent with and never
// merges, so the client keeps a copy of the server's text next to the local
// one. Edits stay pending until a gap in the versions of the edits broadcast
// by other writers shows where the server applied them. The local text is
// always the server copy with the pending edits replayed over it, clamped the
// way the server clamps.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"ctxt/internal/change"
	"ctxt/internal/document"
	"ctxt/internal/logging"
	"ctxt/internal/protocol"
	"ctxt/internal/wire"
	"ctxt/internal/wsconn"
)

// State is the client's position in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateJoining
	StateJoined
	StateEditing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateEditing:
		return "editing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
	// ErrNotConnected is returned when no connection is up.
	ErrNotConnected = errors.New("client: not connected")
	// ErrAlreadyConnected is returned by Connect on a live client.
	ErrAlreadyConnected = errors.New("client: already connected")
	// ErrNotEditing is returned by edits made before the text has arrived.
	ErrNotEditing = errors.New("client: document not loaded")
)

// Config configures a client.
type Config struct {
	// Addr is host:port for TCP or a ws:// or wss:// URL.
	Addr     string
	Nickname string
	// Reconnect redials with exponential backoff when the connection drops
	// and rejoins the document.
	Reconnect bool
	// MaxReconnectWait bounds the total time spent redialing. Zero means
	// backoff's default of fifteen minutes.
	MaxReconnectWait time.Duration
	DialTimeout      time.Duration
	MaxPayload       uint32
	// EventBuffer is the capacity of the event channel.
	EventBuffer int
	Logger      *logging.Logger
}

// EventKind classifies an Event.
type EventKind int

const (
	// EventJoined: the server accepted the join.
	EventJoined EventKind = iota
	// EventText: the whole document arrived.
	EventText
	// EventRemote: another writer's Insert, Remove or Commit was applied.
	EventRemote
	// EventError: the server refused a request.
	EventError
	// EventDisconnected: the connection dropped.
	EventDisconnected
	// EventReconnected: the connection was re-established.
	EventReconnected
)

func (k EventKind) String() string {
	return [...]string{"joined", "text", "remote", "error", "disconnected", "reconnected"}[k]
}

// Event is something the server did, delivered on Events.
type Event struct {
	Kind EventKind
	// Op is the operation as received.
	Op protocol.Operation
	// Text is the local document after the event.
	Text string
	Err  error
}

// maxPending is how many unconfirmed edits a client keeps before it asks for
// the whole text again to settle them.
const maxPending = 512

type pendingEdit struct {
	seq uint64
	// ops are the Insert and Remove requests as sent.
	ops []protocol.Operation
}

// Client is one connection editing at most one document.
type Client struct {
	cfg Config
	log *logging.Logger

	state   atomic.Int32
	leaving atomic.Bool
	events  chan Event

	// writeMu is held from numbering a request until it is on the wire, so
	// sequence numbers follow wire order. It is taken before mu.
	writeMu sync.Mutex

	mu   sync.Mutex
	conn net.Conn
	doc  string
	// server is the text as the server had it after the last operation
	// received; nil until a Text arrives.
	server *document.Document
	// local is server with the pending edits replayed over it.
	local   *document.Document
	cursor  uint32
	pending []pendingEdit
	// sent counts the edits sent so far.
	sent uint64
	// textMarks holds, for each RequestText in flight, how many edits were
	// sent before it.
	textMarks []uint64

	ctx    context.Context
	cancel context.CancelFunc
	// done is closed when the current read goroutine exits.
	done chan struct{}
}

// New creates an idle client.
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		log:    log.WithComponent("client"),
		events: make(chan Event, cfg.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current state.
func (c *Client) State() State { return State(c.state.Load()) }

// Events delivers server activity in arrival order.
func (c *Client) Events() <-chan Event { return c.events }

// Text returns the local document.
func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return ""
	}
	return c.local.Text()
}

// Version returns the last document version seen from the server.
func (c *Client) Version() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionLocked()
}

func (c *Client) versionLocked() uint32 {
	switch {
	case c.server != nil:
		return c.server.Version()
	case c.local != nil:
		return c.local.Version()
	}
	return 0
}

// Document returns the joined document's name.
func (c *Client) Document() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// Pending returns the number of sent edits the client has not yet seen the
// server apply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect dials the server and starts reading. With Reconnect set, the
// first dial is retried too.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		if c.State() == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.Reconnect {
		conn, err = c.redial(ctx)
	} else {
		conn, err = c.dial(ctx)
	}
	if err != nil {
		c.state.Store(int32(StateIdle))
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()
	c.leaving.Store(false)
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		conn.Close()
		close(done)
		return ErrClosed
	}
	c.log.Info("connected", "addr", c.cfg.Addr)

	go c.run(conn, done)
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	if strings.HasPrefix(c.cfg.Addr, "ws://") || strings.HasPrefix(c.cfg.Addr, "wss://") {
		conn, err := wsconn.Dial(ctx, c.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
		}
		return conn, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	return conn, nil
}

func (c *Client) redial(ctx context.Context) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	if c.cfg.MaxReconnectWait > 0 {
		b.MaxElapsedTime = c.cfg.MaxReconnectWait
	}

	var conn net.Conn
	op := func() error {
		var err error
		conn, err = c.dial(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug("dial failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// run reads until the connection ends, reconnecting when configured.
func (c *Client) run(conn net.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.readLoop(conn)
		if c.State() == StateClosed {
			return
		}
		c.log.Info("disconnected", "error", err)
		c.emit(Event{Kind: EventDisconnected, Err: err, Text: c.Text()})

		if !c.cfg.Reconnect || c.leaving.Load() {
			c.state.Store(int32(StateIdle))
			return
		}
		c.state.Store(int32(StateConnecting))
		next, err := c.redial(c.ctx)
		if err == nil && c.State() == StateClosed {
			next.Close()
			return
		}
		if err != nil {
			if c.State() != StateClosed {
				c.log.Warn("reconnect gave up", "error", err)
				c.state.Store(int32(StateIdle))
			}
			return
		}
		conn = c.resume(next)
		c.emit(Event{Kind: EventReconnected, Text: c.Text()})
	}
}

// resume installs a fresh connection and rejoins the previous document.
// Pending edits are dropped; the text that follows the rejoin replaces them.
func (c *Client) resume(conn net.Conn) net.Conn {
	c.mu.Lock()
	c.conn = conn
	c.resetLocked()
	doc := c.doc
	c.mu.Unlock()

	c.state.Store(int32(StateConnected))
	if doc != "" {
		c.state.Store(int32(StateJoining))
		if err := c.send(protocol.Join{Nickname: c.cfg.Nickname, Docname: doc}); err != nil {
			c.log.Warn("rejoin failed", "doc", doc, "error", err)
		}
	}
	return conn
}

func (c *Client) readLoop(conn net.Conn) error {
	r := wire.NewReader(conn, c.cfg.MaxPayload)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrPayloadTooLarge) {
				c.log.Warn("frame dropped", "error", err)
				continue
			}
			return err
		}
		op, err := protocol.Decode(f, protocol.ToClient)
		if err != nil {
			c.log.Warn("frame dropped", "opcode", f.Opcode, "error", err)
			continue
		}
		c.handle(op)
	}
}

func (c *Client) handle(op protocol.Operation) {
	switch op := op.(type) {
	case protocol.Ack:
		c.handleAck(op)
	case protocol.Error:
		c.log.Info("request refused", "code", uint32(op.Code), "reason", op.Code)
		if op.Code != protocol.CodeAlreadyJoined && c.state.CompareAndSwap(int32(StateJoining), int32(StateConnected)) {
			c.mu.Lock()
			c.doc = ""
			c.resetLocked()
			c.mu.Unlock()
		}
		c.emit(Event{Kind: EventError, Op: op, Err: fmt.Errorf("server refused request: %s", op.Code), Text: c.Text()})
	case protocol.Text:
		c.mu.Lock()
		c.loadLocked(op)
		text := c.local.Text()
		c.mu.Unlock()
		c.state.Store(int32(StateEditing))
		c.emit(Event{Kind: EventText, Op: op, Text: text})
	case protocol.Insert, protocol.Remove, protocol.Commit:
		text, resync := c.applyRemote(op)
		if resync {
			if err := c.RequestText(); err != nil {
				c.log.Warn("request text failed", "error", err)
			}
		}
		c.emit(Event{Kind: EventRemote, Op: op, Text: text})
	}
}

func (c *Client) handleAck(a protocol.Ack) {
	switch a.Acked {
	case wire.OpJoin:
		c.state.Store(int32(StateJoined))
		c.emit(Event{Kind: EventJoined, Op: a, Text: c.Text()})
		if err := c.RequestText(); err != nil {
			c.log.Warn("request text failed", "error", err)
		}
	case wire.OpLeave:
		c.mu.Lock()
		c.doc = ""
		c.resetLocked()
		c.mu.Unlock()
	}
}

func (c *Client) resetLocked() {
	c.server, c.local = nil, nil
	c.pending, c.textMarks = nil, nil
}

// loadLocked replaces the server copy with t. Edits sent before the request
// that produced t are already part of it; later ones are replayed.
func (c *Client) loadLocked(t protocol.Text) {
	mark := c.sent
	if len(c.textMarks) > 0 {
		mark, c.textMarks = c.textMarks[0], c.textMarks[1:]
	}
	i := 0
	for i < len(c.pending) && c.pending[i].seq < mark {
		i++
	}
	c.pending = c.pending[i:]
	c.server = document.NewAt(c.doc, t.Text, t.Version)
	c.cursor = t.Cursor
	c.rebuildLocked()
}

// applyRemote brings the server copy up to op and replays the edits still
// pending. resync is set when the versions do not line up and the whole text
// has to be fetched again.
func (c *Client) applyRemote(op protocol.Operation) (text string, resync bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server == nil {
		// Not loaded yet, or reloading: the Text on its way includes op.
		if c.local == nil {
			return "", false
		}
		return c.local.Text(), false
	}

	version, count := versionSpan(op)
	if count == 0 || version <= c.server.Version() {
		return c.local.Text(), false
	}
	first := version - count + 1

	// The versions between the server copy and op belong to our own edits,
	// applied ahead of op in the order they were sent.
	for c.server.Version()+1 < first && len(c.pending) > 0 {
		applyOps(c.server, c.pending[0].ops)
		c.pending = c.pending[1:]
	}
	if c.server.Version()+1 == first {
		applyOps(c.server, []protocol.Operation{op})
		c.cursor = moveCursor(c.cursor, op)
	}
	if c.server.Version() != version {
		c.log.Warn("version mismatch, reloading text", "have", c.server.Version(), "want", version)
		c.server = nil
		return c.local.Text(), len(c.textMarks) == 0
	}
	c.rebuildLocked()
	return c.local.Text(), false
}

func (c *Client) rebuildLocked() {
	c.local = c.server.Clone()
	for _, p := range c.pending {
		applyOps(c.local, p.ops)
	}
}

// applyOps applies operations to d the way the server does, clamping
// positions that do not fit.
func applyOps(d *document.Document, ops []protocol.Operation) {
	for _, op := range ops {
		switch op := op.(type) {
		case protocol.Insert:
			d.Insert(op.Cursor, op.Text)
		case protocol.Remove:
			d.Remove(op.Cursor, op.Length)
		case protocol.Commit:
			applyOps(d, op.Sequence)
		}
	}
}

// moveCursor carries a cursor over a remote operation so it stays next to
// the same text.
func moveCursor(cursor uint32, op protocol.Operation) uint32 {
	cs := []change.Change{change.Insert{Pos: int(cursor)}}
	for _, other := range toChanges(op) {
		cs = change.RebaseAll(cs, other)
	}
	if len(cs) == 0 {
		return cursor
	}
	if ins, ok := cs[0].(change.Insert); ok && ins.Pos >= 0 {
		return uint32(ins.Pos)
	}
	return cursor
}

func toChanges(op protocol.Operation) []change.Change {
	switch op := op.(type) {
	case protocol.Insert:
		return []change.Change{change.Insert{Pos: int(op.Cursor), Text: op.Text}}
	case protocol.Remove:
		if op.Length == 0 {
			return nil
		}
		return []change.Change{change.Delete{Start: int(op.Cursor), End: int(op.Cursor) + int(op.Length) - 1}}
	case protocol.Commit:
		var out []change.Change
		for _, inner := range op.Sequence {
			out = append(out, toChanges(inner)...)
		}
		return out
	}
	return nil
}

// versionSpan returns the version a broadcast operation ends at and how many
// mutations it carries.
func versionSpan(op protocol.Operation) (version, count uint32) {
	switch op := op.(type) {
	case protocol.Insert:
		return op.Version, 1
	case protocol.Remove:
		return op.Version, 1
	case protocol.Commit:
		return op.Version, uint32(len(op.Sequence))
	}
	return 0, 0
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.Warn("event dropped, consumer too slow", "kind", e.Kind)
	}
}

func (c *Client) send(op protocol.Operation) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sendLocked(op)
}

// sendLocked writes op. The caller holds writeMu.
func (c *Client) sendLocked(op protocol.Operation) error {
	f, err := protocol.Encode(op, protocol.ToServer)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return f.Write(conn)
}

// Join asks to edit doc. The text is requested automatically once the server
// accepts.
func (c *Client) Join(doc string) error {
	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateIdle, StateConnecting:
		return ErrNotConnected
	}
	c.mu.Lock()
	c.doc = doc
	c.resetLocked()
	c.mu.Unlock()
	c.state.Store(int32(StateJoining))
	return c.send(protocol.Join{Nickname: c.cfg.Nickname, Docname: doc})
}

// RequestText asks for the whole document, replacing the local copy when it
// arrives.
func (c *Client) RequestText() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.textMarks = append(c.textMarks, c.sent)
	c.mu.Unlock()
	if err := c.sendLocked(protocol.RequestText{}); err != nil {
		c.mu.Lock()
		if n := len(c.textMarks); n > 0 {
			c.textMarks = c.textMarks[:n-1]
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Insert inserts text before the rune at cursor.
func (c *Client) Insert(cursor int, text string) error {
	return c.edit(wire.OpRequestInsert, change.Insert{Pos: cursor, Text: text})
}

// Remove deletes length runes starting at cursor.
func (c *Client) Remove(cursor, length int) error {
	if length <= 0 {
		return nil
	}
	return c.edit(wire.OpRequestRemove, change.Delete{Start: cursor, End: cursor + length - 1})
}

// Commit sends several changes as one batch. They are applied in order, so
// each position refers to the text left by the changes before it.
func (c *Client) Commit(changes ...change.Change) error {
	return c.edit(wire.OpRequestCommit, changes...)
}

func (c *Client) edit(code wire.Opcode, changes ...change.Change) error {
	if c.State() != StateEditing {
		return ErrNotEditing
	}
	if len(changes) == 0 {
		return nil
	}

	c.writeMu.Lock()
	c.mu.Lock()
	if c.local == nil {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return ErrNotEditing
	}
	if _, err := change.ApplyAll([]rune(c.local.Text()), changes...); err != nil {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return err
	}
	version := c.versionLocked()
	ops := make([]protocol.Operation, 0, len(changes))
	for _, ch := range changes {
		ops = append(ops, toOperation(ch, version))
	}
	applyOps(c.local, ops)
	c.pending = append(c.pending, pendingEdit{seq: c.sent, ops: ops})
	c.sent++
	settle := len(c.pending) >= maxPending && len(c.textMarks) == 0
	c.mu.Unlock()

	var err error
	if code == wire.OpRequestCommit {
		err = c.sendLocked(protocol.Commit{Version: version, Sequence: ops})
	} else {
		err = c.sendLocked(ops[0])
	}
	c.writeMu.Unlock()
	if err == nil && settle {
		err = c.RequestText()
	}
	return err
}

// SetCursor reports the local cursor to the server.
func (c *Client) SetCursor(cursor uint32) error {
	c.mu.Lock()
	c.cursor = cursor
	version := c.versionLocked()
	c.mu.Unlock()
	return c.send(protocol.SetCursor{Version: version, Cursor: cursor})
}

// Cursor returns the local cursor.
func (c *Client) Cursor() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Leave detaches from the document. The server closes the connection
// afterwards and the client goes back to idle without reconnecting.
func (c *Client) Leave() error {
	c.leaving.Store(true)
	if err := c.send(protocol.Leave{}); err != nil {
		c.leaving.Store(false)
		return err
	}
	return nil
}

// Close ends the connection and stops reconnecting.
func (c *Client) Close() error {
	prev := State(c.state.Swap(int32(StateClosed)))
	c.cancel()

	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil || prev == StateClosed {
		return nil
	}
	err := conn.Close()
	if done != nil {
		<-done
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
