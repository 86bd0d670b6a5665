package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"ctxt/internal/logging"
	"ctxt/internal/metrics"
	"ctxt/internal/protocol"
	"ctxt/internal/wire"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateStranger State = iota
	StateJoining
	StateJoined
	StateEditing
	StateLeft
	StateError
)

func (s State) String() string {
	switch s {
	case StateStranger:
		return "stranger"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateEditing:
		return "editing"
	case StateLeft:
		return "left"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateLeft || s == StateError
}

type sessionConfig struct {
	pollInterval   time.Duration
	payloadTimeout time.Duration
	writeTimeout   time.Duration
	maxPayload     uint32
	polling        bool
}

// Session bridges one connection and the authority. Its reader decodes
// frames, acks them and forwards them; its writer drains the outbox.
type Session struct {
	id   uint64
	addr string
	conn net.Conn

	cfg       sessionConfig
	log       *logging.Logger
	metrics   *metrics.Editor
	authority *Authority
	outbox    *Outbox

	state      atomic.Int32
	lastCursor atomic.Uint32

	mu       sync.Mutex
	nickname string
	docname  string

	writeMu  sync.Mutex
	release  func()
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func newSession(id uint64, conn net.Conn, cfg sessionConfig, a *Authority, log *logging.Logger, m *metrics.Editor, outboxLimit int) *Session {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Session{
		id:        id,
		addr:      addr,
		conn:      conn,
		cfg:       cfg,
		log:       log.WithConnection(id),
		metrics:   m,
		authority: a,
		outbox:    NewOutbox(outboxLimit),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() uint64 { return s.id }

// Addr returns the peer address.
func (s *Session) Addr() string { return s.addr }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastCursor returns the cursor most recently set by the client.
func (s *Session) LastCursor() uint32 { return s.lastCursor.Load() }

// Done is closed once the session has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Nickname returns the nickname given at join.
func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

// Docname returns the joined document's name.
func (s *Session) Docname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docname
}

// Shutdown queues the shutdown sentinel. The session finishes writing what
// is already queued and then ends.
func (s *Session) Shutdown() {
	s.outbox.PushUrgent(protocol.Shutdown{})
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// kick ends the session immediately.
func (s *Session) kick() {
	s.stop()
	s.conn.Close()
}

func (s *Session) stopping() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// serve runs the session until the connection ends or the sentinel arrives.
func (s *Session) serve() {
	defer func() {
		if s.release != nil {
			s.release()
		}
		close(s.done)
	}()

	if err := s.authority.Attach(s.id, s.outbox, s.kick); err != nil {
		s.log.Warn("attach failed", "error", err)
		s.state.Store(int32(StateError))
		s.conn.Close()
		return
	}
	s.metrics.ActiveSessions.Inc()
	s.log.Info("session started", "addr", s.addr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	final := s.readLoop()

	s.kick()
	s.outbox.Close()
	<-writerDone
	if err := s.authority.Detach(s.id); err != nil && !errors.Is(err, ErrStopped) {
		s.log.Warn("detach failed", "error", err)
	}
	if !s.State().Terminal() {
		s.state.Store(int32(final))
	}
	s.metrics.ActiveSessions.Dec()
	s.log.Info("session ended", "state", s.State())
}

// readLoop returns the terminal state the session should end in.
func (s *Session) readLoop() State {
	br := bufio.NewReader(s.conn)
	fr := wire.NewReader(br, s.cfg.maxPayload)

	for {
		if s.stopping() {
			return StateLeft
		}

		if s.cfg.polling {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.pollInterval))
		}
		if _, err := br.Peek(1); err != nil {
			if isTimeout(err) {
				continue
			}
			return s.transportEnded(err)
		}

		if s.cfg.polling && s.cfg.payloadTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.payloadTimeout))
		}
		f, err := fr.ReadFrame()
		if err != nil {
			if isClosed(err) {
				return s.transportEnded(err)
			}
			if errors.Is(err, wire.ErrTruncated) || errors.Is(err, wire.ErrPayloadTooLarge) {
				s.metrics.FramesDropped.Inc()
				s.log.Warn("frame dropped", "error", err)
				continue
			}
			return s.transportEnded(err)
		}

		s.metrics.PayloadBytes.Observe(float64(len(f.Payload)))
		op, err := protocol.Decode(f, protocol.ToServer)
		if err != nil {
			s.metrics.FramesDropped.Inc()
			s.log.Warn("frame dropped", "opcode", f.Opcode, "error", err)
			continue
		}
		s.metrics.FramesIn.Inc()

		if !s.handle(op) {
			return StateLeft
		}
	}
}

func (s *Session) transportEnded(err error) State {
	if s.stopping() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return StateLeft
	}
	s.log.Warn("connection error", "error", err)
	return StateError
}

// handle processes one decoded operation. It returns false when the session
// should end.
func (s *Session) handle(op protocol.Operation) bool {
	if j, ok := op.(protocol.Join); ok {
		return s.join(j)
	}

	state := s.State()
	if state != StateJoined && state != StateEditing {
		s.reject(protocol.CodeNotJoined, op)
		return true
	}

	switch op := op.(type) {
	case protocol.Commit:
		for _, inner := range op.Sequence {
			if !protocol.IsEdit(inner) {
				s.reject(protocol.CodeInvalidCommit, op)
				return true
			}
		}
	case protocol.SetCursor:
		s.lastCursor.Store(op.Cursor)
	}

	if !s.ackAndForward(op) {
		return false
	}
	if _, ok := op.(protocol.Leave); ok {
		s.state.Store(int32(StateLeft))
		s.log.Info("left", "doc", s.Docname())
		return false
	}
	return true
}

func (s *Session) join(j protocol.Join) bool {
	if s.State() != StateStranger {
		s.reject(protocol.CodeAlreadyJoined, j)
		return true
	}
	j, code := protocol.ValidateJoin(j)
	if code != 0 {
		s.reject(code, j)
		return true
	}

	s.state.Store(int32(StateJoining))
	s.mu.Lock()
	s.nickname, s.docname = j.Nickname, j.Docname
	s.mu.Unlock()

	if !s.ackAndForward(j) {
		return false
	}
	s.state.CompareAndSwap(int32(StateJoining), int32(StateJoined))
	return true
}

// ackAndForward acks op to the client, stamps it and hands it to the
// authority.
func (s *Session) ackAndForward(op protocol.Operation) bool {
	code, _ := op.Opcode(protocol.ToServer)
	if err := s.write(protocol.Ack{Acked: code}); err != nil {
		s.log.Warn("ack failed", "op", protocol.Name(op), "error", err)
		return false
	}

	s.mu.Lock()
	msg := protocol.Message{
		Author:  protocol.Author{Nickname: s.nickname, ConnID: s.id},
		Docname: s.docname,
		Op:      op,
	}
	s.mu.Unlock()

	if err := s.authority.Submit(msg); err != nil {
		s.log.Debug("authority unavailable", "op", protocol.Name(op), "error", err)
		return false
	}
	return true
}

func (s *Session) reject(code protocol.ErrorCode, op protocol.Operation) {
	s.log.Info("request refused", "op", protocol.Name(op), "code", uint32(code), "reason", code)
	if err := s.write(protocol.Error{Code: code}); err != nil {
		s.log.Warn("error response failed", "error", err)
	}
}

func (s *Session) writeLoop() {
	for {
		for {
			op, ok := s.outbox.Pop()
			if !ok {
				break
			}
			if _, ok := op.(protocol.Shutdown); ok {
				s.log.Debug("shutdown received")
				s.stop()
				if !s.cfg.polling {
					s.conn.Close()
				}
				return
			}
			if err := s.write(op); err != nil {
				if !s.stopping() {
					s.log.Warn("write failed", "op", protocol.Name(op), "error", err)
				}
				s.kick()
				return
			}
		}
		select {
		case <-s.outbox.Ready():
		case <-s.stopped:
			return
		}
	}
}

// write encodes op and writes it as one frame. Reader and writer goroutines
// both write, so frames are serialized here.
func (s *Session) write(op protocol.Operation) error {
	f, err := protocol.Encode(op, protocol.ToClient)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	if s.cfg.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout))
	}
	err = f.Write(s.conn)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.metrics.FramesOut.Inc()
	if _, ok := op.(protocol.Text); ok {
		s.state.CompareAndSwap(int32(StateJoined), int32(StateEditing))
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}
