// Package server accepts editor connections and runs the document authority.
//
// Each connection gets a Session with its own reader and writer goroutines.
// All document state lives in a single Authority goroutine; sessions talk to
// it only through its inbox, and it talks back only through each session's
// outbox.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ctxt/internal/document"
	"ctxt/internal/feed"
	"ctxt/internal/journal"
	"ctxt/internal/logging"
	"ctxt/internal/metrics"
	"ctxt/internal/wire"
)

// DefaultPort is the port the server listens on when none is configured.
const DefaultPort = 7777

// Config configures the server.
type Config struct {
	// Addr is the TCP address to listen on.
	Addr string
	// PollInterval bounds how long a session waits on its socket before
	// checking for shutdown.
	PollInterval time.Duration
	// PayloadTimeout bounds how long a frame may take to arrive once its
	// first byte has been seen. A frame that misses it is dropped.
	PayloadTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// MaxPayload is the largest payload accepted from a client.
	MaxPayload uint32
	// OutboxLimit is how many undelivered operations a session may hold
	// before it is disconnected.
	OutboxLimit int
	// InboxDepth is the buffer of the authority's inbox.
	InboxDepth int
	// ReuseAddr sets SO_REUSEADDR on the listening socket.
	ReuseAddr bool
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           fmt.Sprintf(":%d", DefaultPort),
		PollInterval:   100 * time.Millisecond,
		PayloadTimeout: 2 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxPayload:     wire.DefaultMaxPayload,
		OutboxLimit:    4096,
		InboxDepth:     1024,
		ReuseAddr:      true,
	}
}

// Deps are the collaborators of a server. Every field is optional.
type Deps struct {
	Store   document.Store
	Saver   *document.Saver
	Journal *journal.Recorder
	Feed    *feed.Async
	Metrics *metrics.Editor
	Logger  *logging.Logger
}

// Lifecycle is the server's run state.
type Lifecycle int32

const (
	Stopped Lifecycle = iota
	Running
)

func (l Lifecycle) String() string {
	if l == Running {
		return "running"
	}
	return "stopped"
}

// ErrAlreadyStarted is returned by Start on a running server.
var ErrAlreadyStarted = errors.New("server: already started")

// Option adjusts a single session.
type Option func(*sessionConfig)

// WithoutPolling disables read deadlines for the session. Transports that
// cannot survive a read timeout, such as WebSocket adapters, need it; their
// sessions end on shutdown by having the connection closed.
func WithoutPolling() Option {
	return func(c *sessionConfig) { c.polling = false }
}

// Server accepts connections and routes them to the authority.
type Server struct {
	cfg       Config
	log       *logging.Logger
	metrics   *metrics.Editor
	authority *Authority
	instance  string

	lifecycle atomic.Int32
	nextID    atomic.Uint64

	listener net.Listener
	acceptWG sync.WaitGroup

	mu       sync.Mutex
	sessions map[uint64]*Session
}

// New creates a server. Call Start to begin accepting connections.
func New(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = def.MaxPayload
	}
	if cfg.InboxDepth <= 0 {
		cfg.InboxDepth = def.InboxDepth
	}
	log := deps.Logger
	if log == nil {
		log = logging.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewEditor(nil)
	}

	instance := uuid.NewString()
	s := &Server{
		cfg:      cfg,
		log:      log.WithComponent("server"),
		metrics:  m,
		instance: instance,
		sessions: make(map[uint64]*Session),
	}
	s.authority = NewAuthority(log, m, Persistence{
		Store:   deps.Store,
		Saver:   deps.Saver,
		Journal: deps.Journal,
		Feed:    deps.Feed,
		Origin:  instance,
	}, cfg.InboxDepth)
	return s
}

// Instance returns the id this server tags its feed events with.
func (s *Server) Instance() string { return s.instance }

// Authority returns the document authority.
func (s *Server) Authority() *Authority { return s.authority }

// Metrics returns the server metrics.
func (s *Server) Metrics() *metrics.Editor { return s.metrics }

// Lifecycle returns the current run state.
func (s *Server) Lifecycle() Lifecycle { return Lifecycle(s.lifecycle.Load()) }

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and begins accepting connections. A bind failure
// is returned and nothing is left running.
func (s *Server) Start() error {
	if !s.lifecycle.CompareAndSwap(int32(Stopped), int32(Running)) {
		return ErrAlreadyStarted
	}

	lc := net.ListenConfig{}
	if s.cfg.ReuseAddr {
		lc.Control = reuseAddrControl
	}
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.Addr)
	if err != nil {
		s.lifecycle.Store(int32(Stopped))
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	go s.authority.Run()

	s.acceptWG.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", "addr", ln.Addr().String(), "instance", s.instance)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.Lifecycle() != Running || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if s.Lifecycle() != Running {
			conn.Close()
			return
		}
		s.ServeConn(conn)
	}
}

// ServeConn runs a session on conn. It is how the acceptor serves TCP
// connections and how other transports hand in theirs.
func (s *Server) ServeConn(conn net.Conn, opts ...Option) *Session {
	cfg := sessionConfig{
		pollInterval:   s.cfg.PollInterval,
		payloadTimeout: s.cfg.PayloadTimeout,
		writeTimeout:   s.cfg.WriteTimeout,
		maxPayload:     s.cfg.MaxPayload,
		polling:        true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := s.nextID.Add(1)
	sess := newSession(id, conn, cfg, s.authority, s.log, s.metrics, s.cfg.OutboxLimit)
	s.metrics.ConnectionsTotal.Inc()

	s.mu.Lock()
	if s.Lifecycle() != Running {
		s.mu.Unlock()
		conn.Close()
		close(sess.done)
		return sess
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	sess.release = func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}
	go sess.serve()
	return sess
}

// Sessions returns the live sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Documents lists resident documents.
func (s *Server) Documents(ctx context.Context) ([]document.Info, error) {
	return s.authority.Documents(ctx)
}

// Document returns one resident document.
func (s *Server) Document(ctx context.Context, name string) (document.Info, string, bool, error) {
	return s.authority.Document(ctx, name)
}

// Stop shuts the server down: every session gets the shutdown sentinel and
// is waited for, then the listener is closed and the authority stopped. If
// ctx ends first, remaining connections are closed outright.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.lifecycle.CompareAndSwap(int32(Running), int32(Stopped)) {
		s.mu.Unlock()
		return nil
	}
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	s.log.Info("shutting down", "sessions", len(live))
	for _, sess := range live {
		sess.Shutdown()
	}

	var err error
	for _, sess := range live {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			err = ctx.Err()
			sess.kick()
			<-sess.Done()
		}
	}

	s.listener.Close()
	s.acceptWG.Wait()
	s.authority.Stop()
	s.log.Info("stopped")
	return err
}
