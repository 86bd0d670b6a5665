package document

import (
	"sync"

	"ctxt/internal/logging"
)

// Saver writes snapshots in the background so a slow disk never holds up
// the authority. Snapshots queued for the same document before the worker
// gets to them collapse into the latest one.
type Saver struct {
	store   Store
	log     *logging.Logger
	OnError func(name string, err error)

	mu      sync.Mutex
	pending map[string]string
	order   []string
	closed  bool

	writeMu sync.Mutex
	signal  chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

// NewSaver starts a worker writing to store.
func NewSaver(store Store, log *logging.Logger) *Saver {
	s := &Saver{
		store:   store,
		log:     log.WithComponent("saver"),
		pending: make(map[string]string),
		signal:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Save queues a snapshot. It never blocks on the store.
func (s *Saver) Save(name, text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, queued := s.pending[name]; !queued {
		s.order = append(s.order, name)
	}
	s.pending[name] = text
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Flush writes everything queued so far before returning.
func (s *Saver) Flush() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	pending, order := s.pending, s.order
	s.pending, s.order = make(map[string]string), nil
	s.mu.Unlock()

	for _, name := range order {
		if err := s.store.Save(name, pending[name]); err != nil {
			// Persistence never fails the edit that triggered it.
			s.log.Warn("snapshot write failed", "doc", name, "error", err)
			if s.OnError != nil {
				s.OnError(name, err)
			}
		}
	}
}

func (s *Saver) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.signal:
			s.Flush()
		case <-s.quit:
			s.Flush()
			return
		}
	}
}

// Close writes what is queued and stops the worker. The store is left open.
func (s *Saver) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	<-s.done
}
