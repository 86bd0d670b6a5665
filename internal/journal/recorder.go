package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"ctxt/internal/logging"
)

// Recorder appends records from a background goroutine so the authority
// never waits on the database. When the queue is full new records are
// dropped and reported through OnError.
type Recorder struct {
	j       Journal
	log     *logging.Logger
	timeout time.Duration
	OnError func(r Record, err error)

	queue chan Record
	once  sync.Once
	done  chan struct{}
}

// ErrQueueFull is passed to OnError when a record is dropped.
var ErrQueueFull = errors.New("journal: recorder queue full")

// NewRecorder starts a worker appending to j.
func NewRecorder(j Journal, log *logging.Logger, depth int) *Recorder {
	if depth <= 0 {
		depth = 1024
	}
	r := &Recorder{
		j:       j,
		log:     log.WithComponent("journal"),
		timeout: 5 * time.Second,
		queue:   make(chan Record, depth),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues rec.
func (r *Recorder) Record(rec Record) {
	select {
	case r.queue <- rec:
	default:
		r.fail(rec, ErrQueueFull)
	}
}

func (r *Recorder) fail(rec Record, err error) {
	r.log.Warn("journal append failed", "doc", rec.Document, "version", rec.Version, "error", err)
	if r.OnError != nil {
		r.OnError(rec, err)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.j.Append(ctx, rec)
		cancel()
		if err != nil {
			r.fail(rec, err)
		}
	}
}

// Close drains the queue and stops the worker. The journal stays open.
// Record must not be called after Close.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.queue) })
	<-r.done
}
