package server

import (
	"sync"

	"ctxt/internal/protocol"
)

// Outbox is a session's private queue of operations to write. The authority
// pushes without ever blocking; the session's writer drains it.
type Outbox struct {
	mu     sync.Mutex
	items  []protocol.Operation
	limit  int
	closed bool
	ready  chan struct{}
}

// NewOutbox creates an outbox holding at most limit operations. A limit of
// zero means no limit.
func NewOutbox(limit int) *Outbox {
	return &Outbox{limit: limit, ready: make(chan struct{}, 1)}
}

// Push queues op. It reports false when the outbox is closed or full; the
// operation is not queued in either case.
func (o *Outbox) Push(op protocol.Operation) bool {
	return o.push(op, false)
}

// PushUrgent queues op even when the outbox is full. Used for the shutdown
// sentinel.
func (o *Outbox) PushUrgent(op protocol.Operation) bool {
	return o.push(op, true)
}

func (o *Outbox) push(op protocol.Operation, force bool) bool {
	o.mu.Lock()
	if o.closed || (!force && o.limit > 0 && len(o.items) >= o.limit) {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, op)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest operation.
func (o *Outbox) Pop() (protocol.Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil, false
	}
	op := o.items[0]
	o.items[0] = nil
	o.items = o.items[1:]
	if len(o.items) == 0 {
		o.items = nil
	}
	return op, true
}

// Ready receives a value after a push. A receive does not guarantee that
// Pop will succeed, so callers loop.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Len returns the number of queued operations.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Close rejects further pushes and drops what is queued.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.items = nil
	o.mu.Unlock()
}
