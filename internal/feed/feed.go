// Package feed publishes applied edits to an external message bus so other
// services can follow documents without speaking the editor protocol.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ctxt/internal/logging"
)

// Event is one applied edit as seen on the bus.
type Event struct {
	Origin   string    `json:"origin"`
	Document string    `json:"document"`
	Version  uint32    `json:"version"`
	Kind     string    `json:"kind"`
	Author   string    `json:"author"`
	Cursor   uint32    `json:"cursor"`
	Length   uint32    `json:"length"`
	Text     string    `json:"text,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Ping(ctx context.Context) error
	Close() error
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Ping(context.Context) error           { return nil }
func (Nop) Close() error                         { return nil }

// DefaultPrefix is prepended to the document name to form the channel.
const DefaultPrefix = "document:"

// Redis publishes JSON events on one pub/sub channel per document.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr string, db int, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedis(rdb, prefix), nil
}

// Channel returns the channel events for doc are published on.
func (r *Redis) Channel(doc string) string {
	return r.prefix + doc
}

// Publish implements Publisher.
func (r *Redis) Publish(ctx context.Context, e Event) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.Channel(e.Document), msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Document, err)
	}
	return nil
}

// Subscribe delivers events for doc to handler until ctx ends.
func (r *Redis) Subscribe(ctx context.Context, doc string, handler func(Event)) error {
	sub := r.rdb.Subscribe(ctx, r.Channel(doc))
	// Wait for the subscription to be confirmed so no event is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe %s: %w", doc, err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err == nil {
					handler(e)
				}
			}
		}
	}()
	return nil
}

// Ping implements Publisher.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close implements Publisher.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// ErrBacklog is reported when the async queue is full and an event is lost.
var ErrBacklog = errors.New("feed: publish backlog full")

// Async publishes from a background goroutine, giving each event a short
// deadline. Events are delivered in the order they were queued.
type Async struct {
	p       Publisher
	log     *logging.Logger
	timeout time.Duration
	OnError func(e Event, err error)

	queue chan Event
	once  sync.Once
	done  chan struct{}
}

// NewAsync starts a worker in front of p.
func NewAsync(p Publisher, log *logging.Logger) *Async {
	a := &Async{
		p:       p,
		log:     log.WithComponent("feed"),
		timeout: 200 * time.Millisecond,
		queue:   make(chan Event, 1024),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// Send queues e.
func (a *Async) Send(e Event) {
	select {
	case a.queue <- e:
	default:
		a.fail(e, ErrBacklog)
	}
}

func (a *Async) fail(e Event, err error) {
	a.log.Warn("feed publish failed", "doc", e.Document, "version", e.Version, "error", err)
	if a.OnError != nil {
		a.OnError(e, err)
	}
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.p.Publish(ctx, e)
		cancel()
		if err != nil {
			a.fail(e, err)
		}
	}
}

// Ping checks the underlying publisher.
func (a *Async) Ping(ctx context.Context) error {
	return a.p.Ping(ctx)
}

// Close drains the queue and stops the worker. The publisher stays open.
func (a *Async) Close() {
	a.once.Do(func() { close(a.queue) })
	<-a.done
}
