package server

import (
	"context"
	"errors"
	"sort"
	"time"

	"ctxt/internal/document"
	"ctxt/internal/feed"
	"ctxt/internal/journal"
	"ctxt/internal/logging"
	"ctxt/internal/metrics"
	"ctxt/internal/protocol"
)

// ErrStopped is returned when the authority no longer accepts work.
var ErrStopped = errors.New("server: authority stopped")

// Persistence bundles the side effects run after each mutation. Every field
// is optional.
type Persistence struct {
	// Store loads a document the first time its name is referenced.
	Store document.Store
	// Saver writes snapshots after mutations.
	Saver *document.Saver
	// Journal records every applied mutation.
	Journal *journal.Recorder
	// Feed publishes every applied mutation.
	Feed *feed.Async
	// Origin tags feed events with the server instance.
	Origin string
}

// member is a connection known to the authority.
type member struct {
	id       uint64
	nickname string
	doc      string
	cursor   uint32
	outbox   *Outbox
	kick     func()
}

// author names the member in broadcasts. Nicknames are not unique, so the
// connection id is appended.
func (m *member) author() string {
	return protocol.Author{Nickname: m.nickname, ConnID: m.id}.String()
}

type (
	attachEvent struct {
		id     uint64
		outbox *Outbox
		kick   func()
	}
	detachEvent struct{ id uint64 }
	callEvent   struct {
		fn   func()
		done chan struct{}
	}
)

// Authority is the single owner of every document. It applies operations one
// at a time in arrival order and fans the results out to subscribers.
// Sessions reach it only through its inbox.
type Authority struct {
	log     *logging.Logger
	metrics *metrics.Editor
	persist Persistence

	inbox chan any
	quit  chan struct{}
	done  chan struct{}

	docs    map[string]*document.Document
	members map[uint64]*member
	roster  map[string]map[uint64]*member
}

// NewAuthority creates an authority with an inbox of the given depth. Call
// Run to start it.
func NewAuthority(log *logging.Logger, m *metrics.Editor, p Persistence, depth int) *Authority {
	if depth <= 0 {
		depth = 1024
	}
	if m == nil {
		m = metrics.NewEditor(nil)
	}
	return &Authority{
		log:     log.WithComponent("authority"),
		metrics: m,
		persist: p,
		inbox:   make(chan any, depth),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		docs:    make(map[string]*document.Document),
		members: make(map[uint64]*member),
		roster:  make(map[string]map[uint64]*member),
	}
}

// Run processes the inbox until Stop. Events already queued when Stop is
// called are still applied.
func (a *Authority) Run() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.inbox:
			a.handle(ev)
		case <-a.quit:
			for {
				select {
				case ev := <-a.inbox:
					a.handle(ev)
				default:
					return
				}
			}
		}
	}
}

// Stop ends Run and waits for it.
func (a *Authority) Stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
	<-a.done
}

func (a *Authority) send(ev any) error {
	select {
	case <-a.quit:
		return ErrStopped
	default:
	}
	select {
	case a.inbox <- ev:
		return nil
	case <-a.quit:
		return ErrStopped
	}
}

// Attach registers a connection. kick is called if the connection must be
// dropped because it cannot keep up.
func (a *Authority) Attach(id uint64, outbox *Outbox, kick func()) error {
	return a.send(attachEvent{id: id, outbox: outbox, kick: kick})
}

// Detach removes a connection and its subscription.
func (a *Authority) Detach(id uint64) error {
	return a.send(detachEvent{id: id})
}

// Submit queues an operation stamped by a session.
func (a *Authority) Submit(msg protocol.Message) error {
	return a.send(msg)
}

// call runs fn on the authority goroutine and waits for it. When call
// returns an error fn may still run later, so fn must not share memory with
// the caller except through channels.
func (a *Authority) call(ctx context.Context, fn func()) error {
	ev := callEvent{fn: fn, done: make(chan struct{})}
	if err := a.send(ev); err != nil {
		return err
	}
	select {
	case <-ev.done:
		return nil
	case <-a.done:
		// Run drains the inbox before exiting, so fn ran unless Run had
		// already returned.
		select {
		case <-ev.done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Documents lists resident documents sorted by name.
func (a *Authority) Documents(ctx context.Context) ([]document.Info, error) {
	res := make(chan []document.Info, 1)
	err := a.call(ctx, func() {
		out := make([]document.Info, 0, len(a.docs))
		for name := range a.docs {
			out = append(out, a.info(name))
		}
		res <- out
	})
	if err != nil {
		return nil, err
	}
	out := <-res
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type documentResult struct {
	info document.Info
	text string
	ok   bool
}

// Document returns a resident document's summary and text. ok is false when
// no session has referenced the name yet.
func (a *Authority) Document(ctx context.Context, name string) (document.Info, string, bool, error) {
	res := make(chan documentResult, 1)
	err := a.call(ctx, func() {
		d, found := a.docs[name]
		if !found {
			res <- documentResult{}
			return
		}
		res <- documentResult{info: a.info(name), text: d.Text(), ok: true}
	})
	if err != nil {
		return document.Info{}, "", false, err
	}
	r := <-res
	return r.info, r.text, r.ok, nil
}

func (a *Authority) info(name string) document.Info {
	d := a.docs[name]
	return document.Info{Name: name, Version: d.Version(), Length: d.Len(), Subscribers: len(a.roster[name])}
}

func (a *Authority) handle(ev any) {
	switch ev := ev.(type) {
	case attachEvent:
		a.members[ev.id] = &member{id: ev.id, outbox: ev.outbox, kick: ev.kick}
	case detachEvent:
		if m, ok := a.members[ev.id]; ok {
			a.unsubscribe(m)
			delete(a.members, ev.id)
		}
	case callEvent:
		ev.fn()
		close(ev.done)
	case protocol.Message:
		start := time.Now()
		a.apply(ev)
		a.metrics.ApplyLatency.Since(start)
	}
}

// doc returns the named document, loading it on first reference.
func (a *Authority) doc(name string) *document.Document {
	if d, ok := a.docs[name]; ok {
		return d
	}
	text := ""
	if a.persist.Store != nil {
		var err error
		if text, err = a.persist.Store.Load(name); err != nil {
			a.log.Warn("load failed, starting empty", "doc", name, "error", err)
			a.metrics.PersistFailures.Inc()
			text = ""
		}
	}
	d := document.New(name, text)
	a.docs[name] = d
	a.metrics.Documents.Set(int64(len(a.docs)))
	return d
}

func (a *Authority) subscribe(m *member, doc string) {
	a.unsubscribe(m)
	subs := a.roster[doc]
	if subs == nil {
		subs = make(map[uint64]*member)
		a.roster[doc] = subs
	}
	subs[m.id] = m
	m.doc = doc
}

func (a *Authority) unsubscribe(m *member) {
	if m.doc == "" {
		return
	}
	if subs := a.roster[m.doc]; subs != nil {
		delete(subs, m.id)
		if len(subs) == 0 {
			delete(a.roster, m.doc)
		}
	}
	m.doc = ""
}

func (a *Authority) apply(msg protocol.Message) {
	m, ok := a.members[msg.Author.ConnID]
	if !ok {
		a.log.Debug("operation from detached connection", "conn", msg.Author.ConnID, "op", protocol.Name(msg.Op))
		return
	}

	if j, isJoin := msg.Op.(protocol.Join); isJoin {
		m.nickname = j.Nickname
		a.doc(j.Docname)
		a.subscribe(m, j.Docname)
		a.log.Info("joined", "conn", m.id, "nickname", m.nickname, "doc", j.Docname)
		return
	}

	if m.doc == "" || m.doc != msg.Docname {
		a.log.Debug("operation for unjoined document", "conn", m.id, "doc", msg.Docname, "op", protocol.Name(msg.Op))
		return
	}
	d := a.doc(m.doc)

	switch op := msg.Op.(type) {
	case protocol.Leave:
		a.unsubscribe(m)
		a.log.Info("left", "conn", m.id, "doc", d.Name())

	case protocol.RequestText:
		a.sendTo(m, protocol.Text{Version: d.Version(), Cursor: m.cursor, Text: d.Text()})

	case protocol.SetCursor:
		m.cursor = op.Cursor

	case protocol.Insert, protocol.Remove:
		res, applied := a.mutate(d, m, op, false)
		if applied {
			a.shareToOthers(m, res)
			a.afterMutation(d)
		}

	case protocol.Commit:
		var seq []protocol.Operation
		for _, inner := range op.Sequence {
			if res, applied := a.mutate(d, m, inner, true); applied {
				seq = append(seq, res)
			}
		}
		if len(seq) > 0 {
			a.shareToOthers(m, protocol.Commit{Version: d.Version(), Sequence: seq, Author: m.author()})
			a.afterMutation(d)
		}
	}
}

// mutate applies one Insert or Remove and returns the response to broadcast.
func (a *Authority) mutate(d *document.Document, m *member, op protocol.Operation, batched bool) (protocol.Operation, bool) {
	var (
		e       document.Edit
		applied bool
		res     protocol.Operation
		kind    journal.Kind
	)
	switch op := op.(type) {
	case protocol.Insert:
		e, applied = d.Insert(op.Cursor, op.Text)
		if e.Clamped {
			a.log.Warn("insert cursor clamped", "conn", m.id, "doc", d.Name(), "cursor", op.Cursor, "length", d.Len())
		}
		res = protocol.Insert{Version: e.Version, Cursor: e.Cursor, Text: e.Text, Author: m.author()}
		kind = journal.KindInsert
	case protocol.Remove:
		e, applied = d.Remove(op.Cursor, op.Length)
		if e.Clamped {
			a.log.Warn("remove range clamped", "conn", m.id, "doc", d.Name(), "cursor", op.Cursor, "requested", op.Length, "length", d.Len())
		}
		res = protocol.Remove{Version: e.Version, Cursor: e.Cursor, Length: e.Length, Author: m.author()}
		kind = journal.KindRemove
	default:
		return nil, false
	}
	if e.Clamped {
		a.metrics.Clamps.Inc()
	}
	if !applied {
		a.log.Debug("empty edit skipped", "conn", m.id, "doc", d.Name(), "op", protocol.Name(op))
		return nil, false
	}
	a.metrics.Mutations.Inc()

	if a.persist.Journal != nil {
		a.persist.Journal.Record(journal.NewRecord(journal.Record{
			Document: d.Name(),
			Version:  e.Version,
			Kind:     kind,
			Batched:  batched,
			Author:   m.nickname,
			ConnID:   m.id,
			Cursor:   e.Cursor,
			Length:   e.Length,
			Text:     e.Text,
		}, d.Text()))
	}
	if a.persist.Feed != nil {
		a.persist.Feed.Send(feed.Event{
			Origin:   a.persist.Origin,
			Document: d.Name(),
			Version:  e.Version,
			Kind:     string(kind),
			Author:   m.nickname,
			Cursor:   e.Cursor,
			Length:   e.Length,
			Text:     e.Text,
			At:       time.Now().UTC(),
		})
	}
	return res, true
}

func (a *Authority) afterMutation(d *document.Document) {
	if a.persist.Saver != nil {
		a.persist.Saver.Save(d.Name(), d.Text())
	}
}

// shareToOthers queues op for every subscriber of the author's document
// except the author.
func (a *Authority) shareToOthers(author *member, op protocol.Operation) {
	for id, m := range a.roster[author.doc] {
		if id == author.id {
			continue
		}
		a.sendTo(m, op)
	}
}

// sendTo queues op for one connection. A connection whose outbox is full is
// disconnected rather than allowed to stall everyone else.
func (a *Authority) sendTo(m *member, op protocol.Operation) {
	if m.outbox.Push(op) {
		return
	}
	a.log.Warn("outbox full, dropping connection", "conn", m.id, "doc", m.doc)
	a.metrics.SlowConsumers.Inc()
	a.unsubscribe(m)
	delete(a.members, m.id)
	if m.kick != nil {
		m.kick()
	}
}
