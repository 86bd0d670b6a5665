package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxt/internal/journal"
	"ctxt/internal/logging"
	"ctxt/internal/metrics"
	"ctxt/internal/protocol"
)

type memStore struct {
	mu    sync.Mutex
	texts map[string]string
	loads map[string]int
	err   error
}

func newMemStore() *memStore {
	return &memStore{texts: make(map[string]string), loads: make(map[string]int)}
}

func (m *memStore) Load(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads[name]++
	if m.err != nil {
		return "", m.err
	}
	return m.texts[name], nil
}

func (m *memStore) Save(name, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts[name] = text
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) get(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts[name]
}

type memJournal struct {
	mu      sync.Mutex
	records []journal.Record
}

func (j *memJournal) Append(_ context.Context, r journal.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return nil
}

func (j *memJournal) History(context.Context, string, int) ([]journal.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Record(nil), j.records...), nil
}

func (j *memJournal) Ping(context.Context) error { return nil }
func (j *memJournal) Close() error               { return nil }

type authorityHarness struct {
	t       *testing.T
	a       *Authority
	metrics *metrics.Editor
	outbox  map[uint64]*Outbox
	kicked  map[uint64]*atomic.Bool
}

func newAuthorityHarness(t *testing.T, p Persistence) *authorityHarness {
	m := metrics.NewEditor(nil)
	h := &authorityHarness{
		t:       t,
		a:       NewAuthority(logging.Discard(), m, p, 16),
		metrics: m,
		outbox:  make(map[uint64]*Outbox),
		kicked:  make(map[uint64]*atomic.Bool),
	}
	go h.a.Run()
	t.Cleanup(h.a.Stop)
	return h
}

func (h *authorityHarness) attach(id uint64, limit int) {
	h.outbox[id] = NewOutbox(limit)
	kicked := new(atomic.Bool)
	h.kicked[id] = kicked
	require.NoError(h.t, h.a.Attach(id, h.outbox[id], func() { kicked.Store(true) }))
}

func (h *authorityHarness) submit(id uint64, nick, doc string, op protocol.Operation) {
	require.NoError(h.t, h.a.Submit(protocol.Message{
		Author:  protocol.Author{Nickname: nick, ConnID: id},
		Docname: doc,
		Op:      op,
	}))
}

// sync waits until everything submitted so far has been applied.
func (h *authorityHarness) sync() {
	require.NoError(h.t, h.a.call(context.Background(), func() {}))
}

func (h *authorityHarness) drain(id uint64) []protocol.Operation {
	h.sync()
	var out []protocol.Operation
	for {
		op, ok := h.outbox[id].Pop()
		if !ok {
			return out
		}
		out = append(out, op)
	}
}

func TestAuthority_SharesToOthersInArrivalOrder(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	h.attach(1, 0)
	h.attach(2, 0)
	h.attach(3, 0)
	h.submit(1, "alice", "test", protocol.Join{Nickname: "alice", Docname: "test"})
	h.submit(2, "bob", "test", protocol.Join{Nickname: "bob", Docname: "test"})
	h.submit(3, "carol", "other", protocol.Join{Nickname: "carol", Docname: "other"})

	h.submit(1, "alice", "test", protocol.Insert{Cursor: 0, Text: "foo"})
	h.submit(2, "bob", "test", protocol.Insert{Cursor: 0, Text: "bar"})

	assert.Equal(t, []protocol.Operation{
		protocol.Insert{Version: 2, Cursor: 0, Text: "bar", Author: "bob#2"},
	}, h.drain(1))
	assert.Equal(t, []protocol.Operation{
		protocol.Insert{Version: 1, Cursor: 0, Text: "foo", Author: "alice#1"},
	}, h.drain(2))
	assert.Empty(t, h.drain(3))

	info, text, ok, err := h.a.Document(context.Background(), "test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "barfoo", text)
	assert.Equal(t, uint32(2), info.Version)
	assert.Equal(t, 2, info.Subscribers)
}

func TestAuthority_SharedNicknamesStayDistinct(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	h.attach(4, 0)
	h.attach(7, 0)
	h.attach(9, 0)
	h.submit(4, "Anon", "d", protocol.Join{Nickname: "Anon", Docname: "d"})
	h.submit(7, "Anon", "d", protocol.Join{Nickname: "Anon", Docname: "d"})
	h.submit(9, "watcher", "d", protocol.Join{Nickname: "watcher", Docname: "d"})

	h.submit(4, "Anon", "d", protocol.Insert{Cursor: 0, Text: "x"})
	h.submit(7, "Anon", "d", protocol.Insert{Cursor: 0, Text: "y"})

	assert.Equal(t, []protocol.Operation{
		protocol.Insert{Version: 1, Cursor: 0, Text: "x", Author: "Anon#4"},
		protocol.Insert{Version: 2, Cursor: 0, Text: "y", Author: "Anon#7"},
	}, h.drain(9))
}

func TestAuthority_ClampsAndSkipsEmptyEdits(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	h.attach(1, 0)
	h.attach(2, 0)
	h.submit(1, "a", "d", protocol.Join{Nickname: "a", Docname: "d"})
	h.submit(2, "b", "d", protocol.Join{Nickname: "b", Docname: "d"})

	h.submit(1, "a", "d", protocol.Insert{Cursor: 50, Text: "abc"})
	h.submit(1, "a", "d", protocol.Remove{Cursor: 1, Length: 99})
	h.submit(1, "a", "d", protocol.Remove{Cursor: 0, Length: 0})
	h.submit(1, "a", "d", protocol.Insert{Cursor: 0, Text: ""})

	assert.Equal(t, []protocol.Operation{
		protocol.Insert{Version: 1, Cursor: 0, Text: "abc", Author: "a#1"},
		protocol.Remove{Version: 2, Cursor: 1, Length: 2, Author: "a#1"},
	}, h.drain(2))
	assert.Equal(t, uint64(2), h.metrics.Clamps.Value())
	assert.Equal(t, uint64(2), h.metrics.Mutations.Value())

	_, text, _, err := h.a.Document(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, "a", text)
}

func TestAuthority_RequestTextGoesOnlyToRequester(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	h.attach(1, 0)
	h.attach(2, 0)
	h.submit(1, "a", "d", protocol.Join{Nickname: "a", Docname: "d"})
	h.submit(2, "b", "d", protocol.Join{Nickname: "b", Docname: "d"})
	h.submit(2, "b", "d", protocol.Insert{Cursor: 0, Text: "hello"})
	h.drain(1)

	h.submit(1, "a", "d", protocol.SetCursor{Version: 1, Cursor: 3})
	h.submit(1, "a", "d", protocol.RequestText{})

	assert.Equal(t, []protocol.Operation{protocol.Text{Version: 1, Cursor: 3, Text: "hello"}}, h.drain(1))
	assert.Empty(t, h.drain(2))
}

func TestAuthority_Commit(t *testing.T) {
	j := &memJournal{}
	rec := journal.NewRecorder(j, logging.Discard(), 0)
	h := newAuthorityHarness(t, Persistence{Journal: rec})
	h.attach(1, 0)
	h.attach(2, 0)
	h.submit(1, "a", "d", protocol.Join{Nickname: "a", Docname: "d"})
	h.submit(2, "b", "d", protocol.Join{Nickname: "b", Docname: "d"})

	h.submit(1, "a", "d", protocol.Commit{Sequence: []protocol.Operation{
		protocol.Insert{Cursor: 0, Text: "hello"},
		protocol.Remove{Cursor: 0, Length: 0},
		protocol.Remove{Cursor: 0, Length: 1},
	}})

	assert.Equal(t, []protocol.Operation{
		protocol.Commit{Version: 2, Author: "a#1", Sequence: []protocol.Operation{
			protocol.Insert{Version: 1, Cursor: 0, Text: "hello", Author: "a#1"},
			protocol.Remove{Version: 2, Cursor: 0, Length: 1, Author: "a#1"},
		}},
	}, h.drain(2))
	assert.Empty(t, h.drain(1))

	rec.Close()
	records, err := j.History(context.Background(), "d", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Batched)
	assert.Equal(t, journal.KindInsert, records[0].Kind)
	assert.Equal(t, journal.KindRemove, records[1].Kind)
	assert.Equal(t, journal.Digest("ello"), records[1].Digest)
}

func TestAuthority_EmptyCommitIsNotShared(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	h.attach(1, 0)
	h.attach(2, 0)
	h.submit(1, "a", "d", protocol.Join{Nickname: "a", Docname: "d"})
	h.submit(2, "b", "d", protocol.Join{Nickname: "b", Docname: "d"})

	h.submit(1, "a", "d", protocol.Commit{})
	assert.Empty(t, h.drain(2))
}

func TestAuthority_LoadsOnFirstReferenceAndSaves(t *testing.T) {
	store := newMemStore()
	store.texts["d"] = "seed"
	h := newAuthorityHarness(t, Persistence{Store: store})
	h.attach(1, 0)
	h.attach(2, 0)
	h.submit(1, "a", "d", protocol.Join{Nickname: "a", Docname: "d"})
	h.submit(2, "b", "d", protocol.Join{Nickname: "b", Docname: "d"})
	h.submit(1, "a", "d", protocol.RequestText{})

	assert.Equal(t, []protocol.Operation{protocol.Text{Version: 0, Text: "seed"}}, h.drain(1))
	assert.Equal(t, 1, store.loads["d"])
}

func TestAuthority_LoadFailureStartsEmpty(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk on fire")
	h := newAuthorityHarness(t, Persistence{Store: store})
	h.attach(1, 0)
	h.submit(1, "a", "d", protocol.Join{Nickname: "a", Docname: "d"})
	h.submit(1, "a", "d", protocol.RequestText{})

	assert.Equal(t, []protocol.Operation{protocol.Text{}}, h.drain(1))
	assert.Equal(t, uint64(1), h.metrics.PersistFailures.Value())
}

func TestAuthority_IgnoresUnjoinedAndForeignDocuments(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	h.attach(1, 0)
	h.attach(2, 0)
	h.submit(2, "b", "d", protocol.Join{Nickname: "b", Docname: "d"})

	h.submit(1, "a", "d", protocol.Insert{Text: "x"})
	h.submit(99, "ghost", "d", protocol.Insert{Text: "x"})
	assert.Empty(t, h.drain(2))
}

func TestAuthority_LeaveUnsubscribes(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	h.attach(1, 0)
	h.attach(2, 0)
	h.submit(1, "a", "d", protocol.Join{Nickname: "a", Docname: "d"})
	h.submit(2, "b", "d", protocol.Join{Nickname: "b", Docname: "d"})
	h.submit(2, "b", "d", protocol.Leave{})
	h.submit(1, "a", "d", protocol.Insert{Text: "x"})

	assert.Empty(t, h.drain(2))
	docs, err := h.a.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 1, docs[0].Subscribers)
}

func TestAuthority_DetachUnsubscribes(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	h.attach(1, 0)
	h.attach(2, 0)
	h.submit(1, "a", "d", protocol.Join{Nickname: "a", Docname: "d"})
	h.submit(2, "b", "d", protocol.Join{Nickname: "b", Docname: "d"})
	require.NoError(t, h.a.Detach(2))
	h.submit(1, "a", "d", protocol.Insert{Text: "x"})

	assert.Empty(t, h.drain(2))
	info, _, _, err := h.a.Document(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Subscribers)
}

func TestAuthority_SlowConsumerIsKicked(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	h.attach(1, 0)
	h.attach(2, 1)
	h.submit(1, "a", "d", protocol.Join{Nickname: "a", Docname: "d"})
	h.submit(2, "b", "d", protocol.Join{Nickname: "b", Docname: "d"})

	h.submit(1, "a", "d", protocol.Insert{Text: "x"})
	h.submit(1, "a", "d", protocol.Insert{Text: "y"})
	h.sync()

	assert.True(t, h.kicked[2].Load())
	assert.False(t, h.kicked[1].Load())
	assert.Equal(t, uint64(1), h.metrics.SlowConsumers.Value())

	info, _, _, err := h.a.Document(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Subscribers)
}

func TestAuthority_DocumentsSorted(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	h.attach(1, 0)
	h.attach(2, 0)
	h.submit(1, "a", "zeta", protocol.Join{Nickname: "a", Docname: "zeta"})
	h.submit(2, "b", "alpha", protocol.Join{Nickname: "b", Docname: "alpha"})
	h.sync()

	docs, err := h.a.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "alpha", docs[0].Name)
	assert.Equal(t, "zeta", docs[1].Name)

	_, _, ok, err := h.a.Document(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthority_CancelledQueriesReturnNothing(t *testing.T) {
	h := newAuthorityHarness(t, Persistence{})
	for i := uint64(1); i <= 200; i++ {
		h.attach(i, 0)
		name := fmt.Sprintf("doc%03d", i)
		h.submit(i, "w", name, protocol.Join{Nickname: "w", Docname: name})
	}
	h.sync()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		docs, err := h.a.Documents(ctx)
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			assert.Nil(t, docs)
		} else {
			assert.Len(t, docs, 200)
		}
		_, text, ok, err := h.a.Document(ctx, "doc001")
		if err != nil {
			assert.False(t, ok)
			assert.Empty(t, text)
		}
	}

	docs, err := h.a.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 200)
	assert.Equal(t, "doc001", docs[0].Name)
	assert.Equal(t, "doc200", docs[199].Name)
}

func TestAuthority_StoppedRejectsWork(t *testing.T) {
	a := NewAuthority(logging.Discard(), nil, Persistence{}, 1)
	go a.Run()
	a.Stop()

	assert.ErrorIs(t, a.Submit(protocol.Message{}), ErrStopped)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.Documents(ctx)
	assert.ErrorIs(t, err, ErrStopped)
}
