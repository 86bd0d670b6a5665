package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ctxt/internal/protocol"
)

func TestOutbox_FIFO(t *testing.T) {
	o := NewOutbox(0)
	for i := uint32(1); i <= 3; i++ {
		assert.True(t, o.Push(protocol.Insert{Version: i}))
	}
	assert.Equal(t, 3, o.Len())

	for i := uint32(1); i <= 3; i++ {
		op, ok := o.Pop()
		assert.True(t, ok)
		assert.Equal(t, protocol.Insert{Version: i}, op)
	}
	_, ok := o.Pop()
	assert.False(t, ok)
}

func TestOutbox_Limit(t *testing.T) {
	o := NewOutbox(2)
	assert.True(t, o.Push(protocol.Leave{}))
	assert.True(t, o.Push(protocol.Leave{}))
	assert.False(t, o.Push(protocol.Leave{}))
	assert.True(t, o.PushUrgent(protocol.Shutdown{}))
	assert.Equal(t, 3, o.Len())
}

func TestOutbox_ReadySignalsAfterPush(t *testing.T) {
	o := NewOutbox(0)
	select {
	case <-o.Ready():
		t.Fatal("ready before any push")
	default:
	}

	o.Push(protocol.Leave{})
	o.Push(protocol.Leave{})
	select {
	case <-o.Ready():
	default:
		t.Fatal("not ready after push")
	}
}

func TestOutbox_Close(t *testing.T) {
	o := NewOutbox(0)
	o.Push(protocol.Leave{})
	o.Close()

	assert.Equal(t, 0, o.Len())
	assert.False(t, o.Push(protocol.Leave{}))
	assert.False(t, o.PushUrgent(protocol.Shutdown{}))
}
