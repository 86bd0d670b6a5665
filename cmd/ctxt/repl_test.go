package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxt/internal/client"
	"ctxt/internal/logging"
	"ctxt/internal/protocol"
	"ctxt/internal/server"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"hello there", command{name: "type", rest: "hello there"}},
		{":join notes", command{name: "join", args: []string{"notes"}}},
		{":insert 3 two  spaces", command{name: "insert", args: []string{"3", "two", "spaces"}, rest: "two  spaces"}},
		{":insert 3", command{name: "insert", args: []string{"3"}}},
		{":remove 1 2", command{name: "remove", args: []string{"1", "2"}}},
		{":", command{name: "help"}},
		{":quit", command{name: "quit", args: []string{}}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCommand(tt.line))
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, `[bob] inserted "hi" at 2 (v5)`, describe(client.Event{
		Kind: client.EventRemote,
		Op:   protocol.Insert{Version: 5, Cursor: 2, Text: "hi", Author: "bob"},
	}))
	assert.Equal(t, "[bob] removed 3 at 0 (v6)", describe(client.Event{
		Kind: client.EventRemote,
		Op:   protocol.Remove{Version: 6, Length: 3, Author: "bob"},
	}))
	assert.Equal(t, "loaded v2, 3 characters", describe(client.Event{
		Kind: client.EventText,
		Op:   protocol.Text{Version: 2, Text: "héy"},
	}))
}

func TestServerAddr(t *testing.T) {
	parse := func(args ...string) docopt.Opts {
		if args == nil {
			args = []string{}
		}
		opts, err := docopt.ParseArgs(usage, args, Version)
		require.NoError(t, err)
		return opts
	}

	addr, err := serverAddr(parse())
	require.NoError(t, err)
	assert.Equal(t, "localhost:7777", addr)

	addr, err = serverAddr(parse("-a", "10.0.0.2", "-p", "9000"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:9000", addr)

	addr, err = serverAddr(parse("--ws", "ws://host:7778/ws"))
	require.NoError(t, err)
	assert.Equal(t, "ws://host:7778/ws", addr)

	_, err = serverAddr(parse("--port", "nope"))
	assert.Error(t, err)
}

func TestREPL_Exec(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.PollInterval = 10 * time.Millisecond
	srv := server.New(cfg, server.Deps{Logger: logging.Discard()})
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	c := client.New(client.Config{Addr: srv.Addr().String(), Nickname: "alice", Logger: logging.Discard()})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	var out bytes.Buffer
	r := &repl{c: c, out: &out}

	_, err := r.exec(":join notes")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State() == client.StateEditing }, 2*time.Second, 10*time.Millisecond)

	_, err = r.exec("hello")
	require.NoError(t, err)
	_, err = r.exec(" world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", c.Text())
	assert.Equal(t, uint32(11), c.Cursor())

	_, err = r.exec(":remove 0 6")
	require.NoError(t, err)
	_, err = r.exec(":insert 0 big ")
	require.NoError(t, err)
	assert.Equal(t, "big world", c.Text())

	_, err = r.exec(":remove x")
	assert.ErrorIs(t, err, errUsage)
	_, err = r.exec(":bogus")
	assert.Error(t, err)

	_, err = r.exec(":text")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "big world")

	quit, err := r.exec(":quit")
	require.NoError(t, err)
	assert.True(t, quit)

	assert.Eventually(t, func() bool {
		_, text, ok, err := srv.Document(context.Background(), "notes")
		return err == nil && ok && text == "big world"
	}, 2*time.Second, 10*time.Millisecond)
}
