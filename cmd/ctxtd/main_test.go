package main

import (
	"testing"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxt/internal/config"
)

func parseArgs(t *testing.T, args ...string) docopt.Opts {
	t.Helper()
	if args == nil {
		args = []string{}
	}
	opts, err := docopt.ParseArgs(usage, args, Version)
	require.NoError(t, err)
	return opts
}

func TestApplyFlags_Defaults(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, applyFlags(cfg, parseArgs(t)))

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.False(t, cfg.Admin.Enabled)
	assert.False(t, cfg.Discovery.Enabled)
}

func TestApplyFlags_Overrides(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "bolt"

	opts := parseArgs(t, "-p", "9100", "--storage", dir, "--admin", "127.0.0.1:9101", "--advertise", "--log-level", "debug")
	require.NoError(t, applyFlags(cfg, opts))

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, dir, cfg.Storage.Dir)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:9101", cfg.Admin.Addr)
	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyFlags_Invalid(t *testing.T) {
	assert.Error(t, applyFlags(config.DefaultConfig(), parseArgs(t, "--port", "seven")))
	assert.Error(t, applyFlags(config.DefaultConfig(), parseArgs(t, "--port", "70000")))
	assert.Error(t, applyFlags(config.DefaultConfig(), parseArgs(t, "--log-level", "loud")))
}

func TestServerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Bind = "127.0.0.1"
	cfg.Server.Port = 9000
	cfg.Server.PollIntervalMs = 25
	cfg.Server.MaxPayloadBytes = 1024

	sc := serverConfig(cfg)
	assert.Equal(t, "127.0.0.1:9000", sc.Addr)
	assert.Equal(t, 25*time.Millisecond, sc.PollInterval)
	assert.Equal(t, 2*time.Second, sc.PayloadTimeout)
	assert.Equal(t, uint32(1024), sc.MaxPayload)
	assert.True(t, sc.ReuseAddr)
}
