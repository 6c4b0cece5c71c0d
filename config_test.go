package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fzft/go-afdpoll/poll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, poll.DefaultGroupSize, cfg.GroupSize)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
addr = "127.0.0.1:9000"
log_level = "debug"
group_size = 8
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.GroupSize)
	assert.Equal(t, 1024, cfg.MaxConns)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `adress = ":1"`)
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "adress")
}

func TestLoadConfigValidates(t *testing.T) {
	path := writeConfig(t, `max_conns = 0`)
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "max_conns")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestEchoBuffer(t *testing.T) {
	var b echoBuffer

	b.Append([]byte("hello"))
	b.Append([]byte(" world"))
	assert.Equal(t, 11, b.Len())

	b.Next(6)
	assert.Equal(t, "world", string(b.DataToWrite()))
	b.Next(100)
	assert.Zero(t, b.Len())
}
