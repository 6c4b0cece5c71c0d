package linenoise

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRoundTrip(t *testing.T) {
	ln := New()
	defer ln.Close()

	ln.AppendHistory("ping")
	ln.AppendHistory("connect 127.0.0.1 8080")

	path := filepath.Join(t.TempDir(), "history")
	require.NoError(t, ln.HistorySave(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ping\nconnect 127.0.0.1 8080\n", string(content))

	ln.ClearHistory()
	require.NoError(t, ln.HistoryLoad(path))

	var buf bytes.Buffer
	n, err := ln.WriteHistory(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHistoryLoadMissingFile(t *testing.T) {
	ln := New()
	defer ln.Close()
	assert.Error(t, ln.HistoryLoad(filepath.Join(t.TempDir(), "missing")))
}

func TestClearScreen(t *testing.T) {
	var out bytes.Buffer
	ln := &LineNoise{out: &out}
	require.NoError(t, ln.ClearScreen())
	assert.Equal(t, "\x1b[H\x1b[2J", out.String())
}
