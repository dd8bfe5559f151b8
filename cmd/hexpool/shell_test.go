package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibexico/hexpool/storage"
)

func newShellPool(t *testing.T) *storage.BufferPoolManager {
	t.Helper()
	bpm, err := storage.NewBufferPoolManager(2, storage.NewMemoryDiskManager())
	require.NoError(t, err)
	return bpm
}

func runCmd(t *testing.T, bpm *storage.BufferPoolManager, line string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, execCommand(bpm, &out, line), line)
	return out.String()
}

func TestShellSession(t *testing.T) {
	bpm := newShellPool(t)

	assert.Equal(t, "page 0 in frame 0 (pinned)\n", runCmd(t, bpm, "new"))
	assert.Equal(t, "wrote 11 bytes\n", runCmd(t, bpm, "write 0 hello world"))
	assert.Equal(t, "\"hello world\"\n", runCmd(t, bpm, "read 0"))
	assert.Equal(t, "\"hello\"\n", runCmd(t, bpm, "READ 0 5"))
	assert.Equal(t, "ok\n", runCmd(t, bpm, "unpin 0 dirty"))
	assert.Contains(t, runCmd(t, bpm, "stats"), "dirty=1 pinned=0")
	assert.Equal(t, "ok\n", runCmd(t, bpm, "flush 0"))
	assert.Contains(t, runCmd(t, bpm, "stats"), "dirty=0")
	assert.Equal(t, "page 0 in frame 0, pin count 1\n", runCmd(t, bpm, "fetch 0"))
	assert.Equal(t, "ok\n", runCmd(t, bpm, "unpin 0"))
	assert.Equal(t, "ok\n", runCmd(t, bpm, "flushall"))
	assert.Equal(t, "ok\n", runCmd(t, bpm, "delete 0"))
	assert.Contains(t, runCmd(t, bpm, "stats"), "resident=0")
	assert.Contains(t, runCmd(t, bpm, "metrics"), "hits=")
	assert.Contains(t, runCmd(t, bpm, "help"), "flushall")
	assert.Empty(t, runCmd(t, bpm, "   "))
}

func TestShellErrors(t *testing.T) {
	bpm := newShellPool(t)
	var out bytes.Buffer

	tests := []struct {
		line string
		want string
	}{
		{"fetch", "missing page id"},
		{"fetch x", "bad page id"},
		{"read 0 0", "bad length"},
		{"write 0", "missing text"},
		{"unpin 3", "not resident"},
		{"frobnicate", "unknown command"},
	}
	for _, tt := range tests {
		err := execCommand(bpm, &out, tt.line)
		if assert.Error(t, err, tt.line) {
			assert.Contains(t, err.Error(), tt.want, tt.line)
		}
	}

	assert.ErrorIs(t, execCommand(bpm, &out, "quit"), errQuit)
	assert.ErrorIs(t, execCommand(bpm, &out, "exit"), errQuit)

	long := strings.Repeat("x", storage.PageSize+1)
	assert.Error(t, execCommand(bpm, &out, "write 0 "+long))
}

func TestShellPoolExhausted(t *testing.T) {
	bpm := newShellPool(t)
	runCmd(t, bpm, "new")
	runCmd(t, bpm, "new")

	var out bytes.Buffer
	err := execCommand(bpm, &out, "new")
	assert.True(t, storage.IsErrorCode(err, storage.ErrCodePoolExhausted))
}
