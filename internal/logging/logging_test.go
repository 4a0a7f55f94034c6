package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"evil\nINFO forged entry", "evil INFO forged entry"},
		{"tab\there", "tab here"},
		{"bell\x07", "bell"},
		{"del\x7f", "del"},
		{"ünïcode", "ünïcode"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Sanitize(tc.in))
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fleet.log")

	log, err := New(path, "debug")
	require.NoError(t, err)
	log.Info("hello from test")
	_ = log.Sync() // stdout sync fails on some platforms

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New("", "loud")
	assert.Error(t, err)
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0644))

	out, err := ReadTail(path, 2)
	require.NoError(t, err)
	assert.Equal(t, "three\nfour", out)

	out, err = ReadTail(filepath.Join(t.TempDir(), "missing.log"), 5)
	require.NoError(t, err)
	assert.Empty(t, out)
}
