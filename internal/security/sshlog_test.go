package security

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
)

func TestParseSSHLogLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want SSHLogEntry
		ok   bool
	}{
		{
			name: "accepted publickey",
			line: "Apr  1 12:00:01 web sshd[812]: Accepted publickey for alice from 198.51.100.4 port 50122 ssh2: ED25519 SHA256:abc",
			want: SSHLogEntry{Kind: SSHAccepted, Method: "publickey", Username: "alice", SourceIP: "198.51.100.4", Port: 50122},
			ok:   true,
		},
		{
			name: "failed password",
			line: "Apr  1 12:00:02 web sshd[813]: Failed password for root from 203.0.113.7 port 41000 ssh2",
			want: SSHLogEntry{Kind: SSHFailed, Method: "password", Username: "root", SourceIP: "203.0.113.7", Port: 41000},
			ok:   true,
		},
		{
			name: "failed password for invalid user",
			line: "sshd[814]: Failed password for invalid user admin from 203.0.113.7 port 41002 ssh2",
			want: SSHLogEntry{Kind: SSHFailed, Method: "password", Username: "admin", SourceIP: "203.0.113.7", Port: 41002},
			ok:   true,
		},
		{
			name: "invalid user with port",
			line: "sshd[815]: Invalid user oracle from 203.0.113.9 port 5522",
			want: SSHLogEntry{Kind: SSHInvalid, Username: "oracle", SourceIP: "203.0.113.9", Port: 5522},
			ok:   true,
		},
		{
			name: "invalid user without port",
			line: "sshd[816]: Invalid user test from 2001:db8::1",
			want: SSHLogEntry{Kind: SSHInvalid, Username: "test", SourceIP: "2001:db8::1"},
			ok:   true,
		},
		{
			name: "unrelated line",
			line: "sshd[817]: Connection closed by 203.0.113.7 port 41004 [preauth]",
		},
		{
			name: "empty",
			line: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSSHLogLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIngestSSHLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var log strings.Builder
	log.WriteString("sshd[1]: Server listening on 0.0.0.0 port 22.\n")
	log.WriteString("sshd[2]: Accepted publickey for alice from 198.51.100.4 port 50122 ssh2\n")
	for i := 0; i < 4; i++ {
		log.WriteString("sshd[3]: Failed password for root from 203.0.113.7 port 41000 ssh2\n")
	}
	log.WriteString("sshd[4]: Invalid user admin from 203.0.113.7 port 41010\n")

	res, err := env.c.IngestSSHLog(ctx, env.vm.ID, strings.NewReader(log.String()))
	require.NoError(t, err)
	assert.Equal(t, &IngestResult{
		Lines: 7, Accepted: 1, Failed: 4, Invalid: 1, BruteForce: true, RecentFailures: 5,
	}, res)

	attempts, err := env.c.Attempts(env.vm.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, attempts, 6)
	assert.True(t, attempts[0].Success)
	assert.Equal(t, "alice", attempts[0].Username)
	assert.Equal(t, "admin", attempts[5].Username)

	critical, err := env.store.CountEvents(ctx, database.EventFilter{
		VMID:       &env.vm.ID,
		Severities: []database.Severity{database.SeverityCritical},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, critical)
}

func TestIngestSSHLogOnlySuccesses(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.c.IngestSSHLog(context.Background(), env.vm.ID,
		strings.NewReader("sshd[2]: Accepted password for alice from 198.51.100.4 port 50122 ssh2\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.False(t, res.BruteForce)
	assert.Zero(t, res.RecentFailures)
}

func TestIngestSSHLogUnknownVM(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.c.IngestSSHLog(context.Background(), 999,
		strings.NewReader("sshd[3]: Failed password for root from 203.0.113.7 port 41000 ssh2\n"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 1, res.Lines)
	assert.Zero(t, res.Failed)
}
