package security

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

// Kinds of sshd log lines that describe an authentication attempt.
const (
	SSHAccepted = "accepted"
	SSHFailed   = "failed"
	SSHInvalid  = "invalid"
)

const maxSSHLogLine = 64 * 1024

var (
	sshAcceptedRe = regexp.MustCompile(`Accepted (\S+) for (\S+) from (\S+) port (\d+)`)
	sshFailedRe   = regexp.MustCompile(`Failed (\S+) for (?:invalid user )?(\S+) from (\S+) port (\d+)`)
	sshInvalidRe  = regexp.MustCompile(`Invalid user (\S*) from (\S+)(?: port (\d+))?`)
)

// SSHLogEntry is one authentication attempt parsed from an sshd log line.
type SSHLogEntry struct {
	Kind     string `json:"kind"`
	Method   string `json:"method,omitempty"`
	Username string `json:"username"`
	SourceIP string `json:"source_ip"`
	Port     int    `json:"port,omitempty"`
}

// Success reports whether the attempt was accepted.
func (e SSHLogEntry) Success() bool { return e.Kind == SSHAccepted }

// ParseSSHLogLine extracts an attempt from an sshd log line. Lines that are
// not about authentication return false.
func ParseSSHLogLine(line string) (SSHLogEntry, bool) {
	if m := sshAcceptedRe.FindStringSubmatch(line); m != nil {
		return SSHLogEntry{Kind: SSHAccepted, Method: m[1], Username: m[2], SourceIP: m[3], Port: atoi(m[4])}, true
	}
	if m := sshFailedRe.FindStringSubmatch(line); m != nil {
		return SSHLogEntry{Kind: SSHFailed, Method: m[1], Username: m[2], SourceIP: m[3], Port: atoi(m[4])}, true
	}
	if m := sshInvalidRe.FindStringSubmatch(line); m != nil {
		return SSHLogEntry{Kind: SSHInvalid, Username: m[1], SourceIP: m[2], Port: atoi(m[3])}, true
	}
	return SSHLogEntry{}, false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// IngestResult summarizes one IngestSSHLog call.
type IngestResult struct {
	Lines          int  `json:"lines"`
	Accepted       int  `json:"accepted"`
	Failed         int  `json:"failed"`
	Invalid        int  `json:"invalid_user"`
	BruteForce     bool `json:"brute_force"`
	RecentFailures int  `json:"recent_failures"`
}

// IngestSSHLog reads sshd log lines from r and records every authentication
// attempt against the VM through RecordAttempt. When any attempt failed,
// brute-force detection runs once over the default window.
func (c *Correlator) IngestSSHLog(ctx context.Context, vmID uint, r io.Reader) (*IngestResult, error) {
	res := &IngestResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxSSHLogLine)
	for scanner.Scan() {
		res.Lines++
		entry, ok := ParseSSHLogLine(scanner.Text())
		if !ok {
			continue
		}
		if _, err := c.RecordAttempt(ctx, vmID, entry.Success(), entry.Username, entry.SourceIP); err != nil {
			return res, err
		}
		switch entry.Kind {
		case SSHAccepted:
			res.Accepted++
		case SSHFailed:
			res.Failed++
		case SSHInvalid:
			res.Invalid++
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read ssh log: %w", err)
	}

	c.log.Info("ingested ssh log", zap.Uint("vm_id", vmID), zap.Int("lines", res.Lines),
		zap.Int("accepted", res.Accepted), zap.Int("failed", res.Failed+res.Invalid))
	if res.Failed+res.Invalid == 0 {
		return res, nil
	}
	attack, failures, err := c.DetectBruteForce(ctx, vmID, 0, 0)
	if err != nil {
		return res, err
	}
	res.BruteForce = attack
	res.RecentFailures = failures
	return res, nil
}
