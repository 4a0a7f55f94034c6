package terminal

import (
	"sync"
	"time"
)

// Session is a live terminal bridge attached to one VM.
type Session struct {
	ID        string
	VMID      uint
	UserID    uint
	Port      int
	Token     string
	CreatedAt time.Time

	proc Process

	mu           sync.Mutex
	lastActivity time.Time
}

// LastActivity returns when the session was last used.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// Alive reports whether the bridge process is still running.
func (s *Session) Alive() bool {
	return s.proc != nil && s.proc.Alive()
}

// expired reports whether the session should be swept at now.
func (s *Session) expired(now time.Time, idle time.Duration) bool {
	if !s.Alive() {
		return true
	}
	return idle > 0 && now.Sub(s.LastActivity()) > idle
}

// Info is a read-only snapshot of a session, without its token.
type Info struct {
	SessionID    string    `json:"session_id"`
	VMID         uint      `json:"vm_id"`
	UserID       uint      `json:"user_id"`
	Port         int       `json:"port"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Alive        bool      `json:"is_alive"`
}

func (s *Session) Info() Info {
	return Info{
		SessionID:    s.ID,
		VMID:         s.VMID,
		UserID:       s.UserID,
		Port:         s.Port,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		Alive:        s.Alive(),
	}
}
