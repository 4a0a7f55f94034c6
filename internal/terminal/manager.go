package terminal

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
	"github.com/gluk-w/vmfleet/internal/keylock"
	"github.com/gluk-w/vmfleet/internal/logging"
	"github.com/gluk-w/vmfleet/internal/metrics"
)

const (
	DefaultBasePort    = 7681
	DefaultPortSpan    = 1000
	DefaultIdleTimeout = 30 * time.Minute
	DefaultGracePeriod = 5 * time.Second

	tokenBytes = 32
)

type Config struct {
	BasePort    int
	PortSpan    int
	IdleTimeout time.Duration
	GracePeriod time.Duration
}

// Console resolves the command that attaches to a VM's console.
type Console interface {
	ConsoleCommand(handle string) []string
}

type Deps struct {
	Spawner Spawner
	Console Console
	Events  *eventlog.Recorder
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// Locks, when set, is the fleet's per-VM lock. Sweeps take it before
	// stopping a session.
	Locks  *keylock.Map[uint]
	Config Config
}

// Manager owns the registry of live sessions, keyed by VM id.
type Manager struct {
	spawner Spawner
	console Console
	events  *eventlog.Recorder
	log     *zap.Logger
	metrics *metrics.Metrics
	locks   *keylock.Map[uint]
	cfg     Config

	mu        sync.Mutex
	sessions  map[uint]*Session
	releasing map[int]struct{}
	next      int

	nowFn func() time.Time
}

func NewManager(d Deps) *Manager {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	cfg := d.Config
	if cfg.BasePort <= 0 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.PortSpan <= 0 {
		cfg.PortSpan = DefaultPortSpan
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Manager{
		spawner:   d.Spawner,
		console:   d.Console,
		events:    d.Events,
		log:       d.Log.Named("terminal"),
		metrics:   d.Metrics,
		locks:     d.Locks,
		cfg:       cfg,
		sessions:  make(map[uint]*Session),
		releasing: make(map[int]struct{}),
		nowFn:     time.Now,
	}
}

// SetClock replaces the time source used for activity tracking.
func (m *Manager) SetClock(fn func() time.Time) { m.nowFn = fn }

// Start opens a terminal on a running VM, or returns the VM's live session.
func (m *Manager) Start(ctx context.Context, vm *database.VM, requester *database.User) (*Session, error) {
	const op = "terminal_start"
	if requester == nil || (!requester.IsAdmin && requester.ID != vm.OwnerID) {
		err := apperr.Session(op, "not allowed to open a terminal on VM %d", vm.ID)
		m.deny(ctx, vm.ID, requester, err.Msg)
		return nil, err
	}
	if vm.Status != database.StatusRunning {
		m.record(ctx, database.SeverityWarning,
			fmt.Sprintf("Failed to start terminal for VM %s - VM not running", vm.Name),
			map[string]any{"status": string(vm.Status)}, requester.ID, vm.ID)
		return nil, apperr.Session(op, "VM %s is not running (status: %s)", vm.Name, vm.Status)
	}

	m.mu.Lock()
	if s, ok := m.sessions[vm.ID]; ok {
		if s.Alive() {
			m.mu.Unlock()
			if !requester.IsAdmin && requester.ID != s.UserID {
				err := apperr.Session(op, "VM %s already has a terminal session opened by another user", vm.Name)
				m.deny(ctx, vm.ID, requester, err.Msg)
				return nil, err
			}
			s.touch(m.nowFn())
			m.record(ctx, database.SeverityInfo,
				fmt.Sprintf("Reconnected to existing terminal session for VM %s", vm.Name),
				map[string]any{"session_id": s.ID, "port": s.Port}, requester.ID, vm.ID)
			return s, nil
		}
		// the bridge already exited, so its port is free again
		delete(m.sessions, vm.ID)
		m.log.Info("reaped dead terminal session", zap.Uint("vm_id", vm.ID), zap.String("session_id", s.ID))
	}

	s, err := m.spawnLocked(ctx, vm, requester)
	live := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetLiveSessions(live)

	if err != nil {
		m.record(ctx, database.SeverityCritical,
			fmt.Sprintf("Failed to start terminal for VM %s: %v", vm.Name, err),
			map[string]any{"error": err.Error()}, requester.ID, vm.ID)
		return nil, &apperr.Error{Kind: apperr.KindSession, Op: op, Msg: "bridge could not be started", Err: err}
	}
	m.record(ctx, database.SeverityInfo,
		fmt.Sprintf("Started terminal session for VM %s on port %d", vm.Name, s.Port),
		map[string]any{"session_id": s.ID, "port": s.Port}, requester.ID, vm.ID)
	return s, nil
}

func (m *Manager) spawnLocked(ctx context.Context, vm *database.VM, requester *database.User) (*Session, error) {
	port, err := m.allocatePortLocked()
	if err != nil {
		return nil, err
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	proc, err := m.spawner.Spawn(ctx, BridgeSpec{
		Port:    port,
		Token:   token,
		Title:   "Terminal - " + vm.Name,
		Command: m.console.ConsoleCommand(vm.Handle),
	})
	if err != nil {
		return nil, err
	}
	now := m.nowFn()
	s := &Session{
		ID:           uuid.NewString(),
		VMID:         vm.ID,
		UserID:       requester.ID,
		Port:         port,
		Token:        token,
		CreatedAt:    now,
		proc:         proc,
		lastActivity: now,
	}
	m.sessions[vm.ID] = s
	m.log.Info("terminal session started",
		zap.Uint("vm_id", vm.ID), zap.Uint("user_id", requester.ID), zap.Int("port", port), zap.String("session_id", s.ID))
	return s, nil
}

// allocatePortLocked walks the range from the last allocation, wrapping at
// the end, and skips ports held by live sessions or still being released.
func (m *Manager) allocatePortLocked() (int, error) {
	used := make(map[int]struct{}, len(m.sessions))
	for _, s := range m.sessions {
		used[s.Port] = struct{}{}
	}
	for i := 0; i < m.cfg.PortSpan; i++ {
		port := m.cfg.BasePort + m.next
		m.next = (m.next + 1) % m.cfg.PortSpan
		if _, ok := used[port]; ok {
			continue
		}
		if _, ok := m.releasing[port]; ok {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port in [%d, %d)", m.cfg.BasePort, m.cfg.BasePort+m.cfg.PortSpan)
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Stop ends the VM's session. It returns false when there is no session or
// the requester may not stop it.
func (m *Manager) Stop(ctx context.Context, vmID uint, requester *database.User) bool {
	s := m.Get(vmID)
	if s == nil {
		m.log.Debug("no terminal session to stop", zap.Uint("vm_id", vmID))
		return false
	}
	if requester == nil || (!requester.IsAdmin && requester.ID != s.UserID) {
		m.deny(ctx, vmID, requester, "not allowed to stop this terminal session")
		return false
	}
	return m.stopSession(ctx, s, requester.ID, "stopped by user")
}

func (m *Manager) stopSession(ctx context.Context, s *Session, actorID uint, reason string) bool {
	if !m.detach(s) {
		return false
	}
	forced, exited := m.terminate(s)
	if exited {
		m.release(s.Port)
	} else {
		go func() {
			<-s.proc.Done()
			m.release(s.Port)
		}()
	}
	m.record(ctx, database.SeverityInfo,
		fmt.Sprintf("Stopped terminal session for VM %d", s.VMID),
		map[string]any{"session_id": s.ID, "port": s.Port, "reason": reason, "forced": forced},
		actorID, s.VMID)
	return true
}

// detach removes s from the registry if it is still the VM's session and
// holds its port back until the bridge exits.
func (m *Manager) detach(s *Session) bool {
	m.mu.Lock()
	if cur, ok := m.sessions[s.VMID]; !ok || cur != s {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, s.VMID)
	m.releasing[s.Port] = struct{}{}
	live := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetLiveSessions(live)
	return true
}

func (m *Manager) release(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.releasing, port)
}

// terminate asks the bridge to exit and kills it after the grace period.
func (m *Manager) terminate(s *Session) (forced, exited bool) {
	if s.proc == nil || !s.proc.Alive() {
		return false, true
	}
	if err := s.proc.Terminate(); err != nil {
		m.log.Warn("terminate bridge", zap.String("session_id", s.ID), zap.Error(err))
	}
	grace := time.NewTimer(m.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-s.proc.Done():
		return false, true
	case <-grace.C:
	}

	m.log.Warn("bridge ignored terminate, killing", zap.String("session_id", s.ID), zap.Int("port", s.Port))
	if err := s.proc.Kill(); err != nil {
		m.log.Error("kill bridge", zap.String("session_id", s.ID), zap.Error(err))
	}
	wait := time.NewTimer(m.cfg.GracePeriod)
	defer wait.Stop()
	select {
	case <-s.proc.Done():
		return true, true
	case <-wait.C:
		return true, false
	}
}

// VerifyAccess checks the requester may use the VM's session with token.
// Success refreshes the session's activity.
func (m *Manager) VerifyAccess(ctx context.Context, vmID uint, requester *database.User, token string) bool {
	s := m.Get(vmID)
	switch {
	case s == nil:
		m.deny(ctx, vmID, requester, "no terminal session")
		return false
	case requester == nil || (!requester.IsAdmin && requester.ID != s.UserID):
		m.deny(ctx, vmID, requester, "not the session owner")
		return false
	case subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1:
		m.deny(ctx, vmID, requester, "invalid session token")
		return false
	}
	s.touch(m.nowFn())
	return true
}

func (m *Manager) deny(ctx context.Context, vmID uint, requester *database.User, reason string) {
	var userID uint
	name := "anonymous"
	if requester != nil {
		userID = requester.ID
		name = logging.Sanitize(requester.Username)
	}
	m.log.Warn("terminal access denied", zap.Uint("vm_id", vmID), zap.String("user", name), zap.String("reason", reason))
	m.record(ctx, database.SeverityWarning,
		fmt.Sprintf("Terminal access denied for %s on VM %d: %s", name, vmID, reason),
		map[string]any{"reason": reason}, userID, vmID)
}

// SweepExpired stops sessions whose bridge exited or that have been idle
// past the idle timeout, and returns how many were stopped.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := m.nowFn()
	var candidates []*Session
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.expired(now, m.cfg.IdleTimeout) {
			candidates = append(candidates, s)
		}
	}
	m.mu.Unlock()

	cleaned := 0
	for _, s := range candidates {
		if m.sweepOne(ctx, s) {
			cleaned++
		}
	}
	if cleaned > 0 {
		m.log.Info("swept terminal sessions", zap.Int("count", cleaned))
	}
	return cleaned
}

func (m *Manager) sweepOne(ctx context.Context, s *Session) bool {
	if m.locks != nil {
		unlock := m.locks.Lock(s.VMID)
		defer unlock()
	}
	// activity may have been refreshed while waiting for the lock
	if !s.expired(m.nowFn(), m.cfg.IdleTimeout) {
		return false
	}
	reason := "idle timeout"
	if !s.Alive() {
		reason = "bridge exited"
	}
	return m.stopSession(ctx, s, s.UserID, reason)
}

// StopAll stops every live session.
func (m *Manager) StopAll(ctx context.Context) int {
	stopped := 0
	for _, s := range m.snapshot() {
		if m.stopSession(ctx, s, s.UserID, "emergency stop") {
			stopped++
		}
	}
	m.log.Warn("emergency stop of terminal sessions", zap.Int("count", stopped))
	if m.events != nil {
		if _, err := m.events.Record(ctx, eventlog.Entry{
			Type:     database.EventSystem,
			Severity: database.SeverityWarning,
			Message:  fmt.Sprintf("Emergency stop: %d terminal sessions stopped", stopped),
			Details:  map[string]any{"stopped": stopped},
		}); err != nil {
			m.log.Error("record event failed", zap.Error(err))
		}
	}
	return stopped
}

// StopForVMs stops the sessions of the given VMs on behalf of their owners.
func (m *Manager) StopForVMs(ctx context.Context, vmIDs []uint) int {
	stopped := 0
	for _, id := range vmIDs {
		s := m.Get(id)
		if s == nil {
			continue
		}
		if m.stopSession(ctx, s, s.UserID, "vm teardown") {
			stopped++
		}
	}
	return stopped
}

// Get returns the VM's session, or nil.
func (m *Manager) Get(vmID uint) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[vmID]
}

// List returns the sessions visible to requester ordered by VM id. Admins
// see every session.
func (m *Manager) List(requester *database.User) []Info {
	var out []Info
	for _, s := range m.snapshot() {
		if requester == nil || (!requester.IsAdmin && requester.ID != s.UserID) {
			continue
		}
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) record(ctx context.Context, sev database.Severity, msg string, details map[string]any, userID, vmID uint) {
	if m.events == nil {
		return
	}
	e := eventlog.Entry{
		Type:     database.EventTerminal,
		Severity: sev,
		Message:  msg,
		Details:  details,
		VMID:     eventlog.Ref(vmID),
	}
	if userID != 0 {
		e.UserID = eventlog.Ref(userID)
	}
	if _, err := m.events.Record(ctx, e); err != nil {
		m.log.Error("record event failed", zap.String("message", msg), zap.Error(err))
	}
}
