package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
	"github.com/gluk-w/vmfleet/internal/keylock"
)

type fakeProcess struct {
	mu         sync.Mutex
	done       chan struct{}
	once       sync.Once
	ignoreTerm bool
	ignoreKill bool
	terms      int
	kills      int
}

func newFakeProcess() *fakeProcess { return &fakeProcess{done: make(chan struct{})} }

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terms++
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	ignore := p.ignoreKill
	p.mu.Unlock()
	if !ignore {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

type fakeSpawner struct {
	mu    sync.Mutex
	specs []BridgeSpec
	procs []*fakeProcess
	err   error
	// prepare customizes each new process before it is returned
	prepare func(*fakeProcess)
}

func (f *fakeSpawner) Spawn(_ context.Context, spec BridgeSpec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProcess()
	if f.prepare != nil {
		f.prepare(p)
	}
	f.specs = append(f.specs, spec)
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

type fakeConsole struct{}

func (fakeConsole) ConsoleCommand(handle string) []string {
	return []string{"docker", "exec", "-it", handle, "/bin/sh"}
}

type testEnv struct {
	m       *Manager
	store   *database.Store
	spawner *fakeSpawner
	now     time.Time
	mu      sync.Mutex
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store, err := database.OpenForTest(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{store: store, spawner: &fakeSpawner{}, now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	rec := eventlog.New(store, nil, nil, nil)
	rec.SetClock(env.clock)
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 20 * time.Millisecond
	}
	env.m = NewManager(Deps{
		Spawner: env.spawner,
		Console: fakeConsole{},
		Events:  rec,
		Locks:   keylock.New[uint](),
		Config:  cfg,
	})
	env.m.SetClock(env.clock)
	return env
}

func (e *testEnv) user(t *testing.T, name string, admin bool) *database.User {
	t.Helper()
	u := &database.User{Username: name, PasswordHash: "x", Credits: 100, IsActive: true, IsAdmin: admin}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	return u
}

func (e *testEnv) vm(t *testing.T, owner *database.User, name string, status database.VMStatus) *database.VM {
	t.Helper()
	vm := &database.VM{
		OwnerID: owner.ID, Name: name, OSType: "debian-12", RAMMB: 1024, DiskGB: 10, CPUCores: 1,
		Status: status, Handle: fmt.Sprintf("vmfleet-%d-%s", owner.ID, name),
	}
	if status == database.StatusRunning {
		ip := "10.0.0.5"
		vm.IPAddress = &ip
	}
	require.NoError(t, e.store.CreateVM(context.Background(), vm))
	return vm
}

func (e *testEnv) terminalEvents(t *testing.T, sev database.Severity) []database.Event {
	t.Helper()
	evs, err := e.store.ListEvents(context.Background(), database.EventFilter{
		Types:      []database.EventType{database.EventTerminal},
		Severities: []database.Severity{sev},
		Limit:      100,
	})
	require.NoError(t, err)
	return evs
}

func TestStartIsIdempotentPerVM(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	vm := env.vm(t, alice, "web", database.StatusRunning)

	first, err := env.m.Start(ctx, vm, alice)
	require.NoError(t, err)
	assert.Equal(t, DefaultBasePort, first.Port)
	assert.Len(t, first.Token, 43)
	assert.NotEmpty(t, first.ID)

	env.advance(time.Minute)
	second, err := env.m.Start(ctx, vm, alice)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, env.clock(), second.LastActivity())
	assert.Equal(t, 1, env.spawner.count())

	spec := env.spawner.specs[0]
	assert.Equal(t, first.Token, spec.Token)
	assert.Equal(t, "Terminal - web", spec.Title)
	assert.Equal(t, []string{"docker", "exec", "-it", vm.Handle, "/bin/sh"}, spec.Command)
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.user(t, "alice", false)
	vm := env.vm(t, alice, "web", database.StatusRunning)

	var wg sync.WaitGroup
	got := make([]*Session, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := env.m.Start(context.Background(), vm, alice)
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, env.spawner.count())
	for _, s := range got {
		assert.Same(t, got[0], s)
	}
}

func TestStartRejections(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	mallory := env.user(t, "mallory", false)
	stopped := env.vm(t, alice, "cold", database.StatusStopped)
	running := env.vm(t, alice, "web", database.StatusRunning)

	_, err := env.m.Start(ctx, stopped, alice)
	assert.ErrorIs(t, err, apperr.ErrSession)
	_, err = env.m.Start(ctx, running, mallory)
	assert.ErrorIs(t, err, apperr.ErrSession)
	_, err = env.m.Start(ctx, running, nil)
	assert.ErrorIs(t, err, apperr.ErrSession)

	assert.Zero(t, env.spawner.count())
	assert.Len(t, env.terminalEvents(t, database.SeverityWarning), 3)
}

func TestStartSpawnFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.user(t, "alice", false)
	vm := env.vm(t, alice, "web", database.StatusRunning)
	env.spawner.err = ErrBridgeMissing

	_, err := env.m.Start(context.Background(), vm, alice)
	assert.ErrorIs(t, err, apperr.ErrSession)
	assert.ErrorIs(t, err, ErrBridgeMissing)
	assert.Zero(t, env.m.Count())
	assert.Len(t, env.terminalEvents(t, database.SeverityCritical), 1)
}

func TestAdminMayOpenAnyTerminal(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.user(t, "alice", false)
	root := env.user(t, "root", true)
	vm := env.vm(t, alice, "web", database.StatusRunning)

	s, err := env.m.Start(context.Background(), vm, root)
	require.NoError(t, err)
	assert.Equal(t, root.ID, s.UserID)
}

func TestStartDoesNotShareAnotherUsersSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	root := env.user(t, "root", true)
	vm := env.vm(t, alice, "web", database.StatusRunning)

	s, err := env.m.Start(ctx, vm, root)
	require.NoError(t, err)

	got, err := env.m.Start(ctx, vm, alice)
	assert.ErrorIs(t, err, apperr.ErrSession)
	assert.Nil(t, got)
	assert.Len(t, env.terminalEvents(t, database.SeverityWarning), 1)

	// admins may still reattach, and the opener keeps the session
	other := env.user(t, "ops", true)
	got, err = env.m.Start(ctx, vm, other)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, env.spawner.count())
	assert.True(t, env.m.VerifyAccess(ctx, vm.ID, root, s.Token))
}

func TestPortAllocationWrapsAndReuses(t *testing.T) {
	env := newTestEnv(t, Config{BasePort: 9000, PortSpan: 3})
	ctx := context.Background()
	alice := env.user(t, "alice", false)

	vms := make([]*database.VM, 4)
	for i := range vms {
		vms[i] = env.vm(t, alice, fmt.Sprintf("vm-%d", i), database.StatusRunning)
	}
	for i := 0; i < 3; i++ {
		s, err := env.m.Start(ctx, vms[i], alice)
		require.NoError(t, err)
		assert.Equal(t, 9000+i, s.Port)
	}
	_, err := env.m.Start(ctx, vms[3], alice)
	assert.ErrorIs(t, err, apperr.ErrSession, "range exhausted")

	require.True(t, env.m.Stop(ctx, vms[1].ID, alice))
	s, err := env.m.Start(ctx, vms[3], alice)
	require.NoError(t, err)
	assert.Equal(t, 9001, s.Port, "stopped session's port is reused")

	ports := map[int]bool{}
	for _, info := range env.m.List(alice) {
		assert.False(t, ports[info.Port], "port %d assigned twice", info.Port)
		ports[info.Port] = true
	}
}

func TestPortHeldUntilBridgeExits(t *testing.T) {
	env := newTestEnv(t, Config{BasePort: 9000, PortSpan: 2, GracePeriod: 5 * time.Millisecond})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	a := env.vm(t, alice, "one", database.StatusRunning)
	b := env.vm(t, alice, "two", database.StatusRunning)
	c := env.vm(t, alice, "three", database.StatusRunning)

	env.spawner.prepare = func(p *fakeProcess) { p.ignoreTerm, p.ignoreKill = true, true }
	_, err := env.m.Start(ctx, a, alice)
	require.NoError(t, err)
	env.spawner.prepare = nil
	_, err = env.m.Start(ctx, b, alice)
	require.NoError(t, err)

	require.True(t, env.m.Stop(ctx, a.ID, alice))
	stuck := env.spawner.procs[0]
	assert.Equal(t, 1, stuck.kills)

	_, err = env.m.Start(ctx, c, alice)
	assert.ErrorIs(t, err, apperr.ErrSession, "port 9000 is still held by the exiting bridge")

	stuck.exit()
	require.Eventually(t, func() bool {
		env.m.mu.Lock()
		defer env.m.mu.Unlock()
		return len(env.m.releasing) == 0
	}, time.Second, 5*time.Millisecond)

	s, err := env.m.Start(ctx, c, alice)
	require.NoError(t, err)
	assert.Equal(t, 9000, s.Port)
}

func TestStopEscalatesToKill(t *testing.T) {
	env := newTestEnv(t, Config{GracePeriod: 5 * time.Millisecond})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	vm := env.vm(t, alice, "web", database.StatusRunning)

	env.spawner.prepare = func(p *fakeProcess) { p.ignoreTerm = true }
	_, err := env.m.Start(ctx, vm, alice)
	require.NoError(t, err)

	assert.True(t, env.m.Stop(ctx, vm.ID, alice))
	p := env.spawner.procs[0]
	assert.Equal(t, 1, p.terms)
	assert.Equal(t, 1, p.kills)
	assert.False(t, p.Alive())
	assert.Nil(t, env.m.Get(vm.ID))

	evs := env.terminalEvents(t, database.SeverityInfo)
	require.NotEmpty(t, evs)
	assert.Equal(t, true, evs[0].Details["forced"])
}

func TestStopMissingOrForeign(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	mallory := env.user(t, "mallory", false)
	vm := env.vm(t, alice, "web", database.StatusRunning)

	assert.False(t, env.m.Stop(ctx, vm.ID, alice))

	_, err := env.m.Start(ctx, vm, alice)
	require.NoError(t, err)
	assert.False(t, env.m.Stop(ctx, vm.ID, mallory))
	assert.NotNil(t, env.m.Get(vm.ID))
	assert.True(t, env.m.Stop(ctx, vm.ID, alice))
	assert.False(t, env.m.Stop(ctx, vm.ID, alice))
}

func TestVerifyAccess(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	mallory := env.user(t, "mallory", false)
	root := env.user(t, "root", true)
	vm := env.vm(t, alice, "web", database.StatusRunning)

	assert.False(t, env.m.VerifyAccess(ctx, vm.ID, alice, "anything"))

	s, err := env.m.Start(ctx, vm, alice)
	require.NoError(t, err)

	env.advance(5 * time.Minute)
	assert.True(t, env.m.VerifyAccess(ctx, vm.ID, alice, s.Token))
	assert.Equal(t, env.clock(), s.LastActivity())
	assert.True(t, env.m.VerifyAccess(ctx, vm.ID, root, s.Token))

	assert.False(t, env.m.VerifyAccess(ctx, vm.ID, alice, s.Token+"x"))
	assert.False(t, env.m.VerifyAccess(ctx, vm.ID, alice, ""))
	assert.False(t, env.m.VerifyAccess(ctx, vm.ID, mallory, s.Token))

	assert.Len(t, env.terminalEvents(t, database.SeverityWarning), 4)
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: 30 * time.Minute})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	idle := env.vm(t, alice, "idle", database.StatusRunning)
	busy := env.vm(t, alice, "busy", database.StatusRunning)
	dead := env.vm(t, alice, "dead", database.StatusRunning)

	for _, vm := range []*database.VM{idle, busy, dead} {
		_, err := env.m.Start(ctx, vm, alice)
		require.NoError(t, err)
	}
	assert.Zero(t, env.m.SweepExpired(ctx))

	env.spawner.procs[2].exit()
	env.advance(20 * time.Minute)
	s := env.m.Get(busy.ID)
	require.True(t, env.m.VerifyAccess(ctx, busy.ID, alice, s.Token))
	env.advance(11 * time.Minute)

	assert.Equal(t, 2, env.m.SweepExpired(ctx))
	assert.Nil(t, env.m.Get(idle.ID))
	assert.Nil(t, env.m.Get(dead.ID))
	assert.NotNil(t, env.m.Get(busy.ID))
}

func TestSweepWaitsForVMLock(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: time.Minute})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	vm := env.vm(t, alice, "web", database.StatusRunning)
	_, err := env.m.Start(ctx, vm, alice)
	require.NoError(t, err)
	env.advance(2 * time.Minute)

	unlock := env.m.locks.Lock(vm.ID)
	done := make(chan int, 1)
	go func() { done <- env.m.SweepExpired(ctx) }()

	select {
	case <-done:
		t.Fatal("sweep acted while the VM was locked")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	assert.Equal(t, 1, <-done)
}

func TestDeadSessionIsReplacedOnStart(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	vm := env.vm(t, alice, "web", database.StatusRunning)

	first, err := env.m.Start(ctx, vm, alice)
	require.NoError(t, err)
	env.spawner.procs[0].exit()

	second, err := env.m.Start(ctx, vm, alice)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, 1, env.m.Count())
}

func TestStopAllAndStopForVMs(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	alice := env.user(t, "alice", false)
	root := env.user(t, "root", true)
	vms := []*database.VM{
		env.vm(t, alice, "one", database.StatusRunning),
		env.vm(t, alice, "two", database.StatusRunning),
		env.vm(t, alice, "three", database.StatusRunning),
	}
	for _, vm := range vms {
		_, err := env.m.Start(ctx, vm, alice)
		require.NoError(t, err)
	}

	assert.Len(t, env.m.List(alice), 3)
	assert.Len(t, env.m.List(root), 3)
	assert.Empty(t, env.m.List(env.user(t, "bob", false)))

	assert.Equal(t, 1, env.m.StopForVMs(ctx, []uint{vms[0].ID, 9999}))
	assert.Equal(t, 2, env.m.StopAll(ctx))
	assert.Zero(t, env.m.Count())

	evs, err := env.store.ListEvents(ctx, database.EventFilter{Types: []database.EventType{database.EventSystem}})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].Message, "2 terminal sessions stopped")
}

func TestExecSpawnerArgs(t *testing.T) {
	s := NewExecSpawner("")
	assert.Equal(t, "ttyd", s.Binary)
	args := s.Args(BridgeSpec{Port: 7690, Token: "tok", Title: "Terminal - web", Command: []string{"docker", "exec", "-it", "h", "/bin/sh"}})
	assert.Equal(t, []string{
		"-p", "7690", "-c", "user:tok", "-t", "titleFixed=Terminal - web", "-W",
		"docker", "exec", "-it", "h", "/bin/sh",
	}, args)

	_, err := NewExecSpawner("definitely-not-a-bridge-binary").Spawn(context.Background(), BridgeSpec{Command: []string{"true"}})
	assert.True(t, errors.Is(err, ErrBridgeMissing))
}
