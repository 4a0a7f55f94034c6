package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
	"github.com/gluk-w/vmfleet/internal/provision"
	"github.com/gluk-w/vmfleet/internal/quota"
)

// fakeBackend is a scriptable provisioning backend. errs and delays are
// keyed by operation name.
type fakeBackend struct {
	mu          sync.Mutex
	status      map[string]provision.Status
	ips         map[string]string
	errs        map[string]error
	delays      map[string]time.Duration
	noIP        bool
	calls       []string
	inFlight    map[string]int
	maxInFlight int
	nextIP      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		status:   map[string]provision.Status{},
		ips:      map[string]string{},
		errs:     map[string]error{},
		delays:   map[string]time.Duration{},
		inFlight: map[string]int{},
		nextIP:   10,
	}
}

func (f *fakeBackend) begin(op, handle string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op+":"+handle)
	f.inFlight[handle]++
	if f.inFlight[handle] > f.maxInFlight {
		f.maxInFlight = f.inFlight[handle]
	}
	delay := f.delays[op]
	err := f.errs[op]
	f.mu.Unlock()
	if delay > 0 {
		// a stuck backend ignores cancellation
		time.Sleep(delay)
	}
	return err
}

func (f *fakeBackend) end(handle string) {
	f.mu.Lock()
	f.inFlight[handle]--
	f.mu.Unlock()
}

func (f *fakeBackend) set(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func (f *fakeBackend) setDelay(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
}

func (f *fakeBackend) setStatus(handle string, st provision.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[handle] = st
}

func (f *fakeBackend) callsFor(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix+":") {
			n++
		}
	}
	return n
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Create(_ context.Context, spec provision.Spec) (provision.Result, error) {
	defer f.end(spec.Handle)
	if err := f.begin("create", spec.Handle); err != nil {
		return provision.Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[spec.Handle] = provision.StatusRunning
	f.nextIP++
	f.ips[spec.Handle] = fmt.Sprintf("10.0.0.%d", f.nextIP)
	if f.noIP {
		return provision.Result{}, nil
	}
	return provision.Result{IP: f.ips[spec.Handle]}, nil
}

func (f *fakeBackend) Start(_ context.Context, handle string) (provision.Result, error) {
	defer f.end(handle)
	if err := f.begin("start", handle); err != nil {
		return provision.Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[handle] = provision.StatusRunning
	if f.noIP {
		return provision.Result{}, nil
	}
	return provision.Result{IP: f.ips[handle]}, nil
}

func (f *fakeBackend) Stop(_ context.Context, handle string) error {
	defer f.end(handle)
	if err := f.begin("stop", handle); err != nil {
		return err
	}
	f.setStatus(handle, provision.StatusStopped)
	return nil
}

func (f *fakeBackend) Destroy(_ context.Context, handle string) error {
	defer f.end(handle)
	if err := f.begin("destroy", handle); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.status, handle)
	return nil
}

func (f *fakeBackend) Cleanup(_ context.Context, handle string) error {
	defer f.end(handle)
	return f.begin("cleanup", handle)
}

func (f *fakeBackend) Status(_ context.Context, handle string) (provision.Status, error) {
	defer f.end(handle)
	if err := f.begin("status", handle); err != nil {
		return provision.StatusUnknown, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[handle]
	if !ok {
		return provision.StatusNotCreated, nil
	}
	return st, nil
}

func (f *fakeBackend) Address(_ context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noIP {
		return "", nil
	}
	return f.ips[handle], nil
}

func (f *fakeBackend) ConsoleCommand(handle string) []string {
	return []string{"echo", handle}
}

type fakeSessions struct {
	mu      sync.Mutex
	stopped []uint
}

func (s *fakeSessions) StopForVMs(_ context.Context, ids []uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, ids...)
	return len(ids)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	m        *Manager
	store    *database.Store
	backend  *fakeBackend
	sessions *fakeSessions
	clock    *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := database.OpenForTest(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalog, err := provision.LoadCatalog("")
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	rec := eventlog.New(store, nil, nil, nil)
	rec.SetClock(clock.Now)
	backend := newFakeBackend()
	sessions := &fakeSessions{}

	m := NewManager(Deps{
		Store:          store,
		Backend:        backend,
		Quota:          quota.New(store, rec, nil, nil, quota.DefaultRates(), 0),
		Events:         rec,
		Catalog:        catalog,
		Sessions:       sessions,
		BackendTimeout: time.Second,
	})
	m.SetClock(clock.Now)
	return &testEnv{m: m, store: store, backend: backend, sessions: sessions, clock: clock}
}

func (e *testEnv) user(t *testing.T, name string, credits int, admin bool) *database.User {
	t.Helper()
	u := &database.User{Username: name, PasswordHash: "x", Credits: credits, IsActive: true, IsAdmin: admin}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	return u
}

func (e *testEnv) balance(t *testing.T, id uint) int {
	t.Helper()
	u, err := e.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Credits
}

func (e *testEnv) reload(t *testing.T, id uint) *database.VM {
	t.Helper()
	vm, err := e.store.GetVM(context.Background(), id)
	require.NoError(t, err)
	return vm
}

func (e *testEnv) events(t *testing.T, vmID uint) []database.Event {
	t.Helper()
	evs, err := e.store.ListEvents(context.Background(), database.EventFilter{VMID: &vmID, Limit: 100})
	require.NoError(t, err)
	return evs
}

// createRunning provisions a small VM (cost 16) and returns it.
func (e *testEnv) createRunning(t *testing.T, owner *database.User, name string) *database.VM {
	t.Helper()
	out, err := e.m.Create(context.Background(), owner, CreateRequest{
		Name: name, OSType: "debian-12", RAMMB: 1024, DiskGB: 10, CPUCores: 1,
	})
	require.NoError(t, err)
	require.True(t, out.OK)
	return out.VM
}
