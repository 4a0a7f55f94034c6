package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenForTest(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createUser(t *testing.T, s *Store, name string, credits int) *User {
	t.Helper()
	u := &User{Username: name, PasswordHash: "x", Credits: credits, IsActive: true}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestSeedDefaults(t *testing.T) {
	s := setupTestStore(t)

	v, err := s.GetSetting(context.Background(), "provision_backend")
	require.NoError(t, err)
	assert.Equal(t, "auto", v)

	require.NoError(t, s.SetSetting(context.Background(), "provision_backend", "docker"))
	v, err = s.GetSetting(context.Background(), "provision_backend")
	require.NoError(t, err)
	assert.Equal(t, "docker", v)

	_, err = s.GetSetting(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserZeroValuesPersist(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := &User{Username: "bob", PasswordHash: "x", Credits: 0, IsActive: false}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Credits)
	assert.False(t, got.IsActive)
	assert.False(t, got.IsAdmin)
}

func TestSwapCredits(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "alice", 100)

	ok, err := s.SwapCredits(ctx, u.ID, 100, 70)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SwapCredits(ctx, u.ID, 100, 40)
	require.NoError(t, err)
	assert.False(t, ok, "stale balance must not apply")

	_, err = s.SwapCredits(ctx, u.ID, 70, -1)
	assert.Error(t, err)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, got.Credits)
}

func TestSwapCreditsConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "alice", 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SwapCredits(ctx, u.ID, 10, 0)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestVMNameUniquePerOwner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := createUser(t, s, "alice", 100)
	bob := createUser(t, s, "bob", 100)

	vm := &VM{OwnerID: alice.ID, Name: "web", OSType: "ubuntu", RAMMB: 1024, DiskGB: 10, CPUCores: 1, Status: StatusPending}
	require.NoError(t, s.CreateVM(ctx, vm))

	dup := &VM{OwnerID: alice.ID, Name: "web", OSType: "ubuntu", RAMMB: 1024, DiskGB: 10, CPUCores: 1, Status: StatusPending}
	assert.ErrorIs(t, s.CreateVM(ctx, dup), ErrDuplicate)

	other := &VM{OwnerID: bob.ID, Name: "web", OSType: "ubuntu", RAMMB: 1024, DiskGB: 10, CPUCores: 1, Status: StatusPending}
	assert.NoError(t, s.CreateVM(ctx, other))
}

func TestSaveVMClearsNullableColumns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	u := createUser(t, s, "alice", 100)

	ip := "10.0.0.5"
	now := time.Now().UTC()
	vm := &VM{OwnerID: u.ID, Name: "db", OSType: "ubuntu", RAMMB: 1024, DiskGB: 10, CPUCores: 1,
		Status: StatusRunning, IPAddress: &ip, StartedAt: &now, Metadata: datatypes.JSONMap{"tier": "gold"}}
	require.NoError(t, s.CreateVM(ctx, vm))

	vm.Status = StatusStopped
	vm.IPAddress = nil
	vm.StartedAt = nil
	vm.UptimeSeconds = 42
	require.NoError(t, s.SaveVM(ctx, vm))

	got, err := s.GetVM(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Nil(t, got.IPAddress)
	assert.Nil(t, got.StartedAt)
	assert.EqualValues(t, 42, got.UptimeSeconds)
	assert.Equal(t, "gold", got.Metadata["tier"])

	require.NoError(t, s.DeleteVM(ctx, vm.ID))
	assert.ErrorIs(t, s.DeleteVM(ctx, vm.ID), ErrNotFound)
	_, err = s.GetVM(ctx, vm.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEventsOrderAndFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	vmID := uint(9)

	events := []*Event{
		{Type: EventSecurity, Severity: SeverityWarning, Message: "a", VMID: &vmID, CreatedAt: base,
			Details: datatypes.JSONMap{"kind": "auth_attempt", "outcome": "failure"}},
		{Type: EventSecurity, Severity: SeverityInfo, Message: "b", VMID: &vmID, CreatedAt: base,
			Details: datatypes.JSONMap{"kind": "auth_attempt", "outcome": "success"}},
		{Type: EventVM, Severity: SeverityCritical, Message: "c", CreatedAt: base.Add(time.Minute)},
		{Type: EventVM, Severity: SeverityInfo, Message: "old", CreatedAt: base.Add(-time.Hour)},
	}
	for _, e := range events {
		require.NoError(t, s.CreateEvent(ctx, e))
	}

	all, err := s.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"c", "b", "a", "old"},
		[]string{all[0].Message, all[1].Message, all[2].Message, all[3].Message})

	failures, err := s.CountEvents(ctx, EventFilter{
		VMID:    &vmID,
		Details: map[string]string{"kind": "auth_attempt", "outcome": "failure"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, failures)

	recent, err := s.ListEvents(ctx, EventFilter{Since: base, Types: []EventType{EventVM}})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "c", recent[0].Message)

	byType, err := s.CountEventsBy(ctx, "type", EventFilter{Since: base})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"security": 2, "vm": 1}, byType)

	_, err = s.CountEventsBy(ctx, "message", EventFilter{})
	assert.Error(t, err)

	purged, err := s.PurgeEventsBefore(ctx, base)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}
