package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)
	assert.True(t, CheckPassword("correct horse", hash))
	assert.False(t, CheckPassword("wrong horse", hash))

	_, err = HashPassword("short")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	store, err := database.OpenForTest(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	hash, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	alice := &database.User{Username: "alice", PasswordHash: hash, Credits: 100, IsActive: true}
	bob := &database.User{Username: "bob", PasswordHash: hash, Credits: 100, IsActive: false}
	require.NoError(t, store.CreateUser(ctx, alice))
	require.NoError(t, store.CreateUser(ctx, bob))

	a := NewAuthenticator(store, eventlog.New(store, nil, nil, nil), nil)

	u, err := a.Login(ctx, "alice", "s3cret-pass", "cli")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, u.ID)

	for _, tc := range []struct{ user, pass string }{
		{"alice", "nope-nope"},
		{"mallory", "s3cret-pass"},
		{"bob", "s3cret-pass"},
	} {
		_, err := a.Login(ctx, tc.user, tc.pass, "cli")
		assert.ErrorIs(t, err, apperr.ErrPermission, tc.user)
	}

	warnings, err := store.CountEvents(ctx, database.EventFilter{
		Types:      []database.EventType{database.EventAuth},
		Severities: []database.Severity{database.SeverityWarning},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, warnings)

	aliceFailures, err := store.CountEvents(ctx, database.EventFilter{
		UserID:     &alice.ID,
		Severities: []database.Severity{database.SeverityWarning},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, aliceFailures)
}
