// Package auth verifies operator credentials and records the outcome as
// auth events.
package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
	"github.com/gluk-w/vmfleet/internal/logging"
)

const BcryptCost = 12

// MinPasswordLength applies to newly set passwords only.
const MinPasswordLength = 8

func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", apperr.Validation("hash_password", "password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type Authenticator struct {
	store  *database.Store
	events *eventlog.Recorder
	log    *zap.Logger
}

func NewAuthenticator(store *database.Store, events *eventlog.Recorder, log *zap.Logger) *Authenticator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{store: store, events: events, log: log.Named("auth")}
}

// Login returns the active user matching the credentials. Every failure
// yields the same Permission error and an auth warning event.
func (a *Authenticator) Login(ctx context.Context, username, password, source string) (*database.User, error) {
	const op = "login"
	name := logging.Sanitize(username)
	user, err := a.store.GetUserByUsername(ctx, username)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("load user: %w", err)
	}

	var reason string
	switch {
	case user == nil:
		reason = "unknown user"
	case !CheckPassword(password, user.PasswordHash):
		reason = "wrong password"
	case !user.IsActive:
		reason = "account is inactive"
	}
	if reason != "" {
		var uid *uint
		if user != nil {
			uid = &user.ID
		}
		a.log.Warn("login failed", zap.String("user", name), zap.String("source", source), zap.String("reason", reason))
		a.record(ctx, database.SeverityWarning, fmt.Sprintf("Failed login for %s", name),
			map[string]any{"username": name, "source": source, "reason": reason}, uid)
		return nil, apperr.Permission(op, "invalid credentials")
	}

	a.record(ctx, database.SeverityInfo, fmt.Sprintf("User %s logged in", name),
		map[string]any{"username": name, "source": source}, &user.ID)
	return user, nil
}

func (a *Authenticator) record(ctx context.Context, sev database.Severity, msg string, details map[string]any, userID *uint) {
	if a.events == nil {
		return
	}
	if _, err := a.events.Record(ctx, eventlog.Entry{
		Type:     database.EventAuth,
		Severity: sev,
		Message:  msg,
		Details:  details,
		UserID:   userID,
	}); err != nil {
		a.log.Error("record event failed", zap.Error(err))
	}
}
