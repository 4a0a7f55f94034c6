package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := Quota("create", "need %d credits, have %d", 30, 10)

	assert.ErrorIs(t, err, ErrQuota)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, "create: need 30 credits, have 10", err.Error())
}

func TestIsThroughWrap(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", Validation("stop", "bad state"))

	assert.ErrorIs(t, wrapped, ErrValidation)
	assert.Equal(t, KindValidation, KindOf(wrapped))
}

func TestBackendUnwraps(t *testing.T) {
	cause := errors.New("docker daemon unreachable")
	err := Backend("start", cause)

	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "docker daemon unreachable")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, "unknown", KindOf(nil).String())
}
