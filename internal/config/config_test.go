package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7681, s.TerminalBasePort)
	assert.Equal(t, 1000, s.TerminalPortSpan)
	assert.Equal(t, 30*time.Minute, s.TerminalIdleTimeout)
	assert.Equal(t, 5*time.Second, s.TerminalGracePeriod)
	assert.Equal(t, 10*time.Minute, s.BruteForceWindow)
	assert.Equal(t, 5, s.BruteForceThreshold)
	assert.Equal(t, 10000, s.MaxAdjustment)
	assert.Equal(t, 100, s.DefaultCredits)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLEET_TERMINAL_BASE_PORT", "9000")
	t.Setenv("FLEET_BACKEND_TIMEOUT", "90s")
	t.Setenv("FLEET_DATA_PATH", "/tmp/fleet")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, s.TerminalBasePort)
	assert.Equal(t, 90*time.Second, s.BackendTimeout)
	assert.Equal(t, "/tmp/fleet/attempts", s.AttemptLogDir())
	assert.Equal(t, "/tmp/fleet/vmfleet.log", s.LogFile())
}

func TestLoad_RejectsZeroPortSpan(t *testing.T) {
	t.Setenv("FLEET_TERMINAL_PORT_SPAN", "0")

	_, err := Load()
	assert.Error(t, err)
}
