package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7000, c.Port)
	assert.Equal(t, 5*time.Second, c.HeartbeatInterval())
	assert.Equal(t, 15*time.Second, c.SessionTimeout())
	assert.Equal(t, 8, c.PoolCapacity)
	assert.Equal(t, 2*time.Second, c.PoolWait())
	assert.Equal(t, 3*time.Second, c.CallDeadline())
	assert.Equal(t, TransportTCP, c.Transport)
	assert.Equal(t, 5*time.Second, c.RegistryProbeInterval())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: chat-7
port: 7100
heartbeatIntervalMs: 1000
sessionTimeoutMs: 4000
poolCapacity: 2
transport: websocket
`), 0o600))
	t.Setenv("PARLEY_PORT", "7200")
	t.Setenv("PARLEY_CALLDEADLINEMS", "500")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "chat-7", c.Name)
	assert.Equal(t, 7200, c.Port, "environment beats file")
	assert.Equal(t, time.Second, c.HeartbeatInterval())
	assert.Equal(t, 4*time.Second, c.SessionTimeout())
	assert.Equal(t, 2, c.PoolCapacity)
	assert.Equal(t, 500*time.Millisecond, c.CallDeadline())
	assert.Equal(t, TransportWebSocket, c.Transport)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c, err := Load("")
		require.NoError(t, err)
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero heartbeat", func(c *Config) { c.HeartbeatIntervalMs = 0 }},
		{"timeout not above interval", func(c *Config) { c.SessionTimeoutMs = c.HeartbeatIntervalMs }},
		{"pool capacity", func(c *Config) { c.PoolCapacity = 0 }},
		{"negative wait", func(c *Config) { c.PoolWaitMs = -1 }},
		{"zero deadline", func(c *Config) { c.CallDeadlineMs = 0 }},
		{"port range", func(c *Config) { c.Port = 70000 }},
		{"transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"probe failures", func(c *Config) { c.MaxProbeFailures = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	c.PoolCapacity = 0
	c.CallDeadlineMs = 0

	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poolCapacity")
	assert.Contains(t, err.Error(), "callDeadlineMs")
}
