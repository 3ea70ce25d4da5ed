package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFileWithEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIGPT_HOME_DIR", home)
	t.Setenv("MIGPT_PASSWORD", "from-env")
	t.Setenv("MIGPT_DEVICE", "")
	t.Setenv("DEBUG", "")

	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(`
userId: "31415926535"
password: from-file
did: Bedroom Speaker
heartbeat: 2s
debug: true
`), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "31415926535", cfg.UserID)
	assert.Equal(t, "from-env", cfg.Password, "environment wins over file")
	assert.Equal(t, "Bedroom Speaker", cfg.Device)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat)
	assert.True(t, cfg.Debug)
	assert.Equal(t, filepath.Join(home, "accounts.json"), cfg.StateFile())
}

func TestLoadWithoutFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MIGPT_HOME_DIR", filepath.Join(home, "nested", "state"))
	t.Setenv("MIGPT_USER_ID", "42")
	t.Setenv("MIGPT_PASS_TOKEN", "ptok")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "42", cfg.UserID)
	assert.Equal(t, "ptok", cfg.PassToken)
	assert.DirExists(t, cfg.Home)
	assert.Equal(t, defaultHeartbeat, cfg.Heartbeat)
}

func TestHeartbeatClamped(t *testing.T) {
	t.Setenv("MIGPT_HOME_DIR", t.TempDir())
	t.Setenv("MIGPT_HEARTBEAT", "100ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, minHeartbeat, cfg.Heartbeat)
}

func TestInvalidDurationRejected(t *testing.T) {
	t.Setenv("MIGPT_HOME_DIR", t.TempDir())
	t.Setenv("MIGPT_HEARTBEAT", "fast")

	_, err := Load()
	assert.Error(t, err)
}
