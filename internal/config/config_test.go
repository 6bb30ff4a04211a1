package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "./data/coderoom.db", cfg.DBPath)
	assert.Equal(t, time.Duration(0), cfg.ExecTimeout)
	assert.Equal(t, 200, cfg.MessageBurst)
	assert.Equal(t, 168*time.Hour, cfg.HistoryRetention)
	assert.Equal(t, 10*time.Minute, cfg.UnjoinedRoomGrace)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CODEROOM_EXECUTOR_URL", "http://judge:2358")
	t.Setenv("CODEROOM_EXEC_TIMEOUT", "30s")
	t.Setenv("CODEROOM_MESSAGES_PER_SECOND", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, "http://judge:2358", cfg.ExecutorURL)
	assert.Equal(t, 30*time.Second, cfg.ExecTimeout)
	assert.Equal(t, 10.0, cfg.MessagesPerSecond)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("CODEROOM_EXEC_TIMEOUT", "soon")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("zero burst", func(t *testing.T) {
		t.Setenv("CODEROOM_MESSAGE_BURST", "0")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("zero connect burst", func(t *testing.T) {
		t.Setenv("CODEROOM_CONNECT_BURST", "0")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("zero retention interval", func(t *testing.T) {
		t.Setenv("CODEROOM_RETENTION_INTERVAL", "0s")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("negative timeout", func(t *testing.T) {
		t.Setenv("CODEROOM_EXEC_TIMEOUT", "-1s")
		_, err := Load()
		assert.Error(t, err)
	})
}
