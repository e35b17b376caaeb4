package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsZeroValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "config.json")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.False(t, cfg.isRegistered())
}

func TestSaveConfigThenLoadConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shuttersense-agent", "config.json")

	cfg := &agentConfig{
		ServerURL:               "https://coordinator.example.com",
		AgentGUID:               "agt_01ARZ3NDEKTSV4RRFFQ69G5FAV",
		APIKey:                  "agt_key_test-secret",
		AgentName:               "workstation-1",
		HeartbeatIntervalSeconds: 45,
		PollIntervalSeconds:     15,
		LogLevel:                "debug",
		LastHeartbeatAt:         time.Now().Truncate(time.Second),
	}
	require.NoError(t, saveConfig(path, cfg))

	loaded, err := loadConfig(path)
	require.NoError(t, err)
	require.True(t, loaded.isRegistered())
	require.Equal(t, cfg.ServerURL, loaded.ServerURL)
	require.Equal(t, cfg.AgentGUID, loaded.AgentGUID)
	require.Equal(t, cfg.APIKey, loaded.APIKey)
	require.Equal(t, cfg.AgentName, loaded.AgentName)
	require.True(t, cfg.LastHeartbeatAt.Equal(loaded.LastHeartbeatAt))
}

func TestAgentConfigIntervalDefaults(t *testing.T) {
	cfg := &agentConfig{}
	require.Equal(t, 30*time.Second, cfg.heartbeatInterval())
	require.Equal(t, 10*time.Second, cfg.pollInterval())

	cfg.HeartbeatIntervalSeconds = 5
	cfg.PollIntervalSeconds = 2
	require.Equal(t, 5*time.Second, cfg.heartbeatInterval())
	require.Equal(t, 2*time.Second, cfg.pollInterval())
}

func TestNotRegisteredWithoutGUIDOrKey(t *testing.T) {
	require.False(t, (&agentConfig{}).isRegistered())
	require.False(t, (&agentConfig{AgentGUID: "agt_x"}).isRegistered())
	require.False(t, (&agentConfig{APIKey: "agt_key_x"}).isRegistered())
	require.True(t, (&agentConfig{AgentGUID: "agt_x", APIKey: "agt_key_x"}).isRegistered())
}
