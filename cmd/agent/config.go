package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
)

// agentConfig is the persisted state §3/§6 describes: the server URL and
// credential an already-registered agent needs to reconnect, plus the
// runtime settings it was last configured with. A zero-value agentConfig
// (no AgentGUID) means "not yet registered".
type agentConfig struct {
	ServerURL               string `json:"server_url"`
	AgentGUID               string `json:"agent_guid"`
	APIKey                  string `json:"api_key"`
	AgentName               string `json:"agent_name"`
	HeartbeatIntervalSeconds int   `json:"heartbeat_interval_seconds"`
	PollIntervalSeconds     int    `json:"poll_interval_seconds"`
	LogLevel                string `json:"log_level"`

	// LastHeartbeatAt caches the most recent heartbeat acknowledgement so
	// `status` can report liveness without another round trip.
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`
}

func (c *agentConfig) isRegistered() bool {
	return c.AgentGUID != "" && c.APIKey != ""
}

func (c *agentConfig) heartbeatInterval() time.Duration {
	if c.HeartbeatIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *agentConfig) pollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// defaultConfigPath mirrors the original CLI's platformdirs-based location
// with Go's stdlib equivalent.
func defaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return filepath.Join(dir, "shuttersense-agent", "config.json"), nil
}

func loadConfig(path string) (*agentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &agentConfig{}, nil
		}
		return nil, trace.Wrap(err)
	}
	var cfg agentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing %s", path)
	}
	return &cfg, nil
}

func saveConfig(path string, cfg *agentConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return trace.Wrap(err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	// The file holds a live API key: keep it out of reach of other users
	// on shared hosts.
	return trace.Wrap(os.WriteFile(path, data, 0o600))
}
