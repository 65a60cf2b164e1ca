package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{EnvAgentID, EnvToken, EnvURL, EnvAdapter, EnvProjectRoot} {
		t.Setenv(name, "")
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
agent_id: 11111111-2222-3333-4444-555555555555
token: tok
url: wss://platform.example/bridge
adapter: claude
project_root: /srv/project
claude:
  binary: /usr/local/bin/claude
  args: ["--model", "sonnet"]
queue:
  max_active_requests: 2
  queue_wait_timeout_ms: 5000
workspace:
  max_snapshot_entries: 500
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "11111111-2222-3333-4444-555555555555", cfg.AgentID)
	require.Equal(t, "wss://platform.example/bridge", cfg.URL)
	require.Equal(t, "/usr/local/bin/claude", cfg.Claude.Binary)
	require.Equal(t, []string{"--model", "sonnet"}, cfg.Claude.Args)
	require.Equal(t, 2, cfg.Queue.MaxActiveRequests)
	require.Equal(t, 5*time.Second, cfg.Queue.WaitTimeout())
	require.Equal(t, 500, cfg.Workspace.MaxSnapshotEntries)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "token: file-tok\nurl: wss://file.example\n")
	t.Setenv(EnvToken, "env-tok")
	t.Setenv(EnvURL, "wss://env.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-tok", cfg.Token)
	require.Equal(t, "wss://env.example", cfg.URL)
}

func TestMissingFileWithEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvToken, "tok")
	t.Setenv(EnvURL, "wss://env.example")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "claude", cfg.Adapter)
	// A fresh agent id is generated when none is configured.
	_, err = uuid.Parse(cfg.AgentID)
	require.NoError(t, err)
}

func TestValidationErrors(t *testing.T) {
	clearEnv(t)
	cases := []struct {
		name string
		yaml string
	}{
		{"missing token", "url: wss://x\n"},
		{"missing url", "token: t\n"},
		{"unknown adapter", "token: t\nurl: wss://x\nadapter: cursor\n"},
		{"gateway without creds", "token: t\nurl: wss://x\nadapter: gateway\n"},
		{"negative queue limit", "token: t\nurl: wss://x\nqueue:\n  max_active_requests: -1\n"},
		{"negative workspace limit", "token: t\nurl: wss://x\nworkspace:\n  max_snapshot_entries: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestGatewayConfigComplete(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
token: t
url: wss://x
adapter: gateway
gateway:
  base_url: https://gw.example/v1
  api_key: key
  model: small
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "gateway", cfg.Adapter)
	require.Equal(t, "small", cfg.Gateway.Model)
}

func TestMalformedYAML(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "token: [unclosed\n"))
	require.Error(t, err)
}
