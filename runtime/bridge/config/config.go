// Package config loads the bridge configuration from a YAML file with
// environment variable overrides, then validates it. The file is optional;
// every required value can come from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Environment overrides. Each takes precedence over the file value.
const (
	EnvAgentID     = "AGENT_BRIDGE_AGENT_ID"
	EnvToken       = "AGENT_BRIDGE_TOKEN"
	EnvURL         = "AGENT_BRIDGE_URL"
	EnvAdapter     = "AGENT_BRIDGE_ADAPTER"
	EnvProjectRoot = "AGENT_BRIDGE_PROJECT_ROOT"
)

type (
	// Config is the process-scoped bridge configuration.
	Config struct {
		// AgentID is the stable identity registered with the platform.
		// Generated and persisted alongside the config file when absent.
		AgentID string `yaml:"agent_id"`
		// Token authenticates the bridge to the platform.
		Token string `yaml:"token"`
		// URL is the platform WebSocket endpoint.
		URL string `yaml:"url"`
		// Adapter selects the assistant driver: "claude" or "gateway".
		Adapter string `yaml:"adapter"`
		// ProjectRoot is the directory exposed to assistant sessions.
		ProjectRoot string `yaml:"project_root"`
		// Sandbox optionally wraps child process invocations.
		Sandbox []string `yaml:"sandbox,omitempty"`
		// RuntimeRoot overrides the host-shared runtime directory that holds
		// the admission queue state. Defaults to <home>/.agent-mesh/runtime.
		RuntimeRoot string `yaml:"runtime_root,omitempty"`

		Claude    ClaudeConfig    `yaml:"claude,omitempty"`
		Gateway   GatewayConfig   `yaml:"gateway,omitempty"`
		Queue     QueueConfig     `yaml:"queue,omitempty"`
		Workspace WorkspaceConfig `yaml:"workspace,omitempty"`
	}

	// ClaudeConfig configures the child-process adapter.
	ClaudeConfig struct {
		Binary string   `yaml:"binary,omitempty"`
		Args   []string `yaml:"args,omitempty"`
	}

	// GatewayConfig configures the remote gateway adapter.
	GatewayConfig struct {
		BaseURL      string `yaml:"base_url,omitempty"`
		APIKey       string `yaml:"api_key,omitempty"`
		Model        string `yaml:"model,omitempty"`
		SystemPrompt string `yaml:"system_prompt,omitempty"`
	}

	// QueueConfig bounds host-wide request admission.
	QueueConfig struct {
		MaxActiveRequests int `yaml:"max_active_requests,omitempty"`
		QueueMaxLength    int `yaml:"queue_max_length,omitempty"`
		WaitTimeoutMS     int `yaml:"queue_wait_timeout_ms,omitempty"`
	}

	// WorkspaceConfig bounds workspace scanning.
	WorkspaceConfig struct {
		// MaxSnapshotEntries caps a single snapshot walk. Zero keeps the
		// built-in default.
		MaxSnapshotEntries int `yaml:"max_snapshot_entries,omitempty"`
	}
)

// Load reads path (when non-empty and present), applies environment
// overrides and validates the result. A missing file with complete
// environment configuration is not an error.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// Environment-only configuration.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.Adapter == "" {
		cfg.Adapter = "claude"
	}
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAgentID); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv(EnvURL); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv(EnvAdapter); v != "" {
		cfg.Adapter = v
	}
	if v := os.Getenv(EnvProjectRoot); v != "" {
		cfg.ProjectRoot = v
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("config: token is required")
	}
	if c.URL == "" {
		return errors.New("config: url is required")
	}
	switch c.Adapter {
	case "claude":
	case "gateway":
		if c.Gateway.BaseURL == "" || c.Gateway.APIKey == "" || c.Gateway.Model == "" {
			return errors.New("config: gateway adapter requires base_url, api_key and model")
		}
	default:
		return fmt.Errorf("config: unknown adapter %q", c.Adapter)
	}
	if c.Queue.MaxActiveRequests < 0 || c.Queue.QueueMaxLength < 0 || c.Queue.WaitTimeoutMS < 0 {
		return errors.New("config: queue limits must be non-negative")
	}
	if c.Workspace.MaxSnapshotEntries < 0 {
		return errors.New("config: workspace limits must be non-negative")
	}
	return nil
}

// WaitTimeout converts the configured queue wait timeout, zero meaning
// "use the default".
func (q QueueConfig) WaitTimeout() time.Duration {
	return time.Duration(q.WaitTimeoutMS) * time.Millisecond
}
