package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models labline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// JWTSecret signs/verifies bearer tokens (HS256, subject = user id).
		JWTSecret string `yaml:"jwt_secret"`
		// TestToken, when set, is accepted as a bearer token resolving to
		// TestUserID. Development and test environments only.
		TestToken  string `yaml:"test_token"`
		TestUserID string `yaml:"test_user_id"`
	} `yaml:"server"`
	Storage struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"storage"`
	Queue struct {
		LeaseSeconds   int `yaml:"lease_seconds"`
		MaxAttempts    int `yaml:"max_attempts"`
		PollIntervalMS int `yaml:"poll_interval_ms"`
	} `yaml:"queue"`
	Worker struct {
		Concurrency       int `yaml:"concurrency"`
		JobTimeoutSeconds int `yaml:"job_timeout_seconds"`
	} `yaml:"worker"`
	Agents struct {
		Handoffs map[string]Handoff `yaml:"handoffs"`
	} `yaml:"agents"`
}

// Handoff declares where an agent sends the project when it finishes.
type Handoff struct {
	NextAgent      string `yaml:"next_agent"`
	CompletedPhase string `yaml:"completed_phase"`
}

var knownAgents = map[string]bool{
	"pi_agent":      true,
	"user_approval": true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.TestToken != "" && c.Server.TestUserID == "" {
		return fmt.Errorf("config.server.test_user_id is required when test_token is set")
	}
	if c.Storage.BasePath == "" {
		return fmt.Errorf("config.storage.base_path is required")
	}
	if c.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("config.queue.lease_seconds must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config.queue.max_attempts must be at least 1")
	}
	if c.Queue.PollIntervalMS <= 0 {
		return fmt.Errorf("config.queue.poll_interval_ms must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config.worker.concurrency must be at least 1")
	}
	timeout := time.Duration(c.Worker.JobTimeoutSeconds) * time.Second
	if timeout < time.Second || timeout > time.Hour {
		return fmt.Errorf("config.worker.job_timeout_seconds must be between 1s and 1h")
	}
	for agent, h := range c.Agents.Handoffs {
		if !knownAgents[agent] {
			return fmt.Errorf("config.agents.handoffs references unknown agent %s", agent)
		}
		if h.NextAgent != "" && !knownAgents[h.NextAgent] {
			return fmt.Errorf("handoff for %s references unknown next agent %s", agent, h.NextAgent)
		}
		if h.CompletedPhase == "" {
			return fmt.Errorf("handoff for %s has empty completed_phase", agent)
		}
	}
	return nil
}

// PollInterval returns the worker poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMS) * time.Millisecond
}

// JobTimeout returns the per-job wall-clock bound.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Worker.JobTimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "labline.yml")
}

// Load reads and validates config from the workspace, falling back to the
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /api/v1
  jwt_secret: ""
  test_token: ""
  test_user_id: ""

storage:
  base_path: storage/projects

queue:
  lease_seconds: 300
  max_attempts: 5
  poll_interval_ms: 1000

worker:
  concurrency: 4
  job_timeout_seconds: 300

agents:
  handoffs:
    pi_agent:
      next_agent: user_approval
      completed_phase: planning_complete
`
