// Package config provides configuration loading for the agentic CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is looked up in the workspace when no config path is given.
const FileName = "agentic.toml"

// StateDir holds the session database and logs, inside the workspace.
const StateDir = ".agentic"

type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Retry    RetryConfigs   `toml:"retry"`
	Guard    GuardConfig    `toml:"guard"`
	LLM      LLMConfig      `toml:"llm"`
	Research ResearchConfig `toml:"research"`
	Events   EventsConfig   `toml:"events"`
	Storage  StorageConfig  `toml:"storage"`
}

type EngineConfig struct {
	ResearchWorkers int           `toml:"research_workers"`
	DefaultTimeout  time.Duration `toml:"default_timeout"` // Applies when the guard sets no wall clock ceiling
	GracePeriod     time.Duration `toml:"grace_period"`    // SIGTERM to SIGKILL
	MaxOutputBytes  int           `toml:"max_output_bytes"`
	// ContinueOnFailure keeps independent branches of the plan running
	// after a step fails terminally.
	ContinueOnFailure bool `toml:"continue_on_failure"`
}

type RetryConfigs struct {
	Command  RetryConfig `toml:"command"`
	Research RetryConfig `toml:"research"`
}

// RetryConfig bounds attempts and the exponential delay between them.
type RetryConfig struct {
	MaxAttempts     int           `toml:"max_attempts"`
	InitialInterval time.Duration `toml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`
	Multiplier      float64       `toml:"multiplier"`
}

type GuardConfig struct {
	PolicyFile string `toml:"policy_file"` // YAML policy, relative to the workspace
	Watch      bool   `toml:"watch"`       // Reload the policy when the file changes
}

type LLMConfig struct {
	Backend    string `toml:"backend"` // gemini or ollama
	Model      string `toml:"model"`
	OllamaHost string `toml:"ollama_host"`
}

type ResearchConfig struct {
	APIKeyEnv   string `toml:"api_key_env"`
	Endpoint    string `toml:"endpoint"`
	SearchDepth string `toml:"search_depth"`
	MaxResults  int    `toml:"max_results"`
	MaxRounds   int    `toml:"max_rounds"`
	Synthesize  bool   `toml:"synthesize"` // Summarise sources with the LLM
}

type EventsConfig struct {
	NATSURL string `toml:"nats_url"` // Empty disables publishing
	Prefix  string `toml:"prefix"`
}

type StorageConfig struct {
	Path    string `toml:"path"`     // Session database, relative to the workspace
	LogFile string `toml:"log_file"` // Relative to the workspace
}

// New creates a config with defaults.
func New() *Config {
	return &Config{
		Engine: EngineConfig{
			ResearchWorkers:   4,
			DefaultTimeout:    60 * time.Second,
			GracePeriod:       5 * time.Second,
			MaxOutputBytes:    1 << 20,
			ContinueOnFailure: true,
		},
		Retry: RetryConfigs{
			Command: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2,
			},
			Research: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2,
			},
		},
		LLM: LLMConfig{
			Backend: "gemini",
		},
		Research: ResearchConfig{
			APIKeyEnv:   "TAVILY_API_KEY",
			SearchDepth: "advanced",
			MaxResults:  5,
			MaxRounds:   2,
			Synthesize:  true,
		},
		Events: EventsConfig{
			Prefix: "agentic",
		},
		Storage: StorageConfig{
			Path:    filepath.Join(StateDir, "sessions.db"),
			LogFile: filepath.Join(StateDir, "agentic.log"),
		},
	}
}

// LoadFile loads configuration from a TOML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path, or agentic.toml in the workspace when path is empty. A
// missing default file yields the defaults.
func Load(path, workspace string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	cfg, err := LoadFile(filepath.Join(workspace, FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Engine.ResearchWorkers < 1 {
		return fmt.Errorf("engine.research_workers must be at least 1")
	}
	if c.Engine.DefaultTimeout <= 0 {
		return fmt.Errorf("engine.default_timeout must be positive")
	}
	for name, r := range map[string]RetryConfig{"command": c.Retry.Command, "research": c.Retry.Research} {
		if r.MaxAttempts < 1 {
			return fmt.Errorf("retry.%s.max_attempts must be at least 1", name)
		}
		if r.Multiplier != 0 && r.Multiplier < 1 {
			return fmt.Errorf("retry.%s.multiplier must be >= 1", name)
		}
	}
	switch c.LLM.Backend {
	case "", "gemini", "ollama":
	default:
		return fmt.Errorf("llm.backend %q is not supported", c.LLM.Backend)
	}
	return nil
}

// Resolve makes a workspace-relative path absolute.
func Resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// ResearchAPIKey returns the search API key from the configured variable.
func (c *Config) ResearchAPIKey() string {
	if c.Research.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Research.APIKeyEnv)
}
