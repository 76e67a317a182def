package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/colony/pkg/errdefs"
)

// Defaults for the recognized orchestration options.
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultAckTimeout       = 10 * time.Second
	DefaultPerAgentQueue    = 16
	DefaultRetryBaseDelay   = 1 * time.Second
	DefaultRetryMaxDelay    = 2 * time.Minute
	DefaultMaxRetryAttempts = 3
	DefaultJobTimeout       = 10 * time.Minute
	DefaultDispatchTick     = 500 * time.Millisecond
)

// Config holds the server configuration. All durations accept Go
// duration strings in YAML ("30s", "2m").
type Config struct {
	// Listeners
	HubAddr  string `yaml:"hubAddr"`  // Agent hub (websocket) listener
	APIAddr  string `yaml:"apiAddr"`  // Admin REST + /metrics listener
	DataDir  string `yaml:"dataDir"`  // BoltDB and key material
	ServerID string `yaml:"serverId"` // Certificate issuer id; generated if empty

	// Orchestration
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	AckTimeout        time.Duration `yaml:"ackTimeout"`
	PerAgentQueue     int           `yaml:"perAgentQueue"`
	RetryBaseDelay    time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay     time.Duration `yaml:"retryMaxDelay"`
	MaxRetryAttempts  int           `yaml:"maxRetryAttempts"`
	DefaultJobTimeout time.Duration `yaml:"defaultJobTimeout"`
	DispatchTick      time.Duration `yaml:"dispatchTick"`

	// Admission
	BootstrapAutoApprove   bool `yaml:"bootstrapAutoApprove"`
	RequireCertificateAuth bool `yaml:"requireCertificateAuth"`
	AllowAnonymous         bool `yaml:"allowAnonymous"` // Development only

	// Logging
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		HubAddr:           ":7946",
		APIAddr:           ":7947",
		DataDir:           "/var/lib/colony",
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		AckTimeout:        DefaultAckTimeout,
		PerAgentQueue:     DefaultPerAgentQueue,
		RetryBaseDelay:    DefaultRetryBaseDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		MaxRetryAttempts:  DefaultMaxRetryAttempts,
		DefaultJobTimeout: DefaultJobTimeout,
		DispatchTick:      DefaultDispatchTick,
		LogLevel:          "info",
	}
}

// Load reads a YAML config file, applies environment overrides, and
// validates the result. A missing path yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from COLONY_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("COLONY_HUB_ADDR"); v != "" {
		c.HubAddr = v
	}
	if v := os.Getenv("COLONY_API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := os.Getenv("COLONY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("COLONY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("COLONY_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("COLONY_ACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AckTimeout = d
		}
	}
	if v := os.Getenv("COLONY_PER_AGENT_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PerAgentQueue = n
		}
	}
	if v := os.Getenv("COLONY_ALLOW_ANONYMOUS"); v != "" {
		c.AllowAnonymous = v == "true" || v == "1"
	}
	if v := os.Getenv("COLONY_BOOTSTRAP_AUTO_APPROVE"); v != "" {
		c.BootstrapAutoApprove = v == "true" || v == "1"
	}
}

// Validate checks option sanity. Violations are fatal at startup.
func (c *Config) Validate() error {
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeatTimeout must be positive: %w", errdefs.ErrConfigInvalid)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ackTimeout must be positive: %w", errdefs.ErrConfigInvalid)
	}
	if c.PerAgentQueue <= 0 {
		return fmt.Errorf("perAgentQueue must be positive: %w", errdefs.ErrConfigInvalid)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max: %w", errdefs.ErrConfigInvalid)
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("maxRetryAttempts must be non-negative: %w", errdefs.ErrConfigInvalid)
	}
	if c.DispatchTick <= 0 {
		return fmt.Errorf("dispatchTick must be positive: %w", errdefs.ErrConfigInvalid)
	}
	if c.AllowAnonymous && c.RequireCertificateAuth {
		return fmt.Errorf("allowAnonymous conflicts with requireCertificateAuth: %w", errdefs.ErrConfigInvalid)
	}
	return nil
}
