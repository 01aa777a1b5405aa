package dispatch

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is the operator configuration for a supervised library host
type Config struct {
	LibraryPath string   `yaml:"library_path"`
	Args        []string `yaml:"args"`
	Endpoint    string   `yaml:"endpoint"`
	ServiceName string   `yaml:"service_name"`

	// Mode is the deployment mode; "production" enables respawn under the default policy
	Mode         string        `yaml:"mode"`
	LogLevel     string        `yaml:"log_level"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	ErrorPolicy  string        `yaml:"error_policy"`

	// LibraryMetricsAddr is where the library host serves invocation metrics
	LibraryMetricsAddr string `yaml:"library_metrics_addr"`

	Restart RestartConfig `yaml:"restart"`
}

// RestartConfig selects and shapes the restart policy
type RestartConfig struct {
	Policy       string        `yaml:"policy"` // mode, always, never, bounded
	MaxRestarts  int           `yaml:"max_restarts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
	PerMinute    float64       `yaml:"per_minute"`
	Burst        int           `yaml:"burst"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, applies defaults and environment overrides
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.Restart.Multiplier == 0 {
		cfg.Restart.Multiplier = 2.0
	}

	if mode := os.Getenv(EnvMode); mode != "" {
		cfg.Mode = mode
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.LogLevel = level
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.LibraryPath == "" {
		return fmt.Errorf("library_path is required")
	}
	if _, err := ParseErrorPolicy(c.ErrorPolicy); err != nil {
		return err
	}
	if _, err := c.RestartPolicy(); err != nil {
		return err
	}
	return nil
}

// RestartPolicy builds the configured restart policy
func (c *Config) RestartPolicy() (RestartPolicy, error) {
	return ParseRestartPolicy(c.Restart.Policy, c.Restart.MaxRestarts, BackoffConfig{
		InitialDelay: c.Restart.InitialDelay,
		MaxDelay:     c.Restart.MaxDelay,
		Multiplier:   c.Restart.Multiplier,
		Jitter:       c.Restart.Jitter,
	}, c.Mode)
}

// SupervisorConfig converts the file config into a SupervisorConfig
func (c *Config) SupervisorConfig(logger zerolog.Logger) (SupervisorConfig, error) {
	if err := c.Validate(); err != nil {
		return SupervisorConfig{}, err
	}
	policy, _ := c.RestartPolicy()
	errPolicy, _ := ParseErrorPolicy(c.ErrorPolicy)

	sc := SupervisorConfig{
		LibraryPath:  c.LibraryPath,
		Args:         c.Args,
		Endpoint:     c.Endpoint,
		ServiceName:  c.ServiceName,
		Mode:         c.Mode,
		ErrorPolicy:  errPolicy,
		MetricsAddr:  c.LibraryMetricsAddr,
		Policy:       policy,
		RestartBurst: c.Restart.Burst,
		Logger:       &logger,
	}
	if c.Restart.PerMinute > 0 {
		sc.RestartLimit = rate.Limit(c.Restart.PerMinute / 60.0)
	}
	return sc, nil
}
