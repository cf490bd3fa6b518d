// Package config handles configuration loading for hivemind.
// It supports XDG config paths, project-level overrides, environment
// variables, and live reload of the timeout tier table.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/hivemind/internal/agent"
	"github.com/ShayCichocki/hivemind/internal/cache"
	"github.com/ShayCichocki/hivemind/internal/hierarchy"
	"github.com/ShayCichocki/hivemind/internal/optimizer"
	"github.com/ShayCichocki/hivemind/internal/pool"
	"github.com/ShayCichocki/hivemind/internal/timeout"
)

// Config holds all configuration for hivemind.
type Config struct {
	Hierarchy     hierarchy.Config     `mapstructure:"hierarchy"`
	Cache         cache.Config         `mapstructure:"cache"`
	Pool          pool.Config          `mapstructure:"pool"`
	Timeouts      TimeoutSettings      `mapstructure:"timeouts"`
	Agent         agent.Config         `mapstructure:"agent"`
	Optimizations OptimizationSettings `mapstructure:"optimizations"`
}

// OptimizationSettings toggles the optimization sub-features.
type OptimizationSettings struct {
	EnableCaching bool `mapstructure:"enable_caching"`
	EnablePooling bool `mapstructure:"enable_pooling"`
}

// TimeoutSettings is the on-disk shape of the timeout tier table. Tier and
// grace keys are depth numbers as strings, the way YAML maps arrive.
type TimeoutSettings struct {
	Tiers           map[string]timeout.Tier        `mapstructure:"tiers"`
	Default         timeout.Tier                   `mapstructure:"default"`
	MinTimeout      time.Duration                  `mapstructure:"min_timeout"`
	BufferRatio     float64                        `mapstructure:"buffer_ratio"`
	BufferMin       time.Duration                  `mapstructure:"buffer_min"`
	ReductionFactor float64                        `mapstructure:"reduction_factor"`
	Grace           map[string]timeout.GracePolicy `mapstructure:"grace"`
	DefaultGrace    timeout.GracePolicy            `mapstructure:"default_grace"`
}

// Build converts the on-disk settings into a timeout.Config. Keys that are
// not depth numbers are skipped with a warning.
func (ts TimeoutSettings) Build() timeout.Config {
	cfg := timeout.Config{
		Tiers:           make(map[int]timeout.Tier, len(ts.Tiers)),
		DefaultTier:     ts.Default,
		MinTimeout:      ts.MinTimeout,
		BufferRatio:     ts.BufferRatio,
		BufferMin:       ts.BufferMin,
		ReductionFactor: ts.ReductionFactor,
		Grace:           make(map[int]timeout.GracePolicy, len(ts.Grace)),
		DefaultGrace:    ts.DefaultGrace,
	}
	for key, tier := range ts.Tiers {
		depth, err := strconv.Atoi(key)
		if err != nil || depth < 0 {
			log.Printf("[config] skipping timeout tier with bad depth key %q", key)
			continue
		}
		cfg.Tiers[depth] = tier
	}
	for key, grace := range ts.Grace {
		depth, err := strconv.Atoi(key)
		if err != nil || depth < 0 {
			log.Printf("[config] skipping grace policy with bad depth key %q", key)
			continue
		}
		cfg.Grace[depth] = grace
	}
	return cfg
}

// Optimizer assembles the optimizer configuration from the loaded settings.
func (c *Config) Optimizer() optimizer.Config {
	return optimizer.Config{
		EnableCaching: c.Optimizations.EnableCaching,
		EnablePooling: c.Optimizations.EnablePooling,
		Cache:         c.Cache,
		Pool:          c.Pool,
		Timeout:       c.Timeouts.Build(),
	}
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.hivemind.yaml in current directory or parent)
// 3. User config (~/.config/hivemind/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("agent.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Agent.APIKey = os.ExpandEnv(cfg.Agent.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Agent.APIKey = os.ExpandEnv(cfg.Agent.APIKey)

	return cfg, nil
}

// Watch re-reads the config file at path whenever it changes on disk and
// invokes onReload with the freshly parsed configuration. Malformed edits
// are logged and skipped, leaving the previous configuration in effect.
func Watch(path string, onReload func(*Config)) error {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config from %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Printf("[config] reload of %s failed: %v", e.Name, err)
			return
		}
		cfg.Agent.APIKey = os.ExpandEnv(cfg.Agent.APIKey)
		onReload(cfg)
	})
	v.WatchConfig()
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// Default returns a Config with default values.
func Default() *Config {
	tcfg := timeout.DefaultConfig()
	return &Config{
		Hierarchy: hierarchy.DefaultConfig(),
		Cache:     cache.DefaultConfig(),
		Pool:      pool.DefaultConfig(),
		Timeouts: TimeoutSettings{
			Tiers: map[string]timeout.Tier{
				"0": tcfg.Tiers[0],
				"1": tcfg.Tiers[1],
				"2": tcfg.Tiers[2],
				"3": tcfg.Tiers[3],
			},
			Default:         tcfg.DefaultTier,
			MinTimeout:      tcfg.MinTimeout,
			BufferRatio:     tcfg.BufferRatio,
			BufferMin:       tcfg.BufferMin,
			ReductionFactor: tcfg.ReductionFactor,
			Grace: map[string]timeout.GracePolicy{
				"0": tcfg.Grace[0],
			},
			DefaultGrace: tcfg.DefaultGrace,
		},
		Agent: agent.Config{
			MaxTokens: 4096,
			Retry:     agent.DefaultRetryConfig(),
		},
		Optimizations: OptimizationSettings{
			EnableCaching: true,
			EnablePooling: true,
		},
	}
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Hierarchy defaults
	v.SetDefault("hierarchy.max_depth", 3)
	v.SetDefault("hierarchy.max_children", 10)

	// Cache defaults
	v.SetDefault("cache.max_memory_bytes", 50*1024*1024)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.token_budget", 100000)

	// Pool defaults
	v.SetDefault("pool.min_pool_size", 2)
	v.SetDefault("pool.max_pool_size", 10)
	v.SetDefault("pool.checkout_timeout", "10s")
	v.SetDefault("pool.recycle_after_uses", 50)
	v.SetDefault("pool.recycle_on_error", true)
	v.SetDefault("pool.max_agent_age", "1h")
	v.SetDefault("pool.idle_timeout", "5m")
	v.SetDefault("pool.maintenance_interval", "30s")

	// Timeout tier defaults
	v.SetDefault("timeouts.tiers.0.timeout", "30m")
	v.SetDefault("timeouts.tiers.0.label", "root")
	v.SetDefault("timeouts.tiers.1.timeout", "20m")
	v.SetDefault("timeouts.tiers.1.label", "delegate")
	v.SetDefault("timeouts.tiers.2.timeout", "10m")
	v.SetDefault("timeouts.tiers.2.label", "sub-delegate")
	v.SetDefault("timeouts.tiers.3.timeout", "5m")
	v.SetDefault("timeouts.tiers.3.label", "leaf")
	v.SetDefault("timeouts.default.timeout", "5m")
	v.SetDefault("timeouts.default.label", "deep")
	v.SetDefault("timeouts.min_timeout", "30s")
	v.SetDefault("timeouts.buffer_ratio", 0.1)
	v.SetDefault("timeouts.buffer_min", "30s")
	v.SetDefault("timeouts.reduction_factor", 0.5)
	v.SetDefault("timeouts.grace.0.enabled", false)
	v.SetDefault("timeouts.default_grace.enabled", true)
	v.SetDefault("timeouts.default_grace.duration", "1m")
	v.SetDefault("timeouts.default_grace.partial_threshold", 0.8)

	// Agent defaults
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.max_tokens", 4096)
	v.SetDefault("agent.retry.max_attempts", 3)
	v.SetDefault("agent.retry.initial_backoff", "1s")
	v.SetDefault("agent.retry.max_backoff", "30s")

	// Optimization defaults
	v.SetDefault("optimizations.enable_caching", true)
	v.SetDefault("optimizations.enable_pooling", true)
}

// getUserConfigDir returns the XDG config directory for hivemind.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hivemind")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "hivemind")
	}
	return filepath.Join(home, ".config", "hivemind")
}

// findProjectConfig searches for .hivemind.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".hivemind.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
