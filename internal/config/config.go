// File: internal/config/config.go
package config

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Detect  DetectConfig  `mapstructure:"detect" yaml:"detect"`
}

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for console log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig tunes the Chrome pool.
type BrowserConfig struct {
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	Args     []string `mapstructure:"args" yaml:"args"`
	// PoolSize is the number of eagerly launched browser instances.
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
	// NavigationTimeout bounds every blocking page operation: navigation,
	// login submission, in-page mutation, screenshot capture.
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// MaxLeaseIdle is the threshold used by the lease reaper; leases older
	// than this are force-released.
	MaxLeaseIdle time.Duration `mapstructure:"max_lease_idle" yaml:"max_lease_idle"`
	// ReapInterval controls how often the background reaper runs. Zero
	// disables the background loop (ReapIdle can still be called directly).
	ReapInterval time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	ViewportW    int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportH    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
}

// SessionConfig configures the encrypted session store.
type SessionConfig struct {
	// Dir is the persistence root; defaults to ~/.sitewright/sessions.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// TTL is the fixed expiry window applied at write time.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// Key is the base64-encoded 32-byte AES key supplied by the secrets
	// provider. Rotating it orphans existing records, which then fail to
	// decrypt and are purged on next access.
	Key string `mapstructure:"key" yaml:"key"`
}

// DecodeKey decodes and validates the configured session key.
func (s SessionConfig) DecodeKey() ([]byte, error) {
	if s.Key == "" {
		return nil, fmt.Errorf("session.key is not set (expected base64-encoded 32 bytes)")
	}
	key, err := base64.StdEncoding.DecodeString(s.Key)
	if err != nil {
		return nil, fmt.Errorf("session.key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("session.key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// LLMConfig configures the AI classification collaborator.
type LLMConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	Model  string `mapstructure:"model" yaml:"model"`
	// Timeout is independent from browser operation timeouts.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RequestsPerMinute rate-limits outbound classification calls.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	// Enabled gates the AI path entirely; the deterministic fallback
	// detector is used when false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DetectConfig tunes section detection.
type DetectConfig struct {
	// MaxMarkupChars bounds the rendered markup sent to the LLM.
	MaxMarkupChars int `mapstructure:"max_markup_chars" yaml:"max_markup_chars"`
	// MinSections / MaxSections constrain the LLM proposal count.
	MinSections int `mapstructure:"min_sections" yaml:"min_sections"`
	MaxSections int `mapstructure:"max_sections" yaml:"max_sections"`
}

// SetDefaults registers every default value on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "sitewright")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.pool_size", 2)
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.max_lease_idle", 10*time.Minute)
	v.SetDefault("browser.reap_interval", time.Minute)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)

	v.SetDefault("session.ttl", 24*time.Hour)

	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.timeout", 20*time.Second)
	v.SetDefault("llm.requests_per_minute", 30)

	v.SetDefault("detect.max_markup_chars", 15000)
	v.SetDefault("detect.min_sections", 3)
	v.SetDefault("detect.max_sections", 8)
}

// Load reads configuration from the given file (or ./config.yaml when empty),
// overlays SITEWRIGHT_* environment variables, and validates the result.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SITEWRIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyDerivedDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDerivedDefaults() error {
	if c.Session.Dir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory for session dir: %w", err)
		}
		c.Session.Dir = filepath.Join(home, ".sitewright", "sessions")
	}
	return nil
}

// Validate rejects configurations the subsystems cannot operate under.
func (c *Config) Validate() error {
	if c.Browser.PoolSize < 1 {
		return fmt.Errorf("browser.pool_size must be >= 1, got %d", c.Browser.PoolSize)
	}
	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be positive")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Detect.MinSections < 1 || c.Detect.MaxSections < c.Detect.MinSections {
		return fmt.Errorf("detect section bounds invalid: min=%d max=%d", c.Detect.MinSections, c.Detect.MaxSections)
	}
	return nil
}
