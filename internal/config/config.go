// File: internal/config/config.go
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	// Clip gets its marching orders from CLI flags, not the config file.
	Clip ClipConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	// Color turns on ANSI level colors in the console format.
	Color      bool   `mapstructure:"color" yaml:"color"`
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the browser environments.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// RemoteURL points at an already running DevTools endpoint (e.g. a browser
	// container). When empty a local browser process is launched per environment.
	RemoteURL       string       `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath        string       `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors bool         `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string     `mapstructure:"args" yaml:"args"`
	Window          WindowConfig `mapstructure:"window" yaml:"window"`
}

// WindowConfig is the fixed window size, shared with the recording resolution.
type WindowConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// RecordingConfig configures the screencast recording of each environment.
type RecordingConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Quality int    `mapstructure:"quality" yaml:"quality"`
	// EveryNthFrame throttles the screencast; 1 keeps every frame.
	EveryNthFrame int `mapstructure:"every_nth_frame" yaml:"every_nth_frame"`
}

// SessionConfig tunes the orchestration of a single site run.
type SessionConfig struct {
	WaitTimeout  time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	JitterMin    time.Duration `mapstructure:"jitter_min" yaml:"jitter_min"`
	JitterMax    time.Duration `mapstructure:"jitter_max" yaml:"jitter_max"`
	ExpiryMin    time.Duration `mapstructure:"expiry_min" yaml:"expiry_min"`
	ExpiryMax    time.Duration `mapstructure:"expiry_max" yaml:"expiry_max"`
	// AcquireMaxElapsed bounds the whole session acquisition retry loop.
	AcquireMaxElapsed time.Duration `mapstructure:"acquire_max_elapsed" yaml:"acquire_max_elapsed"`
	// AcquireAttemptTimeout bounds every single acquisition attempt.
	AcquireAttemptTimeout time.Duration `mapstructure:"acquire_attempt_timeout" yaml:"acquire_attempt_timeout"`
}

// StorageConfig describes the git repository holding the site records.
type StorageConfig struct {
	Repository  string        `mapstructure:"repository" yaml:"repository"`
	Token       string        `mapstructure:"token" yaml:"-"`
	Branch      string        `mapstructure:"branch" yaml:"branch"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	AuthorName  string        `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string        `mapstructure:"author_email" yaml:"author_email"`
	// KeyringService is the OS keyring service consulted when Token is empty.
	KeyringService string `mapstructure:"keyring_service" yaml:"keyring_service"`
}

// DatabaseConfig holds the optional run journal connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ClipConfig holds settings populated from CLI flags for a specific clip run.
type ClipConfig struct {
	Sites           []string
	IncludeDisabled bool
}

var (
	globalMu  sync.RWMutex
	globalCfg *Config
)

// Set installs the process-wide configuration.
func Set(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCfg = cfg
}

// Get returns the process-wide configuration, falling back to the defaults.
func Get() *Config {
	globalMu.RLock()
	cfg := globalCfg
	globalMu.RUnlock()
	if cfg == nil {
		return NewDefaultConfig()
	}
	return cfg
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "coupon-clipper")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.color", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.window.width", 1920)
	v.SetDefault("browser.window.height", 1080)

	// -- Recording --
	v.SetDefault("recording.enabled", true)
	v.SetDefault("recording.dir", ".recordings")
	v.SetDefault("recording.quality", 60)
	v.SetDefault("recording.every_nth_frame", 1)

	// -- Session --
	v.SetDefault("session.wait_timeout", "10s")
	v.SetDefault("session.poll_interval", "500ms")
	v.SetDefault("session.jitter_min", "1s")
	v.SetDefault("session.jitter_max", "5s")
	v.SetDefault("session.expiry_min", "24h")
	v.SetDefault("session.expiry_max", "336h")
	v.SetDefault("session.acquire_max_elapsed", "60s")
	v.SetDefault("session.acquire_attempt_timeout", "10s")

	// -- Storage --
	v.SetDefault("storage.branch", "main")
	v.SetDefault("storage.timeout", "15s")
	v.SetDefault("storage.author_name", "coupon-clipper")
	v.SetDefault("storage.author_email", "coupon-clipper@users.noreply.github.com")
	v.SetDefault("storage.keyring_service", "coupon-clipper")
}

// BindEnv wires the legacy environment variables of the data repository.
func BindEnv(v *viper.Viper) {
	_ = v.BindEnv("storage.repository", "CLIPPER_STORAGE_REPOSITORY", "DATA_REPOSITORY")
	_ = v.BindEnv("storage.token", "CLIPPER_STORAGE_TOKEN", "DATA_REPOSITORY_TOKEN")
	_ = v.BindEnv("storage.branch", "CLIPPER_STORAGE_BRANCH", "DATA_REPOSITORY_BRANCH")
	_ = v.BindEnv("database.url", "CLIPPER_DATABASE_URL")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	BindEnv(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// An empty DATA_REPOSITORY_BRANCH means the default branch.
	if cfg.Storage.Branch == "" {
		cfg.Storage.Branch = "main"
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Recording.Dir, &c.Logger.LogFile, &c.Browser.ExecPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("could not expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Browser.Window.Width <= 0 || c.Browser.Window.Height <= 0 {
		return fmt.Errorf("browser.window width and height must be positive integers")
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if c.Recording.Enabled {
		if c.Recording.Dir == "" {
			return fmt.Errorf("recording.dir is required when recording is enabled")
		}
		if c.Recording.Quality < 0 || c.Recording.Quality > 100 {
			return fmt.Errorf("recording.quality must be between 0 and 100")
		}
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("storage.timeout must be a positive duration")
	}
	return nil
}

// Validate checks the SessionConfig settings.
func (s *SessionConfig) Validate() error {
	if s.WaitTimeout <= 0 {
		return fmt.Errorf("wait_timeout must be a positive duration")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if s.JitterMin < 0 || s.JitterMax < s.JitterMin {
		return fmt.Errorf("jitter_min must be non-negative and not greater than jitter_max")
	}
	if s.ExpiryMin <= 0 || s.ExpiryMax < s.ExpiryMin {
		return fmt.Errorf("expiry_min must be positive and not greater than expiry_max")
	}
	if s.AcquireAttemptTimeout <= 0 || s.AcquireMaxElapsed < s.AcquireAttemptTimeout {
		return fmt.Errorf("acquire_attempt_timeout must be positive and not greater than acquire_max_elapsed")
	}
	return nil
}

// RequireStorage checks the fields needed to reach the data repository.
func (s *StorageConfig) RequireStorage() error {
	if s.Repository == "" {
		return fmt.Errorf("storage.repository is required. Ensure DATA_REPOSITORY is set")
	}
	if s.Branch == "" {
		return fmt.Errorf("storage.branch is required")
	}
	return nil
}
