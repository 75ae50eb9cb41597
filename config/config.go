// Package config loads the companion's settings: defaults, then an optional
// YAML file, then ILOADER_* environment variables. Command-line flags are
// applied last by the binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-simpler.org/env"
	"gopkg.in/yaml.v3"

	"github.com/kakik0u/iloader/pkg/resilience"
)

// Config is the top-level configuration.
type Config struct {
	// ListenAddr is where the UI WebSocket and health endpoint are served.
	ListenAddr string `yaml:"listen_addr" env:"ILOADER_LISTEN_ADDR"`

	// DataDir holds the keyring and the anisette state.
	DataDir string `yaml:"data_dir" env:"ILOADER_DATA_DIR"`

	// DownloadDir receives companion app builds.
	DownloadDir string `yaml:"download_dir" env:"ILOADER_DOWNLOAD_DIR"`

	// HelperPath is the signing helper binary.
	HelperPath string `yaml:"helper_path" env:"ILOADER_HELPER"`

	// AnisetteServer is the host name of the provisioning server used
	// when a login request does not name one.
	AnisetteServer string `yaml:"anisette_server" env:"ILOADER_ANISETTE_SERVER"`

	LogLevel  string `yaml:"log_level" env:"ILOADER_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"ILOADER_LOG_FORMAT"`

	// AllowedOrigins are Origin host patterns accepted on the WebSocket.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ILOADER_ALLOWED_ORIGINS"`

	ChallengeTimeout time.Duration `yaml:"challenge_timeout" env:"ILOADER_CHALLENGE_TIMEOUT"`

	DownloadRetries int           `yaml:"download_retries" env:"ILOADER_DOWNLOAD_RETRIES"`
	DownloadBackoff time.Duration `yaml:"download_backoff" env:"ILOADER_DOWNLOAD_BACKOFF"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := filepath.Join(os.TempDir(), "iloader")
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "iloader")
	}
	return &Config{
		ListenAddr:       "127.0.0.1:8715",
		DataDir:          dataDir,
		DownloadDir:      filepath.Join(os.TempDir(), "iloader"),
		HelperPath:       "iloader-helper",
		AnisetteServer:   "ani.sidestore.io",
		LogLevel:         "info",
		LogFormat:        "text",
		AllowedOrigins:   []string{"localhost:*", "127.0.0.1:*", "tauri.localhost"},
		ChallengeTimeout: 120 * time.Second,
		DownloadRetries:  resilience.DefaultRetryConfig().MaxRetries,
		DownloadBackoff:  resilience.DefaultRetryConfig().InitialBackoff,
	}
}

// Load reads path over the defaults and applies the environment. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := env.Load(cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.HelperPath == "" {
		return errors.New("helper_path is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q (supported: debug, info, warn, error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (supported: text, json)", c.LogFormat)
	}
	if c.ChallengeTimeout <= 0 {
		return fmt.Errorf("challenge_timeout must be positive, got %s", c.ChallengeTimeout)
	}
	if c.DownloadRetries < 0 {
		return fmt.Errorf("download_retries must not be negative, got %d", c.DownloadRetries)
	}
	return nil
}

// KeyringDir is where saved credentials live.
func (c *Config) KeyringDir() string {
	return filepath.Join(c.DataDir, "keyring")
}

// AnisetteDir is the provisioning state directory handed to the helper.
func (c *Config) AnisetteDir() string {
	return filepath.Join(c.DataDir, "anisette")
}

// DownloadRetry returns the retry policy for artifact downloads.
func (c *Config) DownloadRetry() resilience.RetryConfig {
	r := resilience.DefaultRetryConfig()
	r.MaxRetries = c.DownloadRetries
	if c.DownloadBackoff > 0 {
		r.InitialBackoff = c.DownloadBackoff
	}
	return r
}
