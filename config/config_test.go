package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 120*time.Second, cfg.ChallengeTimeout)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr: 127.0.0.1:9000
data_dir: /var/lib/iloader
helper_path: /usr/libexec/iloader-helper
log_format: json
allowed_origins: ["app.local"]
challenge_timeout: 30s
download_retries: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/iloader/keyring", cfg.KeyringDir())
	assert.Equal(t, "/usr/libexec/iloader-helper", cfg.HelperPath)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"app.local"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.ChallengeTimeout)
	assert.Equal(t, 5, cfg.DownloadRetry().MaxRetries)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "log_level: warn\nanisette_server: file.example.com\n")
	t.Setenv("ILOADER_LOG_LEVEL", "debug")
	t.Setenv("ILOADER_ALLOWED_ORIGINS", "a.local,b.local")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "file.example.com", cfg.AnisetteServer)
	assert.Equal(t, []string{"a.local", "b.local"}, cfg.AllowedOrigins)
}

func TestBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "listen_addr: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no listen addr", func(c *Config) { c.ListenAddr = "" }, "listen_addr is required"},
		{"no helper", func(c *Config) { c.HelperPath = "" }, "helper_path is required"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log_level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "unknown log_format"},
		{"zero timeout", func(c *Config) { c.ChallengeTimeout = 0 }, "challenge_timeout must be positive"},
		{"negative retries", func(c *Config) { c.DownloadRetries = -1 }, "download_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
