package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `log_level: %s
encryption:
  secret: reload-secret
auth:
  jwt_secret: reload-jwt
`

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestNewConfigReloader(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	reloader, err := NewConfigReloader("", cfg, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()
	reloader.Stop() // idempotent

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\n"), 0644))

	reloader, err = NewConfigReloader(configPath, cfg, quietLogger())
	require.NoError(t, err)
	reloader.Stop()
}

func TestConfigReloader_FileWatching(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(sprintfYAML("info")), 0644))

	initial, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initial, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var calls int64
	seen := make(chan [2]string, 4)
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		atomic.AddInt64(&calls, 1)
		seen <- [2]string{old.LogLevel, new.LogLevel}
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(configPath, []byte(sprintfYAML("debug")), 0644))

	select {
	case levels := <-seen:
		assert.Equal(t, "info", levels[0])
		assert.Equal(t, "debug", levels[1])
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback was not invoked")
	}
	assert.Equal(t, "debug", reloader.GetCurrentConfig().LogLevel)
}

func TestConfigReloader_RejectsUnsafeChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(sprintfYAML("info")), 0644))

	initial, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initial, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	changed := `log_level: debug
encryption:
  secret: rotated-secret
auth:
  jwt_secret: reload-jwt
`
	require.NoError(t, os.WriteFile(configPath, []byte(changed), 0644))
	reloader.reload()

	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
	assert.Equal(t, "reload-secret", reloader.GetCurrentConfig().Encryption.Secret)
}

func TestValidateReloadSafety(t *testing.T) {
	reloader, err := NewConfigReloader("", &Config{}, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	tests := []struct {
		name     string
		old, new *Config
		errorMsg string
	}{
		{
			name: "log level change allowed",
			old:  &Config{LogLevel: "info"},
			new:  &Config{LogLevel: "debug"},
		},
		{
			name: "rate limit change allowed",
			old:  &Config{RateLimit: RateLimitConfig{Limit: 10}},
			new:  &Config{RateLimit: RateLimitConfig{Limit: 20}},
		},
		{
			name:     "secret change rejected",
			old:      &Config{Encryption: EncryptionConfig{Secret: "a"}},
			new:      &Config{Encryption: EncryptionConfig{Secret: "b"}},
			errorMsg: "encryption.secret cannot be changed",
		},
		{
			name:     "chunk size change rejected",
			old:      &Config{Encryption: EncryptionConfig{ChunkSize: 1024}},
			new:      &Config{Encryption: EncryptionConfig{ChunkSize: 2048}},
			errorMsg: "encryption.chunk_size cannot be changed",
		},
		{
			name:     "database change rejected",
			old:      &Config{Database: DatabaseConfig{Driver: "bolt"}},
			new:      &Config{Database: DatabaseConfig{Driver: "postgres"}},
			errorMsg: "database settings cannot be changed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reloader.validateReloadSafety(tt.old, tt.new)
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestGetCurrentConfig(t *testing.T) {
	reloader, err := NewConfigReloader("", &Config{LogLevel: "info"}, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	current := reloader.GetCurrentConfig()
	current.LogLevel = "debug"
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
}

func sprintfYAML(level string) string {
	return fmt.Sprintf(baseYAML, level)
}
