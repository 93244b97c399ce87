package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "JWT_SECRET", testSecret)
	setEnv(t, "PORT", "9090")
	setEnv(t, "SWEEP_INTERVAL", "15m")
	setEnv(t, "CORS_ORIGINS", "https://app.ekklesia.app,https://admin.ekklesia.app")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.Equal(t, []string{"https://app.ekklesia.app", "https://admin.ekklesia.app"}, cfg.CORSOrigins)
	assert.Equal(t, 2, cfg.NotifyWorkers)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoad_InvalidDuration(t *testing.T) {
	setEnv(t, "JWT_SECRET", testSecret)
	setEnv(t, "SWEEP_INTERVAL", "every hour")

	_, err := Load()
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			JWTSecret:     testSecret,
			Env:           "development",
			SweepInterval: time.Hour,
			NotifyWorkers: 1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "at least"},
		{"production without database", func(c *Config) { c.Env = "production" }, "DATABASE_URL"},
		{"production with database", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://localhost/ekklesia"
		}, ""},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, "SWEEP_INTERVAL"},
		{"no workers", func(c *Config) { c.NotifyWorkers = 0 }, "NOTIFY_WORKERS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EmailEnabled(t *testing.T) {
	cfg := Config{PostmarkServerToken: "srv"}
	assert.False(t, cfg.EmailEnabled())

	cfg.PostmarkAccountToken = "acct"
	assert.True(t, cfg.EmailEnabled())
}
