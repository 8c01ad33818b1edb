package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Database.Provider)
	require.Equal(t, 8, cfg.Executor.Workers)
	require.Equal(t, 3, cfg.Executor.MaxRetries)
	require.Equal(t, 60, cfg.Executor.DefaultRatePerMinute)
	require.Equal(t, 10, cfg.Executor.StaleAfterMinutes)
	require.Equal(t, "memory", cfg.Archive.Provider)
	require.Equal(t, "memory", cfg.Publisher.Provider)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("COLLECTOR_SERVER_PORT", "9090")
	t.Setenv("COLLECTOR_EXECUTOR_WORKERS", "16")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 16, cfg.Executor.Workers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Executor.Workers = 0 }},
		{"negative retries", func(c *Config) { c.Executor.MaxRetries = -1 }},
		{"postgres without dsn", func(c *Config) { c.Database.Provider = "postgres"; c.Database.DSN = "" }},
		{"gcs without bucket", func(c *Config) { c.Archive.Provider = "gcs"; c.Archive.GCSBucket = "" }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
