package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditrelay/internal/config"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", "s3cret")
	t.Setenv("DB_HOST", "test-host")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
	assert.Equal(t, "s3cret", cfg.EncryptionSecret)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", "s3cret")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.DefaultFetchIntervalSeconds)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, time.Second, cfg.BaseBackoff())
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 10*time.Second, cfg.DeliveryTimeout())
	assert.Equal(t, config.QueueBackendPostgres, cfg.QueueBackend)
	assert.Equal(t, []string{"login"}, cfg.GoogleWorkspaceApplications)
}

func TestLoadConfig_WorkspaceApplications(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", "s3cret")
	t.Setenv("GOOGLE_WORKSPACE_APPLICATIONS", "login,admin,drive")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"login", "admin", "drive"}, cfg.GoogleWorkspaceApplications)
}

func TestLoadConfig_LeaseMustOutlastTimeouts(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", "s3cret")
	t.Setenv("LEASE_DURATION_SECONDS", "30")

	cfg, err := config.Load()
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, config.ErrInvalidValue)
	assert.Contains(t, err.Error(), "LEASE_DURATION_SECONDS")
}

func TestLoadConfig_MissingEncryptionSecret(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", "")

	cfg, err := config.Load()
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, config.ErrMissingRequired)
	assert.Contains(t, err.Error(), "ENCRYPTION_SECRET")
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	content := []byte("DB_HOST=loaded-from-file\nENCRYPTION_SECRET=from-file\n")
	err := os.WriteFile(".env", content, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Remove(".env")
		os.Unsetenv("DB_HOST")
		os.Unsetenv("ENCRYPTION_SECRET")
	})

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
	assert.Equal(t, "from-file", cfg.EncryptionSecret)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("ENCRYPTION_SECRET", "s3cret")
	t.Setenv("ENABLE_API", "false")
	t.Setenv("ENABLE_WORKER", "true")
	t.Setenv("WORKER_CONCURRENCY", "10")
	t.Setenv("MAX_RETRY_ATTEMPTS", "3")
	t.Setenv("BASE_BACKOFF_MS", "250")
	t.Setenv("DEFAULT_FETCH_INTERVAL_SECONDS", "60")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.False(t, cfg.EnableAPI)
	assert.True(t, cfg.EnableWorker)
	assert.Equal(t, 10, cfg.WorkerConcurrency)
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.BaseBackoff())
	assert.Equal(t, 60, cfg.DefaultFetchIntervalSeconds)
}
