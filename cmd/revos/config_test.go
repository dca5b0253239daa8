package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the search paths at empty temp dirs so a developer's own
// revos.yaml cannot leak into the test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())
	return home
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "system", cfg.UserID)
	assert.Equal(t, "libsql", cfg.Store.Driver)
	assert.Equal(t, "file:"+filepath.Join(home, ".revos", "revos.db"), cfg.Store.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, "none", cfg.Idempotency.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Idempotency.TTL)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
}

func TestLoadConfig_File(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenant_id: acme
store:
  driver: memory
scheduler:
  enabled: true
  interval: 15s
idempotency:
  backend: memory
  ttl: 2m
derived_metrics:
  reply_rate: "replies / sent"
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.TenantID)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Scheduler.Workers, "unset fields keep defaults")
	assert.Equal(t, "memory", cfg.Idempotency.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Idempotency.TTL)
	assert.Equal(t, map[string]string{"reply_rate": "replies / sent"}, cfg.DerivedMetrics)
}

func TestLoadConfig_SearchPath(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".revos")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "revos.yaml"), []byte("tenant_id: from-home\n"), 0o600))

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "from-home", cfg.TenantID)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "revos.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenant_id: file\nlog:\n  level: warn\n"), 0o600))

	t.Setenv("REVOS_TENANT_ID", "env")
	t.Setenv("REVOS_STORE_DRIVER", "memory")
	t.Setenv("REVOS_SCHEDULER_WORKERS", "9")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "env", cfg.TenantID)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 9, cfg.Scheduler.Workers)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"REVOS_STORE_DRIVER": "mysql"}, "store.driver"},
		{"postgres without url", map[string]string{"REVOS_STORE_DRIVER": "postgres"}, "store.dsn"},
		{"unknown guard", map[string]string{"REVOS_IDEMPOTENCY_BACKEND": "etcd"}, "idempotency.backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
