package sqlflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Dialect)
	assert.Equal(t, 10000, cfg.Execution.BulkThreshold)
	assert.Equal(t, 1000, cfg.Execution.BatchSize)
	assert.True(t, cfg.Execution.FailFast)
	assert.Equal(t, "fail", cfg.Execution.SubstitutionMode)
	assert.Equal(t, 1024, cfg.Watermark.CacheSize)
}

func TestLoadConfig_ParsesAndAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	body := `
dialect: postgres
engine_dsn: "postgres://localhost/db"
connectors:
  warehouse:
    type: postgres
    params:
      host: localhost
resilience:
  warehouse:
    retry_attempts: 3
execution:
  bulk_threshold: 5000
`
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Dialect)
	assert.Equal(t, 5000, cfg.Execution.BulkThreshold)
	// BatchSize wasn't set in the file, so applyDefaults fills it in.
	assert.Equal(t, 1000, cfg.Execution.BatchSize)
	assert.Equal(t, "postgres", cfg.Connectors["warehouse"].Type)
	assert.Equal(t, 3, cfg.Resilience["warehouse"].RetryAttempts)
}

func TestLoadConfig_RejectsUnknownDialect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("dialect: oracle\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_RejectsConnectorWithoutType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	body := `
connectors:
  warehouse:
    params: {}
`
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_RejectsNegativeResilienceValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	body := `
resilience:
  warehouse:
    retry_attempts: -1
`
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_ExpandsEnvVarsInConnectorParams(t *testing.T) {
	t.Setenv("SQLFLOW_TEST_HOST", "db.internal")

	path := filepath.Join(t.TempDir(), "profile.yaml")
	body := `
engine_dsn: "file:${SQLFLOW_TEST_HOST}.db"
connectors:
  warehouse:
    type: postgres
    params:
      host: "${SQLFLOW_TEST_HOST}"
`
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "file:db.internal.db", cfg.EngineDSN)
	assert.Equal(t, "db.internal", cfg.Connectors["warehouse"].Params["host"])
}

func TestSnapshot_ColumnByNameCaseInsensitive(t *testing.T) {
	snap := Snapshot{Table: "t", Columns: []Column{{Name: "ID", Type: "int"}}}

	col, ok := snap.ColumnByName("id")
	assert.True(t, ok)
	assert.Equal(t, "ID", col.Name)

	_, ok = snap.ColumnByName("missing")
	assert.False(t, ok)
}
