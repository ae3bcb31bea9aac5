package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sregym.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaultsUnderUserOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://localhost/sregym"
problems:
  paths: ["problems.yaml"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/sregym", cfg.Database.DSN)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns, "unset field should fall back to default")
	assert.True(t, cfg.Metrics.Enabled, "unset bool default should survive merge")
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("SREGYM_TEST_DSN", "postgres://envhost/sregym")
	path := writeConfig(t, `
database:
  dsn: "${SREGYM_TEST_DSN}"
problems:
  paths: ["problems.yaml"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://envhost/sregym", cfg.Database.DSN)
}

func TestLoad_RejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
problems:
  paths: ["problems.yaml"]
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_RequiresAtLeastOneProblemPath(t *testing.T) {
	cfg := defaultConfig()
	cfg.Database.DSN = "postgres://localhost/sregym"
	err := Validate(cfg)
	require.Error(t, err)
}
