package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sqlmigra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server: sql01
database: shop
actor: deployer
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sql01", cfg.Server)
	assert.Equal(t, "shop", cfg.Database)
	assert.Equal(t, ".", cfg.SnapshotRoot)
	assert.Equal(t, "z_migrations", cfg.MigrationsDir)
	assert.Equal(t, "deployer", cfg.Actor)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
database: shop
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Server")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestExcluded(t *testing.T) {
	cfg := Config{ExcludeSchemas: []string{"audit", "staging"}}
	assert.True(t, cfg.Excluded("audit"))
	assert.False(t, cfg.Excluded("dbo"))
}
