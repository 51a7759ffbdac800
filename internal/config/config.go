// Package config loads and validates the tool configuration.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level tool configuration.
type Config struct {
	// Server is the logical server name used in snapshot paths.
	Server string `yaml:"server" validate:"required"`

	// Database is the database name used in snapshot paths.
	Database string `yaml:"database" validate:"required"`

	// SnapshotRoot is the directory holding the per-object snapshot tree.
	SnapshotRoot string `yaml:"snapshotRoot" validate:"required"`

	// MigrationsDir is where generated migration directories are published.
	MigrationsDir string `yaml:"migrationsDir" validate:"required"`

	// Actor is recorded in migration headers and history inserts.
	Actor string `yaml:"actor" validate:"required"`

	// ExcludeSchemas lists schema names to skip when diffing snapshots.
	ExcludeSchemas []string `yaml:"excludeSchemas,omitempty"`
}

// Default returns a configuration with the standard defaults applied.
// The actor falls back to the current OS user.
func Default() Config {
	actor := os.Getenv("USER")
	if actor == "" {
		actor = "unknown"
	}
	return Config{
		SnapshotRoot:  ".",
		MigrationsDir: "z_migrations",
		Actor:         actor,
	}
}

// Load reads a YAML configuration file, fills in defaults for omitted
// fields and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that all required fields are set.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}

// Excluded reports whether a schema name is configured to be skipped.
func (c Config) Excluded(schema string) bool {
	for _, s := range c.ExcludeSchemas {
		if s == schema {
			return true
		}
	}
	return false
}
