// Package sqlmigra turns two snapshots of a SQL Server schema into a
// reviewable, transactional migration script.
//
// A snapshot is a file tree with one DDL file per database object,
// produced from a schema dump:
//
//	servers/<server>/<database>/schemas/<schema>/Tables/<table>/TBL_<table>.sql
//	servers/<server>/<database>/schemas/<schema>/Views/<view>.sql
//	...
//
// Comparing two snapshot trees yields object-level schema changes.
// Renames are detected from matching added/deleted pairs, changes are
// ordered into phases (renames, drops, modifications, creations) and
// rendered into a single script guarded against double application.
// The script is then split into per-object segment files published
// atomically with a manifest describing their execution order.
//
// # Quick Start
//
// The typical flow is Snapshot to capture the current schema, then
// Generate to produce a migration from the previous snapshot to the
// new one:
//
//	report, err := sqlmigra.Snapshot(ctx, &sqlmigra.SnapshotOptions{
//		Root:     "snapshots/current",
//		Server:   "sql01",
//		Database: "shop",
//		Dump:     dumpText,
//	})
//
//	result, err := sqlmigra.Generate(ctx, &sqlmigra.GenerateOptions{
//		OldRoot:       "snapshots/previous",
//		NewRoot:       "snapshots/current",
//		MigrationsDir: "z_migrations",
//		Actor:         "deployer",
//	})
//
// Generate writes a directory named after the migration identifier
// under MigrationsDir and returns where it was published.
package sqlmigra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trellen/sqlmigra/internal/change"
	"github.com/trellen/sqlmigra/internal/config"
	"github.com/trellen/sqlmigra/internal/diff"
	"github.com/trellen/sqlmigra/internal/migrate"
	"github.com/trellen/sqlmigra/internal/rename"
	"github.com/trellen/sqlmigra/internal/snapshot"
	"github.com/trellen/sqlmigra/internal/split"
)

// SnapshotOptions configures writing a schema dump into a snapshot tree.
type SnapshotOptions struct {
	// Root is the snapshot tree root; the servers/ hierarchy is created
	// beneath it.
	Root string

	// Server and Database name the snapshot location within the tree.
	Server   string
	Database string

	// Dump is the full schema dump text, statements separated by GO.
	Dump string

	// Logger receives warnings about unclassifiable statements.
	// Defaults to slog.Default.
	Logger *slog.Logger
}

// SnapshotReport summarizes a snapshot write.
type SnapshotReport = snapshot.Report

// Snapshot classifies every statement of a schema dump and writes it
// into the per-object snapshot tree.
//
// Statements that cannot be classified are collected into an
// _unrecognized.sql file and logged; they never disappear silently.
// Returns an error when the classification counts do not reconcile
// with the batch count.
func Snapshot(ctx context.Context, opts *SnapshotOptions) (*SnapshotReport, error) {
	if opts == nil {
		return nil, fmt.Errorf("snapshot: options are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := snapshot.NewWriter(opts.Root, opts.Server, opts.Database, logger)
	return w.WriteSchema(opts.Dump)
}

// GenerateOptions configures migration generation.
//
// OldRoot and NewRoot are snapshot tree roots. A missing OldRoot is
// treated as an empty schema, so the first migration creates
// everything.
type GenerateOptions struct {
	// OldRoot is the snapshot tree of the schema as last migrated.
	OldRoot string

	// NewRoot is the snapshot tree of the desired schema.
	NewRoot string

	// MigrationsDir is where the migration directory is published.
	MigrationsDir string

	// Actor is recorded in the script header and the history insert.
	Actor string

	// ExcludeSchemas lists schema names whose changes are dropped
	// before the script is built.
	ExcludeSchemas []string

	// Logger receives progress and classification warnings.
	// Defaults to slog.Default.
	Logger *slog.Logger

	// Now overrides the clock used for the migration identifier.
	// Defaults to time.Now.
	Now func() time.Time
}

// GenerateResult describes a published migration.
type GenerateResult struct {
	// MigrationID is the deterministic identifier, e.g.
	// 20260828120000_2a1m0d.
	MigrationID string

	// Checksum is the sha256 over the migration's DDL statements.
	Checksum string

	// Dir is the published migration directory.
	Dir string

	// Script is the full rendered migration script.
	Script string

	// Changes is the number of object-level changes after rename
	// detection and schema exclusion.
	Changes int

	// Segments is the number of per-object files written.
	Segments int
}

// Generate diffs two snapshot trees and publishes a migration.
//
// The pipeline is: file diff, object-level change extraction, rename
// detection, phase-ordered script construction, per-object splitting,
// atomic publish. When the trees are identical no migration is written
// and the result has zero changes.
//
// Returns an error if:
//   - a changed file or statement cannot be attributed to an object
//   - a table recreation is required but no table definition is known
//   - the migration directory cannot be written
func Generate(ctx context.Context, opts *GenerateOptions) (*GenerateResult, error) {
	if opts == nil {
		return nil, fmt.Errorf("generate: options are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	source := &diff.TreeSource{OldRoot: opts.OldRoot, NewRoot: opts.NewRoot}
	entries, err := source.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("diff snapshots: %w", err)
	}

	changes, err := change.Extract(entries, logger)
	if err != nil {
		return nil, fmt.Errorf("extract changes: %w", err)
	}
	changes = excludeSchemas(changes, config.Config{ExcludeSchemas: opts.ExcludeSchemas})
	changes = rename.Detect(changes)

	if len(changes) == 0 {
		logger.Info("schemas are identical, no migration generated")
		return &GenerateResult{}, nil
	}

	builder := migrate.NewBuilder(opts.Actor)
	builder.Dependents = func(schema, table string) ([]string, error) {
		return snapshot.DependentForeignKeys(opts.NewRoot, schema, table)
	}
	if opts.Now != nil {
		builder.Now = opts.Now
	}
	script, err := builder.Build(changes)
	if err != nil {
		return nil, fmt.Errorf("build migration: %w", err)
	}
	rendered := script.Render()

	res, err := split.Split(rendered)
	if err != nil {
		return nil, fmt.Errorf("split migration: %w", err)
	}
	dir, err := res.Write(opts.MigrationsDir)
	if err != nil {
		return nil, err
	}

	logger.Info("migration generated",
		"id", script.ID,
		"changes", len(changes),
		"segments", len(res.Segments),
		"dir", dir)

	return &GenerateResult{
		MigrationID: script.ID,
		Checksum:    script.Checksum,
		Dir:         dir,
		Script:      rendered,
		Changes:     len(changes),
		Segments:    len(res.Segments),
	}, nil
}

func excludeSchemas(changes []change.SchemaChange, cfg config.Config) []change.SchemaChange {
	if len(cfg.ExcludeSchemas) == 0 {
		return changes
	}
	var out []change.SchemaChange
	for _, c := range changes {
		if !cfg.Excluded(c.Schema) {
			out = append(out, c)
		}
	}
	return out
}
