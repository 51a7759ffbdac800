package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trellen/sqlmigra"
	"github.com/trellen/sqlmigra/internal/config"
	"github.com/trellen/sqlmigra/internal/watch"
)

var (
	configPath     string
	verbose        bool
	oldRoot        string
	newRoot        string
	migrationsDir  string
	actor          string
	excludeSchemas string
	snapshotRoot   string
	server         string
	database       string
	inputFile      string
)

var rootCmd = &cobra.Command{
	Use:   "sqlmigra",
	Short: "Generate SQL Server migration scripts from schema snapshots",
	Long: `sqlmigra compares two snapshots of a SQL Server schema and generates a
transactional migration script, split into reviewable per-object files
with a manifest describing their execution order.`,
	SilenceUsage: true,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a migration from two snapshot trees",
	RunE:  runGenerate,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write a schema dump into a per-object snapshot tree",
	RunE:  runSnapshot,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Regenerate the migration whenever the new snapshot tree changes",
	RunE:  runWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	for _, cmd := range []*cobra.Command{generateCmd, watchCmd} {
		cmd.Flags().StringVar(&oldRoot, "old", "", "Snapshot tree of the schema as last migrated")
		cmd.Flags().StringVar(&newRoot, "new", "", "Snapshot tree of the desired schema")
		cmd.Flags().StringVarP(&migrationsDir, "out", "o", "", "Migrations output directory")
		cmd.Flags().StringVar(&actor, "actor", "", "Actor recorded in the migration")
		cmd.Flags().StringVar(&excludeSchemas, "exclude-schemas", "", "Schemas to skip (comma-separated)")
	}

	snapshotCmd.Flags().StringVar(&snapshotRoot, "root", "", "Snapshot tree root")
	snapshotCmd.Flags().StringVar(&server, "server", "", "Server name used in snapshot paths")
	snapshotCmd.Flags().StringVar(&database, "database", "", "Database name used in snapshot paths")
	snapshotCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Schema dump file (default: stdin)")

	rootCmd.AddCommand(generateCmd, snapshotCmd, watchCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig merges the configuration file, defaults and flag overrides.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if migrationsDir != "" {
		cfg.MigrationsDir = migrationsDir
	}
	if actor != "" {
		cfg.Actor = actor
	}
	if server != "" {
		cfg.Server = server
	}
	if database != "" {
		cfg.Database = database
	}
	if snapshotRoot != "" {
		cfg.SnapshotRoot = snapshotRoot
	}
	if excludeSchemas != "" {
		cfg.ExcludeSchemas = nil
		for _, s := range strings.Split(excludeSchemas, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.ExcludeSchemas = append(cfg.ExcludeSchemas, s)
			}
		}
	}
	return cfg, nil
}

func generateOptions(logger *slog.Logger) (*sqlmigra.GenerateOptions, error) {
	if newRoot == "" {
		return nil, fmt.Errorf("--new is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &sqlmigra.GenerateOptions{
		OldRoot:        oldRoot,
		NewRoot:        newRoot,
		MigrationsDir:  cfg.MigrationsDir,
		Actor:          cfg.Actor,
		ExcludeSchemas: cfg.ExcludeSchemas,
		Logger:         logger,
	}, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	opts, err := generateOptions(logger)
	if err != nil {
		return err
	}
	result, err := sqlmigra.Generate(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if result.Changes == 0 {
		fmt.Println("no changes")
		return nil
	}
	fmt.Printf("generated %s (%d changes, %d segments)\n%s\n", result.MigrationID, result.Changes, result.Segments, result.Dir)
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server == "" || cfg.Database == "" {
		return fmt.Errorf("--server and --database are required")
	}

	var dump []byte
	if inputFile != "" {
		dump, err = os.ReadFile(inputFile)
	} else {
		dump, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read schema dump: %w", err)
	}

	report, err := sqlmigra.Snapshot(cmd.Context(), &sqlmigra.SnapshotOptions{
		Root:     cfg.SnapshotRoot,
		Server:   cfg.Server,
		Database: cfg.Database,
		Dump:     string(dump),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d files (%d statements, %d unrecognized)\n", len(report.Files), report.Batches, report.Batches-report.Recognized)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	opts, err := generateOptions(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("watching snapshot tree", "root", opts.NewRoot)
	w := watch.New(opts.NewRoot, logger)
	err = w.Run(ctx, func(ctx context.Context) error {
		result, genErr := sqlmigra.Generate(ctx, opts)
		if genErr != nil {
			return genErr
		}
		if result.Changes > 0 {
			logger.Info("regenerated", "id", result.MigrationID, "dir", result.Dir)
		}
		return nil
	})
	if err == context.Canceled {
		return nil
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
