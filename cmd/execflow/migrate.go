package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/execflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles `execflow migrate <action> [flags] [arg]`.
func runMigrate(args []string, stdout io.Writer) error {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage(stdout)
		return nil
	}
	action := args[0]

	fs := flag.NewFlagSet("migrate "+action, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	migrator, logger, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer logger.Sync()
	defer migrator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(stdout)
	return cli.Run(ctx, append([]string{action}, fs.Args()...))
}

// createMigrator uses --db-type/--db-url when both are given and the
// configured SQL store otherwise.
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, *zap.Logger, error) {
	if dbType != "" && dbURL != "" {
		logger := zap.NewNop()
		m, err := migration.NewMigratorFromURL(dbType, dbURL, logger)
		return m, logger, err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	logger := initLogger(cfg.Log)

	m, err := migration.NewMigratorFromConfig(cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return m, logger, nil
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  execflow migrate <action> [options] [argument]

Actions:
  up               Apply all pending migrations
  down             Rollback the last migration
  steps <n>        Apply (n > 0) or roll back (n < 0) n migrations
  goto <version>   Migrate to a specific version
  force <version>  Force set migration version (use with caution)
  version          Show current migration version
  status           Show migration status
  info             Show migration summary
  reset            Rollback all migrations

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  execflow migrate up
  execflow migrate up --config /etc/execflow/config.yaml
  execflow migrate status --db-type sqlite --db-url "file:/var/lib/execflow/records.db?mode=rwc"
  execflow migrate goto 1
  execflow migrate force 0`)
}
