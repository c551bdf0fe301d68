package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"promobot/internal/logger"
	"promobot/internal/storage/ch"
	"promobot/internal/storage/pg"
)

// target is a database the migrations can be applied to
type target struct {
	name    string
	dialect goose.Dialect
	fsys    fs.FS
	dir     string
	open    func() (*sql.DB, error)
}

var targets = []target{
	{
		name:    "postgres",
		dialect: goose.DialectPostgres,
		fsys:    pg.Migrations(),
		dir:     "internal/storage/pg/migrations",
		open:    openPostgres,
	},
	{
		name:    "clickhouse",
		dialect: goose.DialectClickHouse,
		fsys:    ch.Migrations(),
		dir:     "internal/storage/ch/migrations",
		open:    openClickHouse,
	},
}

var log *zap.Logger

func main() {
	// Load .env file if it exists
	envErr := godotenv.Load()

	var err error
	log, err = logger.New(getEnv("LOG_LEVEL", "info"), "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck
	if envErr != nil {
		log.Warn(".env file not found, using existing environment variables")
	}

	rootCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply database migrations for the promo post bot",
		SilenceUsage: true,
	}
	for _, t := range targets {
		rootCmd.AddCommand(newTargetCmd(t))
	}

	if err := rootCmd.Execute(); err != nil {
		log.Error("Migration failed", zap.Error(err))
		os.Exit(1)
	}
}

func newTargetCmd(t target) *cobra.Command {
	cmd := &cobra.Command{
		Use:   t.name,
		Short: fmt.Sprintf("Manage %s migrations", t.name),
	}

	run := func(fn func(ctx context.Context, p *goose.Provider) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			db, err := t.open()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.PingContext(cmd.Context()); err != nil {
				return fmt.Errorf("failed to ping %s: %w", t.name, err)
			}
			log.Info("Connected", zap.String("target", t.name))

			provider, err := goose.NewProvider(t.dialect, db, t.fsys)
			if err != nil {
				return fmt.Errorf("failed to create migration provider: %w", err)
			}
			return fn(cmd.Context(), provider)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: run(func(ctx context.Context, p *goose.Provider) error {
				results, err := p.Up(ctx)
				for _, r := range results {
					log.Info("Applied migration", zap.String("source", r.Source.Path), zap.Duration("duration", r.Duration))
				}
				if err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				log.Info("Migrations completed successfully", zap.Int("applied", len(results)))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: run(func(ctx context.Context, p *goose.Provider) error {
				result, err := p.Down(ctx)
				if err != nil {
					return fmt.Errorf("failed to rollback migration: %w", err)
				}
				log.Info("Rollback completed successfully", zap.String("source", result.Source.Path))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the state of every migration",
			RunE: run(func(ctx context.Context, p *goose.Provider) error {
				statuses, err := p.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				for _, s := range statuses {
					fmt.Printf("%-10s %s\n", s.State, s.Source.Path)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: run(func(ctx context.Context, p *goose.Provider) error {
				version, err := p.GetDBVersion(ctx)
				if err != nil {
					return fmt.Errorf("failed to get version: %w", err)
				}
				fmt.Printf("Current migration version: %d\n", version)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "create <migration_name>",
			Short: "Create a new SQL migration file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := goose.Create(nil, t.dir, args[0], "sql"); err != nil {
					return fmt.Errorf("failed to create migration: %w", err)
				}
				log.Info("Created migration", zap.String("name", args[0]), zap.String("dir", t.dir))
				return nil
			},
		},
	)
	return cmd
}

func openPostgres() (*sql.DB, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return sql.Open("pgx", dsn)
}

func openClickHouse() (*sql.DB, error) {
	port, err := strconv.Atoi(getEnv("CLICKHOUSE_PORT", "9000"))
	if err != nil {
		return nil, fmt.Errorf("invalid CLICKHOUSE_PORT: %w", err)
	}
	return ch.OpenDB(
		getEnv("CLICKHOUSE_HOST", "localhost"),
		port,
		getEnv("CLICKHOUSE_DATABASE", "default"),
		getEnv("CLICKHOUSE_USER", "default"),
		os.Getenv("CLICKHOUSE_PASSWORD"),
		os.Getenv("CLICKHOUSE_USE_TLS") == "true",
	), nil
}

// getEnv retrieves environment variable or returns default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
