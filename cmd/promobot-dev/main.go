package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	clickhouseTC "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	postgresTC "github.com/testcontainers/testcontainers-go/modules/postgres"
	redisTC "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"promobot/internal/app"
	"promobot/internal/logger"
	"promobot/internal/storage/ch"
)

const clickhousePassword = "devpassword"

func main() {
	log, err := logger.New("info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(context.Background(), log); err != nil {
		log.Error("Dev environment failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, log *zap.Logger) error {
	log.Info("Starting PostgreSQL testcontainer...")
	postgresContainer, err := postgresTC.Run(ctx,
		"postgres:16-alpine",
		postgresTC.WithDatabase("promobot"),
		postgresTC.WithUsername("promobot"),
		postgresTC.WithPassword("promobot"),
		postgresTC.BasicWaitStrategies(),
	)
	defer terminate(log, "PostgreSQL", postgresContainer)
	if err != nil {
		return fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}
	dsn, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}

	log.Info("Starting ClickHouse testcontainer...")
	clickhouseContainer, err := clickhouseTC.Run(ctx,
		"clickhouse/clickhouse-server:latest",
		clickhouseTC.WithUsername("default"),
		clickhouseTC.WithPassword(clickhousePassword),
		clickhouseTC.WithDatabase("default"),
	)
	defer terminate(log, "ClickHouse", clickhouseContainer)
	if err != nil {
		return fmt.Errorf("failed to start ClickHouse container: %w", err)
	}
	chHost, err := clickhouseContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse host: %w", err)
	}
	chPort, err := clickhouseContainer.MappedPort(ctx, "9000/tcp")
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse port: %w", err)
	}
	if err := migrateClickHouse(ctx, chHost, chPort.Int()); err != nil {
		return err
	}

	log.Info("Starting Redis testcontainer...")
	redisContainer, err := redisTC.Run(ctx, "redis:7-alpine")
	defer terminate(log, "Redis", redisContainer)
	if err != nil {
		return fmt.Errorf("failed to start Redis container: %w", err)
	}
	redisAddr, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to get Redis endpoint: %w", err)
	}

	log.Info("Containers started",
		zap.String("clickhouse", fmt.Sprintf("%s:%s", chHost, chPort.Port())),
		zap.String("redis", redisAddr),
	)

	// Set environment variables for the application
	env := map[string]string{
		"USE_MOCK_DB":         "false",
		"DATABASE_URL":        dsn,
		"CLICKHOUSE_HOST":     chHost,
		"CLICKHOUSE_PORT":     chPort.Port(),
		"CLICKHOUSE_DATABASE": "default",
		"CLICKHOUSE_USER":     "default",
		"CLICKHOUSE_PASSWORD": clickhousePassword,
		"CLICKHOUSE_USE_TLS":  "false",
		"REDIS_ADDR":          redisAddr,
		"WEBHOOK_MODE":        "false",
		"LOG_FORMAT":          "console",
	}
	for key, value := range env {
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}

	// Set PORT for HTTP server if not already set
	if os.Getenv("PORT") == "" {
		_ = os.Setenv("PORT", "8080")
	}

	if os.Getenv("TELEGRAM_BOT_TOKEN") == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set. Please set it in your .env file or environment. The bot will fail to start without a valid token.")
	}
	if os.Getenv("ADMIN_USER_IDS") == "" {
		log.Warn("ADMIN_USER_IDS not set. Nobody will be able to issue registration codes.")
	}

	log.Info("Starting application with PostgreSQL, ClickHouse and Redis backends...")

	application, err := app.New()
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return application.Run()
}

func migrateClickHouse(ctx context.Context, host string, port int) error {
	db := ch.OpenDB(host, port, "default", "default", clickhousePassword, false)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectClickHouse, db, ch.Migrations())
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to migrate ClickHouse: %w", err)
	}
	return nil
}

func terminate(log *zap.Logger, name string, container testcontainers.Container) {
	log.Info("Stopping container", zap.String("container", name))
	if err := testcontainers.TerminateContainer(container); err != nil {
		log.Warn("Failed to terminate container", zap.String("container", name), zap.Error(err))
	}
}
