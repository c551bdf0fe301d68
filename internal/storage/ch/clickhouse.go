package ch

import (
	"context"
	"crypto/tls"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"promobot/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded ClickHouse migrations rooted at the migrations directory
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// ClickHouseJournal stores delivery attempts in ClickHouse
type ClickHouseJournal struct {
	conn clickhouse.Conn
}

func clientOptions(host string, port int, database, user, password string, useTLS bool) *clickhouse.Options {
	options := &clickhouse.Options{
		Addr:     []string{fmt.Sprintf("%s:%d", host, port)},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
	}

	if useTLS {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}
	return options
}

// OpenDB opens a database/sql handle for running migrations
func OpenDB(host string, port int, database, user, password string, useTLS bool) *sql.DB {
	return clickhouse.OpenDB(clientOptions(host, port, database, user, password, useTLS))
}

// NewClickHouseJournal creates a new ClickHouse connection
func NewClickHouseJournal(host string, port int, database, user, password string, useTLS bool) (*ClickHouseJournal, error) {
	options := clientOptions(host, port, database, user, password, useTLS)

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseJournal{conn: conn}, nil
}

// Initialize is a no-op - tables are managed via migrations (cmd/migrate clickhouse)
func (j *ClickHouseJournal) Initialize(ctx context.Context) error {
	return nil
}

// RecordAttempt inserts one delivery attempt
func (j *ClickHouseJournal) RecordAttempt(ctx context.Context, a models.DeliveryAttempt) error {
	id := uuid.New()
	if a.ID != "" {
		parsed, err := uuid.Parse(a.ID)
		if err != nil {
			return fmt.Errorf("invalid attempt id: %w", err)
		}
		id = parsed
	}

	err := j.conn.Exec(ctx, `
		INSERT INTO delivery_attempts (id, post_id, channel_id, chat_id, attempt, outcome, message_id, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, a.PostID, a.ChannelID, a.ChatID, uint16(a.Attempt), a.Outcome, a.MessageID, a.Reason, a.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

// ChannelStats counts delivered and terminally failed attempts per chat since the given time
func (j *ClickHouseJournal) ChannelStats(ctx context.Context, since time.Time) ([]models.ChannelStat, error) {
	rows, err := j.conn.Query(ctx, `
		SELECT
			chat_id,
			countIf(outcome = ?) AS delivered,
			countIf(outcome = ?) AS failed
		FROM delivery_attempts
		WHERE at >= ?
		GROUP BY chat_id
		ORDER BY chat_id`,
		models.OutcomeDelivered, models.OutcomeTerminal, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query channel stats: %w", err)
	}
	defer rows.Close()

	var stats []models.ChannelStat
	for rows.Next() {
		var chatID int64
		var delivered, failed uint64
		if err := rows.Scan(&chatID, &delivered, &failed); err != nil {
			return nil, fmt.Errorf("failed to scan channel stat: %w", err)
		}
		stats = append(stats, models.ChannelStat{
			ChatID:    chatID,
			Delivered: int(delivered),
			Failed:    int(failed),
		})
	}
	return stats, rows.Err()
}

// Close closes the database connection
func (j *ClickHouseJournal) Close() error {
	if j.conn != nil {
		return j.conn.Close()
	}
	return nil
}
