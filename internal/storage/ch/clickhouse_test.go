package ch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clickhouseTC "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"promobot/internal/models"
)

// runMigrations manually creates the journal table
func runMigrations(ctx context.Context, j *ClickHouseJournal) error {
	_ = j.conn.Exec(ctx, "DROP TABLE IF EXISTS delivery_attempts")

	return j.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_attempts (
			id UUID,
			post_id Int64,
			channel_id Int64,
			chat_id Int64,
			attempt UInt16,
			outcome LowCardinality(String),
			message_id Int64,
			reason String,
			at DateTime64(3, 'UTC')
		) ENGINE = MergeTree()
		ORDER BY (chat_id, at)
	`)
}

// setupTestJournal creates a test ClickHouse instance using testcontainers
func setupTestJournal(t *testing.T) (*ClickHouseJournal, func()) {
	if testing.Short() {
		t.Skip("skipping ClickHouse integration test in short mode")
	}
	ctx := context.Background()

	clickhouseContainer, err := clickhouseTC.Run(ctx,
		"clickhouse/clickhouse-server:24.3.3.102-alpine",
		clickhouseTC.WithUsername("default"),
		clickhouseTC.WithPassword(""),
		clickhouseTC.WithDatabase("default"),
	)
	require.NoError(t, err, "Failed to start ClickHouse container")

	host, err := clickhouseContainer.Host(ctx)
	require.NoError(t, err)

	port, err := clickhouseContainer.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)

	j, err := NewClickHouseJournal(host, port.Int(), "default", "default", "", false)
	require.NoError(t, err, "Failed to connect to ClickHouse")

	err = runMigrations(ctx, j)
	require.NoError(t, err, "Failed to run migrations")

	cleanup := func() {
		j.Close()
		clickhouseContainer.Terminate(ctx)
	}

	return j, cleanup
}

// TestClickHouseJournal_ChannelStats tests attempt aggregation per chat
func TestClickHouseJournal_ChannelStats(t *testing.T) {
	j, cleanup := setupTestJournal(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	attempts := []models.DeliveryAttempt{
		{PostID: 1, ChannelID: 1, ChatID: -100, Attempt: 1, Outcome: models.OutcomeRetryable, Reason: "timeout", At: now},
		{PostID: 1, ChannelID: 1, ChatID: -100, Attempt: 2, Outcome: models.OutcomeDelivered, MessageID: 10, At: now},
		{PostID: 1, ChannelID: 2, ChatID: -200, Attempt: 1, Outcome: models.OutcomeTerminal, Reason: "chat not found", At: now},
		{PostID: 2, ChannelID: 2, ChatID: -200, Attempt: 1, Outcome: models.OutcomeDelivered, At: now.Add(-72 * time.Hour)},
	}
	for _, a := range attempts {
		require.NoError(t, j.RecordAttempt(ctx, a))
	}

	stats, err := j.ChannelStats(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []models.ChannelStat{
		{ChatID: -200, Delivered: 0, Failed: 1},
		{ChatID: -100, Delivered: 1, Failed: 0},
	}, stats)
}

// TestClickHouseJournal_RecordAttemptWithID tests that a caller supplied id is kept
func TestClickHouseJournal_RecordAttemptWithID(t *testing.T) {
	j, cleanup := setupTestJournal(t)
	defer cleanup()

	ctx := context.Background()
	id := uuid.New()

	err := j.RecordAttempt(ctx, models.DeliveryAttempt{
		ID: id.String(), PostID: 5, ChatID: -1, Attempt: 1, Outcome: models.OutcomeDelivered, At: time.Now(),
	})
	require.NoError(t, err)

	var stored uuid.UUID
	row := j.conn.QueryRow(ctx, `SELECT id FROM delivery_attempts WHERE post_id = 5`)
	require.NoError(t, row.Scan(&stored))
	assert.Equal(t, id, stored)

	err = j.RecordAttempt(ctx, models.DeliveryAttempt{ID: "not-a-uuid"})
	assert.Error(t, err)
}
