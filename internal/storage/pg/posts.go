package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"promobot/internal/errs"
	"promobot/internal/models"
)

const postColumns = `id, author_id, text, image_file_id, app_id, buttons, caption_above, use_default_buttons,
	scheduled_at, status, message_id, failure_reason, created_at, updated_at`

func scanPost(row pgx.Row) (*models.Post, error) {
	var p models.Post
	var buttons []byte
	var status string
	err := row.Scan(&p.ID, &p.AuthorID, &p.Text, &p.ImageFileID, &p.AppID, &buttons, &p.CaptionAbove,
		&p.UseDefaultButtons, &p.ScheduledAt, &status, &p.MessageID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = models.PostStatus(status)
	if len(buttons) > 0 {
		if err := json.Unmarshal(buttons, &p.Buttons); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// CreatePost persists the post and links it to channels in the given order
func (db *PostgresDB) CreatePost(ctx context.Context, post *models.Post, channelIDs []int64) error {
	buttons := post.Buttons
	if buttons == nil {
		buttons = []models.Button{}
	}
	buttonsJSON, err := json.Marshal(buttons)
	if err != nil {
		return errs.NewInternalError("marshal buttons", err)
	}
	if post.Status == "" {
		post.Status = models.PostStatusQueued
	}

	return db.inTx(ctx, "create post", func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO posts (author_id, text, image_file_id, app_id, buttons, caption_above,
				use_default_buttons, scheduled_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, created_at, updated_at`,
			post.AuthorID, post.Text, post.ImageFileID, post.AppID, buttonsJSON, post.CaptionAbove,
			post.UseDefaultButtons, post.ScheduledAt, string(post.Status),
		).Scan(&post.ID, &post.CreatedAt, &post.UpdatedAt)
		if err != nil {
			return wrap("create post", err, nil)
		}

		rows := make([][]any, len(channelIDs))
		for i, id := range channelIDs {
			rows[i] = []any{post.ID, id, i}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"posts_channels"},
			[]string{"post_id", "channel_id", "position"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			if errs.IsNotFound(wrap("link channels", err, nil)) {
				return errs.ErrChannelNotFound
			}
			return wrap("link channels", err, nil)
		}

		if post.Status == models.PostStatusScheduled && post.ScheduledAt != nil {
			_, err = tx.Exec(ctx,
				`INSERT INTO scheduled_deliveries (post_id, run_at) VALUES ($1, $2)`, post.ID, *post.ScheduledAt)
			if err != nil {
				return wrap("schedule post", err, nil)
			}
		}
		return nil
	})
}

// GetPost returns a post by id
func (db *PostgresDB) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	p, err := scanPost(db.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err != nil {
		return nil, wrap("get post", err, errs.ErrPostNotFound)
	}
	return p, nil
}

// ListPosts returns the newest posts first
func (db *PostgresDB) ListPosts(ctx context.Context, authorID *int64, limit int) ([]models.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE $1::BIGINT IS NULL OR author_id = $1
		ORDER BY id DESC
		LIMIT $2`, authorID, limit)
	if err != nil {
		return nil, wrap("list posts", err, nil)
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, wrap("scan post", err, nil)
		}
		posts = append(posts, *p)
	}
	return posts, wrap("list posts", rows.Err(), nil)
}

// GetPostChannels returns the post's channels in author order
func (db *PostgresDB) GetPostChannels(ctx context.Context, postID int64) ([]models.Channel, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT c.id, c.chat_id, c.channel_type, c.title
		FROM posts_channels pc
		JOIN channels c ON c.id = pc.channel_id
		WHERE pc.post_id = $1
		ORDER BY pc.position`, postID)
	if err != nil {
		return nil, wrap("get post channels", err, nil)
	}
	channels, err := collectChannels(rows)
	if err != nil {
		return nil, wrap("get post channels", err, nil)
	}
	if len(channels) == 0 {
		if _, err := db.postStatus(ctx, db.pool, postID); err != nil {
			return nil, err
		}
	}
	return channels, nil
}

func (db *PostgresDB) postStatus(ctx context.Context, q querier, postID int64) (models.PostStatus, error) {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM posts WHERE id = $1`, postID).Scan(&status)
	if err != nil {
		return "", wrap("get post status", err, errs.ErrPostNotFound)
	}
	return models.PostStatus(status), nil
}

// claimConflict explains why a guarded status update matched no rows
func (db *PostgresDB) claimConflict(ctx context.Context, q querier, postID int64) error {
	status, err := db.postStatus(ctx, q, postID)
	if err != nil {
		return err
	}
	switch status {
	case models.PostStatusSent:
		return errs.ErrAlreadySent
	case models.PostStatusDelivering:
		return errs.ErrDeliveryInProgress
	case models.PostStatusUnconfirmed:
		return errs.ErrDeliveryUnconfirmed
	}
	return errs.NewConflictError("post status changed concurrently")
}

// SetPostStatus moves a post that is not delivering or sent into status
func (db *PostgresDB) SetPostStatus(ctx context.Context, postID int64, status models.PostStatus) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE posts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('delivering', 'sent', 'unconfirmed')`, postID, string(status))
	if err != nil {
		return wrap("set post status", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return db.claimConflict(ctx, db.pool, postID)
	}
	return nil
}

// ClaimPostForDelivery moves the post to delivering unless it is delivering or sent
func (db *PostgresDB) ClaimPostForDelivery(ctx context.Context, postID int64) (*models.Post, error) {
	p, err := scanPost(db.pool.QueryRow(ctx, `
		UPDATE posts SET status = 'delivering', updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('delivering', 'sent', 'unconfirmed')
		RETURNING `+postColumns, postID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.claimConflict(ctx, db.pool, postID)
	}
	if err != nil {
		return nil, wrap("claim post", err, nil)
	}
	return p, nil
}

// RecordDelivery stores a per-channel delivery, ignoring duplicates
func (db *PostgresDB) RecordDelivery(ctx context.Context, delivery models.Delivery) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO post_deliveries (post_id, channel_id, message_id, delivered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (post_id, channel_id) DO NOTHING`,
		delivery.PostID, delivery.ChannelID, delivery.MessageID, delivery.DeliveredAt)
	return wrap("record delivery", err, nil)
}

// ListDeliveries returns the recorded deliveries of a post
func (db *PostgresDB) ListDeliveries(ctx context.Context, postID int64) ([]models.Delivery, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT post_id, channel_id, message_id, delivered_at
		FROM post_deliveries WHERE post_id = $1 ORDER BY delivered_at`, postID)
	if err != nil {
		return nil, wrap("list deliveries", err, nil)
	}
	defer rows.Close()

	var deliveries []models.Delivery
	for rows.Next() {
		var d models.Delivery
		if err := rows.Scan(&d.PostID, &d.ChannelID, &d.MessageID, &d.DeliveredAt); err != nil {
			return nil, wrap("scan delivery", err, nil)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, wrap("list deliveries", rows.Err(), nil)
}

// FinishDelivery marks a post sent or failed
func (db *PostgresDB) FinishDelivery(ctx context.Context, postID int64, status models.PostStatus, messageID *int64, reason string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE posts
		SET status = $2, message_id = COALESCE($3, message_id), failure_reason = $4, updated_at = NOW()
		WHERE id = $1`, postID, string(status), messageID, reason)
	if err != nil {
		return wrap("finish delivery", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrPostNotFound
	}
	return nil
}

// ResetStuckDeliveries fails posts left in delivering
func (db *PostgresDB) ResetStuckDeliveries(ctx context.Context, reason string) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE posts SET status = 'failed', failure_reason = $1, updated_at = NOW()
		WHERE status = 'delivering'`, reason)
	if err != nil {
		return 0, wrap("reset stuck deliveries", err, nil)
	}
	return tag.RowsAffected(), nil
}

// UpsertScheduledDelivery replaces any schedule of the post and marks it scheduled
func (db *PostgresDB) UpsertScheduledDelivery(ctx context.Context, postID int64, at time.Time) error {
	return db.inTx(ctx, "upsert schedule", func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM posts WHERE id = $1 FOR UPDATE`, postID).Scan(&status)
		if err != nil {
			return wrap("upsert schedule", err, errs.ErrPostNotFound)
		}
		switch models.PostStatus(status) {
		case models.PostStatusSent:
			return errs.ErrAlreadySent
		case models.PostStatusDelivering:
			return errs.ErrDeliveryInProgress
		case models.PostStatusUnconfirmed:
			return errs.ErrDeliveryUnconfirmed
		}

		var claimedAt *time.Time
		err = tx.QueryRow(ctx,
			`SELECT claimed_at FROM scheduled_deliveries WHERE post_id = $1 FOR UPDATE`, postID).Scan(&claimedAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return wrap("upsert schedule", err, nil)
		}
		if claimedAt != nil {
			return errs.ErrDeliveryInProgress
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO scheduled_deliveries (post_id, run_at) VALUES ($1, $2)
			ON CONFLICT (post_id) DO UPDATE SET run_at = EXCLUDED.run_at, claimed_at = NULL`, postID, at)
		if err != nil {
			return wrap("upsert schedule", err, nil)
		}

		_, err = tx.Exec(ctx, `
			UPDATE posts SET status = 'scheduled', scheduled_at = $2, updated_at = NOW()
			WHERE id = $1`, postID, at)
		return wrap("upsert schedule", err, nil)
	})
}

// RemoveScheduledDelivery drops an unclaimed schedule and marks the post cancelled
func (db *PostgresDB) RemoveScheduledDelivery(ctx context.Context, postID int64) error {
	return db.inTx(ctx, "remove schedule", func(tx pgx.Tx) error {
		var claimedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT claimed_at FROM scheduled_deliveries WHERE post_id = $1 FOR UPDATE`, postID).Scan(&claimedAt)
		if err != nil {
			return wrap("remove schedule", err, errs.ErrScheduleNotFound)
		}
		if claimedAt != nil {
			return errs.ErrDeliveryInProgress
		}

		if _, err := tx.Exec(ctx, `DELETE FROM scheduled_deliveries WHERE post_id = $1`, postID); err != nil {
			return wrap("remove schedule", err, nil)
		}
		_, err = tx.Exec(ctx, `
			UPDATE posts SET status = 'cancelled', updated_at = NOW()
			WHERE id = $1 AND status = 'scheduled'`, postID)
		return wrap("remove schedule", err, nil)
	})
}

func scanSchedule(row pgx.Row) (*models.ScheduledDelivery, error) {
	var s models.ScheduledDelivery
	if err := row.Scan(&s.PostID, &s.At, &s.ClaimedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSchedules(rows pgx.Rows) ([]models.ScheduledDelivery, error) {
	defer rows.Close()

	var schedules []models.ScheduledDelivery
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

// GetScheduledDelivery returns the schedule of a post
func (db *PostgresDB) GetScheduledDelivery(ctx context.Context, postID int64) (*models.ScheduledDelivery, error) {
	s, err := scanSchedule(db.pool.QueryRow(ctx,
		`SELECT post_id, run_at, claimed_at FROM scheduled_deliveries WHERE post_id = $1`, postID))
	if err != nil {
		return nil, wrap("get schedule", err, errs.ErrScheduleNotFound)
	}
	return s, nil
}

// ListDueScheduledDeliveries returns due unclaimed entries and stale claims
func (db *PostgresDB) ListDueScheduledDeliveries(ctx context.Context, now, staleBefore time.Time) ([]models.ScheduledDelivery, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT post_id, run_at, claimed_at
		FROM scheduled_deliveries
		WHERE (claimed_at IS NULL AND run_at <= $1) OR claimed_at < $2
		ORDER BY run_at, post_id`, now, staleBefore)
	if err != nil {
		return nil, wrap("list due schedules", err, nil)
	}
	schedules, err := collectSchedules(rows)
	return schedules, wrap("list due schedules", err, nil)
}

// ListScheduledDeliveries returns every pending entry ordered by time
func (db *PostgresDB) ListScheduledDeliveries(ctx context.Context) ([]models.ScheduledDelivery, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT post_id, run_at, claimed_at FROM scheduled_deliveries ORDER BY run_at, post_id`)
	if err != nil {
		return nil, wrap("list schedules", err, nil)
	}
	schedules, err := collectSchedules(rows)
	return schedules, wrap("list schedules", err, nil)
}

// ClaimScheduledDelivery marks the entry as owned by the caller
func (db *PostgresDB) ClaimScheduledDelivery(ctx context.Context, postID int64, at, now, staleBefore time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE scheduled_deliveries SET claimed_at = $3
		WHERE post_id = $1 AND run_at = $2
		  AND ((claimed_at IS NULL AND run_at <= $3) OR claimed_at < $4)`,
		postID, at, now, staleBefore)
	if err != nil {
		return false, wrap("claim schedule", err, nil)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteScheduledDelivery removes the entry if it still matches at
func (db *PostgresDB) CompleteScheduledDelivery(ctx context.Context, postID int64, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM scheduled_deliveries WHERE post_id = $1 AND run_at = $2`, postID, at)
	return wrap("complete schedule", err, nil)
}

// ReleaseScheduleClaims clears every claim and reschedules interrupted posts
func (db *PostgresDB) ReleaseScheduleClaims(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx, `
		WITH released AS (
			UPDATE scheduled_deliveries SET claimed_at = NULL
			WHERE claimed_at IS NOT NULL
			RETURNING post_id
		), restored AS (
			UPDATE posts SET status = 'scheduled', failure_reason = '', updated_at = NOW()
			WHERE id IN (SELECT post_id FROM released) AND status IN ('delivering', 'failed')
		)
		SELECT COUNT(*) FROM released`).Scan(&n)
	if err != nil {
		return 0, wrap("release schedule claims", err, nil)
	}
	return n, nil
}
