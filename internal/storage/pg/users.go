package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"promobot/internal/errs"
	"promobot/internal/models"
)

const userColumns = `id, telegram_id, username, role, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var role string
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &role, &u.CreatedAt); err != nil {
		return nil, err
	}
	r, err := models.ParseRole(role)
	if err != nil {
		return nil, err
	}
	u.Role = r
	return &u, nil
}

// GetUser returns a user by internal id
func (db *PostgresDB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, wrap("get user", err, errs.ErrUserNotFound)
	}
	return u, nil
}

// GetUserByTelegramID returns a user by Telegram id
func (db *PostgresDB) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID))
	if err != nil {
		return nil, wrap("get user by telegram id", err, errs.ErrUserNotFound)
	}
	return u, nil
}

// UpsertUser creates the user or updates username and role of an existing one
func (db *PostgresDB) UpsertUser(ctx context.Context, telegramID int64, username string, role models.Role) (*models.User, error) {
	sql := `
		INSERT INTO users (telegram_id, username, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (telegram_id) DO UPDATE
		SET username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE users.username END,
		    role = EXCLUDED.role
		RETURNING ` + userColumns

	u, err := scanUser(db.pool.QueryRow(ctx, sql, telegramID, username, role.String()))
	if err != nil {
		return nil, wrap("upsert user", err, nil)
	}
	return u, nil
}

// ListUsers returns all users ordered by id
func (db *PostgresDB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, wrap("list users", err, nil)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrap("scan user", err, nil)
		}
		users = append(users, *u)
	}
	return users, wrap("list users", rows.Err(), nil)
}

// SetUserRole changes a user's role
func (db *PostgresDB) SetUserRole(ctx context.Context, id int64, role models.Role) error {
	tag, err := db.pool.Exec(ctx, `UPDATE users SET role = $2 WHERE id = $1`, id, role.String())
	if err != nil {
		return wrap("set user role", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrUserNotFound
	}
	return nil
}

// CreateChannel registers a new channel
func (db *PostgresDB) CreateChannel(ctx context.Context, chatID int64, channelType models.ChannelType, title string) (*models.Channel, error) {
	c := models.Channel{ChatID: chatID, Type: channelType, Title: title}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO channels (chat_id, channel_type, title) VALUES ($1, $2, $3) RETURNING id`,
		chatID, string(channelType), title,
	).Scan(&c.ID)
	if err != nil {
		if errs.IsConflict(wrap("create channel", err, nil)) {
			return nil, errs.ErrChannelExists
		}
		return nil, wrap("create channel", err, nil)
	}
	return &c, nil
}

func scanChannel(row pgx.Row) (*models.Channel, error) {
	var c models.Channel
	var channelType string
	if err := row.Scan(&c.ID, &c.ChatID, &channelType, &c.Title); err != nil {
		return nil, err
	}
	c.Type = models.ChannelType(channelType)
	return &c, nil
}

func collectChannels(rows pgx.Rows) ([]models.Channel, error) {
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}

// ListChannels returns all channels ordered by title
func (db *PostgresDB) ListChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, chat_id, channel_type, title FROM channels ORDER BY title, id`)
	if err != nil {
		return nil, wrap("list channels", err, nil)
	}
	channels, err := collectChannels(rows)
	return channels, wrap("list channels", err, nil)
}

// GetChannelByChatID returns a channel by Telegram chat id
func (db *PostgresDB) GetChannelByChatID(ctx context.Context, chatID int64) (*models.Channel, error) {
	c, err := scanChannel(db.pool.QueryRow(ctx,
		`SELECT id, chat_id, channel_type, title FROM channels WHERE chat_id = $1`, chatID))
	if err != nil {
		return nil, wrap("get channel", err, errs.ErrChannelNotFound)
	}
	return c, nil
}

// DeleteChannel removes a channel. Post links cascade.
func (db *PostgresDB) DeleteChannel(ctx context.Context, id int64) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return wrap("delete channel", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrChannelNotFound
	}
	return nil
}

const codeColumns = `id, code, created_at, expires_at, max_uses, used_count, is_active, COALESCE(created_by, 0), used_by`

func scanCode(row pgx.Row) (*models.RegistrationCode, error) {
	var c models.RegistrationCode
	err := row.Scan(&c.ID, &c.Code, &c.CreatedAt, &c.ExpiresAt, &c.MaxUses, &c.UsedCount, &c.IsActive, &c.CreatedBy, &c.UsedBy)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCode stores a registration code and assigns its id
func (db *PostgresDB) CreateCode(ctx context.Context, code *models.RegistrationCode) error {
	var createdBy *int64
	if code.CreatedBy != 0 {
		createdBy = &code.CreatedBy
	}
	err := db.pool.QueryRow(ctx, `
		INSERT INTO registration_codes (code, expires_at, max_uses, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		code.Code, code.ExpiresAt, code.MaxUses, code.IsActive, createdBy,
	).Scan(&code.ID, &code.CreatedAt)
	return wrap("create code", err, nil)
}

// GetCode returns a registration code by its value
func (db *PostgresDB) GetCode(ctx context.Context, code string) (*models.RegistrationCode, error) {
	c, err := scanCode(db.pool.QueryRow(ctx, `SELECT `+codeColumns+` FROM registration_codes WHERE code = $1`, code))
	if err != nil {
		return nil, wrap("get code", err, errs.ErrCodeNotFound)
	}
	return c, nil
}

// ListCodes returns all codes, newest first
func (db *PostgresDB) ListCodes(ctx context.Context) ([]models.RegistrationCode, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+codeColumns+` FROM registration_codes ORDER BY id DESC`)
	if err != nil {
		return nil, wrap("list codes", err, nil)
	}
	defer rows.Close()

	var codes []models.RegistrationCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, wrap("scan code", err, nil)
		}
		codes = append(codes, *c)
	}
	return codes, wrap("list codes", rows.Err(), nil)
}

// DeactivateCode marks a code inactive
func (db *PostgresDB) DeactivateCode(ctx context.Context, id int64) error {
	tag, err := db.pool.Exec(ctx, `UPDATE registration_codes SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return wrap("deactivate code", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrCodeNotFound
	}
	return nil
}

// RedeemCode validates and consumes one use of a code inside a transaction
func (db *PostgresDB) RedeemCode(ctx context.Context, code string, telegramID int64, username string, now time.Time) (*models.User, error) {
	var user *models.User
	err := db.inTx(ctx, "redeem code", func(tx pgx.Tx) error {
		c, err := scanCode(tx.QueryRow(ctx,
			`SELECT `+codeColumns+` FROM registration_codes WHERE code = $1 FOR UPDATE`, code))
		if err != nil {
			return wrap("redeem code", err, errs.ErrCodeNotFound)
		}
		switch {
		case c.Expired(now):
			return errs.ErrCodeExpired
		case !c.IsActive:
			return errs.ErrCodeInactive
		case c.UsedCount >= c.MaxUses:
			return errs.ErrCodeExhausted
		}

		// Existing users keep their role
		user, err = scanUser(tx.QueryRow(ctx, `
			INSERT INTO users (telegram_id, username, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (telegram_id) DO UPDATE
			SET username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE users.username END
			RETURNING `+userColumns,
			telegramID, username, models.RoleClient.String()))
		if err != nil {
			return wrap("redeem code", err, nil)
		}

		_, err = tx.Exec(ctx,
			`UPDATE registration_codes SET used_count = used_count + 1, used_by = $2 WHERE id = $1`,
			c.ID, user.ID)
		return wrap("redeem code", err, nil)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}
