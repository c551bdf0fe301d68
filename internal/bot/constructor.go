package bot

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"promobot/internal/keymutex"
	"promobot/internal/models"
	"promobot/internal/storage"
)

// NewBot creates a new Telegram bot on top of an authorized API client
func NewBot(api *tgbotapi.BotAPI, db storage.Storage, opts Options, logger *zap.Logger) *Bot {
	logger.Info("Bot created", zap.String("bot_username", api.Self.UserName))
	return newBot(api, api.Self.UserName, db, opts, logger)
}

func newBot(api botAPI, username string, db storage.Storage, opts Options, logger *zap.Logger) *Bot {
	admins := make(map[int64]bool, len(opts.AdminUserIDs))
	for _, id := range opts.AdminUserIDs {
		admins[id] = true
	}

	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	codeTTL := opts.CodeTTL
	if codeTTL <= 0 {
		codeTTL = 24 * time.Hour
	}

	return &Bot{
		api:         api,
		username:    username,
		db:          db,
		journal:     opts.Journal,
		publisher:   opts.Publisher,
		states:      opts.States,
		userLocks:   keymutex.New(),
		admins:      admins,
		templates:   opts.ButtonTemplates,
		timeOptions: opts.TimeOptions,
		location:    location,
		codeTTL:     codeTTL,
		logger:      logger,
		now:         time.Now,
	}
}

// BootstrapAdmins makes sure every configured admin exists with the admin role
func (b *Bot) BootstrapAdmins(ctx context.Context) error {
	for telegramID := range b.admins {
		if u, err := b.db.GetUserByTelegramID(ctx, telegramID); err == nil && u.Role == models.RoleAdmin {
			continue
		}
		if _, err := b.db.UpsertUser(ctx, telegramID, "", models.RoleAdmin); err != nil {
			return err
		}
		b.logger.Info("Admin bootstrapped", zap.Int64("telegram_id", telegramID))
	}
	return nil
}
