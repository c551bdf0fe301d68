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

// botAPI is the part of tgbotapi.BotAPI the bot uses
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetWebhookInfo() (tgbotapi.WebhookInfo, error)
}

// Publisher creates posts and controls their delivery
type Publisher interface {
	Validate(req models.PostRequest) error
	Submit(ctx context.Context, req models.PostRequest) (*models.Post, error)
	Reschedule(ctx context.Context, postID int64, at time.Time) error
	Cancel(ctx context.Context, postID int64) error
	SendNow(ctx context.Context, postID int64) error
	Retry(ctx context.Context, postID int64) error
}

// Options wires the bot to the rest of the application
type Options struct {
	Publisher Publisher
	Journal   storage.Journal // optional
	States    storage.StateStore

	AdminUserIDs    []int64
	ButtonTemplates []models.ButtonTemplate
	TimeOptions     []string
	Location        *time.Location
	CodeTTL         time.Duration
}

// Bot represents the Telegram bot wrapper
type Bot struct {
	api       botAPI
	username  string
	db        storage.Storage
	journal   storage.Journal
	publisher Publisher
	states    storage.StateStore
	userLocks *keymutex.KeyMutex
	admins    map[int64]bool

	templates   []models.ButtonTemplate
	timeOptions []string
	location    *time.Location
	codeTTL     time.Duration

	logger *zap.Logger
	now    func() time.Time
}
