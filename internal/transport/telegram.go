package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"promobot/internal/errs"
	"promobot/internal/models"
)

const buttonsPerRow = 2

// Message is a rendered post ready to be sent to any channel
type Message struct {
	Text         string
	ImageFileID  string
	CaptionAbove bool
	Buttons      []models.Button
}

// requester is the subset of *tgbotapi.BotAPI used for sending
type requester interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// Telegram sends posts through the Bot API. All sends share one rate limiter.
type Telegram struct {
	api     requester
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewTelegram creates a transport limited to ratePerSecond sends
func NewTelegram(api *tgbotapi.BotAPI, ratePerSecond float64, logger *zap.Logger) *Telegram {
	return newTelegram(api, ratePerSecond, logger)
}

func newTelegram(api requester, ratePerSecond float64, logger *zap.Logger) *Telegram {
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Telegram{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		logger:  logger,
	}
}

// Send delivers msg to chatID and returns the new message id.
// Failures are returned as *errs.DeliveryError.
func (t *Telegram) Send(ctx context.Context, chatID int64, msg Message) (int64, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return 0, errs.Retryable("rate limiter", 0, err)
	}

	endpoint, params, err := buildParams(chatID, msg)
	if err != nil {
		return 0, errs.Terminal("invalid message", err)
	}

	resp, err := t.api.MakeRequest(endpoint, params)
	if err != nil {
		derr := Classify(err)
		t.logger.Debug("Telegram send failed",
			zap.Int64("chat_id", chatID),
			zap.Bool("retryable", derr.Retryable),
			zap.String("reason", derr.Reason),
		)
		return 0, derr
	}

	var sent tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return 0, errs.Terminal("unexpected response", err)
	}
	return int64(sent.MessageID), nil
}

// Notify sends a plain HTML service message, e.g. a failure report to an author
func (t *Telegram) Notify(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonEmpty("text", text)
	params.AddNonEmpty("parse_mode", tgbotapi.ModeHTML)
	params.AddBool("disable_web_page_preview", true)

	if _, err := t.api.MakeRequest("sendMessage", params); err != nil {
		return fmt.Errorf("failed to notify %d: %w", chatID, err)
	}
	return nil
}

func buildParams(chatID int64, msg Message) (string, tgbotapi.Params, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonEmpty("parse_mode", tgbotapi.ModeHTML)

	endpoint := "sendMessage"
	if msg.ImageFileID != "" {
		endpoint = "sendPhoto"
		params.AddNonEmpty("photo", msg.ImageFileID)
		params.AddNonEmpty("caption", msg.Text)
		params.AddBool("show_caption_above_media", msg.CaptionAbove)
	} else {
		params.AddNonEmpty("text", msg.Text)
	}

	if markup, ok := Keyboard(msg.Buttons); ok {
		if err := params.AddInterface("reply_markup", markup); err != nil {
			return "", nil, err
		}
	}
	return endpoint, params, nil
}

// Keyboard lays out URL buttons two per row, preserving order
func Keyboard(buttons []models.Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(buttons) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	var currentRow []tgbotapi.InlineKeyboardButton
	for i, b := range buttons {
		currentRow = append(currentRow, tgbotapi.NewInlineKeyboardButtonURL(b.Label, b.URL))
		if len(currentRow) == buttonsPerRow || i == len(buttons)-1 {
			rows = append(rows, currentRow)
			currentRow = nil
		}
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

// Classify maps a Bot API error onto a retryable or terminal DeliveryError
func Classify(err error) *errs.DeliveryError {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			retryAfter := time.Duration(apiErr.RetryAfter) * time.Second
			return errs.Retryable("too many requests", retryAfter, err)
		case apiErr.Code >= http.StatusInternalServerError:
			return errs.Retryable("telegram server error", 0, err)
		case apiErr.Code == http.StatusForbidden:
			return errs.Terminal("bot was removed from the chat or has no rights", err)
		default:
			return errs.Terminal(apiErr.Message, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return errs.Terminal("cancelled", err)
	}
	return errs.Retryable("network error", 0, err)
}
