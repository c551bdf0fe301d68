package bot

import (
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"promobot/internal/errs"
)

// sendMessage sends a message and logs failures
func (b *Bot) sendMessage(msg tgbotapi.Chattable) {
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn("Failed to send message", zap.Error(err))
	}
}

// reply sends an HTML message to chatID
func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	b.sendMessage(msg)
}

// replyWithMarkup sends an HTML message with an inline keyboard
func (b *Bot) replyWithMarkup(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if len(markup.InlineKeyboard) > 0 {
		msg.ReplyMarkup = markup
	}
	b.sendMessage(msg)
}

// replyError reports err to the user. Internal errors are logged and hidden.
func (b *Bot) replyError(chatID int64, err error) {
	switch {
	case errs.IsValidation(err), errs.IsNotFound(err), errs.IsConflict(err), errs.IsPermission(err):
		b.reply(chatID, "❌ "+html.EscapeString(capitalize(err.Error())))
	default:
		b.logger.Error("Request failed", zap.Int64("chat_id", chatID), zap.Error(err))
		b.reply(chatID, "❌ Something went wrong. Please try again later.")
	}
}

// gridKeyboard lays callback buttons out two per row
func gridKeyboard(buttons []tgbotapi.InlineKeyboardButton, tail ...tgbotapi.InlineKeyboardButton) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var currentRow []tgbotapi.InlineKeyboardButton
	for i, button := range buttons {
		currentRow = append(currentRow, button)

		// Add row when we have 2 buttons or it's the last one
		if len(currentRow) == 2 || i == len(buttons)-1 {
			rows = append(rows, currentRow)
			currentRow = nil
		}
	}
	if len(tail) > 0 {
		rows = append(rows, tail)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func displayName(username string, telegramID int64) string {
	if username != "" {
		return "@" + username
	}
	return fmt.Sprintf("id%d", telegramID)
}
