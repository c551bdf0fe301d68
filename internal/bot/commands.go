package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"promobot/internal/errs"
	"promobot/internal/models"
)

// handleStart redeems an invitation code (/start <code>) or greets a known user
func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	from := message.From

	if code := strings.TrimSpace(message.CommandArguments()); code != "" {
		user, err := b.db.RedeemCode(ctx, code, from.ID, from.UserName, b.now())
		if err != nil {
			b.logger.Info("Registration code rejected", zap.Int64("user_id", from.ID), zap.Error(err))
			b.replyError(chatID, err)
			return
		}
		b.logger.Info("User registered with code",
			zap.Int64("user_id", from.ID),
			zap.String("username", from.UserName),
			zap.String("role", user.Role.String()),
		)
		b.reply(chatID, "✅ Welcome to the promo post bot!\n\n"+helpText(user.Role))
		return
	}

	user, err := b.db.GetUserByTelegramID(ctx, from.ID)
	if errs.IsNotFound(err) {
		b.reply(chatID, "Welcome to the promo post bot! 📣\n\nYou need an invitation link from an administrator to use it.")
		return
	}
	if err != nil {
		b.replyError(chatID, err)
		return
	}

	if from.UserName != "" && from.UserName != user.Username {
		if updated, err := b.db.UpsertUser(ctx, from.ID, from.UserName, user.Role); err == nil {
			user = updated
		}
	}
	b.reply(chatID, "Welcome back! 📣\n\n"+helpText(user.Role))
}

func (b *Bot) handleHelp(chatID int64, user *models.User) {
	b.reply(chatID, helpText(user.Role))
}

// handleNewPostStart initiates the post wizard
func (b *Bot) handleNewPostStart(ctx context.Context, message *tgbotapi.Message, user *models.User) {
	if !b.require(message.Chat.ID, user.Role.CanManagePosts()) {
		return
	}

	state := &ConversationState{Step: StepText, ChatID: message.Chat.ID}
	b.saveState(ctx, message.From.ID, state)
	b.prompt(ctx, message.Chat.ID, state)
}
