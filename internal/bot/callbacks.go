package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"promobot/internal/errs"
	"promobot/internal/models"
)

// wizardSteps lists the steps whose keyboards may send each wizard callback
var wizardSteps = map[string][]Step{
	cbChannel:  {StepChannels},
	cbDefaults: {StepButtons},
	cbCaption:  {StepCaption},
	cbSchedule: {StepSchedule, StepScheduleTime},
	cbDate:     {StepSchedule},
	cbTime:     {StepScheduleTime},
	cbConfirm:  {StepConfirm},
	cbEdit:     {StepConfirm},
}

// editSteps maps the edit buttons of the preview to wizard steps
var editSteps = map[string]Step{
	"text":     StepText,
	"app":      StepAppID,
	"channels": StepChannels,
	"buttons":  StepButtons,
	"schedule": StepSchedule,
}

// handleWizardCallback applies a keyboard choice to the current post draft
func (b *Bot) handleWizardCallback(ctx context.Context, query *tgbotapi.CallbackQuery, user *models.User, state *ConversationState, prefix, payload string) {
	chatID := query.Message.Chat.ID
	messageID := query.Message.MessageID
	userID := query.From.ID
	draft := &state.Draft

	if !stepIn(state.Step, wizardSteps[prefix]) {
		b.reply(chatID, "That button belongs to an earlier step. Please use the latest message.")
		return
	}

	switch prefix {
	case cbChannel:
		if payload == "done" {
			if len(draft.ChannelIDs) == 0 {
				b.replyError(chatID, errs.ErrNoChannels)
				return
			}
			b.clearMarkup(chatID, messageID)
			b.advance(ctx, chatID, userID, state)
			return
		}
		id, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return
		}
		draft.toggleChannel(id)
		b.saveState(ctx, userID, state)

		channels, err := b.db.ListChannels(ctx)
		if err != nil {
			b.replyError(chatID, err)
			return
		}
		b.editMarkup(chatID, messageID, channelKeyboard(channels, *draft))

	case cbDefaults:
		draft.UseDefaultButtons = !draft.UseDefaultButtons
		b.saveState(ctx, userID, state)
		b.editMarkup(chatID, messageID, tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(defaultsButton(draft.UseDefaultButtons)),
		))

	case cbCaption:
		draft.CaptionAbove = payload == "above"
		b.clearMarkup(chatID, messageID)
		b.advance(ctx, chatID, userID, state)

	case cbSchedule:
		draft.ScheduledAt = nil
		draft.Date = ""
		b.clearMarkup(chatID, messageID)
		state.Step = StepConfirm
		b.saveState(ctx, userID, state)
		b.prompt(ctx, chatID, state)

	case cbDate:
		draft.Date = payload
		draft.ScheduledAt = nil
		b.clearMarkup(chatID, messageID)
		b.advance(ctx, chatID, userID, state)

	case cbTime:
		at, err := combineDateTime(draft.Date, payload, b.location, b.now())
		if err != nil {
			b.replyError(chatID, err)
			return
		}
		draft.ScheduledAt = &at
		draft.Date = ""
		b.clearMarkup(chatID, messageID)
		b.advance(ctx, chatID, userID, state)

	case cbEdit:
		step, ok := editSteps[payload]
		if !ok {
			return
		}
		if step == StepSchedule {
			draft.ScheduledAt = nil
			draft.Date = ""
		}
		b.clearMarkup(chatID, messageID)
		state.Step = step
		b.saveState(ctx, userID, state)
		b.prompt(ctx, chatID, state)

	case cbConfirm:
		b.clearMarkup(chatID, messageID)
		if payload != "create" {
			b.clearState(ctx, userID)
			b.reply(chatID, "Post creation cancelled.")
			return
		}
		b.createPost(ctx, chatID, user, state)
	}
}

// createPost submits the confirmed draft
func (b *Bot) createPost(ctx context.Context, chatID int64, user *models.User, state *ConversationState) {
	post, err := b.publisher.Submit(ctx, state.Draft.Request(user.ID))
	if err != nil {
		if errors.Is(err, errs.ErrScheduleInPast) {
			// The chosen time passed while the draft sat on the preview
			state.Draft.ScheduledAt = nil
			state.Step = StepSchedule
			b.saveState(ctx, user.TelegramID, state)
			b.replyError(chatID, err)
			b.prompt(ctx, chatID, state)
			return
		}
		b.replyError(chatID, err)
		if errs.IsValidation(err) {
			b.prompt(ctx, chatID, state)
		}
		return
	}

	b.clearState(ctx, user.TelegramID)
	b.logger.Info("Post created",
		zap.Int64("post_id", post.ID),
		zap.Int64("author_id", user.ID),
		zap.String("status", string(post.Status)),
	)

	text := fmt.Sprintf("✅ Post #%d is being sent. You will be notified if a channel fails.", post.ID)
	if post.ScheduledAt != nil {
		text = fmt.Sprintf("✅ Post #%d is scheduled for %s.", post.ID, b.formatTime(*post.ScheduledAt))
	}
	b.replyWithMarkup(chatID, text, tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("📄 Details", fmt.Sprintf("%s:%s:%d", cbPost, actionView, post.ID)),
	)))
}

// handlePostCallback handles the action buttons of a post ("post:<action>:<id>")
func (b *Bot) handlePostCallback(ctx context.Context, chatID int64, user *models.User, payload string) {
	action, id, _ := strings.Cut(payload, ":")
	if postAction(action) == actionView {
		b.handlePost(ctx, chatID, user, id)
		return
	}
	b.handlePostAction(ctx, chatID, user, id, postAction(action))
}

func (b *Bot) editMarkup(chatID int64, messageID int, markup tgbotapi.InlineKeyboardMarkup) {
	if _, err := b.api.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, markup)); err != nil {
		b.logger.Debug("Failed to edit keyboard", zap.Error(err))
	}
}

// clearMarkup removes the keyboard of a handled wizard message
func (b *Bot) clearMarkup(chatID int64, messageID int) {
	edit := tgbotapi.EditMessageReplyMarkupConfig{
		BaseEdit: tgbotapi.BaseEdit{
			ChatID:      chatID,
			MessageID:   messageID,
			ReplyMarkup: &tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}},
		},
	}
	if _, err := b.api.Request(edit); err != nil {
		b.logger.Debug("Failed to clear keyboard", zap.Error(err))
	}
}

func stepIn(step Step, steps []Step) bool {
	for _, s := range steps {
		if s == step {
			return true
		}
	}
	return false
}
