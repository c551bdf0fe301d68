package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"promobot/internal/errs"
	"promobot/internal/models"
)

// HandleUpdate processes a single update. Updates of the same user are
// handled one at a time.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		unlock := b.userLocks.Lock(update.Message.From.ID)
		defer unlock()
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		unlock := b.userLocks.Lock(update.CallbackQuery.From.ID)
		defer unlock()
		b.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

// handleMessage processes a single private message
func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	// Recover from panics to prevent bot crashes
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in handleMessage", zap.Any("panic", r))
			b.reply(message.Chat.ID, "An error occurred while processing your request. Please try again.")
		}
	}()

	if message.Chat == nil || !message.Chat.IsPrivate() {
		return
	}
	userID := message.From.ID

	if message.IsCommand() && message.Command() == "start" {
		b.handleStart(ctx, message)
		return
	}

	user, ok := b.authorize(ctx, message.Chat.ID, message.From)
	if !ok {
		return
	}

	// Check if user is in a conversation
	if state := b.loadState(ctx, userID); state != nil {
		if !message.IsCommand() {
			b.handleConversation(ctx, message, user, state)
			return
		}
		// Any command interrupts an ongoing conversation
		b.clearState(ctx, userID)
		if message.Command() == "cancel" {
			b.reply(message.Chat.ID, "Post creation cancelled.")
			return
		}
	}

	if !message.IsCommand() {
		b.reply(message.Chat.ID, "Use /new_post to create a post or /help to see all commands.")
		return
	}

	args := message.CommandArguments()
	switch message.Command() {
	case "help":
		b.handleHelp(message.Chat.ID, user)
	case "new_post":
		b.handleNewPostStart(ctx, message, user)
	case "cancel":
		b.reply(message.Chat.ID, "Nothing to cancel.")
	case "posts":
		b.handlePosts(ctx, message.Chat.ID, user)
	case "post":
		b.handlePost(ctx, message.Chat.ID, user, args)
	case "reschedule":
		b.handleReschedule(ctx, message.Chat.ID, user, args)
	case "cancel_post":
		b.handlePostAction(ctx, message.Chat.ID, user, args, actionCancel)
	case "send_now":
		b.handlePostAction(ctx, message.Chat.ID, user, args, actionSendNow)
	case "retry":
		b.handlePostAction(ctx, message.Chat.ID, user, args, actionRetry)
	case "channels":
		b.handleChannels(ctx, message.Chat.ID, user)
	case "add_channel":
		b.handleAddChannel(ctx, message.Chat.ID, user, args)
	case "stats":
		b.handleStats(ctx, message.Chat.ID, user)
	case "users":
		b.handleUsers(ctx, message.Chat.ID, user)
	case "new_code":
		b.handleNewCode(ctx, message.Chat.ID, user, args)
	case "codes":
		b.handleCodes(ctx, message.Chat.ID, user)
	default:
		b.reply(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

// handleCallbackQuery processes inline keyboard button clicks
func (b *Bot) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	// Recover from panics
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in handleCallbackQuery", zap.Any("panic", r))
		}
	}()

	// Answer the callback query to remove loading state
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Debug("Failed to answer callback query", zap.Error(err))
	}
	if query.Message == nil || query.Message.Chat == nil {
		return
	}
	chatID := query.Message.Chat.ID

	user, ok := b.authorize(ctx, chatID, query.From)
	if !ok {
		return
	}

	prefix, payload, _ := strings.Cut(query.Data, ":")
	switch prefix {
	case cbChannel, cbDefaults, cbCaption, cbSchedule, cbDate, cbTime, cbConfirm, cbEdit:
		state := b.loadState(ctx, query.From.ID)
		if state == nil {
			b.reply(chatID, "This post draft has expired. Start again with /new_post.")
			return
		}
		b.handleWizardCallback(ctx, query, user, state, prefix, payload)
	case cbPost:
		b.handlePostCallback(ctx, chatID, user, payload)
	case cbDeleteChannel:
		b.handleDeleteChannelCallback(ctx, chatID, user, payload)
	case cbUser:
		b.handleUserCallback(ctx, chatID, user, payload)
	case cbRole:
		b.handleRoleCallback(ctx, chatID, user, payload)
	default:
		b.logger.Debug("Unknown callback", zap.String("data", query.Data))
	}
}

// authorize loads the registered user behind an update
func (b *Bot) authorize(ctx context.Context, chatID int64, from *tgbotapi.User) (*models.User, bool) {
	user, err := b.db.GetUserByTelegramID(ctx, from.ID)
	if errs.IsNotFound(err) {
		b.logger.Warn("Unauthorized access attempt",
			zap.Int64("user_id", from.ID),
			zap.String("username", from.UserName),
		)
		b.reply(chatID, "Sorry, you are not registered. Ask an administrator for an invitation link.")
		return nil, false
	}
	if err != nil {
		b.replyError(chatID, err)
		return nil, false
	}
	return user, true
}

// require replies with a permission error when allowed is false
func (b *Bot) require(chatID int64, allowed bool) bool {
	if !allowed {
		b.replyError(chatID, errs.ErrForbidden)
	}
	return allowed
}

func helpText(role models.Role) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are signed in as <b>%s</b>.\n\n", role))
	sb.WriteString(`Posts:
/new_post - Create a post
/posts - Recent posts
/post &lt;id&gt; - Post details
/reschedule &lt;id&gt; &lt;DD-MM-YYYY HH:MM&gt; - Move a post
/cancel_post &lt;id&gt; - Cancel a scheduled post
/send_now &lt;id&gt; - Send a post immediately
/retry &lt;id&gt; - Retry a failed post
/cancel - Abort the current post draft`)

	if role.CanManageChannels() {
		sb.WriteString(`

Channels:
/channels - Registered channels
/add_channel &lt;chat_id&gt; - Register a channel or group
/stats - Delivery statistics for the last 30 days`)
	}
	if role.CanAdminister() {
		sb.WriteString(`

Administration:
/users - Users and roles
/new_code [max_uses] - Issue a registration code
/codes - Registration codes`)
	}
	return sb.String()
}
