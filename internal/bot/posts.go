package bot

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"promobot/internal/errs"
	"promobot/internal/models"
	"promobot/internal/publisher"
)

type postAction string

const (
	actionView    postAction = "view"
	actionCancel  postAction = "cancel"
	actionSendNow postAction = "send"
	actionRetry   postAction = "retry"
)

const recentPostsLimit = 10

var statusIcons = map[models.PostStatus]string{
	models.PostStatusQueued:      "🕓",
	models.PostStatusScheduled:   "⏰",
	models.PostStatusDelivering:  "📤",
	models.PostStatusSent:        "✅",
	models.PostStatusFailed:      "⚠️",
	models.PostStatusCancelled:   "🛑",
	models.PostStatusUnconfirmed: "❓",
}

// handlePosts lists recent posts. Clients only see their own.
func (b *Bot) handlePosts(ctx context.Context, chatID int64, user *models.User) {
	var authorID *int64
	if !user.Role.CanManageChannels() {
		authorID = &user.ID
	}

	posts, err := b.db.ListPosts(ctx, authorID, recentPostsLimit)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	if len(posts) == 0 {
		b.reply(chatID, "No posts yet. Create one with /new_post.")
		return
	}

	var sb strings.Builder
	sb.WriteString("📋 <b>Recent posts</b>\n\n")
	var buttons []tgbotapi.InlineKeyboardButton
	for _, p := range posts {
		sb.WriteString(fmt.Sprintf("%s <b>#%d</b> %s", statusIcons[p.Status], p.ID, p.Status))
		if p.Status == models.PostStatusScheduled && p.ScheduledAt != nil {
			sb.WriteString(" · " + b.formatTime(*p.ScheduledAt))
		}
		sb.WriteString("\n" + html.EscapeString(truncate(publisher.PlainText(p.Text), 60)) + "\n\n")
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("#%d", p.ID), fmt.Sprintf("%s:%s:%d", cbPost, actionView, p.ID)))
	}
	b.replyWithMarkup(chatID, sb.String(), gridKeyboard(buttons))
}

// handlePost shows one post with its per-channel deliveries
func (b *Bot) handlePost(ctx context.Context, chatID int64, user *models.User, args string) {
	post, _, ok := b.postForUser(ctx, chatID, user, args)
	if !ok {
		return
	}

	channels, err := b.db.GetPostChannels(ctx, post.ID)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	deliveries, err := b.db.ListDeliveries(ctx, post.ID)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	delivered := make(map[int64]models.Delivery, len(deliveries))
	for _, d := range deliveries {
		delivered[d.ChannelID] = d
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📄 <b>Post #%d</b> %s %s\n", post.ID, statusIcons[post.Status], post.Status))
	if author, err := b.db.GetUser(ctx, post.AuthorID); err == nil {
		sb.WriteString("Author: " + html.EscapeString(displayName(author.Username, author.TelegramID)) + "\n")
	}
	sb.WriteString("Created: " + b.formatTime(post.CreatedAt) + "\n")
	if post.ScheduledAt != nil {
		sb.WriteString("Scheduled: " + b.formatTime(*post.ScheduledAt) + "\n")
	}
	if post.FailureReason != "" {
		sb.WriteString("Failure: " + html.EscapeString(post.FailureReason) + "\n")
	}

	sb.WriteString("\n<b>Channels</b>\n")
	for _, c := range channels {
		if d, ok := delivered[c.ID]; ok {
			sb.WriteString(fmt.Sprintf("✅ %s (message %d)\n", html.EscapeString(channelLabel(c)), d.MessageID))
		} else {
			sb.WriteString("▫️ " + html.EscapeString(channelLabel(c)) + "\n")
		}
	}
	sb.WriteString("\n" + html.EscapeString(truncate(publisher.PlainText(post.Text), 300)))

	b.replyWithMarkup(chatID, sb.String(), postKeyboard(*post))
}

// handleReschedule moves a post: /reschedule <id> <DD-MM-YYYY HH:MM>
func (b *Bot) handleReschedule(ctx context.Context, chatID int64, user *models.User, args string) {
	post, rest, ok := b.postForUser(ctx, chatID, user, args)
	if !ok {
		return
	}
	at, err := ParseScheduleTime(rest, b.location, b.now())
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	if err := b.publisher.Reschedule(ctx, post.ID, at); err != nil {
		b.replyError(chatID, err)
		return
	}

	b.logger.Info("Post rescheduled", zap.Int64("post_id", post.ID), zap.Time("at", at))
	b.reply(chatID, fmt.Sprintf("⏰ Post #%d is scheduled for %s.", post.ID, b.formatTime(at)))
}

// handlePostAction cancels, sends or retries a post
func (b *Bot) handlePostAction(ctx context.Context, chatID int64, user *models.User, args string, action postAction) {
	post, _, ok := b.postForUser(ctx, chatID, user, args)
	if !ok {
		return
	}

	var (
		err  error
		done string
	)
	switch action {
	case actionCancel:
		err = b.publisher.Cancel(ctx, post.ID)
		done = "🛑 Post #%d cancelled."
	case actionSendNow:
		err = b.publisher.SendNow(ctx, post.ID)
		done = "🚀 Post #%d is being sent."
	case actionRetry:
		err = b.publisher.Retry(ctx, post.ID)
		done = "🔁 Post #%d is being sent again."
	default:
		return
	}
	if err != nil {
		b.replyError(chatID, err)
		return
	}

	b.logger.Info("Post action applied",
		zap.Int64("post_id", post.ID),
		zap.String("action", string(action)),
		zap.Int64("user_id", user.ID),
	)
	b.reply(chatID, fmt.Sprintf(done, post.ID))
}

// postForUser loads the post named by args if user may manage it
func (b *Bot) postForUser(ctx context.Context, chatID int64, user *models.User, args string) (*models.Post, string, bool) {
	id, rest, err := parseCommandID(args)
	if err != nil {
		b.replyError(chatID, err)
		return nil, "", false
	}
	post, err := b.db.GetPost(ctx, id)
	if err != nil {
		b.replyError(chatID, err)
		return nil, "", false
	}
	if post.AuthorID != user.ID && !user.Role.CanManageChannels() {
		b.replyError(chatID, errs.ErrForbidden)
		return nil, "", false
	}
	return post, rest, true
}

func postKeyboard(post models.Post) tgbotapi.InlineKeyboardMarkup {
	button := func(label string, action postAction) tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("%s:%s:%d", cbPost, action, post.ID))
	}

	switch post.Status {
	case models.PostStatusScheduled:
		return gridKeyboard([]tgbotapi.InlineKeyboardButton{
			button("🚀 Send now", actionSendNow),
			button("🛑 Cancel", actionCancel),
		})
	case models.PostStatusFailed, models.PostStatusCancelled:
		return gridKeyboard([]tgbotapi.InlineKeyboardButton{button("🔁 Retry", actionRetry)})
	}
	return tgbotapi.InlineKeyboardMarkup{}
}

func (b *Bot) formatTime(t time.Time) string {
	return t.In(b.location).Format(scheduleLayout) + " " + b.location.String()
}
