package bot

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"promobot/internal/errs"
	"promobot/internal/models"
)

const (
	maxCodeUses   = 1000
	listCodeLimit = 20
	statsPeriod   = 30 * 24 * time.Hour
)

var errOwnRole = errs.NewConflictError("you cannot change your own role")

// generateCode returns a random URL-safe invitation code
func generateCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// handleNewCode issues a registration code: /new_code [max_uses]
func (b *Bot) handleNewCode(ctx context.Context, chatID int64, user *models.User, args string) {
	if !b.require(chatID, user.Role.CanAdminister()) {
		return
	}

	maxUses := 1
	if args = strings.TrimSpace(args); args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n < 1 || n > maxCodeUses {
			b.replyError(chatID, errs.NewValidationError(fmt.Sprintf("max uses must be a number between 1 and %d", maxCodeUses)))
			return
		}
		maxUses = n
	}

	value, err := generateCode()
	if err != nil {
		b.replyError(chatID, errs.NewInternalError("generate code", err))
		return
	}
	expiresAt := b.now().Add(b.codeTTL)
	code := &models.RegistrationCode{
		Code:      value,
		ExpiresAt: &expiresAt,
		MaxUses:   maxUses,
		IsActive:  true,
		CreatedBy: user.ID,
	}
	if err := b.db.CreateCode(ctx, code); err != nil {
		b.replyError(chatID, err)
		return
	}

	b.logger.Info("Registration code created",
		zap.Int64("code_id", code.ID),
		zap.Int("max_uses", maxUses),
		zap.Int64("created_by", user.ID),
	)
	link := fmt.Sprintf("https://t.me/%s?start=%s", b.username, value)
	b.reply(chatID, fmt.Sprintf("🎟 Invitation link (%d use(s), valid until %s):\n\n%s",
		maxUses, b.formatTime(expiresAt), html.EscapeString(link)))
}

// handleCodes lists registration codes and deactivates expired ones
func (b *Bot) handleCodes(ctx context.Context, chatID int64, user *models.User) {
	if !b.require(chatID, user.Role.CanAdminister()) {
		return
	}

	codes, err := b.db.ListCodes(ctx)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	if len(codes) == 0 {
		b.reply(chatID, "No registration codes yet. Issue one with /new_code.")
		return
	}

	now := b.now()
	var sb strings.Builder
	sb.WriteString("🎟 <b>Registration codes</b>\n\n")
	for i, c := range codes {
		if c.IsActive && c.Expired(now) {
			if err := b.db.DeactivateCode(ctx, c.ID); err != nil {
				b.logger.Warn("Failed to deactivate expired code", zap.Int64("code_id", c.ID), zap.Error(err))
			} else {
				c.IsActive = false
			}
		}
		if i >= listCodeLimit {
			continue
		}

		status := "active"
		switch {
		case c.Expired(now):
			status = "expired"
		case c.UsedCount >= c.MaxUses:
			status = "used up"
		case !c.IsActive:
			status = "inactive"
		}
		sb.WriteString(fmt.Sprintf("<code>%s</code> · %s · %d/%d\n", html.EscapeString(c.Code), status, c.UsedCount, c.MaxUses))
	}
	b.reply(chatID, sb.String())
}

// handleChannels lists registered channels with delete buttons
func (b *Bot) handleChannels(ctx context.Context, chatID int64, user *models.User) {
	if !b.require(chatID, user.Role.CanManageChannels()) {
		return
	}

	channels, err := b.db.ListChannels(ctx)
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	if len(channels) == 0 {
		b.reply(chatID, "No channels registered. Add the bot to a channel as an admin, then use /add_channel &lt;chat_id&gt;.")
		return
	}

	var sb strings.Builder
	sb.WriteString("📢 <b>Channels</b>\n\n")
	var buttons []tgbotapi.InlineKeyboardButton
	for _, c := range channels {
		sb.WriteString(fmt.Sprintf("%s · %s · <code>%d</code>\n", html.EscapeString(channelLabel(c)), c.Type, c.ChatID))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(
			"🗑 "+truncate(channelLabel(c), 24), fmt.Sprintf("%s:%d", cbDeleteChannel, c.ID)))
	}
	b.replyWithMarkup(chatID, sb.String(), gridKeyboard(buttons))
}

// handleAddChannel registers a channel or group: /add_channel <chat_id|@username>
func (b *Bot) handleAddChannel(ctx context.Context, chatID int64, user *models.User, args string) {
	if !b.require(chatID, user.Role.CanManageChannels()) {
		return
	}

	args = strings.TrimSpace(args)
	config := tgbotapi.ChatInfoConfig{}
	if strings.HasPrefix(args, "@") {
		config.SuperGroupUsername = args
	} else {
		id, err := strconv.ParseInt(args, 10, 64)
		if err != nil {
			b.replyError(chatID, errs.NewValidationError("usage: /add_channel <chat_id> or /add_channel @username"))
			return
		}
		config.ChatID = id
	}

	chat, err := b.api.GetChat(config)
	if err != nil {
		b.logger.Info("Channel lookup failed", zap.String("chat", args), zap.Error(err))
		b.replyError(chatID, errs.NewValidationError("could not access that chat. Make sure the bot is a member and can post there"))
		return
	}

	channelType := models.ChannelTypeChannel
	switch {
	case chat.IsPrivate():
		b.replyError(chatID, errs.NewValidationError("private chats cannot be used as channels"))
		return
	case chat.IsGroup(), chat.IsSuperGroup():
		channelType = models.ChannelTypeGroup
	}

	title := chat.Title
	if title == "" {
		title = chat.UserName
	}
	channel, err := b.db.CreateChannel(ctx, chat.ID, channelType, title)
	if err != nil {
		b.replyError(chatID, err)
		return
	}

	b.logger.Info("Channel registered",
		zap.Int64("channel_id", channel.ID),
		zap.Int64("chat_id", channel.ChatID),
		zap.String("type", string(channel.Type)),
	)
	b.reply(chatID, fmt.Sprintf("✅ %s %s registered.", capitalize(string(channel.Type)), html.EscapeString(channelLabel(*channel))))
}

func (b *Bot) handleDeleteChannelCallback(ctx context.Context, chatID int64, user *models.User, payload string) {
	if !b.require(chatID, user.Role.CanManageChannels()) {
		return
	}
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return
	}
	if err := b.db.DeleteChannel(ctx, id); err != nil {
		b.replyError(chatID, err)
		return
	}
	b.logger.Info("Channel deleted", zap.Int64("channel_id", id), zap.Int64("user_id", user.ID))
	b.reply(chatID, "🗑 Channel removed.")
}

// handleUsers lists users with buttons to change their role
func (b *Bot) handleUsers(ctx context.Context, chatID int64, user *models.User) {
	if !b.require(chatID, user.Role.CanAdminister()) {
		return
	}

	users, err := b.db.ListUsers(ctx)
	if err != nil {
		b.replyError(chatID, err)
		return
	}

	var buttons []tgbotapi.InlineKeyboardButton
	for _, u := range users {
		label := fmt.Sprintf("%s · %s", displayName(u.Username, u.TelegramID), u.Role)
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("%s:%d", cbUser, u.ID)))
	}
	b.replyWithMarkup(chatID, fmt.Sprintf("👥 <b>Users</b> (%d)\n\nTap a user to change their role.", len(users)), gridKeyboard(buttons))
}

func (b *Bot) handleUserCallback(ctx context.Context, chatID int64, user *models.User, payload string) {
	if !b.require(chatID, user.Role.CanAdminister()) {
		return
	}
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return
	}
	target, err := b.db.GetUser(ctx, id)
	if err != nil {
		b.replyError(chatID, err)
		return
	}

	var buttons []tgbotapi.InlineKeyboardButton
	for _, role := range models.Roles {
		if role == target.Role {
			continue
		}
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(
			"Make "+role.String(), fmt.Sprintf("%s:%d:%s", cbRole, target.ID, role)))
	}
	b.replyWithMarkup(chatID, fmt.Sprintf("%s is a <b>%s</b>.",
		html.EscapeString(displayName(target.Username, target.TelegramID)), target.Role), gridKeyboard(buttons))
}

// handleRoleCallback applies "role:<user_id>:<role>"
func (b *Bot) handleRoleCallback(ctx context.Context, chatID int64, user *models.User, payload string) {
	if !b.require(chatID, user.Role.CanAdminister()) {
		return
	}
	idPart, rolePart, _ := strings.Cut(payload, ":")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return
	}
	role, err := models.ParseRole(rolePart)
	if err != nil {
		return
	}
	if id == user.ID {
		b.replyError(chatID, errOwnRole)
		return
	}

	if err := b.db.SetUserRole(ctx, id, role); err != nil {
		b.replyError(chatID, err)
		return
	}
	b.logger.Info("User role changed", zap.Int64("user_id", id), zap.String("role", role.String()), zap.Int64("by", user.ID))
	b.reply(chatID, fmt.Sprintf("✅ Role changed to <b>%s</b>.", role))
}

// handleStats shows per-channel delivery counts for the last 30 days
func (b *Bot) handleStats(ctx context.Context, chatID int64, user *models.User) {
	if !b.require(chatID, user.Role.CanManageChannels()) {
		return
	}
	if b.journal == nil {
		b.reply(chatID, "Delivery statistics are not configured.")
		return
	}

	stats, err := b.journal.ChannelStats(ctx, b.now().Add(-statsPeriod))
	if err != nil {
		b.replyError(chatID, err)
		return
	}
	if len(stats) == 0 {
		b.reply(chatID, "📊 No deliveries in the last 30 days.")
		return
	}

	titles := make(map[int64]string)
	if channels, err := b.db.ListChannels(ctx); err == nil {
		for _, c := range channels {
			titles[c.ChatID] = channelLabel(c)
		}
	}

	var sb strings.Builder
	sb.WriteString("📊 <b>Deliveries in the last 30 days</b>\n\n")
	for _, s := range stats {
		name, ok := titles[s.ChatID]
		if !ok {
			name = strconv.FormatInt(s.ChatID, 10)
		}
		sb.WriteString(fmt.Sprintf("%s: ✅ %d · ⚠️ %d\n", html.EscapeString(name), s.Delivered, s.Failed))
	}
	b.reply(chatID, sb.String())
}
