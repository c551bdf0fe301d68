package bot

import (
	"context"
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"promobot/internal/delivery"
	"promobot/internal/models"
)

// Callback data prefixes
const (
	cbChannel       = "ch"
	cbDefaults      = "def"
	cbCaption       = "cap"
	cbSchedule      = "sched"
	cbDate          = "date"
	cbTime          = "time"
	cbConfirm       = "confirm"
	cbEdit          = "edit"
	cbPost          = "post"
	cbDeleteChannel = "chdel"
	cbUser          = "user"
	cbRole          = "role"
)

const scheduleHint = "You can also send the date and time as a message: <code>21-06-2025 17:30</code>"

// handleConversation feeds a text or photo message into the current wizard step
func (b *Bot) handleConversation(ctx context.Context, message *tgbotapi.Message, user *models.User, state *ConversationState) {
	chatID := message.Chat.ID
	userID := message.From.ID
	draft := &state.Draft

	switch state.Step {
	case StepText:
		text, imageFileID := messageContent(message)
		if strings.TrimSpace(text) == "" {
			b.reply(chatID, "The post needs some text. Send the text, or an image with a caption.")
			return
		}
		draft.Text = text
		draft.ImageFileID = imageFileID
		if imageFileID == "" {
			draft.CaptionAbove = false
		}

	case StepAppID:
		appID, err := ParseAppID(message.Text)
		if err != nil {
			b.replyError(chatID, err)
			return
		}
		draft.AppID = appID
		draft.UseDefaultButtons = appID != nil

	case StepButtons:
		buttons, err := ParseButtons(message.Text)
		if err != nil {
			b.replyError(chatID, err)
			return
		}
		draft.Buttons = buttons

	case StepSchedule, StepScheduleTime:
		at, err := ParseScheduleTime(message.Text, b.location, b.now())
		if err != nil {
			b.replyError(chatID, err)
			return
		}
		draft.ScheduledAt = &at
		draft.Date = ""
		state.Step = StepConfirm
		b.saveState(ctx, userID, state)
		b.prompt(ctx, chatID, state)
		return

	default:
		b.reply(chatID, "Please use the buttons above, or /cancel to abort.")
		return
	}

	b.advance(ctx, chatID, userID, state)
}

// advance moves the wizard to the next step and asks for its field
func (b *Bot) advance(ctx context.Context, chatID, userID int64, state *ConversationState) {
	state.Step = state.Step.Next(state.Draft)
	b.saveState(ctx, userID, state)
	b.prompt(ctx, chatID, state)
}

// prompt asks the user for the field of the current step
func (b *Bot) prompt(ctx context.Context, chatID int64, state *ConversationState) {
	draft := state.Draft

	switch state.Step {
	case StepText:
		b.reply(chatID, "✍️ Send the post text. To add an image, send it with the text as its caption.")

	case StepAppID:
		b.reply(chatID, "🎮 Send the Steam app id, or <code>-</code> to skip.")

	case StepChannels:
		channels, err := b.db.ListChannels(ctx)
		if err != nil {
			b.replyError(chatID, err)
			return
		}
		if len(channels) == 0 {
			b.reply(chatID, "No channels are registered yet. Ask an administrator to /add_channel.")
			return
		}
		b.replyWithMarkup(chatID, "📢 Where should the post go? Tap channels to select them.", channelKeyboard(channels, draft))

	case StepButtons:
		text := "🔗 Send extra buttons, one per line:\n<code>Label | https://example.com</code>\n\nSend <code>-</code> for none."
		var markup tgbotapi.InlineKeyboardMarkup
		if draft.AppID != nil && len(b.templates) > 0 {
			markup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(defaultsButton(draft.UseDefaultButtons)))
		}
		b.replyWithMarkup(chatID, text, markup)

	case StepCaption:
		b.replyWithMarkup(chatID, "🖼 Where should the text go?", tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("⬆️ Above the image", cbCaption+":above"),
				tgbotapi.NewInlineKeyboardButtonData("⬇️ Below the image", cbCaption+":below"),
			),
		))

	case StepSchedule:
		b.replyWithMarkup(chatID, "⏰ Send now or schedule?\n\n"+scheduleHint, b.dateKeyboard())

	case StepScheduleTime:
		var buttons []tgbotapi.InlineKeyboardButton
		for _, option := range b.timeOptions {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(option, cbTime+":"+option))
		}
		b.replyWithMarkup(chatID, "🕒 Pick a time.\n\n"+scheduleHint, gridKeyboard(buttons))

	case StepConfirm:
		b.replyWithMarkup(chatID, b.preview(ctx, draft), confirmKeyboard())
	}
}

// preview summarises the draft before it is created
func (b *Bot) preview(ctx context.Context, draft PostDraft) string {
	var sb strings.Builder
	sb.WriteString("👀 <b>Preview</b>\n\n")
	sb.WriteString(draft.Text)
	sb.WriteString("\n\n")

	if draft.ImageFileID != "" {
		placement := "below"
		if draft.CaptionAbove {
			placement = "above"
		}
		sb.WriteString(fmt.Sprintf("🖼 Image attached, text %s it\n", placement))
	}
	if draft.AppID != nil {
		sb.WriteString(fmt.Sprintf("🎮 App ID: <code>%d</code>\n", *draft.AppID))
	}

	channels, _ := b.db.ListChannels(ctx)
	var names []string
	for _, c := range channels {
		if draft.hasChannel(c.ID) {
			names = append(names, html.EscapeString(channelLabel(c)))
		}
	}
	sb.WriteString("📢 Channels: " + strings.Join(names, ", ") + "\n")

	post := models.Post{AppID: draft.AppID, UseDefaultButtons: draft.UseDefaultButtons, Buttons: draft.Buttons}
	if buttons := delivery.BuildButtons(post, b.templates); len(buttons) > 0 {
		var labels []string
		for _, btn := range buttons {
			labels = append(labels, html.EscapeString(btn.Label))
		}
		sb.WriteString("🔗 Buttons: " + strings.Join(labels, ", ") + "\n")
	}

	if draft.ScheduledAt != nil {
		sb.WriteString(fmt.Sprintf("⏰ Sending: %s (%s)", draft.ScheduledAt.In(b.location).Format(scheduleLayout), b.location))
	} else {
		sb.WriteString("⏰ Sending: now")
	}
	return sb.String()
}

// messageContent returns the HTML text of a message and its largest photo, if any
func messageContent(message *tgbotapi.Message) (string, string) {
	if len(message.Photo) > 0 {
		photo := message.Photo[len(message.Photo)-1]
		return entitiesToHTML(message.Caption, message.CaptionEntities), photo.FileID
	}
	return entitiesToHTML(message.Text, message.Entities), ""
}

func channelLabel(c models.Channel) string {
	if c.Title != "" {
		return c.Title
	}
	return fmt.Sprintf("%d", c.ChatID)
}

func channelKeyboard(channels []models.Channel, draft PostDraft) tgbotapi.InlineKeyboardMarkup {
	var buttons []tgbotapi.InlineKeyboardButton
	for _, c := range channels {
		label := channelLabel(c)
		if draft.hasChannel(c.ID) {
			label = "✔️ " + label
		}
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("%s:%d", cbChannel, c.ID)))
	}
	return gridKeyboard(buttons, tgbotapi.NewInlineKeyboardButtonData("➡️ Next", cbChannel+":done"))
}

func defaultsButton(enabled bool) tgbotapi.InlineKeyboardButton {
	label := "☐ Add default buttons"
	if enabled {
		label = "✔️ Add default buttons"
	}
	return tgbotapi.NewInlineKeyboardButtonData(label, cbDefaults+":toggle")
}

// dateKeyboard offers "now" and the next seven days
func (b *Bot) dateKeyboard() tgbotapi.InlineKeyboardMarkup {
	today := b.now().In(b.location)
	var buttons []tgbotapi.InlineKeyboardButton
	for i := 0; i < 7; i++ {
		day := today.AddDate(0, 0, i)
		label := day.Format("Mon 02.01")
		if i == 0 {
			label = "Today"
		}
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(label, cbDate+":"+day.Format(dateLayout)))
	}
	markup := gridKeyboard(buttons)
	now := tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🚀 Send now", cbSchedule+":now"))
	markup.InlineKeyboard = append([][]tgbotapi.InlineKeyboardButton{now}, markup.InlineKeyboard...)
	return markup
}

func confirmKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Text", cbEdit+":text"),
			tgbotapi.NewInlineKeyboardButtonData("App", cbEdit+":app"),
			tgbotapi.NewInlineKeyboardButtonData("Channels", cbEdit+":channels"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Buttons", cbEdit+":buttons"),
			tgbotapi.NewInlineKeyboardButtonData("Time", cbEdit+":schedule"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Create", cbConfirm+":create"),
			tgbotapi.NewInlineKeyboardButtonData("❌ Cancel", cbConfirm+":cancel"),
		),
	)
}
