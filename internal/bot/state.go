package bot

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"promobot/internal/models"
)

// Step is the field the post wizard is currently collecting
type Step int

const (
	StepNone Step = iota
	StepText
	StepAppID
	StepChannels
	StepButtons
	StepCaption
	StepSchedule
	StepScheduleTime
	StepConfirm
)

var stepNames = map[Step]string{
	StepNone:         "none",
	StepText:         "text",
	StepAppID:        "app_id",
	StepChannels:     "channels",
	StepButtons:      "buttons",
	StepCaption:      "caption",
	StepSchedule:     "schedule",
	StepScheduleTime: "schedule_time",
	StepConfirm:      "confirm",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "unknown"
}

// transitions maps each step to the step that follows it once its field is
// filled in. Caption is only asked for posts with an image and the time
// keyboard only after a date was picked.
var transitions = map[Step]func(PostDraft) Step{
	StepText:     func(PostDraft) Step { return StepAppID },
	StepAppID:    func(PostDraft) Step { return StepChannels },
	StepChannels: func(PostDraft) Step { return StepButtons },
	StepButtons: func(d PostDraft) Step {
		if d.ImageFileID != "" {
			return StepCaption
		}
		return StepSchedule
	},
	StepCaption: func(PostDraft) Step { return StepSchedule },
	StepSchedule: func(d PostDraft) Step {
		if d.Date != "" && d.ScheduledAt == nil {
			return StepScheduleTime
		}
		return StepConfirm
	},
	StepScheduleTime: func(PostDraft) Step { return StepConfirm },
}

// Next returns the step after s for the given draft
func (s Step) Next(d PostDraft) Step {
	if next, ok := transitions[s]; ok {
		return next(d)
	}
	return StepNone
}

// PostDraft accumulates the post being built by the wizard
type PostDraft struct {
	Text              string          `json:"text"`
	ImageFileID       string          `json:"image_file_id,omitempty"`
	AppID             *int64          `json:"app_id,omitempty"`
	ChannelIDs        []int64         `json:"channel_ids,omitempty"`
	Buttons           []models.Button `json:"buttons,omitempty"`
	CaptionAbove      bool            `json:"caption_above,omitempty"`
	UseDefaultButtons bool            `json:"use_default_buttons,omitempty"`
	Date              string          `json:"date,omitempty"` // YYYY-MM-DD picked on the date keyboard
	ScheduledAt       *time.Time      `json:"scheduled_at,omitempty"`
}

// Request converts the draft into a publisher request
func (d PostDraft) Request(authorID int64) models.PostRequest {
	return models.PostRequest{
		AuthorID:          authorID,
		Text:              d.Text,
		ImageFileID:       d.ImageFileID,
		AppID:             d.AppID,
		ChannelIDs:        d.ChannelIDs,
		Buttons:           d.Buttons,
		CaptionAbove:      d.CaptionAbove,
		UseDefaultButtons: d.UseDefaultButtons,
		ScheduledAt:       d.ScheduledAt,
	}
}

func (d *PostDraft) toggleChannel(id int64) {
	for i, c := range d.ChannelIDs {
		if c == id {
			d.ChannelIDs = append(d.ChannelIDs[:i], d.ChannelIDs[i+1:]...)
			return
		}
	}
	d.ChannelIDs = append(d.ChannelIDs, id)
}

func (d PostDraft) hasChannel(id int64) bool {
	for _, c := range d.ChannelIDs {
		if c == id {
			return true
		}
	}
	return false
}

// ConversationState tracks the post wizard of one user
type ConversationState struct {
	Step   Step      `json:"step"`
	ChatID int64     `json:"chat_id"`
	Draft  PostDraft `json:"draft"`
}

// loadState returns the user's conversation, or nil when there is none
func (b *Bot) loadState(ctx context.Context, userID int64) *ConversationState {
	data, ok, err := b.states.Load(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to load conversation state", zap.Int64("user_id", userID), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	var state ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		b.logger.Warn("Dropping unreadable conversation state", zap.Int64("user_id", userID), zap.Error(err))
		b.clearState(ctx, userID)
		return nil
	}
	if state.Step == StepNone {
		return nil
	}
	return &state
}

func (b *Bot) saveState(ctx context.Context, userID int64, state *ConversationState) {
	if state.Step == StepNone {
		b.clearState(ctx, userID)
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		b.logger.Error("Failed to encode conversation state", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if err := b.states.Save(ctx, userID, data); err != nil {
		b.logger.Error("Failed to save conversation state", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (b *Bot) clearState(ctx context.Context, userID int64) {
	if err := b.states.Delete(ctx, userID); err != nil {
		b.logger.Warn("Failed to delete conversation state", zap.Int64("user_id", userID), zap.Error(err))
	}
}
