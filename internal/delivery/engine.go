// Package delivery sends a stored post to each of its channels exactly once.
//
// A post is claimed atomically before any send, so a scheduled run and a
// manual send-now can never both deliver it. Channels are sent in author
// order; the first channel that fails terminally (or exhausts its retries)
// stops the run and marks the post failed. Channels already delivered are
// recorded per (post, channel) and skipped when the post is retried. A
// delivery that cannot be recorded stops the run and leaves the post
// unconfirmed, so no later run sends it to that channel again.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"promobot/internal/errs"
	"promobot/internal/models"
	"promobot/internal/storage"
	"promobot/internal/transport"
)

// Sender delivers a rendered message to one chat
type Sender interface {
	Send(ctx context.Context, chatID int64, msg transport.Message) (int64, error)
}

// Notifier sends service messages to users
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Engine delivers posts
type Engine struct {
	store     storage.Storage
	sender    Sender
	journal   storage.Journal
	notifier  Notifier
	templates []models.ButtonTemplate
	policy    RetryPolicy
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithJournal records every send attempt
func WithJournal(j storage.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithNotifier reports failed deliveries to the post's author
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithButtonTemplates sets the default buttons added to posts with an app id
func WithButtonTemplates(t []models.ButtonTemplate) Option {
	return func(e *Engine) { e.templates = t }
}

// WithRetryPolicy overrides DefaultRetryPolicy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		e.policy = p
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a delivery engine
func NewEngine(store storage.Storage, sender Sender, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		sender: sender,
		policy: DefaultRetryPolicy,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver sends the post to every linked channel that has not received it yet.
//
// A missing post or a post without channels is a no-op. A post that was
// already sent yields errs.ErrAlreadySent, one being delivered elsewhere
// yields errs.ErrDeliveryInProgress. A channel failure marks the post failed
// and is returned as a wrapped *errs.DeliveryError.
func (e *Engine) Deliver(ctx context.Context, postID int64) error {
	logger := e.logger.With(zap.Int64("post_id", postID))

	post, err := e.store.GetPost(ctx, postID)
	if errs.IsNotFound(err) {
		logger.Warn("Post to deliver no longer exists")
		return nil
	}
	if err != nil {
		return err
	}
	if post.IsSent() {
		return errs.ErrAlreadySent
	}

	channels, err := e.store.GetPostChannels(ctx, postID)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		logger.Warn("Post has no channels, nothing to deliver")
		return nil
	}

	post, err = e.store.ClaimPostForDelivery(ctx, postID)
	if err != nil {
		return err
	}

	delivered, err := e.store.ListDeliveries(ctx, postID)
	if err != nil {
		e.finish(ctx, logger, postID, models.PostStatusFailed, nil, "could not load delivery state")
		return err
	}
	done := make(map[int64]int64, len(delivered))
	for _, d := range delivered {
		done[d.ChannelID] = d.MessageID
	}

	msg := Render(*post, e.templates)
	var firstMessageID *int64

	for i, ch := range channels {
		if id, ok := done[ch.ID]; ok {
			if firstMessageID == nil {
				firstMessageID = &id
			}
			logger.Debug("Channel already delivered, skipping", zap.Int64("chat_id", ch.ChatID))
			continue
		}

		messageID, err := e.sendWithRetry(ctx, post.ID, ch, msg)
		if err != nil {
			var derr *errs.DeliveryError
			if !errors.As(err, &derr) {
				// Interrupted (shutdown). Delivered channels stay recorded for the next run.
				e.finish(ctx, logger, postID, models.PostStatusFailed, nil, "delivery interrupted")
				return errs.NewInternalError("deliver post", err)
			}

			reason := fmt.Sprintf("%s: %s", channelName(ch), derr.Reason)
			logger.Warn("Delivery failed",
				zap.Int64("chat_id", ch.ChatID),
				zap.String("reason", derr.Reason),
				zap.Int("delivered", len(done)),
				zap.Int("remaining", len(channels)-i),
			)
			e.finish(ctx, logger, postID, models.PostStatusFailed, nil, reason)
			e.notify(ctx, logger, post, fmt.Sprintf(
				"❌ Post #%d was not delivered to <b>%s</b>: %s\n\nDelivered to %d of %d channels. Use /retry %d to send it to the remaining ones.",
				post.ID, html.EscapeString(channelName(ch)), html.EscapeString(derr.Reason), len(done), len(channels), post.ID,
			))
			return fmt.Errorf("post %d to chat %d: %w", postID, ch.ChatID, derr)
		}

		err = e.recordDelivery(ctx, models.Delivery{
			PostID:      postID,
			ChannelID:   ch.ID,
			MessageID:   messageID,
			DeliveredAt: e.now(),
		})
		if err != nil {
			// Stop here: an unrecorded channel would receive the post again on the next run
			reason := fmt.Sprintf("delivered to %s, but the delivery could not be recorded", channelName(ch))
			logger.Error("Failed to record delivery",
				zap.Int64("chat_id", ch.ChatID),
				zap.Int64("message_id", messageID),
				zap.Error(err),
			)
			e.finish(ctx, logger, postID, models.PostStatusUnconfirmed, nil, reason)
			e.notify(ctx, logger, post, fmt.Sprintf(
				"❓ Post #%d was %s. It will not be sent again automatically: check the channels and create a new post if needed.",
				post.ID, html.EscapeString(reason),
			))
			return fmt.Errorf("post %d: %w", postID, errs.Terminal(reason, err))
		}
		done[ch.ID] = messageID
		if firstMessageID == nil {
			id := messageID
			firstMessageID = &id
		}
	}

	if err := e.store.FinishDelivery(ctx, postID, models.PostStatusSent, firstMessageID, ""); err != nil {
		logger.Error("Failed to mark post sent", zap.Error(err))
		return err
	}
	logger.Info("Post delivered", zap.Int("channels", len(channels)))
	return nil
}

// sendWithRetry retries retryable errors with exponential backoff. The last
// allowed attempt turns a retryable error into a terminal one.
func (e *Engine) sendWithRetry(ctx context.Context, postID int64, ch models.Channel, msg transport.Message) (int64, error) {
	b := e.policy.backOff()
	attempt := 0
	var messageID int64

	op := func() error {
		attempt++
		id, err := e.sender.Send(ctx, ch.ChatID, msg)
		if err == nil {
			messageID = id
			e.record(ctx, postID, ch, attempt, models.OutcomeDelivered, id, "")
			return nil
		}

		derr, ok := errs.AsDelivery(err)
		if !ok {
			derr = errs.Retryable(err.Error(), 0, err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !derr.Retryable {
			e.record(ctx, postID, ch, attempt, models.OutcomeTerminal, 0, derr.Reason)
			return backoff.Permanent(derr)
		}
		if attempt >= e.policy.MaxAttempts {
			reason := fmt.Sprintf("%s (gave up after %d attempts)", derr.Reason, attempt)
			e.record(ctx, postID, ch, attempt, models.OutcomeTerminal, 0, reason)
			return backoff.Permanent(errs.Terminal(reason, derr.Err))
		}

		e.record(ctx, postID, ch, attempt, models.OutcomeRetryable, 0, derr.Reason)
		b.hint = derr.RetryAfter
		return derr
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		e.logger.Debug("Retrying send",
			zap.Int64("post_id", postID),
			zap.Int64("chat_id", ch.ChatID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return 0, err
	}
	return messageID, nil
}

// recordDelivery stores a per-channel delivery, retrying store errors under
// the engine's retry policy. The message is already out, so shutdown does not
// interrupt it.
func (e *Engine) recordDelivery(ctx context.Context, d models.Delivery) error {
	ctx = context.WithoutCancel(ctx)
	b := backoff.WithMaxRetries(e.policy.backOff(), uint64(e.policy.MaxAttempts-1))
	return backoff.Retry(func() error {
		return e.store.RecordDelivery(ctx, d)
	}, b)
}

func (e *Engine) record(ctx context.Context, postID int64, ch models.Channel, attempt int, outcome string, messageID int64, reason string) {
	if e.journal == nil {
		return
	}
	err := e.journal.RecordAttempt(context.WithoutCancel(ctx), models.DeliveryAttempt{
		ID:        uuid.NewString(),
		PostID:    postID,
		ChannelID: ch.ID,
		ChatID:    ch.ChatID,
		Attempt:   attempt,
		Outcome:   outcome,
		MessageID: messageID,
		Reason:    reason,
		At:        e.now(),
	})
	if err != nil {
		e.logger.Warn("Failed to journal delivery attempt", zap.Int64("post_id", postID), zap.Error(err))
	}
}

func (e *Engine) finish(ctx context.Context, logger *zap.Logger, postID int64, status models.PostStatus, messageID *int64, reason string) {
	if err := e.store.FinishDelivery(context.WithoutCancel(ctx), postID, status, messageID, reason); err != nil {
		logger.Error("Failed to update post status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (e *Engine) notify(ctx context.Context, logger *zap.Logger, post *models.Post, text string) {
	if e.notifier == nil {
		return
	}
	author, err := e.store.GetUser(ctx, post.AuthorID)
	if err != nil {
		logger.Warn("Failed to load post author for notification", zap.Error(err))
		return
	}
	if err := e.notifier.Notify(ctx, author.TelegramID, text); err != nil {
		logger.Warn("Failed to notify author", zap.Int64("author_id", author.TelegramID), zap.Error(err))
	}
}

func channelName(ch models.Channel) string {
	if ch.Title != "" {
		return ch.Title
	}
	return fmt.Sprintf("%d", ch.ChatID)
}
