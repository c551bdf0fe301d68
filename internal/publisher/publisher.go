// Package publisher validates finished post requests and routes them to the
// scheduler or straight to the delivery engine.
package publisher

import (
	"context"
	"errors"
	"html"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"promobot/internal/errs"
	"promobot/internal/models"
	"promobot/internal/storage"
)

// Telegram limits on the visible text of a message and of a media caption
const (
	MaxTextLength    = 4096
	MaxCaptionLength = 1024
	MaxButtons       = 20
)

const shutdownReason = "not sent, the bot was shutting down"

var (
	buttonURL = regexp.MustCompile(`^(https?|tg)://\S+$`)
	htmlTag   = regexp.MustCompile(`<[^>]*>`)
)

// Scheduler durably defers deliveries
type Scheduler interface {
	Schedule(ctx context.Context, postID int64, at time.Time) error
	// Track picks up an entry written together with its post
	Track(postID int64, at time.Time)
	Cancel(ctx context.Context, postID int64) error
}

// Deliverer delivers a post immediately
type Deliverer interface {
	Deliver(ctx context.Context, postID int64) error
}

// Service creates posts and controls their delivery
type Service struct {
	store     storage.Storage
	scheduler Scheduler
	deliverer Deliverer
	logger    *zap.Logger
	now       func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a publisher service
func New(store storage.Storage, scheduler Scheduler, deliverer Deliverer, logger *zap.Logger, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:     store,
		scheduler: scheduler,
		deliverer: deliverer,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks a request the way Submit does, without persisting anything
func (s *Service) Validate(req models.PostRequest) error {
	if req.ScheduledAt != nil && !req.ScheduledAt.After(s.now()) {
		return errs.ErrScheduleInPast
	}
	if VisibleLength(req.Text) == 0 {
		return errs.ErrEmptyText
	}
	if len(req.ChannelIDs) == 0 {
		return errs.ErrNoChannels
	}

	limit := MaxTextLength
	if req.ImageFileID != "" {
		limit = MaxCaptionLength
	}

	err := validation.ValidateStruct(&req,
		validation.Field(&req.AuthorID, validation.Required),
		validation.Field(&req.Text, validation.By(maxVisibleLength(limit))),
		validation.Field(&req.AppID, validation.NilOrNotEmpty, validation.Min(int64(1))),
		validation.Field(&req.ChannelIDs, validation.Each(validation.Required)),
		validation.Field(&req.Buttons, validation.Length(0, MaxButtons), validation.Each(validation.By(validButton))),
	)
	if err != nil {
		return errs.NewValidationError(err.Error())
	}
	return nil
}

// Submit validates and stores the post, then starts an immediate delivery in
// the background. A scheduled post is stored with its scheduled delivery.
func (s *Service) Submit(ctx context.Context, req models.PostRequest) (*models.Post, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}

	post := &models.Post{
		AuthorID:          req.AuthorID,
		Text:              req.Text,
		ImageFileID:       req.ImageFileID,
		AppID:             req.AppID,
		Buttons:           req.Buttons,
		CaptionAbove:      req.CaptionAbove,
		UseDefaultButtons: req.UseDefaultButtons,
		Status:            models.PostStatusQueued,
	}
	if req.ScheduledAt != nil {
		at := *req.ScheduledAt
		post.ScheduledAt = &at
		post.Status = models.PostStatusScheduled
	}
	if err := s.store.CreatePost(ctx, post, req.ChannelIDs); err != nil {
		return nil, err
	}
	logger := s.logger.With(zap.Int64("post_id", post.ID), zap.Int64("author_id", req.AuthorID))

	if req.ScheduledAt == nil {
		logger.Info("Post created for immediate delivery", zap.Int("channels", len(req.ChannelIDs)))
		if err := s.dispatch(ctx, post.ID); err != nil {
			return nil, err
		}
		return post, nil
	}

	s.scheduler.Track(post.ID, *post.ScheduledAt)
	logger.Info("Post created and scheduled", zap.Time("at", *post.ScheduledAt))
	return post, nil
}

// Reschedule moves a post that has not been sent to a new future time
func (s *Service) Reschedule(ctx context.Context, postID int64, at time.Time) error {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.IsSent() {
		return errs.ErrAlreadySent
	}
	return s.scheduler.Schedule(ctx, postID, at)
}

// Cancel drops the pending schedule of a post
func (s *Service) Cancel(ctx context.Context, postID int64) error {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	switch post.Status {
	case models.PostStatusScheduled:
		return s.scheduler.Cancel(ctx, postID)
	case models.PostStatusSent:
		return errs.ErrAlreadySent
	case models.PostStatusDelivering:
		return errs.ErrDeliveryInProgress
	case models.PostStatusUnconfirmed:
		return errs.ErrDeliveryUnconfirmed
	default:
		return errs.ErrNotScheduled
	}
}

// SendNow cancels any pending schedule and delivers the post in the background
func (s *Service) SendNow(ctx context.Context, postID int64) error {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	switch post.Status {
	case models.PostStatusSent:
		return errs.ErrAlreadySent
	case models.PostStatusDelivering:
		return errs.ErrDeliveryInProgress
	case models.PostStatusUnconfirmed:
		return errs.ErrDeliveryUnconfirmed
	case models.PostStatusScheduled:
		if err := s.scheduler.Cancel(ctx, postID); err != nil {
			return err
		}
	}
	return s.dispatch(ctx, postID)
}

// Retry re-queues a failed or cancelled post. Channels that already
// received it are skipped by the engine.
func (s *Service) Retry(ctx context.Context, postID int64) error {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.Status != models.PostStatusFailed && post.Status != models.PostStatusCancelled {
		return errs.ErrNotRetryable
	}
	if err := s.store.SetPostStatus(ctx, postID, models.PostStatusQueued); err != nil {
		return err
	}
	return s.dispatch(ctx, postID)
}

// dispatch delivers the post in the background. Once shutdown has begun the
// post is marked failed instead, so its author can retry it later.
func (s *Service) dispatch(ctx context.Context, postID int64) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if err := s.store.FinishDelivery(context.WithoutCancel(ctx), postID, models.PostStatusFailed, nil, shutdownReason); err != nil {
			s.logger.Error("Failed to mark post failed", zap.Int64("post_id", postID), zap.Error(err))
		}
		return errs.ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		err := s.deliverer.Deliver(s.ctx, postID)
		if err == nil {
			return
		}
		logger := s.logger.With(zap.Int64("post_id", postID))
		if _, ok := errs.AsDelivery(err); ok {
			// Already reported to the author by the engine
			logger.Warn("Immediate delivery failed", zap.Error(err))
			return
		}
		logger.Error("Immediate delivery error", zap.Error(err))
	}()
	return nil
}

// Wait blocks until background deliveries finish
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting deliveries and waits up to timeout for running
// ones before interrupting them
func (s *Service) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(timeout):
		s.logger.Warn("Deliveries still running, interrupting them")
	}
	s.cancel()
	<-drained
}

// Close interrupts background deliveries and waits for them to return
func (s *Service) Close() {
	s.Shutdown(0)
}

// VisibleLength counts the characters of HTML text as Telegram displays them
func VisibleLength(text string) int {
	return utf8.RuneCountInString(PlainText(text))
}

// PlainText strips HTML formatting from post text
func PlainText(text string) string {
	return html.UnescapeString(htmlTag.ReplaceAllString(text, ""))
}

func maxVisibleLength(limit int) validation.RuleFunc {
	return func(value interface{}) error {
		text, _ := value.(string)
		if VisibleLength(text) > limit {
			return validation.NewError("validation_text_too_long", "text is too long")
		}
		return nil
	}
}

func validButton(value interface{}) error {
	b, ok := value.(models.Button)
	if !ok {
		return errors.New("must be a button")
	}
	return validation.ValidateStruct(&b,
		validation.Field(&b.Label, validation.Required, validation.RuneLength(1, 64)),
		validation.Field(&b.URL, validation.Required, validation.Match(buttonURL)),
	)
}
