// Package scheduler turns durable scheduled deliveries into Deliver calls.
//
// The store is the source of truth: an entry survives restarts and is
// claimed before delivery, so two passes (or two processes) never run the
// same entry at once. In-process timers only shorten the delay between the
// due time and the next pass; the poll ticker alone is enough for
// correctness.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"promobot/internal/errs"
	"promobot/internal/keymutex"
	"promobot/internal/models"
	"promobot/internal/storage"
)

// Deliverer delivers a post to its channels
type Deliverer interface {
	Deliver(ctx context.Context, postID int64) error
}

// Scheduler fires scheduled deliveries at or after their due time
type Scheduler struct {
	store     storage.Storage
	deliverer Deliverer
	logger    *zap.Logger
	locks     *keymutex.KeyMutex
	now       func() time.Time

	pollInterval time.Duration
	claimLease   time.Duration
	concurrency  int
	drainTimeout time.Duration

	mu       sync.Mutex
	timers   map[int64]*time.Timer
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithPollInterval sets how often due entries are polled
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithClaimLease sets how long a claim is honoured before another pass may take it over
func WithClaimLease(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.claimLease = d
		}
	}
}

// WithConcurrency bounds the number of posts delivered at once
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithDrainTimeout sets how long Stop waits for running deliveries before
// interrupting them
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. Call Start to begin firing entries.
func New(store storage.Storage, deliverer Deliverer, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		deliverer:    deliverer,
		logger:       logger,
		locks:        keymutex.New(),
		now:          time.Now,
		pollInterval: 30 * time.Second,
		claimLease:   10 * time.Minute,
		concurrency:  4,
		drainTimeout: 15 * time.Second,
		timers:       make(map[int64]*time.Timer),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule durably records a delivery of postID at at, superseding any
// earlier schedule of the same post
func (s *Scheduler) Schedule(ctx context.Context, postID int64, at time.Time) error {
	if !at.After(s.now()) {
		return errs.ErrScheduleInPast
	}

	unlock := s.locks.Lock(postID)
	defer unlock()

	if err := s.store.UpsertScheduledDelivery(ctx, postID, at); err != nil {
		return err
	}
	s.arm(postID, at)

	s.logger.Info("Post scheduled", zap.Int64("post_id", postID), zap.Time("at", at))
	return nil
}

// Track arms a timer for an entry the store already holds
func (s *Scheduler) Track(postID int64, at time.Time) {
	s.arm(postID, at)
	s.logger.Info("Post scheduled", zap.Int64("post_id", postID), zap.Time("at", at))
}

// Cancel removes a pending schedule of postID. It is a no-op when none
// exists and a conflict when the entry is already being delivered.
func (s *Scheduler) Cancel(ctx context.Context, postID int64) error {
	unlock := s.locks.Lock(postID)
	defer unlock()

	err := s.store.RemoveScheduledDelivery(ctx, postID)
	if errs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.disarm(postID)

	s.logger.Info("Scheduled delivery cancelled", zap.Int64("post_id", postID))
	return nil
}

// RunDue delivers every entry that is due, plus entries whose claim outlived
// the lease. It returns the number of entries it delivered.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	now := s.now()
	staleBefore := now.Add(-s.claimLease)

	due, err := s.store.ListDueScheduledDeliveries(ctx, now, staleBefore)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	var (
		g   errgroup.Group
		mu  sync.Mutex
		ran int
	)
	g.SetLimit(s.concurrency)

	for _, entry := range due {
		if ctx.Err() != nil || s.stopping.Load() {
			break
		}
		g.Go(func() error {
			if s.runEntry(ctx, entry, now, staleBefore) {
				mu.Lock()
				ran++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return ran, nil
}

// runEntry claims and delivers one entry. Failures are logged so the rest of
// the pass continues.
func (s *Scheduler) runEntry(ctx context.Context, entry models.ScheduledDelivery, now, staleBefore time.Time) bool {
	logger := s.logger.With(zap.Int64("post_id", entry.PostID), zap.Time("at", entry.At))
	if s.stopping.Load() {
		return false
	}

	unlock := s.locks.Lock(entry.PostID)
	claimed, err := s.store.ClaimScheduledDelivery(ctx, entry.PostID, entry.At, now, staleBefore)
	unlock()
	if err != nil {
		logger.Error("Failed to claim scheduled delivery", zap.Error(err))
		return false
	}
	if !claimed {
		logger.Debug("Scheduled delivery was rescheduled, cancelled or taken")
		return false
	}
	if entry.ClaimedAt != nil {
		logger.Warn("Taking over an expired claim", zap.Time("claimed_at", *entry.ClaimedAt))
	}

	err = s.deliverer.Deliver(ctx, entry.PostID)
	if err != nil && !settled(err) {
		// Keep the claim; the entry is picked up again once the lease expires.
		logger.Error("Scheduled delivery failed, will retry after lease", zap.Duration("lease", s.claimLease), zap.Error(err))
		return true
	}
	if err != nil {
		logger.Warn("Scheduled delivery finished with error", zap.Error(err))
	}

	if err := s.store.CompleteScheduledDelivery(context.WithoutCancel(ctx), entry.PostID, entry.At); err != nil {
		logger.Error("Failed to complete scheduled delivery", zap.Error(err))
	}
	return true
}

// settled reports whether a Deliver error still consumes the entry: the post
// was attempted (and failed), already sent, in flight elsewhere or gone
func settled(err error) bool {
	if _, ok := errs.AsDelivery(err); ok {
		return true
	}
	return errs.IsConflict(err) || errs.IsNotFound(err)
}

// Start runs a catch-up pass for overdue entries, arms timers for pending
// ones and polls until ctx is cancelled or Stop is called.
//
// The scheduler must be the only one working on the store: claims left by a
// previous process are released so their entries run in the catch-up pass.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	released, err := s.store.ReleaseScheduleClaims(ctx)
	if err != nil {
		cancel()
		return err
	}
	if released > 0 {
		s.logger.Warn("Released scheduled deliveries claimed by a previous run", zap.Int64("entries", released))
	}

	pending, err := s.store.ListScheduledDeliveries(ctx)
	if err != nil {
		cancel()
		return err
	}
	now := s.now()
	for _, p := range pending {
		if p.At.After(now) {
			s.arm(p.PostID, p.At)
		}
	}

	s.stopping.Store(false)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("Scheduler started",
		zap.Int("pending", len(pending)),
		zap.Duration("poll_interval", s.pollInterval),
	)

	go s.loop(ctx, done)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if s.stopping.Load() {
			return
		}
		s.pass(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	n, err := s.RunDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Failed to run due deliveries", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.logger.Info("Ran due deliveries", zap.Int("count", n))
	}
}

// Stop ends the poll loop and drops timers. Running deliveries get the drain
// timeout to finish before their context is cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	s.stopping.Store(true)
	s.poke()

	select {
	case <-done:
	case <-time.After(s.drainTimeout):
		s.logger.Warn("Scheduled deliveries still running, interrupting them")
		cancel()
		<-done
	}
	cancel()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) arm(postID int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[postID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(at.Sub(s.now()), func() {
		s.mu.Lock()
		if s.timers[postID] == t {
			delete(s.timers, postID)
		}
		s.mu.Unlock()
		s.poke()
	})
	s.timers[postID] = t
}

func (s *Scheduler) disarm(postID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[postID]; ok {
		t.Stop()
		delete(s.timers, postID)
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
