package publisher

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"promobot/internal/errs"
	"promobot/internal/models"
	"promobot/internal/scheduler"
	"promobot/internal/storage/stubs"
)

type fakeDeliverer struct {
	mu    sync.Mutex
	posts []int64
	db    *stubs.MockDB
}

func (d *fakeDeliverer) Deliver(ctx context.Context, postID int64) error {
	d.mu.Lock()
	d.posts = append(d.posts, postID)
	d.mu.Unlock()
	if _, err := d.db.ClaimPostForDelivery(ctx, postID); err != nil {
		return err
	}
	return d.db.FinishDelivery(ctx, postID, models.PostStatusSent, nil, "")
}

func (d *fakeDeliverer) Delivered() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.posts...)
}

type env struct {
	svc       *Service
	db        *stubs.MockDB
	deliverer *fakeDeliverer
	sched     *scheduler.Scheduler
	channelID int64
	now       time.Time
}

func setup(t *testing.T) *env {
	t.Helper()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	db := stubs.NewMockDB()
	ch, err := db.CreateChannel(context.Background(), -100, models.ChannelTypeChannel, "news")
	require.NoError(t, err)

	d := &fakeDeliverer{db: db}
	sched := scheduler.New(db, d, zap.NewNop(), scheduler.WithClock(clock))
	svc := New(db, sched, d, zap.NewNop(), WithClock(clock))
	t.Cleanup(svc.Close)

	return &env{svc: svc, db: db, deliverer: d, sched: sched, channelID: ch.ID, now: now}
}

func (e *env) request() models.PostRequest {
	return models.PostRequest{
		AuthorID:          1,
		Text:              "<b>New game</b> out now",
		ChannelIDs:        []int64{e.channelID},
		UseDefaultButtons: true,
	}
}

func TestService_SubmitImmediate(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	post, err := e.svc.Submit(ctx, e.request())
	require.NoError(t, err)
	e.svc.Wait()

	assert.Equal(t, []int64{post.ID}, e.deliverer.Delivered())
	got, _ := e.db.GetPost(ctx, post.ID)
	assert.True(t, got.IsSent())
}

func TestService_SubmitScheduled(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req := e.request()
	at := e.now.Add(time.Hour)
	req.ScheduledAt = &at

	post, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)
	e.svc.Wait()

	assert.Equal(t, models.PostStatusScheduled, post.Status)
	assert.Empty(t, e.deliverer.Delivered())

	entry, err := e.db.GetScheduledDelivery(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, at, entry.At)
}

func TestService_SubmitRejectsPastSchedule(t *testing.T) {
	e := setup(t)
	req := e.request()
	past := e.now.Add(-time.Minute)
	req.ScheduledAt = &past

	post, err := e.svc.Submit(context.Background(), req)
	assert.Nil(t, post)
	assert.ErrorIs(t, err, errs.ErrScheduleInPast)

	posts, _ := e.db.ListPosts(context.Background(), nil, 10)
	assert.Empty(t, posts, "nothing is stored")
	assert.Empty(t, e.deliverer.Delivered())
}

func TestService_Validate(t *testing.T) {
	e := setup(t)
	appID := int64(570)

	tests := []struct {
		name   string
		modify func(r *models.PostRequest)
		valid  bool
	}{
		{name: "valid", modify: func(r *models.PostRequest) {}, valid: true},
		{name: "with app id and buttons", modify: func(r *models.PostRequest) {
			r.AppID = &appID
			r.Buttons = []models.Button{{Label: "Site", URL: "https://example.com"}}
		}, valid: true},
		{name: "empty text", modify: func(r *models.PostRequest) { r.Text = "<b></b>" }},
		{name: "no channels", modify: func(r *models.PostRequest) { r.ChannelIDs = nil }},
		{name: "no author", modify: func(r *models.PostRequest) { r.AuthorID = 0 }},
		{name: "bad button url", modify: func(r *models.PostRequest) {
			r.Buttons = []models.Button{{Label: "Site", URL: "example.com"}}
		}},
		{name: "empty button label", modify: func(r *models.PostRequest) {
			r.Buttons = []models.Button{{URL: "https://example.com"}}
		}},
		{name: "text too long", modify: func(r *models.PostRequest) { r.Text = strings.Repeat("a", MaxTextLength+1) }},
		{name: "long text with markup fits", modify: func(r *models.PostRequest) {
			r.Text = "<b>" + strings.Repeat("a", MaxTextLength) + "</b>"
		}, valid: true},
		{name: "caption too long", modify: func(r *models.PostRequest) {
			r.ImageFileID = "file"
			r.Text = strings.Repeat("a", MaxCaptionLength+1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := e.request()
			tt.modify(&req)
			err := e.svc.Validate(req)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errs.IsValidation(err), "got %v", err)
		})
	}
}

func TestService_RescheduleAndCancel(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req := e.request()
	at := e.now.Add(time.Hour)
	req.ScheduledAt = &at
	post, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)

	later := e.now.Add(3 * time.Hour)
	require.NoError(t, e.svc.Reschedule(ctx, post.ID, later))
	entry, _ := e.db.GetScheduledDelivery(ctx, post.ID)
	assert.Equal(t, later, entry.At)

	assert.ErrorIs(t, e.svc.Reschedule(ctx, post.ID, e.now), errs.ErrScheduleInPast)

	require.NoError(t, e.svc.Cancel(ctx, post.ID))
	got, _ := e.db.GetPost(ctx, post.ID)
	assert.Equal(t, models.PostStatusCancelled, got.Status)

	assert.ErrorIs(t, e.svc.Cancel(ctx, post.ID), errs.ErrNotScheduled)
}

func TestService_SendNowCancelsSchedule(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req := e.request()
	at := e.now.Add(time.Hour)
	req.ScheduledAt = &at
	post, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)

	require.NoError(t, e.svc.SendNow(ctx, post.ID))
	e.svc.Wait()

	_, err = e.db.GetScheduledDelivery(ctx, post.ID)
	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, []int64{post.ID}, e.deliverer.Delivered())

	assert.ErrorIs(t, e.svc.SendNow(ctx, post.ID), errs.ErrAlreadySent)
	assert.ErrorIs(t, e.svc.Reschedule(ctx, post.ID, at), errs.ErrAlreadySent)
}

func TestService_Retry(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	post := &models.Post{AuthorID: 1, Text: "x"}
	require.NoError(t, e.db.CreatePost(ctx, post, []int64{e.channelID}))

	assert.ErrorIs(t, e.svc.Retry(ctx, post.ID), errs.ErrNotRetryable)

	_, err := e.db.ClaimPostForDelivery(ctx, post.ID)
	require.NoError(t, err)
	require.NoError(t, e.db.FinishDelivery(ctx, post.ID, models.PostStatusFailed, nil, "chat not found"))

	require.NoError(t, e.svc.Retry(ctx, post.ID))
	e.svc.Wait()

	got, _ := e.db.GetPost(ctx, post.ID)
	assert.True(t, got.IsSent())
}

func TestService_UnknownPost(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	assert.True(t, errs.IsNotFound(e.svc.SendNow(ctx, 99)))
	assert.True(t, errs.IsNotFound(e.svc.Cancel(ctx, 99)))
	assert.True(t, errs.IsNotFound(e.svc.Retry(ctx, 99)))
	assert.True(t, errs.IsNotFound(e.svc.Reschedule(ctx, 99, e.now.Add(time.Hour))))
}

func TestService_ScheduledPostSurvivesRestart(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	req := e.request()
	at := e.now.Add(time.Hour)
	req.ScheduledAt = &at

	post, err := e.svc.Submit(ctx, req)
	require.NoError(t, err)

	// A new process only knows what the store holds
	restarted := scheduler.New(e.db, e.deliverer, zap.NewNop(), scheduler.WithClock(func() time.Time { return at }))
	n, err := restarted.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{post.ID}, e.deliverer.Delivered())
}

func TestService_RejectsDeliveriesDuringShutdown(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.svc.Shutdown(time.Second)

	post, err := e.svc.Submit(ctx, e.request())
	assert.Nil(t, post)
	assert.ErrorIs(t, err, errs.ErrShuttingDown)
	assert.Empty(t, e.deliverer.Delivered())

	posts, _ := e.db.ListPosts(ctx, nil, 10)
	require.Len(t, posts, 1)
	assert.Equal(t, models.PostStatusFailed, posts[0].Status, "author can retry after the restart")
}

func TestService_UnconfirmedPostIsNotResent(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	post := &models.Post{AuthorID: 1, Text: "x"}
	require.NoError(t, e.db.CreatePost(ctx, post, []int64{e.channelID}))
	_, err := e.db.ClaimPostForDelivery(ctx, post.ID)
	require.NoError(t, err)
	require.NoError(t, e.db.FinishDelivery(ctx, post.ID, models.PostStatusUnconfirmed, nil, "not recorded"))

	assert.ErrorIs(t, e.svc.SendNow(ctx, post.ID), errs.ErrDeliveryUnconfirmed)
	assert.ErrorIs(t, e.svc.Retry(ctx, post.ID), errs.ErrNotRetryable)
	assert.ErrorIs(t, e.svc.Cancel(ctx, post.ID), errs.ErrDeliveryUnconfirmed)
	assert.Empty(t, e.deliverer.Delivered())
}

func TestVisibleLength(t *testing.T) {
	assert.Equal(t, 5, VisibleLength("<b>hello</b>"))
	assert.Equal(t, 3, VisibleLength("a&amp;b"))
	assert.Equal(t, 2, VisibleLength("привет"[:4]))
}
