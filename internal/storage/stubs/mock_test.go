package stubs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promobot/internal/errs"
	"promobot/internal/models"
)

func newPost(t *testing.T, db *MockDB, chatIDs ...int64) *models.Post {
	t.Helper()
	ctx := context.Background()

	var channelIDs []int64
	for _, chatID := range chatIDs {
		c, err := db.GetChannelByChatID(ctx, chatID)
		if err != nil {
			c, err = db.CreateChannel(ctx, chatID, models.ChannelTypeChannel, "chan")
			require.NoError(t, err)
		}
		channelIDs = append(channelIDs, c.ID)
	}

	post := &models.Post{AuthorID: 1, Text: "hello"}
	require.NoError(t, db.CreatePost(ctx, post, channelIDs))
	return post
}

func TestMockDB_CreatePost(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()

	post := newPost(t, db, -100, -200, -300)
	if post.ID == 0 {
		t.Fatal("Expected post ID to be assigned")
	}
	if post.Status != models.PostStatusQueued {
		t.Errorf("Expected status queued, got %s", post.Status)
	}

	channels, err := db.GetPostChannels(ctx, post.ID)
	if err != nil {
		t.Fatalf("Failed to get post channels: %v", err)
	}
	var chatIDs []int64
	for _, c := range channels {
		chatIDs = append(chatIDs, c.ChatID)
	}
	assert.Equal(t, []int64{-100, -200, -300}, chatIDs, "channels keep author order")

	err = db.CreatePost(ctx, &models.Post{Text: "x"}, []int64{999})
	assert.True(t, errs.IsNotFound(err))
}

func TestMockDB_ClaimPostForDelivery(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	post := newPost(t, db, -100)

	claimed, err := db.ClaimPostForDelivery(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusDelivering, claimed.Status)

	_, err = db.ClaimPostForDelivery(ctx, post.ID)
	assert.ErrorIs(t, err, errs.ErrDeliveryInProgress)

	msgID := int64(77)
	require.NoError(t, db.FinishDelivery(ctx, post.ID, models.PostStatusSent, &msgID, ""))

	_, err = db.ClaimPostForDelivery(ctx, post.ID)
	assert.ErrorIs(t, err, errs.ErrAlreadySent)

	got, err := db.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSent())
	assert.Equal(t, int64(77), *got.MessageID)

	_, err = db.ClaimPostForDelivery(ctx, 12345)
	assert.ErrorIs(t, err, errs.ErrPostNotFound)
}

func TestMockDB_ScheduleLifecycle(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	post := newPost(t, db, -100)

	now := time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC)
	at := now.Add(time.Hour)

	require.NoError(t, db.UpsertScheduledDelivery(ctx, post.ID, at))
	got, _ := db.GetPost(ctx, post.ID)
	assert.Equal(t, models.PostStatusScheduled, got.Status)

	due, err := db.ListDueScheduledDeliveries(ctx, now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due, "entry is not due yet")

	// Superseding moves the entry
	later := now.Add(2 * time.Hour)
	require.NoError(t, db.UpsertScheduledDelivery(ctx, post.ID, later))
	all, _ := db.ListScheduledDeliveries(ctx)
	require.Len(t, all, 1)
	assert.True(t, all[0].At.Equal(later))

	// A claim for the superseded time is refused
	ok, err := db.ClaimScheduledDelivery(ctx, post.ID, at, later, later.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.ClaimScheduledDelivery(ctx, post.ID, later, later, later.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// Claimed entries cannot be cancelled or rescheduled
	assert.ErrorIs(t, db.RemoveScheduledDelivery(ctx, post.ID), errs.ErrDeliveryInProgress)
	assert.ErrorIs(t, db.UpsertScheduledDelivery(ctx, post.ID, later.Add(time.Hour)), errs.ErrDeliveryInProgress)

	// Not listed while the claim is fresh, listed once it goes stale
	due, _ = db.ListDueScheduledDeliveries(ctx, later, later.Add(-time.Minute))
	assert.Empty(t, due)
	due, _ = db.ListDueScheduledDeliveries(ctx, later.Add(time.Hour), later.Add(time.Second))
	assert.Len(t, due, 1)

	require.NoError(t, db.CompleteScheduledDelivery(ctx, post.ID, later))
	all, _ = db.ListScheduledDeliveries(ctx)
	assert.Empty(t, all)
}

func TestMockDB_RemoveScheduledDelivery(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	post := newPost(t, db, -100)

	assert.True(t, errs.IsNotFound(db.RemoveScheduledDelivery(ctx, post.ID)))

	require.NoError(t, db.UpsertScheduledDelivery(ctx, post.ID, time.Now().Add(time.Hour)))
	require.NoError(t, db.RemoveScheduledDelivery(ctx, post.ID))

	got, _ := db.GetPost(ctx, post.ID)
	assert.Equal(t, models.PostStatusCancelled, got.Status)
}

func TestMockDB_RecordDeliveryIsIdempotent(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	post := newPost(t, db, -100)

	d := models.Delivery{PostID: post.ID, ChannelID: 1, MessageID: 10, DeliveredAt: time.Now()}
	require.NoError(t, db.RecordDelivery(ctx, d))
	require.NoError(t, db.RecordDelivery(ctx, d))

	deliveries, err := db.ListDeliveries(ctx, post.ID)
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)
}

func TestMockDB_ResetStuckDeliveries(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	stuck := newPost(t, db, -100)
	idle := newPost(t, db, -100)

	_, err := db.ClaimPostForDelivery(ctx, stuck.ID)
	require.NoError(t, err)

	n, err := db.ResetStuckDeliveries(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := db.GetPost(ctx, stuck.ID)
	assert.Equal(t, models.PostStatusFailed, got.Status)
	assert.Equal(t, "interrupted", got.FailureReason)

	got, _ = db.GetPost(ctx, idle.ID)
	assert.Equal(t, models.PostStatusQueued, got.Status)
}

func TestMockDB_RedeemCode(t *testing.T) {
	now := time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		code    models.RegistrationCode
		wantErr error
	}{
		{name: "valid", code: models.RegistrationCode{Code: "ok", ExpiresAt: &future, MaxUses: 1, IsActive: true}},
		{name: "no expiry", code: models.RegistrationCode{Code: "ok", MaxUses: 1, IsActive: true}},
		{name: "expired", code: models.RegistrationCode{Code: "ok", ExpiresAt: &past, MaxUses: 1, IsActive: true}, wantErr: errs.ErrCodeExpired},
		{name: "inactive", code: models.RegistrationCode{Code: "ok", MaxUses: 1, IsActive: false}, wantErr: errs.ErrCodeInactive},
		{name: "exhausted", code: models.RegistrationCode{Code: "ok", MaxUses: 1, UsedCount: 1, IsActive: true}, wantErr: errs.ErrCodeExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := NewMockDB()
			ctx := context.Background()
			code := tt.code
			require.NoError(t, db.CreateCode(ctx, &code))

			user, err := db.RedeemCode(ctx, "ok", 555, "alice", now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.RoleClient, user.Role)

			stored, _ := db.GetCode(ctx, "ok")
			assert.Equal(t, 1, stored.UsedCount)
			assert.Equal(t, user.ID, *stored.UsedBy)
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := NewMockDB().RedeemCode(context.Background(), "nope", 1, "", now)
		assert.ErrorIs(t, err, errs.ErrCodeNotFound)
	})
}

func TestMockDB_RedeemCodeKeepsStaffRole(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()

	_, err := db.UpsertUser(ctx, 555, "boss", models.RoleManager)
	require.NoError(t, err)
	require.NoError(t, db.CreateCode(ctx, &models.RegistrationCode{Code: "c", MaxUses: 2, IsActive: true}))

	user, err := db.RedeemCode(ctx, "c", 555, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.RoleManager, user.Role)
	assert.Equal(t, "boss", user.Username)
}

func TestMockDB_Channels(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()

	c, err := db.CreateChannel(ctx, -100, models.ChannelTypeGroup, "Group")
	require.NoError(t, err)

	_, err = db.CreateChannel(ctx, -100, models.ChannelTypeGroup, "Group")
	assert.ErrorIs(t, err, errs.ErrChannelExists)

	require.NoError(t, db.DeleteChannel(ctx, c.ID))
	assert.True(t, errs.IsNotFound(db.DeleteChannel(ctx, c.ID)))

	channels, err := db.ListChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestMockJournal_ChannelStats(t *testing.T) {
	j := NewMockJournal()
	ctx := context.Background()
	now := time.Now()

	for _, a := range []models.DeliveryAttempt{
		{ChatID: -1, Outcome: models.OutcomeDelivered, At: now},
		{ChatID: -1, Outcome: models.OutcomeRetryable, At: now},
		{ChatID: -1, Outcome: models.OutcomeTerminal, At: now},
		{ChatID: -2, Outcome: models.OutcomeDelivered, At: now},
		{ChatID: -2, Outcome: models.OutcomeDelivered, At: now.Add(-48 * time.Hour)},
	} {
		require.NoError(t, j.RecordAttempt(ctx, a))
	}

	stats, err := j.ChannelStats(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []models.ChannelStat{
		{ChatID: -2, Delivered: 1},
		{ChatID: -1, Delivered: 1, Failed: 1},
	}, stats)
}

func TestMemoryStateStore(t *testing.T) {
	s := NewMemoryStateStore()
	ctx := context.Background()

	_, ok, err := s.Load(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, 1, []byte(`{"step":1}`)))
	data, ok, err := s.Load(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"step":1}`, string(data))

	require.NoError(t, s.Delete(ctx, 1))
	_, ok, _ = s.Load(ctx, 1)
	assert.False(t, ok)
}

func TestMockDB_ConcurrentClaimHasOneWinner(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	post := newPost(t, db, -100)

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.ClaimPostForDelivery(ctx, post.ID)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, errs.ErrDeliveryInProgress)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestMockDB_CreateScheduledPost(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	c, err := db.CreateChannel(ctx, -100, models.ChannelTypeChannel, "chan")
	require.NoError(t, err)

	at := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	post := &models.Post{AuthorID: 1, Text: "hello", Status: models.PostStatusScheduled, ScheduledAt: &at}
	require.NoError(t, db.CreatePost(ctx, post, []int64{c.ID}))

	entry, err := db.GetScheduledDelivery(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, at, entry.At)
	assert.Nil(t, entry.ClaimedAt)
}

func TestMockDB_ReleaseScheduleClaims(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	interrupted := newPost(t, db, -100)
	waiting := newPost(t, db, -100)

	require.NoError(t, db.UpsertScheduledDelivery(ctx, interrupted.ID, now.Add(-time.Minute)))
	require.NoError(t, db.UpsertScheduledDelivery(ctx, waiting.ID, now.Add(time.Hour)))
	claimed, err := db.ClaimScheduledDelivery(ctx, interrupted.ID, now.Add(-time.Minute), now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, db.FinishDelivery(ctx, interrupted.ID, models.PostStatusFailed, nil, "delivery interrupted"))

	n, err := db.ReleaseScheduleClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entry, err := db.GetScheduledDelivery(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Nil(t, entry.ClaimedAt)

	got, _ := db.GetPost(ctx, interrupted.ID)
	assert.Equal(t, models.PostStatusScheduled, got.Status)
	assert.Empty(t, got.FailureReason)

	due, err := db.ListDueScheduledDeliveries(ctx, now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, interrupted.ID, due[0].PostID)
}

func TestMockDB_UnconfirmedPostCannotBeClaimed(t *testing.T) {
	db := NewMockDB()
	ctx := context.Background()
	post := newPost(t, db, -100)

	_, err := db.ClaimPostForDelivery(ctx, post.ID)
	require.NoError(t, err)
	require.NoError(t, db.FinishDelivery(ctx, post.ID, models.PostStatusUnconfirmed, nil, "not recorded"))

	_, err = db.ClaimPostForDelivery(ctx, post.ID)
	assert.ErrorIs(t, err, errs.ErrDeliveryUnconfirmed)
	assert.ErrorIs(t, db.SetPostStatus(ctx, post.ID, models.PostStatusQueued), errs.ErrDeliveryUnconfirmed)
	assert.ErrorIs(t, db.UpsertScheduledDelivery(ctx, post.ID, time.Now().Add(time.Hour)), errs.ErrDeliveryUnconfirmed)
}
