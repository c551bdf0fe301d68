package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"promobot/internal/errs"
	"promobot/internal/models"
	"promobot/internal/storage/stubs"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

// fakeAPI records outgoing requests instead of calling Telegram
type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	chats    map[int64]tgbotapi.Chat
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	chat, ok := f.chats[config.ChatID]
	if !ok {
		return tgbotapi.Chat{}, errors.New("Bad Request: chat not found")
	}
	return chat, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeAPI) StopReceivingUpdates() {}

func (f *fakeAPI) GetWebhookInfo() (tgbotapi.WebhookInfo, error) {
	return tgbotapi.WebhookInfo{}, nil
}

// lastText returns the text of the most recent message sent
func (f *fakeAPI) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if msg, ok := f.sent[i].(tgbotapi.MessageConfig); ok {
			return msg.Text
		}
	}
	return ""
}

// fakePublisher stores submitted posts and records post actions
type fakePublisher struct {
	db        *stubs.MockDB
	submitted []models.PostRequest
	actions   []string
	err       error
}

func (p *fakePublisher) Validate(models.PostRequest) error { return p.err }

func (p *fakePublisher) Submit(ctx context.Context, req models.PostRequest) (*models.Post, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.submitted = append(p.submitted, req)
	post := &models.Post{
		AuthorID:    req.AuthorID,
		Text:        req.Text,
		ScheduledAt: req.ScheduledAt,
		Status:      models.PostStatusQueued,
	}
	if req.ScheduledAt != nil {
		post.Status = models.PostStatusScheduled
	}
	if err := p.db.CreatePost(ctx, post, req.ChannelIDs); err != nil {
		return nil, err
	}
	return post, nil
}

func (p *fakePublisher) Reschedule(ctx context.Context, postID int64, at time.Time) error {
	return p.record("reschedule", postID)
}

func (p *fakePublisher) Cancel(ctx context.Context, postID int64) error {
	return p.record("cancel", postID)
}

func (p *fakePublisher) SendNow(ctx context.Context, postID int64) error {
	return p.record("send", postID)
}

func (p *fakePublisher) Retry(ctx context.Context, postID int64) error {
	return p.record("retry", postID)
}

func (p *fakePublisher) record(action string, postID int64) error {
	if p.err != nil {
		return p.err
	}
	p.actions = append(p.actions, fmt.Sprintf("%s:%d", action, postID))
	return nil
}

type fixture struct {
	bot       *Bot
	api       *fakeAPI
	db        *stubs.MockDB
	journal   *stubs.MockJournal
	publisher *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := stubs.NewMockDB()
	require.NoError(t, db.Initialize(context.Background()))
	api := &fakeAPI{chats: make(map[int64]tgbotapi.Chat)}
	journal := stubs.NewMockJournal()
	pub := &fakePublisher{db: db}

	b := newBot(api, "promo_bot", db, Options{
		Publisher:    pub,
		Journal:      journal,
		States:       stubs.NewMemoryStateStore(),
		AdminUserIDs: []int64{1},
		ButtonTemplates: []models.ButtonTemplate{
			{Label: "Steam", URLTemplate: "https://store.steampowered.com/app/{app_id}"},
		},
		TimeOptions: []string{"10:00", "18:00"},
	}, zap.NewNop())
	b.now = func() time.Time { return testNow }

	return &fixture{bot: b, api: api, db: db, journal: journal, publisher: pub}
}

func (f *fixture) user(t *testing.T, telegramID int64, role models.Role) *models.User {
	t.Helper()
	u, err := f.db.UpsertUser(context.Background(), telegramID, fmt.Sprintf("user%d", telegramID), role)
	require.NoError(t, err)
	return u
}

func (f *fixture) channel(t *testing.T, chatID int64, title string) *models.Channel {
	t.Helper()
	c, err := f.db.CreateChannel(context.Background(), chatID, models.ChannelTypeChannel, title)
	require.NoError(t, err)
	return c
}

func (f *fixture) send(message *tgbotapi.Message) {
	f.bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: message})
}

func (f *fixture) command(userID int64, text string) {
	msg := textMessage(userID, text)
	name, _, _ := strings.Cut(text, " ")
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}}
	f.send(msg)
}

func (f *fixture) text(userID int64, text string) {
	f.send(textMessage(userID, text))
}

func (f *fixture) click(userID int64, data string) {
	f.bot.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: userID},
		Message: &tgbotapi.Message{MessageID: 10, Chat: &tgbotapi.Chat{ID: userID, Type: "private"}},
		Data:    data,
	}})
}

func (f *fixture) state(userID int64) *ConversationState {
	return f.bot.loadState(context.Background(), userID)
}

func textMessage(userID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: userID, Type: "private"},
		Text: text,
	}
}

func TestWizardCreatesScheduledPost(t *testing.T) {
	f := newFixture(t)
	author := f.user(t, 10, models.RoleManager)
	news := f.channel(t, -100, "News")
	f.channel(t, -200, "Deals")

	f.command(10, "/new_post")
	require.Equal(t, StepText, f.state(10).Step)

	f.send(&tgbotapi.Message{
		From:     &tgbotapi.User{ID: 10},
		Chat:     &tgbotapi.Chat{ID: 10, Type: "private"},
		Text:     "Big sale",
		Entities: []tgbotapi.MessageEntity{{Type: "bold", Offset: 0, Length: 3}},
	})
	require.Equal(t, StepAppID, f.state(10).Step)

	f.text(10, "570")
	require.Equal(t, StepChannels, f.state(10).Step)

	f.click(10, fmt.Sprintf("ch:%d", news.ID))
	f.click(10, "ch:done")
	require.Equal(t, StepButtons, f.state(10).Step)

	f.text(10, "Site | https://example.com")
	require.Equal(t, StepSchedule, f.state(10).Step)

	f.click(10, "date:2026-10-16")
	require.Equal(t, StepScheduleTime, f.state(10).Step)

	f.click(10, "time:10:00")
	require.Equal(t, StepConfirm, f.state(10).Step)
	assert.Contains(t, f.api.lastText(), "Steam, Site")

	f.click(10, "confirm:create")
	assert.Nil(t, f.state(10))

	require.Len(t, f.publisher.submitted, 1)
	req := f.publisher.submitted[0]
	assert.Equal(t, author.ID, req.AuthorID)
	assert.Equal(t, "<b>Big</b> sale", req.Text)
	require.NotNil(t, req.AppID)
	assert.Equal(t, int64(570), *req.AppID)
	assert.True(t, req.UseDefaultButtons)
	assert.Equal(t, []int64{news.ID}, req.ChannelIDs)
	assert.Equal(t, []models.Button{{Label: "Site", URL: "https://example.com"}}, req.Buttons)
	require.NotNil(t, req.ScheduledAt)
	assert.True(t, req.ScheduledAt.Equal(time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)))
	assert.Contains(t, f.api.lastText(), "scheduled for 16-10-2026 10:00")
}

func TestWizardImagePostAsksForCaptionPlacement(t *testing.T) {
	f := newFixture(t)
	f.user(t, 10, models.RoleClient)
	news := f.channel(t, -100, "News")

	f.command(10, "/new_post")
	f.send(&tgbotapi.Message{
		From:    &tgbotapi.User{ID: 10},
		Chat:    &tgbotapi.Chat{ID: 10, Type: "private"},
		Photo:   []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}},
		Caption: "Look <here>",
	})
	state := f.state(10)
	require.NotNil(t, state)
	assert.Equal(t, "large", state.Draft.ImageFileID)
	assert.Equal(t, "Look &lt;here&gt;", state.Draft.Text)

	f.text(10, "-")
	f.click(10, fmt.Sprintf("ch:%d", news.ID))
	f.click(10, "ch:done")
	f.text(10, "-")
	require.Equal(t, StepCaption, f.state(10).Step)

	f.click(10, "cap:above")
	state = f.state(10)
	assert.Equal(t, StepSchedule, state.Step)
	assert.True(t, state.Draft.CaptionAbove)
	assert.Nil(t, state.Draft.AppID)

	f.click(10, "sched:now")
	f.click(10, "confirm:create")
	require.Len(t, f.publisher.submitted, 1)
	assert.Nil(t, f.publisher.submitted[0].ScheduledAt)
	assert.Contains(t, f.api.lastText(), "is being sent")
}

func TestWizardTypedScheduleTime(t *testing.T) {
	f := newFixture(t)
	f.user(t, 10, models.RoleClient)
	news := f.channel(t, -100, "News")

	f.command(10, "/new_post")
	f.text(10, "Hello")
	f.text(10, "-")
	f.click(10, fmt.Sprintf("ch:%d", news.ID))
	f.click(10, "ch:done")
	f.text(10, "-")

	f.text(10, "15-10-2026 11:00")
	assert.Equal(t, StepSchedule, f.state(10).Step)
	assert.Contains(t, f.api.lastText(), "in the future")

	f.text(10, "20-10-2026 09:30")
	state := f.state(10)
	assert.Equal(t, StepConfirm, state.Step)
	require.NotNil(t, state.Draft.ScheduledAt)
	assert.True(t, state.Draft.ScheduledAt.Equal(time.Date(2026, 10, 20, 9, 30, 0, 0, time.UTC)))
}

func TestWizardRequiresChannelSelection(t *testing.T) {
	f := newFixture(t)
	f.user(t, 10, models.RoleClient)
	f.channel(t, -100, "News")

	f.command(10, "/new_post")
	f.text(10, "Hello")
	f.text(10, "-")
	f.click(10, "ch:done")

	assert.Equal(t, StepChannels, f.state(10).Step)
	assert.Contains(t, f.api.lastText(), "No channels selected")
}

func TestWizardIgnoresButtonsOfEarlierSteps(t *testing.T) {
	f := newFixture(t)
	f.user(t, 10, models.RoleClient)

	f.command(10, "/new_post")
	f.click(10, "confirm:create")

	assert.Equal(t, StepText, f.state(10).Step)
	assert.Contains(t, f.api.lastText(), "earlier step")
	assert.Empty(t, f.publisher.submitted)
}

func TestWizardReturnsToScheduleWhenTimePassed(t *testing.T) {
	f := newFixture(t)
	f.user(t, 10, models.RoleClient)
	news := f.channel(t, -100, "News")

	f.command(10, "/new_post")
	f.text(10, "Hello")
	f.text(10, "-")
	f.click(10, fmt.Sprintf("ch:%d", news.ID))
	f.click(10, "ch:done")
	f.text(10, "-")
	f.text(10, "16-10-2026 10:00")

	f.publisher.err = errs.ErrScheduleInPast
	f.click(10, "confirm:create")

	state := f.state(10)
	require.NotNil(t, state)
	assert.Equal(t, StepSchedule, state.Step)
	assert.Nil(t, state.Draft.ScheduledAt)
}

func TestCommandInterruptsWizard(t *testing.T) {
	f := newFixture(t)
	f.user(t, 10, models.RoleClient)

	f.command(10, "/new_post")
	require.NotNil(t, f.state(10))

	f.command(10, "/cancel")
	assert.Nil(t, f.state(10))
	assert.Equal(t, "Post creation cancelled.", f.api.lastText())
}

func TestStartRedeemsCode(t *testing.T) {
	f := newFixture(t)
	admin := f.user(t, 1, models.RoleAdmin)
	require.NoError(t, f.db.CreateCode(context.Background(), &models.RegistrationCode{
		Code: "invite", MaxUses: 1, IsActive: true, CreatedBy: admin.ID,
	}))

	f.command(42, "/start invite")
	u, err := f.db.GetUserByTelegramID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, models.RoleClient, u.Role)
	assert.Contains(t, f.api.lastText(), "Welcome")

	f.command(43, "/start invite")
	assert.Contains(t, f.api.lastText(), "already been used")

	f.command(44, "/start nope")
	assert.Contains(t, f.api.lastText(), "Unknown registration code")
}

func TestUnregisteredUserIsRejected(t *testing.T) {
	f := newFixture(t)

	f.command(99, "/posts")
	assert.Contains(t, f.api.lastText(), "not registered")

	f.command(99, "/start")
	assert.Contains(t, f.api.lastText(), "invitation link")
}

func TestPostActionsRequireAuthorship(t *testing.T) {
	f := newFixture(t)
	author := f.user(t, 10, models.RoleClient)
	f.user(t, 11, models.RoleClient)
	f.user(t, 12, models.RoleManager)
	news := f.channel(t, -100, "News")

	post := &models.Post{AuthorID: author.ID, Text: "Hello", Status: models.PostStatusScheduled}
	require.NoError(t, f.db.CreatePost(context.Background(), post, []int64{news.ID}))

	f.command(11, fmt.Sprintf("/cancel_post %d", post.ID))
	assert.Contains(t, f.api.lastText(), "not allowed")
	assert.Empty(t, f.publisher.actions)

	f.command(10, fmt.Sprintf("/cancel_post %d", post.ID))
	assert.Contains(t, f.api.lastText(), "cancelled")

	f.click(12, fmt.Sprintf("post:send:%d", post.ID))
	assert.Equal(t, []string{
		fmt.Sprintf("cancel:%d", post.ID),
		fmt.Sprintf("send:%d", post.ID),
	}, f.publisher.actions)

	f.command(10, fmt.Sprintf("/reschedule %d 20-10-2026 18:00", post.ID))
	assert.Contains(t, f.api.lastText(), "20-10-2026 18:00")

	f.command(10, "/retry abc")
	assert.Contains(t, f.api.lastText(), "Expected a post number")
}

func TestPostDetailsShowDeliveries(t *testing.T) {
	f := newFixture(t)
	author := f.user(t, 10, models.RoleClient)
	news := f.channel(t, -100, "News")
	deals := f.channel(t, -200, "Deals")
	ctx := context.Background()

	post := &models.Post{AuthorID: author.ID, Text: "<b>Hello</b>"}
	require.NoError(t, f.db.CreatePost(ctx, post, []int64{news.ID, deals.ID}))
	_, err := f.db.ClaimPostForDelivery(ctx, post.ID)
	require.NoError(t, err)
	require.NoError(t, f.db.RecordDelivery(ctx, models.Delivery{PostID: post.ID, ChannelID: news.ID, MessageID: 77, DeliveredAt: testNow}))
	require.NoError(t, f.db.FinishDelivery(ctx, post.ID, models.PostStatusFailed, nil, "Deals: chat not found"))

	f.command(10, fmt.Sprintf("/post %d", post.ID))
	text := f.api.lastText()
	assert.Contains(t, text, "failed")
	assert.Contains(t, text, "News (message 77)")
	assert.Contains(t, text, "▫️ Deals")
	assert.Contains(t, text, "Deals: chat not found")

	f.command(10, "/posts")
	assert.Contains(t, f.api.lastText(), fmt.Sprintf("#%d", post.ID))
}

func TestAddChannel(t *testing.T) {
	f := newFixture(t)
	f.user(t, 10, models.RoleClient)
	f.user(t, 12, models.RoleManager)
	f.api.chats[-1001] = tgbotapi.Chat{ID: -1001, Type: "supergroup", Title: "Deals"}

	f.command(10, "/add_channel -1001")
	assert.Contains(t, f.api.lastText(), "not allowed")

	f.command(12, "/add_channel -1001")
	c, err := f.db.GetChannelByChatID(context.Background(), -1001)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelTypeGroup, c.Type)
	assert.Equal(t, "Deals", c.Title)

	f.command(12, "/add_channel -1001")
	assert.Contains(t, f.api.lastText(), "already registered")

	f.command(12, "/add_channel -5")
	assert.Contains(t, f.api.lastText(), "Could not access")

	f.click(12, fmt.Sprintf("chdel:%d", c.ID))
	_, err = f.db.GetChannelByChatID(context.Background(), -1001)
	assert.True(t, errs.IsNotFound(err))
}

func TestNewCodeLink(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, models.RoleAdmin)

	f.command(1, "/new_code 3")

	codes, err := f.db.ListCodes(context.Background())
	require.NoError(t, err)
	require.Len(t, codes, 1)
	code := codes[0]
	assert.Len(t, code.Code, 22)
	assert.Equal(t, 3, code.MaxUses)
	require.NotNil(t, code.ExpiresAt)
	assert.True(t, code.ExpiresAt.Equal(testNow.Add(24*time.Hour)))
	assert.Contains(t, f.api.lastText(), "https://t.me/promo_bot?start="+code.Code)

	f.command(1, "/new_code 0")
	assert.Contains(t, f.api.lastText(), "between 1 and")
}

func TestCodesDeactivatesExpired(t *testing.T) {
	f := newFixture(t)
	admin := f.user(t, 1, models.RoleAdmin)
	expired := testNow.Add(-time.Hour)
	require.NoError(t, f.db.CreateCode(context.Background(), &models.RegistrationCode{
		Code: "old", MaxUses: 1, IsActive: true, ExpiresAt: &expired, CreatedBy: admin.ID,
	}))

	f.command(1, "/codes")
	assert.Contains(t, f.api.lastText(), "expired")

	c, err := f.db.GetCode(context.Background(), "old")
	require.NoError(t, err)
	assert.False(t, c.IsActive)
}

func TestRoleChange(t *testing.T) {
	f := newFixture(t)
	admin := f.user(t, 1, models.RoleAdmin)
	client := f.user(t, 10, models.RoleClient)

	f.command(10, "/users")
	assert.Contains(t, f.api.lastText(), "not allowed")

	f.click(1, fmt.Sprintf("role:%d:manager", client.ID))
	u, err := f.db.GetUser(context.Background(), client.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleManager, u.Role)

	f.click(1, fmt.Sprintf("role:%d:client", admin.ID))
	assert.Contains(t, f.api.lastText(), "own role")
	u, err = f.db.GetUser(context.Background(), admin.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, u.Role)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.user(t, 12, models.RoleManager)
	f.channel(t, -100, "News")
	require.NoError(t, f.journal.RecordAttempt(context.Background(), models.DeliveryAttempt{
		PostID: 1, ChatID: -100, Attempt: 1, Outcome: models.OutcomeDelivered, At: testNow.Add(-time.Hour),
	}))

	f.command(12, "/stats")
	assert.Contains(t, f.api.lastText(), "News: ✅ 1")

	f.bot.journal = nil
	f.command(12, "/stats")
	assert.Contains(t, f.api.lastText(), "not configured")
}

func TestBootstrapAdmins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.BootstrapAdmins(ctx))
	require.NoError(t, f.bot.BootstrapAdmins(ctx))

	u, err := f.db.GetUserByTelegramID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, u.Role)

	users, err := f.db.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}
