package stubs

import (
	"context"
	"sort"
	"sync"
	"time"

	"promobot/internal/errs"
	"promobot/internal/models"
)

// MockDB is an in-memory implementation of the Storage interface for testing
// and for running without PostgreSQL
type MockDB struct {
	mu           sync.RWMutex
	users        map[int64]models.User
	channels     map[int64]models.Channel
	codes        map[int64]models.RegistrationCode
	posts        map[int64]models.Post
	postChannels map[int64][]int64
	deliveries   map[int64][]models.Delivery
	schedules    map[int64]models.ScheduledDelivery

	nextUserID    int64
	nextChannelID int64
	nextCodeID    int64
	nextPostID    int64

	now func() time.Time
}

// NewMockDB creates a new mock database
func NewMockDB() *MockDB {
	return &MockDB{
		users:        make(map[int64]models.User),
		channels:     make(map[int64]models.Channel),
		codes:        make(map[int64]models.RegistrationCode),
		posts:        make(map[int64]models.Post),
		postChannels: make(map[int64][]int64),
		deliveries:   make(map[int64][]models.Delivery),
		schedules:    make(map[int64]models.ScheduledDelivery),
		now:          time.Now,
	}
}

// Initialize does nothing for mock DB
func (m *MockDB) Initialize(ctx context.Context) error {
	return nil
}

// Close does nothing for mock DB
func (m *MockDB) Close() error {
	return nil
}

// GetUser returns a user by internal id
func (m *MockDB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, errs.ErrUserNotFound
	}
	return &u, nil
}

// GetUserByTelegramID returns a user by Telegram id
func (m *MockDB) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.userByTelegramID(telegramID)
	if !ok {
		return nil, errs.ErrUserNotFound
	}
	return &u, nil
}

func (m *MockDB) userByTelegramID(telegramID int64) (models.User, bool) {
	for _, u := range m.users {
		if u.TelegramID == telegramID {
			return u, true
		}
	}
	return models.User{}, false
}

// UpsertUser creates the user or updates username and role of an existing one
func (m *MockDB) UpsertUser(ctx context.Context, telegramID int64, username string, role models.Role) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.upsertUser(telegramID, username, role)
	return &u, nil
}

func (m *MockDB) upsertUser(telegramID int64, username string, role models.Role) models.User {
	u, ok := m.userByTelegramID(telegramID)
	if !ok {
		m.nextUserID++
		u = models.User{ID: m.nextUserID, TelegramID: telegramID, CreatedAt: m.now()}
	}
	if username != "" {
		u.Username = username
	}
	u.Role = role
	m.users[u.ID] = u
	return u
}

// ListUsers returns all users ordered by id
func (m *MockDB) ListUsers(ctx context.Context) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// SetUserRole changes a user's role
func (m *MockDB) SetUserRole(ctx context.Context, id int64, role models.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return errs.ErrUserNotFound
	}
	u.Role = role
	m.users[id] = u
	return nil
}

// CreateChannel registers a new channel
func (m *MockDB) CreateChannel(ctx context.Context, chatID int64, channelType models.ChannelType, title string) (*models.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.channels {
		if c.ChatID == chatID {
			return nil, errs.ErrChannelExists
		}
	}
	m.nextChannelID++
	c := models.Channel{ID: m.nextChannelID, ChatID: chatID, Type: channelType, Title: title}
	m.channels[c.ID] = c
	return &c, nil
}

// ListChannels returns all channels ordered by title
func (m *MockDB) ListChannels(ctx context.Context) ([]models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channels := make([]models.Channel, 0, len(m.channels))
	for _, c := range m.channels {
		channels = append(channels, c)
	}
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].Title != channels[j].Title {
			return channels[i].Title < channels[j].Title
		}
		return channels[i].ID < channels[j].ID
	})
	return channels, nil
}

// GetChannelByChatID returns a channel by Telegram chat id
func (m *MockDB) GetChannelByChatID(ctx context.Context, chatID int64) (*models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.channels {
		if c.ChatID == chatID {
			return &c, nil
		}
	}
	return nil, errs.ErrChannelNotFound
}

// DeleteChannel removes a channel and its post links
func (m *MockDB) DeleteChannel(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[id]; !ok {
		return errs.ErrChannelNotFound
	}
	delete(m.channels, id)
	for postID, ids := range m.postChannels {
		kept := ids[:0]
		for _, cid := range ids {
			if cid != id {
				kept = append(kept, cid)
			}
		}
		m.postChannels[postID] = kept
	}
	return nil
}

// CreateCode stores a registration code and assigns its id
func (m *MockDB) CreateCode(ctx context.Context, code *models.RegistrationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.codes {
		if c.Code == code.Code {
			return errs.NewConflictError("registration code already exists")
		}
	}
	m.nextCodeID++
	code.ID = m.nextCodeID
	if code.CreatedAt.IsZero() {
		code.CreatedAt = m.now()
	}
	m.codes[code.ID] = *code
	return nil
}

// GetCode returns a registration code by its value
func (m *MockDB) GetCode(ctx context.Context, code string) (*models.RegistrationCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.codeByValue(code)
	if !ok {
		return nil, errs.ErrCodeNotFound
	}
	return &c, nil
}

func (m *MockDB) codeByValue(code string) (models.RegistrationCode, bool) {
	for _, c := range m.codes {
		if c.Code == code {
			return c, true
		}
	}
	return models.RegistrationCode{}, false
}

// ListCodes returns all codes, newest first
func (m *MockDB) ListCodes(ctx context.Context) ([]models.RegistrationCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	codes := make([]models.RegistrationCode, 0, len(m.codes))
	for _, c := range m.codes {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool {
		return codes[i].ID > codes[j].ID
	})
	return codes, nil
}

// DeactivateCode marks a code inactive
func (m *MockDB) DeactivateCode(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[id]
	if !ok {
		return errs.ErrCodeNotFound
	}
	c.IsActive = false
	m.codes[id] = c
	return nil
}

// RedeemCode validates and consumes one use of a code, registering the user
func (m *MockDB) RedeemCode(ctx context.Context, code string, telegramID int64, username string, now time.Time) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codeByValue(code)
	switch {
	case !ok:
		return nil, errs.ErrCodeNotFound
	case c.Expired(now):
		return nil, errs.ErrCodeExpired
	case !c.IsActive:
		return nil, errs.ErrCodeInactive
	case c.UsedCount >= c.MaxUses:
		return nil, errs.ErrCodeExhausted
	}

	role := models.RoleClient
	if existing, ok := m.userByTelegramID(telegramID); ok && existing.Role != models.RoleClient {
		role = existing.Role
	}
	u := m.upsertUser(telegramID, username, role)

	c.UsedCount++
	c.UsedBy = &u.ID
	m.codes[c.ID] = c
	return &u, nil
}

// CreatePost persists the post and links it to channels in the given order
func (m *MockDB) CreatePost(ctx context.Context, post *models.Post, channelIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range channelIDs {
		if _, ok := m.channels[id]; !ok {
			return errs.ErrChannelNotFound
		}
	}

	m.nextPostID++
	now := m.now()
	post.ID = m.nextPostID
	post.CreatedAt = now
	post.UpdatedAt = now
	if post.Status == "" {
		post.Status = models.PostStatusQueued
	}
	m.posts[post.ID] = clonePost(*post)
	m.postChannels[post.ID] = append([]int64(nil), channelIDs...)
	if post.Status == models.PostStatusScheduled && post.ScheduledAt != nil {
		m.schedules[post.ID] = models.ScheduledDelivery{PostID: post.ID, At: *post.ScheduledAt}
	}
	return nil
}

// GetPost returns a post by id
func (m *MockDB) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.posts[id]
	if !ok {
		return nil, errs.ErrPostNotFound
	}
	p = clonePost(p)
	return &p, nil
}

// ListPosts returns the newest posts first
func (m *MockDB) ListPosts(ctx context.Context, authorID *int64, limit int) ([]models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var posts []models.Post
	for _, p := range m.posts {
		if authorID != nil && p.AuthorID != *authorID {
			continue
		}
		posts = append(posts, clonePost(p))
	}
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].ID > posts[j].ID
	})
	if limit > 0 && limit < len(posts) {
		posts = posts[:limit]
	}
	return posts, nil
}

// GetPostChannels returns the post's channels in author order
func (m *MockDB) GetPostChannels(ctx context.Context, postID int64) ([]models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.posts[postID]; !ok {
		return nil, errs.ErrPostNotFound
	}
	var channels []models.Channel
	for _, id := range m.postChannels[postID] {
		if c, ok := m.channels[id]; ok {
			channels = append(channels, c)
		}
	}
	return channels, nil
}

// SetPostStatus moves a post that is not delivering or sent into status
func (m *MockDB) SetPostStatus(ctx context.Context, postID int64, status models.PostStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[postID]
	if !ok {
		return errs.ErrPostNotFound
	}
	if err := claimConflict(p.Status); err != nil {
		return err
	}
	p.Status = status
	p.UpdatedAt = m.now()
	m.posts[postID] = p
	return nil
}

// ClaimPostForDelivery moves the post to delivering unless it is delivering or sent
func (m *MockDB) ClaimPostForDelivery(ctx context.Context, postID int64) (*models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[postID]
	if !ok {
		return nil, errs.ErrPostNotFound
	}
	if err := claimConflict(p.Status); err != nil {
		return nil, err
	}
	p.Status = models.PostStatusDelivering
	p.UpdatedAt = m.now()
	m.posts[postID] = p
	p = clonePost(p)
	return &p, nil
}

func claimConflict(status models.PostStatus) error {
	switch status {
	case models.PostStatusSent:
		return errs.ErrAlreadySent
	case models.PostStatusDelivering:
		return errs.ErrDeliveryInProgress
	case models.PostStatusUnconfirmed:
		return errs.ErrDeliveryUnconfirmed
	}
	return nil
}

// RecordDelivery stores a per-channel delivery, ignoring duplicates
func (m *MockDB) RecordDelivery(ctx context.Context, delivery models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.deliveries[delivery.PostID] {
		if d.ChannelID == delivery.ChannelID {
			return nil
		}
	}
	m.deliveries[delivery.PostID] = append(m.deliveries[delivery.PostID], delivery)
	return nil
}

// ListDeliveries returns the recorded deliveries of a post
func (m *MockDB) ListDeliveries(ctx context.Context, postID int64) ([]models.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.Delivery(nil), m.deliveries[postID]...), nil
}

// FinishDelivery marks a post sent or failed
func (m *MockDB) FinishDelivery(ctx context.Context, postID int64, status models.PostStatus, messageID *int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[postID]
	if !ok {
		return errs.ErrPostNotFound
	}
	p.Status = status
	p.FailureReason = reason
	if messageID != nil {
		id := *messageID
		p.MessageID = &id
	}
	p.UpdatedAt = m.now()
	m.posts[postID] = p
	return nil
}

// ResetStuckDeliveries fails posts left in delivering
func (m *MockDB) ResetStuckDeliveries(ctx context.Context, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, p := range m.posts {
		if p.Status == models.PostStatusDelivering {
			p.Status = models.PostStatusFailed
			p.FailureReason = reason
			p.UpdatedAt = m.now()
			m.posts[id] = p
			n++
		}
	}
	return n, nil
}

// UpsertScheduledDelivery replaces any schedule of the post and marks it scheduled
func (m *MockDB) UpsertScheduledDelivery(ctx context.Context, postID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.posts[postID]
	if !ok {
		return errs.ErrPostNotFound
	}
	if err := claimConflict(p.Status); err != nil {
		return err
	}
	if s, ok := m.schedules[postID]; ok && s.ClaimedAt != nil {
		return errs.ErrDeliveryInProgress
	}

	m.schedules[postID] = models.ScheduledDelivery{PostID: postID, At: at}
	p.Status = models.PostStatusScheduled
	p.ScheduledAt = &at
	p.UpdatedAt = m.now()
	m.posts[postID] = p
	return nil
}

// RemoveScheduledDelivery drops an unclaimed schedule and marks the post cancelled
func (m *MockDB) RemoveScheduledDelivery(ctx context.Context, postID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[postID]
	if !ok {
		return errs.ErrScheduleNotFound
	}
	if s.ClaimedAt != nil {
		return errs.ErrDeliveryInProgress
	}
	delete(m.schedules, postID)

	if p, ok := m.posts[postID]; ok && p.Status == models.PostStatusScheduled {
		p.Status = models.PostStatusCancelled
		p.UpdatedAt = m.now()
		m.posts[postID] = p
	}
	return nil
}

// GetScheduledDelivery returns the schedule of a post
func (m *MockDB) GetScheduledDelivery(ctx context.Context, postID int64) (*models.ScheduledDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[postID]
	if !ok {
		return nil, errs.ErrScheduleNotFound
	}
	return &s, nil
}

// ListDueScheduledDeliveries returns due unclaimed entries and stale claims
func (m *MockDB) ListDueScheduledDeliveries(ctx context.Context, now, staleBefore time.Time) ([]models.ScheduledDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []models.ScheduledDelivery
	for _, s := range m.schedules {
		if claimable(s, now, staleBefore) {
			due = append(due, s)
		}
	}
	sortSchedules(due)
	return due, nil
}

// ListScheduledDeliveries returns every pending entry ordered by time
func (m *MockDB) ListScheduledDeliveries(ctx context.Context) ([]models.ScheduledDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]models.ScheduledDelivery, 0, len(m.schedules))
	for _, s := range m.schedules {
		all = append(all, s)
	}
	sortSchedules(all)
	return all, nil
}

// ClaimScheduledDelivery marks the entry as owned by the caller
func (m *MockDB) ClaimScheduledDelivery(ctx context.Context, postID int64, at, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[postID]
	if !ok || !s.At.Equal(at) || !claimable(s, now, staleBefore) {
		return false, nil
	}
	claimedAt := now
	s.ClaimedAt = &claimedAt
	m.schedules[postID] = s
	return true, nil
}

// CompleteScheduledDelivery removes the entry if it still matches at
func (m *MockDB) CompleteScheduledDelivery(ctx context.Context, postID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.schedules[postID]; ok && s.At.Equal(at) {
		delete(m.schedules, postID)
	}
	return nil
}

// ReleaseScheduleClaims clears every claim and reschedules interrupted posts
func (m *MockDB) ReleaseScheduleClaims(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.schedules {
		if s.ClaimedAt == nil {
			continue
		}
		s.ClaimedAt = nil
		m.schedules[id] = s
		n++

		p, ok := m.posts[id]
		if ok && (p.Status == models.PostStatusDelivering || p.Status == models.PostStatusFailed) {
			p.Status = models.PostStatusScheduled
			p.FailureReason = ""
			p.UpdatedAt = m.now()
			m.posts[id] = p
		}
	}
	return n, nil
}

func claimable(s models.ScheduledDelivery, now, staleBefore time.Time) bool {
	if s.ClaimedAt == nil {
		return !s.At.After(now)
	}
	return s.ClaimedAt.Before(staleBefore)
}

func sortSchedules(s []models.ScheduledDelivery) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].At.Equal(s[j].At) {
			return s[i].At.Before(s[j].At)
		}
		return s[i].PostID < s[j].PostID
	})
}

func clonePost(p models.Post) models.Post {
	p.Buttons = append([]models.Button(nil), p.Buttons...)
	if p.AppID != nil {
		v := *p.AppID
		p.AppID = &v
	}
	if p.ScheduledAt != nil {
		v := *p.ScheduledAt
		p.ScheduledAt = &v
	}
	if p.MessageID != nil {
		v := *p.MessageID
		p.MessageID = &v
	}
	return p
}
