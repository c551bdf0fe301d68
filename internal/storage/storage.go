package storage

import (
	"context"
	"time"

	"promobot/internal/models"
)

// Storage defines the interface for data storage operations
type Storage interface {
	// User operations
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	// UpsertUser creates the user or updates username and role of an existing one
	UpsertUser(ctx context.Context, telegramID int64, username string, role models.Role) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SetUserRole(ctx context.Context, id int64, role models.Role) error

	// Channel operations
	CreateChannel(ctx context.Context, chatID int64, channelType models.ChannelType, title string) (*models.Channel, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
	GetChannelByChatID(ctx context.Context, chatID int64) (*models.Channel, error)
	DeleteChannel(ctx context.Context, id int64) error

	// Registration code operations
	CreateCode(ctx context.Context, code *models.RegistrationCode) error
	GetCode(ctx context.Context, code string) (*models.RegistrationCode, error)
	ListCodes(ctx context.Context) ([]models.RegistrationCode, error)
	DeactivateCode(ctx context.Context, id int64) error

	// RedeemCode atomically validates the code, increments its use count and
	// registers the user as a client. Existing admins and managers keep their role.
	RedeemCode(ctx context.Context, code string, telegramID int64, username string, now time.Time) (*models.User, error)

	// Post operations

	// CreatePost persists the post and links it to channels in the given order.
	// A scheduled post with ScheduledAt set gets its scheduled delivery in the
	// same write.
	CreatePost(ctx context.Context, post *models.Post, channelIDs []int64) error
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	// ListPosts returns the newest posts first. A nil authorID lists every author.
	ListPosts(ctx context.Context, authorID *int64, limit int) ([]models.Post, error)
	// GetPostChannels returns the post's channels in author order
	GetPostChannels(ctx context.Context, postID int64) ([]models.Channel, error)
	// SetPostStatus moves a post that is not delivering or sent into status
	SetPostStatus(ctx context.Context, postID int64, status models.PostStatus) error

	// ClaimPostForDelivery moves the post to delivering unless it is already
	// delivering or sent, in which case a ConflictError is returned
	ClaimPostForDelivery(ctx context.Context, postID int64) (*models.Post, error)
	RecordDelivery(ctx context.Context, delivery models.Delivery) error
	ListDeliveries(ctx context.Context, postID int64) ([]models.Delivery, error)
	// FinishDelivery marks a delivering post sent (with messageID) or failed (with reason)
	FinishDelivery(ctx context.Context, postID int64, status models.PostStatus, messageID *int64, reason string) error
	// ResetStuckDeliveries fails posts left in delivering by a crashed process
	ResetStuckDeliveries(ctx context.Context, reason string) (int64, error)

	// Scheduled delivery operations

	// UpsertScheduledDelivery replaces any schedule of the post and marks it scheduled
	UpsertScheduledDelivery(ctx context.Context, postID int64, at time.Time) error
	// RemoveScheduledDelivery drops an unclaimed schedule and marks the post cancelled
	RemoveScheduledDelivery(ctx context.Context, postID int64) error
	GetScheduledDelivery(ctx context.Context, postID int64) (*models.ScheduledDelivery, error)
	// ListDueScheduledDeliveries returns unclaimed entries due at or before now,
	// and claimed entries whose claim is older than staleBefore
	ListDueScheduledDeliveries(ctx context.Context, now, staleBefore time.Time) ([]models.ScheduledDelivery, error)
	ListScheduledDeliveries(ctx context.Context) ([]models.ScheduledDelivery, error)
	// ClaimScheduledDelivery marks the entry as owned by the caller. It returns
	// false when the entry was superseded, removed or claimed by someone else.
	ClaimScheduledDelivery(ctx context.Context, postID int64, at, now, staleBefore time.Time) (bool, error)
	// CompleteScheduledDelivery removes the entry if it still matches at
	CompleteScheduledDelivery(ctx context.Context, postID int64, at time.Time) error
	// ReleaseScheduleClaims clears every claim and moves posts interrupted
	// mid-delivery back to scheduled. It returns the number of released entries.
	ReleaseScheduleClaims(ctx context.Context) (int64, error)

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
}

// Journal records individual delivery attempts
type Journal interface {
	RecordAttempt(ctx context.Context, attempt models.DeliveryAttempt) error
	// ChannelStats aggregates attempts per chat since the given time
	ChannelStats(ctx context.Context, since time.Time) ([]models.ChannelStat, error)

	Initialize(ctx context.Context) error
	Close() error
}

// StateStore keeps serialized conversation state per Telegram user
type StateStore interface {
	Load(ctx context.Context, userID int64) ([]byte, bool, error)
	Save(ctx context.Context, userID int64, data []byte) error
	Delete(ctx context.Context, userID int64) error
	Close() error
}
