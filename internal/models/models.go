package models

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of user roles
type Role int

const (
	RoleClient Role = iota + 1
	RoleManager
	RoleAdmin
)

// Roles lists every role in display order
var Roles = []Role{RoleAdmin, RoleManager, RoleClient}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleManager:
		return "manager"
	case RoleClient:
		return "client"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole converts a stored role name back into a Role
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "manager":
		return RoleManager, nil
	case "client":
		return RoleClient, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// CanManagePosts reports whether the role may author and manage posts
func (r Role) CanManagePosts() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleClient:
		return true
	}
	return false
}

// CanManageChannels reports whether the role may register or delete channels
func (r Role) CanManageChannels() bool {
	switch r {
	case RoleAdmin, RoleManager:
		return true
	case RoleClient:
		return false
	}
	return false
}

// CanAdminister reports whether the role may manage users and registration codes
func (r Role) CanAdminister() bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleManager, RoleClient:
		return false
	}
	return false
}

// ChannelType distinguishes broadcast channels from groups
type ChannelType string

const (
	ChannelTypeChannel ChannelType = "channel"
	ChannelTypeGroup   ChannelType = "group"
)

// PostStatus is the delivery state of a post
type PostStatus string

const (
	PostStatusQueued     PostStatus = "queued"
	PostStatusScheduled  PostStatus = "scheduled"
	PostStatusDelivering PostStatus = "delivering"
	PostStatusSent       PostStatus = "sent"
	PostStatusFailed     PostStatus = "failed"
	PostStatusCancelled  PostStatus = "cancelled"

	// PostStatusUnconfirmed marks a post that reached a channel whose delivery
	// could not be recorded. It is never delivered again automatically.
	PostStatusUnconfirmed PostStatus = "unconfirmed"
)

// Claimable reports whether a post in this status may start a delivery
func (s PostStatus) Claimable() bool {
	return s != PostStatusDelivering && s != PostStatusSent && s != PostStatusUnconfirmed
}

// User is a registered bot user
type User struct {
	ID         int64
	TelegramID int64
	Username   string
	Role       Role
	CreatedAt  time.Time
}

// Channel is a delivery destination
type Channel struct {
	ID     int64
	ChatID int64
	Type   ChannelType
	Title  string
}

// Button is an inline URL button attached to a post
type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// ButtonTemplate produces a default button from a post's app id
type ButtonTemplate struct {
	Label       string
	URLTemplate string
}

// Post is a unit of content to publish
type Post struct {
	ID                int64
	AuthorID          int64
	Text              string
	ImageFileID       string
	AppID             *int64
	Buttons           []Button
	CaptionAbove      bool
	UseDefaultButtons bool
	ScheduledAt       *time.Time
	Status            PostStatus
	MessageID         *int64
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsSent reports whether the post was delivered to every channel
func (p Post) IsSent() bool {
	return p.Status == PostStatusSent
}

// PostRequest is the finished output of the post wizard
type PostRequest struct {
	AuthorID          int64
	Text              string
	ImageFileID       string
	AppID             *int64
	ChannelIDs        []int64
	Buttons           []Button
	CaptionAbove      bool
	UseDefaultButtons bool
	ScheduledAt       *time.Time
}

// Delivery records a successful send of a post to one channel
type Delivery struct {
	PostID      int64
	ChannelID   int64
	MessageID   int64
	DeliveredAt time.Time
}

// ScheduledDelivery is a durable obligation to deliver a post at a time
type ScheduledDelivery struct {
	PostID    int64
	At        time.Time
	ClaimedAt *time.Time
}

// RegistrationCode is a one-time (or limited use) invitation code
type RegistrationCode struct {
	ID        int64
	Code      string
	CreatedAt time.Time
	ExpiresAt *time.Time
	MaxUses   int
	UsedCount int
	IsActive  bool
	CreatedBy int64
	UsedBy    *int64
}

// Expired reports whether the code is past its expiry time
func (c RegistrationCode) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// Delivery attempt outcomes
const (
	OutcomeDelivered = "delivered"
	OutcomeRetryable = "retryable"
	OutcomeTerminal  = "terminal"
)

// DeliveryAttempt is a journal entry for one transport call
type DeliveryAttempt struct {
	ID        string
	PostID    int64
	ChannelID int64
	ChatID    int64
	Attempt   int
	Outcome   string
	MessageID int64
	Reason    string
	At        time.Time
}

// ChannelStat represents per-channel delivery statistics
type ChannelStat struct {
	ChatID    int64
	Delivered int
	Failed    int
}
