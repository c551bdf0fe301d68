// Package errs provides typed errors shared by the storage, delivery and bot layers
package errs

import (
	"errors"
	"fmt"
	"time"
)

// baseError is the base implementation for the message-only error types
type baseError struct {
	msg string
}

func (e *baseError) Error() string {
	return e.msg
}

// NotFoundError reports a missing post, channel, user, code or schedule
type NotFoundError struct {
	baseError
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(msg string) *NotFoundError {
	return &NotFoundError{baseError{msg: msg}}
}

// ValidationError reports malformed author input
type ValidationError struct {
	baseError
}

// NewValidationError creates a new ValidationError
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{baseError{msg: msg}}
}

// ConflictError reports a state transition that lost a race or is no longer allowed
type ConflictError struct {
	baseError
}

// NewConflictError creates a new ConflictError
func NewConflictError(msg string) *ConflictError {
	return &ConflictError{baseError{msg: msg}}
}

// PermissionError reports an action the caller's role does not allow
type PermissionError struct {
	baseError
}

// NewPermissionError creates a new PermissionError
func NewPermissionError(msg string) *PermissionError {
	return &PermissionError{baseError{msg: msg}}
}

// InternalError wraps persistence and infrastructure failures
type InternalError struct {
	Op  string
	Err error
}

// NewInternalError creates a new InternalError
func NewInternalError(op string, err error) *InternalError {
	return &InternalError{Op: op, Err: err}
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// DeliveryError is returned by the transport for a failed send.
// Retryable errors may succeed after a backoff, terminal ones never will.
type DeliveryError struct {
	Retryable  bool
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s delivery error: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s delivery error: %s", kind, e.Reason)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable creates a retryable DeliveryError
func Retryable(reason string, retryAfter time.Duration, err error) *DeliveryError {
	return &DeliveryError{Retryable: true, Reason: reason, RetryAfter: retryAfter, Err: err}
}

// Terminal creates a terminal DeliveryError
func Terminal(reason string, err error) *DeliveryError {
	return &DeliveryError{Retryable: false, Reason: reason, Err: err}
}

// Domain errors
var (
	ErrPostNotFound        = NewNotFoundError("post not found")
	ErrChannelNotFound     = NewNotFoundError("channel not found")
	ErrUserNotFound        = NewNotFoundError("user not found")
	ErrCodeNotFound        = NewNotFoundError("unknown registration code")
	ErrScheduleNotFound    = NewNotFoundError("scheduled delivery not found")
	ErrAlreadySent         = NewConflictError("post has already been sent")
	ErrDeliveryInProgress  = NewConflictError("post delivery is in progress")
	ErrChannelExists       = NewConflictError("channel is already registered")
	ErrCodeExpired         = NewValidationError("registration code has expired")
	ErrCodeInactive        = NewValidationError("registration code is not active")
	ErrCodeExhausted       = NewValidationError("registration code has already been used")
	ErrScheduleInPast      = NewValidationError("scheduled time must be in the future")
	ErrEmptyText           = NewValidationError("post text cannot be empty")
	ErrNoChannels          = NewValidationError("no channels selected")
	ErrNotScheduled        = NewConflictError("post is not scheduled")
	ErrNotRetryable        = NewConflictError("only failed or cancelled posts can be retried")
	ErrDeliveryUnconfirmed = NewConflictError("post may already be in some channels, check them before sending it again")
	ErrShuttingDown        = NewConflictError("the bot is restarting, retry the post in a minute")
	ErrForbidden           = NewPermissionError("you are not allowed to do this")
)

// IsNotFound checks if err is or wraps a NotFoundError
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsValidation checks if err is or wraps a ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConflict checks if err is or wraps a ConflictError
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsPermission checks if err is or wraps a PermissionError
func IsPermission(err error) bool {
	var target *PermissionError
	return errors.As(err, &target)
}

// IsInternal checks if err is or wraps an InternalError
func IsInternal(err error) bool {
	var target *InternalError
	return errors.As(err, &target)
}

// AsDelivery extracts a DeliveryError from err
func AsDelivery(err error) (*DeliveryError, bool) {
	var target *DeliveryError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
