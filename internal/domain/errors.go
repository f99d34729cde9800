package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinimum        = errors.New("amount below withdrawal minimum")
	ErrOnCooldown          = errors.New("task type on cooldown")
	ErrWeeklyLimitReached  = errors.New("weekly task limit reached")
	ErrUnknownTransaction  = errors.New("unknown payment transaction")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrDuplicateActivation is informational; callers treat it as success.
	ErrDuplicateActivation = errors.New("user already activated")

	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidPhone        = errors.New("invalid phone number")
	ErrInvalidSource       = errors.New("invalid earning source")
	ErrInvalidReferralCode = errors.New("invalid referral code")
	ErrInvalidUser         = errors.New("invalid user details")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAlreadyActivated    = errors.New("account already activated")

	ErrUserNotFound       = errors.New("user not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrUsernameTaken      = errors.New("username already taken")

	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)

// EligibilityError explains why a task type cannot be completed yet.
type EligibilityError struct {
	Err         error
	Type        TaskType
	AvailableAt time.Time
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("%s: %s available again at %s", e.Err, e.Type, e.AvailableAt.UTC().Format(time.RFC3339))
}

func (e *EligibilityError) Unwrap() error { return e.Err }

// LimitError carries the configured bound that was violated.
type LimitError struct {
	Err   error
	Limit int64
}

func (e *LimitError) Error() string {
	if errors.Is(e.Err, ErrBelowMinimum) {
		return fmt.Sprintf("minimum withdrawal is %d", e.Limit)
	}
	return fmt.Sprintf("%s: available %d", e.Err, e.Limit)
}

func (e *LimitError) Unwrap() error { return e.Err }
