package domain

import (
	"encoding/json"
	"time"
)

// Source identifies where an earning came from. Task sources double as task types.
type Source string

const (
	SourceReferral  Source = "referral"
	SourceAd        Source = "ad"
	SourceTikTok    Source = "tiktok"
	SourceYouTube   Source = "youtube"
	SourceInstagram Source = "instagram"
)

// Sources lists every balance bucket in display order.
var Sources = []Source{SourceReferral, SourceAd, SourceTikTok, SourceYouTube, SourceInstagram}

func (s Source) Valid() bool {
	switch s {
	case SourceReferral, SourceAd, SourceTikTok, SourceYouTube, SourceInstagram:
		return true
	}
	return false
}

// TaskType is the kind of microtask. Completing one credits the Source of the same name.
type TaskType string

const (
	TaskAd        TaskType = "ad"
	TaskTikTok    TaskType = "tiktok"
	TaskYouTube   TaskType = "youtube"
	TaskInstagram TaskType = "instagram"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskAd, TaskTikTok, TaskYouTube, TaskInstagram:
		return true
	}
	return false
}

func (t TaskType) Source() Source { return Source(t) }

// User is a platform member. Balances are never stored here; they are derived from the ledger.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	FullName     string     `json:"full_name"`
	Phone        string     `json:"phone,omitempty"`
	IsActivated  bool       `json:"is_activated"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	ReferralCode string     `json:"referral_code"`
	ReferrerID   *int64     `json:"referrer_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Earning is an immutable credit to a user's balance for one source.
type Earning struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Source      Source    `json:"source"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// EarningFilter narrows ListEarnings. Zero values mean no filter.
type EarningFilter struct {
	Source Source
	Limit  int
}

// ReferralEdge links a referrer to a referred user at level 1 or 2.
type ReferralEdge struct {
	ID               int64     `json:"id"`
	ReferrerID       int64     `json:"referrer_id"`
	ReferredID       int64     `json:"referred_id"`
	Level            int       `json:"level"`
	Amount           int64     `json:"amount"`
	IsActive         bool      `json:"is_active"`
	ReferredUsername string    `json:"referred_username"`
	ReferredFullName string    `json:"referred_full_name"`
	CreatedAt        time.Time `json:"created_at"`
}

// AvailableTask is a catalog entry. The catalog is read-only to the core.
type AvailableTask struct {
	ID          int64     `json:"id"`
	Type        TaskType  `json:"type"`
	Description string    `json:"description"`
	Duration    string    `json:"duration"`
	Reward      int64     `json:"reward"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task records one completed task instance.
type Task struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	AvailableTaskID int64     `json:"available_task_id"`
	Type            TaskType  `json:"type"`
	Reward          int64     `json:"reward"`
	CompletedAt     time.Time `json:"completed_at"`
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// ReservingStatuses are the withdrawal states that hold funds against the withdrawable balance.
var ReservingStatuses = []WithdrawalStatus{WithdrawalPending, WithdrawalProcessing, WithdrawalCompleted}

// CanTransition reports whether a withdrawal may move from s to next. Transitions never go backwards.
func (s WithdrawalStatus) CanTransition(next WithdrawalStatus) bool {
	switch s {
	case WithdrawalPending:
		return next == WithdrawalProcessing || next == WithdrawalFailed
	case WithdrawalProcessing:
		return next == WithdrawalCompleted || next == WithdrawalFailed
	}
	return false
}

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed
}

type Withdrawal struct {
	ID            int64            `json:"id"`
	UserID        int64            `json:"user_id"`
	Source        Source           `json:"source"`
	Amount        int64            `json:"amount"`
	Fee           int64            `json:"fee"`
	Status        WithdrawalStatus `json:"status"`
	PaymentMethod string           `json:"payment_method"`
	PhoneNumber   string           `json:"phone_number"`
	ProviderRef   string           `json:"provider_ref,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ProcessedAt   *time.Time       `json:"processed_at,omitempty"`
}

// NetAmount is what the user receives after the fee.
func (w Withdrawal) NetAmount() int64 { return w.Amount - w.Fee }

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

func (s PaymentStatus) Terminal() bool { return s != PaymentPending }

// PaymentTransaction tracks an activation payment. CheckoutRequestID is the callback idempotency key.
type PaymentTransaction struct {
	ID                int64         `json:"id"`
	UserID            int64         `json:"user_id"`
	CheckoutRequestID string        `json:"checkout_request_id"`
	MerchantRequestID string        `json:"merchant_request_id"`
	Status            PaymentStatus `json:"status"`
	Amount            int64         `json:"amount"`
	PhoneNumber       string        `json:"phone_number"`
	ReceiptNumber     string        `json:"receipt_number,omitempty"`
	ResultCode        *int          `json:"result_code,omitempty"`
	ResultDesc        string        `json:"result_desc,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// PaymentCallback is a provider result as received. It is stored before it is applied and
// ProcessedAt is set once the payment it names has been settled or found to be unknown.
type PaymentCallback struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            int64
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
}

// Balance is the derived position for one source.
type Balance struct {
	Earned       int64 `json:"earned"`
	Withdrawable int64 `json:"withdrawable"`
}

// IdempotencyRecord holds the state of a client request key.
type IdempotencyRecord struct {
	Key            string
	UserID         int64
	RequestHash    string
	Status         string
	ResponseBody   json.RawMessage
	ResponseStatus int
}
