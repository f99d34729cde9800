package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/earnledger/internal/domain"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrReferralCodeTaken = errors.New("referral code already in use")
	ErrDuplicateRequest  = errors.New("duplicate provider request id")
	ErrKeyInUse          = errors.New("idempotency key in use")
)

// Store runs units of work. Everything done through one Tx commits or rolls back together.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

type Tx interface {
	Users
	Ledger
	Referrals
	Tasks
	Payments
	Callbacks
	Idempotency
}

type Users interface {
	// CreateUser fills in ID and CreatedAt. A referral code collision returns ErrReferralCodeTaken.
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*domain.User, error)
	// LockUsers row-locks the given users in ascending id order until the Tx ends.
	LockUsers(ctx context.Context, ids ...int64) (map[int64]*domain.User, error)
	// MarkActivated flips is_activated false->true. It reports false if the user was already activated.
	MarkActivated(ctx context.Context, id int64, at time.Time) (bool, error)
	ListUsersReferredBy(ctx context.Context, referrerIDs []int64) ([]domain.User, error)
}

type Ledger interface {
	InsertEarning(ctx context.Context, e *domain.Earning) error
	// ListEarnings returns most recent first.
	ListEarnings(ctx context.Context, userID int64, f domain.EarningFilter) ([]domain.Earning, error)
	SumEarnings(ctx context.Context, userID int64) (map[domain.Source]int64, error)
	SumWithdrawals(ctx context.Context, userID int64, statuses []domain.WithdrawalStatus) (map[domain.Source]int64, error)

	InsertWithdrawal(ctx context.Context, w *domain.Withdrawal) error
	ListWithdrawals(ctx context.Context, userID int64) ([]domain.Withdrawal, error)
	// LockWithdrawal row-locks a withdrawal by id.
	LockWithdrawal(ctx context.Context, id int64) (*domain.Withdrawal, error)
	LockWithdrawalByProviderRef(ctx context.Context, ref string) (*domain.Withdrawal, error)
	// ClaimWithdrawals locks up to limit withdrawals in status, skipping rows locked by other workers.
	ClaimWithdrawals(ctx context.Context, status domain.WithdrawalStatus, limit int) ([]domain.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *domain.Withdrawal) error
}

type Referrals interface {
	CountReferralEdges(ctx context.Context, referrerID int64, level int) (int, error)
	// UpsertReferralEdge creates the edge or re-activates an existing one for the same triple.
	UpsertReferralEdge(ctx context.Context, e *domain.ReferralEdge) error
	ListReferralEdges(ctx context.Context, referrerID int64) ([]domain.ReferralEdge, error)
}

type Tasks interface {
	ListAvailableTasks(ctx context.Context) ([]domain.AvailableTask, error)
	GetAvailableTask(ctx context.Context, id int64) (*domain.AvailableTask, error)
	InsertAvailableTask(ctx context.Context, t *domain.AvailableTask) error
	// FirstCompletion returns the user's earliest completed task, or nil.
	FirstCompletion(ctx context.Context, userID int64) (*domain.Task, error)
	// ListCompletions returns completions of taskType at or after since, most recent first.
	ListCompletions(ctx context.Context, userID int64, taskType domain.TaskType, since time.Time) ([]domain.Task, error)
	InsertTask(ctx context.Context, t *domain.Task) error
}

type Payments interface {
	// InsertPayment returns ErrDuplicateRequest if either provider request id is already recorded.
	InsertPayment(ctx context.Context, p *domain.PaymentTransaction) error
	LockPayment(ctx context.Context, checkoutRequestID string) (*domain.PaymentTransaction, error)
	UpdatePayment(ctx context.Context, p *domain.PaymentTransaction) error
	ListPayments(ctx context.Context, userID int64) ([]domain.PaymentTransaction, error)
	// ExpirePendingPayments cancels pending payments created before cutoff and returns how many changed.
	// Payments with an unprocessed callback are left alone.
	ExpirePendingPayments(ctx context.Context, cutoff time.Time, desc string) (int64, error)
}

// Callbacks is the inbox of received payment callbacks.
type Callbacks interface {
	// SaveCallback stores cb unless one is already stored for its checkout request id and
	// reports whether it was new.
	SaveCallback(ctx context.Context, cb *domain.PaymentCallback) (bool, error)
	// ListUnprocessedCallbacks returns the oldest unprocessed callbacks received before cutoff.
	ListUnprocessedCallbacks(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentCallback, error)
	// MarkCallbackProcessed is a no-op when no callback is stored for the id.
	MarkCallbackProcessed(ctx context.Context, checkoutRequestID string, at time.Time) error
}

type Idempotency interface {
	GetIdempotencyKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// ReserveIdempotencyKey inserts an in-progress key. A concurrent holder returns ErrKeyInUse.
	ReserveIdempotencyKey(ctx context.Context, rec *domain.IdempotencyRecord) error
	CompleteIdempotencyKey(ctx context.Context, rec *domain.IdempotencyRecord) error
}
