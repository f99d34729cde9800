package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/punchamoorthee/earnledger/internal/config"
	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	defaultPaymentMethod = "M-Pesa"

	keyInProgress = "in_progress"
	keyCompleted  = "completed"
)

// LedgerService owns earnings, derived balances and withdrawals.
type LedgerService struct {
	store store.Store
	rules config.Rules
	now   func() time.Time
	log   logrus.FieldLogger
}

func NewLedgerService(s store.Store, rules config.Rules, log logrus.FieldLogger) *LedgerService {
	return &LedgerService{store: s, rules: rules, now: time.Now, log: log}
}

// WithdrawalRequest is a user's ask to cash out one source balance.
type WithdrawalRequest struct {
	UserID        int64
	Source        domain.Source
	Amount        int64
	PaymentMethod string
	Phone         string

	// IdempotencyKey is optional. A repeated key with the same RequestHash replays the
	// original withdrawal instead of reserving funds again.
	IdempotencyKey string
	RequestHash    string
}

// postEarning appends an earning inside an existing unit of work.
func postEarning(ctx context.Context, tx store.Tx, userID int64, source domain.Source, amount int64, desc string, at time.Time) (*domain.Earning, error) {
	if !source.Valid() {
		return nil, domain.ErrInvalidSource
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	e := &domain.Earning{
		UserID:      userID,
		Source:      source,
		Amount:      amount,
		Description: desc,
		CreatedAt:   at,
	}
	if err := tx.InsertEarning(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func recordEarnings(earnings ...*domain.Earning) {
	for _, e := range earnings {
		earningsPosted.WithLabelValues(string(e.Source)).Inc()
		earningsAmount.WithLabelValues(string(e.Source)).Add(float64(e.Amount))
	}
}

func userNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.ErrUserNotFound
	}
	return err
}

// PostEarning credits a user directly and returns the new earning id.
func (l *LedgerService) PostEarning(ctx context.Context, userID int64, source domain.Source, amount int64, desc string) (int64, error) {
	var posted *domain.Earning
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return userNotFound(err)
		}
		e, err := postEarning(ctx, tx, userID, source, amount, desc, l.now().UTC())
		posted = e
		return err
	})
	if err != nil {
		return 0, err
	}
	recordEarnings(posted)
	return posted.ID, nil
}

func (l *LedgerService) ListEarnings(ctx context.Context, userID int64, f domain.EarningFilter) ([]domain.Earning, error) {
	if f.Source != "" && !f.Source.Valid() {
		return nil, domain.ErrInvalidSource
	}
	var out []domain.Earning
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListEarnings(ctx, userID, f)
		return err
	})
	return out, err
}

func balancesTx(ctx context.Context, tx store.Tx, userID int64) (map[domain.Source]domain.Balance, error) {
	earned, err := tx.SumEarnings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sum earnings: %w", err)
	}
	reserved, err := tx.SumWithdrawals(ctx, userID, domain.ReservingStatuses)
	if err != nil {
		return nil, fmt.Errorf("sum withdrawals: %w", err)
	}

	balances := make(map[domain.Source]domain.Balance, len(domain.Sources))
	for _, src := range domain.Sources {
		balances[src] = domain.Balance{
			Earned:       earned[src],
			Withdrawable: earned[src] - reserved[src],
		}
	}
	return balances, nil
}

// GetBalances derives per-source balances from the earning and withdrawal logs.
func (l *LedgerService) GetBalances(ctx context.Context, userID int64) (map[domain.Source]domain.Balance, error) {
	var balances map[domain.Source]domain.Balance
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return userNotFound(err)
		}
		var err error
		balances, err = balancesTx(ctx, tx, userID)
		return err
	})
	return balances, err
}

// RequestWithdrawal reserves funds for a payout. The balance check and the insert happen
// under the user's row lock so concurrent requests cannot overdraw the same source.
// replayed reports that the withdrawal was returned from an earlier request with the same key.
func (l *LedgerService) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (w *domain.Withdrawal, replayed bool, err error) {
	if !req.Source.Valid() {
		return nil, false, domain.ErrInvalidSource
	}
	if req.Amount <= 0 {
		return nil, false, domain.ErrInvalidAmount
	}
	if req.Amount < l.rules.WithdrawalMinimum || l.rules.WithdrawalFee >= req.Amount {
		withdrawalEvents.WithLabelValues("below_minimum").Inc()
		return nil, false, &domain.LimitError{Err: domain.ErrBelowMinimum, Limit: l.rules.WithdrawalMinimum}
	}
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, false, err
	}
	method := req.PaymentMethod
	if method == "" {
		method = defaultPaymentMethod
	}

	err = l.store.InTx(ctx, func(tx store.Tx) error {
		if req.IdempotencyKey != "" {
			prior, err := reserveKey(ctx, tx, req)
			if err != nil {
				return err
			}
			if prior != nil {
				w, replayed = prior, true
				return nil
			}
		}

		if _, err := tx.LockUsers(ctx, req.UserID); err != nil {
			return userNotFound(err)
		}
		balances, err := balancesTx(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		available := balances[req.Source].Withdrawable
		if req.Amount > available {
			return &domain.LimitError{Err: domain.ErrInsufficientBalance, Limit: available}
		}

		w = &domain.Withdrawal{
			UserID:        req.UserID,
			Source:        req.Source,
			Amount:        req.Amount,
			Fee:           l.rules.WithdrawalFee,
			Status:        domain.WithdrawalPending,
			PaymentMethod: method,
			PhoneNumber:   phone,
			CreatedAt:     l.now().UTC(),
		}
		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			body, err := json.Marshal(w)
			if err != nil {
				return err
			}
			return tx.CompleteIdempotencyKey(ctx, &domain.IdempotencyRecord{
				Key:            req.IdempotencyKey,
				UserID:         req.UserID,
				RequestHash:    req.RequestHash,
				Status:         keyCompleted,
				ResponseBody:   body,
				ResponseStatus: http.StatusCreated,
			})
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientBalance):
			withdrawalEvents.WithLabelValues("insufficient_balance").Inc()
		case errors.Is(err, domain.ErrIdempotencyConflict), errors.Is(err, domain.ErrIdempotencyMismatch):
			withdrawalEvents.WithLabelValues("key_rejected").Inc()
		}
		return nil, false, err
	}
	if replayed {
		withdrawalEvents.WithLabelValues("replayed").Inc()
		return w, true, nil
	}

	withdrawalEvents.WithLabelValues("requested").Inc()
	l.log.WithFields(logrus.Fields{
		"user_id":       w.UserID,
		"withdrawal_id": w.ID,
		"source":        w.Source,
		"amount":        w.Amount,
	}).Info("withdrawal requested")
	return w, false, nil
}

// reserveKey returns the stored withdrawal for a completed key, or reserves the key and
// returns nil. The reservation rolls back with the rest of the unit of work on failure.
func reserveKey(ctx context.Context, tx store.Tx, req WithdrawalRequest) (*domain.Withdrawal, error) {
	rec, err := tx.GetIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		if rec.UserID != req.UserID || rec.RequestHash != req.RequestHash {
			return nil, domain.ErrIdempotencyMismatch
		}
		if rec.Status != keyCompleted {
			return nil, domain.ErrIdempotencyConflict
		}
		var prior domain.Withdrawal
		if err := json.Unmarshal(rec.ResponseBody, &prior); err != nil {
			return nil, fmt.Errorf("decode stored response: %w", err)
		}
		return &prior, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	err = tx.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{
		Key:         req.IdempotencyKey,
		UserID:      req.UserID,
		RequestHash: req.RequestHash,
		Status:      keyInProgress,
	})
	if errors.Is(err, store.ErrKeyInUse) {
		return nil, domain.ErrIdempotencyConflict
	}
	return nil, err
}

func (l *LedgerService) ListWithdrawals(ctx context.Context, userID int64) ([]domain.Withdrawal, error) {
	var out []domain.Withdrawal
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListWithdrawals(ctx, userID)
		return err
	})
	return out, err
}

// advanceWithdrawal moves w forward. Re-applying the current terminal status is a no-op.
func advanceWithdrawal(ctx context.Context, tx store.Tx, w *domain.Withdrawal, next domain.WithdrawalStatus, at time.Time) (bool, error) {
	if w.Status == next && next.Terminal() {
		return false, nil
	}
	if !w.Status.CanTransition(next) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, w.Status, next)
	}
	w.Status = next
	if next.Terminal() {
		w.ProcessedAt = &at
	}
	if err := tx.UpdateWithdrawal(ctx, w); err != nil {
		return false, err
	}
	withdrawalEvents.WithLabelValues(string(next)).Inc()
	return true, nil
}

// AdvanceWithdrawal applies an operator or provider driven status change.
func (l *LedgerService) AdvanceWithdrawal(ctx context.Context, id int64, next domain.WithdrawalStatus) (*domain.Withdrawal, error) {
	var w *domain.Withdrawal
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		w, err = tx.LockWithdrawal(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.ErrWithdrawalNotFound
			}
			return err
		}
		_, err = advanceWithdrawal(ctx, tx, w, next, l.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}
