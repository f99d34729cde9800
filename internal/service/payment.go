package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/punchamoorthee/earnledger/internal/config"
	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/mpesa"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/sirupsen/logrus"
)

// STKPusher is the outbound half of the mobile-money provider.
type STKPusher interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResult, error)
}

const (
	// callbacks younger than this may still be in the dispatcher's retry loop
	callbackReplayAfter = 2 * time.Minute
	callbackReplayBatch = 100

	recordPaymentTries   = 3
	recordPaymentTimeout = 10 * time.Second
)

// PaymentReconciler drives activation payments: pending -> completed | failed | cancelled.
type PaymentReconciler struct {
	store         store.Store
	provider      STKPusher
	commissions   *CommissionEngine
	rules         config.Rules
	pendingTTL    time.Duration
	now           func() time.Time
	log           logrus.FieldLogger
	insertBackOff func() backoff.BackOff
}

func NewPaymentReconciler(s store.Store, provider STKPusher, commissions *CommissionEngine, rules config.Rules, pendingTTL time.Duration, log logrus.FieldLogger) *PaymentReconciler {
	return &PaymentReconciler{
		store:       s,
		provider:    provider,
		commissions: commissions,
		rules:       rules,
		pendingTTL:  pendingTTL,
		now:         time.Now,
		log:         log,
		insertBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			return b
		},
	}
}

// CallbackResult is the provider-neutral content of a payment webhook.
type CallbackResult struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	// Amount is what the customer paid, zero when the provider did not report it.
	Amount int64
}

type CallbackOutcome struct {
	Payment    *domain.PaymentTransaction
	Duplicate  bool
	Activation *ActivationResult
}

// Initiate sends the STK push and records the pending payment. A provider failure leaves
// no row behind, so the caller can simply retry. Once the prompt is out, recording it is
// retried and outlives the request context.
func (p *PaymentReconciler) Initiate(ctx context.Context, userID int64, rawPhone string) (*domain.PaymentTransaction, error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}

	var user *domain.User
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		user, err = tx.GetUser(ctx, userID)
		return userNotFound(err)
	})
	if err != nil {
		return nil, err
	}
	if user.IsActivated {
		return nil, domain.ErrAlreadyActivated
	}

	res, err := p.provider.STKPush(ctx, mpesa.STKPushRequest{
		Phone:            phone,
		Amount:           p.rules.ActivationFee,
		AccountReference: user.ReferralCode,
		Description:      "Account activation",
	})
	if err != nil {
		p.log.WithError(err).WithField("user_id", userID).Warn("stk push failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	txn := &domain.PaymentTransaction{
		UserID:            userID,
		CheckoutRequestID: res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		Status:            domain.PaymentPending,
		Amount:            p.rules.ActivationFee,
		PhoneNumber:       phone,
		CreatedAt:         p.now().UTC(),
	}
	if err := p.recordPayment(context.WithoutCancel(ctx), txn); err != nil {
		// the prompt is already on the phone; these fields are what reconciliation needs
		p.log.WithError(err).WithFields(logrus.Fields{
			"user_id":             userID,
			"checkout_request_id": txn.CheckoutRequestID,
			"merchant_request_id": txn.MerchantRequestID,
			"phone_number":        txn.PhoneNumber,
			"amount":              txn.Amount,
		}).Error("record pending payment failed")
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"user_id":             userID,
		"checkout_request_id": txn.CheckoutRequestID,
		"amount":              txn.Amount,
	}).Info("activation payment initiated")
	return txn, nil
}

func (p *PaymentReconciler) recordPayment(ctx context.Context, txn *domain.PaymentTransaction) error {
	op := func() (struct{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, recordPaymentTimeout)
		defer cancel()
		err := p.store.InTx(opCtx, func(tx store.Tx) error {
			return tx.InsertPayment(opCtx, txn)
		})
		if errors.Is(err, store.ErrDuplicateRequest) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.insertBackOff()),
		backoff.WithMaxTries(recordPaymentTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.WithError(err).WithField("checkout_request_id", txn.CheckoutRequestID).
				WithField("retry_in", next).Warn("record pending payment failed, retrying")
		}),
	)
	return err
}

// RecordCallback stores a received callback so it survives until it has been applied.
// It reports false for a checkout request id that already has one.
func (p *PaymentReconciler) RecordCallback(ctx context.Context, cb CallbackResult) (bool, error) {
	var saved bool
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		saved, err = tx.SaveCallback(ctx, &domain.PaymentCallback{
			CheckoutRequestID: cb.CheckoutRequestID,
			ResultCode:        cb.ResultCode,
			ResultDesc:        cb.ResultDesc,
			ReceiptNumber:     cb.ReceiptNumber,
			Amount:            cb.Amount,
			ReceivedAt:        p.now().UTC(),
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("record callback: %w", err)
	}
	return saved, nil
}

// HandleCallback applies a provider result exactly once per checkout request id. Results for
// payments already in a terminal state are acknowledged as duplicates. A successful result that
// reports less than the payment amount fails the payment instead of activating the user.
func (p *PaymentReconciler) HandleCallback(ctx context.Context, cb CallbackResult) (*CallbackOutcome, error) {
	out := &CallbackOutcome{}
	var unknown bool
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		now := p.now().UTC()
		if err := tx.MarkCallbackProcessed(ctx, cb.CheckoutRequestID, now); err != nil {
			return err
		}

		txn, err := tx.LockPayment(ctx, cb.CheckoutRequestID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				unknown = true
				return nil
			}
			return err
		}
		out.Payment = txn
		if txn.Status.Terminal() {
			out.Duplicate = true
			return nil
		}

		code := cb.ResultCode
		txn.ResultCode = &code
		txn.ResultDesc = cb.ResultDesc
		txn.UpdatedAt = now

		if code != 0 {
			txn.Status = domain.PaymentFailed
			return tx.UpdatePayment(ctx, txn)
		}

		txn.ReceiptNumber = cb.ReceiptNumber
		if underpaid(cb, txn) {
			txn.Status = domain.PaymentFailed
			txn.ResultDesc = fmt.Sprintf("paid %d of %d", cb.Amount, txn.Amount)
			return tx.UpdatePayment(ctx, txn)
		}

		txn.Status = domain.PaymentCompleted
		if err := tx.UpdatePayment(ctx, txn); err != nil {
			return err
		}
		out.Activation, err = p.commissions.activateTx(ctx, tx, txn.UserID, now)
		return err
	})

	fields := logrus.Fields{"checkout_request_id": cb.CheckoutRequestID, "result_code": cb.ResultCode}
	switch {
	case err != nil:
		callbackEvents.WithLabelValues("error").Inc()
		return nil, err
	case unknown:
		callbackEvents.WithLabelValues("unknown").Inc()
		p.log.WithFields(fields).Warn("callback for unknown transaction")
		return nil, domain.ErrUnknownTransaction
	case out.Duplicate:
		callbackEvents.WithLabelValues("duplicate").Inc()
		p.log.WithFields(fields).Info("duplicate callback acknowledged")
		return out, nil
	}

	if cb.ResultCode == 0 && cb.Amount != out.Payment.Amount {
		fields["paid"] = cb.Amount
		fields["expected"] = out.Payment.Amount
		fields["receipt_number"] = cb.ReceiptNumber
		if underpaid(cb, out.Payment) {
			callbackEvents.WithLabelValues("underpaid").Inc()
			p.log.WithFields(fields).Error("activation payment short, not activating")
			return out, nil
		}
		p.log.WithFields(fields).Warn("callback amount differs from payment")
	}

	callbackEvents.WithLabelValues(string(out.Payment.Status)).Inc()
	if out.Activation != nil {
		if out.Activation.Duplicate {
			p.log.WithFields(fields).WithError(domain.ErrDuplicateActivation).Warn("payment completed for an active user")
		}
		p.commissions.record(out.Activation)
	}
	p.log.WithFields(fields).WithField("status", out.Payment.Status).Info("payment callback applied")
	return out, nil
}

func underpaid(cb CallbackResult, txn *domain.PaymentTransaction) bool {
	return cb.Amount > 0 && cb.Amount < txn.Amount
}

// ReplayCallbacks applies stored callbacks that were never processed, such as those dropped
// after the dispatcher ran out of retries or lost in a restart.
func (p *PaymentReconciler) ReplayCallbacks(ctx context.Context) (int, error) {
	cutoff := p.now().UTC().Add(-callbackReplayAfter)
	var pending []domain.PaymentCallback
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.ListUnprocessedCallbacks(ctx, cutoff, callbackReplayBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, cb := range pending {
		_, err := p.HandleCallback(ctx, CallbackResult{
			CheckoutRequestID: cb.CheckoutRequestID,
			ResultCode:        cb.ResultCode,
			ResultDesc:        cb.ResultDesc,
			ReceiptNumber:     cb.ReceiptNumber,
			Amount:            cb.Amount,
		})
		switch {
		case errors.Is(err, domain.ErrUnknownTransaction):
		case err != nil:
			p.log.WithError(err).WithField("checkout_request_id", cb.CheckoutRequestID).Error("replay callback failed")
		default:
			applied++
		}
	}
	if applied > 0 {
		p.log.WithField("count", applied).Info("replayed stored callbacks")
	}
	return applied, nil
}

// ExpireStale cancels pending payments older than the TTL. A payment whose callback is stored
// but not yet applied is left for ReplayCallbacks.
func (p *PaymentReconciler) ExpireStale(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Add(-p.pendingTTL)
	var n int64
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.ExpirePendingPayments(ctx, cutoff, "expired without provider callback")
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.WithField("count", n).Info("expired stale pending payments")
	}
	return n, nil
}

func (p *PaymentReconciler) ListPayments(ctx context.Context, userID int64) ([]domain.PaymentTransaction, error) {
	var out []domain.PaymentTransaction
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListPayments(ctx, userID)
		return err
	})
	return out, err
}
