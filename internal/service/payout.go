package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/mpesa"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/sirupsen/logrus"
)

type Disburser interface {
	B2CPayment(ctx context.Context, req mpesa.B2CRequest) (*mpesa.B2CResult, error)
}

// PayoutService sends pending withdrawals to the provider and applies their results.
type PayoutService struct {
	store     store.Store
	provider  Disburser
	batchSize int
	now       func() time.Time
	log       logrus.FieldLogger
}

func NewPayoutService(s store.Store, provider Disburser, batchSize int, log logrus.FieldLogger) *PayoutService {
	if batchSize < 1 {
		batchSize = 1
	}
	return &PayoutService{store: s, provider: provider, batchSize: batchSize, now: time.Now, log: log}
}

// ProcessPending claims a batch of pending withdrawals, moves them to processing and sends
// each one. The provider is called outside the claiming transaction so no row lock is held
// across the network. Only a definite provider rejection releases the reservation; any other
// error leaves the withdrawal processing until its result arrives.
func (p *PayoutService) ProcessPending(ctx context.Context) (int, error) {
	var claimed []domain.Withdrawal
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		batch, err := tx.ClaimWithdrawals(ctx, domain.WithdrawalPending, p.batchSize)
		if err != nil {
			return fmt.Errorf("claim withdrawals: %w", err)
		}
		now := p.now().UTC()
		for i := range batch {
			w := &batch[i]
			w.ProviderRef = uuid.NewString()
			if _, err := advanceWithdrawal(ctx, tx, w, domain.WithdrawalProcessing, now); err != nil {
				return err
			}
		}
		claimed = batch
		return nil
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, w := range claimed {
		log := p.log.WithFields(logrus.Fields{"withdrawal_id": w.ID, "user_id": w.UserID})
		_, err := p.provider.B2CPayment(ctx, mpesa.B2CRequest{
			OriginatorConversationID: w.ProviderRef,
			Phone:                    w.PhoneNumber,
			Amount:                   w.NetAmount(),
			Remarks:                  fmt.Sprintf("%s earnings withdrawal", w.Source),
			Occasion:                 fmt.Sprintf("withdrawal-%d", w.ID),
		})
		if err == nil {
			sent++
			log.WithField("provider_ref", w.ProviderRef).Info("payout sent")
			continue
		}
		if !errors.Is(err, mpesa.ErrRejected) {
			// the provider may have accepted it; the result webhook settles the row
			withdrawalEvents.WithLabelValues("payout_unconfirmed").Inc()
			log.WithError(err).WithField("provider_ref", w.ProviderRef).Error("payout outcome unknown, awaiting result")
			continue
		}

		log.WithError(err).Warn("payout rejected, releasing reservation")
		if _, ferr := p.finish(ctx, func(tx store.Tx) (*domain.Withdrawal, error) {
			return tx.LockWithdrawal(ctx, w.ID)
		}, domain.WithdrawalFailed); ferr != nil {
			log.WithError(ferr).Error("mark payout failed")
		}
	}
	return sent, nil
}

// HandleResult applies a B2C result. Results for terminal withdrawals are duplicates.
func (p *PayoutService) HandleResult(ctx context.Context, res *mpesa.B2CResultCallback) (*domain.Withdrawal, bool, error) {
	next := domain.WithdrawalCompleted
	if res.ResultCode != 0 {
		next = domain.WithdrawalFailed
	}
	var duplicate bool
	w, err := p.finish(ctx, func(tx store.Tx) (*domain.Withdrawal, error) {
		w, err := tx.LockWithdrawalByProviderRef(ctx, res.OriginatorConversationID)
		if err == nil && w.Status.Terminal() {
			duplicate = true
		}
		return w, err
	}, next)
	if err != nil {
		return nil, false, err
	}

	p.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"provider_ref":  res.OriginatorConversationID,
		"result_code":   res.ResultCode,
		"status":        w.Status,
		"duplicate":     duplicate,
	}).Info("payout result applied")
	return w, duplicate, nil
}

func (p *PayoutService) finish(ctx context.Context, lock func(store.Tx) (*domain.Withdrawal, error), next domain.WithdrawalStatus) (*domain.Withdrawal, error) {
	var w *domain.Withdrawal
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		w, err = lock(tx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.ErrWithdrawalNotFound
			}
			return err
		}
		if w.Status.Terminal() {
			return nil
		}
		_, err = advanceWithdrawal(ctx, tx, w, next, p.now().UTC())
		return err
	})
	return w, err
}
