package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/mpesa"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDisburser struct {
	mu       sync.Mutex
	err      error
	requests []mpesa.B2CRequest
}

func (f *fakeDisburser) B2CPayment(_ context.Context, req mpesa.B2CRequest) (*mpesa.B2CResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &mpesa.B2CResult{OriginatorConversationID: req.OriginatorConversationID, ResponseCode: "0"}, nil
}

type payoutFixture struct {
	ledger    *LedgerService
	payouts   *PayoutService
	disburser *fakeDisburser
	user      *domain.User
}

func newPayoutFixture(t *testing.T) *payoutFixture {
	t.Helper()
	s := store.NewMemStore()
	c := newClock()
	l := NewLedgerService(s, testRules(), quietLog())
	l.now = c.Now
	d := &fakeDisburser{}
	p := NewPayoutService(s, d, 10, quietLog())
	p.now = c.Now

	u := seedUser(t, s, "alice", nil)
	credit(t, l, u.ID, domain.SourceReferral, 1000)
	return &payoutFixture{ledger: l, payouts: p, disburser: d, user: u}
}

func (f *payoutFixture) withdrawable(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.GetBalances(context.Background(), f.user.ID)
	require.NoError(t, err)
	return b[domain.SourceReferral].Withdrawable
}

func TestProcessPending_SendsNetAmount(t *testing.T) {
	f := newPayoutFixture(t)
	ctx := context.Background()

	w, _, err := f.ledger.RequestWithdrawal(ctx, withdrawal(f.user.ID, 600))
	require.NoError(t, err)

	sent, err := f.payouts.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Len(t, f.disburser.requests, 1)
	req := f.disburser.requests[0]
	assert.Equal(t, int64(550), req.Amount)
	assert.Equal(t, "254712345678", req.Phone)
	assert.NotEmpty(t, req.OriginatorConversationID)

	list, err := f.ledger.ListWithdrawals(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, w.ID, list[0].ID)
	assert.Equal(t, domain.WithdrawalProcessing, list[0].Status)
	assert.Equal(t, req.OriginatorConversationID, list[0].ProviderRef)
	assert.Equal(t, int64(400), f.withdrawable(t))

	// nothing left to claim
	sent, err = f.payouts.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestProcessPending_RejectionReleasesFunds(t *testing.T) {
	f := newPayoutFixture(t)
	ctx := context.Background()
	f.disburser.err = fmt.Errorf("%w: b2c code %q: %s", mpesa.ErrRejected, "1", "Invalid initiator")

	_, _, err := f.ledger.RequestWithdrawal(ctx, withdrawal(f.user.ID, 600))
	require.NoError(t, err)

	sent, err := f.payouts.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	list, err := f.ledger.ListWithdrawals(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalFailed, list[0].Status)
	assert.Equal(t, int64(1000), f.withdrawable(t))
}

func TestProcessPending_UnknownOutcomeKeepsReservation(t *testing.T) {
	f := newPayoutFixture(t)
	ctx := context.Background()

	for _, cause := range []error{context.DeadlineExceeded, errors.New("/mpesa/b2c/v3/paymentrequest returned status 503")} {
		f.disburser.err = fmt.Errorf("call /mpesa/b2c/v3/paymentrequest: %w", cause)
		_, _, err := f.ledger.RequestWithdrawal(ctx, withdrawal(f.user.ID, 600))
		require.NoError(t, err)

		sent, err := f.payouts.ProcessPending(ctx)
		require.NoError(t, err)
		assert.Zero(t, sent)

		list, err := f.ledger.ListWithdrawals(ctx, f.user.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WithdrawalProcessing, list[0].Status)
		assert.Equal(t, int64(400), f.withdrawable(t))

		// the payout went through after all
		ref := f.disburser.requests[len(f.disburser.requests)-1].OriginatorConversationID
		w, dup, err := f.payouts.HandleResult(ctx, &mpesa.B2CResultCallback{ResultCode: 0, OriginatorConversationID: ref, TransactionID: "QK9"})
		require.NoError(t, err)
		assert.False(t, dup)
		assert.Equal(t, domain.WithdrawalCompleted, w.Status)
		assert.Equal(t, int64(400), f.withdrawable(t))

		_, _, err = f.ledger.RequestWithdrawal(ctx, withdrawal(f.user.ID, 1000))
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

		// top up for the next cause
		credit(t, f.ledger, f.user.ID, domain.SourceReferral, 600)
	}
}

func TestHandleResult(t *testing.T) {
	f := newPayoutFixture(t)
	ctx := context.Background()

	_, _, err := f.ledger.RequestWithdrawal(ctx, withdrawal(f.user.ID, 600))
	require.NoError(t, err)
	_, err = f.payouts.ProcessPending(ctx)
	require.NoError(t, err)
	ref := f.disburser.requests[0].OriginatorConversationID

	w, dup, err := f.payouts.HandleResult(ctx, &mpesa.B2CResultCallback{ResultCode: 0, OriginatorConversationID: ref, TransactionID: "QK9"})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, domain.WithdrawalCompleted, w.Status)
	assert.NotNil(t, w.ProcessedAt)
	assert.Equal(t, int64(400), f.withdrawable(t))

	// a redelivered failure cannot undo a completed payout
	w, dup, err = f.payouts.HandleResult(ctx, &mpesa.B2CResultCallback{ResultCode: 2001, OriginatorConversationID: ref})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, domain.WithdrawalCompleted, w.Status)

	_, _, err = f.payouts.HandleResult(ctx, &mpesa.B2CResultCallback{OriginatorConversationID: "nope"})
	assert.ErrorIs(t, err, domain.ErrWithdrawalNotFound)
}

func TestHandleResult_FailureReleasesFunds(t *testing.T) {
	f := newPayoutFixture(t)
	ctx := context.Background()

	_, _, err := f.ledger.RequestWithdrawal(ctx, withdrawal(f.user.ID, 1000))
	require.NoError(t, err)
	_, err = f.payouts.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.withdrawable(t))

	w, _, err := f.payouts.HandleResult(ctx, &mpesa.B2CResultCallback{
		ResultCode:               2001,
		ResultDesc:               "The initiator information is invalid.",
		OriginatorConversationID: f.disburser.requests[0].OriginatorConversationID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalFailed, w.Status)
	assert.Equal(t, int64(1000), f.withdrawable(t))
}
