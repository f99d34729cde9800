package service

import (
	"context"
	"sync"
	"testing"

	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) (*LedgerService, *store.MemStore) {
	t.Helper()
	s := store.NewMemStore()
	l := NewLedgerService(s, testRules(), quietLog())
	l.now = newClock().Now
	return l, s
}

func withdrawal(userID int64, amount int64) WithdrawalRequest {
	return WithdrawalRequest{UserID: userID, Source: domain.SourceReferral, Amount: amount, Phone: "0712345678"}
}

func TestPostEarning_Validation(t *testing.T) {
	l, s := newLedger(t)
	u := seedUser(t, s, "alice", nil)
	ctx := context.Background()

	_, err := l.PostEarning(ctx, u.ID, domain.Source("crypto"), 10, "")
	assert.ErrorIs(t, err, domain.ErrInvalidSource)

	_, err = l.PostEarning(ctx, u.ID, domain.SourceAd, 0, "")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = l.PostEarning(ctx, 999, domain.SourceAd, 10, "")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	id, err := l.PostEarning(ctx, u.ID, domain.SourceAd, 10, "watched ad")
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestListEarnings_FilterAndLimit(t *testing.T) {
	l, s := newLedger(t)
	u := seedUser(t, s, "alice", nil)
	credit(t, l, u.ID, domain.SourceAd, 10)
	credit(t, l, u.ID, domain.SourceTikTok, 15)
	credit(t, l, u.ID, domain.SourceAd, 20)

	ads, err := l.ListEarnings(context.Background(), u.ID, domain.EarningFilter{Source: domain.SourceAd})
	require.NoError(t, err)
	require.Len(t, ads, 2)
	assert.Equal(t, int64(20), ads[0].Amount)

	one, err := l.ListEarnings(context.Background(), u.ID, domain.EarningFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = l.ListEarnings(context.Background(), u.ID, domain.EarningFilter{Source: "bogus"})
	assert.ErrorIs(t, err, domain.ErrInvalidSource)
}

func TestRequestWithdrawal_ReservesBalance(t *testing.T) {
	l, s := newLedger(t)
	u := seedUser(t, s, "alice", nil)
	credit(t, l, u.ID, domain.SourceReferral, 1000)
	ctx := context.Background()

	w, replayed, err := l.RequestWithdrawal(ctx, withdrawal(u.ID, 600))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, domain.WithdrawalPending, w.Status)
	assert.Equal(t, int64(50), w.Fee)
	assert.Equal(t, int64(550), w.NetAmount())
	assert.Equal(t, "254712345678", w.PhoneNumber)
	assert.Equal(t, "M-Pesa", w.PaymentMethod)

	balances, err := l.GetBalances(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Balance{Earned: 1000, Withdrawable: 400}, balances[domain.SourceReferral])
	assert.Equal(t, domain.Balance{}, balances[domain.SourceAd])

	_, _, err = l.RequestWithdrawal(ctx, withdrawal(u.ID, 600))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	var limit *domain.LimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, int64(400), limit.Limit)
}

func TestRequestWithdrawal_Validation(t *testing.T) {
	l, s := newLedger(t)
	u := seedUser(t, s, "alice", nil)
	credit(t, l, u.ID, domain.SourceReferral, 5000)
	ctx := context.Background()

	_, _, err := l.RequestWithdrawal(ctx, withdrawal(u.ID, 599))
	require.ErrorIs(t, err, domain.ErrBelowMinimum)
	assert.Equal(t, "minimum withdrawal is 600", err.Error())

	_, _, err = l.RequestWithdrawal(ctx, withdrawal(u.ID, -1))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	req := withdrawal(u.ID, 600)
	req.Source = "bitcoin"
	_, _, err = l.RequestWithdrawal(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidSource)

	req = withdrawal(u.ID, 600)
	req.Phone = "12345"
	_, _, err = l.RequestWithdrawal(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidPhone)

	_, _, err = l.RequestWithdrawal(ctx, withdrawal(999, 600))
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestAdvanceWithdrawal_FailedReleasesReservation(t *testing.T) {
	l, s := newLedger(t)
	u := seedUser(t, s, "alice", nil)
	credit(t, l, u.ID, domain.SourceReferral, 1000)
	ctx := context.Background()

	w, _, err := l.RequestWithdrawal(ctx, withdrawal(u.ID, 700))
	require.NoError(t, err)

	failed, err := l.AdvanceWithdrawal(ctx, w.ID, domain.WithdrawalFailed)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalFailed, failed.Status)
	assert.NotNil(t, failed.ProcessedAt)

	balances, err := l.GetBalances(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balances[domain.SourceReferral].Withdrawable)

	// terminal states never move again, but re-applying the same one is harmless
	_, err = l.AdvanceWithdrawal(ctx, w.ID, domain.WithdrawalProcessing)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = l.AdvanceWithdrawal(ctx, w.ID, domain.WithdrawalFailed)
	assert.NoError(t, err)

	_, err = l.AdvanceWithdrawal(ctx, 12345, domain.WithdrawalFailed)
	assert.ErrorIs(t, err, domain.ErrWithdrawalNotFound)
}

func TestRequestWithdrawal_IdempotencyKey(t *testing.T) {
	l, s := newLedger(t)
	u := seedUser(t, s, "alice", nil)
	credit(t, l, u.ID, domain.SourceReferral, 1000)
	ctx := context.Background()

	req := withdrawal(u.ID, 600)
	req.IdempotencyKey = "key-1"
	req.RequestHash = "hash-a"

	first, replayed, err := l.RequestWithdrawal(ctx, req)
	require.NoError(t, err)
	assert.False(t, replayed)

	again, replayed, err := l.RequestWithdrawal(ctx, req)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)

	list, err := l.ListWithdrawals(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	req.RequestHash = "hash-b"
	_, _, err = l.RequestWithdrawal(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestRequestWithdrawal_KeyFreedWhenRequestFails(t *testing.T) {
	l, s := newLedger(t)
	u := seedUser(t, s, "alice", nil)
	ctx := context.Background()

	req := withdrawal(u.ID, 600)
	req.IdempotencyKey = "key-1"
	req.RequestHash = "hash-a"

	_, _, err := l.RequestWithdrawal(ctx, req)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	credit(t, l, u.ID, domain.SourceReferral, 600)
	w, replayed, err := l.RequestWithdrawal(ctx, req)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(600), w.Amount)
}

func TestRequestWithdrawal_ConcurrentRequestsCannotOverdraw(t *testing.T) {
	l, s := newLedger(t)
	u := seedUser(t, s, "alice", nil)
	credit(t, l, u.ID, domain.SourceReferral, 1000)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.RequestWithdrawal(context.Background(), withdrawal(u.ID, 600))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, ok)

	balances, err := l.GetBalances(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balances[domain.SourceReferral].Withdrawable)
}

func TestStats(t *testing.T) {
	l, s := newLedger(t)
	alice := seedUser(t, s, "alice", nil)
	bob := seedUser(t, s, "bob", alice)
	seedUser(t, s, "carol", bob)
	credit(t, l, alice.ID, domain.SourceReferral, 1000)
	credit(t, l, alice.ID, domain.SourceAd, 20)

	_, _, err := l.RequestWithdrawal(context.Background(), withdrawal(alice.ID, 600))
	require.NoError(t, err)

	st, err := l.Stats(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1020), st.TotalEarned)
	assert.Equal(t, int64(420), st.TotalBalance)
	assert.Equal(t, 1, st.DirectReferrals)
	assert.Equal(t, 1, st.SecondaryReferrals)
	assert.False(t, st.IsActivated)
}
