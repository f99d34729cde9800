package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore runs the behaviour every Store backend must share.
func testStore(t *testing.T, s Store) {
	t.Run("rollback", func(t *testing.T) { testRollback(t, s) })
	t.Run("activation", func(t *testing.T) { testMarkActivated(t, s) })
	t.Run("idempotency", func(t *testing.T) { testIdempotencyKeys(t, s) })
	t.Run("payments", func(t *testing.T) { testPayments(t, s) })
	t.Run("callbacks", func(t *testing.T) { testCallbacks(t, s) })
	t.Run("withdrawals", func(t *testing.T) { testWithdrawals(t, s) })
}

func newUser(t *testing.T, s Store) *domain.User {
	t.Helper()
	code := uuid.NewString()[:8]
	u := &domain.User{Username: "user_" + code, FullName: "Test User", ReferralCode: code}
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateUser(context.Background(), u)
	}))
	return u
}

func testRollback(t *testing.T, s Store) {
	ctx := context.Background()
	u := newUser(t, s)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertEarning(ctx, &domain.Earning{UserID: u.ID, Source: domain.SourceAd, Amount: 10, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		sums, err := tx.SumEarnings(ctx, u.ID)
		require.NoError(t, err)
		assert.Zero(t, sums[domain.SourceAd])
		return nil
	}))

	err = s.InTx(ctx, func(tx Tx) error {
		return tx.CreateUser(ctx, &domain.User{Username: "dup_" + u.ReferralCode, FullName: "Dup", ReferralCode: u.ReferralCode})
	})
	assert.ErrorIs(t, err, ErrReferralCodeTaken)
}

func testMarkActivated(t *testing.T, s Store) {
	ctx := context.Background()
	u := newUser(t, s)
	at := time.Now().UTC()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		first, err := tx.MarkActivated(ctx, u.ID, at)
		require.NoError(t, err)
		assert.True(t, first)

		again, err := tx.MarkActivated(ctx, u.ID, at)
		require.NoError(t, err)
		assert.False(t, again)

		got, err := tx.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActivated)
		assert.NotNil(t, got.ActivatedAt)
		return nil
	}))
}

func testIdempotencyKeys(t *testing.T, s Store) {
	ctx := context.Background()
	u := newUser(t, s)
	key := uuid.NewString()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetIdempotencyKey(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		rec := &domain.IdempotencyRecord{Key: key, UserID: u.ID, RequestHash: "h1", Status: "in_progress"}
		return tx.ReserveIdempotencyKey(ctx, rec)
	}))

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{Key: key, UserID: u.ID, RequestHash: "h2", Status: "in_progress"})
	})
	assert.ErrorIs(t, err, ErrKeyInUse)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.CompleteIdempotencyKey(ctx, &domain.IdempotencyRecord{
			Key: key, UserID: u.ID, RequestHash: "h1", Status: "completed",
			ResponseStatus: 201, ResponseBody: []byte(`{"id":7}`),
		})
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		rec, err := tx.GetIdempotencyKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "completed", rec.Status)
		assert.Equal(t, 201, rec.ResponseStatus)
		assert.JSONEq(t, `{"id":7}`, string(rec.ResponseBody))
		return nil
	}))

	err = s.InTx(ctx, func(tx Tx) error {
		return tx.CompleteIdempotencyKey(ctx, &domain.IdempotencyRecord{Key: uuid.NewString(), UserID: u.ID, Status: "completed"})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testPayments(t *testing.T, s Store) {
	ctx := context.Background()
	u := newUser(t, s)
	old := &domain.PaymentTransaction{
		UserID: u.ID, CheckoutRequestID: "ws_CO_" + uuid.NewString(), MerchantRequestID: uuid.NewString(),
		Status: domain.PaymentPending, Amount: 500, PhoneNumber: "254712345678",
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := &domain.PaymentTransaction{
		UserID: u.ID, CheckoutRequestID: "ws_CO_" + uuid.NewString(), MerchantRequestID: uuid.NewString(),
		Status: domain.PaymentPending, Amount: 500, PhoneNumber: "254712345678",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertPayment(ctx, old); err != nil {
			return err
		}
		return tx.InsertPayment(ctx, fresh)
	}))

	err := s.InTx(ctx, func(tx Tx) error {
		dup := *fresh
		dup.MerchantRequestID = uuid.NewString()
		return tx.InsertPayment(ctx, &dup)
	})
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		n, err := tx.ExpirePendingPayments(ctx, time.Now().UTC().Add(-24*time.Hour), "expired")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		p, err := tx.LockPayment(ctx, old.CheckoutRequestID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentCancelled, p.Status)

		p, err = tx.LockPayment(ctx, fresh.CheckoutRequestID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentPending, p.Status)

		_, err = tx.LockPayment(ctx, "ws_CO_missing")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func testCallbacks(t *testing.T, s Store) {
	ctx := context.Background()
	u := newUser(t, s)
	created := time.Now().UTC().Add(-48 * time.Hour)
	txn := &domain.PaymentTransaction{
		UserID: u.ID, CheckoutRequestID: "ws_CO_" + uuid.NewString(), MerchantRequestID: uuid.NewString(),
		Status: domain.PaymentPending, Amount: 500, PhoneNumber: "254712345678", CreatedAt: created,
	}
	cb := &domain.PaymentCallback{
		CheckoutRequestID: txn.CheckoutRequestID, ResultCode: 0, ReceiptNumber: "QK12ABC", Amount: 500,
		ReceivedAt: created.Add(time.Minute),
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertPayment(ctx, txn); err != nil {
			return err
		}
		saved, err := tx.SaveCallback(ctx, cb)
		require.NoError(t, err)
		assert.True(t, saved)

		again := *cb
		again.ResultCode = 1032
		saved, err = tx.SaveCallback(ctx, &again)
		require.NoError(t, err)
		assert.False(t, saved)
		return nil
	}))

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.ExpirePendingPayments(ctx, cutoff, "expired"); err != nil {
			return err
		}
		p, err := tx.LockPayment(ctx, txn.CheckoutRequestID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentPending, p.Status, "a stored callback holds off expiry")

		list, err := tx.ListUnprocessedCallbacks(ctx, cutoff, 1000)
		require.NoError(t, err)
		var found *domain.PaymentCallback
		for i := range list {
			if list[i].CheckoutRequestID == cb.CheckoutRequestID {
				found = &list[i]
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, 0, found.ResultCode)
		assert.Equal(t, int64(500), found.Amount)
		assert.Equal(t, "QK12ABC", found.ReceiptNumber)
		assert.Nil(t, found.ProcessedAt)

		require.NoError(t, tx.MarkCallbackProcessed(ctx, cb.CheckoutRequestID, time.Now().UTC()))
		return tx.MarkCallbackProcessed(ctx, "ws_CO_"+uuid.NewString(), time.Now().UTC())
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		list, err := tx.ListUnprocessedCallbacks(ctx, cutoff, 1000)
		require.NoError(t, err)
		for _, c := range list {
			assert.NotEqual(t, cb.CheckoutRequestID, c.CheckoutRequestID)
		}

		n, err := tx.ExpirePendingPayments(ctx, cutoff, "expired")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
		p, err := tx.LockPayment(ctx, txn.CheckoutRequestID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentCancelled, p.Status)
		return nil
	}))
}

func testWithdrawals(t *testing.T, s Store) {
	ctx := context.Background()
	u := newUser(t, s)
	w := &domain.Withdrawal{
		UserID: u.ID, Source: domain.SourceReferral, Amount: 600, Fee: 50,
		Status: domain.WithdrawalPending, PaymentMethod: "mpesa", PhoneNumber: "254712345678",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.InsertWithdrawal(ctx, w)
	}))

	ref := uuid.NewString()
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		sums, err := tx.SumWithdrawals(ctx, u.ID, domain.ReservingStatuses)
		require.NoError(t, err)
		assert.Equal(t, int64(600), sums[domain.SourceReferral])

		locked, err := tx.LockWithdrawal(ctx, w.ID)
		require.NoError(t, err)
		locked.Status = domain.WithdrawalFailed
		locked.ProviderRef = ref
		return tx.UpdateWithdrawal(ctx, locked)
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		sums, err := tx.SumWithdrawals(ctx, u.ID, domain.ReservingStatuses)
		require.NoError(t, err)
		assert.Zero(t, sums[domain.SourceReferral])

		got, err := tx.LockWithdrawalByProviderRef(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, w.ID, got.ID)
		assert.Equal(t, domain.WithdrawalFailed, got.Status)
		return nil
	}))
}
