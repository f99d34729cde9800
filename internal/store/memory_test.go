package store

import (
	"context"
	"testing"

	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	testStore(t, NewMemStore())
}

func TestMemStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := NewMemStore().InTx(ctx, func(Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemStore_ClaimWithdrawalsLimit(t *testing.T) {
	s := NewMemStore()
	u := newUser(t, s)
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.InsertWithdrawal(ctx, &domain.Withdrawal{UserID: u.ID, Source: domain.SourceAd, Amount: 600, Status: domain.WithdrawalPending}); err != nil {
				return err
			}
		}
		claimed, err := tx.ClaimWithdrawals(ctx, domain.WithdrawalPending, 2)
		require.NoError(t, err)
		assert.Len(t, claimed, 2)
		return nil
	}))
}
