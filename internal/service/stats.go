package service

import (
	"context"

	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/store"
)

type Stats struct {
	UserID             int64                            `json:"user_id"`
	IsActivated        bool                             `json:"is_activated"`
	TotalBalance       int64                            `json:"total_balance"`
	TotalEarned        int64                            `json:"total_earned"`
	Balances           map[domain.Source]domain.Balance `json:"balances"`
	DirectReferrals    int                              `json:"direct_referrals"`
	SecondaryReferrals int                              `json:"secondary_referrals"`
}

// Stats summarizes a user's dashboard: withdrawable and earned totals plus referral counts.
func (l *LedgerService) Stats(ctx context.Context, userID int64) (*Stats, error) {
	st := &Stats{UserID: userID}
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return userNotFound(err)
		}
		st.IsActivated = u.IsActivated

		st.Balances, err = balancesTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		for _, b := range st.Balances {
			st.TotalBalance += b.Withdrawable
			st.TotalEarned += b.Earned
		}

		down, err := downlineTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		st.DirectReferrals = len(down.Direct)
		st.SecondaryReferrals = len(down.Secondary)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
