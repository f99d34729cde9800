package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/punchamoorthee/earnledger/internal/config"
	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/sirupsen/logrus"
)

// CommissionEngine activates users and pays their upline. It is the only writer of
// is_activated and of referral edges.
type CommissionEngine struct {
	store store.Store
	rules config.Rules
	now   func() time.Time
	log   logrus.FieldLogger
}

func NewCommissionEngine(s store.Store, rules config.Rules, log logrus.FieldLogger) *CommissionEngine {
	return &CommissionEngine{store: s, rules: rules, now: time.Now, log: log}
}

type ActivationResult struct {
	UserID      int64                 `json:"user_id"`
	Duplicate   bool                  `json:"duplicate"`
	Commissions []domain.Earning      `json:"commissions"`
	Edges       []domain.ReferralEdge `json:"edges"`
}

// level1Amount is 300 for a referrer's first level-1 commission and 150 afterwards.
func (c *CommissionEngine) level1Amount(prior int) int64 {
	if prior == 0 {
		return c.rules.FirstReferralBonus
	}
	return c.rules.ReferralBonus
}

// Activate flips the user to activated and posts the cascade. Repeated calls for an
// activated user return a Duplicate result and change nothing.
func (c *CommissionEngine) Activate(ctx context.Context, userID int64) (*ActivationResult, error) {
	var res *ActivationResult
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = c.activateTx(ctx, tx, userID, c.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	c.record(res)
	return res, nil
}

func (c *CommissionEngine) record(res *ActivationResult) {
	if res == nil || res.Duplicate {
		return
	}
	recordEarnings(ptrs(res.Commissions)...)
	for _, e := range res.Edges {
		commissionsPosted.WithLabelValues(strconv.Itoa(e.Level)).Inc()
	}
	c.log.WithFields(logrus.Fields{
		"user_id":     res.UserID,
		"commissions": len(res.Commissions),
	}).Info("user activated")
}

func ptrs(earnings []domain.Earning) []*domain.Earning {
	out := make([]*domain.Earning, len(earnings))
	for i := range earnings {
		out[i] = &earnings[i]
	}
	return out
}

// activateTx runs the cascade inside the caller's unit of work so a payment callback can
// commit the payment status and the activation together.
func (c *CommissionEngine) activateTx(ctx context.Context, tx store.Tx, userID int64, at time.Time) (*ActivationResult, error) {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return nil, userNotFound(err)
	}
	if u.IsActivated {
		return &ActivationResult{UserID: userID, Duplicate: true}, nil
	}

	up, err := uplineTx(ctx, tx, u)
	if err != nil {
		return nil, err
	}
	ids := []int64{u.ID}
	if up.Level1 != nil {
		ids = append(ids, up.Level1.ID)
	}
	if up.Level2 != nil {
		ids = append(ids, up.Level2.ID)
	}
	if _, err := tx.LockUsers(ctx, ids...); err != nil {
		return nil, fmt.Errorf("lock activation users: %w", err)
	}

	// test-and-set on the flag collapses racing triggers to one winner
	won, err := tx.MarkActivated(ctx, u.ID, at)
	if err != nil {
		return nil, err
	}
	if !won {
		return &ActivationResult{UserID: userID, Duplicate: true}, nil
	}

	res := &ActivationResult{UserID: userID}
	pay := func(referrer *domain.User, level int, amount int64) error {
		desc := fmt.Sprintf("Level %d referral commission for %s", level, u.Username)
		e, err := postEarning(ctx, tx, referrer.ID, domain.SourceReferral, amount, desc, at)
		if err != nil {
			return err
		}
		edge := domain.ReferralEdge{
			ReferrerID: referrer.ID,
			ReferredID: u.ID,
			Level:      level,
			Amount:     amount,
			IsActive:   true,
			CreatedAt:  at,
		}
		if err := tx.UpsertReferralEdge(ctx, &edge); err != nil {
			return err
		}
		res.Commissions = append(res.Commissions, *e)
		res.Edges = append(res.Edges, edge)
		return nil
	}

	if up.Level1 != nil {
		prior, err := tx.CountReferralEdges(ctx, up.Level1.ID, 1)
		if err != nil {
			return nil, err
		}
		if err := pay(up.Level1, 1, c.level1Amount(prior)); err != nil {
			return nil, fmt.Errorf("level 1 commission: %w", err)
		}
	}
	if up.Level2 != nil {
		if err := pay(up.Level2, 2, c.rules.SecondLevelBonus); err != nil {
			return nil, fmt.Errorf("level 2 commission: %w", err)
		}
	}
	return res, nil
}
