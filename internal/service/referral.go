package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	referralCodeLength   = 8
	referralCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	maxCodeAttempts      = 10
)

// ReferralGraph resolves the two levels above and below a user.
type ReferralGraph struct {
	store   store.Store
	appURL  string
	log     logrus.FieldLogger
	newCode func() (string, error)
}

func NewReferralGraph(s store.Store, appURL string, log logrus.FieldLogger) *ReferralGraph {
	return &ReferralGraph{store: s, appURL: strings.TrimRight(appURL, "/"), log: log, newCode: generateReferralCode}
}

type RegisterParams struct {
	Username     string
	FullName     string
	Phone        string
	ReferralCode string
}

type Upline struct {
	Level1 *domain.User `json:"level1,omitempty"`
	Level2 *domain.User `json:"level2,omitempty"`
}

type Downline struct {
	Direct    []domain.User `json:"direct"`
	Secondary []domain.User `json:"secondary"`
}

type ReferralSummary struct {
	ReferralCode       string `json:"referral_code"`
	ReferralLink       string `json:"referral_link"`
	DirectReferrals    int    `json:"direct_referrals"`
	SecondaryReferrals int    `json:"secondary_referrals"`
	ActiveDirect       int    `json:"active_direct"`
	ActiveSecondary    int    `json:"active_secondary"`
	Level1Earnings     int64  `json:"level1_earnings"`
	Level2Earnings     int64  `json:"level2_earnings"`
	TotalEarnings      int64  `json:"total_earnings"`
}

func generateReferralCode() (string, error) {
	var b strings.Builder
	alphabetLen := big.NewInt(int64(len(referralCodeAlphabet)))
	for i := 0; i < referralCodeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		b.WriteByte(referralCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Register creates a user with a fresh unique referral code, optionally linked to the
// owner of referralCode. Code collisions regenerate the code.
func (g *ReferralGraph) Register(ctx context.Context, p RegisterParams) (*domain.User, error) {
	p.Username = strings.TrimSpace(p.Username)
	p.FullName = strings.TrimSpace(p.FullName)
	if p.Username == "" || p.FullName == "" {
		return nil, domain.ErrInvalidUser
	}
	if p.Phone != "" {
		phone, err := NormalizePhone(p.Phone)
		if err != nil {
			return nil, err
		}
		p.Phone = phone
	}
	referrerCode := strings.ToUpper(strings.TrimSpace(p.ReferralCode))

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := g.newCode()
		if err != nil {
			return nil, err
		}
		u := &domain.User{
			Username:     p.Username,
			FullName:     p.FullName,
			Phone:        p.Phone,
			ReferralCode: code,
		}

		err = g.store.InTx(ctx, func(tx store.Tx) error {
			if referrerCode != "" {
				referrer, err := tx.GetUserByReferralCode(ctx, referrerCode)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return domain.ErrInvalidReferralCode
					}
					return err
				}
				u.ReferrerID = &referrer.ID
			}
			return tx.CreateUser(ctx, u)
		})
		if errors.Is(err, store.ErrReferralCodeTaken) {
			g.log.WithField("attempt", attempt).Warn("referral code collision, regenerating")
			continue
		}
		if err != nil {
			return nil, err
		}

		g.log.WithFields(logrus.Fields{"user_id": u.ID, "referrer_id": u.ReferrerID}).Info("user registered")
		return u, nil
	}
	return nil, fmt.Errorf("could not allocate a unique referral code after %d attempts", maxCodeAttempts)
}

func (g *ReferralGraph) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	var u *domain.User
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		u, err = tx.GetUser(ctx, userID)
		return userNotFound(err)
	})
	return u, err
}

// uplineTx walks exactly two hops over referrer_id.
func uplineTx(ctx context.Context, tx store.Tx, u *domain.User) (Upline, error) {
	var up Upline
	if u.ReferrerID == nil {
		return up, nil
	}
	r1, err := tx.GetUser(ctx, *u.ReferrerID)
	if err != nil {
		return up, fmt.Errorf("load level 1 referrer: %w", err)
	}
	up.Level1 = r1
	if r1.ReferrerID == nil {
		return up, nil
	}
	r2, err := tx.GetUser(ctx, *r1.ReferrerID)
	if err != nil {
		return up, fmt.Errorf("load level 2 referrer: %w", err)
	}
	up.Level2 = r2
	return up, nil
}

func (g *ReferralGraph) GetUpline(ctx context.Context, userID int64) (Upline, error) {
	var up Upline
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return userNotFound(err)
		}
		up, err = uplineTx(ctx, tx, u)
		return err
	})
	return up, err
}

func downlineTx(ctx context.Context, tx store.Tx, userID int64) (*Downline, error) {
	direct, err := tx.ListUsersReferredBy(ctx, []int64{userID})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(direct))
	for i, u := range direct {
		ids[i] = u.ID
	}
	secondary, err := tx.ListUsersReferredBy(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &Downline{Direct: direct, Secondary: secondary}, nil
}

func (g *ReferralGraph) GetDownline(ctx context.Context, userID int64) (*Downline, error) {
	var down *Downline
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return userNotFound(err)
		}
		var err error
		down, err = downlineTx(ctx, tx, userID)
		return err
	})
	return down, err
}

// ListReferrals returns the commission edges where userID is the referrer.
func (g *ReferralGraph) ListReferrals(ctx context.Context, userID int64) ([]domain.ReferralEdge, error) {
	var edges []domain.ReferralEdge
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		edges, err = tx.ListReferralEdges(ctx, userID)
		return err
	})
	return edges, err
}

func (g *ReferralGraph) Summary(ctx context.Context, userID int64) (*ReferralSummary, error) {
	var sum ReferralSummary
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return userNotFound(err)
		}
		down, err := downlineTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		edges, err := tx.ListReferralEdges(ctx, userID)
		if err != nil {
			return err
		}

		sum.ReferralCode = u.ReferralCode
		sum.ReferralLink = fmt.Sprintf("%s/auth?ref=%s", g.appURL, u.ReferralCode)
		sum.DirectReferrals = len(down.Direct)
		sum.SecondaryReferrals = len(down.Secondary)
		for _, e := range edges {
			if !e.IsActive {
				continue
			}
			switch e.Level {
			case 1:
				sum.ActiveDirect++
				sum.Level1Earnings += e.Amount
			case 2:
				sum.ActiveSecondary++
				sum.Level2Earnings += e.Amount
			}
		}
		sum.TotalEarnings = sum.Level1Earnings + sum.Level2Earnings
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sum, nil
}
