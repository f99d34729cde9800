package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/earnledger/internal/config"
	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testRules() config.Rules {
	return config.Rules{
		ActivationFee:      500,
		WithdrawalMinimum:  600,
		WithdrawalFee:      50,
		FirstReferralBonus: 300,
		ReferralBonus:      150,
		SecondLevelBonus:   150,
		TaskCooldown:       14 * 24 * time.Hour,
		TaskWindow:         7 * 24 * time.Hour,
		TaskWeeklyCap:      2,
	}
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func seedUser(t *testing.T, s store.Store, username string, referrer *domain.User) *domain.User {
	t.Helper()
	u := &domain.User{
		Username:     username,
		FullName:     strings.ToUpper(username[:1]) + username[1:] + " Test",
		Phone:        "254712345678",
		ReferralCode: strings.ToUpper(username) + "CODE",
	}
	if referrer != nil {
		u.ReferrerID = &referrer.ID
	}
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateUser(context.Background(), u)
	})
	require.NoError(t, err)
	return u
}

func seedTask(t *testing.T, s store.Store, typ domain.TaskType, reward int64) *domain.AvailableTask {
	t.Helper()
	a := &domain.AvailableTask{Type: typ, Description: string(typ) + " task", Duration: "1 min", Reward: reward}
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertAvailableTask(context.Background(), a)
	})
	require.NoError(t, err)
	return a
}

func credit(t *testing.T, l *LedgerService, userID int64, src domain.Source, amount int64) {
	t.Helper()
	_, err := l.PostEarning(context.Background(), userID, src, amount, "test credit")
	require.NoError(t, err)
}

func sumEarnings(t *testing.T, s store.Store, userID int64, src domain.Source) int64 {
	t.Helper()
	var total int64
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		sums, err := tx.SumEarnings(context.Background(), userID)
		total = sums[src]
		return err
	})
	require.NoError(t, err)
	return total
}

var errStoreDown = errors.New("store unavailable")

// flakyStore fails the next n transactions and then delegates.
type flakyStore struct {
	store.Store
	fails atomic.Int32
}

func (f *flakyStore) failNext(n int) { f.fails.Store(int32(n)) }

func (f *flakyStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	for {
		n := f.fails.Load()
		if n <= 0 {
			return f.Store.InTx(ctx, fn)
		}
		if f.fails.CompareAndSwap(n, n-1) {
			return errStoreDown
		}
	}
}
