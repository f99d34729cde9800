package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/earnledger/internal/domain"
)

// MemStore keeps everything in process memory. Transactions are serialized and a failing
// transaction restores the state it started from. It backs local development and tests.
type MemStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	seq         int64
	users       map[int64]domain.User
	earnings    []domain.Earning
	withdrawals []domain.Withdrawal
	referrals   []domain.ReferralEdge
	catalog     []domain.AvailableTask
	tasks       []domain.Task
	payments    []domain.PaymentTransaction
	callbacks   []domain.PaymentCallback
	idem        map[string]domain.IdempotencyRecord
}

func NewMemStore() *MemStore {
	return &MemStore{state: &memState{
		users: make(map[int64]domain.User),
		idem:  make(map[string]domain.IdempotencyRecord),
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		seq:         s.seq,
		users:       maps.Clone(s.users),
		earnings:    slices.Clone(s.earnings),
		withdrawals: slices.Clone(s.withdrawals),
		referrals:   slices.Clone(s.referrals),
		catalog:     slices.Clone(s.catalog),
		tasks:       slices.Clone(s.tasks),
		payments:    slices.Clone(s.payments),
		callbacks:   slices.Clone(s.callbacks),
		idem:        maps.Clone(s.idem),
	}
}

func (s *memState) nextID() int64 {
	s.seq++
	return s.seq
}

func (m *MemStore) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.state.clone()
	if err := fn(&memTx{s: working}); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (m *MemStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemStore) Close() {}

type memTx struct {
	s *memState
}

func (t *memTx) CreateUser(_ context.Context, u *domain.User) error {
	for _, existing := range t.s.users {
		if existing.ReferralCode == u.ReferralCode {
			return ErrReferralCodeTaken
		}
		if existing.Username == u.Username {
			return domain.ErrUsernameTaken
		}
	}
	u.ID = t.s.nextID()
	u.CreatedAt = time.Now().UTC()
	t.s.users[u.ID] = *u
	return nil
}

func (t *memTx) GetUser(_ context.Context, id int64) (*domain.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (t *memTx) GetUserByReferralCode(_ context.Context, code string) (*domain.User, error) {
	for _, u := range t.s.users {
		if u.ReferralCode == code {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) LockUsers(ctx context.Context, ids ...int64) (map[int64]*domain.User, error) {
	locked := make(map[int64]*domain.User, len(ids))
	for _, id := range ids {
		u, err := t.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = u
	}
	return locked, nil
}

func (t *memTx) MarkActivated(_ context.Context, id int64, at time.Time) (bool, error) {
	u, ok := t.s.users[id]
	if !ok {
		return false, ErrNotFound
	}
	if u.IsActivated {
		return false, nil
	}
	u.IsActivated = true
	u.ActivatedAt = &at
	t.s.users[id] = u
	return true, nil
}

func (t *memTx) ListUsersReferredBy(_ context.Context, referrerIDs []int64) ([]domain.User, error) {
	var out []domain.User
	for _, u := range t.s.users {
		if u.ReferrerID != nil && slices.Contains(referrerIDs, *u.ReferrerID) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memTx) InsertEarning(_ context.Context, e *domain.Earning) error {
	e.ID = t.s.nextID()
	t.s.earnings = append(t.s.earnings, *e)
	return nil
}

func (t *memTx) ListEarnings(_ context.Context, userID int64, f domain.EarningFilter) ([]domain.Earning, error) {
	var out []domain.Earning
	for i := len(t.s.earnings) - 1; i >= 0; i-- {
		e := t.s.earnings[i]
		if e.UserID != userID || (f.Source != "" && e.Source != f.Source) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) SumEarnings(_ context.Context, userID int64) (map[domain.Source]int64, error) {
	sums := make(map[domain.Source]int64)
	for _, e := range t.s.earnings {
		if e.UserID == userID {
			sums[e.Source] += e.Amount
		}
	}
	return sums, nil
}

func (t *memTx) SumWithdrawals(_ context.Context, userID int64, statuses []domain.WithdrawalStatus) (map[domain.Source]int64, error) {
	sums := make(map[domain.Source]int64)
	for _, w := range t.s.withdrawals {
		if w.UserID == userID && slices.Contains(statuses, w.Status) {
			sums[w.Source] += w.Amount
		}
	}
	return sums, nil
}

func (t *memTx) InsertWithdrawal(_ context.Context, w *domain.Withdrawal) error {
	w.ID = t.s.nextID()
	t.s.withdrawals = append(t.s.withdrawals, *w)
	return nil
}

func (t *memTx) ListWithdrawals(_ context.Context, userID int64) ([]domain.Withdrawal, error) {
	var out []domain.Withdrawal
	for i := len(t.s.withdrawals) - 1; i >= 0; i-- {
		if t.s.withdrawals[i].UserID == userID {
			out = append(out, t.s.withdrawals[i])
		}
	}
	return out, nil
}

func (t *memTx) findWithdrawal(match func(domain.Withdrawal) bool) (*domain.Withdrawal, error) {
	for _, w := range t.s.withdrawals {
		if match(w) {
			return &w, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) LockWithdrawal(_ context.Context, id int64) (*domain.Withdrawal, error) {
	return t.findWithdrawal(func(w domain.Withdrawal) bool { return w.ID == id })
}

func (t *memTx) LockWithdrawalByProviderRef(_ context.Context, ref string) (*domain.Withdrawal, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	return t.findWithdrawal(func(w domain.Withdrawal) bool { return w.ProviderRef == ref })
}

func (t *memTx) ClaimWithdrawals(_ context.Context, status domain.WithdrawalStatus, limit int) ([]domain.Withdrawal, error) {
	var out []domain.Withdrawal
	for _, w := range t.s.withdrawals {
		if w.Status == status {
			out = append(out, w)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *memTx) UpdateWithdrawal(_ context.Context, w *domain.Withdrawal) error {
	for i := range t.s.withdrawals {
		if t.s.withdrawals[i].ID == w.ID {
			t.s.withdrawals[i].Status = w.Status
			t.s.withdrawals[i].ProviderRef = w.ProviderRef
			t.s.withdrawals[i].ProcessedAt = w.ProcessedAt
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) CountReferralEdges(_ context.Context, referrerID int64, level int) (int, error) {
	n := 0
	for _, e := range t.s.referrals {
		if e.ReferrerID == referrerID && e.Level == level {
			n++
		}
	}
	return n, nil
}

func (t *memTx) UpsertReferralEdge(_ context.Context, e *domain.ReferralEdge) error {
	for i, existing := range t.s.referrals {
		if existing.ReferrerID == e.ReferrerID && existing.ReferredID == e.ReferredID && existing.Level == e.Level {
			t.s.referrals[i].IsActive = e.IsActive
			t.s.referrals[i].Amount = e.Amount
			e.ID = existing.ID
			return nil
		}
	}
	e.ID = t.s.nextID()
	t.s.referrals = append(t.s.referrals, *e)
	return nil
}

func (t *memTx) ListReferralEdges(_ context.Context, referrerID int64) ([]domain.ReferralEdge, error) {
	var out []domain.ReferralEdge
	for _, e := range t.s.referrals {
		if e.ReferrerID != referrerID {
			continue
		}
		if u, ok := t.s.users[e.ReferredID]; ok {
			e.ReferredUsername = u.Username
			e.ReferredFullName = u.FullName
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (t *memTx) ListAvailableTasks(_ context.Context) ([]domain.AvailableTask, error) {
	return slices.Clone(t.s.catalog), nil
}

func (t *memTx) GetAvailableTask(_ context.Context, id int64) (*domain.AvailableTask, error) {
	for _, a := range t.s.catalog {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertAvailableTask(_ context.Context, a *domain.AvailableTask) error {
	a.ID = t.s.nextID()
	a.CreatedAt = time.Now().UTC()
	t.s.catalog = append(t.s.catalog, *a)
	return nil
}

func (t *memTx) FirstCompletion(_ context.Context, userID int64) (*domain.Task, error) {
	var first *domain.Task
	for _, tk := range t.s.tasks {
		if tk.UserID != userID {
			continue
		}
		if first == nil || tk.CompletedAt.Before(first.CompletedAt) {
			first = &tk
		}
	}
	return first, nil
}

func (t *memTx) ListCompletions(_ context.Context, userID int64, taskType domain.TaskType, since time.Time) ([]domain.Task, error) {
	var out []domain.Task
	for _, tk := range t.s.tasks {
		if tk.UserID == userID && tk.Type == taskType && !tk.CompletedAt.Before(since) {
			out = append(out, tk)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	return out, nil
}

func (t *memTx) InsertTask(_ context.Context, tk *domain.Task) error {
	tk.ID = t.s.nextID()
	t.s.tasks = append(t.s.tasks, *tk)
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *domain.PaymentTransaction) error {
	for _, existing := range t.s.payments {
		if existing.CheckoutRequestID == p.CheckoutRequestID || existing.MerchantRequestID == p.MerchantRequestID {
			return ErrDuplicateRequest
		}
	}
	p.ID = t.s.nextID()
	p.UpdatedAt = p.CreatedAt
	t.s.payments = append(t.s.payments, *p)
	return nil
}

func (t *memTx) LockPayment(_ context.Context, checkoutRequestID string) (*domain.PaymentTransaction, error) {
	for _, p := range t.s.payments {
		if p.CheckoutRequestID == checkoutRequestID {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) UpdatePayment(_ context.Context, p *domain.PaymentTransaction) error {
	for i := range t.s.payments {
		if t.s.payments[i].ID == p.ID {
			t.s.payments[i] = *p
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) ListPayments(_ context.Context, userID int64) ([]domain.PaymentTransaction, error) {
	var out []domain.PaymentTransaction
	for i := len(t.s.payments) - 1; i >= 0; i-- {
		if t.s.payments[i].UserID == userID {
			out = append(out, t.s.payments[i])
		}
	}
	return out, nil
}

func (t *memTx) ExpirePendingPayments(_ context.Context, cutoff time.Time, desc string) (int64, error) {
	var n int64
	for i := range t.s.payments {
		p := &t.s.payments[i]
		if p.Status == domain.PaymentPending && p.CreatedAt.Before(cutoff) && !t.awaitingCallback(p.CheckoutRequestID) {
			p.Status = domain.PaymentCancelled
			p.ResultDesc = desc
			p.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (t *memTx) awaitingCallback(checkoutRequestID string) bool {
	for _, cb := range t.s.callbacks {
		if cb.CheckoutRequestID == checkoutRequestID {
			return cb.ProcessedAt == nil
		}
	}
	return false
}

func (t *memTx) SaveCallback(_ context.Context, cb *domain.PaymentCallback) (bool, error) {
	for _, existing := range t.s.callbacks {
		if existing.CheckoutRequestID == cb.CheckoutRequestID {
			return false, nil
		}
	}
	t.s.callbacks = append(t.s.callbacks, *cb)
	return true, nil
}

func (t *memTx) ListUnprocessedCallbacks(_ context.Context, cutoff time.Time, limit int) ([]domain.PaymentCallback, error) {
	var out []domain.PaymentCallback
	for _, cb := range t.s.callbacks {
		if cb.ProcessedAt == nil && cb.ReceivedAt.Before(cutoff) {
			out = append(out, cb)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) MarkCallbackProcessed(_ context.Context, checkoutRequestID string, at time.Time) error {
	for i := range t.s.callbacks {
		if t.s.callbacks[i].CheckoutRequestID == checkoutRequestID {
			t.s.callbacks[i].ProcessedAt = &at
		}
	}
	return nil
}

func (t *memTx) GetIdempotencyKey(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, ok := t.s.idem[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (t *memTx) ReserveIdempotencyKey(_ context.Context, rec *domain.IdempotencyRecord) error {
	if _, ok := t.s.idem[rec.Key]; ok {
		return ErrKeyInUse
	}
	t.s.idem[rec.Key] = *rec
	return nil
}

func (t *memTx) CompleteIdempotencyKey(_ context.Context, rec *domain.IdempotencyRecord) error {
	if _, ok := t.s.idem[rec.Key]; !ok {
		return ErrNotFound
	}
	t.s.idem[rec.Key] = *rec
	return nil
}
