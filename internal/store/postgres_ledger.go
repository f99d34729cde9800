package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/earnledger/internal/domain"
)

func (t *pgTx) InsertEarning(ctx context.Context, e *domain.Earning) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO earnings (user_id, source, amount, description, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id",
		e.UserID, e.Source, e.Amount, e.Description, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("earning insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) ListEarnings(ctx context.Context, userID int64, f domain.EarningFilter) ([]domain.Earning, error) {
	query := "SELECT id, user_id, source, amount, description, created_at FROM earnings WHERE user_id = $1"
	args := []any{userID}
	if f.Source != "" {
		args = append(args, f.Source)
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var earnings []domain.Earning
	for rows.Next() {
		var e domain.Earning
		if err := rows.Scan(&e.ID, &e.UserID, &e.Source, &e.Amount, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		earnings = append(earnings, e)
	}
	return earnings, rows.Err()
}

func sumBySource(rows pgx.Rows) (map[domain.Source]int64, error) {
	defer rows.Close()
	sums := make(map[domain.Source]int64)
	for rows.Next() {
		var src domain.Source
		var total int64
		if err := rows.Scan(&src, &total); err != nil {
			return nil, err
		}
		sums[src] = total
	}
	return sums, rows.Err()
}

func (t *pgTx) SumEarnings(ctx context.Context, userID int64) (map[domain.Source]int64, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT source, COALESCE(SUM(amount), 0)::BIGINT FROM earnings WHERE user_id = $1 GROUP BY source", userID)
	if err != nil {
		return nil, err
	}
	return sumBySource(rows)
}

func (t *pgTx) SumWithdrawals(ctx context.Context, userID int64, statuses []domain.WithdrawalStatus) (map[domain.Source]int64, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT source, COALESCE(SUM(amount), 0)::BIGINT FROM withdrawals
		 WHERE user_id = $1 AND status = ANY($2) GROUP BY source`, userID, names)
	if err != nil {
		return nil, err
	}
	return sumBySource(rows)
}

const withdrawalColumns = `id, user_id, source, amount, fee, status, payment_method, phone_number,
	COALESCE(provider_ref, ''), created_at, processed_at`

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := row.Scan(&w.ID, &w.UserID, &w.Source, &w.Amount, &w.Fee, &w.Status, &w.PaymentMethod,
		&w.PhoneNumber, &w.ProviderRef, &w.CreatedAt, &w.ProcessedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func collectWithdrawals(rows pgx.Rows) ([]domain.Withdrawal, error) {
	defer rows.Close()
	var out []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO withdrawals (user_id, source, amount, fee, status, payment_method, phone_number, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		w.UserID, w.Source, w.Amount, w.Fee, w.Status, w.PaymentMethod, w.PhoneNumber, w.CreatedAt,
	).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("withdrawal insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) ListWithdrawals(ctx context.Context, userID int64) ([]domain.Withdrawal, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawals WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (t *pgTx) LockWithdrawal(ctx context.Context, id int64) (*domain.Withdrawal, error) {
	return scanWithdrawal(t.tx.QueryRow(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) LockWithdrawalByProviderRef(ctx context.Context, ref string) (*domain.Withdrawal, error) {
	return scanWithdrawal(t.tx.QueryRow(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawals WHERE provider_ref = $1 FOR UPDATE", ref))
}

func (t *pgTx) ClaimWithdrawals(ctx context.Context, status domain.WithdrawalStatus, limit int) ([]domain.Withdrawal, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE status = $1
		 ORDER BY created_at, id LIMIT $2 FOR UPDATE SKIP LOCKED`, status, limit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE withdrawals SET status = $2, provider_ref = NULLIF($3, ''), processed_at = $4 WHERE id = $1",
		w.ID, w.Status, w.ProviderRef, w.ProcessedAt)
	if err != nil {
		return fmt.Errorf("withdrawal update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
