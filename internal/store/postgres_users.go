package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/earnledger/internal/domain"
)

const userColumns = "id, username, full_name, phone, is_activated, activated_at, referral_code, referrer_id, created_at"

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Phone, &u.IsActivated, &u.ActivatedAt,
		&u.ReferralCode, &u.ReferrerID, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (t *pgTx) CreateUser(ctx context.Context, u *domain.User) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO users (username, full_name, phone, referral_code, referrer_id)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		u.Username, u.FullName, u.Phone, u.ReferralCode, u.ReferrerID,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "users_referral_code_key") {
			return ErrReferralCodeTaken
		}
		if isUniqueViolation(err, "") {
			return domain.ErrUsernameTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

func (t *pgTx) GetUserByReferralCode(ctx context.Context, code string) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE referral_code = $1", code))
}

func (t *pgTx) LockUsers(ctx context.Context, ids ...int64) (map[int64]*domain.User, error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	// Acquire locks in ID order
	locked := make(map[int64]*domain.User, len(ordered))
	for _, id := range ordered {
		u, err := scanUser(t.tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			if err == ErrNotFound {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("lock acquisition failed: %w", err)
		}
		locked[id] = u
	}
	return locked, nil
}

func (t *pgTx) MarkActivated(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		"UPDATE users SET is_activated = TRUE, activated_at = $2 WHERE id = $1 AND NOT is_activated",
		id, at)
	if err != nil {
		return false, fmt.Errorf("activate user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ListUsersReferredBy(ctx context.Context, referrerIDs []int64) ([]domain.User, error) {
	if len(referrerIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx,
		"SELECT "+userColumns+" FROM users WHERE referrer_id = ANY($1) ORDER BY created_at DESC, id DESC",
		referrerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}
