package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/earnledger/internal/domain"
)

func (t *pgTx) CountReferralEdges(ctx context.Context, referrerID int64, level int) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM referrals WHERE referrer_id = $1 AND level = $2", referrerID, level).Scan(&n)
	return n, err
}

func (t *pgTx) UpsertReferralEdge(ctx context.Context, e *domain.ReferralEdge) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO referrals (referrer_id, referred_id, level, amount, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (referrer_id, referred_id, level)
		 DO UPDATE SET is_active = EXCLUDED.is_active, amount = EXCLUDED.amount
		 RETURNING id`,
		e.ReferrerID, e.ReferredID, e.Level, e.Amount, e.IsActive, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("referral upsert failed: %w", err)
	}
	return nil
}

func (t *pgTx) ListReferralEdges(ctx context.Context, referrerID int64) ([]domain.ReferralEdge, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT r.id, r.referrer_id, r.referred_id, r.level, r.amount, r.is_active, u.username, u.full_name, r.created_at
		 FROM referrals r JOIN users u ON u.id = r.referred_id
		 WHERE r.referrer_id = $1 ORDER BY r.level, r.created_at DESC, r.id DESC`, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []domain.ReferralEdge
	for rows.Next() {
		var e domain.ReferralEdge
		if err := rows.Scan(&e.ID, &e.ReferrerID, &e.ReferredID, &e.Level, &e.Amount, &e.IsActive,
			&e.ReferredUsername, &e.ReferredFullName, &e.CreatedAt); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (t *pgTx) ListAvailableTasks(ctx context.Context) ([]domain.AvailableTask, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, type, description, duration, reward, created_at FROM available_tasks ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AvailableTask
	for rows.Next() {
		var a domain.AvailableTask
		if err := rows.Scan(&a.ID, &a.Type, &a.Description, &a.Duration, &a.Reward, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) GetAvailableTask(ctx context.Context, id int64) (*domain.AvailableTask, error) {
	var a domain.AvailableTask
	err := t.tx.QueryRow(ctx,
		"SELECT id, type, description, duration, reward, created_at FROM available_tasks WHERE id = $1", id,
	).Scan(&a.ID, &a.Type, &a.Description, &a.Duration, &a.Reward, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (t *pgTx) InsertAvailableTask(ctx context.Context, a *domain.AvailableTask) error {
	return t.tx.QueryRow(ctx,
		"INSERT INTO available_tasks (type, description, duration, reward) VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		a.Type, a.Description, a.Duration, a.Reward,
	).Scan(&a.ID, &a.CreatedAt)
}

func scanTasks(rows pgx.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		var tk domain.Task
		if err := rows.Scan(&tk.ID, &tk.UserID, &tk.AvailableTaskID, &tk.Type, &tk.Reward, &tk.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

func (t *pgTx) FirstCompletion(ctx context.Context, userID int64) (*domain.Task, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, user_id, available_task_id, type, reward, completed_at FROM tasks
		 WHERE user_id = $1 ORDER BY completed_at, id LIMIT 1`, userID)
	if err != nil {
		return nil, err
	}
	tasks, err := scanTasks(rows)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return &tasks[0], nil
}

func (t *pgTx) ListCompletions(ctx context.Context, userID int64, taskType domain.TaskType, since time.Time) ([]domain.Task, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, user_id, available_task_id, type, reward, completed_at FROM tasks
		 WHERE user_id = $1 AND type = $2 AND completed_at >= $3
		 ORDER BY completed_at DESC, id DESC`, userID, taskType, since)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (t *pgTx) InsertTask(ctx context.Context, tk *domain.Task) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO tasks (user_id, available_task_id, type, reward, completed_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		tk.UserID, tk.AvailableTaskID, tk.Type, tk.Reward, tk.CompletedAt,
	).Scan(&tk.ID)
	if err != nil {
		return fmt.Errorf("task insert failed: %w", err)
	}
	return nil
}
