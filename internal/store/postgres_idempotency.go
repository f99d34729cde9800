package store

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/earnledger/internal/domain"
)

func (t *pgTx) GetIdempotencyKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	var status *int
	var body []byte
	err := t.tx.QueryRow(ctx,
		"SELECT user_id, request_hash, status, response_status, response_body FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.UserID, &rec.RequestHash, &rec.Status, &status, &body)
	if err != nil {
		return nil, notFound(err)
	}
	if status != nil {
		rec.ResponseStatus = *status
	}
	rec.ResponseBody = body
	return &rec, nil
}

// ReserveIdempotencyKey blocks behind an uncommitted insert of the same key and then fails
// with ErrKeyInUse, so a concurrent duplicate never runs the guarded work twice.
func (t *pgTx) ReserveIdempotencyKey(ctx context.Context, rec *domain.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, user_id, request_hash, status) VALUES ($1, $2, $3, $4)",
		rec.Key, rec.UserID, rec.RequestHash, rec.Status,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrKeyInUse
		}
		return fmt.Errorf("key reservation failed: %w", err)
	}
	return nil
}

func (t *pgTx) CompleteIdempotencyKey(ctx context.Context, rec *domain.IdempotencyRecord) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = $1, response_status = $2, response_body = $3 WHERE key = $4",
		rec.Status, rec.ResponseStatus, []byte(rec.ResponseBody), rec.Key,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
