package store

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/earnledger/internal/domain"
)

func (t *pgTx) SaveCallback(ctx context.Context, cb *domain.PaymentCallback) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO payment_callbacks
		   (checkout_request_id, result_code, result_desc, receipt_number, amount, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (checkout_request_id) DO NOTHING`,
		cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc, cb.ReceiptNumber, cb.Amount, cb.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("callback insert failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ListUnprocessedCallbacks(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentCallback, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT checkout_request_id, result_code, result_desc, receipt_number, amount, received_at, processed_at
		 FROM payment_callbacks
		 WHERE processed_at IS NULL AND received_at < $1
		 ORDER BY received_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentCallback
	for rows.Next() {
		var cb domain.PaymentCallback
		if err := rows.Scan(&cb.CheckoutRequestID, &cb.ResultCode, &cb.ResultDesc, &cb.ReceiptNumber,
			&cb.Amount, &cb.ReceivedAt, &cb.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

func (t *pgTx) MarkCallbackProcessed(ctx context.Context, checkoutRequestID string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE payment_callbacks SET processed_at = $2 WHERE checkout_request_id = $1 AND processed_at IS NULL",
		checkoutRequestID, at)
	if err != nil {
		return fmt.Errorf("mark callback processed: %w", err)
	}
	return nil
}
