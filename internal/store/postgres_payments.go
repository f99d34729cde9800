package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/earnledger/internal/domain"
)

const paymentColumns = `id, user_id, checkout_request_id, merchant_request_id, status, amount, phone_number,
	COALESCE(receipt_number, ''), result_code, COALESCE(result_desc, ''), created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.PaymentTransaction, error) {
	var p domain.PaymentTransaction
	err := row.Scan(&p.ID, &p.UserID, &p.CheckoutRequestID, &p.MerchantRequestID, &p.Status, &p.Amount,
		&p.PhoneNumber, &p.ReceiptNumber, &p.ResultCode, &p.ResultDesc, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *domain.PaymentTransaction) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO payment_transactions
		   (user_id, checkout_request_id, merchant_request_id, status, amount, phone_number, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`,
		p.UserID, p.CheckoutRequestID, p.MerchantRequestID, p.Status, p.Amount, p.PhoneNumber, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("payment insert failed: %w", err)
	}
	p.UpdatedAt = p.CreatedAt
	return nil
}

func (t *pgTx) LockPayment(ctx context.Context, checkoutRequestID string) (*domain.PaymentTransaction, error) {
	return scanPayment(t.tx.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payment_transactions WHERE checkout_request_id = $1 FOR UPDATE",
		checkoutRequestID))
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *domain.PaymentTransaction) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE payment_transactions
		 SET status = $2, receipt_number = NULLIF($3, ''), result_code = $4, result_desc = $5, updated_at = $6
		 WHERE id = $1`,
		p.ID, p.Status, p.ReceiptNumber, p.ResultCode, p.ResultDesc, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payment update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListPayments(ctx context.Context, userID int64) ([]domain.PaymentTransaction, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+paymentColumns+" FROM payment_transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) ExpirePendingPayments(ctx context.Context, cutoff time.Time, desc string) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE payment_transactions SET status = 'cancelled', result_desc = $2, updated_at = now()
		 WHERE status = 'pending' AND created_at < $1
		   AND NOT EXISTS (SELECT 1 FROM payment_callbacks c
		                    WHERE c.checkout_request_id = payment_transactions.checkout_request_id
		                      AND c.processed_at IS NULL)`, cutoff, desc)
	if err != nil {
		return 0, fmt.Errorf("expire payments: %w", err)
	}
	return tag.RowsAffected(), nil
}
