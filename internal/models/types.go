package models

import (
	"time"

	"github.com/punchamoorthee/earnledger/internal/domain"
)

// RegisterRequest is the sign-up payload. ReferralCode is the inviter's code, if any.
type RegisterRequest struct {
	Username     string `json:"username"`
	FullName     string `json:"full_name"`
	Phone        string `json:"phone"`
	ReferralCode string `json:"referral_code"`
}

// WithdrawalRequest asks to cash out one earning source.
type WithdrawalRequest struct {
	Source        domain.Source `json:"source"`
	Amount        int64         `json:"amount"`
	PaymentMethod string        `json:"payment_method"`
	PhoneNumber   string        `json:"phone_number"`
}

type ActivationRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type ActivationResponse struct {
	Payment *domain.PaymentTransaction `json:"payment"`
	Message string                     `json:"message"`
}

type BalancesResponse struct {
	Balances     map[domain.Source]domain.Balance `json:"balances"`
	TotalBalance int64                            `json:"total_balance"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error       string     `json:"error"`
	AvailableAt *time.Time `json:"available_at,omitempty"`
	Limit       *int64     `json:"limit,omitempty"`
}

// WebhookAck is the acknowledgement body the payment provider expects.
type WebhookAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}
