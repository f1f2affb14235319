package models

import (
	"time"

	"github.com/punchamoorthee/donationops/internal/domain"
	"github.com/shopspring/decimal"
)

// DonationRequest is the payload of a one-shot donation.
type DonationRequest struct {
	DonorID     string          `json:"donor_id"`
	RecipientID string          `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo,omitempty"`
}

// DonationResponse is stored against the idempotency key and replayed verbatim.
type DonationResponse struct {
	Transaction    domain.Transaction `json:"transaction"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// ScheduleRequest creates a recurring donation. StartAt defaults to now.
type ScheduleRequest struct {
	DonorID       string          `json:"donor_id"`
	RecipientID   string          `json:"recipient_id"`
	Amount        decimal.Decimal `json:"amount"`
	Frequency     string          `json:"frequency"`
	StartAt       *time.Time      `json:"start_at,omitempty"`
	MaxExecutions *int            `json:"max_executions,omitempty"`
}

type BalanceResponse struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	TransactionID int64  `json:"transaction_id,omitempty"`
}
