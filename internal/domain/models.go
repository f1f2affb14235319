package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AmountPrecision is the number of decimal places the ledger accepts.
const AmountPrecision = 7

// Transaction is the local bookkeeping record of one money movement.
// LedgerTxID is immutable once set and unique across all records.
type Transaction struct {
	ID             int64           `json:"id"`
	LedgerTxID     *string         `json:"ledger_tx_id,omitempty"`
	LedgerSequence *int64          `json:"ledger_sequence,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	DonorID        string          `json:"donor_id"`
	RecipientID    string          `json:"recipient_id"`
	Memo           string          `json:"memo,omitempty"`
	Status         TxStatus        `json:"status"`
	ScheduleID     *int64          `json:"schedule_id,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
}

// NewTransaction returns a pending transaction created at now.
func NewTransaction(donor, recipient string, amount decimal.Decimal, memo string, now time.Time) *Transaction {
	return &Transaction{
		Amount:      amount,
		DonorID:     donor,
		RecipientID: recipient,
		Memo:        memo,
		Status:      TxPending,
		CreatedAt:   now,
	}
}

// Transition moves the transaction to the given state through the lifecycle
// guard and stamps the matching timestamp.
func (t *Transaction) Transition(to TxStatus, at time.Time) error {
	if err := AssertTransition(t.Status, to); err != nil {
		return err
	}
	switch to {
	case TxSubmitted:
		t.SubmittedAt = &at
	case TxConfirmed:
		t.ConfirmedAt = &at
	case TxFailed:
		t.FailedAt = &at
	}
	t.Status = to
	return nil
}

// AttachLedger records the ledger identifiers. The ledger id can only be set once.
func (t *Transaction) AttachLedger(txID string, sequence int64) error {
	if t.LedgerTxID != nil && *t.LedgerTxID != txID {
		return ErrLedgerIDImmutable
	}
	t.LedgerTxID = &txID
	if sequence > 0 {
		t.LedgerSequence = &sequence
	}
	return nil
}

// IdempotencyRecord maps a client key to the outcome of the first request.
// A nil CompletedAt means the side effect is still in flight.
type IdempotencyRecord struct {
	Key            string          `json:"key"`
	RequestHash    string          `json:"request_hash"`
	ResponseStatus int             `json:"response_status,omitempty"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Completed reports whether a response has been stored for the key.
func (r *IdempotencyRecord) Completed() bool {
	return r.CompletedAt != nil
}

// Schedule is a recurring donation subscription.
type Schedule struct {
	ID                int64           `json:"id"`
	DonorID           string          `json:"donor_id"`
	RecipientID       string          `json:"recipient_id"`
	Amount            decimal.Decimal `json:"amount"`
	Frequency         Frequency       `json:"frequency"`
	Status            ScheduleStatus  `json:"status"`
	NextExecutionDate time.Time       `json:"next_execution_date"`
	LastExecutionDate *time.Time      `json:"last_execution_date,omitempty"`
	ExecutionCount    int             `json:"execution_count"`
	MaxExecutions     *int            `json:"max_executions,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Advance applies a successful execution at now and returns the advanced copy.
// The next date follows the due date it replaces, so a late tick does not
// shift the schedule. A schedule more than one period behind restarts from now.
func (s Schedule) Advance(now time.Time) (Schedule, error) {
	next, err := NextExecution(s.Frequency, now)
	if err != nil {
		return s, err
	}
	if due := s.NextExecutionDate; !due.IsZero() && !due.After(now) {
		if fromDue, _ := NextExecution(s.Frequency, due); fromDue.After(now) {
			next = fromDue
		}
	}
	s.LastExecutionDate = &now
	s.NextExecutionDate = next
	s.ExecutionCount++
	s.UpdatedAt = now
	if s.MaxExecutions != nil && s.ExecutionCount >= *s.MaxExecutions {
		s.Status = ScheduleCompleted
	}
	return s, nil
}

// ValidateAmount rejects non-positive amounts and amounts finer than the ledger precision.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !amount.Equal(amount.Truncate(AmountPrecision)) {
		return &ValidationError{Field: "amount", Reason: "too many decimal places"}
	}
	return nil
}
