// Package ledger defines the capability the donation core needs from the
// external ledger, the typed failure modes it reports, and an HTTP gateway
// implementation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MaxMemoLength is the longest text memo the ledger accepts.
	MaxMemoLength = 28
	// AmountScale is the number of decimal places amounts are sent with.
	AmountScale = 7
)

// Client is the ledger capability consumed by the scheduler, the donation
// service and the reconciler.
type Client interface {
	SendPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	GetBalance(ctx context.Context, account string) (decimal.Decimal, error)
	ListTransactionsForAccount(ctx context.Context, account string, limit int) ([]Entry, error)
}

// PaymentRequest moves Amount from the account owning SourceSecret to Destination.
type PaymentRequest struct {
	SourceSecret string
	Destination  string
	Amount       decimal.Decimal
	Memo         string
}

type PaymentResult struct {
	LedgerTxID     string
	LedgerSequence int64
}

// Entry is one finalized transfer in an account's ledger history.
type Entry struct {
	LedgerTxID     string
	LedgerSequence int64
	Timestamp      time.Time
	Amount         decimal.Decimal
	Source         string
	Destination    string
	Memo           string
}

// TransientError is a ledger failure that may succeed when retried:
// timeouts, unavailability, rate limiting, an open circuit.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("ledger %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a ledger rejection that will not succeed on retry:
// unknown destination, insufficient funds, malformed request.
type PermanentError struct {
	Op   string
	Code string
	Err  error
}

func (e *PermanentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledger %s: permanent (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("ledger %s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Well-known permanent failure codes.
const (
	CodeNoDestination     = "op_no_destination"
	CodeUnderfunded       = "op_underfunded"
	CodeMalformed         = "tx_malformed"
	CodeUnknownSourceKey  = "unknown_source_key"
	CodeAccountNotFound   = "account_not_found"
	CodeInsufficientFunds = "insufficient_funds"
)

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Transient wraps err as a TransientError for op.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Permanent wraps err as a PermanentError for op with the given code.
func Permanent(op, code string, err error) error {
	return &PermanentError{Op: op, Code: code, Err: err}
}

// TruncateMemo clips a memo to the ledger limit.
func TruncateMemo(memo string) string {
	if len(memo) <= MaxMemoLength {
		return memo
	}
	return memo[:MaxMemoLength]
}
