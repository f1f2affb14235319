package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/donationops/internal/domain"
	"github.com/punchamoorthee/donationops/internal/idempotency"
	"github.com/punchamoorthee/donationops/internal/ledger"
	"github.com/punchamoorthee/donationops/internal/models"
	"go.uber.org/zap"
)

const (
	codeLedgerUnavailable = "ledger_unavailable"
	codeLedgerTransient   = "ledger_transient"
)

var donationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "donation_submissions_total",
	Help: "Donation submissions, labeled by result",
}, []string{"result"})

type TransactionStore interface {
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	UpdateTransaction(ctx context.Context, t *domain.Transaction, from domain.TxStatus) error
	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
}

type Guard interface {
	Begin(ctx context.Context, key string, payload any) (idempotency.Outcome, error)
	Complete(ctx context.Context, key string, status int, body []byte) error
	Abort(ctx context.Context, key string) error
}

// Response is the HTTP status and body of a donation submission. Replayed
// responses are returned byte for byte as first stored.
type Response struct {
	Status   int
	Body     []byte
	Replayed bool
}

type DonationService struct {
	store  TransactionStore
	ledger ledger.Client
	keys   ledger.Keyring
	guard  Guard
	log    *zap.Logger
	now    func() time.Time
}

func NewDonationService(store TransactionStore, client ledger.Client, keys ledger.Keyring, guard Guard, log *zap.Logger) *DonationService {
	return &DonationService{
		store:  store,
		ledger: client,
		keys:   keys,
		guard:  guard,
		log:    log.Named("donations"),
		now:    time.Now,
	}
}

// ValidateDonation checks a donation request before any state is touched.
func ValidateDonation(req models.DonationRequest) error {
	switch {
	case strings.TrimSpace(req.DonorID) == "":
		return &domain.ValidationError{Field: "donor_id", Reason: "required"}
	case strings.TrimSpace(req.RecipientID) == "":
		return &domain.ValidationError{Field: "recipient_id", Reason: "required"}
	case req.DonorID == req.RecipientID:
		return &domain.ValidationError{Field: "recipient_id", Reason: "must differ from donor_id"}
	case len(req.Memo) > ledger.MaxMemoLength:
		return &domain.ValidationError{Field: "memo", Reason: fmt.Sprintf("at most %d bytes", ledger.MaxMemoLength)}
	}
	return domain.ValidateAmount(req.Amount)
}

// Donate submits a one-shot donation at most once per idempotency key.
// Ledger rejections are not errors: they are answered, and replayed, as a
// failed transaction response.
func (s *DonationService) Donate(ctx context.Context, key string, req models.DonationRequest) (*Response, error) {
	if err := ValidateDonation(req); err != nil {
		return nil, err
	}

	out, err := s.guard.Begin(ctx, key, req)
	if err != nil {
		if domain.IsConflict(err) {
			donationsTotal.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}
	if out.Decision == idempotency.Replay {
		donationsTotal.WithLabelValues("replayed").Inc()
		return &Response{Status: out.Status, Body: out.Body, Replayed: true}, nil
	}

	// the key is reserved; a client hang-up must not cut off the payment
	ctx = context.WithoutCancel(ctx)
	resp, err := s.submit(ctx, key, req)
	if err != nil {
		// nothing reached the ledger; let the client retry under the same key
		if !domain.IsConflict(err) {
			if aerr := s.guard.Abort(ctx, key); aerr != nil {
				s.log.Error("failed to release idempotency key", zap.String("key", key), zap.Error(aerr))
			}
		}
		donationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := s.guard.Complete(ctx, key, resp.Status, resp.Body); err != nil {
		// the transaction row still answers later retries for this key
		s.log.Warn("donation response not stored", zap.String("key", key), zap.Error(err))
	}
	return resp, nil
}

func (s *DonationService) submit(ctx context.Context, key string, req models.DonationRequest) (*Response, error) {
	tx, err := s.store.GetTransactionByIdempotencyKey(ctx, key)
	switch {
	case err == nil && tx.Status != domain.TxPending:
		// an earlier owner of this key got as far as the ledger
		s.log.Info("answering from existing transaction", zap.String("key", key), zap.Int64("transaction_id", tx.ID))
		return s.respond(tx, key)
	case err == nil:
		s.log.Info("resuming pending transaction", zap.String("key", key), zap.Int64("transaction_id", tx.ID))
	case errors.Is(err, domain.ErrNotFound):
		tx = domain.NewTransaction(req.DonorID, req.RecipientID, req.Amount, req.Memo, s.now())
		tx.IdempotencyKey = &key
		if err := s.store.CreateTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("create transaction: %w", err)
		}
	default:
		return nil, fmt.Errorf("load transaction for key: %w", err)
	}

	secret, err := s.keys.Secret(ctx, req.DonorID)
	if err != nil {
		return nil, err
	}

	if err := tx.Transition(domain.TxSubmitted, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTransaction(ctx, tx, domain.TxPending); err != nil {
		if errors.Is(err, domain.ErrStaleUpdate) {
			return nil, &domain.ConflictError{Reason: "donation is being submitted by another request", InProgress: true}
		}
		return nil, fmt.Errorf("mark transaction submitted: %w", err)
	}

	res, err := s.ledger.SendPayment(ctx, ledger.PaymentRequest{
		SourceSecret: secret,
		Destination:  req.RecipientID,
		Amount:       req.Amount,
		Memo:         req.Memo,
	})
	if err != nil {
		return s.fail(ctx, tx, key, err)
	}

	if err := tx.AttachLedger(res.LedgerTxID, res.LedgerSequence); err != nil {
		return nil, err
	}
	if err := tx.Transition(domain.TxConfirmed, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTransaction(ctx, tx, domain.TxSubmitted); err != nil {
		// the payment exists; reconciliation reports the submitted row
		s.log.Error("payment sent but not recorded as confirmed",
			zap.Int64("transaction_id", tx.ID), zap.String("ledger_tx_id", res.LedgerTxID), zap.Error(err))
		tx.Status = domain.TxSubmitted
		tx.ConfirmedAt = nil
		return s.respond(tx, key)
	}

	donationsTotal.WithLabelValues("confirmed").Inc()
	s.log.Info("donation confirmed",
		zap.Int64("transaction_id", tx.ID),
		zap.String("ledger_tx_id", res.LedgerTxID),
		zap.String("amount", tx.Amount.String()))
	return s.respond(tx, key)
}

// fail records a ledger failure on a submitted transaction. The outcome is
// final for the key: a timed out payment may still have landed, and a retry
// under the same key must not send it again.
func (s *DonationService) fail(ctx context.Context, tx *domain.Transaction, key string, cause error) (*Response, error) {
	code := failureCode(cause)
	tx.FailureReason = code + ": " + cause.Error()
	if err := tx.Transition(domain.TxFailed, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTransaction(ctx, tx, domain.TxSubmitted); err != nil {
		return nil, fmt.Errorf("mark transaction failed: %w", err)
	}

	donationsTotal.WithLabelValues("failed").Inc()
	s.log.Warn("donation failed",
		zap.Int64("transaction_id", tx.ID), zap.String("code", code), zap.Error(cause))
	return s.respond(tx, key)
}

func failureCode(err error) string {
	var perr *ledger.PermanentError
	switch {
	case errors.As(err, &perr) && perr.Code != "":
		return perr.Code
	case errors.As(err, &perr):
		return "ledger_rejected"
	case ledger.NotSent(err):
		return codeLedgerUnavailable
	}
	return codeLedgerTransient
}

func failureStatus(reason string) int {
	if strings.HasPrefix(reason, codeLedgerUnavailable) || strings.HasPrefix(reason, codeLedgerTransient) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnprocessableEntity
}

func (s *DonationService) respond(tx *domain.Transaction, key string) (*Response, error) {
	var (
		status int
		body   any
	)
	switch tx.Status {
	case domain.TxConfirmed:
		status = http.StatusCreated
		body = models.DonationResponse{Transaction: *tx, IdempotencyKey: key}
	case domain.TxSubmitted:
		status = http.StatusAccepted
		body = models.DonationResponse{Transaction: *tx, IdempotencyKey: key}
	case domain.TxFailed:
		status = failureStatus(tx.FailureReason)
		code, _, _ := strings.Cut(tx.FailureReason, ":")
		body = models.ErrorResponse{Error: tx.FailureReason, Code: code, TransactionID: tx.ID}
	default:
		return nil, &domain.InvalidStateError{State: tx.Status}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: status, Body: b}, nil
}

func (s *DonationService) GetDonation(ctx context.Context, id int64) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}
