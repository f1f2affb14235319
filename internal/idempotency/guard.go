// Package idempotency makes client-retried side effects execute at most once
// per key and replays the stored outcome to later retries.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/donationops/internal/domain"
	"go.uber.org/zap"
)

const (
	MinKeyLength = 16
	MaxKeyLength = 255

	DefaultRetention = 24 * time.Hour
	DefaultLease     = 30 * time.Second

	// reservation attempts before giving up on a key that keeps changing under us
	maxBeginAttempts = 3
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)

var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "donation_idempotency_outcomes_total",
	Help: "Idempotency guard decisions, labeled by outcome",
}, []string{"outcome"})

// Store is the persistence the guard needs. Insert must be atomic
// insert-if-absent and report domain.ErrDuplicate on an existing key.
type Store interface {
	InsertIdempotency(ctx context.Context, r domain.IdempotencyRecord) error
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	ReclaimIdempotency(ctx context.Context, key string, staleBefore, now, expiresAt time.Time) (bool, error)
	CompleteIdempotency(ctx context.Context, key string, status int, body []byte, at time.Time) error
	DeleteIdempotency(ctx context.Context, key string) error
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// Decision tells the caller what to do with a request.
type Decision int

const (
	// Proceed means the caller owns the key and must run the side effect.
	Proceed Decision = iota
	// Replay means the request was already answered; return the stored response.
	Replay
)

func (d Decision) String() string {
	if d == Replay {
		return "replay"
	}
	return "proceed"
}

// Outcome is the result of Begin.
type Outcome struct {
	Decision Decision
	Status   int
	Body     json.RawMessage
}

type Guard struct {
	store     Store
	log       *zap.Logger
	retention time.Duration
	lease     time.Duration
	now       func() time.Time
}

type Option func(*Guard)

// WithRetention sets how long records are kept. It must exceed the longest
// window in which a client may retry.
func WithRetention(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.retention = d
		}
	}
}

// WithLease sets how long an unanswered reservation blocks retries before it
// is considered abandoned.
func WithLease(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.lease = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func New(store Store, log *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		store:     store,
		log:       log,
		retention: DefaultRetention,
		lease:     DefaultLease,
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) Retention() time.Duration { return g.retention }

// ValidateKey checks length and charset of a client supplied key.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return &domain.ValidationError{Field: "idempotency_key", Reason: "required"}
	case len(key) < MinKeyLength:
		return &domain.ValidationError{Field: "idempotency_key", Reason: fmt.Sprintf("must be at least %d characters", MinKeyLength)}
	case len(key) > MaxKeyLength:
		return &domain.ValidationError{Field: "idempotency_key", Reason: fmt.Sprintf("must be at most %d characters", MaxKeyLength)}
	case !keyPattern.MatchString(key):
		return &domain.ValidationError{Field: "idempotency_key", Reason: "may only contain letters, digits, '_', '-', ':' and '.'"}
	}
	return nil
}

// GenerateKey mints a key for callers that did not supply one.
func GenerateKey() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("idem-%d-%s", time.Now().UnixMilli(), id[:12])
}

// RequestHash fingerprints a payload. Object keys are sorted and numbers are
// kept as written, so field order does not change the hash.
func RequestHash(payload any) (string, error) {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", &domain.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	// encoding/json writes map keys in sorted order
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Begin reserves key for payload. On Proceed the caller must run the side
// effect and then call Complete, or Abort if it is known not to have happened.
func (g *Guard) Begin(ctx context.Context, key string, payload any) (Outcome, error) {
	if err := ValidateKey(key); err != nil {
		return Outcome{}, err
	}
	hash, err := RequestHash(payload)
	if err != nil {
		return Outcome{}, err
	}

	for attempt := 0; attempt < maxBeginAttempts; attempt++ {
		now := g.now()
		err := g.store.InsertIdempotency(ctx, domain.IdempotencyRecord{
			Key:         key,
			RequestHash: hash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.retention),
		})
		if err == nil {
			outcomesTotal.WithLabelValues("proceed").Inc()
			return Outcome{Decision: Proceed}, nil
		}
		if !errors.Is(err, domain.ErrDuplicate) {
			return Outcome{}, fmt.Errorf("reserve idempotency key: %w", err)
		}

		existing, err := g.store.GetIdempotency(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			// released or reaped between insert and read
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("load idempotency key: %w", err)
		}

		if existing.RequestHash != hash {
			outcomesTotal.WithLabelValues("mismatch").Inc()
			g.log.Warn("idempotency key reused with a different payload", zap.String("key", key))
			return Outcome{}, &domain.ConflictError{Reason: "idempotency key reused with a different request"}
		}

		if existing.Completed() {
			outcomesTotal.WithLabelValues("replay").Inc()
			return Outcome{Decision: Replay, Status: existing.ResponseStatus, Body: existing.ResponseBody}, nil
		}

		staleBefore := now.Add(-g.lease)
		if !existing.CreatedAt.Before(staleBefore) {
			outcomesTotal.WithLabelValues("in_progress").Inc()
			return Outcome{}, &domain.ConflictError{Reason: "request with this idempotency key is still in progress", InProgress: true}
		}

		ok, err := g.store.ReclaimIdempotency(ctx, key, staleBefore, now, now.Add(g.retention))
		if err != nil {
			return Outcome{}, fmt.Errorf("reclaim idempotency key: %w", err)
		}
		if ok {
			outcomesTotal.WithLabelValues("takeover").Inc()
			g.log.Warn("took over abandoned idempotency reservation",
				zap.String("key", key), zap.Time("reserved_at", existing.CreatedAt))
			return Outcome{Decision: Proceed}, nil
		}
	}

	outcomesTotal.WithLabelValues("in_progress").Inc()
	return Outcome{}, &domain.ConflictError{Reason: "request with this idempotency key is still in progress", InProgress: true}
}

// Complete stores the response for key. Call it only once the side effect is durable.
func (g *Guard) Complete(ctx context.Context, key string, status int, body []byte) error {
	if err := g.store.CompleteIdempotency(ctx, key, status, body, g.now()); err != nil {
		g.log.Error("failed to store idempotent response", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Abort releases an unanswered reservation so a retry can run the side effect.
func (g *Guard) Abort(ctx context.Context, key string) error {
	if err := g.store.DeleteIdempotency(ctx, key); err != nil {
		g.log.Error("failed to release idempotency key", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("release idempotency key: %w", err)
	}
	outcomesTotal.WithLabelValues("aborted").Inc()
	return nil
}

// Reap deletes expired records.
func (g *Guard) Reap(ctx context.Context) (int64, error) {
	n, err := g.store.DeleteExpiredIdempotency(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("reap idempotency keys: %w", err)
	}
	if n > 0 {
		g.log.Info("reaped expired idempotency keys", zap.Int64("count", n))
	}
	return n, nil
}
