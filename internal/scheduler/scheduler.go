// Package scheduler executes due recurring donations exactly once per period.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/donationops/internal/domain"
	"github.com/punchamoorthee/donationops/internal/ledger"
	"github.com/punchamoorthee/donationops/internal/lock"
	"github.com/punchamoorthee/donationops/internal/runner"
	"go.uber.org/zap"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donation_scheduler_executions_total",
		Help: "Schedule executions, labeled by result",
	}, []string{"result"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "donation_scheduler_retries_total",
		Help: "Schedule execution attempts retried after a transient ledger failure",
	})

	skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donation_scheduler_skipped_total",
		Help: "Due schedules not executed, labeled by reason",
	}, []string{"reason"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "donation_scheduler_tick_duration_seconds",
		Help:    "Time spent processing one batch of due schedules",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

// Store is the schedule persistence the scheduler needs.
type Store interface {
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	UpdateScheduleStatus(ctx context.Context, id int64, from, to domain.ScheduleStatus, at time.Time) error
	RecordExecution(ctx context.Context, prev, next domain.Schedule, t *domain.Transaction) error
	AdvanceSchedule(ctx context.Context, prev, next domain.Schedule) error
}

// Claims hands out a key at most once per ttl, across every instance that
// shares the implementation.
type Claims interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Config struct {
	CheckInterval time.Duration
	// DedupWindow skips schedules executed less than this long ago.
	DedupWindow time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	BatchSize   int
	// PauseOnPermanentFailure pauses a schedule whose payment the ledger rejected.
	PauseOnPermanentFailure bool
}

func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Minute,
		DedupWindow:   5 * time.Minute,
		MaxAttempts:   3,
		BaseBackoff:   time.Second,
		MaxBackoff:    30 * time.Second,
		BatchSize:     100,
	}
}

// UnrecordedPaymentError means the ledger accepted a payment but its
// transaction could not be written. The schedule is still advanced, or paused
// if that fails too. It is never retried; reconciliation imports the payment.
type UnrecordedPaymentError struct {
	ScheduleID int64
	LedgerTxID string
	Err        error
}

func (e *UnrecordedPaymentError) Error() string {
	return fmt.Sprintf("schedule %d: payment %s not recorded: %v", e.ScheduleID, e.LedgerTxID, e.Err)
}

func (e *UnrecordedPaymentError) Unwrap() error { return e.Err }

// TickResult summarises one ProcessSchedules pass.
type TickResult struct {
	Due      int `json:"due"`
	Executed int `json:"executed"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	IsRunning  bool       `json:"is_running"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	InProgress bool       `json:"in_progress"`
	Executed   int64      `json:"executed"`
	Skipped    int64      `json:"skipped"`
	Failed     int64      `json:"failed"`
}

type Option func(*Scheduler)

func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

func WithClaims(c Claims) Option {
	return func(s *Scheduler) { s.claims = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

type Scheduler struct {
	store  Store
	ledger ledger.Client
	keys   ledger.Keyring
	claims Claims
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	mu        sync.Mutex
	loop      *runner.Loop
	lastRunAt *time.Time

	inProgress atomic.Bool
	executed   atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
}

func New(store Store, client ledger.Client, keys ledger.Keyring, log *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		ledger: client,
		keys:   keys,
		cfg:    DefaultConfig(),
		log:    log.Named("scheduler"),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, o := range opts {
		o(s)
	}
	if s.claims == nil {
		s.claims = lock.NewMemoryClaims()
	}
	if s.cfg.MaxAttempts < 1 {
		s.cfg.MaxAttempts = 1
	}
	return s
}

// Start processes due schedules now and then every CheckInterval until Stop
// is called or ctx is done. Starting a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop != nil {
		s.log.Info("scheduler already running")
		return
	}
	s.loop = runner.Every(ctx, s.cfg.CheckInterval, s.tick)
	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.CheckInterval))
}

// Stop halts the periodic loop and waits for an in-flight pass. Stopping a
// stopped scheduler does nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	l := s.loop
	s.loop = nil
	s.mu.Unlock()

	if l == nil {
		s.log.Info("scheduler not running")
		return
	}
	l.Stop()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		IsRunning:  s.loop != nil,
		LastRunAt:  s.lastRunAt,
		InProgress: s.inProgress.Load(),
		Executed:   s.executed.Load(),
		Skipped:    s.skipped.Load(),
		Failed:     s.failed.Load(),
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.ProcessSchedules(ctx, s.now()); err != nil {
		s.log.Error("schedule pass failed", zap.Error(err))
	}
}

// ProcessSchedules executes every schedule due at now, one at a time. A
// failing schedule is counted and logged; it never stops the batch.
func (s *Scheduler) ProcessSchedules(ctx context.Context, now time.Time) (TickResult, error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		s.log.Debug("previous schedule pass still running")
		return TickResult{}, nil
	}
	defer s.inProgress.Store(false)

	timer := prometheus.NewTimer(tickDuration)
	defer timer.ObserveDuration()

	defer func() {
		s.mu.Lock()
		s.lastRunAt = &now
		s.mu.Unlock()
	}()

	due, err := s.store.DueSchedules(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("load due schedules: %w", err)
	}

	res := TickResult{Due: len(due)}
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		log := s.log.With(zap.Int64("schedule_id", sc.ID))

		if s.recentlyExecuted(sc, now) {
			res.Skipped++
			skippedTotal.WithLabelValues("recent").Inc()
			log.Info("skipping recently executed schedule", zap.Timep("last_execution", sc.LastExecutionDate))
			continue
		}

		won, err := s.claims.Claim(ctx, claimKey(sc), s.cfg.DedupWindow)
		if err != nil {
			res.Failed++
			log.Error("failed to claim schedule execution", zap.Error(err))
			continue
		}
		if !won {
			res.Skipped++
			skippedTotal.WithLabelValues("claimed").Inc()
			log.Info("schedule execution claimed by another worker")
			continue
		}

		if err := s.ExecuteScheduleWithRetry(ctx, sc); err != nil {
			res.Failed++
			continue
		}
		res.Executed++
	}

	s.executed.Add(int64(res.Executed))
	s.skipped.Add(int64(res.Skipped))
	s.failed.Add(int64(res.Failed))
	if res.Due > 0 {
		s.log.Info("schedule pass complete",
			zap.Int("due", res.Due), zap.Int("executed", res.Executed),
			zap.Int("skipped", res.Skipped), zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (s *Scheduler) recentlyExecuted(sc domain.Schedule, now time.Time) bool {
	return sc.LastExecutionDate != nil && now.Sub(*sc.LastExecutionDate) < s.cfg.DedupWindow
}

func claimKey(sc domain.Schedule) string {
	return fmt.Sprintf("schedule:%d:%d", sc.ID, sc.NextExecutionDate.Unix())
}

// ExecuteScheduleWithRetry executes sc, retrying transient failures with
// exponential backoff up to MaxAttempts. Permanent failures are not retried.
func (s *Scheduler) ExecuteScheduleWithRetry(ctx context.Context, sc domain.Schedule) error {
	log := s.log.With(zap.Int64("schedule_id", sc.ID))

	for attempt := 1; ; attempt++ {
		err := s.ExecuteSchedule(ctx, sc, s.now())
		if err == nil {
			return nil
		}

		if !retryable(err) || ctx.Err() != nil {
			executionsTotal.WithLabelValues("failed").Inc()
			s.handlePermanent(ctx, sc, err)
			return err
		}

		if attempt >= s.cfg.MaxAttempts {
			executionsTotal.WithLabelValues("exhausted").Inc()
			log.Error("schedule execution failed after retries", zap.Int("attempts", attempt), zap.Error(err))
			return err
		}

		delay := s.CalculateBackoff(attempt)
		retriesTotal.Inc()
		log.Warn("transient failure executing schedule, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Scheduler) handlePermanent(ctx context.Context, sc domain.Schedule, err error) {
	log := s.log.With(zap.Int64("schedule_id", sc.ID))

	var unrecorded *UnrecordedPaymentError
	switch {
	case errors.As(err, &unrecorded):
		log.Error("payment accepted by ledger but its transaction was not written; reconciliation will import it",
			zap.String("ledger_tx_id", unrecorded.LedgerTxID), zap.Error(err))
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn("schedule execution interrupted", zap.Error(err))
		return
	}

	log.Warn("schedule execution rejected", zap.Error(err))
	if !s.cfg.PauseOnPermanentFailure || !ledger.IsPermanent(err) {
		return
	}
	if perr := s.store.UpdateScheduleStatus(ctx, sc.ID, domain.ScheduleActive, domain.SchedulePaused, s.now()); perr != nil {
		log.Error("failed to pause schedule", zap.Error(perr))
		return
	}
	log.Info("schedule paused after permanent failure")
}

// retryable reports whether another attempt may succeed. Errors of unknown
// origin are retried; the attempt cap bounds them.
func retryable(err error) bool {
	var unrecorded *UnrecordedPaymentError
	switch {
	case errors.As(err, &unrecorded),
		ledger.IsPermanent(err),
		domain.IsValidation(err),
		domain.IsConflict(err),
		domain.IsIntegrity(err),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// ExecuteSchedule makes one payment for sc and records it together with the
// schedule's advancement. Once started, an attempt runs to completion even if
// ctx is cancelled.
func (s *Scheduler) ExecuteSchedule(ctx context.Context, sc domain.Schedule, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	next, err := sc.Advance(now)
	if err != nil {
		return err
	}

	secret, err := s.keys.Secret(ctx, sc.DonorID)
	if err != nil {
		return err
	}

	balance, err := s.ledger.GetBalance(ctx, sc.DonorID)
	if err != nil {
		return err
	}
	if balance.LessThan(sc.Amount) {
		return ledger.Permanent("get_balance", ledger.CodeInsufficientFunds,
			fmt.Errorf("balance %s below scheduled amount %s", balance, sc.Amount))
	}

	memo := ledger.TruncateMemo(fmt.Sprintf("sched:%d", sc.ID))
	res, err := s.ledger.SendPayment(ctx, ledger.PaymentRequest{
		SourceSecret: secret,
		Destination:  sc.RecipientID,
		Amount:       sc.Amount,
		Memo:         memo,
	})
	if err != nil {
		return err
	}

	tx := domain.NewTransaction(sc.DonorID, sc.RecipientID, sc.Amount, memo, now)
	tx.ScheduleID = &sc.ID
	err = recordPayment(tx, res, now)
	if err == nil {
		err = s.store.RecordExecution(ctx, sc, next, tx)
	}
	if err != nil {
		s.holdPaidExecution(ctx, sc, next, res.LedgerTxID)
		return &UnrecordedPaymentError{ScheduleID: sc.ID, LedgerTxID: res.LedgerTxID, Err: err}
	}

	executionsTotal.WithLabelValues("success").Inc()
	s.log.Info("scheduled donation executed",
		zap.Int64("schedule_id", sc.ID),
		zap.Int64("transaction_id", tx.ID),
		zap.String("ledger_tx_id", res.LedgerTxID),
		zap.Int("execution_count", next.ExecutionCount),
		zap.Time("next_execution", next.NextExecutionDate),
		zap.String("status", string(next.Status)))
	return nil
}

// holdPaidExecution moves sc past a paid due instant whose transaction was not
// written, so no later tick pays it again. A schedule that cannot be advanced
// is paused.
func (s *Scheduler) holdPaidExecution(ctx context.Context, sc, next domain.Schedule, ledgerTxID string) {
	log := s.log.With(zap.Int64("schedule_id", sc.ID), zap.String("ledger_tx_id", ledgerTxID))

	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			_ = s.sleep(ctx, s.CalculateBackoff(attempt-1))
		}
		if err = s.store.AdvanceSchedule(ctx, sc, next); err == nil || errors.Is(err, domain.ErrStaleUpdate) {
			break
		}
	}
	if err == nil {
		log.Warn("schedule advanced without its transaction",
			zap.Int("execution_count", next.ExecutionCount),
			zap.Time("next_execution", next.NextExecutionDate))
		return
	}
	if errors.Is(err, domain.ErrStaleUpdate) {
		// already moved past this due instant, or no longer active
		log.Warn("schedule changed during execution; not advanced")
		return
	}

	log.Error("failed to advance schedule after payment, pausing", zap.Error(err))
	if perr := s.store.UpdateScheduleStatus(ctx, sc.ID, domain.ScheduleActive, domain.SchedulePaused, s.now()); perr != nil {
		log.Error("schedule left due after an unrecorded payment", zap.Error(perr))
		return
	}
	log.Warn("schedule paused after an unrecorded payment")
}

func recordPayment(tx *domain.Transaction, res *ledger.PaymentResult, at time.Time) error {
	if err := tx.Transition(domain.TxSubmitted, at); err != nil {
		return err
	}
	if err := tx.AttachLedger(res.LedgerTxID, res.LedgerSequence); err != nil {
		return err
	}
	return tx.Transition(domain.TxConfirmed, at)
}

// CalculateBackoff returns the delay before retry attempt+1:
// BaseBackoff * 2^(attempt-1), capped at MaxBackoff.
func (s *Scheduler) CalculateBackoff(attempt int) time.Duration {
	return Backoff(s.cfg.BaseBackoff, s.cfg.MaxBackoff, attempt)
}

// Backoff is base * 2^(attempt-1) capped at ceiling. Attempts below 1 count as 1.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 62 {
		shift = 62
	}
	mult := int64(1) << shift
	d := time.Duration(math.MaxInt64)
	if int64(base) <= math.MaxInt64/mult {
		d = base * time.Duration(mult)
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
