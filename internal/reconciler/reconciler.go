// Package reconciler imports ledger-finalized payments that local
// bookkeeping is missing.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/donationops/internal/domain"
	"github.com/punchamoorthee/donationops/internal/ledger"
	"github.com/punchamoorthee/donationops/internal/runner"
	"go.uber.org/zap"
)

const (
	DefaultLimit    = 50
	DefaultInterval = 5 * time.Minute
)

// ErrReconcileInProgress is returned when another run holds the reconciler.
var ErrReconcileInProgress = &domain.ConflictError{Reason: "reconciliation already in progress", InProgress: true}

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donation_reconcile_runs_total",
		Help: "Reconciliation runs, labeled by outcome",
	}, []string{"status"})

	importedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "donation_reconcile_imported_total",
		Help: "Ledger transactions imported into local bookkeeping",
	})

	discrepanciesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "donation_reconcile_discrepancies_total",
		Help: "Ledger transactions whose local record disagrees with the ledger",
	})
)

// Store is the bookkeeping the reconciler reads and writes.
type Store interface {
	GetTransactionByLedgerID(ctx context.Context, ledgerTxID string) (*domain.Transaction, error)
	InsertConfirmedIfAbsent(ctx context.Context, t *domain.Transaction) (bool, error)
	CanonicalizeStatus(ctx context.Context, ledgerTxID string) (bool, error)
	WalletAccounts(ctx context.Context) ([]string, error)
}

// Locker is an optional cross-instance mutex.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

type RunStatus string

const (
	RunSuccess        RunStatus = "success"
	RunPartialFailure RunStatus = "partial_failure"
	RunFailed         RunStatus = "failed"
)

// Discrepancy is a ledger transaction whose local record is not confirmed.
type Discrepancy struct {
	Account       string          `json:"account"`
	LedgerTxID    string          `json:"ledger_tx_id"`
	TransactionID int64           `json:"transaction_id"`
	LocalStatus   domain.TxStatus `json:"local_status"`
}

type AccountResult struct {
	Account   string `json:"account"`
	Fetched   int    `json:"fetched"`
	Created   int    `json:"created"`
	Repaired  int    `json:"repaired"`
	Unchanged int    `json:"unchanged"`
	Error     string `json:"error,omitempty"`
}

// Result describes one reconciliation run.
type Result struct {
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	Status        RunStatus       `json:"status"`
	Created       int             `json:"created"`
	Repaired      int             `json:"repaired"`
	Unchanged     int             `json:"unchanged"`
	Accounts      []AccountResult `json:"accounts"`
	Discrepancies []Discrepancy   `json:"discrepancies,omitempty"`
}

type Status struct {
	IsRunning  bool       `json:"is_running"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	InProgress bool       `json:"in_progress"`
	LastResult *Result    `json:"last_result,omitempty"`
}

type Config struct {
	Interval time.Duration
	// Limit is how many recent ledger entries are fetched per account.
	Limit int
	// Accounts are reconciled in addition to the store's wallet accounts.
	Accounts []string
}

type Option func(*Reconciler)

func WithConfig(cfg Config) Option {
	return func(r *Reconciler) { r.cfg = cfg }
}

func WithLocker(l Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

type Reconciler struct {
	store  Store
	ledger ledger.Client
	locker Locker
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	running atomic.Bool

	mu         sync.Mutex
	loop       *runner.Loop
	lastRunAt  *time.Time
	lastResult *Result
}

func New(store Store, client ledger.Client, log *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		ledger: client,
		cfg:    Config{Interval: DefaultInterval, Limit: DefaultLimit},
		log:    log.Named("reconciler"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.cfg.Limit <= 0 {
		r.cfg.Limit = DefaultLimit
	}
	if r.cfg.Interval <= 0 {
		r.cfg.Interval = DefaultInterval
	}
	return r
}

func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loop != nil {
		r.log.Info("reconciler already running")
		return
	}
	r.loop = runner.Every(ctx, r.cfg.Interval, func(ctx context.Context) {
		if _, err := r.Reconcile(ctx); err != nil {
			if errors.Is(err, ErrReconcileInProgress) {
				r.log.Debug("skipping reconciliation tick", zap.Error(err))
				return
			}
			r.log.Error("reconciliation failed", zap.Error(err))
		}
	})
	r.log.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	l := r.loop
	r.loop = nil
	r.mu.Unlock()

	if l == nil {
		return
	}
	l.Stop()
	r.log.Info("reconciler stopped")
}

func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		IsRunning:  r.loop != nil,
		LastRunAt:  r.lastRunAt,
		InProgress: r.running.Load(),
		LastResult: r.lastResult,
	}
}

// Reconcile syncs every known account with the ledger. Only one run executes
// at a time; a concurrent call fails with ErrReconcileInProgress instead of
// waiting.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrReconcileInProgress
	}
	defer r.running.Store(false)

	if r.locker != nil {
		unlock, ok, err := r.locker.TryLock(ctx)
		if err != nil {
			runsTotal.WithLabelValues(string(RunFailed)).Inc()
			return nil, fmt.Errorf("acquire reconciliation lock: %w", err)
		}
		if !ok {
			return nil, ErrReconcileInProgress
		}
		defer unlock()
	}

	res := &Result{StartedAt: r.now(), Status: RunSuccess}
	defer func() {
		r.mu.Lock()
		r.lastRunAt = &res.StartedAt
		r.lastResult = res
		r.mu.Unlock()
	}()

	accounts, err := r.accounts(ctx)
	if err != nil {
		res.Status = RunFailed
		res.FinishedAt = r.now()
		runsTotal.WithLabelValues(string(RunFailed)).Inc()
		return res, fmt.Errorf("list wallet accounts: %w", err)
	}

	failures := 0
	for _, account := range accounts {
		if ctx.Err() != nil {
			res.Status = RunFailed
			break
		}
		ar, discrepancies, err := r.syncAccount(ctx, account)
		if err != nil {
			failures++
			ar.Error = err.Error()
			r.log.Warn("account reconciliation failed", zap.String("account", account), zap.Error(err))
		}
		res.Accounts = append(res.Accounts, ar)
		res.Created += ar.Created
		res.Repaired += ar.Repaired
		res.Unchanged += ar.Unchanged
		res.Discrepancies = append(res.Discrepancies, discrepancies...)
	}
	if failures > 0 && res.Status == RunSuccess {
		res.Status = RunPartialFailure
		if failures == len(accounts) {
			res.Status = RunFailed
		}
	}
	res.FinishedAt = r.now()
	runsTotal.WithLabelValues(string(res.Status)).Inc()

	r.log.Info("reconciliation complete",
		zap.String("status", string(res.Status)),
		zap.Int("accounts", len(accounts)),
		zap.Int("created", res.Created),
		zap.Int("repaired", res.Repaired),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("discrepancies", len(res.Discrepancies)))
	return res, nil
}

func (r *Reconciler) accounts(ctx context.Context) ([]string, error) {
	fromStore, err := r.store.WalletAccounts(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(fromStore)+len(r.cfg.Accounts))
	var out []string
	for _, a := range append(fromStore, r.cfg.Accounts...) {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// SyncWalletTransactions imports the latest ledger entries of account that
// have no local record. Existing records keep their state; only a legacy
// status label is rewritten to its canonical name.
func (r *Reconciler) SyncWalletTransactions(ctx context.Context, account string) (AccountResult, error) {
	ar, _, err := r.syncAccount(ctx, account)
	return ar, err
}

func (r *Reconciler) syncAccount(ctx context.Context, account string) (AccountResult, []Discrepancy, error) {
	ar := AccountResult{Account: account}

	entries, err := r.ledger.ListTransactionsForAccount(ctx, account, r.cfg.Limit)
	if err != nil {
		return ar, nil, err
	}
	ar.Fetched = len(entries)

	var discrepancies []Discrepancy
	for _, e := range entries {
		imported, err := importedTransaction(e, r.now())
		if err != nil {
			return ar, discrepancies, fmt.Errorf("import %s: %w", e.LedgerTxID, err)
		}
		created, err := r.store.InsertConfirmedIfAbsent(ctx, imported)
		if err != nil {
			return ar, discrepancies, fmt.Errorf("import %s: %w", e.LedgerTxID, err)
		}
		if created {
			ar.Created++
			importedTotal.Inc()
			r.log.Info("imported ledger transaction",
				zap.String("account", account),
				zap.String("ledger_tx_id", e.LedgerTxID),
				zap.String("amount", e.Amount.String()))
			continue
		}

		repaired, err := r.store.CanonicalizeStatus(ctx, e.LedgerTxID)
		if err != nil {
			return ar, discrepancies, fmt.Errorf("repair %s: %w", e.LedgerTxID, err)
		}
		if repaired {
			ar.Repaired++
			r.log.Info("rewrote legacy status label", zap.String("ledger_tx_id", e.LedgerTxID))
		} else {
			ar.Unchanged++
		}

		local, err := r.store.GetTransactionByLedgerID(ctx, e.LedgerTxID)
		if err != nil {
			return ar, discrepancies, fmt.Errorf("load %s: %w", e.LedgerTxID, err)
		}
		if local.Status != domain.TxConfirmed {
			discrepanciesTotal.Inc()
			discrepancies = append(discrepancies, Discrepancy{
				Account:       account,
				LedgerTxID:    e.LedgerTxID,
				TransactionID: local.ID,
				LocalStatus:   local.Status,
			})
			r.log.Warn("local record disagrees with ledger",
				zap.String("ledger_tx_id", e.LedgerTxID),
				zap.Int64("transaction_id", local.ID),
				zap.String("local_status", string(local.Status)))
		}
	}
	return ar, discrepancies, nil
}

// importedTransaction builds the confirmed record of a ledger entry through
// the same lifecycle a locally submitted payment takes.
func importedTransaction(e ledger.Entry, now time.Time) (*domain.Transaction, error) {
	at := e.Timestamp
	if at.IsZero() {
		at = now
	}
	t := domain.NewTransaction(e.Source, e.Destination, e.Amount, e.Memo, at)
	if err := t.Transition(domain.TxSubmitted, at); err != nil {
		return nil, err
	}
	if err := t.AttachLedger(e.LedgerTxID, e.LedgerSequence); err != nil {
		return nil, err
	}
	if err := t.Transition(domain.TxConfirmed, at); err != nil {
		return nil, err
	}
	return t, nil
}
