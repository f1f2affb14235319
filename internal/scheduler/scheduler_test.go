package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/donationops/internal/domain"
	"github.com/punchamoorthee/donationops/internal/ledger"
	"github.com/punchamoorthee/donationops/internal/ledger/ledgertest"
	"github.com/punchamoorthee/donationops/internal/lock"
	"github.com/punchamoorthee/donationops/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	sched  *Scheduler
	store  *store.Memory
	ledger *ledgertest.Fake
	claims *lock.MemoryClaims

	mu     sync.Mutex
	sleeps []time.Duration
}

func (h *harness) Sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemory(),
		ledger: ledgertest.New(),
		claims: lock.NewMemoryClaims(),
	}
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithClaims(h.claims),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		}),
	}
	h.sched = New(h.store, h.ledger, ledgertest.Keyring{}, zap.NewNop(), append(base, opts...)...)
	return h
}

func (h *harness) addSchedule(t *testing.T, mutate func(*domain.Schedule)) domain.Schedule {
	t.Helper()
	sc := domain.Schedule{
		DonorID:           "GDONOR",
		RecipientID:       "GCHARITY",
		Amount:            decimal.NewFromInt(25),
		Frequency:         domain.Daily,
		Status:            domain.ScheduleActive,
		NextExecutionDate: testNow.Add(-time.Minute),
		CreatedAt:         testNow.AddDate(0, -1, 0),
		UpdatedAt:         testNow.AddDate(0, -1, 0),
	}
	if mutate != nil {
		mutate(&sc)
	}
	require.NoError(t, h.store.CreateSchedule(context.Background(), &sc))
	return sc
}

func (h *harness) schedule(t *testing.T, id int64) *domain.Schedule {
	t.Helper()
	sc, err := h.store.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return sc
}

func transient() error {
	return ledger.Transient("send_payment", errors.New("gateway timeout"))
}

func TestCalculateBackoff(t *testing.T) {
	s := New(store.NewMemory(), ledgertest.New(), ledgertest.Keyring{}, zap.NewNop())
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.CalculateBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestProcessSchedulesExecutesDueSchedule(t *testing.T) {
	h := newHarness(t)
	sc := h.addSchedule(t, nil)
	h.addSchedule(t, func(s *domain.Schedule) { s.NextExecutionDate = testNow.Add(time.Hour) })

	res, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Executed: 1}, res)

	payments := h.ledger.Payments()
	require.Len(t, payments, 1)
	assert.Equal(t, "sched:1", payments[0].Memo)
	assert.Equal(t, "GCHARITY", payments[0].Destination)
	assert.Equal(t, ledgertest.SecretFor("GDONOR"), payments[0].SourceSecret)

	txs := h.store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxConfirmed, txs[0].Status)
	require.NotNil(t, txs[0].ScheduleID)
	assert.Equal(t, sc.ID, *txs[0].ScheduleID)
	require.NotNil(t, txs[0].LedgerTxID)
	assert.NotNil(t, txs[0].SubmittedAt)
	assert.NotNil(t, txs[0].ConfirmedAt)

	stored := h.schedule(t, sc.ID)
	assert.Equal(t, 1, stored.ExecutionCount)
	assert.Equal(t, sc.NextExecutionDate.AddDate(0, 0, 1), stored.NextExecutionDate)
	assert.WithinDuration(t, testNow.AddDate(0, 0, 1), stored.NextExecutionDate, time.Minute)
	require.NotNil(t, stored.LastExecutionDate)
	assert.Equal(t, testNow, *stored.LastExecutionDate)

	// nothing is due any more
	res, err = h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Zero(t, res.Due)
	assert.Equal(t, 1, h.ledger.SendCalls())
}

func TestRecentExecutionIsSkipped(t *testing.T) {
	tests := []struct {
		name    string
		since   time.Duration
		execute bool
	}{
		{"four minutes ago", 4 * time.Minute, false},
		{"just under the window", 5*time.Minute - time.Second, false},
		{"exactly the window", 5 * time.Minute, true},
		{"six minutes ago", 6 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			last := testNow.Add(-tt.since)
			h.addSchedule(t, func(s *domain.Schedule) { s.LastExecutionDate = &last })

			res, err := h.sched.ProcessSchedules(context.Background(), testNow)
			require.NoError(t, err)
			if tt.execute {
				assert.Equal(t, 1, res.Executed)
				assert.Equal(t, 1, h.ledger.SendCalls())
			} else {
				assert.Equal(t, 1, res.Skipped)
				assert.Zero(t, h.ledger.SendCalls())
			}
		})
	}
}

func TestClaimedExecutionIsSkipped(t *testing.T) {
	h := newHarness(t)
	sc := h.addSchedule(t, nil)

	won, err := h.claims.Claim(context.Background(), claimKey(sc), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	res, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, h.ledger.SendCalls())
	assert.Zero(t, h.schedule(t, sc.ID).ExecutionCount)
}

func TestTransientFailuresAreRetriedWithBackoff(t *testing.T) {
	h := newHarness(t)
	sc := h.addSchedule(t, nil)
	h.ledger.FailNext(transient(), transient())

	res, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)

	assert.Equal(t, 3, h.ledger.SendCalls())
	sleeps := h.Sleeps()
	require.Len(t, sleeps, 2)
	assert.Less(t, sleeps[0], sleeps[1])
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)

	assert.Len(t, h.store.Transactions(), 1)
	assert.Equal(t, 1, h.schedule(t, sc.ID).ExecutionCount)
}

func TestRetriesAreBounded(t *testing.T) {
	h := newHarness(t)
	sc := h.addSchedule(t, nil)
	h.ledger.FailNext(transient(), transient(), transient(), nil)

	res, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, h.ledger.SendCalls())
	assert.Len(t, h.Sleeps(), 2)

	stored := h.schedule(t, sc.ID)
	assert.Equal(t, domain.ScheduleActive, stored.Status)
	assert.Zero(t, stored.ExecutionCount)
	assert.Equal(t, sc.NextExecutionDate, stored.NextExecutionDate)
	assert.Empty(t, h.store.Transactions())
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	sc := h.addSchedule(t, nil)
	h.ledger.FailNext(ledger.Permanent("send_payment", ledger.CodeNoDestination, errors.New("destination missing")))

	res, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, h.ledger.SendCalls())
	assert.Empty(t, h.Sleeps())

	stored := h.schedule(t, sc.ID)
	assert.Equal(t, domain.ScheduleActive, stored.Status)
	assert.Zero(t, stored.ExecutionCount)
}

func TestPermanentFailurePausesWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PauseOnPermanentFailure = true
	h := newHarness(t, WithConfig(cfg))
	sc := h.addSchedule(t, nil)
	h.ledger.FailNext(ledger.Permanent("send_payment", ledger.CodeUnderfunded, errors.New("underfunded")))

	_, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.SchedulePaused, h.schedule(t, sc.ID).Status)
}

func TestInsufficientBalanceSkipsPayment(t *testing.T) {
	h := newHarness(t)
	h.addSchedule(t, nil)
	h.ledger.SetBalance("GDONOR", decimal.NewFromInt(10))

	res, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, h.ledger.SendCalls())
	assert.Empty(t, h.Sleeps())
}

func TestFailureDoesNotStopBatch(t *testing.T) {
	h := newHarness(t)
	first := h.addSchedule(t, func(s *domain.Schedule) { s.NextExecutionDate = testNow.Add(-2 * time.Hour) })
	second := h.addSchedule(t, func(s *domain.Schedule) { s.RecipientID = "GOTHER" })
	h.ledger.FailNext(ledger.Permanent("send_payment", ledger.CodeNoDestination, errors.New("gone")))

	res, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 2, Executed: 1, Failed: 1}, res)
	assert.Zero(t, h.schedule(t, first.ID).ExecutionCount)
	assert.Equal(t, 1, h.schedule(t, second.ID).ExecutionCount)

	st := h.sched.Status()
	assert.Equal(t, int64(1), st.Executed)
	assert.Equal(t, int64(1), st.Failed)
	require.NotNil(t, st.LastRunAt)
}

func TestMaxExecutionsCompletesSchedule(t *testing.T) {
	h := newHarness(t)
	limit := 1
	sc := h.addSchedule(t, func(s *domain.Schedule) {
		s.Frequency = domain.Monthly
		s.MaxExecutions = &limit
	})

	_, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)

	stored := h.schedule(t, sc.ID)
	assert.Equal(t, domain.ScheduleCompleted, stored.Status)
	assert.Equal(t, sc.NextExecutionDate.AddDate(0, 1, 0), stored.NextExecutionDate)

	due, err := h.store.DueSchedules(context.Background(), testNow.AddDate(1, 0, 0), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCancelledContextStopsBackoff(t *testing.T) {
	h := newHarness(t)
	h.addSchedule(t, nil)
	h.ledger.FailNext(transient(), transient())

	ctx, cancel := context.WithCancel(context.Background())
	h.sched.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	res, err := h.sched.ProcessSchedules(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, h.ledger.SendCalls())
}

func TestStartStopAreIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour
	h := newHarness(t, WithConfig(cfg))
	h.addSchedule(t, nil)

	assert.False(t, h.sched.Status().IsRunning)
	h.sched.Stop()

	ctx := context.Background()
	h.sched.Start(ctx)
	h.sched.Start(ctx)
	assert.True(t, h.sched.Status().IsRunning)

	require.Eventually(t, func() bool { return h.ledger.SendCalls() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.sched.Status().LastRunAt != nil }, time.Second, 5*time.Millisecond)

	h.sched.Stop()
	h.sched.Stop()
	st := h.sched.Status()
	assert.False(t, st.IsRunning)
	assert.False(t, st.InProgress)
	assert.Equal(t, 1, h.ledger.SendCalls(), "a second Start does not start a second loop")
}

// flakyRecorder fails RecordExecution a set number of times and can fail
// AdvanceSchedule as well.
type flakyRecorder struct {
	*store.Memory
	recordErrs  int
	advanceErrs int
}

func (f *flakyRecorder) RecordExecution(ctx context.Context, prev, next domain.Schedule, t *domain.Transaction) error {
	if f.recordErrs > 0 {
		f.recordErrs--
		return errors.New("connection reset")
	}
	return f.Memory.RecordExecution(ctx, prev, next, t)
}

func (f *flakyRecorder) AdvanceSchedule(ctx context.Context, prev, next domain.Schedule) error {
	if f.advanceErrs > 0 {
		f.advanceErrs--
		return errors.New("connection reset")
	}
	return f.Memory.AdvanceSchedule(ctx, prev, next)
}

func TestUnrecordedPaymentAdvancesSchedule(t *testing.T) {
	h := newHarness(t)
	sc := h.addSchedule(t, nil)
	flaky := &flakyRecorder{Memory: h.store, recordErrs: 1}
	h.sched.store = flaky

	res, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Failed: 1}, res)
	assert.Equal(t, 1, h.ledger.SendCalls())

	stored := h.schedule(t, sc.ID)
	assert.Equal(t, 1, stored.ExecutionCount)
	assert.Equal(t, sc.NextExecutionDate.AddDate(0, 0, 1), stored.NextExecutionDate)
	assert.Empty(t, h.store.Transactions(), "the payment is left for reconciliation to import")

	// a restarted instance with its own claims, past the dedup window
	later := testNow.Add(10 * time.Minute)
	restarted := New(flaky, h.ledger, ledgertest.Keyring{}, zap.NewNop(),
		WithClock(func() time.Time { return later }),
		WithClaims(lock.NewMemoryClaims()))
	res, err = restarted.ProcessSchedules(context.Background(), later)
	require.NoError(t, err)
	assert.Zero(t, res.Due)
	assert.Equal(t, 1, h.ledger.SendCalls(), "the due instant is paid once")
}

func TestUnrecordedPaymentPausesWhenScheduleCannotAdvance(t *testing.T) {
	h := newHarness(t)
	sc := h.addSchedule(t, nil)
	h.sched.store = &flakyRecorder{Memory: h.store, recordErrs: 1, advanceErrs: DefaultConfig().MaxAttempts}

	res, err := h.sched.ProcessSchedules(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stored := h.schedule(t, sc.ID)
	assert.Equal(t, domain.SchedulePaused, stored.Status)
	assert.Zero(t, stored.ExecutionCount)

	due, err := h.store.DueSchedules(context.Background(), testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Equal(t, 1, h.ledger.SendCalls())
}

func TestStopLetsInFlightPaymentFinish(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour
	h := newHarness(t, WithConfig(cfg))
	sc := h.addSchedule(t, nil)

	gate := make(chan struct{})
	sending := make(chan string, 1)
	h.ledger.SendGate = gate
	h.ledger.Sending = sending

	ctx, cancel := context.WithCancel(context.Background())
	h.sched.Start(ctx)
	<-sending

	// shutdown arrives while the payment is with the ledger
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(gate)
	h.sched.Stop()

	assert.Equal(t, 1, h.ledger.SendCalls())
	stored := h.schedule(t, sc.ID)
	assert.Equal(t, 1, stored.ExecutionCount)
	require.Len(t, h.store.Transactions(), 1)
	assert.Equal(t, domain.TxConfirmed, h.store.Transactions()[0].Status)
}
