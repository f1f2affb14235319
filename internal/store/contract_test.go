package store

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/donationops/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend is the full surface both stores implement.
type backend interface {
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	UpdateTransaction(ctx context.Context, t *domain.Transaction, from domain.TxStatus) error
	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	GetTransactionByLedgerID(ctx context.Context, ledgerTxID string) (*domain.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	InsertConfirmedIfAbsent(ctx context.Context, t *domain.Transaction) (bool, error)
	CanonicalizeStatus(ctx context.Context, ledgerTxID string) (bool, error)
	CreateSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id int64) (*domain.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	UpdateScheduleStatus(ctx context.Context, id int64, from, to domain.ScheduleStatus, at time.Time) error
	RecordExecution(ctx context.Context, prev, next domain.Schedule, t *domain.Transaction) error
	AdvanceSchedule(ctx context.Context, prev, next domain.Schedule) error
	WalletAccounts(ctx context.Context) ([]string, error)
	InsertIdempotency(ctx context.Context, r domain.IdempotencyRecord) error
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	ReclaimIdempotency(ctx context.Context, key string, staleBefore, now, expiresAt time.Time) (bool, error)
	CompleteIdempotency(ctx context.Context, key string, status int, body []byte, at time.Time) error
	DeleteIdempotency(ctx context.Context, key string) error
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

var (
	_ backend = (*Memory)(nil)
	_ backend = (*Postgres)(nil)
)

func ptr[T any](v T) *T { return &v }

func runContract(t *testing.T, newBackend func(t *testing.T) backend) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	ctx := context.Background()

	t.Run("transaction lifecycle writes are conditional", func(t *testing.T) {
		s := newBackend(t)
		tx := domain.NewTransaction("GDONOR", "GRECIP", decimal.RequireFromString("12.5"), "memo", now)
		require.NoError(t, s.CreateTransaction(ctx, tx))
		require.NotZero(t, tx.ID)

		require.NoError(t, tx.Transition(domain.TxSubmitted, now))
		require.NoError(t, s.UpdateTransaction(ctx, tx, domain.TxPending))

		// a second writer still believing the row is pending loses
		assert.ErrorIs(t, s.UpdateTransaction(ctx, tx, domain.TxPending), domain.ErrStaleUpdate)

		require.NoError(t, tx.AttachLedger("ledger-1", 9))
		require.NoError(t, tx.Transition(domain.TxConfirmed, now))
		require.NoError(t, s.UpdateTransaction(ctx, tx, domain.TxSubmitted))

		got, err := s.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TxConfirmed, got.Status)
		assert.True(t, decimal.RequireFromString("12.5").Equal(got.Amount))
		require.NotNil(t, got.LedgerTxID)
		assert.Equal(t, "ledger-1", *got.LedgerTxID)

		byLedger, err := s.GetTransactionByLedgerID(ctx, "ledger-1")
		require.NoError(t, err)
		assert.Equal(t, tx.ID, byLedger.ID)

		// illegal edges never reach the store
		got.Status = domain.TxFailed
		var te *domain.InvalidTransitionError
		assert.ErrorAs(t, s.UpdateTransaction(ctx, got, domain.TxConfirmed), &te)

		_, err = s.GetTransaction(ctx, 999999)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("one transaction per idempotency key", func(t *testing.T) {
		s := newBackend(t)
		first := domain.NewTransaction("GA", "GB", decimal.NewFromInt(2), "", now)
		first.IdempotencyKey = ptr("client-key-0000000001")
		require.NoError(t, s.CreateTransaction(ctx, first))

		again := domain.NewTransaction("GA", "GB", decimal.NewFromInt(2), "", now)
		again.IdempotencyKey = ptr("client-key-0000000001")
		assert.ErrorIs(t, s.CreateTransaction(ctx, again), domain.ErrDuplicate)

		got, err := s.GetTransactionByIdempotencyKey(ctx, "client-key-0000000001")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)

		_, err = s.GetTransactionByIdempotencyKey(ctx, "client-key-0000000002")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ledger ids are unique", func(t *testing.T) {
		s := newBackend(t)
		imported := func() *domain.Transaction {
			tx := domain.NewTransaction("GA", "GB", decimal.NewFromInt(1), "", now)
			tx.Status = domain.TxConfirmed
			tx.LedgerTxID = ptr("ledger-dup")
			tx.ConfirmedAt = &now
			return tx
		}

		created, err := s.InsertConfirmedIfAbsent(ctx, imported())
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.InsertConfirmedIfAbsent(ctx, imported())
		require.NoError(t, err)
		assert.False(t, created)

		assert.ErrorIs(t, s.CreateTransaction(ctx, imported()), domain.ErrDuplicate)

		pending := domain.NewTransaction("GA", "GB", decimal.NewFromInt(1), "", now)
		_, err = s.InsertConfirmedIfAbsent(ctx, pending)
		assert.Error(t, err)
	})

	t.Run("canonical rows need no repair", func(t *testing.T) {
		s := newBackend(t)
		tx := domain.NewTransaction("GA", "GB", decimal.NewFromInt(1), "", now)
		tx.Status = domain.TxConfirmed
		tx.LedgerTxID = ptr("ledger-canonical")
		tx.ConfirmedAt = &now
		require.NoError(t, s.CreateTransaction(ctx, tx))

		repaired, err := s.CanonicalizeStatus(ctx, "ledger-canonical")
		require.NoError(t, err)
		assert.False(t, repaired)

		repaired, err = s.CanonicalizeStatus(ctx, "ledger-unknown")
		require.NoError(t, err)
		assert.False(t, repaired)
	})

	t.Run("due schedules and execution recording", func(t *testing.T) {
		s := newBackend(t)
		due := &domain.Schedule{
			DonorID: "GDONOR", RecipientID: "GRECIP", Amount: decimal.NewFromInt(10),
			Frequency: domain.Daily, Status: domain.ScheduleActive,
			NextExecutionDate: now.Add(-time.Second), CreatedAt: now, UpdatedAt: now,
		}
		later := &domain.Schedule{
			DonorID: "GDONOR", RecipientID: "GOTHER", Amount: decimal.NewFromInt(3),
			Frequency: domain.Weekly, Status: domain.ScheduleActive,
			NextExecutionDate: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
		}
		paused := &domain.Schedule{
			DonorID: "GPAUSED", RecipientID: "GRECIP", Amount: decimal.NewFromInt(3),
			Frequency: domain.Monthly, Status: domain.ScheduleActive,
			NextExecutionDate: now.Add(-time.Hour), CreatedAt: now, UpdatedAt: now,
		}
		for _, sc := range []*domain.Schedule{due, later, paused} {
			require.NoError(t, s.CreateSchedule(ctx, sc))
		}
		require.NoError(t, s.UpdateScheduleStatus(ctx, paused.ID, domain.ScheduleActive, domain.SchedulePaused, now))

		list, err := s.DueSchedules(ctx, now, 100)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, due.ID, list[0].ID)

		next, err := list[0].Advance(now)
		require.NoError(t, err)
		tx := domain.NewTransaction(due.DonorID, due.RecipientID, due.Amount, "sched", now)
		tx.ScheduleID = &due.ID
		require.NoError(t, tx.Transition(domain.TxSubmitted, now))
		require.NoError(t, tx.AttachLedger("ledger-sched-1", 5))
		require.NoError(t, tx.Transition(domain.TxConfirmed, now))
		require.NoError(t, s.RecordExecution(ctx, list[0], next, tx))

		// replaying the same execution against the stale snapshot is rejected
		tx2 := domain.NewTransaction(due.DonorID, due.RecipientID, due.Amount, "sched", now)
		tx2.Status = domain.TxConfirmed
		tx2.LedgerTxID = ptr("ledger-sched-2")
		assert.ErrorIs(t, s.RecordExecution(ctx, list[0], next, tx2), domain.ErrStaleUpdate)
		_, err = s.GetTransactionByLedgerID(ctx, "ledger-sched-2")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		stored, err := s.GetSchedule(ctx, due.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.ExecutionCount)
		assert.WithinDuration(t, now.Add(-time.Second).AddDate(0, 0, 1), stored.NextExecutionDate, time.Millisecond)

		list, err = s.DueSchedules(ctx, now, 100)
		require.NoError(t, err)
		assert.Empty(t, list)

		accounts, err := s.WalletAccounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"GDONOR", "GOTHER", "GPAUSED", "GRECIP"}, accounts)

		err = s.UpdateScheduleStatus(ctx, paused.ID, domain.ScheduleActive, domain.ScheduleCancelled, now)
		assert.ErrorIs(t, err, domain.ErrStaleUpdate)
		assert.True(t, domain.IsConflict(s.UpdateScheduleStatus(ctx, paused.ID, domain.ScheduleCancelled, domain.ScheduleActive, now)))
	})

	t.Run("schedule advance without a transaction", func(t *testing.T) {
		s := newBackend(t)
		sc := &domain.Schedule{
			DonorID: "GDONOR", RecipientID: "GRECIP", Amount: decimal.NewFromInt(10),
			Frequency: domain.Weekly, Status: domain.ScheduleActive,
			NextExecutionDate: now.Add(-time.Second), CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.CreateSchedule(ctx, sc))
		prev, err := s.GetSchedule(ctx, sc.ID)
		require.NoError(t, err)

		next, err := prev.Advance(now)
		require.NoError(t, err)
		require.NoError(t, s.AdvanceSchedule(ctx, *prev, next))
		assert.ErrorIs(t, s.AdvanceSchedule(ctx, *prev, next), domain.ErrStaleUpdate)

		stored, err := s.GetSchedule(ctx, sc.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.ExecutionCount)
		require.NotNil(t, stored.LastExecutionDate)

		list, err := s.DueSchedules(ctx, now, 100)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("idempotency reservations", func(t *testing.T) {
		s := newBackend(t)
		rec := domain.IdempotencyRecord{Key: "key-0000000000000001", RequestHash: "h1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, s.InsertIdempotency(ctx, rec))
		assert.ErrorIs(t, s.InsertIdempotency(ctx, rec), domain.ErrDuplicate)

		ok, err := s.ReclaimIdempotency(ctx, rec.Key, now, now, now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok, "fresh reservation is not reclaimable")

		ok, err = s.ReclaimIdempotency(ctx, rec.Key, now.Add(time.Minute), now.Add(time.Minute), now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.CompleteIdempotency(ctx, rec.Key, 201, []byte(`{"id":1}`), now))
		assert.ErrorIs(t, s.CompleteIdempotency(ctx, rec.Key, 201, []byte(`{"id":2}`), now), domain.ErrStaleUpdate)

		got, err := s.GetIdempotency(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, "h1", got.RequestHash)
		assert.Equal(t, 201, got.ResponseStatus)
		assert.JSONEq(t, `{"id":1}`, string(got.ResponseBody))
		assert.True(t, got.Completed())

		// completed records are not released
		require.NoError(t, s.DeleteIdempotency(ctx, rec.Key))
		_, err = s.GetIdempotency(ctx, rec.Key)
		require.NoError(t, err)

		other := domain.IdempotencyRecord{Key: "key-0000000000000002", RequestHash: "h2", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, s.InsertIdempotency(ctx, other))
		require.NoError(t, s.DeleteIdempotency(ctx, other.Key))
		_, err = s.GetIdempotency(ctx, other.Key)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		n, err := s.DeleteExpiredIdempotency(ctx, now.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}
