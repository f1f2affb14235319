package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/donationops/internal/domain"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// Postgres is the production store. Every race-sensitive write is a single
// statement relying on a uniqueness constraint or a conditional WHERE.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

const txColumns = `id, ledger_tx_id, ledger_sequence, amount::text, donor_id, recipient_id, memo, status,
	schedule_id, idempotency_key, failure_reason, created_at, submitted_at, confirmed_at, failed_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t      domain.Transaction
		amount string
		status string
	)
	err := row.Scan(&t.ID, &t.LedgerTxID, &t.LedgerSequence, &amount, &t.DonorID, &t.RecipientID, &t.Memo, &status,
		&t.ScheduleID, &t.IdempotencyKey, &t.FailureReason, &t.CreatedAt, &t.SubmittedAt, &t.ConfirmedAt, &t.FailedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction %d amount: %w", t.ID, err)
	}
	t.Status = domain.Normalize(status)
	if err := domain.AssertValid(t.Status); err != nil {
		return nil, fmt.Errorf("transaction %d: %w", t.ID, err)
	}
	return &t, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertTransaction(ctx context.Context, q querier, t *domain.Transaction) error {
	if err := domain.AssertValid(t.Status); err != nil {
		return err
	}
	err := q.QueryRow(ctx,
		`INSERT INTO transactions (ledger_tx_id, ledger_sequence, amount, donor_id, recipient_id, memo, status,
			schedule_id, idempotency_key, failure_reason, created_at, submitted_at, confirmed_at, failed_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id`,
		t.LedgerTxID, t.LedgerSequence, t.Amount.String(), t.DonorID, t.RecipientID, t.Memo, string(t.Status),
		t.ScheduleID, t.IdempotencyKey, t.FailureReason, t.CreatedAt, t.SubmittedAt, t.ConfirmedAt, t.FailedAt,
	).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

// CreateTransaction inserts t and sets its ID.
func (s *Postgres) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	return insertTransaction(ctx, s.Db, t)
}

// UpdateTransaction persists a lifecycle transition of t from the given
// state. The write only applies if the stored row is still in from.
func (s *Postgres) UpdateTransaction(ctx context.Context, t *domain.Transaction, from domain.TxStatus) error {
	if err := domain.AssertTransition(from, t.Status); err != nil {
		return err
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE transactions
		    SET status = $3, ledger_tx_id = COALESCE(ledger_tx_id, $4), ledger_sequence = COALESCE($5, ledger_sequence),
		        failure_reason = $6, submitted_at = $7, confirmed_at = $8, failed_at = $9
		  WHERE id = $1 AND status = $2`,
		t.ID, string(from), string(t.Status), t.LedgerTxID, t.LedgerSequence,
		t.FailureReason, t.SubmittedAt, t.ConfirmedAt, t.FailedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("transaction update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleUpdate
	}
	return nil
}

func (s *Postgres) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	return scanTransaction(s.Db.QueryRow(ctx, "SELECT "+txColumns+" FROM transactions WHERE id = $1", id))
}

func (s *Postgres) GetTransactionByLedgerID(ctx context.Context, ledgerTxID string) (*domain.Transaction, error) {
	return scanTransaction(s.Db.QueryRow(ctx, "SELECT "+txColumns+" FROM transactions WHERE ledger_tx_id = $1", ledgerTxID))
}

// GetTransactionByIdempotencyKey returns the transaction a client request created.
func (s *Postgres) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return scanTransaction(s.Db.QueryRow(ctx, "SELECT "+txColumns+" FROM transactions WHERE idempotency_key = $1", key))
}

// InsertConfirmedIfAbsent imports a ledger-finalized transaction. It reports
// false when a record with the same ledger id already exists.
func (s *Postgres) InsertConfirmedIfAbsent(ctx context.Context, t *domain.Transaction) (bool, error) {
	if t.LedgerTxID == nil {
		return false, errors.New("import requires a ledger transaction id")
	}
	if t.Status != domain.TxConfirmed {
		return false, &domain.InvalidStateError{State: t.Status}
	}
	err := s.Db.QueryRow(ctx,
		`INSERT INTO transactions (ledger_tx_id, ledger_sequence, amount, donor_id, recipient_id, memo, status,
			created_at, submitted_at, confirmed_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (ledger_tx_id) DO NOTHING
		 RETURNING id`,
		t.LedgerTxID, t.LedgerSequence, t.Amount.String(), t.DonorID, t.RecipientID, t.Memo, string(t.Status),
		t.CreatedAt, t.SubmittedAt, t.ConfirmedAt,
	).Scan(&t.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transaction import failed: %w", err)
	}
	return true, nil
}

// CanonicalizeStatus rewrites a legacy status label on the row holding
// ledgerTxID to its canonical state. It reports whether a row changed.
func (s *Postgres) CanonicalizeStatus(ctx context.Context, ledgerTxID string) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE transactions
		    SET status = CASE status WHEN 'completed' THEN $2::text WHEN 'cancelled' THEN $3::text END
		  WHERE ledger_tx_id = $1 AND status IN ('completed', 'cancelled')`,
		ledgerTxID, string(domain.TxConfirmed), string(domain.TxFailed),
	)
	if err != nil {
		return false, fmt.Errorf("status repair failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

const scheduleColumns = `id, donor_id, recipient_id, amount::text, frequency, status, next_execution_date,
	last_execution_date, execution_count, max_executions, created_at, updated_at`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var (
		s                 domain.Schedule
		amount, freq, sts string
	)
	err := row.Scan(&s.ID, &s.DonorID, &s.RecipientID, &amount, &freq, &sts, &s.NextExecutionDate,
		&s.LastExecutionDate, &s.ExecutionCount, &s.MaxExecutions, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if s.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("schedule %d amount: %w", s.ID, err)
	}
	s.Frequency = domain.Frequency(freq)
	s.Status = domain.ScheduleStatus(sts)
	return &s, nil
}

func (s *Postgres) CreateSchedule(ctx context.Context, sc *domain.Schedule) error {
	return s.Db.QueryRow(ctx,
		`INSERT INTO schedules (donor_id, recipient_id, amount, frequency, status, next_execution_date,
			execution_count, max_executions, created_at, updated_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		sc.DonorID, sc.RecipientID, sc.Amount.String(), string(sc.Frequency), string(sc.Status), sc.NextExecutionDate,
		sc.ExecutionCount, sc.MaxExecutions, sc.CreatedAt, sc.UpdatedAt,
	).Scan(&sc.ID)
}

func (s *Postgres) GetSchedule(ctx context.Context, id int64) (*domain.Schedule, error) {
	return scanSchedule(s.Db.QueryRow(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE id = $1", id))
}

// DueSchedules returns active schedules whose next execution is at or before now.
func (s *Postgres) DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+scheduleColumns+` FROM schedules
		  WHERE status = 'active' AND next_execution_date <= $1
		  ORDER BY next_execution_date, id
		  LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// UpdateScheduleStatus moves a schedule between statuses if it is still in from.
func (s *Postgres) UpdateScheduleStatus(ctx context.Context, id int64, from, to domain.ScheduleStatus, at time.Time) error {
	if !domain.CanChangeSchedule(from, to) {
		return &domain.ConflictError{Reason: fmt.Sprintf("schedule cannot move from %s to %s", from, to)}
	}
	tag, err := s.Db.Exec(ctx,
		"UPDATE schedules SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2",
		id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("schedule status update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleUpdate
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func advanceSchedule(ctx context.Context, q execer, prev, next domain.Schedule) error {
	tag, err := q.Exec(ctx,
		`UPDATE schedules
		    SET status = $3, next_execution_date = $4, last_execution_date = $5, execution_count = $6, updated_at = $7
		  WHERE id = $1 AND status = 'active' AND execution_count = $2`,
		prev.ID, prev.ExecutionCount, string(next.Status), next.NextExecutionDate, next.LastExecutionDate,
		next.ExecutionCount, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("schedule advance failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleUpdate
	}
	return nil
}

// RecordExecution inserts the confirmed transaction for a schedule execution
// and advances the schedule in one database transaction. The advance only
// applies if the schedule is still active at the execution count it was read with.
func (s *Postgres) RecordExecution(ctx context.Context, prev, next domain.Schedule, t *domain.Transaction) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := advanceSchedule(ctx, tx, prev, next); err != nil {
		return err
	}
	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// AdvanceSchedule moves a schedule past an execution whose transaction could
// not be written, under the same conditions as RecordExecution.
func (s *Postgres) AdvanceSchedule(ctx context.Context, prev, next domain.Schedule) error {
	return advanceSchedule(ctx, s.Db, prev, next)
}

// WalletAccounts lists the accounts that schedules pay from or into.
func (s *Postgres) WalletAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT donor_id FROM schedules WHERE status IN ('active', 'paused')
		 UNION
		 SELECT recipient_id FROM schedules WHERE status IN ('active', 'paused')
		 ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("wallet accounts query failed: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ---------------------------------------------------------------------------
// Idempotency keys
// ---------------------------------------------------------------------------

// InsertIdempotency reserves a key. A concurrent or earlier reservation
// surfaces as domain.ErrDuplicate.
func (s *Postgres) InsertIdempotency(ctx context.Context, r domain.IdempotencyRecord) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, created_at, expires_at) VALUES ($1, $2, $3, $4)",
		r.Key, r.RequestHash, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("key reservation failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var (
		r      domain.IdempotencyRecord
		status *int
	)
	err := s.Db.QueryRow(ctx,
		`SELECT key, request_hash, response_status, response_body, created_at, expires_at, completed_at
		   FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&r.Key, &r.RequestHash, &status, &r.ResponseBody, &r.CreatedAt, &r.ExpiresAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	if status != nil {
		r.ResponseStatus = *status
	}
	return &r, nil
}

// ReclaimIdempotency takes over an uncompleted reservation created before staleBefore.
func (s *Postgres) ReclaimIdempotency(ctx context.Context, key string, staleBefore, now, expiresAt time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE idempotency_keys SET created_at = $3, expires_at = $4
		  WHERE key = $1 AND completed_at IS NULL AND created_at < $2`,
		key, staleBefore, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("idempotency reclaim failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) CompleteIdempotency(ctx context.Context, key string, status int, body []byte, at time.Time) error {
	if len(body) == 0 {
		body = []byte("null")
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE idempotency_keys SET response_status = $2, response_body = $3::jsonb, completed_at = $4
		  WHERE key = $1 AND completed_at IS NULL`,
		key, status, string(body), at)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleUpdate
	}
	return nil
}

// DeleteIdempotency releases an uncompleted reservation.
func (s *Postgres) DeleteIdempotency(ctx context.Context, key string) error {
	_, err := s.Db.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1 AND completed_at IS NULL", key)
	if err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Db.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at < $1", now)
	if err != nil {
		return 0, fmt.Errorf("idempotency reap failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
