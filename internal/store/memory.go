package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/donationops/internal/domain"
)

// Memory is an in-process store with the same atomicity guarantees as
// Postgres. It backs tests and single-node development runs.
type Memory struct {
	mu          sync.Mutex
	nextTxID    int64
	nextSchedID int64
	txs         map[int64]*domain.Transaction
	byLedgerID  map[string]int64
	schedules   map[int64]*domain.Schedule
	idempotency map[string]*domain.IdempotencyRecord
	// legacy holds the historical label of rows written before the
	// canonical states existed.
	legacy map[int64]string
}

func NewMemory() *Memory {
	return &Memory{
		txs:         map[int64]*domain.Transaction{},
		byLedgerID:  map[string]int64{},
		schedules:   map[int64]*domain.Schedule{},
		idempotency: map[string]*domain.IdempotencyRecord{},
		legacy:      map[int64]string{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func cloneTx(t *domain.Transaction) *domain.Transaction {
	c := *t
	return &c
}

func (m *Memory) insertTxLocked(t *domain.Transaction) error {
	if err := domain.AssertValid(t.Status); err != nil {
		return err
	}
	if t.LedgerTxID != nil {
		if _, ok := m.byLedgerID[*t.LedgerTxID]; ok {
			return domain.ErrDuplicate
		}
	}
	if t.IdempotencyKey != nil {
		for _, cur := range m.txs {
			if cur.IdempotencyKey != nil && *cur.IdempotencyKey == *t.IdempotencyKey {
				return domain.ErrDuplicate
			}
		}
	}
	m.nextTxID++
	t.ID = m.nextTxID
	m.txs[t.ID] = cloneTx(t)
	if t.LedgerTxID != nil {
		m.byLedgerID[*t.LedgerTxID] = t.ID
	}
	return nil
}

func (m *Memory) CreateTransaction(_ context.Context, t *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTxLocked(t)
}

func (m *Memory) UpdateTransaction(_ context.Context, t *domain.Transaction, from domain.TxStatus) error {
	if err := domain.AssertTransition(from, t.Status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txs[t.ID]
	if !ok || cur.Status != from {
		return domain.ErrStaleUpdate
	}
	if t.LedgerTxID != nil && cur.LedgerTxID == nil {
		if _, taken := m.byLedgerID[*t.LedgerTxID]; taken {
			return domain.ErrDuplicate
		}
		m.byLedgerID[*t.LedgerTxID] = t.ID
	}
	next := cloneTx(t)
	if cur.LedgerTxID != nil {
		next.LedgerTxID = cur.LedgerTxID
	}
	m.txs[t.ID] = next
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id int64) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTx(t), nil
}

func (m *Memory) GetTransactionByLedgerID(_ context.Context, ledgerTxID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byLedgerID[ledgerTxID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTx(m.txs[id]), nil
}

func (m *Memory) GetTransactionByIdempotencyKey(_ context.Context, key string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			return cloneTx(t), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *Memory) InsertConfirmedIfAbsent(_ context.Context, t *domain.Transaction) (bool, error) {
	if t.LedgerTxID == nil {
		return false, errors.New("import requires a ledger transaction id")
	}
	if t.Status != domain.TxConfirmed {
		return false, &domain.InvalidStateError{State: t.Status}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byLedgerID[*t.LedgerTxID]; ok {
		return false, nil
	}
	return true, m.insertTxLocked(t)
}

// InsertLegacy stores t as if it had been written under a historical status
// label. Reads see the canonical state.
func (m *Memory) InsertLegacy(t *domain.Transaction, label string) error {
	t.Status = domain.Normalize(label)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertTxLocked(t); err != nil {
		return err
	}
	if domain.TxStatus(label) != t.Status {
		m.legacy[t.ID] = label
	}
	return nil
}

func (m *Memory) CanonicalizeStatus(_ context.Context, ledgerTxID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byLedgerID[ledgerTxID]
	if !ok {
		return false, nil
	}
	if _, ok := m.legacy[id]; !ok {
		return false, nil
	}
	delete(m.legacy, id)
	return true, nil
}

// Transactions returns every stored transaction ordered by id.
func (m *Memory) Transactions() []domain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Transaction, 0, len(m.txs))
	for _, t := range m.txs {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) CreateSchedule(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSchedID++
	s.ID = m.nextSchedID
	c := *s
	m.schedules[s.ID] = &c
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, id int64) (*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *s
	return &c, nil
}

// PutSchedule overwrites a schedule as-is.
func (m *Memory) PutSchedule(s domain.Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = &s
	if s.ID > m.nextSchedID {
		m.nextSchedID = s.ID
	}
}

func (m *Memory) DueSchedules(_ context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Schedule
	for _, s := range m.schedules {
		if s.Status == domain.ScheduleActive && !s.NextExecutionDate.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextExecutionDate.Equal(out[j].NextExecutionDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextExecutionDate.Before(out[j].NextExecutionDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateScheduleStatus(_ context.Context, id int64, from, to domain.ScheduleStatus, at time.Time) error {
	if !domain.CanChangeSchedule(from, to) {
		return &domain.ConflictError{Reason: fmt.Sprintf("schedule cannot move from %s to %s", from, to)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok || s.Status != from {
		return domain.ErrStaleUpdate
	}
	s.Status = to
	s.UpdatedAt = at
	return nil
}

func (m *Memory) scheduleAtLocked(prev domain.Schedule) (*domain.Schedule, error) {
	cur, ok := m.schedules[prev.ID]
	if !ok || cur.Status != domain.ScheduleActive || cur.ExecutionCount != prev.ExecutionCount {
		return nil, domain.ErrStaleUpdate
	}
	return cur, nil
}

func advanceLocked(cur *domain.Schedule, next domain.Schedule) {
	cur.Status = next.Status
	cur.NextExecutionDate = next.NextExecutionDate
	cur.LastExecutionDate = next.LastExecutionDate
	cur.ExecutionCount = next.ExecutionCount
	cur.UpdatedAt = next.UpdatedAt
}

func (m *Memory) RecordExecution(_ context.Context, prev, next domain.Schedule, t *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.scheduleAtLocked(prev)
	if err != nil {
		return err
	}
	if err := m.insertTxLocked(t); err != nil {
		return err
	}
	advanceLocked(cur, next)
	return nil
}

func (m *Memory) AdvanceSchedule(_ context.Context, prev, next domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.scheduleAtLocked(prev)
	if err != nil {
		return err
	}
	advanceLocked(cur, next)
	return nil
}

func (m *Memory) WalletAccounts(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, s := range m.schedules {
		if s.Status == domain.ScheduleActive || s.Status == domain.SchedulePaused {
			seen[s.DonorID] = true
			seen[s.RecipientID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) InsertIdempotency(_ context.Context, r domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idempotency[r.Key]; ok {
		return domain.ErrDuplicate
	}
	m.idempotency[r.Key] = &r
	return nil
}

func (m *Memory) GetIdempotency(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.idempotency[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *Memory) ReclaimIdempotency(_ context.Context, key string, staleBefore, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.idempotency[key]
	if !ok || r.Completed() || !r.CreatedAt.Before(staleBefore) {
		return false, nil
	}
	r.CreatedAt = now
	r.ExpiresAt = expiresAt
	return true, nil
}

func (m *Memory) CompleteIdempotency(_ context.Context, key string, status int, body []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.idempotency[key]
	if !ok || r.Completed() {
		return domain.ErrStaleUpdate
	}
	r.ResponseStatus = status
	r.ResponseBody = append([]byte(nil), body...)
	r.CompletedAt = &at
	return nil
}

func (m *Memory) DeleteIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.idempotency[key]; ok && !r.Completed() {
		delete(m.idempotency, key)
	}
	return nil
}

func (m *Memory) DeleteExpiredIdempotency(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.idempotency {
		if r.ExpiresAt.Before(now) {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}
