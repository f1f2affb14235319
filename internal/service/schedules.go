package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/donationops/internal/domain"
	"github.com/punchamoorthee/donationops/internal/ledger"
	"github.com/punchamoorthee/donationops/internal/models"
	"go.uber.org/zap"
)

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id int64) (*domain.Schedule, error)
	UpdateScheduleStatus(ctx context.Context, id int64, from, to domain.ScheduleStatus, at time.Time) error
}

type ScheduleService struct {
	store ScheduleStore
	log   *zap.Logger
	now   func() time.Time
}

func NewScheduleService(store ScheduleStore, log *zap.Logger) *ScheduleService {
	return &ScheduleService{store: store, log: log.Named("schedules"), now: time.Now}
}

// CreateSchedule registers an active recurring donation. The first execution
// is due at StartAt, or immediately when it is omitted.
func (s *ScheduleService) CreateSchedule(ctx context.Context, req models.ScheduleRequest) (*domain.Schedule, error) {
	switch {
	case strings.TrimSpace(req.DonorID) == "":
		return nil, &domain.ValidationError{Field: "donor_id", Reason: "required"}
	case strings.TrimSpace(req.RecipientID) == "":
		return nil, &domain.ValidationError{Field: "recipient_id", Reason: "required"}
	case req.DonorID == req.RecipientID:
		return nil, &domain.ValidationError{Field: "recipient_id", Reason: "must differ from donor_id"}
	case req.MaxExecutions != nil && *req.MaxExecutions <= 0:
		return nil, &domain.ValidationError{Field: "max_executions", Reason: "must be positive"}
	}
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	freq, err := domain.ParseFrequency(req.Frequency)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	start := now
	if req.StartAt != nil {
		start = req.StartAt.UTC()
	}

	sc := &domain.Schedule{
		DonorID:           req.DonorID,
		RecipientID:       req.RecipientID,
		Amount:            req.Amount,
		Frequency:         freq,
		Status:            domain.ScheduleActive,
		NextExecutionDate: start,
		MaxExecutions:     req.MaxExecutions,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.log.Info("schedule created",
		zap.Int64("schedule_id", sc.ID),
		zap.String("frequency", string(freq)),
		zap.Time("next_execution", start))
	return sc, nil
}

func (s *ScheduleService) GetSchedule(ctx context.Context, id int64) (*domain.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *ScheduleService) Cancel(ctx context.Context, id int64) (*domain.Schedule, error) {
	return s.changeStatus(ctx, id, domain.ScheduleCancelled)
}

func (s *ScheduleService) Pause(ctx context.Context, id int64) (*domain.Schedule, error) {
	return s.changeStatus(ctx, id, domain.SchedulePaused)
}

func (s *ScheduleService) Resume(ctx context.Context, id int64) (*domain.Schedule, error) {
	return s.changeStatus(ctx, id, domain.ScheduleActive)
}

func (s *ScheduleService) changeStatus(ctx context.Context, id int64, to domain.ScheduleStatus) (*domain.Schedule, error) {
	cur, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == to {
		return cur, nil
	}
	if !domain.CanChangeSchedule(cur.Status, to) {
		return nil, &domain.ConflictError{Reason: fmt.Sprintf("schedule is %s", cur.Status)}
	}

	err = s.store.UpdateScheduleStatus(ctx, id, cur.Status, to, s.now().UTC())
	if errors.Is(err, domain.ErrStaleUpdate) {
		return nil, &domain.ConflictError{Reason: "schedule changed concurrently"}
	}
	if err != nil {
		return nil, fmt.Errorf("update schedule status: %w", err)
	}

	s.log.Info("schedule status changed",
		zap.Int64("schedule_id", id),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(to)))
	return s.store.GetSchedule(ctx, id)
}

// BalanceService exposes ledger balances.
type BalanceService struct {
	ledger ledger.Client
}

func NewBalanceService(client ledger.Client) *BalanceService {
	return &BalanceService{ledger: client}
}

func (b *BalanceService) Balance(ctx context.Context, account string) (*models.BalanceResponse, error) {
	if strings.TrimSpace(account) == "" {
		return nil, &domain.ValidationError{Field: "account", Reason: "required"}
	}
	bal, err := b.ledger.GetBalance(ctx, account)
	if err != nil {
		return nil, err
	}
	return &models.BalanceResponse{Account: account, Balance: bal}, nil
}
