package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/donationops/internal/domain"
	"github.com/punchamoorthee/donationops/internal/ledger"
	"github.com/punchamoorthee/donationops/internal/ledger/ledgertest"
	"github.com/punchamoorthee/donationops/internal/models"
	"github.com/punchamoorthee/donationops/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var scheduleNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newSchedules(t *testing.T) (*ScheduleService, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc := NewScheduleService(mem, zap.NewNop())
	svc.now = func() time.Time { return scheduleNow }
	return svc, mem
}

func scheduleRequest() models.ScheduleRequest {
	return models.ScheduleRequest{
		DonorID:     "GDONOR",
		RecipientID: "GRECIP",
		Amount:      decimal.RequireFromString("2.5"),
		Frequency:   "Weekly",
	}
}

func TestCreateScheduleDefaults(t *testing.T) {
	svc, mem := newSchedules(t)

	sc, err := svc.CreateSchedule(context.Background(), scheduleRequest())
	require.NoError(t, err)
	assert.NotZero(t, sc.ID)
	assert.Equal(t, domain.Weekly, sc.Frequency)
	assert.Equal(t, domain.ScheduleActive, sc.Status)
	assert.Equal(t, scheduleNow, sc.NextExecutionDate)
	assert.Zero(t, sc.ExecutionCount)
	assert.Nil(t, sc.MaxExecutions)

	due, err := mem.DueSchedules(context.Background(), scheduleNow, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1, "a schedule without a start date is due immediately")
}

func TestCreateScheduleWithStartAndLimit(t *testing.T) {
	svc, _ := newSchedules(t)
	start := scheduleNow.Add(48 * time.Hour)
	limit := 3
	req := scheduleRequest()
	req.StartAt = &start
	req.MaxExecutions = &limit

	sc, err := svc.CreateSchedule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, start, sc.NextExecutionDate)
	require.NotNil(t, sc.MaxExecutions)
	assert.Equal(t, 3, *sc.MaxExecutions)
}

func TestCreateScheduleValidation(t *testing.T) {
	zero := 0
	tests := []struct {
		name   string
		mutate func(*models.ScheduleRequest)
		field  string
	}{
		{"missing donor", func(r *models.ScheduleRequest) { r.DonorID = "" }, "donor_id"},
		{"missing recipient", func(r *models.ScheduleRequest) { r.RecipientID = " " }, "recipient_id"},
		{"self donation", func(r *models.ScheduleRequest) { r.RecipientID = r.DonorID }, "recipient_id"},
		{"zero max executions", func(r *models.ScheduleRequest) { r.MaxExecutions = &zero }, "max_executions"},
		{"negative amount", func(r *models.ScheduleRequest) { r.Amount = decimal.NewFromInt(-2) }, "amount"},
		{"bad frequency", func(r *models.ScheduleRequest) { r.Frequency = "hourly" }, "frequency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newSchedules(t)
			req := scheduleRequest()
			tt.mutate(&req)

			_, err := svc.CreateSchedule(context.Background(), req)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestScheduleStatusChanges(t *testing.T) {
	svc, _ := newSchedules(t)
	ctx := context.Background()
	sc, err := svc.CreateSchedule(ctx, scheduleRequest())
	require.NoError(t, err)

	paused, err := svc.Pause(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SchedulePaused, paused.Status)

	again, err := svc.Pause(ctx, sc.ID)
	require.NoError(t, err, "pausing a paused schedule is a no-op")
	assert.Equal(t, domain.SchedulePaused, again.Status)

	resumed, err := svc.Resume(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleActive, resumed.Status)

	cancelled, err := svc.Cancel(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleCancelled, cancelled.Status)

	_, err = svc.Resume(ctx, sc.ID)
	assert.True(t, domain.IsConflict(err), "cancelled schedules stay cancelled")

	_, err = svc.Cancel(ctx, 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBalance(t *testing.T) {
	fake := ledgertest.New()
	fake.SetBalance("GDONOR", decimal.RequireFromString("12.5"))
	svc := NewBalanceService(fake)

	b, err := svc.Balance(context.Background(), "GDONOR")
	require.NoError(t, err)
	assert.True(t, b.Balance.Equal(decimal.RequireFromString("12.5")))

	_, err = svc.Balance(context.Background(), "")
	assert.True(t, domain.IsValidation(err))
}

func TestBalanceLedgerError(t *testing.T) {
	svc := NewBalanceService(failingBalance{})
	_, err := svc.Balance(context.Background(), "GX")
	assert.True(t, ledger.IsTransient(err))
}

type failingBalance struct{ ledger.Client }

func (failingBalance) GetBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, ledger.Transient("get_balance", errors.New("unavailable"))
}
