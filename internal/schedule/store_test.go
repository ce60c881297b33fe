package schedule_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/pipeline"
	"github.com/nhb-labs/loanbridge/internal/schedule"
	"github.com/nhb-labs/loanbridge/internal/testutil"
)

type fakeEnqueuer struct {
	calls []models.ActionType
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, loanID string, actionType models.ActionType, payload pipeline.Payload, actionKey *string) (*models.ChainAction, error) {
	f.calls = append(f.calls, actionType)
	return &models.ChainAction{LoanID: loanID, Type: actionType}, nil
}

func TestServiceSavePersistsScheduleAndEntries(t *testing.T) {
	db := testutil.NewDB(t)
	enq := &fakeEnqueuer{}
	svc := schedule.NewService(db, enq)

	_, err := svc.Save(context.Background(), schedule.Params{
		LoanID:             "loan-1",
		PrincipalUsdc:      "90000000",
		InterestRateBps:    1000,
		StartTimestamp:     1_735_689_600,
		IntervalSeconds:    2_592_000,
		InstallmentCount:   3,
		GracePeriodSeconds: 3 * 86400,
		PenaltyAprBps:      1200,
	})
	require.NoError(t, err)
	require.Equal(t, []models.ActionType{models.ActionConfigureSchedule}, enq.calls)

	var row models.InstallmentSchedule
	require.NoError(t, db.First(&row, "loan_id = ?", "loan-1").Error)
	require.Len(t, row.ScheduleHash, 64)
	require.Equal(t, int64(3*86400), row.GracePeriodSeconds)
	require.Equal(t, 1200, row.PenaltyAprBps)

	var entries []models.InstallmentEntry
	require.NoError(t, db.Where("loan_id = ?", "loan-1").Find(&entries).Error)
	require.Len(t, entries, 3)

	require.NoError(t, svc.AssertHashIntegrity(context.Background(), "loan-1"))
}

func TestAssertHashIntegrityDetectsTampering(t *testing.T) {
	db := testutil.NewDB(t)
	enq := &fakeEnqueuer{}
	svc := schedule.NewService(db, enq)

	_, err := svc.Save(context.Background(), schedule.Params{
		LoanID:           "loan-2",
		PrincipalUsdc:    "50000000",
		InterestRateBps:  500,
		StartTimestamp:   1_735_689_600,
		IntervalSeconds:  2_592_000,
		InstallmentCount: 2,
	})
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.InstallmentSchedule{}).
		Where("loan_id = ?", "loan-2").
		Update("schedule_json", `{"tampered":true}`).Error)

	err = svc.AssertHashIntegrity(context.Background(), "loan-2")
	require.ErrorIs(t, err, schedule.ErrHashMismatch)
}
