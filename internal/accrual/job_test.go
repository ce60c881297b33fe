package accrual_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nhb-labs/loanbridge/internal/accrual"
	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/testutil"
)

func TestAccrualJobIsIdempotentWithinTheHour(t *testing.T) {
	db := testutil.NewDB(t)
	now := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	loan := models.Loan{ID: "loan-1", Status: models.LoanStatusActive, OnchainPrincipal: "0", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.Create(&loan).Error)

	sched := models.InstallmentSchedule{
		LoanID: "loan-1", ScheduleHash: "h", ScheduleJSON: "{}",
		GracePeriodSeconds: 3 * 86400, PenaltyAprBps: 1200,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Create(&sched).Error)

	entry := models.InstallmentEntry{
		ID: uuid.New(), LoanID: "loan-1", InstallmentIndex: 0,
		DueTimestamp: now.Add(-10 * 24 * time.Hour).Unix(),
		PrincipalDue: "1000000", InterestDue: "0", TotalDue: "1000000",
		PrincipalPaid: "0", InterestPaid: "0", PenaltyAccrued: "0",
		AccrualStatus: models.AccrualCurrent, Status: models.EntryDue,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Create(&entry).Error)

	fixedNow := now
	job := accrual.NewJob(db, nil, func() time.Time { return fixedNow })

	sum1, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum1.EntriesAccrued)
	require.Equal(t, 0, sum1.EntriesSkipped)

	sum2, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, sum2.EntriesAccrued)
	require.Equal(t, 1, sum2.EntriesSkipped)

	var snapshots []models.AccrualSnapshot
	require.NoError(t, db.Where("entry_id = ?", entry.ID).Find(&snapshots).Error)
	require.Len(t, snapshots, 1)

	var updated models.InstallmentEntry
	require.NoError(t, db.First(&updated, "id = ?", entry.ID).Error)
	require.Equal(t, models.AccrualDelinquent, updated.AccrualStatus)
	require.NotEqual(t, "0", updated.PenaltyAccrued)
	require.NotNil(t, updated.DelinquentSince)
}
