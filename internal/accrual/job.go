package accrual

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nhb-labs/loanbridge/internal/bigdec"
	"github.com/nhb-labs/loanbridge/internal/models"
)

// Job runs the hourly accrual pass over every ACTIVE loan's schedule.
type Job struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// NewJob constructs an accrual Job. now defaults to time.Now when nil;
// tests supply a fixed clock for deterministic hourBucket computation.
func NewJob(db *gorm.DB, log *slog.Logger, now func() time.Time) *Job {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Job{db: db, log: log, now: now}
}

// Summary reports what one Run accomplished, for logging and tests.
type Summary struct {
	EntriesEvaluated int
	EntriesAccrued   int
	EntriesSkipped   int
}

// Run evaluates every non-PAID/non-WAIVED installment entry belonging to an
// ACTIVE loan with a schedule, exactly once per (entry, hourBucket). A
// second call within the same UTC hour is a no-op for every entry it has
// already touched — this is the idempotency guarantee the schedule invariant
// depends on.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	now := j.now()
	hourBucket := now.Truncate(time.Hour).Unix()

	var loans []models.Loan
	if err := j.db.WithContext(ctx).Where("status = ?", models.LoanStatusActive).Find(&loans).Error; err != nil {
		return Summary{}, fmt.Errorf("accrual: list active loans: %w", err)
	}

	var sum Summary
	for _, loan := range loans {
		var sched models.InstallmentSchedule
		if err := j.db.WithContext(ctx).First(&sched, "loan_id = ?", loan.ID).Error; err != nil {
			continue
		}

		var entries []models.InstallmentEntry
		if err := j.db.WithContext(ctx).
			Where("loan_id = ? AND status NOT IN ?", loan.ID, []models.EntryStatus{models.EntryPaid, models.EntryWaived}).
			Find(&entries).Error; err != nil {
			return sum, fmt.Errorf("accrual: list entries loan=%s: %w", loan.ID, err)
		}

		for _, entry := range entries {
			sum.EntriesEvaluated++
			accrued, err := j.accrueEntry(ctx, entry, sched, now, hourBucket)
			if err != nil {
				return sum, err
			}
			if accrued {
				sum.EntriesAccrued++
			} else {
				sum.EntriesSkipped++
			}
		}
	}
	return sum, nil
}

// accrueEntry applies the idempotent accrual step to one entry. It returns
// accrued=false without mutation when the (entry, hourBucket) snapshot
// already exists.
func (j *Job) accrueEntry(ctx context.Context, entry models.InstallmentEntry, sched models.InstallmentSchedule, now time.Time, hourBucket int64) (bool, error) {
	status, daysPastDue := Classify(entry.DueTimestamp, now.Unix(), sched.GracePeriodSeconds)

	principalDue, err := bigdec.Parse(entry.PrincipalDue)
	if err != nil {
		return false, fmt.Errorf("accrual: parse principalDue entry=%s: %w", entry.ID, err)
	}
	principalPaid, err := bigdec.Parse(entry.PrincipalPaid)
	if err != nil {
		return false, fmt.Errorf("accrual: parse principalPaid entry=%s: %w", entry.ID, err)
	}
	overduePrincipal := bigdec.Max(big.NewInt(0), bigdec.Sub(principalDue, principalPaid))
	delta := PenaltyDelta(status, overduePrincipal, sched.PenaltyAprBps)

	accrued := false
	err = j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snapshot := &models.AccrualSnapshot{
			ID:            uuid.New(),
			EntryID:       entry.ID,
			HourBucket:    hourBucket,
			PenaltyDelta:  bigdec.String(delta),
			DaysPastDue:   daysPastDue,
			AccrualStatus: status,
			CreatedAt:     now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(snapshot)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // already accrued for this hour; idempotent no-op
		}
		accrued = true

		penaltyAccrued, err := bigdec.Parse(entry.PenaltyAccrued)
		if err != nil {
			return fmt.Errorf("accrual: parse penaltyAccrued entry=%s: %w", entry.ID, err)
		}
		updates := map[string]any{
			"accrual_status":  status,
			"days_past_due":   daysPastDue,
			"penalty_accrued": bigdec.String(bigdec.Add(penaltyAccrued, delta)),
			"updated_at":      now,
		}
		wasDelinquent := isDelinquent(entry.AccrualStatus)
		nowDelinquent := isDelinquent(status)
		if nowDelinquent && !wasDelinquent {
			updates["delinquent_since"] = now
		} else if !nowDelinquent && wasDelinquent {
			updates["delinquent_since"] = nil
		}
		return tx.Model(&models.InstallmentEntry{}).Where("id = ?", entry.ID).Updates(updates).Error
	})
	if err != nil {
		return false, fmt.Errorf("accrual: entry=%s: %w", entry.ID, err)
	}
	if accrued {
		AccrualMetrics().PenaltyDeltaApplied.Inc()
	} else {
		AccrualMetrics().EntriesSkippedIdempot.Inc()
	}
	return accrued, nil
}
