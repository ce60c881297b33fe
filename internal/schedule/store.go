package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/pipeline"
)

// ActionEnqueuer is the narrow surface this package depends on, satisfied by
// *pipeline.Dispatcher, keeping the dependency one-directional the same way
// internal/fiat does.
type ActionEnqueuer interface {
	Enqueue(ctx context.Context, loanID string, actionType models.ActionType, payload pipeline.Payload, actionKey *string) (*models.ChainAction, error)
}

// ErrHashMismatch indicates a stored schedule's recomputed hash no longer
// matches the persisted scheduleHash — a CRITICAL integrity failure.
var ErrHashMismatch = errors.New("schedule: hash integrity violation")

// Service persists generated schedules and enforces the immutability guard.
type Service struct {
	db      *gorm.DB
	actions ActionEnqueuer
	now     func() time.Time
}

// NewService constructs a Service.
func NewService(db *gorm.DB, actions ActionEnqueuer) *Service {
	return &Service{db: db, actions: actions, now: func() time.Time { return time.Now().UTC() }}
}

// Save generates the canonical schedule for p, persists the
// InstallmentSchedule row and its InstallmentEntry rows, and enqueues the
// CONFIGURE_SCHEDULE action carrying the hash and generating config.
// Persistence and entry creation happen inside one transaction; a new field
// added to InstallmentSchedule never changes scheduleJson, since the stored
// JSON is byte-for-byte what Generate produced.
func (s *Service) Save(ctx context.Context, p Params) (*models.InstallmentSchedule, error) {
	result, err := Generate(p)
	if err != nil {
		return nil, err
	}

	now := s.now()
	row := &models.InstallmentSchedule{
		LoanID:                  p.LoanID,
		ScheduleHash:            result.ScheduleHash,
		ScheduleJSON:            string(result.CanonicalJSON),
		TotalInstallments:       p.InstallmentCount,
		PrincipalPerInstallment: "",
		InterestRateBps:         p.InterestRateBps,
		IntervalSeconds:         p.IntervalSeconds,
		StartTimestamp:          p.StartTimestamp,
		GracePeriodSeconds:      p.GracePeriodSeconds,
		PenaltyAprBps:           p.PenaltyAprBps,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if len(result.Installments) > 0 {
		row.PrincipalPerInstallment = result.Installments[0].Principal.String()
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("schedule: save schedule row: %w", err)
		}
		if err := tx.Where("loan_id = ?", p.LoanID).Delete(&models.InstallmentEntry{}).Error; err != nil {
			return fmt.Errorf("schedule: clear prior entries: %w", err)
		}
		for _, inst := range result.Installments {
			entry := &models.InstallmentEntry{
				ID:               uuid.New(),
				LoanID:           p.LoanID,
				InstallmentIndex: inst.Index,
				DueTimestamp:     inst.DueTs,
				PrincipalDue:     inst.Principal.String(),
				InterestDue:      inst.Interest.String(),
				TotalDue:         inst.Total.String(),
				PrincipalPaid:    "0",
				InterestPaid:     "0",
				PenaltyAccrued:   "0",
				AccrualStatus:    models.AccrualCurrent,
				Status:           models.EntryPending,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("schedule: create entry %d: %w", inst.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.actions.Enqueue(ctx, p.LoanID, models.ActionConfigureSchedule,
		pipeline.Payload{ConfigureSchedule: &pipeline.ConfigureSchedulePayload{
			LoanID:           p.LoanID,
			ScheduleHash:     result.ScheduleHash,
			PrincipalUsdc:    p.PrincipalUsdc,
			InterestRateBps:  p.InterestRateBps,
			StartTimestamp:   p.StartTimestamp,
			IntervalSeconds:  p.IntervalSeconds,
			InstallmentCount: p.InstallmentCount,
		}}, nil); err != nil {
		return nil, fmt.Errorf("schedule: enqueue configure_schedule: %w", err)
	}

	return row, nil
}

// AssertHashIntegrity regenerates the SHA-256 hash of the stored
// scheduleJson and compares it to the stored scheduleHash. A mismatch means
// the stored JSON was altered out of band; the caller is expected to raise a
// CRITICAL breaker alert and abort on this error.
func (s *Service) AssertHashIntegrity(ctx context.Context, loanID string) error {
	var row models.InstallmentSchedule
	if err := s.db.WithContext(ctx).First(&row, "loan_id = ?", loanID).Error; err != nil {
		return err
	}
	recomputed := Hash([]byte(row.ScheduleJSON))
	if recomputed != row.ScheduleHash {
		return fmt.Errorf("%w: loan=%s stored=%s recomputed=%s", ErrHashMismatch, loanID, row.ScheduleHash, recomputed)
	}
	return nil
}
