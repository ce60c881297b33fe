// Package loans implements loan origination for the control plane: the
// breaker-gated entrypoint that creates the durable loan projection,
// enqueues the CREATE_LOAN and FUND_LOAN chain actions, and installs the
// installment schedule. The full loan domain object lives outside this
// core; everything here operates on the thin projection the pipeline's
// post-mine callbacks and the reconciliation jobs read. The dependency flow
// is one-directional like the rest of the tree: this service depends on the
// pipeline's Enqueue, never the reverse.
package loans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/pipeline"
	"github.com/nhb-labs/loanbridge/internal/schedule"
)

// ActionEnqueuer is the narrow pipeline surface this package depends on,
// satisfied by *pipeline.Dispatcher.
type ActionEnqueuer interface {
	Enqueue(ctx context.Context, loanID string, actionType models.ActionType, payload pipeline.Payload, actionKey *string) (*models.ChainAction, error)
}

// OriginationGate is the breaker capability consumed here, satisfied by
// *breaker.Breaker. Origination calls it before touching any state.
type OriginationGate interface {
	AssertOriginationAllowed(ctx context.Context, partnerID string) error
}

// ScheduleInstaller persists a generated schedule and enqueues its
// CONFIGURE_SCHEDULE action, satisfied by *schedule.Service.
type ScheduleInstaller interface {
	Save(ctx context.Context, p schedule.Params) (*models.InstallmentSchedule, error)
}

// ErrLoanExists is returned when Originate is called with a loan id that
// already has a projection row; callers treat it as "already originated".
var ErrLoanExists = errors.New("loans: loan already exists")

// Service drives loan origination and owns the loan projection rows.
type Service struct {
	db        *gorm.DB
	actions   ActionEnqueuer
	gate      OriginationGate
	schedules ScheduleInstaller
	now       func() time.Time
}

// NewService constructs a Service.
func NewService(db *gorm.DB, actions ActionEnqueuer, gate OriginationGate, schedules ScheduleInstaller) *Service {
	return &Service{
		db:        db,
		actions:   actions,
		gate:      gate,
		schedules: schedules,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OriginateParams carries everything needed to originate one loan.
type OriginateParams struct {
	LoanID        string
	PartnerID     uuid.UUID
	PrincipalUsdc string

	InterestRateBps    int
	StartTimestamp     int64
	IntervalSeconds    int64
	InstallmentCount   int
	GracePeriodSeconds int64
	PenaltyAprBps      int
}

// Originate runs the full origination sequence: assert the breaker allows
// origination for the partner, persist the loan projection in PENDING,
// enqueue CREATE_LOAN then FUND_LOAN (both keyed so a crash-retried caller
// cannot double-submit), and install the installment schedule, which
// enqueues CONFIGURE_SCHEDULE. A loan id that already exists returns
// ErrLoanExists without side effects.
func (s *Service) Originate(ctx context.Context, p OriginateParams) (*models.Loan, error) {
	if p.LoanID == "" {
		return nil, fmt.Errorf("loans: loan id is required")
	}
	if err := s.gate.AssertOriginationAllowed(ctx, p.PartnerID.String()); err != nil {
		return nil, err
	}

	now := s.now()
	loan := &models.Loan{
		ID:            p.LoanID,
		PartnerID:     p.PartnerID,
		PrincipalUsdc: p.PrincipalUsdc,
		Status:        models.LoanStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Loan
		err := tx.First(&existing, "id = ?", p.LoanID).Error
		if err == nil {
			return fmt.Errorf("%w: id=%s", ErrLoanExists, p.LoanID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(loan).Error
	})
	if err != nil {
		return nil, err
	}

	createKey := "create:" + p.LoanID
	if _, err := s.actions.Enqueue(ctx, p.LoanID, models.ActionCreateLoan,
		pipeline.Payload{CreateLoan: &pipeline.CreateLoanPayload{
			LoanID: p.LoanID, PartnerID: p.PartnerID.String(), PrincipalUsdc: p.PrincipalUsdc,
		}}, &createKey); err != nil && !errors.Is(err, pipeline.ErrAlreadyEnqueued) {
		return nil, fmt.Errorf("loans: enqueue create_loan: %w", err)
	}

	fundKey := "fund:" + p.LoanID
	if _, err := s.actions.Enqueue(ctx, p.LoanID, models.ActionFundLoan,
		pipeline.Payload{FundLoan: &pipeline.FundLoanPayload{
			LoanID: p.LoanID, PrincipalUsdc: p.PrincipalUsdc,
		}}, &fundKey); err != nil && !errors.Is(err, pipeline.ErrAlreadyEnqueued) {
		return nil, fmt.Errorf("loans: enqueue fund_loan: %w", err)
	}

	if _, err := s.schedules.Save(ctx, schedule.Params{
		LoanID:             p.LoanID,
		PrincipalUsdc:      p.PrincipalUsdc,
		InterestRateBps:    p.InterestRateBps,
		StartTimestamp:     p.StartTimestamp,
		IntervalSeconds:    p.IntervalSeconds,
		InstallmentCount:   p.InstallmentCount,
		GracePeriodSeconds: p.GracePeriodSeconds,
		PenaltyAprBps:      p.PenaltyAprBps,
	}); err != nil {
		return nil, fmt.Errorf("loans: install schedule: %w", err)
	}

	return loan, nil
}

// SetContractAddress records the deployed loan-contract address on the
// projection; wired as the pipeline's OnLoanTransitioned callback.
func (s *Service) SetContractAddress(ctx context.Context, loanID, contractAddress string) error {
	return s.db.WithContext(ctx).Model(&models.Loan{}).
		Where("id = ?", loanID).
		Updates(map[string]any{"contract_address": contractAddress, "updated_at": s.now()}).Error
}

// MarkActive flips the projection from PENDING to ACTIVE once activation is
// confirmed on-chain; already-ACTIVE loans are a no-op.
func (s *Service) MarkActive(ctx context.Context, loanID string) error {
	return s.db.WithContext(ctx).Model(&models.Loan{}).
		Where("id = ? AND status = ?", loanID, models.LoanStatusPending).
		Updates(map[string]any{"status": models.LoanStatusActive, "updated_at": s.now()}).Error
}
