package loans_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nhb-labs/loanbridge/internal/breaker"
	"github.com/nhb-labs/loanbridge/internal/chainsender"
	"github.com/nhb-labs/loanbridge/internal/loans"
	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/pipeline"
	"github.com/nhb-labs/loanbridge/internal/schedule"
	"github.com/nhb-labs/loanbridge/internal/testutil"
)

func newOriginationFixture(t *testing.T, brkCfg breaker.Config) (*loans.Service, *gorm.DB, uuid.UUID) {
	t.Helper()
	db := testutil.NewDB(t)
	dispatcher := pipeline.NewDispatcher(db, chainsender.NewInMemorySender(), "signer-1", "chain-1")
	brk := breaker.New(db, brkCfg)
	schedules := schedule.NewService(db, dispatcher)
	svc := loans.NewService(db, dispatcher, brk, schedules)

	partnerID := uuid.New()
	require.NoError(t, db.Create(&models.Partner{
		ID: partnerID, Name: "acme", Status: models.PartnerActive,
	}).Error)
	return svc, db, partnerID
}

func originateParams(partnerID uuid.UUID) loans.OriginateParams {
	return loans.OriginateParams{
		LoanID:             "loan-1",
		PartnerID:          partnerID,
		PrincipalUsdc:      "100000000",
		InterestRateBps:    1200,
		StartTimestamp:     1_735_689_600,
		IntervalSeconds:    2_592_000,
		InstallmentCount:   3,
		GracePeriodSeconds: 3 * 86400,
		PenaltyAprBps:      1200,
	}
}

// TestOriginateCreatesLoanActionsAndSchedule covers the full origination
// sequence: projection row, CREATE_LOAN + FUND_LOAN + CONFIGURE_SCHEDULE
// actions, and the installed schedule with its entries.
func TestOriginateCreatesLoanActionsAndSchedule(t *testing.T) {
	svc, db, partnerID := newOriginationFixture(t, breaker.Config{})
	ctx := context.Background()

	loan, err := svc.Originate(ctx, originateParams(partnerID))
	require.NoError(t, err)
	require.Equal(t, models.LoanStatusPending, loan.Status)

	var actions []models.ChainAction
	require.NoError(t, db.Where("loan_id = ?", "loan-1").Order("created_at ASC").Find(&actions).Error)
	require.Len(t, actions, 3)
	require.Equal(t, models.ActionCreateLoan, actions[0].Type)
	require.Equal(t, models.ActionFundLoan, actions[1].Type)
	require.Equal(t, models.ActionConfigureSchedule, actions[2].Type)

	var sched models.InstallmentSchedule
	require.NoError(t, db.First(&sched, "loan_id = ?", "loan-1").Error)
	require.Equal(t, 3, sched.TotalInstallments)

	var entries []models.InstallmentEntry
	require.NoError(t, db.Where("loan_id = ?", "loan-1").Find(&entries).Error)
	require.Len(t, entries, 3)
}

// TestOriginateBlockedByBreakerLeavesNoState covers the gate: a global halt
// rejects origination before any row or action is written.
func TestOriginateBlockedByBreakerLeavesNoState(t *testing.T) {
	svc, db, partnerID := newOriginationFixture(t, breaker.Config{GlobalBlock: true})
	ctx := context.Background()

	_, err := svc.Originate(ctx, originateParams(partnerID))
	require.Error(t, err)
	var blocked *breaker.ErrOriginationBlocked
	require.ErrorAs(t, err, &blocked)

	var loanCount, actionCount int64
	require.NoError(t, db.Model(&models.Loan{}).Count(&loanCount).Error)
	require.NoError(t, db.Model(&models.ChainAction{}).Count(&actionCount).Error)
	require.Zero(t, loanCount)
	require.Zero(t, actionCount)
}

func TestOriginateRejectsDuplicateLoanID(t *testing.T) {
	svc, _, partnerID := newOriginationFixture(t, breaker.Config{})
	ctx := context.Background()

	_, err := svc.Originate(ctx, originateParams(partnerID))
	require.NoError(t, err)

	_, err = svc.Originate(ctx, originateParams(partnerID))
	require.ErrorIs(t, err, loans.ErrLoanExists)
}

func TestOriginateRejectsInactivePartner(t *testing.T) {
	svc, db, partnerID := newOriginationFixture(t, breaker.Config{})
	ctx := context.Background()

	require.NoError(t, db.Model(&models.Partner{}).Where("id = ?", partnerID).
		Update("status", models.PartnerSuspended).Error)

	_, err := svc.Originate(ctx, originateParams(partnerID))
	require.Error(t, err)
}

func TestSetContractAddressAndMarkActive(t *testing.T) {
	svc, db, partnerID := newOriginationFixture(t, breaker.Config{})
	ctx := context.Background()

	_, err := svc.Originate(ctx, originateParams(partnerID))
	require.NoError(t, err)

	require.NoError(t, svc.SetContractAddress(ctx, "loan-1", "0xdeadbeef"))
	require.NoError(t, svc.MarkActive(ctx, "loan-1"))

	var loan models.Loan
	require.NoError(t, db.First(&loan, "id = ?", "loan-1").Error)
	require.Equal(t, "0xdeadbeef", loan.ContractAddress)
	require.Equal(t, models.LoanStatusActive, loan.Status)

	// MarkActive is a no-op on an already-ACTIVE loan.
	require.NoError(t, svc.MarkActive(ctx, "loan-1"))
	require.NoError(t, db.First(&loan, "id = ?", "loan-1").Error)
	require.Equal(t, models.LoanStatusActive, loan.Status)
}
