package fiat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhb-labs/loanbridge/internal/fiat"
	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/testutil"
)

// TestHandleRepaymentDuplicateWebhookIsIdempotent: two identical repayment
// webhooks sharing idempotencyKey "idem-1" for 50000 KES must settle into
// exactly one FiatTransfer in CHAIN_REPAY_PENDING with exactly two
// ChainActions enqueued in total.
func TestHandleRepaymentDuplicateWebhookIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	enq := &recordingEnqueuer{}
	machine := fiat.NewRepaymentMachine(db, enq)
	ctx := context.Background()

	params := fiat.HandleRepaymentParams{
		LoanID: "loan-9", ProviderRef: "ref-9", IdempotencyKey: "idem-1",
		RawPayload: []byte(`{"amount":"50000"}`), AmountKes: "50000",
		Timestamp: time.Now(),
	}

	first, err := machine.HandleRepayment(ctx, params)
	require.NoError(t, err)
	require.Equal(t, models.TransferChainRepayPending, first.Status)

	second, err := machine.HandleRepayment(ctx, params)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, models.TransferChainRepayPending, second.Status)

	var count int64
	require.NoError(t, db.Model(&models.FiatTransfer{}).
		Where("idempotency_key = ?", "idem-1").Count(&count).Error)
	require.Equal(t, int64(1), count, "exactly one FiatTransfer row for the idempotency key")
	require.Equal(t, 2, len(enq.calls), "REPAY and RECORD_REPAYMENT must enqueue exactly once total")
	require.Equal(t, []models.ActionType{models.ActionRepay, models.ActionRecordRepayment}, enq.calls)
}

func TestHandleRepaymentExpectedAmountMismatch(t *testing.T) {
	db := testutil.NewDB(t)
	machine := fiat.NewRepaymentMachine(db, &recordingEnqueuer{})
	ctx := context.Background()

	_, err := machine.HandleRepayment(ctx, fiat.HandleRepaymentParams{
		LoanID: "loan-10", ProviderRef: "ref-10", IdempotencyKey: "idem-2",
		RawPayload: []byte(`{}`), AmountKes: "40000", ExpectedAmount: "50000",
		Timestamp: time.Now(),
	})
	require.ErrorIs(t, err, fiat.ErrAmountMismatch)

	var transfer models.FiatTransfer
	require.NoError(t, db.First(&transfer, "idempotency_key = ?", "idem-2").Error)
	require.Equal(t, models.TransferFailed, transfer.Status)
}

func TestOnRepayConfirmedAdvancesStatusAndStampsAppliedAt(t *testing.T) {
	db := testutil.NewDB(t)
	enq := &recordingEnqueuer{}
	machine := fiat.NewRepaymentMachine(db, enq)
	ctx := context.Background()

	_, err := machine.HandleRepayment(ctx, fiat.HandleRepaymentParams{
		LoanID: "loan-11", ProviderRef: "ref-11", IdempotencyKey: "idem-3",
		RawPayload: []byte(`{}`), AmountKes: "10000", Timestamp: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, machine.OnRepayConfirmed(ctx, "loan-11"))

	var transfer models.FiatTransfer
	require.NoError(t, db.First(&transfer, "loan_id = ? AND direction = ?", "loan-11", models.DirectionInbound).Error)
	require.Equal(t, models.TransferChainRepayConfirmed, transfer.Status)
	require.NotNil(t, transfer.AppliedOnchainAt)
}

// TestOnRepayConfirmedIsANoOpOutsidePendingState covers the idempotency
// guard: calling OnRepayConfirmed again after confirmation must not error
// or double-stamp.
func TestOnRepayConfirmedIsANoOpOutsidePendingState(t *testing.T) {
	db := testutil.NewDB(t)
	enq := &recordingEnqueuer{}
	machine := fiat.NewRepaymentMachine(db, enq)
	ctx := context.Background()

	_, err := machine.HandleRepayment(ctx, fiat.HandleRepaymentParams{
		LoanID: "loan-12", ProviderRef: "ref-12", IdempotencyKey: "idem-4",
		RawPayload: []byte(`{}`), AmountKes: "10000", Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, machine.OnRepayConfirmed(ctx, "loan-12"))

	var first models.FiatTransfer
	require.NoError(t, db.First(&first, "loan_id = ? AND direction = ?", "loan-12", models.DirectionInbound).Error)
	firstAppliedAt := first.AppliedOnchainAt

	require.NoError(t, machine.OnRepayConfirmed(ctx, "loan-12"))

	var second models.FiatTransfer
	require.NoError(t, db.First(&second, "loan_id = ? AND direction = ?", "loan-12", models.DirectionInbound).Error)
	require.Equal(t, firstAppliedAt, second.AppliedOnchainAt)
}
