package fiat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/pipeline"
)

// RepaymentMachine drives the INBOUND FiatTransfer state machine.
type RepaymentMachine struct {
	db      *gorm.DB
	actions ActionEnqueuer
	now     func() time.Time
}

// NewRepaymentMachine constructs a RepaymentMachine.
func NewRepaymentMachine(db *gorm.DB, actions ActionEnqueuer) *RepaymentMachine {
	return &RepaymentMachine{db: db, actions: actions, now: func() time.Time { return time.Now().UTC() }}
}

// HandleRepaymentParams carries the fields a repayment confirmation webhook
// supplies.
type HandleRepaymentParams struct {
	LoanID         string
	ProviderRef    string
	IdempotencyKey string
	RawPayload     []byte
	AmountKes      string
	ExpectedAmount string // optional; empty skips the amount-match check
	PhoneNumber    string
	Timestamp      time.Time
}

// HandleRepayment is idempotent on idempotencyKey; enforces an amount match
// when ExpectedAmount is supplied; persists proof/ref hashes; enqueues
// REPAY then RECORD_REPAYMENT in that order; advances to
// CHAIN_REPAY_PENDING.
func (m *RepaymentMachine) HandleRepayment(ctx context.Context, params HandleRepaymentParams) (*models.FiatTransfer, error) {
	var result models.FiatTransfer
	mismatch := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var transfer models.FiatTransfer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&transfer, "idempotency_key = ?", params.IdempotencyKey).Error
		switch {
		case err == nil:
			if isAlreadyProcessed(repaymentConfirmedAllowed, transfer.Status) {
				result = transfer
				return nil
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			now := m.now()
			transfer = models.FiatTransfer{
				ID:             uuid.New(),
				LoanID:         params.LoanID,
				Direction:      models.DirectionInbound,
				Status:         models.TransferPending,
				IdempotencyKey: params.IdempotencyKey,
				AmountKes:      params.AmountKes,
				PhoneNumber:    params.PhoneNumber,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(&transfer).Error; err != nil {
				return err
			}
		default:
			return err
		}

		if params.ExpectedAmount != "" && params.ExpectedAmount != params.AmountKes {
			// The FAILED row commits with the transaction; ErrAmountMismatch
			// is returned after it, since returning an error here would roll
			// back every write made through tx.
			now := m.now()
			if err := tx.Model(&transfer).Updates(map[string]any{
				"status": models.TransferFailed, "failed_at": now,
				"failure_reason": "amount mismatch", "updated_at": now,
			}).Error; err != nil {
				return err
			}
			mismatch = true
			return nil
		}

		refHash := RefHash(params.ProviderRef, transfer.LoanID, string(models.DirectionInbound))
		proofHash, err := ProofHash(params.RawPayload)
		if err != nil {
			return fmt.Errorf("fiat: proof hash: %w", err)
		}

		now := m.now()
		if err := tx.Model(&transfer).Updates(map[string]any{
			"provider_ref":      params.ProviderRef,
			"ref_hash":          refHash,
			"proof_hash":        proofHash,
			"raw_payload":       string(params.RawPayload),
			"webhook_timestamp": params.Timestamp,
			"confirmed_at":      now,
			"status":            models.TransferRepaymentReceived,
			"updated_at":        now,
		}).Error; err != nil {
			return err
		}

		if _, err := m.actions.Enqueue(ctx, transfer.LoanID, models.ActionRepay,
			pipeline.Payload{Repay: &pipeline.RepayPayload{
				LoanID: transfer.LoanID, AmountKes: params.AmountKes, RefHash: refHash,
			}}, nil); err != nil {
			return fmt.Errorf("fiat: enqueue repay: %w", err)
		}
		if _, err := m.actions.Enqueue(ctx, transfer.LoanID, models.ActionRecordRepayment,
			pipeline.Payload{RecordRepayment: &pipeline.RecordRepaymentPayload{
				LoanID: transfer.LoanID, RefHash: refHash, ProofHash: proofHash,
			}}, nil); err != nil {
			return fmt.Errorf("fiat: enqueue record_repayment: %w", err)
		}

		if err := tx.Model(&transfer).Updates(map[string]any{
			"status": models.TransferChainRepayPending, "updated_at": m.now(),
		}).Error; err != nil {
			return err
		}
		transfer.Status = models.TransferChainRepayPending
		result = transfer
		return nil
	})
	if err != nil {
		return nil, err
	}
	if mismatch {
		return nil, ErrAmountMismatch
	}
	return &result, nil
}

// OnRepayConfirmed advances the loan's latest INBOUND transfer from
// CHAIN_REPAY_PENDING to CHAIN_REPAY_CONFIRMED and stamps appliedOnchainAt,
// wired as the pipeline's OnFiatRepayConfirmed callback.
func (m *RepaymentMachine) OnRepayConfirmed(ctx context.Context, loanID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var transfer models.FiatTransfer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("loan_id = ? AND direction = ?", loanID, models.DirectionInbound).
			Order("created_at DESC").First(&transfer).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if transfer.Status != models.TransferChainRepayPending {
			return nil
		}
		now := m.now()
		return tx.Model(&transfer).Updates(map[string]any{
			"status": models.TransferChainRepayConfirmed, "applied_onchain_at": now, "updated_at": now,
		}).Error
	})
}
