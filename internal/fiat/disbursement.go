package fiat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nhb-labs/loanbridge/internal/canon"
	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/pipeline"
)

// ActionEnqueuer is the narrow surface the fiat machines depend on; it is
// satisfied by *pipeline.Dispatcher. Keeping the dependency this narrow
// keeps the flow one-directional: the action pipeline exposes Enqueue, the
// fiat service depends on it, never the reverse.
type ActionEnqueuer interface {
	Enqueue(ctx context.Context, loanID string, actionType models.ActionType, payload pipeline.Payload, actionKey *string) (*models.ChainAction, error)
}

// DisbursementMachine drives the OUTBOUND FiatTransfer state machine.
type DisbursementMachine struct {
	db      *gorm.DB
	actions ActionEnqueuer
	now     func() time.Time
}

// NewDisbursementMachine constructs a DisbursementMachine.
func NewDisbursementMachine(db *gorm.DB, actions ActionEnqueuer) *DisbursementMachine {
	return &DisbursementMachine{db: db, actions: actions, now: func() time.Time { return time.Now().UTC() }}
}

// InitiatePayoutParams carries the parameters for a new outbound payout.
type InitiatePayoutParams struct {
	LoanID         string
	IdempotencyKey string
	AmountKes      string
	PhoneNumber    string
}

// ProviderSubmitFunc submits a payout to the external fiat provider. The
// provider integration itself lives outside this service; this hook is
// where production wiring plugs it in.
type ProviderSubmitFunc func(ctx context.Context, params InitiatePayoutParams) error

// InitiatePayout is idempotent on idempotencyKey: on first call it submits
// to the fiat provider, persists the transfer in PENDING, then advances to
// PAYOUT_INITIATED.
func (m *DisbursementMachine) InitiatePayout(ctx context.Context, params InitiatePayoutParams, submit ProviderSubmitFunc) (*models.FiatTransfer, error) {
	var existing models.FiatTransfer
	err := m.db.WithContext(ctx).First(&existing, "idempotency_key = ?", params.IdempotencyKey).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := m.now()
	transfer := models.FiatTransfer{
		ID:             uuid.New(),
		LoanID:         params.LoanID,
		Direction:      models.DirectionOutbound,
		Status:         models.TransferPending,
		IdempotencyKey: params.IdempotencyKey,
		AmountKes:      params.AmountKes,
		PhoneNumber:    params.PhoneNumber,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&transfer).Error; err != nil {
		return nil, err
	}

	if submit != nil {
		if err := submit(ctx, params); err != nil {
			m.fail(ctx, transfer.ID, fmt.Sprintf("provider submit failed: %v", err))
			return nil, err
		}
	}

	if err := m.db.WithContext(ctx).Model(&models.FiatTransfer{}).
		Where("id = ? AND status = ?", transfer.ID, models.TransferPending).
		Updates(map[string]any{"status": models.TransferPayoutInitiated, "updated_at": m.now()}).Error; err != nil {
		return nil, err
	}
	transfer.Status = models.TransferPayoutInitiated
	return &transfer, nil
}

// HandleDisbursementConfirmedParams carries the fields the provider's
// confirmation webhook supplies.
type HandleDisbursementConfirmedParams struct {
	ProviderRef    string
	IdempotencyKey string
	RawPayload     []byte
	AmountKes      string
	Timestamp      time.Time
}

// HandleDisbursementConfirmed is idempotent on the set of statuses that
// indicate the transfer has already passed PAYOUT_INITIATED. On first
// arrival it verifies the amount, computes and persists proofHash and
// refHash, advances to PAYOUT_CONFIRMED, enqueues RECORD_DISBURSEMENT then
// ACTIVATE_LOAN in order, and advances to CHAIN_RECORD_PENDING.
func (m *DisbursementMachine) HandleDisbursementConfirmed(ctx context.Context, params HandleDisbursementConfirmedParams) (*models.FiatTransfer, error) {
	var transfer models.FiatTransfer
	var result models.FiatTransfer
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&transfer, "idempotency_key = ?", params.IdempotencyKey).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransferNotFound
			}
			return err
		}

		if isAlreadyProcessed(disbursementConfirmedAllowed, transfer.Status) {
			result = transfer
			return nil
		}
		if transfer.Status != models.TransferPayoutInitiated {
			return fmt.Errorf("%w: status=%s", ErrInvalidState, transfer.Status)
		}
		if transfer.AmountKes != "" && transfer.AmountKes != params.AmountKes {
			// The FAILED write happens after the transaction: returning an
			// error here rolls back every write made through tx.
			return ErrAmountMismatch
		}

		refHash := RefHash(params.ProviderRef, transfer.LoanID, string(models.DirectionOutbound))
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
			"status":            models.TransferPayoutConfirmed,
			"updated_at":        now,
		}).Error; err != nil {
			return err
		}

		if _, err := m.actions.Enqueue(ctx, transfer.LoanID, models.ActionRecordDisbursement,
			pipeline.Payload{RecordDisbursement: &pipeline.RecordDisbursementPayload{
				LoanID: transfer.LoanID, RefHash: refHash, ProofHash: proofHash,
			}}, nil); err != nil {
			return fmt.Errorf("fiat: enqueue record_disbursement: %w", err)
		}
		if _, err := m.actions.Enqueue(ctx, transfer.LoanID, models.ActionActivateLoan,
			pipeline.Payload{ActivateLoan: &pipeline.ActivateLoanPayload{
				LoanID: transfer.LoanID, FiatDisbursementRef: params.ProviderRef, ProofHash: proofHash,
			}}, nil); err != nil {
			return fmt.Errorf("fiat: enqueue activate_loan: %w", err)
		}

		if err := tx.Model(&transfer).Updates(map[string]any{
			"status": models.TransferChainRecordPending, "updated_at": m.now(),
		}).Error; err != nil {
			return err
		}
		transfer.Status = models.TransferChainRecordPending
		result = transfer
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAmountMismatch) {
			m.fail(ctx, transfer.ID, "amount mismatch")
		}
		return nil, err
	}
	return &result, nil
}

// OnRecordDisbursementConfirmed advances the loan's latest OUTBOUND
// transfer from CHAIN_RECORD_PENDING to CHAIN_RECORDED.
func (m *DisbursementMachine) OnRecordDisbursementConfirmed(ctx context.Context, loanID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var transfer models.FiatTransfer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("loan_id = ? AND direction = ?", loanID, models.DirectionOutbound).
			Order("created_at DESC").First(&transfer).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if transfer.Status != models.TransferChainRecordPending {
			return nil
		}
		return tx.Model(&transfer).Updates(map[string]any{
			"status": models.TransferChainRecorded, "updated_at": m.now(),
		}).Error
	})
}

// OnActivateLoanConfirmed is the activation guard: it advances the loan's
// latest OUTBOUND transfer to ACTIVATED only if the current status is
// CHAIN_RECORDED. This is the single structural invariant preventing a loan
// from going live on-chain before fiat proof is durable.
func (m *DisbursementMachine) OnActivateLoanConfirmed(ctx context.Context, loanID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var transfer models.FiatTransfer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("loan_id = ? AND direction = ?", loanID, models.DirectionOutbound).
			Order("created_at DESC").First(&transfer).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if transfer.Status != models.TransferChainRecorded {
			slog.InfoContext(ctx, "fiat: activation guard blocked",
				slog.String("loan_id", loanID), slog.String("status", string(transfer.Status)))
			return nil
		}
		return tx.Model(&transfer).Updates(map[string]any{
			"status": models.TransferActivated, "updated_at": m.now(),
		}).Error
	})
}

func (m *DisbursementMachine) fail(ctx context.Context, id uuid.UUID, reason string) {
	now := m.now()
	m.db.WithContext(ctx).Model(&models.FiatTransfer{}).Where("id = ?", id).Updates(map[string]any{
		"status": models.TransferFailed, "failed_at": now, "failure_reason": reason, "updated_at": now,
	})
}

// RefHash computes SHA-256(providerRef || ':' || loanId || ':' || direction)
// lowercase hex, the canonical settlement reference used on-chain.
func RefHash(providerRef, loanID, direction string) string {
	sum := sha256.Sum256([]byte(providerRef + ":" + loanID + ":" + direction))
	return hex.EncodeToString(sum[:])
}

// ProofHash computes SHA-256(canonical(rawPayload)), the tamper-evident
// digest of the verbatim provider webhook payload.
func ProofHash(rawPayload []byte) (string, error) {
	canonical, err := canon.JSON(rawPayload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
