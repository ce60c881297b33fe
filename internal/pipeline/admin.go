package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-labs/loanbridge/internal/models"
)

// ErrActionNotFound is returned when Requeue cannot find the action id.
var ErrActionNotFound = errors.New("pipeline: action not found")

// ErrRequeueRefused is returned when Requeue is called on an action that
// must not be replayed automatically: MINED (terminal success) or
// SENT-with-txHash (a transaction may still be outstanding in the mempool).
var ErrRequeueRefused = errors.New("pipeline: requeue refused")

// Requeue moves a DLQ action back to QUEUED. Only admin replay may perform
// this transition — the automatic pipeline never re-enters a terminal
// state. It is idempotent: requeuing an already-QUEUED action is a no-op
// success.
func (d *Dispatcher) Requeue(ctx context.Context, id uuid.UUID) (*models.ChainAction, error) {
	var updated models.ChainAction
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var action models.ChainAction
		if err := tx.First(&action, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrActionNotFound
			}
			return err
		}
		switch action.State {
		case models.ActionQueued:
			updated = action
			return nil
		case models.ActionMined:
			return fmt.Errorf("%w: action is MINED", ErrRequeueRefused)
		case models.ActionSent:
			if action.TxHash != nil && *action.TxHash != "" {
				return fmt.Errorf("%w: action is SENT with a live txHash", ErrRequeueRefused)
			}
		}
		now := d.now()
		if err := tx.Model(&action).Updates(map[string]any{
			"state":         models.ActionQueued,
			"next_retry_at": now,
			"bump_count":    0,
			"last_error":    "",
			"updated_at":    now,
		}).Error; err != nil {
			return err
		}
		action.State = models.ActionQueued
		updated = action
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
