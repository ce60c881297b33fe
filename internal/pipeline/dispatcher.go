// Package pipeline implements the durable action pipeline: a persistent,
// crash-safe, concurrency-controlled dispatcher translating high-level
// business intents into on-chain transactions with exactly-once submission,
// gap-free nonce assignment, replace-by-fee on stuck transactions, and
// classified retry/DLQ handling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/google/uuid"

	"github.com/nhb-labs/loanbridge/internal/chainsender"
	"github.com/nhb-labs/loanbridge/internal/models"
)

// Default loop periods and thresholds.
const (
	DefaultSenderPeriod  = 2 * time.Second
	DefaultReceiptPeriod = 5 * time.Second
	DefaultStuckPeriod   = 60 * time.Second
	DefaultStuckTxThreshold = 5 * time.Minute
	DefaultBatchSize     = 25
)

// ErrAlreadyEnqueued is returned by Enqueue when actionKey collides with an
// existing row; callers treat it as "already enqueued", not an error.
var ErrAlreadyEnqueued = errors.New("pipeline: action already enqueued")

// GasEstimateFunc supplies a provider gas estimate for an action type. The
// narrow ChainSender capability does not expose a separate estimate call,
// so production wiring plugs in whatever the RPC sender's out-of-band
// estimation reports; tests supply a deterministic stub.
type GasEstimateFunc func(ctx context.Context, actionType models.ActionType) (uint64, error)

// Dispatcher drives every ChainAction from QUEUED to MINED or DLQ via
// three cooperative loops: sender, receipt, and stuck.
type Dispatcher struct {
	db        *gorm.DB
	sender    chainsender.Sender
	nonce     *NonceManager
	gas       GasStrategy
	estimator GasEstimateFunc
	metrics   *Metrics
	tracer    trace.Tracer
	callbacks Callbacks
	now       func() time.Time

	senderPeriod     time.Duration
	receiptPeriod    time.Duration
	stuckPeriod      time.Duration
	stuckTxThreshold time.Duration
	batchSize        int

	paused atomic.Bool
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithCallbacks registers the post-mine hook set.
func WithCallbacks(c Callbacks) Option { return func(d *Dispatcher) { d.callbacks = c } }

// SetCallbacks registers the post-mine hook set after construction. Callers
// needing the dispatcher itself to build their callbacks (the fiat machines
// depend on Dispatcher as their ActionEnqueuer) wire it this way instead of
// via WithCallbacks; it MUST be called before Run to avoid a data race with
// the receipt loop.
func (d *Dispatcher) SetCallbacks(c Callbacks) { d.callbacks = c }

// WithGasEstimator overrides the default fixed gas estimator.
func WithGasEstimator(f GasEstimateFunc) Option { return func(d *Dispatcher) { d.estimator = f } }

// WithGasStrategy overrides the zero-value gas strategy, e.g. to set the
// configured bump factor.
func WithGasStrategy(g GasStrategy) Option { return func(d *Dispatcher) { d.gas = g } }

// WithMaxNonceDrift overrides the startup nonce-reconciliation drift
// threshold on the dispatcher's nonce manager.
func WithMaxNonceDrift(n int) Option { return func(d *Dispatcher) { d.nonce.SetMaxDrift(n) } }

// WithClock overrides the dispatcher's time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithPeriods overrides the three loop periods and the stuck-tx threshold.
func WithPeriods(sender, receipt, stuck, stuckThreshold time.Duration) Option {
	return func(d *Dispatcher) {
		d.senderPeriod, d.receiptPeriod, d.stuckPeriod, d.stuckTxThreshold = sender, receipt, stuck, stuckThreshold
	}
}

// NewDispatcher constructs a Dispatcher for one signer over db and sender.
func NewDispatcher(db *gorm.DB, sender chainsender.Sender, signer, chainID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		db:               db,
		sender:           sender,
		nonce:            NewNonceManager(db, sender, signer, chainID),
		metrics:          PipelineMetrics(),
		tracer:           otel.Tracer("loanbridge/pipeline"),
		now:              func() time.Time { return time.Now().UTC() },
		senderPeriod:     DefaultSenderPeriod,
		receiptPeriod:    DefaultReceiptPeriod,
		stuckPeriod:      DefaultStuckPeriod,
		stuckTxThreshold: DefaultStuckTxThreshold,
		batchSize:        DefaultBatchSize,
		estimator: func(ctx context.Context, t models.ActionType) (uint64, error) {
			return 200_000, nil
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue accepts one intent and persists it as a QUEUED ChainAction. It is
// idempotent iff actionKey is provided: a duplicate key yields
// ErrAlreadyEnqueued wrapping the existing action's id.
func (d *Dispatcher) Enqueue(ctx context.Context, loanID string, actionType models.ActionType, payload Payload, actionKey *string) (*models.ChainAction, error) {
	payload.Type = actionType
	encoded, err := payload.Marshal()
	if err != nil {
		return nil, err
	}

	var created models.ChainAction
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if actionKey != nil {
			var existing models.ChainAction
			err := tx.First(&existing, "action_key = ?", *actionKey).Error
			if err == nil {
				created = existing
				return fmt.Errorf("%w: id=%s", ErrAlreadyEnqueued, existing.ID)
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		now := d.now()
		created = models.ChainAction{
			ID:        uuid.New(),
			ActionKey: actionKey,
			LoanID:    loanID,
			Type:      actionType,
			Payload:   encoded,
			State:     models.ActionQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyEnqueued) {
			return &created, err
		}
		return nil, err
	}
	return &created, nil
}

// RecoverStartup atomically re-marks actions left in PROCESSING from a
// prior crash as QUEUED so the sender loop picks them back up.
func (d *Dispatcher) RecoverStartup(ctx context.Context) error {
	now := d.now()
	return d.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("state = ?", models.ActionProcessing).
		Updates(map[string]any{
			"state":         models.ActionQueued,
			"next_retry_at": now,
			"last_error":    "reset: worker crash during PROCESSING",
			"updated_at":    now,
		}).Error
}

// ReconcileNonce runs startup nonce reconciliation against the
// dispatcher's signer: it compares the provider's pending nonce to the
// durably stored signer nonce and aborts
// with ErrNonceDriftTooLarge if they disagree by more than the operator
// threshold. Callers MUST invoke this once before Run, alongside
// RecoverStartup, so the sender loop never assigns nonces from an
// unreconciled starting point.
func (d *Dispatcher) ReconcileNonce(ctx context.Context) error {
	return d.nonce.Reconcile(ctx)
}

// Pause halts the sender loop from picking up new work; in-flight sends are
// never interrupted.
func (d *Dispatcher) Pause() {
	d.paused.Store(true)
	d.metrics.Paused.Set(1)
}

// Resume re-enables the sender loop.
func (d *Dispatcher) Resume() {
	d.paused.Store(false)
	d.metrics.Paused.Set(0)
}

// Paused reports the dispatcher's current pause state.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Run starts the three cooperative loops and blocks until ctx is cancelled.
// RecoverStartup MUST be called once before Run.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); d.loop(ctx, "sender", d.senderPeriod, d.runSenderLoop) }()
	go func() { defer wg.Done(); d.loop(ctx, "receipt", d.receiptPeriod, d.runReceiptLoop) }()
	go func() { defer wg.Done(); d.loop(ctx, "stuck", d.stuckPeriod, d.runStuckLoop) }()
	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, name string, period time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := d.now()
			fn(ctx)
			d.metrics.LoopLatencySecond.WithLabelValues(name).Observe(d.now().Sub(start).Seconds())
		}
	}
}

// ---- sender loop ----

func (d *Dispatcher) runSenderLoop(ctx context.Context) {
	if d.paused.Load() {
		return
	}
	var batch []models.ChainAction
	now := d.now()
	err := d.db.WithContext(ctx).
		Where("state = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.ActionQueued, now).
		Order("created_at ASC").
		Limit(d.batchSize).
		Find(&batch).Error
	if err != nil {
		slog.ErrorContext(ctx, "pipeline: sender loop query failed", slog.Any("error", err))
		return
	}
	for _, action := range batch {
		if d.paused.Load() {
			return
		}
		d.processQueuedAction(ctx, action)
	}
}

func (d *Dispatcher) processQueuedAction(ctx context.Context, action models.ChainAction) {
	ctx, span := d.tracer.Start(ctx, "pipeline.sender_loop", trace.WithAttributes(
		attribute.String("action.id", action.ID.String()),
		attribute.String("action.type", string(action.Type)),
	))
	defer span.End()

	now := d.now()
	res := d.db.WithContext(ctx).Model(&models.ChainAction{}).
		Where("id = ? AND state = ?", action.ID, models.ActionQueued).
		Updates(map[string]any{"state": models.ActionProcessing, "updated_at": now})
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	if action.TxHash != nil && *action.TxHash != "" {
		d.markSent(ctx, action.ID, *action.TxHash, action.Nonce, action.SentAt)
		return
	}

	payload, err := UnmarshalPayload(action.Payload)
	if err != nil {
		d.handleSendFailure(ctx, action, fmt.Errorf("invalid payload: %w", err))
		return
	}
	calldata, err := payload.ToCalldataMap()
	if err != nil {
		d.handleSendFailure(ctx, action, fmt.Errorf("calldata build: %w", err))
		return
	}

	estimate, err := d.estimator(ctx, action.Type)
	if err != nil {
		d.handleSendFailure(ctx, action, err)
		return
	}
	if _, err := d.gas.EstimateGasLimit(action.Type, estimate); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gas ceiling exceeded")
		d.dlq(ctx, action.ID, err.Error())
		d.metrics.ActionsDLQ.WithLabelValues(string(action.Type), "gas_ceiling").Inc()
		return
	}

	var txHash string
	var assignedNonce uint64
	sendErr := d.nonce.WithNonce(ctx, func(nonce uint64) error {
		result, err := d.sender.SendAction(ctx, chainsender.SendRequest{
			ActionID: action.ID.String(),
			Type:     string(action.Type),
			Payload:  calldata,
		})
		if err != nil {
			return err
		}
		txHash = result.TxHash
		assignedNonce = nonce
		// Persist tx_hash/nonce before the state transition so a crash
		// between submission and the SENT write is recoverable without a
		// double-send: the sender loop's "txHash already present" branch
		// picks this row back up on restart.
		return d.db.WithContext(ctx).Model(&models.ChainAction{}).
			Where("id = ?", action.ID).
			Updates(map[string]any{"tx_hash": txHash, "nonce": assignedNonce, "updated_at": d.now()}).Error
	})
	if sendErr != nil {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "send failed")
		if IsNonceConflict(sendErr.Error()) {
			d.metrics.NonceConflicts.Inc()
			d.nonce.Resync()
		}
		d.handleSendFailure(ctx, action, sendErr)
		return
	}

	nonceCopy := assignedNonce
	d.markSent(ctx, action.ID, txHash, &nonceCopy, nil)
}

func (d *Dispatcher) markSent(ctx context.Context, id uuid.UUID, txHash string, nonce *uint64, existingSentAt *time.Time) {
	now := d.now()
	sentAt := now
	if existingSentAt != nil {
		sentAt = *existingSentAt
	}
	updates := map[string]any{
		"state":      models.ActionSent,
		"tx_hash":    txHash,
		"sent_at":    sentAt,
		"updated_at": now,
	}
	if nonce != nil {
		updates["nonce"] = *nonce
	}
	if err := d.db.WithContext(ctx).Model(&models.ChainAction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		slog.ErrorContext(ctx, "pipeline: mark sent failed", slog.Any("error", err))
		return
	}
	var action models.ChainAction
	if err := d.db.WithContext(ctx).First(&action, "id = ?", id).Error; err == nil {
		d.metrics.ActionsSent.WithLabelValues(string(action.Type)).Inc()
	}
}

func (d *Dispatcher) handleSendFailure(ctx context.Context, action models.ChainAction, sendErr error) {
	attempts := action.Attempts + 1
	classification := Classify(sendErr.Error())
	now := d.now()

	if classification == ClassifyRetry && attempts < MaxRetries {
		backoff := time.Duration(1<<uint(attempts)) * time.Second
		nextRetry := now.Add(backoff)
		d.db.WithContext(ctx).Model(&models.ChainAction{}).Where("id = ?", action.ID).Updates(map[string]any{
			"state":         models.ActionQueued,
			"attempts":      attempts,
			"next_retry_at": nextRetry,
			"last_error":    sendErr.Error(),
			"updated_at":    now,
		})
		d.metrics.ActionsRetried.WithLabelValues(string(action.Type)).Inc()
		return
	}

	reason := sendErr.Error()
	if classification == ClassifyRetry && attempts >= MaxRetries {
		reason = fmt.Sprintf("max retries exceeded: %s", sendErr.Error())
	}
	d.dlq(ctx, action.ID, reason)
	d.db.WithContext(ctx).Model(&models.ChainAction{}).Where("id = ?", action.ID).Updates(map[string]any{"attempts": attempts})
	d.metrics.ActionsDLQ.WithLabelValues(string(action.Type), "classified").Inc()
}

func (d *Dispatcher) dlq(ctx context.Context, id uuid.UUID, reason string) {
	now := d.now()
	d.db.WithContext(ctx).Model(&models.ChainAction{}).Where("id = ?", id).Updates(map[string]any{
		"state":      models.ActionDLQ,
		"dlq_at":     now,
		"last_error": reason,
		"updated_at": now,
	})
}

// ---- receipt loop ----

func (d *Dispatcher) runReceiptLoop(ctx context.Context) {
	var batch []models.ChainAction
	err := d.db.WithContext(ctx).
		Where("state = ?", models.ActionSent).
		Order("sent_at ASC").
		Limit(d.batchSize).
		Find(&batch).Error
	if err != nil {
		slog.ErrorContext(ctx, "pipeline: receipt loop query failed", slog.Any("error", err))
		return
	}
	for _, action := range batch {
		d.processSentAction(ctx, action)
	}
}

func (d *Dispatcher) processSentAction(ctx context.Context, action models.ChainAction) {
	if action.TxHash == nil {
		return
	}
	ctx, span := d.tracer.Start(ctx, "pipeline.receipt_loop", trace.WithAttributes(
		attribute.String("action.id", action.ID.String()),
	))
	defer span.End()

	receipt, err := d.sender.GetReceipt(ctx, *action.TxHash)
	if err != nil {
		if errors.Is(err, chainsender.ErrReceiptPending) {
			return
		}
		span.RecordError(err)
		return
	}

	now := d.now()
	switch receipt.Status {
	case chainsender.StatusSuccess:
		blockNumber := receipt.BlockNumber
		gasUsed := receipt.GasUsed
		d.db.WithContext(ctx).Model(&models.ChainAction{}).Where("id = ?", action.ID).Updates(map[string]any{
			"state":        models.ActionMined,
			"mined_at":     now,
			"block_number": blockNumber,
			"gas_used":     gasUsed,
			"updated_at":   now,
		})
		d.metrics.ActionsMined.WithLabelValues(string(action.Type)).Inc()
		d.fireMinedCallback(ctx, action, receipt)
	case chainsender.StatusReverted:
		d.db.WithContext(ctx).Model(&models.ChainAction{}).Where("id = ?", action.ID).Updates(map[string]any{
			"state":         models.ActionFailed,
			"revert_reason": receipt.RevertReason,
			"last_error":    "execution reverted: " + receipt.RevertReason,
			"updated_at":    now,
		})
		span.SetStatus(codes.Error, "execution reverted")
		d.handleSendFailure(ctx, action, fmt.Errorf("execution reverted: %s", receipt.RevertReason))
	}
}

func (d *Dispatcher) fireMinedCallback(ctx context.Context, action models.ChainAction, receipt chainsender.Receipt) {
	switch action.Type {
	case models.ActionCreateLoan:
		d.callbacks.fireLoanTransitioned(ctx, action.LoanID, receipt.LoanContract)
	case models.ActionRecordDisbursement:
		d.callbacks.fireFiatRecordConfirmed(ctx, action.LoanID)
	case models.ActionActivateLoan:
		d.callbacks.fireActivationConfirmed(ctx, action.LoanID)
	case models.ActionRepay:
		d.callbacks.fireFiatRepayConfirmed(ctx, action.LoanID)
	}
}

// ---- stuck loop ----

func (d *Dispatcher) runStuckLoop(ctx context.Context) {
	threshold := d.now().Add(-d.stuckTxThreshold)
	var batch []models.ChainAction
	err := d.db.WithContext(ctx).
		Where("state = ? AND sent_at < ? AND bump_count < ?", models.ActionSent, threshold, MaxBumpCount).
		Order("sent_at ASC").
		Limit(d.batchSize).
		Find(&batch).Error
	if err != nil {
		slog.ErrorContext(ctx, "pipeline: stuck loop query failed", slog.Any("error", err))
		return
	}
	for _, action := range batch {
		d.bumpAction(ctx, action)
	}
}

func (d *Dispatcher) bumpAction(ctx context.Context, action models.ChainAction) {
	if action.Nonce == nil {
		return
	}
	ctx, span := d.tracer.Start(ctx, "pipeline.stuck_loop", trace.WithAttributes(
		attribute.String("action.id", action.ID.String()),
		attribute.Int("bump_count", action.BumpCount),
	))
	defer span.End()

	now := d.now()
	d.db.WithContext(ctx).Model(&models.ChainAction{}).Where("id = ?", action.ID).Updates(map[string]any{
		"state": models.ActionRetrying, "updated_at": now,
	})

	payload, err := UnmarshalPayload(action.Payload)
	if err != nil {
		d.dlq(ctx, action.ID, fmt.Sprintf("bump decode failure: %v", err))
		return
	}
	calldata, err := payload.ToCalldataMap()
	if err != nil {
		d.dlq(ctx, action.ID, fmt.Sprintf("bump calldata failure: %v", err))
		return
	}

	result, err := d.sender.BumpAndReplace(ctx, chainsender.BumpRequest{
		Type:    string(action.Type),
		Payload: calldata,
		Nonce:   *action.Nonce,
	})
	d.nonce.Resync()
	bumpCount := action.BumpCount + 1
	if err != nil {
		span.RecordError(err)
		attempts := action.Attempts + 1
		// Persist the attempted bump before deciding what to do with the
		// failure: a bump that fails every time must still march toward
		// the caps instead of retrying forever with frozen counters.
		d.db.WithContext(ctx).Model(&models.ChainAction{}).Where("id = ?", action.ID).Updates(map[string]any{
			"bump_count": bumpCount,
			"attempts":   attempts,
			"last_error": err.Error(),
			"updated_at": d.now(),
		})
		if bumpCount >= MaxBumpCount {
			d.dlq(ctx, action.ID, fmt.Sprintf("bump cap exceeded: %v", err))
			d.metrics.ActionsDLQ.WithLabelValues(string(action.Type), "bump_cap").Inc()
			return
		}
		if Classify(err.Error()) == ClassifyDLQ {
			d.dlq(ctx, action.ID, err.Error())
			d.metrics.ActionsDLQ.WithLabelValues(string(action.Type), "classified").Inc()
			return
		}
		if attempts >= MaxRetries {
			d.dlq(ctx, action.ID, fmt.Sprintf("max retries exceeded: %v", err))
			d.metrics.ActionsDLQ.WithLabelValues(string(action.Type), "classified").Inc()
			return
		}
		d.db.WithContext(ctx).Model(&models.ChainAction{}).Where("id = ?", action.ID).Updates(map[string]any{
			"state": models.ActionSent, "updated_at": d.now(),
		})
		return
	}

	d.metrics.BumpCount.WithLabelValues(string(action.Type)).Inc()
	d.db.WithContext(ctx).Model(&models.ChainAction{}).Where("id = ?", action.ID).Updates(map[string]any{
		"state":      models.ActionSent,
		"tx_hash":    result.TxHash,
		"bump_count": bumpCount,
		"updated_at": d.now(),
	})
}
