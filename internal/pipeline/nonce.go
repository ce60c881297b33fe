package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nhb-labs/loanbridge/internal/chainsender"
	"github.com/nhb-labs/loanbridge/internal/models"
)

// defaultMaxNonceDrift is the threshold beyond which startup reconciliation
// aborts rather than guessing; operators may widen it via configuration.
const defaultMaxNonceDrift = 5

// ErrNonceDriftTooLarge is returned by Reconcile when the provider and the
// durable signer record disagree by more than the drift threshold.
var ErrNonceDriftTooLarge = fmt.Errorf("pipeline: nonce drift exceeds operator threshold")

// NonceManager serializes nonce assignment for a single signer so the
// on-chain mempool never observes a gap or a duplicate. The contract is the
// single operation WithNonce; everything else is support machinery.
type NonceManager struct {
	mu      sync.Mutex
	db      *gorm.DB
	sender  chainsender.Sender
	signer  string
	chainID string

	maxDrift    int64
	initialised bool
	next        uint64
}

// NewNonceManager constructs a manager for one (signer, chainID) pair.
func NewNonceManager(db *gorm.DB, sender chainsender.Sender, signer, chainID string) *NonceManager {
	return &NonceManager{db: db, sender: sender, signer: signer, chainID: chainID, maxDrift: defaultMaxNonceDrift}
}

// SetMaxDrift overrides the reconciliation drift threshold. It must be
// called before Reconcile; values <= 0 keep the default.
func (m *NonceManager) SetMaxDrift(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxDrift = int64(n)
}

// Reconcile performs startup nonce reconciliation: fetch the provider's
// pending count, compare to the stored signer nonce, and adopt
// max(rpc, db) unless they disagree by more
// than the configured drift threshold, in which case the caller must abort
// startup.
func (m *NonceManager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rpc, err := m.sender.PendingNonce(ctx, m.signer)
	if err != nil {
		return fmt.Errorf("pipeline: reconcile nonce: query provider: %w", err)
	}

	var rec models.SignerNonce
	dbNonce := uint64(0)
	err = m.db.WithContext(ctx).First(&rec, "signer = ? AND chain_id = ?", m.signer, m.chainID).Error
	switch {
	case err == nil:
		dbNonce = rec.Nonce
	case err == gorm.ErrRecordNotFound:
		dbNonce = rpc
	default:
		return fmt.Errorf("pipeline: reconcile nonce: load record: %w", err)
	}

	drift := int64(rpc) - int64(dbNonce)
	if drift < 0 {
		drift = -drift
	}
	if drift > m.maxDrift {
		return fmt.Errorf("%w: rpc=%d db=%d", ErrNonceDriftTooLarge, rpc, dbNonce)
	}

	adopted := dbNonce
	if rpc > dbNonce {
		adopted = rpc
	}
	if err := m.persist(ctx, adopted); err != nil {
		return err
	}
	m.next = adopted
	m.initialised = true
	return nil
}

// Resync clears the in-memory next-nonce so the following call re-reads
// from the provider. Callers MUST invoke it after any out-of-band
// submission such as a bump.
func (m *NonceManager) Resync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialised = false
}

// WithNonce runs sendFn while holding the manager's mutex, guaranteeing at
// most one send is in flight. Waiting callers acquire the mutex in no
// guaranteed order; sync.Mutex does not serve them FIFO. On success the nonce is committed
// (current+1) and durably persisted; on failure the nonce is rolled back so
// the next caller reuses the same value.
func (m *NonceManager) WithNonce(ctx context.Context, sendFn func(nonce uint64) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialised {
		rpc, err := m.sender.PendingNonce(ctx, m.signer)
		if err != nil {
			return fmt.Errorf("pipeline: with_nonce: query provider: %w", err)
		}
		m.next = rpc
		m.initialised = true
	}

	nonce := m.next
	if err := sendFn(nonce); err != nil {
		return err
	}
	if err := m.persist(ctx, nonce+1); err != nil {
		return err
	}
	m.next = nonce + 1
	return nil
}

func (m *NonceManager) persist(ctx context.Context, value uint64) error {
	rec := models.SignerNonce{Signer: m.signer, ChainID: m.chainID, Nonce: value, UpdatedAt: time.Now().UTC()}
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "signer"}, {Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nonce", "updated_at"}),
	}).Create(&rec).Error
}
