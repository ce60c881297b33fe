// Package breaker implements the circuit breaker the installment core
// consumes as two operations — AssertOriginationAllowed and the
// delinquency/default spike evaluators — plus the durable incident/override
// store backing the admin endpoints. Thresholds and global halt flags are
// loaded from a YAML config file at startup.
package breaker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gopkg.in/yaml.v3"

	"github.com/nhb-labs/loanbridge/internal/models"
)

// ErrOriginationBlocked indicates a global or per-partner halt prevents
// loan origination.
type ErrOriginationBlocked struct {
	PartnerID string
	Reason    string
}

func (e *ErrOriginationBlocked) Error() string {
	if e.PartnerID == "" {
		return fmt.Sprintf("breaker: origination blocked globally: %s", e.Reason)
	}
	return fmt.Sprintf("breaker: origination blocked for partner %s: %s", e.PartnerID, e.Reason)
}

// Config holds the YAML-loaded thresholds and global enforcement flags.
type Config struct {
	GlobalBlock            bool `yaml:"global_block"`
	GlobalFreeze           bool `yaml:"global_freeze"`
	RequireManualApproval  bool `yaml:"require_manual_approval"`
	DelinquencySpikeBps    int  `yaml:"delinquency_spike_bps"`
	PartnerDefaultSpikeBps int  `yaml:"partner_default_spike_bps"`
}

// LoadConfig reads breaker configuration from a YAML file on disk.
func LoadConfig(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("breaker: open config: %w", err)
	}
	defer file.Close()
	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("breaker: decode config: %w", err)
	}
	if cfg.DelinquencySpikeBps <= 0 {
		cfg.DelinquencySpikeBps = 2000 // 20%
	}
	if cfg.PartnerDefaultSpikeBps <= 0 {
		cfg.PartnerDefaultSpikeBps = 1000 // 10%
	}
	return cfg, nil
}

// Breaker enforces global and per-partner halts and records thresholded
// incidents. Enforcement flags are held in-process behind a mutex;
// incidents and overrides live in the durable store.
type Breaker struct {
	mu  sync.RWMutex
	cfg Config
	db  *gorm.DB
	now func() time.Time
}

// New constructs a Breaker.
func New(db *gorm.DB, cfg Config) *Breaker {
	return &Breaker{cfg: cfg, db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetGlobalBlock toggles the global halt flag, used by operator tooling.
func (b *Breaker) SetGlobalBlock(blocked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.GlobalBlock = blocked
}

// Status reports the current enforcement flags plus open incident and
// active override counts, matching GET /admin/breaker/status's shape.
type Status struct {
	GlobalBlock           bool
	GlobalFreeze          bool
	RequireManualApproval bool
	OpenIncidentCount     int64
	ActiveOverrideCount   int64
}

// CurrentStatus reads enforcement flags and queries the store for open
// incidents and live overrides.
func (b *Breaker) CurrentStatus(ctx context.Context) (Status, error) {
	b.mu.RLock()
	cfg := b.cfg
	b.mu.RUnlock()

	var openIncidents, activeOverrides int64
	if err := b.db.WithContext(ctx).Model(&models.BreakerIncident{}).
		Where("resolved_at IS NULL").Count(&openIncidents).Error; err != nil {
		return Status{}, err
	}
	now := b.now()
	if err := b.db.WithContext(ctx).Model(&models.BreakerOverride{}).
		Where("expires_at IS NULL OR expires_at > ?", now).Count(&activeOverrides).Error; err != nil {
		return Status{}, err
	}
	return Status{
		GlobalBlock:           cfg.GlobalBlock,
		GlobalFreeze:          cfg.GlobalFreeze,
		RequireManualApproval: cfg.RequireManualApproval,
		OpenIncidentCount:     openIncidents,
		ActiveOverrideCount:   activeOverrides,
	}, nil
}

// AssertOriginationAllowed is the first check loan creation performs. It
// returns *ErrOriginationBlocked when a global halt is active, when the
// partner is not ACTIVE, or when an unresolved CRITICAL incident is open for
// the partner and no matching override is live.
func (b *Breaker) AssertOriginationAllowed(ctx context.Context, partnerID string) error {
	b.mu.RLock()
	globalBlock := b.cfg.GlobalBlock
	b.mu.RUnlock()
	if globalBlock {
		return &ErrOriginationBlocked{Reason: "global halt active"}
	}

	var partner models.Partner
	if err := b.db.WithContext(ctx).First(&partner, "id = ?", partnerID).Error; err != nil {
		return &ErrOriginationBlocked{PartnerID: partnerID, Reason: "partner not found"}
	}
	if partner.Status != models.PartnerActive {
		if ok, _ := b.hasLiveOverride(ctx, partnerID, "PARTNER_NOT_ACTIVE"); ok {
			return nil
		}
		return &ErrOriginationBlocked{PartnerID: partnerID, Reason: fmt.Sprintf("partner status=%s", partner.Status)}
	}

	var openCritical int64
	if err := b.db.WithContext(ctx).Model(&models.BreakerIncident{}).
		Where("partner_id = ? AND severity = ? AND resolved_at IS NULL", partnerID, models.SeverityCritical).
		Count(&openCritical).Error; err != nil {
		return err
	}
	if openCritical > 0 {
		if ok, _ := b.hasLiveOverride(ctx, partnerID, "CRITICAL_INCIDENT"); ok {
			return nil
		}
		return &ErrOriginationBlocked{PartnerID: partnerID, Reason: "open critical incident"}
	}
	return nil
}

func (b *Breaker) hasLiveOverride(ctx context.Context, partnerID, kind string) (bool, error) {
	var count int64
	now := b.now()
	err := b.db.WithContext(ctx).Model(&models.BreakerOverride{}).
		Where("partner_id = ? AND kind = ? AND (expires_at IS NULL OR expires_at > ?)", partnerID, kind, now).
		Count(&count).Error
	return count > 0, err
}

// EvaluateDelinquencySpike is an idempotent thresholded incident creator: if
// rateBps reaches or exceeds the configured threshold and no unresolved incident of
// this kind is already open for the partner, it opens one and returns it;
// otherwise it returns nil.
func (b *Breaker) EvaluateDelinquencySpike(ctx context.Context, partnerID string, rateBps int) (*models.BreakerIncident, error) {
	b.mu.RLock()
	threshold := b.cfg.DelinquencySpikeBps
	b.mu.RUnlock()
	return b.evaluateSpike(ctx, partnerID, "DELINQUENCY_SPIKE", rateBps, threshold, models.SeverityHigh)
}

// EvaluatePartnerDefaultSpike plays the same role for the default-rate
// metric.
func (b *Breaker) EvaluatePartnerDefaultSpike(ctx context.Context, partnerID string, rateBps int) (*models.BreakerIncident, error) {
	b.mu.RLock()
	threshold := b.cfg.PartnerDefaultSpikeBps
	b.mu.RUnlock()
	return b.evaluateSpike(ctx, partnerID, "PARTNER_DEFAULT_SPIKE", rateBps, threshold, models.SeverityCritical)
}

func (b *Breaker) evaluateSpike(ctx context.Context, partnerID, kind string, rateBps, thresholdBps int, severity models.IncidentSeverity) (*models.BreakerIncident, error) {
	if rateBps < thresholdBps {
		return nil, nil
	}
	var existing int64
	if err := b.db.WithContext(ctx).Model(&models.BreakerIncident{}).
		Where("partner_id = ? AND kind = ? AND resolved_at IS NULL", partnerID, kind).
		Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, nil
	}
	pid := uuid.MustParse(partnerID)
	incident := &models.BreakerIncident{
		ID:        uuid.New(),
		Kind:      kind,
		Severity:  severity,
		PartnerID: &pid,
		Detail:    fmt.Sprintf("rate=%dbps threshold=%dbps", rateBps, thresholdBps),
		OpenedAt:  b.now(),
	}
	if err := b.db.WithContext(ctx).Create(incident).Error; err != nil {
		return nil, fmt.Errorf("breaker: create incident: %w", err)
	}
	return incident, nil
}

// RaiseReconIncident converts a HIGH or CRITICAL reconciliation incident
// into an open BreakerIncident for the affected loan's partner. A CRITICAL
// one makes AssertOriginationAllowed halt that partner's origination until
// an operator resolves it; a HIGH one is recorded but does not block
// origination. MEDIUM and below never trip the breaker and return nil. An
// unresolved incident of the same kind for the same partner is not
// duplicated, so a nightly recon run that keeps re-detecting the same
// mismatch opens exactly one row.
func (b *Breaker) RaiseReconIncident(ctx context.Context, incident models.ReconIncident) (*models.BreakerIncident, error) {
	if incident.Severity != models.SeverityHigh && incident.Severity != models.SeverityCritical {
		return nil, nil
	}

	var partnerID *uuid.UUID
	var loan models.Loan
	if err := b.db.WithContext(ctx).First(&loan, "id = ?", incident.LoanID).Error; err == nil && loan.PartnerID != uuid.Nil {
		pid := loan.PartnerID
		partnerID = &pid
	}

	query := b.db.WithContext(ctx).Model(&models.BreakerIncident{}).
		Where("kind = ? AND resolved_at IS NULL", incident.Kind)
	if partnerID != nil {
		query = query.Where("partner_id = ?", *partnerID)
	} else {
		query = query.Where("partner_id IS NULL")
	}
	var existing int64
	if err := query.Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, nil
	}

	row := &models.BreakerIncident{
		ID:        uuid.New(),
		Kind:      incident.Kind,
		Severity:  incident.Severity,
		PartnerID: partnerID,
		Detail:    fmt.Sprintf("loan=%s: %s", incident.LoanID, incident.Detail),
		OpenedAt:  b.now(),
	}
	if err := b.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("breaker: create incident: %w", err)
	}
	return row, nil
}

// ResolveIncident closes an open incident with an operator-supplied note.
func (b *Breaker) ResolveIncident(ctx context.Context, id uuid.UUID, resolvedBy, note string) error {
	now := b.now()
	res := b.db.WithContext(ctx).Model(&models.BreakerIncident{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]any{"resolved_at": now, "resolved_by": resolvedBy, "note": note})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("breaker: incident %s not found or already resolved", id)
	}
	return nil
}

// ListIncidents returns all BreakerIncident rows, newest first.
func (b *Breaker) ListIncidents(ctx context.Context) ([]models.BreakerIncident, error) {
	var out []models.BreakerIncident
	err := b.db.WithContext(ctx).Order("opened_at DESC").Find(&out).Error
	return out, err
}

// ListOverrides returns all BreakerOverride rows, newest first.
func (b *Breaker) ListOverrides(ctx context.Context) ([]models.BreakerOverride, error) {
	var out []models.BreakerOverride
	err := b.db.WithContext(ctx).Order("issued_at DESC").Find(&out).Error
	return out, err
}

// IssueOverride records an operator-issued exception to a blocking breaker
// condition.
func (b *Breaker) IssueOverride(ctx context.Context, partnerID *uuid.UUID, kind, reason, issuedBy string, expiresAt *time.Time) (*models.BreakerOverride, error) {
	override := &models.BreakerOverride{
		ID:        uuid.New(),
		PartnerID: partnerID,
		Kind:      strings.ToUpper(kind),
		Reason:    reason,
		IssuedBy:  issuedBy,
		IssuedAt:  b.now(),
		ExpiresAt: expiresAt,
	}
	if err := b.db.WithContext(ctx).Create(override).Error; err != nil {
		return nil, fmt.Errorf("breaker: create override: %w", err)
	}
	return override, nil
}
