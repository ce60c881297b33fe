// Package recon implements the scheduled integrity jobs: balance
// reconciliation, accounting integrity (schedule-hash + accrual
// double-charge checks), settlement integrity, and the daily report. Every
// run persists its report and incident rows to the store; the alert hook
// fires once per raised incident.
package recon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-labs/loanbridge/internal/bigdec"
	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/schedule"
)

// Tolerances for the balance and timing drift checks.
const (
	balanceToleranceMinorUnits = 1_000_000 // 1 USDC at 6 decimals
	timingDriftToleranceSecs   = 3600
)

// AlertFunc is invoked for every incident raised during a run; the breaker
// wiring implementation turns CRITICAL/HIGH incidents into breaker trips.
type AlertFunc func(ctx context.Context, incident models.ReconIncident) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB    *gorm.DB
	Now   func() time.Time
	Alert AlertFunc
	Log   *slog.Logger
}

// Reconciler runs the balance and accounting integrity checks.
type Reconciler struct {
	db    *gorm.DB
	now   func() time.Time
	alert AlertFunc
	log   *slog.Logger
}

// New constructs a Reconciler.
func New(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, models.ReconIncident) error { return nil }
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{db: cfg.DB, now: now, alert: alert, log: log}
}

// Result summarises one reconciliation run.
type Result struct {
	Report    models.ReconReport
	Incidents []models.ReconIncident
}

// reportSummary is the JSON shape persisted into ReconReport.SummaryJSON.
type reportSummary struct {
	LoansChecked   int      `json:"loans_checked"`
	IncidentKinds  []string `json:"incident_kinds"`
	CriticalCount  int      `json:"critical_count"`
}

// Run executes the balance-reconciliation and accounting-integrity passes
// over every ACTIVE loan with a schedule and persists one ReconReport plus
// its ReconIncident rows.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	reportID := uuid.New()
	now := r.now()

	var loans []models.Loan
	if err := r.db.WithContext(ctx).Where("status = ?", models.LoanStatusActive).Find(&loans).Error; err != nil {
		return nil, fmt.Errorf("recon: list active loans: %w", err)
	}

	var incidents []models.ReconIncident
	kinds := map[string]bool{}
	critical := 0

	for _, loan := range loans {
		var sched models.InstallmentSchedule
		hasSchedule := r.db.WithContext(ctx).First(&sched, "loan_id = ?", loan.ID).Error == nil
		if !hasSchedule {
			continue
		}

		if inc := r.checkBalance(ctx, loan, sched, reportID, now); inc != nil {
			incidents = append(incidents, *inc)
		}
		if inc := r.checkScheduleHash(ctx, loan, sched, reportID, now); inc != nil {
			incidents = append(incidents, *inc)
		}
		if incs := r.checkAccrualDoubleCharge(ctx, loan, reportID, now); len(incs) > 0 {
			incidents = append(incidents, incs...)
		}
		if inc := r.checkTimingDrift(ctx, loan, reportID, now); inc != nil {
			incidents = append(incidents, *inc)
		}
	}

	for i := range incidents {
		if err := r.db.WithContext(ctx).Create(&incidents[i]).Error; err != nil {
			return nil, fmt.Errorf("recon: persist incident: %w", err)
		}
		kinds[incidents[i].Kind] = true
		if incidents[i].Severity == models.SeverityCritical {
			critical++
		}
		ReconMetrics().AnomaliesByType.WithLabelValues(incidents[i].Kind).Inc()
		if err := r.alert(ctx, incidents[i]); err != nil {
			r.log.WarnContext(ctx, "recon: alert delivery failed", slog.String("err", err.Error()))
		}
	}

	kindList := make([]string, 0, len(kinds))
	for k := range kinds {
		kindList = append(kindList, k)
	}
	summary := reportSummary{LoansChecked: len(loans), IncidentKinds: kindList, CriticalCount: critical}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("recon: marshal summary: %w", err)
	}
	checksum := sha256.Sum256(summaryJSON)

	report := models.ReconReport{
		ID:            reportID,
		RunAt:         now,
		LoansChecked:  len(loans),
		CriticalCount: critical,
		SummaryJSON:   string(summaryJSON),
		Checksum:      hex.EncodeToString(checksum[:]),
		CreatedAt:     now,
	}
	if err := r.db.WithContext(ctx).Create(&report).Error; err != nil {
		return nil, fmt.Errorf("recon: persist report: %w", err)
	}

	return &Result{Report: report, Incidents: incidents}, nil
}

// checkBalance computes backendTotal = Σ(remainingPrincipal + remainingInterest
// + penaltyAccrued) over unpaid entries and compares it to the loan's
// on-chain principal proxy.
func (r *Reconciler) checkBalance(ctx context.Context, loan models.Loan, sched models.InstallmentSchedule, reportID uuid.UUID, now time.Time) *models.ReconIncident {
	var entries []models.InstallmentEntry
	if err := r.db.WithContext(ctx).
		Where("loan_id = ? AND status NOT IN ?", loan.ID, []models.EntryStatus{models.EntryPaid, models.EntryWaived}).
		Find(&entries).Error; err != nil {
		r.log.WarnContext(ctx, "recon: list entries failed", slog.String("loan_id", loan.ID), slog.String("err", err.Error()))
		return nil
	}

	backendTotal, err := bigdec.Parse("0")
	if err != nil {
		return nil
	}
	for _, e := range entries {
		principalDue, _ := bigdec.Parse(e.PrincipalDue)
		principalPaid, _ := bigdec.Parse(e.PrincipalPaid)
		interestDue, _ := bigdec.Parse(e.InterestDue)
		interestPaid, _ := bigdec.Parse(e.InterestPaid)
		penalty, _ := bigdec.Parse(e.PenaltyAccrued)
		backendTotal = bigdec.Add(backendTotal, bigdec.Sub(principalDue, principalPaid))
		backendTotal = bigdec.Add(backendTotal, bigdec.Sub(interestDue, interestPaid))
		backendTotal = bigdec.Add(backendTotal, penalty)
	}

	onchain, _ := bigdec.Parse(loan.OnchainPrincipal)
	discrepancy := bigdec.Sub(backendTotal, onchain)
	abs := new(big.Int).Abs(discrepancy)
	if abs.Cmp(big.NewInt(balanceToleranceMinorUnits)) <= 0 {
		return nil
	}

	return &models.ReconIncident{
		ID:         uuid.New(),
		ReportID:   reportID,
		LoanID:     loan.ID,
		Kind:       "BALANCE_MISMATCH",
		Severity:   models.SeverityHigh,
		Detail:     fmt.Sprintf("backendTotal=%s onchain=%s delta=%s", bigdec.String(backendTotal), bigdec.String(onchain), bigdec.String(discrepancy)),
		DeltaMinor: bigdec.String(discrepancy),
		CreatedAt:  now,
	}
}

// checkScheduleHash recomputes the schedule's SHA-256 and compares it to the
// stored hash.
func (r *Reconciler) checkScheduleHash(ctx context.Context, loan models.Loan, sched models.InstallmentSchedule, reportID uuid.UUID, now time.Time) *models.ReconIncident {
	recomputed := schedule.Hash([]byte(sched.ScheduleJSON))
	if recomputed == sched.ScheduleHash {
		return nil
	}
	return &models.ReconIncident{
		ID:        uuid.New(),
		ReportID:  reportID,
		LoanID:    loan.ID,
		Kind:      "SCHEDULE_HASH_MISMATCH",
		Severity:  models.SeverityCritical,
		Detail:    fmt.Sprintf("stored=%s recomputed=%s", sched.ScheduleHash, recomputed),
		CreatedAt: now,
	}
}

// checkTimingDrift compares when the fiat side confirmed the loan's
// disbursement (the expected on-chain confirmation time) against when the
// RECORD_DISBURSEMENT action actually mined. A gap beyond the tolerance is
// a MEDIUM incident: the ledgers still agree on amounts, but the settlement
// lag is outside the window operators expect.
func (r *Reconciler) checkTimingDrift(ctx context.Context, loan models.Loan, reportID uuid.UUID, now time.Time) *models.ReconIncident {
	var transfer models.FiatTransfer
	err := r.db.WithContext(ctx).
		Where("loan_id = ? AND direction = ? AND confirmed_at IS NOT NULL", loan.ID, models.DirectionOutbound).
		Order("created_at DESC").First(&transfer).Error
	if err != nil || transfer.ConfirmedAt == nil {
		return nil
	}

	var action models.ChainAction
	err = r.db.WithContext(ctx).
		Where("loan_id = ? AND type = ? AND state = ? AND mined_at IS NOT NULL", loan.ID, models.ActionRecordDisbursement, models.ActionMined).
		Order("mined_at DESC").First(&action).Error
	if err != nil || action.MinedAt == nil {
		return nil
	}

	drift := action.MinedAt.Sub(*transfer.ConfirmedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift <= timingDriftToleranceSecs*time.Second {
		return nil
	}
	return &models.ReconIncident{
		ID:        uuid.New(),
		ReportID:  reportID,
		LoanID:    loan.ID,
		Kind:      "TIMING_DRIFT",
		Severity:  models.SeverityMedium,
		Detail:    fmt.Sprintf("confirmedAt=%s minedAt=%s driftSeconds=%d", transfer.ConfirmedAt.UTC().Format(time.RFC3339), action.MinedAt.UTC().Format(time.RFC3339), int64(drift.Seconds())),
		CreatedAt: now,
	}
}

// checkAccrualDoubleCharge detects any (entry, hourBucket) pair with more
// than one AccrualSnapshot row, which would mean the unique-constraint
// idempotency guard was bypassed (e.g. a migration rewrite).
func (r *Reconciler) checkAccrualDoubleCharge(ctx context.Context, loan models.Loan, reportID uuid.UUID, now time.Time) []models.ReconIncident {
	var entries []models.InstallmentEntry
	if err := r.db.WithContext(ctx).Where("loan_id = ?", loan.ID).Find(&entries).Error; err != nil {
		return nil
	}
	var out []models.ReconIncident
	for _, e := range entries {
		var buckets []int64
		if err := r.db.WithContext(ctx).Model(&models.AccrualSnapshot{}).
			Where("entry_id = ?", e.ID).
			Group("hour_bucket").Having("COUNT(*) > 1").Pluck("hour_bucket", &buckets).Error; err != nil {
			continue
		}
		for _, b := range buckets {
			out = append(out, models.ReconIncident{
				ID:        uuid.New(),
				ReportID:  reportID,
				LoanID:    loan.ID,
				Kind:      "ACCRUAL_DOUBLE_CHARGE",
				Severity:  models.SeverityCritical,
				Detail:    fmt.Sprintf("entry=%s hourBucket=%d", e.ID, b),
				CreatedAt: now,
			})
		}
	}
	return out
}
