package breaker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-labs/loanbridge/internal/models"
)

// PartnerMetric is one partner's daily delinquency/default rate, in basis
// points, computed against its ACTIVE-loan population.
type PartnerMetric struct {
	PartnerID       string
	DelinquencyBps  int
	DefaultBps      int
	ActiveLoanCount int
}

// ComputeDailyMetrics is the daily evaluation job: for every partner with
// at least one ACTIVE loan, it computes the share of entries currently
// delinquent and the share of loans carrying a DEFAULTED entry.
func ComputeDailyMetrics(ctx context.Context, db *gorm.DB) ([]PartnerMetric, error) {
	var loans []models.Loan
	if err := db.WithContext(ctx).Where("status = ?", models.LoanStatusActive).Find(&loans).Error; err != nil {
		return nil, fmt.Errorf("breaker: metrics: list active loans: %w", err)
	}

	byPartner := map[string][]models.Loan{}
	for _, l := range loans {
		if l.PartnerID == uuid.Nil {
			continue
		}
		key := l.PartnerID.String()
		byPartner[key] = append(byPartner[key], l)
	}

	out := make([]PartnerMetric, 0, len(byPartner))
	for partnerID, ls := range byPartner {
		defaulted := 0
		delinquentEntries := 0
		totalEntries := 0
		for _, loan := range ls {
			var entries []models.InstallmentEntry
			if err := db.WithContext(ctx).Where("loan_id = ?", loan.ID).Find(&entries).Error; err != nil {
				return nil, fmt.Errorf("breaker: metrics: list entries loan=%s: %w", loan.ID, err)
			}
			loanDefaulted := false
			for _, e := range entries {
				totalEntries++
				switch e.AccrualStatus {
				case models.AccrualDelinquent, models.AccrualDefaultCand, models.AccrualDefaulted:
					delinquentEntries++
				}
				if e.AccrualStatus == models.AccrualDefaulted {
					loanDefaulted = true
				}
			}
			if loanDefaulted {
				defaulted++
			}
		}

		delinquencyBps := 0
		if totalEntries > 0 {
			delinquencyBps = delinquentEntries * 10_000 / totalEntries
		}
		defaultBps := 0
		if len(ls) > 0 {
			defaultBps = defaulted * 10_000 / len(ls)
		}
		out = append(out, PartnerMetric{
			PartnerID:       partnerID,
			DelinquencyBps:  delinquencyBps,
			DefaultBps:      defaultBps,
			ActiveLoanCount: len(ls),
		})
	}
	return out, nil
}

// Feed is the breaker feed job: it computes the daily metrics and evaluates
// both spike conditions for every partner, opening incidents where
// thresholds are crossed.
func (b *Breaker) Feed(ctx context.Context) error {
	metrics, err := ComputeDailyMetrics(ctx, b.db)
	if err != nil {
		return err
	}
	for _, m := range metrics {
		if _, err := b.EvaluateDelinquencySpike(ctx, m.PartnerID, m.DelinquencyBps); err != nil {
			return fmt.Errorf("breaker: feed: delinquency partner=%s: %w", m.PartnerID, err)
		}
		if _, err := b.EvaluatePartnerDefaultSpike(ctx, m.PartnerID, m.DefaultBps); err != nil {
			return fmt.Errorf("breaker: feed: default partner=%s: %w", m.PartnerID, err)
		}
	}
	return nil
}
