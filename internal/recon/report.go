package recon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nhb-labs/loanbridge/internal/bigdec"
	"github.com/nhb-labs/loanbridge/internal/models"
)

// partnerKey renders a loan's partner reference for grouping, falling back
// to "UNASSIGNED" for loans with no partner set.
func partnerKey(id uuid.UUID) string {
	if id == uuid.Nil {
		return "UNASSIGNED"
	}
	return id.String()
}

// dpdBucket names the delinquency distribution buckets in the daily
// report: 0-5, 6-15, 16-30 and 31+ days past due, each range inclusive.
type dpdBucket string

const (
	bucket0to5   dpdBucket = "0-5"
	bucket6to15  dpdBucket = "6-15"
	bucket16to30 dpdBucket = "16-30"
	bucket31plus dpdBucket = "31+"
)

// poolRollup is one pool's (or the global) aggregate for the daily report.
type poolRollup struct {
	Pool                string            `json:"pool"`
	ActiveLoanCount     int               `json:"active_loan_count"`
	OutstandingPrincipal string           `json:"outstanding_principal"`
	OutstandingInterest  string           `json:"outstanding_interest"`
	OutstandingPenalty   string           `json:"outstanding_penalty"`
	FiatRepaymentTotal   string           `json:"fiat_repayment_total"`
	ChainRepaymentTotal  string           `json:"chain_repayment_total"`
	DelinquencyBuckets   map[string]int   `json:"delinquency_buckets"`
	DefaultList          []string         `json:"default_list"`
}

// dailyReportDoc is the JSON document persisted (via ReconReport.SummaryJSON)
// for the daily-report job.
type dailyReportDoc struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Global      poolRollup   `json:"global"`
	Pools       []poolRollup `json:"pools"`
}

// DailyReportBuilder produces the per-pool and global rollup report.
// Partner ID stands in for "pool" since loans carry no separate pool field.
type DailyReportBuilder struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDailyReportBuilder constructs a DailyReportBuilder.
func NewDailyReportBuilder(db *gorm.DB) *DailyReportBuilder {
	return &DailyReportBuilder{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Build generates the daily report and persists it as a ReconReport row
// carrying a SHA-256 checksum of its JSON for archival integrity.
func (b *DailyReportBuilder) Build(ctx context.Context) (*models.ReconReport, error) {
	now := b.now()

	var loans []models.Loan
	if err := b.db.WithContext(ctx).Where("status = ?", models.LoanStatusActive).Find(&loans).Error; err != nil {
		return nil, fmt.Errorf("recon: report: list active loans: %w", err)
	}

	byPool := map[string][]models.Loan{}
	for _, l := range loans {
		byPool[partnerKey(l.PartnerID)] = append(byPool[partnerKey(l.PartnerID)], l)
	}

	pools := make([]poolRollup, 0, len(byPool))
	for pool, ls := range byPool {
		rollup, err := b.rollup(ctx, pool, ls)
		if err != nil {
			return nil, err
		}
		pools = append(pools, rollup)
	}
	global, err := b.rollup(ctx, "GLOBAL", loans)
	if err != nil {
		return nil, err
	}

	doc := dailyReportDoc{GeneratedAt: now, Global: global, Pools: pools}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("recon: report: marshal: %w", err)
	}
	checksum := sha256.Sum256(raw)

	report := &models.ReconReport{
		ID:           uuid.New(),
		RunAt:        now,
		LoansChecked: len(loans),
		SummaryJSON:  string(raw),
		Checksum:     hex.EncodeToString(checksum[:]),
		CreatedAt:    now,
	}
	if err := b.db.WithContext(ctx).Create(report).Error; err != nil {
		return nil, fmt.Errorf("recon: report: persist: %w", err)
	}
	return report, nil
}

func (b *DailyReportBuilder) rollup(ctx context.Context, pool string, loans []models.Loan) (poolRollup, error) {
	buckets := map[string]int{string(bucket0to5): 0, string(bucket6to15): 0, string(bucket16to30): 0, string(bucket31plus): 0}
	var defaultList []string
	principalSum, _ := bigdec.Parse("0")
	interestSum, _ := bigdec.Parse("0")
	penaltySum, _ := bigdec.Parse("0")

	for _, loan := range loans {
		var entries []models.InstallmentEntry
		if err := b.db.WithContext(ctx).
			Where("loan_id = ? AND status NOT IN ?", loan.ID, []models.EntryStatus{models.EntryPaid, models.EntryWaived}).
			Find(&entries).Error; err != nil {
			return poolRollup{}, fmt.Errorf("recon: report: list entries loan=%s: %w", loan.ID, err)
		}
		loanDefaulted := false
		for _, e := range entries {
			pDue, _ := bigdec.Parse(e.PrincipalDue)
			pPaid, _ := bigdec.Parse(e.PrincipalPaid)
			iDue, _ := bigdec.Parse(e.InterestDue)
			iPaid, _ := bigdec.Parse(e.InterestPaid)
			pen, _ := bigdec.Parse(e.PenaltyAccrued)
			principalSum = bigdec.Add(principalSum, bigdec.Sub(pDue, pPaid))
			interestSum = bigdec.Add(interestSum, bigdec.Sub(iDue, iPaid))
			penaltySum = bigdec.Add(penaltySum, pen)

			switch {
			case e.DaysPastDue <= 5:
				buckets[string(bucket0to5)]++
			case e.DaysPastDue <= 15:
				buckets[string(bucket6to15)]++
			case e.DaysPastDue <= 30:
				buckets[string(bucket16to30)]++
			default:
				buckets[string(bucket31plus)]++
			}
			if e.AccrualStatus == models.AccrualDefaulted {
				loanDefaulted = true
			}
		}
		if loanDefaulted {
			defaultList = append(defaultList, loan.ID)
		}
	}

	fiatSum, chainSum, err := b.repaymentTotals(ctx, loans)
	if err != nil {
		return poolRollup{}, err
	}

	return poolRollup{
		Pool:                 pool,
		ActiveLoanCount:      len(loans),
		OutstandingPrincipal: bigdec.String(principalSum),
		OutstandingInterest:  bigdec.String(interestSum),
		OutstandingPenalty:   bigdec.String(penaltySum),
		FiatRepaymentTotal:   fiatSum,
		ChainRepaymentTotal:  chainSum,
		DelinquencyBuckets:   buckets,
		DefaultList:          defaultList,
	}, nil
}

func (b *DailyReportBuilder) repaymentTotals(ctx context.Context, loans []models.Loan) (fiatTotal, chainTotal string, err error) {
	fiatSum, _ := bigdec.Parse("0")
	loanIDs := make([]string, 0, len(loans))
	for _, l := range loans {
		loanIDs = append(loanIDs, l.ID)
	}
	if len(loanIDs) == 0 {
		return "0", "0", nil
	}
	var transfers []models.FiatTransfer
	if err := b.db.WithContext(ctx).
		Where("loan_id IN ? AND direction = ? AND confirmed_at IS NOT NULL", loanIDs, models.DirectionInbound).
		Find(&transfers).Error; err != nil {
		return "", "", fmt.Errorf("recon: report: list repayments: %w", err)
	}
	chainSum, _ := bigdec.Parse("0")
	for _, t := range transfers {
		amt, perr := bigdec.Parse(t.AmountKes)
		if perr != nil {
			continue
		}
		fiatSum = bigdec.Add(fiatSum, amt)
		if t.Status == models.TransferChainRepayConfirmed {
			chainSum = bigdec.Add(chainSum, amt)
		}
	}
	return bigdec.String(fiatSum), bigdec.String(chainSum), nil
}
