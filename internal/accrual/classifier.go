// Package accrual implements the delinquency classifier and the hourly
// idempotent penalty accrual job. All penalty math is truncating integer
// arithmetic on minor units; no floats.
package accrual

import (
	"math/big"

	"github.com/nhb-labs/loanbridge/internal/models"
)

// secondsPerDay divides overdue seconds into daysPastDue.
const secondsPerDay = 86400

// hoursPerYear is the fixed divisor in the hourly penalty formula.
const hoursPerYear = 8760

// severity ranks EntryAccrualStatus from least to most severe for worst().
var severity = map[models.EntryAccrualStatus]int{
	models.AccrualCurrent:     0,
	models.AccrualInGrace:     1,
	models.AccrualDelinquent:  2,
	models.AccrualDefaultCand: 3,
	models.AccrualDefaulted:   4,
}

// Classify is pure and stateless: given a due timestamp, the current time,
// and the schedule's grace period, it returns the accrual status and the
// whole days past due (measured from dueTimestamp regardless of grace).
func Classify(dueTimestamp, nowUnix, gracePeriodSeconds int64) (models.EntryAccrualStatus, int64) {
	overdue := nowUnix - dueTimestamp
	daysPastDue := int64(0)
	if overdue > 0 {
		daysPastDue = overdue / secondsPerDay
	}

	switch {
	case overdue <= 0:
		return models.AccrualCurrent, daysPastDue
	case overdue <= gracePeriodSeconds:
		return models.AccrualInGrace, daysPastDue
	case daysPastDue < 14:
		return models.AccrualDelinquent, daysPastDue
	case daysPastDue < 30:
		return models.AccrualDefaultCand, daysPastDue
	default:
		return models.AccrualDefaulted, daysPastDue
	}
}

// Worst returns the most severe status in statuses; an empty list returns
// CURRENT.
func Worst(statuses []models.EntryAccrualStatus) models.EntryAccrualStatus {
	worst := models.AccrualCurrent
	for _, s := range statuses {
		if severity[s] > severity[worst] {
			worst = s
		}
	}
	return worst
}

// isDelinquent reports whether status counts as "delinquent or worse" for
// the purpose of setting/clearing delinquentSince.
func isDelinquent(status models.EntryAccrualStatus) bool {
	return severity[status] >= severity[models.AccrualDelinquent]
}

// PenaltyDelta computes the hourly penalty accrual:
// overduePrincipal * penaltyAprBps / (10_000 * 8760), truncating. It returns
// zero for CURRENT/IN_GRACE status, zero or negative overdue principal, or a
// non-positive rate.
func PenaltyDelta(status models.EntryAccrualStatus, overduePrincipal *big.Int, penaltyAprBps int) *big.Int {
	if status == models.AccrualCurrent || status == models.AccrualInGrace {
		return big.NewInt(0)
	}
	if penaltyAprBps <= 0 || overduePrincipal == nil || overduePrincipal.Sign() <= 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(overduePrincipal, big.NewInt(int64(penaltyAprBps)))
	denom := big.NewInt(10_000 * hoursPerYear)
	return new(big.Int).Quo(num, denom)
}
