package accrual

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhb-labs/loanbridge/internal/models"
)

const day = int64(86400)

// TestClassifyBoundaries pins the status transitions at their exact
// day/grace boundaries.
func TestClassifyBoundaries(t *testing.T) {
	due := int64(1_700_000_000)
	grace := 3 * day

	status, dpd := Classify(due, due-1, grace)
	require.Equal(t, models.AccrualCurrent, status)
	require.Equal(t, int64(0), dpd)

	status, dpd = Classify(due, due+day, grace)
	require.Equal(t, models.AccrualInGrace, status)
	require.Equal(t, int64(1), dpd)

	status, dpd = Classify(due, due+grace+1, grace)
	require.Equal(t, models.AccrualDelinquent, status)
	require.Equal(t, int64(3), dpd)

	status, dpd = Classify(due, due+14*day, grace)
	require.Equal(t, models.AccrualDefaultCand, status)
	require.Equal(t, int64(14), dpd)

	status, dpd = Classify(due, due+30*day, grace)
	require.Equal(t, models.AccrualDefaulted, status)
	require.Equal(t, int64(30), dpd)
}

func TestWorst(t *testing.T) {
	require.Equal(t, models.AccrualCurrent, Worst(nil))
	require.Equal(t, models.AccrualDefaulted, Worst([]models.EntryAccrualStatus{
		models.AccrualInGrace, models.AccrualDefaulted, models.AccrualDelinquent,
	}))
}

func TestPenaltyDelta(t *testing.T) {
	require.Equal(t, "0", PenaltyDelta(models.AccrualCurrent, big.NewInt(1_000_000), 1200).String())
	require.Equal(t, "0", PenaltyDelta(models.AccrualInGrace, big.NewInt(1_000_000), 1200).String())
	require.Equal(t, "0", PenaltyDelta(models.AccrualDelinquent, big.NewInt(0), 1200).String())
	require.Equal(t, "0", PenaltyDelta(models.AccrualDelinquent, big.NewInt(1_000_000), 0).String())

	// 1_000_000 * 1200 / (10_000 * 8760) truncated
	got := PenaltyDelta(models.AccrualDelinquent, big.NewInt(1_000_000), 1200)
	require.Equal(t, "13", got.String())
}
