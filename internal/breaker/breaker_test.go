package breaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nhb-labs/loanbridge/internal/breaker"
	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/testutil"
)

func TestAssertOriginationAllowedBlocksOnGlobalHalt(t *testing.T) {
	db := testutil.NewDB(t)
	b := breaker.New(db, breaker.Config{GlobalBlock: true})
	err := b.AssertOriginationAllowed(context.Background(), uuid.New().String())
	require.Error(t, err)
	var blocked *breaker.ErrOriginationBlocked
	require.ErrorAs(t, err, &blocked)
}

func TestAssertOriginationAllowedBlocksSuspendedPartner(t *testing.T) {
	db := testutil.NewDB(t)
	partnerID := uuid.New()
	require.NoError(t, db.Create(&models.Partner{
		ID: partnerID, Name: "acme", Status: models.PartnerSuspended,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)

	b := breaker.New(db, breaker.Config{})
	err := b.AssertOriginationAllowed(context.Background(), partnerID.String())
	require.Error(t, err)
}

func TestAssertOriginationAllowedBlocksOnOpenCriticalIncident(t *testing.T) {
	db := testutil.NewDB(t)
	partnerID := uuid.New()
	require.NoError(t, db.Create(&models.Partner{
		ID: partnerID, Name: "acme", Status: models.PartnerActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)
	require.NoError(t, db.Create(&models.BreakerIncident{
		ID: uuid.New(), Kind: "PARTNER_DEFAULT_SPIKE", Severity: models.SeverityCritical,
		PartnerID: &partnerID, OpenedAt: time.Now(),
	}).Error)

	b := breaker.New(db, breaker.Config{})
	err := b.AssertOriginationAllowed(context.Background(), partnerID.String())
	require.Error(t, err)
}

// TestOverrideLiftsCriticalIncidentBlock covers the override escape hatch:
// a live override for CRITICAL_INCIDENT lets origination through despite the
// open incident.
func TestOverrideLiftsCriticalIncidentBlock(t *testing.T) {
	db := testutil.NewDB(t)
	partnerID := uuid.New()
	require.NoError(t, db.Create(&models.Partner{
		ID: partnerID, Name: "acme", Status: models.PartnerActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)
	require.NoError(t, db.Create(&models.BreakerIncident{
		ID: uuid.New(), Kind: "PARTNER_DEFAULT_SPIKE", Severity: models.SeverityCritical,
		PartnerID: &partnerID, OpenedAt: time.Now(),
	}).Error)

	b := breaker.New(db, breaker.Config{})
	_, err := b.IssueOverride(context.Background(), &partnerID, "CRITICAL_INCIDENT", "reviewed manually", "ops@example.com", nil)
	require.NoError(t, err)

	require.NoError(t, b.AssertOriginationAllowed(context.Background(), partnerID.String()))
}

func TestOverrideExpiryIsRespected(t *testing.T) {
	db := testutil.NewDB(t)
	partnerID := uuid.New()
	require.NoError(t, db.Create(&models.Partner{
		ID: partnerID, Name: "acme", Status: models.PartnerActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)
	require.NoError(t, db.Create(&models.BreakerIncident{
		ID: uuid.New(), Kind: "PARTNER_DEFAULT_SPIKE", Severity: models.SeverityCritical,
		PartnerID: &partnerID, OpenedAt: time.Now(),
	}).Error)

	b := breaker.New(db, breaker.Config{})
	expired := time.Now().Add(-time.Hour)
	_, err := b.IssueOverride(context.Background(), &partnerID, "CRITICAL_INCIDENT", "reviewed manually", "ops@example.com", &expired)
	require.NoError(t, err)

	err = b.AssertOriginationAllowed(context.Background(), partnerID.String())
	require.Error(t, err, "an expired override must not lift the block")
}

// TestEvaluateDelinquencySpikeIsIdempotentWhileOpen covers the thresholded
// incident creator: a second breach while the incident is still open does
// not create a duplicate.
func TestEvaluateDelinquencySpikeIsIdempotentWhileOpen(t *testing.T) {
	db := testutil.NewDB(t)
	partnerID := uuid.New().String()
	b := breaker.New(db, breaker.Config{DelinquencySpikeBps: 2000})

	first, err := b.EvaluateDelinquencySpike(context.Background(), partnerID, 2500)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := b.EvaluateDelinquencySpike(context.Background(), partnerID, 3000)
	require.NoError(t, err)
	require.Nil(t, second, "an already-open incident of this kind must not duplicate")

	var count int64
	require.NoError(t, db.Model(&models.BreakerIncident{}).
		Where("kind = ?", "DELINQUENCY_SPIKE").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestEvaluateDelinquencySpikeBelowThresholdDoesNothing(t *testing.T) {
	db := testutil.NewDB(t)
	b := breaker.New(db, breaker.Config{DelinquencySpikeBps: 2000})
	incident, err := b.EvaluateDelinquencySpike(context.Background(), uuid.New().String(), 1000)
	require.NoError(t, err)
	require.Nil(t, incident)
}

// TestEvaluateDelinquencySpikeReopensAfterResolution covers the idempotency
// guard's other half: once the open incident is resolved, a fresh breach
// opens a new one.
func TestEvaluateDelinquencySpikeReopensAfterResolution(t *testing.T) {
	db := testutil.NewDB(t)
	partnerID := uuid.New().String()
	b := breaker.New(db, breaker.Config{DelinquencySpikeBps: 2000})

	first, err := b.EvaluateDelinquencySpike(context.Background(), partnerID, 2500)
	require.NoError(t, err)
	require.NotNil(t, first)

	require.NoError(t, b.ResolveIncident(context.Background(), first.ID, "ops@example.com", "remediated"))

	second, err := b.EvaluateDelinquencySpike(context.Background(), partnerID, 2600)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotEqual(t, first.ID, second.ID)
}

// TestRaiseReconIncidentTripsOriginationForPartner covers the recon-to-
// breaker path: a CRITICAL reconciliation incident for a partner's loan
// opens a BreakerIncident that blocks that partner's origination until
// resolved, and re-raising while open does not duplicate.
func TestRaiseReconIncidentTripsOriginationForPartner(t *testing.T) {
	db := testutil.NewDB(t)
	partnerID := uuid.New()
	require.NoError(t, db.Create(&models.Partner{
		ID: partnerID, Name: "acme", Status: models.PartnerActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)
	require.NoError(t, db.Create(&models.Loan{
		ID: "loan-1", PartnerID: partnerID, Status: models.LoanStatusActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)

	b := breaker.New(db, breaker.Config{})
	require.NoError(t, b.AssertOriginationAllowed(context.Background(), partnerID.String()))

	reconIncident := models.ReconIncident{
		ID: uuid.New(), LoanID: "loan-1", Kind: "SCHEDULE_HASH_MISMATCH",
		Severity: models.SeverityCritical, Detail: "stored=x recomputed=y",
	}
	first, err := b.RaiseReconIncident(context.Background(), reconIncident)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, first.PartnerID)
	require.Equal(t, partnerID, *first.PartnerID)

	err = b.AssertOriginationAllowed(context.Background(), partnerID.String())
	require.Error(t, err, "an open critical incident must block the partner's origination")

	second, err := b.RaiseReconIncident(context.Background(), reconIncident)
	require.NoError(t, err)
	require.Nil(t, second, "re-raising the same open incident must not duplicate")

	var count int64
	require.NoError(t, db.Model(&models.BreakerIncident{}).
		Where("kind = ?", "SCHEDULE_HASH_MISMATCH").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestRaiseReconIncidentIgnoresMediumSeverity(t *testing.T) {
	db := testutil.NewDB(t)
	b := breaker.New(db, breaker.Config{})

	incident, err := b.RaiseReconIncident(context.Background(), models.ReconIncident{
		ID: uuid.New(), LoanID: "loan-1", Kind: "TIMING_DRIFT", Severity: models.SeverityMedium,
	})
	require.NoError(t, err)
	require.Nil(t, incident)

	var count int64
	require.NoError(t, db.Model(&models.BreakerIncident{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestResolveIncidentRejectsUnknownID(t *testing.T) {
	db := testutil.NewDB(t)
	b := breaker.New(db, breaker.Config{})
	err := b.ResolveIncident(context.Background(), uuid.New(), "ops@example.com", "n/a")
	require.Error(t, err)
}

func TestCurrentStatusReflectsOpenIncidentsAndLiveOverrides(t *testing.T) {
	db := testutil.NewDB(t)
	partnerID := uuid.New()
	require.NoError(t, db.Create(&models.Partner{
		ID: partnerID, Name: "acme", Status: models.PartnerActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)

	b := breaker.New(db, breaker.Config{GlobalFreeze: true, DelinquencySpikeBps: 2000})
	_, err := b.EvaluateDelinquencySpike(context.Background(), partnerID.String(), 3000)
	require.NoError(t, err)
	_, err = b.IssueOverride(context.Background(), &partnerID, "CRITICAL_INCIDENT", "n/a", "ops@example.com", nil)
	require.NoError(t, err)

	status, err := b.CurrentStatus(context.Background())
	require.NoError(t, err)
	require.True(t, status.GlobalFreeze)
	require.Equal(t, int64(1), status.OpenIncidentCount)
	require.Equal(t, int64(1), status.ActiveOverrideCount)
}
