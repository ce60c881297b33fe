// Package models defines the GORM entities that make up the durable store:
// the single source of truth for the action pipeline, fiat state machines,
// installment schedules, accrual snapshots, and audit jobs.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActionType enumerates the high-level intents the action pipeline drives to
// a terminal on-chain state.
type ActionType string

const (
	ActionCreateLoan         ActionType = "CREATE_LOAN"
	ActionFundLoan           ActionType = "FUND_LOAN"
	ActionActivateLoan       ActionType = "ACTIVATE_LOAN"
	ActionRecordDisbursement ActionType = "RECORD_DISBURSEMENT"
	ActionRepay              ActionType = "REPAY"
	ActionRecordRepayment    ActionType = "RECORD_REPAYMENT"
	ActionConfigureSchedule  ActionType = "CONFIGURE_SCHEDULE"
)

// ActionState enumerates the ChainAction state machine's states.
type ActionState string

const (
	ActionQueued     ActionState = "QUEUED"
	ActionProcessing ActionState = "PROCESSING"
	ActionSent       ActionState = "SENT"
	ActionMined      ActionState = "MINED"
	ActionFailed     ActionState = "FAILED"
	ActionRetrying   ActionState = "RETRYING"
	ActionDLQ        ActionState = "DLQ"
)

// ChainAction represents one high-level intent that must produce at most one
// mined on-chain transaction.
type ChainAction struct {
	ID                    uuid.UUID   `gorm:"type:uuid;primaryKey"`
	ActionKey             *string     `gorm:"size:128;uniqueIndex"`
	LoanID                string      `gorm:"size:128;index"`
	Type                  ActionType  `gorm:"size:32;index"`
	Payload               string      `gorm:"type:jsonb"`
	State                 ActionState `gorm:"size:16;index"`
	TxHash                *string     `gorm:"size:80;index"`
	Nonce                 *uint64
	BumpCount             int
	Attempts              int
	NextRetryAt           *time.Time `gorm:"index"`
	SentAt                *time.Time
	MinedAt               *time.Time
	DLQAt                 *time.Time
	LastError             string `gorm:"type:text"`
	BlockNumber           *uint64
	GasUsed               *uint64
	RevertReason          string `gorm:"type:text"`
	ConfirmationsReceived int
	ConfirmationsRequired int
	CreatedAt             time.Time `gorm:"index"`
	UpdatedAt             time.Time
}

// SignerNonce is a per-signer durable counter. Its stored value equals the
// next nonce the manager will try to assign.
type SignerNonce struct {
	Signer    string `gorm:"primaryKey;size:128"`
	ChainID   string `gorm:"primaryKey;size:64"`
	Nonce     uint64
	UpdatedAt time.Time
}

// TransferDirection distinguishes fiat movements toward and away from the
// platform.
type TransferDirection string

const (
	DirectionOutbound TransferDirection = "OUTBOUND"
	DirectionInbound  TransferDirection = "INBOUND"
)

// TransferStatus enumerates every state either fiat state machine can occupy,
// including the legacy aliases handleDisbursementConfirmed must still accept.
type TransferStatus string

const (
	TransferPending             TransferStatus = "PENDING"
	TransferPayoutInitiated     TransferStatus = "PAYOUT_INITIATED"
	TransferPayoutConfirmed     TransferStatus = "PAYOUT_CONFIRMED"
	TransferChainRecordPending  TransferStatus = "CHAIN_RECORD_PENDING"
	TransferChainRecorded       TransferStatus = "CHAIN_RECORDED"
	TransferActivated           TransferStatus = "ACTIVATED"
	TransferRepaymentReceived   TransferStatus = "REPAYMENT_RECEIVED"
	TransferChainRepayPending   TransferStatus = "CHAIN_REPAY_PENDING"
	TransferChainRepayConfirmed TransferStatus = "CHAIN_REPAY_CONFIRMED"
	TransferFailed              TransferStatus = "FAILED"

	// Legacy aliases handleDisbursementConfirmed treats as already-processed.
	TransferLegacyConfirmed      TransferStatus = "CONFIRMED"
	TransferLegacyAppliedOnchain TransferStatus = "APPLIED_ONCHAIN"
)

// FiatTransfer is the lifecycle record for one fiat movement.
type FiatTransfer struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey"`
	LoanID           string            `gorm:"size:128;index"`
	Direction        TransferDirection `gorm:"size:16;index"`
	Status           TransferStatus    `gorm:"size:32;index"`
	ProviderRef      string            `gorm:"size:128;index"`
	IdempotencyKey   string            `gorm:"size:128;uniqueIndex"`
	AmountKes        string            `gorm:"size:64"`
	PhoneNumber      string            `gorm:"size:32"`
	RefHash          string            `gorm:"size:64"`
	ProofHash        string            `gorm:"size:64"`
	RawPayload       string            `gorm:"type:text"`
	WebhookTimestamp time.Time
	ConfirmedAt      *time.Time
	AppliedOnchainAt *time.Time
	FailedAt         *time.Time
	FailureReason    string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WebhookNonce claims a (source, nonce) pair so replayed deliveries can be
// rejected. Rows older than the TTL can be deleted with
// webhook.PurgeExpiredNonces.
type WebhookNonce struct {
	Source    string `gorm:"primaryKey;size:64"`
	Nonce     string `gorm:"primaryKey;size:128"`
	CreatedAt time.Time `gorm:"index"`
}

// WebhookDeadLetter records one provider delivery that could not be
// processed. The endpoint still returns a provider-ACK, but the rejection
// reason and the verbatim body (when one was safely readable) are durably
// recorded for operator inspection instead of being silently dropped.
type WebhookDeadLetter struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Provider   string    `gorm:"size:64;index"`
	Endpoint   string    `gorm:"size:32"`
	Reason     string    `gorm:"size:64;index"`
	RawPayload string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

// InstallmentSchedule is a per-loan amortisation schedule whose canonical
// JSON is the bridge between off-chain state and the on-chain commitment.
type InstallmentSchedule struct {
	LoanID                  string `gorm:"primaryKey;size:128"`
	ScheduleHash            string `gorm:"size:64;index"`
	ScheduleJSON            string `gorm:"type:text"`
	TotalInstallments       int
	PrincipalPerInstallment string `gorm:"size:64"`
	InterestRateBps         int
	IntervalSeconds         int64
	StartTimestamp          int64
	GracePeriodSeconds      int64
	PenaltyAprBps           int
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// EntryAccrualStatus enumerates delinquency severity on an installment entry.
type EntryAccrualStatus string

const (
	AccrualCurrent         EntryAccrualStatus = "CURRENT"
	AccrualInGrace         EntryAccrualStatus = "IN_GRACE"
	AccrualDelinquent      EntryAccrualStatus = "DELINQUENT"
	AccrualDefaultCand     EntryAccrualStatus = "DEFAULT_CANDIDATE"
	AccrualDefaulted       EntryAccrualStatus = "DEFAULTED"
)

// EntryStatus enumerates payment progress on an installment entry.
type EntryStatus string

const (
	EntryPending     EntryStatus = "PENDING"
	EntryDue         EntryStatus = "DUE"
	EntryPaid        EntryStatus = "PAID"
	EntryDelinquent  EntryStatus = "DELINQUENT"
	EntryDefaulted   EntryStatus = "DEFAULTED"
	EntryWaived      EntryStatus = "WAIVED"
)

// InstallmentEntry is one row of the amortisation schedule.
type InstallmentEntry struct {
	ID               uuid.UUID          `gorm:"type:uuid;primaryKey"`
	LoanID           string             `gorm:"size:128;index"`
	InstallmentIndex int                `gorm:"index"`
	DueTimestamp     int64              `gorm:"index"`
	PrincipalDue     string             `gorm:"size:64"`
	InterestDue      string             `gorm:"size:64"`
	TotalDue         string             `gorm:"size:64"`
	PrincipalPaid    string             `gorm:"size:64"`
	InterestPaid     string             `gorm:"size:64"`
	PenaltyAccrued   string             `gorm:"size:64"`
	AccrualStatus    EntryAccrualStatus `gorm:"size:32;index"`
	Status           EntryStatus        `gorm:"size:16;index"`
	DaysPastDue      int64
	DelinquentSince  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AccrualSnapshot is the idempotency record for the hourly accrual job.
type AccrualSnapshot struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey"`
	EntryID       uuid.UUID          `gorm:"type:uuid;index:idx_entry_hour,unique"`
	HourBucket    int64              `gorm:"index:idx_entry_hour,unique"`
	PenaltyDelta  string             `gorm:"size:64"`
	DaysPastDue   int64
	AccrualStatus EntryAccrualStatus `gorm:"size:32"`
	CreatedAt     time.Time
}

// IncidentSeverity grades the severity of a recon/breaker incident.
type IncidentSeverity string

const (
	SeverityMedium   IncidentSeverity = "MEDIUM"
	SeverityHigh     IncidentSeverity = "HIGH"
	SeverityCritical IncidentSeverity = "CRITICAL"
)

// ReconReport is one run's summary produced by the reconciliation job.
type ReconReport struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunAt             time.Time `gorm:"index"`
	LoansChecked      int
	CriticalCount     int
	SummaryJSON       string `gorm:"type:text"`
	Checksum          string `gorm:"size:64"`
	CreatedAt         time.Time
}

// ReconIncident is one detected mismatch within a reconciliation run.
type ReconIncident struct {
	ID         uuid.UUID        `gorm:"type:uuid;primaryKey"`
	ReportID   uuid.UUID        `gorm:"type:uuid;index"`
	LoanID     string           `gorm:"size:128;index"`
	Kind       string           `gorm:"size:64;index"`
	Severity   IncidentSeverity `gorm:"size:16;index"`
	Detail     string           `gorm:"type:text"`
	DeltaMinor string           `gorm:"size:64"`
	ResolvedAt *time.Time
	ResolvedBy string `gorm:"size:128"`
	Note       string `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

// SettlementCheck is one of the three boolean 3-way proof checks persisted
// per ACTIVE loan per settlement run.
type SettlementCheck struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunAt     time.Time `gorm:"index"`
	LoanID    string    `gorm:"size:128;index"`
	Kind      string    `gorm:"size:64;index"`
	Tripped   bool
	Detail    string `gorm:"type:text"`
	CreatedAt time.Time
}

// PartnerStatus enumerates a partner's onboarding lifecycle.
type PartnerStatus string

const (
	PartnerPending   PartnerStatus = "PENDING"
	PartnerVerified  PartnerStatus = "VERIFIED"
	PartnerActive    PartnerStatus = "ACTIVE"
	PartnerSuspended PartnerStatus = "SUSPENDED"
)

// Partner is an external originating counterparty.
type Partner struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Name              string        `gorm:"size:255"`
	Status            PartnerStatus `gorm:"size:16;index"`
	OriginationCapUsd string        `gorm:"size:64"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BreakerIncident is a durable record of a tripped breaker condition,
// generalising ReconIncident's shape for conditions not tied to a recon run
// (global halts, per-partner delinquency/default spikes).
type BreakerIncident struct {
	ID         uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Kind       string           `gorm:"size:64;index"`
	Severity   IncidentSeverity `gorm:"size:16;index"`
	PartnerID  *uuid.UUID       `gorm:"type:uuid;index"`
	Detail     string           `gorm:"type:text"`
	OpenedAt   time.Time        `gorm:"index"`
	ResolvedAt *time.Time
	ResolvedBy string `gorm:"size:128"`
	Note       string `gorm:"type:text"`
}

// BreakerOverride records an operator-issued exception to an otherwise
// blocking breaker condition.
type BreakerOverride struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PartnerID *uuid.UUID `gorm:"type:uuid;index"`
	Kind      string     `gorm:"size:64;index"`
	Reason    string     `gorm:"type:text"`
	IssuedBy  string     `gorm:"size:128"`
	IssuedAt  time.Time
	ExpiresAt *time.Time
}

// IdempotencyRecord caches the first response to an admin POST so retries
// with the same Idempotency-Key replay it instead of re-executing.
type IdempotencyRecord struct {
	Key       string `gorm:"primaryKey;size:128"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// LoanProjectionStatus enumerates the thin Loan projection's state.
type LoanProjectionStatus string

const (
	LoanStatusPending  LoanProjectionStatus = "PENDING"
	LoanStatusActive   LoanProjectionStatus = "ACTIVE"
	LoanStatusDefault  LoanProjectionStatus = "DEFAULTED"
	LoanStatusClosed   LoanProjectionStatus = "CLOSED"
)

// Loan is a thin projection the action pipeline's post-mine callbacks and
// the reconciliation jobs read and update; the full loan domain object
// lives outside this service.
type Loan struct {
	ID                 string               `gorm:"primaryKey;size:128"`
	PartnerID          uuid.UUID            `gorm:"type:uuid;index"`
	ContractAddress    string               `gorm:"size:128"`
	PrincipalUsdc      string               `gorm:"size:64"`
	OnchainPrincipal   string               `gorm:"size:64"`
	Status             LoanProjectionStatus `gorm:"size:16;index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AutoMigrate performs schema migration for every entity in the durable
// store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ChainAction{},
		&SignerNonce{},
		&FiatTransfer{},
		&WebhookNonce{},
		&WebhookDeadLetter{},
		&InstallmentSchedule{},
		&InstallmentEntry{},
		&AccrualSnapshot{},
		&ReconReport{},
		&ReconIncident{},
		&SettlementCheck{},
		&Partner{},
		&BreakerIncident{},
		&BreakerOverride{},
		&IdempotencyRecord{},
		&Loan{},
	)
}
