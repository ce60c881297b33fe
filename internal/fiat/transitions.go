// Package fiat implements the two fiat state machines — disbursement
// (OUTBOUND) and repayment (INBOUND) — that accept provider-verified
// webhooks, enqueue chain actions, and advance transfer state in lockstep
// with action confirmations from the action pipeline.
//
// Transitions are data: each handler's idempotency check is a membership
// test against a named allowed-state set rather than a bespoke if/else
// chain. The webhook confirmation handlers make their state writes inside
// one transaction; InitiatePayout and the FAILED write for a disbursement
// amount mismatch are made outside one.
package fiat

import "github.com/nhb-labs/loanbridge/internal/models"

// disbursementConfirmedAllowed is the set of statuses
// handleDisbursementConfirmed treats as "already processed or in flight",
// making repeated delivery of the same webhook idempotent. It includes the
// legacy aliases older transfer rows may still carry.
var disbursementConfirmedAllowed = map[models.TransferStatus]bool{
	models.TransferPayoutConfirmed:        true,
	models.TransferChainRecordPending:     true,
	models.TransferChainRecorded:          true,
	models.TransferActivated:              true,
	models.TransferLegacyConfirmed:        true,
	models.TransferLegacyAppliedOnchain:   true,
}

// repaymentConfirmedAllowed plays the same idempotency role for inbound
// repayment confirmations.
var repaymentConfirmedAllowed = map[models.TransferStatus]bool{
	models.TransferRepaymentReceived:   true,
	models.TransferChainRepayPending:   true,
	models.TransferChainRepayConfirmed: true,
}

func isAlreadyProcessed(allowed map[models.TransferStatus]bool, status models.TransferStatus) bool {
	return allowed[status]
}
