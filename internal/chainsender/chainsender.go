// Package chainsender defines the narrow capability the action pipeline
// consumes to submit, bump, and poll on-chain transactions. The pipeline
// never couples to an implementation's internals.
package chainsender

import (
	"context"
	"errors"
)

// ReceiptStatus enumerates the terminal status of a mined transaction.
type ReceiptStatus string

const (
	StatusSuccess  ReceiptStatus = "success"
	StatusReverted ReceiptStatus = "reverted"
)

// SendRequest bundles everything needed to submit one action.
type SendRequest struct {
	ActionID string
	Type     string
	Payload  map[string]any
}

// SendResult is returned by a successful submission.
type SendResult struct {
	TxHash string
	Nonce  uint64
}

// BumpRequest re-submits a stuck action at the same nonce with higher fees.
type BumpRequest struct {
	Type    string
	Payload map[string]any
	Nonce   uint64
}

// BumpResult is returned by a successful bump.
type BumpResult struct {
	TxHash string
}

// Receipt mirrors the on-chain receipt for a submitted transaction.
type Receipt struct {
	TxHash       string
	BlockNumber  uint64
	GasUsed      uint64
	Status       ReceiptStatus
	RevertReason string
	// LoanContract carries the deployed loan-contract address when the
	// receipt confirms a CREATE_LOAN action.
	LoanContract string
}

// ErrReceiptPending indicates the transaction has not yet been mined; the
// receipt loop treats it as a no-op rather than an error.
var ErrReceiptPending = errors.New("chainsender: receipt pending")

// Sender is the capability the dispatcher depends on. Implementations are
// pluggable; production wiring adapts an RPC client (see rpc.go), tests use
// the in-memory fake (see fake.go).
type Sender interface {
	SendAction(ctx context.Context, req SendRequest) (SendResult, error)
	BumpAndReplace(ctx context.Context, req BumpRequest) (BumpResult, error)
	// GetReceipt returns ErrReceiptPending, not an error, when the
	// transaction is still outstanding.
	GetReceipt(ctx context.Context, txHash string) (Receipt, error)
	IsHealthy(ctx context.Context) bool
	// PendingNonce returns the provider's view of the next nonce for
	// signer, used by the nonce manager's startup reconciliation.
	PendingNonce(ctx context.Context, signer string) (uint64, error)
}
