package pipeline

import "context"

// Callbacks is the pipeline's post-mine hook set: a registered,
// variant-tagged callback set instead of a direct call from the dispatcher
// into loan/fiat services, keeping the dependency one-directional — the
// pipeline exposes Enqueue; the loan and fiat services depend on it, never
// the reverse.
//
// Any field left nil is treated as a no-op; the dispatcher never requires a
// particular callback to be wired to make progress.
type Callbacks struct {
	// OnLoanTransitioned fires when a CREATE_LOAN action mines, carrying
	// the deployed loan-contract address.
	OnLoanTransitioned func(ctx context.Context, loanID, contractAddress string)
	// OnFiatRecordConfirmed fires when a RECORD_DISBURSEMENT action mines.
	OnFiatRecordConfirmed func(ctx context.Context, loanID string)
	// OnActivationConfirmed fires when an ACTIVATE_LOAN action mines; the
	// activation guard itself lives in the fiat package, not here.
	OnActivationConfirmed func(ctx context.Context, loanID string)
	// OnFiatRepayConfirmed fires when a REPAY action mines, advancing the
	// inbound transfer to CHAIN_REPAY_CONFIRMED.
	OnFiatRepayConfirmed func(ctx context.Context, loanID string)
}

func (c Callbacks) fireLoanTransitioned(ctx context.Context, loanID, contractAddress string) {
	if c.OnLoanTransitioned != nil {
		c.OnLoanTransitioned(ctx, loanID, contractAddress)
	}
}

func (c Callbacks) fireFiatRecordConfirmed(ctx context.Context, loanID string) {
	if c.OnFiatRecordConfirmed != nil {
		c.OnFiatRecordConfirmed(ctx, loanID)
	}
}

func (c Callbacks) fireActivationConfirmed(ctx context.Context, loanID string) {
	if c.OnActivationConfirmed != nil {
		c.OnActivationConfirmed(ctx, loanID)
	}
}

func (c Callbacks) fireFiatRepayConfirmed(ctx context.Context, loanID string) {
	if c.OnFiatRepayConfirmed != nil {
		c.OnFiatRepayConfirmed(ctx, loanID)
	}
}
