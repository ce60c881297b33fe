package pipeline

import (
	"fmt"
	"math/big"

	"github.com/nhb-labs/loanbridge/internal/models"
)

// FeeEstimate carries either EIP-1559 fee-cap fields or a legacy gas price,
// mirroring the provider's actual fee model.
type FeeEstimate struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasPrice             *big.Int
	GasLimit             uint64
}

// IsEIP1559 reports whether the estimate carries EIP-1559 fee-cap fields.
func (f FeeEstimate) IsEIP1559() bool {
	return f.MaxFeePerGas != nil && f.MaxFeePerGas.Sign() > 0
}

// gasCeilings bounds the estimated gas limit per action type; submission
// aborts with a gas-ceiling failure (classified DLQ) above the ceiling.
var gasCeilings = map[models.ActionType]uint64{
	models.ActionCreateLoan:         3_000_000,
	models.ActionFundLoan:           500_000,
	models.ActionActivateLoan:       400_000,
	models.ActionRecordDisbursement: 300_000,
	models.ActionRepay:              400_000,
	models.ActionRecordRepayment:    300_000,
	models.ActionConfigureSchedule:  300_000,
}

// ErrGasCeilingExceeded is returned when a provider's estimate exceeds the
// per-action-type ceiling.
var ErrGasCeilingExceeded = fmt.Errorf("pipeline: gas estimate exceeds ceiling")

// defaultBumpFactorBps is the replace-by-fee bump applied when no override
// is configured: +30%, comfortably above the 10% replacement minimum most
// providers enforce.
const defaultBumpFactorBps = 3000

// GasStrategy validates provider fee estimates, raises fees for
// replace-by-fee bumps, and buffers and bounds gas limits. The zero value
// uses the default bump factor.
type GasStrategy struct {
	// BumpFactorBps is the additional fee applied per bump, in basis
	// points over the previous caps. Zero means the default.
	BumpFactorBps int
}

// EstimateFees prefers EIP-1559 fields from the provider estimate, falling
// back to a legacy gas price otherwise. It is a pass-through by design: the
// provider already did the estimation; this only validates the result is
// usable.
func (GasStrategy) EstimateFees(raw FeeEstimate) (FeeEstimate, error) {
	if raw.IsEIP1559() {
		if raw.MaxPriorityFeePerGas == nil {
			return FeeEstimate{}, fmt.Errorf("pipeline: missing priority fee for eip-1559 estimate")
		}
		return raw, nil
	}
	if raw.GasPrice == nil || raw.GasPrice.Sign() <= 0 {
		return FeeEstimate{}, fmt.Errorf("pipeline: missing legacy gas price")
	}
	return raw, nil
}

// BumpFees raises both fee caps (or the legacy gas price) by the configured
// bump factor, 13/10 by default.
func (g GasStrategy) BumpFees(f FeeEstimate) FeeEstimate {
	factorBps := g.BumpFactorBps
	if factorBps <= 0 {
		factorBps = defaultBumpFactorBps
	}
	bump := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		scaled := new(big.Int).Mul(v, big.NewInt(int64(10_000+factorBps)))
		return scaled.Div(scaled, big.NewInt(10_000))
	}
	f.MaxFeePerGas = bump(f.MaxFeePerGas)
	f.MaxPriorityFeePerGas = bump(f.MaxPriorityFeePerGas)
	f.GasPrice = bump(f.GasPrice)
	return f
}

// EstimateGasLimit applies a 20% buffer to the provider's gas estimate and
// enforces the per-action-type ceiling.
func (GasStrategy) EstimateGasLimit(actionType models.ActionType, providerEstimate uint64) (uint64, error) {
	buffered := providerEstimate * 12 / 10
	ceiling, ok := gasCeilings[actionType]
	if !ok {
		ceiling = 500_000
	}
	if buffered > ceiling {
		return 0, fmt.Errorf("%w: type=%s estimate=%d ceiling=%d", ErrGasCeilingExceeded, actionType, buffered, ceiling)
	}
	return buffered, nil
}
