// Package schedule implements the deterministic installment-schedule
// generator: a pure function from loan terms to a canonical, fixed-key-order
// JSON document and its SHA-256 hash — the bridge between off-chain schedule
// state and the on-chain commitment.
package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/nhb-labs/loanbridge/internal/bigdec"
)

// secondsPerYear is the fixed divisor the interest formula specifies; it is
// not a calendar year, it is a literal constant in the formula.
const secondsPerYear = 31_536_000

// Params are the schedule generator's inputs. GracePeriodSeconds and
// PenaltyAprBps do not participate in the canonical JSON or its hash; they
// are persisted on the schedule row for the accrual job to read.
type Params struct {
	LoanID           string
	PrincipalUsdc    string // decimal-string minor units
	InterestRateBps  int    // 0..100_000
	StartTimestamp   int64  // positive Unix seconds
	IntervalSeconds  int64  // > 0
	InstallmentCount int    // >= 1

	GracePeriodSeconds int64
	PenaltyAprBps      int
}

// Installment is one row of the generated schedule, in *big.Int form for
// persistence into InstallmentEntry.
type Installment struct {
	Index     int
	DueTs     int64
	Principal *big.Int
	Interest  *big.Int
	Total     *big.Int
}

// Result is the generator's output: the canonical bytes, their hash, and the
// per-installment rows in big.Int form.
type Result struct {
	CanonicalJSON []byte
	ScheduleHash  string
	Installments  []Installment
}

// installmentWire is the fixed-key-order wire shape for one installment.
// Field declaration order here is the canonical key order; encoding/json
// marshals struct fields in declaration order and never reorders them, so no
// custom encoder is needed (unlike internal/canon, which sorts map keys for
// payloads with no fixed schema).
type installmentWire struct {
	Index     int    `json:"index"`
	DueTs     string `json:"due_ts"`
	Principal string `json:"principal"`
	Interest  string `json:"interest"`
	Total     string `json:"total"`
}

// canonicalDoc is the fixed-key-order wire shape for the whole schedule.
type canonicalDoc struct {
	LoanID           string             `json:"loan_id"`
	Principal        string             `json:"principal"`
	InterestRateBps  int                `json:"interest_rate_bps"`
	StartTs          string             `json:"start_ts"`
	IntervalSeconds  int64              `json:"interval_seconds"`
	InstallmentCount int                `json:"installment_count"`
	Installments     []installmentWire  `json:"installments"`
}

// Generate produces the canonical schedule for p. Remainder from the
// principal/count division is absorbed entirely into the last installment;
// interest truncates toward zero; a zero rate yields zero interest on every
// entry.
func Generate(p Params) (*Result, error) {
	if p.InstallmentCount < 1 {
		return nil, fmt.Errorf("schedule: installmentCount must be >= 1")
	}
	if p.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("schedule: intervalSeconds must be > 0")
	}
	if p.InterestRateBps < 0 || p.InterestRateBps > 100_000 {
		return nil, fmt.Errorf("schedule: interestRateBps out of range")
	}
	principal, err := bigdec.Parse(p.PrincipalUsdc)
	if err != nil {
		return nil, fmt.Errorf("schedule: principal: %w", err)
	}

	n := big.NewInt(int64(p.InstallmentCount))
	perInstallment := bigdec.DivTrunc(principal, n)
	remainder := bigdec.Sub(principal, bigdec.Mul(perInstallment, n))

	rate := big.NewInt(int64(p.InterestRateBps))
	interval := big.NewInt(p.IntervalSeconds)
	denom := new(big.Int).Mul(big.NewInt(10_000), big.NewInt(secondsPerYear))

	installments := make([]Installment, p.InstallmentCount)
	wire := make([]installmentWire, p.InstallmentCount)

	for i := 0; i < p.InstallmentCount; i++ {
		dueTs := p.StartTimestamp + int64(i+1)*p.IntervalSeconds
		outstanding := bigdec.Sub(principal, bigdec.Mul(perInstallment, big.NewInt(int64(i))))

		interest := big.NewInt(0)
		if p.InterestRateBps > 0 && !bigdec.Zero(outstanding) {
			num := new(big.Int).Mul(outstanding, rate)
			num.Mul(num, interval)
			interest = new(big.Int).Quo(num, denom)
		}

		princ := new(big.Int).Set(perInstallment)
		if i == p.InstallmentCount-1 {
			princ = bigdec.Add(princ, remainder)
		}
		total := bigdec.Add(princ, interest)

		installments[i] = Installment{Index: i, DueTs: dueTs, Principal: princ, Interest: interest, Total: total}
		wire[i] = installmentWire{
			Index:     i,
			DueTs:     fmt.Sprintf("%d", dueTs),
			Principal: bigdec.String(princ),
			Interest:  bigdec.String(interest),
			Total:     bigdec.String(total),
		}
	}

	doc := canonicalDoc{
		LoanID:           p.LoanID,
		Principal:        bigdec.String(principal),
		InterestRateBps:  p.InterestRateBps,
		StartTs:          fmt.Sprintf("%d", p.StartTimestamp),
		IntervalSeconds:  p.IntervalSeconds,
		InstallmentCount: p.InstallmentCount,
		Installments:     wire,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schedule: marshal canonical json: %w", err)
	}
	sum := sha256.Sum256(raw)
	return &Result{
		CanonicalJSON: raw,
		ScheduleHash:  hex.EncodeToString(sum[:]),
		Installments:  installments,
	}, nil
}

// Hash computes SHA-256(utf8(raw)) as lowercase hex, the same function
// Generate applies to its own canonical bytes. Used by AssertHashIntegrity to
// recompute a stored schedule's hash without regenerating it.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
