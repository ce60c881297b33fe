package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nhb-labs/loanbridge/internal/models"
)

// Payload is a tagged variant per action type with structured fields. It
// serialises to the durable store as JSON for forward compatibility but
// decodes strictly on read.
type Payload struct {
	Type models.ActionType `json:"type"`

	CreateLoan         *CreateLoanPayload         `json:"createLoan,omitempty"`
	FundLoan           *FundLoanPayload           `json:"fundLoan,omitempty"`
	ActivateLoan       *ActivateLoanPayload       `json:"activateLoan,omitempty"`
	RecordDisbursement *RecordDisbursementPayload `json:"recordDisbursement,omitempty"`
	Repay              *RepayPayload              `json:"repay,omitempty"`
	RecordRepayment    *RecordRepaymentPayload    `json:"recordRepayment,omitempty"`
	ConfigureSchedule  *ConfigureSchedulePayload  `json:"configureSchedule,omitempty"`
}

// CreateLoanPayload carries the parameters needed to deploy a loan contract.
type CreateLoanPayload struct {
	LoanID        string `json:"loanId"`
	PartnerID     string `json:"partnerId"`
	PrincipalUsdc string `json:"principalUsdc"`
}

// FundLoanPayload carries the parameters for the on-chain funding leg.
type FundLoanPayload struct {
	LoanID        string `json:"loanId"`
	PrincipalUsdc string `json:"principalUsdc"`
}

// ActivateLoanPayload carries the disbursement proof an activation checks.
type ActivateLoanPayload struct {
	LoanID               string `json:"loanId"`
	FiatDisbursementRef  string `json:"fiatDisbursementRef"`
	ProofHash            string `json:"proofHash"`
}

// RecordDisbursementPayload carries the hashes written on-chain to prove a
// fiat disbursement occurred.
type RecordDisbursementPayload struct {
	LoanID    string `json:"loanId"`
	RefHash   string `json:"refHash"`
	ProofHash string `json:"proofHash"`
}

// RepayPayload carries an inbound repayment's amount and loan reference.
type RepayPayload struct {
	LoanID    string `json:"loanId"`
	AmountKes string `json:"amountKes"`
	RefHash   string `json:"refHash"`
}

// RecordRepaymentPayload carries the hashes written on-chain to prove an
// inbound repayment occurred.
type RecordRepaymentPayload struct {
	LoanID    string `json:"loanId"`
	RefHash   string `json:"refHash"`
	ProofHash string `json:"proofHash"`
}

// ConfigureSchedulePayload carries a schedule's hash and generating config
// so the on-chain commitment can be written.
type ConfigureSchedulePayload struct {
	LoanID           string `json:"loanId"`
	ScheduleHash     string `json:"scheduleHash"`
	PrincipalUsdc    string `json:"principalUsdc"`
	InterestRateBps  int    `json:"interestRateBps"`
	StartTimestamp   int64  `json:"startTimestamp"`
	IntervalSeconds  int64  `json:"intervalSeconds"`
	InstallmentCount int    `json:"installmentCount"`
}

// Marshal encodes the payload for the ChainAction.Payload column.
func (p Payload) Marshal() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("pipeline: marshal payload: %w", err)
	}
	return string(b), nil
}

// UnmarshalPayload decodes a ChainAction.Payload column strictly.
func UnmarshalPayload(data string) (Payload, error) {
	var p Payload
	dec := json.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("pipeline: decode payload: %w", err)
	}
	return p, nil
}

// ToCalldataMap flattens the active variant into an untyped map for the
// ChainSender capability, which only understands opaque key-value payloads.
func (p Payload) ToCalldataMap() (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	delete(raw, "type")
	// Flatten the single populated variant field to the top level.
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	}
	return map[string]any{}, nil
}
