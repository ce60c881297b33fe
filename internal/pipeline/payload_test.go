package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhb-labs/loanbridge/internal/models"
)

func TestPayloadMarshalUnmarshalRoundTrip(t *testing.T) {
	p := Payload{
		Type: models.ActionRecordDisbursement,
		RecordDisbursement: &RecordDisbursementPayload{
			LoanID: "loan-1", RefHash: "abc", ProofHash: "def",
		},
	}
	encoded, err := p.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalPayload(encoded)
	require.NoError(t, err)
	require.Equal(t, p.Type, decoded.Type)
	require.NotNil(t, decoded.RecordDisbursement)
	require.Equal(t, "abc", decoded.RecordDisbursement.RefHash)
	require.Nil(t, decoded.Repay)
}

func TestUnmarshalPayloadRejectsUnknownFields(t *testing.T) {
	_, err := UnmarshalPayload(`{"type":"REPAY","unexpectedField":"x"}`)
	require.Error(t, err)
}

func TestToCalldataMapFlattensActiveVariant(t *testing.T) {
	p := Payload{
		Type: models.ActionRepay,
		Repay: &RepayPayload{LoanID: "loan-1", AmountKes: "500", RefHash: "hash-1"},
	}
	m, err := p.ToCalldataMap()
	require.NoError(t, err)
	require.Equal(t, "loan-1", m["loanId"])
	require.Equal(t, "500", m["amountKes"])
	require.NotContains(t, m, "type")
}

func TestToCalldataMapWithNoVariantSetReturnsEmptyMap(t *testing.T) {
	p := Payload{Type: models.ActionActivateLoan}
	m, err := p.ToCalldataMap()
	require.NoError(t, err)
	require.Empty(t, m)
}
