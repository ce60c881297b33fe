package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsAllowlistedIsCaseAndWhitespaceInsensitive(t *testing.T) {
	require.True(t, IsAllowlisted("loan_id"))
	require.True(t, IsAllowlisted(" LOAN_ID "))
	require.False(t, IsAllowlisted("api_key"))
}

func TestMaskFieldRedactsNonAllowlistedValues(t *testing.T) {
	attr := MaskField("webhook_secret", "s3cr3t")
	require.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("loan_id", "loan-1")
	require.Equal(t, "loan-1", attr.Value.String())
}

func TestMaskFieldLeavesEmptyValuesUnredacted(t *testing.T) {
	attr := MaskField("webhook_secret", "")
	require.Equal(t, "", attr.Value.String())
}

func TestRedactionAllowlistIsSorted(t *testing.T) {
	keys := RedactionAllowlist()
	require.NotEmpty(t, keys)
	for i := 1; i < len(keys); i++ {
		require.LessOrEqual(t, keys[i-1], keys[i])
	}
}
