package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONSortsKeysRegardlessOfInputOrder(t *testing.T) {
	a, err := JSON([]byte(`{"b":1,"a":2,"c":{"z":1,"y":2}}`))
	require.NoError(t, err)
	b, err := JSON([]byte(`{"c":{"y":2,"z":1},"a":2,"b":1}`))
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(a))
}

func TestJSONStripsInsignificantWhitespace(t *testing.T) {
	out, err := JSON([]byte("{\n  \"a\" : 1,\n  \"b\": [1, 2, 3]\n}"))
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":[1,2,3]}`, string(out))
}

func TestJSONPreservesLargeIntegers(t *testing.T) {
	// Values above 2^53 must survive the decode/encode round trip exactly,
	// which is why JSON decodes with UseNumber rather than float64.
	out, err := JSON([]byte(`{"amount":123456789012345678}`))
	require.NoError(t, err)
	require.Equal(t, `{"amount":123456789012345678}`, string(out))
}

func TestJSONIsAValidShaPreimage(t *testing.T) {
	out, err := JSON([]byte(`{"ref":"abc","amount":100}`))
	require.NoError(t, err)
	sum := sha256.Sum256(out)
	require.Equal(t, 64, len(hex.EncodeToString(sum[:])))
}

func TestJSONRejectsMalformedInput(t *testing.T) {
	_, err := JSON([]byte(`{not json`))
	require.Error(t, err)
}
