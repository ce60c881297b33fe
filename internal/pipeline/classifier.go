package pipeline

import "strings"

// Classification is the outcome of classifying a failed send, bump, or
// receipt error.
type Classification string

const (
	ClassifyRetry Classification = "RETRY"
	ClassifyDLQ   Classification = "DLQ"
)

// MaxRetries bounds the number of transient retries before an action is
// moved to DLQ regardless of classification.
const MaxRetries = 5

// MaxBumpCount bounds the number of replace-by-fee bumps the stuck loop may
// attempt before DLQ'ing an action.
const MaxBumpCount = 3

var transientSignals = []string{
	"nonce too low",
	"replacement underpriced",
	"timeout",
	"connection reset",
	"connection refused",
	"context deadline exceeded",
}

var logicalSignals = []string{
	"execution reverted",
	"out of gas",
}

// Classify maps an error string to {RETRY, DLQ}. Unknown errors classify as
// DLQ: halting for operator attention beats a silent infinite retry loop.
func Classify(errMsg string) Classification {
	lower := strings.ToLower(errMsg)
	for _, signal := range transientSignals {
		if strings.Contains(lower, signal) {
			return ClassifyRetry
		}
	}
	for _, signal := range logicalSignals {
		if strings.Contains(lower, signal) {
			return ClassifyDLQ
		}
	}
	return ClassifyDLQ
}

// IsNonceConflict reports whether errMsg indicates a nonce disagreement the
// dispatcher should bump a metric for and resync the nonce manager over.
func IsNonceConflict(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "nonce too low") || strings.Contains(lower, "nonce too high") || strings.Contains(lower, "invalid nonce")
}
