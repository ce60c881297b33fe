// Package webhook implements the provider-facing webhook ingress: raw-body
// HMAC-SHA-256 verification, a freshness gate, a replay gate backed by the
// WebhookNonce table, and an always-ACK response contract so a retrying
// provider is never told to try again forever.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nhb-labs/loanbridge/internal/models"
)

// FreshnessWindow bounds how stale a webhook timestamp may be; older
// deliveries are dead-lettered without further processing.
const FreshnessWindow = 5 * time.Minute

// NonceTTL is the retention window for claimed WebhookNonce rows;
// PurgeExpiredNonces deletes rows older than this. No scheduled job calls it.
const NonceTTL = 24 * time.Hour

// ErrSignatureInvalid indicates the computed HMAC did not match the
// provider-supplied signature.
var ErrSignatureInvalid = errors.New("webhook: signature invalid")

// VerifySignature computes HMAC-SHA-256 over rawBody with secret and
// compares it to signatureHex (lowercase hex) using a constant-time
// comparison.
func VerifySignature(secret string, rawBody []byte, signatureHex string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := mac.Sum(nil)
	given, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: malformed hex", ErrSignatureInvalid)
	}
	if !hmac.Equal(expected, given) {
		return ErrSignatureInvalid
	}
	return nil
}

// ParseProviderTimestamp supports the 14-digit provider format
// (YYYYMMDDHHMMSS, UTC) and ISO 8601.
func ParseProviderTimestamp(raw string) (time.Time, error) {
	if len(raw) == 14 {
		if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if t, err := time.Parse("20060102150405", raw); err == nil {
				return t.UTC(), nil
			}
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("webhook: unrecognised timestamp format %q", raw)
}

// IsFresh reports whether ts is at most FreshnessWindow before now and less
// than one minute after it.
func IsFresh(ts, now time.Time) bool {
	return now.Sub(ts) <= FreshnessWindow && ts.Before(now.Add(time.Minute))
}

// ClaimNonce atomically claims the (source, nonce) pair. It returns true
// when the claim succeeded (first delivery) and false when the pair was
// already claimed (replay) — a replay is not an error, per the always-ACK
// contract.
func ClaimNonce(ctx context.Context, db *gorm.DB, source, nonce string) (bool, error) {
	rec := models.WebhookNonce{Source: source, Nonce: nonce, CreatedAt: time.Now().UTC()}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// PurgeExpiredNonces deletes WebhookNonce rows older than NonceTTL.
func PurgeExpiredNonces(ctx context.Context, db *gorm.DB) error {
	cutoff := time.Now().UTC().Add(-NonceTTL)
	return db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.WebhookNonce{}).Error
}
