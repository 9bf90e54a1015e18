package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DomainDedup prefixes dedup key hashes. The version suffix allows a future
// change of the key layout without colliding with stored keys.
const DomainDedup = "payrecon/dedup/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DedupKey identifies a logically distinct payment signal:
// the same payment reporting the same status within the same time bucket.
//
// The bucket is ts truncated to window; a zero window keeps full
// millisecond precision.
func DedupKey(paymentID, reportedStatus string, ts time.Time, window time.Duration) (string, error) {
	if paymentID == "" {
		return "", fmt.Errorf("dedup key: payment id required")
	}

	bucket := ts.UTC()
	if window > 0 {
		bucket = bucket.Truncate(window)
	}

	canonical, err := MarshalCanonical(map[string]any{
		"payment_id": paymentID,
		"status":     reportedStatus,
		"bucket":     bucket.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("dedup key: %w", err)
	}
	return hashWithDomain(DomainDedup, canonical), nil
}

// MustDedupKey is like DedupKey but panics on error.
// Use only in tests.
func MustDedupKey(paymentID, reportedStatus string, ts time.Time, window time.Duration) string {
	key, err := DedupKey(paymentID, reportedStatus, ts, window)
	if err != nil {
		panic(err)
	}
	return key
}
