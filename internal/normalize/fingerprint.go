package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint computes the deduplication key for a permit: a SHA-256 hex
// digest over the pipe-joined tuple of street, city, state, parcel id, issue
// date and permit type, under fixed case/trim rules. Absent components
// contribute the empty string, so the function is total.
func Fingerprint(street, city, state, parcelID, issueDate, permitType string) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(street)),
		strings.ToLower(strings.TrimSpace(city)),
		strings.ToUpper(strings.TrimSpace(state)),
		strings.TrimSpace(parcelID),
		strings.TrimSpace(issueDate),
		strings.ToUpper(strings.TrimSpace(permitType)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
