package normalize

import (
	"regexp"
	"strings"

	"github.com/permitwatch/backend/internal/core"
)

var (
	houseNumberRe = regexp.MustCompile(`^(\d+)\s+(.+)$`)
	stateRe       = regexp.MustCompile(`\b([A-Z]{2})\b`)
	zipRe         = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)
)

// ParseAddress splits a raw address on commas and extracts the pieces the
// fingerprint and filters need. It is deliberately simple and not a general
// address parser: house number is the leading integer of the first component,
// city is the second component, and the last component is scanned for a
// two-letter state abbreviation and a ZIP code. Absent pieces stay empty.
func ParseAddress(raw string) core.ParsedAddress {
	var addr core.ParsedAddress

	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == 0 || parts[0] == "" {
		return addr
	}

	if m := houseNumberRe.FindStringSubmatch(parts[0]); m != nil {
		addr.HouseNumber = m[1]
		addr.Street = m[2]
	} else {
		addr.Street = parts[0]
	}

	if len(parts) >= 2 {
		addr.City = parts[1]

		last := parts[len(parts)-1]
		if m := stateRe.FindStringSubmatch(last); m != nil {
			addr.State = m[1]
		}
		if m := zipRe.FindStringSubmatch(last); m != nil {
			addr.Zip = m[1]
		}
	}

	return addr
}
