package device

import (
	"fmt"
	"strings"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the lookup form used across the
// transport boundary: lowercase, no dashes, no 0x prefix. Full 128-bit UUIDs in
// the Bluetooth SIG base range collapse to their 16-bit short form.
// Returns "" when s is not hexadecimal or has an impossible length.
func NormalizeUUID(s string) string {
	u := strings.ToLower(strings.TrimSpace(s))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	for _, r := range u {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ""
		}
	}

	switch len(u) {
	case 4:
		return u
	case 8:
		if strings.HasPrefix(u, "0000") {
			return u[4:]
		}
		return u
	case 32:
		if strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
			return u[4:8]
		}
		return u
	default:
		return ""
	}
}

// SameUUID reports whether two UUID strings name the same attribute.
func SameUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}
