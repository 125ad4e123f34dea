package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb
const sigBaseSuffix = "00001000800000805f9b34fb"

var knownServices = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1812": "Human Interface Device",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

// NormalizeUUID converts a UUID string to the internal form (lowercase, no dashes).
// Strips a 0x prefix and shortens Bluetooth SIG base UUIDs to their 16-bit form.
// Returns "" for strings that are not 16-bit, 32-bit or 128-bit UUIDs.
func NormalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")

	switch len(strings.ReplaceAll(s, "-", "")) {
	case 4, 8:
		s = strings.ReplaceAll(s, "-", "")
		if !isHex(s) {
			return ""
		}
		return s
	case 32:
		parsed, err := uuid.Parse(s)
		if err != nil {
			// uuid.Parse accepts only canonical dash positions
			parsed, err = uuid.Parse(strings.ReplaceAll(s, "-", ""))
			if err != nil {
				return ""
			}
		}
		hex := strings.ReplaceAll(parsed.String(), "-", "")
		if strings.HasPrefix(hex, "0000") && strings.HasSuffix(hex, sigBaseSuffix) {
			return hex[4:8]
		}
		return hex
	default:
		return ""
	}
}

// SameUUID reports whether two UUID strings name the same attribute
func SameUUID(a, b string) bool {
	na, nb := NormalizeUUID(a), NormalizeUUID(b)
	return na != "" && na == nb
}

// KnownServiceName returns the assigned name for well-known services, or ""
func KnownServiceName(serviceID string) string {
	return knownServices[NormalizeUUID(serviceID)]
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, id := range uuids {
		if id == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(id)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, id)
		}
		result = append(result, normalized)
	}
	return result, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return s != ""
}
