// Package normalize centralizes canonical forms for every identifier the
// server persists. Handlers normalize first and compare bytes afterwards;
// nothing past this package ever sees a raw client string.
package normalize

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxDeviceIDLen  = 120
	minMessageIDLen = 8
	maxMessageIDLen = 200
	minUIDHexLen    = 14
	minInviteIDLen  = 8
	maxInviteIDLen  = 200
)

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_:-]{8,128}$`)

// AccountDigest strips non-hex characters, uppercases, and requires exactly
// 64 hex chars. The stripping tolerates clients that send digests with
// separators; anything that does not reduce to 64 hex chars is rejected.
func AccountDigest(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 32)
		case r >= 'A' && r <= 'F':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) != 64 {
		return "", false
	}
	return out, true
}

// UIDHex uppercases and requires hex-only content of at least 14 chars.
func UIDHex(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if len(s) < minUIDHexLen {
		return "", false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return "", false
		}
	}
	return s, true
}

func DeviceID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || len(s) > maxDeviceIDLen {
		return "", false
	}
	return s, true
}

func ConversationID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if !conversationIDPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

func MessageID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if len(s) < minMessageIDLen || len(s) > maxMessageIDLen {
		return "", false
	}
	return s, true
}

func InviteID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if len(s) < minInviteIDLen || len(s) > maxInviteIDLen {
		return "", false
	}
	return s, true
}

// Counter parses a message counter: integral, ≥ 1, within int64.
func Counter(v any) (int64, bool) {
	n, ok := Int64(v)
	if !ok || n < 1 {
		return 0, false
	}
	return n, true
}

// Int64 accepts the shapes JSON decoding produces for numbers (float64,
// json.Number, string digits, native ints) and rejects anything fractional
// or beyond the 53-bit range JSON clients can represent exactly.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// Base64 decodes base64url input, tolerating missing padding and the
// standard alphabet. Returns nil on any structural error; callers treat nil
// as a 400.
func Base64(raw string) []byte {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out
		}
	}
	return nil
}

// IsBase64 reports whether raw decodes under any accepted base64 variant.
func IsBase64(raw string) bool {
	return Base64(raw) != nil
}
