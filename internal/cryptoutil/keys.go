// Package cryptoutil resolves operator-supplied key material. Keys arrive
// as strings — raw bytes or hex — and the audit signer and sealer have
// different length requirements.
package cryptoutil

import (
	"encoding/hex"
	"fmt"
)

// IsHexString reports whether s consists entirely of hexadecimal characters
// (0-9, a-f, A-F). It returns true for an empty string — callers should check
// length separately when a minimum size is required.
func IsHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// KeyBytes interprets key as hex when it plausibly is one (even length,
// decoding to at least min bytes) and as raw bytes otherwise. Hex is tried
// first so a hex-looking key is never silently halved in strength.
func KeyBytes(key string, min int) ([]byte, error) {
	if len(key) >= 2*min && len(key)%2 == 0 && IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("key hex decode: %w", err)
		}
		if len(decoded) < min {
			return nil, fmt.Errorf("key hex must decode to at least %d bytes (got %d)", min, len(decoded))
		}
		return decoded, nil
	}
	if len(key) < min {
		return nil, fmt.Errorf("key must be at least %d bytes (got %d)", min, len(key))
	}
	return []byte(key), nil
}

// SecretboxKey resolves key into the fixed 32-byte array NaCl secretbox
// requires: exactly 32 raw bytes, or 64 hex characters.
func SecretboxKey(key string) ([32]byte, error) {
	var out [32]byte
	if len(key) == 64 && IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return out, fmt.Errorf("key hex decode: %w", err)
		}
		copy(out[:], decoded)
		return out, nil
	}
	if len(key) != 32 {
		return out, fmt.Errorf("key must be exactly 32 bytes or 64 hex characters (got %d)", len(key))
	}
	copy(out[:], key)
	return out, nil
}
