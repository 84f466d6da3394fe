package testutil

// Test key material, for tests only.
// Signing keys need at least 32 bytes of entropy; sealing keys exactly 32.
const (
	TestSigningKey = "test-signing-key-1234567890123456"
	TestSealingKey = "12345678901234567890123456789012"
)
