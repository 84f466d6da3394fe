package audit

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/opencellcw/ulf-warden-sub010/internal/cryptoutil"
)

const nonceSize = 24

// Sealer encrypts record bodies at rest with NaCl secretbox. The nonce is
// prepended, so a sealed value is nonceSize + secretbox.Overhead bytes
// larger than its plaintext.
type Sealer struct {
	key [32]byte
}

// NewSealer creates a sealer. The key must be exactly 32 raw bytes or 64
// hex characters.
func NewSealer(key string) (*Sealer, error) {
	keyBytes, err := cryptoutil.SecretboxKey(key)
	if err != nil {
		return nil, fmt.Errorf("sealing key: %w", err)
	}
	return &Sealer{key: keyBytes}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(box []byte) ([]byte, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("sealed value too short (%d bytes)", len(box))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plaintext, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("opening sealed value: authentication failed")
	}
	return plaintext, nil
}
