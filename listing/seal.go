package listing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Sealer encrypts listing payloads at rest. The secret item content is
// stored sealed and opened only for the owner or, once sold, the buyer.
type Sealer struct {
	key [32]byte
}

func NewSealer(key *[32]byte) *Sealer {
	s := &Sealer{}
	copy(s.key[:], key[:])
	return s
}

// Seal encrypts the payload with a random nonce prefix.
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("listing: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key), nil
}

// Open decrypts a sealed payload.
func (s *Sealer) Open(sealed []byte) (string, error) {
	if len(sealed) < 24 {
		return "", errors.New("listing: sealed payload too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return "", errors.New("listing: payload authentication failed")
	}
	return string(plain), nil
}
