// Package auth generates, fingerprints and seals transport credentials.
package auth

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ashureev/salesbot/internal/domain"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
)

// NewCredentials returns a fresh, unpaired credential bundle.
func NewCredentials() (domain.Credentials, error) {
	noise, err := newKeyPair()
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("generate noise key: %w", err)
	}
	identity, err := newKeyPair()
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("generate identity key: %w", err)
	}

	var reg [2]byte
	if _, err := rand.Read(reg[:]); err != nil {
		return domain.Credentials{}, fmt.Errorf("generate registration id: %w", err)
	}
	adv := make([]byte, 32)
	if _, err := rand.Read(adv); err != nil {
		return domain.Credentials{}, fmt.Errorf("generate adv secret: %w", err)
	}

	return domain.Credentials{
		NoiseKey:    noise,
		IdentityKey: identity,
		// Registration ids are 14-bit and never zero.
		RegistrationID: binary.BigEndian.Uint16(reg[:])&0x3fff | 1,
		AdvSecretKey:   adv,
	}, nil
}

// MustNewCredentials is NewCredentials for callers that cannot recover from
// an exhausted entropy source.
func MustNewCredentials() domain.Credentials {
	creds, err := NewCredentials()
	if err != nil {
		panic("auth: " + err.Error())
	}
	return creds
}

func newKeyPair() (domain.KeyPair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return domain.KeyPair{}, err
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return domain.KeyPair{}, err
	}
	return domain.KeyPair{Private: private, Public: public}, nil
}

// Fingerprint returns a stable digest of the bundle. Two bundles with the
// same fingerprint carry the same material.
func Fingerprint(creds domain.Credentials) string {
	data, err := json.Marshal(creds)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
