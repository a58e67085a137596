package auth

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

const ageHeader = "age-encryption.org/v1\n"

// ErrWrongPassphrase is returned when sealed data cannot be opened.
var ErrWrongPassphrase = errors.New("auth: sealed data could not be decrypted")

// Sealer encrypts stored credential material with a passphrase. A Sealer
// with an empty passphrase passes data through unchanged.
type Sealer struct {
	passphrase string
	workFactor int
}

// NewSealer returns a Sealer for passphrase. workFactor is the scrypt log2
// cost; zero keeps the age default.
func NewSealer(passphrase string, workFactor int) *Sealer {
	return &Sealer{passphrase: passphrase, workFactor: workFactor}
}

// Enabled reports whether sealing is active.
func (s *Sealer) Enabled() bool {
	return s != nil && s.passphrase != ""
}

// Seal encrypts data.
func (s *Sealer) Seal(data []byte) ([]byte, error) {
	if !s.Enabled() {
		return data, nil
	}
	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("scrypt recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("start encryption: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts data produced by Seal. Unsealed input is returned as is so
// that plaintext stores keep working after a passphrase is introduced.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if !s.Enabled() {
		return nil, ErrWrongPassphrase
	}
	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read decrypted data: %w", err)
	}
	return out, nil
}

// IsSealed reports whether data looks like an age file.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(ageHeader))
}
