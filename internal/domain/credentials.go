// Package domain contains the core data types shared by the bot's layers.
package domain

import (
	"encoding/json"
)

// KeyPair is a Curve25519 key pair in raw form.
type KeyPair struct {
	Private []byte `json:"private" cbor:"private"`
	Public  []byte `json:"public" cbor:"public"`
}

// Credentials is the device identity needed to resume a transport session
// without pairing again. Extra carries bridge-specific material that is
// stored and handed back verbatim.
type Credentials struct {
	NoiseKey       KeyPair         `json:"noiseKey" cbor:"noiseKey"`
	IdentityKey    KeyPair         `json:"signedIdentityKey" cbor:"signedIdentityKey"`
	RegistrationID uint16          `json:"registrationId" cbor:"registrationId"`
	AdvSecretKey   []byte          `json:"advSecretKey" cbor:"advSecretKey"`
	Me             string          `json:"me,omitempty" cbor:"me,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty" cbor:"extra,omitempty"`
}

// Registered reports whether the credentials belong to a paired account.
func (c *Credentials) Registered() bool {
	return c.Me != ""
}
