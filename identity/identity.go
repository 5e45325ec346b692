// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity loads and holds the agent's long-lived X25519
// keypair. The public key is the agent's stable identifier on the
// gateway; the secret key is read once at startup, protected in an
// mmap-backed [secret.Buffer] (locked against swap, excluded from
// core dumps), and held for the process lifetime.
package identity

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/cluvio/agent/secret"
)

// KeySize is the length in bytes of an X25519 scalar or point.
const KeySize = 32

// Identity holds the agent's keypair. The secret key lives in a
// secret.Buffer; the public key is derived once at load time and kept
// as a plain array since it is meant to be published.
type Identity struct {
	secretKey *secret.Buffer
	publicKey [KeySize]byte
}

// Load decodes a base64url (no padding) 32-byte X25519 secret key,
// derives the corresponding public key, and protects the secret key in
// an mmap-backed buffer. Returns a plain wrapped error on any decode
// or length failure — agent/config wraps it in a ConfigError, fatal
// for the process.
func Load(secretKeyB64 string) (*Identity, error) {
	raw, err := DecodeKey(secretKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding secret key: %w", err)
	}

	publicKey, err := curve25519.X25519(raw[:], curve25519.Basepoint)
	if err != nil {
		secret.Zero(raw[:])
		return nil, fmt.Errorf("deriving public key: %w", err)
	}

	buffer, err := secret.NewFromBytes(raw[:])
	if err != nil {
		return nil, fmt.Errorf("protecting secret key: %w", err)
	}

	identity := &Identity{secretKey: buffer}
	copy(identity.publicKey[:], publicKey)
	return identity, nil
}

// PublicKey returns the agent's public key.
func (id *Identity) PublicKey() [KeySize]byte {
	return id.publicKey
}

// WithSecretKey runs fn with the raw secret key bytes visible only for
// the duration of the call. The slice passed to fn points into
// mmap-protected memory and must not be retained beyond the call.
func (id *Identity) WithSecretKey(fn func(secretKey []byte) error) error {
	return fn(id.secretKey.Bytes())
}

// Close releases the protected secret key memory. Idempotent.
func (id *Identity) Close() error {
	return id.secretKey.Close()
}

// EncodeKey renders a 32-byte key as base64url with no padding, the
// wire format used for agent-key and secret-key in the config file and
// by --show-agent-key.
func EncodeKey(key [KeySize]byte) string {
	return base64.RawURLEncoding.EncodeToString(key[:])
}

// DecodeKey parses a base64url no-pad key string, validating its
// decoded length is exactly KeySize bytes.
func DecodeKey(encoded string) ([KeySize]byte, error) {
	var key [KeySize]byte

	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("invalid base64url encoding: %w", err)
	}
	if len(decoded) != KeySize {
		return key, fmt.Errorf("expected %d bytes, got %d", KeySize, len(decoded))
	}

	copy(key[:], decoded)
	return key, nil
}
