// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealedbox implements a one-shot, public-key authenticated
// encryption scheme: given a recipient's X25519 public key and a
// plaintext, Seal generates an ephemeral keypair, derives a
// deterministic nonce from the ephemeral and recipient public keys,
// and produces a ChaCha20-Poly1305 ciphertext that only the recipient's
// secret key can open. The sender's own identity is never included, so
// the scheme hides who sealed the box (only the recipient is bound).
//
// This mirrors libsodium's crypto_box_seal construction: nonce =
// BLAKE2b(ephemeralPublic || recipientPublic), truncated to the AEAD's
// 12-byte nonce size, and the shared secret from X25519 is used
// directly as the AEAD key.
package sealedbox

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/cluvio/agent/identity"
)

// nonceDigestSize is the length of the BLAKE2b digest computed over
// the ephemeral and recipient public keys. Only the leading
// chacha20poly1305.NonceSize bytes are used as the AEAD nonce; the
// remainder is discarded. 24 bytes matches libsodium's sealed-box
// nonce derivation length.
const nonceDigestSize = 24

// CryptoError wraps any parsing, key-agreement, or AEAD verification
// failure. Fatal for the session per the agent's error taxonomy — the
// caller never continues past a CryptoError.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("sealedbox: %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// Seal encrypts plaintext to recipientPublic. The output is
// ephemeralPublic (32 bytes) followed by the AEAD ciphertext+tag.
func Seal(recipientPublic [identity.KeySize]byte, plaintext []byte) ([]byte, error) {
	var ephemeralSecret [identity.KeySize]byte
	if _, err := rand.Read(ephemeralSecret[:]); err != nil {
		return nil, &CryptoError{Op: "generate ephemeral key", Err: err}
	}

	ephemeralPublic, err := curve25519.X25519(ephemeralSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, &CryptoError{Op: "derive ephemeral public key", Err: err}
	}

	sharedSecret, err := curve25519.X25519(ephemeralSecret[:], recipientPublic[:])
	if err != nil {
		return nil, &CryptoError{Op: "key agreement", Err: err}
	}

	nonce, err := deriveNonce(ephemeralPublic, recipientPublic[:])
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(sharedSecret)
	if err != nil {
		return nil, &CryptoError{Op: "construct AEAD", Err: err}
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, len(ephemeralPublic)+len(sealed))
	blob = append(blob, ephemeralPublic...)
	blob = append(blob, sealed...)
	return blob, nil
}

// Unseal recovers the plaintext a peer sealed to id's public key. Fails
// with a *CryptoError on any parsing, key-agreement, or AEAD
// verification failure — including a single tampered byte anywhere in
// blob.
func Unseal(id *identity.Identity, blob []byte) ([]byte, error) {
	if len(blob) < identity.KeySize+chacha20poly1305.Overhead {
		return nil, &CryptoError{Op: "parse blob", Err: fmt.Errorf("blob too short: %d bytes", len(blob))}
	}

	ephemeralPublic := blob[:identity.KeySize]
	ciphertext := blob[identity.KeySize:]

	publicKey := id.PublicKey()
	nonce, err := deriveNonce(ephemeralPublic, publicKey[:])
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	err = id.WithSecretKey(func(secretKey []byte) error {
		sharedSecret, agreeErr := curve25519.X25519(secretKey, ephemeralPublic)
		if agreeErr != nil {
			return agreeErr
		}

		aead, aeadErr := chacha20poly1305.New(sharedSecret)
		if aeadErr != nil {
			return aeadErr
		}

		opened, openErr := aead.Open(nil, nonce, ciphertext, nil)
		if openErr != nil {
			return openErr
		}
		plaintext = opened
		return nil
	})
	if err != nil {
		return nil, &CryptoError{Op: "open", Err: err}
	}

	return plaintext, nil
}

// deriveNonce computes BLAKE2b-24(ephemeralPublic || recipientPublic)
// and returns the leading NonceSize bytes for use as the AEAD nonce.
func deriveNonce(ephemeralPublic, recipientPublic []byte) ([]byte, error) {
	hasher, err := blake2b.New(nonceDigestSize, nil)
	if err != nil {
		return nil, &CryptoError{Op: "construct nonce hash", Err: err}
	}
	hasher.Write(ephemeralPublic)
	hasher.Write(recipientPublic)
	digest := hasher.Sum(nil)
	return digest[:chacha20poly1305.NonceSize], nil
}
