// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust implements the domain verification handshake between
// bridges. A bridge proves it speaks for its email domain by serving a
// well-known document, an ed25519 public key, and a signed assertion
// naming its homeserver. The verifying side walks those three
// documents and checks the signature; any failure along the way means
// the domain is not trusted.
package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// MaxAssertionAge is how old a signed assertion's timestamp may be
// before verification rejects it.
const MaxAssertionAge = 5 * time.Minute

// Assertion is the statement a bridge signs: "this homeserver is mine,
// as of this time". The signing payload is the JSON encoding of this
// struct, fields in declaration order. Both sides must produce
// byte-identical payloads, so the field set and order are fixed.
type Assertion struct {
	Homeserver string `json:"homeserver"`
	Timestamp  int64  `json:"timestamp"`
}

// SignedAssertion is an assertion plus its base64 ed25519 signature,
// as served on the wire.
type SignedAssertion struct {
	Homeserver string `json:"homeserver"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
}

// Signer holds the bridge's long-term ed25519 key pair.
type Signer struct {
	private ed25519.PrivateKey
}

// LoadOrGenerateSigner reads the base64-encoded ed25519 seed from
// path, generating and persisting a fresh one if the file does not
// exist.
func LoadOrGenerateSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("trust: decoding key file %s: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("trust: key file %s has %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		return &Signer{private: ed25519.NewKeyFromSeed(seed)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("trust: reading key file %s: %w", path, err)
	}

	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("trust: generating key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(private.Seed())
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("trust: writing key file %s: %w", path, err)
	}
	return &Signer{private: private}, nil
}

// NewSignerFromSeed builds a signer from a raw ed25519 seed. Used by
// tests.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("trust: seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return &Signer{private: ed25519.NewKeyFromSeed(seed)}, nil
}

// PublicKeyBase64 returns the base64-encoded public key, as served by
// the key endpoint.
func (s *Signer) PublicKeyBase64() string {
	public := s.private.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(public)
}

// Sign produces a signed assertion naming the given homeserver at the
// given time.
func (s *Signer) Sign(homeserver string, now time.Time) (SignedAssertion, error) {
	assertion := Assertion{
		Homeserver: homeserver,
		Timestamp:  now.Unix(),
	}
	payload, err := json.Marshal(assertion)
	if err != nil {
		return SignedAssertion{}, fmt.Errorf("trust: encoding assertion: %w", err)
	}
	signature := ed25519.Sign(s.private, payload)
	return SignedAssertion{
		Homeserver: assertion.Homeserver,
		Timestamp:  assertion.Timestamp,
		Signature:  base64.StdEncoding.EncodeToString(signature),
	}, nil
}

// VerifySignature checks a signed assertion against a base64 public
// key. It validates only the signature; freshness and domain matching
// are the verifier's concern.
func VerifySignature(publicKeyBase64 string, signed SignedAssertion) error {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return fmt.Errorf("trust: decoding public key: %w", err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("trust: public key has %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	signature, err := base64.StdEncoding.DecodeString(signed.Signature)
	if err != nil {
		return fmt.Errorf("trust: decoding signature: %w", err)
	}

	payload, err := json.Marshal(Assertion{
		Homeserver: signed.Homeserver,
		Timestamp:  signed.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("trust: encoding assertion: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature) {
		return fmt.Errorf("trust: signature does not verify")
	}
	return nil
}
