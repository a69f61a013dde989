// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/perch-im/perch/clock"
)

func TestLoadOrGenerateSignerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	first, err := LoadOrGenerateSigner(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateSigner: %v", err)
	}
	second, err := LoadOrGenerateSigner(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateSigner (reload): %v", err)
	}
	if first.PublicKeyBase64() != second.PublicKeyBase64() {
		t.Error("reloaded signer has a different key")
	}
}

func TestSignVerify(t *testing.T) {
	signer, err := NewSignerFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

	signed, err := signer.Sign("perch.example", now)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := VerifySignature(signer.PublicKeyBase64(), signed); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}

	// Any single-byte change to the signature must fail verification.
	raw, err := base64.StdEncoding.DecodeString(signed.Signature)
	if err != nil {
		t.Fatal(err)
	}
	raw[7] ^= 0x01
	signed.Signature = base64.StdEncoding.EncodeToString(raw)
	if err := VerifySignature(signer.PublicKeyBase64(), signed); err == nil {
		t.Fatal("mutated signature verified")
	}
}

func TestVerifySignatureRejectsAlteredFields(t *testing.T) {
	signer, err := NewSignerFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	signed, err := signer.Sign("perch.example", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	signed.Homeserver = "evil.example"
	if err := VerifySignature(signer.PublicKeyBase64(), signed); err == nil {
		t.Fatal("assertion with altered homeserver verified")
	}
}

// trustServer wires a signer behind the three verification endpoints
// and returns the verifier-facing domain (host:port of the server).
func trustServer(t *testing.T, signer *Signer, fake *clock.Fake, assertedDomain string) string {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	serverURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	domain := serverURL.Host
	if assertedDomain == "" {
		assertedDomain = domain
	}

	mux.HandleFunc("/.well-known/perch/server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(WellKnown{ServerURL: server.URL})
	})
	mux.HandleFunc("/key", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(KeyResponse{
			Homeserver: assertedDomain,
			VerifyKey:  signer.PublicKeyBase64(),
		})
	})
	mux.HandleFunc("/homeserver", func(w http.ResponseWriter, r *http.Request) {
		signed, err := signer.Sign(assertedDomain, fake.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(signed)
	})

	return domain
}

func newTestVerifier(t *testing.T, fake *clock.Fake) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(VerifierConfig{
		AllowHTTP: true,
		Clock:     fake,
	})
	if err != nil {
		t.Fatal(err)
	}
	return verifier
}

func TestVerifyDomain(t *testing.T) {
	signer, err := NewSignerFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	fake := clock.NewFake()
	domain := trustServer(t, signer, fake, "")
	verifier := newTestVerifier(t, fake)

	if err := verifier.VerifyDomain(context.Background(), domain); err != nil {
		t.Fatalf("VerifyDomain: %v", err)
	}
}

func TestVerifyDomainRejectsMismatchedAssertion(t *testing.T) {
	signer, err := NewSignerFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	fake := clock.NewFake()
	domain := trustServer(t, signer, fake, "other.example")
	verifier := newTestVerifier(t, fake)

	err = verifier.VerifyDomain(context.Background(), domain)
	if !errors.Is(err, ErrNotTrusted) {
		t.Fatalf("VerifyDomain = %v, want ErrNotTrusted", err)
	}
}

func TestVerifyDomainRejectsStaleAssertion(t *testing.T) {
	signer, err := NewSignerFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	fake := clock.NewFake()
	signingClock := clock.NewFake()
	domain := trustServer(t, signer, signingClock, "")

	// The verifier's clock runs far ahead of the assertion timestamp.
	fake.Advance(time.Hour)
	verifier := newTestVerifier(t, fake)

	err = verifier.VerifyDomain(context.Background(), domain)
	if !errors.Is(err, ErrNotTrusted) {
		t.Fatalf("VerifyDomain = %v, want ErrNotTrusted", err)
	}
}

// memoryCache is an in-process documentCache for tests.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func (c *memoryCache) get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	return value, ok
}

func (c *memoryCache) set(ctx context.Context, key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string]string{}
	}
	c.entries[key] = value
}

// Only the discovery document may be served from cache; the key and
// assertion fetches must run on every verification so a key rotation
// is noticed immediately.
func TestVerifyDomainCachesOnlyDiscovery(t *testing.T) {
	oldSigner, err := NewSignerFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	rotatedSeed := make([]byte, 32)
	rotatedSeed[0] = 1
	rotatedSigner, err := NewSignerFromSeed(rotatedSeed)
	if err != nil {
		t.Fatal(err)
	}

	fake := clock.NewFake()
	var (
		mu             sync.Mutex
		keySigner      = oldSigner
		assertSigner   = oldSigner
		wellKnownHits  int
		keyHits        int
		homeserverHits int
	)

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	serverURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	domain := serverURL.Host

	mux.HandleFunc("/.well-known/perch/server", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		wellKnownHits++
		mu.Unlock()
		json.NewEncoder(w).Encode(WellKnown{ServerURL: server.URL})
	})
	mux.HandleFunc("/key", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keyHits++
		signer := keySigner
		mu.Unlock()
		json.NewEncoder(w).Encode(KeyResponse{
			Homeserver: domain,
			VerifyKey:  signer.PublicKeyBase64(),
		})
	})
	mux.HandleFunc("/homeserver", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		homeserverHits++
		signer := assertSigner
		mu.Unlock()
		signed, err := signer.Sign(domain, fake.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(signed)
	})

	verifier := newTestVerifier(t, fake)
	verifier.cache = &memoryCache{}

	for i := range 2 {
		if err := verifier.VerifyDomain(context.Background(), domain); err != nil {
			t.Fatalf("VerifyDomain #%d: %v", i+1, err)
		}
	}

	mu.Lock()
	if wellKnownHits != 1 {
		t.Errorf("well-known fetched %d times, want 1 (cached after first)", wellKnownHits)
	}
	if keyHits != 2 || homeserverHits != 2 {
		t.Errorf("key fetched %d times, assertion %d times, want 2 each", keyHits, homeserverHits)
	}
	// The remote rotates its verify key but keeps serving assertions
	// made with the old one. The next verification must notice.
	keySigner = rotatedSigner
	mu.Unlock()

	err = verifier.VerifyDomain(context.Background(), domain)
	if !errors.Is(err, ErrNotTrusted) {
		t.Fatalf("VerifyDomain after key rotation = %v, want ErrNotTrusted", err)
	}
}

func TestVerifyDomainFailsClosed(t *testing.T) {
	fake := clock.NewFake()
	verifier := newTestVerifier(t, fake)

	// No server is listening for this domain at all.
	err := verifier.VerifyDomain(context.Background(), "127.0.0.1:1")
	if !errors.Is(err, ErrNotTrusted) {
		t.Fatalf("VerifyDomain = %v, want ErrNotTrusted", err)
	}
}
