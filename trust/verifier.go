// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perch-im/perch/clock"
)

const (
	// wellKnownTimeout bounds the initial well-known lookup, which
	// crosses to an arbitrary foreign host.
	wellKnownTimeout = 5 * time.Second

	// fetchTimeout bounds the key and assertion fetches against the
	// server named by the well-known document.
	fetchTimeout = 3 * time.Second

	// maxDocumentBytes bounds each fetched verification document.
	maxDocumentBytes = 64 << 10

	cacheKeyPrefix = "perch:trust:"
)

// ErrNotTrusted is wrapped by every verification failure. Callers that
// only need a verdict can errors.Is against it; the wrapped chain
// says which step failed.
var ErrNotTrusted = errors.New("trust: domain not trusted")

// WellKnown is the discovery document at
// https://<domain>/.well-known/perch/server.
type WellKnown struct {
	// ServerURL is the base URL of the domain's bridge
	// (e.g., "https://bridge.example.com").
	ServerURL string `json:"server_url"`
}

// KeyResponse is the document at <server>/key.
type KeyResponse struct {
	Homeserver string `json:"homeserver"`
	VerifyKey  string `json:"verify_key"`
}

// VerifierConfig holds the parameters for creating a Verifier.
type VerifierConfig struct {
	// HTTPClient is used for all fetches. If nil, http.DefaultClient.
	HTTPClient *http.Client

	// Redis caches well-known discovery documents. Nil disables
	// caching. Only discovery is cacheable; the key and assertion
	// fetches run on every verification.
	Redis *redis.Client

	// CacheTTL is how long a discovery document is cached. Defaults
	// to one hour.
	CacheTTL time.Duration

	// AllowHTTP permits http:// well-known lookups and server URLs.
	// For local development only.
	AllowHTTP bool

	// Clock provides the current time for freshness checks.
	Clock clock.Clock

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// Verifier runs the verification handshake against foreign domains.
// Only the well-known discovery document is cached; the key and the
// signed assertion are re-fetched on every verification, so a rotated
// or revoked key stops verifying as soon as the remote serves it.
// Failed lookups are never cached: a domain that fails now may pass
// once its operator fixes their deployment, and a single slow lookup
// is cheaper than a poisoned negative verdict.
type Verifier struct {
	httpClient *http.Client
	cache      documentCache
	cacheTTL   time.Duration
	allowHTTP  bool
	clock      clock.Clock
	logger     *slog.Logger
}

// documentCache stores fetched discovery documents. Implemented by
// redisCache; absent caching is a nil cache.
type documentCache interface {
	get(ctx context.Context, key string) (string, bool)
	set(ctx context.Context, key, value string, ttl time.Duration)
}

type redisCache struct {
	client *redis.Client
	logger *slog.Logger
}

func (c *redisCache) get(ctx context.Context, key string) (string, bool) {
	value, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("trust cache read failed", "key", key, "error", err)
		}
		return "", false
	}
	return value, true
}

func (c *redisCache) set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn("trust cache write failed", "key", key, "error", err)
	}
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("trust: Clock is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	var cache documentCache
	if cfg.Redis != nil {
		cache = &redisCache{client: cfg.Redis, logger: logger}
	}
	return &Verifier{
		httpClient: httpClient,
		cache:      cache,
		cacheTTL:   cacheTTL,
		allowHTTP:  cfg.AllowHTTP,
		clock:      cfg.Clock,
		logger:     logger,
	}, nil
}

// VerifyDomain runs the full handshake against a domain. Returns nil
// when the domain proves control of its bridge; any other outcome
// returns an error wrapping ErrNotTrusted.
func (v *Verifier) VerifyDomain(ctx context.Context, domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return fmt.Errorf("%w: empty domain", ErrNotTrusted)
	}

	scheme := "https"
	if v.allowHTTP {
		scheme = "http"
	}

	// Only the discovery document may be served from cache. Everything
	// after it, the key and the signed assertion, is fetched fresh so
	// trust staleness is bounded by the assertion's own age check.
	wellKnownURL := scheme + "://" + domain + "/.well-known/perch/server"
	wellKnown, cached := v.cachedWellKnown(ctx, wellKnownURL)
	if !cached {
		if err := v.fetchJSON(ctx, wellKnownURL, wellKnownTimeout, &wellKnown); err != nil {
			return fmt.Errorf("%w: well-known lookup for %s: %v", ErrNotTrusted, domain, err)
		}
		v.cacheWellKnown(ctx, wellKnownURL, wellKnown)
	}
	server := strings.TrimRight(wellKnown.ServerURL, "/")
	if server == "" {
		return fmt.Errorf("%w: well-known for %s names no server", ErrNotTrusted, domain)
	}
	if !v.allowHTTP && !strings.HasPrefix(server, "https://") {
		return fmt.Errorf("%w: well-known for %s names non-https server %q", ErrNotTrusted, domain, server)
	}

	var key KeyResponse
	if err := v.fetchJSON(ctx, server+"/key", fetchTimeout, &key); err != nil {
		return fmt.Errorf("%w: key fetch for %s: %v", ErrNotTrusted, domain, err)
	}
	if key.VerifyKey == "" {
		return fmt.Errorf("%w: %s served an empty key", ErrNotTrusted, domain)
	}

	var signed SignedAssertion
	if err := v.fetchJSON(ctx, server+"/homeserver", fetchTimeout, &signed); err != nil {
		return fmt.Errorf("%w: assertion fetch for %s: %v", ErrNotTrusted, domain, err)
	}

	if err := VerifySignature(key.VerifyKey, signed); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotTrusted, domain, err)
	}

	// The assertion must name the exact domain being verified. A
	// parent domain or sibling subdomain asserting on its behalf does
	// not count.
	if !strings.EqualFold(signed.Homeserver, domain) {
		return fmt.Errorf("%w: assertion names %q, verifying %q", ErrNotTrusted, signed.Homeserver, domain)
	}

	age := v.clock.Now().Sub(time.Unix(signed.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > MaxAssertionAge {
		return fmt.Errorf("%w: assertion for %s is %s old", ErrNotTrusted, domain, age.Round(time.Second))
	}

	v.logger.Info("domain verified", "domain", domain, "server", server)
	return nil
}

// cachedWellKnown returns the cached discovery document for the URL.
// Cache errors and malformed entries degrade to a cache miss.
func (v *Verifier) cachedWellKnown(ctx context.Context, url string) (WellKnown, bool) {
	if v.cache == nil {
		return WellKnown{}, false
	}
	value, ok := v.cache.get(ctx, cacheKeyPrefix+url)
	if !ok {
		return WellKnown{}, false
	}
	var wellKnown WellKnown
	if err := json.Unmarshal([]byte(value), &wellKnown); err != nil {
		v.logger.Warn("malformed cached discovery document", "url", url, "error", err)
		return WellKnown{}, false
	}
	return wellKnown, true
}

func (v *Verifier) cacheWellKnown(ctx context.Context, url string, wellKnown WellKnown) {
	if v.cache == nil {
		return
	}
	value, err := json.Marshal(wellKnown)
	if err != nil {
		return
	}
	v.cache.set(ctx, cacheKeyPrefix+url, string(value), v.cacheTTL)
}

// fetchJSON GETs a URL with a timeout and decodes the JSON body.
func (v *Verifier) fetchJSON(ctx context.Context, url string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	response, err := v.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxDocumentBytes))
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: decoding: %w", url, err)
	}
	return nil
}
