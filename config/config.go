// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Perch bridge.
//
// Configuration is loaded from a single YAML file specified by:
//   - PERCH_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is the
// single source of truth; environment variables do not override values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the bridge.
type Config struct {
	// ServerName is the Matrix server name this bridge serves, used to
	// build user IDs and room aliases (e.g. "perch.example").
	ServerName string `yaml:"server_name"`

	// Homeserver configures the connection to the Matrix homeserver.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Appservice configures the application service HTTP listener.
	Appservice AppserviceConfig `yaml:"appservice"`

	// Mail configures inbound and outbound email handling.
	Mail MailConfig `yaml:"mail"`

	// Trust configures the domain verification protocol.
	Trust TrustConfig `yaml:"trust"`

	// Paths configures directory and file locations.
	Paths PathsConfig `yaml:"paths"`

	// Redis configures the cache used for verification results.
	Redis RedisConfig `yaml:"redis"`
}

// HomeserverConfig configures the Matrix homeserver connection.
type HomeserverConfig struct {
	// URL is the base client-server API URL (e.g. "http://localhost:8008").
	URL string `yaml:"url"`

	// ASToken authenticates the bridge to the homeserver.
	ASToken string `yaml:"as_token"`

	// HSToken authenticates the homeserver to the bridge's transaction
	// endpoint.
	HSToken string `yaml:"hs_token"`

	// SenderLocalpart is the localpart of the bridge's own Matrix user.
	// Default: perch
	SenderLocalpart string `yaml:"sender_localpart"`
}

// AppserviceConfig configures the application service HTTP listener.
type AppserviceConfig struct {
	// ID is the appservice id from the homeserver registration, used
	// by the ping API.
	// Default: perch
	ID string `yaml:"id"`

	// ListenAddr is the address the transaction endpoint binds to.
	// Default: :8228
	ListenAddr string `yaml:"listen_addr"`

	// PublicURL is the externally reachable base URL of this bridge,
	// advertised in the well-known discovery document.
	PublicURL string `yaml:"public_url"`

	// IngestToken authenticates HTTP mail ingestion. Empty disables
	// the endpoint.
	IngestToken string `yaml:"ingest_token"`

	// Workers is the size of the event worker pool. Events arriving
	// while all workers are busy and the queue is full are dropped.
	// Default: 8
	Workers int `yaml:"workers"`

	// QueueSize is the number of events that may wait for a worker.
	// Default: 256
	QueueSize int `yaml:"queue_size"`
}

// MailConfig configures email handling.
type MailConfig struct {
	// Domain is the email domain the bridge accepts mail for and sends
	// mail from. Usually equal to the server name.
	Domain string `yaml:"domain"`

	// LMTPListenAddr is the address the mail receiver binds to.
	// Default: :2525
	LMTPListenAddr string `yaml:"lmtp_listen_addr"`

	// IdleTimeout bounds how long a mail connection may sit between
	// commands before the server hangs up.
	// Default: 5m
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RetryInterval is the spacing between redelivery passes over
	// unprocessed stored emails.
	// Default: 1s
	RetryInterval time.Duration `yaml:"retry_interval"`

	// PostmasterLocalpart receives operational mail that is accepted
	// but never bridged into a room.
	// Default: postmaster
	PostmasterLocalpart string `yaml:"postmaster_localpart"`

	// BounceLocalpart and BounceSubdomain name the bounce-handling
	// recipient address that is always accepted without a
	// user-existence check (e.g. "pm-bounces" at subdomain
	// "pm-bounces").
	BounceLocalpart string `yaml:"bounce_localpart"`
	BounceSubdomain string `yaml:"bounce_subdomain"`

	// Outbound configures SMTP dispatch of chat messages.
	Outbound OutboundConfig `yaml:"outbound"`
}

// OutboundConfig configures outbound SMTP dispatch.
type OutboundConfig struct {
	// DevMode redirects all outbound mail to the relay below with the
	// recipient domain rewritten, for local loopback testing.
	DevMode bool `yaml:"dev_mode"`

	// DevRelayAddr is the SMTP address used when DevMode is on.
	// Default: localhost:2525
	DevRelayAddr string `yaml:"dev_relay_addr"`

	// DevRewriteDomain replaces recipient domains when DevMode is on.
	DevRewriteDomain string `yaml:"dev_rewrite_domain"`

	// RelayAddr, when set, routes all outbound mail through a single
	// smarthost instead of per-domain MX lookup.
	RelayAddr string `yaml:"relay_addr"`

	// Username and Password authenticate to the relay when set.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TrustConfig configures the domain verification protocol.
type TrustConfig struct {
	// Mode selects which inbound senders are let through:
	// "open" accepts any domain, "verify" requires a passing
	// verification handshake, "closed" rejects all foreign domains.
	// Default: verify
	Mode string `yaml:"mode"`

	// CacheTTL is how long a verification verdict is cached.
	// Default: 1h
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// PathsConfig configures directory and file locations.
type PathsConfig struct {
	// Data is the base directory for bridge data.
	// Default: ~/.cache/perch
	Data string `yaml:"data"`

	// Database is the SQLite database path.
	// Default: <data>/perch.db
	Database string `yaml:"database"`

	// Blobs is the blob store root for raw mail and attachments.
	// Default: <data>/blobs
	Blobs string `yaml:"blobs"`

	// SigningKey is the persisted ed25519 key file.
	// Default: <data>/signing.key
	SigningKey string `yaml:"signing_key"`
}

// RedisConfig configures the verification cache.
type RedisConfig struct {
	// Addr is the Redis server address. Empty disables caching; every
	// verification then runs the full handshake.
	Addr string `yaml:"addr"`

	// Password authenticates to Redis when set.
	Password string `yaml:"password"`

	// DB selects the Redis database number.
	DB int `yaml:"db"`
}

// Default returns the default configuration. These exist to give every
// field a sensible zero-value; the config file is still required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".cache", "perch")

	return &Config{
		Homeserver: HomeserverConfig{
			SenderLocalpart: "perch",
		},
		Appservice: AppserviceConfig{
			ID:         "perch",
			ListenAddr: ":8228",
			Workers:    8,
			QueueSize:  256,
		},
		Mail: MailConfig{
			LMTPListenAddr:      ":2525",
			IdleTimeout:         5 * time.Minute,
			RetryInterval:       time.Second,
			PostmasterLocalpart: "postmaster",
			Outbound: OutboundConfig{
				DevRelayAddr: "localhost:2525",
			},
		},
		Trust: TrustConfig{
			Mode:     "verify",
			CacheTTL: time.Hour,
		},
		Paths: PathsConfig{
			Data:       dataDir,
			Database:   filepath.Join(dataDir, "perch.db"),
			Blobs:      filepath.Join(dataDir, "blobs"),
			SigningKey: filepath.Join(dataDir, "signing.key"),
		},
	}
}

// Load loads configuration from the PERCH_CONFIG environment variable.
func Load() (*Config, error) {
	path := os.Getenv("PERCH_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("PERCH_CONFIG environment variable not set; " +
			"set it to the path of your perch.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	// Mail domain defaults to the server name, and derived paths
	// follow the data directory when not set explicitly.
	if cfg.Mail.Domain == "" {
		cfg.Mail.Domain = cfg.ServerName
	}
	if cfg.Paths.Database == "" {
		cfg.Paths.Database = filepath.Join(cfg.Paths.Data, "perch.db")
	}
	if cfg.Paths.Blobs == "" {
		cfg.Paths.Blobs = filepath.Join(cfg.Paths.Data, "blobs")
	}
	if cfg.Paths.SigningKey == "" {
		cfg.Paths.SigningKey = filepath.Join(cfg.Paths.Data, "signing.key")
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerName == "" {
		errs = append(errs, fmt.Errorf("server_name is required"))
	}
	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	} else if u, err := url.Parse(c.Homeserver.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("homeserver.url %q is not a valid URL", c.Homeserver.URL))
	}
	if c.Homeserver.ASToken == "" {
		errs = append(errs, fmt.Errorf("homeserver.as_token is required"))
	}
	if c.Homeserver.HSToken == "" {
		errs = append(errs, fmt.Errorf("homeserver.hs_token is required"))
	}
	if c.Appservice.Workers <= 0 {
		errs = append(errs, fmt.Errorf("appservice.workers must be positive"))
	}
	if c.Appservice.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("appservice.queue_size must be positive"))
	}
	if c.Mail.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("mail.retry_interval must be positive"))
	}

	switch c.Trust.Mode {
	case "open", "verify", "closed":
	default:
		errs = append(errs, fmt.Errorf("trust.mode must be one of: open, verify, closed"))
	}

	if c.Mail.Outbound.DevMode && c.Mail.Outbound.DevRewriteDomain == "" {
		errs = append(errs, fmt.Errorf("mail.outbound.dev_rewrite_domain is required in dev mode"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	dirs := []string{
		c.Paths.Data,
		c.Paths.Blobs,
		filepath.Dir(c.Paths.Database),
		filepath.Dir(c.Paths.SigningKey),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// BridgeUserID returns the bridge's own fully qualified Matrix user ID.
func (c *Config) BridgeUserID() string {
	return "@" + c.Homeserver.SenderLocalpart + ":" + c.ServerName
}

// IsLocalDomain reports whether the given email domain is one the
// bridge itself serves.
func (c *Config) IsLocalDomain(domain string) bool {
	return strings.EqualFold(domain, c.Mail.Domain)
}
