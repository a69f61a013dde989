// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/perch-im/perch/blobstore"
	"github.com/perch-im/perch/clock"
	"github.com/perch-im/perch/mailaddr"
	"github.com/perch-im/perch/messaging"
	"github.com/perch-im/perch/smtpout"
	"github.com/perch-im/perch/store"
)

// ErrRejected marks a permanent inbound delivery failure: unparseable
// mail, a forbidden sender domain, or a recipient that can never
// exist. The mail receiver maps it to a permanent protocol reject;
// anything else is treated as transient.
var ErrRejected = errors.New("bridge: delivery rejected")

// Matrix is the slice of the homeserver API the bridge uses. The
// bridge's own bot session satisfies it via NewMatrix.
type Matrix interface {
	ResolveAlias(ctx context.Context, alias string) (string, error)
	JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error)
	SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error)
	SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) (string, error)
	GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error)
	GetDisplayName(ctx context.Context, userID string) (string, error)
	UserExists(ctx context.Context, userID string) (bool, error)
}

type matrixClient struct {
	*messaging.Session
	client *messaging.Client
}

func (m *matrixClient) UserExists(ctx context.Context, userID string) (bool, error) {
	return m.client.UserExists(ctx, userID)
}

// NewMatrix wraps a messaging client's bot session as the bridge's
// homeserver surface.
func NewMatrix(client *messaging.Client) Matrix {
	return &matrixClient{Session: client.BotSession(), client: client}
}

// DomainVerifier decides whether a foreign domain is trusted. A nil
// error means trusted.
type DomainVerifier interface {
	VerifyDomain(ctx context.Context, domain string) error
}

// MailSender delivers an outbound message and returns the message id
// used on the wire.
type MailSender interface {
	Send(ctx context.Context, message *smtpout.Message) (string, error)
}

// Trust modes, gating which inbound sender domains are let through.
const (
	TrustOpen   = "open"
	TrustVerify = "verify"
	TrustClosed = "closed"
)

// Config holds the parameters for creating a Bridge.
type Config struct {
	// ServerName is the Matrix server name, used for user IDs and
	// room aliases.
	ServerName string

	// MailDomain is the email domain the bridge serves. Defaults to
	// ServerName.
	MailDomain string

	// BridgeUserID is the bridge's own fully qualified Matrix user.
	BridgeUserID string

	// Matrix is the homeserver surface, acting as the bridge user.
	Matrix Matrix

	// Store is the delivery bookkeeping layer.
	Store *store.Store

	// Blobs holds raw mail, attachments and oversized bodies.
	Blobs blobstore.Store

	// Sender delivers outbound mail.
	Sender MailSender

	// Verifier runs the domain trust handshake. Required when
	// TrustMode is TrustVerify.
	Verifier DomainVerifier

	// TrustMode selects which foreign sender domains are accepted.
	// Defaults to TrustOpen.
	TrustMode string

	// PostmasterLocalpart receives operational mail that is archived
	// but never bridged. Defaults to "postmaster".
	PostmasterLocalpart string

	// BounceLocalpart and BounceSubdomain name the bounce-handling
	// exception address, accepted without a user-existence check.
	BounceLocalpart string
	BounceSubdomain string

	// Clock provides time for event payloads and retry pacing.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Bridge carries email between the mail receivers and Matrix rooms.
// Safe for concurrent use.
type Bridge struct {
	serverName   string
	mailDomain   string
	bridgeUserID string
	matrix       Matrix
	store        *store.Store
	blobs        blobstore.Store
	sender       MailSender
	verifier     DomainVerifier
	trustMode    string
	postmaster   string
	bounceLocal  string
	bounceSub    string
	clock        clock.Clock
	logger       *slog.Logger
}

// New creates a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("bridge: ServerName is required")
	}
	if cfg.BridgeUserID == "" {
		return nil, fmt.Errorf("bridge: BridgeUserID is required")
	}
	if cfg.Matrix == nil {
		return nil, fmt.Errorf("bridge: Matrix is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("bridge: Store is required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("bridge: Blobs is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("bridge: Sender is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("bridge: Clock is required")
	}
	trustMode := cfg.TrustMode
	if trustMode == "" {
		trustMode = TrustOpen
	}
	switch trustMode {
	case TrustOpen, TrustVerify, TrustClosed:
	default:
		return nil, fmt.Errorf("bridge: unknown trust mode %q", trustMode)
	}
	if trustMode == TrustVerify && cfg.Verifier == nil {
		return nil, fmt.Errorf("bridge: Verifier is required in verify mode")
	}
	mailDomain := cfg.MailDomain
	if mailDomain == "" {
		mailDomain = cfg.ServerName
	}
	postmaster := cfg.PostmasterLocalpart
	if postmaster == "" {
		postmaster = "postmaster"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bridge{
		serverName:   cfg.ServerName,
		mailDomain:   mailDomain,
		bridgeUserID: cfg.BridgeUserID,
		matrix:       cfg.Matrix,
		store:        cfg.Store,
		blobs:        cfg.Blobs,
		sender:       cfg.Sender,
		verifier:     cfg.Verifier,
		trustMode:    trustMode,
		postmaster:   postmaster,
		bounceLocal:  cfg.BounceLocalpart,
		bounceSub:    cfg.BounceSubdomain,
		clock:        cfg.Clock,
		logger:       logger,
	}, nil
}

// inboxAlias returns the deterministic alias of a user's INBOX room.
func (b *Bridge) inboxAlias(localpart string) string {
	return "#" + localpart + "_INBOX:" + b.serverName
}

// bridgeAddress is the email address of the bridge's own account.
func (b *Bridge) bridgeAddress() string {
	localpart, _ := mailaddr.MXIDLocalpart(b.bridgeUserID)
	return localpart + "@" + b.mailDomain
}
