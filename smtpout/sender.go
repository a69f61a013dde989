// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package smtpout

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/perch-im/perch/clock"
	"github.com/perch-im/perch/mailaddr"
)

// Config holds the parameters for creating a Sender.
type Config struct {
	// Domain is the local mail domain, used for generated message ids
	// and as the HELO name.
	Domain string

	// DevMode redirects all mail to DevRelayAddr with recipient
	// domains rewritten to DevRewriteDomain.
	DevMode          bool
	DevRelayAddr     string
	DevRewriteDomain string

	// RelayAddr routes all mail through a single smarthost when set.
	// Username/Password authenticate to it over STARTTLS.
	RelayAddr string
	Username  string
	Password  string

	// Resolver answers MX lookups for direct delivery. Defaults to a
	// system-nameserver resolver.
	Resolver *Resolver

	// Clock provides Date header timestamps.
	Clock clock.Clock

	// Logger receives delivery logs. If nil, logging is discarded.
	Logger *slog.Logger
}

// Sender composes and delivers outbound email.
type Sender struct {
	domain           string
	devMode          bool
	devRelayAddr     string
	devRewriteDomain string
	relayAddr        string
	username         string
	password         string
	resolver         *Resolver
	clock            clock.Clock
	logger           *slog.Logger

	// deliver performs a single SMTP transaction. Swapped out in
	// tests.
	deliver func(ctx context.Context, addr string, authenticate bool, from string, to []string, raw []byte) error
}

// NewSender creates a Sender.
func NewSender(cfg Config) (*Sender, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("smtpout: Domain is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("smtpout: Clock is required")
	}
	if cfg.DevMode && cfg.DevRewriteDomain == "" {
		return nil, fmt.Errorf("smtpout: DevRewriteDomain is required in dev mode")
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = NewResolver()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	sender := &Sender{
		domain:           cfg.Domain,
		devMode:          cfg.DevMode,
		devRelayAddr:     cfg.DevRelayAddr,
		devRewriteDomain: cfg.DevRewriteDomain,
		relayAddr:        cfg.RelayAddr,
		username:         cfg.Username,
		password:         cfg.Password,
		resolver:         resolver,
		clock:            cfg.Clock,
		logger:           logger,
	}
	sender.deliver = sender.deliverSMTP
	return sender, nil
}

// Send composes the message and delivers it to every recipient.
// Returns the message id used, so the caller can correlate replies.
// Partial failure (some recipient domains unreachable) returns the
// joined errors; the message id is still valid for the recipients
// that succeeded.
func (s *Sender) Send(ctx context.Context, message *Message) (string, error) {
	recipients := message.To
	from := message.FromAddress
	if s.devMode {
		rewritten := make([]string, 0, len(recipients))
		for _, recipient := range recipients {
			rewritten = append(rewritten, mailaddr.ReplaceDomain(recipient, s.devRewriteDomain))
		}
		recipients = rewritten
		from = mailaddr.ReplaceDomain(from, s.devRewriteDomain)
	}

	raw, messageID, err := message.Compose(s.domain, s.clock.Now())
	if err != nil {
		return "", err
	}

	switch {
	case s.devMode:
		err = s.deliver(ctx, s.devRelayAddr, false, from, recipients, raw)
	case s.relayAddr != "":
		err = s.deliver(ctx, s.relayAddr, s.username != "", from, recipients, raw)
	default:
		err = s.deliverDirect(ctx, from, recipients, raw)
	}
	if err != nil {
		return messageID, err
	}

	s.logger.Info("email sent",
		"message_id", messageID,
		"from", from,
		"recipients", len(recipients),
	)
	return messageID, nil
}

// deliverDirect groups recipients by domain and delivers to each
// domain's MX hosts in preference order.
func (s *Sender) deliverDirect(ctx context.Context, from string, recipients []string, raw []byte) error {
	byDomain := make(map[string][]string)
	for _, recipient := range recipients {
		domain, err := mailaddr.Domain(recipient)
		if err != nil {
			return fmt.Errorf("smtpout: recipient %q: %w", recipient, err)
		}
		byDomain[domain] = append(byDomain[domain], recipient)
	}

	var errs []error
	for domain, domainRecipients := range byDomain {
		hosts, err := s.resolver.LookupMX(ctx, domain)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var lastErr error
		for _, host := range hosts {
			lastErr = s.deliver(ctx, host+":25", false, from, domainRecipients, raw)
			if lastErr == nil {
				break
			}
			s.logger.Warn("mx delivery attempt failed",
				"domain", domain,
				"host", host,
				"error", lastErr,
			)
		}
		if lastErr != nil {
			errs = append(errs, fmt.Errorf("smtpout: delivering to %s: %w", domain, lastErr))
		}
	}
	return errors.Join(errs...)
}

// deliverSMTP performs one SMTP transaction against addr.
func (s *Sender) deliverSMTP(ctx context.Context, addr string, authenticate bool, from string, to []string, raw []byte) error {
	var client *smtp.Client
	var err error
	if authenticate {
		host := addr
		if index := strings.IndexByte(addr, ':'); index >= 0 {
			host = addr[:index]
		}
		client, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: host})
	} else {
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("smtpout: dialing %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Hello(s.domain); err != nil {
		return fmt.Errorf("smtpout: HELO to %s: %w", addr, err)
	}
	if authenticate {
		if err := client.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return fmt.Errorf("smtpout: authenticating to %s: %w", addr, err)
		}
	}
	if err := client.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("smtpout: sending via %s: %w", addr, err)
	}
	return client.Quit()
}
