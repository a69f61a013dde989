// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package smtpout

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/perch-im/perch/clock"
	"github.com/perch-im/perch/mailparse"
)

func TestComposeAlternative(t *testing.T) {
	message := &Message{
		FromAddress: "bob@perch.example",
		FromName:    "Bob",
		To:          []string{"alice@example.com"},
		Subject:     "Re: Quarterly report",
		Text:        "Looks good.",
		HTML:        "<p>Looks good.</p>",
		InReplyTo:   "abc123@example.com",
		References:  []string{"abc123@example.com"},
	}
	now := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)

	raw, messageID, err := message.Compose("perch.example", now)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if !strings.HasSuffix(messageID, "@perch.example") {
		t.Errorf("messageID = %q", messageID)
	}

	// The output must parse back with both bodies and the threading
	// headers intact.
	parsed, _, err := mailparse.Parse("bob@perch.example", "alice@example.com", raw)
	if err != nil {
		t.Fatalf("parsing composed message: %v", err)
	}
	if parsed.MessageID != messageID {
		t.Errorf("round-tripped MessageID = %q, want %q", parsed.MessageID, messageID)
	}
	if parsed.Subject != "Re: Quarterly report" {
		t.Errorf("Subject = %q", parsed.Subject)
	}
	if !strings.Contains(parsed.Content.Text, "Looks good.") {
		t.Errorf("Text = %q", parsed.Content.Text)
	}
	if !strings.Contains(parsed.Content.HTML, "<p>Looks good.</p>") {
		t.Errorf("HTML = %q", parsed.Content.HTML)
	}
	if !strings.Contains(string(raw), "In-Reply-To:") {
		t.Error("In-Reply-To header missing")
	}
}

func TestComposeValidation(t *testing.T) {
	now := time.Now()
	if _, _, err := (&Message{To: []string{"a@b.c"}, Text: "x"}).Compose("d", now); err == nil {
		t.Error("Compose without sender succeeded")
	}
	if _, _, err := (&Message{FromAddress: "a@b.c", Text: "x"}).Compose("d", now); err == nil {
		t.Error("Compose without recipients succeeded")
	}
	if _, _, err := (&Message{FromAddress: "a@b.c", To: []string{"d@e.f"}}).Compose("d", now); err == nil {
		t.Error("Compose without body succeeded")
	}
}

func TestNewMessageIDUnique(t *testing.T) {
	first := NewMessageID("perch.example")
	second := NewMessageID("perch.example")
	if first == second {
		t.Errorf("consecutive message ids collide: %q", first)
	}
	if !strings.HasSuffix(first, "@perch.example") {
		t.Errorf("message id = %q", first)
	}
}

type capturedDelivery struct {
	addr string
	from string
	to   []string
}

func newTestSender(t *testing.T, cfg Config) (*Sender, *[]capturedDelivery) {
	t.Helper()
	cfg.Clock = clock.NewFake()
	sender, err := NewSender(cfg)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	var deliveries []capturedDelivery
	sender.deliver = func(ctx context.Context, addr string, authenticate bool, from string, to []string, raw []byte) error {
		deliveries = append(deliveries, capturedDelivery{addr: addr, from: from, to: to})
		return nil
	}
	return sender, &deliveries
}

func TestSendDevModeRewritesRecipients(t *testing.T) {
	sender, deliveries := newTestSender(t, Config{
		Domain:           "perch.example",
		DevMode:          true,
		DevRelayAddr:     "localhost:2525",
		DevRewriteDomain: "perch.example",
	})

	_, err := sender.Send(context.Background(), &Message{
		FromAddress: "bob@perch.example",
		To:          []string{"alice+billing@example.com"},
		Text:        "hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*deliveries) != 1 {
		t.Fatalf("deliveries = %d", len(*deliveries))
	}
	got := (*deliveries)[0]
	if got.addr != "localhost:2525" {
		t.Errorf("addr = %q", got.addr)
	}
	if len(got.to) != 1 || got.to[0] != "alice+billing@perch.example" {
		t.Errorf("to = %v, want rewritten domain with tag preserved", got.to)
	}
}

func TestSendRelay(t *testing.T) {
	sender, deliveries := newTestSender(t, Config{
		Domain:    "perch.example",
		RelayAddr: "smarthost.example:587",
	})

	_, err := sender.Send(context.Background(), &Message{
		FromAddress: "bob@perch.example",
		To:          []string{"alice@example.com", "carol@example.org"},
		Text:        "hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*deliveries) != 1 {
		t.Fatalf("deliveries = %d, want single relay transaction", len(*deliveries))
	}
	if (*deliveries)[0].addr != "smarthost.example:587" {
		t.Errorf("addr = %q", (*deliveries)[0].addr)
	}
	if len((*deliveries)[0].to) != 2 {
		t.Errorf("to = %v", (*deliveries)[0].to)
	}
}
