// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package mailparse

import (
	"strings"
	"testing"
)

const multipartFixture = "Message-ID: <abc123@example.com>\r\n" +
	"From: Alice Sender <alice@example.com>\r\n" +
	"To: Bob Receiver <bob@perch.example>\r\n" +
	"Subject: Quarterly report\r\n" +
	"Date: Mon, 02 Feb 2026 10:30:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Here is the report.\r\n" +
	"--outer\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Here is the report.</p>\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=report.pdf\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--outer--\r\n"

func TestParseMultipart(t *testing.T) {
	email, attachments, err := Parse("alice@example.com", "bob@perch.example", []byte(multipartFixture))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if email.MessageID != "abc123@example.com" {
		t.Errorf("MessageID = %q, want abc123@example.com", email.MessageID)
	}
	if email.Sender != "alice@example.com" || email.Recipient != "bob@perch.example" {
		t.Errorf("envelope = %q -> %q", email.Sender, email.Recipient)
	}
	if email.From.Name != "Alice Sender" {
		t.Errorf("From.Name = %q, want Alice Sender", email.From.Name)
	}
	if email.Subject != "Quarterly report" {
		t.Errorf("Subject = %q", email.Subject)
	}
	if got := email.Date.Format("2006-01-02 15:04"); got != "2026-02-02 10:30" {
		t.Errorf("Date = %s", got)
	}
	if len(email.To) != 1 || email.To[0].Address != "bob@perch.example" {
		t.Errorf("To = %+v", email.To)
	}
	if !strings.Contains(email.Content.Text, "Here is the report.") {
		t.Errorf("Content.Text = %q", email.Content.Text)
	}
	if !strings.Contains(email.Content.HTML, "<p>Here is the report.</p>") {
		t.Errorf("Content.HTML = %q", email.Content.HTML)
	}
	if len(attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(attachments))
	}
	att := attachments[0]
	if att.Filename != "report.pdf" || att.MimeType != "application/pdf" {
		t.Errorf("attachment = %q (%s)", att.Filename, att.MimeType)
	}
	if string(att.Content) != "%PDF-1.4\n" {
		t.Errorf("attachment content = %q", att.Content)
	}
}

func TestParseGeneratesMessageID(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"Subject: no id\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body\r\n"
	email, _, err := Parse("alice@example.com", "bob@perch.example", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if email.MessageID == "" {
		t.Fatal("MessageID empty, want generated fallback")
	}
	if !strings.HasSuffix(email.MessageID, "@generated.invalid") {
		t.Errorf("MessageID = %q, want generated fallback", email.MessageID)
	}
}

func TestParseDropsSpoofedFromName(t *testing.T) {
	raw := "Message-ID: <spoof@example.com>\r\n" +
		"From: Support Team <support@bank.example>\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"click here\r\n"
	email, _, err := Parse("attacker@evil.example", "bob@perch.example", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if email.From.Name != "" {
		t.Errorf("From.Name = %q, want empty for mismatched envelope", email.From.Name)
	}
	if email.From.Address != "attacker@evil.example" {
		t.Errorf("From.Address = %q, want envelope sender", email.From.Address)
	}
}
