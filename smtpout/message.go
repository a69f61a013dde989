// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package smtpout delivers outbound email. It composes MIME messages
// from chat content and hands them to the right SMTP endpoint: the
// configured relay, a dev-mode loopback, or the recipient domain's MX
// hosts.
package smtpout

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/oklog/ulid/v2"
)

// Message is an outbound email before composition. To holds bare
// addresses; the envelope recipients always equal the To list.
type Message struct {
	FromAddress string
	FromName    string
	To          []string
	Subject     string
	Text        string
	HTML        string

	// InReplyTo and References thread the message under an email
	// conversation. Bare message ids, without angle brackets.
	InReplyTo  string
	References []string

	// MessageID is generated during composition when empty.
	MessageID string
}

// NewMessageID generates a fresh message id scoped to the given
// domain.
func NewMessageID(domain string) string {
	return strings.ToLower(ulid.Make().String()) + "@" + domain
}

// Compose renders the message as MIME bytes and returns them along
// with the message id used (generating one against domain when the
// message carries none). Text and HTML bodies become a
// multipart/alternative pair; either alone becomes a single part.
func (m *Message) Compose(domain string, now time.Time) ([]byte, string, error) {
	if m.FromAddress == "" {
		return nil, "", fmt.Errorf("smtpout: message has no sender")
	}
	if len(m.To) == 0 {
		return nil, "", fmt.Errorf("smtpout: message has no recipients")
	}
	if m.Text == "" && m.HTML == "" {
		return nil, "", fmt.Errorf("smtpout: message has no body")
	}

	messageID := m.MessageID
	if messageID == "" {
		messageID = NewMessageID(domain)
	}

	var header mail.Header
	header.SetDate(now)
	header.SetMessageID(messageID)
	header.SetAddressList("From", []*mail.Address{{Name: m.FromName, Address: m.FromAddress}})
	toList := make([]*mail.Address, len(m.To))
	for i, addr := range m.To {
		toList[i] = &mail.Address{Address: addr}
	}
	header.SetAddressList("To", toList)
	if m.Subject != "" {
		header.SetSubject(m.Subject)
	}
	if m.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{m.InReplyTo})
	}
	if len(m.References) > 0 {
		header.SetMsgIDList("References", m.References)
	}

	var buf bytes.Buffer
	writer, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, "", fmt.Errorf("smtpout: creating message writer: %w", err)
	}

	inline, err := writer.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("smtpout: creating inline writer: %w", err)
	}
	if m.Text != "" {
		if err := writeInlinePart(inline, "text/plain", m.Text); err != nil {
			return nil, "", err
		}
	}
	if m.HTML != "" {
		if err := writeInlinePart(inline, "text/html", m.HTML); err != nil {
			return nil, "", err
		}
	}
	if err := inline.Close(); err != nil {
		return nil, "", fmt.Errorf("smtpout: closing inline writer: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("smtpout: closing message writer: %w", err)
	}

	return buf.Bytes(), messageID, nil
}

func writeInlinePart(inline *mail.InlineWriter, mediaType, body string) error {
	var header mail.InlineHeader
	header.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	part, err := inline.CreatePart(header)
	if err != nil {
		return fmt.Errorf("smtpout: creating %s part: %w", mediaType, err)
	}
	if _, err := io.WriteString(part, body); err != nil {
		return fmt.Errorf("smtpout: writing %s part: %w", mediaType, err)
	}
	return part.Close()
}
