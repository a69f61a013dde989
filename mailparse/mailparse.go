// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailparse turns raw MIME bytes into the structured email the
// bridge pipeline operates on. It is a leaf package: no storage, no
// network, no knowledge of rooms.
//
// The envelope sender and recipient always come from the transport
// (LMTP dialogue or ingestion URL path), never from message headers.
// Headers are trivially forgeable and only provide display metadata
// (From name, To list, Subject, Date).
package mailparse

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Email is a parsed inbound email. Immutable once built. It serializes
// to the JSON shape persisted in the email store, which the retry loop
// later decodes without re-parsing MIME.
type Email struct {
	MessageID   string       `json:"message_id"`
	Sender      string       `json:"sender"`
	Recipient   string       `json:"recipient"`
	From        Address      `json:"from"`
	To          []Address    `json:"to,omitempty"`
	Subject     string       `json:"subject,omitempty"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	Date        time.Time    `json:"date"`
	Content     Content      `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Address is a mailbox with an optional display name.
type Address struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Content holds the message bodies. Either part may be empty; both
// empty means the message had no usable body.
type Content struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// Attachment is the record of an attachment that has been offloaded to
// blob storage. Created by the bridge after upload; mailparse itself
// produces [AttachmentData].
type Attachment struct {
	Filename string `json:"filename"`
	BlobPath string `json:"blob_path"`
	MimeType string `json:"mime_type"`
}

// AttachmentData carries a decoded attachment payload on its way to
// blob storage. Never serialized; only the [Attachment] pointer ends
// up in persisted JSON.
type AttachmentData struct {
	Filename string
	MimeType string
	Content  []byte
}

// Parse builds an Email from the envelope addresses and raw MIME
// bytes. Returns the structured email plus the decoded attachment
// payloads for the caller to offload.
//
// A missing Message-ID header gets a generated one so that the store's
// uniqueness guard always has a key; a missing Date falls back to the
// current time.
func Parse(sender, recipient string, raw []byte) (*Email, []AttachmentData, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("mailparse: reading message: %w", err)
	}

	email := &Email{
		Sender:    sender,
		Recipient: recipient,
		From:      Address{Address: sender},
		Date:      time.Now().UTC(),
	}

	if id, err := reader.Header.MessageID(); err == nil && id != "" {
		email.MessageID = id
	} else {
		email.MessageID = uuid.NewString() + "@generated.invalid"
	}

	if subject, err := reader.Header.Subject(); err == nil {
		email.Subject = subject
	}
	if ids, err := reader.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		email.InReplyTo = ids[0]
	}
	if date, err := reader.Header.Date(); err == nil && !date.IsZero() {
		email.Date = date.UTC()
	}
	if fromList, err := reader.Header.AddressList("From"); err == nil && len(fromList) > 0 {
		// The display name is only trusted when the header address
		// agrees with the envelope sender.
		if strings.EqualFold(fromList[0].Address, sender) {
			email.From.Name = fromList[0].Name
		}
	}
	if toList, err := reader.Header.AddressList("To"); err == nil {
		for _, addr := range toList {
			email.To = append(email.To, Address{Address: addr.Address, Name: addr.Name})
		}
	}

	var attachments []AttachmentData
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("mailparse: reading part: %w", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, nil, fmt.Errorf("mailparse: reading body part: %w", err)
			}
			switch {
			case strings.HasPrefix(mediaType, "text/html"):
				email.Content.HTML = appendBody(email.Content.HTML, string(body))
			case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
				email.Content.Text = appendBody(email.Content.Text, string(body))
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			if strings.TrimSpace(filename) == "" {
				filename = "attachment"
			}
			mediaType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, nil, fmt.Errorf("mailparse: reading attachment %q: %w", filename, err)
			}
			attachments = append(attachments, AttachmentData{
				Filename: filename,
				MimeType: mediaType,
				Content:  body,
			})
		}
	}

	return email, attachments, nil
}

// appendBody concatenates multipart bodies of the same media type with
// a newline, matching how multi-part alternatives stack in practice.
func appendBody(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "\n" + next
}
