// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"time"

	"github.com/perch-im/perch/messaging"
)

// Custom event types exchanged with the homeserver. Message types carry
// email content into rooms; state types hold per-room bridge bookkeeping.
const (
	// EventTypeRoomType tags a room with its mailbox role. State event,
	// state_key is the room type (e.g. "INBOX").
	EventTypeRoomType = "perch.room.type"

	// EventTypeScreenRule holds a per-sender screening decision. State
	// event, state_key is the sender's email address.
	EventTypeScreenRule = "perch.email.screen"

	// EventTypePending lists delivered emails from senders with no
	// screening rule yet. State event with empty state_key.
	EventTypePending = "perch.email.pending"

	// EventTypeEmailStandard is an email materialized as a room message,
	// in either direction.
	EventTypeEmailStandard = "perch.email.standard"

	// EventTypeEmailReply is a reply addressed to the bridge's own
	// service account; it is answered in-room instead of over SMTP.
	EventTypeEmailReply = "perch.email.reply"

	// EventTypeThreadMarker correlates a room event with an email
	// message id so later replies can be threaded.
	EventTypeThreadMarker = "perch.thread.marker"
)

// RoomTypeInbox is the room type of a user's mailbox room.
const RoomTypeInbox = "INBOX"

// Screening rule values. The empty string means no rule is set: the
// sender is on first contact and deliveries are marked pending.
const (
	RuleAllow  = "allow"
	RuleReject = "reject"
)

// RoomTypeContent is the content of an EventTypeRoomType state event.
type RoomTypeContent struct {
	Type string `json:"type"`
}

// ScreenRuleContent is the content of an EventTypeScreenRule state
// event.
type ScreenRuleContent struct {
	Rule string `json:"rule"`
}

// PendingContent is the content of an EventTypePending state event.
type PendingContent struct {
	Pending []PendingRecord `json:"pending"`
}

// PendingRecord marks one delivered email awaiting a screening
// decision. Records are only removed by user moderation, never by the
// bridge.
type PendingRecord struct {
	EventID string `json:"event_id"`
	State   string `json:"state"`
}

// EmailAddress is a mailbox with an optional display name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// EmailBody carries the message body. When the inline parts would
// exceed the event size ceiling they are replaced by a blob reference.
type EmailBody struct {
	Text       string `json:"text,omitempty"`
	HTML       string `json:"html,omitempty"`
	ContentURI string `json:"content_uri,omitempty"`
}

// EmailAttachment references an attachment offloaded to blob storage.
type EmailAttachment struct {
	Filename string `json:"filename"`
	BlobPath string `json:"blob_path,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// EmailContent is the content of EventTypeEmailStandard and
// EventTypeEmailReply events.
type EmailContent struct {
	MessageID   string               `json:"message_id"`
	Body        EmailBody            `json:"body"`
	From        EmailAddress         `json:"from"`
	Recipients  []string             `json:"recipients,omitempty"`
	Subject     string               `json:"subject,omitempty"`
	Date        time.Time            `json:"date"`
	InReplyTo   string               `json:"in_reply_to,omitempty"`
	Attachments []EmailAttachment    `json:"attachments,omitempty"`
	RelatesTo   *messaging.RelatesTo `json:"m.relates_to,omitempty"`
}

// ThreadMarkerContent is the content of an EventTypeThreadMarker
// event. RelatesTo points at the room event the message id belongs to.
type ThreadMarkerContent struct {
	MessageID string               `json:"message_id"`
	RelatesTo *messaging.RelatesTo `json:"m.relates_to"`
}
