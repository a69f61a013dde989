// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/perch-im/perch/mailaddr"
	"github.com/perch-im/perch/messaging"
	"github.com/perch-im/perch/smtpout"
	"github.com/perch-im/perch/templates"
)

// HandleEvent classifies one transaction event and runs the matching
// side effect. Called from the transaction receiver's worker pool;
// errors are per-event and never affect other events.
func (b *Bridge) HandleEvent(ctx context.Context, event messaging.Event) error {
	switch c := Classify(event, b.bridgeUserID, b.serverName).(type) {
	case OutgoingEmail:
		return b.dispatchOutgoing(ctx, c)
	case OutgoingReply:
		return b.autoReply(ctx, c)
	case MemberInvite:
		return b.joinAndWelcome(ctx, c)
	case Ignored:
		b.logger.Debug("event ignored",
			"event_id", event.EventID, "type", event.Type, "reason", c.Reason)
		return nil
	default:
		return nil
	}
}

// dispatchOutgoing delivers a user-composed email event over SMTP.
// Missing required fields abort the send; malformed outbound messages
// are never retried.
func (b *Bridge) dispatchOutgoing(ctx context.Context, out OutgoingEmail) error {
	content := out.Content

	var missing []string
	if len(content.Recipients) == 0 {
		missing = append(missing, "recipients")
	}
	if content.From.Address == "" {
		missing = append(missing, "from.address")
	}
	if content.InReplyTo == "" {
		missing = append(missing, "in_reply_to")
	}
	if content.Subject == "" {
		missing = append(missing, "subject")
	}
	if content.Body.Text == "" && content.Body.HTML == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return fmt.Errorf("bridge: outbound event %s missing %s",
			out.Event.EventID, strings.Join(missing, ", "))
	}

	messageID := content.MessageID
	if messageID == "" {
		messageID = smtpout.NewMessageID(b.mailDomain)
	}

	wireID, err := b.sender.Send(ctx, &smtpout.Message{
		FromAddress: content.From.Address,
		FromName:    content.From.Name,
		To:          content.Recipients,
		Subject:     content.Subject,
		Text:        content.Body.Text,
		HTML:        content.Body.HTML,
		InReplyTo:   content.InReplyTo,
		References:  []string{content.InReplyTo},
		MessageID:   messageID,
	})
	if err != nil {
		return fmt.Errorf("bridge: outbound event %s: %w", out.Event.EventID, err)
	}

	// The marker maps the wire message id back to this room event, so
	// an eventual reply threads under it.
	b.sendThreadMarker(ctx, out.Event.RoomID, out.Event.EventID, wireID)
	b.logger.Info("outbound email sent",
		"event_id", out.Event.EventID, "message_id", wireID, "recipients", len(content.Recipients))
	return nil
}

// autoReply answers a reply addressed to the bridge's own account with
// a templated message, re-injected into the room as a thread reply.
// Nothing goes out over SMTP.
func (b *Bridge) autoReply(ctx context.Context, reply OutgoingReply) error {
	localpart, ok := mailaddr.MXIDLocalpart(reply.Event.Sender)
	if !ok {
		return fmt.Errorf("bridge: reply event %s has malformed sender %q",
			reply.Event.EventID, reply.Event.Sender)
	}
	displayName, err := b.matrix.GetDisplayName(ctx, reply.Event.Sender)
	if err != nil || displayName == "" {
		displayName = localpart
	}

	rendered, err := templates.Render(templates.AutoReply, templates.Data{
		DisplayName: displayName,
		Address:     localpart + "@" + b.mailDomain,
		Domain:      b.mailDomain,
	})
	if err != nil {
		return fmt.Errorf("bridge: rendering auto-reply: %w", err)
	}

	rootID := reply.Event.EventID
	if r := reply.Content.RelatesTo; r != nil && r.RelType == "m.thread" && r.EventID != "" {
		rootID = r.EventID
	}
	subject := reply.Content.Subject
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	content := EmailContent{
		MessageID:  smtpout.NewMessageID(b.mailDomain),
		Body:       EmailBody{Text: rendered.Text, HTML: rendered.HTML},
		From:       EmailAddress{Address: b.bridgeAddress(), Name: "Perch"},
		Recipients: []string{localpart + "@" + b.mailDomain},
		Subject:    subject,
		Date:       b.clock.Now().UTC(),
		InReplyTo:  reply.Content.MessageID,
		RelatesTo:  messaging.ThreadRelation(rootID),
	}
	eventID, err := b.matrix.SendEvent(ctx, reply.Event.RoomID, EventTypeEmailReply, content)
	if err != nil {
		return fmt.Errorf("bridge: sending auto-reply: %w", err)
	}
	b.sendThreadMarker(ctx, reply.Event.RoomID, eventID, content.MessageID)
	b.logger.Info("auto-reply sent", "room", reply.Event.RoomID, "event_id", eventID)
	return nil
}
