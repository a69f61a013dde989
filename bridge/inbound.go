// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/perch-im/perch/mailaddr"
	"github.com/perch-im/perch/mailparse"
	"github.com/perch-im/perch/messaging"
)

// maxEventBodyBytes is the ceiling on inline body content in a room
// event. Larger bodies are offloaded to blob storage and referenced
// by URI.
const maxEventBodyBytes = 20000

// DeliverInbound accepts one inbound email and drives it through the
// delivery pipeline. The email row is persisted before any room work;
// a transient homeserver failure leaves the row unprocessed for the
// retry loop, so returning an error here never loses mail.
//
// Errors wrapping ErrRejected are permanent and must not be retried
// by the caller.
func (b *Bridge) DeliverInbound(ctx context.Context, from, to string, raw []byte) error {
	email, attachments, err := mailparse.Parse(from, to, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	logger := b.logger.With("message_id", email.MessageID, "from", from, "to", to)

	localpart, tag, ok := mailaddr.Localpart(to)
	if !ok {
		return fmt.Errorf("%w: recipient %q has no localpart", ErrRejected, to)
	}
	if tag != "" {
		logger.Debug("routing tag ignored", "tag", tag)
	}

	// Postmaster mail and bounce-handler mail is kept for the operator
	// but never enters a room.
	if strings.EqualFold(localpart, b.postmaster) || b.isBounceAddress(to) {
		b.archiveRaw(email, raw)
		logger.Info("operational mail archived", "localpart", localpart)
		return nil
	}

	exists, err := b.matrix.UserExists(ctx, mailaddr.UserID(localpart, b.serverName))
	if err != nil {
		return fmt.Errorf("bridge: checking recipient %s: %w", to, err)
	}
	if !exists {
		// Soft accept: dropping silently avoids bounce-rate penalties
		// from upstream relays.
		b.archiveRaw(email, raw)
		logger.Info("no such user, mail dropped")
		return nil
	}

	if err := b.checkSenderTrust(ctx, from); err != nil {
		return err
	}

	b.offloadAttachments(email, attachments)
	rawPath := b.archiveRaw(email, raw)

	inserted, err := b.store.SaveEmail(ctx, email, rawPath)
	if err != nil {
		return fmt.Errorf("bridge: persisting email: %w", err)
	}
	if !inserted {
		logger.Info("duplicate message id, delivery skipped")
		return nil
	}

	return b.processEmail(ctx, email)
}

// isBounceAddress reports whether the recipient is the configured
// bounce-handling exception address.
func (b *Bridge) isBounceAddress(to string) bool {
	localpart, _, ok := mailaddr.Localpart(to)
	if !ok || b.bounceLocal == "" {
		return false
	}
	if !strings.EqualFold(localpart, b.bounceLocal) {
		return false
	}
	if b.bounceSub == "" {
		return true
	}
	sub, err := mailaddr.Subdomain(to)
	return err == nil && strings.EqualFold(sub, b.bounceSub)
}

// checkSenderTrust gates foreign sender domains by the configured
// trust mode. Local senders always pass.
func (b *Bridge) checkSenderTrust(ctx context.Context, from string) error {
	domain, err := mailaddr.Domain(from)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if strings.EqualFold(domain, b.mailDomain) {
		return nil
	}
	switch b.trustMode {
	case TrustOpen:
		return nil
	case TrustClosed:
		return fmt.Errorf("%w: foreign domain %s not accepted", ErrRejected, domain)
	}
	if err := b.verifier.VerifyDomain(ctx, domain); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

// offloadAttachments writes attachment bytes to blob storage and
// records the blob path on the email. Upload failure is logged and the
// attachment entry kept without a path; it never blocks delivery.
func (b *Bridge) offloadAttachments(email *mailparse.Email, attachments []mailparse.AttachmentData) {
	for i, attachment := range attachments {
		if i >= len(email.Attachments) {
			break
		}
		key := "attachments/" + email.MessageID + "/" + attachment.Filename
		if err := b.blobs.Put(key, attachment.Content); err != nil {
			b.logger.Warn("attachment upload failed",
				"message_id", email.MessageID,
				"filename", attachment.Filename,
				"error", err,
			)
			continue
		}
		email.Attachments[i].BlobPath = key
	}
}

// archiveRaw stores the original MIME bytes and returns the blob key,
// or empty on failure. Archive failure is logged, never fatal.
func (b *Bridge) archiveRaw(email *mailparse.Email, raw []byte) string {
	day := b.clock.Now().UTC().Format("2006-01-02")
	key := "emails/" + email.Recipient + "/" + day + "/" + email.MessageID
	if err := b.blobs.Put(key, raw); err != nil {
		b.logger.Warn("raw mail archive failed", "message_id", email.MessageID, "error", err)
		return ""
	}
	return key
}

// processEmail materializes a persisted email as a room event. It is
// the shared tail of first delivery and retry: resolve the INBOX,
// apply the screening rule, send, then flip the row to processed.
func (b *Bridge) processEmail(ctx context.Context, email *mailparse.Email) error {
	localpart, _, ok := mailaddr.Localpart(email.Recipient)
	if !ok {
		return fmt.Errorf("%w: recipient %q has no localpart", ErrRejected, email.Recipient)
	}

	alias := b.inboxAlias(localpart)
	roomID, err := b.matrix.ResolveAlias(ctx, alias)
	if err != nil {
		return fmt.Errorf("bridge: resolving %s: %w", alias, err)
	}

	rule := b.screeningRule(ctx, roomID, email.Sender)
	if rule == RuleReject {
		b.logger.Info("sender rejected by screening rule",
			"message_id", email.MessageID, "sender", email.Sender, "room", roomID)
		return b.store.MarkProcessed(ctx, email.MessageID, "")
	}

	content := b.buildEmailContent(email)
	content.RelatesTo = b.threadRelation(ctx, email.InReplyTo)

	eventID, err := b.matrix.SendEvent(ctx, roomID, EventTypeEmailStandard, content)
	if err != nil {
		return fmt.Errorf("bridge: sending email event: %w", err)
	}

	switch rule {
	case "":
		b.appendPending(ctx, roomID, eventID)
	case RuleAllow:
		b.sendThreadMarker(ctx, roomID, eventID, email.MessageID)
	}

	if err := b.store.MarkProcessed(ctx, email.MessageID, eventID); err != nil {
		return err
	}
	b.logger.Info("email delivered",
		"message_id", email.MessageID, "room", roomID, "event_id", eventID)
	return nil
}

// screeningRule reads the rule for (room, sender). Absent state or a
// read failure both mean unset; the homeserver being down will surface
// on the send that follows.
func (b *Bridge) screeningRule(ctx context.Context, roomID, sender string) string {
	raw, err := b.matrix.GetStateEvent(ctx, roomID, EventTypeScreenRule, strings.ToLower(sender))
	if err != nil {
		if !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			b.logger.Warn("screening rule lookup failed", "room", roomID, "sender", sender, "error", err)
		}
		return ""
	}
	var content ScreenRuleContent
	if err := json.Unmarshal(raw, &content); err != nil {
		b.logger.Warn("malformed screening rule", "room", roomID, "sender", sender, "error", err)
		return ""
	}
	return content.Rule
}

// buildEmailContent converts a parsed email into event content,
// offloading the body to blob storage when it exceeds the event size
// ceiling.
func (b *Bridge) buildEmailContent(email *mailparse.Email) EmailContent {
	body := EmailBody{Text: email.Content.Text, HTML: email.Content.HTML}
	if len(body.Text)+len(body.HTML) > maxEventBodyBytes {
		key := "bodies/" + email.MessageID
		full := body.HTML
		if full == "" {
			full = body.Text
		}
		if err := b.blobs.Put(key, []byte(full)); err != nil {
			// Keep a truncated inline body rather than losing the mail.
			b.logger.Warn("body offload failed", "message_id", email.MessageID, "error", err)
			body.Text = truncate(body.Text, maxEventBodyBytes/2)
			body.HTML = truncate(body.HTML, maxEventBodyBytes/2)
		} else {
			body = EmailBody{ContentURI: key}
		}
	}

	attachments := make([]EmailAttachment, 0, len(email.Attachments))
	for _, attachment := range email.Attachments {
		attachments = append(attachments, EmailAttachment{
			Filename: attachment.Filename,
			BlobPath: attachment.BlobPath,
			MimeType: attachment.MimeType,
		})
	}

	recipients := make([]string, 0, len(email.To)+1)
	recipients = append(recipients, email.Recipient)
	for _, to := range email.To {
		if !strings.EqualFold(to.Address, email.Recipient) {
			recipients = append(recipients, to.Address)
		}
	}

	return EmailContent{
		MessageID:   email.MessageID,
		Body:        body,
		From:        EmailAddress{Address: email.From.Address, Name: email.From.Name},
		Recipients:  recipients,
		Subject:     email.Subject,
		Date:        email.Date,
		InReplyTo:   email.InReplyTo,
		Attachments: attachments,
	}
}

// threadRelation correlates a reply to the room event its In-Reply-To
// message id maps to, when the bridge has seen that message before.
func (b *Bridge) threadRelation(ctx context.Context, inReplyTo string) *messaging.RelatesTo {
	if inReplyTo == "" {
		return nil
	}
	rootID, err := b.store.EventIDForMessage(ctx, inReplyTo)
	if err != nil {
		b.logger.Warn("reply correlation lookup failed", "in_reply_to", inReplyTo, "error", err)
		return nil
	}
	if rootID == "" {
		return nil
	}
	return messaging.ThreadRelation(rootID)
}

// appendPending adds a pending record for a newly delivered email from
// an unscreened sender. Bookkeeping failure is logged, never fatal:
// the email itself is already in the room.
func (b *Bridge) appendPending(ctx context.Context, roomID, eventID string) {
	var content PendingContent
	raw, err := b.matrix.GetStateEvent(ctx, roomID, EventTypePending, "")
	if err == nil {
		if err := json.Unmarshal(raw, &content); err != nil {
			b.logger.Warn("malformed pending list, starting fresh", "room", roomID, "error", err)
			content = PendingContent{}
		}
	} else if !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
		b.logger.Warn("pending list read failed", "room", roomID, "error", err)
	}

	content.Pending = append(content.Pending, PendingRecord{EventID: eventID, State: "pending"})
	if _, err := b.matrix.SendStateEvent(ctx, roomID, EventTypePending, "", content); err != nil {
		b.logger.Warn("pending list write failed", "room", roomID, "event_id", eventID, "error", err)
	}
}

// sendThreadMarker emits the marker that lets later replies thread
// under the event just sent. Failure is logged, never fatal.
func (b *Bridge) sendThreadMarker(ctx context.Context, roomID, eventID, messageID string) {
	content := ThreadMarkerContent{
		MessageID: messageID,
		RelatesTo: messaging.ThreadRelation(eventID),
	}
	if _, err := b.matrix.SendEvent(ctx, roomID, EventTypeThreadMarker, content); err != nil {
		b.logger.Warn("thread marker send failed", "room", roomID, "event_id", eventID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
