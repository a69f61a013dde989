// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"

	"github.com/perch-im/perch/mailaddr"
	"github.com/perch-im/perch/messaging"
	"github.com/perch-im/perch/smtpout"
	"github.com/perch-im/perch/templates"
)

// welcomeMessages are sent once per INBOX join, in order.
var welcomeMessages = []struct {
	template string
	subject  string
}{
	{templates.WelcomeIntro, "Welcome to Perch"},
	{templates.WelcomeFeatures, "What you can do with Perch"},
}

// joinAndWelcome accepts an invite for the bridge account. When the
// joined room is a user's INBOX, the welcome sequence runs once for
// this join.
func (b *Bridge) joinAndWelcome(ctx context.Context, invite MemberInvite) error {
	roomID, err := b.matrix.JoinRoom(ctx, invite.RoomID)
	if err != nil {
		return fmt.Errorf("bridge: joining %s: %w", invite.RoomID, err)
	}
	b.logger.Info("joined room", "room", roomID, "inviter", invite.Event.Sender)

	if !b.isInboxRoom(ctx, roomID) {
		return nil
	}
	return b.sendWelcome(ctx, roomID, invite.Event.Sender)
}

func (b *Bridge) isInboxRoom(ctx context.Context, roomID string) bool {
	_, err := b.matrix.GetStateEvent(ctx, roomID, EventTypeRoomType, RoomTypeInbox)
	if err != nil {
		if !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			b.logger.Warn("room type lookup failed", "room", roomID, "error", err)
		}
		return false
	}
	return true
}

// sendWelcome delivers the welcome messages to a fresh INBOX, each
// followed by a thread marker so replies thread correctly.
func (b *Bridge) sendWelcome(ctx context.Context, roomID, userID string) error {
	localpart, ok := mailaddr.MXIDLocalpart(userID)
	if !ok {
		return fmt.Errorf("bridge: welcome for malformed user %q", userID)
	}
	displayName, err := b.matrix.GetDisplayName(ctx, userID)
	if err != nil || displayName == "" {
		displayName = localpart
	}
	address := localpart + "@" + b.mailDomain

	for _, message := range welcomeMessages {
		rendered, err := templates.Render(message.template, templates.Data{
			DisplayName: displayName,
			Address:     address,
			Domain:      b.mailDomain,
		})
		if err != nil {
			return fmt.Errorf("bridge: rendering %s: %w", message.template, err)
		}

		content := EmailContent{
			MessageID:  smtpout.NewMessageID(b.mailDomain),
			Body:       EmailBody{Text: rendered.Text, HTML: rendered.HTML},
			From:       EmailAddress{Address: b.bridgeAddress(), Name: "Perch"},
			Recipients: []string{address},
			Subject:    message.subject,
			Date:       b.clock.Now().UTC(),
		}
		eventID, err := b.matrix.SendEvent(ctx, roomID, EventTypeEmailStandard, content)
		if err != nil {
			return fmt.Errorf("bridge: sending %s: %w", message.template, err)
		}
		b.sendThreadMarker(ctx, roomID, eventID, content.MessageID)
	}
	b.logger.Info("welcome sequence sent", "room", roomID, "user", userID)
	return nil
}
