// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"strings"

	"github.com/perch-im/perch/messaging"
)

// Classification is the closed set of outcomes of event
// classification. Every transaction event becomes exactly one variant
// before dispatch; nothing downstream probes raw JSON.
type Classification interface {
	classification()
}

// OutgoingEmail is an email composed by a local user, to be delivered
// over SMTP.
type OutgoingEmail struct {
	Event   messaging.Event
	Content EmailContent
}

// OutgoingReply is a reply addressed to the bridge's own service
// account, to be answered in-room by the auto-reply generator.
type OutgoingReply struct {
	Event   messaging.Event
	Content EmailContent
}

// MemberInvite is an invite naming the bridge's service account.
type MemberInvite struct {
	Event  messaging.Event
	RoomID string
}

// Ignored is every event the bridge takes no action on.
type Ignored struct {
	Event  messaging.Event
	Reason string
}

func (OutgoingEmail) classification() {}
func (OutgoingReply) classification() {}
func (MemberInvite) classification()  {}
func (Ignored) classification()       {}

// Classify sorts a transaction event into one of the variants above.
// bridgeUserID is the bridge's own Matrix user; serverName scopes
// which senders count as local.
func Classify(event messaging.Event, bridgeUserID, serverName string) Classification {
	if event.Type == "m.room.member" {
		var member messaging.MemberContent
		if err := json.Unmarshal(event.Content, &member); err != nil {
			return Ignored{Event: event, Reason: "malformed member event"}
		}
		if member.Membership == "invite" && event.StateKey == bridgeUserID {
			return MemberInvite{Event: event, RoomID: event.RoomID}
		}
		return Ignored{Event: event, Reason: "membership not for bridge"}
	}

	switch event.Type {
	case EventTypeEmailStandard, EventTypeEmailReply:
	default:
		return Ignored{Event: event, Reason: "uninteresting type"}
	}

	// The bridge's own sends come back in transactions; acting on them
	// would loop. Foreign users cannot originate outbound mail here.
	if event.Sender == bridgeUserID {
		return Ignored{Event: event, Reason: "own event"}
	}
	if !strings.HasSuffix(event.Sender, ":"+serverName) {
		return Ignored{Event: event, Reason: "foreign sender"}
	}

	var content EmailContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return Ignored{Event: event, Reason: "malformed email content"}
	}

	if event.Type == EventTypeEmailReply {
		return OutgoingReply{Event: event, Content: content}
	}
	return OutgoingEmail{Event: event, Content: content}
}
