// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "encoding/json"

// Event is a Matrix client event, as delivered in appservice
// transactions and room state responses. Content is left raw for the
// caller to decode by type.
type Event struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	StateKey       string          `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
}

// IsState reports whether the event is a state event. State events
// carry a state_key, which may be empty but is always present; the
// wire format makes the distinction visible only via key presence, so
// membership events and other known state types are matched by type.
func (e *Event) IsState() bool {
	switch e.Type {
	case "m.room.member", "m.room.name", "m.room.topic", "m.room.create",
		"m.room.power_levels", "m.room.join_rules", "m.room.canonical_alias":
		return true
	}
	return false
}

// ServerVersionsResponse is the response from /_matrix/client/versions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// CreateRoomRequest are the options for creating a room.
type CreateRoomRequest struct {
	// Name is the human-readable room name.
	Name string `json:"name,omitempty"`
	// Topic is the room topic.
	Topic string `json:"topic,omitempty"`
	// Alias is the localpart of the canonical alias (without # or domain).
	Alias string `json:"room_alias_name,omitempty"`
	// Preset controls default state (e.g., "private_chat", "trusted_private_chat").
	Preset string `json:"preset,omitempty"`
	// Invite lists user IDs to invite at creation.
	Invite []string `json:"invite,omitempty"`
	// IsDirect marks the room as a direct chat.
	IsDirect bool `json:"is_direct,omitempty"`
	// CreationContent is merged into the m.room.create event content.
	CreationContent map[string]any `json:"creation_content,omitempty"`
	// InitialState is additional state events applied at creation.
	InitialState []StateEvent `json:"initial_state,omitempty"`
}

// StateEvent is a state event included in a room creation request.
type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// CreateRoomResponse is the response from createRoom.
type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
}

// InviteRequest is the body for a room invite.
type InviteRequest struct {
	UserID string `json:"user_id"`
}

// SendEventResponse is the response from sending an event.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// ResolveAliasResponse is the response from alias resolution.
type ResolveAliasResponse struct {
	RoomID  string   `json:"room_id"`
	Servers []string `json:"servers,omitempty"`
}

// UploadResponse is the response from a media upload.
type UploadResponse struct {
	ContentURI string `json:"content_uri"`
}

// DisplayNameResponse is the response from a display name lookup.
type DisplayNameResponse struct {
	DisplayName string `json:"displayname"`
}

// RoomMembersResponse is the response from the members endpoint.
type RoomMembersResponse struct {
	Chunk []MemberEvent `json:"chunk"`
}

// MemberEvent is an m.room.member event in a members response.
type MemberEvent struct {
	StateKey string        `json:"state_key"`
	Content  MemberContent `json:"content"`
}

// MemberContent is the content of an m.room.member event.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	IsDirect    bool   `json:"is_direct,omitempty"`
}

// RoomMember is a flattened room membership entry.
type RoomMember struct {
	UserID      string
	DisplayName string
	Membership  string
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType       string     `json:"msgtype"`
	Body          string     `json:"body"`
	Format        string     `json:"format,omitempty"`
	FormattedBody string     `json:"formatted_body,omitempty"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

// RelatesTo expresses an event relationship (threading, replies).
type RelatesTo struct {
	RelType       string     `json:"rel_type,omitempty"`
	EventID       string     `json:"event_id,omitempty"`
	IsFallingBack bool       `json:"is_falling_back,omitempty"`
	InReplyTo     *InReplyTo `json:"m.in_reply_to,omitempty"`
}

// InReplyTo points at the event being replied to.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// NewTextMessage builds a plain-text message content.
func NewTextMessage(body string) MessageContent {
	return MessageContent{MsgType: "m.text", Body: body}
}

// NewHTMLMessage builds a message with an HTML formatted body and a
// plain-text fallback.
func NewHTMLMessage(plainBody, htmlBody string) MessageContent {
	return MessageContent{
		MsgType:       "m.text",
		Body:          plainBody,
		Format:        "org.matrix.custom.html",
		FormattedBody: htmlBody,
	}
}

// NewThreadReply builds a message content that replies within the
// thread rooted at threadRootID.
func NewThreadReply(threadRootID, body string) MessageContent {
	content := NewTextMessage(body)
	content.RelatesTo = ThreadRelation(threadRootID)
	return content
}

// ThreadRelation builds the m.relates_to block for a reply in the
// thread rooted at threadRootID, with the reply fallback pointing at
// the root.
func ThreadRelation(threadRootID string) *RelatesTo {
	return &RelatesTo{
		RelType:       "m.thread",
		EventID:       threadRootID,
		IsFallingBack: true,
		InReplyTo:     &InReplyTo{EventID: threadRootID},
	}
}
