// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge translates between email and Matrix rooms.
//
// Inbound mail arrives from the LMTP server or the HTTP ingestion
// endpoint, is persisted first, then relayed into the recipient's
// INBOX room as a perch.* event. The persisted row is only marked
// processed after the homeserver accepts the event, so a crash
// between the two steps is repaired by the retry loop rather than
// losing mail.
//
// Outbound traffic flows the other way: appservice transactions are
// classified, and events composed by local users in their INBOX
// rooms are rendered to MIME and handed to the SMTP sender.
package bridge
