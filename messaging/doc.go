// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API for an
// application service.
//
// A [Client] holds the homeserver URL, the appservice access token,
// and the HTTP transport. A [Session] layers a user identity on top:
// the bridge bot session acts as the appservice's own user, and
// impersonated sessions (created with [Client.Session]) act as bridged
// users via the appservice user_id query parameter.
//
// All methods return *MatrixError for non-2xx homeserver responses, so
// callers can branch on Matrix error codes with errors.As.
package messaging
