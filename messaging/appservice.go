// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// RegisterUser registers a new user in the appservice namespace using
// appservice registration (no password, no UIAA). localpart is the
// bare username without @ or domain. Returns the fully qualified user
// ID.
//
// Registering a localpart that already exists returns a *MatrixError
// with code M_USER_IN_USE.
func (c *Client) RegisterUser(ctx context.Context, localpart string) (string, error) {
	if localpart == "" {
		return "", fmt.Errorf("messaging: localpart is required for registration")
	}

	request := map[string]any{
		"type":          "m.login.application_service",
		"username":      localpart,
		"inhibit_login": true,
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", nil, request)
	if err != nil {
		return "", fmt.Errorf("messaging: register %q failed: %w", localpart, err)
	}

	var response struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse register response: %w", err)
	}

	c.logger.Info("registered appservice user", "user_id", response.UserID)
	return response.UserID, nil
}

// UserExists reports whether a Matrix user is known to the homeserver,
// via a profile lookup.
func (c *Client) UserExists(ctx context.Context, userID string) (bool, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID)
	_, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		if IsMatrixError(err, ErrCodeNotFound) || IsMatrixError(err, ErrCodeForbidden) {
			return false, nil
		}
		return false, fmt.Errorf("messaging: profile lookup for %q failed: %w", userID, err)
	}
	return true, nil
}

// Ping asks the homeserver to call back the appservice's transaction
// endpoint, verifying that the two can reach each other. appserviceID
// is the id field of the appservice registration; transactionID is
// echoed in the callback so the receiver can correlate it. Returns the
// round-trip duration reported by the homeserver, in milliseconds.
//
// Corresponds to POST /_matrix/client/v1/appservice/{id}/ping (MSC2659).
func (c *Client) Ping(ctx context.Context, appserviceID, transactionID string) (int64, error) {
	path := "/_matrix/client/v1/appservice/" + url.PathEscape(appserviceID) + "/ping"
	body, err := c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{
		"transaction_id": transactionID,
	})
	if err != nil {
		return 0, fmt.Errorf("messaging: appservice ping failed: %w", err)
	}

	var response struct {
		DurationMS int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return 0, fmt.Errorf("messaging: failed to parse ping response: %w", err)
	}
	return response.DurationMS, nil
}
