// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailaddr provides address manipulation shared by the bridge:
// splitting email addresses into localpart and routing tag, translating
// between email addresses and Matrix user IDs, and domain extraction.
//
// An email localpart may carry a plus-tag ("user+invoices@example.com").
// The tag never participates in routing (mail for any tag of "user" lands
// in user's inbox) but it is surfaced to callers so they can log it.
package mailaddr

import (
	"fmt"
	"strings"
)

// Localpart splits an email address into its base localpart and optional
// plus-tag. Returns ok=false when the address has no localpart at all
// (empty string or a bare "@domain").
func Localpart(address string) (base, tag string, ok bool) {
	local, _, _ := strings.Cut(address, "@")
	if local == "" {
		return "", "", false
	}
	base, tag, _ = strings.Cut(local, "+")
	if base == "" {
		return "", "", false
	}
	return base, tag, true
}

// MXIDLocalpart extracts the localpart from a Matrix user ID
// ("@alice:example.com" → "alice"). Returns ok=false for anything that is
// not of the form "@local:domain".
func MXIDLocalpart(userID string) (string, bool) {
	if !strings.HasPrefix(userID, "@") {
		return "", false
	}
	local, _, found := strings.Cut(userID[1:], ":")
	if !found || local == "" {
		return "", false
	}
	return local, true
}

// UserID builds a Matrix user ID from an email-style localpart and a
// server name. The plus-tag, if present, is dropped.
func UserID(localpart, serverName string) string {
	base, _, _ := strings.Cut(localpart, "+")
	return "@" + base + ":" + serverName
}

// EmailToUserID converts an email address to the Matrix user ID on the
// same domain ("user+tag@example.com" → "@user:example.com"). Returns
// ok=false when the address is not of the form local@domain.
func EmailToUserID(address string) (string, bool) {
	local, domain, found := strings.Cut(address, "@")
	if !found || local == "" || domain == "" {
		return "", false
	}
	base, _, _ := strings.Cut(local, "+")
	return "@" + base + ":" + domain, true
}

// Domain returns the domain part of an email address, or an error when
// the address has no non-empty domain.
func Domain(address string) (string, error) {
	_, domain, found := strings.Cut(address, "@")
	if !found || domain == "" {
		return "", fmt.Errorf("mailaddr: address %q has no domain", address)
	}
	return domain, nil
}

// Subdomain returns the leading label of an address's domain
// ("user@pm-bounces.example.com" → "pm-bounces"). Trailing whitespace in
// the domain is tolerated; it shows up in envelope addresses copied out
// of relay logs.
func Subdomain(address string) (string, error) {
	domain, err := Domain(address)
	if err != nil {
		return "", err
	}
	label, _, _ := strings.Cut(strings.TrimSpace(domain), ".")
	if label == "" {
		return "", fmt.Errorf("mailaddr: address %q has no subdomain", address)
	}
	return label, nil
}

// ReplaceDomain rewrites the domain part of an address, leaving the
// localpart (including any tag) intact. Addresses without a domain are
// returned unchanged.
func ReplaceDomain(address, newDomain string) string {
	local, _, found := strings.Cut(address, "@")
	if !found {
		return address
	}
	return local + "@" + newDomain
}
