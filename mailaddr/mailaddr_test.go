// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package mailaddr

import "testing"

func TestLocalpart(t *testing.T) {
	tests := []struct {
		address string
		base    string
		tag     string
		ok      bool
	}{
		{"user@example.com", "user", "", true},
		{"user+invoices@example.com", "user", "invoices", true},
		{"admin@matrix.org", "admin", "", true},
		{"nobody", "nobody", "", true},
		{"@example.com", "", "", false},
		{"", "", "", false},
		{"+tag@example.com", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			base, tag, ok := Localpart(tt.address)
			if ok != tt.ok {
				t.Fatalf("Localpart(%q) ok = %v, want %v", tt.address, ok, tt.ok)
			}
			if base != tt.base || tag != tt.tag {
				t.Errorf("Localpart(%q) = (%q, %q), want (%q, %q)", tt.address, base, tag, tt.base, tt.tag)
			}
		})
	}
}

func TestMXIDLocalpart(t *testing.T) {
	if local, ok := MXIDLocalpart("@alice:example.com"); !ok || local != "alice" {
		t.Errorf("MXIDLocalpart(@alice:example.com) = (%q, %v)", local, ok)
	}
	for _, bad := range []string{"alice:example.com", "@:example.com", "@alice", ""} {
		if _, ok := MXIDLocalpart(bad); ok {
			t.Errorf("MXIDLocalpart(%q) unexpectedly ok", bad)
		}
	}
}

func TestEmailToUserID(t *testing.T) {
	tests := []struct {
		address string
		userID  string
		ok      bool
	}{
		{"user@example.com", "@user:example.com", true},
		{"user+tag@example.com", "@user:example.com", true},
		{"admin@matrix.org", "@admin:matrix.org", true},
		{"invalidemail", "", false},
		{"@example.com", "", false},
	}
	for _, tt := range tests {
		userID, ok := EmailToUserID(tt.address)
		if ok != tt.ok || userID != tt.userID {
			t.Errorf("EmailToUserID(%q) = (%q, %v), want (%q, %v)", tt.address, userID, ok, tt.userID, tt.ok)
		}
	}
}

func TestSubdomain(t *testing.T) {
	if sub, err := Subdomain("user@pm-bounces.example.com"); err != nil || sub != "pm-bounces" {
		t.Errorf("Subdomain = (%q, %v)", sub, err)
	}
	if sub, err := Subdomain("user@pm-bounces.example.com "); err != nil || sub != "pm-bounces" {
		t.Errorf("Subdomain with trailing space = (%q, %v)", sub, err)
	}
	for _, bad := range []string{"invalid.email", "user@"} {
		if _, err := Subdomain(bad); err == nil {
			t.Errorf("Subdomain(%q) unexpectedly succeeded", bad)
		}
	}
}

func TestReplaceDomain(t *testing.T) {
	if got := ReplaceDomain("user+tag@example.com", "test.local"); got != "user+tag@test.local" {
		t.Errorf("ReplaceDomain = %q", got)
	}
	if got := ReplaceDomain("not-an-address", "test.local"); got != "not-an-address" {
		t.Errorf("ReplaceDomain on bare string = %q", got)
	}
}
