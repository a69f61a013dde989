// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"sync"

	"github.com/google/uuid"
)

// TransactionSlot holds the id of the most recent outbound ping, at
// most one at a time. Generating a new ping overwrites the previous
// id: only the latest ping is ever verifiable. This is not a general
// dedup mechanism.
type TransactionSlot struct {
	mu sync.Mutex
	id string
}

// Generate stores and returns a fresh ping transaction id, replacing
// any previous one.
func (s *TransactionSlot) Generate() string {
	id := "perch-ping-" + uuid.NewString()
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	return id
}

// Verify reports whether id matches the stored ping id, clearing the
// slot on match. A stale or unknown id leaves the slot untouched.
func (s *TransactionSlot) Verify(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || id != s.id {
		return false
	}
	s.id = ""
	return true
}
