// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/perch-im/perch/clock"
	"github.com/perch-im/perch/mailparse"
)

func openTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake()
	s, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "perch.db"),
		PoolSize: 1,
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, fake
}

func testEmail(messageID string) *mailparse.Email {
	return &mailparse.Email{
		MessageID: messageID,
		Sender:    "alice@example.com",
		Recipient: "bob@perch.example",
		From:      mailparse.Address{Address: "alice@example.com", Name: "Alice"},
		Subject:   "hello",
		Date:      time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Content:   mailparse.Content{Text: "hi"},
	}
}

func TestSaveEmailDeduplicates(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.SaveEmail(ctx, testEmail("m1"), "emails/bob/m1")
	if err != nil {
		t.Fatalf("SaveEmail: %v", err)
	}
	if !inserted {
		t.Fatal("first SaveEmail reported duplicate")
	}

	inserted, err = s.SaveEmail(ctx, testEmail("m1"), "emails/bob/m1")
	if err != nil {
		t.Fatalf("SaveEmail (dup): %v", err)
	}
	if inserted {
		t.Fatal("duplicate SaveEmail reported inserted")
	}

	found, err := s.HasEmail(ctx, "m1")
	if err != nil || !found {
		t.Fatalf("HasEmail = %v, %v", found, err)
	}
}

func TestUnprocessedOldestFirst(t *testing.T) {
	s, fake := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		if _, err := s.SaveEmail(ctx, testEmail(id), ""); err != nil {
			t.Fatalf("SaveEmail %s: %v", id, err)
		}
		fake.Advance(time.Second)
	}

	if err := s.MarkProcessed(ctx, "second", "$event:perch.test"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	pending, err := s.Unprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("Unprocessed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Unprocessed = %d rows, want 2", len(pending))
	}
	if pending[0].Email.MessageID != "first" || pending[1].Email.MessageID != "third" {
		t.Errorf("order = %s, %s", pending[0].Email.MessageID, pending[1].Email.MessageID)
	}
	if pending[0].Email.Subject != "hello" {
		t.Errorf("round-tripped Subject = %q", pending[0].Email.Subject)
	}
}

func TestMarkProcessedUnknown(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.MarkProcessed(context.Background(), "missing", ""); err == nil {
		t.Fatal("MarkProcessed of unknown id succeeded")
	}
}

func TestSaveEventDeduplicates(t *testing.T) {
	s, fake := openTestStore(t)
	ctx := context.Background()

	content := json.RawMessage(`{"body":"hello"}`)
	if err := s.SaveEvent(ctx, "$e1", "!room:perch.example", "m.room.message", "@bob:perch.example", content); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	fake.Advance(time.Second)
	if err := s.SaveEvent(ctx, "$e1", "!room:perch.example", "m.room.message", "@bob:perch.example", content); err != nil {
		t.Fatalf("SaveEvent (dup): %v", err)
	}
	fake.Advance(time.Second)
	if err := s.SaveEvent(ctx, "$e2", "!room:perch.example", "m.room.message", "@bob:perch.example", content); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	events, err := s.EventsInRoom(ctx, "!room:perch.example", 10)
	if err != nil {
		t.Fatalf("EventsInRoom: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("EventsInRoom = %d, want 2", len(events))
	}
	if events[0].EventID != "$e1" || events[1].EventID != "$e2" {
		t.Errorf("order = %s, %s", events[0].EventID, events[1].EventID)
	}
}
