// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists inbound emails and bridged Matrix events in
// SQLite. It owns the delivery bookkeeping the retry loop depends on:
// an email row is created before any Matrix work starts and flipped to
// processed only after the room event is accepted, so a crash at any
// point leaves a row the next retry pass will pick up.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/perch-im/perch/clock"
	"github.com/perch-im/perch/mailparse"
)

const schema = `
	CREATE TABLE IF NOT EXISTS emails (
		message_id   TEXT PRIMARY KEY,
		sender       TEXT NOT NULL,
		recipient    TEXT NOT NULL,
		raw_json     TEXT NOT NULL,
		raw_path     TEXT,
		processed    INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL,
		processed_at INTEGER,
		room_event_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_emails_unprocessed
		ON emails(created_at) WHERE processed = 0;

	CREATE TABLE IF NOT EXISTS events (
		event_id    TEXT PRIMARY KEY,
		room_id     TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		sender      TEXT NOT NULL,
		content     TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_room ON events(room_id, received_at);
`

// Config holds the parameters for opening the store.
type Config struct {
	// Path is the SQLite database file. Use ":memory:" with PoolSize 1
	// for tests.
	Path string

	// PoolSize is the number of connections. Defaults to 4.
	PoolSize int

	// Clock provides timestamps for row bookkeeping.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store is the bridge's SQLite-backed persistence layer. Safe for
// concurrent use; each call borrows a pooled connection.
type Store struct {
	pool   *sqlitex.Pool
	clock  clock.Clock
	logger *slog.Logger
	path   string
}

// StoredEmail is an email row read back from the store.
type StoredEmail struct {
	Email     *mailparse.Email
	RawPath   string
	CreatedAt time.Time
}

// Open opens (or creates) the database at cfg.Path, applying WAL-mode
// pragmas and the schema to every connection.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// prepareConnection applies pragmas and the schema. Runs once per
// pooled connection, on first use.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}

// Close closes the connection pool. Blocks until all borrowed
// connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	return nil
}

// SaveEmail inserts an email row in the unprocessed state. Returns
// false without error when a row with the same message id already
// exists: redelivery of a message the bridge has seen is a no-op, and
// the caller must not start a second delivery for it.
func (s *Store) SaveEmail(ctx context.Context, email *mailparse.Email, rawPath string) (bool, error) {
	raw, err := json.Marshal(email)
	if err != nil {
		return false, fmt.Errorf("store: marshal email %s: %w", email.MessageID, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: save email: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO emails
			(message_id, sender, recipient, raw_json, raw_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				email.MessageID,
				email.Sender,
				email.Recipient,
				string(raw),
				rawPath,
				s.clock.Now().UnixMilli(),
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: save email %s: %w", email.MessageID, err)
	}
	return conn.Changes() > 0, nil
}

// MarkProcessed flips an email row to the processed state, recording
// the room event the email became. Called only after the homeserver
// has accepted the event; eventID is empty when the email was dropped
// by a screening rule rather than delivered.
func (s *Store) MarkProcessed(ctx context.Context, messageID, eventID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE emails SET processed = 1, processed_at = ?, room_event_id = ? WHERE message_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().UnixMilli(), eventID, messageID},
		})
	if err != nil {
		return fmt.Errorf("store: mark processed %s: %w", messageID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: mark processed %s: no such email", messageID)
	}
	return nil
}

// Unprocessed returns up to limit unprocessed emails, oldest first.
// The retry loop redelivers these in order.
func (s *Store) Unprocessed(ctx context.Context, limit int) ([]StoredEmail, error) {
	if limit <= 0 {
		limit = 100
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: unprocessed: %w", err)
	}
	defer s.pool.Put(conn)

	var results []StoredEmail
	err = sqlitex.Execute(conn,
		`SELECT raw_json, raw_path, created_at FROM emails
			WHERE processed = 0 ORDER BY created_at ASC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var email mailparse.Email
				if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &email); err != nil {
					return fmt.Errorf("unmarshal email: %w", err)
				}
				results = append(results, StoredEmail{
					Email:     &email,
					RawPath:   stmt.ColumnText(1),
					CreatedAt: time.UnixMilli(stmt.ColumnInt64(2)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: unprocessed: %w", err)
	}
	return results, nil
}

// HasEmail reports whether an email with the given message id has been
// stored, processed or not.
func (s *Store) HasEmail(ctx context.Context, messageID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: has email: %w", err)
	}
	defer s.pool.Put(conn)

	var found bool
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM emails WHERE message_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: has email %s: %w", messageID, err)
	}
	return found, nil
}

// EventIDForMessage maps an email message id to the room event that
// carries it, for threading replies. Inbound emails are found via
// their delivery bookkeeping; outbound ones via the thread marker or
// email event in the archive. Returns "" when the id is unknown.
func (s *Store) EventIDForMessage(ctx context.Context, messageID string) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("store: event for message: %w", err)
	}
	defer s.pool.Put(conn)

	var eventID string
	err = sqlitex.Execute(conn,
		"SELECT room_event_id FROM emails WHERE message_id = ? AND room_event_id IS NOT NULL AND room_event_id != ''",
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				eventID = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("store: event for message %s: %w", messageID, err)
	}
	if eventID != "" {
		return eventID, nil
	}

	err = sqlitex.Execute(conn,
		`SELECT event_id, event_type, content FROM events
			WHERE json_extract(content, '$.message_id') = ?
			ORDER BY received_at ASC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{messageID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				eventID = stmt.ColumnText(0)
				// A thread marker points at the event it annotates;
				// that event is the thread root, not the marker.
				if stmt.ColumnText(1) == "perch.thread.marker" {
					var content struct {
						RelatesTo struct {
							EventID string `json:"event_id"`
						} `json:"m.relates_to"`
					}
					if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &content); err == nil &&
						content.RelatesTo.EventID != "" {
						eventID = content.RelatesTo.EventID
					}
				}
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("store: event for message %s: %w", messageID, err)
	}
	return eventID, nil
}

// SaveEvent archives a Matrix event delivered to the bridge. Duplicate
// event ids are ignored: homeservers redeliver transactions, and the
// archive must not grow a second row for the same event.
func (s *Store) SaveEvent(ctx context.Context, eventID, roomID, eventType, sender string, content json.RawMessage) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: save event: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO events
			(event_id, room_id, event_type, sender, content, received_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				eventID,
				roomID,
				eventType,
				sender,
				string(content),
				s.clock.Now().UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: save event %s: %w", eventID, err)
	}
	return nil
}

// EventsInRoom returns archived events for a room, oldest first.
func (s *Store) EventsInRoom(ctx context.Context, roomID string, limit int) ([]ArchivedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: events in room: %w", err)
	}
	defer s.pool.Put(conn)

	var results []ArchivedEvent
	err = sqlitex.Execute(conn,
		`SELECT event_id, event_type, sender, content, received_at FROM events
			WHERE room_id = ? ORDER BY received_at ASC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				results = append(results, ArchivedEvent{
					EventID:    stmt.ColumnText(0),
					RoomID:     roomID,
					EventType:  stmt.ColumnText(1),
					Sender:     stmt.ColumnText(2),
					Content:    json.RawMessage(stmt.ColumnText(3)),
					ReceivedAt: time.UnixMilli(stmt.ColumnInt64(4)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: events in room %s: %w", roomID, err)
	}
	return results, nil
}

// ArchivedEvent is an event row read back from the store.
type ArchivedEvent struct {
	EventID    string
	RoomID     string
	EventType  string
	Sender     string
	Content    json.RawMessage
	ReceivedAt time.Time
}
