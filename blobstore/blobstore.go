// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore persists opaque payloads that are too large or too
// raw for the database: full original MIME messages, oversized message
// bodies, and attachment contents.
//
// Keys are slash-separated paths like
// "emails/bob@perch.example/2026-02-02/abc123". Each path segment is
// sanitized before touching the filesystem, so untrusted input
// (recipient addresses, message ids, attachment filenames) cannot
// escape the store root.
package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the blob persistence interface the bridge writes through.
type Store interface {
	// Put writes data under the given key, creating parent directories
	// as needed. Overwrites any existing blob at the key.
	Put(key string, data []byte) error

	// Get reads the blob stored under the key.
	Get(key string) ([]byte, error)
}

// FS is a filesystem-backed Store rooted at a single directory.
type FS struct {
	root string
}

// NewFS returns a filesystem store rooted at dir, creating it if
// needed.
func NewFS(dir string) (*FS, error) {
	if dir == "" {
		return nil, fmt.Errorf("blobstore: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating root: %w", err)
	}
	return &FS{root: dir}, nil
}

func (s *FS) Put(key string, data []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("blobstore: creating directory for %s: %w", key, err)
	}
	// Write-then-rename so readers never observe a partial blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blobstore: writing %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blobstore: committing %s: %w", key, err)
	}
	return nil
}

func (s *FS) Get(key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blobstore: reading %s: %w", key, err)
	}
	return data, nil
}

// resolve maps a key to an on-disk path, sanitizing each segment.
func (s *FS) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("blobstore: empty key")
	}
	segments := strings.Split(key, "/")
	cleaned := make([]string, 0, len(segments))
	for _, seg := range segments {
		seg = sanitizeSegment(seg)
		if seg == "" {
			continue
		}
		cleaned = append(cleaned, seg)
	}
	if len(cleaned) == 0 {
		return "", fmt.Errorf("blobstore: key %q has no usable segments", key)
	}
	return filepath.Join(append([]string{s.root}, cleaned...)...), nil
}

// sanitizeSegment strips characters that carry filesystem meaning from
// a single path segment. Dot-only segments are dropped entirely.
func sanitizeSegment(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_', r == '@', r == '+':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}
