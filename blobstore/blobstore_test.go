// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPutGet(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := "emails/bob@perch.example/2026-02-02/abc123"
	if err := store.Put(key, []byte("raw mime")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "raw mime" {
		t.Errorf("Get = %q", got)
	}
}

func TestPutOverwrites(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put("k", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("k", []byte("two")); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "two" {
		t.Errorf("Get = %q, want two", got)
	}
}

func TestTraversalConfined(t *testing.T) {
	root := t.TempDir()
	store, err := NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	// Dot segments are dropped, other hostile characters rewritten.
	if err := store.Put("../../etc/passwd", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "etc")); err == nil {
		t.Fatal("blob escaped the store root")
	}
	if _, err := store.Get("../../etc/passwd"); err != nil {
		t.Fatalf("Get after sanitized Put: %v", err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put("", []byte("x")); err == nil {
		t.Fatal("Put with empty key succeeded")
	}
	if err := store.Put("../..", []byte("x")); err == nil {
		t.Fatal("Put with dot-only key succeeded")
	}
}
