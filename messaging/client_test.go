// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		HomeserverURL: server.URL,
		ASToken:       "as-secret",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{ASToken: "t"}); err == nil {
		t.Error("NewClient without HomeserverURL succeeded")
	}
	if _, err := NewClient(ClientConfig{HomeserverURL: "http://x"}); err == nil {
		t.Error("NewClient without ASToken succeeded")
	}
}

func TestAuthorizationHeader(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(ServerVersionsResponse{Versions: []string{"v1.11"}})
	}))

	if _, err := client.ServerVersions(context.Background()); err != nil {
		t.Fatalf("ServerVersions: %v", err)
	}
	if gotAuth != "Bearer as-secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestImpersonationQuery(t *testing.T) {
	var gotUserID, gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = r.URL.Query().Get("user_id")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(SendEventResponse{EventID: "$event1"})
	}))

	session := client.Session("@bob:perch.example")
	eventID, err := session.SendMessage(context.Background(), "!room:perch.example", NewTextMessage("hi"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if eventID != "$event1" {
		t.Errorf("eventID = %q", eventID)
	}
	if gotUserID != "@bob:perch.example" {
		t.Errorf("user_id = %q", gotUserID)
	}
	if gotPath == "" || gotPath == "/" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestBotSessionOmitsUserID(t *testing.T) {
	var hasUserID bool
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasUserID = r.URL.Query().Has("user_id")
		json.NewEncoder(w).Encode(SendEventResponse{EventID: "$e"})
	}))

	if _, err := client.BotSession().SendMessage(context.Background(), "!r:x", NewTextMessage("hi")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if hasUserID {
		t.Error("bot session sent user_id query parameter")
	}
}

func TestMatrixErrorDecoding(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"Room alias not found."}`))
	}))

	_, err := client.BotSession().ResolveAlias(context.Background(), "#missing:perch.example")
	if err == nil {
		t.Fatal("ResolveAlias succeeded on 404")
	}
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		t.Fatalf("error %T is not *MatrixError", err)
	}
	if matrixErr.Code != ErrCodeNotFound || matrixErr.StatusCode != http.StatusNotFound {
		t.Errorf("matrixErr = %+v", matrixErr)
	}
	if !IsMatrixError(err, ErrCodeNotFound) {
		t.Error("IsMatrixError(M_NOT_FOUND) = false")
	}
}

func TestRegisterUser(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["type"] != "m.login.application_service" {
			t.Errorf("type = %v", body["type"])
		}
		json.NewEncoder(w).Encode(map[string]string{"user_id": "@bob:perch.example"})
	}))

	userID, err := client.RegisterUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if userID != "@bob:perch.example" {
		t.Errorf("userID = %q", userID)
	}
}

func TestUserExists(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_matrix/client/v3/profile/@bob:perch.example" {
			json.NewEncoder(w).Encode(map[string]string{"displayname": "Bob"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"no such user"}`))
	}))

	exists, err := client.UserExists(context.Background(), "@bob:perch.example")
	if err != nil || !exists {
		t.Errorf("UserExists(bob) = %v, %v", exists, err)
	}
	exists, err = client.UserExists(context.Background(), "@ghost:perch.example")
	if err != nil || exists {
		t.Errorf("UserExists(ghost) = %v, %v", exists, err)
	}
}

func TestPing(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v1/appservice/perch/ping" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["transaction_id"] != "txn-1" {
			t.Errorf("transaction_id = %q", body["transaction_id"])
		}
		json.NewEncoder(w).Encode(map[string]int64{"duration_ms": 12})
	}))

	duration, err := client.Ping(context.Background(), "perch", "txn-1")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if duration != 12 {
		t.Errorf("duration = %d", duration)
	}
}

func TestThreadRelation(t *testing.T) {
	content := NewThreadReply("$root", "reply body")
	data, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	json.Unmarshal(data, &decoded)
	relates, ok := decoded["m.relates_to"].(map[string]any)
	if !ok {
		t.Fatalf("m.relates_to missing: %s", data)
	}
	if relates["rel_type"] != "m.thread" || relates["event_id"] != "$root" {
		t.Errorf("relates = %v", relates)
	}
	inReply, ok := relates["m.in_reply_to"].(map[string]any)
	if !ok || inReply["event_id"] != "$root" {
		t.Errorf("in_reply_to = %v", relates["m.in_reply_to"])
	}
}
