// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package appservice is the homeserver-facing HTTP surface of the
// bridge: the transaction receiver, the ping echo endpoint, HTTP mail
// ingestion, and the domain trust discovery documents.
//
// Transactions are acknowledged immediately; each event's side
// effects run on a bounded worker pool and may complete after the
// response has been written. Idempotency lives below this layer, in
// the store's unique constraints and the natural idempotency of room
// joins.
package appservice

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/perch-im/perch/bridge"
	"github.com/perch-im/perch/clock"
	"github.com/perch-im/perch/messaging"
	"github.com/perch-im/perch/store"
	"github.com/perch-im/perch/trust"
)

// maxBodyBytes bounds transaction and ingestion request bodies.
const maxBodyBytes = 50 << 20

// EventHandler consumes classified transaction events. Satisfied by
// the bridge.
type EventHandler interface {
	HandleEvent(ctx context.Context, event messaging.Event) error
}

// MailDeliverer accepts one inbound email. Satisfied by the bridge.
type MailDeliverer interface {
	DeliverInbound(ctx context.Context, from, to string, raw []byte) error
}

// Pinger issues the appservice ping API call. Satisfied by the
// messaging client.
type Pinger interface {
	Ping(ctx context.Context, appserviceID, transactionID string) (int64, error)
}

// Config holds the parameters for creating a Server.
type Config struct {
	// ListenAddr is the TCP listen address.
	ListenAddr string

	// ServerName is the Matrix server name this bridge asserts.
	ServerName string

	// AppserviceID is the registration id used by the ping API.
	// Defaults to "perch".
	AppserviceID string

	// HSToken authenticates the homeserver on transactions and pings.
	HSToken string

	// IngestToken authenticates HTTP mail ingestion. Empty disables
	// the endpoint.
	IngestToken string

	// PublicURL is this bridge's externally reachable base URL,
	// served in the well-known discovery document.
	PublicURL string

	// BridgeUserID is reported by the identity endpoint.
	BridgeUserID string

	// Events handles classified transaction events.
	Events EventHandler

	// Mail delivers ingested email.
	Mail MailDeliverer

	// Store archives transaction events.
	Store *store.Store

	// Signer produces the signed homeserver assertion.
	Signer *trust.Signer

	// Pinger issues outbound pings. Nil disables SendPing.
	Pinger Pinger

	// Workers and QueueSize bound the event worker pool.
	Workers   int
	QueueSize int

	// ShutdownTimeout caps graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration

	// Clock provides assertion timestamps.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Server is the appservice HTTP server.
type Server struct {
	addr            string
	serverName      string
	appserviceID    string
	hsToken         string
	ingestToken     string
	publicURL       string
	bridgeUserID    string
	events          EventHandler
	mail            MailDeliverer
	store           *store.Store
	signer          *trust.Signer
	pinger          Pinger
	pool            *workerPool
	slot            TransactionSlot
	shutdownTimeout time.Duration
	clock           clock.Clock
	logger          *slog.Logger
	handler         http.Handler

	ready   chan struct{}
	boundTo net.Addr
}

// NewServer creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("appservice: ListenAddr is required")
	}
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("appservice: ServerName is required")
	}
	if cfg.HSToken == "" {
		return nil, fmt.Errorf("appservice: HSToken is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("appservice: Events is required")
	}
	if cfg.Mail == nil {
		return nil, fmt.Errorf("appservice: Mail is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("appservice: Store is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("appservice: Signer is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("appservice: Clock is required")
	}
	appserviceID := cfg.AppserviceID
	if appserviceID == "" {
		appserviceID = "perch"
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		addr:            cfg.ListenAddr,
		serverName:      cfg.ServerName,
		appserviceID:    appserviceID,
		hsToken:         cfg.HSToken,
		ingestToken:     cfg.IngestToken,
		publicURL:       strings.TrimRight(cfg.PublicURL, "/"),
		bridgeUserID:    cfg.BridgeUserID,
		events:          cfg.Events,
		mail:            cfg.Mail,
		store:           cfg.Store,
		signer:          cfg.Signer,
		pinger:          cfg.Pinger,
		shutdownTimeout: shutdownTimeout,
		clock:           cfg.Clock,
		logger:          logger,
		ready:           make(chan struct{}),
	}
	s.pool = newWorkerPool(cfg.Workers, cfg.QueueSize, logger, s.processEvent)
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnID}", s.requireToken(s.hsToken, s.handleTransaction))
	mux.HandleFunc("PUT /transactions/{txnID}", s.requireToken(s.hsToken, s.handleTransaction))
	mux.HandleFunc("POST /_matrix/app/v1/ping", s.requireToken(s.hsToken, s.handlePing))
	mux.HandleFunc("POST /ping", s.requireToken(s.hsToken, s.handlePing))

	mux.HandleFunc("POST /mail/{sender}/{recipient}", s.handleMail)

	mux.HandleFunc("GET /.well-known/perch/server", s.handleWellKnown)
	mux.HandleFunc("GET /key", s.handleKey)
	mux.HandleFunc("GET /homeserver", s.handleHomeserver)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /identity", s.handleIdentity)

	return mux
}

// Handler exposes the route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listen address. Valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	return s.boundTo
}

// Serve binds the listener and blocks until ctx is cancelled, then
// drains in-flight requests and the worker pool.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("appservice: listening on %s: %w", s.addr, err)
	}
	s.boundTo = listener.Addr()
	close(s.ready)

	// Workers get their own context so events still queued at shutdown
	// complete during the drain window instead of failing against a
	// cancelled ctx. The drain is bounded by the shutdown timeout.
	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()
	s.pool.run(poolCtx)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("appservice listening", "address", s.boundTo.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("appservice shutting down")
	case err := <-serveDone:
		s.pool.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	stopDrain := context.AfterFunc(shutdownCtx, poolCancel)
	defer stopDrain()
	err = server.Shutdown(shutdownCtx)
	s.pool.close()
	if err != nil {
		return fmt.Errorf("appservice: shutdown: %w", err)
	}
	s.logger.Info("appservice stopped")
	return nil
}

// SendPing generates a fresh ping transaction id and asks the
// homeserver to echo it back through the ping endpoint.
func (s *Server) SendPing(ctx context.Context) error {
	if s.pinger == nil {
		return fmt.Errorf("appservice: no pinger configured")
	}
	id := s.slot.Generate()
	duration, err := s.pinger.Ping(ctx, s.appserviceID, id)
	if err != nil {
		return fmt.Errorf("appservice: ping: %w", err)
	}
	s.logger.Info("homeserver ping round trip", "transaction_id", id, "duration_ms", duration)
	return nil
}

// processEvent archives one event and hands it to the bridge. Archive
// failure is logged and never blocks handling.
func (s *Server) processEvent(ctx context.Context, event messaging.Event) {
	if event.EventID != "" {
		err := s.store.SaveEvent(ctx, event.EventID, event.RoomID, event.Type, event.Sender, event.Content)
		if err != nil {
			s.logger.Error("event archive failed", "event_id", event.EventID, "error", err)
		}
	}
	if err := s.events.HandleEvent(ctx, event); err != nil {
		s.logger.Error("event handling failed",
			"event_id", event.EventID, "type", event.Type, "error", err)
	}
}

// requireToken enforces bearer authentication with the given token.
func (s *Server) requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeMatrixError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeMatrixError(w, http.StatusForbidden, messaging.ErrCodeUnknownToken, "bad token")
			return
		}
		next(w, r)
	}
}

type transactionBody struct {
	Events []messaging.Event `json:"events"`
}

// handleTransaction accepts a pushed event batch. Every event is
// scheduled on the worker pool and the response returns immediately;
// redelivered transactions are made harmless by the idempotency of
// the scheduled work, not deduplicated here.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := r.PathValue("txnID")
	var body transactionBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_BAD_JSON", "malformed transaction body")
		return
	}

	accepted := 0
	for _, event := range body.Events {
		if s.pool.submit(event) {
			accepted++
		}
	}
	s.logger.Info("transaction accepted",
		"txn_id", txnID, "events", len(body.Events), "scheduled", accepted)
	writeJSON(w, http.StatusOK, map[string]any{})
}

type pingBody struct {
	TransactionID string `json:"transaction_id"`
}

// handlePing verifies an echoed ping transaction id against the slot.
// A stale id is logged and otherwise ignored.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var body pingBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_BAD_JSON", "malformed ping body")
		return
	}
	if s.slot.Verify(body.TransactionID) {
		s.logger.Info("ping verified", "transaction_id", body.TransactionID)
	} else {
		s.logger.Warn("ping with unknown transaction id", "transaction_id", body.TransactionID)
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handleMail ingests one raw email over HTTP, as an alternative to
// the LMTP listener. The MIME bytes arrive as a multipart field named
// "email", or as the first field when unnamed.
func (s *Server) handleMail(w http.ResponseWriter, r *http.Request) {
	if s.ingestToken == "" {
		http.NotFound(w, r)
		return
	}
	presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.ingestToken)) != 1 {
		writeMatrixError(w, http.StatusForbidden, messaging.ErrCodeUnknownToken, "bad token")
		return
	}

	sender := r.PathValue("sender")
	recipient := r.PathValue("recipient")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_BAD_JSON", "expected multipart body")
		return
	}
	var raw []byte
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeMatrixError(w, http.StatusBadRequest, "M_BAD_JSON", "malformed multipart body")
			return
		}
		name := part.FormName()
		if name != "email" && raw != nil {
			continue
		}
		data, err := io.ReadAll(part)
		if err != nil {
			writeMatrixError(w, http.StatusBadRequest, "M_BAD_JSON", "reading multipart field")
			return
		}
		raw = data
		if name == "email" {
			break
		}
	}
	if len(raw) == 0 {
		writeMatrixError(w, http.StatusBadRequest, "M_BAD_JSON", "no email field")
		return
	}

	if err := s.mail.DeliverInbound(r.Context(), sender, recipient, raw); err != nil {
		if errors.Is(err, bridge.ErrRejected) {
			writeMatrixError(w, http.StatusBadRequest, "M_UNKNOWN", err.Error())
			return
		}
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	if s.publicURL == "" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, trust.WellKnown{ServerURL: s.publicURL})
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, trust.KeyResponse{
		Homeserver: s.serverName,
		VerifyKey:  s.signer.PublicKeyBase64(),
	})
}

// handleHomeserver serves a freshly signed assertion on every request;
// assertions are never cached, bounding staleness for verifiers.
func (s *Server) handleHomeserver(w http.ResponseWriter, r *http.Request) {
	signed, err := s.signer.Sign(s.serverName, s.clock.Now())
	if err != nil {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "signing failed")
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"server_name":   s.serverName,
		"appservice_id": s.appserviceID,
		"user_id":       s.bridgeUserID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeMatrixError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": message})
}
