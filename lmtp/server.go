// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package lmtp implements the bridge's mail receiver: a line-oriented
// server speaking the LMTP dialect of SMTP. A delivery agent (or, in
// development, another bridge) connects, announces envelope sender and
// recipients, and streams the raw message. Each recipient gets its own
// final status line, so one message can succeed for one user and fail
// for another.
//
// The server validates nothing about the message content itself; it
// hands the envelope and raw bytes to the configured handler and maps
// the handler's verdict to a protocol reply.
package lmtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// maxLineBytes bounds a single command line.
const maxLineBytes = 4096

// ErrRejected marks a permanent delivery failure (554). Any other
// handler error is treated as transient (451) and the client is
// expected to retry.
var ErrRejected = errors.New("lmtp: delivery rejected")

// Handler delivers a message to a single recipient. from and to are
// bare envelope addresses; raw is the dot-unstuffed message body.
type Handler func(ctx context.Context, from, to string, raw []byte) error

// Config holds the parameters for creating a Server.
type Config struct {
	// Domain is announced in the greeting and LHLO reply.
	Domain string

	// Handler receives each accepted message, once per recipient.
	// Required.
	Handler Handler

	// IdleTimeout is the per-connection read deadline, refreshed on
	// every line. Defaults to 5 minutes.
	IdleTimeout time.Duration

	// MaxMessageBytes bounds the DATA payload. Defaults to 25 MiB.
	MaxMessageBytes int64

	// Logger receives connection logs. If nil, logging is discarded.
	Logger *slog.Logger
}

// Server accepts mail connections. Create with NewServer, start with
// Serve, stop with Close.
type Server struct {
	domain          string
	handler         Handler
	idleTimeout     time.Duration
	maxMessageBytes int64
	logger          *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	conns    sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("lmtp: Domain is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("lmtp: Handler is required")
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = 25 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		domain:          cfg.Domain,
		handler:         cfg.Handler,
		idleTimeout:     idleTimeout,
		maxMessageBytes: maxMessageBytes,
		logger:          logger,
	}, nil
}

// Serve accepts connections on the listener until Close is called.
// Blocks; run it in a goroutine.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("lmtp: server closed")
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("mail server listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("lmtp: accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Close stops accepting connections and waits for in-flight ones to
// finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.conns.Wait()
	return err
}

// session is the per-connection envelope state.
type session struct {
	from       string
	recipients []string
}

func (s *session) reset() {
	s.from = ""
	s.recipients = nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	logger := s.logger.With("remote", remote)

	reader := bufio.NewReaderSize(conn, maxLineBytes)
	writer := bufio.NewWriter(conn)

	reply := func(line string) bool {
		if _, err := writer.WriteString(line + "\r\n"); err != nil {
			return false
		}
		return writer.Flush() == nil
	}

	if !reply("220 " + s.domain + " LMTP ready") {
		return
	}

	sess := &session{}
	for {
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		line, err := readLine(reader)
		if err != nil {
			switch {
			case errors.Is(err, errLineTooLong):
				reply("500 line too long")
			default:
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					reply("421 " + s.domain + " idle timeout")
				}
			}
			return
		}

		verb, argument := splitCommand(line)
		switch verb {
		case "LHLO", "HELO", "EHLO":
			sess.reset()
			if !reply("250 " + s.domain) {
				return
			}

		case "MAIL":
			address, ok := parsePath(argument, "FROM:")
			if !ok {
				if !reply("501 syntax: MAIL FROM:<address>") {
					return
				}
				continue
			}
			sess.reset()
			sess.from = address
			if !reply("250 OK") {
				return
			}

		case "RCPT":
			if sess.from == "" {
				if !reply("503 MAIL first") {
					return
				}
				continue
			}
			address, ok := parsePath(argument, "TO:")
			if !ok || address == "" {
				if !reply("501 syntax: RCPT TO:<address>") {
					return
				}
				continue
			}
			sess.recipients = append(sess.recipients, address)
			if !reply("250 OK") {
				return
			}

		case "DATA":
			if len(sess.recipients) == 0 {
				if !reply("503 RCPT first") {
					return
				}
				continue
			}
			if !reply("354 end data with <CRLF>.<CRLF>") {
				return
			}
			raw, err := s.readData(conn, reader)
			if err != nil {
				if errors.Is(err, errMessageTooLarge) {
					if !reply("552 message too large") {
						return
					}
					sess.recipients = nil
					continue
				}
				return
			}

			// One status line per recipient, in RCPT order.
			for _, recipient := range sess.recipients {
				status := s.deliver(ctx, sess.from, recipient, raw)
				if !reply(status) {
					return
				}
			}
			logger.Info("message received",
				"from", sess.from,
				"recipients", len(sess.recipients),
				"bytes", len(raw),
			)
			// The sender is retained after the terminator: the client
			// may go straight to RCPT for its next message.
			sess.recipients = nil

		case "RSET":
			sess.reset()
			if !reply("250 OK") {
				return
			}

		case "NOOP":
			if !reply("250 OK") {
				return
			}

		case "QUIT":
			reply("221 " + s.domain + " closing")
			return

		default:
			if !reply("502 command not recognized") {
				return
			}
		}
	}
}

// deliver invokes the handler and maps its verdict to a status line.
func (s *Server) deliver(ctx context.Context, from, to string, raw []byte) string {
	err := s.handler(ctx, from, to, raw)
	switch {
	case err == nil:
		return "250 OK"
	case errors.Is(err, ErrRejected):
		s.logger.Info("delivery rejected", "from", from, "to", to, "error", err)
		return "554 " + statusText(err)
	default:
		s.logger.Warn("delivery failed", "from", from, "to", to, "error", err)
		return "451 temporary failure, try again"
	}
}

// statusText flattens an error message onto a single reply line.
func statusText(err error) string {
	text := strings.ReplaceAll(err.Error(), "\r", " ")
	return strings.ReplaceAll(text, "\n", " ")
}

var errMessageTooLarge = errors.New("lmtp: message too large")

// readData reads the DATA payload up to the terminating dot line,
// undoing dot stuffing. The deadline is refreshed per line so a slow
// but live sender is not cut off.
func (s *Server) readData(conn net.Conn, reader *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		line, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		if line == "." {
			return body, nil
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		if int64(len(body)+len(line)+2) > s.maxMessageBytes {
			// Keep consuming to the terminator so the protocol stays
			// in sync, then report the overflow.
			for {
				conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
				line, err := readLine(reader)
				if err != nil {
					return nil, err
				}
				if line == "." {
					return nil, errMessageTooLarge
				}
			}
		}
		body = append(body, line...)
		body = append(body, '\r', '\n')
	}
}

var errLineTooLong = errors.New("lmtp: line too long")

// readLine reads one CRLF-terminated line, tolerating bare LF. A line
// that overflows the reader's buffer returns errLineTooLong without
// buffering the rest; the caller drops the connection.
func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", errLineTooLong
		}
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// splitCommand splits "MAIL FROM:<a@b>" into verb "MAIL" and the rest.
func splitCommand(line string) (string, string) {
	verb, rest, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(rest)
}

// parsePath extracts the address from an argument like
// "FROM:<alice@example.com> SIZE=1234". The prefix match is
// case-insensitive. An empty path ("<>", the null sender) returns
// ok with an empty address.
func parsePath(argument, prefix string) (string, bool) {
	if len(argument) < len(prefix) || !strings.EqualFold(argument[:len(prefix)], prefix) {
		return "", false
	}
	rest := strings.TrimSpace(argument[len(prefix):])
	// Trailing ESMTP parameters (SIZE=..., BODY=...) follow the path.
	if index := strings.IndexByte(rest, ' '); index >= 0 {
		rest = rest[:index]
	}
	if !strings.HasPrefix(rest, "<") || !strings.HasSuffix(rest, ">") {
		return "", false
	}
	return strings.TrimSpace(rest[1 : len(rest)-1]), true
}
