// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Perch is the bridge daemon. It runs three concurrent surfaces over a
// shared core:
//
//   - the appservice HTTP server, receiving Matrix transactions, ping
//     echoes, optional HTTP mail ingestion, and the trust discovery
//     endpoints;
//   - the LMTP listener, receiving inbound email from a delivery agent;
//   - the retry loop, re-driving persisted emails whose Matrix delivery
//     failed.
//
// Configuration comes from a YAML file named by --config or the
// PERCH_CONFIG environment variable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perch-im/perch/appservice"
	"github.com/perch-im/perch/blobstore"
	"github.com/perch-im/perch/bridge"
	"github.com/perch-im/perch/clock"
	"github.com/perch-im/perch/config"
	"github.com/perch-im/perch/internal/version"
	"github.com/perch-im/perch/lmtp"
	"github.com/perch-im/perch/messaging"
	"github.com/perch-im/perch/smtpout"
	"github.com/perch-im/perch/store"
	"github.com/perch-im/perch/trust"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to perch.yaml (falls back to PERCH_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("perch %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing data directories: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	db, err := store.Open(store.Config{
		Path:   cfg.Paths.Database,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	blobs, err := blobstore.NewFS(cfg.Paths.Blobs)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	signer, err := trust.LoadOrGenerateSigner(cfg.Paths.SigningKey)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	var verifier *trust.Verifier
	if cfg.Trust.Mode == bridge.TrustVerify {
		var redisClient *redis.Client
		if cfg.Redis.Addr != "" {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()
		} else {
			logger.Warn("trust verification without redis; discovery lookups are not cached")
		}
		verifier, err = trust.NewVerifier(trust.VerifierConfig{
			Redis:    redisClient,
			CacheTTL: cfg.Trust.CacheTTL,
			Clock:    clk,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("creating trust verifier: %w", err)
		}
	}

	sender, err := smtpout.NewSender(smtpout.Config{
		Domain:           cfg.Mail.Domain,
		DevMode:          cfg.Mail.Outbound.DevMode,
		DevRelayAddr:     cfg.Mail.Outbound.DevRelayAddr,
		DevRewriteDomain: cfg.Mail.Outbound.DevRewriteDomain,
		RelayAddr:        cfg.Mail.Outbound.RelayAddr,
		Username:         cfg.Mail.Outbound.Username,
		Password:         cfg.Mail.Outbound.Password,
		Clock:            clk,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating mail sender: %w", err)
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		ASToken:       cfg.Homeserver.ASToken,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	core, err := bridge.New(bridge.Config{
		ServerName:          cfg.ServerName,
		MailDomain:          cfg.Mail.Domain,
		BridgeUserID:        cfg.BridgeUserID(),
		Matrix:              bridge.NewMatrix(client),
		Store:               db,
		Blobs:               blobs,
		Sender:              sender,
		Verifier:            verifier,
		TrustMode:           cfg.Trust.Mode,
		PostmasterLocalpart: cfg.Mail.PostmasterLocalpart,
		BounceLocalpart:     cfg.Mail.BounceLocalpart,
		BounceSubdomain:     cfg.Mail.BounceSubdomain,
		Clock:               clk,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	asServer, err := appservice.NewServer(appservice.Config{
		ListenAddr:   cfg.Appservice.ListenAddr,
		ServerName:   cfg.ServerName,
		AppserviceID: cfg.Appservice.ID,
		HSToken:      cfg.Homeserver.HSToken,
		IngestToken:  cfg.Appservice.IngestToken,
		PublicURL:    cfg.Appservice.PublicURL,
		BridgeUserID: cfg.BridgeUserID(),
		Events:       core,
		Mail:         core,
		Store:        db,
		Signer:       signer,
		Pinger:       client,
		Workers:      cfg.Appservice.Workers,
		QueueSize:    cfg.Appservice.QueueSize,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating appservice server: %w", err)
	}

	mailServer, err := lmtp.NewServer(lmtp.Config{
		Domain:      cfg.Mail.Domain,
		Handler:     deliverHandler(core),
		IdleTimeout: cfg.Mail.IdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating mail server: %w", err)
	}

	mailListener, err := net.Listen("tcp", cfg.Mail.LMTPListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Mail.LMTPListenAddr, err)
	}

	errc := make(chan error, 2)
	go func() {
		errc <- asServer.Serve(ctx)
	}()
	go func() {
		errc <- mailServer.Serve(ctx, mailListener)
	}()
	go core.RunRetryLoop(ctx, cfg.Mail.RetryInterval)

	select {
	case <-asServer.Ready():
	case err := <-errc:
		mailServer.Close()
		return err
	}
	logger.Info("perch started",
		"server_name", cfg.ServerName,
		"appservice_addr", asServer.Addr().String(),
		"lmtp_addr", mailListener.Addr().String(),
		"trust_mode", cfg.Trust.Mode)

	// Verify homeserver connectivity. A failed ping is logged but does
	// not prevent startup; the homeserver may simply not be up yet.
	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := asServer.SendPing(pingCtx); err != nil {
		logger.Warn("homeserver ping failed", "error", err)
	}
	cancel()

	<-ctx.Done()
	logger.Info("shutting down")
	mailServer.Close()

	// Both servers exit once the context is cancelled. The appservice
	// server drains its worker queue before returning.
	var firstErr error
	for range 2 {
		if err := <-errc; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deliverHandler adapts the bridge's delivery verdicts to mail
// protocol semantics: a rejected delivery becomes a permanent failure,
// everything else stays transient and the client retries.
func deliverHandler(core *bridge.Bridge) lmtp.Handler {
	return func(ctx context.Context, from, to string, raw []byte) error {
		err := core.DeliverInbound(ctx, from, to, raw)
		if err == nil {
			return nil
		}
		if errors.Is(err, bridge.ErrRejected) {
			return fmt.Errorf("%w: %v", lmtp.ErrRejected, err)
		}
		return err
	}
}
