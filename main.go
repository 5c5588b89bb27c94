// chatrelay - streaming chat backend for the browser client.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/chatrelay/internal/background"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/identity"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/server"
	"github.com/jeranaias/chatrelay/internal/storage"
	"github.com/jeranaias/chatrelay/internal/upstream"
)

// shutdownTimeout bounds graceful shutdown, including draining
// in-flight background persistence tasks.
const shutdownTimeout = 15 * time.Second

func main() {
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		if err := writeDefaultConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
}

// writeDefaultConfig writes a starter config to the default location,
// refusing to overwrite an existing file.
func writeDefaultConfig() error {
	path, err := config.ConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := config.Save(config.Default()); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	log.Printf("STORE_OPEN | path=%s", cfg.Storage.DBPath)

	verifier, publishableKey, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	client := upstream.NewClient(cfg.Upstream.APIKey).
		WithBaseURL(cfg.Upstream.BaseURL).
		WithModel(cfg.Upstream.DefaultModel)
	if !client.IsConfigured() {
		log.Printf("UPSTREAM_UNCONFIGURED | stream requests will fail until CHATRELAY_UPSTREAM_KEY is set")
	}

	runner := background.NewRunner(time.Duration(cfg.Storage.TaskBudgetSecs) * time.Second)
	core := relay.NewCore(store, client, runner)

	cors := server.DefaultCORSConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		cors.AllowedOrigins = cfg.Server.AllowedOrigins
	}

	srv := server.NewServer(cfg.Server.Port, core, store, verifier).
		WithPublishableKey(publishableKey).
		WithCORS(cors)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		log.Printf("SIGNAL_RECEIVED | signal=%v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("SHUTDOWN_ERROR | error=%v", err)
	}
	// Accepted persistence work finishes before the process exits.
	if err := runner.Drain(ctx); err != nil {
		log.Printf("DRAIN_TIMEOUT | error=%v", err)
	}

	log.Printf("SHUTDOWN_COMPLETE")
	return nil
}

// buildVerifier constructs the identity verifier from config.
func buildVerifier(cfg *config.Config) (identity.Verifier, string, error) {
	switch cfg.Identity.Mode {
	case "static":
		log.Printf("IDENTITY_MODE | mode=static tokens=%d", len(cfg.Identity.Tokens))
		return identity.NewStaticVerifier(cfg.Identity.Tokens), cfg.Identity.PublishableKey, nil
	case "provider":
		v := identity.NewProviderVerifier(cfg.Identity.VerifyURL, cfg.Identity.SecretKey, cfg.Identity.PublishableKey)
		log.Printf("IDENTITY_MODE | mode=provider verify_url=%s", cfg.Identity.VerifyURL)
		return v, v.PublishableKey(), nil
	default:
		return nil, "", fmt.Errorf("unknown identity mode %q", cfg.Identity.Mode)
	}
}
