// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

// skysyncd serves the formation catalog's ingestion surfaces: admin
// job control, sync status polling, formation export, /metrics and
// /healthz.
//
// Configuration is primarily via environment variables (flags can
// override): LISTEN_ADDR, STORE_DRIVER, STORE_DSN, PLATFORM_BASE_URL,
// PLATFORM_EMAIL, PLATFORM_PASSWORD, SESSION_FILE, JWT_SECRET, ...
// A .env file in the working directory is loaded first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumovan/skystage-clone-sub001/skysync"
)

type config struct {
	listenAddr string

	storeDriver string
	storeDSN    string

	platformBase  string
	platformEmail string
	platformPass  string
	sessionFile   string
	sessionTTL    time.Duration

	jwtSecret string

	batchSize  int
	batchDelay time.Duration
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.listenAddr, "listen", envString("LISTEN_ADDR", ":8080"), "HTTP listen address. Env: LISTEN_ADDR")
	flag.StringVar(&cfg.storeDriver, "store-driver", envString("STORE_DRIVER", "sqlite"), "Store backend: postgres|sqlite|memory. Env: STORE_DRIVER")
	flag.StringVar(&cfg.storeDSN, "store-dsn", envString("STORE_DSN", "skysync.db"), "pgx DSN or sqlite path. Env: STORE_DSN")
	flag.StringVar(&cfg.platformBase, "platform-base-url", envString("PLATFORM_BASE_URL", ""), "External platform base URL. Env: PLATFORM_BASE_URL")
	flag.StringVar(&cfg.platformEmail, "platform-email", envString("PLATFORM_EMAIL", ""), "Platform login email. Env: PLATFORM_EMAIL")
	flag.StringVar(&cfg.platformPass, "platform-password", envString("PLATFORM_PASSWORD", ""), "Platform login password. Env: PLATFORM_PASSWORD")
	flag.StringVar(&cfg.sessionFile, "session-file", envString("SESSION_FILE", ".skysync-session.json"), "Persisted session path. Env: SESSION_FILE")
	flag.DurationVar(&cfg.sessionTTL, "session-ttl", envDuration("SESSION_TTL", skysync.DefaultSessionTTL), "Session validity from original login. Env: SESSION_TTL")
	flag.StringVar(&cfg.jwtSecret, "jwt-secret", envString("JWT_SECRET", ""), "HS256 secret for the admin surface. Env: JWT_SECRET")
	flag.IntVar(&cfg.batchSize, "batch-size", envInt("SYNC_BATCH_SIZE", skysync.DefaultBatchSize), "Concurrent detail fetches per batch. Env: SYNC_BATCH_SIZE")
	flag.DurationVar(&cfg.batchDelay, "batch-delay", envDuration("SYNC_BATCH_DELAY", skysync.DefaultBatchDelay), "Delay between batches. Env: SYNC_BATCH_DELAY")

	flag.Parse()

	if cfg.jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is required")
		os.Exit(2)
	}
	if cfg.platformBase == "" {
		fmt.Fprintln(os.Stderr, "PLATFORM_BASE_URL is required")
		os.Exit(2)
	}
	return cfg
}

func main() {
	_ = godotenv.Load()
	cfg := parseFlags()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := skysync.OpenStore(ctx, skysync.StoreConfig{
		Driver: cfg.storeDriver,
		DSN:    cfg.storeDSN,
	}, logger)
	if err != nil {
		logger.Error("store open failed", "driver", cfg.storeDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	analytics := skysync.NewLogAnalytics(logger)

	session, err := skysync.NewSessionManager(skysync.SessionConfig{
		BaseURL:  cfg.platformBase,
		Email:    cfg.platformEmail,
		Password: cfg.platformPass,
		FilePath: cfg.sessionFile,
		TTL:      cfg.sessionTTL,
	}, analytics, logger)
	if err != nil {
		logger.Error("session manager init failed", "error", err)
		os.Exit(1)
	}

	platform := skysync.NewHTTPPlatform(cfg.platformBase, session, logger)

	service := skysync.NewSyncService(store, platform, session, analytics, &skysync.ServiceConfig{
		BatchSize:  cfg.batchSize,
		BatchDelay: cfg.batchDelay,
	}, logger)
	defer service.Close()

	handlers := skysync.NewHTTPHandlers(service, store, skysync.NewJWTAuth(cfg.jwtSecret), analytics, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	handlers.Routes(r)

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.listenAddr, "store", cfg.storeDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
