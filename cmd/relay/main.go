// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// mailgate relay — Outbound Relay Dispatcher
//
// Entry point for the outbound send worker. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL (mail store) and Redis (send queue)
//  3. Loads DKIM key material for the authorized sending domains
//  4. Consumes send tasks and relays messages upstream over SMTP
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailgate/internal/config"
	"github.com/bcem/mailgate/internal/dkim"
	"github.com/bcem/mailgate/internal/mailstore"
	"github.com/bcem/mailgate/internal/queue"
	"github.com/bcem/mailgate/internal/relay"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailgate relay dispatcher")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"relay", cfg.Relay.Addr(),
		"auth", cfg.Relay.Auth,
		"starttls", cfg.Relay.StartTLS,
		"queue", cfg.SendQueue,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	store := mailstore.New(pgPool)

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	sendQueue := queue.New(rdb, cfg.SendQueue)
	if err := sendQueue.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- DKIM signer ---
	signer := dkim.NewSigner(cfg.Dkim)
	slog.Info("DKIM signer loaded", "domains", signer.Domains())

	// --- Dispatcher and worker ---
	transport := relay.NewSMTPTransport(cfg.Relay)
	dispatcher := relay.NewDispatcher(store, signer, transport)
	worker := relay.NewWorker(sendQueue, store, dispatcher)

	// --- Graceful shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	worker.Run(ctx)

	rdb.Close()
	pgPool.Close()
	slog.Info("relay dispatcher stopped")
}
