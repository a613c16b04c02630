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

// mailgate gateway — Inbound Verification Gateway
//
// Entry point for the mail store side of the inbound trust boundary. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL (mail store) and Redis (dedup filter)
//  3. Serves /mail/inbound and /mail/check behind assertion verification
//  4. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailgate/internal/config"
	"github.com/bcem/mailgate/internal/dedup"
	"github.com/bcem/mailgate/internal/gateway"
	"github.com/bcem/mailgate/internal/mailstore"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailgate verification gateway")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"port", cfg.GatewayPort,
		"assertion_ttl", cfg.AssertionTTL,
		"dedup_window", cfg.DedupWindow,
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

	// --- Dedup filter (optional) ---
	var filter *dedup.Filter
	var rdb *redis.Client
	if cfg.DedupWindow > 0 {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		filter = dedup.NewFilter(rdb, cfg.DedupWindow)
		slog.Info("connected to Redis, dedup filter active", "window", cfg.DedupWindow)
	}

	handler := gateway.NewHandler([]byte(cfg.Secret), store, filter)

	health := func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	}

	ready, err := gateway.Serve(ctx, cfg.GatewayPort, handler, health)
	if err != nil {
		slog.Error("failed to start gateway server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	if rdb != nil {
		rdb.Close()
	}
	pgPool.Close()

	slog.Info("verification gateway stopped")
}
