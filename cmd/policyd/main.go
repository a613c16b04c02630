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

// mailgate policyd — Recipient Existence Oracle
//
// Spawned by the MTA as a policy service: requests arrive on stdin as
// blank-line-terminated key=value blocks, answers leave on stdout as
// action lines. The MTA blocks its RCPT TO phase on each answer, so the
// lookup path is bounded by policy.lookup_timeout and degrades per
// policy.fail_open instead of hanging the SMTP transaction.
//
// Two lookup backends:
//
//	postgres  query the mail store directly (default)
//	http      ask the verification gateway's /mail/check endpoint
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailgate/internal/bridge"
	"github.com/bcem/mailgate/internal/config"
	"github.com/bcem/mailgate/internal/mailstore"
	"github.com/bcem/mailgate/internal/policy"
)

func main() {
	// stdout is the policy protocol; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var checker policy.ExistenceChecker
	switch cfg.Policy.Lookup {
	case "postgres":
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()
		checker = mailstore.New(pgPool)
	case "http":
		checker = bridge.NewClient(cfg.Bridge, []byte(cfg.Secret), cfg.AssertionTTL)
	default:
		slog.Error("unknown policy lookup backend", "lookup", cfg.Policy.Lookup)
		os.Exit(1)
	}

	slog.Info("policy oracle started",
		"lookup", cfg.Policy.Lookup,
		"fail_open", cfg.Policy.FailOpen,
		"lookup_timeout", cfg.Policy.LookupTimeout,
	)

	oracle := policy.New(checker, cfg.Policy.FailOpen, cfg.Policy.LookupTimeout)
	if err := oracle.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		slog.Error("policy connection failed", "error", err)
		os.Exit(1)
	}

	slog.Info("policy oracle stopped")
}
