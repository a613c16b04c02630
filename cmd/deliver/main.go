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

// mailgate deliver — Inbound Trust Bridge
//
// Invoked by the MTA as a pipe transport, once per accepted message. The
// message bytes arrive on stdin; the SMTP transaction facts arrive as
// positional arguments, expanded by the MTA:
//
//	deliver <client_address> <helo> <client_hostname> <client_port>
//	        <client_protocol> <queue_id> <envelope_from> <size>
//	        <recipient>...
//
// Exit 0 tells the MTA the message is delivered; exit 75 (EX_TEMPFAIL)
// tells it to keep the message queued and try again later. Nothing is
// ever exited with a permanent-failure code: the MTA already accepted
// the message, so losing it here would bounce accepted mail.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bcem/mailgate/internal/bridge"
	"github.com/bcem/mailgate/internal/config"
	"github.com/bcem/mailgate/internal/models"
)

// exTempfail is sysexits.h EX_TEMPFAIL: the MTA requeues the message.
const exTempfail = 75

func main() {
	// stdout belongs to the MTA pipe; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	gatewayURL := flag.String("gateway", "", "gateway base URL (overrides config)")
	timeout := flag.Duration("timeout", 0, "per-request timeout (overrides config)")
	flag.Parse()

	os.Exit(run(flag.Args(), os.Stdin, *gatewayURL, *timeout))
}

func run(args []string, stdin io.Reader, gatewayURL string, timeout time.Duration) int {
	meta, err := parseArgs(args)
	if err != nil {
		// A malformed invocation is a configuration bug in the MTA
		// transport, but the message is still queued mail. Tempfail so
		// nothing is lost while the operator fixes it.
		slog.Error("invalid invocation", "error", err)
		return exTempfail
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return exTempfail
	}
	if gatewayURL != "" {
		cfg.Bridge.GatewayURL = gatewayURL
	}
	if timeout > 0 {
		cfg.Bridge.Timeout = timeout
	}

	raw, err := io.ReadAll(stdin)
	if err != nil {
		slog.Error("failed to read message from stdin", "error", err)
		return exTempfail
	}
	if len(raw) == 0 {
		slog.Error("empty message on stdin", "queue_id", meta.QueueID)
		return exTempfail
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client := bridge.NewClient(cfg.Bridge, []byte(cfg.Secret), cfg.AssertionTTL)

	result, err := client.Deliver(ctx, raw, meta)
	if err != nil {
		slog.Error("gateway transfer failed, deferring to MTA queue",
			"queue_id", meta.QueueID,
			"envelope_from", meta.EnvelopeFrom,
			"error", err,
		)
		return exTempfail
	}

	slog.Info("message handed off to gateway",
		"queue_id", meta.QueueID,
		"envelope_from", meta.EnvelopeFrom,
		"recipients", len(meta.Recipients),
		"mailboxes", result.Delivered,
		"duplicate", result.Duplicate,
	)
	return 0
}

// parseArgs maps the MTA's positional expansion onto delivery metadata.
// At least one recipient is required.
func parseArgs(args []string) (models.DeliveryMetadata, error) {
	if len(args) < 9 {
		return models.DeliveryMetadata{}, fmt.Errorf("got %d arguments, want at least 9", len(args))
	}

	size, err := strconv.ParseInt(args[7], 10, 64)
	if err != nil {
		return models.DeliveryMetadata{}, fmt.Errorf("size argument %q: %w", args[7], err)
	}

	return models.DeliveryMetadata{
		ClientAddress:  args[0],
		Helo:           args[1],
		ClientHostname: args[2],
		ClientPort:     args[3],
		ClientProtocol: args[4],
		QueueID:        args[5],
		EnvelopeFrom:   args[6],
		Size:           size,
		Recipients:     args[8:],
	}, nil
}
