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

// Package policy implements the Postfix policy-delegation protocol for
// recipient existence checks. The MTA writes one key=value block per
// request, terminated by a blank line, and blocks its RCPT TO phase on
// the single-line action response.
package policy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// ExistenceChecker answers whether a mailbox exists. Implemented by the
// mail store adapter directly or by the gateway batch-check client.
type ExistenceChecker interface {
	MailboxExists(ctx context.Context, address string) (bool, error)
}

// Oracle serves one MTA policy connection's requests sequentially.
type Oracle struct {
	checker  ExistenceChecker
	failOpen bool
	timeout  time.Duration
}

// New creates an oracle. When failOpen is set, lookup errors and timeouts
// answer DUNNO so transient mail store outages never bounce legitimate
// mail; otherwise they answer DEFER_IF_PERMIT so the MTA retries later.
func New(checker ExistenceChecker, failOpen bool, timeout time.Duration) *Oracle {
	return &Oracle{
		checker:  checker,
		failOpen: failOpen,
		timeout:  timeout,
	}
}

// Serve reads policy requests from r and writes responses to w until EOF.
// Requests are processed strictly in order; a partially read block is
// never interleaved with another.
func (o *Oracle) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	attrs := make(map[string]string)

	for scanner.Scan() {
		line := scanner.Text()

		if line != "" {
			if k, v, ok := strings.Cut(line, "="); ok {
				attrs[k] = v
			}
			continue
		}

		// Blank line: request complete.
		action := o.decide(ctx, attrs)
		if _, err := fmt.Fprintf(w, "action=%s\n\n", action); err != nil {
			return fmt.Errorf("write policy response: %w", err)
		}
		attrs = make(map[string]string)
	}

	return scanner.Err()
}

// decide maps one request block to a Postfix action.
func (o *Oracle) decide(ctx context.Context, attrs map[string]string) string {
	recipient := strings.TrimSpace(attrs["recipient"])
	if recipient == "" {
		return "REJECT No recipient"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	exists, err := o.checker.MailboxExists(lookupCtx, recipient)
	if err != nil {
		slog.Error("recipient lookup failed",
			"recipient", recipient,
			"fail_open", o.failOpen,
			"error", err,
		)
		if o.failOpen {
			return "DUNNO"
		}
		return "DEFER_IF_PERMIT Mailbox lookup failed"
	}

	if !exists {
		return "REJECT User unknown"
	}
	return "DUNNO"
}
