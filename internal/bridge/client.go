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

// Package bridge is the MTA-side client of the verification gateway. It
// mints a signed assertion per request and transfers the payload with a
// small, capped retry budget. It holds no state between invocations.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bcem/mailgate/internal/assertion"
	"github.com/bcem/mailgate/internal/config"
	"github.com/bcem/mailgate/internal/models"
)

// DeliveryResult is the gateway's response to an inbound transfer.
type DeliveryResult struct {
	Delivered int  `json:"delivered"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Client talks to the verification gateway.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	secret      []byte
	ttl         time.Duration
	attempts    int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewClient creates a gateway client from the bridge configuration.
func NewClient(cfg config.BridgeConfig, secret []byte, ttl time.Duration) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.GatewayURL,
		secret:      secret,
		ttl:         ttl,
		attempts:    cfg.Attempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
	}
}

// Deliver transfers raw message bytes and their delivery metadata to the
// gateway. Connection failures and 5xx responses are retried with capped
// exponential backoff; a 4xx is permanent. Any returned error means the
// MTA must requeue the message.
func (c *Client) Deliver(ctx context.Context, raw []byte, meta models.DeliveryMetadata) (*DeliveryResult, error) {
	body, err := c.post(ctx, "/mail/inbound", "message/rfc822", raw, meta)
	if err != nil {
		return nil, err
	}

	var result DeliveryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	return &result, nil
}

// CheckAddresses asks the gateway which of the given addresses have a
// mailbox. A transport failure fails the whole batch; a successful
// response enumerates every queried address.
func (c *Client) CheckAddresses(ctx context.Context, addresses []string) (map[string]bool, error) {
	payload, err := json.Marshal(struct {
		Addresses []string `json:"addresses"`
	}{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("marshal check request: %w", err)
	}

	body, err := c.post(ctx, "/mail/check", "application/json", payload, models.DeliveryMetadata{})
	if err != nil {
		return nil, err
	}

	result := make(map[string]bool)
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode check response: %w", err)
	}
	return result, nil
}

// MailboxExists adapts the batch check to the oracle's single-address
// lookup. An address missing from the response is ambiguous and treated
// as a lookup failure so the fail-open policy can decide.
func (c *Client) MailboxExists(ctx context.Context, address string) (bool, error) {
	result, err := c.CheckAddresses(ctx, []string{address})
	if err != nil {
		return false, err
	}
	exists, ok := result[address]
	if !ok {
		return false, fmt.Errorf("address %s missing from check response", address)
	}
	return exists, nil
}

// post performs the authenticated transfer with the retry budget. A fresh
// assertion is minted per attempt so a retry after backoff never carries
// an expired token.
func (c *Client) post(ctx context.Context, path, contentType string, payload []byte, meta models.DeliveryMetadata) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase << (attempt - 1)
			if delay > c.backoffCap {
				delay = c.backoffCap
			}
			slog.Info("retrying gateway transfer",
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		token, err := assertion.Mint(c.secret, payload, meta, c.ttl)
		if err != nil {
			return nil, fmt.Errorf("mint assertion: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("gateway transfer: %w", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return nil, fmt.Errorf("read gateway response: %w", readErr)
			}
			return body, nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
			continue
		default:
			// 4xx is not retryable: the same bytes and a fresh
			// assertion would fail the same way.
			return nil, fmt.Errorf("gateway refused transfer: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		}
	}

	return nil, fmt.Errorf("gateway transfer failed after %d attempts: %w", c.attempts, lastErr)
}
