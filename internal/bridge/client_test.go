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

package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bcem/mailgate/internal/assertion"
	"github.com/bcem/mailgate/internal/config"
	"github.com/bcem/mailgate/internal/models"
)

var testSecret = []byte("bridge-test-secret")

func newTestClient(url string) *Client {
	return NewClient(config.BridgeConfig{
		GatewayURL:  url,
		Attempts:    3,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
		Timeout:     5 * time.Second,
	}, testSecret, 30*time.Second)
}

// TestDeliver_Success verifies the happy path: content type, bearer token
// that verifies against the body, and decoded result.
func TestDeliver_Success(t *testing.T) {
	raw := []byte("From: a@b.c\r\n\r\nhi\r\n")
	meta := models.DeliveryMetadata{
		QueueID:      "Q1",
		EnvelopeFrom: "a@b.c",
		Recipients:   []string{"x@example.com"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "message/rfc822" {
			t.Errorf("Content-Type = %q, want message/rfc822", got)
		}

		body, _ := io.ReadAll(r.Body)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := assertion.Verify(testSecret, token, body)
		if err != nil {
			t.Errorf("assertion did not verify: %v", err)
		} else if claims.QueueID != "Q1" {
			t.Errorf("queue_id claim = %q, want Q1", claims.QueueID)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(DeliveryResult{Delivered: 2})
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).Deliver(context.Background(), raw, meta)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if result.Delivered != 2 {
		t.Errorf("delivered = %d, want 2", result.Delivered)
	}
}

// TestDeliver_RetriesOn5xx verifies a transient 500 is retried and
// eventually succeeds.
func TestDeliver_RetriesOn5xx(t *testing.T) {
	var calls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "" {
			t.Error("retry attempt missing Authorization header")
		}
		if calls < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(DeliveryResult{Delivered: 1})
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).Deliver(context.Background(), []byte("msg"), models.DeliveryMetadata{})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if result.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", result.Delivered)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestDeliver_ExhaustsBudget verifies retry exhaustion surfaces an error.
func TestDeliver_ExhaustsBudget(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Deliver(context.Background(), []byte("msg"), models.DeliveryMetadata{})
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestDeliver_4xxIsPermanent verifies a 401 is not retried.
func TestDeliver_4xxIsPermanent(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "Invalid assertion", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Deliver(context.Background(), []byte("msg"), models.DeliveryMetadata{})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls)
	}
}

// TestCheckAddresses verifies the batch existence call and its assertion.
func TestCheckAddresses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := assertion.Verify(testSecret, token, body); err != nil {
			t.Errorf("assertion did not verify: %v", err)
		}

		var req struct {
			Addresses []string `json:"addresses"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}

		result := make(map[string]bool)
		for _, a := range req.Addresses {
			result[a] = a == "alice@example.com"
		}
		json.NewEncoder(w).Encode(result)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	result, err := c.CheckAddresses(context.Background(), []string{"alice@example.com", "bob@example.com"})
	if err != nil {
		t.Fatalf("CheckAddresses: %v", err)
	}
	if !result["alice@example.com"] || result["bob@example.com"] {
		t.Errorf("result = %v", result)
	}

	exists, err := c.MailboxExists(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("MailboxExists: %v", err)
	}
	if !exists {
		t.Error("alice@example.com should exist")
	}
}

// TestMailboxExists_MissingAddress treats an incomplete response as a
// lookup failure, never as "exists".
func TestMailboxExists_MissingAddress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).MailboxExists(context.Background(), "ghost@example.com")
	if err == nil {
		t.Fatal("expected error when address is absent from response")
	}
}
