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

// Package gateway is the mail store side of the inbound trust boundary.
// It verifies the bridge's signed assertion, checks payload integrity
// against the body_hash claim, and hands the message to the mail store
// for delivery. Everything arriving here is untrusted until the
// assertion verifies.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/emersion/go-message/mail"

	_ "github.com/emersion/go-message/charset"

	"github.com/bcem/mailgate/internal/assertion"
	"github.com/bcem/mailgate/internal/dedup"
	"github.com/bcem/mailgate/internal/models"
)

// maxMessageBytes caps an inbound payload. Matches the usual MTA
// message_size_limit ballpark.
const maxMessageBytes = 64 << 20

// DeliveryStore is the slice of the mail store the gateway needs.
type DeliveryStore interface {
	DeliverInbound(ctx context.Context, env models.InboundEnvelope) (int, error)
	MailboxExistsBatch(ctx context.Context, addresses []string) (map[string]bool, error)
}

// Handler serves the inbound delivery and batch existence endpoints.
type Handler struct {
	secret []byte
	store  DeliveryStore
	filter *dedup.Filter
}

// NewHandler creates a gateway handler.
func NewHandler(secret []byte, store DeliveryStore, filter *dedup.Filter) *Handler {
	return &Handler{
		secret: secret,
		store:  store,
		filter: filter,
	}
}

// ServeInbound handles POST /mail/inbound: raw RFC 822 bytes under a
// bearer assertion. 400 for malformed requests, 401 for anything wrong
// with the assertion or the body digest, 200 with a delivered-mailbox
// count on success.
func (h *Handler) ServeInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "message/rfc822" {
		http.Error(w, "unsupported content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	claims, ok := h.authenticate(w, r, body)
	if !ok {
		return
	}

	// Recognize an MTA-level retry of the same bytes to the same
	// recipients. Off unless a dedup window is configured.
	if h.filter.Enabled() {
		key := dedup.Key(claims.BodyHash, claims.Recipients)
		isNew, err := h.filter.IsNew(r.Context(), key)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Info("duplicate inbound delivery",
				"queue_id", claims.QueueID,
				"envelope_from", claims.EnvelopeFrom,
			)
			writeJSON(w, map[string]interface{}{"delivered": 0, "duplicate": true})
			return
		}
	}

	// The message must parse as RFC 822; the envelope comes from the
	// claims, not the headers (Bcc never appears in headers).
	subject, err := parseMessage(body)
	if err != nil {
		slog.Warn("inbound payload failed to parse",
			"queue_id", claims.QueueID,
			"error", err,
		)
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	env := models.InboundEnvelope{
		EnvelopeFrom: claims.EnvelopeFrom,
		EnvelopeTo:   claims.Recipients,
		Raw:          body,
		Metadata:     claims.DeliveryMetadata,
	}

	delivered, err := h.store.DeliverInbound(r.Context(), env)
	if err != nil {
		slog.Error("inbound delivery failed",
			"queue_id", claims.QueueID,
			"error", err,
		)
		// 500 so the bridge retries and the MTA requeues.
		http.Error(w, "delivery failed", http.StatusInternalServerError)
		return
	}

	slog.Info("inbound message delivered",
		"queue_id", claims.QueueID,
		"envelope_from", claims.EnvelopeFrom,
		"recipients", len(claims.Recipients),
		"mailboxes", delivered,
		"subject", subject,
	)

	writeJSON(w, map[string]interface{}{"delivered": delivered})
}

// ServeCheck handles POST /mail/check: a JSON batch of candidate
// addresses under the same assertion scheme. The response enumerates
// every queried address.
func (h *Handler) ServeCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if _, ok := h.authenticate(w, r, body); !ok {
		return
	}

	var req struct {
		Addresses []string `json:"addresses"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	result, err := h.store.MailboxExistsBatch(r.Context(), req.Addresses)
	if err != nil {
		slog.Error("batch existence check failed", "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, result)
}

// authenticate extracts and verifies the bearer assertion against the
// received body. On failure it writes the 401 and returns ok=false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, body []byte) (*assertion.Claims, bool) {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || token == "" {
		http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
		return nil, false
	}

	claims, err := assertion.Verify(h.secret, token, body)
	if err != nil {
		slog.Warn("assertion verification failed",
			"remote", r.RemoteAddr,
			"error", err,
		)
		http.Error(w, "Invalid assertion", http.StatusUnauthorized)
		return nil, false
	}

	return claims, true
}

// parseMessage validates the payload as an RFC 822 message and returns
// its subject for logging.
func parseMessage(body []byte) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer mr.Close()

	subject, _ := mr.Header.Subject()
	return subject, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// Serve starts the gateway HTTP server on the given port. It binds the
// port immediately and signals readiness via the returned channel before
// accepting connections.
func Serve(ctx context.Context, port int, handler *Handler, health http.HandlerFunc) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/mail/inbound", handler.ServeInbound)
	mux.HandleFunc("/mail/check", handler.ServeCheck)
	if health != nil {
		mux.HandleFunc("/health", health)
	}

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind gateway port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("gateway server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("gateway server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()

	return ready, nil
}
