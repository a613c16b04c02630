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

// Package mailstore is the adapter through which mailgate consumes the
// mail store's Postgres tables: mailbox existence for the policy oracle,
// message insertion for the inbound gateway, and draft load / status
// write-back for the outbound dispatcher.
//
// The mail store application owns the schema and all durable state; this
// package runs queries against it and nothing more.
package mailstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailgate/internal/models"
)

// Store provides the mail store operations mailgate needs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store adapter backed by the given Postgres pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// MailboxExists reports whether a mailbox with the given address exists.
func (s *Store) MailboxExists(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM mailboxes WHERE lower(address) = lower($1))
	`, strings.TrimSpace(address)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("mailbox existence lookup: %w", err)
	}
	return exists, nil
}

// MailboxExistsBatch checks a set of addresses in one query. Every queried
// address appears in the result, defaulting to false.
func (s *Store) MailboxExistsBatch(ctx context.Context, addresses []string) (map[string]bool, error) {
	result := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		result[a] = false
	}
	if len(addresses) == 0 {
		return result, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT q.addr
		FROM unnest($1::text[]) AS q(addr)
		JOIN mailboxes m ON lower(m.address) = lower(q.addr)
	`, addresses)
	if err != nil {
		return nil, fmt.Errorf("batch existence lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		result[addr] = true
	}
	return result, rows.Err()
}

// DeliverInbound persists one copy of the message into every mailbox
// matching an envelope recipient, in a single transaction. Zero matching
// mailboxes is a no-op success: recipient validity was already gated by
// the policy oracle in most deployments.
func (s *Store) DeliverInbound(ctx context.Context, env models.InboundEnvelope) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin delivery tx: %w", err)
	}
	defer tx.Rollback(ctx)

	delivered := 0
	seen := make(map[string]bool, len(env.EnvelopeTo))
	for _, rcpt := range env.EnvelopeTo {
		key := strings.ToLower(strings.TrimSpace(rcpt))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		var mailboxID int64
		err := tx.QueryRow(ctx, `
			SELECT id FROM mailboxes WHERE lower(address) = $1
		`, key).Scan(&mailboxID)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("look up mailbox %s: %w", rcpt, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO messages (mailbox_id, raw, envelope_from, queue_id, received_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, mailboxID, env.Raw, env.EnvelopeFrom, env.Metadata.QueueID)
		if err != nil {
			return 0, fmt.Errorf("insert message for %s: %w", rcpt, err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delivery tx: %w", err)
	}
	return delivered, nil
}

// LoadOutbound retrieves a draft message and its recipients by id.
// Returns nil if no such message exists.
func (s *Store) LoadOutbound(ctx context.Context, id int64) (*models.OutboundMessage, error) {
	var m models.OutboundMessage
	err := s.pool.QueryRow(ctx, `
		SELECT id, sender, raw, is_draft, sent_at
		FROM outbound_messages
		WHERE id = $1
	`, id).Scan(&m.ID, &m.Sender, &m.Raw, &m.IsDraft, &m.SentAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load outbound message %d: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT address, kind, delivery_status
		FROM outbound_recipients
		WHERE message_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load recipients for %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.Address, &r.Kind, &r.Status); err != nil {
			return nil, err
		}
		m.Recipients = append(m.Recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FinishSend applies the outcome of a confirmed send as a single unit:
// the draft flag is cleared, sent_at is set, and each recipient's status
// is updated. Nothing is written on a failed send; the message stays a
// draft so it can be retried.
func (s *Store) FinishSend(ctx context.Context, id int64, sentAt time.Time, statuses map[string]models.DeliveryStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE outbound_messages
		SET is_draft = FALSE, sent_at = $1
		WHERE id = $2
	`, sentAt, id)
	if err != nil {
		return fmt.Errorf("update message %d: %w", id, err)
	}

	for addr, status := range statuses {
		_, err = tx.Exec(ctx, `
			UPDATE outbound_recipients
			SET delivery_status = $1
			WHERE message_id = $2 AND lower(address) = lower($3)
		`, status, id, addr)
		if err != nil {
			return fmt.Errorf("update recipient %s: %w", addr, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit status tx: %w", err)
	}
	return nil
}
