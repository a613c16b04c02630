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

// Package relay dispatches outbound messages: it computes the SMTP
// envelope from the To/Cc/Bcc recipient classes, signs the message for
// authorized domains, submits it upstream, and writes per-recipient
// delivery status back to the mail store, all of it or none of it.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/bcem/mailgate/internal/dkim"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/queue"
)

// ErrBccLeak means a Bcc recipient address appears in the message
// headers. The mail store guarantees composition excludes them; sending
// anyway would expose the blind recipients.
var ErrBccLeak = errors.New("relay: bcc recipient present in message headers")

// ErrNotDraft means the message was already sent.
var ErrNotDraft = errors.New("relay: message is not a draft")

// OutboundStore is the slice of the mail store the dispatcher needs.
type OutboundStore interface {
	LoadOutbound(ctx context.Context, id int64) (*models.OutboundMessage, error)
	FinishSend(ctx context.Context, id int64, sentAt time.Time, statuses map[string]models.DeliveryStatus) error
}

// Dispatcher sends one outbound message at a time over its own transport
// session.
type Dispatcher struct {
	store     OutboundStore
	signer    *dkim.Signer
	transport Transport
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store OutboundStore, signer *dkim.Signer, transport Transport) *Dispatcher {
	return &Dispatcher{
		store:     store,
		signer:    signer,
		transport: transport,
	}
}

// Send signs and relays msg, then commits the outcome to the mail store
// as a single unit. On any returned error nothing has been committed and
// the message remains a draft.
//
// A message without a sender or without recipients is a bug in the mail
// store's composition step, not a runtime condition: Send panics.
func (d *Dispatcher) Send(ctx context.Context, msg *models.OutboundMessage, force bool) error {
	if msg.Sender == "" {
		panic("relay: outbound message has no sender")
	}
	if len(msg.Recipients) == 0 {
		panic("relay: outbound message has no recipients")
	}
	if !msg.IsDraft && !force {
		return ErrNotDraft
	}

	raw := dkim.ForceCRLF(msg.Raw)

	if err := checkBccLeak(raw, msg.Recipients); err != nil {
		return err
	}

	final := raw
	sig, err := d.signer.Sign(raw, msg.Sender)
	if err != nil {
		// Degraded but deliverable: an otherwise-valid message goes
		// out unsigned.
		slog.Error("DKIM signing failed, sending unsigned",
			"message_id", msg.ID,
			"sender", msg.Sender,
			"error", err,
		)
	}
	if sig != nil {
		final = append(append([]byte(nil), sig...), raw...)
	}

	envelopeTo := msg.EnvelopeTo()

	rcptErrs, err := d.transport.Submit(ctx, msg.Sender, envelopeTo, final)
	if err != nil {
		return fmt.Errorf("relay message %d: %w", msg.ID, err)
	}

	statuses := make(map[string]models.DeliveryStatus, len(envelopeTo))
	for _, addr := range envelopeTo {
		if _, refused := rcptErrs[addr]; refused {
			statuses[addr] = models.StatusFailed
		} else {
			statuses[addr] = models.StatusSent
		}
	}

	sentAt := time.Now().UTC()
	if err := d.store.FinishSend(ctx, msg.ID, sentAt, statuses); err != nil {
		return fmt.Errorf("record send of message %d: %w", msg.ID, err)
	}

	msg.IsDraft = false
	msg.SentAt = &sentAt
	for i := range msg.Recipients {
		msg.Recipients[i].Status = statuses[msg.Recipients[i].Address]
	}

	slog.Info("outbound message relayed",
		"message_id", msg.ID,
		"sender", msg.Sender,
		"recipients", len(envelopeTo),
		"refused", len(rcptErrs),
		"signed", sig != nil,
	)
	return nil
}

// addressHeaders are the header fields that carry recipient addresses.
var addressHeaders = []string{"To", "Cc", "Bcc", "Reply-To"}

// checkBccLeak verifies no Bcc recipient is named in the message's
// address headers. Matching is by parsed address, not substring, so a
// recipient whose address merely contains a Bcc address never trips it.
func checkBccLeak(raw []byte, recipients []models.Recipient) error {
	bcc := make(map[string]bool)
	for _, r := range recipients {
		if r.Kind == models.RecipientBcc {
			bcc[strings.ToLower(strings.TrimSpace(r.Address))] = true
		}
	}
	if len(bcc) == 0 {
		return nil
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse outbound message: %w", err)
	}
	defer mr.Close()

	for _, key := range addressHeaders {
		addrs, err := mr.Header.AddressList(key)
		if err != nil {
			// An address header that does not parse cannot be checked.
			return fmt.Errorf("parse %s header: %w", key, err)
		}
		for _, a := range addrs {
			if bcc[strings.ToLower(a.Address)] {
				return fmt.Errorf("%w: %s in %s", ErrBccLeak, a.Address, key)
			}
		}
	}
	return nil
}

// Worker consumes send tasks from the queue and dispatches them
// sequentially. One task, one message, one SMTP session.
type Worker struct {
	queue      *queue.Queue
	store      OutboundStore
	dispatcher *Dispatcher
}

// NewWorker creates a relay worker.
func NewWorker(q *queue.Queue, store OutboundStore, d *Dispatcher) *Worker {
	return &Worker{
		queue:      q,
		store:      store,
		dispatcher: d,
	}
}

// Run processes tasks until the context is cancelled. A failed send is
// logged and the message stays a draft; the mail store decides whether
// to requeue it.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("relay worker started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("relay worker stopping")
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task *queue.SendTask) {
	msg, err := w.store.LoadOutbound(ctx, task.MessageID)
	if err != nil {
		slog.Error("failed to load outbound message",
			"task_id", task.TaskID,
			"message_id", task.MessageID,
			"error", err,
		)
		return
	}
	if msg == nil {
		slog.Warn("send task for unknown message",
			"task_id", task.TaskID,
			"message_id", task.MessageID,
		)
		return
	}

	if err := w.dispatcher.Send(ctx, msg, task.Force); err != nil {
		if errors.Is(err, ErrNotDraft) {
			slog.Info("skipping already-sent message",
				"task_id", task.TaskID,
				"message_id", task.MessageID,
			)
			return
		}
		slog.Error("send failed, message remains a draft",
			"task_id", task.TaskID,
			"message_id", task.MessageID,
			"error", err,
		)
	}
}
