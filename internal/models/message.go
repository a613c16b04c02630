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

// Package models defines the data structures shared across the mailgate
// components: the inbound envelope handed from the trust bridge to the
// verification gateway, and the outbound message the relay dispatcher
// reads from and writes back to the mail store.
package models

import "time"

// RecipientKind distinguishes how a recipient was addressed.
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCc  RecipientKind = "cc"
	RecipientBcc RecipientKind = "bcc"
)

// DeliveryStatus is the per-recipient outcome of an outbound send.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// DeliveryMetadata carries the MTA-supplied facts about an inbound SMTP
// transaction. It travels inside the signed assertion, never in the body.
type DeliveryMetadata struct {
	ClientAddress  string   `json:"client_address,omitempty"`
	Helo           string   `json:"helo,omitempty"`
	ClientHostname string   `json:"client_hostname,omitempty"`
	ClientPort     string   `json:"client_port,omitempty"`
	ClientProtocol string   `json:"client_protocol,omitempty"`
	QueueID        string   `json:"queue_id,omitempty"`
	EnvelopeFrom   string   `json:"envelope_from,omitempty"`
	Size           int64    `json:"size,omitempty"`
	Recipients     []string `json:"recipients"`
}

// InboundEnvelope is the unit of inbound delivery: the envelope addresses
// from the SMTP transaction plus the exact bytes the MTA accepted.
// The gateway owns it only until the mail store handoff.
type InboundEnvelope struct {
	EnvelopeFrom string
	EnvelopeTo   []string
	Raw          []byte
	Metadata     DeliveryMetadata
}

// Recipient is one outbound recipient with its delivery state.
type Recipient struct {
	Address string
	Kind    RecipientKind
	Status  DeliveryStatus
}

// OutboundMessage is a message in "draft, ready to send" state owned by
// the mail store. Raw is immutable once signed; Bcc recipients appear in
// Recipients but must never occur in Raw's header section.
type OutboundMessage struct {
	ID         int64
	Sender     string
	Raw        []byte
	Recipients []Recipient
	IsDraft    bool
	SentAt     *time.Time
}

// EnvelopeTo returns the SMTP envelope recipient set: the union of all
// recipient addresses across To, Cc and Bcc, in stored order.
func (m *OutboundMessage) EnvelopeTo() []string {
	out := make([]string, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		out = append(out, r.Address)
	}
	return out
}
