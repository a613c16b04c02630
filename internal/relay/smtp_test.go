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

package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/bcem/mailgate/internal/config"
)

// relayBackend is an in-process SMTP server backend recording what the
// transport submits. Addresses in rejects get a 550 at RCPT TO.
type relayBackend struct {
	mu      sync.Mutex
	rejects map[string]bool
	dataErr bool

	conns int
	from  string
	rcpts []string
	data  []byte
}

func (b *relayBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	b.mu.Lock()
	b.conns++
	b.mu.Unlock()
	return &relaySession{backend: b}, nil
}

func (b *relayBackend) snapshot() (from string, rcpts []string, data []byte, conns int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.from, append([]string(nil), b.rcpts...), append([]byte(nil), b.data...), b.conns
}

type relaySession struct {
	backend *relayBackend
}

func (s *relaySession) Reset()        {}
func (s *relaySession) Logout() error { return nil }

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	s.backend.mu.Lock()
	s.backend.from = from
	s.backend.mu.Unlock()
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.rejects[to] {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "no such user",
		}
	}
	s.backend.rcpts = append(s.backend.rcpts, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.dataErr {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "content rejected",
		}
	}
	s.backend.data = body
	return nil
}

// startRelayServer serves backend on a loopback port and returns the
// relay configuration pointing at it.
func startRelayServer(t *testing.T, backend *relayBackend) config.RelayConfig {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := smtp.NewServer(backend)
	server.Domain = "relay.test"
	go server.Serve(ln)
	t.Cleanup(func() { server.Close() })

	return config.RelayConfig{
		Host:      "127.0.0.1",
		Port:      ln.Addr().(*net.TCPAddr).Port,
		LocalName: "mailgate.test",
		Timeout:   5 * time.Second,
	}
}

const submitMsg = "From: sender@corp.example\r\n" +
	"To: one@x.example\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"body line\r\n"

func TestSubmit_DeliversMessage(t *testing.T) {
	backend := &relayBackend{}
	transport := NewSMTPTransport(startRelayServer(t, backend))

	rcptErrs, err := transport.Submit(context.Background(),
		"sender@corp.example",
		[]string{"one@x.example", "two@y.example"},
		[]byte(submitMsg),
	)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(rcptErrs) != 0 {
		t.Errorf("rcptErrs = %v, want none", rcptErrs)
	}

	from, rcpts, data, _ := backend.snapshot()
	if from != "sender@corp.example" {
		t.Errorf("server saw MAIL FROM %q", from)
	}
	if len(rcpts) != 2 || rcpts[0] != "one@x.example" || rcpts[1] != "two@y.example" {
		t.Errorf("server saw RCPT TO %v", rcpts)
	}
	if !bytes.Contains(data, []byte("body line")) {
		t.Errorf("server received %q, missing message body", data)
	}
}

func TestSubmit_RefusedRecipientTracked(t *testing.T) {
	backend := &relayBackend{rejects: map[string]bool{"bad@y.example": true}}
	transport := NewSMTPTransport(startRelayServer(t, backend))

	rcptErrs, err := transport.Submit(context.Background(),
		"sender@corp.example",
		[]string{"good@x.example", "bad@y.example"},
		[]byte(submitMsg),
	)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(rcptErrs) != 1 || rcptErrs["bad@y.example"] == nil {
		t.Errorf("rcptErrs = %v, want exactly the refused recipient", rcptErrs)
	}

	_, rcpts, data, _ := backend.snapshot()
	if len(rcpts) != 1 || rcpts[0] != "good@x.example" {
		t.Errorf("server accepted RCPT TO %v", rcpts)
	}
	if len(data) == 0 {
		t.Error("message must still be transmitted to the accepted recipient")
	}
}

func TestSubmit_AllRecipientsRefused(t *testing.T) {
	backend := &relayBackend{rejects: map[string]bool{
		"bad1@y.example": true,
		"bad2@y.example": true,
	}}
	transport := NewSMTPTransport(startRelayServer(t, backend))

	rcptErrs, err := transport.Submit(context.Background(),
		"sender@corp.example",
		[]string{"bad1@y.example", "bad2@y.example"},
		[]byte(submitMsg),
	)
	if err == nil {
		t.Fatal("Submit must fail when every recipient is refused")
	}
	if len(rcptErrs) != 2 {
		t.Errorf("rcptErrs = %v, want both recipients", rcptErrs)
	}

	_, _, data, _ := backend.snapshot()
	if len(data) != 0 {
		t.Error("no message may be transmitted when every recipient is refused")
	}
}

func TestSubmit_MessageRejectedAtData(t *testing.T) {
	backend := &relayBackend{dataErr: true}
	transport := NewSMTPTransport(startRelayServer(t, backend))

	_, err := transport.Submit(context.Background(),
		"sender@corp.example",
		[]string{"one@x.example"},
		[]byte(submitMsg),
	)
	if err == nil {
		t.Fatal("Submit must surface a rejection of the message content")
	}
}

// TestSubmit_StartTLSFallback submits with STARTTLS configured against a
// server that does not offer it: the transport warns and redials in
// plaintext rather than failing the send.
func TestSubmit_StartTLSFallback(t *testing.T) {
	backend := &relayBackend{}
	cfg := startRelayServer(t, backend)
	cfg.StartTLS = true
	transport := NewSMTPTransport(cfg)

	rcptErrs, err := transport.Submit(context.Background(),
		"sender@corp.example",
		[]string{"one@x.example"},
		[]byte(submitMsg),
	)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(rcptErrs) != 0 {
		t.Errorf("rcptErrs = %v, want none", rcptErrs)
	}

	_, _, data, conns := backend.snapshot()
	if len(data) == 0 {
		t.Error("message must be delivered over the plaintext session")
	}
	if conns < 2 {
		t.Errorf("server saw %d connections, want the aborted upgrade plus the redial", conns)
	}
}

func TestSubmit_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := config.RelayConfig{
		Host:      "127.0.0.1",
		Port:      ln.Addr().(*net.TCPAddr).Port,
		LocalName: "mailgate.test",
		Timeout:   time.Second,
	}
	ln.Close()

	transport := NewSMTPTransport(cfg)
	if _, err := transport.Submit(context.Background(),
		"sender@corp.example",
		[]string{"one@x.example"},
		[]byte(submitMsg),
	); err == nil {
		t.Fatal("Submit must fail when the relay is unreachable")
	}
}
