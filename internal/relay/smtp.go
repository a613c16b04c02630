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
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/mailgate/internal/config"
)

// Transport submits one message to the upstream relay. rcptErrs maps
// refused recipient addresses to their rejection; err is non-nil when the
// send as a whole failed and nothing was transmitted. A recipient absent
// from rcptErrs with err == nil was accepted by the server.
type Transport interface {
	Submit(ctx context.Context, from string, to []string, msg []byte) (rcptErrs map[string]error, err error)
}

// SMTPTransport is the production Transport: one SMTP session per
// submission against the configured host, with opportunistic STARTTLS and
// PLAIN/LOGIN/OAUTHBEARER authentication. Sessions are never shared
// between concurrent sends.
type SMTPTransport struct {
	cfg    config.RelayConfig
	tokens *clientcredentials.Config
}

// NewSMTPTransport creates a transport from the relay configuration.
func NewSMTPTransport(cfg config.RelayConfig) *SMTPTransport {
	t := &SMTPTransport{cfg: cfg}
	if cfg.Auth == "oauthbearer" {
		t.tokens = &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientKey,
			TokenURL:     cfg.TokenURL,
		}
	}
	return t
}

// Submit runs one complete SMTP session.
func (t *SMTPTransport) Submit(ctx context.Context, from string, to []string, msg []byte) (map[string]error, error) {
	c, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if auth, err := t.saslClient(ctx); err != nil {
		return nil, err
	} else if auth != nil {
		if err := c.Auth(auth); err != nil {
			return nil, fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return nil, fmt.Errorf("MAIL FROM %s: %w", from, err)
	}

	rcptErrs := make(map[string]error)
	accepted := 0
	for _, addr := range to {
		if err := c.Rcpt(addr, nil); err != nil {
			slog.Warn("recipient refused by relay",
				"recipient", addr,
				"error", err,
			)
			rcptErrs[addr] = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return rcptErrs, fmt.Errorf("all %d recipients refused", len(to))
	}

	wc, err := c.Data()
	if err != nil {
		return rcptErrs, fmt.Errorf("DATA: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		wc.Close()
		return rcptErrs, fmt.Errorf("write message: %w", err)
	}
	// Close sends the final dot; only its reply confirms acceptance.
	if err := wc.Close(); err != nil {
		return rcptErrs, fmt.Errorf("message rejected: %w", err)
	}

	if err := c.Quit(); err != nil {
		// The message was accepted; a broken QUIT is not a failure.
		slog.Debug("QUIT failed after accepted message", "error", err)
	}

	return rcptErrs, nil
}

// connect dials the relay and opens the session. STARTTLS is
// opportunistic: when the upgrade cannot be negotiated the session is
// redialed in plaintext with a warning, mirroring the MTA's may-level
// TLS policy.
func (t *SMTPTransport) connect(ctx context.Context) (*smtp.Client, error) {
	if t.cfg.StartTLS {
		conn, err := t.dial(ctx)
		if err != nil {
			return nil, err
		}
		// NewClientStartTLS performs the EHLO and upgrade itself.
		c, err := smtp.NewClientStartTLS(conn, &tls.Config{ServerName: t.cfg.Host})
		if err == nil {
			return c, nil
		}
		slog.Warn("STARTTLS with relay failed, continuing in plaintext",
			"host", t.cfg.Host,
			"error", err,
		)
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	c := smtp.NewClient(conn)
	if err := c.Hello(t.cfg.LocalName); err != nil {
		c.Close()
		return nil, fmt.Errorf("EHLO: %w", err)
	}
	return c, nil
}

func (t *SMTPTransport) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.cfg.Addr(), err)
	}
	// Bound the whole session; SMTP has no business taking this long.
	_ = conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	return conn, nil
}

// saslClient builds the configured SASL mechanism, or nil for anonymous
// relay. Credentials must be complete for authentication to be attempted.
func (t *SMTPTransport) saslClient(ctx context.Context) (sasl.Client, error) {
	switch t.cfg.Auth {
	case "", "none":
		return nil, nil
	case "plain":
		if t.cfg.Username == "" || t.cfg.Password == "" {
			return nil, nil
		}
		return sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password), nil
	case "login":
		if t.cfg.Username == "" || t.cfg.Password == "" {
			return nil, nil
		}
		return sasl.NewLoginClient(t.cfg.Username, t.cfg.Password), nil
	case "oauthbearer":
		tok, err := t.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch relay token: %w", err)
		}
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: t.cfg.Username,
			Token:    tok.AccessToken,
		}), nil
	default:
		return nil, fmt.Errorf("unknown relay auth mechanism %q", t.cfg.Auth)
	}
}
