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

// Package dkim signs outbound messages for authorized sending domains.
//
// The signer is loaded once at startup and read-only afterwards. Sign
// distinguishes "intentionally unsigned" (unknown domain or no keys:
// nil header, nil error) from "signing attempted and failed" (nil
// header, non-nil error). Callers relay unsigned in both cases; the split exists
// so operators can tell a config gap from a crypto failure in the logs.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"strings"

	msgdkim "github.com/emersion/go-msgauth/dkim"

	"github.com/bcem/mailgate/internal/config"
)

// signedHeaders is the fixed header set covered by the signature.
var signedHeaders = []string{
	"To", "Cc", "From", "Subject", "Message-ID",
	"Reply-To", "In-Reply-To", "References", "Date",
}

// keyMaterial is the loaded signing state for one domain.
type keyMaterial struct {
	selector string
	signer   crypto.Signer
}

// Signer holds the per-domain key material. Immutable after NewSigner.
type Signer struct {
	keys map[string]keyMaterial
}

// NewSigner loads key material for every configured domain. Entries whose
// key cannot be read or parsed are skipped with an error log: a broken key
// must degrade that domain to unsigned delivery, not stop the relay.
func NewSigner(cfgs []config.DkimKeyConfig) *Signer {
	s := &Signer{keys: make(map[string]keyMaterial, len(cfgs))}

	for _, c := range cfgs {
		pemBytes := []byte(c.Key)
		if c.KeyFile != "" {
			data, err := os.ReadFile(c.KeyFile)
			if err != nil {
				slog.Error("failed to read DKIM key file",
					"domain", c.Domain,
					"path", c.KeyFile,
					"error", err,
				)
				continue
			}
			pemBytes = data
		}

		signer, err := parsePrivateKey(pemBytes)
		if err != nil {
			slog.Error("failed to parse DKIM private key",
				"domain", c.Domain,
				"error", err,
			)
			continue
		}

		s.keys[strings.ToLower(c.Domain)] = keyMaterial{
			selector: c.Selector,
			signer:   signer,
		}
		slog.Info("loaded DKIM key",
			"domain", c.Domain,
			"selector", c.Selector,
		)
	}

	return s
}

// Domains returns the authorized sending domains, for logging.
func (s *Signer) Domains() []string {
	out := make([]string, 0, len(s.keys))
	for d := range s.keys {
		out = append(out, d)
	}
	return out
}

// Sign computes a DKIM-Signature header over raw for the sender's domain.
//
// Returns (nil, nil) when the message should go out unsigned: the sender
// address has no domain, the domain is not authorized, or no key material
// is configured at all. Returns (nil, err) when signing was attempted and
// failed. On success the returned bytes are the complete folded
// "DKIM-Signature: ...\r\n" header, ready to prepend to the message.
func (s *Signer) Sign(raw []byte, senderEmail string) ([]byte, error) {
	at := strings.LastIndex(senderEmail, "@")
	if at < 0 || at == len(senderEmail)-1 {
		slog.Debug("sender has no domain, not signing", "sender", senderEmail)
		return nil, nil
	}
	domain := strings.ToLower(senderEmail[at+1:])

	if len(s.keys) == 0 {
		slog.Warn("no DKIM key material configured, sending unsigned",
			"domain", domain,
		)
		return nil, nil
	}

	key, ok := s.keys[domain]
	if !ok {
		slog.Debug("domain not authorized for signing", "domain", domain)
		return nil, nil
	}

	msg := ForceCRLF(raw)

	opts := &msgdkim.SignOptions{
		Domain:                 domain,
		Selector:               key.selector,
		Signer:                 key.signer,
		HeaderCanonicalization: msgdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgdkim.CanonicalizationSimple,
		HeaderKeys:             signedHeaders,
	}

	var buf bytes.Buffer
	if err := msgdkim.Sign(&buf, bytes.NewReader(msg), opts); err != nil {
		return nil, fmt.Errorf("dkim sign for %s: %w", domain, err)
	}

	header, err := extractSignatureHeader(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("dkim sign for %s: %w", domain, err)
	}
	return header, nil
}

// extractSignatureHeader returns the leading DKIM-Signature header from a
// signed message, including folded continuation lines and trailing CRLF.
func extractSignatureHeader(signed []byte) ([]byte, error) {
	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		return nil, fmt.Errorf("signed output does not start with DKIM-Signature")
	}

	end := 0
	rest := signed
	for {
		nl := bytes.Index(rest, []byte("\r\n"))
		if nl < 0 {
			return nil, fmt.Errorf("unterminated DKIM-Signature header")
		}
		end += nl + 2
		rest = rest[nl+2:]
		// A continuation line starts with whitespace; anything else
		// is the first header of the original message.
		if len(rest) == 0 || (rest[0] != ' ' && rest[0] != '\t') {
			break
		}
	}

	return signed[:end], nil
}

// ForceCRLF normalizes line endings to CRLF. The DKIM canonicalization
// and SMTP both require CRLF, while stored drafts may use bare LF.
func ForceCRLF(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))
}

// parsePrivateKey decodes a PEM-encoded RSA or Ed25519 private key in
// PKCS#1 or PKCS#8 form.
func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(bytes.TrimSpace(pemBytes))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
}
