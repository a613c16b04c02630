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

// Package assertion mints and verifies the short-lived bearer token that
// authenticates the inbound trust bridge to the verification gateway.
//
// The token is an HS256 JWT binding a SHA-256 digest of the transmitted
// body to the delivery metadata of one SMTP transaction. It is minted once
// per delivery attempt and never persisted; its expiry is the replay window.
package assertion

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bcem/mailgate/internal/models"
)

var (
	// ErrBodyHashMismatch means the received bytes do not match the
	// digest the bridge signed: tampering or truncation in transit.
	ErrBodyHashMismatch = errors.New("assertion: body hash mismatch")

	// ErrMissingBodyHash means the token carries no body_hash claim.
	// Tokens from the deprecated email_hash generation fall here.
	ErrMissingBodyHash = errors.New("assertion: missing body_hash claim")
)

// Claims is the typed assertion payload. Unknown claims in a received
// token are ignored so metadata can grow without breaking verification.
type Claims struct {
	jwt.RegisteredClaims
	models.DeliveryMetadata

	// BodyHash is the hex SHA-256 of the exact transmitted bytes.
	BodyHash string `json:"body_hash"`
}

// BodyHash returns the hex SHA-256 digest of b.
func BodyHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Mint signs an assertion over body and meta, valid for ttl from now.
func Mint(secret []byte, body []byte, meta models.DeliveryMetadata, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		DeliveryMetadata: meta,
		BodyHash:         BodyHash(body),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature and expiry, then compares its
// body_hash claim against the digest of body. Any failure means the
// request must be refused; none of these errors are retryable.
func Verify(secret []byte, token string, body []byte) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse assertion: %w", err)
	}

	if claims.BodyHash == "" {
		return nil, ErrMissingBodyHash
	}

	got := BodyHash(body)
	if subtle.ConstantTimeCompare([]byte(got), []byte(claims.BodyHash)) != 1 {
		return nil, ErrBodyHashMismatch
	}

	return claims, nil
}
