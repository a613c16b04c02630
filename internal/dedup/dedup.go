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

// Package dedup recognizes repeated inbound deliveries using a Redis key
// with TTL. An MTA retries a delivery with the same bytes and recipients
// when it never saw our acknowledgement; within the window such a retry
// can be answered without persisting a second copy.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces dedup keys in Redis.
const keyPrefix = "mailgate:seen:"

// Filter tracks which delivery keys have already been processed.
// A zero window disables the filter entirely.
type Filter struct {
	rdb    *redis.Client
	window time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client, window time.Duration) *Filter {
	return &Filter{
		rdb:    rdb,
		window: window,
	}
}

// Enabled reports whether the filter is active.
func (f *Filter) Enabled() bool {
	return f != nil && f.window > 0
}

// Key derives the delivery identity: the body digest plus the sorted,
// lowercased envelope recipient set. The same bytes to a different
// recipient set is a different delivery.
func Key(bodyHash string, recipients []string) string {
	rcpts := make([]string, len(recipients))
	for i, r := range recipients {
		rcpts[i] = strings.ToLower(strings.TrimSpace(r))
	}
	sort.Strings(rcpts)

	sum := sha256.Sum256([]byte(bodyHash + "|" + strings.Join(rcpts, ",")))
	return hex.EncodeToString(sum[:])
}

// IsNew returns true if the delivery key has NOT been seen within the
// window. If true, the key is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, key string) (bool, error) {
	if !f.Enabled() {
		return true, nil
	}

	set, err := f.rdb.SetNX(ctx, keyPrefix+key, 1, f.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}
