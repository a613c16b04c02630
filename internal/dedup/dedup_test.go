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

package dedup

import (
	"context"
	"testing"
	"time"
)

// TestKey_RecipientOrderInsensitive verifies the delivery identity does
// not depend on recipient ordering or case.
func TestKey_RecipientOrderInsensitive(t *testing.T) {
	a := Key("abc123", []string{"Alice@Example.com", "bob@example.com"})
	b := Key("abc123", []string{"bob@example.com", " alice@example.com "})
	if a != b {
		t.Errorf("keys differ for equivalent recipient sets: %q vs %q", a, b)
	}
}

// TestKey_Distinguishes verifies different content or recipients yield
// different keys.
func TestKey_Distinguishes(t *testing.T) {
	base := Key("abc123", []string{"alice@example.com"})

	if Key("abc124", []string{"alice@example.com"}) == base {
		t.Error("different body hash must change the key")
	}
	if Key("abc123", []string{"bob@example.com"}) == base {
		t.Error("different recipients must change the key")
	}
	if Key("abc123", []string{"alice@example.com", "bob@example.com"}) == base {
		t.Error("additional recipient must change the key")
	}
}

// TestFilter_DisabledAlwaysNew verifies a zero window (or nil filter)
// never reports duplicates and never touches Redis.
func TestFilter_DisabledAlwaysNew(t *testing.T) {
	var nilFilter *Filter
	if nilFilter.Enabled() {
		t.Error("nil filter must be disabled")
	}

	f := NewFilter(nil, 0)
	if f.Enabled() {
		t.Error("zero-window filter must be disabled")
	}

	isNew, err := f.IsNew(context.Background(), "anything")
	if err != nil || !isNew {
		t.Errorf("IsNew = (%v, %v), want (true, nil) when disabled", isNew, err)
	}
}

func TestFilter_Enabled(t *testing.T) {
	f := NewFilter(nil, 15*time.Minute)
	if !f.Enabled() {
		t.Error("filter with a window must be enabled")
	}
}
