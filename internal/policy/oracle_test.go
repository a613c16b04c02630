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

package policy

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeChecker implements ExistenceChecker with a fixed mailbox set.
type fakeChecker struct {
	known map[string]bool
	err   error
}

func (f *fakeChecker) MailboxExists(_ context.Context, address string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.known[address], nil
}

func serve(t *testing.T, o *Oracle, input string) string {
	t.Helper()
	var out bytes.Buffer
	if err := o.Serve(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return out.String()
}

func TestServe_KnownMailbox(t *testing.T) {
	o := New(&fakeChecker{known: map[string]bool{"test@example.com": true}}, true, time.Second)

	got := serve(t, o, "request=smtpd_access_policy\nrecipient=test@example.com\n\n")
	if got != "action=DUNNO\n\n" {
		t.Errorf("response = %q, want action=DUNNO", got)
	}
}

func TestServe_UnknownMailbox(t *testing.T) {
	o := New(&fakeChecker{known: map[string]bool{}}, true, time.Second)

	got := serve(t, o, "recipient=nobody@example.com\n\n")
	if got != "action=REJECT User unknown\n\n" {
		t.Errorf("response = %q, want action=REJECT User unknown", got)
	}
}

func TestServe_MissingRecipient(t *testing.T) {
	o := New(&fakeChecker{}, true, time.Second)

	got := serve(t, o, "request=smtpd_access_policy\nsender=a@b.c\n\n")
	if got != "action=REJECT No recipient\n\n" {
		t.Errorf("response = %q, want action=REJECT No recipient", got)
	}
}

func TestServe_LookupErrorFailsOpen(t *testing.T) {
	o := New(&fakeChecker{err: errors.New("store down")}, true, time.Second)

	got := serve(t, o, "recipient=test@example.com\n\n")
	if got != "action=DUNNO\n\n" {
		t.Errorf("response = %q, want action=DUNNO on lookup error with fail_open", got)
	}
}

func TestServe_LookupErrorFailsClosed(t *testing.T) {
	o := New(&fakeChecker{err: errors.New("store down")}, false, time.Second)

	got := serve(t, o, "recipient=test@example.com\n\n")
	if got != "action=DEFER_IF_PERMIT Mailbox lookup failed\n\n" {
		t.Errorf("response = %q, want DEFER_IF_PERMIT with fail_open disabled", got)
	}
}

// TestServe_SequentialRequests verifies request blocks are not interleaved
// and each gets its own response in order.
func TestServe_SequentialRequests(t *testing.T) {
	o := New(&fakeChecker{known: map[string]bool{"a@x.com": true}}, true, time.Second)

	input := "recipient=a@x.com\n\n" + "recipient=b@x.com\n\n" + "junkline\nrecipient=a@x.com\n\n"
	got := serve(t, o, input)

	want := "action=DUNNO\n\naction=REJECT User unknown\n\naction=DUNNO\n\n"
	if got != want {
		t.Errorf("responses = %q, want %q", got, want)
	}
}

// TestServe_Timeout verifies a hung lookup is bounded and fails open.
func TestServe_Timeout(t *testing.T) {
	o := New(&hangingChecker{}, true, 10*time.Millisecond)

	got := serve(t, o, "recipient=slow@example.com\n\n")
	if got != "action=DUNNO\n\n" {
		t.Errorf("response = %q, want action=DUNNO on timeout with fail_open", got)
	}
}

// hangingChecker blocks until the lookup context is cancelled.
type hangingChecker struct{}

func (h *hangingChecker) MailboxExists(ctx context.Context, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}
