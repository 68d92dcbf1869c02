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

package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/civicmesh/delivery/internal/adapter"
	"github.com/civicmesh/delivery/internal/envelope"
	"github.com/civicmesh/delivery/internal/models"
	"github.com/civicmesh/delivery/internal/office"
	"github.com/civicmesh/delivery/internal/ratelimit"
)

// scriptedAdapter returns canned outcomes per office code, in order.
type scriptedAdapter struct {
	chamber office.Chamber

	mu       sync.Mutex
	script   map[string][]adapter.Outcome
	calls    map[string]int
	blockFor time.Duration
}

func (s *scriptedAdapter) Chamber() office.Chamber { return s.chamber }

func (s *scriptedAdapter) Submit(ctx context.Context, env *envelope.Envelope) adapter.Outcome {
	if s.blockFor > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(s.blockFor):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[env.OfficeCode]++
	outcomes := s.script[env.OfficeCode]
	n := s.calls[env.OfficeCode]
	out := outcomes[len(outcomes)-1]
	if n <= len(outcomes) {
		out = outcomes[n-1]
	}
	out.OfficeCode = env.OfficeCode
	out.Chamber = env.Chamber
	out.At = time.Now().UTC()
	return out
}

func newScripted(chamber office.Chamber) *scriptedAdapter {
	return &scriptedAdapter{
		chamber: chamber,
		script:  make(map[string][]adapter.Outcome),
		calls:   make(map[string]int),
	}
}

// allowAll is a limiter that admits everything.
type allowAll struct{}

func (allowAll) Check(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true, Remaining: 100}, nil
}

// denyAll is a limiter that denies everything.
type denyAll struct{}

func (denyAll) Check(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: 42 * time.Second}, nil
}

// capped is a limiter admitting only the first limit checks.
type capped struct {
	mu    sync.Mutex
	seen  int
	limit int
}

func (c *capped) Check(context.Context, string) (ratelimit.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen++
	if c.seen > c.limit {
		return ratelimit.Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	return ratelimit.Decision{Allowed: true, Remaining: int64(c.limit - c.seen)}, nil
}

// memJournal records journaled attempts.
type memJournal struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (j *memJournal) RecordAttempt(_ context.Context, _ string, a Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts = append(j.attempts, a)
	return nil
}

func testSender() models.Sender {
	return models.Sender{
		UserID: "user-1", FirstName: "Ada", LastName: "Lovelace",
		Email: "ada@example.com", Phone: "4155550100",
		Street: "100 Main St", City: "San Francisco", State: "CA", Zip: "94105",
	}
}

func testMessage() models.Message {
	return models.Message{TemplateID: "tpl-1", Subject: "Support", Body: "Please."}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Factor: 2, Jitter: 0}
}

func testBuilder() *envelope.Builder {
	return envelope.NewBuilder(envelope.Agent{Name: "CivicMesh Delivery", AckEmail: "delivery@civicmesh.example"})
}

func delivered(id string) adapter.Outcome {
	return adapter.Outcome{Status: adapter.StatusDelivered, ConfirmationID: id}
}

func retryableFailure(reason string) adapter.Outcome {
	return adapter.Outcome{Status: adapter.StatusFailed, Retryable: true, Reason: reason}
}

// TestSubmit_MixedOutcomes verifies that per-office outcomes are kept
// distinct: one Delivered, one Unavailable, one Failed after exhausted
// retries — never collapsed to all-or-nothing.
func TestSubmit_MixedOutcomes(t *testing.T) {
	senate := newScripted(office.Senate)
	senate.script["SCA01"] = []adapter.Outcome{delivered("conf-1")}
	senate.script["SCA02"] = []adapter.Outcome{{Status: adapter.StatusUnavailable, Reason: "not configured"}}

	house := newScripted(office.House)
	house.script["HCA11"] = []adapter.Outcome{
		retryableFailure("relay server error"),
		retryableFailure("relay server error"),
		retryableFailure("relay server error"),
	}

	journal := &memJournal{}
	o := New(Config{
		Builder:      testBuilder(),
		Adapters:     map[office.Chamber]adapter.Adapter{office.Senate: senate, office.House: house},
		UserLimiter:  allowAll{},
		AgentLimiter: allowAll{},
		AgentID:      "agent-1",
		Retry:        fastRetry(),
		Budget:       5 * time.Second,
		Journal:      journal,
	})

	res := o.Submit(context.Background(), testMessage(), testSender(), []office.Office{
		{Chamber: office.Senate, State: "CA", District: "1"},
		{Chamber: office.Senate, State: "CA", District: "2"},
		{Chamber: office.House, State: "CA", District: "11"},
	})

	if res.Delivered != 1 || res.Unavailable != 1 || res.Failed != 1 {
		t.Fatalf("counts = %d/%d/%d (delivered/unavailable/failed), want 1/1/1",
			res.Delivered, res.Unavailable, res.Failed)
	}
	if res.Status != "partially_delivered" {
		t.Errorf("status = %q, want partially_delivered", res.Status)
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("attempt list not exhaustive: %d entries, want 3", len(res.Attempts))
	}

	byCode := map[string]Attempt{}
	for _, a := range res.Attempts {
		byCode[a.OfficeCode] = a
	}
	if a := byCode["SCA01"]; a.State != StateDelivered || a.ConfirmationID != "conf-1" {
		t.Errorf("SCA01 = %+v, want delivered with conf-1", a)
	}
	if a := byCode["SCA02"]; a.State != StateUnavailable {
		t.Errorf("SCA02 state = %q, want unavailable", a.State)
	}
	if a := byCode["HCA11"]; a.State != StateFailed || a.Attempts != 3 {
		t.Errorf("HCA11 = %+v, want failed after 3 attempts", a)
	}

	if house.calls["HCA11"] != 3 {
		t.Errorf("house adapter called %d times, want 3", house.calls["HCA11"])
	}
	if len(journal.attempts) != 3 {
		t.Errorf("journaled %d attempts, want 3", len(journal.attempts))
	}
}

// TestSubmit_RetryThenSuccess verifies a transient failure is retried and
// the eventual confirmation is reported.
func TestSubmit_RetryThenSuccess(t *testing.T) {
	senate := newScripted(office.Senate)
	senate.script["SCA01"] = []adapter.Outcome{
		retryableFailure("senate backend error (HTTP 502)"),
		delivered("conf-after-retry"),
	}

	o := New(Config{
		Builder:  testBuilder(),
		Adapters: map[office.Chamber]adapter.Adapter{office.Senate: senate},
		Retry:    fastRetry(),
		Budget:   5 * time.Second,
	})

	res := o.Submit(context.Background(), testMessage(), testSender(), []office.Office{
		{Chamber: office.Senate, State: "CA", District: "1"},
	})

	if res.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1 (attempt: %+v)", res.Delivered, res.Attempts[0])
	}
	if res.Attempts[0].ConfirmationID != "conf-after-retry" {
		t.Errorf("confirmation = %q, want conf-after-retry", res.Attempts[0].ConfirmationID)
	}
	if res.Attempts[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts[0].Attempts)
	}
}

// TestSubmit_NonRetryableNotRetried verifies structural rejections and
// Unavailable are terminal on first occurrence.
func TestSubmit_NonRetryableNotRetried(t *testing.T) {
	senate := newScripted(office.Senate)
	senate.script["SCA01"] = []adapter.Outcome{
		{Status: adapter.StatusFailed, Retryable: false, Reason: "senate rejected the submission (HTTP 400)"},
	}

	o := New(Config{
		Builder:  testBuilder(),
		Adapters: map[office.Chamber]adapter.Adapter{office.Senate: senate},
		Retry:    fastRetry(),
		Budget:   5 * time.Second,
	})

	o.Submit(context.Background(), testMessage(), testSender(), []office.Office{
		{Chamber: office.Senate, State: "CA", District: "1"},
	})

	if senate.calls["SCA01"] != 1 {
		t.Errorf("adapter called %d times for non-retryable failure, want 1", senate.calls["SCA01"])
	}
}

// TestSubmit_ValidationIsolation verifies one office's validation failure
// (invalid jurisdiction) does not block submission to its siblings.
func TestSubmit_ValidationIsolation(t *testing.T) {
	senate := newScripted(office.Senate)
	senate.script["SCA01"] = []adapter.Outcome{delivered("conf-1")}

	o := New(Config{
		Builder:  testBuilder(),
		Adapters: map[office.Chamber]adapter.Adapter{office.Senate: senate},
		Retry:    fastRetry(),
		Budget:   5 * time.Second,
	})

	res := o.Submit(context.Background(), testMessage(), testSender(), []office.Office{
		{Chamber: office.House, State: "PR", District: ""}, // delegate territory
		{Chamber: office.Senate, State: "CA", District: "1"},
	})

	if res.Delivered != 1 || res.Failed != 1 {
		t.Fatalf("delivered/failed = %d/%d, want 1/1", res.Delivered, res.Failed)
	}
	if res.Attempts[0].State != StateFailed {
		t.Errorf("invalid office state = %q, want failed", res.Attempts[0].State)
	}
}

// TestSubmit_RateLimitDenial verifies a denied dispatch is recorded as
// rate_limited without contacting the backend.
func TestSubmit_RateLimitDenial(t *testing.T) {
	senate := newScripted(office.Senate)
	senate.script["SCA01"] = []adapter.Outcome{delivered("should-not-happen")}

	o := New(Config{
		Builder:      testBuilder(),
		Adapters:     map[office.Chamber]adapter.Adapter{office.Senate: senate},
		UserLimiter:  denyAll{},
		AgentLimiter: allowAll{},
		AgentID:      "agent-1",
		Retry:        fastRetry(),
		Budget:       5 * time.Second,
	})

	res := o.Submit(context.Background(), testMessage(), testSender(), []office.Office{
		{Chamber: office.Senate, State: "CA", District: "1"},
	})

	a := res.Attempts[0]
	if a.State != StateFailed {
		t.Fatalf("state = %q, want failed", a.State)
	}
	if a.ConfirmationID != "" {
		t.Error("rate-limited attempt has a confirmation ID")
	}
	if !strings.Contains(a.Reason, "rate_limited") || !strings.Contains(a.Reason, "retry after") {
		t.Errorf("reason = %q, want rate_limited with retry-after hint", a.Reason)
	}
	if senate.calls["SCA01"] != 0 {
		t.Errorf("backend contacted %d times despite denial, want 0", senate.calls["SCA01"])
	}
}

// TestSubmit_RetriesConsumeQuota verifies every backend contact passes the
// limiter, retries included: once the window is exhausted mid-retry, the
// attempt ends rate_limited and the backend sees no further calls.
func TestSubmit_RetriesConsumeQuota(t *testing.T) {
	senate := newScripted(office.Senate)
	senate.script["SCA01"] = []adapter.Outcome{
		retryableFailure("senate backend error (HTTP 502)"),
		retryableFailure("senate backend error (HTTP 502)"),
		retryableFailure("senate backend error (HTTP 502)"),
	}

	o := New(Config{
		Builder:     testBuilder(),
		Adapters:    map[office.Chamber]adapter.Adapter{office.Senate: senate},
		UserLimiter: &capped{limit: 2},
		Retry:       fastRetry(),
		Budget:      5 * time.Second,
	})

	res := o.Submit(context.Background(), testMessage(), testSender(), []office.Office{
		{Chamber: office.Senate, State: "CA", District: "1"},
	})

	if senate.calls["SCA01"] != 2 {
		t.Fatalf("backend contacted %d times with quota for 2, want 2", senate.calls["SCA01"])
	}
	a := res.Attempts[0]
	if a.State != StateFailed || !strings.Contains(a.Reason, "rate_limited") {
		t.Errorf("attempt = %+v, want rate_limited failure", a)
	}
}

// TestSubmit_BudgetExpiry verifies that a hung backend leaves no attempt
// pending: the global budget marks it failed with a timeout reason.
func TestSubmit_BudgetExpiry(t *testing.T) {
	senate := newScripted(office.Senate)
	senate.blockFor = 10 * time.Second
	senate.script["SCA01"] = []adapter.Outcome{retryableFailure("too slow")}

	o := New(Config{
		Builder:  testBuilder(),
		Adapters: map[office.Chamber]adapter.Adapter{office.Senate: senate},
		Retry:    fastRetry(),
		Budget:   50 * time.Millisecond,
	})

	start := time.Now()
	res := o.Submit(context.Background(), testMessage(), testSender(), []office.Office{
		{Chamber: office.Senate, State: "CA", District: "1"},
	})

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Submit took %v, budget not enforced", elapsed)
	}

	a := res.Attempts[0]
	if a.State != StateFailed {
		t.Fatalf("state = %q, want failed", a.State)
	}
	if !strings.Contains(a.Reason, "timeout") {
		t.Errorf("reason = %q, want timeout", a.Reason)
	}
}

// TestSubmit_NoAdapterForChamber verifies a chamber without a registered
// adapter yields Unavailable for its offices only.
func TestSubmit_NoAdapterForChamber(t *testing.T) {
	senate := newScripted(office.Senate)
	senate.script["SCA01"] = []adapter.Outcome{delivered("conf-1")}

	o := New(Config{
		Builder:  testBuilder(),
		Adapters: map[office.Chamber]adapter.Adapter{office.Senate: senate},
		Retry:    fastRetry(),
		Budget:   5 * time.Second,
	})

	res := o.Submit(context.Background(), testMessage(), testSender(), []office.Office{
		{Chamber: office.Senate, State: "CA", District: "1"},
		{Chamber: office.House, State: "CA", District: "11"},
	})

	if res.Delivered != 1 || res.Unavailable != 1 {
		t.Fatalf("delivered/unavailable = %d/%d, want 1/1", res.Delivered, res.Unavailable)
	}
}

// TestSubmit_EndToEndScenario mirrors the canonical partial-delivery case:
// two Senate offices healthy, House relay unconfigured.
func TestSubmit_EndToEndScenario(t *testing.T) {
	senate := newScripted(office.Senate)
	senate.script["SCA01"] = []adapter.Outcome{delivered("conf-1")}
	senate.script["SCA02"] = []adapter.Outcome{delivered("conf-2")}

	o := New(Config{
		Builder: testBuilder(),
		Adapters: map[office.Chamber]adapter.Adapter{
			office.Senate: senate,
			office.House:  adapterWithNoRelay(),
		},
		UserLimiter:  allowAll{},
		AgentLimiter: allowAll{},
		Retry:        fastRetry(),
		Budget:       5 * time.Second,
	})

	res := o.Submit(context.Background(), testMessage(), testSender(), []office.Office{
		{Chamber: office.Senate, State: "CA", District: "1"},
		{Chamber: office.Senate, State: "CA", District: "2"},
		{Chamber: office.House, State: "CA", District: "11"},
	})

	if res.Delivered != 2 || res.Unavailable != 1 || res.Failed != 0 {
		t.Fatalf("counts = %d/%d/%d, want 2 delivered, 1 unavailable, 0 failed",
			res.Delivered, res.Unavailable, res.Failed)
	}
	if res.Status != "partially_delivered" {
		t.Errorf("status = %q, want partially_delivered", res.Status)
	}
	for _, a := range res.Attempts {
		if a.State == StateUnavailable && a.ConfirmationID != "" {
			t.Error("unavailable office carries a fabricated confirmation ID")
		}
	}
}

func adapterWithNoRelay() adapter.Adapter {
	return adapter.NewHouseAdapter(nil, adapter.HouseConfig{})
}

