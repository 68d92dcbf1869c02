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

// Package orchestrator fans one message out to its resolved offices
// concurrently, applies the per-office retry policy, and aggregates the
// per-office outcomes into a single truthful result. One office's failure
// never aborts its siblings, and no code path invents a Delivered outcome:
// delivery status always comes from an adapter, which in turn requires a
// backend confirmation token.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicmesh/delivery/internal/adapter"
	"github.com/civicmesh/delivery/internal/envelope"
	"github.com/civicmesh/delivery/internal/models"
	"github.com/civicmesh/delivery/internal/office"
	"github.com/civicmesh/delivery/internal/ratelimit"
)

// AttemptState tracks one office's submission lifecycle. Terminal states
// are immutable once reached.
type AttemptState string

const (
	StatePending     AttemptState = "pending"
	StateSubmitting  AttemptState = "submitting"
	StateDelivered   AttemptState = "delivered"
	StateFailed      AttemptState = "failed"
	StateUnavailable AttemptState = "unavailable"
)

// Attempt is one concurrent unit of work: a single office's path to a
// terminal state.
type Attempt struct {
	ID             string         `json:"id"`
	Office         office.Office  `json:"office"`
	OfficeCode     string         `json:"office_code"`
	State          AttemptState   `json:"state"`
	Attempts       int            `json:"attempts"`
	Reason         string         `json:"reason,omitempty"`
	ConfirmationID string         `json:"confirmation_id,omitempty"`
	Chamber        office.Chamber `json:"chamber"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
}

// SubmissionResult is the aggregate, user-facing outcome for one message
// across all its target offices. Immutable once returned.
type SubmissionResult struct {
	SubmissionID string    `json:"submission_id"`
	TemplateID   string    `json:"template_id"`
	Status       string    `json:"status"` // delivered | partially_delivered | failed
	Total        int       `json:"total"`
	Delivered    int       `json:"delivered"`
	Failed       int       `json:"failed"`
	Unavailable  int       `json:"unavailable"`
	Attempts     []Attempt `json:"attempts"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// RetryPolicy bounds retries of transient transport failures.
// Defaults: 3 attempts, base 1s, factor 2, ±20% jitter.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	Jitter      float64
}

// DefaultRetryPolicy is the default pending operator guidance.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Base: time.Second, Factor: 2, Jitter: 0.2}

// delay computes the backoff before the given retry (attempt is 1-based;
// the delay precedes attempt+1).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// LimitChecker is the slice of the rate limiter the orchestrator consumes.
type LimitChecker interface {
	Check(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// Journal records terminal attempts for audit. Implemented by
// journal.Store; optional.
type Journal interface {
	RecordAttempt(ctx context.Context, submissionID string, a Attempt) error
}

// ResultPublisher pushes the aggregate result to the presentation layer's
// queue. Implemented by results.Publisher; optional.
type ResultPublisher interface {
	PublishResult(ctx context.Context, res *SubmissionResult) error
}

// Config holds the orchestrator's collaborators and policy.
type Config struct {
	Builder      *envelope.Builder
	Adapters     map[office.Chamber]adapter.Adapter
	UserLimiter  LimitChecker
	AgentLimiter LimitChecker
	AgentID      string
	Retry        RetryPolicy
	Budget       time.Duration // global wall-clock budget per Submit call
	Concurrency  int           // fan-out ceiling
	Journal      Journal
	Publisher    ResultPublisher
}

// Orchestrator coordinates concurrent per-office submissions.
type Orchestrator struct {
	cfg Config
}

// New creates an orchestrator, applying policy defaults.
func New(cfg Config) *Orchestrator {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.Budget == 0 {
		cfg.Budget = 30 * time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	return &Orchestrator{cfg: cfg}
}

// Submit fans the message out to every office and returns once every
// attempt is terminal or the global budget elapses, whichever comes first.
// On budget expiry, still-pending offices are marked Failed("timeout") —
// nothing is left pending indefinitely.
func (o *Orchestrator) Submit(ctx context.Context, msg models.Message, sender models.Sender, offices []office.Office) *SubmissionResult {
	submissionID := uuid.New().String()
	started := time.Now().UTC()

	slog.Info("starting submission fan-out",
		"submission_id", submissionID,
		"template", msg.TemplateID,
		"offices", len(offices),
	)

	attempts := make([]Attempt, len(offices))
	type work struct {
		idx int
		env *envelope.Envelope
	}
	var pending []work

	// Phase 1: build envelopes. A validation failure for one office is its
	// own terminal Failed state and never blocks the others.
	for i, off := range offices {
		code, _ := off.Code()
		attempts[i] = Attempt{
			ID:         uuid.New().String(),
			Office:     off,
			OfficeCode: code,
			Chamber:    off.Chamber,
			State:      StatePending,
		}

		env, err := o.cfg.Builder.Build(sender, msg, off)
		if err != nil {
			o.finish(ctx, submissionID, &attempts[i], adapter.Failed(code, off.Chamber, false, err.Error()))
			continue
		}
		attempts[i].OfficeCode = env.OfficeCode
		pending = append(pending, work{idx: i, env: env})
	}

	// Phase 2: concurrent dispatch under the global budget.
	dispatchCtx, cancel := context.WithTimeout(ctx, o.cfg.Budget)
	defer cancel()

	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, w := range pending {
		wg.Add(1)
		go func(w work) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-dispatchCtx.Done():
				o.finish(ctx, submissionID, &attempts[w.idx], adapter.Failed(w.env.OfficeCode, w.env.Chamber, false,
					"timeout: global submission budget elapsed"))
				return
			}

			o.dispatch(dispatchCtx, submissionID, sender, &attempts[w.idx], w.env)
		}(w)
	}

	wg.Wait()

	res := &SubmissionResult{
		SubmissionID: submissionID,
		TemplateID:   msg.TemplateID,
		Total:        len(offices),
		Attempts:     attempts,
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}
	for _, a := range attempts {
		switch a.State {
		case StateDelivered:
			res.Delivered++
		case StateUnavailable:
			res.Unavailable++
		default:
			res.Failed++
		}
	}
	switch {
	case res.Delivered == res.Total:
		res.Status = "delivered"
	case res.Delivered > 0:
		res.Status = "partially_delivered"
	default:
		res.Status = "failed"
	}

	slog.Info("submission fan-out complete",
		"submission_id", submissionID,
		"status", res.Status,
		"delivered", res.Delivered,
		"failed", res.Failed,
		"unavailable", res.Unavailable,
		"elapsed", res.FinishedAt.Sub(res.StartedAt),
	)

	if o.cfg.Publisher != nil {
		if err := o.cfg.Publisher.PublishResult(ctx, res); err != nil {
			slog.Error("publish submission result failed",
				"submission_id", submissionID,
				"error", err,
			)
		}
	}

	return res
}

// dispatch drives one office to a terminal state: rate-limit checks, the
// adapter call, and bounded retries of transient failures.
func (o *Orchestrator) dispatch(ctx context.Context, submissionID string, sender models.Sender, a *Attempt, env *envelope.Envelope) {
	ad, ok := o.cfg.Adapters[env.Chamber]
	if !ok {
		o.finish(ctx, submissionID, a, adapter.Unavailable(env.OfficeCode, env.Chamber,
			fmt.Sprintf("no adapter registered for chamber %s", env.Chamber)))
		return
	}

	a.State = StateSubmitting

	for attempt := 1; ; attempt++ {
		// Both windows must admit every backend contact, retries included,
		// so the per-agent ceiling counts what the chamber actually sees.
		if denied := o.checkLimits(ctx, sender.UserID, a, env, submissionID); denied {
			return
		}

		a.Attempts = attempt
		out := ad.Submit(ctx, env)

		switch {
		case out.Status == adapter.StatusDelivered,
			out.Status == adapter.StatusUnavailable,
			out.Status == adapter.StatusFailed && !out.Retryable:
			o.finish(ctx, submissionID, a, out)
			return
		}

		// Retryable failure. Budget expiry takes precedence over retries.
		if ctx.Err() != nil {
			o.finish(ctx, submissionID, a, adapter.Failed(env.OfficeCode, env.Chamber, false,
				"timeout: global submission budget elapsed"))
			return
		}

		if attempt >= o.cfg.Retry.MaxAttempts {
			out.Reason = fmt.Sprintf("%s (after %d attempts)", out.Reason, attempt)
			o.finish(ctx, submissionID, a, out)
			return
		}

		delay := o.cfg.Retry.delay(attempt)
		slog.Info("scheduling retry",
			"submission_id", submissionID,
			"office", env.OfficeCode,
			"attempt", attempt,
			"delay", delay,
			"reason", out.Reason,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.finish(ctx, submissionID, a, adapter.Failed(env.OfficeCode, env.Chamber, false,
				"timeout: global submission budget elapsed"))
			return
		case <-timer.C:
		}
	}
}

// checkLimits consults the per-user and per-agent windows. Either denial
// is a terminal rate_limited failure recorded without contacting the
// backend. Returns true when the dispatch was denied.
func (o *Orchestrator) checkLimits(ctx context.Context, userID string, a *Attempt, env *envelope.Envelope, submissionID string) bool {
	limiters := []struct {
		name    string
		limiter LimitChecker
		subject string
	}{
		{"user", o.cfg.UserLimiter, userID},
		{"agent", o.cfg.AgentLimiter, o.cfg.AgentID},
	}

	for _, l := range limiters {
		if l.limiter == nil {
			continue
		}
		d, err := l.limiter.Check(ctx, l.subject)
		if err != nil {
			// A broken limiter must not let dispatches through unmetered.
			o.finish(ctx, submissionID, a, adapter.Failed(env.OfficeCode, env.Chamber, true,
				fmt.Sprintf("rate limiter unavailable: %v", err)))
			return true
		}
		if !d.Allowed {
			o.finish(ctx, submissionID, a, adapter.Failed(env.OfficeCode, env.Chamber, false,
				fmt.Sprintf("rate_limited: %s quota exceeded, retry after %s",
					l.name, d.RetryAfter.Round(time.Second))))
			return true
		}
	}
	return false
}

// finish moves an attempt to its terminal state and journals it. Terminal
// states are immutable: finish is a no-op if one was already reached.
func (o *Orchestrator) finish(ctx context.Context, submissionID string, a *Attempt, out adapter.Outcome) {
	switch a.State {
	case StateDelivered, StateFailed, StateUnavailable:
		return
	}

	switch out.Status {
	case adapter.StatusDelivered:
		a.State = StateDelivered
		a.ConfirmationID = out.ConfirmationID
	case adapter.StatusUnavailable:
		a.State = StateUnavailable
		a.Reason = out.Reason
	default:
		a.State = StateFailed
		a.Reason = out.Reason
	}
	if a.Attempts == 0 {
		a.Attempts = 1
	}
	a.FinishedAt = out.At

	if o.cfg.Journal != nil {
		if err := o.cfg.Journal.RecordAttempt(ctx, submissionID, *a); err != nil {
			slog.Error("journal attempt failed",
				"submission_id", submissionID,
				"office", a.OfficeCode,
				"error", err,
			)
		}
	}
}
