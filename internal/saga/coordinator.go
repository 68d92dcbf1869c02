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

package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/civicmesh/delivery/internal/models"
	"github.com/civicmesh/delivery/internal/office"
	"github.com/civicmesh/delivery/internal/orchestrator"
)

// ErrNotFound is returned when a saga ID resolves to no record.
var ErrNotFound = errors.New("saga not found")

// ErrNoChannels is returned when a saga is begun with neither mail
// recipients nor offices.
var ErrNoChannels = errors.New("saga needs at least one delivery channel")

// TransitionError reports an event arriving in a state that does not
// accept it.
type TransitionError struct {
	From  State
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("saga in state %q does not accept %q", e.From, e.Event)
}

// IsTransition reports whether err is a TransitionError.
func IsTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// Repository is the slice of the saga store the coordinator needs.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	SetState(ctx context.Context, id string, state State) error
	MarkMailLaunched(ctx context.Context, id string) error
	SetMailConfirmed(ctx context.Context, id string, confirmed bool) error
	MarkMailSkipped(ctx context.Context, id string) error
	MarkLegislativeSkipped(ctx context.Context, id string) error
	MarkLegislativeStarted(ctx context.Context, id string) error
	UpdateSender(ctx context.Context, id string, sender models.Sender) error
	SaveLegislativeResult(ctx context.Context, id string, res *orchestrator.SubmissionResult) error
}

// Submitter runs the legislative channel to a terminal per-office result.
type Submitter interface {
	Submit(ctx context.Context, msg models.Message, sender models.Sender, offices []office.Office) *orchestrator.SubmissionResult
}

// MailLauncher opens the user's mail client for the direct-mail channel.
// Launch is idempotent per saga: the second call for the same saga returns
// the same composition URL with first=false and must not be treated as a
// fresh launch.
type MailLauncher interface {
	Launch(ctx context.Context, sagaID string, recipients []string, sender models.Sender, msg models.Message) (url string, first bool, err error)
}

// SessionChecker reports whether the originating user session is still
// live. Continuations for a dead session are dropped rather than acting
// on a page the user already left.
type SessionChecker interface {
	Active(ctx context.Context, sessionID string) bool
}

// Coordinator drives a delivery saga through both channels. The mail
// channel is launched first and the legislative channel starts after that
// launch, never concurrently with it. All transitions are persisted before
// the coordinator acts on them.
type Coordinator struct {
	repo      Repository
	submitter Submitter
	launcher  MailLauncher
	sessions  SessionChecker
}

// NewCoordinator wires the coordinator's collaborators. launcher and
// sessions may be nil for flows with no mail channel or no session
// tracking.
func NewCoordinator(repo Repository, submitter Submitter, launcher MailLauncher, sessions SessionChecker) *Coordinator {
	return &Coordinator{repo: repo, submitter: submitter, launcher: launcher, sessions: sessions}
}

// BeginRequest describes a new saga: the message, the sender as known so
// far, and the recipient plan for each channel. A channel with no
// recipients is simply not part of this saga.
type BeginRequest struct {
	SessionID      string
	Sender         models.Sender
	Message        models.Message
	MailRecipients []string
	Offices        []office.Office
}

// Begin creates a saga in the briefing state.
func (c *Coordinator) Begin(ctx context.Context, req BeginRequest) (*Record, error) {
	if len(req.MailRecipients) == 0 && len(req.Offices) == 0 {
		return nil, ErrNoChannels
	}

	rec := &Record{
		ID:             uuid.New().String(),
		SessionID:      req.SessionID,
		TemplateID:     req.Message.TemplateID,
		State:          StateBriefing,
		Sender:         req.Sender,
		Message:        req.Message,
		MailRecipients: req.MailRecipients,
		Offices:        req.Offices,
	}
	if err := c.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create saga: %w", err)
	}

	slog.Info("saga started",
		"saga_id", rec.ID,
		"template", rec.TemplateID,
		"mail_recipients", len(req.MailRecipients),
		"offices", len(req.Offices),
	)
	return rec, nil
}

// AckResult is what Acknowledge hands back to the caller: the mail
// composition URL when a mail launch happened (or was already live), and
// the refreshed saga record.
type AckResult struct {
	Record  *Record
	MailURL string
}

// Acknowledge moves a saga out of briefing: it launches the mail channel
// if the plan has mail recipients, then starts the legislative channel.
// Calling it again on a saga whose mail launch already fired returns the
// same composition URL without relaunching.
func (c *Coordinator) Acknowledge(ctx context.Context, id string) (*AckResult, error) {
	rec, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return nil, &TransitionError{From: rec.State, Event: "acknowledge"}
	}
	if rec.State != StateBriefing && rec.State != StateMailActive {
		return nil, &TransitionError{From: rec.State, Event: "acknowledge"}
	}

	var mailURL string
	if len(rec.MailRecipients) > 0 {
		if c.launcher == nil {
			return nil, errors.New("saga has mail recipients but no mail launcher is configured")
		}
		url, first, err := c.launcher.Launch(ctx, rec.ID, rec.MailRecipients, rec.Sender, rec.Message)
		if err != nil {
			return nil, fmt.Errorf("launch mail channel: %w", err)
		}
		mailURL = url
		if first {
			if err := c.repo.MarkMailLaunched(ctx, rec.ID); err != nil {
				return nil, fmt.Errorf("record mail launch: %w", err)
			}
			rec.MailLaunched = true
			slog.Info("mail channel launched", "saga_id", rec.ID, "recipients", len(rec.MailRecipients))
		}
		if err := c.setState(ctx, rec, StateMailActive); err != nil {
			return nil, err
		}
	}

	// Legislative follows the mail launch, never concurrently with it.
	if err := c.startLegislative(ctx, rec); err != nil {
		return nil, err
	}
	if err := c.reconcile(ctx, rec); err != nil {
		return nil, err
	}

	return &AckResult{Record: rec, MailURL: mailURL}, nil
}

// ConfirmMail records the user's answer to "did you send the email?".
// A "no" keeps the mail channel active so the user can reopen the
// composer and answer again later; it is not a failure.
func (c *Coordinator) ConfirmMail(ctx context.Context, id string, confirmed bool) (*Record, error) {
	rec, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return nil, &TransitionError{From: rec.State, Event: "confirm_mail"}
	}
	if !rec.MailLaunched {
		return nil, &TransitionError{From: rec.State, Event: "confirm_mail"}
	}

	if err := c.repo.SetMailConfirmed(ctx, rec.ID, confirmed); err != nil {
		return nil, fmt.Errorf("record mail confirmation: %w", err)
	}
	rec.MailConfirmed = confirmed
	slog.Info("mail confirmation recorded", "saga_id", rec.ID, "confirmed", confirmed)

	if err := c.reconcile(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SkipMail records an explicit user decision to drop the mail channel.
// The saga can still reconcile on the legislative channel alone.
func (c *Coordinator) SkipMail(ctx context.Context, id string) (*Record, error) {
	rec, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return nil, &TransitionError{From: rec.State, Event: "skip_mail"}
	}

	if err := c.repo.MarkMailSkipped(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("record mail skip: %w", err)
	}
	rec.MailSkipped = true

	if err := c.startLegislative(ctx, rec); err != nil {
		return nil, err
	}
	if err := c.reconcile(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SkipLegislative records an explicit user decision to drop the
// legislative channel before it runs. A channel whose submission already
// fired cannot be skipped.
func (c *Coordinator) SkipLegislative(ctx context.Context, id string) (*Record, error) {
	rec, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() || rec.LegislativeStarted {
		return nil, &TransitionError{From: rec.State, Event: "skip_legislative"}
	}

	if err := c.repo.MarkLegislativeSkipped(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("record legislative skip: %w", err)
	}
	rec.LegislativeSkipped = true

	// A saga parked for identity no longer needs it; hand the state back
	// to the mail leg if that is still waiting on the user.
	if rec.State == StateAwaitingIdentity && len(rec.MailRecipients) > 0 && !rec.MailConfirmed && !rec.MailSkipped {
		if err := c.setState(ctx, rec, StateMailActive); err != nil {
			return nil, err
		}
	}

	if err := c.reconcile(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ProvideIdentity supplies the postal address the legislative channel was
// paused for and resumes it.
func (c *Coordinator) ProvideIdentity(ctx context.Context, id string, sender models.Sender) (*Record, error) {
	rec, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != StateAwaitingIdentity {
		return nil, &TransitionError{From: rec.State, Event: "provide_identity"}
	}
	if !sender.HasPostalIdentity() {
		return nil, errors.New("provided identity is still missing postal address fields")
	}

	if err := c.repo.UpdateSender(ctx, rec.ID, sender); err != nil {
		return nil, fmt.Errorf("update sender: %w", err)
	}
	rec.Sender = sender

	if err := c.startLegislative(ctx, rec); err != nil {
		return nil, err
	}
	if err := c.reconcile(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Abandon terminates a saga at the user's request. Abandoning is terminal;
// any later event is rejected.
func (c *Coordinator) Abandon(ctx context.Context, id string) (*Record, error) {
	rec, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return nil, &TransitionError{From: rec.State, Event: "abandon"}
	}

	if err := c.setState(ctx, rec, StateAbandoned); err != nil {
		return nil, err
	}
	slog.Info("saga abandoned", "saga_id", rec.ID)
	return rec, nil
}

// Resume re-reads a saga after a restart or page reload and picks up any
// channel work that persisted state says is still pending. It never
// repeats a mail launch or a legislative submission that already fired.
func (c *Coordinator) Resume(ctx context.Context, id string) (*Record, error) {
	rec, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return rec, nil
	}
	if rec.State == StateBriefing {
		// Nothing launched yet; the user re-enters at the briefing step.
		return rec, nil
	}

	if err := c.startLegislative(ctx, rec); err != nil {
		return nil, err
	}
	if err := c.reconcile(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the current persisted record.
func (c *Coordinator) Get(ctx context.Context, id string) (*Record, error) {
	return c.load(ctx, id)
}

// startLegislative runs the legislative channel if the saga has offices
// and it has not already run. A sender without a postal identity parks the
// saga in awaiting_identity instead of submitting an envelope that every
// office would reject.
func (c *Coordinator) startLegislative(ctx context.Context, rec *Record) error {
	if len(rec.Offices) == 0 || rec.LegislativeStarted {
		return nil
	}
	if c.sessions != nil && !c.sessions.Active(ctx, rec.SessionID) {
		// Session died between steps; leave state as-is for a later Resume.
		slog.Warn("skipping legislative start for dead session", "saga_id", rec.ID, "session_id", rec.SessionID)
		return nil
	}

	if !rec.Sender.HasPostalIdentity() {
		return c.setState(ctx, rec, StateAwaitingIdentity)
	}

	if err := c.repo.MarkLegislativeStarted(ctx, rec.ID); err != nil {
		return fmt.Errorf("record legislative start: %w", err)
	}
	rec.LegislativeStarted = true
	if err := c.setState(ctx, rec, StateLegislativeActive); err != nil {
		return err
	}

	res := c.submitter.Submit(ctx, rec.Message, rec.Sender, rec.Offices)
	if err := c.repo.SaveLegislativeResult(ctx, rec.ID, res); err != nil {
		return fmt.Errorf("save legislative result: %w", err)
	}
	rec.LegislativeResult = res

	slog.Info("legislative channel finished",
		"saga_id", rec.ID,
		"submission_id", res.SubmissionID,
		"status", res.Status,
	)

	// The run is synchronous, so legislative_active is transient. If the
	// mail leg is still waiting on the user, hand the state back to it.
	if len(rec.MailRecipients) > 0 && !rec.MailConfirmed && !rec.MailSkipped {
		return c.setState(ctx, rec, StateMailActive)
	}
	return nil
}

// reconcile closes the saga once both channels have reached a settled
// answer. A channel with no recipients counts as settled from the start.
func (c *Coordinator) reconcile(ctx context.Context, rec *Record) error {
	if rec.State.Terminal() {
		return nil
	}

	mailDone := len(rec.MailRecipients) == 0 || rec.MailConfirmed || rec.MailSkipped
	legislativeDone := len(rec.Offices) == 0 || rec.LegislativeSkipped || rec.LegislativeResult != nil
	if !mailDone || !legislativeDone {
		return nil
	}

	if err := c.setState(ctx, rec, StateReconciled); err != nil {
		return err
	}
	slog.Info("saga reconciled", "saga_id", rec.ID)
	return nil
}

func (c *Coordinator) load(ctx context.Context, id string) (*Record, error) {
	rec, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load saga: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (c *Coordinator) setState(ctx context.Context, rec *Record, state State) error {
	if rec.State == state {
		return nil
	}
	if err := c.repo.SetState(ctx, rec.ID, state); err != nil {
		return fmt.Errorf("set saga state %s: %w", state, err)
	}
	rec.State = state
	return nil
}
