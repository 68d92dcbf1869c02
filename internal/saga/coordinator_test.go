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
	"testing"

	"github.com/civicmesh/delivery/internal/models"
	"github.com/civicmesh/delivery/internal/office"
	"github.com/civicmesh/delivery/internal/orchestrator"
)

type memRepo struct {
	records map[string]*Record
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*Record)}
}

func (m *memRepo) Create(_ context.Context, r *Record) error {
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*Record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memRepo) SetState(_ context.Context, id string, state State) error {
	m.records[id].State = state
	return nil
}

func (m *memRepo) MarkMailLaunched(_ context.Context, id string) error {
	m.records[id].MailLaunched = true
	return nil
}

func (m *memRepo) SetMailConfirmed(_ context.Context, id string, confirmed bool) error {
	m.records[id].MailConfirmed = confirmed
	return nil
}

func (m *memRepo) MarkMailSkipped(_ context.Context, id string) error {
	m.records[id].MailSkipped = true
	return nil
}

func (m *memRepo) MarkLegislativeSkipped(_ context.Context, id string) error {
	m.records[id].LegislativeSkipped = true
	return nil
}

func (m *memRepo) MarkLegislativeStarted(_ context.Context, id string) error {
	m.records[id].LegislativeStarted = true
	return nil
}

func (m *memRepo) UpdateSender(_ context.Context, id string, sender models.Sender) error {
	m.records[id].Sender = sender
	return nil
}

func (m *memRepo) SaveLegislativeResult(_ context.Context, id string, res *orchestrator.SubmissionResult) error {
	m.records[id].LegislativeResult = res
	return nil
}

type stubSubmitter struct {
	calls  int
	result *orchestrator.SubmissionResult
}

func (s *stubSubmitter) Submit(_ context.Context, _ models.Message, _ models.Sender, offices []office.Office) *orchestrator.SubmissionResult {
	s.calls++
	if s.result != nil {
		return s.result
	}
	return &orchestrator.SubmissionResult{
		SubmissionID: "sub-1",
		Status:       "delivered",
		Total:        len(offices),
		Delivered:    len(offices),
	}
}

type stubLauncher struct {
	calls    int
	launched map[string]bool
}

func (s *stubLauncher) Launch(_ context.Context, sagaID string, _ []string, _ models.Sender, _ models.Message) (string, bool, error) {
	s.calls++
	if s.launched == nil {
		s.launched = make(map[string]bool)
	}
	first := !s.launched[sagaID]
	s.launched[sagaID] = true
	return "mailto:rep@example.gov?subject=Support", first, nil
}

type stubSessions struct{ active bool }

func (s *stubSessions) Active(context.Context, string) bool { return s.active }

func fullSender() models.Sender {
	return models.Sender{
		UserID: "u-1", FirstName: "Ada", LastName: "Lovelace",
		Email: "ada@example.com", Street: "100 Main St",
		City: "San Francisco", State: "CA", Zip: "94105",
	}
}

func senateOffices() []office.Office {
	return []office.Office{{Chamber: office.Senate, State: "CA", District: "1"}}
}

// TestCoordinator_FullFlow walks briefing → mail launch → legislative →
// confirmation → reconciled.
func TestCoordinator_FullFlow(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	submitter := &stubSubmitter{}
	launcher := &stubLauncher{}
	c := NewCoordinator(repo, submitter, launcher, &stubSessions{active: true})

	rec, err := c.Begin(ctx, BeginRequest{
		SessionID:      "sess-1",
		Sender:         fullSender(),
		Message:        models.Message{TemplateID: "tpl-1", Subject: "Support", Body: "Please."},
		MailRecipients: []string{"rep@example.gov"},
		Offices:        senateOffices(),
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if rec.State != StateBriefing {
		t.Fatalf("state = %q, want briefing", rec.State)
	}

	ack, err := c.Acknowledge(ctx, rec.ID)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if ack.MailURL == "" {
		t.Error("acknowledge returned no mail URL")
	}
	if launcher.calls != 1 {
		t.Errorf("launcher calls = %d, want 1", launcher.calls)
	}
	if submitter.calls != 1 {
		t.Errorf("submitter calls = %d, want 1 (legislative follows mail launch)", submitter.calls)
	}
	if ack.Record.LegislativeResult == nil {
		t.Fatal("legislative result not persisted")
	}

	// Mail still unconfirmed, so the saga is not reconciled yet.
	if ack.Record.State == StateReconciled {
		t.Fatal("saga reconciled before mail confirmation")
	}

	got, err := c.ConfirmMail(ctx, rec.ID, true)
	if err != nil {
		t.Fatalf("confirm mail: %v", err)
	}
	if got.State != StateReconciled {
		t.Errorf("state = %q, want reconciled", got.State)
	}
}

// TestCoordinator_AcknowledgeIdempotent verifies a repeated acknowledge
// returns the same composition URL without a second launch or a second
// legislative submission.
func TestCoordinator_AcknowledgeIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	submitter := &stubSubmitter{}
	launcher := &stubLauncher{}
	c := NewCoordinator(repo, submitter, launcher, nil)

	rec, err := c.Begin(ctx, BeginRequest{
		SessionID:      "sess-1",
		Sender:         fullSender(),
		Message:        models.Message{TemplateID: "tpl-1", Subject: "s", Body: "b"},
		MailRecipients: []string{"rep@example.gov"},
		Offices:        senateOffices(),
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	first, err := c.Acknowledge(ctx, rec.ID)
	if err != nil {
		t.Fatalf("first acknowledge: %v", err)
	}
	second, err := c.Acknowledge(ctx, rec.ID)
	if err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}

	if first.MailURL != second.MailURL {
		t.Errorf("mail URL changed across acknowledges: %q vs %q", first.MailURL, second.MailURL)
	}
	if submitter.calls != 1 {
		t.Errorf("submitter calls = %d, want 1", submitter.calls)
	}
}

// TestCoordinator_AwaitingIdentity verifies the pause-and-resume sub-state
// for a sender with no postal address.
func TestCoordinator_AwaitingIdentity(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	submitter := &stubSubmitter{}
	c := NewCoordinator(repo, submitter, nil, nil)

	anonymous := models.Sender{UserID: "u-1", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}
	rec, err := c.Begin(ctx, BeginRequest{
		SessionID: "sess-1",
		Sender:    anonymous,
		Message:   models.Message{TemplateID: "tpl-1", Subject: "s", Body: "b"},
		Offices:   senateOffices(),
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	ack, err := c.Acknowledge(ctx, rec.ID)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if ack.Record.State != StateAwaitingIdentity {
		t.Fatalf("state = %q, want awaiting_identity", ack.Record.State)
	}
	if submitter.calls != 0 {
		t.Fatalf("submitter called %d times before identity arrived", submitter.calls)
	}

	// Identity still incomplete: rejected without a transition.
	if _, err := c.ProvideIdentity(ctx, rec.ID, anonymous); err == nil {
		t.Fatal("incomplete identity accepted")
	}

	got, err := c.ProvideIdentity(ctx, rec.ID, fullSender())
	if err != nil {
		t.Fatalf("provide identity: %v", err)
	}
	if submitter.calls != 1 {
		t.Errorf("submitter calls = %d, want 1", submitter.calls)
	}
	if got.State != StateReconciled {
		t.Errorf("state = %q, want reconciled (no mail channel)", got.State)
	}
}

// TestCoordinator_MailDeclineKeepsRetryAffordance verifies "no" to the
// confirmation prompt leaves the mail channel open rather than failing
// the saga.
func TestCoordinator_MailDeclineKeepsRetryAffordance(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	launcher := &stubLauncher{}
	c := NewCoordinator(repo, &stubSubmitter{}, launcher, nil)

	rec, err := c.Begin(ctx, BeginRequest{
		SessionID:      "sess-1",
		Sender:         fullSender(),
		Message:        models.Message{TemplateID: "tpl-1", Subject: "s", Body: "b"},
		MailRecipients: []string{"rep@example.gov"},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := c.Acknowledge(ctx, rec.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	got, err := c.ConfirmMail(ctx, rec.ID, false)
	if err != nil {
		t.Fatalf("confirm mail (no): %v", err)
	}
	if got.State.Terminal() {
		t.Fatalf("state = %q after decline, want non-terminal", got.State)
	}

	// The user reopens the composer and later confirms.
	if _, err := c.Acknowledge(ctx, rec.ID); err != nil {
		t.Fatalf("re-acknowledge: %v", err)
	}
	got, err = c.ConfirmMail(ctx, rec.ID, true)
	if err != nil {
		t.Fatalf("confirm mail (yes): %v", err)
	}
	if got.State != StateReconciled {
		t.Errorf("state = %q, want reconciled", got.State)
	}
}

// TestCoordinator_SkipMailReconciles verifies an explicit skip settles the
// mail leg.
func TestCoordinator_SkipMailReconciles(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	c := NewCoordinator(repo, &stubSubmitter{}, &stubLauncher{}, nil)

	rec, err := c.Begin(ctx, BeginRequest{
		SessionID:      "sess-1",
		Sender:         fullSender(),
		Message:        models.Message{TemplateID: "tpl-1", Subject: "s", Body: "b"},
		MailRecipients: []string{"rep@example.gov"},
		Offices:        senateOffices(),
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := c.Acknowledge(ctx, rec.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	got, err := c.SkipMail(ctx, rec.ID)
	if err != nil {
		t.Fatalf("skip mail: %v", err)
	}
	if got.State != StateReconciled {
		t.Errorf("state = %q, want reconciled", got.State)
	}
}

// TestCoordinator_SkipLegislativeReconciles verifies an explicit skip
// settles the legislative leg: no submission fires, and the saga closes
// once the mail leg is confirmed.
func TestCoordinator_SkipLegislativeReconciles(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	submitter := &stubSubmitter{}
	c := NewCoordinator(repo, submitter, &stubLauncher{}, nil)

	// An anonymous sender parks the legislative leg in awaiting_identity,
	// so it never runs before the skip.
	anonymous := models.Sender{UserID: "u-1", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}
	rec, err := c.Begin(ctx, BeginRequest{
		SessionID:      "sess-1",
		Sender:         anonymous,
		Message:        models.Message{TemplateID: "tpl-1", Subject: "s", Body: "b"},
		MailRecipients: []string{"rep@example.gov"},
		Offices:        senateOffices(),
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := c.Acknowledge(ctx, rec.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	got, err := c.SkipLegislative(ctx, rec.ID)
	if err != nil {
		t.Fatalf("skip legislative: %v", err)
	}
	if !got.LegislativeSkipped {
		t.Fatal("skip not recorded on the saga record")
	}
	if got.State != StateMailActive {
		t.Fatalf("state = %q, want mail_active (mail leg still open)", got.State)
	}

	got, err = c.ConfirmMail(ctx, rec.ID, true)
	if err != nil {
		t.Fatalf("confirm mail: %v", err)
	}
	if got.State != StateReconciled {
		t.Errorf("state = %q, want reconciled", got.State)
	}
	if submitter.calls != 0 {
		t.Errorf("submitter called %d times for a skipped legislative leg", submitter.calls)
	}

	// A completed legislative run cannot be skipped retroactively.
	rec2, err := c.Begin(ctx, BeginRequest{
		SessionID: "sess-2",
		Sender:    fullSender(),
		Message:   models.Message{TemplateID: "tpl-1", Subject: "s", Body: "b"},
		Offices:   senateOffices(),
	})
	if err != nil {
		t.Fatalf("begin second saga: %v", err)
	}
	if _, err := c.Acknowledge(ctx, rec2.ID); err != nil {
		t.Fatalf("acknowledge second saga: %v", err)
	}
	if _, err := c.SkipLegislative(ctx, rec2.ID); !IsTransition(err) {
		t.Errorf("skip after submission: err = %v, want transition error", err)
	}
}

// TestCoordinator_AbandonIsTerminal verifies no event lands after abandon.
func TestCoordinator_AbandonIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	submitter := &stubSubmitter{}
	c := NewCoordinator(repo, submitter, &stubLauncher{}, nil)

	rec, err := c.Begin(ctx, BeginRequest{
		SessionID:      "sess-1",
		Sender:         fullSender(),
		Message:        models.Message{TemplateID: "tpl-1", Subject: "s", Body: "b"},
		MailRecipients: []string{"rep@example.gov"},
		Offices:        senateOffices(),
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := c.Abandon(ctx, rec.ID); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	if _, err := c.Acknowledge(ctx, rec.ID); !IsTransition(err) {
		t.Errorf("acknowledge after abandon: err = %v, want transition error", err)
	}
	if _, err := c.ConfirmMail(ctx, rec.ID, true); !IsTransition(err) {
		t.Errorf("confirm after abandon: err = %v, want transition error", err)
	}
	if submitter.calls != 0 {
		t.Errorf("submitter called %d times on an abandoned saga", submitter.calls)
	}
}

// TestCoordinator_DeadSessionDefersLegislative verifies a dead session
// drops the continuation and Resume picks it up once the session is back.
func TestCoordinator_DeadSessionDefersLegislative(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	submitter := &stubSubmitter{}
	launcher := &stubLauncher{}
	sessions := &stubSessions{active: false}
	c := NewCoordinator(repo, submitter, launcher, sessions)

	rec, err := c.Begin(ctx, BeginRequest{
		SessionID:      "sess-1",
		Sender:         fullSender(),
		Message:        models.Message{TemplateID: "tpl-1", Subject: "s", Body: "b"},
		MailRecipients: []string{"rep@example.gov"},
		Offices:        senateOffices(),
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := c.Acknowledge(ctx, rec.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if submitter.calls != 0 {
		t.Fatalf("legislative submitted for a dead session")
	}

	sessions.active = true
	got, err := c.Resume(ctx, rec.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if submitter.calls != 1 {
		t.Errorf("submitter calls after resume = %d, want 1", submitter.calls)
	}
	if got.LegislativeResult == nil {
		t.Error("resume did not persist a legislative result")
	}
}

// TestCoordinator_NotFound verifies unknown IDs surface ErrNotFound.
func TestCoordinator_NotFound(t *testing.T) {
	c := NewCoordinator(newMemRepo(), &stubSubmitter{}, nil, nil)
	if _, err := c.Acknowledge(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
