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

// Package saga provides a Postgres-backed store for multi-channel delivery
// saga state and a coordinator that sequences the user-driven mail channel
// and the automated legislative channel. Saga state is persisted — not
// held in in-memory closures — so the flow survives process restarts and
// page navigation, and resuming never duplicates an already-launched
// channel action.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicmesh/delivery/internal/models"
	"github.com/civicmesh/delivery/internal/office"
	"github.com/civicmesh/delivery/internal/orchestrator"
)

// State is the saga's position in the multi-channel flow.
type State string

const (
	StateBriefing          State = "briefing"
	StateMailActive        State = "mail_active"
	StateAwaitingIdentity  State = "awaiting_identity"
	StateLegislativeActive State = "legislative_active"
	StateReconciled        State = "reconciled"
	StateAbandoned         State = "abandoned"
)

// Terminal reports whether a state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateReconciled || s == StateAbandoned
}

// Record tracks one user-message's progress across both channels.
type Record struct {
	ID                 string
	SessionID          string
	TemplateID         string
	State              State
	Sender             models.Sender
	Message            models.Message
	MailRecipients     []string
	Offices            []office.Office
	MailLaunched       bool
	MailConfirmed      bool
	MailSkipped        bool
	LegislativeStarted bool
	LegislativeSkipped bool
	LegislativeResult  *orchestrator.SubmissionResult
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Store provides CRUD operations for saga records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a saga store backed by the given Postgres pool.
// It ensures the sagas table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure saga schema: %w", err)
	}
	slog.Info("saga store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_sagas (
			id                  UUID PRIMARY KEY,
			session_id          TEXT NOT NULL,
			template_id         TEXT NOT NULL,
			state               TEXT NOT NULL,
			sender              JSONB NOT NULL,
			message             JSONB NOT NULL,
			mail_recipients     JSONB NOT NULL DEFAULT '[]',
			offices             JSONB NOT NULL DEFAULT '[]',
			mail_launched       BOOLEAN NOT NULL DEFAULT FALSE,
			mail_confirmed      BOOLEAN NOT NULL DEFAULT FALSE,
			mail_skipped        BOOLEAN NOT NULL DEFAULT FALSE,
			legislative_started BOOLEAN NOT NULL DEFAULT FALSE,
			legislative_skipped BOOLEAN NOT NULL DEFAULT FALSE,
			legislative_result  JSONB,
			created_at          TIMESTAMPTZ DEFAULT NOW(),
			updated_at          TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sagas_session ON delivery_sagas(session_id);
		CREATE INDEX IF NOT EXISTS idx_sagas_state ON delivery_sagas(state);
	`)
	return err
}

// Create persists a new saga record.
func (s *Store) Create(ctx context.Context, r *Record) error {
	sender, err := json.Marshal(r.Sender)
	if err != nil {
		return fmt.Errorf("marshal sender: %w", err)
	}
	message, err := json.Marshal(r.Message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	recipients, err := json.Marshal(r.MailRecipients)
	if err != nil {
		return fmt.Errorf("marshal mail recipients: %w", err)
	}
	offices, err := json.Marshal(r.Offices)
	if err != nil {
		return fmt.Errorf("marshal offices: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO delivery_sagas
			(id, session_id, template_id, state, sender, message, mail_recipients, offices)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.SessionID, r.TemplateID, r.State, sender, message, recipients, offices)
	return err
}

// Get retrieves a saga by ID. Returns (nil, nil) when no record exists.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, template_id, state, sender, message,
		       mail_recipients, offices, mail_launched, mail_confirmed,
		       mail_skipped, legislative_started, legislative_skipped,
		       legislative_result, created_at, updated_at
		FROM delivery_sagas
		WHERE id = $1
	`, id)
	return scanRecord(row)
}

// SetState transitions a saga's state.
func (s *Store) SetState(ctx context.Context, id string, state State) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_sagas
		SET state = $1, updated_at = NOW()
		WHERE id = $2
	`, state, id)
	return err
}

// MarkMailLaunched records that the mail channel launch fired.
func (s *Store) MarkMailLaunched(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_sagas
		SET mail_launched = TRUE, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// SetMailConfirmed records the user's explicit confirmation answer.
func (s *Store) SetMailConfirmed(ctx context.Context, id string, confirmed bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_sagas
		SET mail_confirmed = $1, updated_at = NOW()
		WHERE id = $2
	`, confirmed, id)
	return err
}

// MarkMailSkipped records an explicit user skip of the mail channel.
func (s *Store) MarkMailSkipped(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_sagas
		SET mail_skipped = TRUE, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// MarkLegislativeSkipped records an explicit user skip of the legislative
// channel.
func (s *Store) MarkLegislativeSkipped(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_sagas
		SET legislative_skipped = TRUE, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// MarkLegislativeStarted records that the orchestrator was invoked, so a
// resumed saga never invokes it twice.
func (s *Store) MarkLegislativeStarted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_sagas
		SET legislative_started = TRUE, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// UpdateSender replaces the stored sender after the identity sub-state.
func (s *Store) UpdateSender(ctx context.Context, id string, sender models.Sender) error {
	data, err := json.Marshal(sender)
	if err != nil {
		return fmt.Errorf("marshal sender: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE delivery_sagas
		SET sender = $1, updated_at = NOW()
		WHERE id = $2
	`, data, id)
	return err
}

// SaveLegislativeResult persists the terminal legislative outcome.
func (s *Store) SaveLegislativeResult(ctx context.Context, id string, res *orchestrator.SubmissionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal legislative result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE delivery_sagas
		SET legislative_result = $1, updated_at = NOW()
		WHERE id = $2
	`, data, id)
	return err
}

// scanRecord scans a single row into a Record.
func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var sender, message, recipients, offices []byte
	var result []byte

	err := row.Scan(
		&r.ID, &r.SessionID, &r.TemplateID, &r.State, &sender, &message,
		&recipients, &offices, &r.MailLaunched, &r.MailConfirmed,
		&r.MailSkipped, &r.LegislativeStarted, &r.LegislativeSkipped,
		&result, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(sender, &r.Sender); err != nil {
		return nil, fmt.Errorf("unmarshal sender: %w", err)
	}
	if err := json.Unmarshal(message, &r.Message); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if err := json.Unmarshal(recipients, &r.MailRecipients); err != nil {
		return nil, fmt.Errorf("unmarshal mail recipients: %w", err)
	}
	if err := json.Unmarshal(offices, &r.Offices); err != nil {
		return nil, fmt.Errorf("unmarshal offices: %w", err)
	}
	if len(result) > 0 {
		r.LegislativeResult = &orchestrator.SubmissionResult{}
		if err := json.Unmarshal(result, r.LegislativeResult); err != nil {
			return nil, fmt.Errorf("unmarshal legislative result: %w", err)
		}
	}

	return &r, nil
}
