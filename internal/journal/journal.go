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

// Package journal persists per-office delivery attempts to Postgres so
// operators can answer "what happened to this constituent's message"
// after the fact.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicmesh/delivery/internal/orchestrator"
)

// Entry is one journaled delivery attempt.
type Entry struct {
	SubmissionID   string
	AttemptID      string
	OfficeCode     string
	Chamber        string
	State          string
	Attempts       int
	Reason         string
	ConfirmationID string
	FinishedAt     time.Time
	RecordedAt     time.Time
}

// Filter narrows a journal listing. Zero values mean "any".
type Filter struct {
	SubmissionID string
	OfficeCode   string
	Chamber      string
	State        string
	Since        time.Time
	Limit        uint64
}

// Store writes and reads the delivery attempt journal. It satisfies
// orchestrator.Journal.
type Store struct {
	pool *pgxpool.Pool
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewStore creates the journal store and ensures its table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	slog.Info("delivery journal initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS delivery_attempts (
			submission_id   TEXT NOT NULL,
			attempt_id      TEXT NOT NULL,
			office_code     TEXT NOT NULL,
			chamber         TEXT NOT NULL,
			state           TEXT NOT NULL,
			attempts        INT NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			confirmation_id TEXT NOT NULL DEFAULT '',
			finished_at     TIMESTAMPTZ,
			recorded_at     TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (submission_id, attempt_id)
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_office ON delivery_attempts(office_code);
		CREATE INDEX IF NOT EXISTS idx_attempts_state ON delivery_attempts(state);
	`)
	return err
}

// RecordAttempt upserts the terminal record for one office attempt. An
// attempt that reaches a terminal state twice (which the orchestrator
// prevents, but the journal does not assume) keeps the first write's
// recorded_at and takes the latest fields.
func (s *Store) RecordAttempt(ctx context.Context, submissionID string, a orchestrator.Attempt) error {
	query, args, err := psql.Insert("delivery_attempts").
		Columns("submission_id", "attempt_id", "office_code", "chamber",
			"state", "attempts", "reason", "confirmation_id", "finished_at").
		Values(submissionID, a.ID, a.OfficeCode, string(a.Chamber),
			string(a.State), a.Attempts, a.Reason, a.ConfirmationID, a.FinishedAt).
		Suffix(`ON CONFLICT (submission_id, attempt_id) DO UPDATE SET
			state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			reason = EXCLUDED.reason,
			confirmation_id = EXCLUDED.confirmation_id,
			finished_at = EXCLUDED.finished_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build journal insert: %w", err)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("journal attempt %s/%s: %w", submissionID, a.OfficeCode, err)
	}
	return nil
}

// listQuery builds the filtered listing statement.
func listQuery(f Filter) (string, []any, error) {
	q := psql.Select("submission_id", "attempt_id", "office_code", "chamber",
		"state", "attempts", "reason", "confirmation_id", "finished_at", "recorded_at").
		From("delivery_attempts").
		OrderBy("recorded_at DESC")

	if f.SubmissionID != "" {
		q = q.Where(sq.Eq{"submission_id": f.SubmissionID})
	}
	if f.OfficeCode != "" {
		q = q.Where(sq.Eq{"office_code": f.OfficeCode})
	}
	if f.Chamber != "" {
		q = q.Where(sq.Eq{"chamber": f.Chamber})
	}
	if f.State != "" {
		q = q.Where(sq.Eq{"state": f.State})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"recorded_at": f.Since})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q.ToSql()
}

// List returns journal entries matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	query, args, err := listQuery(f)
	if err != nil {
		return nil, fmt.Errorf("build journal query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SubmissionID, &e.AttemptID, &e.OfficeCode, &e.Chamber,
			&e.State, &e.Attempts, &e.Reason, &e.ConfirmationID,
			&e.FinishedAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
