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

// Package api exposes the delivery service over HTTP: direct legislative
// submissions, the multi-channel saga lifecycle, the attempt journal, and
// health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/civicmesh/delivery/internal/envelope"
	"github.com/civicmesh/delivery/internal/journal"
	"github.com/civicmesh/delivery/internal/models"
	"github.com/civicmesh/delivery/internal/office"
	"github.com/civicmesh/delivery/internal/orchestrator"
	"github.com/civicmesh/delivery/internal/saga"
)

// Submitter runs a legislative submission to completion.
type Submitter interface {
	Submit(ctx context.Context, msg models.Message, sender models.Sender, offices []office.Office) *orchestrator.SubmissionResult
}

// SagaService is the saga coordinator surface the handlers need.
type SagaService interface {
	Begin(ctx context.Context, req saga.BeginRequest) (*saga.Record, error)
	Acknowledge(ctx context.Context, id string) (*saga.AckResult, error)
	ConfirmMail(ctx context.Context, id string, confirmed bool) (*saga.Record, error)
	SkipMail(ctx context.Context, id string) (*saga.Record, error)
	SkipLegislative(ctx context.Context, id string) (*saga.Record, error)
	ProvideIdentity(ctx context.Context, id string, sender models.Sender) (*saga.Record, error)
	Abandon(ctx context.Context, id string) (*saga.Record, error)
	Resume(ctx context.Context, id string) (*saga.Record, error)
	Get(ctx context.Context, id string) (*saga.Record, error)
}

// JournalReader lists recorded delivery attempts.
type JournalReader interface {
	List(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// Pinger is a dependency health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DistrictResolver resolves a constituent's location to routable offices,
// either from a known state and district or from a verified postal
// address.
type DistrictResolver interface {
	OfficesForDistrict(ctx context.Context, state, district string) ([]office.Office, error)
	OfficesForAddress(ctx context.Context, street, city, state, zip string) ([]office.Office, error)
}

// Handler serves the delivery HTTP API.
type Handler struct {
	submitter Submitter
	sagas     SagaService
	journal   JournalReader
	resolver  DistrictResolver
	pingers   map[string]Pinger
}

// NewHandler wires the API handler. journal, resolver, and pingers may be
// nil.
func NewHandler(submitter Submitter, sagas SagaService, journalReader JournalReader, pingers map[string]Pinger) *Handler {
	return &Handler{
		submitter: submitter,
		sagas:     sagas,
		journal:   journalReader,
		pingers:   pingers,
	}
}

// WithResolver enables the district resolution endpoint.
func (h *Handler) WithResolver(r DistrictResolver) *Handler {
	h.resolver = r
	return h
}

// Mux builds the route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /delivery/submissions", h.handleSubmit)
	mux.HandleFunc("GET /delivery/attempts", h.handleAttempts)
	mux.HandleFunc("POST /sagas", h.handleBeginSaga)
	mux.HandleFunc("GET /sagas/{id}", h.handleGetSaga)
	mux.HandleFunc("POST /sagas/{id}/acknowledge", h.handleAcknowledge)
	mux.HandleFunc("POST /sagas/{id}/mail-confirmation", h.handleMailConfirmation)
	mux.HandleFunc("POST /sagas/{id}/mail-skip", h.handleMailSkip)
	mux.HandleFunc("POST /sagas/{id}/legislative-skip", h.handleLegislativeSkip)
	mux.HandleFunc("POST /sagas/{id}/identity", h.handleIdentity)
	mux.HandleFunc("POST /sagas/{id}/abandon", h.handleAbandon)
	mux.HandleFunc("POST /sagas/{id}/resume", h.handleResume)
	mux.HandleFunc("GET /directory/offices", h.handleResolveDistrict)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

func (h *Handler) handleResolveDistrict(w http.ResponseWriter, r *http.Request) {
	if h.resolver == nil {
		writeError(w, http.StatusNotFound, "directory not configured")
		return
	}

	q := r.URL.Query()
	state := q.Get("state")
	district := q.Get("district")
	street := q.Get("street")

	var offices []office.Office
	var err error
	switch {
	case state != "" && district != "":
		offices, err = h.resolver.OfficesForDistrict(r.Context(), state, district)
	case street != "" && q.Get("city") != "" && state != "" && q.Get("zip") != "":
		offices, err = h.resolver.OfficesForAddress(r.Context(), street, q.Get("city"), state, q.Get("zip"))
	default:
		writeError(w, http.StatusBadRequest, "state and district, or a full street address, are required")
		return
	}
	if err != nil {
		slog.Error("office resolution failed", "state", state, "district", district, "error", err)
		writeError(w, http.StatusBadGateway, "directory lookup failed")
		return
	}

	views := make([]officeRef, 0, len(offices))
	for _, o := range offices {
		ref := officeRef{State: o.State, District: o.District}
		if o.Chamber == office.Senate {
			ref.Chamber = "senate"
		} else {
			ref.Chamber = "house"
		}
		views = append(views, ref)
	}
	writeJSON(w, http.StatusOK, map[string]any{"offices": views})
}

// officeRef is the wire shape for one target office.
type officeRef struct {
	Chamber  string `json:"chamber"`
	State    string `json:"state"`
	District string `json:"district"`
}

func (r officeRef) toOffice() (office.Office, error) {
	o := office.Office{State: r.State, District: r.District}
	switch r.Chamber {
	case "senate":
		o.Chamber = office.Senate
	case "house":
		o.Chamber = office.House
	default:
		return o, &envelope.ValidationError{Field: "chamber", Reason: "must be senate or house"}
	}
	if _, err := office.ResolveCode(o.Chamber, o.State, o.District); err != nil {
		return o, err
	}
	return o, nil
}

// submissionRequest is the direct legislative submission body.
type submissionRequest struct {
	Sender  models.Sender  `json:"sender"`
	Message models.Message `json:"message"`
	Offices []officeRef    `json:"offices"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Offices) == 0 {
		writeError(w, http.StatusBadRequest, "offices is required")
		return
	}

	offices := make([]office.Office, 0, len(req.Offices))
	for _, ref := range req.Offices {
		o, err := ref.toOffice()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		offices = append(offices, o)
	}

	res := h.submitter.Submit(r.Context(), req.Message, req.Sender, offices)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, "journal not enabled")
		return
	}

	f := journal.Filter{
		SubmissionID: r.URL.Query().Get("submission_id"),
		OfficeCode:   r.URL.Query().Get("office_code"),
		Chamber:      r.URL.Query().Get("chamber"),
		State:        r.URL.Query().Get("state"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}

	entries, err := h.journal.List(r.Context(), f)
	if err != nil {
		slog.Error("journal listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "journal listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": entries})
}

// beginSagaRequest is the saga creation body.
type beginSagaRequest struct {
	SessionID      string         `json:"session_id"`
	Sender         models.Sender  `json:"sender"`
	Message        models.Message `json:"message"`
	MailRecipients []string       `json:"mail_recipients"`
	Offices        []officeRef    `json:"offices"`
}

func (h *Handler) handleBeginSaga(w http.ResponseWriter, r *http.Request) {
	var req beginSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	offices := make([]office.Office, 0, len(req.Offices))
	for _, ref := range req.Offices {
		o, err := ref.toOffice()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		offices = append(offices, o)
	}

	rec, err := h.sagas.Begin(r.Context(), saga.BeginRequest{
		SessionID:      req.SessionID,
		Sender:         req.Sender,
		Message:        req.Message,
		MailRecipients: req.MailRecipients,
		Offices:        offices,
	})
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sagaView(rec, ""))
}

func (h *Handler) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sagas.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sagaView(rec, ""))
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	ack, err := h.sagas.Acknowledge(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sagaView(ack.Record, ack.MailURL))
}

// mailConfirmationRequest carries the user's answer to the confirmation
// prompt.
type mailConfirmationRequest struct {
	Confirmed bool `json:"confirmed"`
}

func (h *Handler) handleMailConfirmation(w http.ResponseWriter, r *http.Request) {
	var req mailConfirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := h.sagas.ConfirmMail(r.Context(), r.PathValue("id"), req.Confirmed)
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sagaView(rec, ""))
}

func (h *Handler) handleMailSkip(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sagas.SkipMail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sagaView(rec, ""))
}

func (h *Handler) handleLegislativeSkip(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sagas.SkipLegislative(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sagaView(rec, ""))
}

// identityRequest supplies the postal identity a paused saga asked for.
type identityRequest struct {
	Sender models.Sender `json:"sender"`
}

func (h *Handler) handleIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := h.sagas.ProvideIdentity(r.Context(), r.PathValue("id"), req.Sender)
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sagaView(rec, ""))
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sagas.Abandon(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sagaView(rec, ""))
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sagas.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sagaView(rec, ""))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.pingers))
	for name, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}
	writeJSON(w, status, map[string]any{"checks": checks})
}

// sagaRecordView is the wire shape for a saga record.
type sagaRecordView struct {
	ID                 string                         `json:"id"`
	State              string                         `json:"state"`
	TemplateID         string                         `json:"template_id"`
	MailRecipients     []string                       `json:"mail_recipients,omitempty"`
	MailURL            string                         `json:"mail_url,omitempty"`
	MailLaunched       bool                           `json:"mail_launched"`
	MailConfirmed      bool                           `json:"mail_confirmed"`
	MailSkipped        bool                           `json:"mail_skipped"`
	LegislativeStarted bool                           `json:"legislative_started"`
	LegislativeSkipped bool                           `json:"legislative_skipped"`
	LegislativeResult  *orchestrator.SubmissionResult `json:"legislative_result,omitempty"`
}

func sagaView(rec *saga.Record, mailURL string) sagaRecordView {
	return sagaRecordView{
		ID:                 rec.ID,
		State:              string(rec.State),
		TemplateID:         rec.TemplateID,
		MailRecipients:     rec.MailRecipients,
		MailURL:            mailURL,
		MailLaunched:       rec.MailLaunched,
		MailConfirmed:      rec.MailConfirmed,
		MailSkipped:        rec.MailSkipped,
		LegislativeStarted: rec.LegislativeStarted,
		LegislativeSkipped: rec.LegislativeSkipped,
		LegislativeResult:  rec.LegislativeResult,
	}
}

func writeSagaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, saga.ErrNotFound):
		writeError(w, http.StatusNotFound, "saga not found")
	case errors.Is(err, saga.ErrNoChannels):
		writeError(w, http.StatusBadRequest, err.Error())
	case saga.IsTransition(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("saga operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
