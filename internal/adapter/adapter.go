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

// Package adapter wraps each chamber backend's transport quirks and
// translates transport outcomes into a normalized result. Adapters never
// retry internally — retry policy belongs to the orchestrator so backoff
// and the total time budget are enforced uniformly across chambers.
//
// A Delivered outcome requires a confirmation token taken from an actual
// backend response. There is no code path that constructs one from a local
// fallback.
package adapter

import (
	"context"
	"time"

	"github.com/civicmesh/delivery/internal/envelope"
	"github.com/civicmesh/delivery/internal/office"
)

// Status is the normalized terminal classification of one submit call.
type Status string

const (
	StatusDelivered   Status = "delivered"
	StatusFailed      Status = "failed"
	StatusUnavailable Status = "unavailable"
)

// Outcome is the normalized result of one submit call, tagged with office
// identity, chamber, and a timestamp for audit correlation.
type Outcome struct {
	Status         Status         `json:"status"`
	ConfirmationID string         `json:"confirmation_id,omitempty"`
	Retryable      bool           `json:"retryable"`
	Reason         string         `json:"reason,omitempty"`
	OfficeCode     string         `json:"office_code"`
	Chamber        office.Chamber `json:"chamber"`
	At             time.Time      `json:"at"`
}

// Adapter submits one envelope to one chamber backend.
type Adapter interface {
	Chamber() office.Chamber
	Submit(ctx context.Context, env *envelope.Envelope) Outcome
}

// delivered builds a Delivered outcome. Unexported on purpose: only the
// adapters in this package can produce one, and only with a non-empty
// confirmation token from a backend response.
func delivered(env *envelope.Envelope, confirmationID string) Outcome {
	if confirmationID == "" {
		// A 2xx without a confirmation token is not a delivery we can
		// truthfully report.
		return failed(env, false, "backend accepted without a confirmation token")
	}
	return Outcome{
		Status:         StatusDelivered,
		ConfirmationID: confirmationID,
		OfficeCode:     env.OfficeCode,
		Chamber:        env.Chamber,
		At:             time.Now().UTC(),
	}
}

func failed(env *envelope.Envelope, retryable bool, reason string) Outcome {
	return Outcome{
		Status:     StatusFailed,
		Retryable:  retryable,
		Reason:     reason,
		OfficeCode: env.OfficeCode,
		Chamber:    env.Chamber,
		At:         time.Now().UTC(),
	}
}

func unavailable(env *envelope.Envelope, reason string) Outcome {
	return Outcome{
		Status:     StatusUnavailable,
		Reason:     reason,
		OfficeCode: env.OfficeCode,
		Chamber:    env.Chamber,
		At:         time.Now().UTC(),
	}
}

// Failed builds a terminal Failed outcome for an office that was never
// handed to a backend (validation, rate limit, timeout). Exported for the
// orchestrator.
func Failed(officeCode string, chamber office.Chamber, retryable bool, reason string) Outcome {
	return Outcome{
		Status:     StatusFailed,
		Retryable:  retryable,
		Reason:     reason,
		OfficeCode: officeCode,
		Chamber:    chamber,
		At:         time.Now().UTC(),
	}
}

// Unavailable builds a terminal Unavailable outcome for an office whose
// chamber cannot currently accept submissions.
func Unavailable(officeCode string, chamber office.Chamber, reason string) Outcome {
	return Outcome{
		Status:     StatusUnavailable,
		Reason:     reason,
		OfficeCode: officeCode,
		Chamber:    chamber,
		At:         time.Now().UTC(),
	}
}
