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

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/civicmesh/delivery/internal/envelope"
	"github.com/civicmesh/delivery/internal/office"
)

// SenateConfig holds the Senate chamber's direct-submission settings.
type SenateConfig struct {
	// Endpoint is the chamber API base for the selected environment
	// (testing or production).
	Endpoint string
	// APIKey is the per-environment chamber API key.
	APIKey string
}

// SenateAdapter submits envelopes directly to the Senate backend over an
// authenticated HTTPS channel.
type SenateAdapter struct {
	client *http.Client
	cfg    SenateConfig
}

// NewSenateAdapter creates a Senate adapter with an injected HTTP client.
// Missing credentials are a configuration condition: every submit reports
// Unavailable until an operator provisions them.
func NewSenateAdapter(client *http.Client, cfg SenateConfig) *SenateAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &SenateAdapter{client: client, cfg: cfg}
}

// Chamber reports which chamber this adapter serves.
func (a *SenateAdapter) Chamber() office.Chamber { return office.Senate }

// configured reports whether the operator has provisioned this chamber.
func (a *SenateAdapter) configured() bool {
	return a.cfg.Endpoint != "" && a.cfg.APIKey != ""
}

// senateAccept is the Senate backend's synchronous accept body.
type senateAccept struct {
	ConfirmationID string `json:"confirmation_id"`
}

// Submit posts one envelope and classifies the transport outcome:
// 2xx → Delivered, 429/5xx/network error → Failed(retryable),
// other 4xx → Failed(non-retryable) structural rejection.
func (a *SenateAdapter) Submit(ctx context.Context, env *envelope.Envelope) Outcome {
	if !a.configured() {
		return unavailable(env, "senate chamber not configured")
	}

	url := fmt.Sprintf("%s/v2/deliveries?apikey=%s", strings.TrimRight(a.cfg.Endpoint, "/"), a.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(env.Body))
	if err != nil {
		return failed(env, false, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// Network failure or timeout — the backend may never have seen it.
		return failed(env, true, fmt.Sprintf("senate transport: %v", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var accept senateAccept
		if err := json.Unmarshal(body, &accept); err != nil || accept.ConfirmationID == "" {
			// Fall back to a bare-token body some environments return.
			accept.ConfirmationID = strings.TrimSpace(string(body))
		}
		out := delivered(env, accept.ConfirmationID)
		slog.Info("senate submission classified",
			"office", env.OfficeCode,
			"status", out.Status,
			"confirmation_id", out.ConfirmationID,
		)
		return out

	case resp.StatusCode == http.StatusTooManyRequests:
		return failed(env, true, "senate backend throttled the request (429)")

	case resp.StatusCode >= 500:
		return failed(env, true, fmt.Sprintf("senate backend error (HTTP %d)", resp.StatusCode))

	default:
		// 4xx structural rejection — the backend looked at the envelope
		// and refused it. Retrying the same bytes cannot succeed.
		slog.Warn("senate structural rejection",
			"office", env.OfficeCode,
			"status", resp.StatusCode,
			"body", truncate(string(body), 512),
		)
		return failed(env, false, fmt.Sprintf("senate rejected the submission (HTTP %d)", resp.StatusCode))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
