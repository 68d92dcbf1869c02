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

// HouseConfig holds the relay settings for the House chamber. The House
// backend only accepts submissions from pre-registered network addresses,
// which this platform's servers are not, so everything routes through an
// operator-controlled forwarding relay.
type HouseConfig struct {
	// RelayEndpoint is the relay base URL. Empty means the operator has
	// not provisioned a relay: every submit reports Unavailable.
	RelayEndpoint string
	// RelayToken authenticates against the relay itself, distinct from
	// the chamber's own API key (which the relay holds).
	RelayToken string
}

// HouseAdapter submits envelopes through the forwarding relay.
type HouseAdapter struct {
	client *http.Client
	cfg    HouseConfig
}

// NewHouseAdapter creates a House adapter with an injected HTTP client.
func NewHouseAdapter(client *http.Client, cfg HouseConfig) *HouseAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HouseAdapter{client: client, cfg: cfg}
}

// Chamber reports which chamber this adapter serves.
func (a *HouseAdapter) Chamber() office.Chamber { return office.House }

// relayAccept is the relay's forwarding confirmation body. MessageID is the
// chamber's confirmation token, passed through by the relay.
type relayAccept struct {
	MessageID string `json:"message_id"`
}

// Submit forwards one envelope through the relay and classifies the
// outcome. With no relay configured it returns Unavailable immediately and
// never a fabricated Delivered. Relay errors are classified distinctly
// (auth vs routing vs rate-limit vs server) so operators can act on logs.
func (a *HouseAdapter) Submit(ctx context.Context, env *envelope.Envelope) Outcome {
	if a.cfg.RelayEndpoint == "" {
		return unavailable(env, "not configured")
	}

	url := fmt.Sprintf("%s/v2/offices/%s/messages", strings.TrimRight(a.cfg.RelayEndpoint, "/"), env.OfficeCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(env.Body))
	if err != nil {
		return failed(env, false, fmt.Sprintf("build relay request: %v", err))
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.RelayToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return failed(env, true, fmt.Sprintf("relay transport: %v", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var accept relayAccept
		if err := json.Unmarshal(body, &accept); err != nil || accept.MessageID == "" {
			slog.Warn("relay accepted without a parseable confirmation",
				"office", env.OfficeCode,
				"body", truncate(string(body), 512),
			)
		}
		return delivered(env, accept.MessageID)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		slog.Error("relay authentication rejected — check relay token",
			"office", env.OfficeCode,
			"status", resp.StatusCode,
		)
		return failed(env, false, "relay authentication rejected")

	case resp.StatusCode == http.StatusNotFound:
		slog.Error("relay routing failure — office unknown to relay",
			"office", env.OfficeCode,
		)
		return failed(env, false, fmt.Sprintf("relay routing: office %s not found", env.OfficeCode))

	case resp.StatusCode == http.StatusTooManyRequests:
		return failed(env, true, "relay rate limit exceeded")

	case resp.StatusCode >= 500:
		return failed(env, true, fmt.Sprintf("relay server error (HTTP %d)", resp.StatusCode))

	default:
		return failed(env, false, fmt.Sprintf("relay rejected the submission (HTTP %d)", resp.StatusCode))
	}
}
