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

// Package directory resolves a constituent's state and district to the
// sitting members whose offices should receive a delivery. It queries an
// external member-directory API and maps each member to a routable office.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/civicmesh/delivery/internal/office"
)

// Member is one sitting legislator as the directory reports them.
type Member struct {
	BioguideID string `json:"bioguide_id"`
	Name       string `json:"name"`
	Party      string `json:"party"`
	Chamber    string `json:"chamber"`
	State      string `json:"state"`
	District   string `json:"district"`
}

// Config holds the directory API settings. ClientID and ClientSecret are
// OAuth2 client-credentials; when absent the client calls the directory
// unauthenticated (fine for the public tier, rate-limited).
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Client queries the member directory.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a directory client. With credentials configured the
// underlying HTTP client refreshes OAuth2 tokens automatically.
func NewClient(ctx context.Context, cfg Config) *Client {
	httpClient := http.DefaultClient
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = cc.Client(ctx)
		slog.Info("directory client using oauth2 client credentials")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
	}
}

// resolveRequest is the address payload for district resolution.
type resolveRequest struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// resolveResponse carries the district the address falls in.
type resolveResponse struct {
	State    string `json:"state"`
	District string `json:"district"`
}

// OfficesForAddress resolves a verified postal address to routable
// offices. The directory performs the district lookup; this service never
// geocodes.
func (c *Client) OfficesForAddress(ctx context.Context, street, city, state, zip string) ([]office.Office, error) {
	payload, err := json.Marshal(resolveRequest{Street: street, City: city, State: strings.ToUpper(state), Zip: zip})
	if err != nil {
		return nil, fmt.Errorf("marshal resolve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/districts/resolve", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve address: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory /districts/resolve returned HTTP %d", resp.StatusCode)
	}

	var district resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&district); err != nil {
		return nil, fmt.Errorf("decode resolve response: %w", err)
	}

	return c.OfficesForDistrict(ctx, district.State, district.District)
}

// membersResponse is the directory's paged /members response.
type membersResponse struct {
	Members  []Member `json:"members"`
	NextLink string   `json:"next"`
}

// MembersForDistrict returns the sitting members for a state and House
// district: both senators plus the district's representative.
func (c *Client) MembersForDistrict(ctx context.Context, state, district string) ([]Member, error) {
	params := url.Values{}
	params.Set("state", strings.ToUpper(state))
	params.Set("district", district)
	params.Set("current", "true")

	var members []Member
	for nextURL := fmt.Sprintf("%s/v1/members?%s", c.baseURL, params.Encode()); nextURL != ""; {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, nextURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build members request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch members: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("directory /members returned HTTP %d", resp.StatusCode)
		}

		var page membersResponse
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decode members response: %w", err)
		}
		resp.Body.Close()

		members = append(members, page.Members...)
		nextURL = page.NextLink
	}

	slog.Debug("directory lookup complete",
		"state", state,
		"district", district,
		"members", len(members),
	)
	return members, nil
}

// OfficesForDistrict resolves a state and district straight to routable
// offices. Senate members are assigned seat slots in directory order so
// two senators from the same state get distinct office codes.
func (c *Client) OfficesForDistrict(ctx context.Context, state, district string) ([]office.Office, error) {
	members, err := c.MembersForDistrict(ctx, state, district)
	if err != nil {
		return nil, err
	}

	var offices []office.Office
	senateSeat := 0
	for _, m := range members {
		o := office.Office{
			State:      strings.ToUpper(m.State),
			BioguideID: m.BioguideID,
		}
		switch strings.ToLower(m.Chamber) {
		case "senate":
			senateSeat++
			o.Chamber = office.Senate
			o.District = fmt.Sprintf("%d", senateSeat)
		case "house":
			o.Chamber = office.House
			o.District = m.District
		default:
			slog.Warn("directory returned member in unknown chamber",
				"bioguide_id", m.BioguideID,
				"chamber", m.Chamber,
			)
			continue
		}

		if _, err := office.ResolveCode(o.Chamber, o.State, o.District); err != nil {
			slog.Warn("directory member maps to unroutable office",
				"bioguide_id", m.BioguideID,
				"state", o.State,
				"district", o.District,
				"error", err,
			)
			continue
		}
		offices = append(offices, o)
	}

	return offices, nil
}
