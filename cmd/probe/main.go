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

// CivicMesh — Delivery Probe Command
//
// Standalone CLI tool that submits a single test message to one office
// through the configured chamber backend. Intended for verifying
// credentials and connectivity against the Senate testing environment
// before a production cutover.
//
// Usage:
//
//	go run ./cmd/probe/ --chamber senate --state CA --district 1 [--body-file msg.txt]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/civicmesh/delivery/internal/adapter"
	"github.com/civicmesh/delivery/internal/config"
	"github.com/civicmesh/delivery/internal/envelope"
	"github.com/civicmesh/delivery/internal/models"
	"github.com/civicmesh/delivery/internal/office"
)

func main() {
	_ = godotenv.Load()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	chamberFlag := flag.String("chamber", "senate", "Target chamber: senate or house")
	stateFlag := flag.String("state", "", "Two-letter state code (required)")
	districtFlag := flag.String("district", "", "District number, or senate seat slot 1-3 (required)")
	phoneFlag := flag.String("phone", "2025550100", "Sender phone for the probe envelope (10 digits)")
	bodyFileFlag := flag.String("body-file", "", "File with the message body (optional; default is a canned probe body)")
	flag.Parse()

	if *stateFlag == "" || *districtFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --state and --district are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	var chamber office.Chamber
	switch *chamberFlag {
	case "senate":
		chamber = office.Senate
	case "house":
		chamber = office.House
	default:
		fmt.Fprintf(os.Stderr, "Error: --chamber must be senate or house\n")
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if chamber == office.Senate && cfg.Senate.Environment == "production" {
		slog.Warn("probe is targeting the PRODUCTION senate endpoint — the message will reach a real office")
	}

	body := "This is a connectivity probe from the delivery service. Please disregard."
	if *bodyFileFlag != "" {
		data, err := os.ReadFile(*bodyFileFlag)
		if err != nil {
			slog.Error("failed to read body file", "path", *bodyFileFlag, "error", err)
			os.Exit(1)
		}
		body = string(data)
	}

	target := office.Office{Chamber: chamber, State: *stateFlag, District: *districtFlag}
	code, err := office.ResolveCode(chamber, *stateFlag, *districtFlag)
	if err != nil {
		slog.Error("target office is not routable", "error", err)
		os.Exit(1)
	}

	slog.Info("probing delivery backend",
		"office", code,
		"chamber", *chamberFlag,
		"senate_environment", cfg.Senate.Environment,
	)

	// --- Build Envelope ---
	builder := envelope.NewBuilder(envelope.Agent{
		Name:     cfg.Agent.Name,
		AckEmail: cfg.Agent.AckEmail,
		Contact:  cfg.Agent.Contact,
	})

	env, err := builder.Build(
		probeSender(cfg.Agent.AckEmail, *stateFlag, *phoneFlag),
		models.Message{
			TemplateID: "probe",
			Subject:    "Delivery service connectivity probe",
			Body:       body,
		},
		target,
	)
	if err != nil {
		slog.Error("failed to build probe envelope", "error", err)
		os.Exit(1)
	}

	// --- Submit ---
	var a adapter.Adapter
	switch chamber {
	case office.Senate:
		a = adapter.NewSenateAdapter(nil, adapter.SenateConfig{
			Endpoint: cfg.Senate.Endpoint(),
			APIKey:   cfg.Senate.APIKey,
		})
	case office.House:
		a = adapter.NewHouseAdapter(nil, adapter.HouseConfig{
			RelayEndpoint: cfg.House.RelayEndpoint,
			RelayToken:    cfg.House.RelayToken,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := a.Submit(ctx, env)

	// --- Summary ---
	slog.Info("probe complete",
		"office", out.OfficeCode,
		"status", out.Status,
		"confirmation_id", out.ConfirmationID,
		"retryable", out.Retryable,
		"reason", out.Reason,
	)

	if out.Status != adapter.StatusDelivered {
		os.Exit(1)
	}
}

// probeSender builds the canned sender for a probe submission. Every
// protocol-required field is populated, phone included, so envelope
// validation passes and the probe actually reaches the backend.
func probeSender(ackEmail, state, phone string) models.Sender {
	return models.Sender{
		UserID:    "probe",
		FirstName: "Delivery",
		LastName:  "Probe",
		Email:     ackEmail,
		Phone:     phone,
		Street:    "1 Probe Way",
		City:      "Testville",
		State:     state,
		Zip:       "00000",
	}
}
