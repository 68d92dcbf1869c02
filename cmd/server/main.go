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

// CivicMesh — Congressional Delivery Service
//
// Entry point for the delivery service. It:
//  1. Loads chamber, relay, and agent configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Wires the envelope builder, chamber adapters, rate limiters,
//     journal, and submission orchestrator
//  4. Wires the multi-channel saga coordinator and mail launch guard
//  5. Serves the delivery HTTP API
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/civicmesh/delivery/internal/adapter"
	"github.com/civicmesh/delivery/internal/api"
	"github.com/civicmesh/delivery/internal/config"
	"github.com/civicmesh/delivery/internal/directory"
	"github.com/civicmesh/delivery/internal/envelope"
	"github.com/civicmesh/delivery/internal/journal"
	"github.com/civicmesh/delivery/internal/maillaunch"
	"github.com/civicmesh/delivery/internal/office"
	"github.com/civicmesh/delivery/internal/orchestrator"
	"github.com/civicmesh/delivery/internal/ratelimit"
	"github.com/civicmesh/delivery/internal/results"
	"github.com/civicmesh/delivery/internal/saga"
)

func main() {
	// Local development convenience; in containers the env is already set.
	_ = godotenv.Load()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting CivicMesh delivery service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"senate_environment", cfg.Senate.Environment,
		"house_relay", cfg.House.RelayEndpoint != "",
		"agent", cfg.Agent.Name,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := results.NewPublisher(rdb, cfg.ResultsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Stores ---
	journalStore, err := journal.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise delivery journal", "error", err)
		os.Exit(1)
	}

	sagaStore, err := saga.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise saga store", "error", err)
		os.Exit(1)
	}

	// --- Rate Limiters ---
	counters := ratelimit.NewRedisCounters(rdb)
	userLimiter := ratelimit.New(counters, "user", cfg.UserLimit.Window, int64(cfg.UserLimit.Limit))
	agentLimiter := ratelimit.New(counters, "agent", cfg.AgentLimit.Window, int64(cfg.AgentLimit.Limit))

	// --- Envelope Builder + Chamber Adapters ---
	builder := envelope.NewBuilder(envelope.Agent{
		Name:     cfg.Agent.Name,
		AckEmail: cfg.Agent.AckEmail,
		Contact:  cfg.Agent.Contact,
	})

	adapters := map[office.Chamber]adapter.Adapter{
		office.Senate: adapter.NewSenateAdapter(nil, adapter.SenateConfig{
			Endpoint: cfg.Senate.Endpoint(),
			APIKey:   cfg.Senate.APIKey,
		}),
		office.House: adapter.NewHouseAdapter(nil, adapter.HouseConfig{
			RelayEndpoint: cfg.House.RelayEndpoint,
			RelayToken:    cfg.House.RelayToken,
		}),
	}

	// --- Orchestrator ---
	orch := orchestrator.New(orchestrator.Config{
		Builder:      builder,
		Adapters:     adapters,
		UserLimiter:  userLimiter,
		AgentLimiter: agentLimiter,
		AgentID:      cfg.Agent.ID,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Base:        cfg.RetryBase,
			Factor:      orchestrator.DefaultRetryPolicy.Factor,
			Jitter:      orchestrator.DefaultRetryPolicy.Jitter,
		},
		Budget:      cfg.SubmitBudget,
		Concurrency: cfg.Concurrency,
		Journal:     journalStore,
		Publisher:   publisher,
	})

	// --- Saga Coordinator ---
	launchStore := maillaunch.NewRedisLaunchStore(rdb, cfg.MailLaunchTTL)
	launcher := maillaunch.NewLauncher(launchStore)
	coordinator := saga.NewCoordinator(sagaStore, orch, launcher, nil)

	// --- HTTP API ---
	handler := api.NewHandler(orch, coordinator, journalStore, map[string]api.Pinger{
		"postgres": pgPinger{pool: pgPool},
		"redis":    publisher,
	})

	// --- Directory Client (state+district → offices resolution) ---
	if cfg.Directory.BaseURL != "" {
		handler = handler.WithResolver(directory.NewClient(ctx, directory.Config{
			BaseURL:      cfg.Directory.BaseURL,
			TokenURL:     cfg.Directory.TokenURL,
			ClientID:     cfg.Directory.ClientID,
			ClientSecret: cfg.Directory.ClientSecret,
		}))
		slog.Info("directory client configured", "base_url", cfg.Directory.BaseURL)
	}
	ready, err := api.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("delivery service ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stops the API server and in-flight background work

	rdb.Close()
	pgPool.Close()

	slog.Info("delivery service stopped")
}

// pgPinger adapts pgxpool.Pool to the api health probe.
type pgPinger struct {
	pool *pgxpool.Pool
}

func (p pgPinger) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
