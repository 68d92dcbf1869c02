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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SenateConfig holds the Senate chamber backend settings. The environment
// toggle selects between the testing and production endpoints so a staging
// deploy can never submit real constituent messages.
type SenateConfig struct {
	Environment        string
	TestingEndpoint    string
	ProductionEndpoint string
	APIKey             string
}

// Endpoint returns the endpoint the configured environment selects.
func (s SenateConfig) Endpoint() string {
	if s.Environment == "production" {
		return s.ProductionEndpoint
	}
	return s.TestingEndpoint
}

// HouseConfig holds the House relay settings. An empty endpoint means the
// relay is not provisioned and House deliveries report unavailable.
type HouseConfig struct {
	RelayEndpoint string
	RelayToken    string
}

// AgentConfig identifies the registered delivery agent on whose behalf
// every envelope is submitted.
type AgentConfig struct {
	ID       string
	Name     string
	AckEmail string
	Contact  string
}

// RateLimitConfig is one quota scope: at most Limit submissions per Window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// DirectoryConfig holds the member-directory API settings.
type DirectoryConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Config holds all configuration for the delivery service.
type Config struct {
	Senate    SenateConfig
	House     HouseConfig
	Agent     AgentConfig
	Directory DirectoryConfig

	// Quotas
	UserLimit  RateLimitConfig
	AgentLimit RateLimitConfig

	// Orchestration
	RetryMaxAttempts int
	RetryBase        time.Duration
	SubmitBudget     time.Duration
	Concurrency      int

	// Storage
	DatabaseURL string
	RedisURL    string

	// Results queue and mail launch guard
	ResultsQueue  string
	MailLaunchTTL time.Duration

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Senate struct {
		Environment        string `yaml:"environment"`
		TestingEndpoint    string `yaml:"testing_endpoint"`
		ProductionEndpoint string `yaml:"production_endpoint"`
		APIKey             string `yaml:"api_key"`
	} `yaml:"senate"`
	House struct {
		RelayEndpoint string `yaml:"relay_endpoint"`
		RelayToken    string `yaml:"relay_token"`
	} `yaml:"house"`
	Agent struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		AckEmail string `yaml:"ack_email"`
		Contact  string `yaml:"contact"`
	} `yaml:"agent"`
	Directory struct {
		BaseURL      string `yaml:"base_url"`
		TokenURL     string `yaml:"token_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"directory"`
	Limits struct {
		User struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"user"`
		Agent struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"agent"`
	} `yaml:"limits"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Results string `yaml:"results"`
		} `yaml:"queues"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Senate: SenateConfig{
			Environment:        firstNonEmpty(raw.Senate.Environment, envOrDefault("SENATE_ENVIRONMENT", "testing")),
			TestingEndpoint:    raw.Senate.TestingEndpoint,
			ProductionEndpoint: raw.Senate.ProductionEndpoint,
			APIKey:             firstNonEmpty(raw.Senate.APIKey, os.Getenv("SENATE_API_KEY")),
		},
		House: HouseConfig{
			RelayEndpoint: firstNonEmpty(raw.House.RelayEndpoint, os.Getenv("HOUSE_RELAY_ENDPOINT")),
			RelayToken:    firstNonEmpty(raw.House.RelayToken, os.Getenv("HOUSE_RELAY_TOKEN")),
		},
		Agent: AgentConfig{
			ID:       raw.Agent.ID,
			Name:     raw.Agent.Name,
			AckEmail: raw.Agent.AckEmail,
			Contact:  raw.Agent.Contact,
		},
		Directory: DirectoryConfig{
			BaseURL:      raw.Directory.BaseURL,
			TokenURL:     raw.Directory.TokenURL,
			ClientID:     raw.Directory.ClientID,
			ClientSecret: raw.Directory.ClientSecret,
		},
		UserLimit: RateLimitConfig{
			Limit:  intOrDefault(raw.Limits.User.Limit, 20),
			Window: durationOrDefault(raw.Limits.User.Window, time.Hour),
		},
		AgentLimit: RateLimitConfig{
			Limit:  intOrDefault(raw.Limits.Agent.Limit, 2000),
			Window: durationOrDefault(raw.Limits.Agent.Window, time.Hour),
		},
		RetryMaxAttempts: envOrDefaultInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBase:        envOrDefaultDuration("RETRY_BASE", time.Second),
		SubmitBudget:     envOrDefaultDuration("SUBMIT_BUDGET", 30*time.Second),
		Concurrency:      envOrDefaultInt("SUBMIT_CONCURRENCY", 4),
		DatabaseURL:      firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/delivery")),
		RedisURL:         firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		ResultsQueue:     firstNonEmpty(raw.Redis.Queues.Results, envOrDefault("RESULTS_QUEUE", "delivery-results")),
		MailLaunchTTL:    envOrDefaultDuration("MAIL_LAUNCH_TTL", 24*time.Hour),
		Port:             envOrDefaultInt("PORT", 8080),
	}

	if cfg.Senate.Environment != "testing" && cfg.Senate.Environment != "production" {
		return nil, fmt.Errorf("senate environment must be testing or production, got %q", cfg.Senate.Environment)
	}
	if cfg.Agent.Name == "" || cfg.Agent.AckEmail == "" {
		return nil, fmt.Errorf("agent name and ack_email are required — check config.yaml")
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = strings.ToLower(strings.ReplaceAll(cfg.Agent.Name, " ", "-"))
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func intOrDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func durationOrDefault(v string, fallback time.Duration) time.Duration {
	if v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
