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

// Package results publishes finished submission results to a Redis list so
// downstream consumers (notification senders, analytics) can pick them up
// without coupling to the delivery service.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civicmesh/delivery/internal/orchestrator"
)

// Publisher pushes submission results onto a Redis queue. It satisfies
// orchestrator.ResultPublisher.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// resultEvent is the wire shape consumers read. The envelope carries the
// aggregate counts; per-office attempts ride along for consumers that
// notify on individual offices.
type resultEvent struct {
	SubmissionID string                 `json:"submission_id"`
	TemplateID   string                 `json:"template_id"`
	Status       string                 `json:"status"`
	Total        int                    `json:"total"`
	Delivered    int                    `json:"delivered"`
	Failed       int                    `json:"failed"`
	Unavailable  int                    `json:"unavailable"`
	Attempts     []orchestrator.Attempt `json:"attempts"`
	PublishedAt  time.Time              `json:"published_at"`
}

// PublishResult serialises a finished submission and pushes it to Redis.
// Consumers pop with BRPOP, so LPUSH keeps FIFO ordering.
func (p *Publisher) PublishResult(ctx context.Context, res *orchestrator.SubmissionResult) error {
	event := resultEvent{
		SubmissionID: res.SubmissionID,
		TemplateID:   res.TemplateID,
		Status:       res.Status,
		Total:        res.Total,
		Delivered:    res.Delivered,
		Failed:       res.Failed,
		Unavailable:  res.Unavailable,
		Attempts:     res.Attempts,
		PublishedAt:  time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal result event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(payload)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published submission result",
		"submission_id", res.SubmissionID,
		"status", res.Status,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
