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

// Package maillaunch composes RFC 6068 mailto URLs for the direct-mail
// channel and guards each saga's launch behind an atomic first-writer
// check, so a double-click or a replayed request never fires two
// launches.
package maillaunch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civicmesh/delivery/internal/models"
)

const keyPrefix = "cwc:maillaunch:"

// LaunchStore records the first launch for a saga atomically. PutIfAbsent
// returns the stored value: the caller's value on the first write, the
// original value on every later call.
type LaunchStore interface {
	PutIfAbsent(ctx context.Context, key, value string) (stored string, first bool, err error)
}

// Launcher builds composition URLs and enforces once-per-saga launches.
// It satisfies the coordinator's MailLauncher.
type Launcher struct {
	store LaunchStore
}

// NewLauncher creates a launcher over the given store.
func NewLauncher(store LaunchStore) *Launcher {
	return &Launcher{store: store}
}

// Launch returns the mailto URL for a saga's mail channel. The first call
// composes and records it; later calls return the recorded URL with
// first=false so callers do not treat a re-open as a new launch.
func (l *Launcher) Launch(ctx context.Context, sagaID string, recipients []string, sender models.Sender, msg models.Message) (string, bool, error) {
	if len(recipients) == 0 {
		return "", false, fmt.Errorf("mail launch for saga %s has no recipients", sagaID)
	}

	composed := BuildMailto(recipients, sender, msg)
	stored, first, err := l.store.PutIfAbsent(ctx, keyPrefix+sagaID, composed)
	if err != nil {
		return "", false, fmt.Errorf("record mail launch: %w", err)
	}
	if first {
		slog.Info("mail launch recorded", "saga_id", sagaID, "recipients", len(recipients))
	}
	return stored, first, nil
}

// BuildMailto composes an RFC 6068 mailto URL. Spaces are percent-encoded
// (the form-encoding plus sign is not valid in mailto bodies), and the
// sender's name is appended as a signature line when known.
func BuildMailto(recipients []string, sender models.Sender, msg models.Message) string {
	body := msg.Body
	if sender.FirstName != "" || sender.LastName != "" {
		body = body + "\n\n" + strings.TrimSpace(sender.FirstName+" "+sender.LastName)
	}

	params := url.Values{}
	params.Set("subject", msg.Subject)
	params.Set("body", body)
	query := strings.ReplaceAll(params.Encode(), "+", "%20")

	addrs := make([]string, len(recipients))
	for i, r := range recipients {
		addrs[i] = url.PathEscape(r)
	}
	return fmt.Sprintf("mailto:%s?%s", strings.Join(addrs, ","), query)
}

// RedisLaunchStore backs the launch guard with Redis SETNX.
type RedisLaunchStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLaunchStore creates the Redis-backed guard. Keys expire after
// ttl so abandoned sagas do not pin memory forever.
func NewRedisLaunchStore(rdb *redis.Client, ttl time.Duration) *RedisLaunchStore {
	return &RedisLaunchStore{rdb: rdb, ttl: ttl}
}

// PutIfAbsent performs the atomic first-writer check. SETNX makes the
// race between two concurrent launches resolve to exactly one winner.
func (s *RedisLaunchStore) PutIfAbsent(ctx context.Context, key, value string) (string, bool, error) {
	set, err := s.rdb.SetNX(ctx, key, value, s.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis SETNX: %w", err)
	}
	if set {
		return value, true, nil
	}

	existing, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis GET after lost SETNX: %w", err)
	}
	return existing, false, nil
}

// Ping checks the Redis connection.
func (s *RedisLaunchStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}
