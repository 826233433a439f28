// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue publishes raised alerts to a Redis list, for consumers that
// read alerts from a queue instead of the telemetry platform.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wedo/devicehandler/internal/models"
)

// DefaultQueue is the list alerts are pushed to when none is configured.
const DefaultQueue = "devicehandler:alerts"

// Publisher pushes alert envelopes to a Redis list. It implements
// telemetry.Transmitter.
type Publisher struct {
	rdb       *redis.Client
	queueName string
	now       func() time.Time
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		now:       time.Now,
	}
}

// envelope wraps an alert message for queue transport.
type envelope struct {
	ID          string              `json:"id"`
	Kind        string              `json:"kind"`
	PublishedAt string              `json:"published_at"`
	Queue       string              `json:"queue"`
	Message     models.AlertMessage `json:"message"`
}

func (p *Publisher) encode(msg models.AlertMessage) (string, string, error) {
	id := uuid.New().String()
	data, err := json.Marshal(envelope{
		ID:          id,
		Kind:        "alert",
		PublishedAt: p.now().UTC().Format(time.RFC3339),
		Queue:       p.queueName,
		Message:     msg,
	})
	if err != nil {
		return "", "", fmt.Errorf("marshal alert envelope: %w", err)
	}
	return id, string(data), nil
}

// Transmit LPUSHes msg onto the queue; consumers BRPOP from the other end.
func (p *Publisher) Transmit(ctx context.Context, msg models.AlertMessage) error {
	id, data, err := p.encode(msg)
	if err != nil {
		return err
	}

	if err := p.rdb.LPush(ctx, p.queueName, data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published alert to queue",
		"module", "IOTCS",
		"envelope_id", id,
		"source", msg.Source,
		"format", msg.Format,
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

// Close releases the Redis client.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
