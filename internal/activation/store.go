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

// Package activation persists the telemetry-platform activation state of
// each device, so a device activated once is not activated again on the
// next start.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is the activation state of one device endpoint.
type Record struct {
	Name        string
	EndpointID  string
	ModelURNs   []string
	ActivatedAt time.Time
	UpdatedAt   time.Time
}

// Store reads and writes activation records keyed by device name.
// Get returns (nil, nil) when the device has never been activated.
type Store interface {
	Get(ctx context.Context, name string) (*Record, error)
	Save(ctx context.Context, r Record) error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get returns the record for name.
func (s *MemoryStore) Get(_ context.Context, name string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	if !ok {
		return nil, nil
	}
	r.ModelURNs = slices.Clone(r.ModelURNs)
	return &r, nil
}

// Save inserts or replaces the record for r.Name.
func (s *MemoryStore) Save(_ context.Context, r Record) error {
	if r.Name == "" {
		return errors.New("save activation: empty device name")
	}
	now := time.Now().UTC()
	if r.ActivatedAt.IsZero() {
		r.ActivatedAt = now
	}
	r.UpdatedAt = now
	r.ModelURNs = slices.Clone(r.ModelURNs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Name] = r
	return nil
}

// PGStore keeps records in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a store backed by the given pool. It ensures the
// device_activations table exists on creation.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure activation schema: %w", err)
	}
	slog.Info("activation store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS device_activations (
			name          TEXT PRIMARY KEY,
			endpoint_id   TEXT NOT NULL,
			model_urns    TEXT[] NOT NULL DEFAULT '{}',
			activated_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Get retrieves the record for name.
func (s *PGStore) Get(ctx context.Context, name string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, endpoint_id, model_urns, activated_at, updated_at
		FROM device_activations
		WHERE name = $1
	`, name)

	var r Record
	err := row.Scan(&r.Name, &r.EndpointID, &r.ModelURNs, &r.ActivatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activation %s: %w", name, err)
	}
	return &r, nil
}

// Save inserts or updates the record keyed on name.
func (s *PGStore) Save(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_activations (name, endpoint_id, model_urns)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			endpoint_id = EXCLUDED.endpoint_id,
			model_urns  = EXCLUDED.model_urns,
			updated_at  = NOW()
	`, r.Name, r.EndpointID, r.ModelURNs)
	if err != nil {
		return fmt.Errorf("save activation %s: %w", r.Name, err)
	}
	return nil
}
