// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/questarr/questarr/internal/dbinterface"
)

var (
	ErrIndexerNotFound      = errors.New("indexer not found")
	ErrDuplicateIndexerName = errors.New("an indexer with this name already exists")
)

// Indexer is a configured search back-end with lifetime counters. The
// short-window failure rate used for ranking lives with the selector, not
// here; these counters survive restarts.
type Indexer struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Priority       int    `json:"priority"`
	Enabled        bool   `json:"enabled"`
	Queries        int64  `json:"queries"`
	Grabs          int64  `json:"grabs"`
	Failures       int64  `json:"failures"`
	TotalLatencyMS int64  `json:"totalLatencyMs"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AverageLatencyMS returns the lifetime mean query latency.
func (i Indexer) AverageLatencyMS() float64 {
	if i.Queries == 0 {
		return 0
	}
	return float64(i.TotalLatencyMS) / float64(i.Queries)
}

// FailureRate returns the lifetime failure fraction.
func (i Indexer) FailureRate() float64 {
	if i.Queries == 0 {
		return 0
	}
	return float64(i.Failures) / float64(i.Queries)
}

type IndexerStore struct {
	db dbinterface.Querier
}

func NewIndexerStore(db dbinterface.Querier) *IndexerStore {
	return &IndexerStore{db: db}
}

const indexerColumns = `id, name, priority, enabled, queries, grabs, failures, total_latency_ms, created_at, updated_at`

func scanIndexer(row interface{ Scan(...any) error }) (*Indexer, error) {
	var indexer Indexer
	err := row.Scan(
		&indexer.ID, &indexer.Name, &indexer.Priority, &indexer.Enabled,
		&indexer.Queries, &indexer.Grabs, &indexer.Failures, &indexer.TotalLatencyMS,
		&indexer.CreatedAt, &indexer.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &indexer, nil
}

func (s *IndexerStore) Create(ctx context.Context, name string, priority int, enabled bool) (*Indexer, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("indexer name cannot be empty")
	}

	var id int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO indexers (name, priority, enabled) VALUES (?, ?, ?)
		RETURNING id`,
		name, priority, enabled).Scan(&id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateIndexerName
		}
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}

	return s.Get(ctx, id)
}

func (s *IndexerStore) Get(ctx context.Context, id int) (*Indexer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+indexerColumns+` FROM indexers WHERE id = ?`, id)

	indexer, err := scanIndexer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIndexerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get indexer: %w", err)
	}

	return indexer, nil
}

func (s *IndexerStore) List(ctx context.Context) ([]*Indexer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+indexerColumns+` FROM indexers ORDER BY priority, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexers: %w", err)
	}
	defer rows.Close()

	var indexers []*Indexer
	for rows.Next() {
		indexer, err := scanIndexer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan indexer: %w", err)
		}
		indexers = append(indexers, indexer)
	}

	return indexers, rows.Err()
}

func (s *IndexerStore) Update(ctx context.Context, id int, name string, priority int, enabled bool) (*Indexer, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("indexer name cannot be empty")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE indexers SET name = ?, priority = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		name, priority, enabled, id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateIndexerName
		}
		return nil, fmt.Errorf("failed to update indexer: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrIndexerNotFound
	}

	return s.Get(ctx, id)
}

func (s *IndexerStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM indexers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete indexer: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrIndexerNotFound
	}

	return nil
}

// RecordAttempt folds one query outcome into the lifetime counters.
func (s *IndexerStore) RecordAttempt(ctx context.Context, id int, success bool, grabbed bool, latency time.Duration) error {
	failure := 0
	if !success {
		failure = 1
	}
	grab := 0
	if grabbed {
		grab = 1
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE indexers SET
			queries = queries + 1,
			grabs = grabs + ?,
			failures = failures + ?,
			total_latency_ms = total_latency_ms + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		grab, failure, latency.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("failed to record indexer attempt: %w", err)
	}

	return nil
}
