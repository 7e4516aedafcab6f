// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/questarr/questarr/internal/dbinterface"
)

// CycleState is the persisted slice of an instance's scheduler state. The
// running flag and activity label live in memory with the scheduler; only
// what must survive a restart is stored here.
type CycleState struct {
	InstanceID   int
	NextCycleAt  *time.Time
	PendingReset bool
	LastError    string
}

type CycleStateStore struct {
	db dbinterface.Querier
}

func NewCycleStateStore(db dbinterface.Querier) *CycleStateStore {
	return &CycleStateStore{db: db}
}

// Get returns the instance's persisted state, zero-valued if none exists yet.
func (s *CycleStateStore) Get(ctx context.Context, instanceID int) (*CycleState, error) {
	state := &CycleState{InstanceID: instanceID}

	var nextCycleAt sql.NullInt64
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT next_cycle_at, pending_reset, last_error
		FROM cycle_state WHERE instance_id = ?`,
		instanceID).Scan(&nextCycleAt, &state.PendingReset, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle state: %w", err)
	}

	if nextCycleAt.Valid {
		t := time.Unix(nextCycleAt.Int64, 0).UTC()
		state.NextCycleAt = &t
	}
	state.LastError = lastError.String

	return state, nil
}

func (s *CycleStateStore) Save(ctx context.Context, state *CycleState) error {
	var nextCycleAt any
	if state.NextCycleAt != nil {
		nextCycleAt = state.NextCycleAt.Unix()
	}

	var lastError any
	if state.LastError != "" {
		lastError = state.LastError
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_state (instance_id, next_cycle_at, pending_reset, last_error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id)
		DO UPDATE SET next_cycle_at = excluded.next_cycle_at,
			pending_reset = excluded.pending_reset,
			last_error = excluded.last_error`,
		state.InstanceID, nextCycleAt, state.PendingReset, lastError)
	if err != nil {
		return fmt.Errorf("failed to save cycle state: %w", err)
	}

	return nil
}

// Clear wipes the persisted schedule for an instance. Used by a full ledger
// reset so the status surface reflects the fresh window.
func (s *CycleStateStore) Clear(ctx context.Context, instanceID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cycle_state WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to clear cycle state: %w", err)
	}

	return nil
}
