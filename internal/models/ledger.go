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

// LedgerEntry records that an item was searched and must not be re-attempted
// until the entry expires.
type LedgerEntry struct {
	InstanceID  int       `json:"instanceId"`
	ItemKey     string    `json:"itemKey"`
	ProcessedAt time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// LedgerSummary is the per-instance dedup status surface.
type LedgerSummary struct {
	Entries       []LedgerEntry `json:"entries"`
	Count         int           `json:"count"`
	IntervalHours int           `json:"intervalHours"`
}

// SearchLedgerStore persists the per-instance dedup ledger. Expiry is
// evaluated at read time; expired rows are deleted lazily when encountered.
type SearchLedgerStore struct {
	db dbinterface.Querier
}

func NewSearchLedgerStore(db dbinterface.Querier) *SearchLedgerStore {
	return &SearchLedgerStore{db: db}
}

// IsEligible reports whether the item has no live ledger entry. An expired
// entry is deleted on the spot and the item is eligible again.
func (s *SearchLedgerStore) IsEligible(ctx context.Context, instanceID int, itemKey string, now time.Time) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT expires_at FROM search_ledger
		WHERE instance_id = ? AND item_key = ?`,
		instanceID, itemKey).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}

	if expiresAt > now.Unix() {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM search_ledger WHERE instance_id = ? AND item_key = ?`,
		instanceID, itemKey); err != nil {
		return false, fmt.Errorf("failed to delete expired ledger entry: %w", err)
	}

	return true, nil
}

// Record upserts a ledger entry expiring after the given window. Recording the
// same key twice within the window leaves a single live entry.
func (s *SearchLedgerStore) Record(ctx context.Context, instanceID int, itemKey string, expiration time.Duration, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_ledger (instance_id, item_key, processed_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, item_key)
		DO UPDATE SET processed_at = excluded.processed_at, expires_at = excluded.expires_at`,
		instanceID, itemKey, now.Unix(), now.Add(expiration).Unix())
	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}

	return nil
}

// Reset clears every ledger entry for the instance.
func (s *SearchLedgerStore) Reset(ctx context.Context, instanceID int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM search_ledger WHERE instance_id = ?`, instanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset ledger: %w", err)
	}

	return result.RowsAffected()
}

// Summary returns the live entries for an instance, pruning expired rows.
func (s *SearchLedgerStore) Summary(ctx context.Context, instanceID int, intervalHours int, now time.Time) (*LedgerSummary, error) {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM search_ledger WHERE instance_id = ? AND expires_at <= ?`,
		instanceID, now.Unix()); err != nil {
		return nil, fmt.Errorf("failed to prune expired ledger entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, item_key, processed_at, expires_at
		FROM search_ledger
		WHERE instance_id = ?
		ORDER BY processed_at DESC`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	defer rows.Close()

	summary := &LedgerSummary{
		Entries:       []LedgerEntry{},
		IntervalHours: intervalHours,
	}

	for rows.Next() {
		var entry LedgerEntry
		var processedAt, expiresAt int64
		if err := rows.Scan(&entry.InstanceID, &entry.ItemKey, &processedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entry.ProcessedAt = time.Unix(processedAt, 0).UTC()
		entry.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		summary.Entries = append(summary.Entries, entry)
	}

	summary.Count = len(summary.Entries)

	return summary, rows.Err()
}
