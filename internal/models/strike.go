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

// StrikeStatus is the lifecycle of a watched download-queue entry.
type StrikeStatus string

const (
	StrikeNormal         StrikeStatus = "normal"
	StrikeStriking       StrikeStatus = "striking"
	StrikePendingRemoval StrikeStatus = "pending-removal"
	StrikeRemoved        StrikeStatus = "removed"
	StrikeIgnored        StrikeStatus = "ignored"
	StrikeDryRun         StrikeStatus = "dry-run"
)

// StrikeRecord tracks stall observations for one queue entry.
type StrikeRecord struct {
	InstanceID      int          `json:"instanceId"`
	QueueEntryID    string       `json:"queueEntryId"`
	Title           string       `json:"title"`
	StrikeCount     int          `json:"strikeCount"`
	Status          StrikeStatus `json:"status"`
	FirstSeen       time.Time    `json:"firstSeen"`
	LastSeen        time.Time    `json:"lastSeen"`
	DownloadedBytes int64        `json:"-"`
}

type StrikeStore struct {
	db dbinterface.Querier
}

func NewStrikeStore(db dbinterface.Querier) *StrikeStore {
	return &StrikeStore{db: db}
}

// Get returns the record for a queue entry, or nil when none exists.
func (s *StrikeStore) Get(ctx context.Context, instanceID int, queueEntryID string) (*StrikeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, queue_entry_id, title, strike_count, status,
			first_seen, last_seen, last_downloaded_bytes
		FROM queue_strikes
		WHERE instance_id = ? AND queue_entry_id = ?`,
		instanceID, queueEntryID)

	record, err := scanStrike(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strike record: %w", err)
	}

	return record, nil
}

func scanStrike(row interface{ Scan(...any) error }) (*StrikeRecord, error) {
	var record StrikeRecord
	var firstSeen, lastSeen int64
	err := row.Scan(
		&record.InstanceID, &record.QueueEntryID, &record.Title,
		&record.StrikeCount, &record.Status,
		&firstSeen, &lastSeen, &record.DownloadedBytes,
	)
	if err != nil {
		return nil, err
	}
	record.FirstSeen = time.Unix(firstSeen, 0).UTC()
	record.LastSeen = time.Unix(lastSeen, 0).UTC()
	return &record, nil
}

// Upsert writes the record, creating it on first observation.
func (s *StrikeStore) Upsert(ctx context.Context, record *StrikeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_strikes (
			instance_id, queue_entry_id, title, strike_count, status,
			first_seen, last_seen, last_downloaded_bytes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, queue_entry_id)
		DO UPDATE SET title = excluded.title,
			strike_count = excluded.strike_count,
			status = excluded.status,
			last_seen = excluded.last_seen,
			last_downloaded_bytes = excluded.last_downloaded_bytes`,
		record.InstanceID, record.QueueEntryID, record.Title,
		record.StrikeCount, record.Status,
		record.FirstSeen.Unix(), record.LastSeen.Unix(), record.DownloadedBytes)
	if err != nil {
		return fmt.Errorf("failed to upsert strike record: %w", err)
	}

	return nil
}

// ListByInstance returns all records for an instance, most recent first.
func (s *StrikeStore) ListByInstance(ctx context.Context, instanceID int) ([]*StrikeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, queue_entry_id, title, strike_count, status,
			first_seen, last_seen, last_downloaded_bytes
		FROM queue_strikes
		WHERE instance_id = ?
		ORDER BY last_seen DESC`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list strike records: %w", err)
	}
	defer rows.Close()

	var records []*StrikeRecord
	for rows.Next() {
		record, err := scanStrike(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strike record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// ListPending returns records whose removal is still outstanding.
func (s *StrikeStore) ListPending(ctx context.Context, instanceID int) ([]*StrikeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, queue_entry_id, title, strike_count, status,
			first_seen, last_seen, last_downloaded_bytes
		FROM queue_strikes
		WHERE instance_id = ? AND status = ?`,
		instanceID, StrikePendingRemoval)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending removals: %w", err)
	}
	defer rows.Close()

	var records []*StrikeRecord
	for rows.Next() {
		record, err := scanStrike(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strike record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// DeleteStale drops non-terminal records not observed since the cutoff, so
// entries that left the queue on their own stop accumulating rows. Terminal
// records are retained for audit.
func (s *StrikeStore) DeleteStale(ctx context.Context, instanceID int, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_strikes
		WHERE instance_id = ? AND last_seen < ? AND status NOT IN (?, ?)`,
		instanceID, cutoff.Unix(), StrikeRemoved, StrikeDryRun)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale strike records: %w", err)
	}

	return result.RowsAffected()
}
