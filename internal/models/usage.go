// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"time"

	"github.com/questarr/questarr/internal/dbinterface"
)

// SearchUsageStore tracks per-instance searches admitted within each hour
// bucket. Buckets are hour-truncated UTC unix timestamps. Old buckets are
// never authoritative; readers only consult the current hour.
type SearchUsageStore struct {
	db dbinterface.Querier
}

func NewSearchUsageStore(db dbinterface.Querier) *SearchUsageStore {
	return &SearchUsageStore{db: db}
}

// HourBucket truncates t to the hour in UTC.
func HourBucket(t time.Time) int64 {
	return t.UTC().Truncate(time.Hour).Unix()
}

// TryAdmit increments the current hour's counter if it is still below limit
// and reports whether the increment happened. The insert and the bounds check
// are a single statement so concurrent callers cannot both take the last slot.
func (s *SearchUsageStore) TryAdmit(ctx context.Context, instanceID int, limit int, now time.Time) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	bucket := HourBucket(now)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO search_usage (instance_id, hour_bucket, count)
		VALUES (?, ?, 1)
		ON CONFLICT (instance_id, hour_bucket)
		DO UPDATE SET count = count + 1 WHERE count < ?`,
		instanceID, bucket, limit)
	if err != nil {
		return false, fmt.Errorf("failed to update usage counter: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// Used returns the admitted count for the current hour bucket. Any other
// bucket reads as zero.
func (s *SearchUsageStore) Used(ctx context.Context, instanceID int, now time.Time) (int, error) {
	bucket := HourBucket(now)

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM search_usage
		WHERE instance_id = ? AND hour_bucket = ?`,
		instanceID, bucket).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}

	return count, nil
}

// Prune deletes buckets older than the cutoff. Housekeeping only; correctness
// never depends on it running.
func (s *SearchUsageStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM search_usage WHERE hour_bucket < ?`, HourBucket(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage counters: %w", err)
	}

	return result.RowsAffected()
}
