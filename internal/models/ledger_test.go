// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRecordAndEligibility(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	instance := newTestInstance(t, db, "ledger")

	store := NewSearchLedgerStore(db)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	eligible, err := store.IsEligible(ctx, instance.ID, "series:42:season:1", now)
	require.NoError(t, err)
	assert.True(t, eligible, "unknown item is eligible")

	require.NoError(t, store.Record(ctx, instance.ID, "series:42:season:1", 24*time.Hour, now))

	eligible, err = store.IsEligible(ctx, instance.ID, "series:42:season:1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, eligible, "live entry blocks re-search")

	// Recording twice leaves one live entry and keeps the item blocked
	require.NoError(t, store.Record(ctx, instance.ID, "series:42:season:1", 24*time.Hour, now.Add(time.Hour)))

	summary, err := store.Summary(ctx, instance.ID, 24, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count, "duplicate record must not create a second entry")

	// After expiry the item becomes eligible again
	eligible, err = store.IsEligible(ctx, instance.ID, "series:42:season:1", now.Add(26*time.Hour))
	require.NoError(t, err)
	assert.True(t, eligible, "expired entry no longer blocks")

	// The expired row was lazily deleted by the eligibility check
	summary, err = store.Summary(ctx, instance.ID, 24, now.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Count)
}

func TestLedgerScopedByInstance(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	a := newTestInstance(t, db, "ledger-a")
	b := newTestInstance(t, db, "ledger-b")

	store := NewSearchLedgerStore(db)
	now := time.Now().UTC()

	require.NoError(t, store.Record(ctx, a.ID, "movie:7", 24*time.Hour, now))

	eligible, err := store.IsEligible(ctx, b.ID, "movie:7", now)
	require.NoError(t, err)
	assert.True(t, eligible, "another instance's ledger must not interfere")
}

func TestLedgerReset(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	instance := newTestInstance(t, db, "ledger-reset")

	store := NewSearchLedgerStore(db)
	now := time.Now().UTC()

	require.NoError(t, store.Record(ctx, instance.ID, "movie:1", 24*time.Hour, now))
	require.NoError(t, store.Record(ctx, instance.ID, "movie:2", 24*time.Hour, now))

	cleared, err := store.Reset(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cleared)

	eligible, err := store.IsEligible(ctx, instance.ID, "movie:1", now)
	require.NoError(t, err)
	assert.True(t, eligible, "reset makes everything eligible again")
}

func TestLedgerSummaryShape(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	instance := newTestInstance(t, db, "ledger-summary")

	store := NewSearchLedgerStore(db)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Record(ctx, instance.ID, "episode:9", 48*time.Hour, now))

	summary, err := store.Summary(ctx, instance.ID, 48, now)
	require.NoError(t, err)
	require.Len(t, summary.Entries, 1)

	entry := summary.Entries[0]
	assert.Equal(t, "episode:9", entry.ItemKey)
	assert.Equal(t, now, entry.ProcessedAt)
	assert.Equal(t, now.Add(48*time.Hour), entry.ExpiresAt)
	assert.Equal(t, 48, summary.IntervalHours)
}
