// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexerStoreCRUD(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)

	store := NewIndexerStore(db)

	indexer, err := store.Create(ctx, "NZBGeek", 10, true)
	require.NoError(t, err, "Failed to create indexer")
	assert.Equal(t, "NZBGeek", indexer.Name)
	assert.Equal(t, 10, indexer.Priority)
	assert.True(t, indexer.Enabled)

	updated, err := store.Update(ctx, indexer.ID, "NZBGeek", 5, false)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Priority)
	assert.False(t, updated.Enabled)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, indexer.ID))
	_, err = store.Get(ctx, indexer.ID)
	assert.ErrorIs(t, err, ErrIndexerNotFound)
}

func TestIndexerRecordAttempt(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)

	store := NewIndexerStore(db)

	indexer, err := store.Create(ctx, "Drunken Slug", 25, true)
	require.NoError(t, err)

	require.NoError(t, store.RecordAttempt(ctx, indexer.ID, true, true, 200*time.Millisecond))
	require.NoError(t, store.RecordAttempt(ctx, indexer.ID, true, false, 400*time.Millisecond))
	require.NoError(t, store.RecordAttempt(ctx, indexer.ID, false, false, 600*time.Millisecond))

	got, err := store.Get(ctx, indexer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Queries)
	assert.Equal(t, int64(1), got.Grabs)
	assert.Equal(t, int64(1), got.Failures)
	assert.Equal(t, int64(1200), got.TotalLatencyMS)
	assert.InDelta(t, 400.0, got.AverageLatencyMS(), 0.01)
	assert.InDelta(t, 1.0/3.0, got.FailureRate(), 0.001)
}

func TestIndexerListOrderedByPriority(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)

	store := NewIndexerStore(db)

	_, err := store.Create(ctx, "Slow", 50, true)
	require.NoError(t, err)
	_, err = store.Create(ctx, "Fast", 1, true)
	require.NoError(t, err)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Fast", list[0].Name, "lower priority value ranks first")
}
