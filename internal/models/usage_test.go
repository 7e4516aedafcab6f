// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAdmitRespectsHourlyLimit(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	instance := newTestInstance(t, db, "usage")

	store := NewSearchUsageStore(db)
	now := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		admitted, err := store.TryAdmit(ctx, instance.ID, 3, now)
		require.NoError(t, err)
		assert.True(t, admitted, "admission %d should succeed", i+1)
	}

	admitted, err := store.TryAdmit(ctx, instance.ID, 3, now)
	require.NoError(t, err)
	assert.False(t, admitted, "fourth admission should be denied at limit 3")

	used, err := store.Used(ctx, instance.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 3, used)
}

func TestTryAdmitHourRollover(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	instance := newTestInstance(t, db, "rollover")

	store := NewSearchUsageStore(db)
	hour1 := time.Date(2025, 6, 1, 14, 59, 0, 0, time.UTC)
	hour2 := time.Date(2025, 6, 1, 15, 0, 1, 0, time.UTC)

	admitted, err := store.TryAdmit(ctx, instance.ID, 1, hour1)
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, err = store.TryAdmit(ctx, instance.ID, 1, hour1)
	require.NoError(t, err)
	require.False(t, admitted, "bucket exhausted")

	// A new hour reads zero without any cleanup
	admitted, err = store.TryAdmit(ctx, instance.ID, 1, hour2)
	require.NoError(t, err)
	assert.True(t, admitted, "new hour bucket should start empty")

	used, err := store.Used(ctx, instance.ID, hour2)
	require.NoError(t, err)
	assert.Equal(t, 1, used, "previous hour must not count towards the current one")
}

func TestTryAdmitConcurrent(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	instance := newTestInstance(t, db, "concurrent")

	store := NewSearchUsageStore(db)
	now := time.Now().UTC()

	const limit = 10
	const callers = 50

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.TryAdmit(ctx, instance.ID, limit, now)
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load(),
		"exactly limit admissions under concurrency, no lost or extra increments")

	used, err := store.Used(ctx, instance.ID, now)
	require.NoError(t, err)
	assert.Equal(t, limit, used)
}

func TestTryAdmitZeroLimit(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	instance := newTestInstance(t, db, "zero")

	store := NewSearchUsageStore(db)

	admitted, err := store.TryAdmit(ctx, instance.ID, 0, time.Now())
	require.NoError(t, err)
	assert.False(t, admitted, "zero limit admits nothing")
}

func TestUsagePrune(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	instance := newTestInstance(t, db, "prune")

	store := NewSearchUsageStore(db)
	old := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	_, err := store.TryAdmit(ctx, instance.ID, 5, old)
	require.NoError(t, err)
	_, err = store.TryAdmit(ctx, instance.ID, 5, current)
	require.NoError(t, err)

	deleted, err := store.Prune(ctx, current.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	used, err := store.Used(ctx, instance.ID, current)
	require.NoError(t, err)
	assert.Equal(t, 1, used, "current bucket survives pruning")
}
