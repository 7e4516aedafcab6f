// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hunt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questarr/questarr/internal/arr"
	"github.com/questarr/questarr/internal/database"
	"github.com/questarr/questarr/internal/models"
)

// fakeClient implements arr.LibraryClient for engine tests.
type fakeClient struct {
	mu       sync.Mutex
	missing  []arr.MediaItem
	cutoff   []arr.MediaItem
	searched []string

	fetchErr    error
	searchErr   error
	searchGate  chan struct{} // when set, Search blocks until closed
	searchBegan chan struct{} // signalled once when the first Search starts
	beganOnce   sync.Once
}

func (f *fakeClient) ListMissing(ctx context.Context, limit int) ([]arr.MediaItem, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.missing) > limit {
		return f.missing[:limit], nil
	}
	return f.missing, nil
}

func (f *fakeClient) ListCutoffUnmet(ctx context.Context, limit int) ([]arr.MediaItem, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.cutoff) > limit {
		return f.cutoff[:limit], nil
	}
	return f.cutoff, nil
}

func (f *fakeClient) Search(ctx context.Context, item arr.MediaItem, indexerID int) error {
	if f.searchBegan != nil {
		f.beganOnce.Do(func() { close(f.searchBegan) })
	}
	if f.searchGate != nil {
		<-f.searchGate
	}
	if f.searchErr != nil {
		return f.searchErr
	}
	f.mu.Lock()
	f.searched = append(f.searched, item.Key)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) ListQueue(ctx context.Context) ([]arr.QueueEntry, error) { return nil, nil }
func (f *fakeClient) RemoveQueueEntry(ctx context.Context, entryID string, blocklist bool) error {
	return nil
}
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) searchedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.searched...)
}

// fakeProvider hands the same client to every instance.
type fakeProvider struct {
	client arr.LibraryClient
	err    error
}

func (p *fakeProvider) GetClient(ctx context.Context, instanceID int) (arr.LibraryClient, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.client, nil
}
func (p *fakeProvider) TrackFailure(instanceID int)         {}
func (p *fakeProvider) ResetFailureTracking(instanceID int) {}
func (p *fakeProvider) RemoveClient(instanceID int)         {}

type testEnv struct {
	db       *database.DB
	svc      *Service
	instance *models.Instance
	client   *fakeClient
	provider *fakeProvider
	ledger   *models.SearchLedgerStore
	usage    *models.SearchUsageStore
	cycles   *models.CycleStateStore
}

func newTestEnv(t *testing.T, configure func(*models.Instance)) *testEnv {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() { db.Close() })

	key := make([]byte, 32)
	instanceStore, err := models.NewInstanceStore(db.Conn(), key)
	require.NoError(t, err)

	template := &models.Instance{
		AppType:              models.AppSonarr,
		Name:                 "test",
		Host:                 "http://localhost:8989",
		Enabled:              true,
		Monitored:            true,
		HourlyLimit:          20,
		SearchBatchSize:      10,
		CycleIntervalMinutes: 15,
	}
	if configure != nil {
		configure(template)
	}

	instance, err := instanceStore.Create(t.Context(), template, "api-key")
	require.NoError(t, err)

	client := &fakeClient{}
	provider := &fakeProvider{client: client}

	env := &testEnv{
		db:       db,
		instance: instance,
		client:   client,
		provider: provider,
		ledger:   models.NewSearchLedgerStore(db.Conn()),
		usage:    models.NewSearchUsageStore(db.Conn()),
		cycles:   models.NewCycleStateStore(db.Conn()),
	}
	env.svc = NewService(instanceStore, env.usage, env.ledger, env.cycles, provider)

	return env
}

func items(keys ...string) []arr.MediaItem {
	out := make([]arr.MediaItem, 0, len(keys))
	for i, k := range keys {
		out = append(out, arr.MediaItem{ID: int64(i + 1), Key: k, Title: k})
	}
	return out
}

func TestHuntRespectsHourlyBudgetAcrossCycles(t *testing.T) {
	env := newTestEnv(t, func(i *models.Instance) { i.HourlyLimit = 5 })
	env.client.missing = items("m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8")

	r := newRunner(env.svc, env.instance)
	r.runCycle(t.Context())

	searched := env.client.searchedKeys()
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, searched,
		"exactly the first five candidates are searched, in reported order")

	// Same hour: everything searched is ledgered, the rest is budget-blocked
	r.runCycle(t.Context())
	assert.Len(t, env.client.searchedKeys(), 5, "second cycle in the same hour admits nothing")

	// Next hour: the three unsearched candidates go through, the five
	// ledgered ones are skipped
	env.svc.now = func() time.Time { return time.Now().Add(time.Hour + time.Minute) }
	r.runCycle(t.Context())

	searched = env.client.searchedKeys()
	require.Len(t, searched, 8)
	assert.Equal(t, []string{"m6", "m7", "m8"}, searched[5:],
		"only previously unsearched candidates are attempted after rollover")
}

func TestHuntMissingPassBeforeCutoffPass(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.missing = items("missing1", "missing2")
	env.client.cutoff = items("cutoff1")

	r := newRunner(env.svc, env.instance)
	r.runCycle(t.Context())

	assert.Equal(t, []string{"missing1", "missing2", "cutoff1"}, env.client.searchedKeys())
}

func TestHuntBudgetExhaustionHaltsRemainingPasses(t *testing.T) {
	env := newTestEnv(t, func(i *models.Instance) { i.HourlyLimit = 1 })
	env.client.missing = items("m1", "m2")
	env.client.cutoff = items("c1")

	r := newRunner(env.svc, env.instance)
	r.runCycle(t.Context())

	assert.Equal(t, []string{"m1"}, env.client.searchedKeys(),
		"budget exhausted mid-batch halts the run without touching later passes")

	// Skipped candidates were never ledgered, so they stay eligible
	eligible, err := env.ledger.IsEligible(t.Context(), env.instance.ID, "m2", time.Now())
	require.NoError(t, err)
	assert.True(t, eligible)

	status := r.status()
	assert.Empty(t, status.LastError, "budget exhaustion is not an error")
}

func TestHuntFetchFailureAbortsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.fetchErr = errors.New("connection refused")

	r := newRunner(env.svc, env.instance)
	r.runCycle(t.Context())

	assert.Empty(t, env.client.searchedKeys())

	status := r.status()
	assert.False(t, status.CycleLocked, "lock is released after an aborted run")
	assert.Contains(t, status.LastError, "connection refused")
	require.NotNil(t, status.NextCycleAt, "aborted run still schedules the next cycle")
}

func TestHuntSearchFailureSkipsCandidateOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.missing = items("m1", "m2")
	env.client.searchErr = errors.New("indexer timeout")

	r := newRunner(env.svc, env.instance)
	r.runCycle(t.Context())

	assert.Empty(t, env.client.searchedKeys())

	// Failed searches never ledger; both stay eligible for the next cycle
	for _, key := range []string{"m1", "m2"} {
		eligible, err := env.ledger.IsEligible(t.Context(), env.instance.ID, key, time.Now())
		require.NoError(t, err)
		assert.True(t, eligible, "%s must stay eligible after a failed search", key)
	}

	env.client.searchErr = nil
	r.runCycle(t.Context())
	assert.Equal(t, []string{"m1", "m2"}, env.client.searchedKeys(),
		"candidates retry on the next cycle")
}

func TestHuntLedgerErrorFailsClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.missing = items("m1")

	// Break the ledger table so eligibility cannot be determined
	_, err := env.db.Conn().ExecContext(t.Context(), `DROP TABLE search_ledger`)
	require.NoError(t, err)

	r := newRunner(env.svc, env.instance)
	r.runCycle(t.Context())

	assert.Empty(t, env.client.searchedKeys(),
		"no search is issued when eligibility cannot be determined")
	assert.Contains(t, r.status().LastError, "ledger unavailable")
}

func TestHuntSingleFlight(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.missing = items("m1")
	env.client.searchGate = make(chan struct{})
	env.client.searchBegan = make(chan struct{})

	r := newRunner(env.svc, env.instance)

	done := make(chan struct{})
	go func() {
		r.runCycle(t.Context())
		close(done)
	}()

	<-env.client.searchBegan
	assert.True(t, r.status().CycleLocked)

	// A second entry fails fast instead of queueing
	r.runCycle(t.Context())
	assert.Len(t, env.client.searchedKeys(), 0, "second runCycle must not run concurrently")

	close(env.client.searchGate)
	<-done

	assert.False(t, r.status().CycleLocked)
	assert.Equal(t, []string{"m1"}, env.client.searchedKeys())
}

func TestHuntDeferredReset(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.missing = items("m1")
	env.client.searchGate = make(chan struct{})
	env.client.searchBegan = make(chan struct{})

	r := newRunner(env.svc, env.instance)

	done := make(chan struct{})
	go func() {
		r.runCycle(t.Context())
		close(done)
	}()

	<-env.client.searchBegan

	// Reset while Running: flag is observed true, the cycle is not aborted
	r.requestReset()
	status := r.status()
	assert.True(t, status.PendingReset)
	assert.True(t, status.CycleLocked, "reset never aborts an in-flight cycle")

	close(env.client.searchGate)
	<-done

	// The flag survives to the cycle's natural exit for the loop to consume
	assert.True(t, r.status().PendingReset)
	assert.Equal(t, []string{"m1"}, env.client.searchedKeys(), "in-flight batch completed")

	// The immediate re-entry consumes the flag
	r.runCycle(t.Context())
	assert.False(t, r.status().PendingReset)
}

func TestHuntResetWakesSleepingRunner(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.missing = items("m1")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	r := newRunner(env.svc, env.instance)
	future := time.Now().Add(time.Hour)
	r.nextCycleAt = &future

	looped := make(chan struct{})
	go func() {
		r.loop(ctx)
		close(looped)
	}()

	// The runner is asleep until next hour; a reset wakes it immediately
	require.Eventually(t, func() bool {
		r.requestReset()
		return len(env.client.searchedKeys()) > 0
	}, 5*time.Second, 10*time.Millisecond, "reset should wake the sleeping runner")

	r.halt()
	<-looped
}

func TestServiceStatusAndUsage(t *testing.T) {
	env := newTestEnv(t, func(i *models.Instance) { i.HourlyLimit = 7 })
	env.client.missing = items("m1", "m2")

	r := newRunner(env.svc, env.instance)
	env.svc.runners[env.instance.ID] = r
	r.runCycle(t.Context())

	usage, err := env.svc.Usage(t.Context(), env.instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, usage.Used)
	assert.Equal(t, 7, usage.Limit)

	status, err := env.svc.Status(t.Context(), env.instance.ID)
	require.NoError(t, err)
	assert.False(t, status.CycleLocked)
	require.NotNil(t, status.NextCycleAt)

	summary, err := env.svc.LedgerSummary(t.Context(), env.instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count)
}

func TestServiceResetLedgerClearsSchedule(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.missing = items("m1")

	r := newRunner(env.svc, env.instance)
	env.svc.runners[env.instance.ID] = r
	r.runCycle(t.Context())

	require.NotNil(t, r.status().NextCycleAt)

	cleared, err := env.svc.ResetLedger(t.Context(), env.instance.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	status := r.status()
	assert.Nil(t, status.NextCycleAt, "ledger reset clears the persisted schedule")
	assert.False(t, status.PendingReset)

	eligible, err := env.ledger.IsEligible(t.Context(), env.instance.ID, "m1", time.Now())
	require.NoError(t, err)
	assert.True(t, eligible)
}

func TestHuntUnavailableInstanceSkipsRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.err = fmt.Errorf("instance 1 is in backoff period, will retry later")

	r := newRunner(env.svc, env.instance)
	r.runCycle(t.Context())

	status := r.status()
	assert.Contains(t, status.LastError, "instance unavailable")
	require.NotNil(t, status.NextCycleAt, "skipped run is retried at the normal interval")
}
