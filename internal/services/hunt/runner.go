// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hunt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/questarr/questarr/internal/arr"
	"github.com/questarr/questarr/internal/models"
)

// errBudgetExhausted ends the whole run when the hourly budget runs out
// mid-batch. It is a normal gate outcome, not a failure.
var errBudgetExhausted = errors.New("hourly search budget exhausted")

// runner drives the cycle state machine for one instance:
// Idle -> Running -> Sleeping, with pending reset short-circuiting the sleep.
type runner struct {
	svc *Service

	mu           sync.Mutex
	instance     *models.Instance
	running      bool
	pendingReset bool
	nextCycleAt  *time.Time
	activity     string
	lastError    string

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

func newRunner(svc *Service, instance *models.Instance) *runner {
	return &runner{
		svc:      svc,
		instance: instance,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (r *runner) halt() {
	r.once.Do(func() { close(r.stop) })
}

func (r *runner) updateInstance(instance *models.Instance) {
	r.mu.Lock()
	r.instance = instance
	r.mu.Unlock()
}

// requestReset marks the cycle for reset and wakes a sleeping runner. A
// running cycle observes the flag only at its natural exit.
func (r *runner) requestReset() {
	r.mu.Lock()
	r.pendingReset = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// clearSchedule wipes the in-memory schedule after a full ledger reset.
func (r *runner) clearSchedule() {
	r.mu.Lock()
	r.nextCycleAt = nil
	r.pendingReset = false
	r.mu.Unlock()
}

func (r *runner) status() *Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := &Status{
		NextCycleAt:  r.nextCycleAt,
		CycleLocked:  r.running,
		PendingReset: r.pendingReset,
		LastError:    r.lastError,
	}
	if r.activity != "" {
		activity := r.activity
		st.CycleActivity = &activity
	}
	return st
}

func (r *runner) setActivity(activity string) {
	r.mu.Lock()
	r.activity = activity
	r.mu.Unlock()
}

// loop is the per-instance scheduler goroutine. It restores the persisted
// schedule on start, then alternates run and interruptible sleep until
// stopped.
func (r *runner) loop(ctx context.Context) {
	r.restoreState(ctx)

	for {
		if !r.sleepUntilDue(ctx) {
			return
		}

		r.runCycle(ctx)

		r.mu.Lock()
		rerun := r.pendingReset
		r.mu.Unlock()
		if rerun {
			// Reset was requested mid-run; re-enter immediately
			// instead of sleeping.
			continue
		}
	}
}

func (r *runner) restoreState(ctx context.Context) {
	state, err := r.svc.cycleStore.Get(ctx, r.instanceID())
	if err != nil {
		r.svc.log.Error().Err(err).Int("instanceID", r.instanceID()).
			Msg("Failed to restore cycle state")
		return
	}

	r.mu.Lock()
	r.pendingReset = state.PendingReset
	if state.NextCycleAt != nil && state.NextCycleAt.After(r.svc.now()) {
		r.nextCycleAt = state.NextCycleAt
	}
	r.lastError = state.LastError
	r.mu.Unlock()
}

// sleepUntilDue blocks until the next cycle is due, a reset wakes it, or the
// runner is stopped. Returns false when the loop should exit.
func (r *runner) sleepUntilDue(ctx context.Context) bool {
	for {
		r.mu.Lock()
		pending := r.pendingReset
		next := r.nextCycleAt
		r.mu.Unlock()

		if pending || next == nil {
			return r.alive(ctx)
		}

		wait := time.Until(*next)
		if wait <= 0 {
			return r.alive(ctx)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			return r.alive(ctx)
		case <-r.wake:
			timer.Stop()
			// Re-check: a reset wake runs immediately
		case <-r.stop:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

func (r *runner) alive(ctx context.Context) bool {
	select {
	case <-r.stop:
		return false
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

func (r *runner) instanceID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instance.ID
}

// runCycle acquires the cycle lock, hunts, and schedules the next cycle.
// Acquisition fails fast; there is never a queued second run.
func (r *runner) runCycle(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	// The reset that (possibly) triggered this entry is now being served.
	r.pendingReset = false
	instance := r.instance
	r.mu.Unlock()

	if r.svc.metrics != nil {
		r.svc.metrics.CyclesRunning.Inc()
	}

	started := r.svc.now()
	err := r.hunt(ctx, instance)
	elapsed := r.svc.now().Sub(started)

	next := r.svc.now().Add(instance.CycleInterval())

	r.mu.Lock()
	r.running = false
	r.activity = ""
	r.nextCycleAt = &next
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
	pending := r.pendingReset
	lastError := r.lastError
	r.mu.Unlock()

	if r.svc.metrics != nil {
		r.svc.metrics.CyclesRunning.Dec()
		r.svc.metrics.CycleDuration.WithLabelValues(instance.Name).Observe(elapsed.Seconds())
		if err != nil {
			r.svc.metrics.CycleFailures.WithLabelValues(instance.Name).Inc()
		}
	}

	if err != nil {
		r.svc.log.Error().Err(err).Int("instanceID", instance.ID).
			Str("instanceName", instance.Name).Msg("Hunt cycle failed")
	}

	if saveErr := r.svc.cycleStore.Save(ctx, &models.CycleState{
		InstanceID:   instance.ID,
		NextCycleAt:  &next,
		PendingReset: pending,
		LastError:    lastError,
	}); saveErr != nil {
		r.svc.log.Error().Err(saveErr).Int("instanceID", instance.ID).
			Msg("Failed to persist cycle state")
	}
}

// hunt runs both candidate passes. A fetch failure aborts the run; the next
// cycle at the normal interval is the retry mechanism.
func (r *runner) hunt(ctx context.Context, instance *models.Instance) error {
	client, err := r.svc.clients.GetClient(ctx, instance.ID)
	if err != nil {
		return fmt.Errorf("instance unavailable: %w", err)
	}

	passes := []struct {
		name  string
		fetch func(context.Context, int) ([]arr.MediaItem, error)
	}{
		{"missing", client.ListMissing},
		{"cutoff unmet", client.ListCutoffUnmet},
	}

	for _, pass := range passes {
		items, err := pass.fetch(ctx, instance.SearchBatchSize)
		if err != nil {
			r.svc.clients.TrackFailure(instance.ID)
			return fmt.Errorf("failed to fetch %s candidates: %w", pass.name, err)
		}
		r.svc.clients.ResetFailureTracking(instance.ID)

		if err := r.runPass(ctx, instance, client, pass.name, items); err != nil {
			if errors.Is(err, errBudgetExhausted) {
				r.svc.log.Debug().Int("instanceID", instance.ID).
					Str("pass", pass.name).Msg("Hourly budget exhausted, ending run")
				return nil
			}
			return err
		}
	}

	return nil
}

// runPass walks candidates in reported order. The ledger check runs before
// the admission check, both immediately before each search, so a budget
// exhausted mid-batch never consumes ledger entries for skipped items.
func (r *runner) runPass(ctx context.Context, instance *models.Instance, client arr.LibraryClient, passName string, items []arr.MediaItem) error {
	for i, item := range items {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.setActivity(fmt.Sprintf("%s (%d/%d)", passName, i+1, len(items)))

		eligible, err := r.svc.ledgerStore.IsEligible(ctx, instance.ID, item.Key, r.svc.now())
		if err != nil {
			// Fail closed: never search when eligibility is unknown.
			return fmt.Errorf("ledger unavailable: %w", err)
		}
		if !eligible {
			if r.svc.metrics != nil {
				r.svc.metrics.LedgerSkips.WithLabelValues(instance.Name).Inc()
			}
			continue
		}

		admitted, err := r.svc.usageStore.TryAdmit(ctx, instance.ID, instance.HourlyLimit, r.svc.now())
		if err != nil {
			return fmt.Errorf("admission store unavailable: %w", err)
		}
		if !admitted {
			if r.svc.metrics != nil {
				r.svc.metrics.AdmissionsDenied.WithLabelValues(instance.Name).Inc()
			}
			return errBudgetExhausted
		}

		var indexerID int
		if r.svc.selector != nil {
			indexerID = r.svc.selector.FirstChoice(ctx)
		}

		searchStart := r.svc.now()
		searchErr := client.Search(ctx, item, indexerID)
		latency := r.svc.now().Sub(searchStart)

		if r.svc.selector != nil && indexerID != 0 {
			if recErr := r.svc.selector.RecordAttempt(ctx, indexerID, searchErr == nil, false, latency); recErr != nil {
				r.svc.log.Warn().Err(recErr).Int("indexerID", indexerID).
					Msg("Failed to record indexer attempt")
			}
			if r.svc.metrics != nil {
				indexerLabel := strconv.Itoa(indexerID)
				r.svc.metrics.IndexerQueries.WithLabelValues(indexerLabel).Inc()
				if searchErr != nil {
					r.svc.metrics.IndexerFailures.WithLabelValues(indexerLabel).Inc()
				}
			}
		}

		if searchErr != nil {
			// Transient upstream failure: skip this candidate, keep the pass going.
			r.svc.log.Warn().Err(searchErr).Int("instanceID", instance.ID).
				Str("item", item.Title).Msg("Search failed, continuing with next candidate")
			continue
		}

		if r.svc.metrics != nil {
			r.svc.metrics.SearchesIssued.WithLabelValues(instance.Name).Inc()
		}

		// Ledger the item as soon as the search is issued so it is not
		// re-attempted before its window expires, found or not.
		if err := r.svc.ledgerStore.Record(ctx, instance.ID, item.Key, instance.DedupExpiration(), r.svc.now()); err != nil {
			return fmt.Errorf("ledger unavailable: %w", err)
		}
	}

	return nil
}
