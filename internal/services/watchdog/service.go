// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/questarr/questarr/internal/arr"
	"github.com/questarr/questarr/internal/metrics"
	"github.com/questarr/questarr/internal/models"
)

const (
	// DefaultInterval is how often the queue scan runs when the config
	// does not override it.
	DefaultInterval = 5 * time.Minute

	// maxConcurrentScans bounds the per-tick errgroup so a large registry
	// does not open every connection at once.
	maxConcurrentScans = 4

	// staleAfter is how long an unobserved non-terminal strike record is
	// kept before housekeeping drops it.
	staleAfter = 24 * time.Hour
)

// ClientProvider hands out API clients per instance.
type ClientProvider interface {
	GetClient(ctx context.Context, instanceID int) (arr.LibraryClient, error)
	TrackFailure(instanceID int)
	ResetFailureTracking(instanceID int)
}

// Service polls each monitored instance's download queue on its own timer,
// strikes entries that stopped making progress, and removes entries that
// accumulate enough strikes. It runs fully independent of the hunt cycles.
type Service struct {
	instanceStore *models.InstanceStore
	strikeStore   *models.StrikeStore
	clients       ClientProvider
	metrics       *metrics.MetricsManager
	log           zerolog.Logger

	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc

	now func() time.Time
}

type Option func(*Service)

// WithInterval overrides the scan interval.
func WithInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithMetrics wires the Prometheus collectors.
func WithMetrics(m *metrics.MetricsManager) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(
	instanceStore *models.InstanceStore,
	strikeStore *models.StrikeStore,
	clients ClientProvider,
	opts ...Option,
) *Service {
	s := &Service{
		instanceStore: instanceStore,
		strikeStore:   strikeStore,
		clients:       clients,
		log:           log.Logger.With().Str("module", "watchdog").Logger(),
		interval:      DefaultInterval,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the scan loop. The first scan runs after one interval so
// startup is not dominated by queue polls.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)

	s.log.Info().Dur("interval", s.interval).Msg("Watchdog started")
}

func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.log.Info().Msg("Watchdog stopped")
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				s.log.Error().Err(err).Msg("Queue scan failed")
			}
		}
	}
}

// Scan inspects every monitored instance's queue once. Instances are scanned
// in parallel with bounded concurrency; one instance failing does not stop
// the others.
func (s *Service) Scan(ctx context.Context) error {
	instances, err := s.instanceStore.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentScans)

	for _, instance := range instances {
		if !instance.Monitored {
			continue
		}
		g.Go(func() error {
			if err := s.scanInstance(gctx, instance); err != nil {
				s.log.Error().Err(err).Int("instanceID", instance.ID).
					Str("instanceName", instance.Name).Msg("Instance queue scan failed")
			}
			// Per-instance errors are logged, not propagated, so one
			// unreachable instance never cancels the others' scans.
			return nil
		})
	}

	return g.Wait()
}

func (s *Service) scanInstance(ctx context.Context, instance *models.Instance) error {
	client, err := s.clients.GetClient(ctx, instance.ID)
	if err != nil {
		return fmt.Errorf("instance unavailable: %w", err)
	}

	queue, err := client.ListQueue(ctx)
	if err != nil {
		s.clients.TrackFailure(instance.ID)
		return fmt.Errorf("failed to fetch queue: %w", err)
	}
	s.clients.ResetFailureTracking(instance.ID)

	now := s.now()
	inQueue := make(map[string]bool, len(queue))

	for _, entry := range queue {
		inQueue[entry.ID] = true
		if err := s.observeEntry(ctx, instance, client, entry, now); err != nil {
			s.log.Error().Err(err).Int("instanceID", instance.ID).
				Str("title", entry.Title).Msg("Failed to process queue entry")
		}
	}

	if err := s.settlePending(ctx, instance, inQueue, now); err != nil {
		return err
	}

	if _, err := s.strikeStore.DeleteStale(ctx, instance.ID, now.Add(-staleAfter)); err != nil {
		s.log.Error().Err(err).Int("instanceID", instance.ID).
			Msg("Failed to prune stale strike records")
	}

	return nil
}

// observeEntry applies the stall policy to one queue entry and advances its
// strike record.
func (s *Service) observeEntry(ctx context.Context, instance *models.Instance, client arr.LibraryClient, entry arr.QueueEntry, now time.Time) error {
	record, err := s.strikeStore.Get(ctx, instance.ID, entry.ID)
	if err != nil {
		return err
	}

	if record == nil {
		record = &models.StrikeRecord{
			InstanceID:      instance.ID,
			QueueEntryID:    entry.ID,
			Title:           entry.Title,
			Status:          models.StrikeNormal,
			FirstSeen:       now,
			LastSeen:        now,
			DownloadedBytes: entry.DownloadedBytes(),
		}
		return s.strikeStore.Upsert(ctx, record)
	}

	switch record.Status {
	case models.StrikeIgnored:
		// Operator opted this entry out of the policy.
		return nil
	case models.StrikeRemoved, models.StrikeDryRun:
		// A removed entry reappearing in the queue starts over.
		record.Status = models.StrikeNormal
		record.StrikeCount = 0
		record.DownloadedBytes = entry.DownloadedBytes()
		record.LastSeen = now
		return s.strikeStore.Upsert(ctx, record)
	case models.StrikePendingRemoval:
		// Removal failed on a previous tick; retry it now.
		return s.remove(ctx, instance, client, record, now)
	}

	progressed := entry.DownloadedBytes() > record.DownloadedBytes

	switch {
	case progressed:
		// Any progress wipes the slate clean.
		record.StrikeCount = 0
		record.Status = models.StrikeNormal
		record.DownloadedBytes = entry.DownloadedBytes()
		record.LastSeen = now

	case s.isStalled(instance, entry, record, now):
		record.StrikeCount++
		record.LastSeen = now
		record.Status = models.StrikeStriking
		if record.StrikeCount >= instance.StrikeThreshold {
			record.Status = models.StrikePendingRemoval
		}

		if s.metrics != nil {
			s.metrics.StrikesRecorded.WithLabelValues(instance.Name).Inc()
		}
		s.log.Debug().Int("instanceID", instance.ID).Str("title", entry.Title).
			Int("strikes", record.StrikeCount).Int("threshold", instance.StrikeThreshold).
			Msg("Queue entry struck")

		if record.Status == models.StrikePendingRemoval {
			return s.remove(ctx, instance, client, record, now)
		}

	default:
		// No progress yet, but not stalled long enough to strike.
		// LastSeen stays put: it anchors the no-progress clock.
		return nil
	}

	return s.strikeStore.Upsert(ctx, record)
}

// isStalled is the per-instance stall policy: the instance reports the entry
// as stalled, or no byte progress for the stall threshold, or the entry is
// older than the maximum queue age.
func (s *Service) isStalled(instance *models.Instance, entry arr.QueueEntry, record *models.StrikeRecord, now time.Time) bool {
	switch entry.Status {
	case "stalled", "warning":
		return true
	}

	threshold := time.Duration(instance.StallThresholdMinutes) * time.Minute
	if now.Sub(record.LastSeen) >= threshold {
		return true
	}

	if instance.MaxQueueAgeMinutes > 0 && !entry.Added.IsZero() {
		maxAge := time.Duration(instance.MaxQueueAgeMinutes) * time.Minute
		if now.Sub(entry.Added) >= maxAge {
			return true
		}
	}

	return false
}

// remove evicts one queue entry that crossed the strike threshold. In dry-run
// mode the decision is recorded but the removal call is never made. A failed
// removal leaves the record pending so the next tick retries it.
func (s *Service) remove(ctx context.Context, instance *models.Instance, client arr.LibraryClient, record *models.StrikeRecord, now time.Time) error {
	record.LastSeen = now

	if instance.WatchdogDryRun {
		record.Status = models.StrikeDryRun
		s.log.Info().Int("instanceID", instance.ID).Str("title", record.Title).
			Int("strikes", record.StrikeCount).Msg("Dry run: queue entry would be removed")
		return s.strikeStore.Upsert(ctx, record)
	}

	if err := client.RemoveQueueEntry(ctx, record.QueueEntryID, true); err != nil {
		record.Status = models.StrikePendingRemoval
		s.log.Error().Err(err).Int("instanceID", instance.ID).
			Str("title", record.Title).Msg("Failed to remove queue entry, will retry")
		if upsertErr := s.strikeStore.Upsert(ctx, record); upsertErr != nil {
			return upsertErr
		}
		return err
	}

	record.Status = models.StrikeRemoved
	if s.metrics != nil {
		s.metrics.QueueRemovals.WithLabelValues(instance.Name).Inc()
	}
	s.log.Info().Int("instanceID", instance.ID).Str("title", record.Title).
		Int("strikes", record.StrikeCount).Msg("Removed stalled queue entry")

	return s.strikeStore.Upsert(ctx, record)
}

// settlePending closes out pending removals whose entries are no longer in
// the queue, either because the removal eventually landed or the download
// finished on its own.
func (s *Service) settlePending(ctx context.Context, instance *models.Instance, inQueue map[string]bool, now time.Time) error {
	pending, err := s.strikeStore.ListPending(ctx, instance.ID)
	if err != nil {
		return fmt.Errorf("failed to list pending removals: %w", err)
	}

	for _, record := range pending {
		if inQueue[record.QueueEntryID] {
			continue
		}
		record.Status = models.StrikeRemoved
		record.LastSeen = now
		if err := s.strikeStore.Upsert(ctx, record); err != nil {
			return err
		}
	}

	return nil
}
