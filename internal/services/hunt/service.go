// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hunt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/questarr/questarr/internal/arr"
	"github.com/questarr/questarr/internal/metrics"
	"github.com/questarr/questarr/internal/models"
)

// ClientProvider hands out wire clients per instance. Satisfied by
// arr.ClientPool; tests inject fakes.
type ClientProvider interface {
	GetClient(ctx context.Context, instanceID int) (arr.LibraryClient, error)
	TrackFailure(instanceID int)
	ResetFailureTracking(instanceID int)
	RemoveClient(instanceID int)
}

// IndexerSelector supplies the search hint and receives attempt outcomes.
type IndexerSelector interface {
	FirstChoice(ctx context.Context) int
	RecordAttempt(ctx context.Context, indexerID int, success, grabbed bool, latency time.Duration) error
}

// Status is the per-instance cycle status surface.
type Status struct {
	NextCycleAt   *time.Time `json:"nextCycleTimestamp"`
	CycleLocked   bool       `json:"cycleLocked"`
	PendingReset  bool       `json:"pendingReset"`
	CycleActivity *string    `json:"cycleActivity"`
	LastError     string     `json:"lastError,omitempty"`
}

// Usage is the current-hour budget surface.
type Usage struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// Service drives one independent hunt cycle goroutine per enabled instance.
type Service struct {
	instanceStore *models.InstanceStore
	usageStore    *models.SearchUsageStore
	ledgerStore   *models.SearchLedgerStore
	cycleStore    *models.CycleStateStore
	clients       ClientProvider
	selector      IndexerSelector
	metrics       *metrics.MetricsManager
	log           zerolog.Logger

	mu      sync.Mutex
	runners map[int]*runner
	ctx     context.Context
	cancel  context.CancelFunc

	now func() time.Time
}

type Option func(*Service)

// WithSelector wires the indexer health selector into searches.
func WithSelector(selector IndexerSelector) Option {
	return func(s *Service) { s.selector = selector }
}

// WithMetrics wires the Prometheus collectors.
func WithMetrics(m *metrics.MetricsManager) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(
	instanceStore *models.InstanceStore,
	usageStore *models.SearchUsageStore,
	ledgerStore *models.SearchLedgerStore,
	cycleStore *models.CycleStateStore,
	clients ClientProvider,
	opts ...Option,
) *Service {
	s := &Service{
		instanceStore: instanceStore,
		usageStore:    usageStore,
		ledgerStore:   ledgerStore,
		cycleStore:    cycleStore,
		clients:       clients,
		log:           log.Logger.With().Str("module", "hunt").Logger(),
		runners:       make(map[int]*runner),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches runners for every enabled instance and keeps them until
// Stop or context cancellation.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.SyncInstances(ctx); err != nil {
		return err
	}

	s.log.Info().Msg("Hunt service started")
	return nil
}

// Stop halts all runners. In-flight cycles finish their current candidate
// list only if the parent context is still alive; on process shutdown the
// context cancels them.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	runners := make([]*runner, 0, len(s.runners))
	for id, r := range s.runners {
		runners = append(runners, r)
		delete(s.runners, id)
	}
	s.mu.Unlock()

	for _, r := range runners {
		r.halt()
	}

	s.log.Info().Msg("Hunt service stopped")
}

// SyncInstances reconciles runners with the registry: new enabled instances
// get a runner, updated ones get fresh settings, disabled or deleted ones
// are stopped. Called at startup and after every registry mutation.
func (s *Service) SyncInstances(ctx context.Context) error {
	instances, err := s.instanceStore.ListEnabled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.ctx.Err() != nil {
		return nil
	}

	seen := make(map[int]bool, len(instances))
	for _, instance := range instances {
		seen[instance.ID] = true

		if r, exists := s.runners[instance.ID]; exists {
			r.updateInstance(instance)
			continue
		}

		r := newRunner(s, instance)
		s.runners[instance.ID] = r
		go r.loop(s.ctx)
		s.log.Info().Int("instanceID", instance.ID).Str("instanceName", instance.Name).
			Msg("Started hunt cycle runner")
	}

	for id, r := range s.runners {
		if seen[id] {
			continue
		}
		r.halt()
		delete(s.runners, id)
		s.clients.RemoveClient(id)
		s.log.Info().Int("instanceID", id).Msg("Stopped hunt cycle runner")
	}

	if s.metrics != nil {
		s.metrics.InstancesConfigured.Set(float64(len(instances)))
	}

	return nil
}

func (s *Service) runner(instanceID int) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[instanceID]
}

// RequestReset marks the instance's cycle for reset. A sleeping runner wakes
// immediately; a running one finishes its cycle first and re-enters without
// sleeping.
func (s *Service) RequestReset(ctx context.Context, instanceID int) error {
	r := s.runner(instanceID)
	if r == nil {
		// No live runner (disabled instance): persist so the next start
		// of the runner observes it.
		state, err := s.cycleStore.Get(ctx, instanceID)
		if err != nil {
			return err
		}
		state.PendingReset = true
		return s.cycleStore.Save(ctx, state)
	}

	r.requestReset()

	state, err := s.cycleStore.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	state.PendingReset = true
	return s.cycleStore.Save(ctx, state)
}

// ResetLedger clears the instance's dedup ledger and its persisted schedule
// so the status surface reflects the fresh window. Independent of cycle
// reset; does not interrupt a running cycle.
func (s *Service) ResetLedger(ctx context.Context, instanceID int) (int64, error) {
	cleared, err := s.ledgerStore.Reset(ctx, instanceID)
	if err != nil {
		return 0, err
	}

	if err := s.cycleStore.Clear(ctx, instanceID); err != nil {
		return cleared, err
	}

	if r := s.runner(instanceID); r != nil {
		r.clearSchedule()
	}

	s.log.Info().Int("instanceID", instanceID).Int64("cleared", cleared).
		Msg("Ledger reset")
	return cleared, nil
}

// Status reports the instance's cycle status, from the live runner when one
// exists, else from the persisted state.
func (s *Service) Status(ctx context.Context, instanceID int) (*Status, error) {
	if r := s.runner(instanceID); r != nil {
		return r.status(), nil
	}

	state, err := s.cycleStore.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	return &Status{
		NextCycleAt:  state.NextCycleAt,
		PendingReset: state.PendingReset,
		LastError:    state.LastError,
	}, nil
}

// Usage reports the instance's current hour budget consumption.
func (s *Service) Usage(ctx context.Context, instanceID int) (*Usage, error) {
	instance, err := s.instanceStore.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	used, err := s.usageStore.Used(ctx, instanceID, s.now())
	if err != nil {
		return nil, err
	}

	return &Usage{Used: used, Limit: instance.HourlyLimit}, nil
}

// LedgerSummary reports the instance's live dedup entries.
func (s *Service) LedgerSummary(ctx context.Context, instanceID int) (*models.LedgerSummary, error) {
	instance, err := s.instanceStore.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	return s.ledgerStore.Summary(ctx, instanceID, instance.DedupExpirationHours, s.now())
}
