// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/questarr/questarr/internal/models"
)

const (
	// windowSize bounds the number of recent attempts considered per indexer.
	windowSize = 50
	// windowAge drops attempts older than this from the failure rate.
	windowAge = 30 * time.Minute
	// deprioritizeThreshold is the recent failure rate above which an
	// indexer ranks behind every healthy one.
	deprioritizeThreshold = 0.5
)

// attempt is one observed query outcome.
type attempt struct {
	at      time.Time
	success bool
}

// Selector ranks enabled indexers by configured priority and short-window
// observed reliability. Lifetime counters live in the store; the rolling
// window is in-memory and rebuilt empty on restart.
type Selector struct {
	store *models.IndexerStore
	log   zerolog.Logger

	mu      sync.Mutex
	windows map[int][]attempt

	now func() time.Time
}

func NewSelector(store *models.IndexerStore) *Selector {
	return &Selector{
		store:   store,
		log:     log.Logger.With().Str("module", "indexers").Logger(),
		windows: make(map[int][]attempt),
		now:     time.Now,
	}
}

// RecordAttempt folds a query outcome into both the persisted lifetime
// counters and the in-memory window.
func (s *Selector) RecordAttempt(ctx context.Context, indexerID int, success, grabbed bool, latency time.Duration) error {
	s.mu.Lock()
	window := append(s.windows[indexerID], attempt{at: s.now(), success: success})
	if len(window) > windowSize {
		window = window[len(window)-windowSize:]
	}
	s.windows[indexerID] = window
	s.mu.Unlock()

	if err := s.store.RecordAttempt(ctx, indexerID, success, grabbed, latency); err != nil {
		s.log.Error().Err(err).Int("indexerID", indexerID).Msg("Failed to persist indexer attempt")
		return err
	}

	return nil
}

// RecentFailureRate returns the failure fraction over the rolling window.
// An indexer with no recent attempts reads as fully healthy.
func (s *Selector) RecentFailureRate(indexerID int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentFailureRateLocked(indexerID)
}

func (s *Selector) recentFailureRateLocked(indexerID int) float64 {
	window := s.windows[indexerID]
	cutoff := s.now().Add(-windowAge)

	var total, failures int
	for _, a := range window {
		if a.at.Before(cutoff) {
			continue
		}
		total++
		if !a.success {
			failures++
		}
	}

	if total == 0 {
		return 0
	}
	return float64(failures) / float64(total)
}

// RankedIndexer pairs an indexer with its current recent failure rate.
type RankedIndexer struct {
	*models.Indexer
	RecentFailureRate float64 `json:"recentFailureRate"`
	Deprioritized     bool    `json:"deprioritized"`
}

// Rank returns enabled indexers ordered best-first: healthy ones before
// deprioritized ones, then by configured priority, then by recent failure
// rate. Unhealthy indexers are moved back, never removed; disabling an
// indexer is a configuration action.
func (s *Selector) Rank(ctx context.Context) ([]RankedIndexer, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ranked := make([]RankedIndexer, 0, len(all))
	for _, indexer := range all {
		if !indexer.Enabled {
			continue
		}
		rate := s.recentFailureRateLocked(indexer.ID)
		ranked = append(ranked, RankedIndexer{
			Indexer:           indexer,
			RecentFailureRate: rate,
			Deprioritized:     rate > deprioritizeThreshold,
		})
	}
	s.mu.Unlock()

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Deprioritized != ranked[j].Deprioritized {
			return !ranked[i].Deprioritized
		}
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority < ranked[j].Priority
		}
		return ranked[i].RecentFailureRate < ranked[j].RecentFailureRate
	})

	return ranked, nil
}

// FirstChoice returns the best indexer's ID as a search hint, zero when no
// indexer is configured.
func (s *Selector) FirstChoice(ctx context.Context) int {
	ranked, err := s.Rank(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to rank indexers")
		return 0
	}
	if len(ranked) == 0 {
		return 0
	}
	return ranked[0].ID
}

// Stats is the aggregate observability surface.
type Stats struct {
	Indexers       []IndexerStats `json:"indexers"`
	TotalQueries   int64          `json:"totalQueries"`
	TotalGrabs     int64          `json:"totalGrabs"`
	TotalFailures  int64          `json:"totalFailures"`
	OverallFailure float64        `json:"overallFailureRate"`
}

// IndexerStats is the per-indexer observability surface.
type IndexerStats struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	Priority          int     `json:"priority"`
	Enabled           bool    `json:"enabled"`
	Queries           int64   `json:"queries"`
	Grabs             int64   `json:"grabs"`
	Failures          int64   `json:"failures"`
	FailureRate       float64 `json:"failureRate"`
	RecentFailureRate float64 `json:"recentFailureRate"`
	AverageLatencyMS  float64 `json:"averageLatencyMs"`
}

// Stats aggregates lifetime counters and current window rates.
func (s *Selector) Stats(ctx context.Context) (*Stats, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Indexers: make([]IndexerStats, 0, len(all))}
	for _, indexer := range all {
		stats.Indexers = append(stats.Indexers, IndexerStats{
			ID:                indexer.ID,
			Name:              indexer.Name,
			Priority:          indexer.Priority,
			Enabled:           indexer.Enabled,
			Queries:           indexer.Queries,
			Grabs:             indexer.Grabs,
			Failures:          indexer.Failures,
			FailureRate:       indexer.FailureRate(),
			RecentFailureRate: s.RecentFailureRate(indexer.ID),
			AverageLatencyMS:  indexer.AverageLatencyMS(),
		})
		stats.TotalQueries += indexer.Queries
		stats.TotalGrabs += indexer.Grabs
		stats.TotalFailures += indexer.Failures
	}

	if stats.TotalQueries > 0 {
		stats.OverallFailure = float64(stats.TotalFailures) / float64(stats.TotalQueries)
	}

	return stats, nil
}
