// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/questarr/questarr/internal/models"
)

var (
	ErrPoolClosed       = errors.New("client pool is closed")
	ErrInstanceDisabled = errors.New("instance is disabled")
)

const (
	initialBackoff = 10 * time.Second
	maxBackoff     = 5 * time.Minute
)

// failureInfo tracks failure state and backoff for an instance
type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

// ClientPool caches one wire client per instance. Clients are cheap but the
// pool centralizes failure backoff so a dead instance is not re-dialed on
// every cycle tick.
type ClientPool struct {
	clients       map[int]LibraryClient
	instanceStore *models.InstanceStore

	mu             sync.RWMutex
	creationMu     sync.Mutex
	creationLocks  map[int]*sync.Mutex
	failureTracker map[int]*failureInfo
	closed         bool
}

func NewClientPool(instanceStore *models.InstanceStore) *ClientPool {
	return &ClientPool{
		clients:        make(map[int]LibraryClient),
		instanceStore:  instanceStore,
		creationLocks:  make(map[int]*sync.Mutex),
		failureTracker: make(map[int]*failureInfo),
	}
}

// getInstanceLock gets or creates a per-instance creation lock
func (cp *ClientPool) getInstanceLock(instanceID int) *sync.Mutex {
	cp.creationMu.Lock()
	defer cp.creationMu.Unlock()

	if lock, exists := cp.creationLocks[instanceID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	cp.creationLocks[instanceID] = lock
	return lock
}

// GetClient returns the cached client for an instance, creating it on first
// use. Honors the failure backoff window.
func (cp *ClientPool) GetClient(ctx context.Context, instanceID int) (LibraryClient, error) {
	cp.mu.RLock()
	if cp.closed {
		cp.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	client, exists := cp.clients[instanceID]
	cp.mu.RUnlock()

	if exists {
		return client, nil
	}

	return cp.createClient(ctx, instanceID)
}

func (cp *ClientPool) createClient(ctx context.Context, instanceID int) (LibraryClient, error) {
	instanceLock := cp.getInstanceLock(instanceID)
	instanceLock.Lock()
	defer instanceLock.Unlock()

	cp.mu.RLock()
	inBackoff := cp.isInBackoffLocked(instanceID)
	cp.mu.RUnlock()

	if inBackoff {
		return nil, fmt.Errorf("instance %d is in backoff period, will retry later", instanceID)
	}

	// Another caller may have created the client while we waited for the lock
	cp.mu.RLock()
	if client, exists := cp.clients[instanceID]; exists {
		cp.mu.RUnlock()
		return client, nil
	}
	cp.mu.RUnlock()

	instance, err := cp.instanceStore.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	if !instance.Enabled {
		return nil, ErrInstanceDisabled
	}

	apiKey, err := cp.instanceStore.GetDecryptedAPIKey(instance)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Str("instanceName", instance.Name).
			Msg("Failed to decrypt API key - likely due to sessionSecret change. Instance will be unavailable until the key is re-entered")
		return nil, errors.Wrap(err, "failed to decrypt API key")
	}

	client, err := NewClient(instance.AppType, instance.Host, apiKey, 0)
	if err != nil {
		cp.trackFailure(instanceID)
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	cp.mu.Lock()
	cp.clients[instanceID] = client
	cp.resetFailureTrackingLocked(instanceID)
	cp.mu.Unlock()

	return client, nil
}

// RemoveClient drops the cached client so the next use rebuilds it with fresh
// connection details. Called on instance update and delete.
func (cp *ClientPool) RemoveClient(instanceID int) {
	cp.mu.Lock()
	delete(cp.clients, instanceID)
	delete(cp.failureTracker, instanceID)
	cp.mu.Unlock()

	cp.creationMu.Lock()
	delete(cp.creationLocks, instanceID)
	cp.creationMu.Unlock()

	log.Debug().Int("instanceID", instanceID).Msg("Removed client from pool")
}

// TrackFailure records a failed call so subsequent creations back off.
func (cp *ClientPool) TrackFailure(instanceID int) {
	cp.trackFailure(instanceID)
}

func (cp *ClientPool) trackFailure(instanceID int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	info, exists := cp.failureTracker[instanceID]
	if !exists {
		info = &failureInfo{}
		cp.failureTracker[instanceID] = info
	}

	info.attempts++

	backoff := min(time.Duration(1<<(info.attempts-1))*initialBackoff, maxBackoff)
	info.nextRetry = time.Now().Add(backoff)

	log.Debug().Int("instanceID", instanceID).Int("attempts", info.attempts).
		Dur("backoffDuration", backoff).Msg("Connection failure, applying backoff")
}

// ResetFailureTracking clears backoff after a successful call or an explicit
// user action like a connection test.
func (cp *ClientPool) ResetFailureTracking(instanceID int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.resetFailureTrackingLocked(instanceID)
}

func (cp *ClientPool) resetFailureTrackingLocked(instanceID int) {
	if _, exists := cp.failureTracker[instanceID]; exists {
		delete(cp.failureTracker, instanceID)
		log.Debug().Int("instanceID", instanceID).Msg("Reset failure tracking after successful connection")
	}
}

func (cp *ClientPool) isInBackoffLocked(instanceID int) bool {
	info, exists := cp.failureTracker[instanceID]
	if !exists {
		return false
	}
	return time.Now().Before(info.nextRetry)
}

func (cp *ClientPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}

	cp.closed = true
	cp.clients = make(map[int]LibraryClient)
	cp.failureTracker = make(map[int]*failureInfo)

	log.Info().Msg("Client pool closed")
	return nil
}
