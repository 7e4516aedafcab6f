// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/questarr/questarr/internal/arr"
	"github.com/questarr/questarr/internal/domain"
	"github.com/questarr/questarr/internal/models"
)

// InstanceSyncer picks up registry changes without a restart.
type InstanceSyncer interface {
	SyncInstances(ctx context.Context) error
}

type InstancesHandler struct {
	instanceStore *models.InstanceStore
	clientPool    *arr.ClientPool
	syncer        InstanceSyncer
}

func NewInstancesHandler(instanceStore *models.InstanceStore, clientPool *arr.ClientPool, syncer InstanceSyncer) *InstancesHandler {
	return &InstancesHandler{
		instanceStore: instanceStore,
		clientPool:    clientPool,
		syncer:        syncer,
	}
}

// CreateInstanceRequest represents a request to register an instance
type CreateInstanceRequest struct {
	AppType   models.AppType `json:"appType"`
	Name      string         `json:"name"`
	Host      string         `json:"host"`
	APIKey    string         `json:"apiKey"`
	Enabled   *bool          `json:"enabled,omitempty"`
	Monitored *bool          `json:"monitored,omitempty"`

	HourlyLimit          int `json:"hourlyLimit,omitempty"`
	DedupExpirationHours int `json:"dedupExpirationHours,omitempty"`
	CycleIntervalMinutes int `json:"cycleIntervalMinutes,omitempty"`
	SearchBatchSize      int `json:"searchBatchSize,omitempty"`

	StallThresholdMinutes int  `json:"stallThresholdMinutes,omitempty"`
	MaxQueueAgeMinutes    int  `json:"maxQueueAgeMinutes,omitempty"`
	StrikeThreshold       int  `json:"strikeThreshold,omitempty"`
	WatchdogDryRun        bool `json:"watchdogDryRun,omitempty"`
}

// UpdateInstanceRequest represents a request to update an instance. The API
// key is optional; an empty or redacted value keeps the stored one.
type UpdateInstanceRequest struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	APIKey    string `json:"apiKey,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	Monitored *bool  `json:"monitored,omitempty"`

	HourlyLimit          *int `json:"hourlyLimit,omitempty"`
	DedupExpirationHours *int `json:"dedupExpirationHours,omitempty"`
	CycleIntervalMinutes *int `json:"cycleIntervalMinutes,omitempty"`
	SearchBatchSize      *int `json:"searchBatchSize,omitempty"`

	StallThresholdMinutes *int  `json:"stallThresholdMinutes,omitempty"`
	MaxQueueAgeMinutes    *int  `json:"maxQueueAgeMinutes,omitempty"`
	StrikeThreshold       *int  `json:"strikeThreshold,omitempty"`
	WatchdogDryRun        *bool `json:"watchdogDryRun,omitempty"`
}

// TestConnectionResponse represents connection test results
type TestConnectionResponse struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// ListInstances returns all registered instances
func (h *InstancesHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.instanceStore.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list instances")
		RespondError(w, http.StatusInternalServerError, "Failed to list instances")
		return
	}

	if instances == nil {
		instances = []*models.Instance{}
	}

	RespondJSON(w, http.StatusOK, instances)
}

// GetInstance returns one instance
func (h *InstancesHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	instance, err := h.instanceStore.Get(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to get instance")
		RespondError(w, http.StatusInternalServerError, "Failed to get instance")
		return
	}

	RespondJSON(w, http.StatusOK, instance)
}

// CreateInstance registers a new instance and starts its cycle runner
func (h *InstancesHandler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !req.AppType.Valid() {
		RespondError(w, http.StatusBadRequest, "appType must be sonarr, radarr or lidarr")
		return
	}
	if req.Name == "" || req.Host == "" || req.APIKey == "" {
		RespondError(w, http.StatusBadRequest, "Name, host and apiKey are required")
		return
	}

	instance := &models.Instance{
		AppType:               req.AppType,
		Name:                  req.Name,
		Host:                  req.Host,
		Enabled:               true,
		Monitored:             true,
		HourlyLimit:           req.HourlyLimit,
		DedupExpirationHours:  req.DedupExpirationHours,
		CycleIntervalMinutes:  req.CycleIntervalMinutes,
		SearchBatchSize:       req.SearchBatchSize,
		StallThresholdMinutes: req.StallThresholdMinutes,
		MaxQueueAgeMinutes:    req.MaxQueueAgeMinutes,
		StrikeThreshold:       req.StrikeThreshold,
		WatchdogDryRun:        req.WatchdogDryRun,
	}
	if req.Enabled != nil {
		instance.Enabled = *req.Enabled
	}
	if req.Monitored != nil {
		instance.Monitored = *req.Monitored
	}

	created, err := h.instanceStore.Create(r.Context(), instance, req.APIKey)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateName) {
			RespondError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to create instance")
		RespondError(w, http.StatusInternalServerError, "Failed to create instance")
		return
	}

	h.sync(r.Context())

	RespondJSON(w, http.StatusCreated, created)
}

// UpdateInstance updates an instance's settings; the running cycle picks the
// changes up without a restart
func (h *InstancesHandler) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	var req UpdateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	instance, err := h.instanceStore.Get(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to get instance")
		RespondError(w, http.StatusInternalServerError, "Failed to update instance")
		return
	}

	if req.Name != "" {
		instance.Name = req.Name
	}
	if req.Host != "" {
		instance.Host = req.Host
	}
	if req.Enabled != nil {
		instance.Enabled = *req.Enabled
	}
	if req.Monitored != nil {
		instance.Monitored = *req.Monitored
	}
	if req.HourlyLimit != nil {
		instance.HourlyLimit = *req.HourlyLimit
	}
	if req.DedupExpirationHours != nil {
		instance.DedupExpirationHours = *req.DedupExpirationHours
	}
	if req.CycleIntervalMinutes != nil {
		instance.CycleIntervalMinutes = *req.CycleIntervalMinutes
	}
	if req.SearchBatchSize != nil {
		instance.SearchBatchSize = *req.SearchBatchSize
	}
	if req.StallThresholdMinutes != nil {
		instance.StallThresholdMinutes = *req.StallThresholdMinutes
	}
	if req.MaxQueueAgeMinutes != nil {
		instance.MaxQueueAgeMinutes = *req.MaxQueueAgeMinutes
	}
	if req.StrikeThreshold != nil {
		instance.StrikeThreshold = *req.StrikeThreshold
	}
	if req.WatchdogDryRun != nil {
		instance.WatchdogDryRun = *req.WatchdogDryRun
	}

	apiKey := req.APIKey
	if domain.IsRedactedString(apiKey) {
		apiKey = ""
	}

	updated, err := h.instanceStore.Update(r.Context(), instance, apiKey)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateName) {
			RespondError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to update instance")
		RespondError(w, http.StatusInternalServerError, "Failed to update instance")
		return
	}

	// Drop any cached client so the next call uses the new host or key
	if h.clientPool != nil {
		h.clientPool.RemoveClient(instanceID)
	}
	h.sync(r.Context())

	RespondJSON(w, http.StatusOK, updated)
}

// DeleteInstance removes an instance and stops its cycle runner
func (h *InstancesHandler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	if err := h.instanceStore.Delete(r.Context(), instanceID); err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to delete instance")
		RespondError(w, http.StatusInternalServerError, "Failed to delete instance")
		return
	}

	if h.clientPool != nil {
		h.clientPool.RemoveClient(instanceID)
	}
	h.sync(r.Context())

	RespondJSON(w, http.StatusOK, map[string]string{"message": "Instance deleted"})
}

// TestConnection pings the instance's system status endpoint with the stored
// credentials
func (h *InstancesHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	instance, err := h.instanceStore.Get(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to get instance")
		RespondError(w, http.StatusInternalServerError, "Failed to test connection")
		return
	}

	apiKey, err := h.instanceStore.GetDecryptedAPIKey(instance)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to decrypt API key")
		RespondError(w, http.StatusInternalServerError, "Failed to decrypt API key")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := arr.TestConnection(ctx, instance.AppType, instance.Host, apiKey); err != nil {
		RespondJSON(w, http.StatusOK, TestConnectionResponse{Connected: false, Error: err.Error()})
		return
	}

	RespondJSON(w, http.StatusOK, TestConnectionResponse{Connected: true})
}

func (h *InstancesHandler) sync(ctx context.Context) {
	if h.syncer == nil {
		return
	}
	if err := h.syncer.SyncInstances(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to sync cycle runners after registry change")
	}
}

func parseInstanceID(w http.ResponseWriter, r *http.Request) (int, bool) {
	instanceID, err := strconv.Atoi(chi.URLParam(r, "instanceID"))
	if err != nil || instanceID <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid instance ID")
		return 0, false
	}
	return instanceID, true
}
