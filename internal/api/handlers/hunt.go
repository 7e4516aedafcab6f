// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/questarr/questarr/internal/models"
	"github.com/questarr/questarr/internal/services/hunt"
)

type HuntHandler struct {
	huntService *hunt.Service
}

func NewHuntHandler(huntService *hunt.Service) *HuntHandler {
	return &HuntHandler{huntService: huntService}
}

// GetStatus reports the instance's cycle status
func (h *HuntHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	status, err := h.huntService.Status(r.Context(), instanceID)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to get cycle status")
		RespondError(w, http.StatusInternalServerError, "Failed to get cycle status")
		return
	}

	RespondJSON(w, http.StatusOK, status)
}

// GetUsage reports the instance's current-hour search budget
func (h *HuntHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	usage, err := h.huntService.Usage(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to get search usage")
		RespondError(w, http.StatusInternalServerError, "Failed to get search usage")
		return
	}

	RespondJSON(w, http.StatusOK, usage)
}

// GetLedger reports the instance's live dedup entries
func (h *HuntHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	summary, err := h.huntService.LedgerSummary(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, models.ErrInstanceNotFound) {
			RespondError(w, http.StatusNotFound, "Instance not found")
			return
		}
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to get ledger summary")
		RespondError(w, http.StatusInternalServerError, "Failed to get ledger summary")
		return
	}

	RespondJSON(w, http.StatusOK, summary)
}

// ResetLedger clears the instance's dedup ledger so everything becomes
// eligible again
func (h *HuntHandler) ResetLedger(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	cleared, err := h.huntService.ResetLedger(r.Context(), instanceID)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to reset ledger")
		RespondError(w, http.StatusInternalServerError, "Failed to reset ledger")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]int64{"cleared": cleared})
}

// RequestReset asks the instance's cycle to restart. A sleeping cycle starts
// immediately; a running one finishes first
func (h *HuntHandler) RequestReset(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	if err := h.huntService.RequestReset(r.Context(), instanceID); err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to request cycle reset")
		RespondError(w, http.StatusInternalServerError, "Failed to request cycle reset")
		return
	}

	RespondJSON(w, http.StatusAccepted, map[string]string{"message": "Cycle reset requested"})
}
