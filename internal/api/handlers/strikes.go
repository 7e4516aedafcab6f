// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/questarr/questarr/internal/models"
)

type StrikesHandler struct {
	strikeStore *models.StrikeStore
}

func NewStrikesHandler(strikeStore *models.StrikeStore) *StrikesHandler {
	return &StrikesHandler{strikeStore: strikeStore}
}

// ListStrikes returns the instance's strike records, most recent first
func (h *StrikesHandler) ListStrikes(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := parseInstanceID(w, r)
	if !ok {
		return
	}

	records, err := h.strikeStore.ListByInstance(r.Context(), instanceID)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("Failed to list strike records")
		RespondError(w, http.StatusInternalServerError, "Failed to list strike records")
		return
	}

	if records == nil {
		records = []*models.StrikeRecord{}
	}

	RespondJSON(w, http.StatusOK, records)
}
