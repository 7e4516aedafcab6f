// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/questarr/questarr/internal/models"
	"github.com/questarr/questarr/internal/services/indexers"
)

type IndexersHandler struct {
	indexerStore *models.IndexerStore
	selector     *indexers.Selector
}

func NewIndexersHandler(indexerStore *models.IndexerStore, selector *indexers.Selector) *IndexersHandler {
	return &IndexersHandler{
		indexerStore: indexerStore,
		selector:     selector,
	}
}

// IndexerRequest represents a request to create or update an indexer
type IndexerRequest struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

// ListIndexers returns all indexers ranked by health and priority when the
// selector is available, else in configured priority order
func (h *IndexersHandler) ListIndexers(w http.ResponseWriter, r *http.Request) {
	if h.selector != nil {
		ranked, err := h.selector.Rank(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to rank indexers")
			RespondError(w, http.StatusInternalServerError, "Failed to list indexers")
			return
		}
		if ranked == nil {
			ranked = []indexers.RankedIndexer{}
		}
		RespondJSON(w, http.StatusOK, ranked)
		return
	}

	list, err := h.indexerStore.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list indexers")
		RespondError(w, http.StatusInternalServerError, "Failed to list indexers")
		return
	}
	if list == nil {
		list = []*models.Indexer{}
	}
	RespondJSON(w, http.StatusOK, list)
}

// CreateIndexer registers a new indexer
func (h *IndexersHandler) CreateIndexer(w http.ResponseWriter, r *http.Request) {
	var req IndexerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		RespondError(w, http.StatusBadRequest, "Name is required")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	indexer, err := h.indexerStore.Create(r.Context(), req.Name, req.Priority, enabled)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateIndexerName) {
			RespondError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to create indexer")
		RespondError(w, http.StatusInternalServerError, "Failed to create indexer")
		return
	}

	RespondJSON(w, http.StatusCreated, indexer)
}

// UpdateIndexer updates an indexer's name, priority or enabled flag
func (h *IndexersHandler) UpdateIndexer(w http.ResponseWriter, r *http.Request) {
	indexerID, ok := parseIndexerID(w, r)
	if !ok {
		return
	}

	var req IndexerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		RespondError(w, http.StatusBadRequest, "Name is required")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	indexer, err := h.indexerStore.Update(r.Context(), indexerID, req.Name, req.Priority, enabled)
	if err != nil {
		if errors.Is(err, models.ErrIndexerNotFound) {
			RespondError(w, http.StatusNotFound, "Indexer not found")
			return
		}
		if errors.Is(err, models.ErrDuplicateIndexerName) {
			RespondError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Int("indexerID", indexerID).Msg("Failed to update indexer")
		RespondError(w, http.StatusInternalServerError, "Failed to update indexer")
		return
	}

	RespondJSON(w, http.StatusOK, indexer)
}

// DeleteIndexer removes an indexer from rotation
func (h *IndexersHandler) DeleteIndexer(w http.ResponseWriter, r *http.Request) {
	indexerID, ok := parseIndexerID(w, r)
	if !ok {
		return
	}

	if err := h.indexerStore.Delete(r.Context(), indexerID); err != nil {
		if errors.Is(err, models.ErrIndexerNotFound) {
			RespondError(w, http.StatusNotFound, "Indexer not found")
			return
		}
		log.Error().Err(err).Int("indexerID", indexerID).Msg("Failed to delete indexer")
		RespondError(w, http.StatusInternalServerError, "Failed to delete indexer")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"message": "Indexer deleted"})
}

// GetStats returns aggregate and per-indexer health statistics
func (h *IndexersHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.selector == nil {
		RespondError(w, http.StatusServiceUnavailable, "Indexer statistics unavailable")
		return
	}

	stats, err := h.selector.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect indexer statistics")
		RespondError(w, http.StatusInternalServerError, "Failed to collect indexer statistics")
		return
	}

	RespondJSON(w, http.StatusOK, stats)
}

func parseIndexerID(w http.ResponseWriter, r *http.Request) (int, bool) {
	indexerID, err := strconv.Atoi(chi.URLParam(r, "indexerID"))
	if err != nil || indexerID <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid indexer ID")
		return 0, false
	}
	return indexerID, true
}
