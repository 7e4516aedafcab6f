// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questarr/questarr/internal/arr"
	"github.com/questarr/questarr/internal/config"
	"github.com/questarr/questarr/internal/database"
	"github.com/questarr/questarr/internal/domain"
	"github.com/questarr/questarr/internal/models"
	"github.com/questarr/questarr/internal/services/hunt"
	"github.com/questarr/questarr/internal/services/indexers"
)

func newTestServer(t *testing.T, apiToken string) *Server {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() { db.Close() })

	key := make([]byte, 32)
	instanceStore, err := models.NewInstanceStore(db.Conn(), key)
	require.NoError(t, err)

	strikeStore := models.NewStrikeStore(db.Conn())
	indexerStore := models.NewIndexerStore(db.Conn())
	usageStore := models.NewSearchUsageStore(db.Conn())
	ledgerStore := models.NewSearchLedgerStore(db.Conn())
	cycleStore := models.NewCycleStateStore(db.Conn())

	clientPool := arr.NewClientPool(instanceStore)
	selector := indexers.NewSelector(indexerStore)
	huntService := hunt.NewService(instanceStore, usageStore, ledgerStore, cycleStore, clientPool,
		hunt.WithSelector(selector))

	return NewServer(&Dependencies{
		Config: &config.AppConfig{
			Config: &domain.Config{
				Host:     "localhost",
				Port:     7847,
				APIToken: apiToken,
			},
		},
		Version:       "test",
		DB:            db,
		InstanceStore: instanceStore,
		StrikeStore:   strikeStore,
		IndexerStore:  indexerStore,
		ClientPool:    clientPool,
		HuntService:   huntService,
		Selector:      selector,
	})
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("X-API-Token", token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func createInstanceRequest(name string) map[string]any {
	return map[string]any{
		"appType": "sonarr",
		"name":    name,
		"host":    "http://localhost:8989",
		"apiKey":  "test-api-key",
	}
}

func TestAPITokenRequired(t *testing.T) {
	handler := newTestServer(t, "secret-token").Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/instances", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing token must be rejected")

	rec = doRequest(t, handler, http.MethodGet, "/api/instances", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong token must be rejected")

	rec = doRequest(t, handler, http.MethodGet, "/api/instances", "secret-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health endpoints stay reachable without a token
	rec = doRequest(t, handler, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, handler, http.MethodGet, "/healthz/liveness", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, handler, http.MethodGet, "/healthz/readiness", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPITokenDisabledWhenEmpty(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	rec := doRequest(t, handler, http.MethodGet, "/api/instances", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "empty configured token disables the check")
}

func TestInstanceCRUDOverHTTP(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/instances", "", createInstanceRequest("main"))
	require.Equal(t, http.StatusCreated, rec.Code, "create failed: %s", rec.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "main", created["name"])
	assert.NotContains(t, rec.Body.String(), "test-api-key", "API key must never appear in responses")
	assert.EqualValues(t, 20, created["hourlyLimit"], "defaults applied on create")

	id := int(created["id"].(float64))

	// Duplicate name for the same app type conflicts
	rec = doRequest(t, handler, http.MethodPost, "/api/instances", "", createInstanceRequest("main"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/api/instances", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doRequest(t, handler, http.MethodPut, fmt.Sprintf("/api/instances/%d", id), "",
		map[string]any{"name": "renamed", "hourlyLimit": 5})
	require.Equal(t, http.StatusOK, rec.Code, "update failed: %s", rec.Body.String())
	var updated map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "renamed", updated["name"])
	assert.EqualValues(t, 5, updated["hourlyLimit"])

	rec = doRequest(t, handler, http.MethodDelete, fmt.Sprintf("/api/instances/%d", id), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, fmt.Sprintf("/api/instances/%d", id), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateInstanceValidation(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	body := createInstanceRequest("main")
	body["appType"] = "plex"
	rec := doRequest(t, handler, http.MethodPost, "/api/instances", "", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown app type is rejected")

	body = createInstanceRequest("main")
	delete(body, "apiKey")
	rec = doRequest(t, handler, http.MethodPost, "/api/instances", "", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing API key is rejected")
}

func TestHuntEndpointsOverHTTP(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/instances", "", createInstanceRequest("main"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := int(created["id"].(float64))

	rec = doRequest(t, handler, http.MethodGet, fmt.Sprintf("/api/instances/%d/hunt/status", id), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, false, status["cycleLocked"])

	rec = doRequest(t, handler, http.MethodGet, fmt.Sprintf("/api/instances/%d/hunt/usage", id), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.EqualValues(t, 0, usage["used"])
	assert.EqualValues(t, 20, usage["limit"])

	rec = doRequest(t, handler, http.MethodGet, "/api/instances/999/hunt/usage", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, fmt.Sprintf("/api/instances/%d/hunt/ledger", id), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.EqualValues(t, 0, summary["count"])

	rec = doRequest(t, handler, http.MethodPost, fmt.Sprintf("/api/instances/%d/hunt/reset", id), "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, handler, http.MethodDelete, fmt.Sprintf("/api/instances/%d/hunt/ledger", id), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resetResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resetResp))
	assert.EqualValues(t, 0, resetResp["cleared"])
}

func TestStrikesEndpointOverHTTP(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/instances", "", createInstanceRequest("main"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := int(created["id"].(float64))

	rec = doRequest(t, handler, http.MethodGet, fmt.Sprintf("/api/instances/%d/strikes", id), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestIndexerEndpointsOverHTTP(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/indexers", "",
		map[string]any{"name": "alpha", "priority": 10})
	require.Equal(t, http.StatusCreated, rec.Code, "create failed: %s", rec.Body.String())
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := int(created["id"].(float64))

	rec = doRequest(t, handler, http.MethodPost, "/api/indexers", "",
		map[string]any{"name": "alpha", "priority": 20})
	assert.Equal(t, http.StatusConflict, rec.Code, "duplicate indexer name conflicts")

	rec = doRequest(t, handler, http.MethodGet, "/api/indexers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doRequest(t, handler, http.MethodGet, "/api/indexers/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, handler, http.MethodPut, fmt.Sprintf("/api/indexers/%d", id), "",
		map[string]any{"name": "alpha", "priority": 5, "enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.EqualValues(t, 5, updated["priority"])
	assert.Equal(t, false, updated["enabled"])

	rec = doRequest(t, handler, http.MethodDelete, fmt.Sprintf("/api/indexers/%d", id), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, handler, http.MethodDelete, fmt.Sprintf("/api/indexers/%d", id), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
