// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/questarr/questarr/internal/buildinfo"
	"github.com/questarr/questarr/internal/models"
)

// MediaItem is one searchable unit reported by an instance: an episode, a
// movie or an album. Key is unique within the instance and drives the dedup
// ledger.
type MediaItem struct {
	ID    int64  `json:"id"`
	Key   string `json:"key"`
	Title string `json:"title"`
}

// QueueEntry is one active download in an instance's queue.
type QueueEntry struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	Size     int64     `json:"size"`
	SizeLeft int64     `json:"sizeleft"`
	Added    time.Time `json:"added"`
}

// DownloadedBytes returns completed progress for stall detection.
func (q QueueEntry) DownloadedBytes() int64 {
	return q.Size - q.SizeLeft
}

// LibraryClient is the capability surface the engine needs from any
// library-management application. One implementation per application type.
type LibraryClient interface {
	// ListMissing returns monitored items with no file, in the order the
	// instance reports them, capped at limit.
	ListMissing(ctx context.Context, limit int) ([]MediaItem, error)
	// ListCutoffUnmet returns items below their quality cutoff.
	ListCutoffUnmet(ctx context.Context, limit int) ([]MediaItem, error)
	// Search asks the instance to search for the item. indexerID is a hint
	// for instances that support pinning a search to one indexer; zero
	// means let the instance fan out.
	Search(ctx context.Context, item MediaItem, indexerID int) error
	// ListQueue returns the active download queue.
	ListQueue(ctx context.Context) ([]QueueEntry, error)
	// RemoveQueueEntry removes a queue entry, optionally blocklisting the
	// release so it is not grabbed again.
	RemoveQueueEntry(ctx context.Context, entryID string, blocklist bool) error
	// Ping verifies connectivity and credentials.
	Ping(ctx context.Context) error
}

// NewClient builds the wire client for an instance's application type.
func NewClient(appType models.AppType, host, apiKey string, timeout time.Duration) (LibraryClient, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	base := &baseClient{
		host:   strings.TrimRight(host, "/"),
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	switch appType {
	case models.AppSonarr:
		base.apiPrefix = "/api/v3"
		return &sonarrClient{baseClient: base}, nil
	case models.AppRadarr:
		base.apiPrefix = "/api/v3"
		return &radarrClient{baseClient: base}, nil
	case models.AppLidarr:
		base.apiPrefix = "/api/v1"
		return &lidarrClient{baseClient: base}, nil
	default:
		return nil, fmt.Errorf("unknown application type %q", appType)
	}
}

// baseClient carries the wire plumbing shared by all three application APIs.
type baseClient struct {
	host       string
	apiKey     string
	apiPrefix  string
	httpClient *http.Client
}

func (c *baseClient) buildURL(path string, query url.Values) string {
	u := c.host + c.apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *baseClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path, query), reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func (c *baseClient) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *baseClient) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *baseClient) delete(ctx context.Context, path string, query url.Values) error {
	return c.do(ctx, http.MethodDelete, path, query, nil, nil)
}

// Ping hits the system status endpoint common to all three applications.
func (c *baseClient) Ping(ctx context.Context) error {
	return c.get(ctx, "/system/status", nil, nil)
}

// wantedPage is the shared shape of the paged wanted/missing and
// wanted/cutoff responses.
type wantedPage[T any] struct {
	Page         int `json:"page"`
	PageSize     int `json:"pageSize"`
	TotalRecords int `json:"totalRecords"`
	Records      []T `json:"records"`
}

func wantedQuery(limit int) url.Values {
	if limit <= 0 {
		limit = 10
	}
	return url.Values{
		"page":      []string{"1"},
		"pageSize":  []string{fmt.Sprintf("%d", limit)},
		"monitored": []string{"true"},
	}
}

// queueResponse is the paged queue shape shared by all three applications.
type queueResponse struct {
	Records []queueRecord `json:"records"`
}

type queueRecord struct {
	ID       int64     `json:"id"`
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	Size     float64   `json:"size"`
	SizeLeft float64   `json:"sizeleft"`
	Added    time.Time `json:"added"`

	TrackedDownloadStatus string `json:"trackedDownloadStatus"`
	TrackedDownloadState  string `json:"trackedDownloadState"`
	ErrorMessage          string `json:"errorMessage"`
}

func (c *baseClient) listQueue(ctx context.Context) ([]QueueEntry, error) {
	query := url.Values{
		"page":     []string{"1"},
		"pageSize": []string{"1000"},
	}

	var resp queueResponse
	if err := c.get(ctx, "/queue", query, &resp); err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	entries := make([]QueueEntry, 0, len(resp.Records))
	for _, rec := range resp.Records {
		status := rec.Status
		// Surface tracked-download problems as the effective status
		if rec.TrackedDownloadStatus == "warning" || rec.TrackedDownloadState == "downloading" && rec.Status == "warning" {
			status = "warning"
		}
		if strings.EqualFold(rec.Status, "stalled") || strings.Contains(strings.ToLower(rec.ErrorMessage), "stalled") {
			status = "stalled"
		}

		entries = append(entries, QueueEntry{
			ID:       fmt.Sprintf("%d", rec.ID),
			Title:    rec.Title,
			Status:   status,
			Size:     int64(rec.Size),
			SizeLeft: int64(rec.SizeLeft),
			Added:    rec.Added,
		})
	}

	return entries, nil
}

func (c *baseClient) removeQueueEntry(ctx context.Context, entryID string, blocklist bool) error {
	query := url.Values{
		"removeFromClient": []string{"true"},
		"blocklist":        []string{fmt.Sprintf("%t", blocklist)},
	}

	if err := c.delete(ctx, "/queue/"+entryID, query); err != nil {
		return fmt.Errorf("failed to remove queue entry %s: %w", entryID, err)
	}

	return nil
}

// searchCommand body for the shared /command endpoint.
type searchCommand struct {
	Name       string  `json:"name"`
	EpisodeIDs []int64 `json:"episodeIds,omitempty"`
	MovieIDs   []int64 `json:"movieIds,omitempty"`
	AlbumIDs   []int64 `json:"albumIds,omitempty"`
	IndexerID  int     `json:"indexerId,omitempty"`
}
