// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"fmt"
)

// radarrClient speaks the Radarr v3 API. Searchable units are movies.
type radarrClient struct {
	*baseClient
}

type radarrMovie struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Year  int    `json:"year"`
}

func (m radarrMovie) toMediaItem() MediaItem {
	title := m.Title
	if m.Year > 0 {
		title = fmt.Sprintf("%s (%d)", m.Title, m.Year)
	}
	return MediaItem{
		ID:    m.ID,
		Key:   fmt.Sprintf("movie:%d", m.ID),
		Title: title,
	}
}

func (c *radarrClient) ListMissing(ctx context.Context, limit int) ([]MediaItem, error) {
	var page wantedPage[radarrMovie]
	if err := c.get(ctx, "/wanted/missing", wantedQuery(limit), &page); err != nil {
		return nil, fmt.Errorf("failed to list missing movies: %w", err)
	}

	items := make([]MediaItem, 0, len(page.Records))
	for _, rec := range page.Records {
		items = append(items, rec.toMediaItem())
	}
	return items, nil
}

func (c *radarrClient) ListCutoffUnmet(ctx context.Context, limit int) ([]MediaItem, error) {
	var page wantedPage[radarrMovie]
	if err := c.get(ctx, "/wanted/cutoff", wantedQuery(limit), &page); err != nil {
		return nil, fmt.Errorf("failed to list cutoff unmet movies: %w", err)
	}

	items := make([]MediaItem, 0, len(page.Records))
	for _, rec := range page.Records {
		items = append(items, rec.toMediaItem())
	}
	return items, nil
}

func (c *radarrClient) Search(ctx context.Context, item MediaItem, indexerID int) error {
	cmd := searchCommand{
		Name:      "MoviesSearch",
		MovieIDs:  []int64{item.ID},
		IndexerID: indexerID,
	}
	if err := c.post(ctx, "/command", cmd, nil); err != nil {
		return fmt.Errorf("movie search failed: %w", err)
	}
	return nil
}

func (c *radarrClient) ListQueue(ctx context.Context) ([]QueueEntry, error) {
	return c.listQueue(ctx)
}

func (c *radarrClient) RemoveQueueEntry(ctx context.Context, entryID string, blocklist bool) error {
	return c.removeQueueEntry(ctx, entryID, blocklist)
}
