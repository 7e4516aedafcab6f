// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"fmt"
)

// lidarrClient speaks the Lidarr v1 API. Searchable units are albums.
type lidarrClient struct {
	*baseClient
}

type lidarrAlbum struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Artist struct {
		ArtistName string `json:"artistName"`
	} `json:"artist"`
}

func (a lidarrAlbum) toMediaItem() MediaItem {
	title := a.Title
	if a.Artist.ArtistName != "" {
		title = fmt.Sprintf("%s - %s", a.Artist.ArtistName, a.Title)
	}
	return MediaItem{
		ID:    a.ID,
		Key:   fmt.Sprintf("album:%d", a.ID),
		Title: title,
	}
}

func (c *lidarrClient) ListMissing(ctx context.Context, limit int) ([]MediaItem, error) {
	var page wantedPage[lidarrAlbum]
	if err := c.get(ctx, "/wanted/missing", wantedQuery(limit), &page); err != nil {
		return nil, fmt.Errorf("failed to list missing albums: %w", err)
	}

	items := make([]MediaItem, 0, len(page.Records))
	for _, rec := range page.Records {
		items = append(items, rec.toMediaItem())
	}
	return items, nil
}

func (c *lidarrClient) ListCutoffUnmet(ctx context.Context, limit int) ([]MediaItem, error) {
	var page wantedPage[lidarrAlbum]
	if err := c.get(ctx, "/wanted/cutoff", wantedQuery(limit), &page); err != nil {
		return nil, fmt.Errorf("failed to list cutoff unmet albums: %w", err)
	}

	items := make([]MediaItem, 0, len(page.Records))
	for _, rec := range page.Records {
		items = append(items, rec.toMediaItem())
	}
	return items, nil
}

func (c *lidarrClient) Search(ctx context.Context, item MediaItem, indexerID int) error {
	cmd := searchCommand{
		Name:      "AlbumSearch",
		AlbumIDs:  []int64{item.ID},
		IndexerID: indexerID,
	}
	if err := c.post(ctx, "/command", cmd, nil); err != nil {
		return fmt.Errorf("album search failed: %w", err)
	}
	return nil
}

func (c *lidarrClient) ListQueue(ctx context.Context) ([]QueueEntry, error) {
	return c.listQueue(ctx)
}

func (c *lidarrClient) RemoveQueueEntry(ctx context.Context, entryID string, blocklist bool) error {
	return c.removeQueueEntry(ctx, entryID, blocklist)
}
