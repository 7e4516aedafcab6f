// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"fmt"
)

// sonarrClient speaks the Sonarr v3 API. Searchable units are episodes.
type sonarrClient struct {
	*baseClient
}

type sonarrEpisode struct {
	ID            int64  `json:"id"`
	SeriesID      int64  `json:"seriesId"`
	SeasonNumber  int    `json:"seasonNumber"`
	EpisodeNumber int    `json:"episodeNumber"`
	Title         string `json:"title"`
	Series        struct {
		Title string `json:"title"`
	} `json:"series"`
}

func (e sonarrEpisode) toMediaItem() MediaItem {
	title := e.Title
	if e.Series.Title != "" {
		title = fmt.Sprintf("%s S%02dE%02d", e.Series.Title, e.SeasonNumber, e.EpisodeNumber)
	}
	return MediaItem{
		ID:    e.ID,
		Key:   fmt.Sprintf("episode:%d", e.ID),
		Title: title,
	}
}

func (c *sonarrClient) ListMissing(ctx context.Context, limit int) ([]MediaItem, error) {
	var page wantedPage[sonarrEpisode]
	query := wantedQuery(limit)
	query.Set("includeSeries", "true")
	if err := c.get(ctx, "/wanted/missing", query, &page); err != nil {
		return nil, fmt.Errorf("failed to list missing episodes: %w", err)
	}

	items := make([]MediaItem, 0, len(page.Records))
	for _, rec := range page.Records {
		items = append(items, rec.toMediaItem())
	}
	return items, nil
}

func (c *sonarrClient) ListCutoffUnmet(ctx context.Context, limit int) ([]MediaItem, error) {
	var page wantedPage[sonarrEpisode]
	query := wantedQuery(limit)
	query.Set("includeSeries", "true")
	if err := c.get(ctx, "/wanted/cutoff", query, &page); err != nil {
		return nil, fmt.Errorf("failed to list cutoff unmet episodes: %w", err)
	}

	items := make([]MediaItem, 0, len(page.Records))
	for _, rec := range page.Records {
		items = append(items, rec.toMediaItem())
	}
	return items, nil
}

func (c *sonarrClient) Search(ctx context.Context, item MediaItem, indexerID int) error {
	cmd := searchCommand{
		Name:       "EpisodeSearch",
		EpisodeIDs: []int64{item.ID},
		IndexerID:  indexerID,
	}
	if err := c.post(ctx, "/command", cmd, nil); err != nil {
		return fmt.Errorf("episode search failed: %w", err)
	}
	return nil
}

func (c *sonarrClient) ListQueue(ctx context.Context) ([]QueueEntry, error) {
	return c.listQueue(ctx)
}

func (c *sonarrClient) RemoveQueueEntry(ctx context.Context, entryID string, blocklist bool) error {
	return c.removeQueueEntry(ctx, entryID, blocklist)
}
