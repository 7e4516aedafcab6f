// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

// migrations[i] brings the schema from user_version i to i+1.
// Append only; never edit an applied migration.
var migrations = []string{
	`
	CREATE TABLE instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		app_type TEXT NOT NULL CHECK (app_type IN ('sonarr', 'radarr', 'lidarr')),
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		api_key_encrypted TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		monitored BOOLEAN NOT NULL DEFAULT 1,
		hourly_limit INTEGER NOT NULL DEFAULT 20,
		dedup_expiration_hours INTEGER NOT NULL DEFAULT 168,
		cycle_interval_minutes INTEGER NOT NULL DEFAULT 15,
		search_batch_size INTEGER NOT NULL DEFAULT 10,
		stall_threshold_minutes INTEGER NOT NULL DEFAULT 30,
		max_queue_age_minutes INTEGER NOT NULL DEFAULT 0,
		strike_threshold INTEGER NOT NULL DEFAULT 3,
		watchdog_dry_run BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (app_type, name)
	);

	CREATE TABLE cycle_state (
		instance_id INTEGER PRIMARY KEY REFERENCES instances(id) ON DELETE CASCADE,
		next_cycle_at INTEGER,
		pending_reset BOOLEAN NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE TABLE search_usage (
		instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		hour_bucket INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (instance_id, hour_bucket)
	);

	CREATE TABLE search_ledger (
		instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		item_key TEXT NOT NULL,
		processed_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (instance_id, item_key)
	);
	CREATE INDEX idx_search_ledger_expires ON search_ledger(expires_at);

	CREATE TABLE queue_strikes (
		instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		queue_entry_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		strike_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'normal',
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		last_downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (instance_id, queue_entry_id)
	);

	CREATE TABLE indexers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		priority INTEGER NOT NULL DEFAULT 25,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		queries INTEGER NOT NULL DEFAULT 0,
		grabs INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		total_latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`,
}
