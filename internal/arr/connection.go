// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/questarr/questarr/internal/models"
)

// TestConnection pings an instance's system status endpoint with fresh
// connection details. Used by the interactive test action, so it retries
// transient failures; the engine itself never does.
func TestConnection(ctx context.Context, appType models.AppType, host, apiKey string) error {
	client, err := NewClient(appType, host, apiKey, 15*time.Second)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			return client.Ping(ctx)
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}
