// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/questarr/questarr/internal/database"
	"github.com/questarr/questarr/internal/dbinterface"
)

// newTestDB opens an in-memory database with the real migrations applied.
func newTestDB(t *testing.T) dbinterface.Querier {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() { db.Close() })

	return db.Conn()
}

func testEncryptionKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

// newTestInstance creates a minimal enabled instance for tests that need one
// to satisfy foreign keys.
func newTestInstance(t *testing.T, db dbinterface.Querier, name string) *Instance {
	t.Helper()

	store, err := NewInstanceStore(db, testEncryptionKey())
	require.NoError(t, err, "Failed to create instance store")

	instance, err := store.Create(t.Context(), &Instance{
		AppType:   AppSonarr,
		Name:      name,
		Host:      "http://localhost:8989",
		Enabled:   true,
		Monitored: true,
	}, "test-api-key")
	require.NoError(t, err, "Failed to create test instance")

	return instance
}
