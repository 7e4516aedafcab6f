// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questarr/questarr/internal/domain"
)

func TestNewCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New(dir, "test")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.Equal(t, 7847, cfg.Config.Port)
	assert.Equal(t, "/", cfg.Config.BaseURL)
	assert.NotEmpty(t, cfg.Config.SessionSecret)
	assert.Equal(t, "test", cfg.Config.Version)
}

func TestNewReadsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `host = "192.168.1.10"
port = 9000
logLevel = "DEBUG"
apiToken = "secret-token"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := New(dir)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.10", cfg.Config.Host)
	assert.Equal(t, 9000, cfg.Config.Port)
	assert.Equal(t, "DEBUG", cfg.Config.LogLevel)
	assert.Equal(t, "secret-token", cfg.Config.APIToken)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	require.NoError(t, os.WriteFile(path, []byte(`port = 9000`), 0644))

	t.Setenv("QUESTARR__PORT", "9100")
	t.Setenv("QUESTARR__LOG_LEVEL", "TRACE")

	cfg, err := New(dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Config.Port)
	assert.Equal(t, "TRACE", cfg.Config.LogLevel)
}

func TestResolveConfigPath(t *testing.T) {
	c := &AppConfig{}

	assert.Equal(t, "/etc/questarr/custom.toml", c.resolveConfigPath("/etc/questarr/custom.toml"))
	assert.Equal(t, filepath.Join("/etc/questarr", "config.toml"), c.resolveConfigPath("/etc/questarr"))
}

func TestGetDatabasePath(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "questarr.db"), cfg.GetDatabasePath())
}

func TestDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0755))

	content := `dataDir = "` + filepath.ToSlash(dataDir) + `"`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))

	cfg, err := New(dir)
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.GetDataDir())
}

func TestGetEncryptionKeyAlwaysThirtyTwoBytes(t *testing.T) {
	c := &AppConfig{Config: &domain.Config{SessionSecret: "short"}}
	assert.Len(t, c.GetEncryptionKey(), 32)

	long := "0123456789abcdef0123456789abcdef0123456789abcdef"
	c = &AppConfig{Config: &domain.Config{SessionSecret: long}}
	key := c.GetEncryptionKey()
	assert.Len(t, key, 32)
	assert.Equal(t, []byte(long[:32]), key)
}
