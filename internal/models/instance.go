// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/questarr/questarr/internal/dbinterface"
	"github.com/questarr/questarr/internal/domain"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrDuplicateName    = errors.New("an instance with this name already exists for this application type")
)

// AppType identifies which library-management application an instance talks to.
type AppType string

const (
	AppSonarr AppType = "sonarr"
	AppRadarr AppType = "radarr"
	AppLidarr AppType = "lidarr"
)

func (a AppType) Valid() bool {
	switch a {
	case AppSonarr, AppRadarr, AppLidarr:
		return true
	}
	return false
}

type Instance struct {
	ID              int     `json:"id"`
	AppType         AppType `json:"appType"`
	Name            string  `json:"name"`
	Host            string  `json:"host"`
	APIKeyEncrypted string  `json:"-"`

	Enabled   bool `json:"enabled"`
	Monitored bool `json:"monitored"`

	HourlyLimit          int `json:"hourlyLimit"`
	DedupExpirationHours int `json:"dedupExpirationHours"`
	CycleIntervalMinutes int `json:"cycleIntervalMinutes"`
	SearchBatchSize      int `json:"searchBatchSize"`

	StallThresholdMinutes int  `json:"stallThresholdMinutes"`
	MaxQueueAgeMinutes    int  `json:"maxQueueAgeMinutes"`
	StrikeThreshold       int  `json:"strikeThreshold"`
	WatchdogDryRun        bool `json:"watchdogDryRun"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (i Instance) CycleInterval() time.Duration {
	return time.Duration(i.CycleIntervalMinutes) * time.Minute
}

func (i Instance) DedupExpiration() time.Duration {
	return time.Duration(i.DedupExpirationHours) * time.Hour
}

func (i Instance) MarshalJSON() ([]byte, error) {
	type alias Instance
	return json.Marshal(&struct {
		alias
		APIKey string `json:"apiKey"`
	}{
		alias:  alias(i),
		APIKey: domain.RedactString(i.APIKeyEncrypted),
	})
}

func (i *Instance) UnmarshalJSON(data []byte) error {
	type alias Instance
	var temp struct {
		alias
		APIKey string `json:"apiKey"`
	}

	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	*i = Instance(temp.alias)

	// A redacted key means the caller did not change it
	if temp.APIKey != "" && !domain.IsRedactedString(temp.APIKey) {
		i.APIKeyEncrypted = temp.APIKey
	}

	return nil
}

type InstanceStore struct {
	db            dbinterface.Querier
	encryptionKey []byte
}

func NewInstanceStore(db dbinterface.Querier, encryptionKey []byte) (*InstanceStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	return &InstanceStore{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

// encrypt encrypts a string using AES-GCM
func (s *InstanceStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string encrypted with encrypt
func (s *InstanceStore) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// validateAndNormalizeHost validates and normalizes an instance host URL
func validateAndNormalizeHost(rawHost string) (string, error) {
	rawHost = strings.TrimSpace(rawHost)

	if rawHost == "" {
		return "", errors.New("host cannot be empty")
	}

	if !strings.Contains(rawHost, "://") {
		rawHost = "http://" + rawHost
	}

	u, err := url.Parse(rawHost)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	return strings.TrimRight(u.String(), "/"), nil
}

func applyDefaults(instance *Instance) {
	if instance.HourlyLimit <= 0 {
		instance.HourlyLimit = 20
	}
	if instance.DedupExpirationHours <= 0 {
		instance.DedupExpirationHours = 168
	}
	if instance.CycleIntervalMinutes <= 0 {
		instance.CycleIntervalMinutes = 15
	}
	if instance.SearchBatchSize <= 0 {
		instance.SearchBatchSize = 10
	}
	if instance.StallThresholdMinutes <= 0 {
		instance.StallThresholdMinutes = 30
	}
	if instance.StrikeThreshold <= 0 {
		instance.StrikeThreshold = 3
	}
}

const instanceColumns = `id, app_type, name, host, api_key_encrypted, enabled, monitored,
	hourly_limit, dedup_expiration_hours, cycle_interval_minutes, search_batch_size,
	stall_threshold_minutes, max_queue_age_minutes, strike_threshold, watchdog_dry_run,
	created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var instance Instance
	err := row.Scan(
		&instance.ID, &instance.AppType, &instance.Name, &instance.Host,
		&instance.APIKeyEncrypted, &instance.Enabled, &instance.Monitored,
		&instance.HourlyLimit, &instance.DedupExpirationHours,
		&instance.CycleIntervalMinutes, &instance.SearchBatchSize,
		&instance.StallThresholdMinutes, &instance.MaxQueueAgeMinutes,
		&instance.StrikeThreshold, &instance.WatchdogDryRun,
		&instance.CreatedAt, &instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (s *InstanceStore) Create(ctx context.Context, instance *Instance, apiKey string) (*Instance, error) {
	if !instance.AppType.Valid() {
		return nil, fmt.Errorf("unknown application type %q", instance.AppType)
	}
	if strings.TrimSpace(instance.Name) == "" {
		return nil, errors.New("name cannot be empty")
	}

	normalizedHost, err := validateAndNormalizeHost(instance.Host)
	if err != nil {
		return nil, err
	}

	encryptedKey, err := s.encrypt(apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt API key: %w", err)
	}

	applyDefaults(instance)

	var id int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO instances (
			app_type, name, host, api_key_encrypted, enabled, monitored,
			hourly_limit, dedup_expiration_hours, cycle_interval_minutes, search_batch_size,
			stall_threshold_minutes, max_queue_age_minutes, strike_threshold, watchdog_dry_run
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		instance.AppType, instance.Name, normalizedHost, encryptedKey,
		instance.Enabled, instance.Monitored,
		instance.HourlyLimit, instance.DedupExpirationHours,
		instance.CycleIntervalMinutes, instance.SearchBatchSize,
		instance.StallThresholdMinutes, instance.MaxQueueAgeMinutes,
		instance.StrikeThreshold, instance.WatchdogDryRun,
	).Scan(&id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	return s.Get(ctx, id)
}

func (s *InstanceStore) Get(ctx context.Context, id int) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)

	instance, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return instance, nil
}

func (s *InstanceStore) List(ctx context.Context) ([]*Instance, error) {
	return s.list(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY app_type, name`)
}

func (s *InstanceStore) ListEnabled(ctx context.Context) ([]*Instance, error) {
	return s.list(ctx, `SELECT `+instanceColumns+` FROM instances WHERE enabled = 1 ORDER BY app_type, name`)
}

func (s *InstanceStore) list(ctx context.Context, query string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

// Update rewrites all editable fields. An empty or redacted apiKey keeps the stored one.
func (s *InstanceStore) Update(ctx context.Context, instance *Instance, apiKey string) (*Instance, error) {
	existing, err := s.Get(ctx, instance.ID)
	if err != nil {
		return nil, err
	}

	if !instance.AppType.Valid() {
		return nil, fmt.Errorf("unknown application type %q", instance.AppType)
	}
	if strings.TrimSpace(instance.Name) == "" {
		return nil, errors.New("name cannot be empty")
	}

	normalizedHost, err := validateAndNormalizeHost(instance.Host)
	if err != nil {
		return nil, err
	}

	encryptedKey := existing.APIKeyEncrypted
	if apiKey != "" && !domain.IsRedactedString(apiKey) {
		encryptedKey, err = s.encrypt(apiKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt API key: %w", err)
		}
	}

	applyDefaults(instance)

	_, err = s.db.ExecContext(ctx, `
		UPDATE instances SET
			app_type = ?, name = ?, host = ?, api_key_encrypted = ?,
			enabled = ?, monitored = ?,
			hourly_limit = ?, dedup_expiration_hours = ?,
			cycle_interval_minutes = ?, search_batch_size = ?,
			stall_threshold_minutes = ?, max_queue_age_minutes = ?,
			strike_threshold = ?, watchdog_dry_run = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		instance.AppType, instance.Name, normalizedHost, encryptedKey,
		instance.Enabled, instance.Monitored,
		instance.HourlyLimit, instance.DedupExpirationHours,
		instance.CycleIntervalMinutes, instance.SearchBatchSize,
		instance.StallThresholdMinutes, instance.MaxQueueAgeMinutes,
		instance.StrikeThreshold, instance.WatchdogDryRun,
		instance.ID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}

	return s.Get(ctx, instance.ID)
}

func (s *InstanceStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

// GetDecryptedAPIKey returns the instance's API key in plaintext for wire clients.
func (s *InstanceStore) GetDecryptedAPIKey(instance *Instance) (string, error) {
	key, err := s.decrypt(instance.APIKeyEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt API key: %w", err)
	}
	return key, nil
}
