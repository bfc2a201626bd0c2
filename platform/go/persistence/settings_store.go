package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Setting keys accepted by the settings store. Keys map 1:1 to whitelisted
// columns so they can be interpolated into SQL safely.
const (
	SettingAdminUsername  = "admin_username"
	SettingWelcomeText    = "welcome_text"
	SettingPhoto          = "photo"
	SettingVideo          = "video"
	SettingChannelPayment = "channel_payment"
)

var settingColumns = map[string]bool{
	SettingAdminUsername:  true,
	SettingWelcomeText:    true,
	SettingPhoto:          true,
	SettingVideo:          true,
	SettingChannelPayment: true,
}

// SettingsStore provides per-tenant opaque configuration strings.
type SettingsStore struct {
	pool *pgxpool.Pool
}

func NewSettingsStore(pool *pgxpool.Pool) (*SettingsStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &SettingsStore{pool: pool}, nil
}

// Get returns the value for key, or "" when unset.
func (s *SettingsStore) Get(ctx context.Context, tenantID, key string) (string, error) {
	if !settingColumns[key] {
		return "", fmt.Errorf("unknown setting key %q", key)
	}

	var value *string
	err := s.pool.QueryRow(ctx,
		`SELECT `+key+` FROM bot_settings WHERE tenant_id = $1`, tenantID).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}

// Set upserts the value for key.
func (s *SettingsStore) Set(ctx context.Context, tenantID, key, value string) error {
	if !settingColumns[key] {
		return fmt.Errorf("unknown setting key %q", key)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_settings (tenant_id, `+key+`)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET `+key+` = EXCLUDED.`+key,
		tenantID, value)
	return err
}
