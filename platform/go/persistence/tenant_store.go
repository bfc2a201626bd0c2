package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TenantRecord represents one registered bot tenant.
type TenantRecord struct {
	TenantID       string     `db:"tenant_id"`
	DisplayName    string     `db:"display_name"`
	Credential     string     `db:"credential"`
	AdminUsernames []string   `db:"admin_usernames"`
	PayAPIKey      *string    `db:"pay_api_key"`
	PaySecretKey   *string    `db:"pay_secret_key"`
	PayProduction  bool       `db:"pay_production"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	RegisteredAt   time.Time  `db:"registered_at"`
}

// TenantStore provides access to the tenants table.
type TenantStore struct {
	pool *pgxpool.Pool
}

// NewTenantStore creates a store; assumes Bootstrap already created the table.
func NewTenantStore(pool *pgxpool.Pool) (*TenantStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &TenantStore{pool: pool}, nil
}

const tenantColumns = `tenant_id, display_name, credential, admin_usernames,
	pay_api_key, pay_secret_key, pay_production, lease_expires_at, registered_at`

// Create inserts a tenant. A duplicate tenant id surfaces as a pg unique
// violation which callers map to their conflict sentinel.
func (s *TenantStore) Create(ctx context.Context, rec TenantRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (tenant_id, display_name, credential, admin_usernames,
			pay_api_key, pay_secret_key, pay_production, lease_expires_at, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.TenantID, rec.DisplayName, rec.Credential, rec.AdminUsernames,
		rec.PayAPIKey, rec.PaySecretKey, rec.PayProduction, rec.LeaseExpiresAt, rec.RegisteredAt,
	)
	return err
}

// Get returns one tenant by id.
func (s *TenantStore) Get(ctx context.Context, tenantID string) (TenantRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = $1`, tenantID)
	rec, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return TenantRecord{}, ErrNotFound
	}
	return rec, err
}

// List returns all registered tenants ordered by registration time.
func (s *TenantStore) List(ctx context.Context) ([]TenantRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TenantRecord
	for rows.Next() {
		rec, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateLease sets (or clears) the lease expiry. Metadata only.
func (s *TenantStore) UpdateLease(ctx context.Context, tenantID string, expiresAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET lease_expires_at = $2 WHERE tenant_id = $1`, tenantID, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the tenant row; tenant-scoped rows cascade.
func (s *TenantStore) Delete(ctx context.Context, tenantID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTenant(row pgx.Row) (TenantRecord, error) {
	var rec TenantRecord
	err := row.Scan(
		&rec.TenantID, &rec.DisplayName, &rec.Credential, &rec.AdminUsernames,
		&rec.PayAPIKey, &rec.PaySecretKey, &rec.PayProduction, &rec.LeaseExpiresAt, &rec.RegisteredAt,
	)
	return rec, err
}
