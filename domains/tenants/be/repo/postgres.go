// Package repo provides the tenant registry repositories.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aisarahjmlh/viletorder/domains/tenants/be/service"
	"github.com/aisarahjmlh/viletorder/platform/go/persistence"
)

// Postgres backs the tenant registry with the tenants table.
type Postgres struct {
	store *persistence.TenantStore
}

var _ service.Repository = (*Postgres)(nil)

// NewPostgres builds the Repository from a shared connection pool.
func NewPostgres(pool *pgxpool.Pool) (*Postgres, error) {
	store, err := persistence.NewTenantStore(pool)
	if err != nil {
		return nil, err
	}
	return &Postgres{store: store}, nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return service.ErrNotFound
	case errors.Is(err, persistence.ErrDuplicate):
		return service.ErrDuplicateTenant
	default:
		return err
	}
}

func (p *Postgres) Create(ctx context.Context, t service.Tenant) error {
	err := p.store.Create(ctx, toRecord(t))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return service.ErrDuplicateTenant
	}
	return mapErr(err)
}

func (p *Postgres) Get(ctx context.Context, tenantID string) (service.Tenant, error) {
	rec, err := p.store.Get(ctx, tenantID)
	if err != nil {
		return service.Tenant{}, mapErr(err)
	}
	return fromRecord(rec), nil
}

func (p *Postgres) List(ctx context.Context) ([]service.Tenant, error) {
	recs, err := p.store.List(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]service.Tenant, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

func (p *Postgres) UpdateLease(ctx context.Context, tenantID string, expiresAt *time.Time) error {
	return mapErr(p.store.UpdateLease(ctx, tenantID, expiresAt))
}

func (p *Postgres) Delete(ctx context.Context, tenantID string) error {
	return mapErr(p.store.Delete(ctx, tenantID))
}

func toRecord(t service.Tenant) persistence.TenantRecord {
	rec := persistence.TenantRecord{
		TenantID:       t.ID,
		DisplayName:    t.DisplayName,
		Credential:     t.Credential,
		AdminUsernames: t.AdminUsernames,
		PayProduction:  t.PayProduction,
		LeaseExpiresAt: t.LeaseExpiresAt,
		RegisteredAt:   t.RegisteredAt,
	}
	if t.PayAPIKey != "" {
		key := t.PayAPIKey
		rec.PayAPIKey = &key
	}
	if t.PaySecretKey != "" {
		key := t.PaySecretKey
		rec.PaySecretKey = &key
	}
	return rec
}

func fromRecord(rec persistence.TenantRecord) service.Tenant {
	t := service.Tenant{
		ID:             rec.TenantID,
		DisplayName:    rec.DisplayName,
		Credential:     rec.Credential,
		AdminUsernames: rec.AdminUsernames,
		PayProduction:  rec.PayProduction,
		LeaseExpiresAt: rec.LeaseExpiresAt,
		RegisteredAt:   rec.RegisteredAt,
	}
	if rec.PayAPIKey != nil {
		t.PayAPIKey = *rec.PayAPIKey
	}
	if rec.PaySecretKey != nil {
		t.PaySecretKey = *rec.PaySecretKey
	}
	return t
}
