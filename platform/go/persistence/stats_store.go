package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StatsRecord holds a tenant's monotonic sales counters and shop rating.
type StatsRecord struct {
	TenantID    string  `db:"tenant_id"`
	TotalSales  int64   `db:"total_sales"`
	TotalOmzet  int64   `db:"total_omzet"`
	RatingTotal float64 `db:"rating_total"`
	RatingCount int64   `db:"rating_count"`
}

// StatsStore provides access to the stats table.
type StatsStore struct {
	pool *pgxpool.Pool
}

func NewStatsStore(pool *pgxpool.Pool) (*StatsStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &StatsStore{pool: pool}, nil
}

// Get returns the tenant's stats, zero-valued when none recorded yet.
func (s *StatsStore) Get(ctx context.Context, tenantID string) (StatsRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, total_sales, total_omzet, rating_total, rating_count
		FROM stats WHERE tenant_id = $1`, tenantID)

	var rec StatsRecord
	err := row.Scan(&rec.TenantID, &rec.TotalSales, &rec.TotalOmzet, &rec.RatingTotal, &rec.RatingCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatsRecord{TenantID: tenantID}, nil
	}
	return rec, err
}

// IncrementSales bumps the sale counters; incremented on settlement only.
func (s *StatsStore) IncrementSales(ctx context.Context, tenantID string, sales, omzet int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stats (tenant_id, total_sales, total_omzet)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id)
		DO UPDATE SET total_sales = stats.total_sales + EXCLUDED.total_sales,
		              total_omzet = stats.total_omzet + EXCLUDED.total_omzet`,
		tenantID, sales, omzet)
	return err
}

// SetRating overwrites the shop rating aggregate.
func (s *StatsStore) SetRating(ctx context.Context, tenantID string, total float64, count int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stats (tenant_id, rating_total, rating_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id)
		DO UPDATE SET rating_total = EXCLUDED.rating_total,
		              rating_count = EXCLUDED.rating_count`,
		tenantID, total, count)
	return err
}
