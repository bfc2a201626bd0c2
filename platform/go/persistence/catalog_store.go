package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicate is returned when a unique constraint rejects an insert
// (category name or product code already taken within the tenant).
var ErrDuplicate = errors.New("duplicate record")

// ProductRecord is a catalog product together with its live unsold count.
type ProductRecord struct {
	ProductID   int64  `db:"product_id"`
	TenantID    string `db:"tenant_id"`
	Code        string `db:"code"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Price       int64  `db:"price"`
	Category    string `db:"category"`
	StockCount  int    `db:"stock_count"`
}

// CatalogStore provides access to categories and products.
type CatalogStore struct {
	pool *pgxpool.Pool
}

func NewCatalogStore(pool *pgxpool.Pool) (*CatalogStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &CatalogStore{pool: pool}, nil
}

func (s *CatalogStore) Categories(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name FROM categories WHERE tenant_id = $1 ORDER BY category_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *CatalogStore) AddCategory(ctx context.Context, tenantID, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO categories (tenant_id, name) VALUES ($1, $2)`, tenantID, name)
	return mapUniqueViolation(err)
}

func (s *CatalogStore) RemoveCategory(ctx context.Context, tenantID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM categories WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const productColumns = `p.product_id, p.tenant_id, p.code, p.name, p.description, p.price,
	COALESCE(c.name, ''),
	(SELECT COUNT(*) FROM product_stock ps WHERE ps.product_id = p.product_id AND ps.is_sold = FALSE)`

func (s *CatalogStore) Products(ctx context.Context, tenantID string) ([]ProductRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+productColumns+`
		FROM products p
		LEFT JOIN categories c ON p.category_id = c.category_id
		WHERE p.tenant_id = $1
		ORDER BY p.code`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProductRecord
	for rows.Next() {
		rec, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ProductByCode matches the code case-insensitively, following the shop's
// user-facing lookup behavior.
func (s *CatalogStore) ProductByCode(ctx context.Context, tenantID, code string) (ProductRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+productColumns+`
		FROM products p
		LEFT JOIN categories c ON p.category_id = c.category_id
		WHERE p.tenant_id = $1 AND lower(p.code) = lower($2)`, tenantID, code)
	rec, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProductRecord{}, ErrNotFound
	}
	return rec, err
}

// AddProduct inserts a product, resolving the category by name when provided.
func (s *CatalogStore) AddProduct(ctx context.Context, rec ProductRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (tenant_id, code, name, description, price, category_id)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT category_id FROM categories WHERE tenant_id = $1 AND name = $6))`,
		rec.TenantID, rec.Code, rec.Name, rec.Description, rec.Price, rec.Category,
	)
	return mapUniqueViolation(err)
}

func (s *CatalogStore) RemoveProduct(ctx context.Context, tenantID, code string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM products WHERE tenant_id = $1 AND lower(code) = lower($2)`, tenantID, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProduct(row pgx.Row) (ProductRecord, error) {
	var rec ProductRecord
	err := row.Scan(&rec.ProductID, &rec.TenantID, &rec.Code, &rec.Name,
		&rec.Description, &rec.Price, &rec.Category, &rec.StockCount)
	return rec, err
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
