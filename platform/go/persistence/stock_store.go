package persistence

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInsufficientStock is returned when a reservation asks for more unsold
// items than the product holds. Nothing is flagged in that case.
var ErrInsufficientStock = errors.New("insufficient stock")

// StockStore provides access to per-product stock items. Items are consumed
// oldest-first (FIFO by insertion id) and the sold flag transitions
// false->true exactly once.
type StockStore struct {
	pool *pgxpool.Pool
}

func NewStockStore(pool *pgxpool.Pool) (*StockStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &StockStore{pool: pool}, nil
}

// Add appends stock items for a product (resolved case-insensitively by code).
func (s *StockStore) Add(ctx context.Context, tenantID, code string, items []string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	productID, err := productIDByCode(ctx, tx, tenantID, code)
	if err != nil {
		return err
	}

	for _, item := range items {
		if _, err := tx.Exec(ctx,
			`INSERT INTO product_stock (product_id, item) VALUES ($1, $2)`, productID, item); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Count returns the number of unsold items for a product.
func (s *StockStore) Count(ctx context.Context, tenantID, code string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM product_stock ps
		JOIN products p ON p.product_id = ps.product_id
		WHERE p.tenant_id = $1 AND lower(p.code) = lower($2) AND ps.is_sold = FALSE`,
		tenantID, code).Scan(&count)
	return count, err
}

// Reserve flags qty oldest unsold items sold in one transaction and returns
// their payloads in insertion order. Reserving fewer than qty rolls back and
// reports ErrInsufficientStock so a partial reservation can never be observed.
func (s *StockStore) Reserve(ctx context.Context, tenantID, code string, qty int) ([]string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	items, err := reserveStockTx(ctx, tx, tenantID, code, qty)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

// DeleteUnsold removes up to n unsold items (oldest first) and returns how
// many were removed.
func (s *StockStore) DeleteUnsold(ctx context.Context, tenantID, code string, n int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM product_stock
		WHERE stock_id IN (
			SELECT ps.stock_id
			FROM product_stock ps
			JOIN products p ON p.product_id = ps.product_id
			WHERE p.tenant_id = $1 AND lower(p.code) = lower($2) AND ps.is_sold = FALSE
			ORDER BY ps.stock_id
			LIMIT $3
		)`, tenantID, code, n)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// reserveStockTx is the shared FIFO flag transition, usable inside a larger
// settlement transaction. SKIP LOCKED keeps concurrent reservations from
// blocking on each other's rows; each item is won by exactly one caller.
func reserveStockTx(ctx context.Context, tx pgx.Tx, tenantID, code string, qty int) ([]string, error) {
	if qty <= 0 {
		return nil, errors.New("quantity must be positive")
	}

	rows, err := tx.Query(ctx, `
		WITH picked AS (
			SELECT ps.stock_id, ps.item
			FROM product_stock ps
			JOIN products p ON p.product_id = ps.product_id
			WHERE p.tenant_id = $1 AND lower(p.code) = lower($2) AND ps.is_sold = FALSE
			ORDER BY ps.stock_id
			LIMIT $3
			FOR UPDATE OF ps SKIP LOCKED
		)
		UPDATE product_stock ps
		SET is_sold = TRUE, sold_at = now()
		FROM picked
		WHERE ps.stock_id = picked.stock_id
		RETURNING picked.stock_id, picked.item`,
		tenantID, code, qty)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type picked struct {
		id   int64
		item string
	}
	var got []picked
	for rows.Next() {
		var p picked
		if err := rows.Scan(&p.id, &p.item); err != nil {
			return nil, err
		}
		got = append(got, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(got) != qty {
		return nil, ErrInsufficientStock
	}

	// RETURNING order is unspecified; restore insertion order.
	sort.Slice(got, func(i, j int) bool { return got[i].id < got[j].id })
	items := make([]string, len(got))
	for i, p := range got {
		items[i] = p.item
	}
	return items, nil
}

func productIDByCode(ctx context.Context, tx pgx.Tx, tenantID, code string) (int64, error) {
	var productID int64
	err := tx.QueryRow(ctx,
		`SELECT product_id FROM products WHERE tenant_id = $1 AND lower(code) = lower($2)`,
		tenantID, code).Scan(&productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return productID, err
}
