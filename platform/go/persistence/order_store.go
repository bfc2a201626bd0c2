package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Order kinds as stored in pending_orders.order_type.
const (
	OrderTypePurchase = "purchase"
	OrderTypeDeposit  = "deposit"
)

// OrderRecord is a payment intent awaiting reconciliation. Existence of the
// row is the source of truth for "not yet resolved"; the row is deleted as
// part of the settlement or expiry transaction and never resolved twice.
type OrderRecord struct {
	TenantID    string    `db:"tenant_id"`
	RefCode     string    `db:"ref_code"`
	RefID       string    `db:"ref_id"`
	UserID      int64     `db:"user_id"`
	OrderType   string    `db:"order_type"`
	ProductCode *string   `db:"product_code"`
	Qty         int       `db:"qty"`
	Total       int64     `db:"total"`
	MessageID   *int64    `db:"message_id"`
	CreatedAt   time.Time `db:"created_at"`
}

// OrderStore provides access to pending orders and owns the settlement
// transactions that must mutate orders together with balances or stock.
type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) (*OrderStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &OrderStore{pool: pool}, nil
}

func (s *OrderStore) Create(ctx context.Context, rec OrderRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_orders (tenant_id, ref_code, ref_id, user_id, order_type, product_code, qty, total, message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.TenantID, rec.RefCode, rec.RefID, rec.UserID, rec.OrderType,
		rec.ProductCode, rec.Qty, rec.Total, rec.MessageID,
	)
	return mapUniqueViolation(err)
}

func (s *OrderStore) Get(ctx context.Context, tenantID, refCode string) (OrderRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+`
		FROM pending_orders WHERE tenant_id = $1 AND ref_code = $2`, tenantID, refCode)
	rec, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return OrderRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *OrderStore) List(ctx context.Context, tenantID string) ([]OrderRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+`
		FROM pending_orders WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes the order, returning it. ErrNotFound means another caller
// already resolved it; callers treat that as success.
func (s *OrderStore) Delete(ctx context.Context, tenantID, refCode string) (OrderRecord, error) {
	row := s.pool.QueryRow(ctx, `
		DELETE FROM pending_orders WHERE tenant_id = $1 AND ref_code = $2
		RETURNING `+orderColumns, tenantID, refCode)
	rec, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return OrderRecord{}, ErrNotFound
	}
	return rec, err
}

// SettleDeposit credits the member and deletes the order as one transaction.
// The row lock on the order serializes a racing tick and manual check: the
// loser finds the row gone and gets ErrNotFound, having changed nothing.
func (s *OrderStore) SettleDeposit(ctx context.Context, tenantID, refCode string) (OrderRecord, int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return OrderRecord{}, 0, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rec, err := lockOrder(ctx, tx, tenantID, refCode)
	if err != nil {
		return OrderRecord{}, 0, err
	}
	if rec.OrderType != OrderTypeDeposit {
		return OrderRecord{}, 0, errors.New("order is not a deposit")
	}

	// Upsert so a deposit settles even when the member row is gone; only
	// the locked order row decides whether this settlement already ran.
	var saldo int64
	err = tx.QueryRow(ctx, `
		INSERT INTO members (tenant_id, user_id, saldo)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, user_id)
		DO UPDATE SET saldo = members.saldo + EXCLUDED.saldo, last_seen = now()
		RETURNING saldo`, tenantID, rec.UserID, rec.Total).Scan(&saldo)
	if err != nil {
		return OrderRecord{}, 0, err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM pending_orders WHERE tenant_id = $1 AND ref_code = $2`, tenantID, refCode); err != nil {
		return OrderRecord{}, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return OrderRecord{}, 0, err
	}
	return rec, saldo, nil
}

// SettlePurchase flags the order's stock sold and deletes the order as one
// transaction, returning the reserved payloads in FIFO order. Insufficient
// stock rolls everything back and leaves the order pending so the operator
// can intervene without the buyer being charged twice.
func (s *OrderStore) SettlePurchase(ctx context.Context, tenantID, refCode string) (OrderRecord, []string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return OrderRecord{}, nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rec, err := lockOrder(ctx, tx, tenantID, refCode)
	if err != nil {
		return OrderRecord{}, nil, err
	}
	if rec.OrderType != OrderTypePurchase || rec.ProductCode == nil {
		return OrderRecord{}, nil, errors.New("order is not a purchase")
	}

	items, err := reserveStockTx(ctx, tx, tenantID, *rec.ProductCode, rec.Qty)
	if err != nil {
		return OrderRecord{}, nil, err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM pending_orders WHERE tenant_id = $1 AND ref_code = $2`, tenantID, refCode); err != nil {
		return OrderRecord{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return OrderRecord{}, nil, err
	}
	return rec, items, nil
}

const orderColumns = `tenant_id, ref_code, ref_id, user_id, order_type, product_code, qty, total, message_id, created_at`

func lockOrder(ctx context.Context, tx pgx.Tx, tenantID, refCode string) (OrderRecord, error) {
	row := tx.QueryRow(ctx, `SELECT `+orderColumns+`
		FROM pending_orders WHERE tenant_id = $1 AND ref_code = $2
		FOR UPDATE`, tenantID, refCode)
	rec, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return OrderRecord{}, ErrNotFound
	}
	return rec, err
}

func scanOrder(row pgx.Row) (OrderRecord, error) {
	var rec OrderRecord
	err := row.Scan(&rec.TenantID, &rec.RefCode, &rec.RefID, &rec.UserID, &rec.OrderType,
		&rec.ProductCode, &rec.Qty, &rec.Total, &rec.MessageID, &rec.CreatedAt)
	return rec, err
}
