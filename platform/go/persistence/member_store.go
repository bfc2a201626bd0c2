package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInsufficientBalance is returned when a debit would take a balance
// negative. The check and the decrement are one statement; there is no window
// for a concurrent writer to race the guard.
var ErrInsufficientBalance = errors.New("insufficient balance")

// MemberRecord is one member of one tenant's shop.
type MemberRecord struct {
	TenantID    string    `db:"tenant_id"`
	UserID      int64     `db:"user_id"`
	Username    string    `db:"username"`
	Saldo       int64     `db:"saldo"`
	TotalOrders int64     `db:"total_orders"`
	JoinedAt    time.Time `db:"joined_at"`
	LastSeen    time.Time `db:"last_seen"`
}

// MemberStore provides access to the members table.
type MemberStore struct {
	pool *pgxpool.Pool
}

func NewMemberStore(pool *pgxpool.Pool) (*MemberStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &MemberStore{pool: pool}, nil
}

// Upsert records contact with a member: inserts on first sight, otherwise
// refreshes username and last_seen.
func (s *MemberStore) Upsert(ctx context.Context, tenantID string, userID int64, username string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO members (tenant_id, user_id, username)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, user_id)
		DO UPDATE SET username = EXCLUDED.username, last_seen = now()`,
		tenantID, userID, username,
	)
	return err
}

func (s *MemberStore) Get(ctx context.Context, tenantID string, userID int64) (MemberRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, user_id, username, saldo, total_orders, joined_at, last_seen
		FROM members WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	rec, err := scanMember(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return MemberRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *MemberStore) List(ctx context.Context, tenantID string) ([]MemberRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, user_id, username, saldo, total_orders, joined_at, last_seen
		FROM members WHERE tenant_id = $1 ORDER BY joined_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemberRecord
	for rows.Next() {
		rec, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Credit atomically increments the balance and returns the new value.
func (s *MemberStore) Credit(ctx context.Context, tenantID string, userID int64, amount int64) (int64, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE members SET saldo = saldo + $3
		WHERE tenant_id = $1 AND user_id = $2
		RETURNING saldo`, tenantID, userID, amount)

	var saldo int64
	if err := row.Scan(&saldo); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return saldo, nil
}

// Debit atomically decrements the balance, refusing wholesale if the member
// does not hold enough. Affected-rows zero distinguishes "no such member"
// from "member exists but short" via a follow-up existence probe.
func (s *MemberStore) Debit(ctx context.Context, tenantID string, userID int64, amount int64) (int64, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE members SET saldo = saldo - $3
		WHERE tenant_id = $1 AND user_id = $2 AND saldo >= $3
		RETURNING saldo`, tenantID, userID, amount)

	var saldo int64
	err := row.Scan(&saldo)
	if err == nil {
		return saldo, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	var exists bool
	if probeErr := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM members WHERE tenant_id = $1 AND user_id = $2)`,
		tenantID, userID).Scan(&exists); probeErr != nil {
		return 0, probeErr
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, ErrInsufficientBalance
}

// IncrementOrders bumps the member's lifetime order counter.
func (s *MemberStore) IncrementOrders(ctx context.Context, tenantID string, userID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE members SET total_orders = total_orders + 1
		WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMember(row pgx.Row) (MemberRecord, error) {
	var rec MemberRecord
	err := row.Scan(&rec.TenantID, &rec.UserID, &rec.Username, &rec.Saldo,
		&rec.TotalOrders, &rec.JoinedAt, &rec.LastSeen)
	return rec, err
}
