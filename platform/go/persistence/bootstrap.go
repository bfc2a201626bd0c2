package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/aisarahjmlh/viletorder/database"
)

// Bootstrap applies the embedded DDL in a single transaction, in dependency
// order (tenants first, then the tenant-scoped ledger tables). SQL is embedded
// at build time so binaries stay self-contained. The helper is idempotent and
// intended for daemon startup and tests.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("bootstrap: pool is required")
	}

	var statements []string
	statements = append(statements, splitStatements(sqlassets.TenantsSQL)...)
	statements = append(statements, splitStatements(sqlassets.LedgerSQL)...)

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// splitStatements breaks an embedded SQL asset into individual statements.
// The embedded DDL contains no string literals with semicolons, so a plain
// split is sufficient.
func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	statements := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		statements = append(statements, stmt)
	}
	return statements
}
