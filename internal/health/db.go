package health

import (
	"context"
	"database/sql"
	"fmt"
)

// DBChecker implements health checking for the ledger database.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{
		db: db,
	}
}

// HealthCheck pings the database and confirms the payments table exists, so
// a reachable database without migrations is reported as not ready.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if d.db == nil {
		return fmt.Errorf("database not configured")
	}
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	var table sql.NullString
	if err := d.db.QueryRowContext(ctx, `SELECT to_regclass('public.payments')::text`).Scan(&table); err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !table.Valid {
		return fmt.Errorf("payments table missing: migrations not applied")
	}
	return nil
}
