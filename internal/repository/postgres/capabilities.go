package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

var capabilityProbe struct {
	once sync.Once
	err  error
}

// EnsureCapabilities checks schema capabilities the engine depends on and
// self-heals the known-safe ones, once per process. Installations migrated
// from before soft-deletion lack the 'deleted' status label; adding an enum
// value is idempotent and cannot corrupt existing rows, so it is applied
// here instead of failing startup.
func EnsureCapabilities(ctx context.Context, pool *pgxpool.Pool) error {
	capabilityProbe.once.Do(func() {
		capabilityProbe.err = ensureUserStatusDeleted(ctx, pool)
	})
	return capabilityProbe.err
}

func ensureUserStatusDeleted(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM pg_enum e
			JOIN pg_type t ON t.oid = e.enumtypid
			WHERE t.typname = 'user_status'
			  AND e.enumlabel = 'deleted'
		)
	`

	var exists bool
	if err := pool.QueryRow(ctx, query).Scan(&exists); err != nil {
		return fmt.Errorf("probe user_status enum: %w", err)
	}
	if exists {
		return nil
	}

	if _, err := pool.Exec(ctx, `ALTER TYPE user_status ADD VALUE IF NOT EXISTS 'deleted'`); err != nil {
		return fmt.Errorf("extend user_status enum: %w", err)
	}
	return nil
}
