package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/izavyalov-dev/kubeprov/state/migrations"
)

// migrationLockKey serializes concurrent migrators (several serve replicas
// starting at once).
const migrationLockKey = 0x6b75626570726f76

// ApplyMigrations runs pending SQL migrations in order and returns the IDs it applied.
func (s *Store) ApplyMigrations(ctx context.Context) ([]string, error) {
	var applied []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockKey)); err != nil {
			return fmt.Errorf("lock schema migrations: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`); err != nil {
			return err
		}

		done, err := loadAppliedMigrations(ctx, tx)
		if err != nil {
			return err
		}

		for _, migration := range migrations.All {
			if _, ok := done[migration.ID]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, migration.Script); err != nil {
				return fmt.Errorf("apply migration %s: %w", migration.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES ($1, NOW())`, migration.ID); err != nil {
				return fmt.Errorf("record migration %s: %w", migration.ID, err)
			}
			applied = append(applied, migration.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func loadAppliedMigrations(ctx context.Context, tx *sql.Tx) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		done[id] = struct{}{}
	}
	return done, rows.Err()
}
