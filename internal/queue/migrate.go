package queue

import (
	"context"
	"fmt"
)

// migrationStep is one versioned schema change. The render function receives
// the quoted, schema-qualified queue table reference so steps work for any
// configured table name.
type migrationStep struct {
	name   string
	render func(tableRef, table string) string
}

// steps run in order; applied steps are recorded in _pgpubsub_migrations and
// skipped on later runs, so Setup is idempotent.
var steps = []migrationStep{
	{
		name: "0001_queue_table",
		render: func(tableRef, table string) string {
			return fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
					channel        TEXT NOT NULL,
					payload        JSONB NOT NULL,
					created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
					processed_at   TIMESTAMPTZ,
					retry_count    INTEGER NOT NULL DEFAULT 0,
					next_retry_at  TIMESTAMPTZ,
					status         TEXT NOT NULL DEFAULT 'pending'
						CHECK (status IN ('pending', 'processing', 'processed', 'failed'))
				)`, tableRef)
		},
	},
	{
		name: "0002_status_index",
		render: func(tableRef, table string) string {
			return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status)`,
				quoteIdent(table+"_status_idx"), tableRef)
		},
	},
	{
		name: "0003_channel_index",
		render: func(tableRef, table string) string {
			return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (channel)`,
				quoteIdent(table+"_channel_idx"), tableRef)
		},
	},
	{
		name: "0004_next_retry_index",
		render: func(tableRef, table string) string {
			return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (next_retry_at)`,
				quoteIdent(table+"_next_retry_at_idx"), tableRef)
		},
	},
}

// migrate bootstraps the migration meta table and applies pending steps, each
// in its own transaction.
func (s *Service) migrate(ctx context.Context) error {
	metaRef := quoteIdent(s.cfg.Schema) + "." + quoteIdent("_pgpubsub_migrations")

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          SERIAL PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, metaRef))
	if err != nil {
		return fmt.Errorf("creating migration table: %w", err)
	}

	for _, step := range steps {
		// Scope the record to the configured table so several queue tables
		// can share one schema.
		name := s.cfg.Table + ":" + step.name

		var exists bool
		err := s.pool.QueryRow(ctx,
			fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE name = $1)", metaRef), name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if exists {
			continue
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("starting transaction for %s: %w", name, err)
		}

		if _, err := tx.Exec(ctx, step.render(s.TableRef(), s.cfg.Table)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (name) VALUES ($1)", metaRef), name); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}

		s.logger.Info("applied queue migration", "name", name)
	}
	return nil
}
