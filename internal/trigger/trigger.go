// Package trigger reconciles the set of generated plpgsql capture triggers
// against the set derived from handler discovery. Functions and row triggers
// are named <prefix>_<table>; the prefix doubles as the search filter for
// obsolete-trigger cleanup.
package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Strategy selects how Reconcile applies the desired set.
type Strategy string

const (
	// StrategyDifferential upserts every desired trigger first, then drops
	// only the obsolete ones. Tables present before and after a
	// reconfiguration never lose capture; abandoned tables may briefly keep
	// their old trigger, which is harmless because only desired tables route
	// to handlers.
	StrategyDifferential Strategy = "differential"
	// StrategyAtomic drops and recreates everything inside one transaction.
	// No window with missing triggers, at the cost of briefly holding locks
	// on every affected table.
	StrategyAtomic Strategy = "atomic"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyDifferential || s == StrategyAtomic
}

// Config controls trigger generation and reconciliation.
type Config struct {
	Schema   string // schema of user tables and generated functions
	Prefix   string // function/trigger name prefix, also the NOTIFY channel
	QueueRef string // quoted, schema-qualified queue table reference
	Strategy Strategy
}

// Installed is one existing generated trigger, as found in the catalog.
type Installed struct {
	Schema   string
	Table    string
	Function string
}

// Service reconciles triggers.
type Service struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger
}

// NewService creates a trigger service.
func NewService(pool *pgxpool.Pool, cfg Config, logger *slog.Logger) *Service {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "pubsub_trigger"
	}
	if !cfg.Strategy.Valid() {
		cfg.Strategy = StrategyDifferential
	}
	return &Service{pool: pool, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// ListInstalled returns every generated function in the configured schema
// whose name starts with the prefix, with its bound table when a trigger
// still references it.
func (s *Service) ListInstalled(ctx context.Context) ([]Installed, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.proname,
		       COALESCE(c.relname, ''),
		       COALESCE(tn.nspname, '')
		FROM pg_proc p
		  JOIN pg_namespace n ON n.oid = p.pronamespace
		  LEFT JOIN pg_trigger t ON t.tgfoid = p.oid AND NOT t.tgisinternal
		  LEFT JOIN pg_class c ON c.oid = t.tgrelid
		  LEFT JOIN pg_namespace tn ON tn.oid = c.relnamespace
		WHERE n.nspname = $1 AND p.proname LIKE $2`,
		s.cfg.Schema, likePattern(s.cfg.Prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("listing installed triggers: %w", err)
	}
	defer rows.Close()

	var installed []Installed
	for rows.Next() {
		var in Installed
		if err := rows.Scan(&in.Function, &in.Table, &in.Schema); err != nil {
			return nil, fmt.Errorf("scanning installed trigger: %w", err)
		}
		installed = append(installed, in)
	}
	return installed, rows.Err()
}

// Reconcile makes the installed set match desired using the configured
// strategy. A concurrent row change against a desired table always enqueues,
// through either the old function or the new one.
func (s *Service) Reconcile(ctx context.Context, desired []Desired) error {
	installed, err := s.ListInstalled(ctx)
	if err != nil {
		return err
	}

	switch s.cfg.Strategy {
	case StrategyAtomic:
		err = s.reconcileAtomic(ctx, installed, desired)
	default:
		err = s.reconcileDifferential(ctx, installed, desired)
	}
	if err != nil {
		return err
	}

	s.logger.Info("trigger reconciliation complete",
		"strategy", string(s.cfg.Strategy),
		"desired", len(desired),
		"previously_installed", len(installed),
	)
	return nil
}

// reconcileAtomic replaces the whole set in one transaction.
func (s *Service) reconcileAtomic(ctx context.Context, installed []Installed, desired []Desired) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning reconcile transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, in := range installed {
		if err := s.dropInstalled(ctx, tx, in); err != nil {
			return err
		}
	}
	for _, d := range desired {
		if err := s.createDesired(ctx, tx, d); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing reconcile: %w", err)
	}
	return nil
}

// reconcileDifferential upserts desired triggers first (each CREATE OR
// REPLACE is per-object atomic), then drops only the triggers whose keys are
// absent from the desired set.
func (s *Service) reconcileDifferential(ctx context.Context, installed []Installed, desired []Desired) error {
	want := make(map[string]bool, len(desired))
	for _, d := range desired {
		want[FunctionName(s.cfg.Prefix, d.Table)] = true
		if err := s.createDesired(ctx, s.pool, d); err != nil {
			return err
		}
	}

	for _, in := range installed {
		if want[in.Function] {
			continue
		}
		if err := s.dropInstalled(ctx, s.pool, in); err != nil {
			return err
		}
		s.logger.Info("dropped obsolete trigger", "function", in.Function, "table", in.Table)
	}
	return nil
}

// pgxExecutor covers both *pgxpool.Pool and pgx.Tx.
type pgxExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *Service) createDesired(ctx context.Context, db pgxExecutor, d Desired) error {
	if _, err := db.Exec(ctx, functionSQL(d, s.cfg.Prefix, s.cfg.QueueRef)); err != nil {
		return fmt.Errorf("creating trigger function for %s.%s: %w", d.Schema, d.Table, err)
	}
	if _, err := db.Exec(ctx, triggerSQL(d, s.cfg.Prefix)); err != nil {
		return fmt.Errorf("creating trigger for %s.%s: %w", d.Schema, d.Table, err)
	}
	return nil
}

func (s *Service) dropInstalled(ctx context.Context, db pgxExecutor, in Installed) error {
	if in.Table != "" {
		if _, err := db.Exec(ctx, dropTriggerSQL(in.Schema, in.Table, in.Function)); err != nil {
			return fmt.Errorf("dropping trigger %s on %s.%s: %w", in.Function, in.Schema, in.Table, err)
		}
	}
	if _, err := db.Exec(ctx, dropFunctionSQL(s.cfg.Schema, in.Function)); err != nil {
		return fmt.Errorf("dropping function %s: %w", in.Function, err)
	}
	return nil
}

// likePattern escapes LIKE metacharacters in a literal prefix.
func likePattern(s string) string {
	r := ""
	for _, c := range s {
		if c == '%' || c == '_' || c == '\\' {
			r += `\`
		}
		r += string(c)
	}
	return r
}
