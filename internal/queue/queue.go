// Package queue implements the durable message queue backing the pub/sub
// engine: a single PostgreSQL table claimed in FIFO batches with
// FOR UPDATE SKIP LOCKED, retried with exponential backoff, and reaped by a
// periodic TTL cleanup.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BatchSize bounds how many rows one drain may claim.
const BatchSize = 100

// claimDeadline is written to next_retry_at when a batch is claimed. If the
// claiming process dies mid-drain, another instance may re-claim after it.
const claimDeadline = 5 * time.Minute

// maxBackoffExponent caps 2^retry_count in the failure backoff.
const maxBackoffExponent = 16

// Status is the lifecycle state of a queue row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Message is one persisted queue row.
type Message struct {
	ID          int64
	Channel     string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	NextRetryAt *time.Time
	Status      Status
}

// Config controls the queue table and retention policy.
type Config struct {
	Schema          string        // default "public"
	Table           string        // default "pg_pubsub_queue"
	MaxRetries      int           // default 5
	MessageTTL      time.Duration // default 24h
	CleanupInterval time.Duration // default 1h
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Schema == "" {
		out.Schema = "public"
	}
	if out.Table == "" {
		out.Table = "pg_pubsub_queue"
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 5
	}
	if out.MessageTTL <= 0 {
		out.MessageTTL = 24 * time.Hour
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = time.Hour
	}
	return out
}

// Service owns the queue table.
type Service struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger

	cleanupStop chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewService creates a queue service. Call Setup before first use.
func NewService(pool *pgxpool.Pool, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		pool:        pool,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		cleanupStop: make(chan struct{}),
	}
}

// TableRef returns the schema-qualified, quoted queue table reference.
func (s *Service) TableRef() string {
	return quoteIdent(s.cfg.Schema) + "." + quoteIdent(s.cfg.Table)
}

// Config returns the effective configuration with defaults applied.
func (s *Service) Config() Config { return s.cfg }

// Setup applies the queue schema migrations and starts the cleanup timer.
// Structural errors (missing permissions etc.) propagate; they are never
// recovered here.
func (s *Service) Setup(ctx context.Context) error {
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("setting up queue table %s: %w", s.TableRef(), err)
	}
	s.startCleanupTimer()
	return nil
}

// Teardown stops the cleanup timer. The table stays.
func (s *Service) Teardown() {
	s.stopOnce.Do(func() {
		close(s.cleanupStop)
	})
	s.wg.Wait()
}

// FetchPending claims up to BatchSize rows for channel in one transaction:
// rows that are pending, failed with retry budget left and a due
// next_retry_at, or processing past their visibility deadline (the claimer
// died mid-drain without settling them), ordered by id, skipping rows locked
// by concurrent claimers. Claimed rows move to processing with a fresh
// deadline; a re-claimed row keeps its retry_count since the prior claimer's
// death was not a handler failure.
func (s *Service) FetchPending(ctx context.Context, channel string) ([]Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		UPDATE %[1]s SET
			status = 'processing',
			next_retry_at = now() + interval '%[2]d seconds'
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE channel = $1
			  AND (
				status = 'pending'
				OR (status = 'failed' AND retry_count < $2 AND next_retry_at <= now())
				OR (status = 'processing' AND next_retry_at <= now())
			  )
			ORDER BY id ASC
			LIMIT %[3]d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, channel, payload, created_at, processed_at, retry_count, next_retry_at, status`,
		s.TableRef(), int(claimDeadline.Seconds()), BatchSize)

	rows, err := tx.Query(ctx, query, channel, s.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("claiming pending messages: %w", err)
	}

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Channel, &m.Payload, &m.CreatedAt, &m.ProcessedAt, &m.RetryCount, &m.NextRetryAt, &m.Status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning claimed message: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading claimed messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	// UPDATE ... RETURNING does not promise row order.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

// MarkProcessed finalizes ids in a single statement. Re-marking an already
// processed id is a no-op.
func (s *Service) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'processed', processed_at = now()
		WHERE id = ANY($1)`, s.TableRef())
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("marking messages processed: %w", err)
	}
	return nil
}

// MarkFailed moves ids to failed, increments retry_count, and schedules the
// next attempt at now + 1 min * 2^retry_count. Once the retry budget is
// spent, next_retry_at becomes null and the row waits for TTL cleanup.
func (s *Service) MarkFailed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s SET
			status = 'failed',
			retry_count = retry_count + 1,
			next_retry_at = CASE
				WHEN retry_count + 1 >= $2 THEN NULL
				ELSE now() + interval '1 minute' * power(2, LEAST(retry_count + 1, %d))
			END
		WHERE id = ANY($1)`, s.TableRef(), maxBackoffExponent)
	if _, err := s.pool.Exec(ctx, query, ids, s.cfg.MaxRetries); err != nil {
		return fmt.Errorf("marking messages failed: %w", err)
	}
	return nil
}

// Cleanup deletes processed rows older than the TTL and failed rows whose
// retries are exhausted and whose insertion is older than the TTL.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE (status = 'processed' AND processed_at < now() - $1 * interval '1 second')
		   OR (status = 'failed' AND retry_count >= $2 AND created_at < now() - $1 * interval '1 second')`,
		s.TableRef())
	tag, err := s.pool.Exec(ctx, query, s.cfg.MessageTTL.Seconds(), s.cfg.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("cleaning up queue: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats summarizes the queue table.
type Stats struct {
	ByStatus         map[Status]int64 `json:"by_status"`
	OldestPendingAge time.Duration    `json:"oldest_pending_age"`
}

// Stats returns counts by status and the age of the oldest pending row.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	query := fmt.Sprintf(`SELECT status, count(*) FROM %s GROUP BY status`, s.TableRef())
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying queue stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{ByStatus: make(map[Status]int64)}
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning queue stats: %w", err)
		}
		st.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest *time.Time
	ageQuery := fmt.Sprintf(`SELECT min(created_at) FROM %s WHERE status = 'pending'`, s.TableRef())
	if err := s.pool.QueryRow(ctx, ageQuery).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("querying oldest pending: %w", err)
	}
	if oldest != nil {
		st.OldestPendingAge = time.Since(*oldest)
	}
	return st, nil
}

// PendingCount returns how many rows are currently claimable for channel.
func (s *Service) PendingCount(ctx context.Context, channel string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT count(*) FROM %s
		WHERE channel = $1
		  AND (status = 'pending'
		       OR (status = 'failed' AND retry_count < $2 AND next_retry_at <= now())
		       OR (status = 'processing' AND next_retry_at <= now()))`,
		s.TableRef())
	var n int64
	if err := s.pool.QueryRow(ctx, query, channel, s.cfg.MaxRetries).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending messages: %w", err)
	}
	return n, nil
}

func (s *Service) startCleanupTimer() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.cleanupStop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				deleted, err := s.Cleanup(ctx)
				cancel()
				if err != nil {
					s.logger.Error("queue cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					s.logger.Info("queue cleanup", "deleted", deleted)
				}
			}
		}
	}()
}

// quoteIdent quotes a SQL identifier with double quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
