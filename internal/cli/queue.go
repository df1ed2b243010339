package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jaishankar101/pgpubsub/internal/config"
	"github.com/jaishankar101/pgpubsub/internal/postgres"
	"github.com/jaishankar101/pgpubsub/internal/queue"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the message queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue row counts by status",
	RunE:  runQueueStats,
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete processed and exhausted rows past their TTL",
	RunE:  runQueueCleanup,
}

func init() {
	for _, c := range []*cobra.Command{queueStatsCmd, queueCleanupCmd} {
		c.Flags().String("database-url", "", "PostgreSQL connection URL")
		c.Flags().String("config", "", "Path to pgpubsub.toml config file")
	}
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueCleanupCmd)
}

// queueServiceFromFlags connects and builds the queue service the commands
// operate on. The caller must Close the returned pool.
func queueServiceFromFlags(cmd *cobra.Command) (*postgres.Pool, *queue.Service, error) {
	flags := make(map[string]string)
	if v, _ := cmd.Flags().GetString("database-url"); v != "" {
		flags["database-url"] = v
	}
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("a database URL is required (--database-url or pgpubsub.toml)")
	}

	logger := newLogger("error", cfg.Logging.Format)

	pool, err := postgres.New(context.Background(), postgres.Config{URL: cfg.Database.URL}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	ttl, _ := cfg.MessageTTL()
	svc := queue.NewService(pool.DB(), queue.Config{
		Schema:     cfg.PubSub.QueueSchema,
		Table:      cfg.PubSub.QueueTable,
		MaxRetries: cfg.PubSub.MaxRetries,
		MessageTTL: ttl,
	}, logger)
	return pool, svc, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	pool, svc, err := queueServiceFromFlags(cmd)
	if err != nil {
		return err
	}
	defer pool.Close()

	stats, err := svc.Stats(cmd.Context())
	if err != nil {
		return err
	}

	for _, status := range []queue.Status{queue.StatusPending, queue.StatusProcessing, queue.StatusProcessed, queue.StatusFailed} {
		fmt.Printf("%-12s %d\n", status, stats.ByStatus[status])
	}
	if stats.OldestPendingAge > 0 {
		fmt.Printf("oldest pending: %s\n", stats.OldestPendingAge.Round(time.Second))
	}
	return nil
}

func runQueueCleanup(cmd *cobra.Command, args []string) error {
	pool, svc, err := queueServiceFromFlags(cmd)
	if err != nil {
		return err
	}
	defer pool.Close()

	deleted, err := svc.Cleanup(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d rows\n", deleted)
	return nil
}
