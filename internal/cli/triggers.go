package cli

import (
	"context"
	"fmt"

	"github.com/jaishankar101/pgpubsub/internal/config"
	"github.com/jaishankar101/pgpubsub/internal/postgres"
	"github.com/jaishankar101/pgpubsub/internal/trigger"
	"github.com/spf13/cobra"
)

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Inspect generated capture triggers",
}

var triggersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed capture triggers",
	RunE:  runTriggersList,
}

func init() {
	triggersListCmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	triggersListCmd.Flags().String("config", "", "Path to pgpubsub.toml config file")
	triggersCmd.AddCommand(triggersListCmd)
}

func runTriggersList(cmd *cobra.Command, args []string) error {
	flags := make(map[string]string)
	if v, _ := cmd.Flags().GetString("database-url"); v != "" {
		flags["database-url"] = v
	}
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("a database URL is required (--database-url or pgpubsub.toml)")
	}

	logger := newLogger("error", cfg.Logging.Format)

	pool, err := postgres.New(context.Background(), postgres.Config{URL: cfg.Database.URL}, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	svc := trigger.NewService(pool.DB(), trigger.Config{
		Schema: cfg.PubSub.TriggerSchema,
		Prefix: cfg.PubSub.TriggerPrefix,
	}, logger)

	installed, err := svc.ListInstalled(cmd.Context())
	if err != nil {
		return err
	}
	if len(installed) == 0 {
		fmt.Println("no capture triggers installed")
		return nil
	}
	for _, in := range installed {
		target := "(unbound)"
		if in.Table != "" {
			target = in.Schema + "." + in.Table
		}
		fmt.Printf("%-40s %s\n", in.Function, target)
	}
	return nil
}
