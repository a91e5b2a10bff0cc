// Package main provides the operator command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/controlcentre/section21/internal/app"
	"github.com/controlcentre/section21/internal/config"
	"github.com/controlcentre/section21/internal/infrastructure/postgres"
	"github.com/controlcentre/section21/internal/infrastructure/redpanda"
	"github.com/controlcentre/section21/internal/observability/logging"
	"github.com/controlcentre/section21/pkg/idempotency"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "s21ctl",
		Short:        "Section 21 submission sync operator tool",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(inboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := context.Background()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := postgres.Migrate(ctx, pool, logger)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			for _, name := range applied {
				fmt.Printf("applied %s\n", name)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", len(applied))
			return nil
		},
	})

	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize one form's submissions into the patient store",
		RunE: func(cmd *cobra.Command, args []string) error {
			formID, _ := cmd.Flags().GetString("form-id")

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.SyncTimeout)
			defer cancel()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Pipeline.Sync(ctx, formID)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			fmt.Printf("Synced %d records, %d errors (%s, %s)\n", res.Synced, res.Errors, res.FormTitle, res.Duration)
			if res.Truncated {
				fmt.Println("WARNING: the provider returned a full page; older submissions were not fetched.")
			}
			return nil
		},
	}
	cmd.Flags().String("form-id", "", "Provider form id to synchronize")
	cmd.MarkFlagRequired("form-id")
	return cmd
}

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List outcome letters that are expired or expiring soon",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := context.Background()
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Notifications.List(ctx, status)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("%-14s %6s %-12s %-30s %s\n", "STATUS", "DAYS", "EXPIRES", "PATIENT", "FORM")
			for _, n := range report.Notifications {
				fmt.Printf("%-14s %6d %-12s %-30s %s\n",
					n.Status, n.DaysUntilExpiry, n.ExpiryDate.Format("2006-01-02"), n.PatientName, n.FormTitle)
			}
			fmt.Printf("\n%d expiring soon, %d expired\n", report.Summary.ExpiringSoon, report.Summary.Expired)
			return nil
		},
	}
	cmd.Flags().String("status", "all", "Filter: all, expiring_soon or expired")
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage sync topics",
	}

	withAdmin := func(fn func(ctx context.Context, admin *redpanda.Admin) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if len(cfg.KafkaBrokers) == 0 {
				return fmt.Errorf("KAFKA_BROKERS is not set")
			}

			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			return fn(cmd.Context(), admin)
		}
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the sync topics if they do not exist",
	}
	ensureCmd.Flags().Int16("replication", redpanda.BrokerDefaultReplication, "Replication factor for new topics (-1 uses the broker default)")
	ensureCmd.RunE = withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
		replication, _ := ensureCmd.Flags().GetInt16("replication")
		statuses, err := admin.EnsureTopics(ctx, redpanda.SyncTopics(replication))
		if err != nil {
			return err
		}
		for _, st := range statuses {
			state := "exists"
			if st.Created {
				state = "created"
			}
			if st.Mismatch {
				state += ", unexpected partition count"
			}
			fmt.Printf("%-28s %2d partitions  %s\n", st.Name, st.Partitions, state)
		}
		return nil
	})
	cmd.AddCommand(ensureCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
			topics, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Println(t)
			}
			return nil
		}),
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
	}
	lagCmd.Flags().String("group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group")
	lagCmd.RunE = withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
		group, _ := lagCmd.Flags().GetString("group")
		backlog, err := admin.Backlog(ctx, group)
		if err != nil {
			return err
		}
		if len(backlog.Partitions) == 0 {
			fmt.Printf("Group %s has no committed offsets.\n", group)
			return nil
		}
		fmt.Printf("%-28s %-10s %s\n", "TOPIC", "PARTITION", "LAG")
		for _, p := range backlog.Partitions {
			fmt.Printf("%-28s %-10d %d\n", p.Topic, p.Partition, p.Lag)
		}
		fmt.Printf("Total: %d\n", backlog.Total)
		return nil
	})
	cmd.AddCommand(lagCmd)

	return cmd
}

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show queued sync outcomes recorded by the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("failures")

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := context.Background()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
			counts, err := inbox.Counts(ctx)
			if err != nil {
				return fmt.Errorf("count inbox: %w", err)
			}
			for _, s := range []idempotency.Status{
				idempotency.StatusStarted, idempotency.StatusFinished,
				idempotency.StatusRecoverable, idempotency.StatusFailed,
			} {
				fmt.Printf("%-12s %d\n", s, counts[s])
			}

			if limit <= 0 {
				return nil
			}
			failures, err := inbox.RecentFailures(ctx, limit)
			if err != nil {
				return fmt.Errorf("list failures: %w", err)
			}
			if len(failures) == 0 {
				return nil
			}
			fmt.Printf("\n%-20s %-12s %-8s %-20s %s\n", "FORM", "STATUS", "TRIES", "UPDATED", "ERROR")
			for _, f := range failures {
				fmt.Printf("%-20s %-12s %-8d %-20s %s\n",
					f.FormID, f.Status, f.Attempts, f.UpdatedAt.Format("2006-01-02 15:04:05"), f.LastError)
			}
			return nil
		},
	}
	cmd.Flags().Int("failures", 10, "Number of recent failed triggers to list (0 to skip)")
	return cmd
}
