package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/brandon/cotex-billing/internal/billing"
	"github.com/brandon/cotex-billing/internal/config"
	"github.com/brandon/cotex-billing/internal/database"
	"github.com/brandon/cotex-billing/internal/housekeeping"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var driver, dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the billing tables in a SQL database",
		Long: `Create the billing tables in a PostgreSQL or SQLite database.

Supabase deployments manage their schema in the Supabase project and are
not migrated here.

Examples:
  billingctl migrate --driver sqlite --dsn file:billing.db
  billingctl migrate --driver postgres --dsn postgres://localhost/billing`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), driver, dsn)
		},
	}

	cmd.Flags().StringVar(&driver, "driver", "sqlite", "database driver (postgres, sqlite)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database connection string")
	_ = cmd.MarkFlagRequired("dsn")

	return cmd
}

func runMigrate(ctx context.Context, out io.Writer, driver, dsn string) error {
	var (
		store *database.SQLStore
		err   error
	)
	// Both constructors migrate on open
	switch driver {
	case "postgres":
		store, err = database.NewPostgres(dsn)
	case "sqlite":
		store, err = database.NewSQLite(dsn)
	default:
		return fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Fprintf(out, "Billing tables ready (%s)\n", driver)
	return nil
}

func plansCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Show the plan catalog built from the environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return printPlans(cmd.OutOrStdout(), billing.CatalogFromConfig(cfg), asJSON)
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func printPlans(out io.Writer, catalog *billing.Catalog, asJSON bool) error {
	plans := catalog.Plans()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plans)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAN\tTIER\tSTRIPE PRICE\tPADDLE PRODUCT")
	for _, p := range plans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Tier, dash(p.StripePriceID), dash(p.PaddleProductID))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func purgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete webhook ledger rows older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if olderThan == 0 {
				olderThan = cfg.LedgerRetention
			}

			store, err := database.New(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			return runPurge(cmd.Context(), cmd.OutOrStdout(), store, olderThan)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (defaults to LEDGER_RETENTION)")
	return cmd
}

func runPurge(ctx context.Context, out io.Writer, store housekeeping.Purger, olderThan time.Duration) error {
	// The schedule is never started; only PurgeOnce runs here.
	s, err := housekeeping.New(store, olderThan, "@daily", nil)
	if err != nil {
		return err
	}
	n, err := s.PurgeOnce(ctx)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	fmt.Fprintf(out, "Deleted %d webhook ledger rows older than %s\n", n, olderThan)
	return nil
}
