package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"PerpEngine/internal/observability"
	"PerpEngine/internal/persistence"
)

type options struct {
	dsn           string
	migrationsDir string
}

func main() {
	log := observability.NewLogger("migrate")
	if err := rootCommand(log).ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
}

func rootCommand(log zerolog.Logger) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the PerpEngine Postgres schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.dsn, "dsn", envOr("PERP_POSTGRES_DSN", "postgres://localhost:5432/perpengine?sslmode=disable"), "Postgres connection string")
	flags.StringVar(&opts.migrationsDir, "dir", envOr("PERP_MIGRATIONS_DIR", "migrations"), "migrations directory")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(opts, log, func(ctx context.Context, m *persistence.Migrator, c *cobra.Command) error {
				n, err := m.Up(ctx)
				if err != nil {
					return err
				}
				log.Info().Int("applied", n).Msg("migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: withMigrator(opts, log, func(ctx context.Context, m *persistence.Migrator, c *cobra.Command) error {
				rolled, err := m.Down(ctx)
				if err != nil {
					return err
				}
				if !rolled {
					log.Info().Msg("nothing to roll back")
					return nil
				}
				log.Info().Msg("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: withMigrator(opts, log, func(ctx context.Context, m *persistence.Migrator, c *cobra.Command) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tFILE\tAPPLIED")
				for _, s := range statuses {
					applied := "-"
					if s.Applied {
						applied = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Version, s.Filename, applied)
				}
				return tw.Flush()
			}),
		},
	)
	return root
}

func withMigrator(opts *options, log zerolog.Logger, fn func(context.Context, *persistence.Migrator, *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(c *cobra.Command, _ []string) error {
		db, err := sql.Open("postgres", opts.dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		return fn(c.Context(), persistence.NewMigrator(db, opts.migrationsDir, log), c)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
