package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/stablehand/labqc/internal/config"
	"github.com/stablehand/labqc/internal/domain/labqc"
	"github.com/stablehand/labqc/internal/platform/db"
	"github.com/stablehand/labqc/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "labqc-server",
		Short:        "Equine laboratory result entry and QC service",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(facilityCmd())
	root.AddCommand(templatesCmd())
	root.AddCommand(evaluateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationFiles returns the embedded migrations unless dir is set.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "labqc",
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	var schema, dir string
	addFlags := func(c *cobra.Command) {
		c.Flags().StringVar(&schema, "schema", "", "Target schema (default: the default facility's schema)")
		c.Flags().StringVar(&dir, "dir", "", "Migrations directory (default: embedded migrations, or MIGRATIONS_DIR)")
	}

	prepare := func(ctx context.Context) (*db.Migrator, string, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, "", nil, err
		}
		pool, err := connect(ctx, cfg)
		if err != nil {
			return nil, "", nil, err
		}
		if schema == "" {
			schema = db.SchemaName(cfg.DefaultFacility)
		}
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		return db.NewMigrator(pool, migrationFiles(dir)), schema, pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, target, closeFn, err := prepare(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", target)
			count, err := migrator.Up(ctx, target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	addFlags(upCmd)
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, target, closeFn, err := prepare(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx, target)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			return printMigrationStatus(cmd.OutOrStdout(), target, statuses)
		},
	}
	addFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(out io.Writer, schema string, statuses []db.MigrationStatus) error {
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		appliedAt := ""
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, s.State(), appliedAt)
	}
	return w.Flush()
}

func facilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facility",
		Short: "Manage facility schemas",
	}

	var dir string
	createCmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a facility schema and apply migrations to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if dir == "" {
				dir = cfg.MigrationsDir
			}
			if err := db.CreateFacilitySchema(ctx, pool, args[0], migrationFiles(dir)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Facility schema %s is ready.\n", db.SchemaName(args[0]))
			return nil
		},
	}
	createCmd.Flags().StringVar(&dir, "dir", "", "Migrations directory (default: embedded migrations)")
	cmd.AddCommand(createCmd)
	return cmd
}

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage lab templates",
	}

	var file, facility string
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert the template catalog into the facility schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			templates, err := loadCatalog(file, cfg.TemplateCatalogFile)
			if err != nil {
				return err
			}
			if facility == "" {
				facility = cfg.DefaultFacility
			}

			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			txCtx, tx, err := db.BeginFacilityTx(ctx, pool, facility)
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)
			n, err := labqc.SeedTemplates(txCtx, labqc.NewTemplateRepoPG(pool), templates)
			if err != nil {
				return err
			}
			if err := tx.Commit(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d template(s).\n", n)
			return nil
		},
	}
	seedCmd.Flags().StringVar(&file, "file", "", "YAML catalog (default: TEMPLATE_CATALOG_FILE, else the built-in catalog)")
	seedCmd.Flags().StringVar(&facility, "facility", "", "Target facility (default: DEFAULT_FACILITY)")
	cmd.AddCommand(seedCmd)

	var listFile string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print the template catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			templates, err := loadCatalog(listFile, cfg.TemplateCatalogFile)
			if err != nil {
				return err
			}
			return printTemplates(cmd.OutOrStdout(), templates)
		},
	}
	listCmd.Flags().StringVar(&listFile, "file", "", "YAML catalog (default: TEMPLATE_CATALOG_FILE, else the built-in catalog)")
	cmd.AddCommand(listCmd)

	return cmd
}

// loadCatalog prefers the flag, then the configured file, then the built-in catalog.
func loadCatalog(flagFile, cfgFile string) ([]labqc.Template, error) {
	switch {
	case flagFile != "":
		return labqc.LoadCatalogFile(flagFile)
	case cfgFile != "":
		return labqc.LoadCatalogFile(cfgFile)
	default:
		return labqc.DefaultCatalog(), nil
	}
}

func printTemplates(out io.Writer, templates []labqc.Template) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tSAMPLE\tPARAMETERS\tNAME")
	for _, t := range templates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Category, t.SampleType, len(t.Parameters), t.Name)
	}
	return w.Flush()
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <value> <reference>",
		Short: "Grade one value against a reference range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := labqc.Classify(args[0], args[1])
			fmt.Fprintln(cmd.OutOrStdout(), ev.Status)
			if !ev.Parsed {
				fmt.Fprintln(cmd.ErrOrStderr(), "note: value or reference is not numeric; status defaulted to normal")
			}
			return nil
		},
	}
}
