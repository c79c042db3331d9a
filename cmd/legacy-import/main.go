package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehr/legacy-import/internal/config"
	"github.com/ehr/legacy-import/internal/domain/importer"
	"github.com/ehr/legacy-import/internal/legacy/pxdb"
	"github.com/ehr/legacy-import/internal/platform/db"
	"github.com/ehr/legacy-import/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "legacy-import",
		Short:        "Import a legacy dental clinic database",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM so a long read stops
// between tables.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// sourceDir picks the positional argument, falling back to SOURCE_DIR.
func sourceDir(args []string, cfg *config.Config) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if cfg.SourceDir != "" {
		return cfg.SourceDir, nil
	}
	return "", fmt.Errorf("source directory is required (argument or SOURCE_DIR)")
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <table.db>",
		Short: "Show the header, diagnostics and first rows of one table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, _ := cmd.Flags().GetInt("rows")
			cfg, logger, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			reader := pxdb.SelectReader(cfg.NativeReader, logger)
			t, err := reader.ReadTable(ctx, args[0], pxdb.Options{Limit: rows})
			if err != nil {
				return err
			}
			printTable(cmd.OutOrStdout(), t, rows)
			return nil
		},
	}
	cmd.Flags().Int("rows", 5, "Number of rows to print")
	return cmd
}

func previewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview [dir]",
		Short: "Read, reconcile and validate a source directory without writing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quick, _ := cmd.Flags().GetBool("quick")
			xlsxOut, _ := cmd.Flags().GetString("xlsx")
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, logger, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			dir, err := sourceDir(args, cfg)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			mgr, cleanup := buildManager(cfg, logger, nil)
			defer cleanup()

			s, err := mgr.Start(ctx, importer.StartOptions{Dir: dir, PreviewOnly: quick})
			if err != nil {
				return err
			}
			s.Validate(ctx)
			p := s.Preview(ctx)

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, p); err != nil {
					return err
				}
			} else {
				printPreview(out, p)
			}
			if xlsxOut != "" {
				if err := writeWorkbookFile(xlsxOut, p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Preview workbook written to %s\n", xlsxOut)
			}
			return nil
		},
	}
	cmd.Flags().Bool("quick", false, "Read only the first PREVIEW_ROW_LIMIT rows per table and skip histories")
	cmd.Flags().String("xlsx", "", "Also write the preview to this .xlsx file")
	cmd.Flags().Bool("json", false, "Print the preview as JSON")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [dir]",
		Short: "Import a source directory into the destination database",
		Long: "Reads and validates the source directory and prints the preview. " +
			"Nothing is written unless --yes is given and validation reports no blocking issues.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")

			cfg, logger, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			dir, err := sourceDir(args, cfg)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			pool, store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			mgr, cleanup := buildManager(cfg, logger, store)
			defer cleanup()

			s, err := mgr.Start(ctx, importer.StartOptions{Dir: dir})
			if err != nil {
				return err
			}
			v := s.Validate(ctx)
			out := cmd.OutOrStdout()
			printPreview(out, s.Preview(ctx))

			if !v.CanProceed() {
				return importer.ErrBlocked
			}
			if !yes {
				fmt.Fprintln(out, "\nDry run: nothing was written. Re-run with --yes to import.")
				return nil
			}

			res, err := s.Confirm(ctx)
			if errors.Is(err, importer.ErrPriorImport) {
				return fmt.Errorf("%w (run `legacy-import clear --yes` first)", err)
			}
			if err != nil {
				return err
			}
			printResult(out, res)
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Write to the destination database")
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent import runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, logger, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			pool, store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}

			mgr, cleanup := buildManager(cfg, logger, store)
			defer cleanup()
			runs, err := mgr.Runs(ctx, limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	return cmd
}

func clearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete previously imported data so the import can run again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("clear deletes every imported record; pass --yes to proceed")
			}
			cfg, logger, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			pool, store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			mgr, cleanup := buildManager(cfg, logger, store)
			defer cleanup()
			res, err := mgr.Clear(ctx)
			if err != nil {
				return err
			}
			printClear(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Confirm deletion")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the destination schema",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create the practice schema and apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			pool, _, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema, _ := db.PracticeSchema(cfg.Practice)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.EnsurePracticeSchema(ctx, pool, cfg.Practice, migrations.FS)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status of the practice schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			pool, _, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema, _ := db.PracticeSchema(cfg.Practice)
			statuses, err := db.NewMigrator(pool, migrations.FS, ".").Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrations(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	})

	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the import console API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			return runServer(cfg, logger)
		},
	}
}
