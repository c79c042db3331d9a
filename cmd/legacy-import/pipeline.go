package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/legacy-import/internal/config"
	"github.com/ehr/legacy-import/internal/domain/importer"
	"github.com/ehr/legacy-import/internal/legacy/pxdb"
	"github.com/ehr/legacy-import/internal/platform/db"
	"github.com/ehr/legacy-import/internal/platform/progress"
	"github.com/ehr/legacy-import/migrations"
)

const appName = "legacy-import"

// newLogger writes JSON to w, or console output in development.
func newLogger(w io.Writer, cfg *config.Config, verbose bool) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(w).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return logger.Level(level)
}

// bootstrap loads the configuration and builds the logger. Logs go to
// stderr so command output stays clean.
func bootstrap(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	return cfg, newLogger(os.Stderr, cfg, verbose), nil
}

// openStore connects to the destination database.
func openStore(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, *importer.PGStore, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, appName, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return pool, importer.NewPGStore(pool, cfg.Practice, migrations.FS), nil
}

// buildManager wires the reader, collector and persister. A nil store
// builds a read-only manager for previews. cleanup flushes the progress
// webhook.
func buildManager(cfg *config.Config, logger zerolog.Logger, store importer.Store) (*importer.Manager, func()) {
	notifier, cleanup := buildNotifier(cfg, logger)

	var converter importer.Converter
	if conv, err := importer.NewCommandConverter(cfg.DocConverter); err != nil {
		logger.Warn().Err(err).Str("command", cfg.DocConverter).Msg("legacy .doc histories will be reported, not imported")
	} else {
		converter = conv
	}
	collector := importer.NewCollector(importer.CollectorConfig{
		HistoryDir: cfg.HistoryDir,
		MaxBytes:   cfg.MaxDocumentBytes,
		Workers:    cfg.HistoryWorkers,
	}, converter, logger)

	var persister *importer.Persister
	if store != nil {
		persister = importer.NewPersister(store, logger,
			importer.WithNotifier(notifier),
			importer.WithTruncateBytes(cfg.TruncateDocumentBytes),
		)
	}

	reader := pxdb.SelectReader(cfg.NativeReader, logger)
	logger.Debug().Str("reader", reader.Name()).Msg("table reader selected")

	mgr := importer.NewManager(reader, collector, persister, logger,
		importer.WithProgress(notifier),
		importer.WithPreviewRowLimit(cfg.PreviewRowLimit),
	)
	return mgr, cleanup
}

// buildNotifier logs progress and, when configured, posts it to a webhook.
func buildNotifier(cfg *config.Config, logger zerolog.Logger) (progress.Notifier, func()) {
	notifiers := progress.Multi{progress.NewLogNotifier(logger)}
	if cfg.ProgressWebhookURL == "" {
		return notifiers, func() {}
	}
	wh := progress.NewWebhookNotifier(cfg.ProgressWebhookURL, cfg.ProgressWebhookSecret, logger)
	return append(notifiers, wh), wh.Close
}

func writeWorkbookFile(path string, p *importer.Preview) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return importer.WriteWorkbook(f, p)
}
