// Package cli holds the mailcore command line: the API server, a one-off
// retention sweep and bulk .eml import.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felo/mailcore/internal/config"
	"github.com/felo/mailcore/internal/handlers"
	"github.com/felo/mailcore/internal/importer"
	"github.com/spf13/cobra"
)

var configPath string

// rootCmd serves the API when no subcommand is given
var rootCmd = &cobra.Command{
	Use:   "mailcore",
	Short: "Transactional email delivery and conversation threading",
	Long: `mailcore sends transactional email through SendGrid, SMTP or a local
development sink, receives inbound mail by webhook or IMAP and keeps both
directions threaded into conversations.

Examples:
  mailcore                     # serve the HTTP API
  mailcore serve --config mailcore.yaml
  mailcore sweep               # run one retention sweep and exit
  mailcore import ./archive    # import every .eml file below ./archive`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API with the retention janitor and IMAP poller",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep and exit",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var importWorkers int

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import every .eml file below dir as inbound mail",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	importCmd.Flags().IntVarP(&importWorkers, "workers", "w", 0, "concurrent workers (default inbound.import_workers)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(importCmd)
}

// Execute runs the command line
func Execute() error {
	return rootCmd.Execute()
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return newApp(ctx, cfg, logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	j, closeJanitorDB, err := a.newJanitor()
	if err != nil {
		return err
	}
	defer closeJanitorDB()
	j.Start(ctx)
	defer j.Stop()

	if a.cfg.Inbound.IMAP.Enabled {
		p := a.newPoller()
		p.Start(ctx)
		defer p.Stop()
	}

	h := handlers.New(a.dispatcher, a.db, a.fsBlobs, a.logger)
	srv := &http.Server{
		Addr:         a.cfg.Address(),
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", "url", a.cfg.URL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", "error", err)
	}
	a.logger.Info("server stopped")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	j, closeJanitorDB, err := a.newJanitor()
	if err != nil {
		return err
	}
	defer closeJanitorDB()

	report, err := j.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"purged %d emails (%d blobs), refreshed %d threads, deleted %d threads and %d orphans, purged %d drafts, %d errors in %s\n",
		report.EmailsPurged, report.BlobsDeleted, report.ThreadsRefreshed, report.ThreadsDeleted,
		report.OrphansDeleted, report.DraftsPurged, report.Errors, report.Duration.Round(time.Millisecond))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	workers := importWorkers
	if workers <= 0 {
		workers = a.cfg.Inbound.ImportWorkers
	}
	result, err := importer.New(a.dispatcher, args[0], a.logger).WithConcurrency(workers).ImportAll(ctx)
	if result != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "found %d, imported %d, duplicates %d, failed %d\n",
			result.TotalFound, result.Imported, result.Duplicates, result.Failed)
		for _, f := range result.FailedFiles {
			fmt.Fprintf(cmd.OutOrStdout(), "  failed: %s\n", f)
		}
	}
	return err
}
