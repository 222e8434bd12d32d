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

	"github.com/spf13/cobra"

	"github.com/roach88/massmailer/internal/mailer"
	"github.com/roach88/massmailer/internal/metrics"
	"github.com/roach88/massmailer/internal/taskqueue"
)

// WorkerOptions holds the worker command flags.
type WorkerOptions struct {
	*RootOptions
	Once        bool
	DryRun      bool
	Workers     int
	MetricsAddr string

	// Transport replaces the configured transport. Tests set it.
	Transport mailer.Transport
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	return newWorkerCommand(&WorkerOptions{RootOptions: rootOpts})
}

func newWorkerCommand(opts *WorkerOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued messages",
		Long: `Run delivery workers over the task queue.

Each task sends one message. A message is sent only by the worker that
moved it from pending to sending, so a task delivered twice never sends
twice. Failed sends are retried with the configured delay; once retries
run out the message stays pending until "batch retry".

The worker runs until interrupted, or with --once until nothing is ready.`,
		Example: `  massmailer worker
  massmailer worker --once --dry-run -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit when no task is ready")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log messages instead of sending them")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "number of concurrent workers (default from config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runWorker(cmd *cobra.Command, opts *WorkerOptions) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	transport := opts.Transport
	switch {
	case transport != nil:
	case opts.DryRun:
		transport = mailer.LogTransport{Logger: a.logger}
	default:
		transport = mailer.NewSMTPTransport(a.cfg.SMTPConfig())
	}

	runOpts := a.cfg.RunnerOptions()
	if opts.Workers > 0 {
		runOpts.Workers = opts.Workers
	}
	runOpts.Once = opts.Once
	runOpts.Logger = a.logger

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	metricsAddr := a.cfg.MetricsAddr
	if opts.MetricsAddr != "" {
		metricsAddr = opts.MetricsAddr
	}
	if metricsAddr != "" {
		stop := serveMetrics(metricsAddr, a.logger)
		defer stop()
	}

	worker := mailer.NewWorker(a.store, transport, a.cfg.From, a.logger)
	runner := taskqueue.NewRunner(a.store.Tasks(0), worker.Handle, runOpts)

	slog.Info("workers starting", "db", a.cfg.Database, "workers", runOpts.Workers, "once", opts.Once, "dry_run", opts.DryRun)
	if !opts.Once {
		fmt.Fprintln(cmd.OutOrStdout(), "Workers started. Press Ctrl-C to stop.")
	}

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return outputError(a.formatter, ExitFailure, ErrCodeDatabase, fmt.Sprintf("worker stopped: %v", err))
	}

	slog.Info("workers stopped gracefully")
	return nil
}

// serveMetrics serves the Prometheus handler on addr until the returned
// func is called.
func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
