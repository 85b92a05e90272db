package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pysugar/inbox-tasks/internal/version"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server, ingest workers and renewal scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Workers run under their own context so Stop can drain the queue after
	// the signal arrives.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	a.ingestor.Start(workCtx)
	a.dedup.StartJanitor(ctx, time.Minute)
	a.scheduler.Start(ctx)

	if cfg.NotificationURL() == "" {
		log.Printf("⚠️ PUBLIC_API_BASE_URL is not set; subscriptions cannot be created until it is")
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("🚀 inbox-tasks %s starting on http://%s", version.String(), cfg.Addr())
		if url := cfg.NotificationURL(); url != "" {
			log.Printf("📬 Webhook: %s", url)
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			a.ingestor.Stop()
			a.scheduler.Stop()
			return err
		}
	case <-ctx.Done():
	}

	log.Printf("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	a.ingestor.Stop()
	a.scheduler.Stop()
	log.Printf("👋 Stopped")
	return nil
}
