package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sungwon/inventory-notify/internal/api"
	"github.com/sungwon/inventory-notify/internal/auth"
	"github.com/sungwon/inventory-notify/internal/notification"
	"github.com/sungwon/inventory-notify/internal/worker"
)

func newServeCommand(configDir *string) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and, unless disabled, the background worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, *configDir, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without the in-process worker")
	return cmd
}

func newWorkerCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, *configDir)
			if err != nil {
				return err
			}
			defer a.Close()

			ensureQueues(ctx, a)
			w := worker.New(a.cfg.Worker, a.service, a.log)
			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			printStats(a, w.Stats())
			return nil
		},
	}
}

// ensureQueues creates the queues at startup. Failure is logged and the
// process keeps running so a later call can succeed.
func ensureQueues(ctx context.Context, a *app) {
	if !a.service.Enabled() {
		return
	}
	if err := a.service.EnsureQueues(ctx); err != nil {
		a.log.Error().Err(err).Msg("failed to ensure notification queues")
	}
}

func printStats(a *app, st worker.Stats) {
	a.log.Info().
		Int("total_processed", st.TotalProcessed).
		Int("total_successful", st.TotalSuccessful).
		Int("total_failed", st.TotalFailed).
		Int("total_retried", st.TotalRetried).
		Int("failed_batches", st.FailedBatches).
		Float64("success_rate", st.SuccessRate).
		Msg("worker summary")
}

func runServe(ctx context.Context, configDir string, withWorker bool) error {
	a, err := newApp(ctx, configDir)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	ensureQueues(ctx, a)

	limiter, closeLimiter := newAuthLimiter(a)
	defer closeLimiter()

	deps := api.Deps{
		Service:  a.service,
		Notifier: notification.NewNotifier(a.service, log),
		Auth:     auth.NewAuthenticator(a.cfg.Auth, limiter, log),
		Log:      log,

		TrustProxyHeaders: a.cfg.API.TrustProxyHeaders,
	}
	if a.cfg.Auth.Disabled {
		log.Warn().Msg("admin API authentication is disabled")
	}

	var w *worker.Worker
	workerDone := make(chan struct{})
	if withWorker && a.cfg.Worker.Enabled && a.service.Enabled() {
		w = worker.New(a.cfg.Worker, a.service, log)
		deps.Worker = w
		go func() {
			defer close(workerDone)
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Msg("worker exited")
			}
		}()
	} else {
		close(workerDone)
		log.Info().Msg("in-process worker not started")
	}

	srv := &http.Server{
		Addr:         a.cfg.API.Addr(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  a.cfg.API.ReadTimeout,
		WriteTimeout: a.cfg.API.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.API.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	if w != nil {
		w.Stop()
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("worker did not stop before shutdown timeout")
	}
	if w != nil {
		printStats(a, w.Stats())
	}

	log.Info().Msg("server stopped")
	return nil
}

// newAuthLimiter connects the failed-auth lockout to Redis when configured.
func newAuthLimiter(a *app) (*auth.RateLimiter, func()) {
	if a.cfg.Auth.LockoutRedisAddr == "" {
		return nil, func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.Auth.LockoutRedisAddr})
	a.log.Info().Str("addr", a.cfg.Auth.LockoutRedisAddr).Int("max_failures", a.cfg.Auth.MaxFailures).Msg("auth lockout enabled")
	return auth.NewRateLimiter(client, a.cfg.Auth.MaxFailures, a.cfg.Auth.LockoutDuration), func() {
		if err := client.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close lockout redis client")
		}
	}
}
