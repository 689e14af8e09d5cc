/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rent billing engine. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment)
  2. Initialize SQLite store
  3. Connect optional Redis (run lock) and Pub/Sub (operator alerts)
  4. Build dispatcher, allocator, generator and scheduler
  5. Run the requested command

COMMANDS:
  serve          HTTP API + scheduler (default)
  bill           Run billing once (--month=YYYY-MM, default current month)
  flush          Flush one batch of queued messages
  retry-failed   Re-queue failed messages

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for running jobs)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and client connections

ENVIRONMENT:
  See config/config.go for every variable.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment variables
  - scheduler/scheduler.go: Cron entries
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/rent-billing/api"
	"github.com/warp/rent-billing/billing"
	"github.com/warp/rent-billing/config"
	"github.com/warp/rent-billing/ledger"
	"github.com/warp/rent-billing/notify"
	"github.com/warp/rent-billing/scheduler"
	"github.com/warp/rent-billing/store/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rent-billing",
		Short: "Rent billing and payment allocation engine",
		// Without a subcommand the server runs.
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd(), billCmd(), flushCmd(), retryFailedCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func billCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bill",
		Short: "Run billing once for a month",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("month")

			var month ledger.Month
			if raw != "" {
				m, err := ledger.ParseMonth(raw)
				if err != nil {
					return err
				}
				month = m
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.scheduler.TriggerManualBillingRun(cmd.Context(), month)
			if err != nil {
				return err
			}
			fmt.Printf("Billed %s: %d of %d tenants (%d skipped, %d failed)\n",
				result.Month, result.BillsGenerated, result.TotalTenants, len(result.Skipped), len(result.Failed))
			return nil
		},
	}
	cmd.Flags().String("month", "", "billing month (YYYY-MM), default current month")
	return cmd
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send one batch of queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.dispatcher.Flush(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Claimed %d, sent %d, failed %d\n", res.Claimed, res.Sent, res.Failed)
			return nil
		},
	}
}

func retryFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Re-queue failed messages with a fresh attempt budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.dispatcher.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Re-queued %d messages\n", n)
			return nil
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(api.HandlerOptions{
		Store:      a.store,
		Allocator:  a.allocator,
		Dispatcher: a.dispatcher,
		Scheduler:  a.scheduler,
		Logger:     a.logger,
		Location:   a.location,
	})
	router := api.NewRouter(handler, a.cfg.CORSOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if a.cfg.SchedulerAutoStart {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.WithFields(logrus.Fields{"module": "main", "port": a.cfg.Port}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.scheduler.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.WithField("module", "main").Info("shutting down")
	a.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.WithField("module", "main").Info("server stopped")
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	location *time.Location

	store      *sqlite.Store
	dispatcher *notify.Dispatcher
	allocator  *billing.Allocator
	generator  *billing.Generator
	scheduler  *scheduler.Scheduler

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, location: loc, store: store}
	a.closers = append(a.closers, store.Close)

	var sender notify.Sender = &notify.LogSender{Logger: logger}
	if cfg.SMSProviderURL != "" {
		gateway := notify.NewHTTPSender(cfg.SMSProviderURL, cfg.SMSAPIKey, cfg.SMSSenderID)
		gateway.Client.Timeout = cfg.SMS.SendTimeout
		sender = gateway
	} else {
		logger.WithField("module", "main").Warn("SMS_PROVIDER_URL not set, messages are logged instead of sent")
	}
	a.dispatcher = notify.NewDispatcher(store, sender, logger, cfg.SMS)

	guards := billing.Guards{
		&billing.MemoryGuard{},
		&billing.StoreGuard{Locker: store, TTL: cfg.RunLockTTL, Logger: logger},
	}
	if cfg.RedisAddress != "" {
		rdb, locker, err := config.ConnectRedis(ctx, cfg, logger)
		if err != nil {
			config.LogError(logger, "main", "newApp", "redis", cfg.RedisAddress, err)
		} else {
			a.closers = append(a.closers, rdb.Close)
			guards = append(guards, billing.NewRedisGuard(locker, cfg.RunLockTTL, logger))
		}
	}

	operators := notify.MultiOperator{&notify.LogOperator{Logger: logger}}
	if cfg.PubSubProjectID != "" {
		client, err := config.ConnectPubSub(ctx, cfg, logger)
		if err != nil {
			config.LogError(logger, "main", "newApp", "pubsub", cfg.PubSubProjectID, err)
		} else {
			topic, err := config.EnsureTopic(ctx, client, cfg.OperatorTopic)
			if err != nil {
				config.LogError(logger, "main", "newApp", "pubsub topic", cfg.OperatorTopic, err)
				client.Close()
			} else {
				a.closers = append(a.closers, func() error {
					topic.Stop()
					return client.Close()
				})
				operators = append(operators, &notify.PubSubOperator{Topic: topic, Timeout: 30 * time.Second})
			}
		}
	}

	a.allocator = billing.NewAllocator(store, a.dispatcher, store, logger)
	a.generator = billing.NewGenerator(billing.GeneratorOptions{
		Reader:   store,
		Runs:     store,
		Settings: store,
		Notifier: a.dispatcher,
		Operator: operators,
		Guard:    guards,
		Logger:   logger,
	})
	a.scheduler = scheduler.New(scheduler.Options{
		Generator:     a.generator,
		Flusher:       a.dispatcher,
		Settings:      store,
		Runs:          store,
		Logger:        logger,
		Location:      loc,
		BillingHour:   cfg.BillingHour,
		FlushInterval: cfg.FlushInterval,
		RunTimeout:    cfg.RunTimeout,
	})
	return a, nil
}

// close releases clients in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithField("module", "main").WithError(err).Warn("close failed")
		}
	}
}
