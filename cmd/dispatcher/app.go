package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeloop/dispatch-api/internal/config"
	"github.com/forgeloop/dispatch-api/internal/coordinator"
	"github.com/forgeloop/dispatch-api/internal/dispatch"
	"github.com/forgeloop/dispatch-api/internal/events"
	"github.com/forgeloop/dispatch-api/internal/executor"
	"github.com/forgeloop/dispatch-api/internal/platform/postgres"
	"github.com/forgeloop/dispatch-api/internal/service/auth"
	"github.com/forgeloop/dispatch-api/internal/store"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	// Stores over the shared coordination database
	queueStore  store.QueueStore
	ticketStore store.TicketStore
	lockStore   store.LockStore
	cancelStore store.CancellationStore

	// Services
	jwtService auth.JWTService
	notifier   events.Notifier
	dispatcher *dispatch.Dispatcher
	coord      *coordinator.Coordinator
	consumer   *dispatch.Consumer
}

// newApplication wires every dependency explicitly. Nothing here is a
// singleton; tests construct the same graph with fakes.
func newApplication(cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	logger.Info("service-token authentication initialized",
		"token_lifetime_minutes", cfg.Auth.TokenLifetimeMinutes)

	app.queueStore = postgres.NewPostgresQueueStore(db)
	app.ticketStore = postgres.NewPostgresTicketStore(db)
	app.lockStore = postgres.NewPostgresLockStore(db)
	app.cancelStore = postgres.NewPostgresCancellationStore(db)

	app.notifier = events.NewInMemoryNotifier(logger)

	httpExecutor := executor.NewHTTPExecutor(
		cfg.Dispatch.ExecutorURL,
		time.Duration(cfg.Dispatch.ExecutorTimeoutSeconds)*time.Second,
		logger,
	)
	watchedExecutor := dispatch.NewCancellationWatcher(
		httpExecutor,
		app.cancelStore,
		time.Duration(cfg.Dispatch.CancelPollIntervalMS)*time.Millisecond,
		logger,
	)

	app.coord = coordinator.New(
		watchedExecutor,
		app.ticketStore,
		app.notifier,
		coordinator.Config{MaxConcurrent: cfg.Dispatch.MaxConcurrent},
		logger,
	)

	app.dispatcher = dispatch.New(
		app.queueStore,
		app.ticketStore,
		app.lockStore,
		app.cancelStore,
		app.notifier,
		store.NewSQLRunner(db),
		dispatch.Config{
			CancelFlagTTL: time.Duration(cfg.Dispatch.CancelFlagTTLSeconds) * time.Second,
		},
		logger,
	)

	app.consumer = dispatch.NewConsumer(
		app.queueStore,
		app.lockStore,
		app.coord,
		dispatch.ConsumerConfig{
			PollInterval: time.Duration(cfg.Dispatch.PollIntervalMS) * time.Millisecond,
			LockTTL:      time.Duration(cfg.Dispatch.LockTTLSeconds) * time.Second,
		},
		logger,
	)

	logger.Info("application initialized")
	return app, nil
}

// Run starts the queue consumer and the HTTP server, blocking until shutdown.
func (app *application) Run(ctx context.Context) error {
	consumerCtx, cancelConsumer := context.WithCancel(ctx)
	defer cancelConsumer()
	app.consumer.Start(consumerCtx)

	router := app.setupRouter()
	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// cleanup handles graceful shutdown of application resources: stop taking
// new batches, let in-flight batches finish, then close the database.
func (app *application) cleanup() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.consumer.Drain(drainCtx); err != nil {
		app.logger.Error("consumer did not drain cleanly", "error", err)
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
}
