package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/gateway"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)
	if err != nil {
		logger.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.PGDSN != "" {
		db, err = storage.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("postgres_unavailable", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, db, filepath.Join("migrations", "001_init.sql")); err != nil {
				logger.Error("migration_failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migration_applied", "file", "001_init.sql")
		}
	}

	var accts presence.Accounts
	var trips storage.TripStore
	switch {
	case db != nil:
		accts = accounts.NewPostgresAccounts(db)
		trips = storage.NewPostgresStore(db)
	case cfg.OpenAccounts:
		logger.Warn("open_accounts_enabled")
		accts = accounts.NewOpenAccounts()
		trips = storage.NewMemoryStore()
	default:
		logger.Warn("no_account_source", "hint", "set PG_DSN or OPEN_ACCOUNTS=true")
		accts = accounts.NewMemoryAccounts()
		trips = storage.NewMemoryStore()
	}

	estimator := &fare.Estimator{DefaultSpeedMps: cfg.DefaultSpeedMps, Log: logger}
	if cfg.OSRMEndpoint != "" {
		estimator.Router = fare.NewOSRMClient(cfg.OSRMEndpoint)
		estimator.Cache = fare.NewCache(cfg.ETACacheTTL)
	}

	gwOpts := gateway.Options{WriteTimeout: cfg.GatewayWriteLimit}
	if cfg.GatewayJWTSecret != "" {
		gwOpts.Auth = gateway.NewAuthenticator(cfg.GatewayJWTSecret)
	} else {
		logger.Warn("gateway_auth_disabled")
	}

	srv := httpapi.NewServer(httpapi.Options{
		Accounts: accts,
		Fares:    estimator,
		Dispatch: dispatch.Config{
			RadiiKm:      cfg.DispatchRadiiKm,
			SearchBudget: cfg.SearchBudget,
			Retention:    cfg.RequestRetention,
			GridCellKm:   cfg.GridCellKm,
		},
		Gateway: gwOpts,
		Logger:  logger,
		Ready: func(ctx context.Context) error {
			if db == nil {
				return nil
			}
			return db.PingContext(ctx)
		},
	})

	checkpoints := storage.NewCheckpointer(trips, cfg.CheckpointQueue, logger)
	srv.Dispatch.AddObserver(checkpoints)

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPresenceTopic, cfg.KafkaRideTopic, logger)
		srv.Presence.AddListener(producer)
		srv.Dispatch.AddObserver(producer)
	}

	var holder *payments.Holder
	if cfg.StripeAPIKey != "" {
		holder = payments.NewHolder(payments.NewStripeClient(cfg.StripeAPIKey), cfg.StripeCurrency, logger)
		srv.Dispatch.AddObserver(holder)
	}

	go srv.SamplePresence(ctx, 10*time.Second)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown", "error", err)
	}
	srv.Shutdown()
	checkpoints.Close()
	if holder != nil {
		holder.Close()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warn("kafka_close", "error", err)
		}
	}
}

func migrate(ctx context.Context, db *sql.DB, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(b))
	return err
}
