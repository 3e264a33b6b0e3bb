package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/api"
	"github.com/punchamoorthee/transferledger/internal/audit"
	"github.com/punchamoorthee/transferledger/internal/clock"
	"github.com/punchamoorthee/transferledger/internal/config"
	"github.com/punchamoorthee/transferledger/internal/idempotency"
	"github.com/punchamoorthee/transferledger/internal/ledger"
	"github.com/punchamoorthee/transferledger/internal/logging"
	"github.com/punchamoorthee/transferledger/internal/service"
	"github.com/punchamoorthee/transferledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	policy := idempotency.Policy{Lease: cfg.IdempotencyLease, Retention: cfg.IdempotencyRetention}
	var checks []func(context.Context) error

	var db *store.Store
	if cfg.UsesPostgres() {
		if err := store.Migrate(cfg.DBSource, logger); err != nil {
			return err
		}
		var err error
		db, err = store.NewStore(ctx, cfg.DBSource, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		defer db.Close()
		checks = append(checks, db.Ping)
	}

	var (
		ledgerBackend ledger.Ledger
		auditLog      audit.Log
	)
	if cfg.LedgerBackend == config.BackendPostgres {
		ledgerBackend = store.NewLedger(db, clk)
		auditLog = store.NewAuditLog(db)
	} else {
		logger.Warn("using in-memory ledger; balances are lost on restart")
		ledgerBackend = ledger.NewMemoryLedger(clk)
		auditLog = audit.NewMemoryLog()
	}

	var idem idempotency.Store
	switch cfg.IdempotencyBackend {
	case config.BackendPostgres:
		idem = store.NewIdempotencyStore(db, policy, clk)
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		idem = idempotency.NewRedisStore(rdb, policy, clk)
	default:
		idem = idempotency.NewMemoryStore(policy, clk)
	}

	if len(cfg.KafkaBrokers) > 0 {
		sink := audit.NewKafkaSink(audit.KafkaConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			WriteTimeout: cfg.KafkaWriteTimeout,
		}, logger)
		defer sink.Close()
		auditLog = audit.NewTee(auditLog, logger, sink)
		logger.Info("mirroring audit events to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	go idempotency.NewSweeper(idem, cfg.SweepInterval, logger).Run(ctx)

	svc := service.NewTransferService(ledgerBackend, idem, auditLog, service.Options{
		MaxApplyAttempts: cfg.MaxApplyAttempts,
		Clock:            clk,
		Logger:           logger.Named("engine"),
	})

	handler := api.NewHandler(svc, logger, func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if cfg.JWTSigningKey == "" {
		if cfg.IsProduction() {
			return errors.New("JWT_SIGNING_KEY is required in production")
		}
		logger.Warn("JWT_SIGNING_KEY not set; API is unauthenticated")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, logger, cfg.JWTSigningKey),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("ledger_backend", cfg.LedgerBackend),
			zap.String("idempotency_backend", cfg.IdempotencyBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
