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

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Schera-ole/logmetrics/internal/collector"
	"github.com/Schera-ole/logmetrics/internal/config"
	"github.com/Schera-ole/logmetrics/internal/handler"
	"github.com/Schera-ole/logmetrics/internal/logger"
	"github.com/Schera-ole/logmetrics/internal/migration"
	"github.com/Schera-ole/logmetrics/internal/repository"
	"github.com/Schera-ole/logmetrics/internal/sampler"
	"github.com/Schera-ole/logmetrics/internal/service"
)

const serverShutdownTimeout = 5 * time.Second

// backend is the storage the collector persists to and reports from.
type backend struct {
	persister collector.Persister
	reporter  repository.Reporter
	closers   []func() error
}

func (b *backend) Close() error {
	var result *multierror.Error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func newBackend(ctx context.Context, cfg *config.CollectorConfig, logger *zap.SugaredLogger) (*backend, error) {
	if cfg.DatabaseDSN == "" {
		logger.Info("database dsn is empty, metrics are kept in memory")
		storage := repository.NewMemStorage()
		return &backend{persister: storage, reporter: storage}, nil
	}

	if err := migration.RunMigrations(ctx, cfg.DatabaseDSN, logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	connect, err := repository.PgxConnector(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	pool, err := repository.NewConnectionPool(ctx, connect, repository.PoolConfig{
		MinConns:       int32(cfg.MinConnections),
		MaxConns:       int32(cfg.MaxConnections),
		AcquireTimeout: cfg.AcquireTimeout.Duration,
	}, logger)
	if err != nil {
		return nil, err
	}
	reporter, err := repository.NewSQLReporter(cfg.DatabaseDSN, cfg.MaxConnections, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &backend{
		persister: repository.NewBulkPersister(pool, logger),
		reporter:  reporter,
		closers:   []func() error{pool.Close, reporter.Close},
	}, nil
}

func collectorConfig(cfg *config.CollectorConfig) collector.Config {
	return collector.Config{
		BatchSize:       cfg.BatchSize,
		FlushInterval:   cfg.FlushInterval.Duration,
		MaxBufferSize:   cfg.MaxBufferSize,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration,
		ErrorBackoff:    cfg.ErrorBackoff.Duration,
		OverflowPolicy:  collector.OverflowPolicy(cfg.OverflowPolicy),
		OverflowWait:    cfg.OverflowWait.Duration,
	}
}

func run(ctx context.Context, cfg *config.CollectorConfig, logger *zap.SugaredLogger) (err error) {
	store, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}()

	c, err := collector.New(store.persister, collectorConfig(cfg), logger)
	if err != nil {
		return err
	}
	metricService := service.NewMetricsService(c, store.reporter, cfg.RetentionDays, logger)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler.Router(metricService, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return collector.Run(ctx, c, func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			logger.Infow("Starting server", "address", cfg.Address)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		if interval := cfg.SampleInterval.Duration; interval > 0 {
			g.Go(func() error {
				return sampler.NewHostSampler(c, interval, logger).Run(ctx)
			})
		}
		if interval := cfg.CleanupInterval.Duration; interval > 0 {
			g.Go(func() error {
				return metricService.RunMaintenance(ctx, interval)
			})
		}
		return g.Wait()
	})
}

func main() {
	cfg, err := config.NewCollectorConfig()
	if err != nil {
		log.Fatal("Failed to parse configuration: ", err)
	}

	logger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorw("collector stopped with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("collector stopped")
}
