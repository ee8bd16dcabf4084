package consumer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/accountinfo"
	"github.com/canopy-network/bondingx/pkg/config"
	"github.com/canopy-network/bondingx/pkg/db"
	"github.com/canopy-network/bondingx/pkg/db/clickhouse"
	"github.com/canopy-network/bondingx/pkg/ingest"
	"github.com/canopy-network/bondingx/pkg/logging"
	"github.com/canopy-network/bondingx/pkg/models"
	"github.com/canopy-network/bondingx/pkg/redis"
	"github.com/canopy-network/bondingx/pkg/retry"
	"github.com/canopy-network/bondingx/pkg/rpc"
	"github.com/canopy-network/bondingx/pkg/writer"
)

// Retainer drops persisted data older than a retention period.
type Retainer interface {
	DropExpired(ctx context.Context, retention time.Duration) ([]string, error)
}

// App wires the ingestion subscriber to the time-series writer.
type App struct {
	Store    db.DeltaStore
	Retainer Retainer
	Filter   models.SubscriptionFilter

	Subscriber *ingest.Subscriber
	Writer     *writer.Writer

	// RedisClient is nil when the account cache is disabled.
	RedisClient *redis.Client

	// Cron runs the retention job; nil when retention is disabled.
	Cron      *cron.Cron
	Retention config.Retention

	// MetricsServer exposes /metrics and /healthz.
	MetricsServer *http.Server

	Logger *zap.Logger
}

// Initialize initializes the App.
func Initialize(ctx context.Context, cfg config.Consumer) (*App, error) {
	logger, err := logging.New(cfg.Log, "consumer")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	client, err := clickhouse.New(ctx, logger, cfg.ClickHouse, clickhouse.NewPoolConfig(cfg.ClickHouse, "consumer"))
	if err != nil {
		logger.Fatal("Unable to connect to clickhouse", zap.Error(err))
	}

	deltaDB, err := db.NewDeltaDB(ctx, client)
	if err != nil {
		logger.Fatal("Unable to initialize deltas table", zap.Error(err))
	}

	var opts []writer.Option
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(ctx, logger, cfg.Redis)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - account configs will not be cached", zap.Error(err))
			redisClient = nil
		} else {
			opts = append(opts, writer.WithSnapshotHook(accountinfo.Recorder(redisClient)))
		}
	}

	source := rpc.NewPubSub(rpc.PubSubOpts{
		Endpoint:         cfg.Upstream.WSEndpoint,
		Token:            cfg.Upstream.Token,
		Commitment:       cfg.Upstream.Commitment,
		HandshakeTimeout: cfg.Upstream.HandshakeTimeout,
	}, logger)

	app := &App{
		Store:    deltaDB,
		Retainer: deltaDB,
		Filter: models.SubscriptionFilter{
			Address:             cfg.Tracking.Address,
			ProgramID:           cfg.Tracking.ProgramID,
			IncludeTransactions: cfg.Tracking.IncludeTransactions,
		},
		Subscriber:  ingest.NewSubscriber(source, cfg.Upstream, logger),
		Writer:      writer.New(deltaDB, cfg.Writer, logger, opts...),
		RedisClient: redisClient,
		Retention:   cfg.Retention,
		Logger:      logger,
	}

	if cfg.Retention.Enabled {
		if err := app.SetupScheduler(ctx, cron.DefaultLogger); err != nil {
			return nil, fmt.Errorf("setup retention schedule: %w", err)
		}
	}
	app.SetupMetricsServer(cfg.MetricsAddr)

	return app, nil
}

// SetupScheduler registers the retention job on a new cron scheduler.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger) error {
	a.Cron = cron.New(cron.WithChain(cron.Recover(logger)))

	_, err := a.Cron.AddFunc(a.Retention.Schedule, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if err := a.RunRetention(rctx); err != nil {
			a.Logger.Error("Retention run failed", zap.Error(err))
		}
	})
	return err
}

// RunRetention drops partitions older than the retention period.
func (a *App) RunRetention(ctx context.Context) error {
	dropped, err := a.Retainer.DropExpired(ctx, a.Retention.Period)
	if err != nil {
		return err
	}
	a.Logger.Info("Retention run completed",
		zap.Strings("droppedPartitions", dropped),
		zap.Duration("period", a.Retention.Period))
	return nil
}

// SetupMetricsServer sets up the metrics and health listener.
func (a *App) SetupMetricsServer(addr string) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})).Methods("GET")

	a.MetricsServer = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
}

// Run subscribes upstream and writes deltas until ctx is done. The initial subscription is retried
// with backoff; once established, the subscriber reconnects on its own.
func (a *App) Run(ctx context.Context) error {
	var snapshots <-chan *models.AccountSnapshot
	err := retry.WithBackoff(ctx, retry.DefaultConfig(), a.Logger, "upstream subscribe", func() error {
		var err error
		snapshots, err = a.Subscriber.Start(ctx, a.Filter)
		return err
	})
	if err != nil {
		return err
	}

	a.Logger.Info("Consumer running",
		zap.String("address", a.Filter.Address),
		zap.String("programId", a.Filter.ProgramID))

	if err := a.Writer.Consume(ctx, snapshots); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Start starts the schedulers and listeners, runs the pipeline and shuts everything down when ctx is done.
func (a *App) Start(ctx context.Context) {
	if a.MetricsServer != nil {
		go func() {
			if err := a.MetricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}
	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("Retention cron started",
			zap.String("schedule", a.Retention.Schedule),
			zap.Duration("period", a.Retention.Period))
	}

	if err := a.Run(ctx); err != nil {
		a.Logger.Error("Consumer pipeline stopped", zap.Error(err))
	}

	a.Stop()
}

// Stop releases schedulers, listeners and backends.
func (a *App) Stop() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.MetricsServer != nil {
		_ = a.MetricsServer.Shutdown(shutdownCtx)
	}

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close redis connection", zap.Error(err))
		}
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
