package api

import (
	"context"

	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/app/api/types"
	"github.com/canopy-network/bondingx/pkg/accountinfo"
	"github.com/canopy-network/bondingx/pkg/config"
	"github.com/canopy-network/bondingx/pkg/db"
	"github.com/canopy-network/bondingx/pkg/db/clickhouse"
	"github.com/canopy-network/bondingx/pkg/history"
	"github.com/canopy-network/bondingx/pkg/logging"
	"github.com/canopy-network/bondingx/pkg/redis"
	"github.com/canopy-network/bondingx/pkg/rpc"
	"github.com/canopy-network/bondingx/pkg/session"
)

// Initialize initializes the application.
func Initialize(ctx context.Context, cfg config.API) *types.App {
	logger, err := logging.New(cfg.Log, "api")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	client, err := clickhouse.New(ctx, logger, cfg.ClickHouse, clickhouse.NewPoolConfig(cfg.ClickHouse, "api"))
	if err != nil {
		logger.Fatal("Unable to connect to clickhouse", zap.Error(err))
	}

	deltaDB, err := db.NewDeltaDB(ctx, client)
	if err != nil {
		logger.Fatal("Unable to initialize deltas table", zap.Error(err))
	}

	// Redis holds the account configs written by the consumer (optional)
	var (
		redisClient *redis.Client
		store       accountinfo.Store = accountinfo.NewMemoryStore()
	)
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(ctx, logger, cfg.Redis)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - account info will be fetched over RPC",
				zap.Error(err))
			redisClient = nil
		} else {
			cached := accountinfo.NewCachedStore(redisClient)
			if err := redisClient.WatchAccounts(ctx, cached.Refresh); err != nil {
				logger.Warn("Account update subscription failed - cached configs refresh on restart only",
					zap.Error(err))
			}
			store = cached
		}
	} else {
		logger.Info("Redis disabled - account info will be fetched over RPC")
	}

	var fetcher rpc.AccountFetcher
	if cfg.RPCEndpoint != "" {
		fetcher = rpc.NewHTTPWithOpts(rpc.Opts{
			Endpoints:  []string{cfg.RPCEndpoint},
			Token:      cfg.RPCToken,
			Commitment: cfg.RPCCommitment,
		})
	}

	hist := history.NewService(deltaDB, cfg.History, logger)
	resolver := accountinfo.NewResolver(store, fetcher, logger)

	return &types.App{
		DeltaDB:     deltaDB,
		History:     hist,
		Sessions:    session.NewManager(hist, resolver, cfg.Session, logger),
		RedisClient: redisClient,
		Logger:      logger,
	}
}
