package types

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/pkg/db"
	"github.com/canopy-network/bondingx/pkg/history"
	"github.com/canopy-network/bondingx/pkg/redis"
	"github.com/canopy-network/bondingx/pkg/session"
)

type App struct {
	DeltaDB db.DeltaStore
	History *history.Service
	// Sessions runs one live session per websocket subscriber.
	Sessions *session.Manager
	// RedisClient is nil when the account cache is disabled.
	RedisClient *redis.Client
	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// Start serves until ctx is done, then shuts the server down and releases the backends.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.Server.Shutdown(shutdownCtx)
	a.Sessions.Close()

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close redis connection", zap.Error(err))
		}
	}

	if err := a.DeltaDB.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
