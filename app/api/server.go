package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/bondingx/app/api/controller"
	"github.com/canopy-network/bondingx/app/api/types"
	"github.com/canopy-network/bondingx/pkg/config"
)

// NewServer builds the router and attaches the HTTP server to app.
func NewServer(app *types.App, cfg config.Server) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	app.Server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", cfg.Addr))

	return nil
}
