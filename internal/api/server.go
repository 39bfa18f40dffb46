// Package api serves the inbound HTTP surface: message submission, request
// status, health and metrics.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/coordinator"
	"github.com/zulandar/signalbox/internal/metrics"
	"gorm.io/gorm"
)

const shutdownTimeout = 30 * time.Second

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Coordinator *coordinator.Coordinator
	DB          *gorm.DB
	Metrics     *metrics.Metrics
	Port        int
	Out         io.Writer
	Log         zerolog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("api: coordinator is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(opts.Log))

	registerRoutes(router, opts)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully, letting in-flight requests finish.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "signalbox listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
