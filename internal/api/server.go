// Package api serves the node lifecycle over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/zulandar/nodeyard/internal/events"
	"github.com/zulandar/nodeyard/internal/lifecycle"
	"github.com/zulandar/nodeyard/internal/models"
	"go.uber.org/zap"
)

// Service is the set of node intents the API exposes.
type Service interface {
	Create(ctx context.Context) (*models.Node, error)
	List(ctx context.Context) ([]models.Node, error)
	Get(ctx context.Context, id uint) (*models.Node, error)
	Run(ctx context.Context, id uint) (*models.Node, error)
	Stop(ctx context.Context, id uint) (*models.Node, error)
	Wipe(ctx context.Context, id uint) (*models.Node, error)
	Delete(ctx context.Context, id uint) (*models.Node, error)
	Access(ctx context.Context, id uint) (*lifecycle.Access, error)
	Reconcile(ctx context.Context) (int, error)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Service     Service
	Port        int
	CORSOrigins []string
	Metrics     http.Handler // served at /metrics when set
	Events      *events.Hub  // streamed at /events when set
	Logger      *zap.Logger
	Out         io.Writer
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("api: service is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	if len(opts.CORSOrigins) > 0 {
		cc := cors.Config{
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
			MaxAge:       12 * time.Hour,
		}
		if slices.Contains(opts.CORSOrigins, "*") {
			cc.AllowAllOrigins = true
		} else {
			cc.AllowOrigins = opts.CORSOrigins
			cc.AllowCredentials = true
		}
		router.Use(cors.New(cc))
	}

	registerRoutes(router, opts)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8000
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
