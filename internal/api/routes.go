package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/nodeyard/internal/lifecycle"
	"github.com/zulandar/nodeyard/internal/models"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	svc := opts.Service

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	if opts.Events != nil {
		router.GET("/events", handleSSE(opts.Events))
	}

	router.GET("/nodes", handleList(svc))
	router.POST("/nodes", handleCreate(svc))
	router.GET("/nodes/:id", nodeOp(svc.Get))
	router.DELETE("/nodes/:id", nodeOp(svc.Delete))
	router.POST("/nodes/:id/run", nodeOp(svc.Run))
	router.POST("/nodes/:id/stop", nodeOp(svc.Stop))
	router.POST("/nodes/:id/wipe", nodeOp(svc.Wipe))
	router.POST("/nodes/:id/access", handleAccess(svc))
	router.POST("/reconcile", handleReconcile(svc))
}

func handleList(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodes, err := svc.List(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		if nodes == nil {
			nodes = []models.Node{}
		}
		c.JSON(http.StatusOK, nodes)
	}
}

func handleCreate(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.Create(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, n)
	}
}

// nodeOp adapts a single-node intent to a handler.
func nodeOp(op func(ctx context.Context, id uint) (*models.Node, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		n, err := op(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

func handleAccess(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		a, err := svc.Access(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

func handleReconcile(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.Reconcile(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reconciled": n})
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid node id " + strconv.Quote(c.Param("id"))})
		return 0, false
	}
	return uint(id), true
}

// statusFor maps lifecycle errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, lifecycle.ErrBroker):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
