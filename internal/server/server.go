// Package server assembles the gin engine: middleware, the three procedure
// shells, health and metrics endpoints.
package server

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"tokengate/internal/auth"
	"tokengate/internal/registry"
	"tokengate/internal/rpc"
)

// Options carries everything the engine needs beyond the procedure table.
type Options struct {
	Auth     *auth.Service
	DB       *gorm.DB
	Registry *registry.Registry
	Version  string
}

// New builds the configured engine.
func New(procs *rpc.Registry, opts Options) *gin.Engine {
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(Logger())
	engine.Use(Identity(opts.Auth, opts.DB))

	engine.GET("/healthz", func(c *gin.Context) {
		health := opts.Registry.Healthz()
		dbOK := true
		if sqlDB, err := opts.DB.DB(); err != nil || sqlDB.Ping() != nil {
			dbOK = false
		}
		status := http.StatusOK
		if !dbOK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":   map[bool]string{true: "ok", false: "degraded"}[dbOK],
			"version":  opts.Version,
			"database": dbOK,
			"registry": health,
		})
	})

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/rpc", procs.JSONRPCHandler())

	trpc := procs.TRPCHandler()
	engine.POST("/trpc/*procedure", trpc)
	engine.GET("/trpc/*procedure", trpc)

	mcp := procs.MCPHandler(opts.Version)
	engine.POST("/mcp", mcp)
	engine.GET("/mcp", mcp)

	return engine
}
