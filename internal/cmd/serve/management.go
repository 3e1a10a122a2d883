package serve

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/threadvault/threadvault/internal/config"
	"github.com/threadvault/threadvault/internal/security"
)

// ready flips to true once the store and background services are up, and back
// to false when shutdown starts so load balancers stop routing probes here.
var ready atomic.Bool

func markReady()    { ready.Store(true) }
func markNotReady() { ready.Store(false) }

// startManagementServer serves /health, /ready, and /metrics on the
// management port. It returns once the listener goroutine is running.
func startManagementServer(cfg *config.Config) (*http.Server, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(accessLogMiddleware())
	}
	router.Use(security.MetricsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if !ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ManagementPort),
		Handler:           router,
		ReadHeaderTimeout: cfg.ManagementReadHeaderTimeout,
	}

	go func() {
		log.Info("Management server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Management server error", "err", err)
		}
	}()
	return srv, nil
}

func accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
