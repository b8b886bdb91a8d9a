package handler

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/anchor"
	"github.com/jmerrifield20/custodyledger/internal/custody"
)

// RouterConfig configures the HTTP surface.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int
	MaxBodyBytes int64

	// Tokens guards write routes. Nil leaves them open, which is only
	// meant for local use.
	Tokens *TokenIssuer
}

// NewRouter builds the gin engine serving the custody API. A nil monitor
// leaves the anchor routes unmounted. ctx bounds background work such as
// the rate limiter's cleanup.
func NewRouter(ctx context.Context, cfg RouterConfig, svc *custody.Service, monitor *anchor.Monitor, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "case": svc.Ledger().Case()})
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	NewLedgerHandler(svc, cfg.Tokens, logger).Register(v1)
	NewSnapshotHandler(svc, cfg.Tokens, logger).Register(v1)
	if monitor != nil {
		NewAnchorHandler(monitor, svc, cfg.Tokens, logger).Register(v1)
	}
	return router
}

func containsWildcard(origins []string) bool {
	return slices.ContainsFunc(origins, func(o string) bool { return strings.TrimSpace(o) == "*" })
}

// requestLogger logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
