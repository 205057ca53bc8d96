// Package api is the engine's operational HTTP surface: signal intake,
// position and order queries, trading-config management, health and
// metrics. It is a thin layer; all behaviour lives in the components it
// fronts.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tradeengine/internal/datastore"
	"tradeengine/internal/dispatcher"
	"tradeengine/internal/exchange"
	"tradeengine/internal/ledger"
	"tradeengine/internal/leverage"
	"tradeengine/internal/metrics"
	"tradeengine/internal/oco"
	"tradeengine/internal/orders"
	"tradeengine/internal/risk"
	"tradeengine/internal/tradingconfig"
)

// Config holds the HTTP server settings.
type Config struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"` // comma separated, "*" for all
	ReadTimeoutSec  int    `json:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec"`
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.AllowedOrigins == "" {
		c.AllowedOrigins = "*"
	}
	if c.ReadTimeoutSec <= 0 {
		c.ReadTimeoutSec = 30
	}
	if c.WriteTimeoutSec <= 0 {
		c.WriteTimeoutSec = 30
	}
}

// Deps are the components the surface fronts.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Ledger     *ledger.Ledger
	OCO        *oco.Manager
	Orders     *orders.Manager
	Resolver   *tradingconfig.Resolver
	Risk       *risk.Guard
	Leverage   *leverage.Manager
	Exchange   exchange.Client
	Store      datastore.Store
	Metrics    *metrics.Metrics
}

// Server wraps the gin engine and the http.Server lifecycle.
type Server struct {
	cfg    Config
	deps   Deps
	log    zerolog.Logger
	server *http.Server
}

func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  logger.With().Str("component", "APIServer").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	s.registerRoutes(router)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/signal", s.handleSignal)

		v1.GET("/positions", s.handlePositions)
		v1.GET("/positions/:key", s.handlePosition)
		v1.POST("/positions/:key/close", s.handleClosePosition)

		v1.GET("/orders", s.handleOrders)
		v1.GET("/orders/summary", s.handleOrderSummary)
		v1.POST("/orders/conditional", s.handlePlaceConditional)
		v1.DELETE("/orders/:id", s.handleCancelOrder)

		v1.GET("/oco", s.handleOCOPairs)

		v1.GET("/config", s.handleGetConfig)
		v1.PUT("/config", s.handleSetConfig)
		v1.DELETE("/config", s.handleDeleteConfig)
		v1.GET("/config/audit", s.handleConfigAudit)

		v1.GET("/risk", s.handleRisk)
		v1.GET("/leverage", s.handleLeverage)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestLogger logs one line per request, debug for probes.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		event := s.log.Info()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			event = s.log.Debug()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}
