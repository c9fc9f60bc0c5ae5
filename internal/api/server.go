package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"strategy-agent/config"
	"strategy-agent/internal/auth"
	"strategy-agent/internal/cache"
	"strategy-agent/internal/database"
	"strategy-agent/internal/models"
	"strategy-agent/internal/prompts"
	"strategy-agent/internal/runtime"
)

// Repository is the persistence surface the API reads and writes. It is
// satisfied by *database.Repository; tests substitute a fake.
type Repository interface {
	HealthCheck(ctx context.Context) error
	CreateStrategy(ctx context.Context, rec *models.StrategyRecord) error
	GetStrategy(ctx context.Context, strategyID string) (*models.StrategyRecord, error)
	ListStrategies(ctx context.Context, userID string) ([]*models.StrategyRecord, error)
	SetStrategyStatus(ctx context.Context, strategyID string, status models.StrategyStatus) error
	GetDetails(ctx context.Context, strategyID string, limit int) ([]*database.Detail, error)
	LatestPortfolioSnapshot(ctx context.Context, strategyID string) (*models.PortfolioView, error)
	LatestHoldings(ctx context.Context, strategyID string) ([]*database.Holding, error)
	PortfolioHistory(ctx context.Context, strategyID string, limit int) ([]*database.PortfolioSnapshot, error)
	ListPrompts(ctx context.Context) ([]*database.Prompt, error)
	GetPrompt(ctx context.Context, id string) (*database.Prompt, error)
	CreatePrompt(ctx context.Context, name, content string) (*database.Prompt, error)
	UpdatePrompt(ctx context.Context, id, name, content string) (*database.Prompt, error)
	DeletePrompt(ctx context.Context, id string) (bool, error)
}

// RateLimiter provides simple in-memory rate limiting per key.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server is the HTTP and websocket surface over the strategy runtime.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	repo       Repository
	manager    *runtime.Manager
	deps       runtime.Deps
	prompts    *prompts.Service
	cache      *cache.CacheService
	hub        *WSHub
	jwtManager *auth.JWTManager
	limiter    *RateLimiter
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewServer wires the API over the shared runtime dependencies. The
// prompt service and cache may be nil; the JWT middleware is mounted on
// mutating routes only when auth is enabled with a secret.
func NewServer(cfg *config.Config, repo Repository, manager *runtime.Manager, deps runtime.Deps, promptSvc *prompts.Service, cacheSvc *cache.CacheService, logger zerolog.Logger) *Server {
	if strings.EqualFold(cfg.LoggingConfig.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	if origins := splitOrigins(cfg.ServerConfig.AllowedOrigins); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.Enabled && cfg.AuthConfig.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)
	}

	server := &Server{
		router:     router,
		config:     cfg.ServerConfig,
		repo:       repo,
		manager:    manager,
		deps:       deps,
		prompts:    promptSvc,
		cache:      cacheSvc,
		hub:        NewWSHub(deps.Bus, logger),
		jwtManager: jwtManager,
		limiter:    NewRateLimiter(60, time.Minute),
		logger:     logger.With().Str("component", "api").Logger(),
		startedAt:  time.Now(),
	}

	server.setupRoutes()
	go server.hub.Run()

	return server
}

// splitOrigins parses the comma-separated allowed-origins setting. "*" or
// empty means allow all.
func splitOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api/v1")
	api.GET("/strategies", s.handleListStrategies)
	api.GET("/strategies/:id", s.handleGetStrategy)
	api.GET("/strategies/:id/details", s.handleStrategyDetails)
	api.GET("/strategies/:id/portfolio", s.handlePortfolioHistory)
	api.GET("/prompts", s.handleListPrompts)
	api.GET("/prompts/:id", s.handleGetPrompt)
	api.GET("/system/status", s.handleSystemStatus)

	mutating := api.Group("")
	mutating.Use(s.rateLimitMiddleware())
	if s.jwtManager != nil {
		mutating.Use(auth.Middleware(s.jwtManager))
	}
	mutating.POST("/strategies", s.handleCreateStrategy)
	mutating.POST("/strategies/:id/stop", s.handleStopStrategy)
	mutating.POST("/prompts", s.handleCreatePrompt)
	mutating.PUT("/prompts/:id", s.handleUpdatePrompt)
	mutating.DELETE("/prompts/:id", s.handleDeletePrompt)
}

// rateLimitMiddleware limits mutating requests per client address.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded, please slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Start runs the HTTP server. It blocks until the server stops; a clean
// shutdown returns nil.
func (s *Server) Start() error {
	readTimeout := time.Duration(s.config.ReadTimeout) * time.Second
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := time.Duration(s.config.WriteTimeout) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// handleHealth reports process health. The database probe gets a short
// deadline so a hung pool cannot stall load balancer checks.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	overall := "ok"

	dbStatus := "ok"
	if err := s.repo.HealthCheck(ctx); err != nil {
		dbStatus = "unavailable"
		overall = "degraded"
		status = http.StatusServiceUnavailable
	}

	cacheStatus := "disabled"
	if s.cache != nil {
		if s.cache.Healthy() {
			cacheStatus = "ok"
		} else {
			cacheStatus = "degraded"
		}
	}

	c.JSON(status, gin.H{
		"status":            overall,
		"database":          dbStatus,
		"cache":             cacheStatus,
		"active_strategies": s.manager.Count(),
		"uptime_sec":        int64(time.Since(s.startedAt).Seconds()),
	})
}

// errorResponse is a helper to send error responses.
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses.
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// getUserID returns the authenticated user id, or empty when auth is
// disabled.
func (s *Server) getUserID(c *gin.Context) string {
	if s.jwtManager == nil {
		return ""
	}
	return auth.GetUserID(c)
}
