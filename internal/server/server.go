// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/tinybrain/tabgate/internal/backend"
	"github.com/tinybrain/tabgate/internal/chat"
	"github.com/tinybrain/tabgate/internal/config"
	"github.com/tinybrain/tabgate/internal/eip3009"
	"github.com/tinybrain/tabgate/internal/health"
	"github.com/tinybrain/tabgate/internal/logging"
	"github.com/tinybrain/tabgate/internal/metrics"
	"github.com/tinybrain/tabgate/internal/paywall"
	"github.com/tinybrain/tabgate/internal/ratelimit"
	"github.com/tinybrain/tabgate/internal/realtime"
	"github.com/tinybrain/tabgate/internal/routing"
	"github.com/tinybrain/tabgate/internal/security"
	"github.com/tinybrain/tabgate/internal/session"
	"github.com/tinybrain/tabgate/internal/treasury"
	"github.com/tinybrain/tabgate/internal/usdc"
	"github.com/tinybrain/tabgate/internal/validation"
	"github.com/tinybrain/tabgate/pkg/x402"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       session.Store
	treasury    *treasury.Treasury
	redeemer    treasury.Redeemer
	verifier    *eip3009.Verifier
	sessions    *session.Service
	sweeper     *session.Sweeper
	primary     *backend.PrimaryClient
	gate        *paywall.Gate
	hub         *realtime.Hub
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRedeemer sets a custom on-chain redeemer (for testing)
func WithRedeemer(r treasury.Redeemer) Option {
	return func(s *Server) {
		s.redeemer = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set redeemer/logger)
	for _, opt := range opts {
		opt(s)
	}

	network, ok := x402.Network(cfg.ChainID)
	if !ok {
		return nil, fmt.Errorf("unsupported chain id %d", cfg.ChainID)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = session.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = session.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create treasury if no redeemer was injected
	if s.redeemer == nil {
		t, err := treasury.New(treasury.Config{
			RPCURL:       cfg.RPCURL,
			PrivateKey:   cfg.TreasuryKey,
			ChainID:      cfg.ChainID,
			USDCContract: cfg.USDCContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create treasury: %w", err)
		}
		s.treasury = t
		s.redeemer = t
	}

	payTo, err := s.payeeAddress()
	if err != nil {
		return nil, err
	}
	usdcContract := common.HexToAddress(cfg.USDCContract)
	s.verifier = eip3009.NewVerifier(eip3009.USDCDomain(cfg.ChainID, usdcContract), payTo)
	s.logger.Info("payment verification configured",
		"network", network,
		"payTo", payTo.Hex(),
		"usdc", usdcContract.Hex(),
	)

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Session ledger with live events and idle sweeper
	s.sessions = session.NewService(s.store, s.verifier, s.redeemer, session.Config{
		QueryCostCents:  cfg.QueryCostCents,
		MinDepositCents: cfg.MinDepositCents,
		IdleTimeout:     cfg.IdleTimeout,
	}).WithEvents(realtime.NewEmitter(s.hub))
	s.sweeper = session.NewSweeper(s.sessions, cfg.SweepInterval, s.logger)
	s.sessions.WithSweeper(s.sweeper)

	// Payment gate for the metered endpoints
	s.gate = paywall.New(s.verifier, s.redeemer, s.sessions, paywall.Config{
		PriceCents:     cfg.QueryCostCents,
		Network:        network,
		Asset:          usdcContract,
		PayTo:          payTo,
		TimeoutSeconds: int64(cfg.PaymentTimeout.Seconds()),
		Description:    "One metered inference query",
	})

	// Inference backends. The escalation backend sits behind its own
	// x402 paywall, so its HTTP client pays with the treasury key.
	s.primary = backend.NewPrimaryClient(cfg.PrimaryURL, cfg.PrimaryModel)
	payer, err := x402.NewClient(cfg.TreasuryKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation payer: %w", err)
	}
	escalation := backend.NewEscalationClient(cfg.EscalationURL, cfg.EscalationModel, payer)

	router := routing.New(cfg.PrimaryModel, cfg.EscalationModel, cfg.PerplexityThreshold)
	pipeline := chat.NewPipeline(router, s.primary, escalation, s.sessions)

	s.setupHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(pipeline)

	s.healthy.Store(true)

	return s, nil
}

// payeeAddress resolves the address deposits and settlements pay to.
func (s *Server) payeeAddress() (common.Address, error) {
	if s.treasury != nil {
		return s.treasury.Address(), nil
	}
	if !validation.IsValidEthAddress(s.cfg.TreasuryAddress) {
		return common.Address{}, errors.New("TREASURY_ADDRESS required when no treasury is configured")
	}
	return common.HexToAddress(s.cfg.TreasuryAddress), nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(pipeline *chat.Pipeline) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time activity streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Session tab management (open is paid by the deposit itself, not gated)
	sessionHandler := session.NewHandler(s.sessions)
	sessionHandler.RegisterRoutes(v1)

	// Metered chat. Per-call payments settle asynchronously so the
	// stream starts without waiting on chain confirmation; session
	// tokens bypass the per-call payment entirely.
	chatHandler := chat.NewHandler(pipeline)
	chatHandler.RegisterRoutes(v1, s.gate.Middleware(paywall.SettleAsync))
}

// -----------------------------------------------------------------------------
// Info & health handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	payTo, _ := s.payeeAddress()
	network, _ := x402.Network(s.cfg.ChainID)
	c.JSON(http.StatusOK, gin.H{
		"name":    "tabgate",
		"version": "0.1.0",
		"payment": gin.H{
			"scheme":          "x402/exact",
			"network":         network,
			"chainId":         s.cfg.ChainID,
			"asset":           s.cfg.USDCContract,
			"payTo":           payTo.Hex(),
			"queryCostCents":  s.cfg.QueryCostCents,
			"queryCostUsdc":   usdc.Format(usdc.CentsToBaseUnits(s.cfg.QueryCostCents)),
			"minDepositCents": s.cfg.MinDepositCents,
			"minDepositUsdc":  usdc.Format(usdc.CentsToBaseUnits(s.cfg.MinDepositCents)),
		},
		"endpoints": gin.H{
			"chat":    "POST /v1/chat (pay per call with X-PAYMENT, or open a tab)",
			"open":    "POST /v1/session/open",
			"close":   "POST /v1/session/close",
			"session": "GET /v1/session",
			"events":  "GET /ws",
		},
	})
}

func (s *Server) setupHealthChecks() {
	s.checks = health.NewRegistry()

	s.checks.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})

	s.checks.Register("primary_backend", func(ctx context.Context) health.Status {
		if err := s.primary.Ping(ctx); err != nil {
			return health.Status{Name: "primary_backend", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "primary_backend", Healthy: true}
	})

	s.checks.Register("sessions", func(ctx context.Context) health.Status {
		active, err := s.sessions.ActiveCount(ctx)
		if err != nil {
			return health.Status{Name: "sessions", Healthy: false, Detail: err.Error()}
		}
		detail := fmt.Sprintf("%d active", active)
		if s.sweeper.Running() {
			detail += ", sweeper running"
		}
		return health.Status{Name: "sessions", Healthy: true, Detail: detail}
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status": overall,
		"time":   time.Now().UTC().Format(time.RFC3339),
		"checks": statuses,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: chat responses are long-lived SSE streams.
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network_chain_id", s.cfg.ChainID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Sample DB pool stats into Prometheus gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (hub)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop idle session sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("session sweeper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close treasury RPC connection
	if s.treasury != nil {
		if err := s.treasury.Close(); err != nil {
			s.logger.Error("treasury close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
