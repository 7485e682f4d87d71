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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/settlehub/internal/admin"
	"github.com/mbd888/settlehub/internal/audit"
	"github.com/mbd888/settlehub/internal/barter"
	"github.com/mbd888/settlehub/internal/circuitbreaker"
	"github.com/mbd888/settlehub/internal/config"
	"github.com/mbd888/settlehub/internal/dispute"
	"github.com/mbd888/settlehub/internal/escrow"
	"github.com/mbd888/settlehub/internal/gateway"
	"github.com/mbd888/settlehub/internal/health"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/logging"
	"github.com/mbd888/settlehub/internal/methods"
	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/notify"
	"github.com/mbd888/settlehub/internal/payout"
	"github.com/mbd888/settlehub/internal/ratelimit"
	"github.com/mbd888/settlehub/internal/realtime"
	"github.com/mbd888/settlehub/internal/retry"
	"github.com/mbd888/settlehub/internal/security"
	"github.com/mbd888/settlehub/internal/settlement"
	"github.com/mbd888/settlehub/internal/sweeper"
	"github.com/mbd888/settlehub/internal/traces"
	"github.com/mbd888/settlehub/internal/validation"
	"github.com/mbd888/settlehub/internal/webhooks"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

// BootstrapAdminID owns the operator key imported from ADMIN_API_KEY.
const BootstrapAdminID = "admin"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	identity     *identity.Manager
	registry     *methods.Registry
	listings     barter.ListingRegistry
	payouts      payout.Queue
	auditLog     audit.Logger
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	realtimeHub  *realtime.Hub
	gateway      gateway.Gateway
	payments     *gateway.Client

	engine        *settlement.Engine
	escrowService *escrow.Service
	escrowTimer   *sweeper.Sweeper
	barterService *barter.Service
	barterTimer   *sweeper.Sweeper
	resolver      *dispute.Resolver

	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	shutdownTraces func(context.Context) error
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets the card and wallet processor (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		identityStore   identity.Store
		settlementStore settlement.Store
		escrowStore     escrow.Store
		barterStore     barter.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		identityStore = identity.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		barterStore = barter.NewPostgresStore(db)
		s.listings = barter.NewPostgresDirectory(db)
		s.payouts = payout.NewPostgresQueue(db)
		s.auditLog = audit.NewPostgresLog(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		identityStore = identity.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		barterStore = barter.NewMemoryStore()
		s.listings = barter.NewMemoryDirectory()
		s.payouts = payout.NewMemoryQueue()
		s.auditLog = audit.NewMemoryLog()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.identity = identity.NewManager(identityStore)

	registry, err := methods.NewRegistry(
		methods.DefaultMethods(cfg.CODCeiling, cfg.BarterCeiling),
		methods.DefaultDisplay(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build payment method registry: %w", err)
	}
	s.registry = registry

	// Notifications fan out to websocket subscribers and webhooks
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore)
	if cfg.IsProduction() {
		s.webhooks.WithURLValidator(security.ValidateEndpointURL)
	}
	notifier := notify.NewFanout(s.logger, s.realtimeHub, webhooks.NewEmitter(s.webhooks, s.logger))

	s.payments = s.newPaymentsClient()

	s.escrowService = escrow.NewService(escrowStore, s.auditLog, s.payouts, s.logger).
		WithReviewWindow(cfg.ReviewWindow).
		WithNotifier(notifier)
	s.barterService = barter.NewService(barterStore, s.listings, s.identity, s.auditLog, s.logger).
		WithTTL(cfg.BarterTTL).
		WithMaxCounterRounds(cfg.MaxCounterRound).
		WithNotifier(notifier)
	s.resolver = dispute.NewResolver(escrowStore, s.escrowService, s.identity, s.auditLog, s.logger).
		WithNotifier(notifier)
	s.engine = settlement.NewEngine(settlementStore, registry, s.payments, s.escrowService, s.barterService,
		s.payouts, s.identity, s.auditLog, s.logger).
		WithCurrency(money.Currency(cfg.DefaultCurrency)).
		WithNotifier(notifier)

	// Settlement finalizes orders when escrow or barter resolves
	s.escrowService.SetObserver(s.engine)
	s.barterService.SetObserver(s.engine)

	s.escrowTimer = sweeper.New("escrow_auto_release", cfg.EscrowTimerInterval, s.escrowService.AutoRelease, s.logger)
	s.barterTimer = sweeper.New("barter_expiry", cfg.BarterTimerInterval, s.barterService.ExpireStale, s.logger)
	s.health.Register("escrow_timer", health.LoopChecker(s.escrowTimer, 3*cfg.EscrowTimerInterval))
	s.health.Register("barter_timer", health.LoopChecker(s.barterTimer, 3*cfg.BarterTimerInterval))
	s.health.Register("gateway", health.GatewayChecker(func() string { return s.payments.Circuit().State }))

	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// newPaymentsClient wraps the configured processor with timeout, retry
// and circuit breaking.
func (s *Server) newPaymentsClient() *gateway.Client {
	if s.gateway == nil {
		if s.cfg.StripeSecretKey != "" {
			s.gateway = gateway.NewStripeGateway(s.cfg.StripeSecretKey, nil)
		} else {
			s.gateway = gateway.NewMemoryGateway()
			s.logger.Warn("using in-memory payment gateway (no STRIPE_SECRET_KEY set)")
		}
	}
	s.logger.Info("payment gateway configured", "provider", s.gateway.Name())

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("gateway circuit changed", "provider", key, "from", from.String(), "to", to.String())
	})
	return gateway.NewClient(s.gateway, s.logger).
		WithBreaker(breaker).
		WithTimeout(s.cfg.GatewayTimeout).
		WithPolicy(retry.Policy{
			MaxAttempts: s.cfg.GatewayMaxAttempts,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			OnRetry: func(attempt int, err error) {
				s.logger.Warn("retrying gateway call", "attempt", attempt, "error", err)
			},
		})
}

// bootstrap imports the operator key and the configured webhook targets.
func (s *Server) bootstrap(ctx context.Context) error {
	if s.cfg.AdminAPIKey != "" {
		key, err := s.identity.ImportKey(ctx, s.cfg.AdminAPIKey, BootstrapAdminID, "bootstrap")
		if err != nil {
			return fmt.Errorf("failed to import admin key: %w", err)
		}
		if err := s.identity.GrantRole(ctx, BootstrapAdminID, identity.RoleAdmin); err != nil {
			return fmt.Errorf("failed to grant admin role: %w", err)
		}
		s.logger.Info("admin key imported", "keyId", key.ID)
	}

	if len(s.cfg.WebhookURLs) == 0 {
		return nil
	}
	existing, err := s.webhookStore.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list webhooks: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, sub := range existing {
		known[sub.URL] = true
	}
	for _, target := range s.cfg.WebhookURLs {
		if known[target] {
			continue
		}
		if err := webhooks.ValidateURL(target); err != nil {
			return fmt.Errorf("invalid webhook url %q: %w", target, err)
		}
		sub := &webhooks.Subscription{
			ID:        idgen.WithPrefix("wh_"),
			URL:       target,
			Secret:    s.cfg.WebhookSecret,
			Active:    true,
			CreatedAt: time.Now(),
		}
		if err := s.webhookStore.Create(ctx, sub); err != nil {
			return fmt.Errorf("failed to register webhook: %w", err)
		}
		s.logger.Info("webhook registered", "id", sub.ID, "url", target)
	}
	return nil
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Authentication never aborts; route groups decide what they require.
	s.router.Use(identity.Middleware(s.identity))

	// Rate limiting keys on the authenticated user, so it runs after identity
	s.rateLimiter = ratelimit.New(ratelimit.FromRPS(s.cfg.RateLimitRPS))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for lifecycle events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	// Public: eligibility is a pure function of the order total
	methods.NewHandler(s.registry).RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(identity.RequireAuth())
	settlement.NewHandler(s.engine).RegisterRoutes(protected)
	escrow.NewHandler(s.escrowService, s.identity).RegisterRoutes(protected)
	barterHandler := barter.NewHandler(s.barterService, s.listings)
	barterHandler.RegisterRoutes(protected)

	adminGroup := v1.Group("/admin")
	adminGroup.Use(identity.RequireRole(s.identity, identity.RoleAdmin))
	settlement.NewHandler(s.engine).RegisterAdminRoutes(adminGroup)
	dispute.NewHandler(s.resolver).RegisterAdminRoutes(adminGroup)
	barterHandler.RegisterAdminRoutes(adminGroup)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(adminGroup)
	admin.NewHandler().
		WithPayouts(s.payouts).
		WithEscrowSweeper(s.escrowService).
		WithBarterSweeper(s.barterService).
		WithAccessManager(s.identity).
		WithGatewayCircuit(s.payments).
		RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "settlehub",
		"description": "Marketplace settlement and escrow engine",
		"version":     Version,
		"gateway":     s.gateway.Name(),
		"storage":     storage,
		"currency":    s.cfg.DefaultCurrency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"gateway", s.gateway.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.barterTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Cancel the context for all background goroutines (hub, timers, collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.barterTimer.Stop()
	s.logger.Info("timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// In-flight webhook deliveries finish before the process exits
	s.webhooks.Wait()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

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
