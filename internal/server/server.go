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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/cardescrow/internal/admin"
	"github.com/mbd888/cardescrow/internal/auth"
	"github.com/mbd888/cardescrow/internal/circuitbreaker"
	"github.com/mbd888/cardescrow/internal/config"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/fees"
	"github.com/mbd888/cardescrow/internal/health"
	"github.com/mbd888/cardescrow/internal/jobs"
	"github.com/mbd888/cardescrow/internal/logging"
	"github.com/mbd888/cardescrow/internal/metrics"
	"github.com/mbd888/cardescrow/internal/notify"
	"github.com/mbd888/cardescrow/internal/priority"
	"github.com/mbd888/cardescrow/internal/ratelimit"
	"github.com/mbd888/cardescrow/internal/realtime"
	"github.com/mbd888/cardescrow/internal/reconciliation"
	"github.com/mbd888/cardescrow/internal/security"
	"github.com/mbd888/cardescrow/internal/session"
	"github.com/mbd888/cardescrow/internal/settlement"
	"github.com/mbd888/cardescrow/internal/traces"
	"github.com/mbd888/cardescrow/internal/transactions"
	"github.com/mbd888/cardescrow/internal/validation"
	"github.com/mbd888/cardescrow/internal/verification"
	"github.com/mbd888/cardescrow/internal/webhooks"
)

// Job names, also used by POST /v1/admin/jobs/:name/run.
const (
	JobSessionReaper   = "session_reaper"
	JobPriorityReset   = "priority_reset"
	JobSettlementQueue = "settlement_queue"
	JobReconciliation  = "reconciliation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil if using in-memory counters
	escrowStore escrow.SettlementStore
	notifyStore notify.Store
	authStore   auth.Store

	authMgr      *auth.Manager
	machine      *session.Machine
	ledger       *settlement.Ledger
	transactions *transactions.Service
	verifier     *verification.Controller
	reaper       *verification.Reaper
	checker      *reconciliation.Checker

	outbox      *notify.Outbox
	dispatcher  *notify.Dispatcher
	realtimeHub *realtime.Hub
	jobs        *jobs.Scheduler
	health      *health.Registry

	rateLimiter *ratelimit.Limiter
	quotas      map[string]*ratelimit.Quota

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithEscrowStore replaces the escrow store chosen from DATABASE_URL (for
// testing with seeded upstream records).
func WithEscrowStore(store escrow.SettlementStore) Option {
	return func(s *Server) {
		s.escrowStore = store
	}
}

// WithAuthStore replaces the API key store (for testing)
func WithAuthStore(store auth.Store) Option {
	return func(s *Server) {
		s.authStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set stores/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupRateLimits(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}
	if err := s.setupServices(); err != nil {
		s.closeStorage()
		return nil, err
	}
	if err := s.setupJobs(); err != nil {
		s.closeStorage()
		return nil, err
	}
	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// setupStorage picks Postgres when DATABASE_URL is set, otherwise in-memory
// stores. Stores injected through options are kept.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		if s.escrowStore == nil {
			s.escrowStore = escrow.NewMemoryStore()
		}
		s.notifyStore = notify.NewMemoryStore()
		if s.authStore == nil {
			s.authStore = auth.NewMemoryStore()
		}
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))

	s.db = db
	if s.escrowStore == nil {
		s.escrowStore = escrow.NewPostgresStore(db)
	}
	s.notifyStore = notify.NewPostgresStore(db)
	if s.authStore == nil {
		s.authStore = auth.NewPostgresStore(db)
	}
	return nil
}

func (s *Server) closeStorage() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// setupRateLimits builds the global token bucket and the hourly quotas.
// Quotas share windows across instances through Redis when REDIS_URL is set.
func (s *Server) setupRateLimits(ctx context.Context) error {
	var counter ratelimit.Counter
	if s.cfg.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(ctx, s.cfg.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
		counter = ratelimit.NewRedisCounter(client)
		s.logger.Info("rate limit quotas backed by Redis")
	} else {
		counter = ratelimit.NewMemoryCounter()
	}

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/6, 10),
		CleanupInterval:   time.Minute,
	})

	s.quotas = map[string]*ratelimit.Quota{
		ratelimit.ClassCreate:     ratelimit.NewQuota(ratelimit.ClassCreate, s.cfg.CreateLimitPerHour, time.Hour, counter, s.logger),
		ratelimit.ClassVerify:     ratelimit.NewQuota(ratelimit.ClassVerify, s.cfg.VerifyLimitPerHour, time.Hour, counter, s.logger),
		ratelimit.ClassCheckIn:    ratelimit.NewQuota(ratelimit.ClassCheckIn, s.cfg.CheckInLimitPerHour, time.Hour, counter, s.logger),
		ratelimit.ClassSettlement: ratelimit.NewQuota(ratelimit.ClassSettlement, s.cfg.SettlementLimitPerHour, time.Hour, counter, s.logger),
	}
	return nil
}

// setupServices wires the escrow components and the notification outbox.
func (s *Server) setupServices() error {
	s.authMgr = auth.NewManager(s.authStore, s.logger)

	s.outbox = notify.NewOutbox(s.notifyStore, s.cfg.NotifyDedupWindow, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	sinks := []notify.Sink{s.realtimeHub}
	if s.cfg.NotifyWebhookURL != "" {
		if s.cfg.IsProduction() {
			if err := security.ValidateEndpointURL(s.cfg.NotifyWebhookURL); err != nil {
				return fmt.Errorf("NOTIFY_WEBHOOK_URL rejected: %w", err)
			}
		}
		breaker := circuitbreaker.New(5, time.Minute)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("webhook circuit changed", "host", key, "from", from.String(), "to", to.String())
		})
		sinks = append(sinks, webhooks.NewSink(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret).WithBreaker(breaker))
		s.logger.Info("webhook notifications enabled")
	}
	s.dispatcher = notify.NewDispatcher(s.notifyStore, s.logger, 2*time.Second, sinks...)

	s.machine = session.NewMachine(s.escrowStore, s.logger)
	s.ledger = settlement.NewLedger(s.escrowStore, s.machine, s.outbox, s.logger)
	s.transactions = transactions.NewService(s.escrowStore, s.machine, priority.NewScheduler(s.logger), s.outbox,
		transactions.Options{
			DefaultFeePercentage: s.cfg.DefaultFeePercentage,
			DefaultFeePaidBy:     fees.Payer(s.cfg.DefaultFeePaidBy),
			Currency:             s.cfg.DefaultCurrency,
			QRTokenTTL:           s.cfg.QRTokenTTL,
			AppointmentGrace:     s.cfg.AppointmentGrace,
		}, s.logger)
	s.verifier = verification.NewController(s.escrowStore, s.machine, s.ledger, s.outbox, s.logger)
	s.reaper = verification.NewReaper(s.escrowStore, s.machine, s.ledger, s.outbox, s.logger)

	s.checker = reconciliation.NewChecker(s.escrowStore, s.logger)
	s.checker.SetStaleAfter(s.cfg.SettlementStaleAfter)
	return nil
}

func (s *Server) setupJobs() error {
	s.jobs = jobs.NewScheduler(s.logger)
	resetter := priority.NewResetter(s.escrowStore, s.logger)

	entries := []struct {
		name, spec string
		fn         jobs.Func
	}{
		{JobSessionReaper, s.cfg.ReaperSchedule, func(ctx context.Context) { s.reaper.Run(ctx) }},
		{JobPriorityReset, s.cfg.PriorityResetSchedule, resetter.Run},
		{JobSettlementQueue, "@every 1m", s.ledger.ObserveQueue},
		{JobReconciliation, s.cfg.ReconcileSchedule, s.checker.RunJob},
	}
	for _, e := range entries {
		if err := s.jobs.Add(e.name, e.spec, e.fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", true, health.Ping(s.db))
	}
	if s.redis != nil {
		// Quotas fail open, so Redis being down degrades but does not stop the service.
		client := s.redis
		s.health.Register("redis", false, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	s.health.Register("notification_dispatcher", false, health.Running(s.dispatcher.Running))
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

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSAllowedOrigins)))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())

	// Identity first so the limiter can key by user.
	s.router.Use(auth.Middleware(s.authMgr))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireAuth(), validation.IDParamMiddleware())

	auth.NewHandler(s.authMgr).RegisterRoutes(v1)

	txHandler := transactions.NewHandler(s.transactions)
	txHandler.RegisterRoutes(v1)
	txHandler.RegisterCreateRoute(v1, s.quotas[ratelimit.ClassCreate].Middleware())

	verifyHandler := verification.NewHandler(s.verifier)
	verifyHandler.RegisterVerifyRoute(v1, s.quotas[ratelimit.ClassVerify].Middleware())
	verifyHandler.RegisterCheckInRoute(v1, s.quotas[ratelimit.ClassCheckIn].Middleware())

	// Notification stream for the authenticated user
	v1.GET("/ws", s.realtimeHub.Handler())

	adminGroup := v1.Group("/admin", auth.RequireRole(escrow.RoleAdmin))
	settlement.NewHandler(s.ledger).RegisterAdminRoutes(adminGroup, s.quotas[ratelimit.ClassSettlement].Middleware())
	admin.NewHandler().
		WithJobs(s.jobs).
		WithReconciler(s.checker).
		RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Version is reported by /health. Set by cmd/server from build flags.
var Version = "dev"

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, st := range checks {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
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
	if healthy, _ := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dependencies_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops without serving HTTP. Run calls it;
// tests may call it directly.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	go s.realtimeHub.Run(runCtx)
	go s.dispatcher.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	s.jobs.Start()
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"storage", s.storageKind(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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
		_ = s.Shutdown()
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

	var firstErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	jobCtx, cancelJobs := context.WithTimeout(context.Background(), 30*time.Second)
	s.jobs.Stop(jobCtx)
	cancelJobs()
	s.logger.Info("job scheduler stopped")

	s.dispatcher.Stop()

	// Cancel the context for all background goroutines (hub, dispatcher, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop rate limiter cleanup goroutine
	s.rateLimiter.Stop()

	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
		cancel()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// AuthManager returns the API key manager, used to issue bootstrap keys.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}

// InMemory reports whether the server runs without a database.
func (s *Server) InMemory() bool {
	return s.db == nil
}

func (s *Server) storageKind() string {
	if s.db != nil {
		return "postgres"
	}
	return "memory"
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
