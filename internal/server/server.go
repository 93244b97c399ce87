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

	"github.com/mbd888/ekklesia/internal/access"
	"github.com/mbd888/ekklesia/internal/approval"
	"github.com/mbd888/ekklesia/internal/auth"
	"github.com/mbd888/ekklesia/internal/circuitbreaker"
	"github.com/mbd888/ekklesia/internal/config"
	"github.com/mbd888/ekklesia/internal/health"
	"github.com/mbd888/ekklesia/internal/logging"
	"github.com/mbd888/ekklesia/internal/metrics"
	"github.com/mbd888/ekklesia/internal/notify"
	"github.com/mbd888/ekklesia/internal/payment"
	"github.com/mbd888/ekklesia/internal/plans"
	"github.com/mbd888/ekklesia/internal/ratelimit"
	"github.com/mbd888/ekklesia/internal/realtime"
	"github.com/mbd888/ekklesia/internal/reconciliation"
	"github.com/mbd888/ekklesia/internal/security"
	"github.com/mbd888/ekklesia/internal/storage"
	"github.com/mbd888/ekklesia/internal/subscription"
	"github.com/mbd888/ekklesia/internal/sweeper"
	"github.com/mbd888/ekklesia/internal/tenant"
	"github.com/mbd888/ekklesia/internal/traces"
	"github.com/mbd888/ekklesia/internal/validation"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	catalog *plans.Catalog
	tx      storage.TxRunner
	db      *sql.DB       // nil if using in-memory
	redis   *redis.Client // nil if using the in-memory queue

	queue          notify.Queue
	notifyWorker   *notify.Worker
	realtimeHub    *realtime.Hub
	payments       *payment.Service
	approvals      *approval.Service
	resolver       *access.Resolver
	sweeper        *sweeper.Sweeper
	sweepTimer     *sweeper.Timer
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	health         *health.Registry
	verifier       *auth.Verifier
	rateLimiter    *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStorage replaces the storage chosen from DATABASE_URL (for testing)
func WithStorage(tx storage.TxRunner) Option {
	return func(s *Server) {
		s.tx = tx
	}
}

// WithNotifyQueue replaces the queue chosen from REDIS_URL (for testing)
func WithNotifyQueue(q notify.Queue) Option {
	return func(s *Server) {
		s.queue = q
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Plan catalog (embedded default unless PLANS_FILE is set)
	s.catalog = plans.Default()
	if cfg.PlansFile != "" {
		if s.catalog, err = plans.Load(cfg.PlansFile); err != nil {
			return nil, fmt.Errorf("failed to load plan catalog: %w", err)
		}
		s.logger.Info("plan catalog loaded", "file", cfg.PlansFile)
	}

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupNotifications(ctx); err != nil {
		return nil, err
	}

	s.realtimeHub = realtime.NewHub(s.logger, cfg.CORSOrigins...)
	repos := s.tx.Repos()

	s.payments = payment.NewService(repos.Payments, s.catalog, s.logger).
		WithUnit(storage.PaymentUnit(s.tx)).
		WithNotifier(notify.NewDispatcher(s.queue, s.logger)).
		WithEvents(s.realtimeHub).
		WithPIX(payment.PIXConfig{
			Key:          cfg.PIXKey,
			MerchantName: cfg.PIXMerchantName,
			MerchantCity: cfg.PIXMerchantCity,
		})
	s.approvals = approval.NewService(s.tx, s.catalog, s.logger).
		WithNotifier(notify.NewDispatcher(s.queue, s.logger)).
		WithEvents(s.realtimeHub)
	s.resolver = access.NewResolver(repos, s.catalog)

	s.sweeper = sweeper.New(s.tx, s.catalog, s.logger).
		WithNotifier(notify.NewDispatcher(s.queue, s.logger)).
		WithEvents(s.realtimeHub)
	s.sweepTimer = sweeper.NewTimer(s.sweeper, cfg.SweepInterval, s.logger)

	s.reconciler = reconciliation.NewRunner(repos, s.logger).WithTolerance(2 * cfg.SweepInterval)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, 0, s.logger)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.health.RegisterOptional("redis", health.Redis(s.redis))
	}
	s.health.Register("sweeper", health.Loop("sweeper", s.sweepTimer.Running))
	s.health.RegisterOptional("notify_workers", health.Loop("notify_workers", s.notifyWorker.Running))

	s.verifier = auth.NewVerifier(cfg.JWTSecret)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupStorage(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.tx = storage.NewMemory()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.tx = storage.NewPostgres(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupNotifications(ctx context.Context) error {
	if s.queue == nil {
		if s.cfg.RedisURL == "" {
			s.queue = notify.NewMemoryQueue()
			s.logger.Warn("REDIS_URL not set, notifications are queued in memory")
		} else {
			opts, err := redis.ParseURL(s.cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("failed to parse REDIS_URL: %w", err)
			}
			client := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx).Err(); err != nil {
				_ = client.Close()
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.redis = client
			s.queue = notify.NewRedisQueue(client, "ekklesia:notify")
			s.logger.Info("using Redis notification queue", "addr", opts.Addr)
		}
	}

	var sender notify.Sender
	if s.cfg.EmailEnabled() {
		pm, err := notify.NewPostmarkSender(notify.PostmarkConfig{
			ServerToken:  s.cfg.PostmarkServerToken,
			AccountToken: s.cfg.PostmarkAccountToken,
			SenderEmail:  s.cfg.SenderEmail,
			SupportEmail: s.cfg.SupportEmail,
		})
		if err != nil {
			return err
		}
		sender = pm
	} else {
		sender = notify.NewLogSender(s.logger)
		s.logger.Warn("Postmark tokens not set, emails are logged instead of sent")
	}

	renderer, err := notify.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to parse email templates: %w", err)
	}

	workerCfg := notify.DefaultWorkerConfig()
	if s.cfg.NotifyWorkers > 0 {
		workerCfg.Workers = s.cfg.NotifyWorkers
	}
	s.notifyWorker = notify.NewWorker(s.queue, sender, renderer, circuitbreaker.New(5, 30*time.Second), workerCfg, s.logger)
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Identity before rate limiting so authenticated callers get their own bucket.
	s.router.Use(auth.Middleware(s.verifier))

	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
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
	s.router.GET("/health", s.health.Handler(Version))
	s.router.GET("/health/live", health.Live)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	repos := s.tx.Repos()
	tenants := tenant.NewHandler(repos.Tenants, repos.Profiles)
	payments := payment.NewHandler(s.payments, repos.Profiles)

	v1 := s.router.Group("/v1")
	plans.NewHandler(s.catalog).RegisterRoutes(v1)
	tenants.RegisterPublicRoutes(v1)

	protected := v1.Group("", auth.RequireAuth())
	protected.GET("/auth/me", auth.NewHandler().Me)
	payments.RegisterProtectedRoutes(protected)
	tenants.RegisterProtectedRoutes(protected)
	access.NewHandler(s.resolver).RegisterProtectedRoutes(protected)

	// Reviewers hold a global super_admin grant.
	admin := v1.Group("/admin", auth.RequireAuth(), auth.RequireRole(repos.Profiles, auth.RoleSuperAdmin))
	payments.RegisterAdminRoutes(admin)
	approval.NewHandler(s.approvals).RegisterAdminRoutes(admin)
	subscription.NewHandler(repos.Subscriptions).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	notify.NewHandler(s.queue).RegisterAdminRoutes(admin)
	admin.POST("/sweeps", s.sweepHandler)
	admin.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// sweepHandler handles POST /v1/admin/sweeps and runs one sweep now.
func (s *Server) sweepHandler(c *gin.Context) {
	report, err := s.sweeper.Sweep(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Warn("manual sweep finished with errors", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": err.Error(),
			"report":  report,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// startBackground launches the hub, notification workers and timers.
// They stop when ctx is cancelled.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)

	go func() {
		if err := s.notifyWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("notification workers exited", "error", err)
		}
	}()

	go s.sweepTimer.Start(ctx)
	go s.reconcileTimer.Start(ctx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.sweepTimer.Stop()
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Warn("tracer shutdown error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
	return shutdownErr
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
