// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/reggate/internal/admin"
	"github.com/mbd888/reggate/internal/auth"
	"github.com/mbd888/reggate/internal/bans"
	"github.com/mbd888/reggate/internal/challenge"
	"github.com/mbd888/reggate/internal/config"
	"github.com/mbd888/reggate/internal/health"
	"github.com/mbd888/reggate/internal/idgen"
	"github.com/mbd888/reggate/internal/logging"
	"github.com/mbd888/reggate/internal/metrics"
	"github.com/mbd888/reggate/internal/policy"
	"github.com/mbd888/reggate/internal/ratelimit"
	"github.com/mbd888/reggate/internal/registration"
	"github.com/mbd888/reggate/internal/reputation"
	"github.com/mbd888/reggate/internal/risk"
	"github.com/mbd888/reggate/internal/security"
	"github.com/mbd888/reggate/internal/signals"
	"github.com/mbd888/reggate/internal/traces"
	"github.com/mbd888/reggate/internal/validation"
	"github.com/mbd888/reggate/migrations"
)

// Version is reported by /health and overridden by ldflags in cmd/server.
var Version = "dev"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	policy         *policy.Policy
	registry       *bans.Registry
	orchestrator   *registration.Orchestrator
	authMgr        *auth.Manager
	sweeper        *challenge.Sweeper
	janitor        *ratelimit.Janitor
	throttle       *ratelimit.Throttle
	health         *health.Registry
	accounts       registration.AccountCreator
	resolver       signals.Resolver
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil unless REDIS_URL is set
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

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

// WithAccounts sets the account system that admitted registrations are
// handed to. Without it the server uses registration.SequentialAccounts.
func WithAccounts(a registration.AccountCreator) Option {
	return func(s *Server) {
		s.accounts = a
	}
}

// WithResolver sets the DNS resolver for MX and SPF lookups (for testing).
func WithResolver(r signals.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	p, err := policy.Load(cfg.RiskPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk policy: %w", err)
	}
	s.policy = p

	var (
		records    signals.Store
		banStore   bans.Store
		counters   ratelimit.Store
		decisions  risk.Store
		challenges challenge.Store
		keys       auth.Store
		pending    registration.PendingStore
		stale      ratelimit.StaleDeleter
	)

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

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		records = signals.NewPostgresStore(db)
		banStore = bans.NewPostgresStore(db)
		pgCounters := ratelimit.NewPostgresStore(db)
		counters, stale = pgCounters, pgCounters
		decisions = risk.NewPostgresStore(db)
		challenges = challenge.NewPostgresStore(db)
		keys = auth.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		records = signals.NewMemoryStore()
		banStore = bans.NewMemoryStore()
		memCounters := ratelimit.NewMemoryStore()
		counters, stale = memCounters, memCounters
		decisions = risk.NewMemoryStore()
		challenges = challenge.NewMemoryStore()
		keys = auth.NewMemoryStore()
	}

	// Redis takes over the hot, short-lived state when configured.
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(ropts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.health.Register("redis", health.Redis(s.redis))
		s.logger.Info("using Redis for attempt counters and pending registrations")

		counters, stale = ratelimit.NewRedisStore(s.redis), nil
		pending = registration.NewRedisPendingStore(s.redis)
	} else {
		pending = registration.NewMemoryPendingStore()
	}

	// Reputation data
	disposable := reputation.DefaultDisposableDomains()
	if cfg.DisposableDomainsFile != "" {
		n, err := disposable.LoadFile(cfg.DisposableDomainsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load disposable domains: %w", err)
		}
		s.logger.Info("disposable domains loaded", "added", n, "total", disposable.Len())
	}
	ipTable := reputation.NewTable()
	if cfg.IPReputationFile != "" {
		n, err := ipTable.LoadFile(cfg.IPReputationFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load ip reputation: %w", err)
		}
		s.logger.Info("ip reputation loaded", "entries", n)
	}

	collector := signals.NewCollector(records, []byte(cfg.FingerprintSecret), s.logger).
		WithDisposable(disposable).
		WithIPReputation(ipTable).
		WithDNS(signals.NewDNSChecker(s.resolver, cfg.DNSTimeout))

	s.registry = bans.NewRegistry(banStore)
	limiter := ratelimit.NewLimiter(counters).WithWindow(p.Limits.CounterWindow)
	engine := risk.NewEngine(p, s.registry, limiter, records)
	challengeSvc := challenge.NewService(challenges, p.Challenge)
	s.sweeper = challenge.NewSweeper(challenges, cfg.ChallengeSweepInterval, p.Challenge.SweepGrace, s.logger)
	if stale != nil {
		s.janitor = ratelimit.NewJanitor(stale, p.Limits.CounterWindow, cfg.ChallengeSweepInterval, s.logger)
	}

	if s.accounts == nil {
		s.logger.Warn("no account system configured, issuing sequential user ids")
		s.accounts = registration.NewSequentialAccounts(s.logger)
	}

	s.orchestrator = registration.NewOrchestrator(registration.Deps{
		Collector:  collector,
		Engine:     engine,
		Challenges: challengeSvc,
		Decisions:  decisions,
		Limiter:    limiter,
		Pending:    pending,
		Accounts:   s.accounts,
	}).WithAppealURL(cfg.AppealURL).WithSignals(cfg.IsDevelopment())

	// Operator API keys
	s.authMgr = auth.NewManager(keys)
	if cfg.OperatorAPIKey != "" {
		key, err := s.authMgr.Import(ctx, cfg.OperatorAPIKey, "operator", "bootstrap")
		if err != nil {
			return nil, fmt.Errorf("failed to import OPERATOR_API_KEY: %w", err)
		}
		s.logger.Info("operator API key loaded", "key_id", key.ID)
	} else {
		s.logger.Warn("OPERATOR_API_KEY not set, admin routes will reject every request")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	// Client IPs feed ban and rate checks, so forwarded headers are only
	// honoured from configured proxies.
	if err := s.router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	origins := s.cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-client request throttling, separate from the attempt counters the
	// risk engine scores.
	s.throttle = ratelimit.NewThrottle(ratelimit.DefaultThrottleConfig())
	s.router.Use(s.throttle.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
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
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	// PUBLIC ROUTES: the signup and login forms call these directly.
	regHandler := registration.NewHandler(s.orchestrator)
	regHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require an operator API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		// The CAPTCHA and email verifier reports back here.
		regHandler.RegisterProtectedRoutes(protected)

		adminHandler := admin.NewHandler().
			WithBans(s.registry).
			WithSweeper(s.sweeper).
			WithPolicy(s.policy)
		adminHandler.RegisterRoutes(protected)
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.sweeper.Start(runCtx)
	if s.janitor != nil {
		go s.janitor.Start(runCtx)
	}
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

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	if s.janitor != nil {
		s.janitor.Stop()
	}
	if s.throttle != nil {
		s.throttle.Stop()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
