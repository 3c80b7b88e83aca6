// Package server wires the payment services together and runs the HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/coursepay/coursepay/internal/catalog"
	"github.com/coursepay/coursepay/internal/checkout"
	"github.com/coursepay/coursepay/internal/config"
	"github.com/coursepay/coursepay/internal/earnings"
	"github.com/coursepay/coursepay/internal/enrollment"
	"github.com/coursepay/coursepay/internal/gateway"
	"github.com/coursepay/coursepay/internal/health"
	"github.com/coursepay/coursepay/internal/logging"
	"github.com/coursepay/coursepay/internal/metrics"
	"github.com/coursepay/coursepay/internal/notify"
	"github.com/coursepay/coursepay/internal/ratelimit"
	"github.com/coursepay/coursepay/internal/realtime"
	"github.com/coursepay/coursepay/internal/reconciliation"
	"github.com/coursepay/coursepay/internal/refund"
	"github.com/coursepay/coursepay/internal/security"
	"github.com/coursepay/coursepay/internal/traces"
	"github.com/coursepay/coursepay/internal/validation"
	"github.com/coursepay/coursepay/internal/wallet"
	"github.com/coursepay/coursepay/internal/webhooks"
	"github.com/coursepay/coursepay/internal/withdrawal"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	courses   catalog.Lookup
	discounts catalog.DiscountLookup
	gw        gateway.Gateway

	walletSvc     *wallet.Service
	checkoutSvc   *checkout.Service
	earningsSvc   *earnings.Service
	refundSvc     *refund.Service
	withdrawalSvc *withdrawal.Service
	depositFlow   *gateway.DepositFlow

	releaseTimer *earnings.ReleaseTimer
	payoutTimer  *withdrawal.PayoutTimer
	statusTimer  *withdrawal.StatusTimer
	sweepTimer   *wallet.SweepTimer
	reconRunner  *reconciliation.Runner
	reconTimer   *reconciliation.Timer

	hub          *realtime.Hub
	webhookStore webhooks.Store
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	shutdownOTel func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithCatalog sets the course and discount lookups. The catalog is owned by
// the course platform; the payments core only reads it.
func WithCatalog(courses catalog.Lookup, discounts catalog.DiscountLookup) Option {
	return func(s *Server) {
		s.courses = courses
		s.discounts = discounts
	}
}

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gw = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/catalog/gateway)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		walletStore     wallet.Store
		enrollStore     enrollment.Store
		checkoutStore   checkout.Store
		earningStore    earnings.Store
		refundStore     refund.Store
		withdrawalStore withdrawal.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db

		walletStore = wallet.NewPostgresStore(db, cfg.Currency)
		enrollStore = enrollment.NewPostgresStore(db)
		checkoutStore = checkout.NewPostgresStore(db, cfg.Currency)
		earningStore = earnings.NewPostgresStore(db, cfg.Currency)
		refundStore = refund.NewPostgresStore(db, cfg.Currency)
		withdrawalStore = withdrawal.NewPostgresStore(db, cfg.Currency)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		wm := wallet.NewMemoryStore(cfg.Currency)
		em := earnings.NewMemoryStore(wm)
		en := enrollment.NewMemoryStore()
		cm := checkout.NewMemoryStore(wm, em, en)
		rm := refund.NewMemoryStore(wm, cm, em, en)
		// Open refund requests block the release scheduler.
		em.WithRefundGate(rm)

		walletStore = wm
		enrollStore = en
		checkoutStore = cm
		earningStore = em
		refundStore = rm
		withdrawalStore = withdrawal.NewMemoryStore(wm)
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Warn("using in-memory storage; data is lost on restart")
	}

	if s.courses == nil {
		static := catalog.NewStaticLookup()
		discounts := catalog.NewPercentDiscounts()
		if cfg.IsDevelopment() {
			seedDemoCatalog(static, discounts)
		}
		s.courses = static
		s.discounts = discounts
	}

	if s.gw == nil {
		gw, err := buildGateway(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.gw = gw
	}

	// Realtime hub and the webhook dispatcher double as notification sinks,
	// so every event the services emit reaches dashboards and subscribers.
	s.hub = realtime.NewHub(s.logger)
	dispatcher := webhooks.NewDispatcher(s.webhookStore, s.logger)
	sink := notify.NewFanout(s.logger, notify.NewLogSink(s.logger), s.hub, dispatcher)

	// Services
	s.walletSvc = wallet.NewService(walletStore)
	s.depositFlow = gateway.NewDepositFlow(s.gw, s.walletSvc, cfg.Currency, s.logger).WithNotifier(sink)
	s.walletSvc.WithOrderCreator(s.depositFlow)

	s.checkoutSvc = checkout.NewService(checkoutStore, s.courses, s.discounts, enrollStore,
		cfg.PlatformFee, cfg.HoldDays, s.logger).WithNotifier(sink)
	s.earningsSvc = earnings.NewService(earningStore, s.logger).WithNotifier(sink)
	s.refundSvc = refund.NewService(refundStore, checkoutStore, earningStore, s.logger).WithNotifier(sink)
	s.withdrawalSvc = withdrawal.NewService(withdrawalStore, s.gw, cfg.MinWithdrawal, cfg.Currency, s.logger).
		WithNotifier(sink).
		WithEarnings(earningStore)

	// Background jobs
	s.releaseTimer = earnings.NewReleaseTimer(s.earningsSvc, time.Duration(cfg.ReleaseInterval)*time.Second, s.logger)
	s.payoutTimer = withdrawal.NewPayoutTimer(s.withdrawalSvc, time.Duration(cfg.PayoutInterval)*time.Second, s.logger)
	s.statusTimer = withdrawal.NewStatusTimer(s.withdrawalSvc, time.Duration(cfg.PayoutStatusInterval)*time.Second, s.logger)
	s.sweepTimer = wallet.NewSweepTimer(s.walletSvc, time.Duration(cfg.PendingDeposits)*time.Hour, s.logger)

	// Ledger invariant checks need the aggregate SQL views, so they run
	// only against postgres.
	if s.db != nil {
		s.reconRunner = reconciliation.NewRunner(
			reconciliation.NewPostgresSource(s.db), s.logger,
			time.Duration(cfg.PendingDeposits)*time.Hour, 24*time.Hour)
		s.reconTimer = reconciliation.NewTimer(s.reconRunner,
			time.Duration(cfg.ReconcileInterval)*time.Second, s.logger)
	}

	// Tracing
	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.shutdownOTel = shutdown
		}
	}

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("postgres", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
	}

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func buildGateway(cfg *config.Config, logger *slog.Logger) (gateway.Gateway, error) {
	switch cfg.GatewayProvider {
	case "paypal":
		gw := gateway.NewPayPal(gateway.PayPalConfig{
			BaseURL:      cfg.PayPalBaseURL,
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			ReturnURL:    cfg.PublicBaseURL + "/deposit/return",
			CancelURL:    cfg.PublicBaseURL + "/deposit/cancel",
		}, logger)
		return gateway.NewResilient(gw, 3, 500*time.Millisecond), nil
	case "stripe":
		gw := gateway.NewStripe(gateway.StripeConfig{
			APIKey:     cfg.StripeAPIKey,
			SuccessURL: cfg.PublicBaseURL + "/deposit/return",
			CancelURL:  cfg.PublicBaseURL + "/deposit/cancel",
		}, logger)
		return gateway.NewResilient(gw, 3, 500*time.Millisecond), nil
	case "mock":
		return gateway.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.GatewayProvider)
	}
}

// seedDemoCatalog fills the static catalog for development mode.
func seedDemoCatalog(courses *catalog.StaticLookup, discounts *catalog.PercentDiscounts) {
	courses.Add(&catalog.Course{ID: "crs_go_basics", InstructorID: "instructor-anna", Price: 500_000})
	courses.Add(&catalog.Course{ID: "crs_sql_deep_dive", InstructorID: "instructor-anna", Price: 800_000})
	courses.Add(&catalog.Course{ID: "crs_free_intro", InstructorID: "instructor-bob", Price: 0})
	discounts.Add("WELCOME10", 10)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	if i := indexByte(dsn, '@'); i >= 0 {
		if j := indexByte(dsn[:i], ':'); j >= 0 {
			if k := indexByte(dsn[j+1:], ':'); k >= 0 {
				return dsn[:j+1+k+1] + "***" + dsn[i:]
			}
		}
	}
	return dsn
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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

// adminAuthMiddleware guards the admin group with a shared secret. In
// development with no secret configured the group is open.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin API disabled: no admin secret configured",
			})
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	walletH := wallet.NewHandler(s.walletSvc)
	checkoutH := checkout.NewHandler(s.checkoutSvc)
	earningsH := earnings.NewHandler(s.earningsSvc)
	refundH := refund.NewHandler(s.refundSvc)
	withdrawalH := withdrawal.NewHandler(s.withdrawalSvc)
	webhookH := webhooks.NewHandler(s.webhookStore)

	v1 := s.router.Group("/v1")
	walletH.RegisterRoutes(v1)
	checkoutH.RegisterRoutes(v1)
	earningsH.RegisterRoutes(v1)
	refundH.RegisterRoutes(v1)
	withdrawalH.RegisterRoutes(v1)
	s.depositFlow.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	walletH.RegisterAdminRoutes(admin)
	refundH.RegisterAdminRoutes(admin)
	withdrawalH.RegisterAdminRoutes(admin)
	webhookH.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
	admin.POST("/reconciliation/run", s.reconciliationHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	if !healthy || !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"checks": statuses,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"checks": statuses,
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// reconciliationHandler triggers an immediate invariant check run.
func (s *Server) reconciliationHandler(c *gin.Context) {
	if s.reconRunner == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_available",
			"message": "Reconciliation requires postgres storage",
		})
		return
	}
	report, err := s.reconRunner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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
			"gateway", s.cfg.GatewayProvider,
			"currency", s.cfg.Currency,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Background jobs
	go s.hub.Run(runCtx)
	go s.releaseTimer.Start(runCtx)
	go s.payoutTimer.Start(runCtx)
	go s.statusTimer.Start(runCtx)
	go s.sweepTimer.Start(runCtx)
	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
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

// Shutdown stops background jobs, drains in-flight requests, and closes the
// database.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.releaseTimer.Stop()
	s.payoutTimer.Stop()
	s.statusTimer.Stop()
	s.sweepTimer.Stop()
	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown failed", "error", err)
		}
	}

	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(shutdownCtx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close failed", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
