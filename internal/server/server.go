// Package server exposes the device session over HTTP: the navigation
// layer and capture surfaces drive authorizations through it.
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
	"github.com/tapipay/tapicore/internal/accounts"
	"github.com/tapipay/tapicore/internal/authflow"
	"github.com/tapipay/tapicore/internal/biometric"
	"github.com/tapipay/tapicore/internal/circuitbreaker"
	"github.com/tapipay/tapicore/internal/config"
	"github.com/tapipay/tapicore/internal/connectivity"
	"github.com/tapipay/tapicore/internal/credential"
	"github.com/tapipay/tapicore/internal/device"
	"github.com/tapipay/tapicore/internal/health"
	"github.com/tapipay/tapicore/internal/ledger"
	"github.com/tapipay/tapicore/internal/logging"
	"github.com/tapipay/tapicore/internal/metrics"
	"github.com/tapipay/tapicore/internal/ratelimit"
	"github.com/tapipay/tapicore/internal/realtime"
	"github.com/tapipay/tapicore/internal/reconciliation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the device session behind it.
type Server struct {
	cfg          *config.Config
	host         *device.Host
	accounts     accounts.Store
	audit        authflow.Store
	ledger       *ledger.Ledger
	settler      *reconciliation.Settler
	settleTimer  *reconciliation.Timer
	capture      *biometric.Adapter
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimit    ratelimit.Config
	rateLimiter  *ratelimit.Limiter
	pinLimiter   *ratelimit.Limiter
	matcher      biometric.Matcher
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

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

// WithMatcher replaces the face matcher for both online and offline
// captures.
func WithMatcher(m biometric.Matcher) Option {
	return func(s *Server) {
		s.matcher = m
	}
}

// WithRateLimit overrides the per-client request limit.
func WithRateLimit(cfg ratelimit.Config) Option {
	return func(s *Server) {
		s.rateLimit = cfg
	}
}

// New wires the device session from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		rateLimit: ratelimit.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	// Schema is managed by cmd/migrate.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := metrics.RegisterDB(db, "tapicore"); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
		s.db = db
		s.accounts = accounts.NewPostgresStore(db)
		s.audit = authflow.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.accounts = accounts.NewMemoryStore()
		s.audit = authflow.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	if err := s.accounts.Open(ctx, cfg.AccountID, cfg.InitialBalance); err != nil {
		return nil, fmt.Errorf("failed to open account %s: %w", cfg.AccountID, err)
	}

	// Offline ledger and settlement
	policy, err := cfg.LedgerPolicy()
	if err != nil {
		return nil, err
	}
	secret := cfg.ReceiptHMACSecret
	if secret == "" {
		secret = randomHex(32)
		s.logger.Warn("RECEIPT_HMAC_SECRET not set, using an ephemeral receipt key")
	}
	s.ledger = ledger.New(policy, ledger.NewJournal(secret), s.logger)
	s.settler = reconciliation.NewSettler(s.accounts, s.ledger, 3, 200*time.Millisecond, s.logger)
	s.settleTimer = reconciliation.NewTimer(s.settler, cfg.SettlementRetry, s.logger)
	coordinator := connectivity.New(connectivity.Config{AccountID: cfg.AccountID}, s.ledger, s.accounts, s.settler, s.logger)
	s.logger.Info("offline ledger configured",
		"deposit_rate", policy.DepositRate.String(),
		"lock_cap", cfg.OfflineLockCap,
	)

	// Biometric capture
	feed := biometric.NewFeed(1)
	remote := s.matcher
	if remote == nil && cfg.FaceMatcherURL != "" {
		remote = biometric.NewHTTPMatcher(cfg.FaceMatcherURL, cfg.CaptureTimeout)
		s.logger.Info("remote face matcher enabled", "url", cfg.FaceMatcherURL)
	}
	var captureOpts []biometric.Option
	if s.matcher != nil {
		captureOpts = append(captureOpts, biometric.WithLocalMatcher(s.matcher))
	}
	s.capture = biometric.NewAdapter(biometric.Config{
		Timeout:        cfg.CaptureTimeout,
		FallbackMin:    cfg.FallbackConfidenceMin,
		FallbackMax:    cfg.FallbackConfidenceMax,
		BreakerTrips:   3,
		BreakerCooloff: 30 * time.Second,
	}, feed, remote, s.logger, captureOpts...)

	// Credentials
	signer, err := newSigner(cfg, s.logger)
	if err != nil {
		return nil, err
	}
	fingerprint := credential.Fingerprint(credential.HostAttributes())
	issuer := credential.NewIssuer(signer, fingerprint, s.logger, credential.WithTTL(cfg.CredentialTTL))
	s.logger.Info("credential issuer ready", "signer", signer.Address(), "fingerprint", fingerprint)

	// Step-up
	authPolicy := authflow.DefaultPolicy()
	authPolicy.HighValueThreshold = cfg.HighValueAmount()
	authPolicy.MaxPINAttempts = cfg.MaxPINAttempts
	var pin authflow.PINVerifier
	if cfg.PINHash != "" {
		p, err := authflow.NewBcryptPIN(cfg.PINHash)
		if err != nil {
			return nil, fmt.Errorf("PIN_HASH: %w", err)
		}
		pin = p
	} else {
		s.logger.Warn("PIN_HASH not set, every PIN step-up will be rejected")
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	s.host = device.New(cfg.AccountID, authPolicy, device.Components{
		Feed:        feed,
		Capturer:    s.capture,
		Issuer:      issuer,
		Ledger:      s.ledger,
		Accounts:    s.accounts,
		Coordinator: coordinator,
		PIN:         pin,
		Audit:       s.audit,
		Events:      s.realtimeHub,
	}, s.logger)

	s.health = health.NewRegistry(2 * time.Second)
	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func newSigner(cfg *config.Config, logger *slog.Logger) (*credential.KeySigner, error) {
	if cfg.DevicePrivateKey != "" {
		signer, err := credential.NewKeySigner(cfg.DevicePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("DEVICE_PRIVATE_KEY: %w", err)
		}
		return signer, nil
	}
	logger.Warn("DEVICE_PRIVATE_KEY not set, generating an ephemeral device key")
	return credential.GenerateKeySigner()
}

func (s *Server) registerHealthChecks() {
	s.health.RegisterPing("accounts", s.accounts.Ping)
	s.health.Register("ledger", func(context.Context) health.Status {
		view := s.ledger.View()
		return health.Status{
			Healthy: true,
			Detail:  fmt.Sprintf("active=%t pending_receipts=%d", view.IsActive, view.PendingReceipts),
		}
	})
	s.health.Register("settlement", func(context.Context) health.Status {
		if q := len(s.settler.Quarantined()); q > 0 {
			return health.Status{Healthy: false, Detail: fmt.Sprintf("%d receipts quarantined", q)}
		}
		return health.Status{Healthy: true, Detail: fmt.Sprintf("backlog=%d", s.settler.BacklogLen())}
	})
	s.health.Register("face_matcher", func(context.Context) health.Status {
		state := s.capture.Breaker().State()
		return health.Status{Healthy: state != circuitbreaker.StateOpen, Detail: "circuit " + state.String()}
	})
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
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until ctx ends, a signal arrives
// or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// PIN submission blocks through finalize.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "account", s.cfg.AccountID)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.settleTimer.Start(runCtx)

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.cancelRunCtx()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops accepting requests, ends the device session and closes
// storage. Unsettled offline deposits are logged, not returned.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	var leak *ledger.LeakError
	if err := s.host.Shutdown(ctx); errors.As(err, &leak) {
		s.logger.Warn("offline funds left unsettled at shutdown",
			"reserved", leak.Reserved.String(),
			"receipts", len(leak.Receipts),
		)
	} else if err != nil {
		s.logger.Error("device shutdown error", "error", err)
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.settleTimer.Stop()
	s.rateLimiter.Stop()
	s.pinLimiter.Stop()

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

// Host returns the device session.
func (s *Server) Host() *device.Host {
	return s.host
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func generateRequestID() string {
	return randomHex(16)
}
