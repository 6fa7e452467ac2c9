// Package api exposes etbguard over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/api/gateway"
	"github.com/einsatzlog/etbguard/internal/auth"
	"github.com/einsatzlog/etbguard/internal/detection/sigma"
	"github.com/einsatzlog/etbguard/internal/lockout"
	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/observability"
	"github.com/einsatzlog/etbguard/internal/seclog"
	"github.com/einsatzlog/etbguard/internal/security"
	"github.com/einsatzlog/etbguard/internal/store"
)

var tracer = otel.Tracer("etbguard/api")

// Config holds HTTP settings.
type Config struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AdminRole      string        `yaml:"admin_role"`
	IngestTokenEnv string        `yaml:"ingest_token_env"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	HEC            HECConfig     `yaml:"hec"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 30 * time.Second,
		AdminRole:      "admin",
		IngestTokenEnv: "ETBGUARD_INGEST_TOKEN",
		MaxBodyBytes:   1 << 20,
		HEC:            DefaultHECConfig(),
	}
}

// SecurityService is the part of the security service the API drives.
type SecurityService interface {
	RecordLoginAttempt(ctx context.Context, a *models.LoginAttempt) error
	LogEvent(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error)
	VerifyChain(ctx context.Context, from, to int64) (*seclog.VerificationReport, error)
	Stats(ctx context.Context) (*security.Stats, error)
}

// AlertService is the alert lifecycle surface.
type AlertService interface {
	Get(ctx context.Context, id string) (*models.Alert, error)
	List(ctx context.Context, f store.AlertFilter) ([]*models.Alert, error)
	Acknowledge(ctx context.Context, id, actor string) (*models.Alert, error)
	Resolve(ctx context.Context, id, actor, resolution string) (*models.Alert, error)
	MarkFalsePositive(ctx context.Context, id, actor, note string) (*models.Alert, error)
	GetCorrelation(ctx context.Context, id string) (*models.Correlation, error)
	ListCorrelations(ctx context.Context, limit int) ([]*models.Correlation, error)
}

// Deps are the components the API is built from. Rules, Limiter and Metrics
// are optional.
type Deps struct {
	Security SecurityService
	Alerts   AlertService
	Auth     *auth.Service
	Events   store.EventStore
	Attempts store.LoginAttemptStore
	Lockouts lockout.Manager
	Rules    *sigma.Engine
	Limiter  *gateway.RateLimiter
	Metrics  http.Handler

	RequestMetrics *observability.Metrics
	Ready          func(ctx context.Context) error
}

// Server is the HTTP API.
type Server struct {
	deps    Deps
	config  Config
	logger  *zap.Logger
	version string
	hec     *HECReceiver
}

// NewServer creates the API server.
func NewServer(deps Deps, cfg Config, version string, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.AdminRole == "" {
		cfg.AdminRole = def.AdminRole
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	s := &Server{deps: deps, config: cfg, logger: logger, version: version}
	s.hec = NewHECReceiver(cfg.HEC, s.ingestHEC, logger)
	return s
}

// HEC returns the HEC-compatible receiver.
func (s *Server) HEC() *HECReceiver {
	return s.hec
}

// HTTPServer wraps the router in an http.Server using the configured timeouts.
func (s *Server) HTTPServer() *http.Server {
	def := DefaultConfig()
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	if srv.Addr == "" {
		srv.Addr = def.Addr
	}
	return srv
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/auth/login", s.handleLogin)

		// ETB backend reporting.
		r.Group(func(r chi.Router) {
			r.Use(s.requireIngestToken)
			r.Use(s.rateLimit)
			r.Post("/security/login-attempts", s.handleReportLoginAttempt)
			r.Post("/security/events", s.handleReportEvent)
			r.Get("/security/lockouts/check", s.handleCheckLockout)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Auth.Middleware(s.config.AdminRole))

			r.Get("/security/events", s.handleListEvents)
			r.Get("/security/events/{id}", s.handleGetEvent)
			r.Get("/security/chain/verify", s.handleVerifyChain)
			r.Get("/security/chain/head", s.handleChainHead)
			r.Get("/security/login-attempts", s.handleListLoginAttempts)
			r.Get("/security/lockouts", s.handleListLockouts)
			r.Delete("/security/lockouts/ip/{ip}", s.handleUnblockIP)
			r.Delete("/security/lockouts/account/{username}", s.handleUnlockAccount)
			r.Get("/security/rules", s.handleListRules)
			r.Post("/security/rules/reload", s.handleReloadRules)

			r.Get("/alerts", s.handleListAlerts)
			r.Get("/alerts/{id}", s.handleGetAlert)
			r.Post("/alerts/{id}/acknowledge", s.handleAcknowledge)
			r.Post("/alerts/{id}/resolve", s.handleResolve)
			r.Post("/alerts/{id}/false-positive", s.handleFalsePositive)

			r.Get("/correlations", s.handleListCorrelations)
			r.Get("/correlations/{id}", s.handleGetCorrelation)

			r.Get("/stats", s.handleStats)
		})
	})

	// HEC-compatible ingest for log shippers.
	r.Route("/services/collector", func(r chi.Router) {
		r.With(s.rateLimitBackend).Post("/event", s.hec.HandleEvent)
		r.With(s.rateLimitBackend).Post("/event/1.0", s.hec.HandleEvent)
		r.Get("/health", s.hec.HandleHealth)
		r.Get("/health/1.0", s.hec.HandleHealth)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.deps.RequestMetrics.ObserveRequest(r.Method, pattern, ww.Status(), time.Since(start))

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return next
	}
	return s.deps.Limiter.Middleware(func(r *http.Request) string {
		if s.validIngestToken(r) {
			return gateway.ClassBackend
		}
		return gateway.ClassPublic
	})(next)
}

func (s *Server) rateLimitBackend(next http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return next
	}
	return s.deps.Limiter.Middleware(func(*http.Request) string { return gateway.ClassBackend })(next)
}

// requireIngestToken fails closed when no token is configured.
func (s *Server) requireIngestToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.validIngestToken(r) {
			writeError(w, http.StatusUnauthorized, "invalid ingest token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validIngestToken(r *http.Request) bool {
	expected := os.Getenv(s.config.IngestTokenEnv)
	if expected == "" {
		return false
	}
	got := r.Header.Get("X-API-Key")
	if got == "" {
		if authz := r.Header.Get("Authorization"); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			got = authz[7:]
		}
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
