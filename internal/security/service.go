// Package security ties login tracking, the security log, detection and
// alerting together.
package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/alerting"
	"github.com/einsatzlog/etbguard/internal/detection"
	"github.com/einsatzlog/etbguard/internal/detection/sigma"
	"github.com/einsatzlog/etbguard/internal/lockout"
	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/notify"
	"github.com/einsatzlog/etbguard/internal/observability"
	"github.com/einsatzlog/etbguard/internal/seclog"
	"github.com/einsatzlog/etbguard/internal/store"
)

var tracer = otel.Tracer("etbguard/security")

// Common errors.
var (
	ErrInvalidAttempt    = errors.New("invalid login attempt")
	ErrReservedEventType = errors.New("event type is reserved")
)

// Config holds service settings.
type Config struct {
	LoginRetention    time.Duration `yaml:"login_retention"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
	RuleQueueSize     int           `yaml:"rule_queue_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LoginRetention:    90 * 24 * time.Hour,
		RetentionInterval: 6 * time.Hour,
		RuleQueueSize:     256,
	}
}

// Service is the entry point for everything the ETB backend reports.
type Service struct {
	store    store.Store
	log      *seclog.Logger
	detector *detection.Detector
	alerts   *alerting.Manager
	lockouts lockout.Manager
	rules    *sigma.Engine
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	config   Config
	now      func() time.Time

	findings chan detection.Finding
}

// Option configures a Service.
type Option func(*Service)

// WithRules evaluates every appended event against the Sigma engine.
func WithRules(e *sigma.Engine) Option { return func(s *Service) { s.rules = e } }

// WithNotifier delivers chain integrity notifications.
func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithMetrics records login and lockout metrics.
func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires the security service. When a rule engine is configured it
// is subscribed to the log; matches are raised by Run.
func NewService(
	st store.Store,
	log *seclog.Logger,
	detector *detection.Detector,
	alerts *alerting.Manager,
	lockouts lockout.Manager,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	def := DefaultConfig()
	if cfg.LoginRetention <= 0 {
		cfg.LoginRetention = def.LoginRetention
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = def.RetentionInterval
	}
	if cfg.RuleQueueSize <= 0 {
		cfg.RuleQueueSize = def.RuleQueueSize
	}

	s := &Service{
		store:    st,
		log:      log,
		detector: detector,
		alerts:   alerts,
		lockouts: lockouts,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rules != nil {
		s.findings = make(chan detection.Finding, cfg.RuleQueueSize)
		log.Subscribe(seclog.ObserverFunc(s.evaluateRules))
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.config
}

// Log returns the underlying security log.
func (s *Service) Log() *seclog.Logger {
	return s.log
}

// RecordLoginAttempt stores the attempt, logs it, runs detection, raises an
// alert per finding and applies the recommended lockouts.
func (s *Service) RecordLoginAttempt(ctx context.Context, a *models.LoginAttempt) error {
	if a == nil || (strings.TrimSpace(a.Username) == "" && a.IPAddress == "") {
		return fmt.Errorf("%w: username or ip_address is required", ErrInvalidAttempt)
	}
	if !a.Success && a.FailureReason == "" {
		a.FailureReason = models.ReasonInvalidPassword
	}
	if a.Success {
		a.FailureReason = ""
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now()
	}
	a.Timestamp = a.Timestamp.UTC()

	ctx, span := tracer.Start(ctx, "security.RecordLoginAttempt")
	defer span.End()

	if err := s.store.RecordLoginAttempt(ctx, a); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing login attempt: %w", err)
	}

	result := "failure"
	ev := &models.SecurityEvent{
		Type:      models.EventLoginFailure,
		Severity:  models.SeverityLow,
		UserID:    a.UserID,
		Username:  a.Username,
		IPAddress: a.IPAddress,
		UserAgent: a.UserAgent,
		Timestamp: a.Timestamp,
		Resource:  "auth",
		Message:   "login failed: " + a.FailureReason,
		Details: map[string]any{
			"attempt_id":     a.ID,
			"failure_reason": a.FailureReason,
		},
	}
	switch {
	case a.Success:
		result = "success"
		ev.Type = models.EventLoginSuccess
		ev.Severity = models.SeverityInfo
		ev.Message = "login succeeded"
		delete(ev.Details, "failure_reason")
	case a.Blocked():
		result = "blocked"
		ev.Type = models.EventLoginBlocked
		ev.Severity = models.SeverityMedium
		ev.Message = "login refused: " + a.FailureReason
	}
	s.metrics.ObserveLogin(result)
	span.SetAttributes(attribute.String("login.result", result))

	if _, err := s.log.Log(ctx, ev); err != nil {
		span.RecordError(err)
		return fmt.Errorf("logging login attempt: %w", err)
	}

	findings, err := s.detector.Analyze(ctx, a)
	if err != nil {
		// The attempt is stored and logged; detection runs again on the next one.
		s.logger.Error("Login analysis failed", zap.String("attempt_id", a.ID), zap.Error(err))
		return nil
	}

	for _, f := range findings {
		res, err := s.alerts.Raise(ctx, f)
		if err != nil {
			s.logger.Error("Failed to raise alert",
				zap.String("type", string(f.Type)),
				zap.Error(err),
			)
			continue
		}
		for _, rec := range s.detector.Recommend(f) {
			s.apply(ctx, rec, res.Alert)
		}
	}
	return nil
}

// apply enforces a recommendation unless an equal or longer lock is already active.
func (s *Service) apply(ctx context.Context, rec detection.Recommendation, a *models.Alert) {
	var (
		active bool
		err    error
		kind   = lockout.KindIP
	)
	if rec.Action == detection.ActionBlockIP {
		if active, err = s.lockouts.IsIPBlocked(ctx, rec.Target); err == nil && !active {
			err = s.lockouts.BlockIP(ctx, rec.Target, rec.Reason, rec.Duration)
		}
	} else {
		kind = lockout.KindAccount
		if active, err = s.lockouts.IsAccountLocked(ctx, rec.Target); err == nil && !active {
			err = s.lockouts.LockAccount(ctx, rec.Target, rec.Reason, rec.Duration)
		}
	}
	if err != nil {
		s.logger.Error("Failed to apply lockout",
			zap.String("action", string(rec.Action)),
			zap.String("target", rec.Target),
			zap.Error(err),
		)
		return
	}
	if active {
		return
	}

	s.metrics.ObserveLockout(string(kind))
	s.logger.Warn("Lockout applied",
		zap.String("action", string(rec.Action)),
		zap.String("target", rec.Target),
		zap.Duration("duration", rec.Duration),
	)

	ev := &models.SecurityEvent{
		Severity: models.SeverityHigh,
		Resource: "detector",
		Message:  fmt.Sprintf("%s for %s (%s)", rec.Action, rec.Duration, rec.Reason),
		Details: map[string]any{
			"reason":   rec.Reason,
			"duration": rec.Duration.String(),
			"until":    s.now().UTC().Add(rec.Duration).Format(time.RFC3339),
		},
	}
	if a != nil {
		ev.Details["alert_id"] = a.ID
	}
	if kind == lockout.KindIP {
		ev.Type = models.EventIPBlocked
		ev.IPAddress = rec.Target
	} else {
		ev.Type = models.EventAccountLocked
		ev.Username = rec.Target
	}
	if _, err := s.log.Log(ctx, ev); err != nil {
		s.logger.Error("Failed to log lockout", zap.Error(err))
	}
}

// reservedPrefixes mark event types written only by etbguard itself.
var reservedPrefixes = []string{"login_", "alert_", "chain_"}

// ValidateEvent checks an externally reported event without appending it.
// The type is trimmed in place.
func ValidateEvent(ev *models.SecurityEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: empty event", seclog.ErrInvalidEvent)
	}
	ev.Type = models.EventType(strings.TrimSpace(string(ev.Type)))
	if ev.Type == "" {
		return fmt.Errorf("%w: type is required", seclog.ErrInvalidEvent)
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(string(ev.Type), p) {
			return fmt.Errorf("%w: %s", ErrReservedEventType, ev.Type)
		}
	}
	return nil
}

// LogEvent appends an externally reported event to the security log.
func (s *Service) LogEvent(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error) {
	if err := ValidateEvent(ev); err != nil {
		return nil, err
	}
	// Sequence and hashes are always assigned by the log.
	ev.Sequence, ev.PreviousHash, ev.Hash = 0, "", ""
	return s.log.Log(ctx, ev)
}

// evaluateRules runs on every appended event. Alert and chain bookkeeping
// events are skipped so rule matches cannot feed on their own output.
func (s *Service) evaluateRules(ctx context.Context, ev *models.SecurityEvent) {
	t := string(ev.Type)
	if strings.HasPrefix(t, "alert_") || strings.HasPrefix(t, "chain_") {
		return
	}
	for _, f := range s.rules.Evaluate(ctx, ev) {
		select {
		case s.findings <- f:
		default:
			s.logger.Warn("Rule finding dropped, queue full",
				zap.String("rule", f.Rule),
				zap.Int64("sequence", ev.Sequence),
			)
		}
	}
}

// Run raises queued rule findings until ctx is cancelled. It returns
// immediately when no rule engine is configured.
func (s *Service) Run(ctx context.Context) {
	if s.findings == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.findings:
			if _, err := s.alerts.Raise(ctx, f); err != nil {
				s.logger.Error("Failed to raise rule alert",
					zap.String("rule", f.Rule),
					zap.Error(err),
				)
			}
		}
	}
}
