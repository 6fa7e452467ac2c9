// Package alerting turns detection findings into deduplicated, correlated and
// escalated alerts.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/correlation"
	"github.com/einsatzlog/etbguard/internal/correlation/escalation"
	"github.com/einsatzlog/etbguard/internal/detection"
	"github.com/einsatzlog/etbguard/internal/mitre"
	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/notify"
	"github.com/einsatzlog/etbguard/internal/observability"
	"github.com/einsatzlog/etbguard/internal/reputation"
	"github.com/einsatzlog/etbguard/internal/response"
	"github.com/einsatzlog/etbguard/internal/store"
)

var tracer = otel.Tracer("etbguard/alerting")

// ErrInvalidTransition is returned when an alert cannot move to the requested status.
var ErrInvalidTransition = errors.New("invalid alert transition")

// Evidence keys written by reputation enrichment.
const (
	EvidenceReputationPulses = "ip_reputation_pulses"
	EvidenceReputationSource = "ip_reputation_source"
)

// Config holds alert lifecycle settings.
type Config struct {
	DedupWindow    time.Duration      `yaml:"dedup_window"`
	SweepInterval  time.Duration      `yaml:"sweep_interval"`
	CandidateLimit int                `yaml:"candidate_limit"`
	Correlation    correlation.Config `yaml:"correlation"`
	Escalation     escalation.Config  `yaml:"escalation"`
}

// DefaultConfig returns the default lifecycle settings.
func DefaultConfig() Config {
	return Config{
		DedupWindow:    time.Hour,
		SweepInterval:  time.Minute,
		CandidateLimit: 500,
		Correlation:    correlation.DefaultConfig(),
		Escalation:     escalation.DefaultConfig(),
	}
}

// EventLogger appends to the security log.
type EventLogger interface {
	Log(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error)
}

// Responder runs response playbooks.
type Responder interface {
	Execute(ctx context.Context, inv response.Invocation) *response.Report
}

// Manager owns the alert lifecycle.
type Manager struct {
	store      store.AlertStore
	events     EventLogger
	correlator *correlation.Correlator
	policy     *escalation.Policy
	attack     *mitre.AttackFramework
	reputation reputation.Checker
	responder  Responder
	notifier   notify.Notifier
	metrics    *observability.Metrics
	logger     *zap.Logger
	config     Config
	now        func() time.Time

	// mu serializes Raise so dedup and correlation see a consistent view.
	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

func WithReputation(c reputation.Checker) Option { return func(m *Manager) { m.reputation = c } }
func WithResponder(r Responder) Option           { return func(m *Manager) { m.responder = r } }
func WithNotifier(n notify.Notifier) Option      { return func(m *Manager) { m.notifier = n } }
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates an alert manager. Zero config values fall back to defaults.
func NewManager(s store.AlertStore, events EventLogger, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}

	m := &Manager{
		store:      s,
		events:     events,
		correlator: correlation.NewCorrelator(cfg.Correlation),
		policy:     escalation.NewPolicy(cfg.Escalation),
		attack:     mitre.NewAttackFramework(logger),
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Fingerprint identifies findings that describe the same ongoing activity.
func Fingerprint(f detection.Finding) string {
	key := string(f.Type) + "|" + f.IPAddress + "|" + f.Username + "|" + f.Rule
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// Result describes what Raise did.
type Result struct {
	Alert       *models.Alert       `json:"alert"`
	Created     bool                `json:"created"`
	Escalated   bool                `json:"escalated"`
	Correlation *models.Correlation `json:"correlation,omitempty"`
}

// Raise records a finding. An active alert with the same fingerprint seen
// within the dedup window absorbs it; otherwise a new alert is created,
// enriched, correlated and escalated.
func (m *Manager) Raise(ctx context.Context, f detection.Finding) (*Result, error) {
	ctx, span := tracer.Start(ctx, "alerting.Raise")
	defer span.End()
	span.SetAttributes(attribute.String("alert.type", string(f.Type)))

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	seen := f.ObservedAt.UTC()
	if f.ObservedAt.IsZero() {
		seen = now
	}
	fp := Fingerprint(f)

	existing, err := m.store.FindActiveAlert(ctx, fp)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("finding active alert: %w", err)
	}
	if existing != nil && seen.Sub(existing.LastSeen) <= m.config.DedupWindow {
		return m.absorb(ctx, existing, f, seen, now)
	}

	a := m.newAlert(ctx, f, fp, seen, now)
	if err := m.store.CreateAlert(ctx, a); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating alert: %w", err)
	}
	m.metrics.ObserveAlert(string(a.Type), string(a.Severity), "created")
	m.logger.Info("Alert created",
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("ip_address", a.IPAddress),
		zap.String("username", a.Username),
	)
	m.logEvent(ctx, &models.SecurityEvent{
		Type:      models.EventAlertCreated,
		Severity:  a.Severity,
		Username:  a.Username,
		IPAddress: a.IPAddress,
		Resource:  "alert:" + a.ID,
		Message:   a.Title,
		Details: map[string]any{
			"alert_id":    a.ID,
			"alert_type":  string(a.Type),
			"fingerprint": a.Fingerprint,
			"rule":        a.Rule,
			"techniques":  a.Techniques,
		},
	})

	res := &Result{Alert: a, Created: true}

	escalated, corr, err := m.correlate(ctx, a, now)
	if err != nil {
		// Correlation is best effort; the alert itself is stored.
		m.logger.Error("Alert correlation failed", zap.String("alert_id", a.ID), zap.Error(err))
	}
	res.Correlation = corr

	for _, member := range escalated {
		if member == a {
			res.Escalated = true
			continue
		}
		m.respond(ctx, member, corr, notify.KindAlertEscalated)
	}

	kind := notify.KindAlertCreated
	if res.Escalated {
		kind = notify.KindAlertEscalated
	}
	m.respond(ctx, a, corr, kind)
	return res, nil
}

func (m *Manager) newAlert(ctx context.Context, f detection.Finding, fp string, seen, now time.Time) *models.Alert {
	a := &models.Alert{
		ID:          uuid.NewString(),
		Type:        f.Type,
		Severity:    f.Severity,
		Status:      models.AlertOpen,
		Title:       f.Title,
		Description: f.Description,
		IPAddress:   f.IPAddress,
		Username:    f.Username,
		Rule:        f.Rule,
		Fingerprint: fp,
		Count:       1,
		FirstSeen:   seen,
		LastSeen:    seen,
		Techniques:  mergeStrings(f.Techniques, m.attack.TechniqueIDs(f.Type)),
		Evidence:    map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if a.Severity == "" {
		a.Severity = models.SeverityMedium
	}
	if a.Title == "" {
		a.Title = string(f.Type)
	}
	for k, v := range f.Evidence {
		a.Evidence[k] = v
	}
	m.enrich(ctx, a)
	return a
}

// enrich adds IP reputation evidence. Lookup failures are logged and ignored.
func (m *Manager) enrich(ctx context.Context, a *models.Alert) {
	if m.reputation == nil || a.IPAddress == "" {
		return
	}
	rep, err := m.reputation.Lookup(ctx, a.IPAddress)
	if err != nil {
		m.logger.Warn("IP reputation lookup failed",
			zap.String("ip_address", a.IPAddress),
			zap.Error(err),
		)
		return
	}
	if rep == nil {
		return
	}
	a.Evidence[correlation.EvidenceMaliciousIP] = rep.Malicious
	a.Evidence[EvidenceReputationPulses] = rep.PulseCount
	a.Evidence[EvidenceReputationSource] = rep.Source
}

// absorb folds a repeated finding into an existing alert.
func (m *Manager) absorb(ctx context.Context, a *models.Alert, f detection.Finding, seen, now time.Time) (*Result, error) {
	prev := a.Count
	a.Count++
	if seen.After(a.LastSeen) {
		a.LastSeen = seen
	}
	a.Severity = models.MaxSeverity(a.Severity, f.Severity)
	if a.Evidence == nil {
		a.Evidence = map[string]any{}
	}
	for k, v := range f.Evidence {
		a.Evidence[k] = v
	}
	a.UpdatedAt = now

	res := &Result{Alert: a}
	var prevLevel int
	if d, ok := m.policy.ForOccurrences(a, prev); ok {
		prevLevel = a.EscalationLevel
		res.Escalated = escalation.Apply(a, d, now)
		if res.Escalated {
			m.onEscalated(ctx, a, d, prevLevel, nil)
		}
	}

	if err := m.store.UpdateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("updating alert: %w", err)
	}
	m.metrics.ObserveAlert(string(a.Type), string(a.Severity), "deduplicated")
	m.logger.Debug("Alert deduplicated",
		zap.String("alert_id", a.ID),
		zap.Int("count", a.Count),
	)

	if res.Escalated {
		m.respond(ctx, a, nil, notify.KindAlertEscalated)
	}
	return res, nil
}

// correlate links target with related active alerts, saves the resulting
// group, and applies correlation-driven escalation. It returns the members
// whose level went up.
func (m *Manager) correlate(ctx context.Context, target *models.Alert, now time.Time) ([]*models.Alert, *models.Correlation, error) {
	ctx, span := tracer.Start(ctx, "alerting.correlate")
	defer span.End()

	window := m.correlator.Config().Window
	candidates, err := m.store.ListAlerts(ctx, store.AlertFilter{
		Statuses: store.ActiveStatuses(),
		Since:    target.LastSeen.Add(-window),
		Limit:    m.config.CandidateLimit,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("listing candidates: %w", err)
	}

	pairs := m.correlator.Related(target, candidates)
	if len(pairs) == 0 {
		return nil, nil, nil
	}

	byID := map[string]*models.Alert{target.ID: target}
	for _, p := range pairs {
		byID[p.Alert.ID] = p.Alert
	}

	corrIDs := map[string]struct{}{}
	for _, a := range byID {
		if a.CorrelationID != "" {
			corrIDs[a.CorrelationID] = struct{}{}
		}
	}
	var existing []*models.Correlation
	var members []*models.Alert
	for id := range corrIDs {
		c, err := m.store.GetCorrelation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("loading correlation %s: %w", id, err)
		}
		existing = append(existing, c)
		for _, aid := range c.AlertIDs {
			if _, ok := byID[aid]; ok {
				continue
			}
			member, err := m.store.GetAlert(ctx, aid)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, nil, fmt.Errorf("loading alert %s: %w", aid, err)
			}
			byID[aid] = member
			members = append(members, member)
		}
	}

	corr := m.correlator.Group(target, pairs, existing, members, now)
	if corr == nil {
		return nil, nil, nil
	}

	d := m.policy.ForCorrelation(corr)
	escalation.ApplyCorrelation(corr, d, now)
	if err := m.store.SaveCorrelation(ctx, corr); err != nil {
		return nil, nil, fmt.Errorf("saving correlation: %w", err)
	}
	m.metrics.ObserveCorrelation()
	span.SetAttributes(
		attribute.String("correlation.id", corr.ID),
		attribute.Float64("correlation.score", corr.Score),
		attribute.Int("correlation.size", len(corr.AlertIDs)),
	)
	m.logger.Info("Alerts correlated",
		zap.String("correlation_id", corr.ID),
		zap.Float64("score", corr.Score),
		zap.Int("alerts", len(corr.AlertIDs)),
		zap.Strings("patterns", corr.Patterns),
		zap.Int("level", corr.EscalationLevel),
	)

	var escalated []*models.Alert
	for _, id := range corr.AlertIDs {
		a := byID[id]
		if a == nil {
			continue
		}
		a.CorrelationID = corr.ID
		a.CorrelationScore = corr.Score
		a.Patterns = append([]string(nil), corr.Patterns...)
		a.UpdatedAt = now

		if a.Status.IsActive() {
			prevLevel := a.EscalationLevel
			if escalation.Apply(a, d, now) {
				m.onEscalated(ctx, a, d, prevLevel, corr)
				escalated = append(escalated, a)
			}
		}
		if err := m.store.UpdateAlert(ctx, a); err != nil {
			return escalated, corr, fmt.Errorf("updating alert %s: %w", a.ID, err)
		}
	}
	return escalated, corr, nil
}

// onEscalated records an escalation in the security log and metrics.
func (m *Manager) onEscalated(ctx context.Context, a *models.Alert, d escalation.Decision, prevLevel int, corr *models.Correlation) {
	m.metrics.ObserveEscalation(a.EscalationLevel)
	m.logger.Warn("Alert escalated",
		zap.String("alert_id", a.ID),
		zap.Int("from_level", prevLevel),
		zap.Int("to_level", a.EscalationLevel),
		zap.String("severity", string(a.Severity)),
		zap.String("reason", d.Reason),
	)
	details := map[string]any{
		"alert_id":   a.ID,
		"alert_type": string(a.Type),
		"from_level": prevLevel,
		"to_level":   a.EscalationLevel,
		"reason":     d.Reason,
	}
	if corr != nil {
		details["correlation_id"] = corr.ID
		details["correlation_score"] = corr.Score
	}
	m.logEvent(ctx, &models.SecurityEvent{
		Type:      models.EventAlertEscalated,
		Severity:  a.Severity,
		Username:  a.Username,
		IPAddress: a.IPAddress,
		Resource:  "alert:" + a.ID,
		Message:   fmt.Sprintf("%s escalated to level %d (%s)", a.Title, a.EscalationLevel, d.Reason),
		Details:   details,
	})
}

// respond runs playbooks and falls back to a plain notification when no
// playbook delivered one.
func (m *Manager) respond(ctx context.Context, a *models.Alert, corr *models.Correlation, kind notify.Kind) {
	msg := a.Title
	if kind == notify.KindAlertEscalated {
		msg = fmt.Sprintf("%s (escalation level %d)", a.Title, a.EscalationLevel)
	}

	if m.responder != nil {
		report := m.responder.Execute(ctx, response.Invocation{Alert: a, Correlation: corr, Kind: kind, Message: msg})
		if report.Notified() {
			return
		}
	}
	m.notify(ctx, &notify.Notification{
		Kind:        kind,
		Alert:       a,
		Correlation: corr,
		Level:       a.EscalationLevel,
		Message:     msg,
	})
}

func (m *Manager) notify(ctx context.Context, n *notify.Notification) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("Alert notification failed",
			zap.String("kind", string(n.Kind)),
			zap.Error(err),
		)
	}
}

func (m *Manager) logEvent(ctx context.Context, ev *models.SecurityEvent) {
	if m.events == nil {
		return
	}
	if _, err := m.events.Log(ctx, ev); err != nil {
		m.logger.Error("Failed to log alert event",
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

func mergeStrings(a, b []string) []string {
	set := map[string]struct{}{}
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
