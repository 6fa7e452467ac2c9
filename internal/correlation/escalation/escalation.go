// Package escalation decides when alerts and correlations move up a level.
// Levels only ever increase.
package escalation

import (
	"sort"
	"time"

	"github.com/einsatzlog/etbguard/internal/correlation"
	"github.com/einsatzlog/etbguard/internal/models"
)

// Rule describes one escalation level. A rule matches when any of its
// configured conditions holds.
type Rule struct {
	Level           int             `yaml:"level"`
	MinScore        float64         `yaml:"min_score"`
	MinAlerts       int             `yaml:"min_alerts"`
	CriticalPattern bool            `yaml:"critical_pattern"`
	Severity        models.Severity `yaml:"severity"`
}

// Config holds escalation policy settings.
type Config struct {
	Rules                    []Rule        `yaml:"rules"`
	EscalateAfterOccurrences int           `yaml:"escalate_after_occurrences"`
	Timeout                  time.Duration `yaml:"timeout"`
}

// DefaultRules returns the built-in level rules.
func DefaultRules() []Rule {
	return []Rule{
		{Level: 1, MinScore: 0.6, MinAlerts: 3, Severity: models.SeverityHigh},
		{Level: 2, MinScore: 0.8, MinAlerts: 5, Severity: models.SeverityCritical},
		{Level: 3, CriticalPattern: true, Severity: models.SeverityCritical},
	}
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Rules:                    DefaultRules(),
		EscalateAfterOccurrences: 10,
		Timeout:                  30 * time.Minute,
	}
}

// Decision is the outcome of evaluating a policy.
type Decision struct {
	Level    int
	Severity models.Severity
	Reason   string
}

// Reasons attached to decisions.
const (
	ReasonCorrelation = "correlation"
	ReasonOccurrences = "occurrences"
	ReasonTimeout     = "unacknowledged_timeout"
)

// Policy evaluates escalation rules.
type Policy struct {
	config   Config
	maxLevel int
}

// NewPolicy creates a policy. Missing values fall back to defaults.
func NewPolicy(cfg Config) *Policy {
	def := DefaultConfig()
	if len(cfg.Rules) == 0 {
		cfg.Rules = def.Rules
	}
	if cfg.EscalateAfterOccurrences <= 0 {
		cfg.EscalateAfterOccurrences = def.EscalateAfterOccurrences
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	rules := append([]Rule(nil), cfg.Rules...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Level < rules[j].Level })
	cfg.Rules = rules

	return &Policy{config: cfg, maxLevel: rules[len(rules)-1].Level}
}

// MaxLevel is the highest configured level.
func (p *Policy) MaxLevel() int {
	return p.maxLevel
}

// SeverityFor returns the severity attached to level, or high for unknown levels.
func (p *Policy) SeverityFor(level int) models.Severity {
	sev := models.SeverityHigh
	for _, r := range p.config.Rules {
		if r.Level <= level && r.Severity != "" {
			sev = models.MaxSeverity(sev, r.Severity)
		}
	}
	return sev
}

// ForCorrelation returns the highest level whose rule the correlation satisfies.
// The decision level is 0 when no rule matches.
func (p *Policy) ForCorrelation(c *models.Correlation) Decision {
	critical := false
	for _, name := range c.Patterns {
		if correlation.IsCriticalPattern(name) {
			critical = true
		}
	}

	d := Decision{Reason: ReasonCorrelation}
	for _, r := range p.config.Rules {
		matched := (r.MinScore > 0 && c.Score >= r.MinScore) ||
			(r.MinAlerts > 0 && len(c.AlertIDs) >= r.MinAlerts) ||
			(r.CriticalPattern && critical)
		if matched && r.Level > d.Level {
			d.Level = r.Level
			d.Severity = r.Severity
		}
	}
	if d.Level > 0 && d.Severity == "" {
		d.Severity = p.SeverityFor(d.Level)
	}
	return d
}

// ForOccurrences bumps an alert one level when its count crosses the threshold.
func (p *Policy) ForOccurrences(a *models.Alert, previousCount int) (Decision, bool) {
	n := p.config.EscalateAfterOccurrences
	if previousCount >= n || a.Count < n {
		return Decision{}, false
	}
	return p.bump(a, ReasonOccurrences)
}

// ForTimeout bumps an active high or critical alert that nobody acknowledged
// within the timeout, measured from creation or the last escalation.
func (p *Policy) ForTimeout(a *models.Alert, now time.Time) (Decision, bool) {
	if a.Status != models.AlertOpen && a.Status != models.AlertEscalated {
		return Decision{}, false
	}
	if !a.Severity.AtLeast(models.SeverityHigh) {
		return Decision{}, false
	}
	ref := a.CreatedAt
	if a.EscalatedAt != nil {
		ref = *a.EscalatedAt
	}
	if now.Sub(ref) < p.config.Timeout {
		return Decision{}, false
	}
	return p.bump(a, ReasonTimeout)
}

func (p *Policy) bump(a *models.Alert, reason string) (Decision, bool) {
	if a.EscalationLevel >= p.maxLevel {
		return Decision{}, false
	}
	level := a.EscalationLevel + 1
	return Decision{Level: level, Severity: p.SeverityFor(level), Reason: reason}, true
}

// Apply raises the alert to the decision. It returns false when the alert is
// already at or above the decided level.
func Apply(a *models.Alert, d Decision, now time.Time) bool {
	if d.Level <= a.EscalationLevel {
		return false
	}
	a.EscalationLevel = d.Level
	a.Severity = models.MaxSeverity(a.Severity, d.Severity)
	a.Status = models.AlertEscalated
	a.EscalatedAt = &now
	a.UpdatedAt = now
	return true
}

// ApplyCorrelation raises the correlation to the decision.
func ApplyCorrelation(c *models.Correlation, d Decision, now time.Time) bool {
	if d.Level <= c.EscalationLevel {
		return false
	}
	c.EscalationLevel = d.Level
	c.Severity = models.MaxSeverity(c.Severity, d.Severity)
	c.UpdatedAt = now
	return true
}
