// Package models defines the security domain types shared across etbguard.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity ranks how urgent an event or alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity (info=0 .. critical=4).
// Unknown values rank as info.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	case "informational":
		return SeverityInfo, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// EventType classifies security log entries.
type EventType string

const (
	EventLoginSuccess       EventType = "login_success"
	EventLoginFailure       EventType = "login_failure"
	EventLoginBlocked       EventType = "login_blocked"
	EventLogout             EventType = "logout"
	EventPasswordChanged    EventType = "password_changed"
	EventPermissionDenied   EventType = "permission_denied"
	EventAccountLocked      EventType = "account_locked"
	EventAccountUnlocked    EventType = "account_unlocked"
	EventIPBlocked          EventType = "ip_blocked"
	EventIPUnblocked        EventType = "ip_unblocked"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventAlertCreated       EventType = "alert_created"
	EventAlertEscalated     EventType = "alert_escalated"
	EventAlertResolved      EventType = "alert_resolved"
	EventChainVerified      EventType = "chain_verified"
	EventChainArchived      EventType = "chain_archived"
	EventDataExport         EventType = "data_export"
	EventAdminAction        EventType = "admin_action"
)

// SecurityEvent is one entry of the hash-chained security log.
type SecurityEvent struct {
	ID           string         `json:"id"`
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"type"`
	Severity     Severity       `json:"severity"`
	UserID       string         `json:"user_id,omitempty"`
	Username     string         `json:"username,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Resource     string         `json:"resource,omitempty"`
	Message      string         `json:"message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

// Login failure reasons.
const (
	ReasonUnknownUser     = "unknown_user"
	ReasonInvalidPassword = "invalid_password"
	ReasonAccountLocked   = "account_locked"
	ReasonIPBlocked       = "ip_blocked"
	ReasonDisabled        = "disabled"
)

// LoginAttempt records a single authentication attempt.
type LoginAttempt struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	UserID        string    `json:"user_id,omitempty"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Blocked reports whether the attempt was refused before credentials were checked.
func (a *LoginAttempt) Blocked() bool {
	return a.FailureReason == ReasonIPBlocked || a.FailureReason == ReasonAccountLocked
}

// AlertType names the heuristic or rule that produced an alert.
type AlertType string

const (
	AlertBruteForceIP      AlertType = "brute_force_ip"
	AlertBruteForceAccount AlertType = "brute_force_account"
	AlertUserEnumeration   AlertType = "user_enumeration"
	AlertPasswordSpraying  AlertType = "password_spraying"
	AlertDistributedAttack AlertType = "distributed_attack"
	AlertSuspiciousSuccess AlertType = "suspicious_success"
	AlertSigmaRule         AlertType = "sigma_rule"
	AlertChainTampering    AlertType = "chain_tampering"
)

// IsCredentialAttack reports whether the type is a password-guessing pattern.
func (t AlertType) IsCredentialAttack() bool {
	switch t {
	case AlertBruteForceIP, AlertBruteForceAccount, AlertPasswordSpraying, AlertDistributedAttack:
		return true
	}
	return false
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "open"
	AlertAcknowledged  AlertStatus = "acknowledged"
	AlertEscalated     AlertStatus = "escalated"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// IsActive reports whether the alert still needs attention.
func (s AlertStatus) IsActive() bool {
	return s == AlertOpen || s == AlertAcknowledged || s == AlertEscalated
}

// Alert is a raised security alert.
type Alert struct {
	ID               string         `json:"id"`
	Type             AlertType      `json:"type"`
	Severity         Severity       `json:"severity"`
	Status           AlertStatus    `json:"status"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	IPAddress        string         `json:"ip_address,omitempty"`
	Username         string         `json:"username,omitempty"`
	Rule             string         `json:"rule,omitempty"`
	Fingerprint      string         `json:"fingerprint"`
	Count            int            `json:"count"`
	FirstSeen        time.Time      `json:"first_seen"`
	LastSeen         time.Time      `json:"last_seen"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	CorrelationScore float64        `json:"correlation_score"`
	EscalationLevel  int            `json:"escalation_level"`
	EscalatedAt      *time.Time     `json:"escalated_at,omitempty"`
	Patterns         []string       `json:"patterns,omitempty"`
	Techniques       []string       `json:"techniques,omitempty"`
	Evidence         map[string]any `json:"evidence,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	AcknowledgedBy   string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	Resolution       string         `json:"resolution,omitempty"`
}

// Clone returns a deep copy of the alert.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.Patterns = append([]string(nil), a.Patterns...)
	c.Techniques = append([]string(nil), a.Techniques...)
	if a.Evidence != nil {
		c.Evidence = make(map[string]any, len(a.Evidence))
		for k, v := range a.Evidence {
			c.Evidence[k] = v
		}
	}
	if a.EscalatedAt != nil {
		t := *a.EscalatedAt
		c.EscalatedAt = &t
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Correlation groups related alerts.
type Correlation struct {
	ID              string    `json:"id"`
	AlertIDs        []string  `json:"alert_ids"`
	Factors         []string  `json:"factors"`
	Score           float64   `json:"score"`
	Patterns        []string  `json:"patterns,omitempty"`
	Severity        Severity  `json:"severity"`
	EscalationLevel int       `json:"escalation_level"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the correlation.
func (c *Correlation) Clone() *Correlation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.AlertIDs = append([]string(nil), c.AlertIDs...)
	cp.Factors = append([]string(nil), c.Factors...)
	cp.Patterns = append([]string(nil), c.Patterns...)
	return &cp
}
