// Package store defines persistence for the security log, login attempts and alerts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/einsatzlog/etbguard/internal/models"
)

// Common errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrSequenceConflict = errors.New("sequence conflict")
)

// BuildFunc receives the current chain head (nil for an empty chain) and returns
// the next event to append.
type BuildFunc func(last *models.SecurityEvent) (*models.SecurityEvent, error)

// EventFilter narrows security event listings.
type EventFilter struct {
	Types       []models.EventType
	Username    string
	IPAddress   string
	MinSeverity models.Severity
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

// AttemptFilter narrows login attempt listings.
type AttemptFilter struct {
	Username  string
	IPAddress string
	Success   *bool
	Since     time.Time
	Until     time.Time
	Limit     int
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Statuses    []models.AlertStatus
	Types       []models.AlertType
	MinSeverity models.Severity
	IPAddress   string
	Username    string
	Since       time.Time
	Limit       int
}

// EventStore persists the append-only security log.
type EventStore interface {
	// AppendEvent runs build with the current head and inserts the result atomically.
	// Concurrent calls are serialized.
	AppendEvent(ctx context.Context, build BuildFunc) (*models.SecurityEvent, error)
	LastEvent(ctx context.Context) (*models.SecurityEvent, error)
	GetEvent(ctx context.Context, id string) (*models.SecurityEvent, error)
	GetEventBySequence(ctx context.Context, seq int64) (*models.SecurityEvent, error)
	// ListEvents returns matching events, newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]*models.SecurityEvent, error)
	// WalkEvents calls fn for events with from <= sequence <= to in ascending order.
	// A to of 0 means up to the head.
	WalkEvents(ctx context.Context, from, to int64, fn func(*models.SecurityEvent) error) error
}

// LoginAttemptStore persists login attempts.
type LoginAttemptStore interface {
	RecordLoginAttempt(ctx context.Context, a *models.LoginAttempt) error
	// ListLoginAttempts returns matching attempts, newest first.
	ListLoginAttempts(ctx context.Context, f AttemptFilter) ([]*models.LoginAttempt, error)
	DeleteLoginAttemptsBefore(ctx context.Context, before time.Time) (int64, error)
}

// AlertStore persists alerts and their correlations.
type AlertStore interface {
	CreateAlert(ctx context.Context, a *models.Alert) error
	UpdateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	// FindActiveAlert returns the newest active alert with the fingerprint.
	FindActiveAlert(ctx context.Context, fingerprint string) (*models.Alert, error)
	// ListAlerts returns matching alerts ordered by last_seen, newest first.
	ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error)
	SaveCorrelation(ctx context.Context, c *models.Correlation) error
	GetCorrelation(ctx context.Context, id string) (*models.Correlation, error)
	ListCorrelations(ctx context.Context, limit int) ([]*models.Correlation, error)
}

// Store is the full persistence surface.
type Store interface {
	EventStore
	LoginAttemptStore
	AlertStore
	Ping(ctx context.Context) error
	Close() error
}

// ActiveStatuses lists the statuses that still need attention.
func ActiveStatuses() []models.AlertStatus {
	return []models.AlertStatus{models.AlertOpen, models.AlertAcknowledged, models.AlertEscalated}
}
