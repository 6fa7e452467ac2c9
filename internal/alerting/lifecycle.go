package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/correlation/escalation"
	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/notify"
	"github.com/einsatzlog/etbguard/internal/store"
)

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, id string) (*models.Alert, error) {
	return m.store.GetAlert(ctx, id)
}

// List returns alerts matching f.
func (m *Manager) List(ctx context.Context, f store.AlertFilter) ([]*models.Alert, error) {
	return m.store.ListAlerts(ctx, f)
}

// GetCorrelation returns one correlation.
func (m *Manager) GetCorrelation(ctx context.Context, id string) (*models.Correlation, error) {
	return m.store.GetCorrelation(ctx, id)
}

// ListCorrelations returns the newest correlations.
func (m *Manager) ListCorrelations(ctx context.Context, limit int) ([]*models.Correlation, error) {
	return m.store.ListCorrelations(ctx, limit)
}

// ActiveCounts returns the number of active alerts per severity.
func (m *Manager) ActiveCounts(ctx context.Context) (map[models.Severity]int, error) {
	alerts, err := m.store.ListAlerts(ctx, store.AlertFilter{Statuses: store.ActiveStatuses()})
	if err != nil {
		return nil, err
	}
	counts := map[models.Severity]int{}
	for _, a := range alerts {
		counts[a.Severity]++
	}
	return counts, nil
}

// Acknowledge marks an open or escalated alert as seen by an operator.
// Acknowledged alerts no longer escalate on timeout.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (*models.Alert, error) {
	return m.transition(ctx, id, actor, models.AlertAcknowledged, "")
}

// Resolve closes an alert.
func (m *Manager) Resolve(ctx context.Context, id, actor, resolution string) (*models.Alert, error) {
	return m.transition(ctx, id, actor, models.AlertResolved, resolution)
}

// MarkFalsePositive closes an alert as a false positive.
func (m *Manager) MarkFalsePositive(ctx context.Context, id, actor, note string) (*models.Alert, error) {
	return m.transition(ctx, id, actor, models.AlertFalsePositive, note)
}

func (m *Manager) transition(ctx context.Context, id, actor string, to models.AlertStatus, note string) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.IsActive() {
		return nil, fmt.Errorf("%w: alert %s is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	if a.Status == to {
		return a, nil
	}

	now := m.now().UTC()
	a.Status = to
	a.UpdatedAt = now

	ev := &models.SecurityEvent{
		UserID:    actor,
		Username:  a.Username,
		IPAddress: a.IPAddress,
		Resource:  "alert:" + a.ID,
		Details: map[string]any{
			"alert_id":   a.ID,
			"alert_type": string(a.Type),
			"status":     string(to),
			"actor":      actor,
		},
	}
	switch to {
	case models.AlertAcknowledged:
		a.AcknowledgedBy = actor
		a.AcknowledgedAt = &now
		ev.Type = models.EventAdminAction
		ev.Severity = models.SeverityInfo
		ev.Message = fmt.Sprintf("alert %s acknowledged", a.ID)
	default:
		a.ResolvedBy = actor
		a.ResolvedAt = &now
		a.Resolution = note
		ev.Type = models.EventAlertResolved
		ev.Severity = models.SeverityInfo
		ev.Message = fmt.Sprintf("alert %s closed as %s", a.ID, to)
		if note != "" {
			ev.Details["resolution"] = note
		}
	}

	if err := m.store.UpdateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("updating alert: %w", err)
	}
	m.logEvent(ctx, ev)
	m.logger.Info("Alert status changed",
		zap.String("alert_id", a.ID),
		zap.String("status", string(to)),
		zap.String("actor", actor),
	)

	if to != models.AlertAcknowledged {
		m.notify(ctx, &notify.Notification{
			Kind:    notify.KindAlertResolved,
			Alert:   a,
			Level:   a.EscalationLevel,
			Message: ev.Message,
		})
	}
	return a, nil
}

// Sweep escalates high and critical alerts nobody acknowledged within the
// escalation timeout and refreshes the active alert gauges. It returns the
// number of escalated alerts.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "alerting.Sweep")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	alerts, err := m.store.ListAlerts(ctx, store.AlertFilter{
		Statuses:    []models.AlertStatus{models.AlertOpen, models.AlertEscalated},
		MinSeverity: models.SeverityHigh,
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("listing alerts: %w", err)
	}

	now := m.now().UTC()
	escalated := 0
	var errs []error
	for _, a := range alerts {
		d, ok := m.policy.ForTimeout(a, now)
		if !ok {
			continue
		}
		prevLevel := a.EscalationLevel
		if !escalation.Apply(a, d, now) {
			continue
		}
		if err := m.store.UpdateAlert(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("updating alert %s: %w", a.ID, err))
			continue
		}
		escalated++
		m.onEscalated(ctx, a, d, prevLevel, nil)
		m.respond(ctx, a, nil, notify.KindAlertEscalated)
	}

	if counts, err := m.activeCountsLocked(ctx); err == nil {
		m.metrics.SetActiveAlerts(counts)
	}
	return escalated, errors.Join(errs...)
}

func (m *Manager) activeCountsLocked(ctx context.Context) (map[string]int, error) {
	counts, err := m.ActiveCounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for sev, n := range counts {
		out[string(sev)] = n
	}
	return out, nil
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.config.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Error("Alert sweep failed", zap.Error(err))
			}
			if n > 0 {
				m.logger.Info("Alert sweep escalated alerts", zap.Int("count", n))
			}
		}
	}
}
