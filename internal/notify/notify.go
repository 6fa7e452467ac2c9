// Package notify delivers alert notifications to operators and downstream systems.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/observability"
)

// Kind is the reason a notification was sent.
type Kind string

const (
	KindAlertCreated   Kind = "alert_created"
	KindAlertEscalated Kind = "alert_escalated"
	KindAlertResolved  Kind = "alert_resolved"
	KindChainInvalid   Kind = "chain_invalid"
)

// Notification is the payload handed to every Notifier.
type Notification struct {
	Kind        Kind                `json:"kind"`
	Alert       *models.Alert       `json:"alert,omitempty"`
	Correlation *models.Correlation `json:"correlation,omitempty"`
	Level       int                 `json:"level"`
	Message     string              `json:"message"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Severity returns the most severe of the alert and correlation severities.
func (n *Notification) Severity() models.Severity {
	sev := models.SeverityInfo
	if n.Alert != nil {
		sev = models.MaxSeverity(sev, n.Alert.Severity)
	}
	if n.Correlation != nil {
		sev = models.MaxSeverity(sev, n.Correlation.Severity)
	}
	return sev
}

// Notifier delivers notifications.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n *Notification) error
}

// Multi fans a notification out to several notifiers. A failing notifier
// does not stop delivery to the others.
type Multi struct {
	notifiers []Notifier
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewMulti creates a fan-out notifier.
func NewMulti(logger *zap.Logger, metrics *observability.Metrics, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, metrics: metrics, logger: logger}
}

// Add registers another notifier.
func (m *Multi) Add(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Names lists the registered notifiers.
func (m *Multi) Names() []string {
	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		names = append(names, n.Name())
	}
	return names
}

func (m *Multi) Name() string { return "multi" }

// Notify delivers n to every notifier and joins their errors.
func (m *Multi) Notify(ctx context.Context, n *Notification) error {
	return m.notify(ctx, n, nil)
}

// NotifyChannels delivers n only to the named notifiers. Unknown names are
// reported as errors.
func (m *Multi) NotifyChannels(ctx context.Context, n *Notification, channels []string) error {
	if len(channels) == 0 {
		return m.Notify(ctx, n)
	}
	want := make(map[string]bool, len(channels))
	for _, c := range channels {
		want[c] = false
	}
	err := m.notify(ctx, n, want)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for c, seen := range want {
		if !seen {
			errs = append(errs, fmt.Errorf("unknown notification channel %q", c))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) notify(ctx context.Context, n *Notification, only map[string]bool) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range m.notifiers {
		name := notifier.Name()
		if only != nil {
			if _, ok := only[name]; !ok {
				continue
			}
			only[name] = true
		}
		err := notifier.Notify(ctx, n)
		m.metrics.ObserveNotification(name, err)
		if err != nil {
			m.logger.Warn("Notification delivery failed",
				zap.String("notifier", name),
				zap.String("kind", string(n.Kind)),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs through zap.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Notify(_ context.Context, n *Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("severity", string(n.Severity())),
		zap.Int("level", n.Level),
		zap.String("message", n.Message),
	}
	if n.Alert != nil {
		fields = append(fields,
			zap.String("alert_id", n.Alert.ID),
			zap.String("alert_type", string(n.Alert.Type)),
			zap.String("ip_address", n.Alert.IPAddress),
			zap.String("username", n.Alert.Username),
		)
	}
	if n.Correlation != nil {
		fields = append(fields,
			zap.String("correlation_id", n.Correlation.ID),
			zap.Float64("correlation_score", n.Correlation.Score),
		)
	}

	if n.Severity().AtLeast(models.SeverityHigh) {
		l.logger.Warn("Security notification", fields...)
	} else {
		l.logger.Info("Security notification", fields...)
	}
	return nil
}
