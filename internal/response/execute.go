package response

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/notify"
)

// ChannelNotifier delivers a notification to named channels.
type ChannelNotifier interface {
	NotifyChannels(ctx context.Context, n *notify.Notification, channels []string) error
}

// EventLogger appends to the security log.
type EventLogger interface {
	Log(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error)
}

// Result statuses.
const (
	StatusExecuted = "executed"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// ActionResult records the outcome of one playbook action.
type ActionResult struct {
	Playbook string     `json:"playbook"`
	Action   ActionType `json:"action"`
	Target   string     `json:"target,omitempty"`
	Status   string     `json:"status"`
	Message  string     `json:"message,omitempty"`
}

// Invocation carries the context a playbook run is started with.
type Invocation struct {
	Alert       *models.Alert
	Correlation *models.Correlation
	Kind        notify.Kind
	Message     string
}

// Report summarizes a playbook run.
type Report struct {
	Playbooks []string       `json:"playbooks"`
	Results   []ActionResult `json:"results"`
}

// Notified reports whether a notify action was delivered.
func (r *Report) Notified() bool {
	for _, res := range r.Results {
		if res.Action == ActionNotify && res.Status == StatusExecuted {
			return true
		}
	}
	return false
}

// Execute runs every playbook that matches the alert. Each lockout target and
// notification is acted on at most once per run.
func (m *Manager) Execute(ctx context.Context, inv Invocation) *Report {
	report := &Report{}
	if inv.Alert == nil {
		return report
	}

	done := make(map[string]bool)
	for _, pb := range m.Match(inv.Alert) {
		report.Playbooks = append(report.Playbooks, pb.ID)
		for _, act := range pb.Actions {
			res := m.run(ctx, pb, act, inv, done)
			report.Results = append(report.Results, res)

			switch res.Status {
			case StatusFailed:
				m.logger.Error("Playbook action failed",
					zap.String("playbook", pb.ID),
					zap.String("action", string(act.Type)),
					zap.String("target", res.Target),
					zap.String("error", res.Message),
				)
			case StatusExecuted:
				m.logger.Info("Playbook action executed",
					zap.String("playbook", pb.ID),
					zap.String("action", string(act.Type)),
					zap.String("target", res.Target),
					zap.String("alert_id", inv.Alert.ID),
				)
			}
		}
	}
	return report
}

func (m *Manager) run(ctx context.Context, pb *Playbook, act Action, inv Invocation, done map[string]bool) ActionResult {
	a := inv.Alert
	res := ActionResult{Playbook: pb.ID, Action: act.Type}

	switch act.Type {
	case ActionBlockIP:
		res.Target = a.IPAddress
		return m.lock(ctx, res, act, a, done)
	case ActionLockAccount:
		res.Target = a.Username
		return m.lock(ctx, res, act, a, done)
	case ActionNotify:
		if done["notify"] {
			res.Status = StatusSkipped
			res.Message = "already notified"
			return res
		}
		if m.notifier == nil {
			res.Status = StatusSkipped
			res.Message = "no notifier configured"
			return res
		}
		done["notify"] = true
		n := &notify.Notification{
			Kind:        inv.Kind,
			Alert:       a,
			Correlation: inv.Correlation,
			Level:       a.EscalationLevel,
			Message:     inv.Message,
		}
		if n.Message == "" {
			n.Message = a.Title
		}
		if err := m.notifier.NotifyChannels(ctx, n, act.Channels); err != nil {
			res.Status = StatusFailed
			res.Message = err.Error()
			return res
		}
		res.Status = StatusExecuted
		return res
	}

	res.Status = StatusFailed
	res.Message = fmt.Sprintf("unknown action type %q", act.Type)
	return res
}

func (m *Manager) lock(ctx context.Context, res ActionResult, act Action, a *models.Alert, done map[string]bool) ActionResult {
	if res.Target == "" {
		res.Status = StatusSkipped
		res.Message = "alert has no target"
		return res
	}
	key := string(act.Type) + ":" + res.Target
	if done[key] {
		res.Status = StatusSkipped
		res.Message = "already applied in this run"
		return res
	}
	done[key] = true

	reason := act.Reason
	if reason == "" {
		reason = string(a.Type)
	}
	reason = fmt.Sprintf("%s (alert %s, playbook %s)", reason, a.ID, res.Playbook)

	var (
		active bool
		err    error
	)
	if act.Type == ActionBlockIP {
		if active, err = m.lockouts.IsIPBlocked(ctx, res.Target); err == nil && !active {
			err = m.lockouts.BlockIP(ctx, res.Target, reason, act.Duration)
		}
	} else {
		if active, err = m.lockouts.IsAccountLocked(ctx, res.Target); err == nil && !active {
			err = m.lockouts.LockAccount(ctx, res.Target, reason, act.Duration)
		}
	}
	if err != nil {
		res.Status = StatusFailed
		res.Message = err.Error()
		return res
	}
	if active {
		res.Status = StatusSkipped
		res.Message = "already active"
		return res
	}

	res.Status = StatusExecuted
	m.logLock(ctx, act, a, res.Target, reason)
	return res
}

func (m *Manager) logLock(ctx context.Context, act Action, a *models.Alert, target, reason string) {
	if m.events == nil {
		return
	}
	ev := &models.SecurityEvent{
		Severity: models.SeverityHigh,
		Resource: "playbook",
		Message:  reason,
		Details: map[string]any{
			"alert_id": a.ID,
			"duration": act.Duration.String(),
			"until":    time.Now().UTC().Add(act.Duration).Format(time.RFC3339),
		},
	}
	if act.Type == ActionBlockIP {
		ev.Type = models.EventIPBlocked
		ev.IPAddress = target
	} else {
		ev.Type = models.EventAccountLocked
		ev.Username = target
	}
	if _, err := m.events.Log(ctx, ev); err != nil {
		m.logger.Error("Failed to log playbook action", zap.Error(err))
	}
}
