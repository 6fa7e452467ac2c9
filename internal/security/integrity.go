package security

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/detection"
	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/notify"
	"github.com/einsatzlog/etbguard/internal/seclog"
)

// VerifyChain verifies sequences from..to and records the outcome in the log.
// A broken chain raises a critical chain_tampering alert.
func (s *Service) VerifyChain(ctx context.Context, from, to int64) (*seclog.VerificationReport, error) {
	report, err := s.log.Verify(ctx, from, to)
	if err != nil {
		return nil, err
	}

	sev := models.SeverityInfo
	msg := fmt.Sprintf("chain verified: %d events", report.CheckedEvents)
	if !report.Valid {
		sev = models.SeverityCritical
		msg = fmt.Sprintf("chain verification failed: %d issues in %d events", len(report.Issues), report.CheckedEvents)
	}
	details := map[string]any{
		"valid":          report.Valid,
		"checked_events": report.CheckedEvents,
		"first_sequence": report.FirstSequence,
		"last_sequence":  report.LastSequence,
		"head_hash":      report.HeadHash,
		"issues":         len(report.Issues),
	}
	if _, err := s.log.Log(ctx, &models.SecurityEvent{
		Type:     models.EventChainVerified,
		Severity: sev,
		Resource: "chain",
		Message:  msg,
		Details:  details,
	}); err != nil {
		s.logger.Error("Failed to log chain verification", zap.Error(err))
	}

	if report.Valid {
		s.logger.Info("Security log verified",
			zap.Int64("checked_events", report.CheckedEvents),
			zap.Int64("last_sequence", report.LastSequence),
		)
		return report, nil
	}

	first := report.Issues[0]
	s.logger.Error("Security log integrity violation",
		zap.Int("issues", len(report.Issues)),
		zap.Int64("first_sequence", first.Sequence),
		zap.String("first_kind", string(first.Kind)),
	)

	res, err := s.alerts.Raise(ctx, detection.Finding{
		Type:        models.AlertChainTampering,
		Severity:    models.SeverityCritical,
		Count:       len(report.Issues),
		Title:       "Security log chain integrity violation",
		Description: first.Message,
		Evidence: map[string]any{
			"issues":         len(report.Issues),
			"truncated":      report.Truncated,
			"first_sequence": first.Sequence,
			"first_kind":     string(first.Kind),
			"checked_from":   report.FirstSequence,
			"checked_to":     report.LastSequence,
		},
		ObservedAt: s.now(),
	})
	if err != nil {
		s.logger.Error("Failed to raise chain tampering alert", zap.Error(err))
	}

	if s.notifier != nil {
		n := &notify.Notification{
			Kind:      notify.KindChainInvalid,
			Level:     3,
			Message:   msg,
			Timestamp: s.now().UTC(),
		}
		if res != nil {
			n.Alert = res.Alert
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("Chain integrity notification failed", zap.Error(err))
		}
	}
	return report, nil
}

// RunVerification verifies the full chain every interval until ctx is cancelled.
func (s *Service) RunVerification(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.VerifyChain(ctx, 1, 0); err != nil {
				s.logger.Error("Scheduled chain verification failed", zap.Error(err))
			}
		}
	}
}
