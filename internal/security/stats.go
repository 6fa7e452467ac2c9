package security

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/lockout"
	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/store"
)

// Stats summarizes recent security activity.
type Stats struct {
	Window         string                  `json:"window"`
	LoginAttempts  int                     `json:"login_attempts"`
	FailedLogins   int                     `json:"failed_logins"`
	BlockedLogins  int                     `json:"blocked_logins"`
	UniqueIPs      int                     `json:"unique_ips"`
	ActiveAlerts   map[models.Severity]int `json:"active_alerts"`
	ChainLength    int64                   `json:"chain_length"`
	ChainHeadHash  string                  `json:"chain_head_hash,omitempty"`
	BlockedIPs     int                     `json:"blocked_ips"`
	LockedAccounts int                     `json:"locked_accounts"`
	GeneratedAt    time.Time               `json:"generated_at"`
}

// Stats reports activity over the last 24 hours plus current state.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	now := s.now().UTC()
	st := &Stats{Window: "24h", GeneratedAt: now}

	attempts, err := s.store.ListLoginAttempts(ctx, store.AttemptFilter{Since: now.Add(-24 * time.Hour)})
	if err != nil {
		return nil, fmt.Errorf("listing login attempts: %w", err)
	}
	ips := map[string]struct{}{}
	for _, a := range attempts {
		st.LoginAttempts++
		if a.IPAddress != "" {
			ips[a.IPAddress] = struct{}{}
		}
		switch {
		case a.Blocked():
			st.BlockedLogins++
		case !a.Success:
			st.FailedLogins++
		}
	}
	st.UniqueIPs = len(ips)

	if st.ActiveAlerts, err = s.alerts.ActiveCounts(ctx); err != nil {
		return nil, fmt.Errorf("counting alerts: %w", err)
	}

	head, err := s.log.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}
	if head != nil {
		st.ChainLength = head.Sequence
		st.ChainHeadHash = head.Hash
	}

	locks, err := s.lockouts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing lockouts: %w", err)
	}
	for _, l := range locks {
		if l.Kind == lockout.KindIP {
			st.BlockedIPs++
		} else {
			st.LockedAccounts++
		}
	}
	return st, nil
}

// PurgeLoginAttempts deletes attempts older than retention. Detection only
// looks back a few minutes, so old attempts are history only.
func (s *Service) PurgeLoginAttempts(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = s.config.LoginRetention
	}
	before := s.now().UTC().Add(-retention)
	n, err := s.store.DeleteLoginAttemptsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purging login attempts: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	s.logger.Info("Login attempts purged", zap.Int64("deleted", n), zap.Time("before", before))
	if _, err := s.log.Log(ctx, &models.SecurityEvent{
		Type:     models.EventAdminAction,
		Severity: models.SeverityInfo,
		Resource: "login_attempts",
		Message:  fmt.Sprintf("retention purge removed %d login attempts", n),
		Details: map[string]any{
			"action":  "purge_login_attempts",
			"deleted": n,
			"before":  before.Format(time.RFC3339),
		},
	}); err != nil {
		s.logger.Error("Failed to log retention purge", zap.Error(err))
	}
	return n, nil
}

// RunRetention purges expired login attempts every RetentionInterval.
func (s *Service) RunRetention(ctx context.Context) {
	ticker := time.NewTicker(s.config.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeLoginAttempts(ctx, 0); err != nil {
				s.logger.Error("Retention purge failed", zap.Error(err))
			}
		}
	}
}
