// Package detection flags suspicious login activity from recent attempts.
package detection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/store"
)

// Config holds heuristic thresholds.
type Config struct {
	Window                     time.Duration `yaml:"window"`
	BruteForceIPThreshold      int           `yaml:"brute_force_ip_threshold"`
	BruteForceAccountThreshold int           `yaml:"brute_force_account_threshold"`
	EnumerationThreshold       int           `yaml:"enumeration_threshold"`
	EnumerationUnknownRatio    float64       `yaml:"enumeration_unknown_ratio"`
	SprayingThreshold          int           `yaml:"spraying_threshold"`
	DistributedThreshold       int           `yaml:"distributed_threshold"`
	SuspiciousSuccessFailures  int           `yaml:"suspicious_success_failures"`
	IPBlockDuration            time.Duration `yaml:"ip_block_duration"`
	AccountLockDuration        time.Duration `yaml:"account_lock_duration"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Window:                     15 * time.Minute,
		BruteForceIPThreshold:      5,
		BruteForceAccountThreshold: 5,
		EnumerationThreshold:       5,
		EnumerationUnknownRatio:    0.5,
		SprayingThreshold:          5,
		DistributedThreshold:       5,
		SuspiciousSuccessFailures:  3,
		IPBlockDuration:            15 * time.Minute,
		AccountLockDuration:        30 * time.Minute,
	}
}

// Finding is a heuristic hit that should become an alert.
type Finding struct {
	Type        models.AlertType `json:"type"`
	Severity    models.Severity  `json:"severity"`
	IPAddress   string           `json:"ip_address,omitempty"`
	Username    string           `json:"username,omitempty"`
	Rule        string           `json:"rule,omitempty"`
	Count       int              `json:"count"`
	Window      time.Duration    `json:"window"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Evidence    map[string]any   `json:"evidence,omitempty"`
	Techniques  []string         `json:"techniques,omitempty"`
	ObservedAt  time.Time        `json:"observed_at"`
}

// Detector evaluates login attempts against the sliding window.
type Detector struct {
	attempts store.LoginAttemptStore
	config   Config
	logger   *zap.Logger
}

// NewDetector creates a detector. Zero-valued thresholds fall back to defaults.
func NewDetector(attempts store.LoginAttemptStore, cfg Config, logger *zap.Logger) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BruteForceIPThreshold <= 0 {
		cfg.BruteForceIPThreshold = def.BruteForceIPThreshold
	}
	if cfg.BruteForceAccountThreshold <= 0 {
		cfg.BruteForceAccountThreshold = def.BruteForceAccountThreshold
	}
	if cfg.EnumerationThreshold <= 0 {
		cfg.EnumerationThreshold = def.EnumerationThreshold
	}
	if cfg.EnumerationUnknownRatio <= 0 {
		cfg.EnumerationUnknownRatio = def.EnumerationUnknownRatio
	}
	if cfg.SprayingThreshold <= 0 {
		cfg.SprayingThreshold = def.SprayingThreshold
	}
	if cfg.DistributedThreshold <= 0 {
		cfg.DistributedThreshold = def.DistributedThreshold
	}
	if cfg.SuspiciousSuccessFailures <= 0 {
		cfg.SuspiciousSuccessFailures = def.SuspiciousSuccessFailures
	}
	if cfg.IPBlockDuration <= 0 {
		cfg.IPBlockDuration = def.IPBlockDuration
	}
	if cfg.AccountLockDuration <= 0 {
		cfg.AccountLockDuration = def.AccountLockDuration
	}
	return &Detector{attempts: attempts, config: cfg, logger: logger}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.config
}

// Analyze runs the heuristics for a freshly recorded attempt. Attempts refused
// because of an existing block or lock do not count as guesses.
func (d *Detector) Analyze(ctx context.Context, attempt *models.LoginAttempt) ([]Finding, error) {
	if attempt.Success {
		return d.analyzeSuccess(ctx, attempt)
	}
	if attempt.Blocked() {
		return nil, nil
	}
	return d.analyzeFailure(ctx, attempt)
}

func (d *Detector) failures(ctx context.Context, attempt *models.LoginAttempt, byIP bool) ([]*models.LoginAttempt, error) {
	failed := false
	f := store.AttemptFilter{
		Success: &failed,
		Since:   attempt.Timestamp.Add(-d.config.Window),
		Until:   attempt.Timestamp,
	}
	if byIP {
		f.IPAddress = attempt.IPAddress
	} else {
		f.Username = attempt.Username
	}

	rows, err := d.attempts.ListLoginAttempts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	out := rows[:0]
	for _, a := range rows {
		if !a.Blocked() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *Detector) analyzeFailure(ctx context.Context, attempt *models.LoginAttempt) ([]Finding, error) {
	var findings []Finding

	if attempt.IPAddress != "" {
		ipFails, err := d.failures(ctx, attempt, true)
		if err != nil {
			return nil, err
		}
		findings = append(findings, d.checkIP(attempt, ipFails)...)
	}

	if attempt.Username != "" {
		userFails, err := d.failures(ctx, attempt, false)
		if err != nil {
			return nil, err
		}
		findings = append(findings, d.checkAccount(attempt, userFails)...)
	}

	if len(findings) > 0 {
		d.logger.Info("Suspicious login activity detected",
			zap.String("ip", attempt.IPAddress),
			zap.String("username", attempt.Username),
			zap.Int("findings", len(findings)),
		)
	}
	return findings, nil
}

func (d *Detector) checkIP(attempt *models.LoginAttempt, fails []*models.LoginAttempt) []Finding {
	var findings []Finding
	cfg := d.config

	usernames := make(map[string]struct{})
	sprayed := make(map[string]struct{})
	unknown := 0
	for _, a := range fails {
		usernames[a.Username] = struct{}{}
		switch a.FailureReason {
		case models.ReasonUnknownUser:
			unknown++
		case models.ReasonInvalidPassword:
			sprayed[a.Username] = struct{}{}
		}
	}

	if n := len(fails); n >= cfg.BruteForceIPThreshold {
		findings = append(findings, Finding{
			Type:        models.AlertBruteForceIP,
			Severity:    scaled(n, cfg.BruteForceIPThreshold, models.SeverityHigh, models.SeverityCritical),
			IPAddress:   attempt.IPAddress,
			Count:       n,
			Window:      cfg.Window,
			Title:       "Brute force from " + attempt.IPAddress,
			Description: fmt.Sprintf("%d failed logins from %s within %s", n, attempt.IPAddress, cfg.Window),
			Evidence: map[string]any{
				"failed_attempts":    n,
				"distinct_usernames": len(usernames),
			},
			ObservedAt: attempt.Timestamp,
		})
	}

	if n := len(usernames); n >= cfg.EnumerationThreshold && len(fails) > 0 {
		ratio := float64(unknown) / float64(len(fails))
		if ratio >= cfg.EnumerationUnknownRatio {
			findings = append(findings, Finding{
				Type:        models.AlertUserEnumeration,
				Severity:    scaled(n, cfg.EnumerationThreshold, models.SeverityMedium, models.SeverityHigh),
				IPAddress:   attempt.IPAddress,
				Count:       n,
				Window:      cfg.Window,
				Title:       "User enumeration from " + attempt.IPAddress,
				Description: fmt.Sprintf("%d distinct usernames tried from %s, %.0f%% unknown", n, attempt.IPAddress, ratio*100),
				Evidence: map[string]any{
					"distinct_usernames": n,
					"unknown_user_ratio": ratio,
					"failed_attempts":    len(fails),
				},
				ObservedAt: attempt.Timestamp,
			})
		}
	}

	if n := len(sprayed); n >= cfg.SprayingThreshold {
		findings = append(findings, Finding{
			Type:        models.AlertPasswordSpraying,
			Severity:    models.SeverityHigh,
			IPAddress:   attempt.IPAddress,
			Count:       n,
			Window:      cfg.Window,
			Title:       "Password spraying from " + attempt.IPAddress,
			Description: fmt.Sprintf("wrong passwords for %d existing accounts from %s", n, attempt.IPAddress),
			Evidence: map[string]any{
				"targeted_accounts": sortedKeys(sprayed),
			},
			ObservedAt: attempt.Timestamp,
		})
	}

	return findings
}

func (d *Detector) checkAccount(attempt *models.LoginAttempt, fails []*models.LoginAttempt) []Finding {
	var findings []Finding
	cfg := d.config

	ips := make(map[string]struct{})
	for _, a := range fails {
		if a.IPAddress != "" {
			ips[a.IPAddress] = struct{}{}
		}
	}

	if n := len(fails); n >= cfg.BruteForceAccountThreshold {
		findings = append(findings, Finding{
			Type:        models.AlertBruteForceAccount,
			Severity:    scaled(n, cfg.BruteForceAccountThreshold, models.SeverityHigh, models.SeverityCritical),
			Username:    attempt.Username,
			Count:       n,
			Window:      cfg.Window,
			Title:       "Brute force against " + attempt.Username,
			Description: fmt.Sprintf("%d failed logins for %s within %s", n, attempt.Username, cfg.Window),
			Evidence: map[string]any{
				"failed_attempts": n,
				"distinct_ips":    len(ips),
			},
			ObservedAt: attempt.Timestamp,
		})
	}

	if n := len(ips); n >= cfg.DistributedThreshold {
		findings = append(findings, Finding{
			Type:        models.AlertDistributedAttack,
			Severity:    scaled(n, cfg.DistributedThreshold, models.SeverityHigh, models.SeverityCritical),
			Username:    attempt.Username,
			Count:       n,
			Window:      cfg.Window,
			Title:       "Distributed attack on " + attempt.Username,
			Description: fmt.Sprintf("failed logins for %s from %d addresses", attempt.Username, n),
			Evidence: map[string]any{
				"source_ips": sortedKeys(ips),
			},
			ObservedAt: attempt.Timestamp,
		})
	}

	return findings
}

func (d *Detector) analyzeSuccess(ctx context.Context, attempt *models.LoginAttempt) ([]Finding, error) {
	var userFails, ipFails []*models.LoginAttempt
	var err error

	if attempt.Username != "" {
		if userFails, err = d.failures(ctx, attempt, false); err != nil {
			return nil, err
		}
	}
	if attempt.IPAddress != "" {
		if ipFails, err = d.failures(ctx, attempt, true); err != nil {
			return nil, err
		}
	}

	n := len(userFails)
	if len(ipFails) > n {
		n = len(ipFails)
	}
	if n < d.config.SuspiciousSuccessFailures {
		return nil, nil
	}

	d.logger.Warn("Successful login after repeated failures",
		zap.String("ip", attempt.IPAddress),
		zap.String("username", attempt.Username),
		zap.Int("prior_failures", n),
	)

	return []Finding{{
		Type:        models.AlertSuspiciousSuccess,
		Severity:    models.SeverityCritical,
		IPAddress:   attempt.IPAddress,
		Username:    attempt.Username,
		Count:       n,
		Window:      d.config.Window,
		Title:       "Suspicious login for " + attempt.Username,
		Description: fmt.Sprintf("successful login for %s from %s after %d failures", attempt.Username, attempt.IPAddress, n),
		Evidence: map[string]any{
			"account_failures": len(userFails),
			"ip_failures":      len(ipFails),
		},
		ObservedAt: attempt.Timestamp,
	}}, nil
}

// scaled returns high once n reaches twice the threshold.
func scaled(n, threshold int, base, high models.Severity) models.Severity {
	if n >= 2*threshold {
		return high
	}
	return base
}
