package detection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/store/memory"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	t        *testing.T
	store    *memory.Store
	detector *Detector
	offset   time.Duration
}

func newHarness(t *testing.T) *harness {
	s := memory.New()
	return &harness{t: t, store: s, detector: NewDetector(s, DefaultConfig(), zap.NewNop())}
}

// record stores an attempt a few seconds after the previous one and analyzes it.
func (h *harness) record(ip, username string, success bool, reason string) []Finding {
	h.t.Helper()
	h.offset += 5 * time.Second
	a := &models.LoginAttempt{
		ID:            uuid.NewString(),
		Username:      username,
		IPAddress:     ip,
		Success:       success,
		FailureReason: reason,
		Timestamp:     base.Add(h.offset),
	}
	if err := h.store.RecordLoginAttempt(context.Background(), a); err != nil {
		h.t.Fatalf("RecordLoginAttempt failed: %v", err)
	}
	findings, err := h.detector.Analyze(context.Background(), a)
	if err != nil {
		h.t.Fatalf("Analyze failed: %v", err)
	}
	return findings
}

func find(findings []Finding, typ models.AlertType) *Finding {
	for i := range findings {
		if findings[i].Type == typ {
			return &findings[i]
		}
	}
	return nil
}

// =============================================================================
// Failure Heuristics
// =============================================================================

// TestAnalyze_BruteForceIP verifies the IP threshold and severity scaling.
func TestAnalyze_BruteForceIP(t *testing.T) {
	h := newHarness(t)

	var last []Finding
	for i := 0; i < 4; i++ {
		last = h.record("203.0.113.9", "alice", false, models.ReasonInvalidPassword)
	}
	if find(last, models.AlertBruteForceIP) != nil {
		t.Fatal("4 failures should not trigger brute_force_ip")
	}

	last = h.record("203.0.113.9", "alice", false, models.ReasonInvalidPassword)
	f := find(last, models.AlertBruteForceIP)
	if f == nil {
		t.Fatal("5 failures should trigger brute_force_ip")
	}
	if f.Severity != models.SeverityHigh || f.Count != 5 {
		t.Errorf("finding = %s/%d, want high/5", f.Severity, f.Count)
	}

	for i := 0; i < 5; i++ {
		last = h.record("203.0.113.9", "alice", false, models.ReasonInvalidPassword)
	}
	if f := find(last, models.AlertBruteForceIP); f == nil || f.Severity != models.SeverityCritical {
		t.Errorf("10 failures should be critical, got %+v", f)
	}
}

// TestAnalyze_BruteForceAccount verifies the per-account threshold.
func TestAnalyze_BruteForceAccount(t *testing.T) {
	h := newHarness(t)
	var last []Finding
	for i := 0; i < 5; i++ {
		last = h.record(fmt.Sprintf("198.51.100.%d", i%2+1), "bob", false, models.ReasonInvalidPassword)
	}
	f := find(last, models.AlertBruteForceAccount)
	if f == nil {
		t.Fatal("expected brute_force_account")
	}
	if f.Username != "bob" {
		t.Errorf("username = %q, want bob", f.Username)
	}
}

// TestAnalyze_UserEnumeration verifies many unknown usernames from one IP.
func TestAnalyze_UserEnumeration(t *testing.T) {
	h := newHarness(t)
	var last []Finding
	for i := 0; i < 5; i++ {
		last = h.record("192.0.2.50", fmt.Sprintf("ghost%d", i), false, models.ReasonUnknownUser)
	}
	f := find(last, models.AlertUserEnumeration)
	if f == nil {
		t.Fatal("expected user_enumeration")
	}
	if f.Severity != models.SeverityMedium {
		t.Errorf("severity = %s, want medium", f.Severity)
	}
	if find(last, models.AlertPasswordSpraying) != nil {
		t.Error("unknown users should not count as spraying")
	}
}

// TestAnalyze_EnumerationNeedsUnknownRatio verifies known-user failures do not enumerate.
func TestAnalyze_EnumerationNeedsUnknownRatio(t *testing.T) {
	h := newHarness(t)
	var last []Finding
	for i := 0; i < 5; i++ {
		reason := models.ReasonInvalidPassword
		if i == 0 {
			reason = models.ReasonUnknownUser
		}
		last = h.record("192.0.2.51", fmt.Sprintf("user%d", i), false, reason)
	}
	if find(last, models.AlertUserEnumeration) != nil {
		t.Error("20% unknown users should not trigger enumeration")
	}
}

// TestAnalyze_PasswordSpraying verifies wrong passwords across many accounts.
func TestAnalyze_PasswordSpraying(t *testing.T) {
	h := newHarness(t)
	var last []Finding
	for i := 0; i < 5; i++ {
		last = h.record("192.0.2.77", fmt.Sprintf("staff%d", i), false, models.ReasonInvalidPassword)
	}
	f := find(last, models.AlertPasswordSpraying)
	if f == nil {
		t.Fatal("expected password_spraying")
	}
	if f.Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want high", f.Severity)
	}
}

// TestAnalyze_DistributedAttack verifies failures on one account from many IPs.
func TestAnalyze_DistributedAttack(t *testing.T) {
	h := newHarness(t)
	var last []Finding
	for i := 0; i < 5; i++ {
		last = h.record(fmt.Sprintf("10.%d.0.1", i), "carol", false, models.ReasonInvalidPassword)
	}
	f := find(last, models.AlertDistributedAttack)
	if f == nil {
		t.Fatal("expected distributed_attack")
	}
	if f.Count != 5 {
		t.Errorf("count = %d, want 5", f.Count)
	}
	if f.IPAddress != "" {
		t.Errorf("distributed finding is keyed on the account, got ip %q", f.IPAddress)
	}
}

// TestAnalyze_WindowExpiry verifies failures outside the window are ignored.
func TestAnalyze_WindowExpiry(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.record("203.0.113.1", "dave", false, models.ReasonInvalidPassword)
	}
	h.offset += 20 * time.Minute
	last := h.record("203.0.113.1", "dave", false, models.ReasonInvalidPassword)
	if len(last) != 0 {
		t.Errorf("stale failures should not count, got %+v", last)
	}
}

// TestAnalyze_BlockedAttemptsIgnored verifies refused attempts produce no findings.
func TestAnalyze_BlockedAttemptsIgnored(t *testing.T) {
	h := newHarness(t)
	var last []Finding
	for i := 0; i < 6; i++ {
		last = h.record("203.0.113.2", "erin", false, models.ReasonIPBlocked)
	}
	if len(last) != 0 {
		t.Errorf("blocked attempts should not trigger findings, got %+v", last)
	}
}

// =============================================================================
// Success Heuristics
// =============================================================================

// TestAnalyze_SuspiciousSuccess verifies success after repeated failures.
func TestAnalyze_SuspiciousSuccess(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.record("203.0.113.3", "frank", false, models.ReasonInvalidPassword)
	}
	last := h.record("203.0.113.3", "frank", true, "")
	f := find(last, models.AlertSuspiciousSuccess)
	if f == nil {
		t.Fatal("expected suspicious_success")
	}
	if f.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", f.Severity)
	}
}

// TestAnalyze_CleanSuccess verifies an ordinary login is not flagged.
func TestAnalyze_CleanSuccess(t *testing.T) {
	h := newHarness(t)
	h.record("203.0.113.4", "gina", false, models.ReasonInvalidPassword)
	if last := h.record("203.0.113.4", "gina", true, ""); len(last) != 0 {
		t.Errorf("single failure then success should not be flagged, got %+v", last)
	}
}

// =============================================================================
// Recommendations
// =============================================================================

// TestRecommend verifies countermeasures per finding type.
func TestRecommend(t *testing.T) {
	d := NewDetector(memory.New(), Config{}, zap.NewNop())

	tests := []struct {
		finding  Finding
		action   Action
		target   string
		duration time.Duration
	}{
		{Finding{Type: models.AlertBruteForceIP, IPAddress: "1.2.3.4"}, ActionBlockIP, "1.2.3.4", 15 * time.Minute},
		{Finding{Type: models.AlertPasswordSpraying, IPAddress: "1.2.3.5"}, ActionBlockIP, "1.2.3.5", 15 * time.Minute},
		{Finding{Type: models.AlertUserEnumeration, IPAddress: "1.2.3.6"}, ActionBlockIP, "1.2.3.6", 15 * time.Minute},
		{Finding{Type: models.AlertBruteForceAccount, Username: "hank"}, ActionLockAccount, "hank", 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(string(tt.finding.Type), func(t *testing.T) {
			recs := d.Recommend(tt.finding)
			if len(recs) != 1 {
				t.Fatalf("got %d recommendations, want 1", len(recs))
			}
			if recs[0].Action != tt.action || recs[0].Target != tt.target || recs[0].Duration != tt.duration {
				t.Errorf("recommendation = %+v", recs[0])
			}
		})
	}

	if recs := d.Recommend(Finding{Type: models.AlertSuspiciousSuccess, Username: "x"}); len(recs) != 0 {
		t.Errorf("suspicious_success should not recommend actions, got %+v", recs)
	}
}
