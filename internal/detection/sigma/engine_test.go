package sigma

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
)

const adminLoginRule = `title: Admin login outside office network
id: 6f1c2a9e-0c51-4d3f-9d4e-2b1f8a7c0a01
status: experimental
description: Successful login of the admin account
logsource:
  product: etbguard
  category: authentication
detection:
  selection:
    type: login_success
    username: admin
  condition: selection
level: high
tags:
  - attack.initial_access
  - attack.t1078
`

const exportRule = `title: Bulk journal export
id: 2d0f4f0e-8d7b-4a53-a5a4-6c1f1b3e2b10
logsource:
  product: etbguard
detection:
  selection:
    type: data_export
    resource|startswith: /etb/
  condition: selection
level: medium
`

const foreignProductRule = `title: Windows process
id: 11111111-2222-3333-4444-555555555555
logsource:
  product: windows
detection:
  selection:
    Image: cmd.exe
  condition: selection
level: low
`

const timeframeRule = `title: Many exports
id: 99999999-2222-3333-4444-555555555555
logsource:
  product: etbguard
detection:
  selection:
    type: data_export
  timeframe: 5m
  condition: selection | count() > 10
level: high
`

func writeRule(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write rule: %v", err)
	}
}

// =============================================================================
// Loading Tests
// =============================================================================

// TestNewEngine_LoadsDirectory verifies supported rules load and others are skipped.
func TestNewEngine_LoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "admin.yml", adminLoginRule)
	writeRule(t, dir, "export.yaml", exportRule)
	writeRule(t, dir, "windows.yml", foreignProductRule)
	writeRule(t, dir, "timeframe.yml", timeframeRule)
	writeRule(t, dir, "broken.yml", "title: [unterminated")
	writeRule(t, dir, "README.md", "not a rule")

	e, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	stats := e.Stats()
	if stats.TotalFiles != 5 {
		t.Errorf("TotalFiles = %d, want 5", stats.TotalFiles)
	}
	if stats.Loaded != 2 {
		t.Errorf("Loaded = %d, want 2", stats.Loaded)
	}
	if stats.SkippedDatasource != 1 {
		t.Errorf("SkippedDatasource = %d, want 1", stats.SkippedDatasource)
	}
	if stats.SkippedComplex+stats.SkippedInvalid != 2 {
		t.Errorf("skipped complex+invalid = %d, want 2", stats.SkippedComplex+stats.SkippedInvalid)
	}
}

// TestNewEngine_MissingPath verifies a missing rule path is an error.
func TestNewEngine_MissingPath(t *testing.T) {
	if _, err := NewEngine(filepath.Join(t.TempDir(), "nope"), zap.NewNop()); err == nil {
		t.Error("NewEngine should fail for a missing path")
	}
}

// =============================================================================
// Evaluation Tests
// =============================================================================

// TestEvaluate_Match verifies a matching event yields a sigma finding.
func TestEvaluate_Match(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "admin.yml", adminLoginRule)
	e, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	findings := e.Evaluate(context.Background(), &models.SecurityEvent{
		ID:        "ev-1",
		Sequence:  12,
		Type:      models.EventLoginSuccess,
		Username:  "admin",
		IPAddress: "198.51.100.4",
	})
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}

	f := findings[0]
	if f.Type != models.AlertSigmaRule {
		t.Errorf("type = %s, want sigma_rule", f.Type)
	}
	if f.Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want high", f.Severity)
	}
	if f.Rule != "6f1c2a9e-0c51-4d3f-9d4e-2b1f8a7c0a01" {
		t.Errorf("rule = %q", f.Rule)
	}
	if f.IPAddress != "198.51.100.4" || f.Username != "admin" {
		t.Errorf("finding entity = %s/%s", f.IPAddress, f.Username)
	}
	if len(f.Techniques) != 1 || f.Techniques[0] != "T1078" {
		t.Errorf("techniques = %v, want [T1078]", f.Techniques)
	}
}

// TestEvaluate_NoMatch verifies non-matching events produce nothing.
func TestEvaluate_NoMatch(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "admin.yml", adminLoginRule)
	writeRule(t, dir, "export.yml", exportRule)
	e, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	events := []*models.SecurityEvent{
		{Type: models.EventLoginSuccess, Username: "alice"},
		{Type: models.EventLoginFailure, Username: "admin"},
		{Type: models.EventDataExport, Resource: "/einsatz/4"},
	}
	for _, ev := range events {
		if got := e.Evaluate(context.Background(), ev); len(got) != 0 {
			t.Errorf("event %+v should not match, got %+v", ev, got)
		}
	}
}

// TestEvaluate_Modifier verifies field modifiers work on flattened fields.
func TestEvaluate_Modifier(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "export.yml", exportRule)
	e, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	got := e.Evaluate(context.Background(), &models.SecurityEvent{
		Type:     models.EventDataExport,
		Resource: "/etb/2024-117/export",
	})
	if len(got) != 1 || got[0].Severity != models.SeverityMedium {
		t.Errorf("expected one medium finding, got %+v", got)
	}
}

// TestFields_FlattensDetails verifies nested details become dotted keys.
func TestFields_FlattensDetails(t *testing.T) {
	fields := Fields(&models.SecurityEvent{
		Type: models.EventAdminAction,
		Details: map[string]any{
			"action": "role_change",
			"count":  float64(3),
			"target": map[string]any{"user": "bob"},
		},
	})

	want := map[string]string{
		"type":                "admin_action",
		"details.action":      "role_change",
		"details.count":       "3",
		"details.target.user": "bob",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%q] = %v, want %q", k, fields[k], v)
		}
	}
}

// =============================================================================
// Reload Tests
// =============================================================================

// TestWatch_ReloadsOnChange verifies new rule files are picked up.
func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "admin.yml", adminLoginRule)
	e, err := NewEngine(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan error, 4)
	done := make(chan error, 1)
	go func() {
		done <- e.Watch(ctx, 50*time.Millisecond, func(err error) { reloaded <- err })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeRule(t, dir, "export.yml", exportRule)

	deadline := time.After(5 * time.Second)
	for e.Stats().Loaded != 2 {
		select {
		case err := <-reloaded:
			if err != nil {
				t.Fatalf("reload failed: %v", err)
			}
		case <-deadline:
			t.Fatalf("rules not reloaded, loaded = %d", e.Stats().Loaded)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
