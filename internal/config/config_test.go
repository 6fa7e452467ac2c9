package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/einsatzlog/etbguard/internal/notify"
)

// =============================================================================
// Defaults
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("Storage.Driver = %q, want memory", cfg.Storage.Driver)
	}
	if cfg.Lockout.Backend != BackendMemory {
		t.Errorf("Lockout.Backend = %q, want memory", cfg.Lockout.Backend)
	}
	if cfg.Detection.BruteForceIPThreshold == 0 {
		t.Error("detection thresholds should be populated")
	}
	if cfg.Alerting.Escalation.Timeout == 0 {
		t.Error("escalation timeout should be populated")
	}
	if cfg.Notify.Splunk.BatchSize == 0 {
		t.Error("splunk defaults should be populated")
	}
	if got := cfg.EnabledNotifiers(); !reflect.DeepEqual(got, []string{"log"}) {
		t.Errorf("EnabledNotifiers = %v, want [log]", got)
	}
	if got := cfg.EnabledProviders(); len(got) != 0 {
		t.Errorf("EnabledProviders = %v, want none", got)
	}
}

// =============================================================================
// Parsing
// =============================================================================

const sampleYAML = `
server:
  addr: ":9090"
storage:
  driver: postgres
  dsn_env: TEST_DSN
redis:
  enabled: true
  addr: "redis:6379"
lockout:
  backend: redis
detection:
  brute_force_ip_threshold: 7
  ip_block_duration: 30m
alerting:
  escalation:
    escalate_after_occurrences: 4
notify:
  log: false
  webhooks:
    - name: soc
      url: https://hooks.example.com/soc
  redis:
    enabled: true
    channel: custom:alerts
  splunk:
    enabled: true
    hec_url: https://splunk.example.com:8088/services/collector/event
threat_intel:
  otx:
    enabled: true
  misp:
    enabled: true
    base_url: https://misp.example.com
archive:
  enabled: true
  bucket: audit-archive
`

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.AdminRole != "admin" {
		t.Errorf("untouched server fields should keep defaults, got AdminRole %q", cfg.Server.AdminRole)
	}
	if cfg.Detection.BruteForceIPThreshold != 7 {
		t.Errorf("BruteForceIPThreshold = %d, want 7", cfg.Detection.BruteForceIPThreshold)
	}
	if cfg.Detection.IPBlockDuration != 30*time.Minute {
		t.Errorf("IPBlockDuration = %v, want 30m", cfg.Detection.IPBlockDuration)
	}
	if cfg.Alerting.Escalation.EscalateAfterOccurrences != 4 {
		t.Errorf("EscalateAfterOccurrences = %d, want 4", cfg.Alerting.Escalation.EscalateAfterOccurrences)
	}
	if len(cfg.Alerting.Escalation.Rules) == 0 {
		t.Error("escalation rules should keep defaults")
	}
	if cfg.Notify.Redis.Channel != "custom:alerts" {
		t.Errorf("Redis channel = %q", cfg.Notify.Redis.Channel)
	}
	if cfg.Notify.Redis.ListKey == "" {
		t.Error("inline redis notifier fields should keep defaults")
	}
	if cfg.Notify.Splunk.Index != "etbguard" {
		t.Errorf("Splunk index = %q, want default", cfg.Notify.Splunk.Index)
	}

	want := []string{"soc", "redis", "splunk"}
	if got := cfg.EnabledNotifiers(); !reflect.DeepEqual(got, want) {
		t.Errorf("EnabledNotifiers = %v, want %v", got, want)
	}
	if got := cfg.EnabledProviders(); !reflect.DeepEqual(got, []string{"otx", "misp"}) {
		t.Errorf("EnabledProviders = %v, want [otx misp]", got)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Driver != DriverPostgres {
		t.Errorf("Storage.Driver = %q, want postgres", cfg.Storage.Driver)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("server: [unterminated")); err == nil {
		t.Error("expected parse error")
	}
}

// =============================================================================
// Validation
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"postgres without dsn env", func(c *Config) {
			c.Storage.Driver = DriverPostgres
			c.Storage.DSNEnv = ""
		}},
		{"unknown lockout backend", func(c *Config) { c.Lockout.Backend = "etcd" }},
		{"redis lockout without redis", func(c *Config) { c.Lockout.Backend = BackendRedis }},
		{"redis notifier without redis", func(c *Config) { c.Notify.Redis.Enabled = true }},
		{"splunk without url", func(c *Config) { c.Notify.Splunk.Enabled = true }},
		{"webhook without url", func(c *Config) {
			c.Notify.Webhooks = []notify.WebhookConfig{{Name: "soc"}}
		}},
		{"misp without url", func(c *Config) { c.ThreatIntel.MISP.Enabled = true }},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }},
		{"empty server addr", func(c *Config) { c.Server.Addr = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

// =============================================================================
// Secrets
// =============================================================================

func TestSecrets(t *testing.T) {
	os.Setenv("TEST_ETBGUARD_SECRET", "s3cret")
	defer os.Unsetenv("TEST_ETBGUARD_SECRET")
	os.Unsetenv("TEST_ETBGUARD_MISSING")

	if got := Secret("TEST_ETBGUARD_SECRET"); got != "s3cret" {
		t.Errorf("Secret = %q", got)
	}
	if got := Secret(""); got != "" {
		t.Errorf("Secret(\"\") = %q, want empty", got)
	}

	if _, err := RequireSecret("TEST_ETBGUARD_MISSING"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("RequireSecret(missing) = %v, want ErrInvalidConfig", err)
	}
	if v, err := RequireSecret("TEST_ETBGUARD_SECRET"); err != nil || v != "s3cret" {
		t.Errorf("RequireSecret = %q, %v", v, err)
	}
}
