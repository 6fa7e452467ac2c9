// Package response provides automated response playbooks for raised alerts.
package response

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/einsatzlog/etbguard/internal/lockout"
	"github.com/einsatzlog/etbguard/internal/models"
)

// ActionType is the kind of step a playbook takes.
type ActionType string

const (
	ActionBlockIP     ActionType = "block_ip"
	ActionLockAccount ActionType = "lock_account"
	ActionNotify      ActionType = "notify"
)

// Playbook is an automated response procedure
type Playbook struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description" json:"description"`
	Triggers    []Trigger `yaml:"triggers" json:"triggers"`
	Actions     []Action  `yaml:"actions" json:"actions"`
	Metadata    Metadata  `yaml:"metadata" json:"metadata"`
}

// Trigger defines when a playbook should be activated. Empty AlertTypes
// matches every type.
type Trigger struct {
	AlertTypes  []models.AlertType `yaml:"alert_types" json:"alert_types,omitempty"`
	MinLevel    int                `yaml:"min_level" json:"min_level"`
	MinSeverity models.Severity    `yaml:"min_severity" json:"min_severity,omitempty"`
}

// Action represents one automated step
type Action struct {
	Type     ActionType    `yaml:"type" json:"type"`
	Duration time.Duration `yaml:"duration" json:"duration,omitempty"` // block_ip, lock_account
	Channels []string      `yaml:"channels" json:"channels,omitempty"` // notify; empty means all
	Reason   string        `yaml:"reason" json:"reason,omitempty"`
}

// Metadata contains playbook metadata
type Metadata struct {
	Author       string   `yaml:"author" json:"author"`
	Version      string   `yaml:"version" json:"version"`
	MITRETactics []string `yaml:"mitre_tactics" json:"mitre_tactics,omitempty"`
}

// Matches reports whether any trigger accepts the alert.
func (pb *Playbook) Matches(a *models.Alert) bool {
	for _, t := range pb.Triggers {
		if t.matches(a) {
			return true
		}
	}
	return false
}

func (t Trigger) matches(a *models.Alert) bool {
	if a.EscalationLevel < t.MinLevel {
		return false
	}
	if t.MinSeverity != "" && !a.Severity.AtLeast(t.MinSeverity) {
		return false
	}
	if len(t.AlertTypes) == 0 {
		return true
	}
	for _, typ := range t.AlertTypes {
		if typ == a.Type {
			return true
		}
	}
	return false
}

// Validate checks that the playbook can be executed.
func (pb *Playbook) Validate() error {
	if pb.ID == "" {
		return fmt.Errorf("playbook id is required")
	}
	if len(pb.Triggers) == 0 {
		return fmt.Errorf("playbook %s: at least one trigger is required", pb.ID)
	}
	for i, act := range pb.Actions {
		switch act.Type {
		case ActionBlockIP, ActionLockAccount:
			if act.Duration <= 0 {
				return fmt.Errorf("playbook %s: action %d (%s) needs a positive duration", pb.ID, i, act.Type)
			}
		case ActionNotify:
		default:
			return fmt.Errorf("playbook %s: unknown action type %q", pb.ID, act.Type)
		}
	}
	return nil
}

// Manager manages and executes response playbooks
type Manager struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook

	lockouts lockout.Manager
	notifier ChannelNotifier
	events   EventLogger
	logger   *zap.Logger
}

// NewManager creates a playbook manager with the built-in playbooks.
// notifier and events may be nil.
func NewManager(lockouts lockout.Manager, notifier ChannelNotifier, events EventLogger, logger *zap.Logger) *Manager {
	m := &Manager{
		playbooks: make(map[string]*Playbook),
		lockouts:  lockouts,
		notifier:  notifier,
		events:    events,
		logger:    logger,
	}
	m.loadDefaultPlaybooks()
	return m
}

// GetPlaybook returns a playbook by ID
func (m *Manager) GetPlaybook(id string) (*Playbook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb, ok := m.playbooks[id]
	return pb, ok
}

// ListPlaybooks returns all playbooks ordered by ID.
func (m *Manager) ListPlaybooks() []*Playbook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Playbook, 0, len(m.playbooks))
	for _, pb := range m.playbooks {
		result = append(result, pb)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Match returns the playbooks triggered by the alert, ordered by ID.
func (m *Manager) Match(a *models.Alert) []*Playbook {
	var out []*Playbook
	for _, pb := range m.ListPlaybooks() {
		if pb.Matches(a) {
			out = append(out, pb)
		}
	}
	return out
}

// LoadPlaybook loads a playbook from YAML, replacing one with the same ID.
func (m *Manager) LoadPlaybook(yamlData []byte) error {
	var pb Playbook
	if err := yaml.Unmarshal(yamlData, &pb); err != nil {
		return fmt.Errorf("parsing playbook YAML: %w", err)
	}
	if err := pb.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.playbooks[pb.ID] = &pb
	m.mu.Unlock()

	m.logger.Info("Playbook loaded",
		zap.String("id", pb.ID),
		zap.String("name", pb.Name),
	)
	return nil
}

// LoadDir loads every *.yaml / *.yml file in dir.
func (m *Manager) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading playbook dir: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, fmt.Errorf("reading %s: %w", name, err)
		}
		if err := m.LoadPlaybook(data); err != nil {
			return loaded, fmt.Errorf("%s: %w", name, err)
		}
		loaded++
	}
	return loaded, nil
}

// ExportPlaybook exports a playbook to YAML
func (m *Manager) ExportPlaybook(id string) ([]byte, error) {
	pb, ok := m.GetPlaybook(id)
	if !ok {
		return nil, fmt.Errorf("playbook not found: %s", id)
	}
	return yaml.Marshal(pb)
}

func (m *Manager) loadDefaultPlaybooks() {
	defaults := []*Playbook{
		{
			ID:          "pb-credential-attack",
			Name:        "Credential Attack Containment",
			Description: "Block the source address of an escalated password-guessing campaign",
			Triggers: []Trigger{{
				AlertTypes: []models.AlertType{
					models.AlertBruteForceIP,
					models.AlertPasswordSpraying,
					models.AlertUserEnumeration,
				},
				MinLevel: 1,
			}},
			Actions: []Action{
				{Type: ActionBlockIP, Duration: time.Hour, Reason: "escalated credential attack"},
				{Type: ActionNotify},
			},
			Metadata: Metadata{Author: "Security Team", Version: "1.0", MITRETactics: []string{"TA0006", "TA0043"}},
		},
		{
			ID:          "pb-account-protection",
			Name:        "Targeted Account Protection",
			Description: "Lock an account that is under sustained guessing from one or many sources",
			Triggers: []Trigger{{
				AlertTypes: []models.AlertType{models.AlertBruteForceAccount, models.AlertDistributedAttack},
				MinLevel:   1,
			}},
			Actions: []Action{
				{Type: ActionLockAccount, Duration: time.Hour, Reason: "account under attack"},
				{Type: ActionNotify},
			},
			Metadata: Metadata{Author: "Security Team", Version: "1.0", MITRETactics: []string{"TA0006"}},
		},
		{
			ID:          "pb-account-takeover",
			Name:        "Account Takeover Response",
			Description: "Lock the account and block the source after a successful login following failures",
			Triggers: []Trigger{{
				AlertTypes: []models.AlertType{models.AlertSuspiciousSuccess},
			}},
			Actions: []Action{
				{Type: ActionLockAccount, Duration: 2 * time.Hour, Reason: "possible account takeover"},
				{Type: ActionBlockIP, Duration: 2 * time.Hour, Reason: "possible account takeover"},
				{Type: ActionNotify},
			},
			Metadata: Metadata{Author: "Security Team", Version: "1.0", MITRETactics: []string{"TA0001", "TA0006"}},
		},
		{
			ID:          "pb-log-integrity",
			Name:        "Security Log Integrity Breach",
			Description: "Notify every channel when the security log hash chain fails verification",
			Triggers: []Trigger{{
				AlertTypes: []models.AlertType{models.AlertChainTampering},
			}},
			Actions: []Action{
				{Type: ActionNotify},
			},
			Metadata: Metadata{Author: "Security Team", Version: "1.0", MITRETactics: []string{"TA0005", "TA0040"}},
		},
		{
			ID:          "pb-critical-escalation",
			Name:        "Critical Escalation",
			Description: "Long block of the source once any alert reaches the top escalation level",
			Triggers: []Trigger{{
				MinLevel: 3,
			}},
			Actions: []Action{
				{Type: ActionBlockIP, Duration: 24 * time.Hour, Reason: "critical escalation"},
				{Type: ActionNotify},
			},
			Metadata: Metadata{Author: "Security Team", Version: "1.0"},
		},
	}

	m.mu.Lock()
	for _, pb := range defaults {
		m.playbooks[pb.ID] = pb
	}
	m.mu.Unlock()

	m.logger.Info("Default playbooks loaded",
		zap.Int("count", len(defaults)),
	)
}
