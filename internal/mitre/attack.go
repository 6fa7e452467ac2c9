// Package mitre maps etbguard alerts to MITRE ATT&CK techniques
package mitre

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
)

// AttackFramework holds the technique catalogue and alert mappings
type AttackFramework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	byAlert    map[models.AlertType][]Mapping
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID          string   `json:"id"`   // e.g., "T1110.003"
	Name        string   `json:"name"` // e.g., "Password Spraying"
	Description string   `json:"description,omitempty"`
	Tactics     []string `json:"tactics"` // e.g., ["credential-access"]
	Parent      string   `json:"parent,omitempty"`
	URL         string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0006"
	Name      string `json:"name"`       // e.g., "Credential Access"
	ShortName string `json:"short_name"` // e.g., "credential-access"
	URL       string `json:"url"`
}

// Mapping ties an alert type to a technique
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	Evidence      string  `json:"evidence"`
}

// NewAttackFramework creates a framework with the built-in catalogue
func NewAttackFramework(logger *zap.Logger) *AttackFramework {
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		byAlert:    make(map[models.AlertType][]Mapping),
		logger:     logger,
	}

	af.initializeTactics()
	af.initializeTechniques()
	af.initializeAlertMappings()

	return af
}

// MapAlert returns the techniques an alert type indicates.
func (af *AttackFramework) MapAlert(alertType models.AlertType) []Mapping {
	af.mu.RLock()
	defer af.mu.RUnlock()

	mappings, ok := af.byAlert[alertType]
	if !ok {
		af.logger.Debug("No MITRE mapping for alert type", zap.String("type", string(alertType)))
		return nil
	}
	return append([]Mapping(nil), mappings...)
}

// TechniqueIDs returns just the technique IDs for an alert type.
func (af *AttackFramework) TechniqueIDs(alertType models.AlertType) []string {
	mappings := af.MapAlert(alertType)
	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.TechniqueID)
	}
	return ids
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.tactics[strings.ToLower(id)]
	if !ok {
		t, ok = af.tactics[strings.ToUpper(id)]
	}
	return t, ok
}

// GetTechniquesByTactic returns all techniques for a given tactic
func (af *AttackFramework) GetTechniquesByTactic(tacticID string) []*Technique {
	tactic, ok := af.GetTactic(tacticID)
	if !ok {
		return nil
	}

	af.mu.RLock()
	defer af.mu.RUnlock()

	result := make([]*Technique, 0)
	for _, t := range af.techniques {
		for _, name := range t.Tactics {
			if name == tactic.ShortName {
				result = append(result, t)
				break
			}
		}
	}
	return result
}

func (af *AttackFramework) initializeTactics() {
	af.mu.Lock()
	defer af.mu.Unlock()

	tactics := []*Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
		{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[t.ID] = t
	}
}

func (af *AttackFramework) initializeTechniques() {
	af.mu.Lock()
	defer af.mu.Unlock()

	techniques := []*Technique{
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1110.001", Name: "Password Guessing", Tactics: []string{"credential-access"}, Parent: "T1110"},
		{ID: "T1110.003", Name: "Password Spraying", Tactics: []string{"credential-access"}, Parent: "T1110"},
		{ID: "T1110.004", Name: "Credential Stuffing", Tactics: []string{"credential-access"}, Parent: "T1110"},
		{ID: "T1589", Name: "Gather Victim Identity Information", Tactics: []string{"reconnaissance"}},
		{ID: "T1589.001", Name: "Credentials", Tactics: []string{"reconnaissance"}, Parent: "T1589"},
		{ID: "T1087", Name: "Account Discovery", Tactics: []string{"discovery"}},
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"initial-access", "persistence", "privilege-escalation", "defense-evasion"}},
		{ID: "T1565", Name: "Data Manipulation", Tactics: []string{"impact"}},
		{ID: "T1565.001", Name: "Stored Data Manipulation", Tactics: []string{"impact"}, Parent: "T1565"},
		{ID: "T1070", Name: "Indicator Removal", Tactics: []string{"defense-evasion"}},
	}

	for _, t := range techniques {
		if t.Parent != "" {
			sub := strings.TrimPrefix(t.ID, t.Parent+".")
			t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/%s/", t.Parent, sub)
		} else {
			t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", t.ID)
		}
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeAlertMappings() {
	credentialAccess := func(id string, confidence float64, evidence string) Mapping {
		return af.mapping(id, "TA0006", confidence, evidence)
	}

	af.mu.Lock()
	defer af.mu.Unlock()

	af.byAlert = map[models.AlertType][]Mapping{
		models.AlertBruteForceIP: {
			credentialAccess("T1110.001", 0.8, "Repeated failed logins from one address"),
		},
		models.AlertBruteForceAccount: {
			credentialAccess("T1110.001", 0.8, "Repeated failed logins against one account"),
		},
		models.AlertPasswordSpraying: {
			credentialAccess("T1110.003", 0.85, "Wrong passwords across many existing accounts"),
		},
		models.AlertDistributedAttack: {
			credentialAccess("T1110.004", 0.6, "One account attacked from many addresses"),
		},
		models.AlertUserEnumeration: {
			af.mapping("T1589.001", "TA0043", 0.7, "Probing for valid usernames"),
			af.mapping("T1087", "TA0007", 0.5, "Account discovery through login responses"),
		},
		models.AlertSuspiciousSuccess: {
			af.mapping("T1078", "TA0001", 0.75, "Successful login after repeated failures"),
		},
		models.AlertChainTampering: {
			af.mapping("T1565.001", "TA0040", 0.9, "Security log content no longer matches its hash chain"),
			af.mapping("T1070", "TA0005", 0.7, "Security log entries removed or rewritten"),
		},
	}
}

// mapping must be called with af.mu held.
func (af *AttackFramework) mapping(techniqueID, tacticID string, confidence float64, evidence string) Mapping {
	m := Mapping{
		TechniqueID: techniqueID,
		TacticID:    tacticID,
		Confidence:  confidence,
		Evidence:    evidence,
	}
	if t, ok := af.techniques[techniqueID]; ok {
		m.TechniqueName = t.Name
	}
	if t, ok := af.tactics[tacticID]; ok {
		m.TacticName = t.Name
	}
	return m
}

// ExportMappingsToJSON exports mappings to JSON format
func ExportMappingsToJSON(mappings []Mapping) ([]byte, error) {
	return json.MarshalIndent(mappings, "", "  ")
}
