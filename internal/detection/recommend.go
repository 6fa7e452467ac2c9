package detection

import (
	"sort"
	"time"

	"github.com/einsatzlog/etbguard/internal/models"
)

// Action is an automated countermeasure.
type Action string

const (
	ActionBlockIP     Action = "block_ip"
	ActionLockAccount Action = "lock_account"
)

// Recommendation suggests a countermeasure for a finding.
type Recommendation struct {
	Action   Action        `json:"action"`
	Target   string        `json:"target"`
	Duration time.Duration `json:"duration"`
	Reason   string        `json:"reason"`
}

// Recommend maps a finding to countermeasures.
func (d *Detector) Recommend(f Finding) []Recommendation {
	switch f.Type {
	case models.AlertBruteForceIP, models.AlertPasswordSpraying, models.AlertUserEnumeration:
		if f.IPAddress == "" {
			return nil
		}
		return []Recommendation{{
			Action:   ActionBlockIP,
			Target:   f.IPAddress,
			Duration: d.config.IPBlockDuration,
			Reason:   string(f.Type),
		}}
	case models.AlertBruteForceAccount:
		if f.Username == "" {
			return nil
		}
		return []Recommendation{{
			Action:   ActionLockAccount,
			Target:   f.Username,
			Duration: d.config.AccountLockDuration,
			Reason:   string(f.Type),
		}}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
