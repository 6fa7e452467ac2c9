package correlation

import (
	"sort"

	"github.com/einsatzlog/etbguard/internal/models"
)

// Pattern names.
const (
	PatternAccountTakeover        = "account_takeover"
	PatternReconnaissanceToAttack = "reconnaissance_to_attack"
	PatternCoordinatedAttack      = "coordinated_attack"
	PatternPersistentAttacker     = "persistent_attacker"
	PatternMultiVector            = "multi_vector"
)

// Pattern is a recognized multi-stage attack.
type Pattern struct {
	Name     string          `json:"name"`
	Severity models.Severity `json:"severity"`
}

// IsCriticalPattern reports whether the named pattern is critical.
func IsCriticalPattern(name string) bool {
	return name == PatternAccountTakeover
}

// DetectPatterns inspects a group of alerts. The input order does not matter.
func (c *Correlator) DetectPatterns(alerts []*models.Alert) []Pattern {
	sorted := append([]*models.Alert(nil), alerts...)
	sortByTime(sorted)

	var out []Pattern
	if accountTakeover(sorted) {
		out = append(out, Pattern{PatternAccountTakeover, models.SeverityCritical})
	}
	if reconToAttack(sorted) {
		out = append(out, Pattern{PatternReconnaissanceToAttack, models.SeverityHigh})
	}
	if coordinated(sorted) {
		out = append(out, Pattern{PatternCoordinatedAttack, models.SeverityHigh})
	}
	if c.persistent(sorted) {
		out = append(out, Pattern{PatternPersistentAttacker, models.SeverityHigh})
	}
	if distinctTypes(sorted) >= 3 {
		out = append(out, Pattern{PatternMultiVector, models.SeverityHigh})
	}
	return out
}

// A credential attack followed by a successful login.
func accountTakeover(alerts []*models.Alert) bool {
	for i, a := range alerts {
		if !a.Type.IsCredentialAttack() {
			continue
		}
		for _, b := range alerts[i:] {
			if b.Type == models.AlertSuspiciousSuccess && !b.FirstSeen.Before(a.FirstSeen) {
				return true
			}
		}
	}
	return false
}

// Enumeration followed by password guessing from the same address.
func reconToAttack(alerts []*models.Alert) bool {
	for i, a := range alerts {
		if a.Type != models.AlertUserEnumeration || a.IPAddress == "" {
			continue
		}
		for _, b := range alerts[i:] {
			switch b.Type {
			case models.AlertBruteForceIP, models.AlertBruteForceAccount, models.AlertPasswordSpraying:
				if b.IPAddress == a.IPAddress && !b.FirstSeen.Before(a.FirstSeen) {
					return true
				}
			}
		}
	}
	return false
}

func coordinated(alerts []*models.Alert) bool {
	hasDistributed := false
	ips := map[string]struct{}{}
	for _, a := range alerts {
		if a.Type == models.AlertDistributedAttack {
			hasDistributed = true
			if srcs, ok := a.Evidence["source_ips"].([]any); ok {
				for _, s := range srcs {
					if ip, ok := s.(string); ok {
						ips[ip] = struct{}{}
					}
				}
			}
			if srcs, ok := a.Evidence["source_ips"].([]string); ok {
				for _, ip := range srcs {
					ips[ip] = struct{}{}
				}
			}
		}
		if a.IPAddress != "" {
			ips[a.IPAddress] = struct{}{}
		}
	}
	return hasDistributed && len(ips) >= 2
}

// One address behind several alerts over a long span.
func (c *Correlator) persistent(alerts []*models.Alert) bool {
	byIP := map[string][]*models.Alert{}
	for _, a := range alerts {
		if a.IPAddress != "" {
			byIP[a.IPAddress] = append(byIP[a.IPAddress], a)
		}
	}
	for _, group := range byIP {
		if len(group) < c.config.PersistentMin {
			continue
		}
		first, last := group[0].FirstSeen, group[0].LastSeen
		for _, a := range group[1:] {
			if a.FirstSeen.Before(first) {
				first = a.FirstSeen
			}
			if a.LastSeen.After(last) {
				last = a.LastSeen
			}
		}
		if last.Sub(first) >= c.config.PersistentSpan {
			return true
		}
	}
	return false
}

func distinctTypes(alerts []*models.Alert) int {
	types := map[models.AlertType]struct{}{}
	for _, a := range alerts {
		types[a.Type] = struct{}{}
	}
	return len(types)
}

// PatternNames returns the sorted names of patterns.
func PatternNames(patterns []Pattern) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}
