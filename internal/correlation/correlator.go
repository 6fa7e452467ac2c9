// Package correlation links related alerts into scored groups and detects
// multi-stage attack patterns.
package correlation

import (
	"math"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/einsatzlog/etbguard/internal/models"
)

// Factor names a reason two alerts are related.
const (
	FactorSharedIP           = "shared_ip"
	FactorSameSubnet         = "same_subnet"
	FactorSharedUsername     = "shared_username"
	FactorTemporalProximity  = "temporal_proximity"
	FactorComplementaryTypes = "complementary_types"
	FactorBadReputation      = "bad_reputation"
)

// EvidenceMaliciousIP is the evidence key set by reputation enrichment.
const EvidenceMaliciousIP = "ip_reputation_malicious"

// Pair weights.
const (
	weightSharedIP      = 0.35
	weightSameSubnet    = 0.15
	weightSharedUser    = 0.30
	weightTemporal      = 0.20
	weightComplementary = 0.15
	weightReputation    = 0.10
)

// Config holds correlator settings.
type Config struct {
	Window         time.Duration `yaml:"window"`
	MinPairScore   float64       `yaml:"min_pair_score"`
	PersistentSpan time.Duration `yaml:"persistent_span"`
	PersistentMin  int           `yaml:"persistent_min_alerts"`
}

// DefaultConfig returns the default correlator settings.
func DefaultConfig() Config {
	return Config{
		Window:         time.Hour,
		MinPairScore:   0.5,
		PersistentSpan: 30 * time.Minute,
		PersistentMin:  3,
	}
}

// Pair is a candidate alert scored against the target.
type Pair struct {
	Alert   *models.Alert
	Score   float64
	Factors []string
}

// Correlator scores alert pairs and builds correlation groups.
type Correlator struct {
	config Config
}

// NewCorrelator creates a correlator. Zero values fall back to defaults.
func NewCorrelator(cfg Config) *Correlator {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinPairScore <= 0 {
		cfg.MinPairScore = def.MinPairScore
	}
	if cfg.PersistentSpan <= 0 {
		cfg.PersistentSpan = def.PersistentSpan
	}
	if cfg.PersistentMin <= 0 {
		cfg.PersistentMin = def.PersistentMin
	}
	return &Correlator{config: cfg}
}

// Config returns the effective configuration.
func (c *Correlator) Config() Config {
	return c.config
}

// Related returns the candidates whose pair score with target reaches the
// minimum, highest score first. Inactive alerts and alerts outside the window
// are ignored.
func (c *Correlator) Related(target *models.Alert, candidates []*models.Alert) []Pair {
	var pairs []Pair
	for _, cand := range candidates {
		if cand == nil || cand.ID == target.ID || !cand.Status.IsActive() {
			continue
		}
		if absDuration(cand.LastSeen.Sub(target.LastSeen)) > c.config.Window {
			continue
		}
		score, factors := c.Score(target, cand)
		if score >= c.config.MinPairScore {
			pairs = append(pairs, Pair{Alert: cand, Score: score, Factors: factors})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Score > pairs[j].Score })
	return pairs
}

// Score computes the pair score of a and b, clamped to [0, 1].
func (c *Correlator) Score(a, b *models.Alert) (float64, []string) {
	var score float64
	var factors []string

	switch {
	case a.IPAddress != "" && a.IPAddress == b.IPAddress:
		score += weightSharedIP
		factors = append(factors, FactorSharedIP)
	case sameSubnet(a.IPAddress, b.IPAddress):
		score += weightSameSubnet
		factors = append(factors, FactorSameSubnet)
	}

	if a.Username != "" && strings.EqualFold(a.Username, b.Username) {
		score += weightSharedUser
		factors = append(factors, FactorSharedUsername)
	}

	dt := absDuration(a.LastSeen.Sub(b.LastSeen))
	if dt <= c.config.Window {
		if w := weightTemporal * (1 - float64(dt)/float64(c.config.Window)); w > 0 {
			score += w
			factors = append(factors, FactorTemporalProximity)
		}
	}

	if complementary(a.Type, b.Type) {
		score += weightComplementary
		factors = append(factors, FactorComplementaryTypes)
	}

	if maliciousIP(a) || maliciousIP(b) {
		score += weightReputation
		factors = append(factors, FactorBadReputation)
	}

	return clamp(score), factors
}

// Group merges target, its related alerts, and the members of every correlation
// those alerts already belong to. existing holds those correlations and members
// holds their alerts. The oldest existing correlation ID is kept.
func (c *Correlator) Group(target *models.Alert, pairs []Pair, existing []*models.Correlation, members []*models.Alert, now time.Time) *models.Correlation {
	if len(pairs) == 0 {
		return nil
	}

	byID := map[string]*models.Alert{target.ID: target}
	for _, m := range members {
		if m != nil {
			byID[m.ID] = m
		}
	}
	factorSet := map[string]struct{}{}
	maxPair := 0.0
	for _, p := range pairs {
		byID[p.Alert.ID] = p.Alert
		if p.Score > maxPair {
			maxPair = p.Score
		}
		for _, f := range p.Factors {
			factorSet[f] = struct{}{}
		}
	}

	var base *models.Correlation
	prevScore := 0.0
	prevLevel := 0
	for _, ex := range existing {
		if ex == nil {
			continue
		}
		if base == nil || ex.CreatedAt.Before(base.CreatedAt) {
			base = ex
		}
		for _, f := range ex.Factors {
			factorSet[f] = struct{}{}
		}
		prevScore = math.Max(prevScore, ex.Score)
		if ex.EscalationLevel > prevLevel {
			prevLevel = ex.EscalationLevel
		}
	}

	alerts := make([]*models.Alert, 0, len(byID))
	for _, a := range byID {
		alerts = append(alerts, a)
	}
	sortByTime(alerts)

	patterns := c.DetectPatterns(alerts)
	types := map[models.AlertType]struct{}{}
	severity := models.SeverityInfo
	for _, a := range alerts {
		types[a.Type] = struct{}{}
		severity = models.MaxSeverity(severity, a.Severity)
	}
	for _, p := range patterns {
		severity = models.MaxSeverity(severity, p.Severity)
	}

	score := 0.5*maxPair +
		0.2*math.Min(1, float64(len(alerts)-1)/4) +
		0.15*math.Min(1, float64(len(types)-1)/3)
	if len(patterns) > 0 {
		score += 0.15
	}
	score = math.Max(clamp(score), prevScore)

	corr := &models.Correlation{
		ID:              uuid.NewString(),
		Score:           round3(score),
		Severity:        severity,
		EscalationLevel: prevLevel,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if base != nil {
		corr.ID = base.ID
		corr.CreatedAt = base.CreatedAt
	}

	for _, a := range alerts {
		corr.AlertIDs = append(corr.AlertIDs, a.ID)
		if corr.FirstSeen.IsZero() || a.FirstSeen.Before(corr.FirstSeen) {
			corr.FirstSeen = a.FirstSeen
		}
		if a.LastSeen.After(corr.LastSeen) {
			corr.LastSeen = a.LastSeen
		}
	}
	for f := range factorSet {
		corr.Factors = append(corr.Factors, f)
	}
	sort.Strings(corr.Factors)
	corr.Patterns = PatternNames(patterns)

	return corr
}

func complementary(a, b models.AlertType) bool {
	return complementaryOrdered(a, b) || complementaryOrdered(b, a)
}

func complementaryOrdered(first, then models.AlertType) bool {
	switch {
	case first == models.AlertUserEnumeration:
		return then == models.AlertBruteForceIP || then == models.AlertBruteForceAccount || then == models.AlertPasswordSpraying
	case first.IsCredentialAttack():
		if then == models.AlertSuspiciousSuccess {
			return true
		}
		return first == models.AlertBruteForceIP && then == models.AlertDistributedAttack
	}
	return false
}

func maliciousIP(a *models.Alert) bool {
	v, ok := a.Evidence[EvidenceMaliciousIP].(bool)
	return ok && v
}

// sameSubnet compares /24 for IPv4 and /64 for IPv6. Identical addresses are
// not a subnet match.
func sameSubnet(a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	if ipA == nil || ipB == nil {
		return false
	}
	if v4a, v4b := ipA.To4(), ipB.To4(); v4a != nil || v4b != nil {
		if v4a == nil || v4b == nil {
			return false
		}
		mask := net.CIDRMask(24, 32)
		return v4a.Mask(mask).Equal(v4b.Mask(mask))
	}
	mask := net.CIDRMask(64, 128)
	return ipA.Mask(mask).Equal(ipB.Mask(mask))
}

func sortByTime(alerts []*models.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if !alerts[i].FirstSeen.Equal(alerts[j].FirstSeen) {
			return alerts[i].FirstSeen.Before(alerts[j].FirstSeen)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
