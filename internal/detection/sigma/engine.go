// Package sigma evaluates Sigma rules against security log entries.
package sigma

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	sigmago "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/detection"
	"github.com/einsatzlog/etbguard/internal/models"
)

// Product is the logsource product that rules must name, if they name one.
const Product = "etbguard"

var techniqueTagRegex = regexp.MustCompile(`^attack\.t\d{4}(?:\.\d{3})?$`)

// LoadStats tracks loaded and skipped rules.
type LoadStats struct {
	TotalFiles        int `json:"total_files"`
	Loaded            int `json:"loaded"`
	SkippedComplex    int `json:"skipped_complex"`
	SkippedDatasource int `json:"skipped_datasource"`
	SkippedInvalid    int `json:"skipped_invalid"`
}

type compiledRule struct {
	id         string
	rule       sigmago.Rule
	eval       *sigmaevaluator.RuleEvaluator
	severity   models.Severity
	techniques []string
}

// Engine holds the compiled rule set. Reload swaps it atomically.
type Engine struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	rules []compiledRule
	stats LoadStats
}

// NewEngine loads rules from a file or directory.
func NewEngine(path string, logger *zap.Logger) (*Engine, error) {
	e := &Engine{path: path, logger: logger}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Path returns the rule location.
func (e *Engine) Path() string {
	return e.path
}

// Stats returns the result of the last load.
func (e *Engine) Stats() LoadStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Reload re-reads the rule location. On error the previous rule set is kept.
func (e *Engine) Reload() error {
	rules, stats, err := loadRules(e.path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rules = rules
	e.stats = stats
	e.mu.Unlock()

	e.logger.Info("Sigma rules loaded",
		zap.String("path", e.path),
		zap.Int("loaded", stats.Loaded),
		zap.Int("skipped_invalid", stats.SkippedInvalid),
		zap.Int("skipped_complex", stats.SkippedComplex),
		zap.Int("skipped_datasource", stats.SkippedDatasource),
	)
	return nil
}

// Evaluate matches ev against every rule and returns one finding per matching rule.
func (e *Engine) Evaluate(ctx context.Context, ev *models.SecurityEvent) []detection.Finding {
	if e == nil || ev == nil {
		return nil
	}

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	if len(rules) == 0 {
		return nil
	}

	fields := Fields(ev)
	var out []detection.Finding
	for _, r := range rules {
		res, err := r.eval.Matches(ctx, fields)
		if err != nil {
			e.logger.Debug("Sigma evaluation failed", zap.String("rule", r.id), zap.Error(err))
			continue
		}
		if !res.Match {
			continue
		}
		out = append(out, detection.Finding{
			Type:        models.AlertSigmaRule,
			Severity:    r.severity,
			IPAddress:   ev.IPAddress,
			Username:    ev.Username,
			Rule:        r.id,
			Count:       1,
			Title:       strings.TrimSpace(r.rule.Title),
			Description: strings.TrimSpace(r.rule.Description),
			Evidence: map[string]any{
				"rule_id":        r.id,
				"rule_title":     r.rule.Title,
				"event_id":       ev.ID,
				"event_sequence": ev.Sequence,
				"event_type":     string(ev.Type),
			},
			Techniques: r.techniques,
			ObservedAt: ev.Timestamp,
		})
	}
	return out
}

// Fields flattens an event into the field map rules are written against.
// Details are exposed as details.<key>, nested maps as details.<a>.<b>.
func Fields(ev *models.SecurityEvent) map[string]interface{} {
	m := map[string]interface{}{
		"type":       string(ev.Type),
		"severity":   string(ev.Severity),
		"username":   ev.Username,
		"user_id":    ev.UserID,
		"ip_address": ev.IPAddress,
		"user_agent": ev.UserAgent,
		"resource":   ev.Resource,
		"message":    ev.Message,
	}
	flatten(m, "details", ev.Details)
	return m
}

func flatten(dst map[string]interface{}, prefix string, src map[string]any) {
	for k, v := range src {
		key := prefix + "." + k
		switch val := v.(type) {
		case map[string]any:
			flatten(dst, key, val)
		case string:
			dst[key] = val
		case nil:
		default:
			dst[key] = fmt.Sprint(val)
		}
	}
}

func loadRules(path string) ([]compiledRule, LoadStats, error) {
	var stats LoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !d.IsDir() && isYAMLFile(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}
	sort.Strings(files)

	stats.TotalFiles = len(files)
	compiled := make([]compiledRule, 0, len(files))
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		rule, err := sigmago.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !matchesProduct(rule) {
			stats.SkippedDatasource++
			continue
		}
		if !isSingleEventRule(rule) {
			stats.SkippedComplex++
			continue
		}

		id := strings.TrimSpace(rule.ID)
		if id == "" {
			id = strings.TrimSpace(rule.Title)
		}
		compiled = append(compiled, compiledRule{
			id:         id,
			rule:       rule,
			eval:       sigmaevaluator.ForRule(rule),
			severity:   levelSeverity(rule.Level),
			techniques: attackTechniques(rule.Tags),
		})
		stats.Loaded++
	}
	return compiled, stats, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func matchesProduct(rule sigmago.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	return product == "" || product == Product
}

// Aggregations and timeframes need state across events; the login heuristics cover those.
func isSingleEventRule(rule sigmago.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false
		}
	}
	return true
}

func levelSeverity(level string) models.Severity {
	sev, err := models.ParseSeverity(level)
	if err != nil {
		return models.SeverityMedium
	}
	return sev
}

func attackTechniques(tags []string) []string {
	var out []string
	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if techniqueTagRegex.MatchString(tag) {
			out = append(out, strings.ToUpper(strings.TrimPrefix(tag, "attack.")))
		}
	}
	return out
}
