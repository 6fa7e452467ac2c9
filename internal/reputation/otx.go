package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
)

// OTXConfig configures the AlienVault OTX client.
type OTXConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	MinPulses int           `yaml:"min_pulses"` // pulses needed to call an address malicious
}

// DefaultOTXConfig returns sensible defaults for OTX.
func DefaultOTXConfig() OTXConfig {
	return OTXConfig{
		APIKeyEnv: "OTX_API_KEY",
		BaseURL:   otxDefaultBaseURL,
		Timeout:   10 * time.Second,
		CacheTTL:  time.Hour,
		MinPulses: 1,
	}
}

// RateLimitStatus reflects the X-RateLimit headers of the last response.
type RateLimitStatus struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

// OTXClient checks IP reputation against OTX.
type OTXClient struct {
	config     OTXConfig
	apiKey     string
	httpClient *http.Client
	cache      *resultCache
	logger     *zap.Logger

	mu        sync.RWMutex
	rateLimit RateLimitStatus
}

var _ Checker = (*OTXClient)(nil)

// NewOTXClient creates an OTX client. The API key is read from the configured env var.
func NewOTXClient(config OTXConfig, logger *zap.Logger) (*OTXClient, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("OTX API key not found in env var: %s", config.APIKeyEnv)
	}

	def := DefaultOTXConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.MinPulses <= 0 {
		config.MinPulses = def.MinPulses
	}

	return &OTXClient{
		config:     config,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      newResultCache(config.CacheTTL),
		logger:     logger,
	}, nil
}

// StartCacheCleanup evicts expired cache entries until ctx is done.
func (c *OTXClient) StartCacheCleanup(ctx context.Context, interval time.Duration) {
	startCleanup(ctx, c.cache, interval)
}

// HealthCheck verifies connectivity and the API key.
func (c *OTXClient) HealthCheck(ctx context.Context) error {
	req, err := c.newRequest(ctx, "/user/me")
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OTX health check failed: %w", err)
	}
	defer resp.Body.Close()

	c.updateRateLimit(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("OTX authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}
	return nil
}

// RateLimit returns the current rate limit status.
func (c *OTXClient) RateLimit() RateLimitStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimit
}

// Lookup implements Checker. Private and loopback addresses are never sent out.
func (c *OTXClient) Lookup(ctx context.Context, ip string) (*Result, error) {
	if !IsPublic(ip) {
		return nil, nil
	}

	key := strings.ToLower(ip)
	if res, ok := c.cache.get(key); ok {
		return res, nil
	}

	kind := "IPv4"
	if parsed := net.ParseIP(ip); parsed.To4() == nil {
		kind = "IPv6"
	}
	req, err := c.newRequest(ctx, fmt.Sprintf("/indicators/%s/%s/general", kind, url.PathEscape(ip)))
	if err != nil {
		return nil, fmt.Errorf("creating lookup request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OTX lookup failed: %w", err)
	}
	defer resp.Body.Close()

	c.updateRateLimit(resp)

	res := &Result{IP: ip, Source: "otx", CheckedAt: time.Now().UTC()}

	// 404 means OTX knows nothing about the address.
	if resp.StatusCode == http.StatusNotFound {
		c.cache.set(key, res)
		return res, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("OTX returned %d: %s", resp.StatusCode, string(body))
	}

	var general OTXGeneralResponse
	if err := json.NewDecoder(resp.Body).Decode(&general); err != nil {
		return nil, fmt.Errorf("decoding OTX response: %w", err)
	}

	res.PulseCount = general.PulseInfo.Count
	res.Malicious = general.PulseInfo.Count >= c.config.MinPulses
	res.Confidence = calculateConfidence(general.PulseInfo.Count)
	res.Tags = collectTags(general.PulseInfo.Pulses)

	c.cache.set(key, res)
	c.logger.Debug("OTX reputation lookup",
		zap.String("ip", ip),
		zap.Int("pulses", res.PulseCount),
		zap.Bool("malicious", res.Malicious),
	)
	return res, nil
}

// newRequest creates an authenticated OTX API request.
func (c *OTXClient) newRequest(ctx context.Context, path string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + otxAPIPath + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-OTX-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "etbguard/1.0")
	return req, nil
}

// updateRateLimit updates rate limit from response headers.
func (c *OTXClient) updateRateLimit(resp *http.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		var r int
		fmt.Sscanf(remaining, "%d", &r)
		c.rateLimit.Remaining = r
	}
	if limit := resp.Header.Get("X-RateLimit-Limit"); limit != "" {
		var l int
		fmt.Sscanf(limit, "%d", &l)
		c.rateLimit.Limit = l
	}
}

// calculateConfidence determines confidence based on pulse count.
func calculateConfidence(pulseCount int) float64 {
	switch {
	case pulseCount >= 10:
		return 0.95
	case pulseCount >= 5:
		return 0.85
	case pulseCount >= 3:
		return 0.75
	case pulseCount >= 1:
		return 0.65
	default:
		return 0
	}
}

func collectTags(pulses []OTXPulse) []string {
	seen := map[string]struct{}{}
	for _, p := range pulses {
		for _, t := range p.Tags {
			seen[strings.ToLower(t)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// resultCache caches lookups, including negative ones.
type resultCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	result    *Result
	expiresAt time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{entries: make(map[string]cacheEntry), ttl: ttl}
}

func (c *resultCache) get(key string) (*Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.result, true
}

func (c *resultCache) set(key string, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: r, expiresAt: time.Now().Add(c.ttl)}
}

func (c *resultCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// OTX API response types

// OTXGeneralResponse is the response from /indicators/{type}/{value}/general.
type OTXGeneralResponse struct {
	Indicator   string       `json:"indicator"`
	Type        string       `json:"type"`
	Reputation  int          `json:"reputation"`
	PulseInfo   OTXPulseInfo `json:"pulse_info"`
	ASN         string       `json:"asn,omitempty"`
	CountryCode string       `json:"country_code,omitempty"`
}

// OTXPulseInfo contains pulse association info.
type OTXPulseInfo struct {
	Count  int        `json:"count"`
	Pulses []OTXPulse `json:"pulses"`
}

// OTXPulse represents an OTX pulse (threat report).
type OTXPulse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Tags      []string `json:"tags"`
	Adversary string   `json:"adversary,omitempty"`
}
