package reputation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MISPConfig holds MISP settings.
type MISPConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	VerifySSL     bool          `yaml:"verify_ssl"`
	Timeout       time.Duration `yaml:"timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	PublishedOnly bool          `yaml:"published_only"`
	IDSOnly       bool          `yaml:"ids_only"` // only count attributes flagged for detection
}

// DefaultMISPConfig returns sensible defaults for MISP.
func DefaultMISPConfig() MISPConfig {
	return MISPConfig{
		APIKeyEnv:     "MISP_API_KEY",
		VerifySSL:     true,
		Timeout:       10 * time.Second,
		CacheTTL:      time.Hour,
		PublishedOnly: true,
		IDSOnly:       true,
	}
}

// MISPClient checks IP reputation against a MISP instance.
type MISPClient struct {
	config     MISPConfig
	apiKey     string
	httpClient *http.Client
	cache      *resultCache
	logger     *zap.Logger
}

var _ Checker = (*MISPClient)(nil)

// NewMISPClient creates a MISP client. The API key is read from the configured env var.
func NewMISPClient(config MISPConfig, logger *zap.Logger) (*MISPClient, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("MISP API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("MISP base URL is required")
	}

	def := DefaultMISPConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed MISP instances
	}

	return &MISPClient{
		config:     config,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: config.Timeout, Transport: transport},
		cache:      newResultCache(config.CacheTTL),
		logger:     logger,
	}, nil
}

// StartCacheCleanup evicts expired cache entries until ctx is done.
func (c *MISPClient) StartCacheCleanup(ctx context.Context, interval time.Duration) {
	startCleanup(ctx, c.cache, interval)
}

// HealthCheck verifies connectivity to MISP.
func (c *MISPClient) HealthCheck(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/servers/getVersion", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MISP health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MISP returned status %d", resp.StatusCode)
	}
	return nil
}

// Lookup implements Checker. An address is malicious when at least one
// matching attribute survives the published and IDS filters.
func (c *MISPClient) Lookup(ctx context.Context, ip string) (*Result, error) {
	if !IsPublic(ip) {
		return nil, nil
	}

	key := strings.ToLower(ip)
	if res, ok := c.cache.get(key); ok {
		return res, nil
	}

	body, err := json.Marshal(mispSearchRequest{
		Value:     ip,
		Type:      []string{"ip-src", "ip-dst"},
		Published: c.config.PublishedOnly,
		ToIDS:     c.config.IDSOnly,
	})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/attributes/restSearch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating lookup request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("MISP search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("MISP returned %d: %s", resp.StatusCode, string(msg))
	}

	var search mispSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&search); err != nil {
		return nil, fmt.Errorf("decoding MISP response: %w", err)
	}

	res := &Result{IP: ip, Source: "misp", CheckedAt: time.Now().UTC()}
	tags := map[string]struct{}{}
	for _, attr := range search.Response.Attribute {
		if c.config.IDSOnly && !attr.ToIDS {
			continue
		}
		res.PulseCount++
		if conf := threatLevelConfidence(attr.Event.ThreatLevelID); conf > res.Confidence {
			res.Confidence = conf
		}
		for _, t := range attr.Tag {
			tags[strings.ToLower(t.Name)] = struct{}{}
		}
	}
	res.Malicious = res.PulseCount > 0
	for t := range tags {
		res.Tags = append(res.Tags, t)
	}
	sort.Strings(res.Tags)

	c.cache.set(key, res)
	c.logger.Debug("MISP reputation lookup",
		zap.String("ip", ip),
		zap.Int("attributes", res.PulseCount),
		zap.Bool("malicious", res.Malicious),
	)
	return res, nil
}

func (c *MISPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// threatLevelConfidence maps MISP threat_level_id (1 high .. 4 undefined).
func threatLevelConfidence(level string) float64 {
	switch level {
	case "1":
		return 0.9
	case "2":
		return 0.7
	case "3":
		return 0.5
	default:
		return 0.3
	}
}

type mispSearchRequest struct {
	Value     string   `json:"value"`
	Type      []string `json:"type"`
	Published bool     `json:"published,omitempty"`
	ToIDS     bool     `json:"to_ids,omitempty"`
}

type mispSearchResponse struct {
	Response struct {
		Attribute []mispAttribute `json:"Attribute"`
	} `json:"response"`
}

type mispAttribute struct {
	UUID    string    `json:"uuid"`
	EventID string    `json:"event_id"`
	Type    string    `json:"type"`
	Value   string    `json:"value"`
	ToIDS   bool      `json:"to_ids"`
	Tag     []mispTag `json:"Tag,omitempty"`
	Event   mispEvent `json:"Event,omitempty"`
}

type mispTag struct {
	Name string `json:"name"`
}

type mispEvent struct {
	ID            string `json:"id"`
	ThreatLevelID string `json:"threat_level_id"`
}
