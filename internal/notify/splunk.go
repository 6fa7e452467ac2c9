package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// SplunkConfig holds HEC forwarder configuration.
type SplunkConfig struct {
	HECURL       string        `yaml:"hec_url"`
	TokenEnv     string        `yaml:"token_env"`
	Index        string        `yaml:"index"`
	SourceType   string        `yaml:"sourcetype"`
	Source       string        `yaml:"source"`
	Host         string        `yaml:"host"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultSplunkConfig returns sensible defaults.
func DefaultSplunkConfig() SplunkConfig {
	return SplunkConfig{
		TokenEnv:     "SPLUNK_HEC_TOKEN",
		Index:        "etbguard",
		SourceType:   "etbguard:alert",
		Source:       "etbguard",
		BatchSize:    50,
		BatchTimeout: 5 * time.Second,
		Timeout:      30 * time.Second,
		RetryCount:   3,
		RetryBackoff: time.Second,
	}
}

// SplunkStats tracks forwarder metrics.
type SplunkStats struct {
	EventsSent   int64
	EventsFailed int64
	BytesSent    int64
	Pending      int
	LastSendAt   time.Time
}

// SplunkForwarder batches notifications and forwards them to Splunk HEC.
type SplunkForwarder struct {
	config     SplunkConfig
	token      string
	httpClient *http.Client

	mu      sync.Mutex
	pending []HECEvent
	stats   SplunkStats
}

// NewSplunkForwarder creates a HEC forwarder.
func NewSplunkForwarder(config SplunkConfig) (*SplunkForwarder, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}
	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}

	def := DefaultSplunkConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = def.BatchTimeout
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}

	return &SplunkForwarder{
		config:     config,
		token:      token,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

func (s *SplunkForwarder) Name() string { return "splunk" }

// Notify queues the notification and flushes once a full batch is pending.
func (s *SplunkForwarder) Notify(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	s.pending = append(s.pending, s.toEvent(n))
	full := len(s.pending) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Run flushes pending events every BatchTimeout until ctx is done, then
// makes a final flush.
func (s *SplunkForwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
			s.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush sends all pending events in one request.
func (s *SplunkForwarder) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	// Serialize as newline-delimited JSON
	var buf bytes.Buffer
	for _, event := range batch {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := s.sendWithRetry(ctx, buf.Bytes()); err != nil {
		s.mu.Lock()
		s.stats.EventsFailed += int64(len(batch))
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(len(batch))
	s.stats.BytesSent += int64(buf.Len())
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *SplunkForwarder) toEvent(n *Notification) HECEvent {
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fields := map[string]any{
		"kind":     string(n.Kind),
		"severity": string(n.Severity()),
		"level":    n.Level,
	}
	if n.Alert != nil {
		fields["alert_type"] = string(n.Alert.Type)
		if len(n.Alert.Techniques) > 0 {
			fields["techniques"] = n.Alert.Techniques
		}
	}
	if n.Correlation != nil {
		fields["correlation_score"] = n.Correlation.Score
	}
	return HECEvent{
		Time:       float64(ts.UnixMilli()) / 1000,
		Host:       s.config.Host,
		Source:     s.config.Source,
		SourceType: s.config.SourceType,
		Index:      s.config.Index,
		Event:      n,
		Fields:     fields,
	}
}

// sendWithRetry sends data with quadratic backoff between attempts.
func (s *SplunkForwarder) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * s.config.RetryBackoff):
			}
		}

		err := s.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

// send performs the actual HTTP request.
func (s *SplunkForwarder) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Stats returns current forwarder statistics.
func (s *SplunkForwarder) Stats() SplunkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.pending)
	return st
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *SplunkForwarder) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}
	return nil
}
