package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/seclog"
	"github.com/einsatzlog/etbguard/internal/security"
)

// HEC response codes, as used by Splunk.
const (
	hecCodeSuccess     = 0
	hecCodeInvalidAuth = 4
	hecCodeInvalidData = 6
	hecCodeServerBusy  = 8
	hecCodeHealthy     = 17
)

// HECConfig configures the HEC-compatible ingest endpoint.
type HECConfig struct {
	TokenEnv     string `yaml:"token_env"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	MaxEventSize int    `yaml:"max_event_size"`
}

// DefaultHECConfig returns sensible defaults.
func DefaultHECConfig() HECConfig {
	return HECConfig{
		TokenEnv:     "ETBGUARD_HEC_TOKEN",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
	}
}

// HECEvent is an event in Splunk HEC format.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// HECStats tracks receiver counters.
type HECStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsDropped  int64     `json:"events_dropped"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// HECHandler processes a parsed batch.
type HECHandler func(ctx context.Context, events []HECEvent) error

// HECReceiver accepts security events from log shippers speaking the Splunk
// HTTP Event Collector protocol.
type HECReceiver struct {
	config  HECConfig
	handler HECHandler
	logger  *zap.Logger

	mu    sync.RWMutex
	stats HECStats
}

// NewHECReceiver creates a receiver. Zero config values fall back to defaults.
func NewHECReceiver(cfg HECConfig, handler HECHandler, logger *zap.Logger) *HECReceiver {
	def := DefaultHECConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxEventSize <= 0 {
		cfg.MaxEventSize = def.MaxEventSize
	}
	return &HECReceiver{config: cfg, handler: handler, logger: logger}
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() HECStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func hecReply(w http.ResponseWriter, status, code int, text string) {
	writeJSON(w, status, map[string]any{"text": text, "code": code})
}

// HandleEvent serves /services/collector/event.
func (r *HECReceiver) HandleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		hecReply(w, http.StatusForbidden, hecCodeInvalidAuth, "Invalid token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)+1))
	if err != nil {
		hecReply(w, http.StatusBadRequest, hecCodeInvalidData, "Error reading body")
		return
	}
	if len(body) > r.config.MaxEventSize {
		hecReply(w, http.StatusBadRequest, hecCodeInvalidData,
			fmt.Sprintf("Request body exceeds %d bytes", r.config.MaxEventSize))
		return
	}

	events, err := r.parseEvents(body)
	if err != nil {
		hecReply(w, http.StatusBadRequest, hecCodeInvalidData, err.Error())
		return
	}

	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(len(body))
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler(req.Context(), events); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(len(events))
			r.mu.Unlock()

			if isClientError(err) {
				hecReply(w, http.StatusBadRequest, hecCodeInvalidData, err.Error())
				return
			}
			r.logger.Error("HEC batch failed", zap.Int("events", len(events)), zap.Error(err))
			hecReply(w, http.StatusInternalServerError, hecCodeServerBusy, "Error processing events")
			return
		}
	}

	hecReply(w, http.StatusOK, hecCodeSuccess, "Success")
}

// HandleHealth serves /services/collector/health.
func (r *HECReceiver) HandleHealth(w http.ResponseWriter, req *http.Request) {
	hecReply(w, http.StatusOK, hecCodeHealthy, "HEC is healthy")
}

// validateToken accepts only "Authorization: Splunk <token>" and fails closed
// when no token is configured.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expected := os.Getenv(r.config.TokenEnv)
	if expected == "" {
		return false
	}
	authz := req.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Splunk ") {
		return false
	}
	got := strings.TrimPrefix(authz, "Splunk ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// parseEvents accepts a single JSON object or concatenated/newline-delimited objects.
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	var single HECEvent
	if err := json.Unmarshal(body, &single); err == nil {
		return []HECEvent{single}, nil
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		if len(events) >= r.config.MaxBatchSize {
			return nil, fmt.Errorf("batch exceeds maximum size of %d events", r.config.MaxBatchSize)
		}
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("no valid events found")
	}
	return events, nil
}

func isClientError(err error) bool {
	return errors.Is(err, seclog.ErrInvalidEvent) || errors.Is(err, security.ErrReservedEventType)
}

// ingestHEC converts and logs a batch. Events are validated up front so a bad
// event rejects the batch before anything is appended.
func (s *Server) ingestHEC(ctx context.Context, events []HECEvent) error {
	converted := make([]*models.SecurityEvent, 0, len(events))
	for i, e := range events {
		ev, err := securityEventFromHEC(e)
		if err != nil {
			return fmt.Errorf("%w: event %d: %v", seclog.ErrInvalidEvent, i, err)
		}
		if err := security.ValidateEvent(ev); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		converted = append(converted, ev)
	}
	for i, ev := range converted {
		if _, err := s.deps.Security.LogEvent(ctx, ev); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

// securityEventFromHEC maps a HEC event. An object payload carries the
// security event fields; a string payload becomes the message. The event type
// comes from the payload, then fields.type, then the sourcetype.
func securityEventFromHEC(e HECEvent) (*models.SecurityEvent, error) {
	ev := &models.SecurityEvent{Details: map[string]any{}}

	switch payload := e.Event.(type) {
	case map[string]any:
		raw, _ := json.Marshal(payload)
		var req eventRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		ev.Type = req.Type
		ev.UserID = req.UserID
		ev.Username = req.Username
		ev.IPAddress = req.IPAddress
		ev.UserAgent = req.UserAgent
		ev.Resource = req.Resource
		ev.Message = req.Message
		for k, v := range req.Details {
			ev.Details[k] = v
		}
		if req.Severity != "" {
			sev, err := models.ParseSeverity(req.Severity)
			if err != nil {
				return nil, err
			}
			ev.Severity = sev
		}
	case string:
		ev.Message = payload
	case nil:
		return nil, errors.New("event is required")
	default:
		return nil, fmt.Errorf("unsupported event payload %T", payload)
	}

	if ev.Type == "" {
		if t, ok := e.Fields["type"].(string); ok {
			ev.Type = models.EventType(t)
		} else if e.SourceType != "" {
			ev.Type = models.EventType(e.SourceType)
		}
	}
	if ev.Type == "" {
		return nil, errors.New("type is required")
	}

	if e.Time > 0 {
		sec, frac := math.Modf(e.Time)
		ev.Timestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	for k, v := range e.Fields {
		if k != "type" {
			ev.Details[k] = v
		}
	}
	if e.Host != "" {
		ev.Details["hec_host"] = e.Host
	}
	if e.Source != "" {
		ev.Details["hec_source"] = e.Source
	}
	if len(ev.Details) == 0 {
		ev.Details = nil
	}
	return ev, nil
}
