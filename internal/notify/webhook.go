package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// WebhookConfig configures a JSON webhook target.
type WebhookConfig struct {
	Name     string        `yaml:"name"`
	URL      string        `yaml:"url"`
	TokenEnv string        `yaml:"token_env"` // optional bearer token
	Timeout  time.Duration `yaml:"timeout"`
}

// WebhookNotifier POSTs notifications as JSON.
type WebhookNotifier struct {
	config     WebhookConfig
	token      string
	httpClient *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(config WebhookConfig) (*WebhookNotifier, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if config.Name == "" {
		config.Name = "webhook"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	var token string
	if config.TokenEnv != "" {
		token = os.Getenv(config.TokenEnv)
	}
	return &WebhookNotifier{
		config:     config,
		token:      token,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

func (w *WebhookNotifier) Name() string { return w.config.Name }

func (w *WebhookNotifier) Notify(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "etbguard/1.0")
	req.Header.Set("X-Etbguard-Event", string(n.Kind))
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
