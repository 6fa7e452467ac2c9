package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
)

type recorder struct {
	name string
	err  error

	mu  sync.Mutex
	got []*Notification
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func testNotification() *Notification {
	return &Notification{
		Kind:    KindAlertCreated,
		Message: "brute force from 203.0.113.5",
		Alert: &models.Alert{
			ID:        "a1",
			Type:      models.AlertBruteForceIP,
			Severity:  models.SeverityHigh,
			IPAddress: "203.0.113.5",
		},
	}
}

// =============================================================================
// Multi Tests
// =============================================================================

func TestMulti_FailureDoesNotStopDelivery(t *testing.T) {
	failing := &recorder{name: "failing", err: errors.New("down")}
	ok := &recorder{name: "ok"}
	m := NewMulti(zap.NewNop(), nil, failing, ok)

	err := m.Notify(context.Background(), testNotification())
	if err == nil || !strings.Contains(err.Error(), "failing") {
		t.Errorf("expected error naming the failing notifier, got %v", err)
	}
	if ok.count() != 1 {
		t.Errorf("healthy notifier should still be called, got %d", ok.count())
	}
}

func TestMulti_SetsTimestamp(t *testing.T) {
	r := &recorder{name: "r"}
	m := NewMulti(zap.NewNop(), nil, r)
	n := testNotification()
	m.Notify(context.Background(), n)
	if n.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestMulti_NotifyChannels(t *testing.T) {
	a := &recorder{name: "a"}
	b := &recorder{name: "b"}
	m := NewMulti(zap.NewNop(), nil, a, b)

	if err := m.NotifyChannels(context.Background(), testNotification(), []string{"b"}); err != nil {
		t.Fatalf("NotifyChannels: %v", err)
	}
	if a.count() != 0 || b.count() != 1 {
		t.Errorf("only b should be notified, got a=%d b=%d", a.count(), b.count())
	}

	err := m.NotifyChannels(context.Background(), testNotification(), []string{"a", "pager"})
	if err == nil || !strings.Contains(err.Error(), "pager") {
		t.Errorf("expected unknown channel error, got %v", err)
	}
	if a.count() != 1 {
		t.Errorf("known channel should still be notified")
	}

	m.NotifyChannels(context.Background(), testNotification(), nil)
	if a.count() != 2 || b.count() != 2 {
		t.Errorf("empty channel list should notify all")
	}
}

func TestMulti_Names(t *testing.T) {
	m := NewMulti(zap.NewNop(), nil, NewLogNotifier(zap.NewNop()))
	m.Add(&recorder{name: "x"})
	names := m.Names()
	if len(names) != 2 || names[0] != "log" || names[1] != "x" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestNotification_Severity(t *testing.T) {
	n := testNotification()
	if n.Severity() != models.SeverityHigh {
		t.Errorf("expected high, got %s", n.Severity())
	}
	n.Correlation = &models.Correlation{Severity: models.SeverityCritical}
	if n.Severity() != models.SeverityCritical {
		t.Errorf("expected critical, got %s", n.Severity())
	}
	if (&Notification{}).Severity() != models.SeverityInfo {
		t.Error("empty notification should be info")
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(zap.NewNop()).Notify(context.Background(), testNotification()); err != nil {
		t.Errorf("log notifier should not fail: %v", err)
	}
}

// =============================================================================
// Webhook Tests
// =============================================================================

func TestWebhook_PostsJSON(t *testing.T) {
	os.Setenv("TEST_WEBHOOK_TOKEN", "hook-secret")
	defer os.Unsetenv("TEST_WEBHOOK_TOKEN")

	var got Notification
	var auth, kind string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		kind = r.Header.Get("X-Etbguard-Event")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	w, err := NewWebhookNotifier(WebhookConfig{Name: "ops", URL: server.URL, TokenEnv: "TEST_WEBHOOK_TOKEN"})
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}
	if w.Name() != "ops" {
		t.Errorf("expected name ops, got %q", w.Name())
	}
	if err := w.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if auth != "Bearer hook-secret" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if kind != string(KindAlertCreated) {
		t.Errorf("unexpected event header %q", kind)
	}
	if got.Alert == nil || got.Alert.ID != "a1" {
		t.Errorf("alert not delivered: %+v", got)
	}
}

func TestWebhook_Errors(t *testing.T) {
	if _, err := NewWebhookNotifier(WebhookConfig{}); err == nil {
		t.Error("missing URL should fail")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	w, _ := NewWebhookNotifier(WebhookConfig{URL: server.URL, Timeout: time.Second})
	if err := w.Notify(context.Background(), testNotification()); err == nil {
		t.Error("expected error on 500")
	}
}

// =============================================================================
// Redis Tests
// =============================================================================

func TestRedisNotifier_Defaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	r := NewRedisNotifier(client, RedisConfig{})
	if r.config != DefaultRedisConfig() {
		t.Errorf("expected defaults, got %+v", r.config)
	}
	if r.Name() != "redis" {
		t.Errorf("unexpected name %q", r.Name())
	}
}

func TestRedisNotifier_UnreachableReturnsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	r := NewRedisNotifier(client, DefaultRedisConfig())
	if err := r.Notify(context.Background(), testNotification()); err == nil {
		t.Error("expected error when redis is unreachable")
	}
}
