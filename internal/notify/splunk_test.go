package notify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testHECTokenEnv = "TEST_ETBGUARD_HEC_TOKEN"

type hecServer struct {
	*httptest.Server
	failFirst int32

	calls  int32
	mu     sync.Mutex
	events []HECEvent
	auth   string
}

func newHECServer(t *testing.T, failFirst int32) *hecServer {
	t.Helper()
	h := &hecServer{failFirst: failFirst}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&h.calls, 1)
		if r.URL.Path == "/services/collector/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if n <= h.failFirst {
			http.Error(w, `{"text":"Server busy","code":9}`, http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		defer h.mu.Unlock()
		h.auth = r.Header.Get("Authorization")
		sc := bufio.NewScanner(bytes.NewReader(body))
		for sc.Scan() {
			var ev HECEvent
			if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
				t.Errorf("invalid NDJSON line: %v", err)
				continue
			}
			h.events = append(h.events, ev)
		}
		w.Write([]byte(`{"text":"Success","code":0}`))
	}))
	t.Cleanup(h.Close)
	return h
}

func newTestForwarder(t *testing.T, url string, batch int) *SplunkForwarder {
	t.Helper()
	os.Setenv(testHECTokenEnv, "hec-token")
	t.Cleanup(func() { os.Unsetenv(testHECTokenEnv) })

	cfg := DefaultSplunkConfig()
	cfg.HECURL = url
	cfg.TokenEnv = testHECTokenEnv
	cfg.BatchSize = batch
	cfg.RetryBackoff = time.Millisecond
	f, err := NewSplunkForwarder(cfg)
	if err != nil {
		t.Fatalf("NewSplunkForwarder: %v", err)
	}
	return f
}

// =============================================================================
// Forwarder Creation Tests
// =============================================================================

func TestNewSplunkForwarder_MissingToken(t *testing.T) {
	os.Unsetenv(testHECTokenEnv)
	cfg := DefaultSplunkConfig()
	cfg.TokenEnv = testHECTokenEnv
	cfg.HECURL = "http://localhost"

	_, err := NewSplunkForwarder(cfg)
	if err == nil || !strings.Contains(err.Error(), "HEC token not found") {
		t.Errorf("expected missing token error, got %v", err)
	}
}

func TestNewSplunkForwarder_MissingURL(t *testing.T) {
	os.Setenv(testHECTokenEnv, "x")
	defer os.Unsetenv(testHECTokenEnv)
	cfg := DefaultSplunkConfig()
	cfg.TokenEnv = testHECTokenEnv

	if _, err := NewSplunkForwarder(cfg); err == nil {
		t.Error("expected error when HEC URL is empty")
	}
}

// =============================================================================
// Batching Tests
// =============================================================================

func TestForwarder_BatchesUntilFull(t *testing.T) {
	srv := newHECServer(t, 0)
	f := newTestForwarder(t, srv.URL, 3)
	ctx := context.Background()

	f.Notify(ctx, testNotification())
	f.Notify(ctx, testNotification())
	if atomic.LoadInt32(&srv.calls) != 0 {
		t.Fatal("should not send before the batch is full")
	}
	if f.Stats().Pending != 2 {
		t.Errorf("expected 2 pending, got %d", f.Stats().Pending)
	}

	if err := f.Notify(ctx, testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if atomic.LoadInt32(&srv.calls) != 1 {
		t.Fatalf("expected one request, got %d", srv.calls)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.events) != 3 {
		t.Errorf("expected 3 events, got %d", len(srv.events))
	}
	if srv.auth != "Splunk hec-token" {
		t.Errorf("unexpected auth header %q", srv.auth)
	}
	ev := srv.events[0]
	if ev.Index != "etbguard" || ev.SourceType != "etbguard:alert" {
		t.Errorf("unexpected event metadata %+v", ev)
	}
	if ev.Fields["alert_type"] != "brute_force_ip" || ev.Fields["severity"] != "high" {
		t.Errorf("unexpected fields %v", ev.Fields)
	}

	st := f.Stats()
	if st.EventsSent != 3 || st.Pending != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestForwarder_FlushEmptyIsNoop(t *testing.T) {
	srv := newHECServer(t, 0)
	f := newTestForwarder(t, srv.URL, 10)
	if err := f.Flush(context.Background()); err != nil {
		t.Errorf("empty flush should succeed: %v", err)
	}
	if srv.calls != 0 {
		t.Errorf("empty flush should not send")
	}
}

func TestForwarder_RunFlushesOnShutdown(t *testing.T) {
	srv := newHECServer(t, 0)
	f := newTestForwarder(t, srv.URL, 100)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	f.Notify(context.Background(), testNotification())
	cancel()
	<-done

	if f.Stats().EventsSent != 1 {
		t.Errorf("pending event should be flushed on shutdown, stats %+v", f.Stats())
	}
}

// =============================================================================
// Retry Tests
// =============================================================================

func TestForwarder_RetriesThenSucceeds(t *testing.T) {
	srv := newHECServer(t, 2)
	f := newTestForwarder(t, srv.URL, 1)

	if err := f.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if atomic.LoadInt32(&srv.calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", srv.calls)
	}
}

func TestForwarder_GivesUpAfterRetries(t *testing.T) {
	srv := newHECServer(t, 100)
	f := newTestForwarder(t, srv.URL, 1)

	err := f.Notify(context.Background(), testNotification())
	if err == nil || !strings.Contains(err.Error(), "failed after 3 retries") {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
	if atomic.LoadInt32(&srv.calls) != 4 {
		t.Errorf("expected 4 attempts, got %d", srv.calls)
	}
	if f.Stats().EventsFailed != 1 {
		t.Errorf("expected 1 failed event, got %d", f.Stats().EventsFailed)
	}
}

func TestForwarder_RetryHonorsContext(t *testing.T) {
	srv := newHECServer(t, 100)
	f := newTestForwarder(t, srv.URL, 1)
	f.config.RetryBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.Notify(ctx, testNotification()); err == nil {
		t.Error("expected context error")
	}
}

func TestForwarder_HealthCheck(t *testing.T) {
	srv := newHECServer(t, 0)
	f := newTestForwarder(t, srv.URL, 1)
	if err := f.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}
