package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/seclog"
	"github.com/einsatzlog/etbguard/internal/store/memory"
)

type fakeUploader struct {
	mu      sync.Mutex
	fail    error
	objects map[string][]byte
	meta    map[string]map[string]string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.objects[key] = body
	f.meta[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func setup(t *testing.T, n int) (*Archiver, *memory.Store, *seclog.Logger, *fakeUploader) {
	t.Helper()
	st := memory.New()
	log := seclog.New(st, nil, zap.NewNop())
	for i := 0; i < n; i++ {
		if _, err := log.Log(context.Background(), &models.SecurityEvent{Type: models.EventLoginFailure, Username: "alice"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	up := newFakeUploader()
	cfg := DefaultConfig()
	cfg.Bucket = "audit"
	a := New(st, log, log, up, cfg, zap.NewNop())
	a.now = func() time.Time { return time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC) }
	return a, st, log, up
}

// =============================================================================
// Key Tests
// =============================================================================

func TestKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)
	tests := []struct {
		prefix string
		want   string
	}{
		{"etbguard/security-log", "etbguard/security-log/2026/03/07/chain-1-50.jsonl"},
		{"/audit/", "audit/2026/03/07/chain-1-50.jsonl"},
		{"", "2026/03/07/chain-1-50.jsonl"},
	}
	for _, tt := range tests {
		if got := Key(tt.prefix, at, 1, 50); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

// =============================================================================
// Export Tests
// =============================================================================

func TestExport_UploadsSegmentAndManifest(t *testing.T) {
	a, _, log, up := setup(t, 5)
	ctx := context.Background()

	m, err := a.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if m.From != 1 || m.To != 5 || m.Count != 5 {
		t.Errorf("unexpected manifest %+v", m)
	}
	if m.PreviousHash != seclog.GenesisHash {
		t.Errorf("first segment should start at genesis, got %s", m.PreviousHash)
	}
	wantKey := "etbguard/security-log/2026/03/07/chain-1-5.jsonl"
	if m.Key != wantKey {
		t.Errorf("key = %q, want %q", m.Key, wantKey)
	}

	body := up.objects[wantKey]
	sum := sha256.Sum256(body)
	if m.SHA256 != hex.EncodeToString(sum[:]) || up.meta[wantKey]["sha256"] != m.SHA256 {
		t.Error("manifest checksum does not match the uploaded body")
	}

	var lines []models.SecurityEvent
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var ev models.SecurityEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid JSON line: %v", err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 5 || lines[4].Hash != m.HeadHash {
		t.Errorf("unexpected body: %d lines", len(lines))
	}

	var manifest Manifest
	if err := json.Unmarshal(up.objects[strings.TrimSuffix(wantKey, ".jsonl")+".manifest.json"], &manifest); err != nil {
		t.Fatalf("manifest not uploaded: %v", err)
	}
	if manifest.SHA256 != m.SHA256 {
		t.Error("uploaded manifest differs")
	}

	if a.Checkpoint() != 5 {
		t.Errorf("checkpoint = %d, want 5", a.Checkpoint())
	}
	head, _ := log.Head(ctx)
	if head.Type != models.EventChainArchived || head.Sequence != 6 {
		t.Errorf("expected chain_archived at 6, got %s at %d", head.Type, head.Sequence)
	}
}

func TestExport_NothingNew(t *testing.T) {
	a, _, _, _ := setup(t, 0)
	m, err := a.Export(context.Background())
	if err != nil || m != nil {
		t.Errorf("empty chain: got %+v, %v", m, err)
	}
}

func TestExport_SegmentsByMaxEvents(t *testing.T) {
	a, _, _, _ := setup(t, 7)
	a.config.MaxEvents = 3
	a.events = nil

	ms, err := a.ExportAll(context.Background())
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(ms))
	}
	if ms[1].From != 4 || ms[1].To != 6 || ms[2].From != 7 || ms[2].To != 7 {
		t.Errorf("unexpected ranges %+v %+v", ms[1], ms[2])
	}
	if ms[1].PreviousHash != ms[0].HeadHash {
		t.Error("segments should link through previous/head hashes")
	}
}

func TestExport_UploadFailureKeepsCheckpoint(t *testing.T) {
	a, _, _, up := setup(t, 3)
	up.fail = errors.New("access denied")

	if _, err := a.Export(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	if a.Checkpoint() != 0 {
		t.Errorf("checkpoint must not advance on failure, got %d", a.Checkpoint())
	}
}

func TestExport_RefusesTamperedSegment(t *testing.T) {
	a, st, _, up := setup(t, 3)
	ctx := context.Background()

	ev, _ := st.GetEventBySequence(ctx, 2)
	ev.Message = "rewritten"
	st.ReplaceEvent(ev)

	_, err := a.Export(ctx)
	if !errors.Is(err, ErrChainInvalid) {
		t.Fatalf("expected ErrChainInvalid, got %v", err)
	}
	if len(up.objects) != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestExport_ResumeFromCheckpoint(t *testing.T) {
	a, _, _, _ := setup(t, 4)
	a.SetCheckpoint(2)
	m, err := a.Export(context.Background())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if m.From != 3 || m.To != 4 {
		t.Errorf("expected 3-4, got %d-%d", m.From, m.To)
	}
}

func TestWriteJSONL(t *testing.T) {
	_, st, _, _ := setup(t, 3)
	var buf bytes.Buffer
	first, last, n, err := WriteJSONL(context.Background(), st, &buf, 2, 3)
	if err != nil || n != 2 || first.Sequence != 2 || last.Sequence != 3 {
		t.Errorf("WriteJSONL = %v %v %d %v", first, last, n, err)
	}
	if strings.Count(buf.String(), "\n") != 2 {
		t.Errorf("expected 2 lines, got %q", buf.String())
	}
}
