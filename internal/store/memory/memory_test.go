package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/store"
)

func appendSeq(t *testing.T, s *Store, typ models.EventType) *models.SecurityEvent {
	t.Helper()
	ev, err := s.AppendEvent(context.Background(), func(last *models.SecurityEvent) (*models.SecurityEvent, error) {
		seq := int64(1)
		if last != nil {
			seq = last.Sequence + 1
		}
		return &models.SecurityEvent{ID: uuid.NewString(), Sequence: seq, Type: typ, Timestamp: time.Now()}, nil
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	return ev
}

// =============================================================================
// Event Tests
// =============================================================================

func TestAppendEvent_RejectsWrongSequence(t *testing.T) {
	s := New()
	_, err := s.AppendEvent(context.Background(), func(last *models.SecurityEvent) (*models.SecurityEvent, error) {
		return &models.SecurityEvent{ID: "x", Sequence: 7}, nil
	})
	if !errors.Is(err, store.ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
}

func TestAppendEvent_ConcurrentAppendsAreSerialized(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendEvent(context.Background(), func(last *models.SecurityEvent) (*models.SecurityEvent, error) {
				seq := int64(1)
				if last != nil {
					seq = last.Sequence + 1
				}
				return &models.SecurityEvent{ID: uuid.NewString(), Sequence: seq}, nil
			})
			if err != nil {
				t.Errorf("append failed: %v", err)
			}
		}()
	}
	wg.Wait()

	var prev int64
	err := s.WalkEvents(context.Background(), 1, 0, func(ev *models.SecurityEvent) error {
		if ev.Sequence != prev+1 {
			t.Errorf("sequence gap: %d after %d", ev.Sequence, prev)
		}
		prev = ev.Sequence
		return nil
	})
	if err != nil {
		t.Fatalf("WalkEvents failed: %v", err)
	}
	if prev != 50 {
		t.Errorf("expected 50 events, got %d", prev)
	}
}

func TestListEvents_NewestFirstWithFilters(t *testing.T) {
	s := New()
	appendSeq(t, s, models.EventLoginFailure)
	appendSeq(t, s, models.EventLoginSuccess)
	appendSeq(t, s, models.EventLoginFailure)

	events, err := s.ListEvents(context.Background(), store.EventFilter{Types: []models.EventType{models.EventLoginFailure}})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Sequence != 3 || events[1].Sequence != 1 {
		t.Errorf("expected newest first, got %d,%d", events[0].Sequence, events[1].Sequence)
	}

	limited, _ := s.ListEvents(context.Background(), store.EventFilter{Limit: 1, Offset: 1})
	if len(limited) != 1 || limited[0].Sequence != 2 {
		t.Errorf("offset/limit not applied: %+v", limited)
	}
}

func TestReturnedEventsAreCopies(t *testing.T) {
	s := New()
	ev := appendSeq(t, s, models.EventLogout)
	got, _ := s.GetEvent(context.Background(), ev.ID)
	got.Message = "mutated"
	again, _ := s.GetEvent(context.Background(), ev.ID)
	if again.Message == "mutated" {
		t.Error("store leaked internal pointer")
	}
}

// =============================================================================
// Login Attempt Tests
// =============================================================================

func TestLoginAttemptsFilterAndRetention(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	_ = s.RecordLoginAttempt(ctx, &models.LoginAttempt{ID: "1", Username: "anna", IPAddress: "10.0.0.1", Timestamp: now.Add(-2 * time.Hour)})
	_ = s.RecordLoginAttempt(ctx, &models.LoginAttempt{ID: "2", Username: "anna", IPAddress: "10.0.0.1", Success: true, Timestamp: now})
	_ = s.RecordLoginAttempt(ctx, &models.LoginAttempt{ID: "3", Username: "ben", IPAddress: "10.0.0.2", Timestamp: now})

	failed := false
	got, _ := s.ListLoginAttempts(ctx, store.AttemptFilter{Username: "anna", Success: &failed})
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("expected only attempt 1, got %+v", got)
	}

	removed, err := s.DeleteLoginAttemptsBefore(ctx, now.Add(-time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d (%v)", removed, err)
	}
	all, _ := s.ListLoginAttempts(ctx, store.AttemptFilter{})
	if len(all) != 2 {
		t.Errorf("expected 2 remaining, got %d", len(all))
	}
}

// =============================================================================
// Alert Tests
// =============================================================================

func TestFindActiveAlertIgnoresTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	_ = s.CreateAlert(ctx, &models.Alert{ID: "old", Fingerprint: "fp", Status: models.AlertResolved, LastSeen: now})
	if _, err := s.FindActiveAlert(ctx, "fp"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for resolved alert, got %v", err)
	}
	_ = s.CreateAlert(ctx, &models.Alert{ID: "new", Fingerprint: "fp", Status: models.AlertOpen, LastSeen: now})
	a, err := s.FindActiveAlert(ctx, "fp")
	if err != nil || a.ID != "new" {
		t.Fatalf("expected active alert, got %v (%v)", a, err)
	}
}

func TestUpdateAlertMissing(t *testing.T) {
	s := New()
	if err := s.UpdateAlert(context.Background(), &models.Alert{ID: "nope"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
