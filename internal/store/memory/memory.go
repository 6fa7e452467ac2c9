// Package memory provides an in-process Store used for tests and single-node setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/store"
)

// Store keeps everything in memory behind a single RWMutex.
type Store struct {
	mu           sync.RWMutex
	appendMu     sync.Mutex
	events       []*models.SecurityEvent
	eventsByID   map[string]int
	attempts     []*models.LoginAttempt
	alerts       map[string]*models.Alert
	correlations map[string]*models.Correlation
}

// New creates an empty store.
func New() *Store {
	return &Store{
		eventsByID:   make(map[string]int),
		alerts:       make(map[string]*models.Alert),
		correlations: make(map[string]*models.Correlation),
	}
}

var _ store.Store = (*Store)(nil)

// AppendEvent implements store.EventStore.
func (s *Store) AppendEvent(ctx context.Context, build store.BuildFunc) (*models.SecurityEvent, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var last *models.SecurityEvent
	if n := len(s.events); n > 0 {
		last = cloneEvent(s.events[n-1])
	}
	s.mu.RUnlock()

	ev, err := build(last)
	if err != nil {
		return nil, err
	}

	expected := int64(1)
	if last != nil {
		expected = last.Sequence + 1
	}
	if ev.Sequence != expected {
		return nil, fmt.Errorf("%w: got %d, want %d", store.ErrSequenceConflict, ev.Sequence, expected)
	}

	s.mu.Lock()
	s.events = append(s.events, cloneEvent(ev))
	s.eventsByID[ev.ID] = len(s.events) - 1
	s.mu.Unlock()

	return ev, nil
}

// LastEvent implements store.EventStore.
func (s *Store) LastEvent(ctx context.Context) (*models.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil, nil
	}
	return cloneEvent(s.events[len(s.events)-1]), nil
}

// GetEvent implements store.EventStore.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.eventsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEvent(s.events[idx]), nil
}

// GetEventBySequence implements store.EventStore.
func (s *Store) GetEventBySequence(ctx context.Context, seq int64) (*models.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		if ev.Sequence == seq {
			return cloneEvent(ev), nil
		}
	}
	return nil, store.ErrNotFound
}

// ListEvents implements store.EventStore.
func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]*models.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SecurityEvent
	skipped := 0
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if !matchEvent(ev, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, cloneEvent(ev))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// WalkEvents implements store.EventStore.
func (s *Store) WalkEvents(ctx context.Context, from, to int64, fn func(*models.SecurityEvent) error) error {
	s.mu.RLock()
	snapshot := make([]*models.SecurityEvent, 0, len(s.events))
	for _, ev := range s.events {
		if ev.Sequence < from || (to > 0 && ev.Sequence > to) {
			continue
		}
		snapshot = append(snapshot, cloneEvent(ev))
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Sequence < snapshot[j].Sequence })
	for _, ev := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceEvent overwrites a stored event in place. It exists so tests can simulate
// tampering with the underlying storage.
func (s *Store) ReplaceEvent(ev *models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.events {
		if cur.Sequence == ev.Sequence {
			s.events[i] = cloneEvent(ev)
			s.eventsByID[ev.ID] = i
			return nil
		}
	}
	return store.ErrNotFound
}

// DeleteEvent removes the event with the given sequence, again for tamper tests.
func (s *Store) DeleteEvent(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.events {
		if cur.Sequence == seq {
			s.events = append(s.events[:i], s.events[i+1:]...)
			s.eventsByID = make(map[string]int, len(s.events))
			for j, ev := range s.events {
				s.eventsByID[ev.ID] = j
			}
			return nil
		}
	}
	return store.ErrNotFound
}

// RecordLoginAttempt implements store.LoginAttemptStore.
func (s *Store) RecordLoginAttempt(ctx context.Context, a *models.LoginAttempt) error {
	cp := *a
	s.mu.Lock()
	s.attempts = append(s.attempts, &cp)
	s.mu.Unlock()
	return nil
}

// ListLoginAttempts implements store.LoginAttemptStore.
func (s *Store) ListLoginAttempts(ctx context.Context, f store.AttemptFilter) ([]*models.LoginAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.LoginAttempt, 0)
	for _, a := range s.attempts {
		if f.Username != "" && a.Username != f.Username {
			continue
		}
		if f.IPAddress != "" && a.IPAddress != f.IPAddress {
			continue
		}
		if f.Success != nil && a.Success != *f.Success {
			continue
		}
		if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && a.Timestamp.After(f.Until) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteLoginAttemptsBefore implements store.LoginAttemptStore.
func (s *Store) DeleteLoginAttemptsBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.attempts[:0]
	var removed int64
	for _, a := range s.attempts {
		if a.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.attempts = kept
	return removed, nil
}

// CreateAlert implements store.AlertStore.
func (s *Store) CreateAlert(ctx context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[a.ID]; exists {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	s.alerts[a.ID] = a.Clone()
	return nil
}

// UpdateAlert implements store.AlertStore.
func (s *Store) UpdateAlert(ctx context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[a.ID]; !exists {
		return store.ErrNotFound
	}
	s.alerts[a.ID] = a.Clone()
	return nil
}

// GetAlert implements store.AlertStore.
func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a.Clone(), nil
}

// FindActiveAlert implements store.AlertStore.
func (s *Store) FindActiveAlert(ctx context.Context, fingerprint string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Alert
	for _, a := range s.alerts {
		if a.Fingerprint != fingerprint || !a.Status.IsActive() {
			continue
		}
		if found == nil || a.LastSeen.After(found.LastSeen) {
			found = a
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found.Clone(), nil
}

// ListAlerts implements store.AlertStore.
func (s *Store) ListAlerts(ctx context.Context, f store.AlertFilter) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Alert, 0)
	for _, a := range s.alerts {
		if !matchAlert(a, f) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SaveCorrelation implements store.AlertStore.
func (s *Store) SaveCorrelation(ctx context.Context, c *models.Correlation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correlations[c.ID] = c.Clone()
	return nil
}

// GetCorrelation implements store.AlertStore.
func (s *Store) GetCorrelation(ctx context.Context, id string) (*models.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.correlations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

// ListCorrelations implements store.AlertStore.
func (s *Store) ListCorrelations(ctx context.Context, limit int) ([]*models.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Correlation, 0, len(s.correlations))
	for _, c := range s.correlations {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close implements store.Store.
func (s *Store) Close() error { return nil }

func matchEvent(ev *models.SecurityEvent, f store.EventFilter) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Username != "" && ev.Username != f.Username {
		return false
	}
	if f.IPAddress != "" && ev.IPAddress != f.IPAddress {
		return false
	}
	if f.MinSeverity != "" && !ev.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func matchAlert(a *models.Alert, f store.AlertFilter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if a.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if a.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinSeverity != "" && !a.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if f.IPAddress != "" && a.IPAddress != f.IPAddress {
		return false
	}
	if f.Username != "" && a.Username != f.Username {
		return false
	}
	if !f.Since.IsZero() && a.LastSeen.Before(f.Since) {
		return false
	}
	return true
}

func cloneEvent(ev *models.SecurityEvent) *models.SecurityEvent {
	if ev == nil {
		return nil
	}
	cp := *ev
	if ev.Details != nil {
		cp.Details = make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}
