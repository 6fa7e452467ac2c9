// Package lockout tracks temporary IP blocks and account locks.
package lockout

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind distinguishes IP blocks from account locks.
type Kind string

const (
	KindIP      Kind = "ip"
	KindAccount Kind = "account"
)

// ErrInvalidTarget is returned for empty targets or non-positive durations.
var ErrInvalidTarget = errors.New("invalid lockout target")

// Lock is an active block or lock.
type Lock struct {
	Kind      Kind      `json:"kind"`
	Target    string    `json:"target"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager applies and queries lockouts.
type Manager interface {
	BlockIP(ctx context.Context, ip, reason string, d time.Duration) error
	UnblockIP(ctx context.Context, ip string) (bool, error)
	IsIPBlocked(ctx context.Context, ip string) (bool, error)
	LockAccount(ctx context.Context, username, reason string, d time.Duration) error
	UnlockAccount(ctx context.Context, username string) (bool, error)
	IsAccountLocked(ctx context.Context, username string) (bool, error)
	// List returns active lockouts ordered by expiry.
	List(ctx context.Context) ([]Lock, error)
}

// normalizeAccount folds usernames so locks cannot be dodged by case changes.
func normalizeAccount(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Memory is an in-process Manager.
type Memory struct {
	mu    sync.Mutex
	locks map[Kind]map[string]Lock
	now   func() time.Time
}

// NewMemory creates an empty in-memory manager.
func NewMemory() *Memory {
	return &Memory{
		locks: map[Kind]map[string]Lock{
			KindIP:      {},
			KindAccount: {},
		},
		now: time.Now,
	}
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) set(kind Kind, target, reason string, d time.Duration) error {
	if target == "" || d <= 0 {
		return ErrInvalidTarget
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expires := now.Add(d)
	if cur, ok := m.locks[kind][target]; ok && cur.ExpiresAt.After(expires) {
		// Never shorten an existing lock.
		expires = cur.ExpiresAt
	}
	m.locks[kind][target] = Lock{Kind: kind, Target: target, Reason: reason, CreatedAt: now, ExpiresAt: expires}
	return nil
}

func (m *Memory) remove(kind Kind, target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[kind][target]
	delete(m.locks[kind], target)
	return ok && cur.ExpiresAt.After(m.now())
}

func (m *Memory) active(kind Kind, target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[kind][target]
	if !ok {
		return false
	}
	if !cur.ExpiresAt.After(m.now()) {
		delete(m.locks[kind], target)
		return false
	}
	return true
}

// BlockIP implements Manager.
func (m *Memory) BlockIP(ctx context.Context, ip, reason string, d time.Duration) error {
	return m.set(KindIP, ip, reason, d)
}

// UnblockIP implements Manager.
func (m *Memory) UnblockIP(ctx context.Context, ip string) (bool, error) {
	return m.remove(KindIP, ip), nil
}

// IsIPBlocked implements Manager.
func (m *Memory) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	return m.active(KindIP, ip), nil
}

// LockAccount implements Manager.
func (m *Memory) LockAccount(ctx context.Context, username, reason string, d time.Duration) error {
	return m.set(KindAccount, normalizeAccount(username), reason, d)
}

// UnlockAccount implements Manager.
func (m *Memory) UnlockAccount(ctx context.Context, username string) (bool, error) {
	return m.remove(KindAccount, normalizeAccount(username)), nil
}

// IsAccountLocked implements Manager.
func (m *Memory) IsAccountLocked(ctx context.Context, username string) (bool, error) {
	return m.active(KindAccount, normalizeAccount(username)), nil
}

// List implements Manager.
func (m *Memory) List(ctx context.Context) ([]Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Lock, 0)
	for kind, byTarget := range m.locks {
		for target, l := range byTarget {
			if !l.ExpiresAt.After(now) {
				delete(m.locks[kind], target)
				continue
			}
			out = append(out, l)
		}
	}
	sortLocks(out)
	return out, nil
}

func sortLocks(locks []Lock) {
	sort.Slice(locks, func(i, j int) bool {
		if !locks[i].ExpiresAt.Equal(locks[j].ExpiresAt) {
			return locks[i].ExpiresAt.Before(locks[j].ExpiresAt)
		}
		return locks[i].Target < locks[j].Target
	})
}
