// Package reputation looks up IP addresses in threat intelligence sources.
package reputation

import (
	"context"
	"errors"
	"net"
	"sort"
	"time"
)

// Result is the reputation of one address.
type Result struct {
	IP         string    `json:"ip"`
	Malicious  bool      `json:"malicious"`
	PulseCount int       `json:"pulse_count"`
	Confidence float64   `json:"confidence"`
	Tags       []string  `json:"tags,omitempty"`
	Source     string    `json:"source"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Checker looks up IP reputation. A nil result with nil error means the
// address was not checked (for example a private address).
type Checker interface {
	Lookup(ctx context.Context, ip string) (*Result, error)
}

// IsPublic reports whether ip is a routable public address worth looking up.
func IsPublic(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return !(parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() ||
		parsed.IsLinkLocalMulticast() || parsed.IsUnspecified() || parsed.IsMulticast())
}

// Multi queries several checkers and merges their answers. An address is
// malicious if any source says so; a provider error only fails the lookup
// when no provider answered.
type Multi struct {
	checkers []Checker
}

var _ Checker = (*Multi)(nil)

// NewMulti combines checkers. Nil entries are ignored.
func NewMulti(checkers ...Checker) *Multi {
	m := &Multi{}
	for _, c := range checkers {
		if c != nil {
			m.checkers = append(m.checkers, c)
		}
	}
	return m
}

// Len returns the number of combined checkers.
func (m *Multi) Len() int { return len(m.checkers) }

// Lookup implements Checker.
func (m *Multi) Lookup(ctx context.Context, ip string) (*Result, error) {
	var (
		merged *Result
		errs   []error
	)
	tags := map[string]struct{}{}
	for _, c := range m.checkers {
		res, err := c.Lookup(ctx, ip)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res == nil {
			continue
		}
		if merged == nil {
			cp := *res
			cp.Tags = nil
			merged = &cp
		} else {
			merged.Source += "," + res.Source
			merged.PulseCount += res.PulseCount
			merged.Malicious = merged.Malicious || res.Malicious
			if res.Confidence > merged.Confidence {
				merged.Confidence = res.Confidence
			}
			if res.CheckedAt.After(merged.CheckedAt) {
				merged.CheckedAt = res.CheckedAt
			}
		}
		for _, t := range res.Tags {
			tags[t] = struct{}{}
		}
	}
	if merged == nil {
		return nil, errors.Join(errs...)
	}
	for t := range tags {
		merged.Tags = append(merged.Tags, t)
	}
	sort.Strings(merged.Tags)
	return merged, nil
}

// startCleanup runs cache eviction every interval until ctx is done.
func startCleanup(ctx context.Context, cache *resultCache, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cache.cleanup()
			}
		}
	}()
}
