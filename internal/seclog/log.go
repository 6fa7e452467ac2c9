// Package seclog maintains the hash-chained, tamper-evident security log.
package seclog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/observability"
	"github.com/einsatzlog/etbguard/internal/store"
)

var tracer = otel.Tracer("etbguard/seclog")

// ErrInvalidEvent is returned for events that cannot be appended.
var ErrInvalidEvent = errors.New("invalid security event")

// Observer is notified after every successful append.
type Observer interface {
	OnEvent(ctx context.Context, ev *models.SecurityEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev *models.SecurityEvent)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(ctx context.Context, ev *models.SecurityEvent) { f(ctx, ev) }

// Logger appends events to the chain and verifies it.
type Logger struct {
	store   store.EventStore
	hasher  *Hasher
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

// Option configures a Logger.
type Option func(*Logger)

// WithMetrics records append and verification metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// New creates a security log on top of an event store.
func New(s store.EventStore, hasher *Hasher, logger *zap.Logger, opts ...Option) *Logger {
	if hasher == nil {
		hasher = NewHasher(nil)
	}
	l := &Logger{
		store:  s,
		hasher: hasher,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers an observer for appended events.
func (l *Logger) Subscribe(o Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
}

// Log appends ev to the chain. ID, timestamp, severity, sequence and hashes are filled
// in; the stored event is returned.
func (l *Logger) Log(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error) {
	if ev == nil || ev.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}

	ctx, span := tracer.Start(ctx, "seclog.Log")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", string(ev.Type)))

	details, err := normalizeDetails(ev.Details)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: details: %v", ErrInvalidEvent, err)
	}

	start := time.Now()
	stored, err := l.store.AppendEvent(ctx, func(last *models.SecurityEvent) (*models.SecurityEvent, error) {
		next := *ev
		next.Details = details
		if next.ID == "" {
			next.ID = uuid.NewString()
		}
		if next.Timestamp.IsZero() {
			next.Timestamp = l.now()
		}
		// Stores keep microseconds at most.
		next.Timestamp = next.Timestamp.UTC().Truncate(time.Microsecond)
		if next.Severity == "" {
			next.Severity = models.SeverityInfo
		}

		next.Sequence = 1
		next.PreviousHash = GenesisHash
		if last != nil {
			next.Sequence = last.Sequence + 1
			next.PreviousHash = last.Hash
		}

		sum, err := l.hasher.Sum(&next)
		if err != nil {
			return nil, err
		}
		next.Hash = sum
		return &next, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, fmt.Errorf("append security event: %w", err)
	}

	span.SetAttributes(attribute.Int64("event.sequence", stored.Sequence))
	l.metrics.ObserveAppend(string(stored.Type), string(stored.Severity), stored.Sequence, time.Since(start))
	l.logger.Debug("Security event appended",
		zap.Int64("sequence", stored.Sequence),
		zap.String("type", string(stored.Type)),
		zap.String("severity", string(stored.Severity)),
	)

	l.mu.RLock()
	observers := append([]Observer(nil), l.observers...)
	l.mu.RUnlock()
	for _, o := range observers {
		o.OnEvent(ctx, stored)
	}

	return stored, nil
}

// Head returns the newest entry, or nil for an empty chain.
func (l *Logger) Head(ctx context.Context) (*models.SecurityEvent, error) {
	return l.store.LastEvent(ctx)
}
