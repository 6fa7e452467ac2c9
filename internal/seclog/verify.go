package seclog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/store"
)

// IssueKind classifies a verification failure.
type IssueKind string

const (
	IssueHashMismatch IssueKind = "hash_mismatch"
	IssueBrokenLink   IssueKind = "broken_link"
	IssueSequenceGap  IssueKind = "sequence_gap"
)

// maxIssues bounds the size of a report for badly damaged chains.
const maxIssues = 100

// Issue describes one integrity violation.
type Issue struct {
	Sequence int64     `json:"sequence"`
	EventID  string    `json:"event_id,omitempty"`
	Kind     IssueKind `json:"kind"`
	Expected string    `json:"expected,omitempty"`
	Actual   string    `json:"actual,omitempty"`
	Message  string    `json:"message"`
}

// VerificationReport is the result of walking a chain segment.
type VerificationReport struct {
	Valid         bool          `json:"valid"`
	CheckedEvents int64         `json:"checked_events"`
	FirstSequence int64         `json:"first_sequence"`
	LastSequence  int64         `json:"last_sequence"`
	HeadHash      string        `json:"head_hash"`
	Issues        []Issue       `json:"issues"`
	Truncated     bool          `json:"truncated,omitempty"`
	VerifiedAt    time.Time     `json:"verified_at"`
	Duration      time.Duration `json:"duration"`
}

func (r *VerificationReport) add(issue Issue) {
	r.Valid = false
	if len(r.Issues) >= maxIssues {
		r.Truncated = true
		return
	}
	r.Issues = append(r.Issues, issue)
}

// Verify walks sequences from..to (to of 0 means the head) and recomputes every hash
// and link. A from above 1 is seeded from the stored predecessor.
func (l *Logger) Verify(ctx context.Context, from, to int64) (*VerificationReport, error) {
	ctx, span := tracer.Start(ctx, "seclog.Verify")
	defer span.End()

	if from < 1 {
		from = 1
	}
	if to > 0 && to < from {
		return nil, fmt.Errorf("%w: range %d..%d", ErrInvalidEvent, from, to)
	}

	start := time.Now()
	report := &VerificationReport{
		Valid:      true,
		Issues:     []Issue{},
		VerifiedAt: l.now().UTC(),
	}

	prevHash := GenesisHash
	if from > 1 {
		prev, err := l.store.GetEventBySequence(ctx, from-1)
		switch {
		case errors.Is(err, store.ErrNotFound):
			prevHash = ""
			report.add(Issue{
				Sequence: from - 1,
				Kind:     IssueSequenceGap,
				Message:  fmt.Sprintf("predecessor %d of range is missing", from-1),
			})
		case err != nil:
			return nil, fmt.Errorf("load predecessor: %w", err)
		default:
			prevHash = prev.Hash
		}
	}

	expectedSeq := from
	err := l.store.WalkEvents(ctx, from, to, func(ev *models.SecurityEvent) error {
		if report.CheckedEvents == 0 {
			report.FirstSequence = ev.Sequence
		}
		report.CheckedEvents++
		report.LastSequence = ev.Sequence
		report.HeadHash = ev.Hash

		if ev.Sequence != expectedSeq {
			report.add(Issue{
				Sequence: ev.Sequence,
				EventID:  ev.ID,
				Kind:     IssueSequenceGap,
				Expected: fmt.Sprint(expectedSeq),
				Actual:   fmt.Sprint(ev.Sequence),
				Message:  fmt.Sprintf("expected sequence %d, found %d", expectedSeq, ev.Sequence),
			})
		}
		expectedSeq = ev.Sequence + 1

		if prevHash != "" && ev.PreviousHash != prevHash {
			report.add(Issue{
				Sequence: ev.Sequence,
				EventID:  ev.ID,
				Kind:     IssueBrokenLink,
				Expected: prevHash,
				Actual:   ev.PreviousHash,
				Message:  "previous hash does not match predecessor",
			})
		}
		prevHash = ev.Hash

		sum, err := l.hasher.Sum(ev)
		if err != nil {
			return fmt.Errorf("hash event %d: %w", ev.Sequence, err)
		}
		if sum != ev.Hash {
			report.add(Issue{
				Sequence: ev.Sequence,
				EventID:  ev.ID,
				Kind:     IssueHashMismatch,
				Expected: sum,
				Actual:   ev.Hash,
				Message:  "stored hash does not match content",
			})
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("walk chain: %w", err)
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Bool("chain.valid", report.Valid),
		attribute.Int64("chain.checked", report.CheckedEvents),
	)
	l.metrics.ObserveVerification(report.Valid)

	if !report.Valid {
		l.logger.Error("Security log integrity violation",
			zap.Int64("from", from),
			zap.Int64("to", to),
			zap.Int("issues", len(report.Issues)),
		)
	} else {
		l.logger.Info("Security log verified",
			zap.Int64("checked", report.CheckedEvents),
			zap.Duration("duration", report.Duration),
		)
	}

	return report, nil
}
