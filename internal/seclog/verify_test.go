package seclog

import (
	"context"
	"testing"

	"github.com/einsatzlog/etbguard/internal/models"
)

func hasIssue(r *VerificationReport, kind IssueKind, seq int64) bool {
	for _, is := range r.Issues {
		if is.Kind == kind && is.Sequence == seq {
			return true
		}
	}
	return false
}

// =============================================================================
// Verification Tests
// =============================================================================

// TestVerify_EmptyChain verifies an empty chain is valid.
func TestVerify_EmptyChain(t *testing.T) {
	l, _ := newTestLogger(t, nil)
	report, err := l.Verify(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !report.Valid || report.CheckedEvents != 0 {
		t.Errorf("empty chain report = %+v", report)
	}
}

// TestVerify_IntactChain verifies an untouched chain passes.
func TestVerify_IntactChain(t *testing.T) {
	l, _ := newTestLogger(t, nil)
	events := appendN(t, l, 5)

	report, err := l.Verify(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !report.Valid {
		t.Fatalf("intact chain reported invalid: %+v", report.Issues)
	}
	if report.CheckedEvents != 5 || report.FirstSequence != 1 || report.LastSequence != 5 {
		t.Errorf("report range = %d..%d (%d), want 1..5 (5)",
			report.FirstSequence, report.LastSequence, report.CheckedEvents)
	}
	if report.HeadHash != events[4].Hash {
		t.Error("head hash should be the last event's hash")
	}
}

// TestVerify_PartialRange verifies a sub-range is seeded from its predecessor.
func TestVerify_PartialRange(t *testing.T) {
	l, _ := newTestLogger(t, nil)
	appendN(t, l, 6)

	report, err := l.Verify(context.Background(), 3, 5)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !report.Valid || report.CheckedEvents != 3 {
		t.Errorf("partial report = valid:%v checked:%d", report.Valid, report.CheckedEvents)
	}
}

// TestVerify_InvalidRange verifies to < from is rejected.
func TestVerify_InvalidRange(t *testing.T) {
	l, _ := newTestLogger(t, nil)
	if _, err := l.Verify(context.Background(), 5, 2); err == nil {
		t.Error("Verify should reject to < from")
	}
}

// =============================================================================
// Tamper Detection Tests
// =============================================================================

// TestVerify_ModifiedField verifies content changes are detected.
func TestVerify_ModifiedField(t *testing.T) {
	l, s := newTestLogger(t, nil)
	events := appendN(t, l, 4)

	tampered := *events[1]
	tampered.Username = "mallory"
	if err := s.ReplaceEvent(&tampered); err != nil {
		t.Fatalf("ReplaceEvent failed: %v", err)
	}

	report, _ := l.Verify(context.Background(), 0, 0)
	if report.Valid {
		t.Fatal("modified chain should be invalid")
	}
	if !hasIssue(report, IssueHashMismatch, 2) {
		t.Errorf("expected hash_mismatch at 2, got %+v", report.Issues)
	}
}

// TestVerify_RecomputedHash verifies a recomputed entry still breaks the next link.
func TestVerify_RecomputedHash(t *testing.T) {
	l, s := newTestLogger(t, nil)
	events := appendN(t, l, 4)

	tampered := *events[1]
	tampered.Message = "nothing to see"
	tampered.Hash, _ = NewHasher(nil).Sum(&tampered)
	if err := s.ReplaceEvent(&tampered); err != nil {
		t.Fatalf("ReplaceEvent failed: %v", err)
	}

	report, _ := l.Verify(context.Background(), 0, 0)
	if report.Valid {
		t.Fatal("recomputed entry should be detected")
	}
	if !hasIssue(report, IssueBrokenLink, 3) {
		t.Errorf("expected broken_link at 3, got %+v", report.Issues)
	}
}

// TestVerify_DeletedEvent verifies deletions show up as gaps and broken links.
func TestVerify_DeletedEvent(t *testing.T) {
	l, s := newTestLogger(t, nil)
	appendN(t, l, 5)

	if err := s.DeleteEvent(3); err != nil {
		t.Fatalf("DeleteEvent failed: %v", err)
	}

	report, _ := l.Verify(context.Background(), 0, 0)
	if report.Valid {
		t.Fatal("chain with deletion should be invalid")
	}
	if !hasIssue(report, IssueSequenceGap, 4) {
		t.Errorf("expected sequence_gap at 4, got %+v", report.Issues)
	}
	if !hasIssue(report, IssueBrokenLink, 4) {
		t.Errorf("expected broken_link at 4, got %+v", report.Issues)
	}
}

// TestVerify_Reordered verifies swapped entries are detected.
func TestVerify_Reordered(t *testing.T) {
	l, s := newTestLogger(t, nil)
	events := appendN(t, l, 4)

	a, b := *events[1], *events[2]
	a.Sequence, b.Sequence = 3, 2
	if err := s.ReplaceEvent(&a); err != nil {
		t.Fatalf("ReplaceEvent failed: %v", err)
	}
	if err := s.ReplaceEvent(&b); err != nil {
		t.Fatalf("ReplaceEvent failed: %v", err)
	}

	report, _ := l.Verify(context.Background(), 0, 0)
	if report.Valid {
		t.Fatal("reordered chain should be invalid")
	}
	if !hasIssue(report, IssueHashMismatch, 2) || !hasIssue(report, IssueHashMismatch, 3) {
		t.Errorf("expected hash mismatches at 2 and 3, got %+v", report.Issues)
	}
}

// TestVerify_MissingPredecessor verifies a range whose predecessor was deleted.
func TestVerify_MissingPredecessor(t *testing.T) {
	l, s := newTestLogger(t, nil)
	appendN(t, l, 5)
	if err := s.DeleteEvent(2); err != nil {
		t.Fatalf("DeleteEvent failed: %v", err)
	}

	report, _ := l.Verify(context.Background(), 3, 0)
	if report.Valid {
		t.Fatal("missing predecessor should invalidate the range")
	}
	if !hasIssue(report, IssueSequenceGap, 2) {
		t.Errorf("expected sequence_gap at 2, got %+v", report.Issues)
	}
}

// TestVerify_ForgedWithoutKey verifies a keyed chain rejects entries rehashed without the key.
func TestVerify_ForgedWithoutKey(t *testing.T) {
	l, s := newTestLogger(t, []byte("secret"))
	events := appendN(t, l, 3)

	// Rewrite the whole tail with plain SHA-256, keeping links consistent.
	prev := events[0].Hash
	for _, ev := range events[1:] {
		forged := *ev
		forged.Severity = models.SeverityInfo
		forged.PreviousHash = prev
		forged.Hash, _ = NewHasher(nil).Sum(&forged)
		if err := s.ReplaceEvent(&forged); err != nil {
			t.Fatalf("ReplaceEvent failed: %v", err)
		}
		prev = forged.Hash
	}

	report, _ := l.Verify(context.Background(), 0, 0)
	if report.Valid {
		t.Fatal("forged entries should fail keyed verification")
	}
	if !hasIssue(report, IssueHashMismatch, 2) {
		t.Errorf("expected hash_mismatch at 2, got %+v", report.Issues)
	}
}
