package tracker_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/swarmkit/coordination/coorderr"
	"github.com/swarmkit/coordination/store"
	"github.com/swarmkit/coordination/store/sqlite"
	"github.com/swarmkit/coordination/tracker"
)

func newTestTracker(t *testing.T) (*tracker.Tracker, store.Adapter) {
	t.Helper()
	adapter, err := sqlite.Open(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	if err := store.Bootstrap(context.Background(), adapter); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return tracker.New(adapter, nil), adapter
}

func intPtr(n int) *int { return &n }

func TestCreateIssueDefaultsPriorityWhenNil(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	iss, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "no priority given"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if iss.Priority != tracker.DefaultPriority {
		t.Fatalf("expected default priority %d, got %d", tracker.DefaultPriority, iss.Priority)
	}

	zero, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "explicit zero", Priority: intPtr(0)})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if zero.Priority != 0 {
		t.Fatalf("expected explicit priority 0 to be preserved, got %d", zero.Priority)
	}
}

func TestCreateIssueRejectsOutOfRangePriority(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "bad", Priority: intPtr(5)})
	if err == nil {
		t.Fatal("expected error for priority out of range")
	}
}

func TestReadyFilterOrdersByPriorityThenAge(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	i1, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "I1", Priority: intPtr(0)})
	if err != nil {
		t.Fatalf("create i1: %v", err)
	}
	i2, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "I2", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create i2: %v", err)
	}
	i3, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "I3", Priority: intPtr(1)})
	if err != nil {
		t.Fatalf("create i3: %v", err)
	}

	ready, err := trk.GetReadyIssues(ctx, 10)
	if err != nil {
		t.Fatalf("get ready issues: %v", err)
	}
	if len(ready) != 3 {
		t.Fatalf("expected 3 ready issues, got %d", len(ready))
	}
	want := []string{i1.ID, i3.ID, i2.ID}
	for idx, id := range want {
		if ready[idx].ID != id {
			t.Errorf("position %d: want %s, got %s", idx, id, ready[idx].ID)
		}
	}
}

func TestBlockThenUnblockViaOutcome(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	blocker, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "blocker", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create blocker: %v", err)
	}
	target, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "target", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}

	if err := trk.AddDependency(ctx, blocker.ID, target.ID, tracker.DependencyBlocks); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	got, err := trk.GetIssue(ctx, target.ID)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if got.Status != tracker.StatusBlocked {
		t.Fatalf("expected target blocked, got %s", got.Status)
	}

	if _, err := trk.RecordOutcome(ctx, blocker.ID, "agent-x", tracker.ResultSuccess, "", nil); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	got, err = trk.GetIssue(ctx, target.ID)
	if err != nil {
		t.Fatalf("get target after outcome: %v", err)
	}
	if got.Status != tracker.StatusOpen {
		t.Fatalf("expected target open after blocker resolved, got %s", got.Status)
	}

	ready, err := trk.GetReadyIssues(ctx, 10)
	if err != nil {
		t.Fatalf("get ready issues: %v", err)
	}
	found := false
	for _, iss := range ready {
		if iss.ID == target.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected target in ready pool after unblock")
	}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	a, _ := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "a", Priority: intPtr(2)})
	b, _ := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "b", Priority: intPtr(2)})

	if err := trk.AddDependency(ctx, a.ID, b.ID, tracker.DependencyBlocks); err != nil {
		t.Fatalf("add a->b: %v", err)
	}
	err := trk.AddDependency(ctx, b.ID, a.ID, tracker.DependencyBlocks)
	if err == nil {
		t.Fatal("expected cycle rejection for b->a")
	}
	if !errors.Is(err, coorderr.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestResolvedAtSetIffTerminal(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	iss, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "x", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if iss.ResolvedAt != nil {
		t.Fatal("new issue should not have resolved_at set")
	}

	done := tracker.StatusDone
	updated, err := trk.UpdateIssue(ctx, iss.ID, tracker.IssuePatch{Status: &done})
	if err != nil {
		t.Fatalf("update issue: %v", err)
	}
	if updated.ResolvedAt == nil {
		t.Fatal("done issue should have resolved_at set")
	}

	open := tracker.StatusOpen
	updated, err = trk.UpdateIssue(ctx, iss.ID, tracker.IssuePatch{Status: &open})
	if err != nil {
		t.Fatalf("reopen issue: %v", err)
	}
	if updated.ResolvedAt != nil {
		t.Fatal("reopened issue should clear resolved_at")
	}
}

func TestSecondOutcomeOnTerminalIssueAccepted(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	iss, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "x", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if _, err := trk.RecordOutcome(ctx, iss.ID, "a1", tracker.ResultSuccess, "", nil); err != nil {
		t.Fatalf("first outcome: %v", err)
	}
	if _, err := trk.RecordOutcome(ctx, iss.ID, "a2", tracker.ResultFailure, "retry", nil); err != nil {
		t.Fatalf("second outcome should be accepted: %v", err)
	}

	got, err := trk.GetIssue(ctx, iss.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Status != tracker.StatusDone {
		t.Fatalf("expected status to remain done, got %s", got.Status)
	}
}
