package coordinator_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/swarmkit/coordination/coordinator"
	"github.com/swarmkit/coordination/store/sqlite"
	"github.com/swarmkit/coordination/tracker"
)

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	adapter, err := sqlite.Open(filepath.Join(t.TempDir(), "coordinator.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	coord := coordinator.New(adapter, coordinator.Config{})
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return coord
}

func intPtr(n int) *int { return &n }

func TestInitializeIsIdempotent(t *testing.T) {
	coord := newTestCoordinator(t)
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("second initialize failed: %v", err)
	}
}

func TestGetNextWorkThenCompleteWorkUnblocksDependents(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()

	blocker, err := coord.Tracker.CreateIssue(ctx, tracker.CreateIssueInput{Description: "blocker", Priority: intPtr(0)})
	if err != nil {
		t.Fatalf("create blocker: %v", err)
	}
	target, err := coord.Tracker.CreateIssue(ctx, tracker.CreateIssueInput{Description: "target", Priority: intPtr(0)})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	if err := coord.Tracker.AddDependency(ctx, blocker.ID, target.ID, tracker.DependencyBlocks); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	work, err := coord.GetNextWork(ctx, "agent-1", nil)
	if err != nil {
		t.Fatalf("get next work: %v", err)
	}
	if work == nil || !work.Claimed || work.Issue.ID != blocker.ID {
		t.Fatalf("expected to claim blocker, got %+v", work)
	}

	targets, err := coord.CompleteWork(ctx, blocker.ID, "agent-1", tracker.ResultSuccess, "done")
	if err != nil {
		t.Fatalf("complete work: %v", err)
	}
	if len(targets) != 1 || targets[0] != target.ID {
		t.Fatalf("expected blocking targets [%s], got %v", target.ID, targets)
	}

	got, err := coord.Tracker.GetIssue(ctx, target.ID)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if got.Status != tracker.StatusOpen {
		t.Fatalf("expected target open after completion, got %s", got.Status)
	}

	finishedBlocker, err := coord.Tracker.GetIssue(ctx, blocker.ID)
	if err != nil {
		t.Fatalf("get blocker: %v", err)
	}
	if finishedBlocker.Status != tracker.StatusDone {
		t.Fatalf("expected blocker done after completeWork, got %s", finishedBlocker.Status)
	}

	if _, err := coord.Claims.GetClaim(ctx, blocker.ID); err == nil {
		t.Fatal("expected claim to be released after completeWork")
	}
}

func TestRunHealthCheckDelegatesToEthos(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx := context.Background()

	result, err := coord.RunHealthCheck(ctx)
	if err != nil {
		t.Fatalf("run health check: %v", err)
	}
	if result.Metrics.Coherence != 1 {
		t.Fatalf("expected coherence 1 on empty graph, got %v", result.Metrics.Coherence)
	}
}
