package priority_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/swarmkit/coordination/priority"
	"github.com/swarmkit/coordination/store"
	"github.com/swarmkit/coordination/store/sqlite"
	"github.com/swarmkit/coordination/tracker"
)

func newTestPriority(t *testing.T) (*priority.Priority, *tracker.Tracker) {
	t.Helper()
	adapter, err := sqlite.Open(filepath.Join(t.TempDir(), "priority.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	if err := store.Bootstrap(context.Background(), adapter); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	trk := tracker.New(adapter, nil)
	return priority.New(adapter, trk), trk
}

func intPtr(n int) *int { return &n }

func TestImpactOfIsolatedIssueIsZero(t *testing.T) {
	pri, trk := newTestPriority(t)
	ctx := context.Background()

	iss, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "lonely", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}

	impact, err := pri.Impact(ctx, iss.ID)
	if err != nil {
		t.Fatalf("impact: %v", err)
	}
	if impact != 0 {
		t.Fatalf("expected impact 0, got %d", impact)
	}
}

func TestScoreIsBoundedAndRounded(t *testing.T) {
	pri, trk := newTestPriority(t)
	ctx := context.Background()

	proj, err := trk.CreateProject(ctx, tracker.CreateProjectInput{Name: "p"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	_, err = trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "x", Priority: intPtr(0), ProjectID: &proj.ID})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}

	scored, err := pri.GetPrioritized(ctx, 10)
	if err != nil {
		t.Fatalf("get prioritized: %v", err)
	}
	if len(scored) != 1 {
		t.Fatalf("expected 1 scored issue, got %d", len(scored))
	}
	s := scored[0]
	if s.Score < 0 || s.Score > 1 {
		t.Fatalf("score out of [0,1]: %v", s.Score)
	}
	rounded := float64(int(s.Score*100+0.5)) / 100
	if s.Score != rounded {
		t.Fatalf("score %v not rounded to 2 decimals", s.Score)
	}
}

func TestCriticalPathLengthAtLeastOne(t *testing.T) {
	pri, trk := newTestPriority(t)
	ctx := context.Background()

	a, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "a", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "b", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if err := trk.AddDependency(ctx, a.ID, b.ID, tracker.DependencyBlocks); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	path, err := pri.GetCriticalPath(ctx)
	if err != nil {
		t.Fatalf("get critical path: %v", err)
	}
	if len(path) < 1 {
		t.Fatal("expected critical path length >= 1")
	}
}

func TestGetBottlenecksRanksByOutboundBlocks(t *testing.T) {
	pri, trk := newTestPriority(t)
	ctx := context.Background()

	hub, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "hub", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create hub: %v", err)
	}
	for i := 0; i < 3; i++ {
		target, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "t", Priority: intPtr(2)})
		if err != nil {
			t.Fatalf("create target: %v", err)
		}
		if err := trk.AddDependency(ctx, hub.ID, target.ID, tracker.DependencyBlocks); err != nil {
			t.Fatalf("add dependency: %v", err)
		}
	}

	bottlenecks, err := pri.GetBottlenecks(ctx, 5)
	if err != nil {
		t.Fatalf("get bottlenecks: %v", err)
	}
	if len(bottlenecks) == 0 {
		t.Fatal("expected at least one bottleneck")
	}
	if bottlenecks[0].Issue.ID != hub.ID {
		t.Fatalf("expected hub to rank first, got %s", bottlenecks[0].Issue.ID)
	}
	if bottlenecks[0].BlockedCount != 3 {
		t.Fatalf("expected blocked count 3, got %d", bottlenecks[0].BlockedCount)
	}
}
