package router_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/swarmkit/coordination/claims"
	"github.com/swarmkit/coordination/priority"
	"github.com/swarmkit/coordination/router"
	"github.com/swarmkit/coordination/store"
	"github.com/swarmkit/coordination/store/sqlite"
	"github.com/swarmkit/coordination/tracker"
)

func newTestRouter(t *testing.T) (*router.Router, *tracker.Tracker, *claims.Claims) {
	t.Helper()
	adapter, err := sqlite.Open(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	if err := store.Bootstrap(context.Background(), adapter); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	trk := tracker.New(adapter, nil)
	cl := claims.New(adapter, trk, nil)
	pri := priority.New(adapter, trk)
	return router.New(adapter, pri, cl), trk, cl
}

func intPtr(n int) *int { return &n }

func TestGetNextForRoutesByCapability(t *testing.T) {
	rtr, trk, cl := newTestRouter(t)
	ctx := context.Background()

	if _, err := cl.RegisterAgent(ctx, "A", []string{"io"}, nil); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if _, err := cl.RegisterAgent(ctx, "B", []string{"crypto"}, nil); err != nil {
		t.Fatalf("register B: %v", err)
	}

	ioIssue, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "io work", Priority: intPtr(2), Labels: []string{"io"}})
	if err != nil {
		t.Fatalf("create io issue: %v", err)
	}
	cryptoIssue, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "crypto work", Priority: intPtr(2), Labels: []string{"crypto"}})
	if err != nil {
		t.Fatalf("create crypto issue: %v", err)
	}

	gotA, err := rtr.GetNextFor(ctx, "A", router.NextOptions{})
	if err != nil {
		t.Fatalf("get next for A: %v", err)
	}
	if gotA == nil || gotA.ID != ioIssue.ID {
		t.Fatalf("expected A routed to io issue, got %+v", gotA)
	}

	gotB, err := rtr.GetNextFor(ctx, "B", router.NextOptions{})
	if err != nil {
		t.Fatalf("get next for B: %v", err)
	}
	if gotB == nil || gotB.ID != cryptoIssue.ID {
		t.Fatalf("expected B routed to crypto issue, got %+v", gotB)
	}
}

func TestGetNextForReturnsNilWhenAtConcurrencyLimit(t *testing.T) {
	rtr, trk, cl := newTestRouter(t)
	ctx := context.Background()

	if _, err := cl.RegisterAgent(ctx, "A", nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	iss, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "x", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if ok, err := cl.Claim(ctx, iss.ID, "A", claims.DefaultClaimTTL); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	got, err := rtr.GetNextFor(ctx, "A", router.NextOptions{MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("get next for A: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil at concurrency limit, got %+v", got)
	}
}

func TestGetBestAgentForPrefersIdleOverLoaded(t *testing.T) {
	rtr, trk, cl := newTestRouter(t)
	ctx := context.Background()

	if _, err := cl.RegisterAgent(ctx, "busy", nil, nil); err != nil {
		t.Fatalf("register busy: %v", err)
	}
	if _, err := cl.RegisterAgent(ctx, "idle", nil, nil); err != nil {
		t.Fatalf("register idle: %v", err)
	}

	other, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "other", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create other issue: %v", err)
	}
	if ok, err := cl.Claim(ctx, other.ID, "busy", claims.DefaultClaimTTL); err != nil || !ok {
		t.Fatalf("claim other: %v %v", ok, err)
	}

	target, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "target", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}

	best, err := rtr.GetBestAgentFor(ctx, target.ID)
	if err != nil {
		t.Fatalf("get best agent: %v", err)
	}
	if best == nil || best.AgentID != "idle" {
		t.Fatalf("expected idle agent to win, got %+v", best)
	}
}
