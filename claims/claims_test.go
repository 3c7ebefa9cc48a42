package claims_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/swarmkit/coordination/claims"
	"github.com/swarmkit/coordination/store"
	"github.com/swarmkit/coordination/store/sqlite"
	"github.com/swarmkit/coordination/tracker"
)

func newTestClaims(t *testing.T) (*claims.Claims, *tracker.Tracker) {
	t.Helper()
	adapter, err := sqlite.Open(filepath.Join(t.TempDir(), "claims.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	if err := store.Bootstrap(context.Background(), adapter); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	trk := tracker.New(adapter, nil)
	return claims.New(adapter, trk, nil), trk
}

func intPtr(n int) *int { return &n }

func TestRegisterAgentIsIdempotent(t *testing.T) {
	cl, _ := newTestClaims(t)
	ctx := context.Background()

	if _, err := cl.RegisterAgent(ctx, "a1", []string{"io"}, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := cl.RegisterAgent(ctx, "a1", []string{"io"}, nil); err != nil {
		t.Fatalf("second register: %v", err)
	}

	got, err := cl.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != claims.AgentActive {
		t.Fatalf("expected active status, got %s", got.Status)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	cl, trk := newTestClaims(t)
	ctx := context.Background()

	iss, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "x", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if _, err := cl.RegisterAgent(ctx, "a1", nil, nil); err != nil {
		t.Fatalf("register a1: %v", err)
	}
	if _, err := cl.RegisterAgent(ctx, "a2", nil, nil); err != nil {
		t.Fatalf("register a2: %v", err)
	}

	wonA, err := cl.Claim(ctx, iss.ID, "a1", time.Minute)
	if err != nil {
		t.Fatalf("claim a1: %v", err)
	}
	wonB, err := cl.Claim(ctx, iss.ID, "a2", time.Minute)
	if err != nil {
		t.Fatalf("claim a2: %v", err)
	}
	if !wonA || wonB {
		t.Fatalf("expected exactly one winner, got a1=%v a2=%v", wonA, wonB)
	}

	got, err := cl.GetClaim(ctx, iss.ID)
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	if got.AgentID != "a1" {
		t.Fatalf("expected a1 to hold claim, got %s", got.AgentID)
	}

	issue, err := trk.GetIssue(ctx, iss.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if issue.Status != tracker.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", issue.Status)
	}
}

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	cl, trk := newTestClaims(t)
	ctx := context.Background()

	iss, err := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "x", Priority: intPtr(2)})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}

	const agentCount = 8
	agentIDs := make([]string, agentCount)
	for i := range agentIDs {
		agentIDs[i] = fmt.Sprintf("agent-%d", i)
		if _, err := cl.RegisterAgent(ctx, agentIDs[i], nil, nil); err != nil {
			t.Fatalf("register %s: %v", agentIDs[i], err)
		}
	}

	var (
		start   sync.WaitGroup
		done    sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	start.Add(1)
	for _, agentID := range agentIDs {
		done.Add(1)
		go func(agentID string) {
			defer done.Done()
			start.Wait()
			won, err := cl.Claim(ctx, iss.ID, agentID, time.Minute)
			if err != nil {
				t.Errorf("claim from %s: %v", agentID, err)
				return
			}
			if won {
				mu.Lock()
				winners = append(winners, agentID)
				mu.Unlock()
			}
		}(agentID)
	}
	start.Done()
	done.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner under contention, got %v", winners)
	}

	got, err := cl.GetClaim(ctx, iss.ID)
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	if got.AgentID != winners[0] {
		t.Fatalf("expected claim held by %s, got %s", winners[0], got.AgentID)
	}
}

func TestClaimIsIdempotentForHolder(t *testing.T) {
	cl, trk := newTestClaims(t)
	ctx := context.Background()

	iss, _ := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "x", Priority: intPtr(2)})
	if _, err := cl.RegisterAgent(ctx, "a1", nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := cl.Claim(ctx, iss.ID, "a1", time.Minute)
	if err != nil || !first {
		t.Fatalf("first claim: %v %v", first, err)
	}
	second, err := cl.Claim(ctx, iss.ID, "a1", time.Minute)
	if err != nil || !second {
		t.Fatalf("second claim: %v %v", second, err)
	}
}

func TestTTLReclaim(t *testing.T) {
	cl, trk := newTestClaims(t)
	ctx := context.Background()

	iss, _ := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "x", Priority: intPtr(2)})
	if _, err := cl.RegisterAgent(ctx, "a1", nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := cl.Claim(ctx, iss.ID, "a1", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// expires_at is stored in whole unix seconds and reclaim needs it to
	// be strictly in the past, so wait past the next second boundary.
	time.Sleep(2100 * time.Millisecond)

	reclaimed, err := cl.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != iss.ID {
		t.Fatalf("expected [%s] reclaimed, got %+v", iss.ID, reclaimed)
	}

	got, err := trk.GetIssue(ctx, iss.ID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.Status != tracker.StatusOpen {
		t.Fatalf("expected open after reclaim, got %s", got.Status)
	}

	agent, err := cl.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != claims.AgentDead {
		t.Fatalf("expected dead agent, got %s", agent.Status)
	}

	broadcasts, err := cl.ListBroadcasts(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list broadcasts: %v", err)
	}
	found := false
	for _, b := range broadcasts {
		if b.EventType == claims.EventReleased && b.Payload["reason"] == "expired" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a released broadcast with reason=expired")
	}
}

func TestReleaseWithoutHoldingIsNoOp(t *testing.T) {
	cl, trk := newTestClaims(t)
	ctx := context.Background()

	iss, _ := trk.CreateIssue(ctx, tracker.CreateIssueInput{Description: "x", Priority: intPtr(2)})
	if err := cl.Release(ctx, iss.ID, "nobody"); err != nil {
		t.Fatalf("expected no-op release, got error: %v", err)
	}
}

func TestHeartbeatOnUnknownAgentIsNoOp(t *testing.T) {
	cl, _ := newTestClaims(t)
	ctx := context.Background()

	if err := cl.Heartbeat(ctx, "ghost"); err != nil {
		t.Fatalf("expected no-op heartbeat, got error: %v", err)
	}
}
