// Package coordinator wires Tracker, Claims, Priority, Router and
// Ethos to one store behind a single façade. Embedders
// that need finer-grained control reach through to the sub-components
// directly; most integrations only need this package.
package coordinator

import (
	"context"
	"log/slog"

	"github.com/swarmkit/coordination/claims"
	"github.com/swarmkit/coordination/ethos"
	"github.com/swarmkit/coordination/priority"
	"github.com/swarmkit/coordination/router"
	"github.com/swarmkit/coordination/store"
	"github.com/swarmkit/coordination/tracker"
)

// Coordinator is the embedder-facing entry point into the engine.
type Coordinator struct {
	Tracker  *tracker.Tracker
	Claims   *claims.Claims
	Priority *priority.Priority
	Router   *router.Router
	Ethos    *ethos.Ethos

	store store.Adapter
}

// Config configures Coordinator construction. A nil Logger defaults
// to slog.Default(); nil Thresholds falls back to
// ethos.DefaultThresholds().
type Config struct {
	Logger     *slog.Logger
	Thresholds []ethos.Threshold
}

// New wires every sub-component over adapter. Call Initialize before
// first use to bootstrap the schema.
func New(adapter store.Adapter, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	trk := tracker.New(adapter, logger)
	cl := claims.New(adapter, trk, logger)
	pri := priority.New(adapter, trk)
	rtr := router.New(adapter, pri, cl)
	eth := ethos.New(adapter, trk, cl, logger, cfg.Thresholds)

	return &Coordinator{
		Tracker:  trk,
		Claims:   cl,
		Priority: pri,
		Router:   rtr,
		Ethos:    eth,
		store:    adapter,
	}
}

// Initialize bootstraps the schema. Idempotent.
func (c *Coordinator) Initialize(ctx context.Context) error {
	return store.Bootstrap(ctx, c.store)
}

// NextWork is GetNextWork's result, or nil if no issue qualified.
type NextWork struct {
	Issue   tracker.Issue
	Claimed bool
}

// GetNextWork registers/heartbeats agentID, asks Router for the next
// ready issue, and attempts a claim on it. Returns nil when the Router
// has no candidate for this agent.
func (c *Coordinator) GetNextWork(ctx context.Context, agentID string, capabilities []string) (*NextWork, error) {
	if _, err := c.Claims.RegisterAgent(ctx, agentID, capabilities, nil); err != nil {
		return nil, err
	}
	if err := c.Claims.Heartbeat(ctx, agentID); err != nil {
		return nil, err
	}

	iss, err := c.Router.GetNextFor(ctx, agentID, router.NextOptions{MaxConcurrent: 1})
	if err != nil {
		return nil, err
	}
	if iss == nil {
		return nil, nil
	}

	claimed, err := c.Claims.Claim(ctx, iss.ID, agentID, claims.DefaultClaimTTL)
	if err != nil {
		return nil, err
	}
	return &NextWork{Issue: *iss, Claimed: claimed}, nil
}

// CompleteWork records the outcome and releases the claim, in that
// order: reversing it would flip a just-completed issue back to
// open, since recordOutcome sets done/cancelled and release only
// resets status while still in_progress. Returns the issue's direct
// outbound blocks targets for observability; unblocking itself already
// happened inside RecordOutcome.
func (c *Coordinator) CompleteWork(ctx context.Context, issueID, agentID string, result tracker.OutcomeResult, learnings string) ([]string, error) {
	if _, err := c.Tracker.RecordOutcome(ctx, issueID, agentID, result, learnings, nil); err != nil {
		return nil, err
	}
	if err := c.Claims.Release(ctx, issueID, agentID); err != nil {
		return nil, err
	}
	return c.Tracker.BlockingTargets(ctx, issueID)
}

// RunHealthCheck delegates to Ethos's full housekeeping-and-monitoring
// cycle.
func (c *Coordinator) RunHealthCheck(ctx context.Context) (ethos.CycleResult, error) {
	return c.Ethos.RunCycle(ctx)
}

// Close releases the underlying store connection.
func (c *Coordinator) Close() error {
	return c.store.Close()
}
