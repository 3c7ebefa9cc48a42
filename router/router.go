// Package router assigns ready work to agents: capability-gated
// selection of the next issue for a given agent, best-agent-for-issue
// scoring, bulk auto-assignment, and workload reporting.
package router

import (
	"context"
	"sort"
	"time"

	"github.com/swarmkit/coordination/claims"
	"github.com/swarmkit/coordination/priority"
	"github.com/swarmkit/coordination/store"
	"github.com/swarmkit/coordination/tracker"
)

const (
	prioritizedPoolSize = 50

	weightCapability = 0.30
	weightWorkload   = 0.30
	weightRecency    = 0.20
	weightExperience = 0.20

	experienceCap = 5.0
)

// Router pairs agents with ready issues through Priority's ranking and
// Claims' lease protocol.
type Router struct {
	store    store.Adapter
	priority *priority.Priority
	claims   *claims.Claims
}

// New returns a Router over pri and cl sharing adapter for the
// ad-hoc reads (outcome history) neither component exposes directly.
func New(adapter store.Adapter, pri *priority.Priority, cl *claims.Claims) *Router {
	return &Router{store: adapter, priority: pri, claims: cl}
}

// NextOptions configures GetNextFor.
type NextOptions struct {
	MaxConcurrent int
	PreferLabels  []string
}

// GetNextFor returns the next issue agentID should work on given its
// current claim load and capabilities, or nil if none qualifies.
func (r *Router) GetNextFor(ctx context.Context, agentID string, opts NextOptions) (*tracker.Issue, error) {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	held, err := r.claims.GetAgentClaims(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(held) >= maxConcurrent {
		return nil, nil
	}

	agent, err := r.claims.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	prioritized, err := r.priority.GetPrioritized(ctx, prioritizedPoolSize)
	if err != nil {
		return nil, err
	}
	if len(prioritized) == 0 {
		return nil, nil
	}

	for _, s := range prioritized {
		if !capabilityGate(s.Issue, *agent) {
			continue
		}
		if hasAnyLabel(s.Issue, opts.PreferLabels) {
			iss := s.Issue
			return &iss, nil
		}
	}
	for _, s := range prioritized {
		if capabilityGate(s.Issue, *agent) {
			iss := s.Issue
			return &iss, nil
		}
	}

	// No capability-matched issue: fall back to the top prioritized
	// issue regardless.
	fallback := prioritized[0].Issue
	return &fallback, nil
}

// capabilityGate applies only when both the issue's labels and the
// agent's capabilities are non-empty; an issue with no labels, or an
// agent with no declared capabilities, always passes.
func capabilityGate(iss tracker.Issue, agent claims.Agent) bool {
	if len(iss.Labels) == 0 || len(agent.Capabilities) == 0 {
		return true
	}
	for _, l := range iss.Labels {
		if agent.HasCapability(l) {
			return true
		}
	}
	return false
}

func hasAnyLabel(iss tracker.Issue, labels []string) bool {
	if len(labels) == 0 {
		return false
	}
	for _, l := range labels {
		if iss.HasLabel(l) {
			return true
		}
	}
	return false
}

// agentScore is an intermediate result of GetBestAgentFor.
type agentScore struct {
	agent claims.Agent
	score float64
}

// GetBestAgentFor scores every active agent for issueID and returns
// the top scorer, or nil if no active agents exist.
func (r *Router) GetBestAgentFor(ctx context.Context, issueID string) (*claims.Agent, error) {
	iss, err := r.issueFor(ctx, issueID)
	if err != nil {
		return nil, err
	}

	agents, err := r.claims.ListActiveAgents(ctx)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, nil
	}

	scores := make([]agentScore, 0, len(agents))
	for _, a := range agents {
		s, err := r.scoreAgent(ctx, a, iss)
		if err != nil {
			return nil, err
		}
		scores = append(scores, agentScore{agent: a, score: s})
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	best := scores[0].agent
	return &best, nil
}

func (r *Router) issueFor(ctx context.Context, issueID string) (tracker.Issue, error) {
	row, err := r.store.Prepare(`SELECT * FROM issues WHERE id = ?`).Bind(issueID).First(ctx)
	if err != nil {
		return tracker.Issue{}, err
	}
	if row == nil {
		return tracker.Issue{}, nil
	}
	return issueFromRow(row), nil
}

func (r *Router) scoreAgent(ctx context.Context, a claims.Agent, iss tracker.Issue) (float64, error) {
	capMatch := capabilityMatchCount(a, iss)
	capFactor := capRatio(float64(capMatch), float64(maxInt(len(iss.Labels), 1)))

	workload, err := r.workloadCount(ctx, a.AgentID)
	if err != nil {
		return 0, err
	}
	workloadFactor := 1.0 / (1.0 + float64(workload))

	recencyMinutes := time.Now().UTC().Sub(a.LastSeenAt).Minutes()
	recencyFactor := 1.0 / (1.0 + recencyMinutes/10.0)

	experience, err := r.experienceCount(ctx, a.AgentID, iss.Labels)
	if err != nil {
		return 0, err
	}
	experienceFactor := capRatio(float64(experience), experienceCap)

	return capFactor*weightCapability +
		workloadFactor*weightWorkload +
		recencyFactor*weightRecency +
		experienceFactor*weightExperience, nil
}

func capabilityMatchCount(a claims.Agent, iss tracker.Issue) int {
	n := 0
	for _, l := range iss.Labels {
		if a.HasCapability(l) {
			n++
		}
	}
	return n
}

func (r *Router) workloadCount(ctx context.Context, agentID string) (int, error) {
	row, err := r.store.Prepare(`SELECT COUNT(*) AS n FROM claims WHERE agent_id = ?`).Bind(agentID).First(ctx)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return row.Int("n"), nil
}

// experienceCount counts prior successful outcomes by agentID whose
// issue shares any label with labels, capped by the caller.
func (r *Router) experienceCount(ctx context.Context, agentID string, labels []string) (int, error) {
	if len(labels) == 0 {
		return 0, nil
	}
	rows, err := r.store.Prepare(`
		SELECT i.labels AS labels FROM outcomes o
		JOIN issues i ON i.id = o.issue_id
		WHERE o.agent_id = ? AND o.result = 'success'
	`).Bind(agentID).All(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, row := range rows {
		other := unmarshalLabels(row.Str("labels"))
		if sharesLabel(other, labels) {
			count++
		}
	}
	return count, nil
}

func sharesLabel(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, l := range a {
		set[l] = true
	}
	for _, l := range b {
		if set[l] {
			return true
		}
	}
	return false
}

// Assignment is a successful (issue, agent) pairing made by
// AutoAssign.
type Assignment struct {
	Issue tracker.Issue
	Agent claims.Agent
}

// AutoAssign loops the top prioritized issues, picks the best agent
// for each, and attempts a claim. Returns the successful pairs.
func (r *Router) AutoAssign(ctx context.Context, limit int) ([]Assignment, error) {
	if limit <= 0 {
		limit = 10
	}
	prioritized, err := r.priority.GetPrioritized(ctx, limit)
	if err != nil {
		return nil, err
	}

	var assigned []Assignment
	for _, s := range prioritized {
		agent, err := r.GetBestAgentFor(ctx, s.Issue.ID)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			continue
		}
		ok, err := r.claims.Claim(ctx, s.Issue.ID, agent.AgentID, claims.DefaultClaimTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			assigned = append(assigned, Assignment{Issue: s.Issue, Agent: *agent})
		}
	}
	return assigned, nil
}

// WorkloadEntry is one agent's current load, the shape
// GetWorkloadDistribution returns per active agent.
type WorkloadEntry struct {
	AgentID           string
	ClaimCount        int
	RecentCompletions int
}

// GetWorkloadDistribution returns per-active-agent claim counts and
// completions recorded in the last hour.
func (r *Router) GetWorkloadDistribution(ctx context.Context) ([]WorkloadEntry, error) {
	agents, err := r.claims.ListActiveAgents(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-time.Hour).Unix()

	out := make([]WorkloadEntry, 0, len(agents))
	for _, a := range agents {
		claimCount, err := r.workloadCount(ctx, a.AgentID)
		if err != nil {
			return nil, err
		}
		row, err := r.store.Prepare(`
			SELECT COUNT(*) AS n FROM outcomes WHERE agent_id = ? AND recorded_at >= ?
		`).Bind(a.AgentID, cutoff).First(ctx)
		if err != nil {
			return nil, err
		}
		completions := 0
		if row != nil {
			completions = row.Int("n")
		}
		out = append(out, WorkloadEntry{AgentID: a.AgentID, ClaimCount: claimCount, RecentCompletions: completions})
	}
	return out, nil
}

func capRatio(value, cap float64) float64 {
	if cap <= 0 {
		return 0
	}
	r := value / cap
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
