package claims

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/swarmkit/coordination/coorderr"
	"github.com/swarmkit/coordination/store"
	"github.com/swarmkit/coordination/tracker"
)

// Claims manages agent registration and issue leases over a shared
// store, coordinating with Tracker for the issue-status side of the
// claim lifecycle (in_progress on claim, open on release/reclaim).
type Claims struct {
	store   store.Adapter
	tracker *tracker.Tracker
	logger  *slog.Logger
}

// New returns a Claims over adapter, driving issue status transitions
// through trk.
func New(adapter store.Adapter, trk *tracker.Tracker, logger *slog.Logger) *Claims {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claims{store: adapter, tracker: trk, logger: logger}
}

func now() time.Time { return time.Now().UTC() }

func statusPtr(s tracker.Status) *tracker.Status { return &s }

// RegisterAgent upserts the agent with status=active, last_seen_at=now.
// Idempotent; re-registering overwrites capabilities and metadata.
func (c *Claims) RegisterAgent(ctx context.Context, agentID string, capabilities []string, metadata map[string]any) (*Agent, error) {
	a := Agent{
		AgentID:      agentID,
		Capabilities: capabilities,
		Status:       AgentActive,
		LastSeenAt:   now(),
		Metadata:     metadata,
	}
	_, err := c.store.Prepare(`
		INSERT INTO agents (agent_id, capabilities, status, last_seen_at, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_seen_at = excluded.last_seen_at,
			metadata = excluded.metadata
	`).Bind(a.AgentID, marshalList(a.Capabilities), string(a.Status), a.LastSeenAt.Unix(), marshalMeta(a.Metadata)).Run(ctx)
	if err != nil {
		return nil, coorderr.Wrap("register agent", err)
	}
	return &a, nil
}

// Heartbeat refreshes an agent's liveness and every claim it holds.
// Silently succeeds (no row changes) if the agent is unknown.
func (c *Claims) Heartbeat(ctx context.Context, agentID string) error {
	_, err := c.store.Prepare(`
		UPDATE agents SET last_seen_at = ?, status = 'active' WHERE agent_id = ?
	`).Bind(now().Unix(), agentID).Run(ctx)
	if err != nil {
		return coorderr.Wrap("heartbeat", err)
	}
	_, err = c.store.Prepare(`
		UPDATE claims SET heartbeat_at = ? WHERE agent_id = ?
	`).Bind(now().Unix(), agentID).Run(ctx)
	if err != nil {
		return coorderr.Wrap("heartbeat", err)
	}
	return nil
}

// GetAgent fetches an agent by id.
func (c *Claims) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row, err := c.store.Prepare(`SELECT * FROM agents WHERE agent_id = ?`).Bind(agentID).First(ctx)
	if err != nil {
		return nil, coorderr.Wrap("get agent", err)
	}
	if row == nil {
		return nil, coorderr.NotFound("agent", agentID)
	}
	a := rowToAgent(row)
	return &a, nil
}

// ListActiveAgents returns every agent with status=active.
func (c *Claims) ListActiveAgents(ctx context.Context) ([]Agent, error) {
	rows, err := c.store.Prepare(`SELECT * FROM agents WHERE status = 'active'`).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("list active agents", err)
	}
	out := make([]Agent, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToAgent(r))
	}
	return out, nil
}

// CountAgents returns the total number of registered agents, used by
// Ethos's agentHealth metric.
func (c *Claims) CountAgents(ctx context.Context) (int, error) {
	row, err := c.store.Prepare(`SELECT COUNT(*) AS n FROM agents`).First(ctx)
	if err != nil {
		return 0, coorderr.Wrap("count agents", err)
	}
	if row == nil {
		return 0, nil
	}
	return row.Int("n"), nil
}

// Claim attempts to acquire an exclusive lease on issueID for agentID.
// Returns true iff this call won the lease (including the idempotent
// refresh case where the caller already holds it); false means either
// another agent holds it or a concurrent inserter won the race, never
// an error.
func (c *Claims) Claim(ctx context.Context, issueID, agentID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}

	if _, err := c.ReclaimExpired(ctx); err != nil {
		c.logger.Warn("reclaim before claim failed", "error", err)
	}

	existing, err := c.GetClaim(ctx, issueID)
	if err != nil && !errors.Is(err, coorderr.ErrNotFound) {
		return false, err
	}
	nowT := now()
	expires := nowT.Add(ttl)

	if existing != nil {
		if existing.AgentID != agentID {
			return false, nil
		}
		_, err := c.store.Prepare(`
			UPDATE claims SET expires_at = ?, heartbeat_at = ? WHERE issue_id = ? AND agent_id = ?
		`).Bind(expires.Unix(), nowT.Unix(), issueID, agentID).Run(ctx)
		if err != nil {
			return false, coorderr.Wrap("claim refresh", err)
		}
		return true, nil
	}

	_, err = c.store.Prepare(`
		INSERT INTO claims (issue_id, agent_id, claimed_at, expires_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?)
	`).Bind(issueID, agentID, nowT.Unix(), expires.Unix(), nowT.Unix()).Run(ctx)
	if err != nil {
		// PK violation: a concurrent caller won the race. Any other
		// insert failure is a store error.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return false, nil
		}
		return false, coorderr.Wrap("claim", err)
	}

	if _, err := c.tracker.UpdateIssue(ctx, issueID, tracker.IssuePatch{Status: statusPtr(tracker.StatusInProgress)}); err != nil {
		c.logger.Warn("claim: issue status update failed", "issue_id", issueID, "error", err)
	}
	c.emit(ctx, EventClaimed, issueID, agentID, nil)
	return true, nil
}

// Release drops the claim on issueID if held by agentID; a no-op
// otherwise. If removed, resets the issue to open only when it is
// still in_progress, since CompleteWork always records the outcome
// (which sets done/cancelled) before releasing the claim.
func (c *Claims) Release(ctx context.Context, issueID, agentID string) error {
	res, err := c.store.Prepare(`
		DELETE FROM claims WHERE issue_id = ? AND agent_id = ?
	`).Bind(issueID, agentID).Run(ctx)
	if err != nil {
		return coorderr.Wrap("release", err)
	}
	if res.Changes == 0 {
		return nil
	}

	issue, err := c.tracker.GetIssue(ctx, issueID)
	if err == nil && issue.Status == tracker.StatusInProgress {
		if _, err := c.tracker.UpdateIssue(ctx, issueID, tracker.IssuePatch{Status: statusPtr(tracker.StatusOpen)}); err != nil {
			c.logger.Warn("release: issue status update failed", "issue_id", issueID, "error", err)
		}
	}
	c.emit(ctx, EventReleased, issueID, agentID, nil)
	return nil
}

// ReclaimExpired deletes every claim whose TTL has passed, reopens its
// issue, marks its agent dead, and returns the reclaimed issues.
func (c *Claims) ReclaimExpired(ctx context.Context) ([]tracker.Issue, error) {
	rows, err := c.store.Prepare(`
		SELECT * FROM claims WHERE expires_at IS NOT NULL AND expires_at < ?
	`).Bind(now().Unix()).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("reclaim expired", err)
	}

	var reclaimed []tracker.Issue
	for _, r := range rows {
		cl := rowToClaim(r)
		err := c.store.WithTx(ctx, func(a store.Adapter) error {
			_, err := a.Prepare(`DELETE FROM claims WHERE issue_id = ? AND agent_id = ?`).
				Bind(cl.IssueID, cl.AgentID).Run(ctx)
			return err
		})
		if err != nil {
			c.logger.Warn("reclaim: claim delete failed", "issue_id", cl.IssueID, "error", err)
			continue
		}

		if _, err := c.tracker.UpdateIssue(ctx, cl.IssueID, tracker.IssuePatch{Status: statusPtr(tracker.StatusOpen)}); err != nil {
			c.logger.Warn("reclaim: issue status update failed", "issue_id", cl.IssueID, "error", err)
		} else if issue, err := c.tracker.GetIssue(ctx, cl.IssueID); err == nil {
			reclaimed = append(reclaimed, *issue)
		}

		if _, err := c.store.Prepare(`UPDATE agents SET status = 'dead' WHERE agent_id = ?`).
			Bind(cl.AgentID).Run(ctx); err != nil {
			c.logger.Warn("reclaim: agent status update failed", "agent_id", cl.AgentID, "error", err)
		}

		c.emit(ctx, EventReleased, cl.IssueID, cl.AgentID, map[string]any{"reason": "expired"})
	}
	return reclaimed, nil
}

// DetectDeadAgents marks agents silent for longer than timeout as dead
// and releases every claim they hold.
func (c *Claims) DetectDeadAgents(ctx context.Context, timeout time.Duration) ([]Agent, error) {
	if timeout <= 0 {
		timeout = DefaultDeadAgentTimeout
	}
	cutoff := now().Add(-timeout)

	rows, err := c.store.Prepare(`
		SELECT * FROM agents WHERE status = 'active' AND last_seen_at < ?
	`).Bind(cutoff.Unix()).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("detect dead agents", err)
	}

	var dead []Agent
	for _, r := range rows {
		a := rowToAgent(r)
		if _, err := c.store.Prepare(`UPDATE agents SET status = 'dead' WHERE agent_id = ?`).
			Bind(a.AgentID).Run(ctx); err != nil {
			c.logger.Warn("detect dead agents: status update failed", "agent_id", a.AgentID, "error", err)
			continue
		}
		a.Status = AgentDead
		dead = append(dead, a)

		held, err := c.GetAgentClaims(ctx, a.AgentID)
		if err != nil {
			c.logger.Warn("detect dead agents: list claims failed", "agent_id", a.AgentID, "error", err)
			continue
		}
		for _, cl := range held {
			if err := c.Release(ctx, cl.IssueID, a.AgentID); err != nil {
				c.logger.Warn("detect dead agents: release failed", "issue_id", cl.IssueID, "agent_id", a.AgentID, "error", err)
			}
		}
	}
	return dead, nil
}

// GetClaim fetches the current claim on issueID, or (nil, ErrNotFound)
// if unclaimed.
func (c *Claims) GetClaim(ctx context.Context, issueID string) (*Claim, error) {
	row, err := c.store.Prepare(`SELECT * FROM claims WHERE issue_id = ?`).Bind(issueID).First(ctx)
	if err != nil {
		return nil, coorderr.Wrap("get claim", err)
	}
	if row == nil {
		return nil, coorderr.NotFound("claim", issueID)
	}
	cl := rowToClaim(row)
	return &cl, nil
}

// GetAgentClaims returns every claim currently held by agentID.
func (c *Claims) GetAgentClaims(ctx context.Context, agentID string) ([]Claim, error) {
	rows, err := c.store.Prepare(`SELECT * FROM claims WHERE agent_id = ?`).Bind(agentID).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("get agent claims", err)
	}
	out := make([]Claim, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToClaim(r))
	}
	return out, nil
}

// GetActiveWork returns every live claim in the store.
func (c *Claims) GetActiveWork(ctx context.Context) ([]Claim, error) {
	rows, err := c.store.Prepare(`SELECT * FROM claims`).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("get active work", err)
	}
	out := make([]Claim, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToClaim(r))
	}
	return out, nil
}

// CountActiveClaims returns the number of live claims, used by Ethos's
// claimHealth metric.
func (c *Claims) CountActiveClaims(ctx context.Context) (int, error) {
	row, err := c.store.Prepare(`SELECT COUNT(*) AS n FROM claims`).First(ctx)
	if err != nil {
		return 0, coorderr.Wrap("count active claims", err)
	}
	if row == nil {
		return 0, nil
	}
	return row.Int("n"), nil
}

// Broadcast appends an event to the log. Best-effort: a failure here
// must never abort the mutating operation it describes, so internal
// callers use emit (log-and-continue) rather than Broadcast directly.
func (c *Claims) Broadcast(ctx context.Context, eventType EventType, issueID, agentID string, payload map[string]any) error {
	_, err := c.store.Prepare(`
		INSERT INTO broadcasts (event_type, issue_id, agent_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`).Bind(string(eventType), issueID, agentID, marshalMeta(payload), now().Unix()).Run(ctx)
	if err != nil {
		return coorderr.Wrap("broadcast", err)
	}
	return nil
}

func (c *Claims) emit(ctx context.Context, eventType EventType, issueID, agentID string, payload map[string]any) {
	if err := c.Broadcast(ctx, eventType, issueID, agentID, payload); err != nil {
		c.logger.Warn("broadcast insert failed", "event_type", eventType, "issue_id", issueID, "error", err)
	}
}

// ListBroadcasts tails the event log from afterID (exclusive), the
// shape consumers use to follow the total order of observed events.
func (c *Claims) ListBroadcasts(ctx context.Context, afterID int64, limit int) ([]Broadcast, error) {
	q := `SELECT * FROM broadcasts WHERE id > ? ORDER BY id ASC`
	if limit > 0 {
		q += " LIMIT ?"
		rows, err := c.store.Prepare(q).Bind(afterID, limit).All(ctx)
		return toBroadcasts(rows, err)
	}
	rows, err := c.store.Prepare(q).Bind(afterID).All(ctx)
	return toBroadcasts(rows, err)
}

func toBroadcasts(rows []store.Row, err error) ([]Broadcast, error) {
	if err != nil {
		return nil, coorderr.Wrap("list broadcasts", err)
	}
	out := make([]Broadcast, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToBroadcast(r))
	}
	return out, nil
}

func marshalList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func marshalMeta(m map[string]any) string {
	if m == nil {
		m = map[string]any{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}
