// Package priority scores ready issues by weighted impact/age/
// connectivity/project factors and exposes graph-shape queries
// (critical path, bottlenecks) over the same non-terminal subgraph.
package priority

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/swarmkit/coordination/store"
	"github.com/swarmkit/coordination/tracker"
)

// Scored pairs an issue with its computed priority score and the
// human-readable reason for it.
type Scored struct {
	Issue  tracker.Issue
	Score  float64
	Reason string
}

type factor struct {
	name       string
	normalized float64
	weight     float64
}

const (
	weightPriority     = 0.30
	weightImpact       = 0.35
	weightAge          = 0.10
	weightConnectivity = 0.15
	weightProject      = 0.10

	impactCap       = 5.0
	ageCapDays      = 7.0
	connectivityCap = 10.0

	readyPoolSize = 100
)

// Priority scores Tracker's ready pool and answers graph-shape
// questions about the non-terminal blocks subgraph.
type Priority struct {
	store   store.Adapter
	tracker *tracker.Tracker
}

// New returns a Priority reading through trk and adapter directly for
// the graph-shape queries Tracker doesn't expose itself.
func New(adapter store.Adapter, trk *tracker.Tracker) *Priority {
	return &Priority{store: adapter, tracker: trk}
}

// GetPrioritized fetches up to 100 ready issues, scores each, and
// returns the top limit sorted by score descending.
func (p *Priority) GetPrioritized(ctx context.Context, limit int) ([]Scored, error) {
	if limit <= 0 {
		limit = 10
	}
	ready, err := p.tracker.GetReadyIssues(ctx, readyPoolSize)
	if err != nil {
		return nil, err
	}

	scored := make([]Scored, 0, len(ready))
	for _, iss := range ready {
		s, err := p.score(ctx, iss)
		if err != nil {
			return nil, err
		}
		scored = append(scored, s)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (p *Priority) score(ctx context.Context, iss tracker.Issue) (Scored, error) {
	impact, err := p.Impact(ctx, iss.ID)
	if err != nil {
		return Scored{}, err
	}
	connectivity, err := p.connectivity(ctx, iss.ID)
	if err != nil {
		return Scored{}, err
	}

	ageDays := time.Now().UTC().Sub(iss.CreatedAt).Hours() / 24

	factors := []factor{
		{"priority", (4 - float64(iss.Priority)) / 4, weightPriority},
		{"impact", capRatio(float64(impact), impactCap), weightImpact},
		{"age", capRatio(ageDays, ageCapDays), weightAge},
		{"connectivity", capRatio(float64(connectivity), connectivityCap), weightConnectivity},
		{"project", projectFactor(iss.ProjectID), weightProject},
	}

	total := 0.0
	for _, f := range factors {
		total += f.normalized * f.weight
	}
	total = math.Round(total*100) / 100

	return Scored{Issue: iss, Score: total, Reason: reason(factors)}, nil
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

func projectFactor(projectID *string) float64 {
	if projectID != nil && *projectID != "" {
		return 0.5
	}
	return 0
}

// reason names up to two factors whose weighted contribution is
// highest and whose raw value exceeds 0.3, in descending order of
// contribution.
func reason(factors []factor) string {
	type contrib struct {
		name  string
		value float64
		share float64
	}
	var candidates []contrib
	for _, f := range factors {
		if f.normalized > 0.3 {
			candidates = append(candidates, contrib{f.name, f.normalized, f.normalized * f.weight})
		}
	}
	if len(candidates) == 0 {
		return "Default priority"
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].share > candidates[j].share })
	if len(candidates) > 2 {
		candidates = candidates[:2]
	}
	if len(candidates) == 1 {
		return fmt.Sprintf("High %s", candidates[0].name)
	}
	return fmt.Sprintf("High %s and %s", candidates[0].name, candidates[1].name)
}

// Impact is the size of the set of non-terminal issues reachable via
// outbound blocks edges from issueID, via cycle-safe DFS.
func (p *Priority) Impact(ctx context.Context, issueID string) (int, error) {
	visited := map[string]bool{issueID: true}
	return p.walkImpact(ctx, issueID, visited)
}

func (p *Priority) walkImpact(ctx context.Context, issueID string, visited map[string]bool) (int, error) {
	rows, err := p.store.Prepare(`
		SELECT d.to_id AS id FROM dependencies d
		JOIN issues i ON i.id = d.to_id
		WHERE d.from_id = ? AND d.type = 'blocks' AND i.status NOT IN ('done', 'cancelled')
	`).Bind(issueID).All(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range rows {
		target := r.Str("id")
		if visited[target] {
			continue
		}
		visited[target] = true
		count++
		sub, err := p.walkImpact(ctx, target, visited)
		if err != nil {
			return 0, err
		}
		count += sub
	}
	return count, nil
}

func (p *Priority) connectivity(ctx context.Context, issueID string) (int, error) {
	row, err := p.store.Prepare(`
		SELECT
			(SELECT COUNT(*) FROM dependencies WHERE from_id = ?) +
			(SELECT COUNT(*) FROM dependencies WHERE to_id = ?) AS n
	`).Bind(issueID, issueID).First(ctx)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return row.Int("n"), nil
}

// GetCriticalPath returns the longest chain of non-terminal issues
// reachable by walking inbound blocks edges from any endpoint issue
// (one with no outbound blocks edge into a non-terminal successor).
func (p *Priority) GetCriticalPath(ctx context.Context) ([]tracker.Issue, error) {
	nonTerminal, err := p.nonTerminalIssues(ctx)
	if err != nil {
		return nil, err
	}
	endpoints, err := p.endpoints(ctx, nonTerminal)
	if err != nil {
		return nil, err
	}

	var best []string
	for _, ep := range endpoints {
		chain, err := p.longestChainFrom(ctx, ep)
		if err != nil {
			return nil, err
		}
		if len(chain) > len(best) {
			best = chain
		}
	}

	out := make([]tracker.Issue, 0, len(best))
	for _, id := range best {
		iss, err := p.tracker.GetIssue(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *iss)
	}
	return out, nil
}

func (p *Priority) nonTerminalIssues(ctx context.Context) ([]string, error) {
	rows, err := p.store.Prepare(`
		SELECT id FROM issues WHERE status NOT IN ('done', 'cancelled')
	`).All(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Str("id"))
	}
	return ids, nil
}

// endpoints are non-terminal issues with no outbound blocks edge into
// another non-terminal issue.
func (p *Priority) endpoints(ctx context.Context, nonTerminal []string) ([]string, error) {
	var eps []string
	for _, id := range nonTerminal {
		row, err := p.store.Prepare(`
			SELECT COUNT(*) AS n FROM dependencies d
			JOIN issues i ON i.id = d.to_id
			WHERE d.from_id = ? AND d.type = 'blocks' AND i.status NOT IN ('done', 'cancelled')
		`).Bind(id).First(ctx)
		if err != nil {
			return nil, err
		}
		if row == nil || row.Int("n") == 0 {
			eps = append(eps, id)
		}
	}
	return eps, nil
}

// longestChainFrom walks inbound blocks edges from start (the
// blockers of start, and their blockers, ...), returning the longest
// such chain including start itself.
func (p *Priority) longestChainFrom(ctx context.Context, start string) ([]string, error) {
	return p.walkChain(ctx, start, map[string]bool{start: true})
}

func (p *Priority) walkChain(ctx context.Context, id string, visited map[string]bool) ([]string, error) {
	rows, err := p.store.Prepare(`
		SELECT d.from_id AS id FROM dependencies d
		JOIN issues i ON i.id = d.from_id
		WHERE d.to_id = ? AND d.type = 'blocks' AND i.status NOT IN ('done', 'cancelled')
	`).Bind(id).All(ctx)
	if err != nil {
		return nil, err
	}

	best := []string{id}
	for _, r := range rows {
		blocker := r.Str("id")
		if visited[blocker] {
			continue
		}
		next := map[string]bool{}
		for k := range visited {
			next[k] = true
		}
		next[blocker] = true
		chain, err := p.walkChain(ctx, blocker, next)
		if err != nil {
			return nil, err
		}
		candidate := append([]string{id}, chain...)
		if len(candidate) > len(best) {
			best = candidate
		}
	}
	return best, nil
}

// Bottleneck pairs an issue with the count of non-terminal outbound
// blocks edges it carries.
type Bottleneck struct {
	Issue        tracker.Issue
	BlockedCount int
}

// GetBottlenecks ranks non-terminal issues by count of non-terminal
// outbound blocks edges and returns the top limit.
func (p *Priority) GetBottlenecks(ctx context.Context, limit int) ([]Bottleneck, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := p.store.Prepare(`
		SELECT i.id AS id, COUNT(d.to_id) AS n
		FROM issues i
		JOIN dependencies d ON d.from_id = i.id AND d.type = 'blocks'
		JOIN issues t ON t.id = d.to_id
		WHERE i.status NOT IN ('done', 'cancelled') AND t.status NOT IN ('done', 'cancelled')
		GROUP BY i.id
		ORDER BY n DESC
		LIMIT ?
	`).Bind(limit).All(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Bottleneck, 0, len(rows))
	for _, r := range rows {
		iss, err := p.tracker.GetIssue(ctx, r.Str("id"))
		if err != nil {
			continue
		}
		out = append(out, Bottleneck{Issue: *iss, BlockedCount: r.Int("n")})
	}
	return out, nil
}
