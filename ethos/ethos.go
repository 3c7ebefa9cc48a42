package ethos

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/swarmkit/coordination/claims"
	"github.com/swarmkit/coordination/store"
	"github.com/swarmkit/coordination/tracker"
)

const defaultTrendWindow = 4 * time.Hour

// actionPlan is the fixed name/description/success-criteria triple an
// action tag maps to.
type actionPlan struct {
	name            string
	description     string
	successCriteria string
}

var titleCaser = cases.Title(language.English)

func actionTagTitle(tag string) string {
	return titleCaser.String(strings.ReplaceAll(tag, "-", " "))
}

func plans() map[string]actionPlan {
	return map[string]actionPlan{
		"create-linking-project": {
			name:            actionTagTitle("create-linking-project"),
			description:     "Group orphaned issues under a tracking project so coherence recovers.",
			successCriteria: "Every non-terminal issue has a non-null project_id.",
		},
		"prioritize-blockers": {
			name:            actionTagTitle("prioritize-blockers"),
			description:     "Surface and resolve the blocking issues holding the graph back.",
			successCriteria: "Blocked fraction of non-terminal issues falls back under threshold.",
		},
		"prune-or-revive": {
			name:            actionTagTitle("prune-or-revive"),
			description:     "Review stale non-terminal issues: cancel the dead ones, re-prioritize the live ones.",
			successCriteria: "Mean age of non-terminal issues falls back under threshold.",
		},
		"rebalance-work": {
			name:            actionTagTitle("rebalance-work"),
			description:     "Too few issues are under active claim relative to the ready pool; recruit agents or re-run auto-assign.",
			successCriteria: "Active claim count rises to a healthy fraction of non-terminal issues.",
		},
		"alert-agent-failures": {
			name:            actionTagTitle("alert-agent-failures"),
			description:     "Too many registered agents have gone dead; investigate and restart workers.",
			successCriteria: "Active agent fraction rises back above threshold.",
		},
	}
}

// Ethos computes health metrics over Tracker/Claims state and opens
// remediation projects through Tracker when a threshold is crossed.
type Ethos struct {
	store      store.Adapter
	tracker    *tracker.Tracker
	claims     *claims.Claims
	logger     *slog.Logger
	thresholds []Threshold
}

// New returns an Ethos with the given thresholds, or the defaults when
// thresholds is nil. Mixing defaults with a partial override list is
// the caller's responsibility; New takes the complete list as given.
func New(adapter store.Adapter, trk *tracker.Tracker, cl *claims.Claims, logger *slog.Logger, thresholds []Threshold) *Ethos {
	if logger == nil {
		logger = slog.Default()
	}
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Ethos{store: adapter, tracker: trk, claims: cl, logger: logger, thresholds: thresholds}
}

// AssessHealth computes the six metrics over a best-effort consistent
// snapshot of the store and persists it to health_snapshots. The
// underlying counts are read independently, so they're fetched
// concurrently over the shared connection pool rather than one at a
// time.
func (e *Ethos) AssessHealth(ctx context.Context) (Metrics, error) {
	var (
		nonTerminal, withProject                 int
		blocked, openInProgress                   int
		successLast24h, activeClaims, activeAgents int
		registeredAgents                           int
		totalAgeSeconds                            float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { nonTerminal, err = e.nonTerminalCount(gctx); return })
	g.Go(func() (err error) { withProject, err = e.nonTerminalWithProjectCount(gctx); return })
	g.Go(func() (err error) { blocked, openInProgress, err = e.statusCounts(gctx); return })
	g.Go(func() (err error) { successLast24h, err = e.recentSuccessCount(gctx); return })
	g.Go(func() (err error) { totalAgeSeconds, err = e.totalNonTerminalAgeSeconds(gctx); return })
	g.Go(func() (err error) { activeClaims, err = e.claims.CountActiveClaims(gctx); return })
	g.Go(func() (err error) { activeAgents, err = e.activeAgentCount(gctx); return })
	g.Go(func() (err error) { registeredAgents, err = e.claims.CountAgents(gctx); return })
	if err := g.Wait(); err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		Coherence:   ratioOrDefault(withProject, nonTerminal, 1),
		Velocity:    float64(successLast24h) / 24.0,
		Blockage:    ratioOrDefault(blocked, openInProgress+blocked, 0),
		Staleness:   meanOrZero(totalAgeSeconds, nonTerminal),
		ClaimHealth: capUnit(ratioOrDefault(activeClaims, nonTerminal, 1)),
		AgentHealth: ratioOrDefault(activeAgents, registeredAgents, 1),
		RecordedAt:  time.Now().UTC(),
	}

	if err := e.persistSnapshot(ctx, m); err != nil {
		e.logger.Warn("health snapshot persist failed", "error", err)
	}
	return m, nil
}

func ratioOrDefault(numerator, denominator int, whenEmpty float64) float64 {
	if denominator == 0 {
		return whenEmpty
	}
	return float64(numerator) / float64(denominator)
}

func meanOrZero(total float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func capUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func (e *Ethos) nonTerminalCount(ctx context.Context) (int, error) {
	return e.scalarInt(ctx, `SELECT COUNT(*) AS n FROM issues WHERE status NOT IN ('done', 'cancelled')`)
}

func (e *Ethos) nonTerminalWithProjectCount(ctx context.Context) (int, error) {
	return e.scalarInt(ctx, `SELECT COUNT(*) AS n FROM issues WHERE status NOT IN ('done', 'cancelled') AND project_id IS NOT NULL`)
}

func (e *Ethos) statusCounts(ctx context.Context) (blocked, openInProgress int, err error) {
	blocked, err = e.scalarInt(ctx, `SELECT COUNT(*) AS n FROM issues WHERE status = 'blocked'`)
	if err != nil {
		return 0, 0, err
	}
	openInProgress, err = e.scalarInt(ctx, `SELECT COUNT(*) AS n FROM issues WHERE status IN ('open', 'in_progress')`)
	return blocked, openInProgress, err
}

func (e *Ethos) recentSuccessCount(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-24 * time.Hour).Unix()
	row, err := e.store.Prepare(`SELECT COUNT(*) AS n FROM outcomes WHERE result = 'success' AND recorded_at >= ?`).
		Bind(cutoff).First(ctx)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return row.Int("n"), nil
}

func (e *Ethos) totalNonTerminalAgeSeconds(ctx context.Context) (float64, error) {
	row, err := e.store.Prepare(`
		SELECT COALESCE(SUM(? - created_at), 0) AS total
		FROM issues WHERE status NOT IN ('done', 'cancelled')
	`).Bind(time.Now().UTC().Unix()).First(ctx)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return row.Float64("total"), nil
}

func (e *Ethos) activeAgentCount(ctx context.Context) (int, error) {
	return e.scalarInt(ctx, `SELECT COUNT(*) AS n FROM agents WHERE status = 'active'`)
}

func (e *Ethos) scalarInt(ctx context.Context, sql string) (int, error) {
	row, err := e.store.Prepare(sql).First(ctx)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return row.Int("n"), nil
}

func (e *Ethos) persistSnapshot(ctx context.Context, m Metrics) error {
	_, err := e.store.Prepare(`
		INSERT INTO health_snapshots (coherence, velocity, blockage, staleness, claim_health, agent_health, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`).Bind(m.Coherence, m.Velocity, m.Blockage, m.Staleness, m.ClaimHealth, m.AgentHealth, m.RecordedAt.Unix()).Run(ctx)
	return err
}

// CheckViolations evaluates every configured threshold against m.
func (e *Ethos) CheckViolations(m Metrics) []Violation {
	var violations []Violation
	for _, t := range e.thresholds {
		actual := m.valueOf(t.Metric)
		violated := (t.Operator == OpMin && actual < t.Value) || (t.Operator == OpMax && actual > t.Value)
		if violated {
			violations = append(violations, Violation{
				Metric:    t.Metric,
				Operator:  t.Operator,
				Threshold: t.Value,
				Actual:    actual,
				ActionTag: t.ActionTag,
			})
		}
	}
	return violations
}

// RespondToViolations opens at most one active remediation project per
// action tag, skipping any action already covered by an active project
// whose metadata.remediationFor matches the metric.
func (e *Ethos) RespondToViolations(ctx context.Context, violations []Violation) ([]tracker.Project, error) {
	if len(violations) == 0 {
		return nil, nil
	}

	active, err := e.tracker.ListActiveProjects(ctx)
	if err != nil {
		return nil, err
	}
	covered := map[string]bool{}
	for _, p := range active {
		if rf, ok := p.Metadata["remediationFor"].(string); ok {
			covered[rf] = true
		}
	}

	plan := plans()
	var created []tracker.Project
	for _, v := range violations {
		if covered[v.Metric] {
			continue
		}
		action, ok := plan[v.ActionTag]
		if !ok {
			e.logger.Warn("no remediation plan for action tag", "action_tag", v.ActionTag)
			continue
		}
		p, err := e.tracker.CreateProject(ctx, tracker.CreateProjectInput{
			Name:            action.name,
			Description:     action.description,
			SuccessCriteria: action.successCriteria,
			Metadata: map[string]any{
				"autoGenerated":   true,
				"remediationFor":  v.Metric,
				"violationOp":     string(v.Operator),
				"violationValue":  v.Threshold,
				"violationActual": v.Actual,
				"actionTag":       v.ActionTag,
			},
		})
		if err != nil {
			return nil, err
		}
		covered[v.Metric] = true
		created = append(created, *p)
	}
	return created, nil
}

// GetHealthHistory returns every snapshot recorded since hoursWindow
// ago.
func (e *Ethos) GetHealthHistory(ctx context.Context, hoursWindow float64) ([]Snapshot, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hoursWindow * float64(time.Hour))).Unix()
	rows, err := e.store.Prepare(`
		SELECT * FROM health_snapshots WHERE recorded_at >= ? ORDER BY recorded_at ASC
	`).Bind(cutoff).All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToSnapshot(r))
	}
	return out, nil
}

// GetHealthTrend compares the first and last snapshot over the default
// (or given) window, classifying each metric's movement and
// majority-voting the overall direction.
func (e *Ethos) GetHealthTrend(ctx context.Context, window time.Duration) (Trend, error) {
	if window <= 0 {
		window = defaultTrendWindow
	}
	history, err := e.GetHealthHistory(ctx, window.Hours())
	if err != nil {
		return Trend{}, err
	}
	if len(history) < 2 {
		return Trend{PerMetric: map[string]TrendDirection{}, Overall: TrendStable}, nil
	}

	first, last := history[0].Metrics, history[len(history)-1].Metrics
	metrics := []string{"coherence", "velocity", "blockage", "staleness", "claimHealth", "agentHealth"}

	perMetric := map[string]TrendDirection{}
	improving, degrading := 0, 0
	for _, name := range metrics {
		dir := classifyTrend(first.valueOf(name), last.valueOf(name), higherIsBetter(name))
		perMetric[name] = dir
		switch dir {
		case TrendImproving:
			improving++
		case TrendDegrading:
			degrading++
		}
	}

	overall := TrendStable
	if improving >= 3 && improving > degrading {
		overall = TrendImproving
	} else if degrading >= 3 && degrading > improving {
		overall = TrendDegrading
	}
	return Trend{PerMetric: perMetric, Overall: overall}, nil
}

func classifyTrend(from, to float64, higherBetter bool) TrendDirection {
	if from == 0 {
		if to == 0 {
			return TrendStable
		}
		if higherBetter {
			return TrendImproving
		}
		return TrendDegrading
	}
	change := (to - from) / from
	const threshold = 0.10
	if change > threshold {
		if higherBetter {
			return TrendImproving
		}
		return TrendDegrading
	}
	if change < -threshold {
		if higherBetter {
			return TrendDegrading
		}
		return TrendImproving
	}
	return TrendStable
}

// RunCycle composes the full housekeeping + monitoring pass:
// reclaimExpired, detectDeadAgents, assessHealth, checkViolations,
// respondToViolations.
func (e *Ethos) RunCycle(ctx context.Context) (CycleResult, error) {
	if _, err := e.claims.ReclaimExpired(ctx); err != nil {
		return CycleResult{}, err
	}
	if _, err := e.claims.DetectDeadAgents(ctx, claims.DefaultDeadAgentTimeout); err != nil {
		return CycleResult{}, err
	}

	m, err := e.AssessHealth(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	violations := e.CheckViolations(m)
	created, err := e.RespondToViolations(ctx, violations)
	if err != nil {
		return CycleResult{}, err
	}

	ids := make([]string, 0, len(created))
	for _, p := range created {
		ids = append(ids, p.ID)
	}
	return CycleResult{Metrics: m, Violations: violations, Projects: ids}, nil
}

func rowToSnapshot(row store.Row) Snapshot {
	return Snapshot{
		ID: row.Int64("id"),
		Metrics: Metrics{
			Coherence:   row.Float64("coherence"),
			Velocity:    row.Float64("velocity"),
			Blockage:    row.Float64("blockage"),
			Staleness:   row.Float64("staleness"),
			ClaimHealth: row.Float64("claim_health"),
			AgentHealth: row.Float64("agent_health"),
			RecordedAt:  time.Unix(row.Int64("recorded_at"), 0).UTC(),
		},
	}
}
