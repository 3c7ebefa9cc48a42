package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/swarmkit/coordination/coorderr"
	"github.com/swarmkit/coordination/idgen"
	"github.com/swarmkit/coordination/store"
)

// Tracker owns Projects, Issues, Dependencies and Outcomes and
// maintains the graph invariants: blocked iff an unresolved blocker
// exists, terminal iff resolved_at is set, live claim implies status
// in_progress; the last is enforced jointly with Claims.
type Tracker struct {
	store  store.Adapter
	logger *slog.Logger
}

// New returns a Tracker over adapter. A nil logger defaults to
// slog.Default().
func New(adapter store.Adapter, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: adapter, logger: logger}
}

func now() time.Time { return time.Now().UTC() }

// --- Projects ---

// CreateProjectInput is the input to CreateProject.
type CreateProjectInput struct {
	Name            string
	Description     string
	SuccessCriteria string
	Metadata        map[string]any
}

// CreateProject inserts a new active project.
func (t *Tracker) CreateProject(ctx context.Context, in CreateProjectInput) (*Project, error) {
	id := idgen.New(idgen.PrefixProject, now().Unix())
	p := Project{
		ID:              id,
		Name:            in.Name,
		Description:     in.Description,
		Status:          ProjectActive,
		SuccessCriteria: in.SuccessCriteria,
		Metadata:        in.Metadata,
		CreatedAt:       now(),
	}
	_, err := t.store.Prepare(`
		INSERT INTO projects (id, name, description, status, success_criteria, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`).Bind(p.ID, p.Name, p.Description, string(p.Status), p.SuccessCriteria, marshalMetadata(p.Metadata), p.CreatedAt.Unix()).Run(ctx)
	if err != nil {
		return nil, coorderr.Wrap("create project", err)
	}
	return &p, nil
}

// GetProject fetches a project by id.
func (t *Tracker) GetProject(ctx context.Context, id string) (*Project, error) {
	row, err := t.store.Prepare(`SELECT * FROM projects WHERE id = ?`).Bind(id).First(ctx)
	if err != nil {
		return nil, coorderr.Wrap("get project", err)
	}
	if row == nil {
		return nil, coorderr.NotFound("project", id)
	}
	p := rowToProject(row)
	return &p, nil
}

// UpdateProjectStatus flips a project's status, setting completed_at
// when the new status is ProjectCompleted and clearing it otherwise.
func (t *Tracker) UpdateProjectStatus(ctx context.Context, id string, status ProjectStatus) error {
	var completedAt any
	if status == ProjectCompleted {
		completedAt = now().Unix()
	}
	res, err := t.store.Prepare(`
		UPDATE projects SET status = ?, completed_at = ? WHERE id = ?
	`).Bind(string(status), completedAt, id).Run(ctx)
	if err != nil {
		return coorderr.Wrap("update project status", err)
	}
	if res.Changes == 0 {
		return coorderr.NotFound("project", id)
	}
	return nil
}

// ListActiveProjects returns every project with status=active, used by
// Ethos's "at most one active remediation project per action tag"
// check.
func (t *Tracker) ListActiveProjects(ctx context.Context) ([]Project, error) {
	rows, err := t.store.Prepare(`SELECT * FROM projects WHERE status = 'active' ORDER BY created_at`).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("list active projects", err)
	}
	out := make([]Project, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToProject(r))
	}
	return out, nil
}

// --- Issues ---

// CreateIssue inserts a new open issue. A nil in.Priority defaults to
// DefaultPriority.
func (t *Tracker) CreateIssue(ctx context.Context, in CreateIssueInput) (*Issue, error) {
	priority := DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	if priority < 0 || priority > 4 {
		return nil, coorderr.Invalid("priority must be in [0,4]")
	}
	ts := now()
	id := idgen.New(idgen.PrefixIssue, ts.Unix())
	iss := Issue{
		ID:          id,
		Description: in.Description,
		Status:      StatusOpen,
		ProjectID:   in.ProjectID,
		ParentID:    in.ParentID,
		Priority:    priority,
		Labels:      in.Labels,
		Metadata:    in.Metadata,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	_, err := t.store.Prepare(`
		INSERT INTO issues (id, description, status, project_id, parent_id, priority, labels, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`).Bind(iss.ID, iss.Description, string(iss.Status), nilableStr(iss.ProjectID), nilableStr(iss.ParentID),
		iss.Priority, marshalLabels(iss.Labels), marshalMetadata(iss.Metadata), iss.CreatedAt.Unix(), iss.UpdatedAt.Unix()).
		Run(ctx)
	if err != nil {
		return nil, coorderr.Wrap("create issue", err)
	}
	return &iss, nil
}

func nilableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// GetIssue fetches an issue by id.
func (t *Tracker) GetIssue(ctx context.Context, id string) (*Issue, error) {
	row, err := t.store.Prepare(`SELECT * FROM issues WHERE id = ?`).Bind(id).First(ctx)
	if err != nil {
		return nil, coorderr.Wrap("get issue", err)
	}
	if row == nil {
		return nil, coorderr.NotFound("issue", id)
	}
	iss := rowToIssue(row)
	return &iss, nil
}

// UpdateIssue applies patch to issue id, bumping updated_at and
// setting/clearing resolved_at, and records a history entry when
// status changes.
func (t *Tracker) UpdateIssue(ctx context.Context, id string, patch IssuePatch) (*Issue, error) {
	var out *Issue
	err := t.store.WithTx(ctx, func(a store.Adapter) error {
		row, err := a.Prepare(`SELECT * FROM issues WHERE id = ?`).Bind(id).First(ctx)
		if err != nil {
			return coorderr.Wrap("update issue", err)
		}
		if row == nil {
			return coorderr.NotFound("issue", id)
		}
		iss := rowToIssue(row)
		fromStatus := iss.Status

		if patch.Description != nil {
			iss.Description = *patch.Description
		}
		if patch.Priority != nil {
			if *patch.Priority < 0 || *patch.Priority > 4 {
				return coorderr.Invalid("priority must be in [0,4]")
			}
			iss.Priority = *patch.Priority
		}
		if patch.Labels != nil {
			iss.Labels = patch.Labels
		}
		if patch.Metadata != nil {
			iss.Metadata = patch.Metadata
		}
		if patch.Status != nil {
			iss.Status = *patch.Status
		}

		iss.UpdatedAt = now()
		if iss.Status.IsTerminal() {
			t := iss.UpdatedAt
			iss.ResolvedAt = &t
		} else if iss.Status == StatusOpen {
			iss.ResolvedAt = nil
		}

		_, err = a.Prepare(`
			UPDATE issues SET description=?, status=?, priority=?, labels=?, metadata=?, updated_at=?, resolved_at=?
			WHERE id = ?
		`).Bind(iss.Description, string(iss.Status), iss.Priority, marshalLabels(iss.Labels), marshalMetadata(iss.Metadata),
			iss.UpdatedAt.Unix(), nilableUnix(iss.ResolvedAt), iss.ID).Run(ctx)
		if err != nil {
			return coorderr.Wrap("update issue", err)
		}

		if patch.Status != nil && fromStatus != iss.Status {
			if err := addHistory(ctx, a, iss.ID, fromStatus, iss.Status, ""); err != nil {
				t.logger.Warn("issue history insert failed", "issue_id", iss.ID, "error", err)
			}
		}

		out = &iss
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nilableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func addHistory(ctx context.Context, a store.Adapter, issueID string, from, to Status, note string) error {
	_, err := a.Prepare(`
		INSERT INTO issue_history (issue_id, from_status, to_status, note, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`).Bind(issueID, string(from), string(to), note, now().Unix()).Run(ctx)
	return err
}

// ListIssues returns issues matching filter ordered by (priority ASC,
// created_at ASC).
func (t *Tracker) ListIssues(ctx context.Context, filter ListIssuesFilter) ([]Issue, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ProjectID != nil {
		where = append(where, "project_id = ?")
		args = append(args, *filter.ProjectID)
	}
	for _, l := range filter.Labels {
		where = append(where, "labels LIKE ?")
		args = append(args, `%"`+l+`"%`)
	}

	q := "SELECT * FROM issues"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority ASC, created_at ASC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := t.store.Prepare(q).Bind(args...).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("list issues", err)
	}
	out := make([]Issue, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToIssue(r))
	}
	return out, nil
}

// GetReadyIssues returns open, unblocked, unclaimed issues ordered by
// (priority ASC, created_at ASC).
func (t *Tracker) GetReadyIssues(ctx context.Context, limit int) ([]Issue, error) {
	q := `
		SELECT i.* FROM issues i
		WHERE i.status = 'open'
		AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN issues blocker ON blocker.id = d.from_id
			WHERE d.to_id = i.id AND d.type = 'blocks'
			AND blocker.status NOT IN ('done', 'cancelled')
		)
		AND NOT EXISTS (SELECT 1 FROM claims c WHERE c.issue_id = i.id)
		ORDER BY i.priority ASC, i.created_at ASC
	`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := t.store.Prepare(q).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("get ready issues", err)
	}
	out := make([]Issue, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToIssue(r))
	}
	return out, nil
}

// GetBlockedIssues returns every open-or-blocked issue that has at
// least one unresolved blocks edge, paired with its blockers.
func (t *Tracker) GetBlockedIssues(ctx context.Context) ([]BlockedIssue, error) {
	rows, err := t.store.Prepare(`
		SELECT * FROM issues WHERE status IN ('open', 'blocked')
	`).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("get blocked issues", err)
	}

	var out []BlockedIssue
	for _, r := range rows {
		iss := rowToIssue(r)
		blockers, err := t.unresolvedBlockers(ctx, iss.ID)
		if err != nil {
			return nil, err
		}
		if len(blockers) > 0 {
			out = append(out, BlockedIssue{Issue: iss, BlockedBy: blockers})
		}
	}
	return out, nil
}

func (t *Tracker) unresolvedBlockers(ctx context.Context, issueID string) ([]Issue, error) {
	rows, err := t.store.Prepare(`
		SELECT blocker.* FROM dependencies d
		JOIN issues blocker ON blocker.id = d.from_id
		WHERE d.to_id = ? AND d.type = 'blocks' AND blocker.status NOT IN ('done', 'cancelled')
	`).Bind(issueID).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("unresolved blockers", err)
	}
	out := make([]Issue, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToIssue(r))
	}
	return out, nil
}

// --- Dependencies ---

// AddDependency inserts the edge (idempotent) and, for a blocks edge
// whose blocker is unresolved, transitions the target to blocked.
// Rejects edges that would close a cycle in the live blocks subgraph
// over non-terminal issues.
func (t *Tracker) AddDependency(ctx context.Context, from, to string, typ DependencyType) error {
	return t.store.WithTx(ctx, func(a store.Adapter) error {
		if typ == DependencyBlocks {
			cyclic, err := t.wouldCycle(ctx, a, from, to)
			if err != nil {
				return err
			}
			if cyclic {
				return coorderr.Conflict("dependency would create a blocks cycle")
			}
		}

		_, err := a.Prepare(`
			INSERT OR IGNORE INTO dependencies (from_id, to_id, type, created_at)
			VALUES (?, ?, ?, ?)
		`).Bind(from, to, string(typ), now().Unix()).Run(ctx)
		if err != nil {
			return coorderr.Wrap("add dependency", err)
		}

		if typ == DependencyBlocks {
			blockerRow, err := a.Prepare(`SELECT * FROM issues WHERE id = ?`).Bind(from).First(ctx)
			if err != nil {
				return coorderr.Wrap("add dependency", err)
			}
			if blockerRow == nil {
				return coorderr.NotFound("issue", from)
			}
			blocker := rowToIssue(blockerRow)

			targetRow, err := a.Prepare(`SELECT * FROM issues WHERE id = ?`).Bind(to).First(ctx)
			if err != nil {
				return coorderr.Wrap("add dependency", err)
			}
			if targetRow == nil {
				return coorderr.NotFound("issue", to)
			}
			target := rowToIssue(targetRow)

			if !blocker.Status.IsTerminal() && !target.Status.IsTerminal() && target.Status != StatusBlocked {
				if err := t.setStatus(ctx, a, to, StatusBlocked, ""); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// wouldCycle reports whether adding a blocks edge from->to would close
// a cycle, i.e. whether to can already reach from by walking outbound
// blocks edges among non-terminal issues.
func (t *Tracker) wouldCycle(ctx context.Context, a store.Adapter, from, to string) (bool, error) {
	if from == to {
		return true, nil
	}
	visited := map[string]bool{}
	var walk func(node string) (bool, error)
	walk = func(node string) (bool, error) {
		if node == from {
			return true, nil
		}
		if visited[node] {
			return false, nil
		}
		visited[node] = true

		rows, err := a.Prepare(`
			SELECT d.to_id FROM dependencies d
			JOIN issues target ON target.id = d.to_id
			WHERE d.from_id = ? AND d.type = 'blocks' AND target.status NOT IN ('done','cancelled')
		`).Bind(node).All(ctx)
		if err != nil {
			return false, coorderr.Wrap("cycle check", err)
		}
		for _, r := range rows {
			found, err := walk(r.Str("to_id"))
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
		}
		return false, nil
	}
	return walk(to)
}

// RemoveDependency deletes the edge and, for a blocks edge, unblocks
// the target if no unresolved blockers remain.
func (t *Tracker) RemoveDependency(ctx context.Context, from, to string, typ DependencyType) error {
	return t.store.WithTx(ctx, func(a store.Adapter) error {
		_, err := a.Prepare(`
			DELETE FROM dependencies WHERE from_id = ? AND to_id = ? AND type = ?
		`).Bind(from, to, string(typ)).Run(ctx)
		if err != nil {
			return coorderr.Wrap("remove dependency", err)
		}

		if typ != DependencyBlocks {
			return nil
		}

		targetRow, err := a.Prepare(`SELECT * FROM issues WHERE id = ?`).Bind(to).First(ctx)
		if err != nil {
			return coorderr.Wrap("remove dependency", err)
		}
		if targetRow == nil {
			return nil
		}
		target := rowToIssue(targetRow)
		if target.Status != StatusBlocked {
			return nil
		}

		remaining, err := a.Prepare(`
			SELECT 1 FROM dependencies d
			JOIN issues blocker ON blocker.id = d.from_id
			WHERE d.to_id = ? AND d.type = 'blocks' AND blocker.status NOT IN ('done','cancelled')
			LIMIT 1
		`).Bind(to).First(ctx)
		if err != nil {
			return coorderr.Wrap("remove dependency", err)
		}
		if remaining == nil {
			return t.setStatus(ctx, a, to, StatusOpen, "")
		}
		return nil
	})
}

// setStatus is an internal status flip used by graph-maintenance paths
// (block/unblock), distinct from UpdateIssue which is the public,
// full-patch entry point; both funnel through the same resolved_at and
// history logic.
func (t *Tracker) setStatus(ctx context.Context, a store.Adapter, issueID string, status Status, note string) error {
	row, err := a.Prepare(`SELECT * FROM issues WHERE id = ?`).Bind(issueID).First(ctx)
	if err != nil {
		return coorderr.Wrap("set status", err)
	}
	if row == nil {
		return coorderr.NotFound("issue", issueID)
	}
	iss := rowToIssue(row)
	fromStatus := iss.Status
	iss.Status = status
	iss.UpdatedAt = now()
	if status.IsTerminal() {
		r := iss.UpdatedAt
		iss.ResolvedAt = &r
	} else if status == StatusOpen {
		iss.ResolvedAt = nil
	}

	_, err = a.Prepare(`
		UPDATE issues SET status=?, updated_at=?, resolved_at=? WHERE id = ?
	`).Bind(string(iss.Status), iss.UpdatedAt.Unix(), nilableUnix(iss.ResolvedAt), iss.ID).Run(ctx)
	if err != nil {
		return coorderr.Wrap("set status", err)
	}
	if fromStatus != status {
		if err := addHistory(ctx, a, issueID, fromStatus, status, note); err != nil {
			t.logger.Warn("issue history insert failed", "issue_id", issueID, "error", err)
		}
	}
	return nil
}

// --- Outcomes ---

// RecordOutcome appends an outcome and applies the status side effects:
// success -> done + unblockDependents, cancelled -> cancelled,
// failure/partial -> no change. A second outcome on an already-terminal
// issue is accepted; the outcome is still appended.
func (t *Tracker) RecordOutcome(ctx context.Context, issueID, agentID string, result OutcomeResult, learnings string, metadata map[string]any) (*Outcome, error) {
	var out *Outcome
	err := t.store.WithTx(ctx, func(a store.Adapter) error {
		issueRow, err := a.Prepare(`SELECT * FROM issues WHERE id = ?`).Bind(issueID).First(ctx)
		if err != nil {
			return coorderr.Wrap("record outcome", err)
		}
		if issueRow == nil {
			return coorderr.NotFound("issue", issueID)
		}

		oc := Outcome{
			ID:         idgen.New(idgen.PrefixOutcome, now().Unix()),
			IssueID:    issueID,
			AgentID:    agentID,
			Result:     result,
			Learnings:  learnings,
			Metadata:   metadata,
			RecordedAt: now(),
		}
		_, err = a.Prepare(`
			INSERT INTO outcomes (id, issue_id, agent_id, result, learnings, metadata, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`).Bind(oc.ID, oc.IssueID, oc.AgentID, string(oc.Result), oc.Learnings, marshalMetadata(oc.Metadata), oc.RecordedAt.Unix()).Run(ctx)
		if err != nil {
			return coorderr.Wrap("record outcome", err)
		}

		switch result {
		case ResultSuccess:
			if err := t.setStatus(ctx, a, issueID, StatusDone, "completed by "+agentID); err != nil {
				return err
			}
			if err := t.unblockDependents(ctx, a, issueID); err != nil {
				return err
			}
		case ResultCancelled:
			if err := t.setStatus(ctx, a, issueID, StatusCancelled, "cancelled by "+agentID); err != nil {
				return err
			}
		}

		out = &oc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// unblockDependents performs a single-level sweep: every direct
// blocks-target of issueID that has no other unresolved blocker flips
// from blocked to open.
func (t *Tracker) unblockDependents(ctx context.Context, a store.Adapter, issueID string) error {
	targets, err := a.Prepare(`
		SELECT to_id FROM dependencies WHERE from_id = ? AND type = 'blocks'
	`).Bind(issueID).All(ctx)
	if err != nil {
		return coorderr.Wrap("unblock dependents", err)
	}
	for _, r := range targets {
		targetID := r.Str("to_id")
		targetRow, err := a.Prepare(`SELECT * FROM issues WHERE id = ?`).Bind(targetID).First(ctx)
		if err != nil {
			return coorderr.Wrap("unblock dependents", err)
		}
		if targetRow == nil {
			continue
		}
		target := rowToIssue(targetRow)
		if target.Status != StatusBlocked {
			continue
		}
		remaining, err := a.Prepare(`
			SELECT 1 FROM dependencies d
			JOIN issues blocker ON blocker.id = d.from_id
			WHERE d.to_id = ? AND d.type = 'blocks' AND blocker.status NOT IN ('done','cancelled')
			LIMIT 1
		`).Bind(targetID).First(ctx)
		if err != nil {
			return coorderr.Wrap("unblock dependents", err)
		}
		if remaining == nil {
			if err := t.setStatus(ctx, a, targetID, StatusOpen, "unblocked by "+issueID); err != nil {
				return err
			}
		}
	}
	return nil
}

// BlockingTargets returns the ids of every issue directly blocked by
// issueID via a blocks edge, used by the coordinator façade's
// completeWork return value (observability only; unblocking itself
// already happened inside RecordOutcome).
func (t *Tracker) BlockingTargets(ctx context.Context, issueID string) ([]string, error) {
	rows, err := t.store.Prepare(`
		SELECT to_id FROM dependencies WHERE from_id = ? AND type = 'blocks'
	`).Bind(issueID).All(ctx)
	if err != nil {
		return nil, coorderr.Wrap("blocking targets", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Str("to_id"))
	}
	return out, nil
}
