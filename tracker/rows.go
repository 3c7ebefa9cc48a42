package tracker

import (
	"encoding/json"
	"time"

	"github.com/swarmkit/coordination/store"
)

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func marshalLabels(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	b, _ := json.Marshal(labels)
	return string(b)
}

func unmarshalLabels(s string) []string {
	if s == "" {
		return nil
	}
	var labels []string
	_ = json.Unmarshal([]byte(s), &labels)
	return labels
}

func marshalMetadata(meta map[string]any) string {
	if meta == nil {
		meta = map[string]any{}
	}
	b, _ := json.Marshal(meta)
	return string(b)
}

func unmarshalMetadata(s string) map[string]any {
	meta := map[string]any{}
	if s == "" {
		return meta
	}
	_ = json.Unmarshal([]byte(s), &meta)
	return meta
}

func rowToProject(row store.Row) Project {
	p := Project{
		ID:              row.Str("id"),
		Name:            row.Str("name"),
		Description:     row.Str("description"),
		Status:          ProjectStatus(row.Str("status")),
		SuccessCriteria: row.Str("success_criteria"),
		Metadata:        unmarshalMetadata(row.Str("metadata")),
		CreatedAt:       unixToTime(row.Int64("created_at")),
	}
	if sec, ok := row.NullInt64("completed_at"); ok {
		t := unixToTime(sec)
		p.CompletedAt = &t
	}
	return p
}

func rowToIssue(row store.Row) Issue {
	iss := Issue{
		ID:          row.Str("id"),
		Description: row.Str("description"),
		Status:      Status(row.Str("status")),
		Priority:    row.Int("priority"),
		Labels:      unmarshalLabels(row.Str("labels")),
		Metadata:    unmarshalMetadata(row.Str("metadata")),
		CreatedAt:   unixToTime(row.Int64("created_at")),
		UpdatedAt:   unixToTime(row.Int64("updated_at")),
	}
	if pid, ok := row.NullStr("project_id"); ok {
		iss.ProjectID = &pid
	}
	if pid, ok := row.NullStr("parent_id"); ok {
		iss.ParentID = &pid
	}
	if sec, ok := row.NullInt64("resolved_at"); ok {
		t := unixToTime(sec)
		iss.ResolvedAt = &t
	}
	return iss
}

func rowToDependency(row store.Row) Dependency {
	return Dependency{
		FromID:    row.Str("from_id"),
		ToID:      row.Str("to_id"),
		Type:      DependencyType(row.Str("type")),
		CreatedAt: unixToTime(row.Int64("created_at")),
	}
}

func rowToOutcome(row store.Row) Outcome {
	return Outcome{
		ID:         row.Str("id"),
		IssueID:    row.Str("issue_id"),
		AgentID:    row.Str("agent_id"),
		Result:     OutcomeResult(row.Str("result")),
		Learnings:  row.Str("learnings"),
		Metadata:   unmarshalMetadata(row.Str("metadata")),
		RecordedAt: unixToTime(row.Int64("recorded_at")),
	}
}
