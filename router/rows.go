package router

import (
	"encoding/json"
	"time"

	"github.com/swarmkit/coordination/store"
	"github.com/swarmkit/coordination/tracker"
)

func unmarshalLabels(s string) []string {
	if s == "" {
		return nil
	}
	var labels []string
	_ = json.Unmarshal([]byte(s), &labels)
	return labels
}

func unmarshalMetadata(s string) map[string]any {
	meta := map[string]any{}
	if s == "" {
		return meta
	}
	_ = json.Unmarshal([]byte(s), &meta)
	return meta
}

func issueFromRow(row store.Row) tracker.Issue {
	iss := tracker.Issue{
		ID:          row.Str("id"),
		Description: row.Str("description"),
		Status:      tracker.Status(row.Str("status")),
		Priority:    row.Int("priority"),
		Labels:      unmarshalLabels(row.Str("labels")),
		Metadata:    unmarshalMetadata(row.Str("metadata")),
		CreatedAt:   time.Unix(row.Int64("created_at"), 0).UTC(),
		UpdatedAt:   time.Unix(row.Int64("updated_at"), 0).UTC(),
	}
	if pid, ok := row.NullStr("project_id"); ok {
		iss.ProjectID = &pid
	}
	if pid, ok := row.NullStr("parent_id"); ok {
		iss.ParentID = &pid
	}
	if sec, ok := row.NullInt64("resolved_at"); ok {
		t := time.Unix(sec, 0).UTC()
		iss.ResolvedAt = &t
	}
	return iss
}
