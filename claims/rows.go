package claims

import (
	"encoding/json"
	"time"

	"github.com/swarmkit/coordination/store"
)

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func unmarshalList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	_ = json.Unmarshal([]byte(s), &items)
	return items
}

func unmarshalMeta(s string) map[string]any {
	meta := map[string]any{}
	if s == "" {
		return meta
	}
	_ = json.Unmarshal([]byte(s), &meta)
	return meta
}

func rowToAgent(row store.Row) Agent {
	return Agent{
		AgentID:      row.Str("agent_id"),
		Capabilities: unmarshalList(row.Str("capabilities")),
		Status:       AgentStatus(row.Str("status")),
		LastSeenAt:   unixToTime(row.Int64("last_seen_at")),
		Metadata:     unmarshalMeta(row.Str("metadata")),
	}
}

func rowToClaim(row store.Row) Claim {
	cl := Claim{
		IssueID:     row.Str("issue_id"),
		AgentID:     row.Str("agent_id"),
		ClaimedAt:   unixToTime(row.Int64("claimed_at")),
		HeartbeatAt: unixToTime(row.Int64("heartbeat_at")),
	}
	if sec, ok := row.NullInt64("expires_at"); ok {
		t := unixToTime(sec)
		cl.ExpiresAt = &t
	}
	return cl
}

func rowToBroadcast(row store.Row) Broadcast {
	return Broadcast{
		ID:        row.Int64("id"),
		EventType: EventType(row.Str("event_type")),
		IssueID:   row.Str("issue_id"),
		AgentID:   row.Str("agent_id"),
		Payload:   unmarshalMeta(row.Str("payload")),
		CreatedAt: unixToTime(row.Int64("created_at")),
	}
}
