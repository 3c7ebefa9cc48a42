// Package claims owns the agent registry and the exclusive-lease
// protocol over issues: registration, heartbeats, claim acquisition,
// expiry reclaim, dead-agent detection, and the broadcast event log
// that makes every transition observable.
package claims

import "time"

// AgentStatus is an Agent's liveness state.
type AgentStatus string

const (
	AgentActive AgentStatus = "active"
	AgentIdle   AgentStatus = "idle"
	AgentDead   AgentStatus = "dead"
)

// Agent is a registered worker.
type Agent struct {
	AgentID      string
	Capabilities []string
	Status       AgentStatus
	LastSeenAt   time.Time
	Metadata     map[string]any
}

// HasCapability reports whether the agent lists capability c.
func (a Agent) HasCapability(c string) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Claim is an exclusive lease on an issue.
type Claim struct {
	IssueID     string
	AgentID     string
	ClaimedAt   time.Time
	ExpiresAt   *time.Time // nil = infinite
	HeartbeatAt time.Time
}

// Expired reports whether the claim's TTL has passed as of now.
func (c Claim) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// EventType classifies a Broadcast entry.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventBlocked   EventType = "blocked"
	EventDiscovered EventType = "discovered"
	EventClaimed   EventType = "claimed"
	EventReleased  EventType = "released"
)

// Broadcast is an append-only, best-effort event log entry. Consumers
// tail it by ID for a total order of observed events.
type Broadcast struct {
	ID        int64
	EventType EventType
	IssueID   string
	AgentID   string
	Payload   map[string]any
	CreatedAt time.Time
}

// Defaults.
const (
	DefaultClaimTTL         = 5 * time.Minute
	DefaultHeartbeatPeriod  = 30 * time.Second
	DefaultDeadAgentTimeout = 2 * time.Minute
)
