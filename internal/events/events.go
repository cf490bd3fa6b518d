// Package events delivers fire-and-forget notifications from the delegation
// core to observers such as telemetry or a dashboard layer.
package events

import "time"

// EventType identifies the kind of notification being emitted.
type EventType string

const (
	// EventHierarchyRegistered fires when a node joins the delegation tree.
	EventHierarchyRegistered EventType = "hierarchy_registered"
	// EventHierarchyPruned fires when a subtree is removed.
	EventHierarchyPruned EventType = "hierarchy_pruned"
	// EventDelegationRegistered fires when a delegation record is created.
	EventDelegationRegistered EventType = "delegation_registered"
	// EventDelegationUpdated fires on a delegation status transition.
	EventDelegationUpdated EventType = "delegation_updated"
	// EventNodeStatusChanged fires when a node moves between statuses.
	EventNodeStatusChanged EventType = "node_status_changed"
	// EventCacheSet fires when a context entry is stored.
	EventCacheSet EventType = "cache_set"
	// EventCacheDelete fires when a context entry is removed or evicted.
	EventCacheDelete EventType = "cache_delete"
	// EventPoolCheckout fires when a pooled agent is claimed.
	EventPoolCheckout EventType = "pool_checkout"
	// EventPoolCheckin fires when a pooled agent is returned.
	EventPoolCheckin EventType = "pool_checkin"
	// EventPoolRecycle fires when a pooled agent is reset for reuse.
	EventPoolRecycle EventType = "pool_recycle"
	// EventPoolDispose fires when a pooled agent is destroyed.
	EventPoolDispose EventType = "pool_dispose"
)

// Event is a single notification from the delegation core.
// Observers must never block the core; delivery is best-effort.
type Event struct {
	// Type identifies the notification.
	Type EventType `json:"type"`
	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
	// AgentID is the agent the event concerns, when applicable.
	AgentID string `json:"agent_id,omitempty"`
	// DelegationID is the delegation the event concerns, when applicable.
	DelegationID string `json:"delegation_id,omitempty"`
	// Key is the cache key the event concerns, when applicable.
	Key string `json:"key,omitempty"`
	// Message is a short human-readable description.
	Message string `json:"message,omitempty"`
}
