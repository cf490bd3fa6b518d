package models

import "time"

// NodeStatus represents the current state of a hierarchy node.
type NodeStatus string

const (
	// NodeStatusPending indicates the agent has been registered but not started.
	NodeStatusPending NodeStatus = "pending"
	// NodeStatusActive indicates the agent is actively working.
	NodeStatusActive NodeStatus = "active"
	// NodeStatusCompleted indicates the agent finished successfully.
	NodeStatusCompleted NodeStatus = "completed"
	// NodeStatusFailed indicates the agent encountered an error.
	NodeStatusFailed NodeStatus = "failed"
	// NodeStatusCancelled indicates the agent was cancelled before finishing.
	NodeStatusCancelled NodeStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusPending, NodeStatusActive, NodeStatusCompleted,
		NodeStatusFailed, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeMetadata carries the delegation context attached to a hierarchy node.
type NodeMetadata struct {
	// DelegationID links the node to the delegation that created it.
	DelegationID string `json:"delegation_id,omitempty"`
	// TaskID is the task the agent was delegated.
	TaskID string `json:"task_id,omitempty"`
	// AgentType describes the kind of agent occupying this node.
	AgentType string `json:"agent_type,omitempty"`
	// Extra holds free-form caller-supplied attributes.
	Extra map[string]string `json:"extra,omitempty"`
}

// HierarchyNode represents one agent's position in the delegation tree.
type HierarchyNode struct {
	// AgentID is the unique identifier for the agent at this node.
	AgentID string `json:"agent_id"`
	// ParentID is the agent that delegated to this one. Empty for roots.
	ParentID string `json:"parent_id,omitempty"`
	// Children lists child agent IDs in registration order.
	Children []string `json:"children"`
	// Depth is the distance from the root along parent links. Roots are 0.
	Depth int `json:"depth"`
	// Status is the current lifecycle state of the node.
	Status NodeStatus `json:"status"`
	// Metadata carries the delegation context for this node.
	Metadata NodeMetadata `json:"metadata"`
	// CreatedAt is when the node was registered.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the node last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// HierarchyTree is a node together with its fully materialized subtree.
type HierarchyTree struct {
	HierarchyNode
	// Subtree holds the materialized children, depth-first in
	// registration order.
	Subtree []*HierarchyTree `json:"subtree,omitempty"`
}
