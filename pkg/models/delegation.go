package models

import "time"

// DelegationStatus represents the lifecycle state of a delegation attempt.
type DelegationStatus string

const (
	// DelegationStatusPending indicates the delegation was recorded but the
	// child has not started.
	DelegationStatusPending DelegationStatus = "pending"
	// DelegationStatusActive indicates the child agent is executing.
	DelegationStatusActive DelegationStatus = "active"
	// DelegationStatusCompleted indicates the child finished successfully.
	DelegationStatusCompleted DelegationStatus = "completed"
	// DelegationStatusFailed indicates the child reported an error.
	DelegationStatusFailed DelegationStatus = "failed"
	// DelegationStatusCancelled indicates the delegation was cancelled.
	DelegationStatusCancelled DelegationStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s DelegationStatus) Valid() bool {
	switch s {
	case DelegationStatusPending, DelegationStatusActive,
		DelegationStatusCompleted, DelegationStatusFailed,
		DelegationStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s DelegationStatus) Terminal() bool {
	switch s {
	case DelegationStatusCompleted, DelegationStatusFailed,
		DelegationStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus maps a delegation status onto the equivalent node status,
// used when a delegation update cascades to the child node.
func (s DelegationStatus) NodeStatus() NodeStatus {
	switch s {
	case DelegationStatusPending:
		return NodeStatusPending
	case DelegationStatusActive:
		return NodeStatusActive
	case DelegationStatusCompleted:
		return NodeStatusCompleted
	case DelegationStatusFailed:
		return NodeStatusFailed
	case DelegationStatusCancelled:
		return NodeStatusCancelled
	default:
		return NodeStatus(s)
	}
}

// DelegationRecord tracks one delegation attempt from a parent agent to a
// child agent.
type DelegationRecord struct {
	// DelegationID is the unique identifier for this delegation.
	DelegationID string `json:"delegation_id"`
	// ParentAgentID is the delegating agent.
	ParentAgentID string `json:"parent_agent_id"`
	// ChildAgentID is the agent the task was delegated to.
	ChildAgentID string `json:"child_agent_id"`
	// TaskID is the task being delegated.
	TaskID string `json:"task_id"`
	// Status is the current lifecycle state.
	Status DelegationStatus `json:"status"`
	// Result holds the child's output once the delegation completes.
	Result string `json:"result,omitempty"`
	// Error holds the failure reason for failed delegations.
	Error string `json:"error,omitempty"`
	// Metadata holds free-form caller-supplied attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
	// CreatedAt is when the delegation was registered.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is set exactly once, on the transition to a terminal
	// status. Nil until then.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
