package hierarchy

import "errors"

var (
	// ErrAlreadyRegistered indicates the child agent ID is already in the tree.
	ErrAlreadyRegistered = errors.New("agent already registered")
	// ErrParentNotFound indicates the named parent is not in the tree.
	ErrParentNotFound = errors.New("parent agent not found")
	// ErrMaxDepthExceeded indicates the registration would exceed the
	// configured maximum delegation depth.
	ErrMaxDepthExceeded = errors.New("max delegation depth exceeded")
	// ErrMaxChildrenExceeded indicates the parent already holds the
	// configured maximum number of children.
	ErrMaxChildrenExceeded = errors.New("max children exceeded")
	// ErrCycleDetected indicates the registration would make a node its
	// own ancestor.
	ErrCycleDetected = errors.New("delegation cycle detected")
	// ErrDelegationExists indicates a duplicate delegation ID.
	ErrDelegationExists = errors.New("delegation already registered")
	// ErrDelegationNotFound indicates an unknown delegation ID.
	ErrDelegationNotFound = errors.New("delegation not found")
)
