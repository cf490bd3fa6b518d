// Package hierarchy tracks the delegation tree: which agent delegated to
// which, at what depth, and with what outcome. It enforces the two admission
// gates that bound tree growth (maximum depth and maximum children per
// parent) and guarantees the parent/child relation stays acyclic.
package hierarchy

import (
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/hivemind/internal/events"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Config bounds the delegation tree.
type Config struct {
	// MaxDepth is the deepest allowed delegation. Roots are depth 0.
	MaxDepth int `mapstructure:"max_depth"`
	// MaxChildren is the most children any single parent may hold.
	MaxChildren int `mapstructure:"max_children"`
}

// DefaultConfig returns the stock tree bounds.
func DefaultConfig() Config {
	return Config{
		MaxDepth:    3,
		MaxChildren: 10,
	}
}

// Capacity reports how much delegation headroom an agent has left.
type Capacity struct {
	// CanDelegate is true when the agent may register at least one child.
	CanDelegate bool `json:"can_delegate"`
	// RemainingDepth is how many levels below this agent remain.
	RemainingDepth int `json:"remaining_depth"`
	// RemainingChildren is how many more children this agent may register.
	RemainingChildren int `json:"remaining_children"`
}

// PruneResult reports the outcome of a prune.
type PruneResult struct {
	// Pruned is false when the root was unknown.
	Pruned bool `json:"pruned"`
	// RemovedNodes lists removed agent IDs, children before parents.
	RemovedNodes []string `json:"removed_nodes"`
	// RemovedDelegations lists deleted delegation IDs.
	RemovedDelegations []string `json:"removed_delegations"`
}

// Registry is the in-memory delegation tree. One mutex serializes every
// operation so the node table and the by-parent, by-depth, and by-status
// indices always change together.
type Registry struct {
	cfg     Config
	emitter *events.Emitter

	mu          sync.RWMutex
	nodes       map[string]*models.HierarchyNode
	delegations map[string]*models.DelegationRecord
	byParent    map[string][]string
	byDepth     map[int]map[string]struct{}
	byStatus    map[models.NodeStatus]map[string]struct{}

	now func() time.Time
}

// New creates a Registry. The emitter may be nil.
func New(cfg Config, emitter *events.Emitter) *Registry {
	def := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = def.MaxChildren
	}

	return &Registry{
		cfg:         cfg,
		emitter:     emitter,
		nodes:       make(map[string]*models.HierarchyNode),
		delegations: make(map[string]*models.DelegationRecord),
		byParent:    make(map[string][]string),
		byDepth:     make(map[int]map[string]struct{}),
		byStatus:    make(map[models.NodeStatus]map[string]struct{}),
		now:         time.Now,
	}
}

// RegisterHierarchy adds childID to the tree under parentID. An empty
// parentID registers a root. Admission checks run in a fixed order and the
// first violation wins: duplicate child, unknown parent, depth limit,
// children limit, cycle.
func (r *Registry) RegisterHierarchy(parentID, childID string, meta models.NodeMetadata) (*models.HierarchyNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[childID]; exists {
		return nil, fmt.Errorf("register %s: %w", childID, ErrAlreadyRegistered)
	}

	depth := 0
	if parentID != "" {
		parent, ok := r.nodes[parentID]
		if !ok {
			return nil, fmt.Errorf("register %s under %s: %w", childID, parentID, ErrParentNotFound)
		}
		depth = parent.Depth + 1
		if depth > r.cfg.MaxDepth {
			return nil, fmt.Errorf("register %s at depth %d (max %d): %w", childID, depth, r.cfg.MaxDepth, ErrMaxDepthExceeded)
		}
		if len(parent.Children) >= r.cfg.MaxChildren {
			return nil, fmt.Errorf("register %s under %s (max %d children): %w", childID, parentID, r.cfg.MaxChildren, ErrMaxChildrenExceeded)
		}
		if r.wouldCreateCycleLocked(parentID, childID) {
			return nil, fmt.Errorf("register %s under %s: %w", childID, parentID, ErrCycleDetected)
		}
	}

	now := r.now()
	node := &models.HierarchyNode{
		AgentID:   childID,
		ParentID:  parentID,
		Depth:     depth,
		Status:    models.NodeStatusPending,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.nodes[childID] = node
	if parentID != "" {
		parent := r.nodes[parentID]
		parent.Children = append(parent.Children, childID)
		parent.UpdatedAt = now
	}
	r.byParent[parentID] = append(r.byParent[parentID], childID)
	r.indexDepthLocked(childID, depth)
	r.indexStatusLocked(childID, node.Status)

	r.emitter.Emit(events.Event{
		Type:    events.EventHierarchyRegistered,
		AgentID: childID,
		Message: fmt.Sprintf("depth %d under %q", depth, parentID),
	})

	snapshot := cloneNode(node)
	return snapshot, nil
}

// wouldCreateCycleLocked reports whether childID is an ancestor of parentID.
// This is an O(depth) walk up the parent chain, including the degenerate
// self-delegation case.
func (r *Registry) wouldCreateCycleLocked(parentID, childID string) bool {
	for id := parentID; id != ""; {
		if id == childID {
			return true
		}
		node, ok := r.nodes[id]
		if !ok {
			return false
		}
		id = node.ParentID
	}
	return false
}

// RegisterDelegation records a delegation attempt.
func (r *Registry) RegisterDelegation(rec models.DelegationRecord) (*models.DelegationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.delegations[rec.DelegationID]; exists {
		return nil, fmt.Errorf("delegation %s: %w", rec.DelegationID, ErrDelegationExists)
	}

	now := r.now()
	stored := rec
	if stored.Status == "" {
		stored.Status = models.DelegationStatusPending
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.CompletedAt = nil
	r.delegations[stored.DelegationID] = &stored

	r.emitter.Emit(events.Event{
		Type:         events.EventDelegationRegistered,
		DelegationID: stored.DelegationID,
		AgentID:      stored.ChildAgentID,
	})

	snapshot := stored
	return &snapshot, nil
}

// UpdateDelegationStatus transitions a delegation and, when the child node
// is registered, cascades the equivalent node status. The first terminal
// transition sets CompletedAt and freezes the record; later transitions
// return the frozen snapshot unchanged.
func (r *Registry) UpdateDelegationStatus(delegationID string, status models.DelegationStatus, result, errMsg string) (*models.DelegationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.delegations[delegationID]
	if !ok {
		return nil, fmt.Errorf("delegation %s: %w", delegationID, ErrDelegationNotFound)
	}

	// Terminal statuses are final; late transitions are ignored.
	if rec.Status.Terminal() {
		snapshot := *rec
		return &snapshot, nil
	}

	now := r.now()
	rec.Status = status
	rec.UpdatedAt = now
	if result != "" {
		rec.Result = result
	}
	if errMsg != "" {
		rec.Error = errMsg
	}
	if status.Terminal() && rec.CompletedAt == nil {
		completed := now
		rec.CompletedAt = &completed
	}

	if rec.ChildAgentID != "" {
		r.updateNodeStatusLocked(rec.ChildAgentID, status.NodeStatus())
	}

	r.emitter.Emit(events.Event{
		Type:         events.EventDelegationUpdated,
		DelegationID: delegationID,
		AgentID:      rec.ChildAgentID,
		Message:      string(status),
	})

	snapshot := *rec
	return &snapshot, nil
}

// UpdateNodeStatus moves a node between status indices. Unknown agent IDs
// are ignored.
func (r *Registry) UpdateNodeStatus(agentID string, status models.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateNodeStatusLocked(agentID, status)
}

func (r *Registry) updateNodeStatusLocked(agentID string, status models.NodeStatus) {
	node, ok := r.nodes[agentID]
	if !ok || node.Status == status {
		return
	}

	r.unindexStatusLocked(agentID, node.Status)
	node.Status = status
	node.UpdatedAt = r.now()
	r.indexStatusLocked(agentID, status)

	r.emitter.Emit(events.Event{
		Type:    events.EventNodeStatusChanged,
		AgentID: agentID,
		Message: string(status),
	})
}

// GetNode returns a snapshot of a node, or nil if unknown.
func (r *Registry) GetNode(agentID string) *models.HierarchyNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[agentID]
	if !ok {
		return nil
	}
	return cloneNode(node)
}

// GetDelegation returns a snapshot of a delegation record, or nil.
func (r *Registry) GetDelegation(delegationID string) *models.DelegationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.delegations[delegationID]
	if !ok {
		return nil
	}
	snapshot := *rec
	return &snapshot
}

// GetHierarchy materializes the node and its full descendant subtree,
// children resolved depth-first in registration order. Returns nil for
// unknown agents.
func (r *Registry) GetHierarchy(agentID string) *models.HierarchyTree {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.nodes[agentID]; !ok {
		return nil
	}
	return r.materializeLocked(agentID)
}

func (r *Registry) materializeLocked(agentID string) *models.HierarchyTree {
	node := r.nodes[agentID]
	tree := &models.HierarchyTree{HierarchyNode: *cloneNode(node)}
	for _, childID := range node.Children {
		if _, ok := r.nodes[childID]; ok {
			tree.Subtree = append(tree.Subtree, r.materializeLocked(childID))
		}
	}
	return tree
}

// GetDelegationChain returns the path from the root down to agentID,
// inclusive. Returns nil for unknown agents.
func (r *Registry) GetDelegationChain(agentID string) []*models.HierarchyNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.nodes[agentID]; !ok {
		return nil
	}

	var chain []*models.HierarchyNode
	for id := agentID; id != ""; {
		node, ok := r.nodes[id]
		if !ok {
			break
		}
		chain = append(chain, cloneNode(node))
		id = node.ParentID
	}

	// Walked child-to-root; the chain reads root-to-child.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// GetAncestors returns the agent's ancestors, nearest first.
func (r *Registry) GetAncestors(agentID string) []*models.HierarchyNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[agentID]
	if !ok {
		return nil
	}

	var ancestors []*models.HierarchyNode
	for id := node.ParentID; id != ""; {
		parent, ok := r.nodes[id]
		if !ok {
			break
		}
		ancestors = append(ancestors, cloneNode(parent))
		id = parent.ParentID
	}
	return ancestors
}

// GetDescendants returns the agent's full subtree in pre-order, excluding
// the agent itself.
func (r *Registry) GetDescendants(agentID string) []*models.HierarchyNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[agentID]
	if !ok {
		return nil
	}

	var out []*models.HierarchyNode
	stack := make([]string, 0, len(node.Children))
	// Seed in reverse so the stack pops children in registration order.
	for i := len(node.Children) - 1; i >= 0; i-- {
		stack = append(stack, node.Children[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cur, ok := r.nodes[id]
		if !ok {
			continue
		}
		out = append(out, cloneNode(cur))
		for i := len(cur.Children) - 1; i >= 0; i-- {
			stack = append(stack, cur.Children[i])
		}
	}
	return out
}

// FindCommonAncestor returns the deepest node that is an ancestor of both
// agents (either agent counts as its own ancestor), or nil if the agents
// share no root.
func (r *Registry) FindCommonAncestor(a, b string) *models.HierarchyNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.nodes[a]; !ok {
		return nil
	}
	if _, ok := r.nodes[b]; !ok {
		return nil
	}

	lineage := make(map[string]struct{})
	for id := a; id != ""; {
		lineage[id] = struct{}{}
		node, ok := r.nodes[id]
		if !ok {
			break
		}
		id = node.ParentID
	}

	for id := b; id != ""; {
		if _, hit := lineage[id]; hit {
			return cloneNode(r.nodes[id])
		}
		node, ok := r.nodes[id]
		if !ok {
			break
		}
		id = node.ParentID
	}
	return nil
}

// PruneHierarchy removes rootID and its entire subtree, children before
// parents, along with every delegation record referencing a removed agent.
// Unknown roots return Pruned=false rather than an error.
func (r *Registry) PruneHierarchy(rootID string) PruneResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	root, ok := r.nodes[rootID]
	if !ok {
		return PruneResult{}
	}

	// Iterative post-order: a node is removed only after its whole
	// subtree has been removed.
	type frame struct {
		id       string
		expanded bool
	}
	var order []string
	stack := []frame{{id: rootID}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.expanded {
			order = append(order, top.id)
			continue
		}
		stack = append(stack, frame{id: top.id, expanded: true})
		node, ok := r.nodes[top.id]
		if !ok {
			continue
		}
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{id: node.Children[i]})
		}
	}

	removed := make(map[string]struct{}, len(order))
	for _, id := range order {
		node, ok := r.nodes[id]
		if !ok {
			continue
		}
		delete(r.nodes, id)
		r.unindexDepthLocked(id, node.Depth)
		r.unindexStatusLocked(id, node.Status)
		r.detachFromParentIndexLocked(node.ParentID, id)
		removed[id] = struct{}{}
	}

	// Detach the pruned root from its surviving parent's children list.
	if root.ParentID != "" {
		if parent, ok := r.nodes[root.ParentID]; ok {
			parent.Children = removeID(parent.Children, rootID)
			parent.UpdatedAt = r.now()
		}
	}

	var removedDelegations []string
	for id, rec := range r.delegations {
		_, parentGone := removed[rec.ParentAgentID]
		_, childGone := removed[rec.ChildAgentID]
		if parentGone || childGone {
			delete(r.delegations, id)
			removedDelegations = append(removedDelegations, id)
		}
	}

	r.emitter.Emit(events.Event{
		Type:    events.EventHierarchyPruned,
		AgentID: rootID,
		Message: fmt.Sprintf("removed %d nodes, %d delegations", len(order), len(removedDelegations)),
	})

	return PruneResult{
		Pruned:             true,
		RemovedNodes:       order,
		RemovedDelegations: removedDelegations,
	}
}

// CanDelegate reports how much headroom an agent has for further
// delegation. Unknown agents can always root a new hierarchy.
func (r *Registry) CanDelegate(agentID string) Capacity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[agentID]
	if !ok {
		return Capacity{
			CanDelegate:       true,
			RemainingDepth:    r.cfg.MaxDepth,
			RemainingChildren: r.cfg.MaxChildren,
		}
	}

	c := Capacity{
		RemainingDepth:    r.cfg.MaxDepth - node.Depth,
		RemainingChildren: r.cfg.MaxChildren - len(node.Children),
	}
	c.CanDelegate = c.RemainingDepth > 0 && c.RemainingChildren > 0
	return c
}

// NodeCount returns the number of registered nodes.
func (r *Registry) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// DelegationCount returns the number of live delegation records.
func (r *Registry) DelegationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.delegations)
}

// NodesAtDepth returns snapshots of every node at the given depth.
func (r *Registry) NodesAtDepth(depth int) []*models.HierarchyNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.HierarchyNode
	for id := range r.byDepth[depth] {
		out = append(out, cloneNode(r.nodes[id]))
	}
	return out
}

// NodesByStatus returns snapshots of every node in the given status.
func (r *Registry) NodesByStatus(status models.NodeStatus) []*models.HierarchyNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.HierarchyNode
	for id := range r.byStatus[status] {
		out = append(out, cloneNode(r.nodes[id]))
	}
	return out
}

func (r *Registry) indexDepthLocked(agentID string, depth int) {
	if _, ok := r.byDepth[depth]; !ok {
		r.byDepth[depth] = make(map[string]struct{})
	}
	r.byDepth[depth][agentID] = struct{}{}
}

func (r *Registry) unindexDepthLocked(agentID string, depth int) {
	if ids, ok := r.byDepth[depth]; ok {
		delete(ids, agentID)
		if len(ids) == 0 {
			delete(r.byDepth, depth)
		}
	}
}

func (r *Registry) indexStatusLocked(agentID string, status models.NodeStatus) {
	if _, ok := r.byStatus[status]; !ok {
		r.byStatus[status] = make(map[string]struct{})
	}
	r.byStatus[status][agentID] = struct{}{}
}

func (r *Registry) unindexStatusLocked(agentID string, status models.NodeStatus) {
	if ids, ok := r.byStatus[status]; ok {
		delete(ids, agentID)
		if len(ids) == 0 {
			delete(r.byStatus, status)
		}
	}
}

func (r *Registry) detachFromParentIndexLocked(parentID, childID string) {
	r.byParent[parentID] = removeID(r.byParent[parentID], childID)
	if len(r.byParent[parentID]) == 0 {
		delete(r.byParent, parentID)
	}
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func cloneNode(node *models.HierarchyNode) *models.HierarchyNode {
	snapshot := *node
	snapshot.Children = append([]string(nil), node.Children...)
	return &snapshot
}
