// Package pool maintains a bounded set of reusable agent execution slots.
// Checking out a slot skips the cost of instantiating a fresh agent for
// every delegation; slots are recycled after heavy use, errors, or old age.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hivemind/internal/events"
)

var (
	// ErrCheckoutTimeout indicates no slot became available within the
	// checkout timeout.
	ErrCheckoutTimeout = errors.New("pool: checkout timed out")
	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrNoFactory indicates the pool was started without a factory.
	ErrNoFactory = errors.New("pool: no agent factory configured")
)

// State is the lifecycle state of a pooled slot.
type State string

const (
	// StateIdle means the slot is available for checkout.
	StateIdle State = "idle"
	// StateInUse means the slot is checked out.
	StateInUse State = "in_use"
	// StateRecycling means the slot is being reset between uses.
	StateRecycling State = "recycling"
)

// Instance is the opaque agent produced by the injected factory.
type Instance interface {
	// Close releases whatever the instance holds. Called exactly once,
	// when the slot is disposed.
	Close() error
}

// Factory creates agent instances for pool slots.
type Factory interface {
	// NewInstance creates an agent of the given type. An empty type
	// requests the factory default.
	NewInstance(agentType string) (Instance, error)
}

// Agent is one pool slot.
type Agent struct {
	// ID uniquely identifies the slot.
	ID string
	// AgentType is the type the slot was created for.
	AgentType string
	// State is the slot's lifecycle state.
	State State
	// CreatedAt is when the slot was created.
	CreatedAt time.Time
	// LastUsedAt is when the slot was last checked in.
	LastUsedAt time.Time
	// UseCount is the number of completed checkouts.
	UseCount int
	// SuccessCount counts checkins reporting success.
	SuccessCount int
	// FailureCount counts checkins reporting failure.
	FailureCount int
	// Instance is the factory-produced agent occupying the slot.
	Instance Instance
}

// Criteria selects which slots satisfy a checkout.
type Criteria struct {
	// AgentType requests a slot of a specific type. Empty matches any.
	AgentType string
}

func (c Criteria) matches(a *Agent) bool {
	return c.AgentType == "" || c.AgentType == a.AgentType
}

// Config bounds the pool.
type Config struct {
	// MinPoolSize is the number of idle slots kept warm.
	MinPoolSize int `mapstructure:"min_pool_size"`
	// MaxPoolSize is the hard cap on total slots.
	MaxPoolSize int `mapstructure:"max_pool_size"`
	// CheckoutTimeout bounds how long a checkout waits for a slot.
	CheckoutTimeout time.Duration `mapstructure:"checkout_timeout"`
	// RecycleAfterUses routes a slot to recycling after this many uses.
	RecycleAfterUses int `mapstructure:"recycle_after_uses"`
	// RecycleOnError routes a slot to recycling after any failed use.
	RecycleOnError bool `mapstructure:"recycle_on_error"`
	// MaxAgentAge disposes slots older than this.
	MaxAgentAge time.Duration `mapstructure:"max_agent_age"`
	// IdleTimeout disposes surplus slots idle longer than this.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// MaintenanceInterval is the period of the top-up and idle sweeps.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// DefaultConfig returns the stock pool bounds.
func DefaultConfig() Config {
	return Config{
		MinPoolSize:         2,
		MaxPoolSize:         10,
		CheckoutTimeout:     10 * time.Second,
		RecycleAfterUses:    50,
		RecycleOnError:      true,
		MaxAgentAge:         time.Hour,
		IdleTimeout:         5 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Size      int    `json:"size"`
	Idle      int    `json:"idle"`
	InUse     int    `json:"in_use"`
	Waiting   int    `json:"waiting"`
	Created   uint64 `json:"created"`
	Checkouts uint64 `json:"checkouts"`
	Checkins  uint64 `json:"checkins"`
	Recycles  uint64 `json:"recycles"`
	Disposals uint64 `json:"disposals"`
	Timeouts  uint64 `json:"timeouts"`
}

// waiter is one queued checkout request. resolved is guarded by the pool
// mutex and guarantees exactly-once resolution: whichever of handoff,
// timeout, or shutdown flips it first wins.
type waiter struct {
	criteria Criteria
	ch       chan *Agent
	resolved bool
}

// Pool is a bounded pool of reusable agent slots. All methods are safe for
// concurrent use.
type Pool struct {
	cfg     Config
	factory Factory
	emitter *events.Emitter

	mu       sync.Mutex
	agents   map[string]*Agent
	waiters  []*waiter
	creating int
	closed   bool

	created   uint64
	checkouts uint64
	checkins  uint64
	recycles  uint64
	disposals uint64
	timeouts  uint64

	stop chan struct{}
	wg   sync.WaitGroup

	now func() time.Time
}

// New creates a Pool. The emitter may be nil. Call Start before Checkout.
func New(cfg Config, factory Factory, emitter *events.Emitter) *Pool {
	def := DefaultConfig()
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = def.MaxPoolSize
	}
	if cfg.MinPoolSize < 0 {
		cfg.MinPoolSize = 0
	}
	if cfg.MinPoolSize > cfg.MaxPoolSize {
		cfg.MinPoolSize = cfg.MaxPoolSize
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = def.CheckoutTimeout
	}
	if cfg.RecycleAfterUses <= 0 {
		cfg.RecycleAfterUses = def.RecycleAfterUses
	}
	if cfg.MaxAgentAge <= 0 {
		cfg.MaxAgentAge = def.MaxAgentAge
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}

	return &Pool{
		cfg:     cfg,
		factory: factory,
		emitter: emitter,
		agents:  make(map[string]*Agent),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start pre-creates the minimum number of idle slots and launches the
// periodic top-up and idle-expiry sweeps.
func (p *Pool) Start() error {
	if p.factory == nil {
		return ErrNoFactory
	}

	if _, err := p.Warmup(p.cfg.MinPoolSize); err != nil {
		return err
	}

	p.wg.Add(1)
	go p.maintain()
	return nil
}

// Warmup creates up to count additional idle slots, bounded by the maximum
// pool size. It returns how many slots were created.
func (p *Pool) Warmup(count int) (int, error) {
	createdHere := 0
	for i := 0; i < count; i++ {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return createdHere, ErrPoolClosed
		}
		if len(p.agents)+p.creating >= p.cfg.MaxPoolSize {
			p.mu.Unlock()
			break
		}
		p.creating++
		p.mu.Unlock()

		agent, err := p.createSlot("")
		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			return createdHere, fmt.Errorf("pool warmup: %w", err)
		}
		// Shutdown may have run while the factory call was in flight;
		// the slot must not join a pool that already disposed everything.
		if p.closed {
			p.mu.Unlock()
			p.discardSlot(agent)
			return createdHere, ErrPoolClosed
		}
		p.agents[agent.ID] = agent
		p.created++
		createdHere++
		p.satisfyWaitersLocked()
		p.mu.Unlock()
	}
	return createdHere, nil
}

// Checkout claims a slot matching the criteria. If no idle slot matches and
// the pool is full, the caller waits in FIFO order until a matching slot is
// checked in or the checkout timeout elapses. The context can cancel the
// wait early.
func (p *Pool) Checkout(ctx context.Context, criteria Criteria) (*Agent, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Fast path: an idle slot already matches.
	if agent := p.claimIdleLocked(criteria); agent != nil {
		p.mu.Unlock()
		return agent, nil
	}

	// Grow path: room remains below the cap.
	if len(p.agents)+p.creating < p.cfg.MaxPoolSize {
		p.creating++
		p.mu.Unlock()

		agent, err := p.createSlot(criteria.AgentType)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool checkout: %w", err)
		}
		if p.closed {
			p.mu.Unlock()
			p.discardSlot(agent)
			return nil, ErrPoolClosed
		}
		agent.State = StateInUse
		p.agents[agent.ID] = agent
		p.created++
		p.checkouts++
		p.mu.Unlock()

		p.emitter.Emit(events.Event{Type: events.EventPoolCheckout, AgentID: agent.ID})
		return agent, nil
	}

	// Wait path: enqueue and block with a bounded timeout.
	w := &waiter{criteria: criteria, ch: make(chan *Agent, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.CheckoutTimeout)
	defer timer.Stop()

	select {
	case agent, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return agent, nil
	case <-timer.C:
		return p.abandonWait(w, ErrCheckoutTimeout)
	case <-ctx.Done():
		return p.abandonWait(w, ctx.Err())
	}
}

// abandonWait resolves a waiter from the timeout or cancellation side. If a
// checkin handed a slot over before we took the lock, the handoff wins and
// the slot is returned to the caller.
func (p *Pool) abandonWait(w *waiter, cause error) (*Agent, error) {
	p.mu.Lock()
	if w.resolved {
		p.mu.Unlock()
		// Handoff completed first; the slot is already in the buffer.
		agent, ok := <-w.ch
		if !ok {
			return nil, ErrPoolClosed
		}
		return agent, nil
	}
	w.resolved = true
	p.removeWaiterLocked(w)
	if errors.Is(cause, ErrCheckoutTimeout) {
		p.timeouts++
	}
	p.mu.Unlock()
	return nil, cause
}

// Checkin returns a slot to the pool, recording the outcome of its use.
// It is best-effort bookkeeping and never fails; unknown IDs are ignored.
func (p *Pool) Checkin(agentID string, success bool) {
	p.mu.Lock()

	agent, ok := p.agents[agentID]
	if !ok || agent.State != StateInUse {
		p.mu.Unlock()
		return
	}

	agent.UseCount++
	agent.LastUsedAt = p.now()
	if success {
		agent.SuccessCount++
	} else {
		agent.FailureCount++
	}
	p.checkins++

	aged := p.now().Sub(agent.CreatedAt) >= p.cfg.MaxAgentAge
	worn := agent.UseCount >= p.cfg.RecycleAfterUses
	errored := p.cfg.RecycleOnError && agent.FailureCount > 0

	if aged || worn || errored {
		p.recycleLocked(agent, aged)
	} else {
		agent.State = StateIdle
	}

	p.satisfyWaitersLocked()
	p.mu.Unlock()

	p.emitter.Emit(events.Event{Type: events.EventPoolCheckin, AgentID: agentID})
}

// recycleLocked resets a slot for reuse, or disposes it when it has aged out
// or the pool already holds enough idle slots.
func (p *Pool) recycleLocked(agent *Agent, aged bool) {
	agent.State = StateRecycling
	p.recycles++
	p.emitter.Emit(events.Event{Type: events.EventPoolRecycle, AgentID: agent.ID})

	if aged || p.idleCountLocked() >= p.cfg.MinPoolSize {
		p.disposeLocked(agent)
		return
	}

	agent.UseCount = 0
	agent.SuccessCount = 0
	agent.FailureCount = 0
	agent.State = StateIdle
}

// discardSlot closes the instance of a slot that never joined the pool.
func (p *Pool) discardSlot(agent *Agent) {
	if agent.Instance != nil {
		if err := agent.Instance.Close(); err != nil {
			log.Printf("[pool] error closing instance for slot %s: %v", agent.ID, err)
		}
	}
}

// disposeLocked removes a slot from the pool and closes its instance.
func (p *Pool) disposeLocked(agent *Agent) {
	delete(p.agents, agent.ID)
	p.disposals++
	if agent.Instance != nil {
		if err := agent.Instance.Close(); err != nil {
			log.Printf("[pool] error closing instance for slot %s: %v", agent.ID, err)
		}
	}
	p.emitter.Emit(events.Event{Type: events.EventPoolDispose, AgentID: agent.ID})
}

// Shutdown stops the maintenance sweeps, rejects every queued checkout, and
// disposes all slots. Subsequent operations fail with ErrPoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)

	for _, w := range p.waiters {
		if !w.resolved {
			w.resolved = true
			close(w.ch)
		}
	}
	p.waiters = nil

	doomed := make([]*Agent, 0, len(p.agents))
	for _, agent := range p.agents {
		doomed = append(doomed, agent)
	}
	for _, agent := range doomed {
		p.disposeLocked(agent)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:      len(p.agents),
		Idle:      p.idleCountLocked(),
		Waiting:   len(p.waiters),
		Created:   p.created,
		Checkouts: p.checkouts,
		Checkins:  p.checkins,
		Recycles:  p.recycles,
		Disposals: p.disposals,
		Timeouts:  p.timeouts,
	}
	s.InUse = s.Size - s.Idle
	return s
}

// claimIdleLocked moves the first matching idle slot to in-use. The oldest
// idle slot is preferred so every slot keeps circulating.
func (p *Pool) claimIdleLocked(criteria Criteria) *Agent {
	var best *Agent
	for _, agent := range p.agents {
		if agent.State != StateIdle || !criteria.matches(agent) {
			continue
		}
		if best == nil || agent.LastUsedAt.Before(best.LastUsedAt) {
			best = agent
		}
	}
	if best == nil {
		return nil
	}
	best.State = StateInUse
	p.checkouts++
	p.emitter.Emit(events.Event{Type: events.EventPoolCheckout, AgentID: best.ID})
	return best
}

// satisfyWaitersLocked hands idle slots to queued checkouts in FIFO order.
func (p *Pool) satisfyWaitersLocked() {
	remaining := p.waiters[:0]
	for _, w := range p.waiters {
		if w.resolved {
			continue
		}
		agent := p.claimIdleLocked(w.criteria)
		if agent == nil {
			remaining = append(remaining, w)
			continue
		}
		w.resolved = true
		w.ch <- agent
	}
	p.waiters = remaining
}

func (p *Pool) removeWaiterLocked(target *waiter) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) idleCountLocked() int {
	n := 0
	for _, agent := range p.agents {
		if agent.State == StateIdle {
			n++
		}
	}
	return n
}

func (p *Pool) createSlot(agentType string) (*Agent, error) {
	instance, err := p.factory.NewInstance(agentType)
	if err != nil {
		return nil, err
	}
	now := p.now()
	return &Agent{
		ID:         uuid.New().String()[:8],
		AgentType:  agentType,
		State:      StateIdle,
		CreatedAt:  now,
		LastUsedAt: now,
		Instance:   instance,
	}, nil
}

// maintain runs the periodic top-up check and idle-expiry sweep.
func (p *Pool) maintain() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
			p.topUp()
		case <-p.stop:
			return
		}
	}
}

// sweepIdle disposes surplus idle slots that have sat unused past the idle
// timeout, keeping at least the minimum pool size warm.
func (p *Pool) sweepIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	now := p.now()
	for _, agent := range p.agents {
		if p.idleCountLocked() <= p.cfg.MinPoolSize {
			break
		}
		if agent.State != StateIdle {
			continue
		}
		if now.Sub(agent.LastUsedAt) >= p.cfg.IdleTimeout {
			p.disposeLocked(agent)
		}
	}
}

// topUp restores the minimum idle slot count after disposals.
func (p *Pool) topUp() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	deficit := p.cfg.MinPoolSize - p.idleCountLocked()
	room := p.cfg.MaxPoolSize - len(p.agents) - p.creating
	p.mu.Unlock()

	if deficit <= 0 {
		return
	}
	if deficit > room {
		deficit = room
	}
	if deficit <= 0 {
		return
	}
	if _, err := p.Warmup(deficit); err != nil && !errors.Is(err, ErrPoolClosed) {
		log.Printf("[pool] top-up failed: %v", err)
	}
}
