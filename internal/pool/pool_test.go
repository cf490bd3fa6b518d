package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubInstance is a factory product that tracks closure.
type stubInstance struct {
	closed atomic.Bool
}

func (s *stubInstance) Close() error {
	s.closed.Store(true)
	return nil
}

// stubFactory counts instantiations.
type stubFactory struct {
	created atomic.Int64
	fail    atomic.Bool
}

func (f *stubFactory) NewInstance(agentType string) (Instance, error) {
	if f.fail.Load() {
		return nil, errors.New("factory unavailable")
	}
	f.created.Add(1)
	return &stubInstance{}, nil
}

// blockingFactory parks NewInstance until released, so a shutdown can be
// sequenced against an in-flight slot creation.
type blockingFactory struct {
	entered  chan struct{}
	release  chan struct{}
	instance *stubInstance
}

func (f *blockingFactory) NewInstance(agentType string) (Instance, error) {
	close(f.entered)
	<-f.release
	f.instance = &stubInstance{}
	return f.instance, nil
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *stubFactory) {
	t.Helper()
	if cfg.MaintenanceInterval == 0 {
		// Keep the background sweeps out of deterministic tests.
		cfg.MaintenanceInterval = time.Hour
	}
	f := &stubFactory{}
	p := New(cfg, f, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p, f
}

func TestCheckoutFromWarmPool(t *testing.T) {
	p, f := newTestPool(t, Config{MinPoolSize: 2, MaxPoolSize: 4})

	agent, err := p.Checkout(context.Background(), Criteria{})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if agent.State != StateInUse {
		t.Errorf("expected in_use, got %q", agent.State)
	}
	// Warm slots should be claimed before creating new ones.
	if f.created.Load() != 2 {
		t.Errorf("expected 2 instantiations from warmup, got %d", f.created.Load())
	}
}

func TestCheckinReturnsSlotToIdle(t *testing.T) {
	p, _ := newTestPool(t, Config{MinPoolSize: 1, MaxPoolSize: 2})

	agent, err := p.Checkout(context.Background(), Criteria{})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	p.Checkin(agent.ID, true)

	stats := p.Stats()
	if stats.InUse != 0 {
		t.Errorf("expected 0 in use, got %d", stats.InUse)
	}

	again, err := p.Checkout(context.Background(), Criteria{})
	if err != nil {
		t.Fatalf("second Checkout: %v", err)
	}
	if again.ID != agent.ID {
		t.Errorf("expected the same slot back, got %s vs %s", again.ID, agent.ID)
	}
	if again.UseCount != 1 {
		t.Errorf("expected use count 1, got %d", again.UseCount)
	}
}

func TestPoolGrowsUpToMax(t *testing.T) {
	p, _ := newTestPool(t, Config{MinPoolSize: 1, MaxPoolSize: 3, CheckoutTimeout: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		if _, err := p.Checkout(context.Background(), Criteria{}); err != nil {
			t.Fatalf("Checkout %d: %v", i, err)
		}
	}

	if size := p.Stats().Size; size != 3 {
		t.Errorf("expected pool size 3, got %d", size)
	}

	// Saturated and nobody checks in: the fourth checkout must time out.
	_, err := p.Checkout(context.Background(), Criteria{})
	if !errors.Is(err, ErrCheckoutTimeout) {
		t.Fatalf("expected ErrCheckoutTimeout, got %v", err)
	}
	if waiting := p.Stats().Waiting; waiting != 0 {
		t.Errorf("expected timed-out waiter to be dequeued, got %d waiting", waiting)
	}
	if p.Stats().Timeouts != 1 {
		t.Errorf("expected 1 recorded timeout, got %d", p.Stats().Timeouts)
	}
}

func TestCheckinSatisfiesOldestWaiter(t *testing.T) {
	p, _ := newTestPool(t, Config{MinPoolSize: 1, MaxPoolSize: 1, CheckoutTimeout: 2 * time.Second})

	agent, err := p.Checkout(context.Background(), Criteria{})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	got := make(chan *Agent, 1)
	go func() {
		waited, err := p.Checkout(context.Background(), Criteria{})
		if err != nil {
			t.Errorf("waiting Checkout: %v", err)
		}
		got <- waited
	}()

	// Give the waiter time to enqueue, then release the slot.
	deadline := time.After(time.Second)
	for p.Stats().Waiting == 0 {
		select {
		case <-deadline:
			t.Fatal("waiter never enqueued")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	p.Checkin(agent.ID, true)

	select {
	case waited := <-got:
		if waited.ID != agent.ID {
			t.Errorf("expected handoff of slot %s, got %s", agent.ID, waited.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("handoff never completed")
	}
}

func TestNoDoubleCheckoutUnderContention(t *testing.T) {
	p, _ := newTestPool(t, Config{MinPoolSize: 2, MaxPoolSize: 4, CheckoutTimeout: 2 * time.Second})

	var mu sync.Mutex
	held := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent, err := p.Checkout(context.Background(), Criteria{})
			if err != nil {
				t.Errorf("Checkout: %v", err)
				return
			}

			mu.Lock()
			if held[agent.ID] {
				t.Errorf("slot %s checked out twice concurrently", agent.ID)
			}
			held[agent.ID] = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			held[agent.ID] = false
			mu.Unlock()
			p.Checkin(agent.ID, true)
		}()
	}
	wg.Wait()

	if size := p.Stats().Size; size > 4 {
		t.Errorf("pool size %d exceeded max 4", size)
	}
}

func TestRecycleAfterUses(t *testing.T) {
	p, _ := newTestPool(t, Config{MinPoolSize: 0, MaxPoolSize: 1, RecycleAfterUses: 2})

	var id string
	for i := 0; i < 2; i++ {
		agent, err := p.Checkout(context.Background(), Criteria{})
		if err != nil {
			t.Fatalf("Checkout %d: %v", i, err)
		}
		id = agent.ID
		p.Checkin(id, true)
	}

	stats := p.Stats()
	if stats.Recycles != 1 {
		t.Errorf("expected 1 recycle after hitting the use limit, got %d", stats.Recycles)
	}

	// MinPoolSize is 0, so the recycled slot is reset rather than
	// disposed only when the idle set is short; here it is disposed.
	if stats.Size != 0 {
		t.Errorf("expected recycled slot to be disposed, got size %d", stats.Size)
	}
}

func TestRecycleOnErrorResetsCounters(t *testing.T) {
	p, _ := newTestPool(t, Config{MinPoolSize: 2, MaxPoolSize: 2, RecycleOnError: true})

	agent, err := p.Checkout(context.Background(), Criteria{})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	p.Checkin(agent.ID, false)

	stats := p.Stats()
	if stats.Recycles != 1 {
		t.Errorf("expected 1 recycle after failure, got %d", stats.Recycles)
	}

	// Only one other idle slot exists, below MinPoolSize, so the slot is
	// reset and kept.
	again, err := p.Checkout(context.Background(), Criteria{AgentType: ""})
	if err != nil {
		t.Fatalf("Checkout after recycle: %v", err)
	}
	if again.ID == agent.ID && again.FailureCount != 0 {
		t.Errorf("expected recycled slot counters reset, got %d failures", again.FailureCount)
	}
}

func TestCheckinUnknownIDIsNoop(t *testing.T) {
	p, _ := newTestPool(t, Config{MinPoolSize: 1, MaxPoolSize: 1})
	p.Checkin("no-such-slot", true)
	if stats := p.Stats(); stats.Checkins != 0 {
		t.Errorf("expected unknown checkin to be ignored, got %d checkins", stats.Checkins)
	}
}

func TestCheckoutByAgentType(t *testing.T) {
	p, _ := newTestPool(t, Config{MinPoolSize: 0, MaxPoolSize: 4})

	researcher, err := p.Checkout(context.Background(), Criteria{AgentType: "researcher"})
	if err != nil {
		t.Fatalf("Checkout researcher: %v", err)
	}
	if researcher.AgentType != "researcher" {
		t.Errorf("expected researcher slot, got %q", researcher.AgentType)
	}
	p.Checkin(researcher.ID, true)

	// A typed request must not claim a mismatched idle slot.
	coder, err := p.Checkout(context.Background(), Criteria{AgentType: "coder"})
	if err != nil {
		t.Fatalf("Checkout coder: %v", err)
	}
	if coder.ID == researcher.ID {
		t.Error("typed checkout claimed a slot of the wrong type")
	}
}

func TestShutdownRejectsWaiters(t *testing.T) {
	cfg := Config{MinPoolSize: 1, MaxPoolSize: 1, CheckoutTimeout: 5 * time.Second, MaintenanceInterval: time.Hour}
	f := &stubFactory{}
	p := New(cfg, f, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := p.Checkout(context.Background(), Criteria{}); err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Checkout(context.Background(), Criteria{})
		errCh <- err
	}()

	deadline := time.After(time.Second)
	for p.Stats().Waiting == 0 {
		select {
		case <-deadline:
			t.Fatal("waiter never enqueued")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	p.Shutdown()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("expected ErrPoolClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never rejected")
	}

	if _, err := p.Checkout(context.Background(), Criteria{}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed after shutdown, got %v", err)
	}
}

func TestShutdownDuringSlotCreation(t *testing.T) {
	f := &blockingFactory{entered: make(chan struct{}), release: make(chan struct{})}
	p := New(Config{MinPoolSize: 0, MaxPoolSize: 2, MaintenanceInterval: time.Hour}, f, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Checkout(context.Background(), Criteria{})
		errCh <- err
	}()

	// Wait until the checkout is inside the factory call, then shut down.
	<-f.entered
	p.Shutdown()
	close(f.release)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("expected ErrPoolClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("checkout never returned")
	}

	if size := p.Stats().Size; size != 0 {
		t.Errorf("closed pool still holds %d slot(s)", size)
	}
	if f.instance == nil || !f.instance.closed.Load() {
		t.Error("instance created during shutdown was never closed")
	}
}

func TestWarmupDuringShutdownDiscardsSlot(t *testing.T) {
	f := &blockingFactory{entered: make(chan struct{}), release: make(chan struct{})}
	p := New(Config{MinPoolSize: 0, MaxPoolSize: 2, MaintenanceInterval: time.Hour}, f, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	type result struct {
		n   int
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		n, err := p.Warmup(1)
		resCh <- result{n, err}
	}()

	<-f.entered
	p.Shutdown()
	close(f.release)

	select {
	case res := <-resCh:
		if !errors.Is(res.err, ErrPoolClosed) {
			t.Errorf("expected ErrPoolClosed, got %v", res.err)
		}
		if res.n != 0 {
			t.Errorf("expected 0 slots created, got %d", res.n)
		}
	case <-time.After(time.Second):
		t.Fatal("warmup never returned")
	}

	if size := p.Stats().Size; size != 0 {
		t.Errorf("closed pool still holds %d slot(s)", size)
	}
	if f.instance == nil || !f.instance.closed.Load() {
		t.Error("instance created during shutdown was never closed")
	}
}

func TestWarmupBoundedByMax(t *testing.T) {
	p, _ := newTestPool(t, Config{MinPoolSize: 1, MaxPoolSize: 3})

	n, err := p.Warmup(10)
	if err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 slots created, got %d", n)
	}
	if size := p.Stats().Size; size != 3 {
		t.Errorf("expected size 3, got %d", size)
	}
}

func TestCheckoutContextCancellation(t *testing.T) {
	p, _ := newTestPool(t, Config{MinPoolSize: 1, MaxPoolSize: 1, CheckoutTimeout: 5 * time.Second})

	if _, err := p.Checkout(context.Background(), Criteria{}); err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Checkout(ctx, Criteria{})
		errCh <- err
	}()

	deadline := time.After(time.Second)
	for p.Stats().Waiting == 0 {
		select {
		case <-deadline:
			t.Fatal("waiter never enqueued")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}
}
