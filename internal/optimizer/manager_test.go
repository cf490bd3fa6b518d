package optimizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/hivemind/internal/cache"
	"github.com/ShayCichocki/hivemind/internal/pool"
	"github.com/ShayCichocki/hivemind/internal/timeout"
)

type nopInstance struct{}

func (nopInstance) Close() error { return nil }

type nopFactory struct{}

func (nopFactory) NewInstance(agentType string) (pool.Instance, error) {
	return nopInstance{}, nil
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cfg.Pool.MaintenanceInterval = time.Hour
	m := New(cfg, nopFactory{}, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestGetOrSetContextCacheAside(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	calls := 0
	fetcher := func() (any, error) {
		calls++
		return "fetched", nil
	}

	for i := 0; i < 3; i++ {
		value, err := m.GetOrSetContext("ctx:1", fetcher, cache.SetOptions{ContextType: "task_context"})
		if err != nil {
			t.Fatalf("GetOrSetContext: %v", err)
		}
		if value != "fetched" {
			t.Errorf("expected fetched, got %v", value)
		}
	}

	if calls != 1 {
		t.Errorf("expected a single fetch, got %d", calls)
	}
}

func TestGetOrSetContextPropagatesFetcherError(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	boom := errors.New("upstream unavailable")
	_, err := m.GetOrSetContext("ctx:err", func() (any, error) { return nil, boom }, cache.SetOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetcher error, got %v", err)
	}

	// The failure must not be cached.
	if m.Cache().Has("ctx:err") {
		t.Error("failed fetch must not populate the cache")
	}
}

func TestGetOrSetContextWithCachingDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCaching = false
	m := newTestManager(t, cfg)

	calls := 0
	for i := 0; i < 2; i++ {
		if _, err := m.GetOrSetContext("k", func() (any, error) {
			calls++
			return "v", nil
		}, cache.SetOptions{}); err != nil {
			t.Fatalf("GetOrSetContext: %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("expected fetcher called every time without caching, got %d", calls)
	}
}

func TestCheckoutWithPoolingDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePooling = false
	m := newTestManager(t, cfg)

	if _, err := m.CheckoutAgent(context.Background(), pool.Criteria{}); !errors.Is(err, ErrPoolingDisabled) {
		t.Fatalf("expected ErrPoolingDisabled, got %v", err)
	}
	// Checkin stays a no-op.
	m.CheckinAgent("anything", true)
}

func TestCheckoutCheckinPassThrough(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	agent, err := m.CheckoutAgent(context.Background(), pool.Criteria{})
	if err != nil {
		t.Fatalf("CheckoutAgent: %v", err)
	}
	m.CheckinAgent(agent.ID, true)

	status := m.Status()
	if status.Pool.Checkouts != 1 || status.Pool.Checkins != 1 {
		t.Errorf("expected 1 checkout and 1 checkin, got %+v", status.Pool)
	}
}

func TestGetTimeoutDelegatesToCalculator(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	direct := timeout.NewCalculator(timeout.DefaultConfig()).CalculateTimeout(1, timeout.Options{})
	viaFacade := m.GetTimeout(1, timeout.Options{})
	if viaFacade != direct {
		t.Errorf("facade result %+v differs from calculator result %+v", viaFacade, direct)
	}
}

func TestReloadTimeoutsSwapsTierTable(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	before := m.GetTimeout(0, timeout.Options{})
	if before.Timeout != 30*time.Minute {
		t.Fatalf("expected 30m root tier before reload, got %v", before.Timeout)
	}

	cfg := timeout.DefaultConfig()
	cfg.Tiers[0] = timeout.Tier{Timeout: 45 * time.Minute, Label: "session"}
	m.ReloadTimeouts(cfg)

	after := m.GetTimeout(0, timeout.Options{})
	if after.Timeout != 45*time.Minute {
		t.Errorf("expected 45m root tier after reload, got %v", after.Timeout)
	}
	if after.TierLabel != "session" {
		t.Errorf("expected reloaded tier label, got %q", after.TierLabel)
	}
}

func TestStatusReportsEnabledFeatures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCaching = false
	m := newTestManager(t, cfg)

	status := m.Status()
	if status.CachingEnabled {
		t.Error("expected caching reported disabled")
	}
	if !status.PoolingEnabled {
		t.Error("expected pooling reported enabled")
	}
}
